// Package anthropic provides a gateway.Driver backed by the Anthropic
// Messages API. It translates the gateway's prompt and options into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// classifies API failures into the gateway's provider error kinds.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/noesislabs/noesis/gateway"
)

const providerName = "anthropic"

// DefaultModel is used when neither the driver options nor the request name a
// model.
const DefaultModel = "claude-sonnet-4-5"

const defaultMaxTokens = 1024

type (
	// MessagesClient captures the subset of the Anthropic SDK client the
	// driver uses. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the driver.
	Options struct {
		// DefaultModel is the model identifier used when the request does not
		// name one. Prefer the typed constants from anthropic-sdk-go.
		DefaultModel string

		// MaxTokens caps the completion when the request does not set one.
		MaxTokens int
	}

	// Driver implements gateway.Driver on top of Anthropic Messages.
	Driver struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
	}
)

// New builds a driver from the provided Messages client.
func New(msg MessagesClient, opts Options) (*Driver, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	d := &Driver{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
	}
	if d.defaultModel == "" {
		d.defaultModel = DefaultModel
	}
	if d.maxTok <= 0 {
		d.maxTok = defaultMaxTokens
	}
	return d, nil
}

// NewFromAPIKey constructs a driver using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Driver, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Generate implements gateway.Driver.
func (d *Driver) Generate(ctx context.Context, prompt string, opts gateway.Options) (string, error) {
	if prompt == "" {
		return "", gateway.NewProviderError(providerName, gateway.KindInvalidRequest, "prompt is required", nil)
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(d.resolveModel(opts)),
		MaxTokens: int64(d.resolveMaxTokens(opts)),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	if opts.Temperature > 0 {
		params.Temperature = sdk.Float(opts.Temperature)
	}
	if system, ok := opts.Extra["system"].(string); ok && system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	msg, err := d.msg.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	return collectText(msg)
}

func (d *Driver) resolveModel(opts gateway.Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	return d.defaultModel
}

func (d *Driver) resolveMaxTokens(opts gateway.Options) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return d.maxTok
}

func collectText(msg *sdk.Message) (string, error) {
	if msg == nil {
		return "", gateway.NewProviderError(providerName, gateway.KindUnknown, "nil response message", nil)
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", gateway.NewProviderError(providerName, gateway.KindUnknown,
			fmt.Sprintf("no text content in response (stop_reason %s)", msg.StopReason), nil)
	}
	return text, nil
}

// classify maps SDK failures onto the gateway's error kinds so the provider
// chain can skip, back off, or sideline the provider appropriately.
func classify(err error) error {
	var apierr *sdk.Error
	if !errors.As(err, &apierr) {
		return gateway.NewProviderError(providerName, gateway.KindUnavailable, "", err)
	}
	kind := gateway.KindUnknown
	switch {
	case apierr.StatusCode == http.StatusTooManyRequests:
		kind = gateway.KindRateLimited
	case apierr.StatusCode == http.StatusUnauthorized || apierr.StatusCode == http.StatusForbidden:
		kind = gateway.KindAuth
	case apierr.StatusCode == http.StatusBadRequest:
		kind = gateway.KindInvalidRequest
	case apierr.StatusCode >= http.StatusInternalServerError:
		kind = gateway.KindUnavailable
	}
	return gateway.NewProviderError(providerName, kind, "", err)
}

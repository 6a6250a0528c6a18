// Package openai provides a gateway.Driver backed by the OpenAI Chat
// Completions API via github.com/openai/openai-go. OpenAI-compatible
// providers (Groq, Gemini) reuse the same driver through their compatibility
// base URLs.
package openai

import (
	"context"
	"errors"
	"net/http"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/noesislabs/noesis/gateway"
)

// Chat Completions compatibility endpoints for providers that speak the
// OpenAI wire protocol.
const (
	GroqBaseURL   = "https://api.groq.com/openai/v1"
	GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// Default model identifiers per provider.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultGroqModel   = "llama-3.3-70b-versatile"
	DefaultGeminiModel = "gemini-2.0-flash"
)

type (
	// ChatClient captures the subset of the openai-go client the driver uses.
	// It is satisfied by the SDK's chat completion service so tests can
	// substitute a mock.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the driver.
	Options struct {
		// Provider names the driver in gateway errors and metrics. Defaults
		// to "openai".
		Provider string

		// DefaultModel is used when the request does not name a model.
		DefaultModel string
	}

	// Driver implements gateway.Driver via Chat Completions.
	Driver struct {
		chat         ChatClient
		provider     string
		defaultModel string
	}
)

// New builds a driver from the provided chat client.
func New(chat ChatClient, opts Options) (*Driver, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	d := &Driver{
		chat:         chat,
		provider:     opts.Provider,
		defaultModel: opts.DefaultModel,
	}
	if d.provider == "" {
		d.provider = "openai"
	}
	if d.defaultModel == "" {
		d.defaultModel = DefaultModel
	}
	return d, nil
}

// NewFromAPIKey constructs a driver using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Driver, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Chat.Completions, Options{DefaultModel: defaultModel})
}

// NewGroq constructs a driver against Groq's OpenAI-compatible endpoint.
func NewGroq(apiKey, defaultModel string) (*Driver, error) {
	if apiKey == "" {
		return nil, errors.New("groq: api key is required")
	}
	if defaultModel == "" {
		defaultModel = DefaultGroqModel
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(GroqBaseURL))
	return New(&client.Chat.Completions, Options{Provider: "groq", DefaultModel: defaultModel})
}

// NewGemini constructs a driver against Gemini's OpenAI-compatible endpoint.
func NewGemini(apiKey, defaultModel string) (*Driver, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if defaultModel == "" {
		defaultModel = DefaultGeminiModel
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(GeminiBaseURL))
	return New(&client.Chat.Completions, Options{Provider: "google", DefaultModel: defaultModel})
}

// Generate implements gateway.Driver.
func (d *Driver) Generate(ctx context.Context, prompt string, opts gateway.Options) (string, error) {
	if prompt == "" {
		return "", gateway.NewProviderError(d.provider, gateway.KindInvalidRequest, "prompt is required", nil)
	}
	modelID := opts.Model
	if modelID == "" {
		modelID = d.defaultModel
	}
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, 2)
	if system, ok := opts.Extra["system"].(string); ok && system != "" {
		messages = append(messages, sdk.SystemMessage(system))
	}
	messages = append(messages, sdk.UserMessage(prompt))

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: messages,
	}
	if opts.Temperature > 0 {
		params.Temperature = sdk.Float(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(opts.MaxTokens))
	}

	resp, err := d.chat.New(ctx, params)
	if err != nil {
		return "", d.classify(err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", gateway.NewProviderError(d.provider, gateway.KindUnknown, "empty completion", nil)
	}
	return resp.Choices[0].Message.Content, nil
}

// classify maps SDK failures onto the gateway's error kinds. A 429 carrying
// the insufficient_quota code means the billing quota is gone, not a burst
// limit, and sidelines the provider immediately.
func (d *Driver) classify(err error) error {
	var apierr *sdk.Error
	if !errors.As(err, &apierr) {
		return gateway.NewProviderError(d.provider, gateway.KindUnavailable, "", err)
	}
	kind := gateway.KindUnknown
	switch {
	case apierr.StatusCode == http.StatusTooManyRequests:
		kind = gateway.KindRateLimited
		if apierr.Code == "insufficient_quota" {
			kind = gateway.KindQuota
		}
	case apierr.StatusCode == http.StatusUnauthorized || apierr.StatusCode == http.StatusForbidden:
		kind = gateway.KindAuth
	case apierr.StatusCode == http.StatusBadRequest:
		kind = gateway.KindInvalidRequest
	case apierr.StatusCode >= http.StatusInternalServerError:
		kind = gateway.KindUnavailable
	}
	return gateway.NewProviderError(d.provider, kind, "", err)
}

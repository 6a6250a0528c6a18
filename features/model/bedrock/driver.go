// Package bedrock provides a gateway.Driver backed by the AWS Bedrock
// Converse API. Failures are classified through the smithy error chain so
// throttling and quota exhaustion are distinguished from transient faults.
package bedrock

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/noesislabs/noesis/gateway"
)

const providerName = "bedrock"

// DefaultModel is the model identifier used when none is configured.
const DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"

const defaultMaxTokens = 1024

type (
	// ConverseClient captures the subset of the AWS Bedrock runtime client
	// the driver uses. It matches *bedrockruntime.Client so callers can pass
	// either a real client or a mock in tests.
	ConverseClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the driver.
	Options struct {
		// DefaultModel is the Bedrock model identifier used when the request
		// does not name one.
		DefaultModel string

		// MaxTokens caps the completion when the request does not set one.
		MaxTokens int
	}

	// Driver implements gateway.Driver on top of Bedrock Converse.
	Driver struct {
		runtime      ConverseClient
		defaultModel string
		maxTok       int
	}
)

// New builds a driver from the provided Converse client.
func New(runtime ConverseClient, opts Options) (*Driver, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: converse client is required")
	}
	d := &Driver{
		runtime:      runtime,
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

// NewFromRegion constructs a driver using the ambient AWS credential chain.
func NewFromRegion(ctx context.Context, region, defaultModel string) (*Driver, error) {
	if region == "" {
		return nil, errors.New("bedrock: region is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return New(bedrockruntime.NewFromConfig(cfg), Options{DefaultModel: defaultModel})
}

// Generate implements gateway.Driver.
func (d *Driver) Generate(ctx context.Context, prompt string, opts gateway.Options) (string, error) {
	if prompt == "" {
		return "", gateway.NewProviderError(providerName, gateway.KindInvalidRequest, "prompt is required", nil)
	}
	modelID := opts.Model
	if modelID == "" {
		modelID = d.defaultModel
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		Messages: []brtypes.Message{{
			Role: brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: prompt},
			},
		}},
		InferenceConfig: d.inferenceConfig(opts),
	}
	if system, ok := opts.Extra["system"].(string); ok && system != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: system},
		}
	}

	output, err := d.runtime.Converse(ctx, input)
	if err != nil {
		return "", classify(err)
	}
	return collectText(output)
}

func (d *Driver) inferenceConfig(opts gateway.Options) *brtypes.InferenceConfiguration {
	tokens := opts.MaxTokens
	if tokens <= 0 {
		tokens = d.maxTok
	}
	cfg := &brtypes.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(tokens)), //nolint:gosec // AWS SDK requires int32
	}
	if opts.Temperature > 0 {
		cfg.Temperature = aws.Float32(float32(opts.Temperature))
	}
	return cfg
}

func collectText(output *bedrockruntime.ConverseOutput) (string, error) {
	if output == nil {
		return "", gateway.NewProviderError(providerName, gateway.KindUnknown, "nil converse output", nil)
	}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", gateway.NewProviderError(providerName, gateway.KindUnknown, "unexpected converse output type", nil)
	}
	var text string
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}
	if text == "" {
		return "", gateway.NewProviderError(providerName, gateway.KindUnknown, "no text content in response", nil)
	}
	return text, nil
}

// classify maps smithy failures onto the gateway's error kinds. Throttling
// codes surface as rate limiting; an exceeded service quota sidelines the
// provider immediately.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return gateway.NewProviderError(providerName, gateway.KindRateLimited, apiErr.ErrorMessage(), err)
		case "ServiceQuotaExceededException":
			return gateway.NewProviderError(providerName, gateway.KindQuota, apiErr.ErrorMessage(), err)
		case "AccessDeniedException", "UnrecognizedClientException":
			return gateway.NewProviderError(providerName, gateway.KindAuth, apiErr.ErrorMessage(), err)
		case "ValidationException":
			return gateway.NewProviderError(providerName, gateway.KindInvalidRequest, apiErr.ErrorMessage(), err)
		case "ModelNotReadyException", "ServiceUnavailableException", "InternalServerException":
			return gateway.NewProviderError(providerName, gateway.KindUnavailable, apiErr.ErrorMessage(), err)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == http.StatusTooManyRequests:
			return gateway.NewProviderError(providerName, gateway.KindRateLimited, "", err)
		case code >= http.StatusInternalServerError:
			return gateway.NewProviderError(providerName, gateway.KindUnavailable, "", err)
		}
	}
	return gateway.NewProviderError(providerName, gateway.KindUnavailable, "", err)
}

package bedrock

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noesislabs/noesis/gateway"
)

type stubConverseClient struct {
	lastInput *bedrockruntime.ConverseInput
	resp      *bedrockruntime.ConverseOutput
	err       error
}

func (s *stubConverseClient) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	s.lastInput = params
	return s.resp, s.err
}

func converseText(text string) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: text},
				},
			},
		},
	}
}

func TestGenerateBuildsConverseInput(t *testing.T) {
	stub := &stubConverseClient{resp: converseText("world")}
	d, err := New(stub, Options{DefaultModel: "anthropic.claude-3-5-sonnet-20241022-v2:0", MaxTokens: 200})
	require.NoError(t, err)

	out, err := d.Generate(context.Background(), "hello", gateway.Options{
		Temperature: 0.5,
		Extra:       map[string]any{"system": "be terse"},
	})
	require.NoError(t, err)
	assert.Equal(t, "world", out)

	in := stub.lastInput
	require.NotNil(t, in)
	assert.Equal(t, "anthropic.claude-3-5-sonnet-20241022-v2:0", *in.ModelId)
	require.Len(t, in.Messages, 1)
	assert.Equal(t, brtypes.ConversationRoleUser, in.Messages[0].Role)
	require.NotNil(t, in.InferenceConfig)
	assert.Equal(t, int32(200), *in.InferenceConfig.MaxTokens)
	assert.Equal(t, float32(0.5), *in.InferenceConfig.Temperature)
	require.Len(t, in.System, 1)
}

func TestGenerateModelOverride(t *testing.T) {
	stub := &stubConverseClient{resp: converseText("ok")}
	d, err := New(stub, Options{})
	require.NoError(t, err)

	_, err = d.Generate(context.Background(), "q", gateway.Options{Model: "amazon.nova-pro-v1:0"})
	require.NoError(t, err)
	assert.Equal(t, "amazon.nova-pro-v1:0", *stub.lastInput.ModelId)
}

func TestClassifyAPIErrorCodes(t *testing.T) {
	cases := []struct {
		code string
		kind gateway.ErrorKind
	}{
		{"ThrottlingException", gateway.KindRateLimited},
		{"TooManyRequestsException", gateway.KindRateLimited},
		{"ServiceQuotaExceededException", gateway.KindQuota},
		{"AccessDeniedException", gateway.KindAuth},
		{"ValidationException", gateway.KindInvalidRequest},
		{"ServiceUnavailableException", gateway.KindUnavailable},
	}
	for _, tc := range cases {
		err := classify(&smithy.GenericAPIError{Code: tc.code, Message: "boom"})
		pe, ok := gateway.AsProviderError(err)
		require.True(t, ok, tc.code)
		assert.Equal(t, tc.kind, pe.Kind(), tc.code)
		assert.Equal(t, providerName, pe.Provider())
	}
}

func TestQuotaClassificationSidelinesProvider(t *testing.T) {
	err := classify(&smithy.GenericAPIError{Code: "ServiceQuotaExceededException"})
	assert.True(t, gateway.IsQuota(err))
}

func TestNoTextContentIsAnError(t *testing.T) {
	stub := &stubConverseClient{resp: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{}},
	}}
	d, err := New(stub, Options{})
	require.NoError(t, err)

	_, err = d.Generate(context.Background(), "q", gateway.Options{})
	require.Error(t, err)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}

package anthropic

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noesislabs/noesis/gateway"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func textMessage(text string) *sdk.Message {
	return &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		StopReason: sdk.StopReasonEndTurn,
	}
}

func TestGenerateTranslatesPromptAndOptions(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage("world")}
	d, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 128})
	require.NoError(t, err)

	out, err := d.Generate(context.Background(), "hello", gateway.Options{
		Temperature: 0.4,
		Extra:       map[string]any{"system": "be terse"},
	})
	require.NoError(t, err)
	assert.Equal(t, "world", out)

	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.lastParams.Model)
	assert.Equal(t, int64(128), stub.lastParams.MaxTokens)
	require.Len(t, stub.lastParams.System, 1)
	assert.Equal(t, "be terse", stub.lastParams.System[0].Text)
	assert.Equal(t, 0.4, stub.lastParams.Temperature.Value)
}

func TestGenerateRequestOverridesDefaults(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage("ok")}
	d, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = d.Generate(context.Background(), "q", gateway.Options{
		Model:     "claude-haiku-4-5",
		MaxTokens: 64,
	})
	require.NoError(t, err)
	assert.Equal(t, sdk.Model("claude-haiku-4-5"), stub.lastParams.Model)
	assert.Equal(t, int64(64), stub.lastParams.MaxTokens)
}

func TestGenerateConcatenatesTextBlocks(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "first "},
			{Type: "tool_use"},
			{Type: "text", Text: "second"},
		},
	}}
	d, err := New(stub, Options{})
	require.NoError(t, err)

	out, err := d.Generate(context.Background(), "q", gateway.Options{})
	require.NoError(t, err)
	assert.Equal(t, "first second", out)
}

func TestGenerateRejectsEmptyPrompt(t *testing.T) {
	d, err := New(&stubMessagesClient{}, Options{})
	require.NoError(t, err)

	_, err = d.Generate(context.Background(), "", gateway.Options{})
	pe, ok := gateway.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, gateway.KindInvalidRequest, pe.Kind())
}

func TestClassifyStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		kind   gateway.ErrorKind
	}{
		{429, gateway.KindRateLimited},
		{401, gateway.KindAuth},
		{403, gateway.KindAuth},
		{400, gateway.KindInvalidRequest},
		{500, gateway.KindUnavailable},
		{529, gateway.KindUnavailable},
	}
	for _, tc := range cases {
		err := classify(&sdk.Error{StatusCode: tc.status})
		pe, ok := gateway.AsProviderError(err)
		require.True(t, ok, "status %d", tc.status)
		assert.Equal(t, tc.kind, pe.Kind(), "status %d", tc.status)
		assert.Equal(t, providerName, pe.Provider())
	}
}

func TestNoTextContentIsAnError(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "tool_use"}},
		StopReason: sdk.StopReasonMaxTokens,
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

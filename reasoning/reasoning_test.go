package reasoning

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noesislabs/noesis/gateway"
	"github.com/noesislabs/noesis/store/storetest"
	"github.com/noesislabs/noesis/thought"
)

const sampleResponse = `Step 1: Inspect the invoice totals
Conclusion: The totals disagree by 40 dollars
Confidence: 0.9
Evidence: invoice 221; ledger row 18

Step 2: Check for an unapplied credit
Conclusion: A credit memo covers the difference
Confidence: 0.6
Evidence: credit memo 77

Answer: The discrepancy is an unapplied credit memo`

type fakeGenerator struct {
	response string
	err      error
	calls    int
	prompts  []string
}

func (f *fakeGenerator) GenerateWithRetry(_ context.Context, prompt string, _ gateway.Options, _ int, _ ...gateway.CallOption) (gateway.Result, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return gateway.Result{}, f.err
	}
	return gateway.Result{Response: f.response, ProviderUsed: "fake"}, nil
}

func newTestReasoner(t *testing.T, gen Generator, opts ...Option) (*Reasoner, *storetest.Querier) {
	t.Helper()
	q := storetest.New()
	r := New(gen, opts...)
	require.NoError(t, r.Initialize(context.Background(), storetest.NewStore(q)))
	return r, q
}

func TestParseChain(t *testing.T) {
	steps, answer := parseChain(sampleResponse)
	require.Len(t, steps, 2)

	assert.Equal(t, 1, steps[0].Number)
	assert.Equal(t, "Inspect the invoice totals", steps[0].Description)
	assert.Equal(t, "The totals disagree by 40 dollars", steps[0].Conclusion)
	assert.Equal(t, 0.9, steps[0].Confidence)
	assert.Equal(t, []string{"invoice 221", "ledger row 18"}, steps[0].Evidence)

	assert.Equal(t, 2, steps[1].Number)
	assert.Equal(t, []string{"credit memo 77"}, steps[1].Evidence)

	assert.Equal(t, "The discrepancy is an unapplied credit memo", answer)
}

func TestParseChainToleratesNoise(t *testing.T) {
	steps, answer := parseChain(`Sure, let me think about that.
Step 1: Only step
Conclusion: Done
Some stray commentary.
Answer: fine`)
	require.Len(t, steps, 1)
	assert.Equal(t, 0.5, steps[0].Confidence, "missing confidence defaults to 0.5")
	assert.Equal(t, "fine", answer)
}

func TestParseChainClampsConfidence(t *testing.T) {
	steps, _ := parseChain("Step 1: x\nConfidence: 3.5\nStep 2: y\nConfidence: -1")
	require.Len(t, steps, 2)
	assert.Equal(t, 1.0, steps[0].Confidence)
	assert.Equal(t, 0.0, steps[1].Confidence)
}

func TestOverallConfidenceIsIndexWeighted(t *testing.T) {
	steps := []Step{
		{Number: 1, Confidence: 0.9},
		{Number: 2, Confidence: 0.6},
	}
	// (0.9*1 + 0.6*2) / 3
	assert.InDelta(t, 0.7, overallConfidence(steps), 1e-9)
	assert.Zero(t, overallConfidence(nil))
}

func TestReasonParsesAndPersists(t *testing.T) {
	gen := &fakeGenerator{response: sampleResponse}
	r, q := newTestReasoner(t, gen)

	chain, err := r.Reason(context.Background(), "why do the books disagree?", nil)
	require.NoError(t, err)
	assert.Len(t, chain.Steps, 2)
	assert.Equal(t, "fake", chain.Provider)
	assert.InDelta(t, 0.7, chain.Confidence, 1e-9)
	assert.Len(t, q.CallsMatching("INSERT INTO insights"), 1)
}

func TestReasonCachesByQuestionAndContext(t *testing.T) {
	gen := &fakeGenerator{response: sampleResponse}
	r, _ := newTestReasoner(t, gen)

	_, err := r.Reason(context.Background(), "q", map[string]any{"a": 1})
	require.NoError(t, err)
	_, err = r.Reason(context.Background(), "q", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, gen.calls, "second identical call is served from cache")

	_, err = r.Reason(context.Background(), "q", map[string]any{"a": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, gen.calls, "different context misses")
}

func TestDropCacheForcesRegeneration(t *testing.T) {
	gen := &fakeGenerator{response: sampleResponse}
	r, _ := newTestReasoner(t, gen)

	_, err := r.Reason(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, r.DropCache())

	_, err = r.Reason(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, gen.calls)
}

func TestCacheBoundEvictsOldest(t *testing.T) {
	gen := &fakeGenerator{response: sampleResponse}
	r, _ := newTestReasoner(t, gen, WithCacheSize(2))

	for i := 0; i < 3; i++ {
		_, err := r.Reason(context.Background(), fmt.Sprintf("q-%d", i), nil)
		require.NoError(t, err)
	}
	// q-0 was evicted, q-2 is still cached.
	_, err := r.Reason(context.Background(), "q-2", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, gen.calls)
	_, err = r.Reason(context.Background(), "q-0", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, gen.calls)
}

func TestReasonPropagatesGatewayError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("all providers down")}
	r, _ := newTestReasoner(t, gen)
	_, err := r.Reason(context.Background(), "q", nil)
	require.Error(t, err)
}

func TestDecideSelectsMatchingOption(t *testing.T) {
	gen := &fakeGenerator{response: `Step 1: Compare costs
Conclusion: Vendor B is cheaper at equal quality
Confidence: 0.8
Answer: vendor-b`}
	r, _ := newTestReasoner(t, gen)

	d, err := r.Decide(context.Background(), "pick a vendor", []string{"vendor-a", "vendor-b"})
	require.NoError(t, err)
	assert.Equal(t, "vendor-b", d.SelectedOption)
	assert.InDelta(t, 0.8, d.Confidence, 1e-9)
	assert.Contains(t, d.Reasoning, "Vendor B is cheaper")

	assert.Contains(t, gen.prompts[0], "- vendor-a")
	assert.Contains(t, gen.prompts[0], "pick a vendor")
}

func TestDecideFallsBackOnUnmatchedAnswer(t *testing.T) {
	gen := &fakeGenerator{response: "Answer: something else entirely"}
	r, _ := newTestReasoner(t, gen)

	d, err := r.Decide(context.Background(), "pick", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "a", d.SelectedOption)
	assert.Zero(t, d.Confidence)
}

func TestDecideRequiresOptions(t *testing.T) {
	r, _ := newTestReasoner(t, &fakeGenerator{response: "Answer: x"})
	_, err := r.Decide(context.Background(), "pick", nil)
	require.Error(t, err)
}

func TestHandleRoutesQuestionAndDecision(t *testing.T) {
	gen := &fakeGenerator{response: sampleResponse}
	r, _ := newTestReasoner(t, gen)

	out, err := r.Handle(context.Background(), thought.New(thought.KindReasoningRequest, map[string]any{
		"question": "why?",
	}, "external", thought.Normal))
	require.NoError(t, err)
	assert.Equal(t, 2, out["steps"])
	assert.NotEmpty(t, out["answer"])

	gen.response = "Answer: a"
	out, err = r.Handle(context.Background(), thought.New(thought.KindReasoningRequest, map[string]any{
		"context": "pick", "options": []any{"a", "b"},
	}, "external", thought.Normal))
	require.NoError(t, err)
	assert.Equal(t, "a", out["selected_option"])

	_, err = r.Handle(context.Background(), thought.New(thought.KindReasoningRequest, map[string]any{}, "external", thought.Normal))
	require.Error(t, err, "question is required")
}

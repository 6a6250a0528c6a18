package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/sony/gobreaker"
)

// Embedder produces a vector for a piece of text. Implementations live under
// features/embed; the subsystem falls back to a deterministic hash vector
// when no embedder is configured or the breaker is open.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

// Embed invokes the wrapped function.
func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// breakerEmbedder wraps an Embedder in a circuit breaker so a failing
// embedding backend degrades to the hash fallback instead of stalling every
// store and recall.
type breakerEmbedder struct {
	next Embedder
	cb   *gobreaker.CircuitBreaker
}

func newBreakerEmbedder(next Embedder) *breakerEmbedder {
	return &breakerEmbedder{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "embedder",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (b *breakerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// hashVector derives a deterministic unit vector of the given dimension from
// the text. Components come from a SHA-256 chain mapped into [-1, 1], then
// the vector is L2-normalized so cosine comparisons stay meaningful.
func hashVector(text string, dim int) []float32 {
	out := make([]float32, dim)
	seed := sha256.Sum256([]byte(text))
	block := seed[:]
	var norm float64
	for i := 0; i < dim; i++ {
		if i%8 == 0 && i > 0 {
			next := sha256.Sum256(block)
			block = next[:]
		}
		bits := binary.BigEndian.Uint32(block[(i%8)*4 : (i%8)*4+4])
		v := float64(bits)/float64(math.MaxUint32)*2 - 1
		out[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range out {
			out[i] *= scale
		}
	}
	return out
}

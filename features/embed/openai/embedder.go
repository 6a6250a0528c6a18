// Package openai provides a memory.Embedder backed by the OpenAI Embeddings
// API. The unified memory falls back to deterministic hash vectors when this
// embedder is unavailable.
package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel balances cost and recall quality for memory search.
const DefaultModel = "text-embedding-3-small"

type (
	// EmbeddingsClient captures the subset of the openai-go client the
	// embedder uses. It is satisfied by the SDK's embedding service.
	EmbeddingsClient interface {
		New(ctx context.Context, body sdk.EmbeddingNewParams, opts ...option.RequestOption) (*sdk.CreateEmbeddingResponse, error)
	}

	// Options configures the embedder.
	Options struct {
		// Model is the embedding model identifier. Defaults to DefaultModel.
		Model string

		// Dimensions requests reduced-dimension vectors. Must match the
		// memory subsystem's configured embedding dimension.
		Dimensions int
	}

	// Embedder implements memory.Embedder via the Embeddings API.
	Embedder struct {
		client EmbeddingsClient
		model  string
		dims   int
	}
)

// New builds an embedder from the provided embeddings client.
func New(client EmbeddingsClient, opts Options) (*Embedder, error) {
	if client == nil {
		return nil, errors.New("openai: embeddings client is required")
	}
	e := &Embedder{client: client, model: opts.Model, dims: opts.Dimensions}
	if e.model == "" {
		e.model = DefaultModel
	}
	return e, nil
}

// NewFromAPIKey constructs an embedder using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Embedder, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Embeddings, opts)
}

// Embed implements memory.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("openai: text is required")
	}
	params := sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(e.model),
		Input: sdk.EmbeddingNewParamsInputUnion{OfString: sdk.String(text)},
	}
	if e.dims > 0 {
		params.Dimensions = sdk.Int(int64(e.dims))
	}
	resp, err := e.client.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if resp == nil || len(resp.Data) == 0 {
		return nil, errors.New("openai: empty embedding response")
	}
	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

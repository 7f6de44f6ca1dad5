package upstream

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/checkmate-sg/checkmate-core/internal/model"
)

// embeddingClient is the slice of the OpenAI client the embedder uses.
type embeddingClient interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Embedder produces 384-dimension text embeddings from an OpenAI-compatible
// /v1/embeddings endpoint.
type Embedder struct {
	client embeddingClient
	model  string
}

// NewEmbedder creates an embedder against an OpenAI-compatible endpoint.
func NewEmbedder(baseURL, apiKey, embeddingModel string) *Embedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		base := strings.TrimSuffix(baseURL, "/")
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		cfg.BaseURL = base
	}
	return &Embedder{client: openai.NewClientWithConfig(cfg), model: embeddingModel}
}

// NewEmbedderWithClient creates an embedder over an existing client. Used by
// tests to inject fakes.
func NewEmbedderWithClient(client embeddingClient, embeddingModel string) *Embedder {
	return &Embedder{client: client, model: embeddingModel}
}

// Embed returns the embedding for a single text. The dimension is enforced
// strictly; a model returning anything but 384 floats is a deployment error.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: embedder: %v: %w", err, ErrUpstream)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("upstream: embedder: empty response: %w", ErrUpstream)
	}

	embedding := resp.Data[0].Embedding
	if len(embedding) != model.TextEmbeddingDim {
		return nil, fmt.Errorf("upstream: embedder: got %d dimensions, want %d: %w",
			len(embedding), model.TextEmbeddingDim, ErrUpstream)
	}
	return embedding, nil
}

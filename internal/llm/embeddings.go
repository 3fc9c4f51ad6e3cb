package llm

import (
	"context"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"docchat/internal/config"
)

// Embedder turns text into dense vectors via the external embedding service.
// It performs no retries; callers retry at the stage boundary.
type Embedder struct {
	client *openai.Client
	model  string
	dim    int
}

// NewEmbedder builds the embedder against EMBEDDING_URL.
func NewEmbedder(cfg *config.Config) *Embedder {
	conf := openai.DefaultConfig("")
	conf.BaseURL = cfg.EmbeddingURL
	conf.HTTPClient = &http.Client{Timeout: cfg.Timeouts.Embed}
	return &Embedder{
		client: openai.NewClientWithConfig(conf),
		model:  cfg.EmbeddingModel,
		dim:    cfg.EmbeddingDimensions,
	}
}

// Dimension returns the configured vector dimension.
func (e *Embedder) Dimension() int { return e.dim }

// Embed returns one vector per input text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided for embedding")
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", wrapUpstream(err))
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d: %w", len(texts), len(resp.Data), ErrShapeMismatch)
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(embeddings) {
			return nil, fmt.Errorf("invalid embedding index %d: %w", data.Index, ErrShapeMismatch)
		}
		if len(data.Embedding) != e.dim {
			return nil, fmt.Errorf("embedding dimension %d, want %d: %w", len(data.Embedding), e.dim, ErrShapeMismatch)
		}
		embeddings[data.Index] = data.Embedding
	}
	return embeddings, nil
}

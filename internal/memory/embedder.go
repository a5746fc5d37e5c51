package memory

import (
	"context"
	"errors"
	"fmt"
	"io"

	genai "github.com/google/generative-ai-go/genai"
	"github.com/philippgille/chromem-go"
	"google.golang.org/api/option"
)

// EmbedderConfig selects the embedding backend for vector mode.
type EmbedderConfig struct {
	Kind      string // gemini, ollama, or empty for none
	Model     string
	OllamaURL string
	APIKey    string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewEmbedder returns nil and no error when no embedder is configured.
func NewEmbedder(ctx context.Context, cfg EmbedderConfig) (chromem.EmbeddingFunc, io.Closer, error) {
	switch cfg.Kind {
	case "", "none":
		return nil, nopCloser{}, nil
	case "ollama":
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		return chromem.NewEmbeddingFuncOllama(model, cfg.OllamaURL), nopCloser{}, nil
	case "gemini":
		if cfg.APIKey == "" {
			return nil, nil, errors.New("gemini embedder: API key not set")
		}
		client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
		if err != nil {
			return nil, nil, fmt.Errorf("gemini embedder: %w", err)
		}
		model := cfg.Model
		if model == "" {
			model = "text-embedding-004"
		}
		return geminiEmbedding(client.EmbeddingModel(model)), client, nil
	}
	return nil, nil, fmt.Errorf("unknown embedder %q", cfg.Kind)
}

func geminiEmbedding(em *genai.EmbeddingModel) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		res, err := em.EmbedContent(ctx, genai.Text(text))
		if err != nil {
			return nil, err
		}
		if res == nil || res.Embedding == nil || len(res.Embedding.Values) == 0 {
			return nil, errors.New("gemini embedder: empty embedding")
		}
		return res.Embedding.Values, nil
	}
}

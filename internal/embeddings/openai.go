package embeddings

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/ctf-agent/internal/httpkit"
)

// OpenAIClient generates embeddings through an OpenAI-compatible
// /embeddings endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates an embedding client. An empty model uses
// text-embedding-3-small.
func NewOpenAI(apiKey, baseURL, model string) *OpenAIClient {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpkit.NewClient()
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model}
}

// Generate creates an embedding for the given text.
func (c *OpenAIClient) Generate(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("create embeddings: empty result")
	}
	return resp.Data[0].Embedding, nil
}

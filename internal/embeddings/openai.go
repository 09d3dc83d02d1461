package embeddings

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIDriver embeds via an OpenAI-compatible embeddings endpoint.
type OpenAIDriver struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIDriver creates an OpenAI-compatible embedding driver. An
// empty endpoint targets api.openai.com.
func NewOpenAIDriver(endpoint, apiKey, model string) *OpenAIDriver {
	dims := 1536
	switch model {
	case "", "text-embedding-3-small":
		model = "text-embedding-3-small"
		dims = 1536
	case "text-embedding-3-large":
		dims = 3072
	}

	if apiKey == "" {
		apiKey = "unused"
	}
	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		cfg.BaseURL = endpoint
	}

	return &OpenAIDriver{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		dimensions: dims,
	}
}

func (d *OpenAIDriver) Kind() string    { return "openai" }
func (d *OpenAIDriver) Dimensions() int { return d.dimensions }

func (d *OpenAIDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	resp, err := d.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(d.model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float64, len(resp.Data))
	for i, item := range resp.Data {
		vec := make([]float64, len(item.Embedding))
		for j, f := range item.Embedding {
			vec[j] = float64(f)
		}
		out[i] = vec
	}
	return out, nil
}

func (d *OpenAIDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Embed(ctx, []string{"warm up"})
	return err
}

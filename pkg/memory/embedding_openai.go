package memory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIEmbedderOptions configures an embedder against any
// OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedderOptions struct {
	Model      string
	APIKey     string
	APIBase    string
	HTTPClient *http.Client
	MaxRetries int
}

// OpenAIEmbedder embeds texts with one batched API call per Embed.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
}

func NewOpenAIEmbedder(opts OpenAIEmbedderOptions) *OpenAIEmbedder {
	reqOpts := []option.RequestOption{option.WithMaxRetries(opts.MaxRetries)}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.APIBase != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.APIBase))
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	reqOpts = append(reqOpts, option.WithHTTPClient(httpClient))

	return &OpenAIEmbedder{
		client: openai.NewClient(reqOpts...),
		model:  opts.Model,
	}
}

func (e *OpenAIEmbedder) ModelID() string { return "openai:" + e.model }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings response has %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || int(item.Index) >= len(out) {
			return nil, fmt.Errorf("embeddings response index %d out of range", item.Index)
		}
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		out[item.Index] = vec
	}
	for i, vec := range out {
		if vec == nil {
			return nil, fmt.Errorf("embeddings response missing index %d", i)
		}
	}
	return out, nil
}

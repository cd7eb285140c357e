package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

const (
	ChargramEmbeddingModel = "discordbot-chargram-384-v1"
	HashEmbeddingModel     = "discordbot-hash-256-v1"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_\-]+`)

// EmbedderOptions configures NewEmbedder.
type EmbedderOptions struct {
	// Model is "chargram", "hash" or "openai:<model>".
	Model   string
	APIKey  string
	APIBase string
	// CacheMB bounds the text->vector memo; 0 disables it.
	CacheMB int
}

// NewEmbedder builds the embedder named by opts.Model, wrapped in a
// CachedEmbedder when opts.CacheMB > 0.
func NewEmbedder(opts EmbedderOptions) (Embedder, error) {
	name := strings.TrimSpace(opts.Model)
	var base Embedder
	switch lower := strings.ToLower(name); {
	case lower == "", lower == "chargram", lower == "chargram-384", lower == ChargramEmbeddingModel:
		base = NewChargramEmbedder()
	case lower == "hash", lower == "hash-256", lower == HashEmbeddingModel:
		base = NewHashEmbedder()
	case strings.HasPrefix(lower, "openai:"):
		model := strings.TrimSpace(name[len("openai:"):])
		if model == "" {
			return nil, fmt.Errorf("embedding model %q: missing model after openai:", name)
		}
		base = NewOpenAIEmbedder(OpenAIEmbedderOptions{
			Model:   model,
			APIKey:  opts.APIKey,
			APIBase: opts.APIBase,
		})
	default:
		return nil, fmt.Errorf("unknown embedding model %q", name)
	}

	if opts.CacheMB <= 0 {
		return base, nil
	}
	return NewCachedEmbedder(base, int64(opts.CacheMB)<<20)
}

type hashEmbedder struct {
	dims    int
	modelID string
}

// NewHashEmbedder is a 256-d signed token-hash embedder.
func NewHashEmbedder() Embedder {
	return &hashEmbedder{dims: 256, modelID: HashEmbeddingModel}
}

func (e *hashEmbedder) ModelID() string { return e.modelID }

func (e *hashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, texts, e.embedOne)
}

func (e *hashEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dims)
	for _, token := range tokenize(text) {
		sum := fnvSum(token)
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		weight := float32(1 + (len(token) / 8))
		vec[idx] += sign * weight
	}
	normalizeVector(vec)
	return vec
}

type chargramEmbedder struct {
	dims    int
	modelID string
}

// NewChargramEmbedder hashes character trigrams and whole tokens into 384
// buckets. It needs no network and is the default.
func NewChargramEmbedder() Embedder {
	return &chargramEmbedder{dims: 384, modelID: ChargramEmbeddingModel}
}

func (e *chargramEmbedder) ModelID() string { return e.modelID }

func (e *chargramEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, texts, e.embedOne)
}

func (e *chargramEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec
	}
	window := []rune("#" + normalized + "#")
	for i := 0; i+3 <= len(window); i++ {
		idx := int(fnvSum(string(window[i:i+3])) % uint64(e.dims))
		vec[idx] += 1
	}
	for _, token := range tokenize(normalized) {
		idx := int(fnvSum("tok:"+token) % uint64(e.dims))
		vec[idx] += 1.25
	}
	normalizeVector(vec)
	return vec
}

func embedEach(ctx context.Context, texts []string, fn func(string) []float32) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		out[i] = fn(text)
	}
	return out, nil
}

func fnvSum(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

func vectorNorm(vec []float32) float64 {
	if len(vec) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	return math.Sqrt(sum)
}

func normalizeVector(vec []float32) {
	n := vectorNorm(vec)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}

package memory

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder memoizes text->vector so the per-query index rebuild only
// embeds texts it has not seen. Only misses reach the wrapped embedder, in one
// batch.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
}

func NewCachedEmbedder(inner Embedder, maxBytes int64) (*CachedEmbedder, error) {
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (c *CachedEmbedder) ModelID() string { return c.inner.ModelID() }

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missTexts []string
		missIdx   = make(map[string][]int)
	)
	for i, text := range texts {
		if v, ok := c.cache.Get(c.key(text)); ok {
			if vec, ok := v.([]float32); ok {
				out[i] = vec
				continue
			}
		}
		if _, seen := missIdx[text]; !seen {
			missTexts = append(missTexts, text)
		}
		missIdx[text] = append(missIdx[text], i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for j, text := range missTexts {
		for _, i := range missIdx[text] {
			out[i] = vecs[j]
		}
		c.cache.Set(c.key(text), vecs[j], int64(4*len(vecs[j])+len(text)))
	}
	return out, nil
}

func (c *CachedEmbedder) key(text string) string {
	return c.inner.ModelID() + "\x00" + text
}

// Wait blocks until pending cache writes are visible.
func (c *CachedEmbedder) Wait() { c.cache.Wait() }

func (c *CachedEmbedder) Close() { c.cache.Close() }

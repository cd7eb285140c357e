package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JamalEddineEb/discord/pkg/logger"
)

const (
	DefaultRetrievalK   = 10
	DefaultRecentWindow = 5
)

// NewRetriever returns the retriever named kind: "semantic" (default) or
// "recency".
func NewRetriever(kind string, store Store, embedder Embedder, index VectorIndex, k, recentWindow int) (Retriever, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "semantic":
		return NewSemanticRetriever(store, embedder, index, k, recentWindow), nil
	case "recency":
		return NewRecencyRetriever(store, recentWindow), nil
	default:
		return nil, fmt.Errorf("unknown retriever %q", kind)
	}
}

// SemanticRetriever rebuilds its index from the whole store on every call and
// returns both the latest utterances and the ones nearest to the query.
type SemanticRetriever struct {
	store        Store
	embedder     Embedder
	index        VectorIndex
	k            int
	recentWindow int

	// Serializes Rebuild+Search on the shared index.
	mu sync.Mutex
}

func NewSemanticRetriever(store Store, embedder Embedder, index VectorIndex, k, recentWindow int) *SemanticRetriever {
	if embedder == nil {
		embedder = NewChargramEmbedder()
	}
	if index == nil {
		index = NewFlatIndex()
	}
	if k <= 0 {
		k = DefaultRetrievalK
	}
	if recentWindow <= 0 {
		recentWindow = DefaultRecentWindow
	}
	return &SemanticRetriever{
		store:        store,
		embedder:     embedder,
		index:        index,
		k:            k,
		recentWindow: recentWindow,
	}
}

func (r *SemanticRetriever) Retrieve(ctx context.Context, text string) (Retrieval, error) {
	started := time.Now()
	records, err := r.store.ReadAll(ctx)
	if err != nil {
		return Retrieval{}, storageErr("read all", err)
	}
	all := flatten(records)
	if len(all) == 0 {
		return emptyRetrieval(), nil
	}
	out := recencyView(records, all, r.recentWindow)

	texts := make([]string, len(all))
	for i, u := range all {
		texts[i] = u.Text
	}
	vecs, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return Retrieval{}, &RetrievalError{Op: "embed corpus", Err: err}
	}
	if len(vecs) != len(all) {
		return Retrieval{}, &RetrievalError{Op: "embed corpus", Err: fmt.Errorf("got %d vectors for %d utterances", len(vecs), len(all))}
	}
	qv, err := r.embedder.Embed(ctx, []string{text})
	if err != nil {
		return Retrieval{}, &RetrievalError{Op: "embed query", Err: err}
	}
	if len(qv) != 1 {
		return Retrieval{}, &RetrievalError{Op: "embed query", Err: fmt.Errorf("got %d vectors for 1 query", len(qv))}
	}

	entries := make([]IndexEntry, len(all))
	byID := make(map[string]Utterance, len(all))
	for i, u := range all {
		entries[i] = IndexEntry{ID: u.ID, Vector: vecs[i]}
		byID[u.ID] = u
	}

	hits, err := r.rebuildAndSearch(ctx, entries, qv[0])
	if err != nil {
		if errors.Is(err, ErrDimensionMismatch) {
			logger.ErrorCF("memory", "Embedding dimension mismatch", map[string]any{
				"model": r.embedder.ModelID(),
				"error": err.Error(),
			})
			return Retrieval{}, fmt.Errorf("semantic search: %w", err)
		}
		return Retrieval{}, &RetrievalError{Op: "search", Err: err}
	}

	seen := make(map[string]bool, len(out.Recent)+len(hits))
	for _, u := range out.Recent {
		seen[dedupKey(u)] = true
	}
	for _, h := range hits {
		u := byID[h.ID]
		key := dedupKey(u)
		if seen[key] {
			continue
		}
		seen[key] = true
		out.Relevant = append(out.Relevant, u)
	}

	logger.DebugCF("memory", "Semantic retrieval", map[string]any{
		"utterances": len(all),
		"recent":     len(out.Recent),
		"relevant":   len(out.Relevant),
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
	return out, nil
}

func (r *SemanticRetriever) rebuildAndSearch(ctx context.Context, entries []IndexEntry, query []float32) ([]Neighbor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.index.Rebuild(ctx, entries); err != nil {
		return nil, err
	}
	return r.index.Search(ctx, query, r.k)
}

// RecencyRetriever only supplies the latest utterances. It is the flat
// strategy and the fallback when semantic retrieval fails.
type RecencyRetriever struct {
	store        Store
	recentWindow int
}

func NewRecencyRetriever(store Store, recentWindow int) *RecencyRetriever {
	if recentWindow <= 0 {
		recentWindow = DefaultRecentWindow
	}
	return &RecencyRetriever{store: store, recentWindow: recentWindow}
}

func (r *RecencyRetriever) Retrieve(ctx context.Context, _ string) (Retrieval, error) {
	records, err := r.store.ReadAll(ctx)
	if err != nil {
		return Retrieval{}, storageErr("read all", err)
	}
	all := flatten(records)
	if len(all) == 0 {
		return emptyRetrieval(), nil
	}
	return recencyView(records, all, r.recentWindow), nil
}

func emptyRetrieval() Retrieval {
	return Retrieval{
		Personality: DefaultPersonality,
		Recent:      []Utterance{},
		Relevant:    []Utterance{},
	}
}

// flatten keeps each record's order; records follow ReadAll order.
func flatten(records []MemoryRecord) []Utterance {
	n := 0
	for _, rec := range records {
		n += len(rec.Utterances)
	}
	out := make([]Utterance, 0, n)
	for _, rec := range records {
		out = append(out, rec.Utterances...)
	}
	return out
}

// recencyView fills Personality and Recent. The personality is that of the
// identity who spoke last.
func recencyView(records []MemoryRecord, all []Utterance, window int) Retrieval {
	bySeq := make([]Utterance, len(all))
	copy(bySeq, all)
	sort.SliceStable(bySeq, func(i, j int) bool { return bySeq[i].Seq < bySeq[j].Seq })

	recent := bySeq
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}

	out := emptyRetrieval()
	out.Recent = append(out.Recent, recent...)

	last := bySeq[len(bySeq)-1].Identity
	for _, rec := range records {
		if rec.Identity == last && rec.Personality != "" {
			out.Personality = rec.Personality
			break
		}
	}
	return out
}

func dedupKey(u Utterance) string {
	return u.Identity + "\x00" + u.Text
}

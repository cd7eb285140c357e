package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"
)

const chromemCollection = "utterances"

var errNoContentEmbedding = errors.New("chromem index only accepts precomputed embeddings")

// ChromemIndex keeps vectors in an in-memory chromem-go collection. chromem
// stores unit vectors and ranks by cosine similarity, so the reported
// distance is the squared L2 between unit vectors, 2 − 2·cos. Rankings match
// FlatIndex for normalized embedders. Zero vectors have no direction and are
// left out.
type ChromemIndex struct {
	mu    sync.RWMutex
	db    *chromem.DB
	col   *chromem.Collection
	order map[string]int
	dim   int
}

func NewChromemIndex() *ChromemIndex {
	return &ChromemIndex{db: chromem.NewDB(), order: map[string]int{}}
}

func (ix *ChromemIndex) Rebuild(ctx context.Context, entries []IndexEntry) error {
	dim := 0
	if len(entries) > 0 {
		dim = len(entries[0].Vector)
	}
	docs := make([]chromem.Document, 0, len(entries))
	order := make(map[string]int, len(entries))
	for i, e := range entries {
		if len(e.Vector) != dim {
			return fmt.Errorf("entry %s has %d dims, index has %d: %w", e.ID, len(e.Vector), dim, ErrDimensionMismatch)
		}
		if isZero(e.Vector) {
			continue
		}
		order[e.ID] = i
		docs = append(docs, chromem.Document{ID: e.ID, Embedding: e.Vector})
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.db.DeleteCollection(chromemCollection); err != nil {
		return fmt.Errorf("drop chromem collection: %w", err)
	}
	col, err := ix.db.CreateCollection(chromemCollection, nil, func(context.Context, string) ([]float32, error) {
		return nil, errNoContentEmbedding
	})
	if err != nil {
		return fmt.Errorf("create chromem collection: %w", err)
	}
	for _, doc := range docs {
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add %s to chromem: %w", doc.ID, err)
		}
	}
	ix.col, ix.order, ix.dim = col, order, dim
	return nil
}

func (ix *ChromemIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.col == nil {
		return 0
	}
	return ix.col.Count()
}

func (ix *ChromemIndex) Search(ctx context.Context, query []float32, k int) ([]Neighbor, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.col == nil || k <= 0 {
		return []Neighbor{}, nil
	}
	n := ix.col.Count()
	if n == 0 {
		return []Neighbor{}, nil
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("query has %d dims, index has %d: %w", len(query), ix.dim, ErrDimensionMismatch)
	}
	if isZero(query) {
		return []Neighbor{}, nil
	}

	// Rank everything so ties at the k boundary resolve by insertion order.
	results, err := ix.col.QueryEmbedding(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	hits := make([]Neighbor, 0, len(results))
	for _, r := range results {
		d := 2 - 2*r.Similarity
		if d < 0 {
			d = 0
		}
		hits = append(hits, Neighbor{ID: r.ID, Distance: d})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return ix.order[hits[i].ID] < ix.order[hits[j].ID]
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

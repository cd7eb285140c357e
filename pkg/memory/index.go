package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gonum.org/v1/gonum/blas/blas64"
)

// NewVectorIndex returns the index named kind: "flat" (default) or "chromem".
func NewVectorIndex(kind string) (VectorIndex, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "flat":
		return NewFlatIndex(), nil
	case "chromem":
		return NewChromemIndex(), nil
	default:
		return nil, fmt.Errorf("unknown vector index %q", kind)
	}
}

// FlatIndex is an exact index over a row-major float64 matrix. Each distance
// is the sum of squared differences accumulated in float64, so entries at the
// same distance compare equal and keep their insertion order.
type FlatIndex struct {
	mu   sync.RWMutex
	ids  []string
	data []float64 // len(ids) rows of dim values
	dim  int
}

func NewFlatIndex() *FlatIndex {
	return &FlatIndex{}
}

func (ix *FlatIndex) Rebuild(_ context.Context, entries []IndexEntry) error {
	dim := 0
	if len(entries) > 0 {
		dim = len(entries[0].Vector)
	}
	ids := make([]string, len(entries))
	data := make([]float64, 0, len(entries)*dim)
	for i, e := range entries {
		if len(e.Vector) != dim {
			return fmt.Errorf("entry %s has %d dims, index has %d: %w", e.ID, len(e.Vector), dim, ErrDimensionMismatch)
		}
		ids[i] = e.ID
		for _, v := range e.Vector {
			data = append(data, float64(v))
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.ids, ix.data, ix.dim = ids, data, dim
	return nil
}

func (ix *FlatIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

func (ix *FlatIndex) Search(_ context.Context, query []float32, k int) ([]Neighbor, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.ids)
	if n == 0 || k <= 0 {
		return []Neighbor{}, nil
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("query has %d dims, index has %d: %w", len(query), ix.dim, ErrDimensionMismatch)
	}

	q := make([]float64, ix.dim)
	for i, v := range query {
		q[i] = float64(v)
	}
	diff := blas64.Vector{N: ix.dim, Inc: 1, Data: make([]float64, ix.dim)}

	type scored struct {
		id   string
		dist float64
	}
	scores := make([]scored, n)
	for i := range scores {
		scores[i].id = ix.ids[i]
		if ix.dim == 0 {
			continue
		}
		row := blas64.Vector{N: ix.dim, Inc: 1, Data: ix.data[i*ix.dim : (i+1)*ix.dim]}
		copy(diff.Data, q)
		blas64.Axpy(-1, row, diff)
		scores[i].dist = blas64.Dot(diff, diff)
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].dist < scores[j].dist
	})

	if k > n {
		k = n
	}
	hits := make([]Neighbor, k)
	for i := range hits {
		hits[i] = Neighbor{ID: scores[i].id, Distance: float32(scores[i].dist)}
	}
	return hits, nil
}

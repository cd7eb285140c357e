package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingEmbedder struct{ err error }

func (f failingEmbedder) ModelID() string { return "failing" }

func (f failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, f.err
}

// dimFlipEmbedder returns a wider vector for single-text calls, which is how a
// query gets embedded.
type dimFlipEmbedder struct{}

func (dimFlipEmbedder) ModelID() string { return "flip" }

func (dimFlipEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	dim := 4
	if len(texts) == 1 {
		dim = 8
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = unit(dim, 0)
	}
	return out, nil
}

func TestSemanticRetriever_EmptyStore(t *testing.T) {
	store := newTestSQLiteStore(t)
	r := NewSemanticRetriever(store, nil, nil, 0, 0)

	got, err := r.Retrieve(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, DefaultPersonality, got.Personality)
	assert.Empty(t, got.Recent)
	assert.Empty(t, got.Relevant)
}

func TestSemanticRetriever_RecentAndRelevant(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	require.NoError(t, store.Append(ctx, "u1", "Alice", "my favourite pizza topping is pineapple"))
	require.NoError(t, store.Append(ctx, "u2", "Bob", "the weather in paris is rainy today"))
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, "u2", "Bob", fmt.Sprintf("filler chatter number %d", i)))
	}

	r := NewSemanticRetriever(store, NewChargramEmbedder(), NewFlatIndex(), 3, 5)
	got, err := r.Retrieve(ctx, "what pizza topping do I like?")
	require.NoError(t, err)

	require.Len(t, got.Recent, 5)
	for i, u := range got.Recent {
		assert.Equal(t, fmt.Sprintf("filler chatter number %d", i), u.Text)
	}

	require.NotEmpty(t, got.Relevant)
	assert.LessOrEqual(t, len(got.Relevant), 3)
	assert.Equal(t, "my favourite pizza topping is pineapple", got.Relevant[0].Text)
	recentIDs := map[string]bool{}
	for _, u := range got.Recent {
		recentIDs[u.ID] = true
	}
	for _, u := range got.Relevant {
		assert.False(t, recentIDs[u.ID], "relevant repeats a recent utterance: %q", u.Text)
	}
}

func TestSemanticRetriever_RelevantDeduplicatesRepeats(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	require.NoError(t, store.Append(ctx, "u1", "Alice", "I love green tea"))
	require.NoError(t, store.Append(ctx, "u1", "Alice", "I love green tea"))
	require.NoError(t, store.Append(ctx, "u1", "Alice", "I love green tea"))
	require.NoError(t, store.Append(ctx, "u1", "Alice", "unrelated"))

	r := NewSemanticRetriever(store, NewChargramEmbedder(), NewFlatIndex(), 10, 1)
	got, err := r.Retrieve(ctx, "green tea")
	require.NoError(t, err)

	count := 0
	for _, u := range got.Relevant {
		if u.Text == "I love green tea" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestSemanticRetriever_EmbeddingFailureIsRetrievalError(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	require.NoError(t, store.Append(ctx, "u1", "Alice", "hi"))

	r := NewSemanticRetriever(store, failingEmbedder{err: errors.New("model offline")}, nil, 0, 0)
	_, err := r.Retrieve(ctx, "hello")
	require.Error(t, err)
	assert.True(t, IsRetrievalError(err))
	assert.False(t, IsStorageError(err))
}

func TestSemanticRetriever_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	require.NoError(t, store.Append(ctx, "u1", "Alice", "hi"))
	require.NoError(t, store.Append(ctx, "u1", "Alice", "there"))

	r := NewSemanticRetriever(store, dimFlipEmbedder{}, NewFlatIndex(), 0, 0)
	_, err := r.Retrieve(ctx, "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
	assert.False(t, IsRetrievalError(err), "a misconfigured embedder must not degrade silently")
	assert.False(t, IsStorageError(err))
}

func TestSemanticRetriever_WithChromemIndex(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	require.NoError(t, store.Append(ctx, "u1", "Alice", "my cat is called whiskers"))
	require.NoError(t, store.Append(ctx, "u1", "Alice", "stock markets fell sharply"))
	require.NoError(t, store.Append(ctx, "u1", "Alice", "ok"))

	r := NewSemanticRetriever(store, NewChargramEmbedder(), NewChromemIndex(), 1, 1)
	got, err := r.Retrieve(ctx, "what is my cat called?")
	require.NoError(t, err)
	require.Len(t, got.Relevant, 1)
	assert.Equal(t, "my cat is called whiskers", got.Relevant[0].Text)
}

func TestRecencyRetriever(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	r := NewRecencyRetriever(store, 2)
	got, err := r.Retrieve(ctx, "anything")
	require.NoError(t, err)
	assert.Equal(t, DefaultPersonality, got.Personality)
	assert.Empty(t, got.Recent)

	require.NoError(t, store.Append(ctx, "u1", "Alice", "one"))
	require.NoError(t, store.Append(ctx, "bot", "Bot", "two"))
	require.NoError(t, store.Append(ctx, "u1", "Alice", "three"))

	got, err = r.Retrieve(ctx, "anything")
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three"}, texts(got.Recent))
	assert.Empty(t, got.Relevant)
}

func TestNewRetriever(t *testing.T) {
	store := newTestSQLiteStore(t)

	r, err := NewRetriever("recency", store, nil, nil, 0, 0)
	require.NoError(t, err)
	assert.IsType(t, &RecencyRetriever{}, r)

	r, err = NewRetriever("", store, nil, nil, 0, 0)
	require.NoError(t, err)
	assert.IsType(t, &SemanticRetriever{}, r)

	_, err = NewRetriever("psychic", store, nil, nil, 0, 0)
	assert.Error(t, err)
}

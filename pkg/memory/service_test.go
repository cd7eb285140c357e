package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService_SQLiteDefaults(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(ctx, Config{
		SQLitePath:       filepath.Join(t.TempDir(), "memory.db"),
		EmbeddingCacheMB: 1,
	})
	require.NoError(t, err)
	defer svc.Close()

	assert.IsType(t, &SemanticRetriever{}, svc.Retriever())
	assert.IsType(t, &RecencyRetriever{}, svc.Fallback())
	assert.Equal(t, ChargramEmbeddingModel, svc.EmbeddingModel())

	require.NoError(t, svc.Store().Append(ctx, "u1", "Alice", "I collect vintage cameras"))
	require.NoError(t, svc.Store().Append(ctx, "u1", "Alice", "hello again"))

	got, err := svc.Retriever().Retrieve(ctx, "cameras")
	require.NoError(t, err)
	assert.Len(t, got.Recent, 2)
}

func TestNewService_RejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	_, err := NewService(ctx, Config{Backend: "cassandra"})
	assert.Error(t, err)

	_, err = NewService(ctx, Config{Backend: "sqlite"})
	assert.Error(t, err, "sqlite needs a path")

	_, err = NewService(ctx, Config{SQLitePath: filepath.Join(dir, "a.db"), Index: "annoy"})
	assert.Error(t, err)

	_, err = NewService(ctx, Config{SQLitePath: filepath.Join(dir, "b.db"), RetentionSchedule: "sometimes"})
	assert.Error(t, err)
}

func TestService_CloseIsIdempotent(t *testing.T) {
	svc, err := NewService(context.Background(), Config{SQLitePath: filepath.Join(t.TempDir(), "m.db")})
	require.NoError(t, err)
	svc.StartRetention()
	assert.NoError(t, svc.Close())
	assert.NoError(t, svc.Close())
}

func TestNewService_RecencyRetriever(t *testing.T) {
	svc, err := NewService(context.Background(), Config{
		SQLitePath: filepath.Join(t.TempDir(), "m.db"),
		Retriever:  "recency",
		Index:      "chromem",
	})
	require.NoError(t, err)
	defer svc.Close()
	assert.IsType(t, &RecencyRetriever{}, svc.Retriever())

	_, err = NewService(context.Background(), Config{
		SQLitePath: filepath.Join(t.TempDir(), "n.db"),
		Retriever:  "oracle",
	})
	assert.Error(t, err)
}

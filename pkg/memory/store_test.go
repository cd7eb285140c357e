package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestRedisStore(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var storeBackends = map[string]func(t *testing.T) Store{
	"sqlite": newTestSQLiteStore,
	"redis":  newTestRedisStore,
}

func texts(us []Utterance) []string {
	out := make([]string, len(us))
	for i, u := range us {
		out[i] = u.Text
	}
	return out
}

func TestStore_ReadRecentScenario(t *testing.T) {
	for name, newStore := range storeBackends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			for _, text := range []string{"hi", "how are you", "tell me a joke"} {
				require.NoError(t, store.Append(ctx, "u1", "Alice", text))
			}

			got, err := store.ReadRecent(ctx, "u1", 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"how are you", "tell me a joke"}, texts(got))
			assert.Equal(t, "Alice", got[0].DisplayName)
			assert.Less(t, got[0].Seq, got[1].Seq)
		})
	}
}

func TestStore_ReadRecentReturnsLastMinNTotal(t *testing.T) {
	for name, newStore := range storeBackends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			var all []string
			for i := 0; i < 7; i++ {
				text := fmt.Sprintf("msg-%d", i)
				all = append(all, text)
				require.NoError(t, store.Append(ctx, "u1", "Alice", text))
				// Interleave another identity so per-identity filtering matters.
				require.NoError(t, store.Append(ctx, "u2", "Bob", "noise"))
			}

			for _, n := range []int{1, 3, 7, 20} {
				got, err := store.ReadRecent(ctx, "u1", n)
				require.NoError(t, err)
				want := all
				if n < len(all) {
					want = all[len(all)-n:]
				}
				assert.Equal(t, want, texts(got), "n=%d", n)
			}
		})
	}
}

func TestStore_ReadRecentEmptyCases(t *testing.T) {
	for name, newStore := range storeBackends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			require.NoError(t, store.Append(ctx, "u1", "Alice", "hi"))

			got, err := store.ReadRecent(ctx, "nobody", 5)
			require.NoError(t, err)
			assert.Empty(t, got)

			got, err = store.ReadRecent(ctx, "u1", 0)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStore_ReadAllGroupsByIdentity(t *testing.T) {
	for name, newStore := range storeBackends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			records, err := store.ReadAll(ctx)
			require.NoError(t, err)
			assert.Empty(t, records)

			require.NoError(t, store.Append(ctx, "u1", "Alice", "a1"))
			require.NoError(t, store.Append(ctx, "bot", "Bot", "b1"))
			require.NoError(t, store.Append(ctx, "u1", "", "a2"))
			require.NoError(t, store.Append(ctx, "u1", "Alicia", "a3"))

			records, err = store.ReadAll(ctx)
			require.NoError(t, err)
			require.Len(t, records, 2)

			assert.Equal(t, "u1", records[0].Identity)
			assert.Equal(t, "Alicia", records[0].DisplayName)
			assert.Equal(t, DefaultPersonality, records[0].Personality)
			assert.Equal(t, []string{"a1", "a2", "a3"}, texts(records[0].Utterances))

			assert.Equal(t, "bot", records[1].Identity)
			assert.Equal(t, []string{"b1"}, texts(records[1].Utterances))

			seen := map[string]bool{}
			for _, rec := range records {
				for _, u := range rec.Utterances {
					assert.NotEmpty(t, u.ID)
					assert.False(t, seen[u.ID], "duplicate utterance id")
					seen[u.ID] = true
				}
			}
		})
	}
}

func TestStore_Prune(t *testing.T) {
	for name, newStore := range storeBackends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			for i := 0; i < 5; i++ {
				require.NoError(t, store.Append(ctx, "u1", "Alice", fmt.Sprintf("a%d", i)))
			}
			require.NoError(t, store.Append(ctx, "u2", "Bob", "b0"))

			removed, err := store.Prune(ctx, 0)
			require.NoError(t, err)
			assert.Equal(t, 0, removed)

			removed, err = store.Prune(ctx, 2)
			require.NoError(t, err)
			assert.Equal(t, 3, removed)

			got, err := store.ReadRecent(ctx, "u1", 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"a3", "a4"}, texts(got))

			got, err = store.ReadRecent(ctx, "u2", 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"b0"}, texts(got))
		})
	}
}

func TestStore_AppendRejectsEmptyIdentity(t *testing.T) {
	for name, newStore := range storeBackends {
		t.Run(name, func(t *testing.T) {
			err := newStore(t).Append(context.Background(), "  ", "x", "hi")
			require.Error(t, err)
			assert.True(t, IsStorageError(err))
		})
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, "u1", "Alice", "remember me"))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.ReadRecent(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"remember me"}, texts(got))
}

func TestRedisStore_UnreachableIsStorageError(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	mr.Close()

	err := store.Append(context.Background(), "u1", "Alice", "hi")
	require.Error(t, err)
	assert.True(t, IsStorageError(err))
}

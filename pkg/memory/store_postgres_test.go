package memory

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Append(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStoreWithPool(mock, "")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bot_identities")).
		WithArgs("u1", "Alice", DefaultPersonality, pgxmock.AnyArg(), pgxmock.AnyArg(), "hello").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.Append(context.Background(), "u1", "Alice", "hello")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendFailureIsStorageError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStoreWithPool(mock, "")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bot_identities")).
		WithArgs("u1", "Alice", DefaultPersonality, pgxmock.AnyArg(), pgxmock.AnyArg(), "hello").
		WillReturnError(errors.New("connection reset"))

	err = store.Append(context.Background(), "u1", "Alice", "hello")
	require.Error(t, err)
	assert.True(t, IsStorageError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReadRecentIsChronological(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStoreWithPool(mock, "")
	now := time.Now()
	rows := pgxmock.NewRows([]string{"id", "identity", "display_name", "text", "seq", "created_at"}).
		AddRow("id-3", "u1", "Alice", "tell me a joke", int64(3), now).
		AddRow("id-2", "u1", "Alice", "how are you", int64(2), now.Add(-time.Second))

	mock.ExpectQuery(regexp.QuoteMeta("FROM bot_utterances u JOIN bot_identities i")).
		WithArgs("u1", 2).
		WillReturnRows(rows)

	got, err := store.ReadRecent(context.Background(), "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"how are you", "tell me a joke"}, texts(got))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReadAllGroups(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStoreWithPool(mock, "")
	now := time.Now()
	rows := pgxmock.NewRows([]string{"identity", "display_name", "personality", "id", "text", "seq", "created_at"}).
		AddRow("u1", "Alice", "friendly", "id-1", "hi", int64(1), now).
		AddRow("bot", "Bot", "friendly", "id-2", "hello!", int64(2), now).
		AddRow("u1", "Alice", "friendly", "id-3", "joke?", int64(3), now)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT i.identity, i.display_name, i.personality")).
		WillReturnRows(rows)

	records, err := store.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"hi", "joke?"}, texts(records[0].Utterances))
	assert.Equal(t, []string{"hello!"}, texts(records[1].Utterances))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReadRecentNonPositive(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	got, err := NewPostgresStoreWithPool(mock, "").ReadRecent(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Prune(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStoreWithPool(mock, "mem_")
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM mem_utterances")).
		WithArgs(100).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	removed, err := store.Prune(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InitSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStoreWithPool(mock, "")
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS bot_identities")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	assert.NoError(t, store.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

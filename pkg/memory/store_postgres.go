package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBPool is the subset of *pgxpool.Pool the store uses.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore keeps memory in two tables, <prefix>identities and
// <prefix>utterances.
type PostgresStore struct {
	pool        DBPool
	identities  string
	utterances  string
	appendQuery string
}

type PostgresOptions struct {
	ConnString  string
	TablePrefix string // Default "bot_"
}

// NewPostgresStore connects, creates the schema if needed and returns the store.
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, storageErr("open", fmt.Errorf("create connection pool: %w", err))
	}
	store := NewPostgresStoreWithPool(pool, opts.TablePrefix)
	if err := store.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithPool wraps an existing pool; tests pass a pgxmock pool.
func NewPostgresStoreWithPool(pool DBPool, tablePrefix string) *PostgresStore {
	if tablePrefix == "" {
		tablePrefix = "bot_"
	}
	s := &PostgresStore{
		pool:       pool,
		identities: tablePrefix + "identities",
		utterances: tablePrefix + "utterances",
	}
	// One statement keeps the identity upsert and utterance insert atomic
	// without an explicit transaction.
	s.appendQuery = fmt.Sprintf(`
WITH ident AS (
	INSERT INTO %[1]s (identity, display_name, personality, created_at, updated_at)
	VALUES ($1, $2, $3, $5, $5)
	ON CONFLICT (identity) DO UPDATE SET
		display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE %[1]s.display_name END,
		updated_at = EXCLUDED.updated_at
	RETURNING identity
)
INSERT INTO %[2]s (id, identity, text, created_at)
SELECT $4, identity, $6, $5 FROM ident`, s.identities, s.utterances)
	return s
}

func (s *PostgresStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			identity TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			personality TEXT NOT NULL DEFAULT 'friendly',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			identity TEXT NOT NULL REFERENCES %[1]s (identity),
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_identity ON %[2]s (identity, seq DESC);
	`, s.identities, s.utterances)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return storageErr("init schema", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, identity, displayName, text string) error {
	if strings.TrimSpace(identity) == "" {
		return storageErr("append", fmt.Errorf("empty identity"))
	}
	_, err := s.pool.Exec(ctx, s.appendQuery,
		identity, displayName, DefaultPersonality, uuid.NewString(), time.Now().UTC(), text)
	if err != nil {
		return storageErr("append", err)
	}
	return nil
}

func (s *PostgresStore) ReadAll(ctx context.Context) ([]MemoryRecord, error) {
	query := fmt.Sprintf(`SELECT i.identity, i.display_name, i.personality, u.id, u.text, u.seq, u.created_at FROM %s u JOIN %s i ON i.identity = u.identity ORDER BY u.seq ASC`,
		s.utterances, s.identities)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, storageErr("read all", err)
	}
	defer rows.Close()

	var records []MemoryRecord
	byIdentity := make(map[string]int)
	for rows.Next() {
		var rec MemoryRecord
		var u Utterance
		if err := rows.Scan(&rec.Identity, &rec.DisplayName, &rec.Personality, &u.ID, &u.Text, &u.Seq, &u.CreatedAt); err != nil {
			return nil, storageErr("read all", fmt.Errorf("scan utterance: %w", err))
		}
		u.Identity = rec.Identity
		u.DisplayName = rec.DisplayName

		idx, ok := byIdentity[rec.Identity]
		if !ok {
			idx = len(records)
			byIdentity[rec.Identity] = idx
			records = append(records, rec)
		}
		records[idx].Utterances = append(records[idx].Utterances, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read all", err)
	}
	return records, nil
}

func (s *PostgresStore) ReadRecent(ctx context.Context, identity string, n int) ([]Utterance, error) {
	if n <= 0 {
		return []Utterance{}, nil
	}
	query := fmt.Sprintf(`SELECT u.id, u.identity, i.display_name, u.text, u.seq, u.created_at FROM %s u JOIN %s i ON i.identity = u.identity WHERE u.identity = $1 ORDER BY u.seq DESC LIMIT $2`,
		s.utterances, s.identities)
	rows, err := s.pool.Query(ctx, query, identity, n)
	if err != nil {
		return nil, storageErr("read recent", err)
	}
	defer rows.Close()

	out := make([]Utterance, 0, n)
	for rows.Next() {
		var u Utterance
		if err := rows.Scan(&u.ID, &u.Identity, &u.DisplayName, &u.Text, &u.Seq, &u.CreatedAt); err != nil {
			return nil, storageErr("read recent", fmt.Errorf("scan utterance: %w", err))
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read recent", err)
	}

	reverseUtterances(out)
	return out, nil
}

func (s *PostgresStore) Prune(ctx context.Context, maxPerIdentity int) (int, error) {
	if maxPerIdentity <= 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`DELETE FROM %[1]s WHERE seq IN (SELECT seq FROM (SELECT seq, ROW_NUMBER() OVER (PARTITION BY identity ORDER BY seq DESC) AS rn FROM %[1]s) ranked WHERE rn > $1)`,
		s.utterances)
	tag, err := s.pool.Exec(ctx, query, maxPerIdentity)
	if err != nil {
		return 0, storageErr("prune", err)
	}
	return int(tag.RowsAffected()), nil
}

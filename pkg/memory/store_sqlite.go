package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the default persistent memory storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storageErr("open", fmt.Errorf("create memory db dir: %w", err))
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open", fmt.Errorf("open sqlite db: %w", err))
	}
	// One shared connection avoids writer lock contention between turns.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, storageErr("open", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS identities (
			identity TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			personality TEXT NOT NULL DEFAULT 'friendly',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS utterances (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			identity TEXT NOT NULL REFERENCES identities(identity),
			text TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS utterances_identity_idx ON utterances(identity, seq DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, identity, displayName, text string) error {
	if strings.TrimSpace(identity) == "" {
		return storageErr("append", fmt.Errorf("empty identity"))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("append", fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO identities(identity, display_name, personality, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(identity) DO UPDATE SET
	display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE identities.display_name END,
	updated_at_ms = excluded.updated_at_ms`, identity, displayName, DefaultPersonality, now, now); err != nil {
		return storageErr("append", fmt.Errorf("ensure identity: %w", err))
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO utterances(id, identity, text, created_at_ms)
VALUES(?, ?, ?, ?)`, uuid.NewString(), identity, text, now); err != nil {
		return storageErr("append", fmt.Errorf("insert utterance: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return storageErr("append", fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *SQLiteStore) ReadAll(ctx context.Context) ([]MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT i.identity, i.display_name, i.personality, u.id, u.text, u.seq, u.created_at_ms
FROM utterances u
JOIN identities i ON i.identity = u.identity
ORDER BY u.seq ASC`)
	if err != nil {
		return nil, storageErr("read all", err)
	}
	defer rows.Close()

	var records []MemoryRecord
	byIdentity := make(map[string]int)
	for rows.Next() {
		var (
			rec       MemoryRecord
			u         Utterance
			createdMS int64
		)
		if err := rows.Scan(&rec.Identity, &rec.DisplayName, &rec.Personality, &u.ID, &u.Text, &u.Seq, &createdMS); err != nil {
			return nil, storageErr("read all", fmt.Errorf("scan utterance: %w", err))
		}
		u.Identity = rec.Identity
		u.DisplayName = rec.DisplayName
		u.CreatedAt = time.UnixMilli(createdMS)

		idx, ok := byIdentity[rec.Identity]
		if !ok {
			idx = len(records)
			byIdentity[rec.Identity] = idx
			records = append(records, rec)
		}
		records[idx].Utterances = append(records[idx].Utterances, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read all", fmt.Errorf("iterate utterances: %w", err))
	}
	return records, nil
}

func (s *SQLiteStore) ReadRecent(ctx context.Context, identity string, n int) ([]Utterance, error) {
	if n <= 0 {
		return []Utterance{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT u.id, u.identity, i.display_name, u.text, u.seq, u.created_at_ms
FROM utterances u
JOIN identities i ON i.identity = u.identity
WHERE u.identity = ?
ORDER BY u.seq DESC
LIMIT ?`, identity, n)
	if err != nil {
		return nil, storageErr("read recent", err)
	}
	defer rows.Close()

	out := make([]Utterance, 0, n)
	for rows.Next() {
		var u Utterance
		var createdMS int64
		if err := rows.Scan(&u.ID, &u.Identity, &u.DisplayName, &u.Text, &u.Seq, &createdMS); err != nil {
			return nil, storageErr("read recent", fmt.Errorf("scan utterance: %w", err))
		}
		u.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read recent", fmt.Errorf("iterate utterances: %w", err))
	}

	reverseUtterances(out)
	return out, nil
}

func (s *SQLiteStore) Prune(ctx context.Context, maxPerIdentity int) (int, error) {
	if maxPerIdentity <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM utterances
WHERE seq IN (
	SELECT seq FROM (
		SELECT seq, ROW_NUMBER() OVER (PARTITION BY identity ORDER BY seq DESC) AS rn
		FROM utterances
	) WHERE rn > ?
)`, maxPerIdentity)
	if err != nil {
		return 0, storageErr("prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("prune", err)
	}
	return int(n), nil
}

func reverseUtterances(us []Utterance) {
	for i, j := 0, len(us)-1; i < j; i, j = i+1, j-1 {
		us[i], us[j] = us[j], us[i]
	}
}

package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_records (
	tbl TEXT NOT NULL,
	k TEXT NOT NULL,
	v TEXT NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
	PRIMARY KEY (tbl, k)
) WITHOUT ROWID;
`

// SQLiteBackend stores all tables in one SQLite file. Writes are serialized through a single
// connection so read-merge-write upserts are atomic.
type SQLiteBackend struct {
	db *sql.DB

	mu     sync.Mutex
	tables map[string]*sqliteTable
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidConfig)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("kvstore/sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kvstore/sqlite: ensure schema: %w", err)
	}
	return &SQLiteBackend{db: db, tables: make(map[string]*sqliteTable)}, nil
}

func (b *SQLiteBackend) Table(name string) (Table, error) {
	if err := ValidateKey(name); err != nil {
		return nil, fmt.Errorf("%w: table name: %v", ErrInvalidConfig, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tables[name]
	if !ok {
		t = &sqliteTable{db: b.db, name: name}
		b.tables[name] = t
	}
	return t, nil
}

func (b *SQLiteBackend) Close() error { return b.db.Close() }

type sqliteTable struct {
	db   *sql.DB
	name string
}

func (t *sqliteTable) Name() string { return t.name }

func (t *sqliteTable) Get(ctx context.Context, key string) (Record, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	var raw string
	err := t.db.QueryRowContext(ctx, `SELECT v FROM kv_records WHERE tbl = ? AND k = ?`, t.name, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, t.name, key)
		}
		return nil, fmt.Errorf("kvstore/sqlite: get %s/%s: %w", t.name, key, err)
	}
	return UnmarshalRecord([]byte(raw))
}

func (t *sqliteTable) Upsert(ctx context.Context, key string, partial Record) (Record, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("kvstore/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing := Record{}
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT v FROM kv_records WHERE tbl = ? AND k = ?`, t.name, key).Scan(&raw)
	switch {
	case err == nil:
		existing, err = UnmarshalRecord([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("kvstore/sqlite: decode %s/%s: %w", t.name, key, err)
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("kvstore/sqlite: read %s/%s: %w", t.name, key, err)
	}

	merged := Merge(existing, partial)
	b, err := MarshalRecord(merged)
	if err != nil {
		return nil, fmt.Errorf("kvstore/sqlite: encode %s/%s: %w", t.name, key, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kv_records (tbl, k, v, updated_at) VALUES (?, ?, ?, strftime('%s','now'))
		ON CONFLICT (tbl, k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at
	`, t.name, key, string(b)); err != nil {
		return nil, fmt.Errorf("kvstore/sqlite: upsert %s/%s: %w", t.name, key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("kvstore/sqlite: commit: %w", err)
	}
	return merged, nil
}

func (t *sqliteTable) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if _, err := t.db.ExecContext(ctx, `DELETE FROM kv_records WHERE tbl = ? AND k = ?`, t.name, key); err != nil {
		return fmt.Errorf("kvstore/sqlite: delete %s/%s: %w", t.name, key, err)
	}
	return nil
}

func (t *sqliteTable) ExistsOrInsert(ctx context.Context, key string, value Record) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	b, err := MarshalRecord(value)
	if err != nil {
		return false, fmt.Errorf("kvstore/sqlite: encode %s/%s: %w", t.name, key, err)
	}
	res, err := t.db.ExecContext(ctx, `INSERT INTO kv_records (tbl, k, v) VALUES (?, ?, ?) ON CONFLICT (tbl, k) DO NOTHING`, t.name, key, string(b))
	if err != nil {
		return false, fmt.Errorf("kvstore/sqlite: insert %s/%s: %w", t.name, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kvstore/sqlite: rows affected: %w", err)
	}
	return n == 1, nil
}

func (t *sqliteTable) Walk(ctx context.Context, r Range, fn func(string, Record) error) error {
	return PagedWalk(ctx, r, t.fetchPage, fn)
}

func (t *sqliteTable) fetchPage(ctx context.Context, after, lo, hi string, limit int) ([]string, []Record, error) {
	q := `SELECT k, v FROM kv_records WHERE tbl = ? AND k > ? AND k >= ?`
	args := []any{t.name, after, lo}
	if hi != "" {
		q += ` AND k < ?`
		args = append(args, hi)
	}
	q += ` ORDER BY k LIMIT ?`
	args = append(args, limit)

	rows, err := t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("kvstore/sqlite: scan %s: %w", t.name, err)
	}
	defer rows.Close()

	var (
		keys []string
		recs []Record
	)
	for rows.Next() {
		var k, raw string
		if err := rows.Scan(&k, &raw); err != nil {
			return nil, nil, fmt.Errorf("kvstore/sqlite: scan %s: %w", t.name, err)
		}
		rec, err := UnmarshalRecord([]byte(raw))
		if err != nil {
			return nil, nil, fmt.Errorf("kvstore/sqlite: decode %s/%s: %w", t.name, k, err)
		}
		keys = append(keys, k)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("kvstore/sqlite: scan %s: %w", t.name, err)
	}
	return keys, recs, nil
}

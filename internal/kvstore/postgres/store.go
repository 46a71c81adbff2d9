// Package postgres is the shared kvstore backend. Upserts use the JSONB || operator, which is a
// top-level merge, so the database applies the same semantics as the in-process drivers.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hop-exchange/bonder-node/internal/kvstore"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvalidConfig = errors.New("kvstore/postgres: invalid config")

type Backend struct {
	pool  *pgxpool.Pool
	owned bool

	mu     sync.Mutex
	tables map[string]*table
}

func New(pool *pgxpool.Pool) (*Backend, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Backend{pool: pool, tables: make(map[string]*table)}, nil
}

// Open dials dsn and ensures the schema. It matches kvstore.Opener.
func Open(ctx context.Context, dsn string) (kvstore.Backend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty dsn", ErrInvalidConfig)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("kvstore/postgres: connect: %w", err)
	}
	b, err := New(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	b.owned = true
	if err := b.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) EnsureSchema(ctx context.Context) error {
	if b == nil || b.pool == nil {
		return fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if _, err := b.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("kvstore/postgres: ensure schema: %w", err)
	}
	return nil
}

func (b *Backend) Table(name string) (kvstore.Table, error) {
	if err := kvstore.ValidateKey(name); err != nil {
		return nil, fmt.Errorf("%w: table name: %v", ErrInvalidConfig, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tables[name]
	if !ok {
		t = &table{pool: b.pool, name: name}
		b.tables[name] = t
	}
	return t, nil
}

// Close releases the pool only if Open created it.
func (b *Backend) Close() error {
	if b.owned {
		b.pool.Close()
	}
	return nil
}

type table struct {
	pool *pgxpool.Pool
	name string
}

func (t *table) Name() string { return t.name }

func (t *table) Get(ctx context.Context, key string) (kvstore.Record, error) {
	if err := kvstore.ValidateKey(key); err != nil {
		return nil, err
	}
	var raw []byte
	err := t.pool.QueryRow(ctx, `SELECT v FROM kv_records WHERE tbl = $1 AND k = $2`, t.name, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", kvstore.ErrNotFound, t.name, key)
		}
		return nil, fmt.Errorf("kvstore/postgres: get %s/%s: %w", t.name, key, err)
	}
	return kvstore.UnmarshalRecord(raw)
}

func (t *table) Upsert(ctx context.Context, key string, partial kvstore.Record) (kvstore.Record, error) {
	if err := kvstore.ValidateKey(key); err != nil {
		return nil, err
	}
	b, err := kvstore.MarshalRecord(partial)
	if err != nil {
		return nil, fmt.Errorf("kvstore/postgres: encode %s/%s: %w", t.name, key, err)
	}
	var raw []byte
	err = t.pool.QueryRow(ctx, `
		INSERT INTO kv_records (tbl, k, v, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, now(), now())
		ON CONFLICT (tbl, k) DO UPDATE
		SET v = kv_records.v || EXCLUDED.v,
			updated_at = now()
		RETURNING v
	`, t.name, key, string(b)).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("kvstore/postgres: upsert %s/%s: %w", t.name, key, err)
	}
	return kvstore.UnmarshalRecord(raw)
}

func (t *table) Delete(ctx context.Context, key string) error {
	if err := kvstore.ValidateKey(key); err != nil {
		return err
	}
	if _, err := t.pool.Exec(ctx, `DELETE FROM kv_records WHERE tbl = $1 AND k = $2`, t.name, key); err != nil {
		return fmt.Errorf("kvstore/postgres: delete %s/%s: %w", t.name, key, err)
	}
	return nil
}

func (t *table) ExistsOrInsert(ctx context.Context, key string, value kvstore.Record) (bool, error) {
	if err := kvstore.ValidateKey(key); err != nil {
		return false, err
	}
	b, err := kvstore.MarshalRecord(value)
	if err != nil {
		return false, fmt.Errorf("kvstore/postgres: encode %s/%s: %w", t.name, key, err)
	}
	tag, err := t.pool.Exec(ctx, `
		INSERT INTO kv_records (tbl, k, v) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (tbl, k) DO NOTHING
	`, t.name, key, string(b))
	if err != nil {
		return false, fmt.Errorf("kvstore/postgres: insert %s/%s: %w", t.name, key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *table) Walk(ctx context.Context, r kvstore.Range, fn func(string, kvstore.Record) error) error {
	return kvstore.PagedWalk(ctx, r, t.fetchPage, fn)
}

func (t *table) fetchPage(ctx context.Context, after, lo, hi string, limit int) ([]string, []kvstore.Record, error) {
	rows, err := t.pool.Query(ctx, `
		SELECT k, v FROM kv_records
		WHERE tbl = $1 AND k > $2 AND k >= $3 AND ($4 = '' OR k < $4)
		ORDER BY k
		LIMIT $5
	`, t.name, after, lo, hi, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("kvstore/postgres: scan %s: %w", t.name, err)
	}
	defer rows.Close()

	var (
		keys []string
		recs []kvstore.Record
	)
	for rows.Next() {
		var (
			k   string
			raw []byte
		)
		if err := rows.Scan(&k, &raw); err != nil {
			return nil, nil, fmt.Errorf("kvstore/postgres: scan %s: %w", t.name, err)
		}
		rec, err := kvstore.UnmarshalRecord(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("kvstore/postgres: decode %s/%s: %w", t.name, k, err)
		}
		keys = append(keys, k)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("kvstore/postgres: scan %s: %w", t.name, err)
	}
	return keys, recs, nil
}

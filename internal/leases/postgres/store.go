// Package postgres stores bonder leases in a shared Postgres table so instances on different
// hosts agree on a single submitter.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hop-exchange/bonder-node/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

// Claim runs as one statement; expiry is judged by the database clock so hosts with skewed
// clocks still agree.
func (s *Store) Claim(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if name == "" || owner == "" || ttl <= 0 {
		return leases.Lease{}, false, leases.ErrInvalidInput
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO bonder_leases (name, owner, term, acquired_at, expires_at)
		VALUES ($1, $2, 1, now(), now() + ($3::bigint * interval '1 millisecond'))
		ON CONFLICT (name) DO UPDATE
		SET term        = CASE WHEN bonder_leases.owner = EXCLUDED.owner THEN bonder_leases.term ELSE bonder_leases.term + 1 END,
			acquired_at = CASE WHEN bonder_leases.owner = EXCLUDED.owner THEN bonder_leases.acquired_at ELSE now() END,
			owner       = EXCLUDED.owner,
			expires_at  = EXCLUDED.expires_at
		WHERE bonder_leases.owner = EXCLUDED.owner OR bonder_leases.expires_at <= now()
		RETURNING owner, term, acquired_at, expires_at
	`, name, owner, ttlMilliseconds(ttl)).Scan(&l.Owner, &l.Term, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, name)
		if gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: claim %s: %w", name, err)
	}
	return l, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE bonder_leases SET expires_at = now()
		WHERE name = $1 AND owner = $2 AND expires_at > now()
	`, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release %s: %w", name, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	cur, err := s.Get(ctx, name)
	switch {
	case errors.Is(err, leases.ErrNotFound):
		return nil
	case err != nil:
		return err
	case cur.Owner != owner:
		return leases.ErrNotOwner
	default:
		return nil
	}
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if name == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}
	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx,
		`SELECT owner, term, acquired_at, expires_at FROM bonder_leases WHERE name = $1`, name,
	).Scan(&l.Owner, &l.Term, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, leases.ErrNotFound
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: get %s: %w", name, err)
	}
	return l, nil
}

func ttlMilliseconds(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

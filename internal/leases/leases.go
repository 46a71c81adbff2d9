// Package leases provides TTL leases so that only one bonder process per deployment submits
// transactions at a time. Standby processes keep syncing state and take over when the lease
// lapses.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
)

// Lease is a named, expiring ownership record. Term grows by one every time the lease changes
// hands, so a stale holder can tell it was superseded even if it still believes it leads.
type Lease struct {
	Name       string
	Owner      string
	Term       uint64
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Held reports whether owner holds l at now.
func (l Lease) Held(owner string, now time.Time) bool {
	return l.Owner == owner && l.ExpiresAt.After(now)
}

// Store persists leases.
//
// Claim extends the lease when owner already holds it (expired or not) and takes it over when
// it is absent or expired; otherwise it returns the current holder's lease with ok=false.
// Release expires the lease without forgetting its term and is a no-op when absent.
type Store interface {
	Claim(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}

package leases

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps leases in process. A single instance, or tests.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, leases: make(map[string]Lease)}
}

func (s *MemoryStore) Claim(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, exists := s.leases[name]
	switch {
	case exists && cur.Owner == owner:
		cur.ExpiresAt = now.Add(ttl)
	case !exists || !cur.ExpiresAt.After(now):
		cur = Lease{Name: name, Owner: owner, Term: cur.Term + 1, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	default:
		return cur, false, nil
	}
	s.leases[name] = cur
	return cur, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[name]
	if !ok {
		return nil
	}
	if cur.Owner != owner {
		return ErrNotOwner
	}
	if now := s.now(); cur.ExpiresAt.After(now) {
		cur.ExpiresAt = now
		s.leases[name] = cur
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Lease, error) {
	if name == "" {
		return Lease{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[name]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return l, nil
}

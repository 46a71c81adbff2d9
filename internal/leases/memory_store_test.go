package leases

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_ClaimExtendsAndTakesOver(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	l, ok, err := s.Claim(ctx, "bonder", "a", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("Claim(a): ok=%v err=%v", ok, err)
	}
	if l.Term != 1 || !l.AcquiredAt.Equal(now) || !l.ExpiresAt.Equal(now.Add(10*time.Second)) {
		t.Fatalf("first lease: %+v", l)
	}

	held, ok, err := s.Claim(ctx, "bonder", "b", 10*time.Second)
	if err != nil {
		t.Fatalf("Claim(b): %v", err)
	}
	if ok || held.Owner != "a" {
		t.Fatalf("b claimed a held lease: ok=%v owner=%q", ok, held.Owner)
	}

	// The holder extends without a new term, even after its lease lapsed.
	now = now.Add(15 * time.Second)
	l, ok, err = s.Claim(ctx, "bonder", "a", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("Claim(a) extend: ok=%v err=%v", ok, err)
	}
	if l.Term != 1 || !l.ExpiresAt.Equal(now.Add(10*time.Second)) || l.AcquiredAt.Equal(now) {
		t.Fatalf("extended lease: %+v", l)
	}

	now = now.Add(11 * time.Second)
	l, ok, err = s.Claim(ctx, "bonder", "b", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("Claim(b) takeover: ok=%v err=%v", ok, err)
	}
	if l.Owner != "b" || l.Term != 2 || !l.AcquiredAt.Equal(now) {
		t.Fatalf("taken over lease: %+v", l)
	}
	if l.Held("a", now) || !l.Held("b", now) {
		t.Fatalf("Held: %+v", l)
	}
}

func TestMemoryStore_ReleaseKeepsTerm(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	if _, _, err := s.Claim(ctx, "bonder", "a", time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.Release(ctx, "bonder", "b"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("Release(b): expected ErrNotOwner, got %v", err)
	}
	if err := s.Release(ctx, "bonder", "a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Release(ctx, "bonder", "a"); err != nil {
		t.Fatalf("Release again: %v", err)
	}
	if err := s.Release(ctx, "missing", "a"); err != nil {
		t.Fatalf("Release missing: %v", err)
	}

	l, err := s.Get(ctx, "bonder")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if l.Held("a", now) {
		t.Fatalf("released lease still held: %+v", l)
	}

	l, ok, err := s.Claim(ctx, "bonder", "b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Claim(b) after release: ok=%v err=%v", ok, err)
	}
	if l.Term != 2 {
		t.Fatalf("term after release: got %d want 2", l.Term)
	}
}

func TestMemoryStore_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	ctx := context.Background()

	if _, _, err := s.Claim(ctx, "", "a", time.Second); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty name: expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := s.Claim(ctx, "x", "", time.Second); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty owner: expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := s.Claim(ctx, "x", "a", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero ttl: expected ErrInvalidInput, got %v", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: expected ErrNotFound, got %v", err)
	}
}

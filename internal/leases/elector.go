package leases

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.uber.org/atomic"

	"github.com/hop-exchange/bonder-node/internal/metrics"
)

// Elector holds one named lease on behalf of this process. Tick it periodically; IsLeader
// reports the outcome of the last tick and is safe to read from any goroutine.
type Elector struct {
	store Store
	name  string
	owner string
	ttl   time.Duration
	log   *slog.Logger

	leader atomic.Bool
	term   atomic.Uint64
}

func NewElector(store Store, name, owner string, ttl time.Duration, log *slog.Logger) (*Elector, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if err := validate(name, owner, ttl); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	return &Elector{store: store, name: name, owner: owner, ttl: ttl, log: log}, nil
}

func (e *Elector) Owner() string { return e.owner }

// IsLeader reports whether the last tick held the lease. The lease may lapse before the next
// tick, so callers re-check right before submitting.
func (e *Elector) IsLeader() bool { return e.leader.Load() }

// Term is the lease term this process last held, or 0 when it never led.
func (e *Elector) Term() uint64 { return e.term.Load() }

// Tick claims the lease: it extends it when held and takes it over when it lapsed.
func (e *Elector) Tick(ctx context.Context) (bool, error) {
	l, ok, err := e.store.Claim(ctx, e.name, e.owner, e.ttl)
	if err != nil {
		e.set(false, Lease{})
		return false, err
	}
	e.set(ok, l)
	return ok, nil
}

func (e *Elector) set(v bool, l Lease) {
	if v {
		if old := e.term.Swap(l.Term); old != l.Term {
			e.log.Info("lease acquired", "lease", e.name, "owner", e.owner, "term", l.Term)
		}
	}
	if old := e.leader.Swap(v); old && !v {
		e.log.Warn("lease lost", "lease", e.name, "owner", e.owner, "holder", l.Owner, "term", e.term.Load())
	}
	if v {
		metrics.IsLeader.Set(1)
	} else {
		metrics.IsLeader.Set(0)
	}
}

// Run ticks every interval until ctx is done, then releases the lease if held.
func (e *Elector) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 || interval >= e.ttl {
		return fmt.Errorf("%w: tick interval must be > 0 and < ttl", ErrInvalidInput)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.log.Warn("lease tick failed", "lease", e.name, "err", err)
		}
		select {
		case <-ctx.Done():
			e.release()
			return nil
		case <-t.C:
		}
	}
}

func (e *Elector) release() {
	if !e.leader.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.Release(ctx, e.name, e.owner); err != nil {
		e.log.Warn("lease release failed", "lease", e.name, "err", err)
	}
	e.leader.Store(false)
	metrics.IsLeader.Set(0)
}

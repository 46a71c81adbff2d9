// Package txqueue serializes transaction submission per network.
//
// Each network key owns one lane. Submissions on a lane run strictly one at a time in arrival
// order, so a chain's bonder nonce sequence never has two transactions being built at once.
package txqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/hop-exchange/bonder-node/internal/eth"
	"github.com/hop-exchange/bonder-node/internal/metrics"
)

var (
	ErrInvalidConfig = errors.New("txqueue: invalid config")
	ErrClosed        = errors.New("txqueue: closed")
	// ErrAbandoned is returned when a broadcast transaction did not mine within the attempt
	// timeout. It is not retried: the transaction may still land, and the sender keeps tracking it.
	ErrAbandoned = errors.New("txqueue: attempt abandoned")
)

// Pending is a broadcast transaction. *eth.PendingTx satisfies it.
type Pending interface {
	Hash() common.Hash
	Wait(ctx context.Context) (*types.Receipt, error)
}

// SubmitFunc builds and broadcasts one transaction.
type SubmitFunc func(ctx context.Context) (Pending, error)

// Job labels a submission for logs, metrics and failure reports.
type Job struct {
	Network string
	Kind    string
}

type Config struct {
	AttemptTimeout  time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	PostSubmitDelay time.Duration

	// IsPermanent classifies errors that retrying cannot fix. Defaults to eth.IsPermanent.
	IsPermanent func(error) bool
	// OnFailure is called once per submission whose retries are exhausted.
	OnFailure func(ctx context.Context, job Job, err error)

	Logger *slog.Logger
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
}

type Queue struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
}

func New(cfg Config) (*Queue, error) {
	if cfg.AttemptTimeout <= 0 {
		return nil, fmt.Errorf("%w: attempt timeout must be > 0", ErrInvalidConfig)
	}
	if cfg.MaxRetries < 0 || cfg.RetryBackoff < 0 || cfg.PostSubmitDelay < 0 {
		return nil, fmt.Errorf("%w: negative retry settings", ErrInvalidConfig)
	}
	if cfg.IsPermanent == nil {
		cfg.IsPermanent = eth.IsPermanent
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	return &Queue{cfg: cfg, log: log, lanes: make(map[string]*lane)}, nil
}

func (q *Queue) lane(network string) (*lane, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	l, ok := q.lanes[network]
	if !ok {
		l = &lane{}
		q.lanes[network] = l
	}
	return l, nil
}

// Close rejects new submissions. Submissions already holding or waiting on a lane finish.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Submit waits for job's lane, then runs fn and waits for the receipt, retrying transient
// failures. fn is called again only while nothing has been broadcast; after a broadcast, retries
// wait on the same transaction. The returned error wraps the last attempt's error.
func (q *Queue) Submit(ctx context.Context, job Job, fn SubmitFunc) (*types.Receipt, error) {
	if job.Network == "" || fn == nil {
		return nil, fmt.Errorf("%w: empty network or nil submit func", ErrInvalidConfig)
	}
	l, err := q.lane(job.Network)
	if err != nil {
		return nil, err
	}

	queuedAt := q.cfg.Now()
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()
	metrics.TxQueueWait.WithLabelValues(job.Network).Observe(q.cfg.Now().Sub(queuedAt).Seconds())

	log := q.log.With("chain", job.Network, "kind", job.Kind)

	var (
		lastErr error
		pending Pending
	)
	for attempt := 0; attempt <= q.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := q.cfg.Sleep(ctx, q.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}

		receipt, sent, err := q.attempt(ctx, job, fn, pending)
		if pending == nil && sent != nil {
			// Once broadcast, later attempts only wait on this tx: calling fn again would spend a
			// second nonce on the same action.
			pending = sent
			// The nonce is spent either way; give mempools a moment before the next one.
			if serr := q.cfg.Sleep(ctx, q.cfg.PostSubmitDelay); serr != nil && err == nil {
				err = serr
			}
		}
		if err == nil {
			metrics.TxSubmissions.WithLabelValues(job.Network, job.Kind, "mined").Inc()
			return receipt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return receipt, err
		}
		if errors.Is(err, ErrAbandoned) || q.cfg.IsPermanent(err) {
			log.Warn("submission failed", "attempt", attempt+1, "err", err)
			q.fail(ctx, job, err)
			return receipt, err
		}
		log.Warn("submission attempt failed, retrying", "attempt", attempt+1, "max", q.cfg.MaxRetries+1, "err", err)
	}

	err = fmt.Errorf("txqueue: %s %s: retries exhausted: %w", job.Network, job.Kind, lastErr)
	log.Error("submission failed", "err", err)
	q.fail(ctx, job, err)
	return nil, err
}

// attempt broadcasts via fn unless p is already broadcast, then waits for the receipt.
func (q *Queue) attempt(ctx context.Context, job Job, fn SubmitFunc, p Pending) (*types.Receipt, Pending, error) {
	actx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	defer cancel()

	start := q.cfg.Now()
	defer func() {
		metrics.TxAttemptDuration.WithLabelValues(job.Network, job.Kind).Observe(q.cfg.Now().Sub(start).Seconds())
	}()

	if p == nil {
		sent, err := fn(actx)
		if err != nil {
			metrics.TxAttempts.WithLabelValues(job.Network, job.Kind, "send_error").Inc()
			return nil, nil, err
		}
		if sent == nil {
			metrics.TxAttempts.WithLabelValues(job.Network, job.Kind, "send_error").Inc()
			return nil, nil, errors.New("txqueue: submit returned no transaction")
		}
		p = sent
	}
	receipt, err := p.Wait(actx)
	switch {
	case err == nil:
		metrics.TxAttempts.WithLabelValues(job.Network, job.Kind, "mined").Inc()
		return receipt, p, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		metrics.TxAttempts.WithLabelValues(job.Network, job.Kind, "abandoned").Inc()
		return nil, p, fmt.Errorf("%w: %s after %s", ErrAbandoned, p.Hash(), q.cfg.AttemptTimeout)
	default:
		metrics.TxAttempts.WithLabelValues(job.Network, job.Kind, "wait_error").Inc()
		return receipt, p, fmt.Errorf("wait %s: %w", p.Hash(), err)
	}
}

func (q *Queue) fail(ctx context.Context, job Job, err error) {
	status := "failed"
	if errors.Is(err, ErrAbandoned) {
		status = "abandoned"
	}
	metrics.TxSubmissions.WithLabelValues(job.Network, job.Kind, status).Inc()
	if q.cfg.OnFailure != nil {
		q.cfg.OnFailure(ctx, job, err)
	}
}

// lane is a FIFO mutex: waiters are granted the lock in arrival order.
type lane struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

func (l *lane) acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ch {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// Granted concurrently with cancellation: hand it on.
		l.release()
		return ctx.Err()
	}
}

func (l *lane) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TokenSet is one token's bridges across chains with its policy.
type TokenSet struct {
	Token    string
	Siblings Siblings
	Policy   Policy

	// Relayers confirm roots committed on a chain, keyed by chain id. Chains without one get
	// no confirm watcher.
	Relayers map[uint64]Relayer
	// PollIntervals sets each chain's loop interval. Missing entries use the default.
	PollIntervals map[uint64]time.Duration
}

type loop struct {
	w        Watcher
	interval time.Duration
	gated    bool
}

// Orchestrator owns every watcher loop. Sync loops always run; action loops only poll while
// gate reports true, so a standby instance keeps its store current without submitting.
type Orchestrator struct {
	loops []loop
	gate  func() bool
	log   *slog.Logger

	mu      sync.Mutex
	running bool
}

const DefaultPollInterval = 10 * time.Second

func NewOrchestrator(sets []TokenSet, deps Deps, archive Archive, gate func() bool) (*Orchestrator, error) {
	if err := deps.defaults(); err != nil {
		return nil, err
	}
	o := &Orchestrator{gate: gate, log: deps.Logger.With("component", "orchestrator")}
	for _, set := range sets {
		if err := o.add(set, deps, archive); err != nil {
			return nil, fmt.Errorf("watcher: %s: %w", set.Token, err)
		}
	}
	if len(o.loops) == 0 {
		return nil, fmt.Errorf("%w: no watchers configured", ErrInvalidConfig)
	}
	return o, nil
}

func (o *Orchestrator) add(set TokenSet, deps Deps, archive Archive) error {
	for _, id := range set.Siblings.IDs() {
		n := set.Siblings[id]
		interval := set.PollIntervals[id]
		if interval <= 0 {
			interval = DefaultPollInterval
		}

		sw, err := NewSyncWatcher(set.Token, n, set.Siblings, set.Policy, deps)
		if err != nil {
			return err
		}
		o.loops = append(o.loops, loop{w: sw, interval: interval})

		actions := make([]Watcher, 0, 4)
		bw, err := NewBondWithdrawalWatcher(set.Token, n, set.Siblings, set.Policy, deps)
		if err != nil {
			return err
		}
		settle, err := NewSettleWatcher(set.Token, n, set.Siblings, set.Policy, deps, archive)
		if err != nil {
			return err
		}
		actions = append(actions, bw, settle)

		if n.Hub {
			cw, err := NewChallengeWatcher(set.Token, n, set.Siblings, set.Policy, deps)
			if err != nil {
				return err
			}
			actions = append(actions, cw)
		} else {
			commit, err := NewCommitTransfersWatcher(set.Token, n, set.Siblings, set.Policy, deps)
			if err != nil {
				return err
			}
			bondRoot, err := NewBondTransferRootWatcher(set.Token, n, set.Siblings, set.Policy, deps)
			if err != nil {
				return err
			}
			actions = append(actions, commit, bondRoot)
			if r := set.Relayers[id]; r != nil {
				confirm, err := NewConfirmRootsWatcher(set.Token, n, set.Siblings, set.Policy, deps, r)
				if err != nil {
					return err
				}
				actions = append(actions, confirm)
			}
		}
		for _, w := range actions {
			o.loops = append(o.loops, loop{w: w, interval: interval, gated: true})
		}
	}
	return nil
}

// Watchers lists every configured watcher.
func (o *Orchestrator) Watchers() []Watcher {
	out := make([]Watcher, len(o.loops))
	for i, l := range o.loops {
		out[i] = l.w
	}
	return out
}

// Run starts every loop and blocks until ctx is done or Stop has ended them all.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("%w: orchestrator already running", ErrInvalidConfig)
	}
	o.running = true
	o.mu.Unlock()

	o.log.Info("starting watchers", "count", len(o.loops))
	var wg sync.WaitGroup
	for _, l := range o.loops {
		l := l
		var gate func() bool
		if l.gated {
			gate = o.gate
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.w.Run(ctx, l.interval, gate); err != nil {
				o.log.Error("watcher exited", "watcher", l.w.Kind(), "chain", l.w.Chain(), "token", l.w.Token(), "err", err)
			}
		}()
	}
	wg.Wait()
	o.log.Info("watchers stopped")
	return nil
}

// Stop signals every loop to exit after its current cycle.
func (o *Orchestrator) Stop() {
	for _, l := range o.loops {
		l.w.Stop()
	}
}

package watcher

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/hop-exchange/bonder-node/internal/state"
)

// CommitTransfersWatcher closes a chain's pending transfers into a root, per destination, once
// the pending amount reaches the threshold or the commit interval has passed.
type CommitTransfersWatcher struct {
	base
}

func NewCommitTransfersWatcher(token string, self *Network, siblings Siblings, policy Policy, deps Deps) (*CommitTransfersWatcher, error) {
	b, err := newBase(KindCommitTransfers, token, self, siblings, policy, deps)
	if err != nil {
		return nil, err
	}
	if self.Hub {
		return nil, fmt.Errorf("%w: the hub bridge does not commit transfers", ErrInvalidConfig)
	}
	if policy.CommitInterval <= 0 {
		return nil, fmt.Errorf("%w: commit interval must be > 0", ErrInvalidConfig)
	}
	w := &CommitTransfersWatcher{base: b}
	w.poll = w.commitAll
	return w, nil
}

func (w *CommitTransfersWatcher) commitAll(ctx context.Context) error {
	var dests []uint64
	for _, id := range w.siblings.IDs() {
		if w.policy.routeEnabled(w.self.ChainID, id) {
			dests = append(dests, id)
		}
	}
	fields := func(dest uint64) map[string]string {
		return map[string]string{"destinationChainId": fmt.Sprint(dest)}
	}
	return each(ctx, &w.base, dests, fields, w.commit)
}

func (w *CommitTransfersWatcher) commit(ctx context.Context, dest uint64) error {
	now := w.now()
	last, ok, err := w.deps.DB.Sync.LastCommit(ctx, w.token, w.self.ChainID, dest)
	if err != nil {
		return err
	}
	if ok && now.Sub(last.At) < w.policy.ResendAfter {
		return fmt.Errorf("%w: commit to %d sent %s ago", ErrNotReady, dest, now.Sub(last.At).Round(time.Second))
	}

	pending, err := w.self.Bridge.PendingAmountForChainID(ctx, dest)
	if err != nil {
		return err
	}
	if pending.Sign() == 0 {
		return nil
	}
	due, err := w.due(ctx, dest, now, pending)
	if err != nil || !due {
		return err
	}

	if err := w.deps.DB.Sync.RecordCommit(ctx, w.token, w.self.ChainID, dest, state.CommitAttempt{At: now}); err != nil {
		return err
	}
	w.log.Info("committing transfers", "destinationChainId", dest, "pending", pending)
	receipt, err := w.self.Bridge.CommitTransfers(ctx, dest)
	if err != nil {
		if !IsAbandoned(err) {
			// Clear the attempt so the next cycle may retry.
			if uerr := w.deps.DB.Sync.RecordCommit(ctx, w.token, w.self.ChainID, dest, state.CommitAttempt{}); uerr != nil {
				return fmt.Errorf("%v (clear commit attempt: %w)", err, uerr)
			}
		}
		return err
	}
	w.log.Info("transfers committed", "destinationChainId", dest, "tx", receipt.TxHash)
	return w.deps.DB.Sync.RecordCommit(ctx, w.token, w.self.ChainID, dest, state.CommitAttempt{TxHash: receipt.TxHash, At: now})
}

// due reports whether pending should be committed now: it has reached the threshold, or the
// commit interval has passed since the bridge last committed to dest.
func (w *CommitTransfersWatcher) due(ctx context.Context, dest uint64, now time.Time, pending *big.Int) (bool, error) {
	if t := w.policy.CommitThreshold; t != nil && t.Sign() > 0 && pending.Cmp(t) >= 0 {
		return true, nil
	}
	last, err := w.self.Bridge.LastCommitTimeForChainID(ctx, dest)
	if err != nil {
		return false, err
	}
	if !last.IsInt64() {
		return false, fmt.Errorf("watcher: last commit time %s out of range", last)
	}
	return !now.Before(time.Unix(last.Int64(), 0).Add(w.policy.CommitInterval)), nil
}

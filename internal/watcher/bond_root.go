package watcher

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/hop-exchange/bonder-node/internal/finality"
	"github.com/hop-exchange/bonder-node/internal/merkle"
	"github.com/hop-exchange/bonder-node/internal/notify"
	"github.com/hop-exchange/bonder-node/internal/state"
)

// BondTransferRootWatcher bonds roots committed on its chain at the hub, so destinations can
// settle before the canonical message arrives.
type BondTransferRootWatcher struct {
	base
	hub *Network
}

func NewBondTransferRootWatcher(token string, self *Network, siblings Siblings, policy Policy, deps Deps) (*BondTransferRootWatcher, error) {
	b, err := newBase(KindBondTransferRoot, token, self, siblings, policy, deps)
	if err != nil {
		return nil, err
	}
	if self.Hub {
		return nil, fmt.Errorf("%w: roots are not committed on the hub", ErrInvalidConfig)
	}
	hub, ok := siblings.Hub()
	if !ok {
		return nil, fmt.Errorf("%w: %s has no hub sibling", ErrInvalidConfig, token)
	}
	w := &BondTransferRootWatcher{base: b, hub: hub}
	w.poll = w.bondAll
	return w, nil
}

func (w *BondTransferRootWatcher) bondAll(ctx context.Context) error {
	now := w.now()
	roots, err := w.deps.DB.Roots.Filter(ctx, func(r state.TransferRoot) bool {
		return r.SourceChainID == w.self.ChainID && r.Token == w.token && state.IsUnbondedRoot(r, now, w.policy.ResendAfter)
	})
	if err != nil {
		return err
	}
	return each(ctx, &w.base, roots, rootFields, w.bond)
}

func (w *BondTransferRootWatcher) bond(ctx context.Context, r state.TransferRoot) error {
	now := w.now()
	if ready := time.Unix(r.CommittedAt, 0).Add(w.policy.MinBondDelay); now.Before(ready) {
		return fmt.Errorf("%w: %s bondable at %s", ErrBondDelay, r.TransferRootID, ready.Format(time.RFC3339))
	}
	if err := pastTier(ctx, w.self, r.CommitBlockNumber, finality.TierSafe); err != nil {
		return err
	}
	if err := verifyRoot(ctx, w.deps.DB, r); err != nil {
		return err
	}

	bond, err := w.hub.Bridge.TransferBond(ctx, r.TransferRootID)
	if err != nil {
		return err
	}
	if bond.CreatedAt != nil && bond.CreatedAt.Sign() > 0 {
		_, err := w.deps.DB.Roots.Update(ctx, state.WriterBondTransferRoot, r.TransferRootID, state.TransferRootPatch{
			Bonded: state.Ptr(true),
		})
		return err
	}

	bonder := w.hub.Bridge.Bonder()
	avail, err := w.hub.Bridge.AvailableCredit(ctx, bonder)
	if err != nil {
		return err
	}
	if avail.Cmp(r.TotalAmount) < 0 {
		return fmt.Errorf("%w: hub has %s available, root needs %s", ErrInsufficientCredit, avail, r.TotalAmount)
	}

	if _, err := w.deps.DB.Roots.Update(ctx, state.WriterBondTransferRoot, r.TransferRootID, state.TransferRootPatch{
		SentBondTxAt: state.Ptr(now),
	}); err != nil {
		return err
	}
	w.log.Info("bonding transfer root", "transferRootId", r.TransferRootID, "total", r.TotalAmount, "destinationChainId", r.DestinationChainID)
	receipt, err := w.hub.Bridge.BondTransferRoot(ctx, r.TransferRootHash, r.DestinationChainID, r.TotalAmount)
	if err != nil {
		if !IsAbandoned(err) {
			if _, uerr := w.deps.DB.Roots.Update(ctx, state.WriterBondTransferRoot, r.TransferRootID, state.TransferRootPatch{
				SentBondTxAt: state.Ptr(time.Time{}),
			}); uerr != nil {
				return fmt.Errorf("%v (clear bond attempt: %w)", err, uerr)
			}
		}
		return err
	}
	if _, err := w.deps.DB.Roots.Update(ctx, state.WriterBondTransferRoot, r.TransferRootID, state.TransferRootPatch{
		Bonded:            state.Ptr(true),
		BondAttemptTxHash: state.Ptr(receipt.TxHash),
	}); err != nil {
		return err
	}
	w.log.Info("transfer root bonded", "transferRootId", r.TransferRootID, "tx", receipt.TxHash)
	w.emit(ctx, notify.KindBondTransferRoot, map[string]string{
		"transferRootId":     r.TransferRootID.Hex(),
		"transferRootHash":   r.TransferRootHash.Hex(),
		"destinationChainId": fmt.Sprint(r.DestinationChainID),
		"totalAmount":        amountString(r.TotalAmount),
		"txHash":             receipt.TxHash.Hex(),
	})
	return nil
}

// verifyRoot rebuilds the root from its stored members. A root is only acted on when the
// member list hashes to the committed root and the member amounts add up to its total.
func verifyRoot(ctx context.Context, db *state.DB, r state.TransferRoot) error {
	if len(r.TransferIDs) == 0 {
		return fmt.Errorf("%w: %s", ErrRootUnresolved, r.TransferRootID)
	}
	got, err := merkle.Root(r.TransferIDs)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRootMismatch, r.TransferRootID, err)
	}
	if got != r.TransferRootHash {
		return fmt.Errorf("%w: %d members of %s hash to %s, committed %s", ErrRootMismatch, len(r.TransferIDs), r.TransferRootID, got, r.TransferRootHash)
	}

	sum := new(big.Int)
	for _, id := range r.TransferIDs {
		t, err := db.Transfers.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("%w: member %s of %s: %v", ErrRootMismatch, id, r.TransferRootID, err)
		}
		if t.Amount != nil {
			sum.Add(sum, t.Amount)
		}
	}
	if r.TotalAmount == nil || sum.Cmp(r.TotalAmount) != 0 {
		return fmt.Errorf("%w: members of %s sum to %s, committed %s", ErrRootMismatch, r.TransferRootID, sum, amountString(r.TotalAmount))
	}
	return nil
}

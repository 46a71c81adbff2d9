package watcher

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/hop-exchange/bonder-node/internal/blobstore"
	"github.com/hop-exchange/bonder-node/internal/notify"
	"github.com/hop-exchange/bonder-node/internal/state"
)

// Archive keeps a snapshot of each settled root. *blobstore.RootArchive satisfies it.
type Archive interface {
	Put(ctx context.Context, s blobstore.RootSnapshot) (bool, error)
}

// SettleWatcher reclaims credit on its chain for withdrawals it bonded, once the root that
// contains them is confirmed and set there.
type SettleWatcher struct {
	base
	archive Archive
}

// NewSettleWatcher builds the watcher for roots destined to self. archive may be nil.
func NewSettleWatcher(token string, self *Network, siblings Siblings, policy Policy, deps Deps, archive Archive) (*SettleWatcher, error) {
	b, err := newBase(KindSettle, token, self, siblings, policy, deps)
	if err != nil {
		return nil, err
	}
	if policy.SettleMinPercent < 0 || policy.SettleMinPercent > 1 {
		return nil, fmt.Errorf("%w: settle min percent %v outside [0,1]", ErrInvalidConfig, policy.SettleMinPercent)
	}
	w := &SettleWatcher{base: b, archive: archive}
	w.poll = w.settleAll
	return w, nil
}

func (w *SettleWatcher) settleAll(ctx context.Context) error {
	now := w.now()
	roots, err := w.deps.DB.Roots.Filter(ctx, func(r state.TransferRoot) bool {
		return r.DestinationChainID == w.self.ChainID && r.Token == w.token && state.IsSettleableRoot(r, now, w.policy.ResendAfter)
	})
	if err != nil {
		return err
	}
	return each(ctx, &w.base, roots, rootFields, w.settle)
}

func (w *SettleWatcher) settle(ctx context.Context, r state.TransferRoot) error {
	if err := verifyRoot(ctx, w.deps.DB, r); err != nil {
		return err
	}
	info, err := w.self.Bridge.TransferRoot(ctx, r.TransferRootHash, r.TotalAmount)
	if err != nil {
		return err
	}
	if info.Total == nil || info.Total.Sign() == 0 {
		return fmt.Errorf("%w: %s on %s", ErrRootNotSet, r.TransferRootID, w.self.Slug)
	}

	bonder := w.self.Bridge.Bonder()
	ours, bondedAmount, err := w.ownUnsettled(ctx, r, bonder)
	if err != nil {
		return err
	}
	if len(ours) == 0 {
		return w.finish(ctx, r, common.Hash{})
	}
	if !meetsShare(bondedAmount, r.TotalAmount, w.policy.SettleMinPercent) {
		return fmt.Errorf("%w: %s of %s bonded by us is under %.2f", ErrNotReady, bondedAmount, r.TotalAmount, w.policy.SettleMinPercent)
	}

	now := w.now()
	if _, err := w.deps.DB.Roots.Update(ctx, state.WriterSettle, r.TransferRootID, state.TransferRootPatch{
		SettleAttemptedAt: state.Ptr(now),
	}); err != nil {
		return err
	}
	w.log.Info("settling bonded withdrawals", "transferRootId", r.TransferRootID, "withdrawals", len(ours), "amount", bondedAmount)
	receipt, err := w.self.Bridge.SettleBondedWithdrawals(ctx, bonder, r.TransferIDs, r.TotalAmount)
	if err != nil {
		return err
	}

	for _, id := range ours {
		if _, err := w.deps.DB.Transfers.Update(ctx, state.WriterSettle, id, state.TransferPatch{
			Settled:        state.Ptr(true),
			SettleTxSentAt: state.Ptr(now),
			SettleTxHash:   state.Ptr(receipt.TxHash),
		}); err != nil {
			return err
		}
	}
	w.log.Info("bonded withdrawals settled", "transferRootId", r.TransferRootID, "tx", receipt.TxHash)
	w.emit(ctx, notify.KindSettleBondedWithdrawal, map[string]string{
		"transferRootId":   r.TransferRootID.Hex(),
		"transferRootHash": r.TransferRootHash.Hex(),
		"sourceChainId":    fmt.Sprint(r.SourceChainID),
		"withdrawals":      fmt.Sprint(len(ours)),
		"amount":           amountString(bondedAmount),
		"txHash":           receipt.TxHash.Hex(),
	})
	return w.finish(ctx, r, receipt.TxHash)
}

// ownUnsettled returns the members bonded by bonder that are not yet settled, and the amount
// bonder has bonded across the whole root. Members with no recorded bonder are checked on
// chain: sync marks a bond without knowing who made it, and another instance may have bonded.
func (w *SettleWatcher) ownUnsettled(ctx context.Context, r state.TransferRoot, bonder common.Address) ([]common.Hash, *big.Int, error) {
	var (
		ids    []common.Hash
		amount = new(big.Int)
	)
	for _, id := range r.TransferIDs {
		t, err := w.deps.DB.Transfers.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		mine := t.WithdrawalBonded && t.WithdrawalBonder == bonder
		if !mine && t.WithdrawalBonder == (common.Address{}) {
			bonded, err := w.self.Bridge.BondedWithdrawalAmount(ctx, bonder, id)
			if err != nil {
				return nil, nil, err
			}
			mine = bonded.Sign() > 0
		}
		if !mine {
			continue
		}
		if t.Amount != nil {
			amount.Add(amount, t.Amount)
		}
		if !t.Settled {
			ids = append(ids, id)
		}
	}
	return ids, amount, nil
}

// finish marks the root done for this bonder and archives it.
func (w *SettleWatcher) finish(ctx context.Context, r state.TransferRoot, txHash common.Hash) error {
	patch := state.TransferRootPatch{AllSettled: state.Ptr(true)}
	if txHash != (common.Hash{}) {
		patch.SettleTxHash = state.Ptr(txHash)
	}
	if _, err := w.deps.DB.Roots.Update(ctx, state.WriterSettle, r.TransferRootID, patch); err != nil {
		return err
	}
	if w.archive == nil {
		return nil
	}
	wrote, err := w.archive.Put(ctx, blobstore.RootSnapshot{
		TransferRootID:     r.TransferRootID,
		TransferRootHash:   r.TransferRootHash,
		Token:              r.Token,
		SourceChainID:      r.SourceChainID,
		DestinationChainID: r.DestinationChainID,
		TotalAmount:        r.TotalAmount,
		TransferIDs:        r.TransferIDs,
		CommittedAt:        r.CommittedAt,
		SettleTxHash:       txHash,
	})
	if err != nil {
		// The root is settled; a missing snapshot is not worth a retry of the settlement.
		w.log.Warn("archive root failed", "transferRootId", r.TransferRootID, "err", err)
		return nil
	}
	if wrote {
		w.log.Debug("root archived", "transferRootId", r.TransferRootID)
	}
	return nil
}

// meetsShare reports whether part/total >= floor.
func meetsShare(part, total *big.Int, floor float64) bool {
	if floor <= 0 {
		return true
	}
	if total == nil || total.Sign() == 0 {
		return false
	}
	share := decimal.NewFromBigInt(part, 0).Div(decimal.NewFromBigInt(total, 0))
	return share.GreaterThanOrEqual(decimal.NewFromFloat(floor))
}

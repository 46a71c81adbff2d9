package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hop-exchange/bonder-node/internal/bridge"
	"github.com/hop-exchange/bonder-node/internal/bridgeabi"
	"github.com/hop-exchange/bonder-node/internal/finality"
	"github.com/hop-exchange/bonder-node/internal/metrics"
	"github.com/hop-exchange/bonder-node/internal/notify"
	"github.com/hop-exchange/bonder-node/internal/state"
)

// BondWithdrawalWatcher bonds transfers sent from its chain on their destination chains.
type BondWithdrawalWatcher struct {
	base
}

func NewBondWithdrawalWatcher(token string, self *Network, siblings Siblings, policy Policy, deps Deps) (*BondWithdrawalWatcher, error) {
	b, err := newBase(KindBondWithdrawal, token, self, siblings, policy, deps)
	if err != nil {
		return nil, err
	}
	w := &BondWithdrawalWatcher{base: b}
	w.poll = w.bondAll
	return w, nil
}

func (w *BondWithdrawalWatcher) bondAll(ctx context.Context) error {
	now := w.now()
	pending, err := w.deps.DB.Transfers.Filter(ctx, func(t state.Transfer) bool {
		return t.SourceChainID == w.self.ChainID && t.Token == w.token && state.IsUnbondedTransfer(t, now, w.policy.ResendAfter)
	})
	if err != nil {
		return err
	}
	metrics.PendingTransfers.WithLabelValues(w.self.Slug, w.token).Set(float64(len(pending)))
	sort.Slice(pending, func(i, j int) bool {
		return before(pending[i].SentBlockNumber, pending[i].SentLogIndex, pending[j].SentBlockNumber, pending[j].SentLogIndex)
	})
	return each(ctx, &w.base, pending, transferFields, w.bond)
}

// bond validates one transfer and bonds it on its destination. Validation failures never reach
// the submission queue.
func (w *BondWithdrawalWatcher) bond(ctx context.Context, t state.Transfer) error {
	if err := pastTier(ctx, w.self, t.SentBlockNumber, finality.TierSafe); err != nil {
		return err
	}
	dest, ok := w.siblings[t.DestinationChainID]
	if !ok || !w.policy.routeEnabled(t.SourceChainID, t.DestinationChainID) {
		return fmt.Errorf("%w: no enabled route to chain %d", ErrNotReady, t.DestinationChainID)
	}
	if err := w.Validate(ctx, t); err != nil {
		return err
	}
	if err := w.checkFee(t); err != nil {
		return w.backoff(ctx, t, err)
	}

	bonder := dest.Bridge.Bonder()
	bonded, err := dest.Bridge.BondedWithdrawalAmount(ctx, bonder, t.TransferID)
	if err != nil {
		return err
	}
	if bonded.Sign() > 0 {
		_, err := w.deps.DB.Transfers.Update(ctx, state.WriterBondWithdrawal, t.TransferID, state.TransferPatch{
			WithdrawalBonded: state.Ptr(true),
			WithdrawalBonder: state.Ptr(bonder),
		})
		return err
	}
	spent, err := dest.Bridge.IsTransferIDSpent(ctx, t.TransferID)
	if err != nil {
		return err
	}
	if spent {
		return w.backoff(ctx, t, fmt.Errorf("transfer %s already spent on %s", t.TransferID, dest.Slug))
	}

	avail, err := dest.Bridge.AvailableCredit(ctx, bonder)
	if err != nil {
		return err
	}
	if avail.Cmp(t.Amount) < 0 {
		return fmt.Errorf("%w: %s has %s available, transfer needs %s", ErrInsufficientCredit, dest.Slug, avail, t.Amount)
	}

	now := w.now()
	if _, err := w.deps.DB.Transfers.Update(ctx, state.WriterBondWithdrawal, t.TransferID, state.TransferPatch{
		SentBondWithdrawalAt: state.Ptr(now),
	}); err != nil {
		return err
	}
	w.log.Info("bonding withdrawal", "transferId", t.TransferID, "destination", dest.Slug, "amount", t.Amount, "bonderFee", t.BonderFee)
	receipt, err := dest.Bridge.BondWithdrawal(ctx, bridge.Withdrawal{
		Recipient:     t.Recipient,
		Amount:        t.Amount,
		TransferNonce: t.TransferNonce,
		BonderFee:     t.BonderFee,
		AmountOutMin:  t.AmountOutMin,
		Deadline:      t.Deadline,
	})
	if err != nil {
		if IsAbandoned(err) {
			return err
		}
		return w.backoff(ctx, t, err)
	}

	if _, err := w.deps.DB.Transfers.Update(ctx, state.WriterBondWithdrawal, t.TransferID, state.TransferPatch{
		WithdrawalBonded:   state.Ptr(true),
		WithdrawalBonder:   state.Ptr(bonder),
		WithdrawalBondedTx: state.Ptr(receipt.TxHash),
		BondBackoffIndex:   state.Ptr(0),
		BondTxError:        state.Ptr(""),
	}); err != nil {
		return err
	}
	w.log.Info("withdrawal bonded", "transferId", t.TransferID, "tx", receipt.TxHash)
	w.emit(ctx, notify.KindBondWithdrawal, map[string]string{
		"transferId":         t.TransferID.Hex(),
		"destinationChainId": fmt.Sprint(t.DestinationChainID),
		"amount":             amountString(t.Amount),
		"bonderFee":          amountString(t.BonderFee),
		"txHash":             receipt.TxHash.Hex(),
	})
	return nil
}

// backoff records a failed attempt and clears the outstanding marker so the transfer becomes
// eligible again once its backoff elapses. The failure itself is reported by the caller.
func (w *BondWithdrawalWatcher) backoff(ctx context.Context, t state.Transfer, cause error) error {
	_, err := w.deps.DB.Transfers.Update(ctx, state.WriterBondWithdrawal, t.TransferID, state.TransferPatch{
		SentBondWithdrawalAt: state.Ptr(time.Time{}),
		BondAttemptedAt:      state.Ptr(w.now()),
		BondBackoffIndex:     state.Ptr(t.BondBackoffIndex + 1),
		BondTxError:          state.Ptr(cause.Error()),
	})
	if err != nil {
		return fmt.Errorf("%v (record backoff: %w)", cause, err)
	}
	return fmt.Errorf("watcher: bond %s: %w", t.TransferID, cause)
}

// Validate re-derives everything the bond transaction will assert and compares it with what the
// chain emitted: the transfer id, the nonce index, the transfer's slot in its batch, and the send
// log as the source chain's canonical receipt holds it now.
func (w *BondWithdrawalWatcher) Validate(ctx context.Context, t state.Transfer) error {
	if err := validateTransfer(ctx, w.deps.DB, t); err != nil {
		return err
	}
	return checkSource(ctx, w.self.Bridge, t)
}

// checkSource re-reads the TransferSent log from its receipt. Sync ingests sends at the latest
// head, so a send that was reorged out or into another block must not be bonded from the record.
func checkSource(ctx context.Context, b Bridge, t state.Transfer) error {
	lg, err := b.ReceiptLog(ctx, t.SentTxHash, t.SentLogIndex)
	switch {
	case errors.Is(err, bridge.ErrTxNotFound), errors.Is(err, bridge.ErrLogNotFound):
		return fmt.Errorf("%w: %s: %v", ErrSourceNotCanonical, t.TransferID, err)
	case err != nil:
		return err
	}
	if lg.Removed || lg.BlockNumber != t.SentBlockNumber ||
		(t.SentBlockHash != (common.Hash{}) && lg.BlockHash != t.SentBlockHash) {
		return fmt.Errorf("%w: %s stored at block %d %s, receipt has %d %s",
			ErrSourceNotCanonical, t.TransferID, t.SentBlockNumber, t.SentBlockHash, lg.BlockNumber, lg.BlockHash)
	}

	ev, err := bridgeabi.DecodeLog(lg)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSourceMismatch, t.TransferID, err)
	}
	e, ok := ev.(*bridgeabi.TransferSent)
	if !ok {
		return fmt.Errorf("%w: %s: log %d of %s is not a TransferSent", ErrSourceMismatch, t.TransferID, t.SentLogIndex, t.SentTxHash)
	}
	if e.TransferId != t.TransferID ||
		!e.ChainId.IsUint64() || e.ChainId.Uint64() != t.DestinationChainID ||
		!e.Index.IsUint64() || e.Index.Uint64() != t.TransferSentIndex ||
		e.Recipient != t.Recipient || e.TransferNonce != t.TransferNonce ||
		!sameInt(e.Amount, t.Amount) || !sameInt(e.BonderFee, t.BonderFee) ||
		!sameInt(e.AmountOutMin, t.AmountOutMin) || !sameInt(e.Deadline, t.Deadline) {
		return fmt.Errorf("%w: %s differs from log %d of %s", ErrSourceMismatch, t.TransferID, t.SentLogIndex, t.SentTxHash)
	}
	return nil
}

func sameInt(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}

func validateTransfer(ctx context.Context, db *state.DB, t state.Transfer) error {
	id, err := bridgeabi.TransferID(bridgeabi.TransferFields{
		DestinationChainID: t.DestinationChainID,
		Recipient:          t.Recipient,
		Amount:             t.Amount,
		TransferNonce:      t.TransferNonce,
		BonderFee:          t.BonderFee,
		AmountOutMin:       t.AmountOutMin,
		Deadline:           t.Deadline,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransferIDMismatch, t.TransferID, err)
	}
	if id != t.TransferID {
		return fmt.Errorf("%w: stored %s, fields hash to %s", ErrTransferIDMismatch, t.TransferID, id)
	}

	owner, ok, err := db.Transfers.NonceOwner(ctx, t.SourceChainID, t.Token, t.TransferNonce)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: nonce %s of %s is not indexed", ErrNonceCollision, t.TransferNonce, t.TransferID)
	}
	if owner != t.TransferID {
		return fmt.Errorf("%w: nonce %s belongs to %s, not %s", ErrNonceCollision, t.TransferNonce, owner, t.TransferID)
	}

	return checkIndex(ctx, db, t)
}

// checkIndex confirms the transfer sits at its emitted index: inside its root's member list when
// the root is known, otherwise in the pending run of sends to the same destination.
func checkIndex(ctx context.Context, db *state.DB, t state.Transfer) error {
	if t.HasRoot() {
		root, err := db.Roots.Get(ctx, t.TransferRootID)
		if err != nil {
			return fmt.Errorf("%w: root %s of %s: %v", ErrIndexMismatch, t.TransferRootID, t.TransferID, err)
		}
		if len(root.TransferIDs) == 0 {
			return nil
		}
		i := t.TransferSentIndex
		if i >= uint64(len(root.TransferIDs)) || root.TransferIDs[i] != t.TransferID {
			return fmt.Errorf("%w: %s is not member %d of root %s", ErrIndexMismatch, t.TransferID, i, t.TransferRootID)
		}
		return nil
	}

	batch, err := db.Transfers.Filter(ctx, func(o state.Transfer) bool {
		return o.Observed() && !o.HasRoot() &&
			o.Token == t.Token &&
			o.SourceChainID == t.SourceChainID &&
			o.DestinationChainID == t.DestinationChainID &&
			!before(t.SentBlockNumber, t.SentLogIndex, o.SentBlockNumber, o.SentLogIndex)
	})
	if err != nil {
		return err
	}
	sort.Slice(batch, func(i, j int) bool {
		return before(batch[i].SentBlockNumber, batch[i].SentLogIndex, batch[j].SentBlockNumber, batch[j].SentLogIndex)
	})
	run, err := lastBatch(batch)
	if errors.Is(err, errNoBatchStart) && truncatedRun(batch) {
		// The batch began before sync's start block; its earlier members were never ingested.
		return fmt.Errorf("%w: %s at index %d", ErrBatchUnverifiable, t.TransferID, t.TransferSentIndex)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIndexMismatch, t.TransferID, err)
	}
	if last := run[len(run)-1]; last.TransferID != t.TransferID {
		return fmt.Errorf("%w: %s is not at the end of its pending run", ErrIndexMismatch, t.TransferID)
	}
	return nil
}

// checkFee applies the bonder fee floor. Transfers sent from the hub are delivered by the
// canonical messenger and carry no bonder fee requirement.
func (w *BondWithdrawalWatcher) checkFee(t state.Transfer) error {
	hub, _ := w.siblings.Hub()
	var hubID uint64
	if hub != nil {
		hubID = hub.ChainID
	}
	floor, required := RequiredBonderFee(t.SourceChainID, hubID, t.Amount, w.policy.MinBonderFee[t.SourceChainID], w.policy.MinBonderFeeBps)
	if !required {
		return nil
	}
	if t.BonderFee == nil || t.BonderFee.Cmp(floor) < 0 {
		return fmt.Errorf("%w: fee %s below minimum %s", ErrFeeTooLow, amountString(t.BonderFee), floor)
	}
	return nil
}

// RequiredBonderFee returns the minimum bonder fee for a transfer and whether one applies at
// all. Hub-sourced transfers report false. Otherwise the floor is the larger of the absolute
// minimum and bps of the amount, and never below one base unit.
func RequiredBonderFee(sourceChainID, hubChainID uint64, amount, absMin *big.Int, bps int64) (*big.Int, bool) {
	if sourceChainID == hubChainID {
		return nil, false
	}
	floor := newInt(1)
	if absMin != nil && absMin.Cmp(floor) > 0 {
		floor.Set(absMin)
	}
	if amount != nil && bps > 0 {
		pct := new(big.Int).Mul(amount, big.NewInt(bps))
		pct.Quo(pct, big.NewInt(10_000))
		if pct.Cmp(floor) > 0 {
			floor = pct
		}
	}
	return floor, true
}

func newInt(v int64) *big.Int { return big.NewInt(v) }

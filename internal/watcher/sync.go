package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/golang/groupcache/lru"

	"github.com/hop-exchange/bonder-node/internal/bridgeabi"
	"github.com/hop-exchange/bonder-node/internal/merkle"
	"github.com/hop-exchange/bonder-node/internal/metrics"
	"github.com/hop-exchange/bonder-node/internal/state"
)

// seenLogs bounds the processed-log cache. Re-processing is harmless since every write is an
// idempotent merge; the cache only saves work on the reorg lookback re-scan.
const seenLogs = 20_000

// SyncWatcher ingests one chain's bridge events for one token into the state store. It is the
// only writer of observed facts and never submits transactions.
type SyncWatcher struct {
	base
	seen *lru.Cache
}

func NewSyncWatcher(token string, self *Network, siblings Siblings, policy Policy, deps Deps) (*SyncWatcher, error) {
	b, err := newBase(KindSync, token, self, siblings, policy, deps)
	if err != nil {
		return nil, err
	}
	if self.MaxLogRange == 0 {
		return nil, fmt.Errorf("%w: %s max log range must be > 0", ErrInvalidConfig, self.Slug)
	}
	w := &SyncWatcher{base: b, seen: lru.New(seenLogs)}
	w.poll = w.sync
	return w, nil
}

// sync reads logs from the stored cursor to the latest head in chunks, re-scanning the reorg
// lookback window each cycle. The cursor advances after each chunk is fully applied.
func (w *SyncWatcher) sync(ctx context.Context) error {
	head, err := w.self.Finality.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("watcher: %s head: %w", w.self.Slug, err)
	}
	key := state.CursorKey(w.self.Slug, w.token)
	cursor, ok, err := w.deps.DB.Sync.Cursor(ctx, key)
	if err != nil {
		return err
	}

	from := w.self.StartBlock
	if ok {
		from = cursor + 1
		if lb := w.self.ReorgLookback; lb > 0 {
			if cursor+1 > lb {
				from = cursor + 1 - lb
			} else {
				from = 0
			}
			if from < w.self.StartBlock {
				from = w.self.StartBlock
			}
		}
	} else if from == 0 {
		from = head
	}
	if from > head {
		return nil
	}

	for start := from; start <= head; {
		if w.stopped.Load() || ctx.Err() != nil {
			return nil
		}
		end := start + w.self.MaxLogRange - 1
		if end > head {
			end = head
		}
		logs, err := w.self.Bridge.Logs(ctx, start, end)
		if err != nil {
			return err
		}
		if err := w.apply(ctx, logs); err != nil {
			return err
		}
		if !ok || end > cursor {
			if err := w.deps.DB.Sync.SetCursor(ctx, key, end, w.now()); err != nil {
				return err
			}
		}
		metrics.LastSyncedBlock.WithLabelValues(w.self.Slug, w.token).Set(float64(end))
		start = end + 1
	}
	return nil
}

func (w *SyncWatcher) apply(ctx context.Context, logs []types.Log) error {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		id := fmt.Sprintf("%s:%d:%s", lg.TxHash.Hex(), lg.Index, lg.BlockHash.Hex())
		if _, hit := w.seen.Get(id); hit {
			continue
		}
		ev, err := bridgeabi.DecodeLog(lg)
		if err != nil {
			w.log.Warn("skipping undecodable log", "tx", lg.TxHash, "index", lg.Index, "err", err)
			continue
		}
		name, _ := bridgeabi.EventName(lg)
		if err := w.handleEvent(ctx, ev); err != nil {
			if IsIntegrity(err) {
				w.refuse(ctx, err, map[string]string{"event": name, "tx": lg.TxHash.Hex()})
			} else {
				return fmt.Errorf("watcher: apply %s in %s: %w", name, lg.TxHash, err)
			}
		}
		metrics.EventsSynced.WithLabelValues(w.self.Slug, name).Inc()
		w.seen.Add(id, struct{}{})
	}
	return nil
}

func (w *SyncWatcher) handleEvent(ctx context.Context, ev any) error {
	switch e := ev.(type) {
	case *bridgeabi.TransferSent:
		return w.onTransferSent(ctx, e)
	case *bridgeabi.TransfersCommitted:
		return w.onTransfersCommitted(ctx, e)
	case *bridgeabi.WithdrawalBonded:
		return w.onWithdrawalBonded(ctx, e)
	case *bridgeabi.WithdrawalBondSettled:
		return w.onWithdrawalBondSettled(ctx, e)
	case *bridgeabi.MultipleWithdrawalsSettled:
		return w.onMultipleWithdrawalsSettled(ctx, e)
	case *bridgeabi.TransferRootBonded:
		return w.onTransferRootBonded(ctx, e)
	case *bridgeabi.TransferRootConfirmed:
		return w.onTransferRootConfirmed(ctx, e)
	case *bridgeabi.TransferRootSet:
		return w.onTransferRootSet(ctx, e)
	case *bridgeabi.TransferBondChallenged:
		_, err := w.deps.DB.Roots.Update(ctx, state.WriterSync, e.TransferRootId, state.TransferRootPatch{
			Challenged: state.Ptr(true),
		})
		return err
	case *bridgeabi.ChallengeResolved:
		_, err := w.deps.DB.Roots.Update(ctx, state.WriterSync, e.TransferRootId, state.TransferRootPatch{
			ChallengeResolved: state.Ptr(true),
		})
		return err
	default:
		return nil
	}
}

func (w *SyncWatcher) onTransferSent(ctx context.Context, e *bridgeabi.TransferSent) error {
	if !e.ChainId.IsUint64() || !e.Index.IsUint64() {
		return fmt.Errorf("%w: transfer %s has out-of-range chain id or index", ErrTransferIDMismatch, e.TransferId)
	}
	ts, err := w.self.Bridge.BlockTime(ctx, e.Raw.BlockNumber)
	if err != nil {
		return err
	}
	dest := e.ChainId.Uint64()
	_, known := w.siblings[dest]
	bondable := !w.self.Hub && known && w.policy.routeEnabled(w.self.ChainID, dest)

	_, err = w.deps.DB.Transfers.Update(ctx, state.WriterSync, e.TransferId, state.TransferPatch{
		TransferID:         state.Ptr(e.TransferId),
		Token:              state.Ptr(w.token),
		SourceChainID:      state.Ptr(w.self.ChainID),
		DestinationChainID: state.Ptr(dest),
		Recipient:          state.Ptr(e.Recipient),
		Amount:             e.Amount,
		BonderFee:          e.BonderFee,
		AmountOutMin:       e.AmountOutMin,
		Deadline:           e.Deadline,
		TransferNonce:      state.Ptr(e.TransferNonce),
		TransferSentIndex:  state.Ptr(e.Index.Uint64()),
		SentTxHash:         state.Ptr(e.Raw.TxHash),
		SentBlockNumber:    state.Ptr(e.Raw.BlockNumber),
		SentBlockHash:      state.Ptr(e.Raw.BlockHash),
		SentLogIndex:       state.Ptr(e.Raw.Index),
		SentTimestamp:      state.Ptr(ts),
		IsBondable:         state.Ptr(bondable),
	})
	return err
}

func (w *SyncWatcher) onTransfersCommitted(ctx context.Context, e *bridgeabi.TransfersCommitted) error {
	if !e.DestinationChainId.IsUint64() || !e.RootCommittedAt.IsInt64() {
		return fmt.Errorf("%w: commit %s has out-of-range fields", ErrRootMismatch, e.RootHash)
	}
	rootID, err := bridgeabi.TransferRootID(e.RootHash, e.TotalAmount)
	if err != nil {
		return err
	}
	dest := e.DestinationChainId.Uint64()
	root, err := w.deps.DB.Roots.Update(ctx, state.WriterSync, rootID, state.TransferRootPatch{
		TransferRootID:     state.Ptr(rootID),
		TransferRootHash:   state.Ptr(e.RootHash),
		Token:              state.Ptr(w.token),
		SourceChainID:      state.Ptr(w.self.ChainID),
		DestinationChainID: state.Ptr(dest),
		TotalAmount:        e.TotalAmount,
		Committed:          state.Ptr(true),
		CommittedAt:        state.Ptr(e.RootCommittedAt.Int64()),
		CommitTxHash:       state.Ptr(e.Raw.TxHash),
		CommitBlockNumber:  state.Ptr(e.Raw.BlockNumber),
		CommitLogIndex:     state.Ptr(e.Raw.Index),
	})
	if err != nil {
		return err
	}
	if len(root.TransferIDs) > 0 {
		return nil
	}
	return w.resolveMembers(ctx, root)
}

// resolveMembers finds a committed root's transfers: the stored, unassigned sends from this
// chain to the root's destination that precede the commit, whose indices run 0..n-1 up to it.
// They are accepted only if they rebuild the committed hash.
func (w *SyncWatcher) resolveMembers(ctx context.Context, root state.TransferRoot) error {
	candidates, err := w.deps.DB.Transfers.Filter(ctx, func(t state.Transfer) bool {
		return t.Observed() && !t.HasRoot() &&
			t.Token == root.Token &&
			t.SourceChainID == root.SourceChainID &&
			t.DestinationChainID == root.DestinationChainID &&
			before(t.SentBlockNumber, t.SentLogIndex, root.CommitBlockNumber, root.CommitLogIndex)
	})
	if err != nil {
		return err
	}
	sort.Slice(candidates, func(i, j int) bool {
		return before(candidates[i].SentBlockNumber, candidates[i].SentLogIndex, candidates[j].SentBlockNumber, candidates[j].SentLogIndex)
	})
	members, err := lastBatch(candidates)
	if errors.Is(err, errNoBatchStart) && truncatedRun(candidates) {
		w.log.Warn("root members predate the sync start block", "transferRootId", root.TransferRootID, "known", len(candidates))
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: root %s: %v", ErrRootMismatch, root.TransferRootHash, err)
	}

	ids := make([]common.Hash, len(members))
	total := newInt(0)
	for i, t := range members {
		ids[i] = t.TransferID
		total.Add(total, t.Amount)
	}
	got, err := merkle.Root(ids)
	if err != nil {
		return fmt.Errorf("%w: root %s: %v", ErrRootMismatch, root.TransferRootHash, err)
	}
	if got != root.TransferRootHash {
		return fmt.Errorf("%w: root %s rebuilt as %s from %d transfers", ErrRootMismatch, root.TransferRootHash, got, len(ids))
	}
	if root.TotalAmount == nil || total.Cmp(root.TotalAmount) != 0 {
		return fmt.Errorf("%w: root %s total %s, members sum to %s", ErrRootMismatch, root.TransferRootHash, amountString(root.TotalAmount), total)
	}

	for _, id := range ids {
		if _, err := w.deps.DB.Transfers.Update(ctx, state.WriterSync, id, state.TransferPatch{
			TransferRootHash: state.Ptr(root.TransferRootHash),
			TransferRootID:   state.Ptr(root.TransferRootID),
		}); err != nil {
			return err
		}
	}
	_, err = w.deps.DB.Roots.Update(ctx, state.WriterSync, root.TransferRootID, state.TransferRootPatch{TransferIDs: ids})
	if err == nil {
		w.log.Info("transfer root resolved", "transferRootId", root.TransferRootID, "transfers", len(ids))
	}
	return err
}

var errNoBatchStart = errors.New("no transfer with index 0")

// lastBatch returns the trailing run of transfers whose indices count up from zero.
func lastBatch(sorted []state.Transfer) ([]state.Transfer, error) {
	start := -1
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].TransferSentIndex == 0 {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, errNoBatchStart
	}
	batch := sorted[start:]
	for i, t := range batch {
		if t.TransferSentIndex != uint64(i) {
			return nil, fmt.Errorf("transfer %s has index %d at position %d", t.TransferID, t.TransferSentIndex, i)
		}
	}
	return batch, nil
}

// truncatedRun reports whether sorted has no index 0 but otherwise counts up without gaps, as
// when sync started in the middle of a batch.
func truncatedRun(sorted []state.Transfer) bool {
	if len(sorted) == 0 || sorted[0].TransferSentIndex == 0 {
		return false
	}
	first := sorted[0].TransferSentIndex
	for i, t := range sorted {
		if t.TransferSentIndex != first+uint64(i) {
			return false
		}
	}
	return true
}

// onWithdrawalBonded marks a transfer bonded. The event does not name the bonder, so the bond is
// attributed to us only when our on-chain bonded amount for it is non-zero.
func (w *SyncWatcher) onWithdrawalBonded(ctx context.Context, e *bridgeabi.WithdrawalBonded) error {
	p := state.TransferPatch{
		WithdrawalBonded:   state.Ptr(true),
		WithdrawalBondedTx: state.Ptr(e.Raw.TxHash),
	}
	if bonder := w.self.Bridge.Bonder(); bonder != (common.Address{}) {
		amount, err := w.self.Bridge.BondedWithdrawalAmount(ctx, bonder, e.TransferId)
		switch {
		case err != nil:
			w.log.Warn("bonded amount lookup failed", "transferId", e.TransferId, "err", err)
		case amount.Sign() > 0:
			p.WithdrawalBonder = state.Ptr(bonder)
		}
	}
	_, err := w.deps.DB.Transfers.Update(ctx, state.WriterSync, e.TransferId, p)
	return err
}

// onWithdrawalBondSettled marks one transfer settled. The root is looked up by hash so the
// settlement precondition can be checked even when the source chain has not assigned it yet.
func (w *SyncWatcher) onWithdrawalBondSettled(ctx context.Context, e *bridgeabi.WithdrawalBondSettled) error {
	p := state.TransferPatch{Settled: state.Ptr(true)}
	if root, err := w.deps.DB.Roots.GetByHash(ctx, e.RootHash); err == nil {
		p.TransferRootHash = state.Ptr(root.TransferRootHash)
		p.TransferRootID = state.Ptr(root.TransferRootID)
	}
	_, err := w.deps.DB.Transfers.Update(ctx, state.WriterSync, e.TransferId, p)
	return err
}

func (w *SyncWatcher) onMultipleWithdrawalsSettled(ctx context.Context, e *bridgeabi.MultipleWithdrawalsSettled) error {
	root, err := w.deps.DB.Roots.GetByHash(ctx, e.RootHash)
	if err != nil {
		w.log.Debug("settled root not tracked", "transferRootHash", e.RootHash)
		return nil
	}
	for _, id := range root.TransferIDs {
		t, err := w.deps.DB.Transfers.Get(ctx, id)
		if err != nil || t.Settled || t.WithdrawalBonder != e.Bonder {
			continue
		}
		if _, err := w.deps.DB.Transfers.Update(ctx, state.WriterSync, id, state.TransferPatch{Settled: state.Ptr(true)}); err != nil {
			return err
		}
	}
	return nil
}

// onTransferRootBonded records a hub bond. The event only carries the root id, so the root hash
// and destination come from the bond transaction's calldata.
func (w *SyncWatcher) onTransferRootBonded(ctx context.Context, e *bridgeabi.TransferRootBonded) error {
	call, err := w.self.Bridge.BondTransferRootCall(ctx, e.Raw.TxHash)
	if err != nil {
		return err
	}
	if id, err := bridgeabi.TransferRootID(call.RootHash, call.TotalAmount); err != nil || id != e.Root {
		return fmt.Errorf("%w: bond tx %s calldata does not match root id %s", ErrRootMismatch, e.Raw.TxHash, e.Root)
	}
	ts, err := w.self.Bridge.BlockTime(ctx, e.Raw.BlockNumber)
	if err != nil {
		return err
	}
	_, err = w.deps.DB.Roots.Update(ctx, state.WriterSync, e.Root, state.TransferRootPatch{
		TransferRootID:     state.Ptr(e.Root),
		TransferRootHash:   state.Ptr(call.RootHash),
		Token:              state.Ptr(w.token),
		DestinationChainID: state.Ptr(call.DestinationChainID),
		TotalAmount:        call.TotalAmount,
		Bonded:             state.Ptr(true),
		BondedAt:           state.Ptr(ts),
		BondTxHash:         state.Ptr(e.Raw.TxHash),
		BondBlockNumber:    state.Ptr(e.Raw.BlockNumber),
	})
	return err
}

func (w *SyncWatcher) onTransferRootConfirmed(ctx context.Context, e *bridgeabi.TransferRootConfirmed) error {
	rootID, err := bridgeabi.TransferRootID(e.RootHash, e.TotalAmount)
	if err != nil {
		return err
	}
	ts, err := w.self.Bridge.BlockTime(ctx, e.Raw.BlockNumber)
	if err != nil {
		return err
	}
	_, err = w.deps.DB.Roots.Update(ctx, state.WriterSync, rootID, state.TransferRootPatch{
		TransferRootID:   state.Ptr(rootID),
		TransferRootHash: state.Ptr(e.RootHash),
		TotalAmount:      e.TotalAmount,
		Confirmed:        state.Ptr(true),
		ConfirmedAt:      state.Ptr(ts),
		ConfirmTxHash:    state.Ptr(e.Raw.TxHash),
	})
	return err
}

// onTransferRootSet records the root arriving on this destination chain. A root can only be set
// after the hub confirmed it, so it is marked confirmed too.
func (w *SyncWatcher) onTransferRootSet(ctx context.Context, e *bridgeabi.TransferRootSet) error {
	rootID, err := bridgeabi.TransferRootID(e.RootHash, e.TotalAmount)
	if err != nil {
		return err
	}
	sets := map[string]common.Hash{}
	if existing, err := w.deps.DB.Roots.Get(ctx, rootID); err == nil {
		for k, v := range existing.RootSetTxHashes {
			sets[k] = v
		}
	}
	sets[w.self.Slug] = e.Raw.TxHash
	_, err = w.deps.DB.Roots.Update(ctx, state.WriterSync, rootID, state.TransferRootPatch{
		TransferRootID:   state.Ptr(rootID),
		TransferRootHash: state.Ptr(e.RootHash),
		TotalAmount:      e.TotalAmount,
		Confirmed:        state.Ptr(true),
		RootSetTxHashes:  sets,
	})
	return err
}

// before orders log positions.
func before(block uint64, index uint, otherBlock uint64, otherIndex uint) bool {
	if block != otherBlock {
		return block < otherBlock
	}
	return index < otherIndex
}

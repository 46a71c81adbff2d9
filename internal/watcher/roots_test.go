package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hop-exchange/bonder-node/internal/blobstore"
	"github.com/hop-exchange/bonder-node/internal/bridgeabi"
	"github.com/hop-exchange/bonder-node/internal/finality"
	"github.com/hop-exchange/bonder-node/internal/merkle"
	"github.com/hop-exchange/bonder-node/internal/notify"
	"github.com/hop-exchange/bonder-node/internal/state"
	"github.com/hop-exchange/bonder-node/internal/txqueue"
)

var rootBatch = []sent{
	{dest: arbID, amount: 100_000, fee: 2_000, nonce: 1, index: 0, block: 100},
	{dest: arbID, amount: 200_000, fee: 2_000, nonce: 2, index: 1, block: 101},
	{dest: arbID, amount: 300_000, fee: 2_000, nonce: 3, index: 2, block: 102},
}

// storeRoot writes rootBatch from optimism to arbitrum and its committed root, as sync would.
// A non-zero hash overrides the root hash the members build.
func (e *testEnv) storeRoot(t *testing.T, hash common.Hash, committedAt time.Time) state.TransferRoot {
	t.Helper()
	ctx := context.Background()

	ids := make([]common.Hash, len(rootBatch))
	total := new(big.Int)
	for i, s := range rootBatch {
		ids[i] = transferIDOf(t, s)
		total.Add(total, big.NewInt(s.amount))
		e.storeSent(t, opID, ids[i], s)
	}
	if hash == (common.Hash{}) {
		var err error
		if hash, err = merkle.Root(ids); err != nil {
			t.Fatalf("merkle.Root: %v", err)
		}
	}
	rootID, err := bridgeabi.TransferRootID(hash, total)
	if err != nil {
		t.Fatalf("TransferRootID: %v", err)
	}
	for _, id := range ids {
		if _, err := e.db.Transfers.Update(ctx, state.WriterSync, id, state.TransferPatch{
			TransferRootHash: state.Ptr(hash),
			TransferRootID:   state.Ptr(rootID),
		}); err != nil {
			t.Fatalf("assign root: %v", err)
		}
	}
	r, err := e.db.Roots.Update(ctx, state.WriterSync, rootID, state.TransferRootPatch{
		TransferRootID:     state.Ptr(rootID),
		TransferRootHash:   state.Ptr(hash),
		Token:              state.Ptr("USDC"),
		SourceChainID:      state.Ptr(opID),
		DestinationChainID: state.Ptr(arbID),
		TotalAmount:        total,
		TransferIDs:        ids,
		Committed:          state.Ptr(true),
		CommittedAt:        state.Ptr(committedAt.Unix()),
		CommitTxHash:       state.Ptr(common.HexToHash("0xc0")),
		CommitBlockNumber:  state.Ptr(uint64(103)),
	})
	if err != nil {
		t.Fatalf("store root: %v", err)
	}
	return r
}

func (e *testEnv) markRoot(t *testing.T, w state.Writer, id common.Hash, p state.TransferRootPatch) state.TransferRoot {
	t.Helper()
	r, err := e.db.Roots.Update(context.Background(), w, id, p)
	if err != nil {
		t.Fatalf("update root: %v", err)
	}
	return r
}

func TestCommitTransfers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("threshold", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		op := e.bridges[opID]
		op.pending[arbID] = big.NewInt(20_000_000)
		op.pending[hubID] = big.NewInt(5)
		op.lastCommit[hubID] = big.NewInt(testNow.Add(-time.Hour).Unix())

		w, err := NewCommitTransfersWatcher("USDC", e.siblings[opID], e.siblings, e.policy, e.deps)
		if err != nil {
			t.Fatalf("NewCommitTransfersWatcher: %v", err)
		}
		if err := w.Poll(ctx); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if len(op.commits) != 1 || op.commits[0] != arbID {
			t.Fatalf("commits: %v", op.commits)
		}
		last, ok, err := e.db.Sync.LastCommit(ctx, "USDC", opID, arbID)
		if err != nil || !ok || last.TxHash == (common.Hash{}) {
			t.Fatalf("last commit: %+v %v %v", last, ok, err)
		}

		// The recorded attempt holds off a second commit inside the resend window.
		if err := w.Poll(ctx); err != nil {
			t.Fatalf("Poll #2: %v", err)
		}
		if len(op.commits) != 1 {
			t.Fatalf("committed twice: %v", op.commits)
		}
	})

	t.Run("interval", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		op := e.bridges[opID]
		op.pending[hubID] = big.NewInt(5)
		op.lastCommit[hubID] = big.NewInt(testNow.Add(-7 * time.Hour).Unix())

		w, err := NewCommitTransfersWatcher("USDC", e.siblings[opID], e.siblings, e.policy, e.deps)
		if err != nil {
			t.Fatalf("NewCommitTransfersWatcher: %v", err)
		}
		if err := w.Poll(ctx); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if len(op.commits) != 1 || op.commits[0] != hubID {
			t.Fatalf("commits: %v", op.commits)
		}
	})

	t.Run("hub rejected", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		if _, err := NewCommitTransfersWatcher("USDC", e.siblings[hubID], e.siblings, e.policy, e.deps); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("expected ErrInvalidConfig, got %v", err)
		}
	})
}

func newBondRoot(t *testing.T, e *testEnv) *BondTransferRootWatcher {
	t.Helper()
	w, err := NewBondTransferRootWatcher("USDC", e.siblings[opID], e.siblings, e.policy, e.deps)
	if err != nil {
		t.Fatalf("NewBondTransferRootWatcher: %v", err)
	}
	return w
}

func TestBondTransferRoot_BondsVerifiedRoot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEnv(t)
	r := e.storeRoot(t, common.Hash{}, testNow.Add(-30*time.Minute))

	if err := newBondRoot(t, e).Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	hub := e.bridges[hubID]
	if len(hub.rootBonds) != 1 || hub.rootBonds[0] != r.TransferRootHash {
		t.Fatalf("root bonds: %v", hub.rootBonds)
	}
	got, err := e.db.Roots.Get(ctx, r.TransferRootID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Bonded || got.BondAttemptTxHash == (common.Hash{}) || got.SentBondTxAt.IsZero() {
		t.Fatalf("root: %+v", got)
	}
	if !e.notifier.has(notify.KindBondTransferRoot) {
		t.Fatalf("events: %v", e.notifier.kinds())
	}
}

func TestBondTransferRoot_RefusesMerkleMismatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEnv(t)
	r := e.storeRoot(t, common.HexToHash("0xdeadbeef"), testNow.Add(-30*time.Minute))

	if err := newBondRoot(t, e).Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n := len(e.bridges[hubID].rootBonds); n != 0 {
		t.Fatalf("bonded a mismatched root: %d", n)
	}
	if !e.notifier.has(notify.KindError) {
		t.Fatalf("no alert: %v", e.notifier.kinds())
	}
	got, _ := e.db.Roots.Get(ctx, r.TransferRootID)
	if got.Bonded || !got.SentBondTxAt.IsZero() {
		t.Fatalf("mismatched root touched: %+v", got)
	}
}

func TestBondTransferRoot_Waits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("bond delay", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		e.storeRoot(t, common.Hash{}, testNow.Add(-5*time.Minute))
		if err := newBondRoot(t, e).Poll(ctx); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if n := len(e.bridges[hubID].rootBonds); n != 0 {
			t.Fatalf("bonded inside the delay: %d", n)
		}
	})

	t.Run("hub credit", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		e.bridges[hubID].credit = big.NewInt(1)
		e.storeRoot(t, common.Hash{}, testNow.Add(-30*time.Minute))
		if err := newBondRoot(t, e).Poll(ctx); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if n := len(e.bridges[hubID].rootBonds); n != 0 {
			t.Fatalf("bonded without credit: %d", n)
		}
	})

	t.Run("already bonded on hub", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		r := e.storeRoot(t, common.Hash{}, testNow.Add(-30*time.Minute))
		e.bridges[hubID].bonds[r.TransferRootID] = bridgeabi.TransferBond{CreatedAt: big.NewInt(testNow.Unix())}
		if err := newBondRoot(t, e).Poll(ctx); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		got, _ := e.db.Roots.Get(ctx, r.TransferRootID)
		if len(e.bridges[hubID].rootBonds) != 0 || !got.Bonded {
			t.Fatalf("root: %+v", got)
		}
	})
}

func TestHubRelayer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEnv(t)
	r := e.storeRoot(t, common.Hash{}, testNow.Add(-2*time.Hour))
	hub := e.bridges[hubID]
	relayer := &HubRelayer{
		Source:     e.siblings[opID],
		Hub:        e.siblings[hubID],
		ExitWindow: time.Hour,
		Now:        func() time.Time { return testNow },
	}

	txHash, err := relayer.Relay(ctx, r)
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if txHash == (common.Hash{}) || len(hub.submits) != 1 {
		t.Fatalf("submits: %v", hub.submits)
	}
	if c := hub.submits[0]; c.kind != bridgeabi.MethodConfirmTransferRoot || c.to != hub.address {
		t.Fatalf("submit: %+v", c)
	}
	if name, err := bridgeabi.MethodName(hub.submits[0].data); err != nil || name != bridgeabi.MethodConfirmTransferRoot {
		t.Fatalf("calldata method: %q %v", name, err)
	}

	messenger := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	relayer.Messenger = messenger
	if _, err := relayer.Relay(ctx, r); err != nil {
		t.Fatalf("Relay via messenger: %v", err)
	}
	if hub.submits[1].to != messenger {
		t.Fatalf("messenger not used: %+v", hub.submits[1])
	}

	relayer.ExitWindow = 3 * time.Hour
	if _, err := relayer.Relay(ctx, r); !errors.Is(err, ErrInChallengeWindow) || !IsNotReady(err) {
		t.Fatalf("exit window: got %v", err)
	}

	relayer.ExitWindow = time.Hour
	hub.sendErr = errors.New("execution reverted: message not yet provable")
	if _, err := relayer.Relay(ctx, r); !errors.Is(err, ErrProofNotFound) {
		t.Fatalf("revert: got %v", err)
	}

	hub.committedAt[r.TransferRootID] = big.NewInt(testNow.Unix())
	if _, err := relayer.Relay(ctx, r); !errors.Is(err, ErrAlreadyRelayed) {
		t.Fatalf("already committed: got %v", err)
	}
}

type fakeRelayer struct {
	calls   int
	hash    common.Hash
	err     error
	onRelay func()
}

func (f *fakeRelayer) Relay(context.Context, state.TransferRoot) (common.Hash, error) {
	f.calls++
	if f.onRelay != nil {
		f.onRelay()
	}
	return f.hash, f.err
}

func TestConfirmRoots(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cases := []struct {
		name      string
		finalized uint64
		relayErr  error
		wantCalls int
		wantSent  bool
		wantHash  bool
	}{
		{name: "relayed", finalized: 1_000, wantCalls: 1, wantSent: true, wantHash: true},
		{name: "already relayed", finalized: 1_000, relayErr: ErrAlreadyRelayed, wantCalls: 1, wantSent: true},
		{name: "not checkpointed", finalized: 1_000, relayErr: ErrNotCheckpointed, wantCalls: 1},
		{name: "commit not final", finalized: 50, wantCalls: 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newTestEnv(t)
			e.finality[opID].tiers[finality.TierFinalized] = tc.finalized
			r := e.storeRoot(t, common.Hash{}, testNow.Add(-2*time.Hour))
			e.markRoot(t, state.WriterBondTransferRoot, r.TransferRootID, state.TransferRootPatch{Bonded: state.Ptr(true)})

			relayer := &fakeRelayer{hash: common.HexToHash("0xc4"), err: tc.relayErr}
			w, err := NewConfirmRootsWatcher("USDC", e.siblings[opID], e.siblings, e.policy, e.deps, relayer)
			if err != nil {
				t.Fatalf("NewConfirmRootsWatcher: %v", err)
			}
			if err := w.Poll(ctx); err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if relayer.calls != tc.wantCalls {
				t.Fatalf("relay calls: got %d want %d", relayer.calls, tc.wantCalls)
			}
			got, _ := e.db.Roots.Get(ctx, r.TransferRootID)
			if !got.SentConfirmTxAt.IsZero() != tc.wantSent {
				t.Fatalf("sentConfirmTxAt: %v", got.SentConfirmTxAt)
			}
			if (got.ConfirmRelayTxHash != common.Hash{}) != tc.wantHash {
				t.Fatalf("confirmRelayTxHash: %v", got.ConfirmRelayTxHash)
			}
		})
	}
}

func TestFailedAttemptBookkeepingIsReported(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("bond root revert", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		e.storeRoot(t, common.Hash{}, testNow.Add(-30*time.Minute))
		hub := e.bridges[hubID]
		hub.sendErr = errors.New("execution reverted")
		hub.onSend = func() { e.store.failWrites.Store(true) }

		if err := newBondRoot(t, e).Poll(ctx); !errors.Is(err, errStoreDown) {
			t.Fatalf("Poll: got %v", err)
		}
	})

	t.Run("commit revert", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		op := e.bridges[opID]
		op.pending[arbID] = big.NewInt(20_000_000)
		op.sendErr = errors.New("execution reverted")
		op.onSend = func() { e.store.failWrites.Store(true) }

		w, err := NewCommitTransfersWatcher("USDC", e.siblings[opID], e.siblings, e.policy, e.deps)
		if err != nil {
			t.Fatalf("NewCommitTransfersWatcher: %v", err)
		}
		if err := w.Poll(ctx); !errors.Is(err, errStoreDown) {
			t.Fatalf("Poll: got %v", err)
		}
	})

	t.Run("confirm abandoned", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		r := e.storeRoot(t, common.Hash{}, testNow.Add(-2*time.Hour))
		e.markRoot(t, state.WriterBondTransferRoot, r.TransferRootID, state.TransferRootPatch{Bonded: state.Ptr(true)})
		relayer := &fakeRelayer{
			err:     fmt.Errorf("%w: relay tx", txqueue.ErrAbandoned),
			onRelay: func() { e.store.failWrites.Store(true) },
		}
		w, err := NewConfirmRootsWatcher("USDC", e.siblings[opID], e.siblings, e.policy, e.deps, relayer)
		if err != nil {
			t.Fatalf("NewConfirmRootsWatcher: %v", err)
		}
		if err := w.Poll(ctx); !errors.Is(err, errStoreDown) {
			t.Fatalf("Poll: got %v", err)
		}
	})
}

func TestClassifyRelayError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		msg  string
		want error
	}{
		{msg: "execution reverted: L2 block not yet checkpointed", want: ErrNotCheckpointed},
		{msg: "proof not found for message", want: ErrProofNotFound},
		{msg: "still in challenge period", want: ErrInChallengeWindow},
		{msg: "message already relayed", want: ErrAlreadyRelayed},
	}
	for _, tc := range cases {
		if err := classifyRelayError(errors.New(tc.msg)); !errors.Is(err, tc.want) {
			t.Fatalf("%q: got %v", tc.msg, err)
		}
	}
	plain := errors.New("nonce too low")
	if err := classifyRelayError(plain); err != plain {
		t.Fatalf("unrecognized error rewritten: %v", err)
	}
	if classifyRelayError(nil) != nil {
		t.Fatalf("nil not preserved")
	}
}

func newSettle(t *testing.T, e *testEnv, archive Archive) *SettleWatcher {
	t.Helper()
	w, err := NewSettleWatcher("USDC", e.siblings[arbID], e.siblings, e.policy, e.deps, archive)
	if err != nil {
		t.Fatalf("NewSettleWatcher: %v", err)
	}
	return w
}

func (e *testEnv) bondAll(t *testing.T, r state.TransferRoot) {
	t.Helper()
	for _, id := range r.TransferIDs {
		if _, err := e.db.Transfers.Update(context.Background(), state.WriterBondWithdrawal, id, state.TransferPatch{
			WithdrawalBonded: state.Ptr(true),
			WithdrawalBonder: state.Ptr(testBonder),
		}); err != nil {
			t.Fatalf("bond: %v", err)
		}
	}
}

func TestSettle_RequiresConfirmedAndSetRoot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEnv(t)
	r := e.storeRoot(t, common.Hash{}, testNow.Add(-2*time.Hour))
	e.bondAll(t, r)
	store, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	archive, err := blobstore.NewRootArchive(store, func() time.Time { return testNow })
	if err != nil {
		t.Fatalf("NewRootArchive: %v", err)
	}
	w := newSettle(t, e, archive)
	arb := e.bridges[arbID]

	// Unconfirmed roots are never settled, and the store refuses a premature flag.
	if err := w.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(arb.settles) != 0 {
		t.Fatalf("settled an unconfirmed root")
	}
	if _, err := e.db.Transfers.Update(ctx, state.WriterSettle, r.TransferIDs[0], state.TransferPatch{Settled: state.Ptr(true)}); !errors.Is(err, state.ErrPrematureSettlement) {
		t.Fatalf("premature settlement: got %v", err)
	}

	// Confirmed on the hub but not yet set on the destination.
	e.markRoot(t, state.WriterSync, r.TransferRootID, state.TransferRootPatch{Confirmed: state.Ptr(true)})
	if err := w.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(arb.settles) != 0 {
		t.Fatalf("settled before the root was set")
	}

	arb.roots[r.TransferRootHash] = bridgeabi.TransferRootInfo{Total: r.TotalAmount, AmountWithdrawn: new(big.Int), CreatedAt: big.NewInt(testNow.Unix())}
	if err := w.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(arb.settles) != 1 || len(arb.settles[0]) != 3 {
		t.Fatalf("settles: %v", arb.settles)
	}
	for _, id := range r.TransferIDs {
		tr, _ := e.db.Transfers.Get(ctx, id)
		if !tr.Settled || tr.SettleTxHash == (common.Hash{}) {
			t.Fatalf("transfer %s not settled: %+v", id, tr)
		}
	}
	got, _ := e.db.Roots.Get(ctx, r.TransferRootID)
	if !got.AllSettled || got.SettleTxHash == (common.Hash{}) {
		t.Fatalf("root: %+v", got)
	}
	snap, err := archive.Get(ctx, "USDC", opID, r.TransferRootID)
	if err != nil || len(snap.TransferIDs) != 3 {
		t.Fatalf("archive: %+v %v", snap, err)
	}
	if !e.notifier.has(notify.KindSettleBondedWithdrawal) {
		t.Fatalf("events: %v", e.notifier.kinds())
	}
}

func TestSettle_MinShareAndForeignBonds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("below share", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		e.policy.SettleMinPercent = 0.5
		r := e.storeRoot(t, common.Hash{}, testNow.Add(-2*time.Hour))
		// Only the 100k member of 600k is ours.
		if _, err := e.db.Transfers.Update(ctx, state.WriterBondWithdrawal, r.TransferIDs[0], state.TransferPatch{
			WithdrawalBonded: state.Ptr(true),
			WithdrawalBonder: state.Ptr(testBonder),
		}); err != nil {
			t.Fatalf("bond: %v", err)
		}
		e.markRoot(t, state.WriterSync, r.TransferRootID, state.TransferRootPatch{Confirmed: state.Ptr(true)})
		e.bridges[arbID].roots[r.TransferRootHash] = bridgeabi.TransferRootInfo{Total: r.TotalAmount}

		if err := newSettle(t, e, nil).Poll(ctx); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if n := len(e.bridges[arbID].settles); n != 0 {
			t.Fatalf("settled under the share: %d", n)
		}
	})

	t.Run("bonded by sync and ours on chain", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		r := e.storeRoot(t, common.Hash{}, testNow.Add(-2*time.Hour))
		arb := e.bridges[arbID]
		for _, id := range r.TransferIDs {
			// Sync saw WithdrawalBonded but could not attribute it.
			if _, err := e.db.Transfers.Update(ctx, state.WriterSync, id, state.TransferPatch{WithdrawalBonded: state.Ptr(true)}); err != nil {
				t.Fatalf("bond: %v", err)
			}
			tr, _ := e.db.Transfers.Get(ctx, id)
			arb.bonded[id] = tr.Amount
		}
		e.markRoot(t, state.WriterSync, r.TransferRootID, state.TransferRootPatch{Confirmed: state.Ptr(true)})
		arb.roots[r.TransferRootHash] = bridgeabi.TransferRootInfo{Total: r.TotalAmount}

		if err := newSettle(t, e, nil).Poll(ctx); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if len(arb.settles) != 1 || len(arb.settles[0]) != 3 {
			t.Fatalf("settles: %v", arb.settles)
		}
		got, _ := e.db.Roots.Get(ctx, r.TransferRootID)
		if !got.AllSettled || got.SettleTxHash == (common.Hash{}) {
			t.Fatalf("root marked settled without a settle tx: %+v", got)
		}
	})

	t.Run("nothing of ours", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		r := e.storeRoot(t, common.Hash{}, testNow.Add(-2*time.Hour))
		e.markRoot(t, state.WriterSync, r.TransferRootID, state.TransferRootPatch{Confirmed: state.Ptr(true)})
		e.bridges[arbID].roots[r.TransferRootHash] = bridgeabi.TransferRootInfo{Total: r.TotalAmount}

		if err := newSettle(t, e, nil).Poll(ctx); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		got, _ := e.db.Roots.Get(ctx, r.TransferRootID)
		if len(e.bridges[arbID].settles) != 0 || !got.AllSettled {
			t.Fatalf("root: %+v", got)
		}
	})
}

func TestMeetsShare(t *testing.T) {
	t.Parallel()

	if !meetsShare(big.NewInt(1), big.NewInt(10), 0.1) {
		t.Fatalf("10%% of total should meet a 0.1 floor")
	}
	if meetsShare(big.NewInt(9), big.NewInt(100), 0.1) {
		t.Fatalf("9%% should not meet a 0.1 floor")
	}
	if !meetsShare(new(big.Int), big.NewInt(100), 0) {
		t.Fatalf("zero floor always passes")
	}
}

// storeHubBond writes a root the hub sync saw bonded, with no source commit.
func (e *testEnv) storeHubBond(t *testing.T, bondedAt time.Time) state.TransferRoot {
	t.Helper()
	hash := common.HexToHash("0xfa15e")
	total := big.NewInt(1_000_000)
	id, err := bridgeabi.TransferRootID(hash, total)
	if err != nil {
		t.Fatalf("TransferRootID: %v", err)
	}
	e.bridges[hubID].bonds[id] = bridgeabi.TransferBond{
		Bonder:             common.HexToAddress("0x00000000000000000000000000000000000000cc"),
		CreatedAt:          big.NewInt(bondedAt.Unix()),
		TotalAmount:        total,
		ChallengeStartTime: new(big.Int),
	}
	return e.markRoot(t, state.WriterSync, id, state.TransferRootPatch{
		TransferRootID:     state.Ptr(id),
		TransferRootHash:   state.Ptr(hash),
		Token:              state.Ptr("USDC"),
		DestinationChainID: state.Ptr(arbID),
		TotalAmount:        total,
		Bonded:             state.Ptr(true),
		BondedAt:           state.Ptr(bondedAt.Unix()),
	})
}

func TestChallenge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	newChallenge := func(t *testing.T, e *testEnv) *ChallengeWatcher {
		t.Helper()
		w, err := NewChallengeWatcher("USDC", e.siblings[hubID], e.siblings, e.policy, e.deps)
		if err != nil {
			t.Fatalf("NewChallengeWatcher: %v", err)
		}
		return w
	}

	t.Run("uncommitted bond", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		r := e.storeHubBond(t, testNow.Add(-2*time.Hour))
		if err := newChallenge(t, e).Poll(ctx); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		hub := e.bridges[hubID]
		if len(hub.challenges) != 1 || hub.challenges[0] != r.TransferRootHash {
			t.Fatalf("challenges: %v", hub.challenges)
		}
		got, _ := e.db.Roots.Get(ctx, r.TransferRootID)
		if got.SentChallengeTxAt.IsZero() || got.ChallengeTxHash == (common.Hash{}) {
			t.Fatalf("root: %+v", got)
		}
		if !e.notifier.has(notify.KindChallengeTransferRootBond) {
			t.Fatalf("events: %v", e.notifier.kinds())
		}
	})

	t.Run("inside grace", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		e.storeHubBond(t, testNow.Add(-10*time.Minute))
		if err := newChallenge(t, e).Poll(ctx); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if n := len(e.bridges[hubID].challenges); n != 0 {
			t.Fatalf("challenged inside grace: %d", n)
		}
	})

	t.Run("committed root", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		r := e.storeRoot(t, common.Hash{}, testNow.Add(-3*time.Hour))
		e.markRoot(t, state.WriterSync, r.TransferRootID, state.TransferRootPatch{
			Bonded:   state.Ptr(true),
			BondedAt: state.Ptr(testNow.Add(-2 * time.Hour).Unix()),
		})
		e.bridges[hubID].bonds[r.TransferRootID] = bridgeabi.TransferBond{CreatedAt: big.NewInt(testNow.Add(-2 * time.Hour).Unix()), ChallengeStartTime: new(big.Int)}
		if err := newChallenge(t, e).Poll(ctx); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if n := len(e.bridges[hubID].challenges); n != 0 {
			t.Fatalf("challenged a committed root: %d", n)
		}
	})

	t.Run("governance resolves", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		e.policy.Governance = true
		r := e.storeHubBond(t, testNow.Add(-2*time.Hour))
		e.markRoot(t, state.WriterSync, r.TransferRootID, state.TransferRootPatch{Challenged: state.Ptr(true)})
		if err := newChallenge(t, e).Poll(ctx); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		hub := e.bridges[hubID]
		if len(hub.challenges) != 0 || len(hub.resolves) != 1 {
			t.Fatalf("challenges %v resolves %v", hub.challenges, hub.resolves)
		}
	})
}

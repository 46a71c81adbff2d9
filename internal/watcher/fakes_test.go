package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/hop-exchange/bonder-node/internal/bridge"
	"github.com/hop-exchange/bonder-node/internal/bridgeabi"
	"github.com/hop-exchange/bonder-node/internal/finality"
	"github.com/hop-exchange/bonder-node/internal/kvstore"
	"github.com/hop-exchange/bonder-node/internal/notify"
	"github.com/hop-exchange/bonder-node/internal/state"
)

const (
	hubID uint64 = 1
	opID  uint64 = 10
	arbID uint64 = 42161
)

var (
	testBonder    = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	testRecipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testNow       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type submitCall struct {
	kind string
	to   common.Address
	data []byte
}

type fakeBridge struct {
	mu sync.Mutex

	chain   string
	chainID uint64
	hub     bool
	address common.Address

	logs        []types.Log
	sentLogs    []types.Log
	bondCalls   map[common.Hash]bridgeabi.BondTransferRootCall
	blockTime   int64
	credit      *big.Int
	bonded      map[common.Hash]*big.Int
	spent       map[common.Hash]bool
	pending     map[uint64]*big.Int
	lastCommit  map[uint64]*big.Int
	roots       map[common.Hash]bridgeabi.TransferRootInfo
	committedAt map[common.Hash]*big.Int
	bonds       map[common.Hash]bridgeabi.TransferBond
	period      *big.Int
	sendErr     error
	// onSend runs before every transaction result is returned.
	onSend func()

	withdrawals []bridge.Withdrawal
	rootBonds   []common.Hash
	commits     []uint64
	settles     [][]common.Hash
	challenges  []common.Hash
	resolves    []common.Hash
	submits     []submitCall
	txs         int
}

func newFakeBridge(chain string, id uint64, hub bool) *fakeBridge {
	return &fakeBridge{
		chain:       chain,
		chainID:     id,
		hub:         hub,
		address:     common.BigToAddress(new(big.Int).SetUint64(0x1000 + id)),
		bondCalls:   map[common.Hash]bridgeabi.BondTransferRootCall{},
		blockTime:   testNow.Add(-time.Hour).Unix(),
		credit:      big.NewInt(1_000_000_000),
		bonded:      map[common.Hash]*big.Int{},
		spent:       map[common.Hash]bool{},
		pending:     map[uint64]*big.Int{},
		lastCommit:  map[uint64]*big.Int{},
		roots:       map[common.Hash]bridgeabi.TransferRootInfo{},
		committedAt: map[common.Hash]*big.Int{},
		bonds:       map[common.Hash]bridgeabi.TransferBond{},
		period:      big.NewInt(int64(24 * time.Hour / time.Second)),
	}
}

func (b *fakeBridge) Chain() string           { return b.chain }
func (b *fakeBridge) ChainID() uint64         { return b.chainID }
func (b *fakeBridge) Token() string           { return "USDC" }
func (b *fakeBridge) Address() common.Address { return b.address }
func (b *fakeBridge) Bonder() common.Address  { return testBonder }
func (b *fakeBridge) IsHub() bool             { return b.hub }

func (b *fakeBridge) Logs(_ context.Context, from, to uint64) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Log
	for _, lg := range b.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (b *fakeBridge) BondTransferRootCall(_ context.Context, txHash common.Hash) (bridgeabi.BondTransferRootCall, error) {
	c, ok := b.bondCalls[txHash]
	if !ok {
		return bridgeabi.BondTransferRootCall{}, fmt.Errorf("no bond call in %s", txHash)
	}
	return c, nil
}

// ReceiptLog serves receipts from the send logs registered by storeSent and from logs, so
// removing a log from both simulates a reorg that dropped its transaction.
func (b *fakeBridge) ReceiptLog(_ context.Context, txHash common.Hash, index uint) (types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range [][]types.Log{b.sentLogs, b.logs} {
		for _, lg := range set {
			if lg.TxHash == txHash && lg.Index == index && !lg.Removed {
				lg.Address = b.address
				return lg, nil
			}
		}
	}
	return types.Log{}, fmt.Errorf("%w: %s", bridge.ErrTxNotFound, txHash)
}

func (b *fakeBridge) BlockTime(context.Context, uint64) (int64, error) { return b.blockTime, nil }

func (b *fakeBridge) AvailableCredit(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Set(b.credit), nil
}

func (b *fakeBridge) BondedWithdrawalAmount(_ context.Context, _ common.Address, id common.Hash) (*big.Int, error) {
	if v, ok := b.bonded[id]; ok {
		return v, nil
	}
	return new(big.Int), nil
}

func (b *fakeBridge) IsTransferIDSpent(_ context.Context, id common.Hash) (bool, error) {
	return b.spent[id], nil
}

func (b *fakeBridge) PendingAmountForChainID(_ context.Context, dest uint64) (*big.Int, error) {
	if v, ok := b.pending[dest]; ok {
		return v, nil
	}
	return new(big.Int), nil
}

func (b *fakeBridge) LastCommitTimeForChainID(_ context.Context, dest uint64) (*big.Int, error) {
	if v, ok := b.lastCommit[dest]; ok {
		return v, nil
	}
	return new(big.Int), nil
}

func (b *fakeBridge) TransferRoot(_ context.Context, rootHash common.Hash, _ *big.Int) (bridgeabi.TransferRootInfo, error) {
	if v, ok := b.roots[rootHash]; ok {
		return v, nil
	}
	return bridgeabi.TransferRootInfo{Total: new(big.Int), AmountWithdrawn: new(big.Int), CreatedAt: new(big.Int)}, nil
}

func (b *fakeBridge) TransferRootCommittedAt(_ context.Context, _ uint64, id common.Hash) (*big.Int, error) {
	if v, ok := b.committedAt[id]; ok {
		return v, nil
	}
	return new(big.Int), nil
}

func (b *fakeBridge) TransferBond(_ context.Context, id common.Hash) (bridgeabi.TransferBond, error) {
	if v, ok := b.bonds[id]; ok {
		return v, nil
	}
	return bridgeabi.TransferBond{CreatedAt: new(big.Int), TotalAmount: new(big.Int), ChallengeStartTime: new(big.Int)}, nil
}

func (b *fakeBridge) ChallengePeriod(context.Context) (*big.Int, error) { return b.period, nil }

func (b *fakeBridge) ChallengeAmount(_ context.Context, amount *big.Int) (*big.Int, error) {
	return new(big.Int).Div(amount, big.NewInt(10)), nil
}

func (b *fakeBridge) receipt() (*types.Receipt, error) {
	if b.onSend != nil {
		b.onSend()
	}
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	b.txs++
	return &types.Receipt{TxHash: common.BigToHash(big.NewInt(int64(0xf000 + b.txs))), Status: types.ReceiptStatusSuccessful}, nil
}

func (b *fakeBridge) BondWithdrawal(_ context.Context, w bridge.Withdrawal) (*types.Receipt, error) {
	b.withdrawals = append(b.withdrawals, w)
	return b.receipt()
}

func (b *fakeBridge) BondTransferRoot(_ context.Context, rootHash common.Hash, _ uint64, _ *big.Int) (*types.Receipt, error) {
	b.rootBonds = append(b.rootBonds, rootHash)
	return b.receipt()
}

func (b *fakeBridge) CommitTransfers(_ context.Context, dest uint64) (*types.Receipt, error) {
	b.commits = append(b.commits, dest)
	return b.receipt()
}

func (b *fakeBridge) SettleBondedWithdrawals(_ context.Context, _ common.Address, ids []common.Hash, _ *big.Int) (*types.Receipt, error) {
	b.settles = append(b.settles, ids)
	return b.receipt()
}

func (b *fakeBridge) ChallengeTransferBond(_ context.Context, rootHash common.Hash, _ *big.Int, _ uint64, _ *big.Int) (*types.Receipt, error) {
	b.challenges = append(b.challenges, rootHash)
	return b.receipt()
}

func (b *fakeBridge) ResolveChallenge(_ context.Context, rootHash common.Hash, _ *big.Int, _ uint64) (*types.Receipt, error) {
	b.resolves = append(b.resolves, rootHash)
	return b.receipt()
}

func (b *fakeBridge) SubmitTo(_ context.Context, kind string, to common.Address, data []byte) (*types.Receipt, error) {
	b.submits = append(b.submits, submitCall{kind: kind, to: to, data: data})
	return b.receipt()
}

type fakeFinality struct {
	head uint64
	// tiers maps a tier to its head; a missing tier means every block is past it.
	tiers map[finality.Tier]uint64
}

func (f *fakeFinality) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeFinality) IsPastTier(_ context.Context, block uint64, tier finality.Tier) (bool, error) {
	h, ok := f.tiers[tier]
	if !ok {
		return true, nil
	}
	return block <= h, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Kind
	}
	return out
}

func (n *recordingNotifier) has(k notify.Kind) bool {
	for _, got := range n.kinds() {
		if got == k {
			return true
		}
	}
	return false
}

var errStoreDown = errors.New("store down")

// faultyBackend is a memory backend whose writes start failing once failWrites is set.
type faultyBackend struct {
	*kvstore.MemoryBackend
	failWrites atomic.Bool
}

func (b *faultyBackend) Table(name string) (kvstore.Table, error) {
	t, err := b.MemoryBackend.Table(name)
	if err != nil {
		return nil, err
	}
	return &faultyTable{Table: t, b: b}, nil
}

type faultyTable struct {
	kvstore.Table
	b *faultyBackend
}

func (t *faultyTable) Upsert(ctx context.Context, key string, partial kvstore.Record) (kvstore.Record, error) {
	if t.b.failWrites.Load() {
		return nil, errStoreDown
	}
	return t.Table.Upsert(ctx, key, partial)
}

// testEnv is a hub plus two rollups sharing one in-memory store.
type testEnv struct {
	store    *faultyBackend
	db       *state.DB
	notifier *recordingNotifier
	siblings Siblings
	bridges  map[uint64]*fakeBridge
	finality map[uint64]*fakeFinality
	policy   Policy
	deps     Deps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := &faultyBackend{MemoryBackend: kvstore.NewMemoryBackend()}
	reg := kvstore.NewRegistry(map[string]kvstore.Opener{
		"faulty": func(context.Context, string) (kvstore.Backend, error) { return store, nil },
	})
	t.Cleanup(func() { _ = reg.Close() })
	db, err := state.Open(context.Background(), reg, kvstore.Location{Driver: "faulty"}, "test", nil)
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}

	env := &testEnv{
		store:    store,
		db:       db,
		notifier: &recordingNotifier{},
		siblings: Siblings{},
		bridges:  map[uint64]*fakeBridge{},
		finality: map[uint64]*fakeFinality{},
		policy: Policy{
			ResendAfter:      10 * time.Minute,
			MinBonderFee:     map[uint64]*big.Int{opID: big.NewInt(100), arbID: big.NewInt(100)},
			MinBonderFeeBps:  10,
			CommitThreshold:  big.NewInt(10_000_000),
			CommitInterval:   6 * time.Hour,
			MinBondDelay:     15 * time.Minute,
			SettleMinPercent: 0.1,
			ChallengeGrace:   time.Hour,
		},
	}
	for _, n := range []struct {
		slug string
		id   uint64
		hub  bool
	}{{"ethereum", hubID, true}, {"optimism", opID, false}, {"arbitrum", arbID, false}} {
		b := newFakeBridge(n.slug, n.id, n.hub)
		f := &fakeFinality{head: 1_000, tiers: map[finality.Tier]uint64{}}
		env.bridges[n.id] = b
		env.finality[n.id] = f
		env.siblings[n.id] = &Network{
			Slug:          n.slug,
			ChainID:       n.id,
			Hub:           n.hub,
			Bridge:        b,
			Finality:      f,
			StartBlock:    1,
			MaxLogRange:   500,
			ReorgLookback: 10,
		}
	}
	env.deps = Deps{
		DB:       db,
		Notifier: env.notifier,
		Now:      func() time.Time { return testNow },
		Sleep:    func(context.Context, time.Duration) error { return nil },
	}
	return env
}

// sent describes a TransferSent to store directly.
type sent struct {
	dest   uint64
	amount int64
	fee    int64
	nonce  int64
	index  uint64
	block  uint64
}

func transferFieldsOf(s sent) bridgeabi.TransferFields {
	return bridgeabi.TransferFields{
		DestinationChainID: s.dest,
		Recipient:          testRecipient,
		Amount:             big.NewInt(s.amount),
		TransferNonce:      common.BigToHash(big.NewInt(s.nonce)),
		BonderFee:          big.NewInt(s.fee),
		AmountOutMin:       new(big.Int),
		Deadline:           new(big.Int),
	}
}

func transferIDOf(t *testing.T, s sent) common.Hash {
	t.Helper()
	id, err := bridgeabi.TransferID(transferFieldsOf(s))
	if err != nil {
		t.Fatalf("TransferID: %v", err)
	}
	return id
}

// storeSent writes a transfer the way sync would, under id, and makes its send log readable from
// the source receipt. It returns the stored record.
func (e *testEnv) storeSent(t *testing.T, source uint64, id common.Hash, s sent) state.Transfer {
	t.Helper()
	f := transferFieldsOf(s)
	tr, err := e.db.Transfers.Update(context.Background(), state.WriterSync, id, state.TransferPatch{
		TransferID:         state.Ptr(id),
		Token:              state.Ptr("USDC"),
		SourceChainID:      state.Ptr(source),
		DestinationChainID: state.Ptr(s.dest),
		Recipient:          state.Ptr(f.Recipient),
		Amount:             f.Amount,
		BonderFee:          f.BonderFee,
		AmountOutMin:       f.AmountOutMin,
		Deadline:           f.Deadline,
		TransferNonce:      state.Ptr(f.TransferNonce),
		TransferSentIndex:  state.Ptr(s.index),
		SentTxHash:         state.Ptr(common.BigToHash(big.NewInt(int64(s.block)))),
		SentBlockNumber:    state.Ptr(s.block),
		SentLogIndex:       state.Ptr(uint(0)),
		SentTimestamp:      state.Ptr(testNow.Add(-time.Hour).Unix()),
		IsBondable:         state.Ptr(true),
	})
	if err != nil {
		t.Fatalf("store transfer: %v", err)
	}
	src := e.bridges[source]
	src.sentLogs = append(src.sentLogs, transferSentLog(t, s))
	return tr
}

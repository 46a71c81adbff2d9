// Package watcher drives transfers and transfer roots through their lifecycle.
//
// One watcher runs per (chain, token, kind). Sync watchers ingest chain events into the state
// store and never submit transactions. Action watchers scan the store for records that satisfy
// a readiness predicate, gate on finality, re-validate, and submit through the per-network
// transaction queue. Every watcher of a token holds the same Siblings index so it can act on or
// read from the token's bridge on another chain.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/atomic"

	"github.com/hop-exchange/bonder-node/internal/bridge"
	"github.com/hop-exchange/bonder-node/internal/bridgeabi"
	"github.com/hop-exchange/bonder-node/internal/finality"
	"github.com/hop-exchange/bonder-node/internal/metrics"
	"github.com/hop-exchange/bonder-node/internal/notify"
	"github.com/hop-exchange/bonder-node/internal/state"
)

type Kind string

const (
	KindSync             Kind = "sync"
	KindBondWithdrawal   Kind = "bondWithdrawal"
	KindCommitTransfers  Kind = "commitTransfers"
	KindBondTransferRoot Kind = "bondTransferRoot"
	KindConfirmRoots     Kind = "confirmRoots"
	KindSettle           Kind = "settleBondedWithdrawals"
	KindChallenge        Kind = "challenge"
)

// Bridge is the contract surface watchers use. *bridge.Contract satisfies it.
type Bridge interface {
	Chain() string
	ChainID() uint64
	Token() string
	Address() common.Address
	Bonder() common.Address
	IsHub() bool

	Logs(ctx context.Context, from, to uint64) ([]types.Log, error)
	BondTransferRootCall(ctx context.Context, txHash common.Hash) (bridgeabi.BondTransferRootCall, error)
	BlockTime(ctx context.Context, number uint64) (int64, error)
	ReceiptLog(ctx context.Context, txHash common.Hash, index uint) (types.Log, error)

	AvailableCredit(ctx context.Context, bonder common.Address) (*big.Int, error)
	BondedWithdrawalAmount(ctx context.Context, bonder common.Address, transferID common.Hash) (*big.Int, error)
	IsTransferIDSpent(ctx context.Context, transferID common.Hash) (bool, error)
	PendingAmountForChainID(ctx context.Context, destinationChainID uint64) (*big.Int, error)
	LastCommitTimeForChainID(ctx context.Context, destinationChainID uint64) (*big.Int, error)
	TransferRoot(ctx context.Context, rootHash common.Hash, totalAmount *big.Int) (bridgeabi.TransferRootInfo, error)
	TransferRootCommittedAt(ctx context.Context, destinationChainID uint64, transferRootID common.Hash) (*big.Int, error)
	TransferBond(ctx context.Context, transferRootID common.Hash) (bridgeabi.TransferBond, error)
	ChallengePeriod(ctx context.Context) (*big.Int, error)
	ChallengeAmount(ctx context.Context, amount *big.Int) (*big.Int, error)

	BondWithdrawal(ctx context.Context, w bridge.Withdrawal) (*types.Receipt, error)
	BondTransferRoot(ctx context.Context, rootHash common.Hash, destinationChainID uint64, totalAmount *big.Int) (*types.Receipt, error)
	CommitTransfers(ctx context.Context, destinationChainID uint64) (*types.Receipt, error)
	SettleBondedWithdrawals(ctx context.Context, bonder common.Address, transferIDs []common.Hash, totalAmount *big.Int) (*types.Receipt, error)
	ChallengeTransferBond(ctx context.Context, rootHash common.Hash, originalAmount *big.Int, destinationChainID uint64, stake *big.Int) (*types.Receipt, error)
	ResolveChallenge(ctx context.Context, rootHash common.Hash, originalAmount *big.Int, destinationChainID uint64) (*types.Receipt, error)
	SubmitTo(ctx context.Context, kind string, to common.Address, data []byte) (*types.Receipt, error)
}

// Finality is a chain's head resolver. *finality.Resolver satisfies it.
type Finality interface {
	BlockNumber(ctx context.Context) (uint64, error)
	IsPastTier(ctx context.Context, block uint64, tier finality.Tier) (bool, error)
}

// Network is one token's bridge on one chain.
type Network struct {
	Slug     string
	ChainID  uint64
	Hub      bool
	Bridge   Bridge
	Finality Finality

	// Sync settings.
	StartBlock    uint64
	MaxLogRange   uint64
	ReorgLookback uint64
}

// Siblings indexes one token's networks by chain id.
type Siblings map[uint64]*Network

// Hub returns the hub network.
func (s Siblings) Hub() (*Network, bool) {
	for _, n := range s {
		if n.Hub {
			return n, true
		}
	}
	return nil, false
}

// IDs returns the chain ids in ascending order.
func (s Siblings) IDs() []uint64 {
	out := make([]uint64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Policy holds the bonder's thresholds, shared by every watcher of a token.
type Policy struct {
	// ResendAfter is how long an outstanding attempt blocks a retry of the same record.
	ResendAfter time.Duration

	// MinBonderFee is the absolute fee floor per source chain id, in token base units.
	MinBonderFee    map[uint64]*big.Int
	MinBonderFeeBps int64

	CommitThreshold *big.Int
	CommitInterval  time.Duration

	MinBondDelay     time.Duration
	SettleMinPercent float64

	ChallengeGrace time.Duration
	Governance     bool

	// RouteEnabled filters which source/destination pairs are bonded and committed. Nil
	// enables all.
	RouteEnabled func(source, destination uint64) bool
}

func (p Policy) routeEnabled(source, destination uint64) bool {
	if source == destination {
		return false
	}
	return p.RouteEnabled == nil || p.RouteEnabled(source, destination)
}

// Deps are the collaborators every watcher shares.
type Deps struct {
	DB       *state.DB
	Notifier notify.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
}

func (d *Deps) defaults() error {
	if d.DB == nil {
		return fmt.Errorf("%w: nil state db", ErrInvalidConfig)
	}
	if d.Notifier == nil {
		d.Notifier = notify.Discard{}
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sleep == nil {
		d.Sleep = sleepCtx
	}
	return nil
}

// Watcher is one polling loop.
type Watcher interface {
	Kind() Kind
	Chain() string
	Token() string
	Poll(ctx context.Context) error
	Run(ctx context.Context, interval time.Duration, gate func() bool) error
	Stop()
}

// base carries what every watcher kind shares: identity, siblings, the loop and reporting.
type base struct {
	kind     Kind
	self     *Network
	siblings Siblings
	token    string
	policy   Policy
	deps     Deps
	log      *slog.Logger

	poll    func(ctx context.Context) error
	stopped atomic.Bool
}

func newBase(kind Kind, token string, self *Network, siblings Siblings, policy Policy, deps Deps) (base, error) {
	if err := deps.defaults(); err != nil {
		return base{}, err
	}
	if token == "" {
		return base{}, fmt.Errorf("%w: token is required", ErrInvalidConfig)
	}
	if self == nil || self.Bridge == nil || self.Finality == nil {
		return base{}, fmt.Errorf("%w: %s network needs a bridge and a finality resolver", ErrInvalidConfig, kind)
	}
	if siblings[self.ChainID] != self {
		return base{}, fmt.Errorf("%w: %s is not registered in its siblings", ErrInvalidConfig, self.Slug)
	}
	if policy.ResendAfter <= 0 {
		return base{}, fmt.Errorf("%w: resend window must be > 0", ErrInvalidConfig)
	}
	return base{
		kind:     kind,
		self:     self,
		siblings: siblings,
		token:    token,
		policy:   policy,
		deps:     deps,
		log:      deps.Logger.With("chain", self.Slug, "token", token, "watcher", string(kind)),
	}, nil
}

func (b *base) Kind() Kind     { return b.kind }
func (b *base) Chain() string  { return b.self.Slug }
func (b *base) Token() string  { return b.token }
func (b *base) Stop()          { b.stopped.Store(true) }
func (b *base) Stopped() bool  { return b.stopped.Load() }
func (b *base) now() time.Time { return b.deps.Now().UTC() }

// Poll runs one cycle.
func (b *base) Poll(ctx context.Context) error { return b.poll(ctx) }

// Run polls every interval until ctx is done or Stop is called. A false gate skips the cycle;
// action watchers use it to act only while holding the bonder lease. Cycle errors are
// reported and never end the loop.
func (b *base) Run(ctx context.Context, interval time.Duration, gate func() bool) error {
	if interval <= 0 {
		return fmt.Errorf("%w: poll interval must be > 0", ErrInvalidConfig)
	}
	b.log.Info("watcher started", "interval", interval)
	defer b.log.Info("watcher stopped")
	for {
		if b.stopped.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return nil
		}
		if gate == nil || gate() {
			if err := b.poll(ctx); err != nil && ctx.Err() == nil {
				b.report(ctx, err)
			}
		}
		if err := b.deps.Sleep(ctx, interval); err != nil {
			return nil
		}
	}
}

// report is the loop boundary for errors: logged, counted and sent to the notifier.
func (b *base) report(ctx context.Context, err error) {
	metrics.WatcherErrors.WithLabelValues(b.self.Slug, b.token, string(b.kind)).Inc()
	b.log.Error("poll failed", "err", err)
	b.notifyError(ctx, err, nil)
}

// refuse records an integrity violation for one record.
func (b *base) refuse(ctx context.Context, err error, fields map[string]string) {
	metrics.IntegrityRefusals.WithLabelValues(b.self.Slug, string(b.kind), integrityReason(err)).Inc()
	b.log.Error("refusing action on integrity violation", "err", err, "record", fields)
	b.notifyError(ctx, err, fields)
}

func (b *base) notifyError(ctx context.Context, err error, fields map[string]string) {
	f := map[string]string{"watcher": string(b.kind), "error": err.Error()}
	for k, v := range fields {
		f[k] = v
	}
	b.emit(ctx, notify.KindError, f)
}

func (b *base) emit(ctx context.Context, kind notify.Kind, fields map[string]string) {
	ev := notify.NewEvent(kind, b.self.Slug, b.token, fields, b.now())
	if err := b.deps.Notifier.Notify(ctx, ev); err != nil {
		b.log.Warn("notify failed", "kind", kind, "err", err)
	}
}

// handle sorts a per-record error into the taxonomy. It returns the error only when it is
// neither expected nor already reported, so the caller can keep going with the next record.
func (b *base) handle(ctx context.Context, err error, fields map[string]string) error {
	switch {
	case err == nil:
		return nil
	case IsNotReady(err):
		b.log.Debug("not ready", "reason", err, "record", fields)
		return nil
	case errors.Is(err, ErrAlreadyRelayed):
		b.log.Info("already done on chain", "record", fields)
		return nil
	case errors.Is(err, ErrFeeTooLow):
		b.log.Info("skipping transfer", "reason", err, "record", fields)
		return nil
	case IsIntegrity(err):
		b.refuse(ctx, err, fields)
		return nil
	case IsAbandoned(err):
		b.log.Warn("submission abandoned; waiting for resend window", "err", err, "record", fields)
		return nil
	default:
		return err
	}
}

// each runs fn for every item, collecting unexpected errors without stopping early.
func each[T any](ctx context.Context, b *base, items []T, fields func(T) map[string]string, fn func(context.Context, T) error) error {
	var errs []error
	for _, it := range items {
		if ctx.Err() != nil || b.stopped.Load() {
			break
		}
		if err := b.handle(ctx, fn(ctx, it), fields(it)); err != nil {
			b.log.Warn("record failed", "err", err, "record", fields(it))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// pastTier reports whether block has reached tier on n.
func pastTier(ctx context.Context, n *Network, block uint64, tier finality.Tier) error {
	ok, err := n.Finality.IsPastTier(ctx, block, tier)
	if err != nil {
		return fmt.Errorf("watcher: %s %s head: %w", n.Slug, tier, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s block %d not %s", ErrNotFinal, n.Slug, block, tier)
	}
	return nil
}

func transferFields(t state.Transfer) map[string]string {
	return map[string]string{
		"transferId":         t.TransferID.Hex(),
		"sourceChainId":      fmt.Sprint(t.SourceChainID),
		"destinationChainId": fmt.Sprint(t.DestinationChainID),
	}
}

func rootFields(r state.TransferRoot) map[string]string {
	return map[string]string{
		"transferRootId":     r.TransferRootID.Hex(),
		"transferRootHash":   r.TransferRootHash.Hex(),
		"sourceChainId":      fmt.Sprint(r.SourceChainID),
		"destinationChainId": fmt.Sprint(r.DestinationChainID),
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

package finality

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// HeaderSource is the slice of an RPC client the resolver needs. *ethclient.Client satisfies it.
type HeaderSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// SafeHeadQuery is an out-of-band query for a chain's safe head.
type SafeHeadQuery interface {
	SafeBlockNumber(ctx context.Context) (uint64, error)
}

// Heads is one consistent sample: Finalized <= Safe <= Latest.
type Heads struct {
	Latest    uint64
	Safe      uint64
	Finalized uint64
}

func (h Heads) At(t Tier) uint64 {
	switch t {
	case TierSafe:
		return h.Safe
	case TierFinalized:
		return h.Finalized
	default:
		return h.Latest
	}
}

type Resolver struct {
	chain    string
	strategy Strategy
	headers  HeaderSource
	query    SafeHeadQuery
	log      *slog.Logger
}

type Option func(*Resolver)

// WithSafeHeadQuery sets the custom query used by KindCustomQuery strategies.
func WithSafeHeadQuery(q SafeHeadQuery) Option { return func(r *Resolver) { r.query = q } }

func WithLogger(log *slog.Logger) Option { return func(r *Resolver) { r.log = log } }

// WithStrategy overrides the table entry, e.g. from deployment config.
func WithStrategy(s Strategy) Option { return func(r *Resolver) { r.strategy = s } }

func New(chain string, family Family, headers HeaderSource, opts ...Option) (*Resolver, error) {
	if headers == nil {
		return nil, fmt.Errorf("%w: nil header source", ErrInvalidConfig)
	}
	s, err := Lookup(chain, family)
	if err != nil {
		return nil, err
	}
	r := &Resolver{chain: chain, strategy: s, headers: headers}
	for _, o := range opts {
		o(r)
	}
	if err := r.strategy.validate(); err != nil {
		return nil, err
	}
	if r.log == nil {
		r.log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	r.log = r.log.With("chain", chain)
	return r, nil
}

func (r *Resolver) Chain() string      { return r.chain }
func (r *Resolver) Strategy() Strategy { return r.strategy }

func (r *Resolver) BlockNumber(ctx context.Context) (uint64, error) {
	return r.headNumber(ctx, nil)
}

func (r *Resolver) SafeBlockNumber(ctx context.Context) (uint64, error) {
	h, err := r.Heads(ctx)
	if err != nil {
		return 0, err
	}
	return h.Safe, nil
}

func (r *Resolver) FinalizedBlockNumber(ctx context.Context) (uint64, error) {
	h, err := r.Heads(ctx)
	if err != nil {
		return 0, err
	}
	return h.Finalized, nil
}

// IsPastTier reports whether block is at or below the tier's head.
func (r *Resolver) IsPastTier(ctx context.Context, block uint64, tier Tier) (bool, error) {
	h, err := r.Heads(ctx)
	if err != nil {
		return false, err
	}
	return block <= h.At(tier), nil
}

// Heads samples all three tiers against a single latest head and clamps them so that
// finalized <= safe <= latest holds.
func (r *Resolver) Heads(ctx context.Context) (Heads, error) {
	latest, err := r.headNumber(ctx, nil)
	if err != nil {
		return Heads{}, err
	}

	var safe, finalized uint64
	switch r.strategy.Kind {
	case KindNativeTag:
		if finalized, err = r.tag(ctx, rpc.FinalizedBlockNumber); err != nil {
			return Heads{}, err
		}
		if safe, err = r.tag(ctx, rpc.SafeBlockNumber); err != nil {
			return Heads{}, err
		}
	case KindFinalizedTag:
		if finalized, err = r.tag(ctx, rpc.FinalizedBlockNumber); err != nil {
			return Heads{}, err
		}
		safe = finalized
	case KindProbabilistic:
		safe = sub(latest, r.strategy.SafeConfirmations)
		finalized = sub(latest, r.strategy.FinalizedConfirmations)
	case KindCustomQuery:
		if finalized, err = r.tag(ctx, rpc.FinalizedBlockNumber); err != nil {
			return Heads{}, err
		}
		safe = finalized
		if r.query == nil {
			r.log.Debug("no safe head query configured, using finalized")
			break
		}
		n, qerr := r.query.SafeBlockNumber(ctx)
		if qerr != nil {
			r.log.Warn("safe head query failed, using finalized", "err", qerr)
			break
		}
		safe = n
	default:
		return Heads{}, fmt.Errorf("%w: strategy kind %d", ErrInvalidConfig, r.strategy.Kind)
	}

	if safe > latest {
		safe = latest
	}
	if finalized > safe {
		finalized = safe
	}
	return Heads{Latest: latest, Safe: safe, Finalized: finalized}, nil
}

func (r *Resolver) tag(ctx context.Context, tag rpc.BlockNumber) (uint64, error) {
	return r.headNumber(ctx, big.NewInt(int64(tag)))
}

func (r *Resolver) headNumber(ctx context.Context, number *big.Int) (uint64, error) {
	h, err := r.headers.HeaderByNumber(ctx, number)
	if err != nil {
		return 0, fmt.Errorf("finality: %s header %s: %w", r.chain, describe(number), err)
	}
	if h == nil || h.Number == nil {
		return 0, fmt.Errorf("finality: %s header %s: %w", r.chain, describe(number), errors.New("empty header"))
	}
	if !h.Number.IsUint64() {
		return 0, fmt.Errorf("finality: %s header %s: number out of range", r.chain, describe(number))
	}
	return h.Number.Uint64(), nil
}

func describe(n *big.Int) string {
	if n == nil {
		return "latest"
	}
	if n.IsInt64() && n.Int64() < 0 {
		return rpc.BlockNumber(n.Int64()).String()
	}
	return n.String()
}

func sub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hop-exchange/bonder-node/internal/bridgeabi"
	"github.com/hop-exchange/bonder-node/internal/finality"
	"github.com/hop-exchange/bonder-node/internal/state"
)

// Relayer delivers a committed root's canonical confirmation to the hub. It returns the relay
// transaction hash, ErrAlreadyRelayed when the hub already has the root, or a not-ready error
// while the source chain's exit window is open.
type Relayer interface {
	Relay(ctx context.Context, root state.TransferRoot) (common.Hash, error)
}

// HubRelayer submits confirmTransferRoot on the hub once the source chain's exit window has
// passed. Messenger is the contract that accepts the call; zero means the hub bridge itself.
type HubRelayer struct {
	Source     *Network
	Hub        *Network
	Messenger  common.Address
	ExitWindow time.Duration
	Now        func() time.Time
}

func (r *HubRelayer) Relay(ctx context.Context, root state.TransferRoot) (common.Hash, error) {
	committedAt, err := r.Hub.Bridge.TransferRootCommittedAt(ctx, root.DestinationChainID, root.TransferRootID)
	if err != nil {
		return common.Hash{}, err
	}
	if committedAt != nil && committedAt.Sign() > 0 {
		return common.Hash{}, fmt.Errorf("%w: %s committed on hub at %s", ErrAlreadyRelayed, root.TransferRootID, committedAt)
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	if exit := time.Unix(root.CommittedAt, 0).Add(r.ExitWindow); now().Before(exit) {
		return common.Hash{}, fmt.Errorf("%w: %s exits %s at %s", ErrInChallengeWindow, root.TransferRootID, r.Source.Slug, exit.UTC().Format(time.RFC3339))
	}

	data, err := bridgeabi.PackConfirmTransferRoot(r.Source.ChainID, root.TransferRootHash, root.DestinationChainID, root.TotalAmount, root.CommittedAt)
	if err != nil {
		return common.Hash{}, err
	}
	to := r.Messenger
	if to == (common.Address{}) {
		to = r.Hub.Bridge.Address()
	}
	receipt, err := r.Hub.Bridge.SubmitTo(ctx, bridgeabi.MethodConfirmTransferRoot, to, data)
	if err != nil {
		return common.Hash{}, classifyRelayError(err)
	}
	return receipt.TxHash, nil
}

// ConfirmRootsWatcher relays the canonical confirmation for bonded roots committed on its
// chain once the commit block is final.
type ConfirmRootsWatcher struct {
	base
	relayer Relayer
}

func NewConfirmRootsWatcher(token string, self *Network, siblings Siblings, policy Policy, deps Deps, relayer Relayer) (*ConfirmRootsWatcher, error) {
	b, err := newBase(KindConfirmRoots, token, self, siblings, policy, deps)
	if err != nil {
		return nil, err
	}
	if self.Hub {
		return nil, fmt.Errorf("%w: roots are not committed on the hub", ErrInvalidConfig)
	}
	if relayer == nil {
		return nil, fmt.Errorf("%w: nil relayer", ErrInvalidConfig)
	}
	w := &ConfirmRootsWatcher{base: b, relayer: relayer}
	w.poll = w.confirmAll
	return w, nil
}

func (w *ConfirmRootsWatcher) confirmAll(ctx context.Context) error {
	now := w.now()
	roots, err := w.deps.DB.Roots.Filter(ctx, func(r state.TransferRoot) bool {
		return r.SourceChainID == w.self.ChainID && r.Token == w.token && state.IsUnconfirmedRoot(r, now, w.policy.ResendAfter)
	})
	if err != nil {
		return err
	}
	return each(ctx, &w.base, roots, rootFields, w.confirm)
}

func (w *ConfirmRootsWatcher) confirm(ctx context.Context, r state.TransferRoot) error {
	if err := pastTier(ctx, w.self, r.CommitBlockNumber, finality.TierFinalized); err != nil {
		return err
	}
	txHash, err := w.relayer.Relay(ctx, r)
	switch {
	case err == nil:
		w.log.Info("transfer root relayed", "transferRootId", r.TransferRootID, "tx", txHash)
		_, err = w.deps.DB.Roots.Update(ctx, state.WriterConfirmRoots, r.TransferRootID, state.TransferRootPatch{
			SentConfirmTxAt:    state.Ptr(w.now()),
			ConfirmRelayTxHash: state.Ptr(txHash),
		})
		return err
	case errors.Is(err, ErrAlreadyRelayed):
		if _, uerr := w.deps.DB.Roots.Update(ctx, state.WriterConfirmRoots, r.TransferRootID, state.TransferRootPatch{
			SentConfirmTxAt: state.Ptr(w.now()),
		}); uerr != nil {
			return uerr
		}
		return err
	case IsAbandoned(err):
		// The relay may still land; hold the record until the resend window passes.
		if _, uerr := w.deps.DB.Roots.Update(ctx, state.WriterConfirmRoots, r.TransferRootID, state.TransferRootPatch{
			SentConfirmTxAt: state.Ptr(w.now()),
		}); uerr != nil {
			// An unrecorded attempt is resent next cycle.
			return fmt.Errorf("%v (record relay attempt: %w)", err, uerr)
		}
		return err
	default:
		return err
	}
}

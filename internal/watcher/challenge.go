package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/hop-exchange/bonder-node/internal/notify"
	"github.com/hop-exchange/bonder-node/internal/state"
)

// ChallengeWatcher runs on the hub. It challenges root bonds that no source chain committed,
// and with governance rights resolves challenges whose window has run out.
type ChallengeWatcher struct {
	base
}

func NewChallengeWatcher(token string, self *Network, siblings Siblings, policy Policy, deps Deps) (*ChallengeWatcher, error) {
	b, err := newBase(KindChallenge, token, self, siblings, policy, deps)
	if err != nil {
		return nil, err
	}
	if !self.Hub {
		return nil, fmt.Errorf("%w: challenges are made on the hub", ErrInvalidConfig)
	}
	w := &ChallengeWatcher{base: b}
	w.poll = w.pollAll
	return w, nil
}

func (w *ChallengeWatcher) pollAll(ctx context.Context) error {
	now := w.now()
	roots, err := w.deps.DB.Roots.Filter(ctx, func(r state.TransferRoot) bool {
		return r.Token == w.token && state.IsChallengeableRoot(r)
	})
	if err != nil {
		return err
	}
	var challenge, resolve []state.TransferRoot
	for _, r := range roots {
		switch {
		case !r.Challenged && !r.Committed && !w.outstanding(r.SentChallengeTxAt, now):
			challenge = append(challenge, r)
		case r.Challenged && !r.ChallengeResolved && w.policy.Governance && !w.outstanding(r.SentResolveTxAt, now):
			resolve = append(resolve, r)
		}
	}
	cerr := each(ctx, &w.base, challenge, rootFields, w.challenge)
	rerr := each(ctx, &w.base, resolve, rootFields, w.resolve)
	if cerr != nil {
		return cerr
	}
	return rerr
}

func (w *ChallengeWatcher) outstanding(sentAt, now time.Time) bool {
	return !sentAt.IsZero() && now.Sub(sentAt) < w.policy.ResendAfter
}

// challenge disputes a bond with no matching commit. The bond event does not name its source
// chain, so the bond must be older than the grace period, giving every source chain's sync time
// to see the commit. It must also still be inside the contract's challenge period.
func (w *ChallengeWatcher) challenge(ctx context.Context, r state.TransferRoot) error {
	bond, err := w.self.Bridge.TransferBond(ctx, r.TransferRootID)
	if err != nil {
		return err
	}
	if bond.CreatedAt == nil || bond.CreatedAt.Sign() == 0 {
		return fmt.Errorf("%w: %s has no bond on the hub", ErrNotReady, r.TransferRootID)
	}
	if bond.ChallengeStartTime != nil && bond.ChallengeStartTime.Sign() > 0 {
		return fmt.Errorf("%w: %s challenged at %s", ErrAlreadyRelayed, r.TransferRootID, bond.ChallengeStartTime)
	}
	now := w.now()
	bondedAt := time.Unix(bond.CreatedAt.Int64(), 0)
	if now.Before(bondedAt.Add(w.policy.ChallengeGrace)) {
		return fmt.Errorf("%w: %s bonded %s ago", ErrNotReady, r.TransferRootID, now.Sub(bondedAt).Round(time.Second))
	}
	period, err := w.self.Bridge.ChallengePeriod(ctx)
	if err != nil {
		return err
	}
	if !period.IsInt64() || now.After(bondedAt.Add(time.Duration(period.Int64())*time.Second)) {
		w.log.Warn("challenge period over for uncommitted root", "transferRootId", r.TransferRootID, "bondedAt", bondedAt)
		return nil
	}

	stake, err := w.self.Bridge.ChallengeAmount(ctx, r.TotalAmount)
	if err != nil {
		return err
	}
	if _, err := w.deps.DB.Roots.Update(ctx, state.WriterChallenge, r.TransferRootID, state.TransferRootPatch{
		SentChallengeTxAt: state.Ptr(now),
	}); err != nil {
		return err
	}
	w.log.Warn("challenging transfer root bond", "transferRootId", r.TransferRootID, "bonder", bond.Bonder, "stake", stake)
	receipt, err := w.self.Bridge.ChallengeTransferBond(ctx, r.TransferRootHash, r.TotalAmount, r.DestinationChainID, stake)
	if err != nil {
		return err
	}
	if _, err := w.deps.DB.Roots.Update(ctx, state.WriterChallenge, r.TransferRootID, state.TransferRootPatch{
		ChallengeTxHash: state.Ptr(receipt.TxHash),
	}); err != nil {
		return err
	}
	w.emit(ctx, notify.KindChallengeTransferRootBond, map[string]string{
		"transferRootId":   r.TransferRootID.Hex(),
		"transferRootHash": r.TransferRootHash.Hex(),
		"bonder":           bond.Bonder.Hex(),
		"stake":            amountString(stake),
		"txHash":           receipt.TxHash.Hex(),
	})
	return nil
}

func (w *ChallengeWatcher) resolve(ctx context.Context, r state.TransferRoot) error {
	bond, err := w.self.Bridge.TransferBond(ctx, r.TransferRootID)
	if err != nil {
		return err
	}
	if bond.ChallengeResolved {
		return fmt.Errorf("%w: challenge on %s resolved", ErrAlreadyRelayed, r.TransferRootID)
	}
	if _, err := w.deps.DB.Roots.Update(ctx, state.WriterChallenge, r.TransferRootID, state.TransferRootPatch{
		SentResolveTxAt: state.Ptr(w.now()),
	}); err != nil {
		return err
	}
	receipt, err := w.self.Bridge.ResolveChallenge(ctx, r.TransferRootHash, r.TotalAmount, r.DestinationChainID)
	if err != nil {
		return classifyRelayError(err)
	}
	w.log.Info("challenge resolved", "transferRootId", r.TransferRootID, "tx", receipt.TxHash)
	_, err = w.deps.DB.Roots.Update(ctx, state.WriterChallenge, r.TransferRootID, state.TransferRootPatch{
		ResolveTxHash: state.Ptr(receipt.TxHash),
	})
	return err
}

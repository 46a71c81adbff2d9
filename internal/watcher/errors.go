package watcher

import (
	"errors"
	"strings"

	"github.com/hop-exchange/bonder-node/internal/state"
	"github.com/hop-exchange/bonder-node/internal/txqueue"
)

var ErrInvalidConfig = errors.New("watcher: invalid config")

// Not-ready conditions. A poll that hits one skips the record and tries again next cycle.
var (
	ErrNotReady           = errors.New("watcher: not ready")
	ErrNotCheckpointed    = notReady("root not checkpointed")
	ErrProofNotFound      = notReady("proof not found")
	ErrInChallengeWindow  = notReady("in challenge window")
	ErrNotFinal           = notReady("block not past finality tier")
	ErrBondDelay          = notReady("min bond delay not elapsed")
	ErrInsufficientCredit = notReady("insufficient bonder credit")
	ErrRootUnresolved     = notReady("root members unresolved")
	ErrRootNotSet         = notReady("root not set on destination")
	ErrSourceNotCanonical = notReady("send not in the canonical source chain")
	ErrBatchUnverifiable  = notReady("batch starts before the sync start block")
)

// ErrAlreadyRelayed means the action already happened on chain; callers treat it as success.
var ErrAlreadyRelayed = errors.New("watcher: already relayed")

// Data-integrity violations. The action is refused and alerted, never retried blindly.
var (
	ErrDataIntegrity      = errors.New("watcher: data integrity violation")
	ErrTransferIDMismatch = integrity("transfer id mismatch")
	ErrNonceCollision     = integrity("transfer nonce collision")
	ErrIndexMismatch      = integrity("transfer index mismatch")
	ErrRootMismatch       = integrity("transfer root mismatch")
	ErrSourceMismatch     = integrity("source log mismatch")
)

// ErrFeeTooLow rejects a transfer whose bonder fee is under the configured floor.
var ErrFeeTooLow = errors.New("watcher: bonder fee too low")

type wrapped struct {
	msg    string
	parent error
}

func (e *wrapped) Error() string { return "watcher: " + e.msg }
func (e *wrapped) Unwrap() error { return e.parent }

func notReady(msg string) error  { return &wrapped{msg: msg, parent: ErrNotReady} }
func integrity(msg string) error { return &wrapped{msg: msg, parent: ErrDataIntegrity} }

// IsNotReady reports whether err is an expected wait condition.
func IsNotReady(err error) bool { return errors.Is(err, ErrNotReady) }

// IsIntegrity reports whether err must block the action and raise an alert.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrDataIntegrity) ||
		errors.Is(err, state.ErrPrematureSettlement) ||
		errors.Is(err, state.ErrFieldNotOwned) ||
		errors.Is(err, state.ErrNonceCollision)
}

// IsAbandoned reports whether a submission was broadcast but not seen mined in time. The
// transaction may still land, so the record must not be retried before the resend window.
func IsAbandoned(err error) bool { return errors.Is(err, txqueue.ErrAbandoned) }

// integrityReason is the metric label for an integrity error.
func integrityReason(err error) string {
	switch {
	case errors.Is(err, ErrTransferIDMismatch):
		return "transfer_id"
	case errors.Is(err, ErrNonceCollision), errors.Is(err, state.ErrNonceCollision):
		return "nonce"
	case errors.Is(err, ErrIndexMismatch):
		return "index"
	case errors.Is(err, ErrRootMismatch):
		return "root"
	case errors.Is(err, ErrSourceMismatch):
		return "source"
	case errors.Is(err, state.ErrPrematureSettlement):
		return "premature_settlement"
	case errors.Is(err, state.ErrFieldNotOwned):
		return "field_ownership"
	default:
		return "other"
	}
}

// classifyRelayError maps messenger revert reasons onto the not-ready and already-done
// sentinels. Anything unrecognized is returned unchanged.
func classifyRelayError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not checkpointed"), strings.Contains(msg, "not yet checkpointed"):
		return errors.Join(ErrNotCheckpointed, err)
	case strings.Contains(msg, "proof not found"), strings.Contains(msg, "message not yet provable"):
		return errors.Join(ErrProofNotFound, err)
	case strings.Contains(msg, "challenge window"), strings.Contains(msg, "challenge period"):
		return errors.Join(ErrInChallengeWindow, err)
	case strings.Contains(msg, "already relayed"), strings.Contains(msg, "already confirmed"),
		strings.Contains(msg, "already processed"):
		return errors.Join(ErrAlreadyRelayed, err)
	default:
		return err
	}
}

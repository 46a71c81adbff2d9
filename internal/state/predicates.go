package state

import (
	"time"
)

// Readiness predicates are pure functions of stored fields. Watchers evaluate them on every
// poll; nothing caches their result.

// MaxBondBackoff caps the retry delay after failed bond attempts.
const MaxBondBackoff = time.Hour

// BondBackoff is the wait after the index-th consecutive failed bond attempt.
func BondBackoff(index int) time.Duration {
	if index <= 0 {
		return 0
	}
	if index > 6 {
		return MaxBondBackoff
	}
	d := time.Minute << uint(index-1)
	if d > MaxBondBackoff {
		return MaxBondBackoff
	}
	return d
}

// stale reports whether an attempt recorded at sentAt may be retried. A zero time means no
// attempt is outstanding. An abandoned submission can still land, so retries wait resendAfter.
func stale(sentAt, now time.Time, resendAfter time.Duration) bool {
	return sentAt.IsZero() || now.Sub(sentAt) >= resendAfter
}

// IsUnbondedTransfer: observed, bondable, not bonded or settled, no outstanding attempt and
// past its backoff.
func IsUnbondedTransfer(t Transfer, now time.Time, resendAfter time.Duration) bool {
	if !t.Observed() || !t.IsBondable || t.WithdrawalBonded || t.Settled {
		return false
	}
	if !stale(t.SentBondWithdrawalAt, now, resendAfter) {
		return false
	}
	if !t.BondAttemptedAt.IsZero() && now.Before(t.BondAttemptedAt.Add(BondBackoff(t.BondBackoffIndex))) {
		return false
	}
	return true
}

// IsUnbondedRoot: has a commit hash, lacks the bond flag, is not yet confirmed.
func IsUnbondedRoot(r TransferRoot, now time.Time, resendAfter time.Duration) bool {
	return r.Committed && !isZeroHash(r.CommitTxHash) && !r.Bonded && !r.Confirmed &&
		stale(r.SentBondTxAt, now, resendAfter)
}

// IsUnconfirmedRoot: committed and bonded, not confirmed, no outstanding relay.
func IsUnconfirmedRoot(r TransferRoot, now time.Time, resendAfter time.Duration) bool {
	return r.Committed && r.Bonded && !r.Confirmed && stale(r.SentConfirmTxAt, now, resendAfter)
}

// IsChallengeableRoot: bonded, not confirmed, no confirm relay sent. Resolution candidates use
// the same predicate.
func IsChallengeableRoot(r TransferRoot) bool {
	return r.Bonded && !r.Confirmed && r.SentConfirmTxAt.IsZero()
}

// IsSettleableRoot: confirmed, members resolved, not fully settled, no outstanding attempt.
func IsSettleableRoot(r TransferRoot, now time.Time, resendAfter time.Duration) bool {
	return r.Confirmed && len(r.TransferIDs) > 0 && !r.AllSettled && stale(r.SettleAttemptedAt, now, resendAfter)
}

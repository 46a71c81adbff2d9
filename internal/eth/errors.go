package eth

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrInvalidSenderConfig = errors.New("eth: invalid sender config")
	ErrTxReverted          = errors.New("eth: transaction reverted")
	ErrNonceTooLow         = errors.New("eth: nonce too low")
	ErrInsufficientFunds   = errors.New("eth: insufficient funds")
	ErrExecutionReverted   = errors.New("eth: execution reverted")
)

// classify maps node error strings onto sentinel errors. Nodes only return text, so matching is
// by substring.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"):
		return errors.Join(ErrNonceTooLow, err)
	case strings.Contains(msg, "insufficient funds"):
		return errors.Join(ErrInsufficientFunds, err)
	case strings.Contains(msg, "execution reverted"):
		return errors.Join(ErrExecutionReverted, err)
	default:
		return err
	}
}

func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// IsPermanent reports whether retrying a submission cannot help.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	err = classify(err)
	return errors.Is(err, ErrTxReverted) ||
		errors.Is(err, ErrExecutionReverted) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrNonceTooLow) ||
		errors.Is(err, ErrInvalidSenderConfig) ||
		errors.Is(err, ErrInvalidSigner)
}

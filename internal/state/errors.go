package state

import "errors"

var (
	ErrInvalidInput        = errors.New("state: invalid input")
	ErrNotFound            = errors.New("state: not found")
	ErrFieldNotOwned       = errors.New("state: field not owned by writer")
	ErrNonMonotonic        = errors.New("state: monotone field cannot be cleared")
	ErrNonceCollision      = errors.New("state: transfer nonce collision")
	ErrPrematureSettlement = errors.New("state: settlement before root confirmation")
)

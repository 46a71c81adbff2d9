package bridgeabi

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrEventMismatch = errors.New("bridgeabi: log does not match event")

// Event names.
const (
	EventTransferSent               = "TransferSent"
	EventTransfersCommitted         = "TransfersCommitted"
	EventWithdrawalBonded           = "WithdrawalBonded"
	EventWithdrawalBondSettled      = "WithdrawalBondSettled"
	EventMultipleWithdrawalsSettled = "MultipleWithdrawalsSettled"
	EventTransferRootBonded         = "TransferRootBonded"
	EventTransferRootConfirmed      = "TransferRootConfirmed"
	EventTransferRootSet            = "TransferRootSet"
	EventTransferBondChallenged     = "TransferBondChallenged"
	EventChallengeResolved          = "ChallengeResolved"
)

// Struct field names follow the ABI argument names so abi unpacking can fill them.

type TransferSent struct {
	TransferId    common.Hash
	ChainId       *big.Int
	Recipient     common.Address
	Amount        *big.Int
	TransferNonce common.Hash
	BonderFee     *big.Int
	Index         *big.Int
	AmountOutMin  *big.Int
	Deadline      *big.Int
	Raw           types.Log
}

type TransfersCommitted struct {
	DestinationChainId *big.Int
	RootHash           common.Hash
	TotalAmount        *big.Int
	RootCommittedAt    *big.Int
	Raw                types.Log
}

type WithdrawalBonded struct {
	TransferId common.Hash
	Amount     *big.Int
	Raw        types.Log
}

type WithdrawalBondSettled struct {
	Bonder     common.Address
	TransferId common.Hash
	RootHash   common.Hash
	Raw        types.Log
}

type MultipleWithdrawalsSettled struct {
	Bonder            common.Address
	RootHash          common.Hash
	TotalBondsSettled *big.Int
	Raw               types.Log
}

// TransferRootBonded carries the transfer root id, not the root hash.
type TransferRootBonded struct {
	Root   common.Hash
	Amount *big.Int
	Raw    types.Log
}

type TransferRootConfirmed struct {
	OriginChainId      *big.Int
	DestinationChainId *big.Int
	RootHash           common.Hash
	TotalAmount        *big.Int
	Raw                types.Log
}

type TransferRootSet struct {
	RootHash    common.Hash
	TotalAmount *big.Int
	Raw         types.Log
}

type TransferBondChallenged struct {
	TransferRootId common.Hash
	RootHash       common.Hash
	OriginalAmount *big.Int
	Raw            types.Log
}

type ChallengeResolved struct {
	TransferRootId common.Hash
	RootHash       common.Hash
	OriginalAmount *big.Int
	Raw            types.Log
}

// EventID returns topic0 for a named event.
func EventID(name string) (common.Hash, error) {
	if err := initABI(); err != nil {
		return common.Hash{}, err
	}
	ev, ok := hopABI.Events[name]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: unknown event %s", ErrEventMismatch, name)
	}
	return ev.ID, nil
}

// Topics returns topic0 for every watched event, suitable for a FilterQuery.
func Topics() ([]common.Hash, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	names := []string{
		EventTransferSent, EventTransfersCommitted, EventWithdrawalBonded, EventWithdrawalBondSettled,
		EventMultipleWithdrawalsSettled, EventTransferRootBonded, EventTransferRootConfirmed,
		EventTransferRootSet, EventTransferBondChallenged, EventChallengeResolved,
	}
	out := make([]common.Hash, 0, len(names))
	for _, n := range names {
		out = append(out, hopABI.Events[n].ID)
	}
	return out, nil
}

// EventName identifies a log by topic0.
func EventName(lg types.Log) (string, bool) {
	if initABI() != nil || len(lg.Topics) == 0 {
		return "", false
	}
	ev, err := hopABI.EventByID(lg.Topics[0])
	if err != nil {
		return "", false
	}
	return ev.Name, true
}

// DecodeLog decodes any watched event into its typed struct (returned as a pointer).
func DecodeLog(lg types.Log) (any, error) {
	name, ok := EventName(lg)
	if !ok {
		return nil, ErrEventMismatch
	}
	var out any
	switch name {
	case EventTransferSent:
		out = new(TransferSent)
	case EventTransfersCommitted:
		out = new(TransfersCommitted)
	case EventWithdrawalBonded:
		out = new(WithdrawalBonded)
	case EventWithdrawalBondSettled:
		out = new(WithdrawalBondSettled)
	case EventMultipleWithdrawalsSettled:
		out = new(MultipleWithdrawalsSettled)
	case EventTransferRootBonded:
		out = new(TransferRootBonded)
	case EventTransferRootConfirmed:
		out = new(TransferRootConfirmed)
	case EventTransferRootSet:
		out = new(TransferRootSet)
	case EventTransferBondChallenged:
		out = new(TransferBondChallenged)
	case EventChallengeResolved:
		out = new(ChallengeResolved)
	default:
		return nil, fmt.Errorf("%w: %s", ErrEventMismatch, name)
	}
	if err := unpackLog(out, name, lg); err != nil {
		return nil, err
	}
	setRaw(out, lg)
	return out, nil
}

func unpackLog(out any, name string, lg types.Log) error {
	ev := hopABI.Events[name]
	if len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
		return fmt.Errorf("%w: %s", ErrEventMismatch, name)
	}
	if len(lg.Data) > 0 {
		if err := hopABI.UnpackIntoInterface(out, name, lg.Data); err != nil {
			return fmt.Errorf("bridgeabi: unpack %s data: %w", name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(lg.Topics)-1 != len(indexed) {
		return fmt.Errorf("%w: %s wants %d indexed topics, got %d", ErrEventMismatch, name, len(indexed), len(lg.Topics)-1)
	}
	if err := abi.ParseTopics(out, indexed, lg.Topics[1:]); err != nil {
		return fmt.Errorf("bridgeabi: parse %s topics: %w", name, err)
	}
	return nil
}

func setRaw(out any, lg types.Log) {
	switch e := out.(type) {
	case *TransferSent:
		e.Raw = lg
	case *TransfersCommitted:
		e.Raw = lg
	case *WithdrawalBonded:
		e.Raw = lg
	case *WithdrawalBondSettled:
		e.Raw = lg
	case *MultipleWithdrawalsSettled:
		e.Raw = lg
	case *TransferRootBonded:
		e.Raw = lg
	case *TransferRootConfirmed:
		e.Raw = lg
	case *TransferRootSet:
		e.Raw = lg
	case *TransferBondChallenged:
		e.Raw = lg
	case *ChallengeResolved:
		e.Raw = lg
	}
}

// Package bridgeabi packs calls to and decodes events from the Hop bridge contracts, and derives
// transfer and transfer-root identifiers exactly as the contracts do.
package bridgeabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidInput  = errors.New("bridgeabi: invalid input")
	ErrUnknownMethod = errors.New("bridgeabi: unknown method")
)

// Method names the bonder submits.
const (
	MethodBondWithdrawal              = "bondWithdrawal"
	MethodBondWithdrawalAndDistribute = "bondWithdrawalAndDistribute"
	MethodBondTransferRoot            = "bondTransferRoot"
	MethodCommitTransfers             = "commitTransfers"
	MethodConfirmTransferRoot         = "confirmTransferRoot"
	MethodSettleBondedWithdrawals     = "settleBondedWithdrawals"
	MethodSettleBondedWithdrawal      = "settleBondedWithdrawal"
	MethodChallengeTransferBond       = "challengeTransferBond"
	MethodResolveChallenge            = "resolveChallenge"
)

var (
	initOnce sync.Once
	initErr  error

	hopABI abi.ABI
	// idArgs and rootIDArgs mirror the abi.encode calls in getTransferId and getTransferRootId.
	idArgs     abi.Arguments
	rootIDArgs abi.Arguments
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		hopABI, err = abi.JSON(strings.NewReader(hopBridgeABIJSON))
		if err != nil {
			initErr = fmt.Errorf("bridgeabi: parse hop bridge ABI: %w", err)
			return
		}

		u256, _ := abi.NewType("uint256", "", nil)
		addr, _ := abi.NewType("address", "", nil)
		b32, _ := abi.NewType("bytes32", "", nil)
		idArgs = abi.Arguments{
			{Name: "chainId", Type: u256},
			{Name: "recipient", Type: addr},
			{Name: "amount", Type: u256},
			{Name: "transferNonce", Type: b32},
			{Name: "bonderFee", Type: u256},
			{Name: "amountOutMin", Type: u256},
			{Name: "deadline", Type: u256},
		}
		rootIDArgs = abi.Arguments{
			{Name: "rootHash", Type: b32},
			{Name: "totalAmount", Type: u256},
		}
	})
	return initErr
}

// ABI returns the parsed bridge ABI.
func ABI() (abi.ABI, error) {
	if err := initABI(); err != nil {
		return abi.ABI{}, err
	}
	return hopABI, nil
}

func nonNegative(name string, v *big.Int) error {
	if v == nil || v.Sign() < 0 {
		return fmt.Errorf("%w: %s must be >= 0", ErrInvalidInput, name)
	}
	return nil
}

func pack(method string, args ...any) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := hopABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("bridgeabi: pack %s calldata: %w", method, err)
	}
	return b, nil
}

func PackBondWithdrawal(recipient common.Address, amount *big.Int, transferNonce common.Hash, bonderFee *big.Int) ([]byte, error) {
	if (recipient == common.Address{}) {
		return nil, fmt.Errorf("%w: recipient must be non-zero", ErrInvalidInput)
	}
	if err := nonNegative("amount", amount); err != nil {
		return nil, err
	}
	if err := nonNegative("bonderFee", bonderFee); err != nil {
		return nil, err
	}
	return pack(MethodBondWithdrawal, recipient, amount, transferNonce, bonderFee)
}

// PackBondWithdrawalAndDistribute is the L2 variant that swaps the hToken through the AMM.
func PackBondWithdrawalAndDistribute(recipient common.Address, amount *big.Int, transferNonce common.Hash, bonderFee, amountOutMin, deadline *big.Int) ([]byte, error) {
	if (recipient == common.Address{}) {
		return nil, fmt.Errorf("%w: recipient must be non-zero", ErrInvalidInput)
	}
	for name, v := range map[string]*big.Int{"amount": amount, "bonderFee": bonderFee, "amountOutMin": amountOutMin, "deadline": deadline} {
		if err := nonNegative(name, v); err != nil {
			return nil, err
		}
	}
	return pack(MethodBondWithdrawalAndDistribute, recipient, amount, transferNonce, bonderFee, amountOutMin, deadline)
}

func PackBondTransferRoot(rootHash common.Hash, destinationChainID uint64, totalAmount *big.Int) ([]byte, error) {
	if (rootHash == common.Hash{}) || destinationChainID == 0 {
		return nil, fmt.Errorf("%w: root hash and destination chain are required", ErrInvalidInput)
	}
	if err := nonNegative("totalAmount", totalAmount); err != nil {
		return nil, err
	}
	return pack(MethodBondTransferRoot, rootHash, new(big.Int).SetUint64(destinationChainID), totalAmount)
}

func PackCommitTransfers(destinationChainID uint64) ([]byte, error) {
	if destinationChainID == 0 {
		return nil, fmt.Errorf("%w: destination chain is required", ErrInvalidInput)
	}
	return pack(MethodCommitTransfers, new(big.Int).SetUint64(destinationChainID))
}

func PackConfirmTransferRoot(originChainID uint64, rootHash common.Hash, destinationChainID uint64, totalAmount *big.Int, rootCommittedAt int64) ([]byte, error) {
	if err := nonNegative("totalAmount", totalAmount); err != nil {
		return nil, err
	}
	if rootCommittedAt <= 0 {
		return nil, fmt.Errorf("%w: rootCommittedAt must be > 0", ErrInvalidInput)
	}
	return pack(MethodConfirmTransferRoot,
		new(big.Int).SetUint64(originChainID), rootHash, new(big.Int).SetUint64(destinationChainID),
		totalAmount, big.NewInt(rootCommittedAt))
}

func PackSettleBondedWithdrawals(bonder common.Address, transferIDs []common.Hash, totalAmount *big.Int) ([]byte, error) {
	if len(transferIDs) == 0 {
		return nil, fmt.Errorf("%w: no transfer ids", ErrInvalidInput)
	}
	if err := nonNegative("totalAmount", totalAmount); err != nil {
		return nil, err
	}
	ids := make([][32]byte, len(transferIDs))
	for i, id := range transferIDs {
		ids[i] = id
	}
	return pack(MethodSettleBondedWithdrawals, bonder, ids, totalAmount)
}

// PackSettleBondedWithdrawal settles one transfer with an inclusion proof.
func PackSettleBondedWithdrawal(bonder common.Address, transferID, rootHash common.Hash, rootTotal *big.Int, index uint64, siblings []common.Hash, totalLeaves uint64) ([]byte, error) {
	if err := nonNegative("transferRootTotalAmount", rootTotal); err != nil {
		return nil, err
	}
	sib := make([][32]byte, len(siblings))
	for i, s := range siblings {
		sib[i] = s
	}
	return pack(MethodSettleBondedWithdrawal, bonder, transferID, rootHash, rootTotal,
		new(big.Int).SetUint64(index), sib, new(big.Int).SetUint64(totalLeaves))
}

func PackChallengeTransferBond(rootHash common.Hash, originalAmount *big.Int, destinationChainID uint64) ([]byte, error) {
	if err := nonNegative("originalAmount", originalAmount); err != nil {
		return nil, err
	}
	return pack(MethodChallengeTransferBond, rootHash, originalAmount, new(big.Int).SetUint64(destinationChainID))
}

func PackResolveChallenge(rootHash common.Hash, originalAmount *big.Int, destinationChainID uint64) ([]byte, error) {
	if err := nonNegative("originalAmount", originalAmount); err != nil {
		return nil, err
	}
	return pack(MethodResolveChallenge, rootHash, originalAmount, new(big.Int).SetUint64(destinationChainID))
}

// BondTransferRootCall is the decoded argument list of a bondTransferRoot transaction.
type BondTransferRootCall struct {
	RootHash           common.Hash
	DestinationChainID uint64
	TotalAmount        *big.Int
}

// UnpackBondTransferRoot decodes bondTransferRoot calldata. TransferRootBonded only carries the
// root id, so the sync watcher reads the root hash and destination from the transaction input.
func UnpackBondTransferRoot(calldata []byte) (BondTransferRootCall, error) {
	if err := initABI(); err != nil {
		return BondTransferRootCall{}, err
	}
	m := hopABI.Methods[MethodBondTransferRoot]
	if len(calldata) < 4 || string(calldata[:4]) != string(m.ID) {
		return BondTransferRootCall{}, fmt.Errorf("%w: not bondTransferRoot calldata", ErrInvalidInput)
	}
	vals, err := m.Inputs.Unpack(calldata[4:])
	if err != nil {
		return BondTransferRootCall{}, fmt.Errorf("bridgeabi: unpack bondTransferRoot: %w", err)
	}
	root, _ := vals[0].([32]byte)
	dest, _ := vals[1].(*big.Int)
	total, _ := vals[2].(*big.Int)
	if dest == nil || total == nil || !dest.IsUint64() {
		return BondTransferRootCall{}, fmt.Errorf("%w: malformed bondTransferRoot arguments", ErrInvalidInput)
	}
	return BondTransferRootCall{RootHash: root, DestinationChainID: dest.Uint64(), TotalAmount: total}, nil
}

// PackView packs a read-only call.
func PackView(method string, args ...any) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	m, ok := hopABI.Methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	if !m.IsConstant() {
		return nil, fmt.Errorf("%w: %s is not a view", ErrUnknownMethod, method)
	}
	return pack(method, args...)
}

// UnpackUint256 decodes a view returning a single uint256.
func UnpackUint256(method string, out []byte) (*big.Int, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	vals, err := hopABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("bridgeabi: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("bridgeabi: unpack %s: got %d values", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("bridgeabi: unpack %s: unexpected type %T", method, vals[0])
	}
	return v, nil
}

// UnpackBool decodes a view returning a single bool.
func UnpackBool(method string, out []byte) (bool, error) {
	if err := initABI(); err != nil {
		return false, err
	}
	vals, err := hopABI.Unpack(method, out)
	if err != nil {
		return false, fmt.Errorf("bridgeabi: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return false, fmt.Errorf("bridgeabi: unpack %s: got %d values", method, len(vals))
	}
	v, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("bridgeabi: unpack %s: unexpected type %T", method, vals[0])
	}
	return v, nil
}

// TransferRootInfo is the hub contract's getTransferRoot record.
type TransferRootInfo struct {
	Total           *big.Int
	AmountWithdrawn *big.Int
	CreatedAt       *big.Int
}

func UnpackTransferRoot(out []byte) (TransferRootInfo, error) {
	if err := initABI(); err != nil {
		return TransferRootInfo{}, err
	}
	vals, err := hopABI.Unpack("getTransferRoot", out)
	if err != nil {
		return TransferRootInfo{}, fmt.Errorf("bridgeabi: unpack getTransferRoot: %w", err)
	}
	if len(vals) != 1 {
		return TransferRootInfo{}, fmt.Errorf("bridgeabi: unpack getTransferRoot: got %d values", len(vals))
	}
	info := *abi.ConvertType(vals[0], new(TransferRootInfo)).(*TransferRootInfo)
	return info, nil
}

// TransferBond is the hub contract's transferBonds record for one transfer root id.
type TransferBond struct {
	Bonder             common.Address
	CreatedAt          *big.Int
	TotalAmount        *big.Int
	ChallengeStartTime *big.Int
	Challenger         common.Address
	ChallengeResolved  bool
}

func UnpackTransferBond(out []byte) (TransferBond, error) {
	if err := initABI(); err != nil {
		return TransferBond{}, err
	}
	var tb TransferBond
	if err := hopABI.UnpackIntoInterface(&tb, "transferBonds", out); err != nil {
		return TransferBond{}, fmt.Errorf("bridgeabi: unpack transferBonds: %w", err)
	}
	return tb, nil
}

// MethodName returns the bridge method a calldata blob invokes.
func MethodName(calldata []byte) (string, error) {
	if err := initABI(); err != nil {
		return "", err
	}
	if len(calldata) < 4 {
		return "", fmt.Errorf("%w: short calldata", ErrInvalidInput)
	}
	m, err := hopABI.MethodById(calldata[:4])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownMethod, err)
	}
	return m.Name, nil
}

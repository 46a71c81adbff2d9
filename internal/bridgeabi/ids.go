package bridgeabi

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// TransferFields are the inputs of getTransferId.
type TransferFields struct {
	DestinationChainID uint64
	Recipient          common.Address
	Amount             *big.Int
	TransferNonce      common.Hash
	BonderFee          *big.Int
	AmountOutMin       *big.Int
	Deadline           *big.Int
}

// TransferID is keccak256(abi.encode(chainId, recipient, amount, transferNonce, bonderFee,
// amountOutMin, deadline)).
func TransferID(f TransferFields) (common.Hash, error) {
	if err := initABI(); err != nil {
		return common.Hash{}, err
	}
	for name, v := range map[string]*big.Int{"amount": f.Amount, "bonderFee": f.BonderFee, "amountOutMin": f.AmountOutMin, "deadline": f.Deadline} {
		if err := nonNegative(name, v); err != nil {
			return common.Hash{}, err
		}
	}
	enc, err := idArgs.Pack(new(big.Int).SetUint64(f.DestinationChainID), f.Recipient, f.Amount, f.TransferNonce, f.BonderFee, f.AmountOutMin, f.Deadline)
	if err != nil {
		return common.Hash{}, fmt.Errorf("bridgeabi: encode transfer id: %w", err)
	}
	return keccak(enc), nil
}

// TransferRootID is keccak256(abi.encode(rootHash, totalAmount)).
func TransferRootID(rootHash common.Hash, totalAmount *big.Int) (common.Hash, error) {
	if err := initABI(); err != nil {
		return common.Hash{}, err
	}
	if err := nonNegative("totalAmount", totalAmount); err != nil {
		return common.Hash{}, err
	}
	enc, err := rootIDArgs.Pack(rootHash, totalAmount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("bridgeabi: encode transfer root id: %w", err)
	}
	return keccak(enc), nil
}

func keccak(b []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(b)
	var out common.Hash
	h.Sum(out[:0])
	return out
}

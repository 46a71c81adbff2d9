package bridge

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/hop-exchange/bonder-node/internal/bridgeabi"
)

func (c *Contract) call(ctx context.Context, method string, args ...any) ([]byte, error) {
	data, err := bridgeabi.PackView(method, args...)
	if err != nil {
		return nil, err
	}
	to := c.cfg.Address
	out, err := c.cfg.Provider.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: %s %s.%s: %w", c.cfg.Chain, c.cfg.Token, method, err)
	}
	return out, nil
}

func (c *Contract) callUint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	out, err := c.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	return bridgeabi.UnpackUint256(method, out)
}

func (c *Contract) Credit(ctx context.Context, bonder common.Address) (*big.Int, error) {
	return c.callUint(ctx, "getCredit", bonder)
}

// Debit includes the additional debit the L2 bridges track for pending bonds.
func (c *Contract) Debit(ctx context.Context, bonder common.Address) (*big.Int, error) {
	return c.callUint(ctx, "getDebitAndAdditionalDebit", bonder)
}

// AvailableCredit is credit minus debit, floored at zero.
func (c *Contract) AvailableCredit(ctx context.Context, bonder common.Address) (*big.Int, error) {
	credit, err := c.Credit(ctx, bonder)
	if err != nil {
		return nil, err
	}
	debit, err := c.Debit(ctx, bonder)
	if err != nil {
		return nil, err
	}
	avail := new(big.Int).Sub(credit, debit)
	if avail.Sign() < 0 {
		avail.SetInt64(0)
	}
	return avail, nil
}

func (c *Contract) IsBonder(ctx context.Context, addr common.Address) (bool, error) {
	out, err := c.call(ctx, "getIsBonder", addr)
	if err != nil {
		return false, err
	}
	return bridgeabi.UnpackBool("getIsBonder", out)
}

func (c *Contract) BondedWithdrawalAmount(ctx context.Context, bonder common.Address, transferID common.Hash) (*big.Int, error) {
	return c.callUint(ctx, "getBondedWithdrawalAmount", bonder, [32]byte(transferID))
}

func (c *Contract) IsTransferIDSpent(ctx context.Context, transferID common.Hash) (bool, error) {
	out, err := c.call(ctx, "isTransferIdSpent", [32]byte(transferID))
	if err != nil {
		return false, err
	}
	return bridgeabi.UnpackBool("isTransferIdSpent", out)
}

// TransferRoot reads a root set on this chain. A zero Total means it is not set.
func (c *Contract) TransferRoot(ctx context.Context, rootHash common.Hash, totalAmount *big.Int) (bridgeabi.TransferRootInfo, error) {
	out, err := c.call(ctx, "getTransferRoot", [32]byte(rootHash), totalAmount)
	if err != nil {
		return bridgeabi.TransferRootInfo{}, err
	}
	return bridgeabi.UnpackTransferRoot(out)
}

func (c *Contract) PendingAmountForChainID(ctx context.Context, destinationChainID uint64) (*big.Int, error) {
	return c.callUint(ctx, "pendingAmountForChainId", new(big.Int).SetUint64(destinationChainID))
}

func (c *Contract) LastCommitTimeForChainID(ctx context.Context, destinationChainID uint64) (*big.Int, error) {
	return c.callUint(ctx, "lastCommitTimeForChainId", new(big.Int).SetUint64(destinationChainID))
}

func (c *Contract) MinimumForceCommitDelay(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, "minimumForceCommitDelay")
}

// The remaining reads exist only on the hub bridge.

func (c *Contract) TransferRootCommittedAt(ctx context.Context, destinationChainID uint64, transferRootID common.Hash) (*big.Int, error) {
	if !c.cfg.Hub {
		return nil, ErrNotHub
	}
	return c.callUint(ctx, "transferRootCommittedAt", new(big.Int).SetUint64(destinationChainID), [32]byte(transferRootID))
}

func (c *Contract) TransferBond(ctx context.Context, transferRootID common.Hash) (bridgeabi.TransferBond, error) {
	if !c.cfg.Hub {
		return bridgeabi.TransferBond{}, ErrNotHub
	}
	out, err := c.call(ctx, "transferBonds", [32]byte(transferRootID))
	if err != nil {
		return bridgeabi.TransferBond{}, err
	}
	return bridgeabi.UnpackTransferBond(out)
}

func (c *Contract) MinTransferRootBondDelay(ctx context.Context) (*big.Int, error) {
	if !c.cfg.Hub {
		return nil, ErrNotHub
	}
	return c.callUint(ctx, "minTransferRootBondDelay")
}

func (c *Contract) ChallengePeriod(ctx context.Context) (*big.Int, error) {
	if !c.cfg.Hub {
		return nil, ErrNotHub
	}
	return c.callUint(ctx, "challengePeriod")
}

func (c *Contract) ChallengeAmount(ctx context.Context, amount *big.Int) (*big.Int, error) {
	if !c.cfg.Hub {
		return nil, ErrNotHub
	}
	return c.callUint(ctx, "getChallengeAmountForTransferAmount", amount)
}

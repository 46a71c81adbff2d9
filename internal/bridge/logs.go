package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/hop-exchange/bonder-node/internal/bridgeabi"
)

// Logs returns every bridge event emitted by this contract in [from, to].
func (c *Contract) Logs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	topics, err := bridgeabi.Topics()
	if err != nil {
		return nil, err
	}
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.cfg.Address},
		Topics:    [][]common.Hash{topics},
	}
	logs, err := c.cfg.Provider.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("bridge: %s %s logs [%d,%d]: %w", c.cfg.Chain, c.cfg.Token, from, to, err)
	}
	return logs, nil
}

// BondTransferRootCall reads the root hash and destination out of a bondTransferRoot transaction.
func (c *Contract) BondTransferRootCall(ctx context.Context, txHash common.Hash) (bridgeabi.BondTransferRootCall, error) {
	tx, _, err := c.cfg.Provider.TransactionByHash(ctx, txHash)
	if err != nil {
		return bridgeabi.BondTransferRootCall{}, fmt.Errorf("%w: %s: %v", ErrTxNotFound, txHash, err)
	}
	if tx == nil {
		return bridgeabi.BondTransferRootCall{}, fmt.Errorf("%w: %s", ErrTxNotFound, txHash)
	}
	return bridgeabi.UnpackBondTransferRoot(tx.Data())
}

// ReceiptLog re-reads the log at index in txHash's current receipt. It returns ErrTxNotFound when
// the transaction is no longer mined, and ErrLogNotFound when the receipt has no such log from
// this contract.
func (c *Contract) ReceiptLog(ctx context.Context, txHash common.Hash, index uint) (types.Log, error) {
	r, err := c.cfg.Provider.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && r == nil) {
		return types.Log{}, fmt.Errorf("%w: %s", ErrTxNotFound, txHash)
	}
	if err != nil {
		return types.Log{}, fmt.Errorf("bridge: %s receipt %s: %w", c.cfg.Chain, txHash, err)
	}
	for _, lg := range r.Logs {
		if lg != nil && lg.Index == index && lg.Address == c.cfg.Address {
			return *lg, nil
		}
	}
	return types.Log{}, fmt.Errorf("%w: %s log %d", ErrLogNotFound, txHash, index)
}

// BlockTime returns the timestamp of block number.
func (c *Contract) BlockTime(ctx context.Context, number uint64) (int64, error) {
	h, err := c.cfg.Provider.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("bridge: %s header %d: %w", c.cfg.Chain, number, err)
	}
	return int64(h.Time), nil
}

package bridge

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/hop-exchange/bonder-node/internal/bridgeabi"
	"github.com/hop-exchange/bonder-node/internal/eth"
	"github.com/hop-exchange/bonder-node/internal/metrics"
	"github.com/hop-exchange/bonder-node/internal/state"
	"github.com/hop-exchange/bonder-node/internal/txqueue"
)

// Withdrawal is the argument set for bonding one transfer on its destination chain.
type Withdrawal struct {
	Recipient     common.Address
	Amount        *big.Int
	TransferNonce common.Hash
	BonderFee     *big.Int
	AmountOutMin  *big.Int
	Deadline      *big.Int
}

// BondWithdrawal bonds w. The hub bridge pays out directly; L2 bridges swap through the AMM.
func (c *Contract) BondWithdrawal(ctx context.Context, w Withdrawal) (*types.Receipt, error) {
	var (
		data []byte
		err  error
	)
	if c.cfg.Hub {
		data, err = bridgeabi.PackBondWithdrawal(w.Recipient, w.Amount, w.TransferNonce, w.BonderFee)
	} else {
		data, err = bridgeabi.PackBondWithdrawalAndDistribute(w.Recipient, w.Amount, w.TransferNonce, w.BonderFee, w.AmountOutMin, w.Deadline)
	}
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, bridgeabi.MethodBondWithdrawal, data, nil)
}

func (c *Contract) BondTransferRoot(ctx context.Context, rootHash common.Hash, destinationChainID uint64, totalAmount *big.Int) (*types.Receipt, error) {
	if !c.cfg.Hub {
		return nil, ErrNotHub
	}
	data, err := bridgeabi.PackBondTransferRoot(rootHash, destinationChainID, totalAmount)
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, bridgeabi.MethodBondTransferRoot, data, nil)
}

func (c *Contract) CommitTransfers(ctx context.Context, destinationChainID uint64) (*types.Receipt, error) {
	data, err := bridgeabi.PackCommitTransfers(destinationChainID)
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, bridgeabi.MethodCommitTransfers, data, nil)
}

func (c *Contract) SettleBondedWithdrawals(ctx context.Context, bonder common.Address, transferIDs []common.Hash, totalAmount *big.Int) (*types.Receipt, error) {
	data, err := bridgeabi.PackSettleBondedWithdrawals(bonder, transferIDs, totalAmount)
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, bridgeabi.MethodSettleBondedWithdrawals, data, nil)
}

// ChallengeTransferBond posts the challenge stake as the transaction value.
func (c *Contract) ChallengeTransferBond(ctx context.Context, rootHash common.Hash, originalAmount *big.Int, destinationChainID uint64, stake *big.Int) (*types.Receipt, error) {
	if !c.cfg.Hub {
		return nil, ErrNotHub
	}
	data, err := bridgeabi.PackChallengeTransferBond(rootHash, originalAmount, destinationChainID)
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, bridgeabi.MethodChallengeTransferBond, data, stake)
}

func (c *Contract) ResolveChallenge(ctx context.Context, rootHash common.Hash, originalAmount *big.Int, destinationChainID uint64) (*types.Receipt, error) {
	if !c.cfg.Hub {
		return nil, ErrNotHub
	}
	data, err := bridgeabi.PackResolveChallenge(rootHash, originalAmount, destinationChainID)
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, bridgeabi.MethodResolveChallenge, data, nil)
}

// SubmitTo sends arbitrary calldata from the bonder through this chain's queue. Relayers use it
// to reach messenger contracts other than the bridge.
func (c *Contract) SubmitTo(ctx context.Context, kind string, to common.Address, data []byte) (*types.Receipt, error) {
	return c.submitTo(ctx, kind, to, data, nil)
}

func (c *Contract) submit(ctx context.Context, kind string, data []byte, value *big.Int) (*types.Receipt, error) {
	return c.submitTo(ctx, kind, c.cfg.Address, data, value)
}

func (c *Contract) submitTo(ctx context.Context, kind string, to common.Address, data []byte, value *big.Int) (*types.Receipt, error) {
	if c.cfg.Send == nil {
		return nil, ErrReadOnly
	}
	job := txqueue.Job{Network: c.cfg.Chain, Kind: kind}
	receipt, err := c.cfg.Queue.Submit(ctx, job, func(ctx context.Context) (txqueue.Pending, error) {
		return c.cfg.Send(ctx, eth.TxRequest{
			To:    to,
			Data:  data,
			Value: value,
			Label: c.cfg.Token + ":" + kind,
		})
	})
	if receipt != nil {
		c.recordGasCost(ctx, kind, receipt)
	}
	return receipt, err
}

func (c *Contract) recordGasCost(ctx context.Context, kind string, r *types.Receipt) {
	metrics.GasUsed.WithLabelValues(c.cfg.Chain, kind).Observe(float64(r.GasUsed))
	if c.cfg.GasCosts == nil {
		return
	}
	sample := state.GasCostSample{
		Chain:             c.cfg.Chain,
		Token:             c.cfg.Token,
		Kind:              kind,
		TxHash:            r.TxHash,
		GasUsed:           r.GasUsed,
		EffectiveGasPrice: r.EffectiveGasPrice,
		At:                c.cfg.Now().UTC(),
	}
	if err := c.cfg.GasCosts.Record(ctx, sample); err != nil {
		c.log.Warn("record gas cost", "kind", kind, "tx", r.TxHash, "err", err)
	}
}

// GasPriceRecorder returns an eth.SenderConfig.OnBroadcast hook that stores the price each
// broadcast paid. Dynamic-fee transactions record their fee cap.
func GasPriceRecorder(prices *state.GasPrices, chain string, now func() time.Time, log *slog.Logger) func(context.Context, *types.Transaction) {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, tx *types.Transaction) {
		price := tx.GasPrice()
		if tx.Type() == types.DynamicFeeTxType {
			price = tx.GasFeeCap()
		}
		err := prices.Record(ctx, state.GasPriceSample{Chain: chain, GasPrice: price, At: now().UTC()})
		if err != nil && log != nil {
			log.Warn("record gas price", "chain", chain, "tx", tx.Hash(), "err", err)
		}
	}
}

// Package bridge is the bonder's view of one token bridge contract on one chain: typed reads,
// event queries, and transactions routed through the per-network submission queue.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/hop-exchange/bonder-node/internal/eth"
	"github.com/hop-exchange/bonder-node/internal/state"
	"github.com/hop-exchange/bonder-node/internal/txqueue"
)

var (
	ErrInvalidConfig = errors.New("bridge: invalid config")
	ErrReadOnly      = errors.New("bridge: contract has no sender")
	ErrNotHub        = errors.New("bridge: method only exists on the hub bridge")
	ErrTxNotFound    = errors.New("bridge: transaction not found")
	ErrLogNotFound   = errors.New("bridge: log not found in receipt")
)

// Provider is the chain RPC surface the contract needs. *ethclient.Client satisfies it.
type Provider interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Submitter serializes transactions per network. *txqueue.Queue satisfies it.
type Submitter interface {
	Submit(ctx context.Context, job txqueue.Job, fn txqueue.SubmitFunc) (*types.Receipt, error)
}

// SendFunc broadcasts one transaction from the bonder account.
type SendFunc func(ctx context.Context, req eth.TxRequest) (txqueue.Pending, error)

// SenderFunc adapts an eth.Sender.
func SenderFunc(s *eth.Sender) SendFunc {
	return func(ctx context.Context, req eth.TxRequest) (txqueue.Pending, error) {
		p, err := s.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// GasCostRecorder stores the realized cost of mined transactions. *state.GasCosts satisfies it.
type GasCostRecorder interface {
	Record(ctx context.Context, g state.GasCostSample) error
}

type Config struct {
	Chain   string
	ChainID uint64
	Token   string
	Address common.Address
	// Hub marks the L1 bridge, which bonds transfer roots and accepts confirmations.
	Hub    bool
	Bonder common.Address

	Provider Provider
	// Send and Queue are optional; without them the contract is read-only.
	Send     SendFunc
	Queue    Submitter
	GasCosts GasCostRecorder

	Logger *slog.Logger
	Now    func() time.Time
}

type Contract struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) (*Contract, error) {
	if cfg.Chain == "" || cfg.ChainID == 0 || cfg.Token == "" {
		return nil, fmt.Errorf("%w: chain, chain id and token are required", ErrInvalidConfig)
	}
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s %s bridge address is required", ErrInvalidConfig, cfg.Chain, cfg.Token)
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("%w: nil provider", ErrInvalidConfig)
	}
	if (cfg.Send == nil) != (cfg.Queue == nil) {
		return nil, fmt.Errorf("%w: sender and queue must be set together", ErrInvalidConfig)
	}
	if cfg.Send != nil && cfg.Bonder == (common.Address{}) {
		return nil, fmt.Errorf("%w: bonder address is required to send", ErrInvalidConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Contract{
		cfg: cfg,
		log: cfg.Logger.With("chain", cfg.Chain, "token", cfg.Token, "bridge", cfg.Address),
	}, nil
}

func (c *Contract) Chain() string           { return c.cfg.Chain }
func (c *Contract) ChainID() uint64         { return c.cfg.ChainID }
func (c *Contract) Token() string           { return c.cfg.Token }
func (c *Contract) Address() common.Address { return c.cfg.Address }
func (c *Contract) Bonder() common.Address  { return c.cfg.Bonder }
func (c *Contract) IsHub() bool             { return c.cfg.Hub }
func (c *Contract) CanSend() bool           { return c.cfg.Send != nil }

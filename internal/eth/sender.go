package eth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/hop-exchange/bonder-node/internal/metrics"
)

type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type SenderConfig struct {
	Chain              string
	ChainID            *big.Int
	GasLimitMultiplier float64
	// GasPriceMultiplier scales the network's suggested price at submission time.
	GasPriceMultiplier float64
	MinTipCap          *big.Int

	ReceiptPollInterval time.Duration

	ReplaceAfter           time.Duration
	MaxReplacements        int
	ReplacementBumpPercent int
	MinReplacementTipBump  *big.Int
	MinReplacementFeeBump  *big.Int

	// Boosts persists in-flight transactions. Nil keeps them in memory only.
	Boosts BoostStore
	// OnBroadcast is called after every accepted broadcast, replacements included.
	OnBroadcast func(ctx context.Context, tx *types.Transaction)

	Logger *slog.Logger
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
}

// Sender broadcasts transactions from the bonder account on one chain and keeps every broadcast
// nonce tracked until it is mined, bumping fees when it stalls.
type Sender struct {
	backend Backend
	signer  Signer
	cfg     SenderConfig
	nonces  *NonceManager
	log     *slog.Logger

	mu       sync.Mutex
	inflight map[uint64]*PendingTx
}

type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // optional; 0 => estimate
	// Label names the action in logs and the boost record.
	Label string
}

func NewSender(backend Backend, signer Signer, cfg SenderConfig) (*Sender, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidSenderConfig
	}
	if (signer.Address() == common.Address{}) {
		return nil, fmt.Errorf("%w: zero signer address", ErrInvalidSenderConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 || !cfg.ChainID.IsUint64() {
		return nil, fmt.Errorf("%w: chain id", ErrInvalidSenderConfig)
	}
	if cfg.GasLimitMultiplier <= 0 || cfg.GasPriceMultiplier <= 0 {
		return nil, fmt.Errorf("%w: multipliers must be positive", ErrInvalidSenderConfig)
	}
	if cfg.MinTipCap == nil || cfg.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: min tip cap", ErrInvalidSenderConfig)
	}
	if cfg.ReceiptPollInterval <= 0 {
		return nil, fmt.Errorf("%w: receipt poll interval", ErrInvalidSenderConfig)
	}
	if cfg.MaxReplacements < 0 {
		return nil, fmt.Errorf("%w: max replacements", ErrInvalidSenderConfig)
	}
	if cfg.MaxReplacements > 0 {
		if cfg.ReplaceAfter <= 0 || cfg.ReplacementBumpPercent <= 0 {
			return nil, fmt.Errorf("%w: replacement policy", ErrInvalidSenderConfig)
		}
		if cfg.MinReplacementTipBump == nil || cfg.MinReplacementFeeBump == nil {
			return nil, fmt.Errorf("%w: replacement bumps", ErrInvalidSenderConfig)
		}
		if cfg.MinReplacementTipBump.Sign() < 0 || cfg.MinReplacementFeeBump.Sign() < 0 {
			return nil, fmt.Errorf("%w: replacement bumps", ErrInvalidSenderConfig)
		}
	}
	if cfg.Boosts == nil {
		cfg.Boosts = NewMemoryBoostStore()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}

	return &Sender{
		backend:  backend,
		signer:   signer,
		cfg:      cfg,
		nonces:   NewNonceManager(backend, signer.Address()),
		log:      log.With("chain", cfg.Chain, "from", signer.Address()),
		inflight: make(map[uint64]*PendingTx),
	}, nil
}

func (s *Sender) Address() common.Address { return s.signer.Address() }
func (s *Sender) ChainID() *big.Int       { return new(big.Int).Set(s.cfg.ChainID) }
func (s *Sender) Chain() string           { return s.cfg.Chain }

// Send estimates, prices, signs and broadcasts req. The returned PendingTx is tracked until mined
// even if the caller stops waiting on it.
func (s *Sender) Send(ctx context.Context, req TxRequest) (*PendingTx, error) {
	from := s.signer.Address()
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &req.To,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			return nil, classify(err)
		}
		gasLimit = applyGasMultiplier(est, s.cfg.GasLimitMultiplier)
	}

	rec := InFlight{
		Label:   req.Label,
		ChainID: s.cfg.ChainID.Uint64(),
		From:    from,
		To:      req.To,
		Data:    append([]byte(nil), req.Data...),
		Value:   value,
		Gas:     gasLimit,
	}
	if err := s.price(ctx, &rec); err != nil {
		return nil, err
	}

	signed, err := s.sendWithFreshNonce(ctx, &rec)
	if err != nil {
		return nil, err
	}

	now := s.cfg.Now()
	rec.Hashes = []common.Hash{signed.Hash()}
	rec.FirstSentAt = now
	rec.LastSentAt = now
	if err := s.cfg.Boosts.Put(ctx, rec); err != nil {
		// Already broadcast: failing here would invite a duplicate send.
		s.log.Error("persist in-flight tx", "nonce", rec.Nonce, "tx", signed.Hash(), "err", err)
	}
	s.broadcasted(ctx, signed)
	s.log.Info("tx sent", "label", req.Label, "nonce", rec.Nonce, "tx", signed.Hash())

	return s.track(rec), nil
}

func (s *Sender) price(ctx context.Context, rec *InFlight) error {
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return err
	}
	if header.BaseFee != nil && header.BaseFee.Sign() >= 0 {
		tip, err := s.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return err
		}
		rec.TipCap, rec.FeeCap, err = Calc1559Fees(header.BaseFee, tip, s.cfg.MinTipCap, s.cfg.GasPriceMultiplier)
		return err
	}
	gp, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}
	rec.GasPrice, err = CalcLegacyGasPrice(gp, s.cfg.MinTipCap, s.cfg.GasPriceMultiplier)
	return err
}

// sendWithFreshNonce reserves a nonce and broadcasts. A "nonce too low" rejection resyncs from
// the node and tries once more; any other rejection releases the reservation.
func (s *Sender) sendWithFreshNonce(ctx context.Context, rec *InFlight) (*types.Transaction, error) {
	for attempt := 0; ; attempt++ {
		nonce, err := s.nonces.Reserve(ctx)
		if err != nil {
			return nil, err
		}
		rec.Nonce = nonce
		signed, err := s.signer.SignTx(rec.unsigned(), s.cfg.ChainID)
		if err != nil {
			s.nonces.Release(nonce)
			return nil, err
		}
		err = s.backend.SendTransaction(ctx, signed)
		if err == nil || isAlreadyKnown(err) {
			return signed, nil
		}
		err = classify(err)
		if errors.Is(err, ErrNonceTooLow) {
			s.nonces.Invalidate()
			if attempt == 0 {
				s.log.Warn("nonce too low, resyncing", "nonce", nonce)
				continue
			}
			return nil, err
		}
		s.nonces.Release(nonce)
		return nil, err
	}
}

func (s *Sender) broadcasted(ctx context.Context, tx *types.Transaction) {
	if s.cfg.OnBroadcast != nil {
		s.cfg.OnBroadcast(ctx, tx)
	}
}

func (s *Sender) track(rec InFlight) *PendingTx {
	p := &PendingTx{s: s, rec: rec}
	s.mu.Lock()
	s.inflight[rec.Nonce] = p
	s.mu.Unlock()
	return p
}

func (s *Sender) untrack(nonce uint64) {
	s.mu.Lock()
	delete(s.inflight, nonce)
	s.mu.Unlock()
}

// InFlight returns a snapshot of the transactions still being tracked, by nonce.
func (s *Sender) InFlight() []InFlight {
	s.mu.Lock()
	ps := make([]*PendingTx, 0, len(s.inflight))
	for _, p := range s.inflight {
		ps = append(ps, p)
	}
	s.mu.Unlock()

	out := make([]InFlight, 0, len(ps))
	for _, p := range ps {
		p.mu.Lock()
		out = append(out, p.rec)
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out
}

// Resume reattaches to in-flight transactions recorded by a previous process. Each is rebroadcast
// at its last price so a node that dropped it from the mempool learns it again.
func (s *Sender) Resume(ctx context.Context) ([]*PendingTx, error) {
	recs, err := s.cfg.Boosts.List(ctx, s.cfg.ChainID.Uint64(), s.signer.Address())
	if err != nil {
		return nil, fmt.Errorf("eth: list in-flight txs: %w", err)
	}
	out := make([]*PendingTx, 0, len(recs))
	for _, rec := range recs {
		if len(rec.Hashes) == 0 {
			continue
		}
		signed, err := s.signer.SignTx(rec.unsigned(), s.cfg.ChainID)
		if err != nil {
			return nil, err
		}
		if err := s.backend.SendTransaction(ctx, signed); err != nil && !isAlreadyKnown(err) {
			// Typically nonce too low: one of the recorded hashes was mined.
			s.log.Debug("rebroadcast on resume", "nonce", rec.Nonce, "err", err)
		}
		s.log.Info("resumed in-flight tx", "label", rec.Label, "nonce", rec.Nonce, "tx", rec.Hashes[len(rec.Hashes)-1])
		out = append(out, s.track(rec))
	}
	if len(out) > 0 {
		if _, err := s.nonces.Sync(ctx); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Boost polls every tracked transaction once, replacing those that have stalled.
func (s *Sender) Boost(ctx context.Context) {
	s.mu.Lock()
	ps := make([]*PendingTx, 0, len(s.inflight))
	for _, p := range s.inflight {
		ps = append(ps, p)
	}
	s.mu.Unlock()

	for _, p := range ps {
		if _, err := p.poll(ctx); err != nil {
			s.log.Warn("boost poll", "nonce", p.Nonce(), "err", err)
		}
	}
}

// RunBooster calls Boost every interval until ctx is done. It keeps transactions moving after
// their submitter gave up waiting.
func (s *Sender) RunBooster(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = s.cfg.ReceiptPollInterval
	}
	for {
		s.Boost(ctx)
		if err := s.cfg.Sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// PendingTx is a broadcast nonce, possibly replaced several times.
type PendingTx struct {
	s *Sender

	mu      sync.Mutex
	rec     InFlight
	done    bool
	receipt *types.Receipt
	err     error
}

func (p *PendingTx) Nonce() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.Nonce
}

// Hash is the most recent broadcast hash.
func (p *PendingTx) Hash() common.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.Hashes[len(p.rec.Hashes)-1]
}

func (p *PendingTx) Replacements() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.Replacements
}

// Wait blocks until one of the transaction's hashes is mined. A mined but failed transaction
// returns its receipt together with ErrTxReverted.
func (p *PendingTx) Wait(ctx context.Context) (*types.Receipt, error) {
	for {
		done, err := p.poll(ctx)
		if done {
			p.mu.Lock()
			receipt := p.receipt
			p.mu.Unlock()
			return receipt, err
		}
		if err != nil {
			return nil, err
		}
		if err := p.s.cfg.Sleep(ctx, p.s.cfg.ReceiptPollInterval); err != nil {
			return nil, err
		}
	}
}

func (p *PendingTx) poll(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return true, p.err
	}

	for i := len(p.rec.Hashes) - 1; i >= 0; i-- {
		receipt, err := p.s.backend.TransactionReceipt(ctx, p.rec.Hashes[i])
		if err == nil && receipt != nil {
			p.finish(ctx, receipt)
			return true, p.err
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return false, err
		}
	}

	cfg := p.s.cfg
	if cfg.MaxReplacements > 0 && p.rec.Replacements < cfg.MaxReplacements && cfg.Now().Sub(p.rec.LastSentAt) >= cfg.ReplaceAfter {
		return false, p.replace(ctx)
	}
	return false, nil
}

func (p *PendingTx) finish(ctx context.Context, receipt *types.Receipt) {
	p.done = true
	p.receipt = receipt
	if receipt.Status != types.ReceiptStatusSuccessful {
		p.err = fmt.Errorf("%w: %s", ErrTxReverted, receipt.TxHash)
	}
	if err := p.s.cfg.Boosts.Delete(ctx, p.rec.ChainID, p.rec.From, p.rec.Nonce); err != nil {
		p.s.log.Warn("delete in-flight tx", "nonce", p.rec.Nonce, "err", err)
	}
	p.s.untrack(p.rec.Nonce)
	p.s.log.Info("tx mined", "label", p.rec.Label, "nonce", p.rec.Nonce, "tx", receipt.TxHash, "status", receipt.Status)
}

func (p *PendingTx) replace(ctx context.Context) error {
	cfg := p.s.cfg
	next := p.rec
	if next.dynamic() {
		tip, fee, err := Bump1559Fees(next.TipCap, next.FeeCap, cfg.ReplacementBumpPercent, cfg.MinReplacementTipBump, cfg.MinReplacementFeeBump)
		if err != nil {
			return err
		}
		next.TipCap, next.FeeCap = tip, fee
	} else {
		gp, err := BumpLegacyGasPrice(next.GasPrice, cfg.ReplacementBumpPercent, cfg.MinReplacementFeeBump)
		if err != nil {
			return err
		}
		next.GasPrice = gp
	}

	signed, err := p.s.signer.SignTx(next.unsigned(), cfg.ChainID)
	if err != nil {
		return err
	}
	if err := p.s.backend.SendTransaction(ctx, signed); err != nil && !isAlreadyKnown(err) {
		err = classify(err)
		if errors.Is(err, ErrNonceTooLow) {
			// An earlier hash was mined; the receipt shows up on a later poll.
			return nil
		}
		return err
	}

	next.Hashes = append(append([]common.Hash(nil), p.rec.Hashes...), signed.Hash())
	next.Replacements++
	next.LastSentAt = cfg.Now()
	p.rec = next
	if err := cfg.Boosts.Put(ctx, next); err != nil {
		p.s.log.Error("persist replacement", "nonce", next.Nonce, "tx", signed.Hash(), "err", err)
	}
	p.s.broadcasted(ctx, signed)
	metrics.TxReplacements.WithLabelValues(cfg.Chain).Inc()
	p.s.log.Info("tx replaced", "label", next.Label, "nonce", next.Nonce, "tx", signed.Hash(), "replacements", next.Replacements)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		// overflow or float error; fall back to the estimate.
		return est
	}
	return out
}

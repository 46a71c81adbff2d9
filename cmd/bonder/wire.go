package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/hop-exchange/bonder-node/internal/bridge"
	"github.com/hop-exchange/bonder-node/internal/config"
	"github.com/hop-exchange/bonder-node/internal/eth"
	"github.com/hop-exchange/bonder-node/internal/finality"
	"github.com/hop-exchange/bonder-node/internal/notify"
	"github.com/hop-exchange/bonder-node/internal/state"
	"github.com/hop-exchange/bonder-node/internal/txqueue"
	"github.com/hop-exchange/bonder-node/internal/watcher"
)

// chainConn is one dialed chain: its RPC client, finality resolver and bonder sender.
type chainConn struct {
	slug     string
	cfg      config.Chain
	client   *ethclient.Client
	resolver *finality.Resolver
	sender   *eth.Sender
}

type chainSet struct {
	bonder common.Address
	conns  map[string]*chainConn
	queue  *txqueue.Queue
	db     *state.DB
	log    *slog.Logger
}

func dialChains(ctx context.Context, cfg *config.Config, key *ecdsa.PrivateKey, db *state.DB, notifier notify.Notifier, log *slog.Logger) (*chainSet, error) {
	q, err := txqueue.New(txqueue.Config{
		AttemptTimeout:  cfg.Tx.AttemptTimeout.Duration,
		MaxRetries:      cfg.Tx.MaxRetries,
		RetryBackoff:    cfg.Tx.RetryBackoff.Duration,
		PostSubmitDelay: cfg.Tx.PostSubmitDelay.Duration,
		OnFailure: func(ctx context.Context, job txqueue.Job, err error) {
			ev := notify.NewEvent(notify.KindError, job.Network, "", map[string]string{
				"kind": job.Kind,
				"err":  err.Error(),
			}, time.Now())
			if nerr := notifier.Notify(ctx, ev); nerr != nil {
				log.Warn("notify submission failure", "chain", job.Network, "err", nerr)
			}
		},
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	signer := eth.NewLocalSigner(key)
	set := &chainSet{
		bonder: crypto.PubkeyToAddress(key.PublicKey),
		conns:  make(map[string]*chainConn, len(cfg.Chains)),
		queue:  q,
		db:     db,
		log:    log,
	}
	for _, slug := range cfg.ChainSlugs() {
		ch := cfg.Chains[slug]
		conn, err := dialChain(ctx, cfg, slug, ch, signer, db, log)
		if err != nil {
			set.close()
			return nil, fmt.Errorf("%s: %w", slug, err)
		}
		set.conns[slug] = conn
	}
	return set, nil
}

func dialChain(ctx context.Context, cfg *config.Config, slug string, ch config.Chain, signer eth.Signer, db *state.DB, log *slog.Logger) (*chainConn, error) {
	client, err := ethclient.DialContext(ctx, ch.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	remote, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	if !remote.IsUint64() || remote.Uint64() != ch.ChainID {
		client.Close()
		return nil, fmt.Errorf("rpc reports chain id %s, config has %d", remote, ch.ChainID)
	}

	family := cfg.Family(slug)
	opts := []finality.Option{finality.WithLogger(log)}
	strategy, err := finality.Lookup(slug, family)
	if err != nil {
		client.Close()
		return nil, err
	}
	if strategy.Kind == finality.KindCustomQuery {
		if ch.RollupRPCURL == "" {
			client.Close()
			return nil, fmt.Errorf("rollup_rpc_url is required for %s finality", strategy.Query)
		}
		q, err := finality.NewCustomQuery(strategy.Query, ch.RollupRPCURL)
		if err != nil {
			client.Close()
			return nil, err
		}
		opts = append(opts, finality.WithSafeHeadQuery(q))
	}
	resolver, err := finality.New(slug, family, client, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}

	bump := big.NewInt(1)
	sender, err := eth.NewSender(client, signer, eth.SenderConfig{
		Chain:                  slug,
		ChainID:                new(big.Int).SetUint64(ch.ChainID),
		GasLimitMultiplier:     cfg.Tx.GasLimitMultiplier,
		GasPriceMultiplier:     cfg.Bonder.GasPriceMultiplier,
		MinTipCap:              config.GweiToWei(cfg.Tx.MinTipGwei),
		ReceiptPollInterval:    cfg.Tx.ReceiptPollInterval.Duration,
		ReplaceAfter:           cfg.Tx.ReplaceAfter.Duration,
		MaxReplacements:        cfg.Tx.MaxReplacements,
		ReplacementBumpPercent: cfg.Tx.BumpPercent,
		MinReplacementTipBump:  bump,
		MinReplacementFeeBump:  bump,
		Boosts:                 eth.NewKVBoostStore(db.GasBoost),
		OnBroadcast:            bridge.GasPriceRecorder(db.GasPrices, slug, time.Now, log),
		Logger:                 log,
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	return &chainConn{slug: slug, cfg: ch, client: client, resolver: resolver, sender: sender}, nil
}

// resume starts each chain's stalled-transaction booster once this instance holds the lease.
// In-flight records are shared through the state store, so a standby must not touch them.
func (s *chainSet) resume(ctx context.Context, isLeader func() bool, interval time.Duration) {
	for _, conn := range s.conns {
		conn := conn
		go func() {
			for !isLeader() {
				select {
				case <-ctx.Done():
					return
				case <-time.After(interval):
				}
			}
			resumed, err := conn.sender.Resume(ctx)
			if err != nil {
				s.log.Warn("resume in-flight txs", "chain", conn.slug, "err", err)
			} else if len(resumed) > 0 {
				s.log.Info("resumed in-flight txs", "chain", conn.slug, "count", len(resumed))
			}
			if err := conn.sender.RunBooster(ctx, interval); err != nil && ctx.Err() == nil {
				s.log.Error("booster stopped", "chain", conn.slug, "err", err)
			}
		}()
	}
}

func (s *chainSet) close() {
	s.queue.Close()
	for _, conn := range s.conns {
		conn.client.Close()
	}
}

// tokenSets builds every token's bridges and their watcher wiring.
func tokenSets(cfg *config.Config, chains *chainSet, log *slog.Logger) ([]watcher.TokenSet, error) {
	hub := cfg.Hub()
	out := make([]watcher.TokenSet, 0, len(cfg.Tokens))
	for _, token := range cfg.TokenSymbols() {
		siblings := make(watcher.Siblings)
		intervals := make(map[uint64]time.Duration)
		hasHub := false
		for _, slug := range cfg.Tokens[token].Chains {
			conn, ok := chains.conns[slug]
			if !ok {
				return nil, fmt.Errorf("%s: chain %s not dialed", token, slug)
			}
			addr, _ := cfg.Bridge(slug, token)
			contract, err := bridge.New(bridge.Config{
				Chain:    slug,
				ChainID:  conn.cfg.ChainID,
				Token:    token,
				Address:  addr,
				Hub:      conn.cfg.Hub,
				Bonder:   chains.bonder,
				Provider: conn.client,
				Send:     bridge.SenderFunc(conn.sender),
				Queue:    chains.queue,
				GasCosts: chains.db.GasCosts,
				Logger:   log,
			})
			if err != nil {
				return nil, err
			}
			siblings[conn.cfg.ChainID] = &watcher.Network{
				Slug:          slug,
				ChainID:       conn.cfg.ChainID,
				Hub:           conn.cfg.Hub,
				Bridge:        contract,
				Finality:      conn.resolver,
				StartBlock:    conn.cfg.SyncStartBlock,
				MaxLogRange:   conn.cfg.MaxLogRange,
				ReorgLookback: conn.cfg.ReorgLookback,
			}
			intervals[conn.cfg.ChainID] = conn.cfg.PollInterval.Duration
			hasHub = hasHub || slug == hub
		}
		if !hasHub {
			return nil, fmt.Errorf("%s: token is not deployed on hub chain %s", token, hub)
		}
		out = append(out, watcher.TokenSet{
			Token:         token,
			Siblings:      siblings,
			Policy:        policyFor(cfg, token),
			Relayers:      relayersFor(cfg, siblings),
			PollIntervals: intervals,
		})
	}
	return out, nil
}

func policyFor(cfg *config.Config, token string) watcher.Policy {
	b := cfg.Bonder
	fees := make(map[uint64]*big.Int, len(cfg.Chains))
	for _, slug := range cfg.ChainSlugs() {
		fees[cfg.Chains[slug].ChainID] = cfg.MinBonderFeeWei(slug, token)
	}
	return watcher.Policy{
		ResendAfter:      b.ResendAfter.Duration,
		MinBonderFee:     fees,
		MinBonderFeeBps:  b.MinBonderFeeBps,
		CommitThreshold:  cfg.CommitThresholdWei(token),
		CommitInterval:   b.CommitInterval.Duration,
		MinBondDelay:     b.MinBondDelay.Duration,
		SettleMinPercent: b.SettleMinPercent,
		ChallengeGrace:   b.ChallengeGrace.Duration,
		Governance:       b.Governance,
		RouteEnabled: func(source, destination uint64) bool {
			s, ok := cfg.SlugByID(source)
			if !ok {
				return false
			}
			d, ok := cfg.SlugByID(destination)
			if !ok {
				return false
			}
			return cfg.RouteEnabled(s, d)
		},
	}
}

// relayersFor gives every non-hub chain a relayer that confirms its roots on the hub.
func relayersFor(cfg *config.Config, siblings watcher.Siblings) map[uint64]watcher.Relayer {
	hub, ok := siblings.Hub()
	if !ok {
		return nil
	}
	out := make(map[uint64]watcher.Relayer, len(siblings))
	for id, n := range siblings {
		if n.Hub {
			continue
		}
		ch := cfg.Chains[n.Slug]
		var messenger common.Address
		if ch.Messenger != "" {
			messenger = common.HexToAddress(ch.Messenger)
		}
		out[id] = &watcher.HubRelayer{
			Source:     n,
			Hub:        hub,
			Messenger:  messenger,
			ExitWindow: ch.ExitWindow.Duration,
		}
	}
	return out
}

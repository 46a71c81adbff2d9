package state

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hop-exchange/bonder-node/internal/kvstore"
)

func isZeroHash(h common.Hash) bool { return h == (common.Hash{}) }

// SyncState holds per-(chain, token) scan cursors and commit attempt bookkeeping.
type SyncState struct {
	table kvstore.Table
}

type cursor struct {
	LastBlockSynced uint64    `json:"lastBlockSynced"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func CursorKey(chainSlug, token string) string { return "cursor:" + chainSlug + ":" + token }

// Cursor returns the last fully synced block for key.
func (s *SyncState) Cursor(ctx context.Context, key string) (uint64, bool, error) {
	rec, err := s.table.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	var c cursor
	if err := kvstore.Decode(rec, &c); err != nil {
		return 0, false, err
	}
	return c.LastBlockSynced, true, nil
}

func (s *SyncState) SetCursor(ctx context.Context, key string, block uint64, now time.Time) error {
	rec, err := kvstore.Encode(cursor{LastBlockSynced: block, UpdatedAt: now.UTC()})
	if err != nil {
		return err
	}
	_, err = s.table.Upsert(ctx, key, rec)
	return err
}

// CommitAttempt records the latest commitTransfers submission for a route.
type CommitAttempt struct {
	TxHash common.Hash `json:"txHash"`
	At     time.Time   `json:"at"`
}

func commitKey(token string, source, destination uint64) string {
	return fmt.Sprintf("commit:%s:%d:%d", token, source, destination)
}

func (s *SyncState) LastCommit(ctx context.Context, token string, source, destination uint64) (CommitAttempt, bool, error) {
	rec, err := s.table.Get(ctx, commitKey(token, source, destination))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return CommitAttempt{}, false, nil
		}
		return CommitAttempt{}, false, err
	}
	var a CommitAttempt
	if err := kvstore.Decode(rec, &a); err != nil {
		return CommitAttempt{}, false, err
	}
	return a, true, nil
}

func (s *SyncState) RecordCommit(ctx context.Context, token string, source, destination uint64, a CommitAttempt) error {
	rec, err := kvstore.Encode(a)
	if err != nil {
		return err
	}
	_, err = s.table.Upsert(ctx, commitKey(token, source, destination), rec)
	return err
}

// GasCostSample is the realized cost of one mined bonder transaction.
type GasCostSample struct {
	Chain             string      `json:"chain"`
	Token             string      `json:"token"`
	Kind              string      `json:"kind"`
	TxHash            common.Hash `json:"txHash"`
	GasUsed           uint64      `json:"gasUsed"`
	EffectiveGasPrice *big.Int    `json:"effectiveGasPrice"`
	At                time.Time   `json:"at"`
}

// Cost returns gasUsed * effectiveGasPrice in wei.
func (g GasCostSample) Cost() *big.Int {
	if g.EffectiveGasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(g.GasUsed), g.EffectiveGasPrice)
}

type GasCosts struct {
	table kvstore.Table
}

func gasCostPrefix(chain, token, kind string) string { return chain + ":" + token + ":" + kind + ":" }

func (s *GasCosts) Record(ctx context.Context, g GasCostSample) error {
	rec, err := kvstore.Encode(g)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d", gasCostPrefix(g.Chain, g.Token, g.Kind), g.At.Unix())
	_, err = s.table.Upsert(ctx, key, rec)
	return err
}

// Latest returns the newest sample for (chain, token, kind).
func (s *GasCosts) Latest(ctx context.Context, chain, token, kind string) (GasCostSample, bool, error) {
	var (
		out GasCostSample
		ok  bool
	)
	err := s.table.Walk(ctx, kvstore.Range{Prefix: gasCostPrefix(chain, token, kind)}, func(_ string, rec kvstore.Record) error {
		var g GasCostSample
		if err := kvstore.Decode(rec, &g); err != nil {
			return nil
		}
		out, ok = g, true
		return nil
	})
	return out, ok, err
}

// GasPriceSample is one observed network gas price.
type GasPriceSample struct {
	Chain    string    `json:"chain"`
	GasPrice *big.Int  `json:"gasPrice"`
	At       time.Time `json:"at"`
}

type GasPrices struct {
	table kvstore.Table
}

func (s *GasPrices) Record(ctx context.Context, g GasPriceSample) error {
	rec, err := kvstore.Encode(g)
	if err != nil {
		return err
	}
	_, err = s.table.Upsert(ctx, fmt.Sprintf("%s:%020d", g.Chain, g.At.Unix()), rec)
	return err
}

// Between returns samples for chain with from <= At <= to.
func (s *GasPrices) Between(ctx context.Context, chain string, from, to time.Time) ([]GasPriceSample, error) {
	r := kvstore.Range{
		Prefix: chain + ":",
		From:   fmt.Sprintf("%s:%020d", chain, from.Unix()),
		To:     fmt.Sprintf("%s:%020d", chain, to.Unix()),
	}
	var out []GasPriceSample
	err := s.table.Walk(ctx, r, func(_ string, rec kvstore.Record) error {
		var g GasPriceSample
		if err := kvstore.Decode(rec, &g); err != nil {
			return nil
		}
		out = append(out, g)
		return nil
	})
	return out, err
}

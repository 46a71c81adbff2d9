package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/hop-exchange/bonder-node/internal/kvstore"
)

// InFlight is the durable record of one nonce the sender has broadcast and not yet seen mined.
// Every replacement appends to Hashes.
type InFlight struct {
	Label        string         `json:"label,omitempty"`
	ChainID      uint64         `json:"chainId"`
	From         common.Address `json:"from"`
	Nonce        uint64         `json:"nonce"`
	To           common.Address `json:"to"`
	Data         hexutil.Bytes  `json:"data"`
	Value        *big.Int       `json:"value"`
	Gas          uint64         `json:"gas"`
	TipCap       *big.Int       `json:"tipCap,omitempty"`
	FeeCap       *big.Int       `json:"feeCap,omitempty"`
	GasPrice     *big.Int       `json:"gasPrice,omitempty"`
	Hashes       []common.Hash  `json:"hashes"`
	Replacements int            `json:"replacements"`
	FirstSentAt  time.Time      `json:"firstSentAt"`
	LastSentAt   time.Time      `json:"lastSentAt"`
}

func (f InFlight) dynamic() bool { return f.FeeCap != nil }

func (f InFlight) unsigned() *types.Transaction {
	to := f.To
	value := f.Value
	if value == nil {
		value = new(big.Int)
	}
	if f.dynamic() {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(f.ChainID),
			Nonce:     f.Nonce,
			GasTipCap: f.TipCap,
			GasFeeCap: f.FeeCap,
			Gas:       f.Gas,
			To:        &to,
			Value:     value,
			Data:      f.Data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    f.Nonce,
		GasPrice: f.GasPrice,
		Gas:      f.Gas,
		To:       &to,
		Value:    value,
		Data:     f.Data,
	})
}

// BoostStore persists in-flight transactions so a restarted process keeps tracking them.
type BoostStore interface {
	Put(ctx context.Context, f InFlight) error
	Delete(ctx context.Context, chainID uint64, from common.Address, nonce uint64) error
	List(ctx context.Context, chainID uint64, from common.Address) ([]InFlight, error)
}

// KVBoostStore keeps in-flight records in a kvstore table keyed <chainId>:<from>:<nonce>.
type KVBoostStore struct {
	table kvstore.Table
}

func NewKVBoostStore(table kvstore.Table) *KVBoostStore { return &KVBoostStore{table: table} }

func boostPrefix(chainID uint64, from common.Address) string {
	return fmt.Sprintf("%d:%s:", chainID, strings.ToLower(from.Hex()))
}

func boostKey(chainID uint64, from common.Address, nonce uint64) string {
	return fmt.Sprintf("%s%020d", boostPrefix(chainID, from), nonce)
}

func (s *KVBoostStore) Put(ctx context.Context, f InFlight) error {
	rec, err := kvstore.Encode(f)
	if err != nil {
		return err
	}
	_, err = s.table.Upsert(ctx, boostKey(f.ChainID, f.From, f.Nonce), rec)
	return err
}

func (s *KVBoostStore) Delete(ctx context.Context, chainID uint64, from common.Address, nonce uint64) error {
	err := s.table.Delete(ctx, boostKey(chainID, from, nonce))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	return err
}

func (s *KVBoostStore) List(ctx context.Context, chainID uint64, from common.Address) ([]InFlight, error) {
	var out []InFlight
	err := s.table.Walk(ctx, kvstore.Range{Prefix: boostPrefix(chainID, from)}, func(_ string, rec kvstore.Record) error {
		var f InFlight
		if err := kvstore.Decode(rec, &f); err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	return out, err
}

// MemoryBoostStore is a process-local BoostStore.
type MemoryBoostStore struct {
	mu   sync.Mutex
	recs map[string]InFlight
}

func NewMemoryBoostStore() *MemoryBoostStore {
	return &MemoryBoostStore{recs: make(map[string]InFlight)}
}

func (s *MemoryBoostStore) Put(_ context.Context, f InFlight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[boostKey(f.ChainID, f.From, f.Nonce)] = f
	return nil
}

func (s *MemoryBoostStore) Delete(_ context.Context, chainID uint64, from common.Address, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, boostKey(chainID, from, nonce))
	return nil
}

func (s *MemoryBoostStore) List(_ context.Context, chainID uint64, from common.Address) ([]InFlight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := boostPrefix(chainID, from)
	var out []InFlight
	for k, f := range s.recs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out, nil
}

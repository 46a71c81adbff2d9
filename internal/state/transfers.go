package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hop-exchange/bonder-node/internal/kvstore"
)

// Transfers is the typed transfers table plus its nonce and time indices.
type Transfers struct {
	table  kvstore.Table
	nonces kvstore.Table
	byTime kvstore.Table
	roots  *TransferRoots
	log    *slog.Logger
}

func NewTransfers(table, nonces, byTime kvstore.Table, roots *TransferRoots, log *slog.Logger) *Transfers {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	return &Transfers{table: table, nonces: nonces, byTime: byTime, roots: roots, log: log}
}

// Get returns the transfer or an ErrNotFound-wrapped error. Read and decode failures also
// surface as ErrNotFound so a corrupt record never halts a watcher loop.
func (s *Transfers) Get(ctx context.Context, id common.Hash) (Transfer, error) {
	rec, err := s.table.Get(ctx, id.Hex())
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			s.log.Warn("transfer read failed", "transferId", id, "err", err)
		}
		return Transfer{}, fmt.Errorf("%w: transfer %s: %v", ErrNotFound, id, err)
	}
	var t Transfer
	if err := kvstore.Decode(rec, &t); err != nil {
		s.log.Warn("transfer decode failed", "transferId", id, "err", err)
		return Transfer{}, fmt.Errorf("%w: transfer %s: %v", ErrNotFound, id, err)
	}
	return t, nil
}

// Update merges p into the transfer after checking field ownership, nonce uniqueness and
// settlement preconditions. It returns the merged record.
func (s *Transfers) Update(ctx context.Context, w Writer, id common.Hash, p TransferPatch) (Transfer, error) {
	if id == (common.Hash{}) {
		return Transfer{}, fmt.Errorf("%w: empty transfer id", ErrInvalidInput)
	}
	rec, err := kvstore.Encode(p)
	if err != nil {
		return Transfer{}, err
	}
	if len(rec) == 0 {
		return s.Get(ctx, id)
	}
	if err := transferOwners.check(w, rec); err != nil {
		return Transfer{}, err
	}

	existing, err := s.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Transfer{}, err
	}

	if p.TransferNonce != nil {
		if err := s.claimNonce(ctx, id, existing, p); err != nil {
			return Transfer{}, err
		}
	}
	if settled, ok := boolField(rec, "withdrawalBondSettled"); ok && settled {
		if err := s.checkSettleable(ctx, existing, p); err != nil {
			return Transfer{}, err
		}
	}

	merged, err := s.table.Upsert(ctx, id.Hex(), rec)
	if err != nil {
		return Transfer{}, fmt.Errorf("state: update transfer %s: %w", id, err)
	}
	var out Transfer
	if err := kvstore.Decode(merged, &out); err != nil {
		return Transfer{}, err
	}

	if p.SentTimestamp != nil {
		if _, err := s.byTime.ExistsOrInsert(ctx, timeKey(*p.SentTimestamp, id), kvstore.Record{}); err != nil {
			s.log.Warn("time index write failed", "transferId", id, "err", err)
		}
	}
	return out, nil
}

func (s *Transfers) claimNonce(ctx context.Context, id common.Hash, existing Transfer, p TransferPatch) error {
	src := existing.SourceChainID
	if p.SourceChainID != nil {
		src = *p.SourceChainID
	}
	token := existing.Token
	if p.Token != nil {
		token = *p.Token
	}
	if src == 0 || token == "" {
		return fmt.Errorf("%w: nonce requires source chain and token", ErrInvalidInput)
	}
	key := nonceKey(src, token, *p.TransferNonce)
	val, err := kvstore.Encode(nonceEntry{TransferID: id})
	if err != nil {
		return err
	}
	if _, err := s.nonces.ExistsOrInsert(ctx, key, val); err != nil {
		return fmt.Errorf("state: nonce index %s: %w", key, err)
	}
	owner, ok, err := s.NonceOwner(ctx, src, token, *p.TransferNonce)
	if err != nil {
		return err
	}
	if ok && owner != id {
		return fmt.Errorf("%w: nonce %s already used by %s", ErrNonceCollision, p.TransferNonce.Hex(), owner)
	}
	return nil
}

func (s *Transfers) checkSettleable(ctx context.Context, existing Transfer, p TransferPatch) error {
	rootID := existing.TransferRootID
	if p.TransferRootID != nil {
		rootID = *p.TransferRootID
	}
	if rootID == (common.Hash{}) {
		return fmt.Errorf("%w: transfer %s has no root", ErrPrematureSettlement, existing.TransferID)
	}
	root, err := s.roots.Get(ctx, rootID)
	if err != nil {
		return fmt.Errorf("%w: root %s: %v", ErrPrematureSettlement, rootID, err)
	}
	if !root.Confirmed {
		return fmt.Errorf("%w: root %s is not confirmed", ErrPrematureSettlement, rootID)
	}
	return nil
}

type nonceEntry struct {
	TransferID common.Hash `json:"transferId"`
}

// NonceOwner returns the transfer that claimed nonce on (sourceChainID, token).
func (s *Transfers) NonceOwner(ctx context.Context, sourceChainID uint64, token string, nonce common.Hash) (common.Hash, bool, error) {
	rec, err := s.nonces.Get(ctx, nonceKey(sourceChainID, token, nonce))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return common.Hash{}, false, nil
		}
		return common.Hash{}, false, fmt.Errorf("state: nonce index: %w", err)
	}
	var e nonceEntry
	if err := kvstore.Decode(rec, &e); err != nil {
		return common.Hash{}, false, err
	}
	return e.TransferID, true, nil
}

// Walk visits every decodable transfer in key order. Undecodable records are logged and skipped.
func (s *Transfers) Walk(ctx context.Context, fn func(Transfer) error) error {
	return s.table.Walk(ctx, kvstore.Range{}, func(key string, rec kvstore.Record) error {
		var t Transfer
		if err := kvstore.Decode(rec, &t); err != nil {
			s.log.Warn("skipping undecodable transfer", "key", key, "err", err)
			return nil
		}
		return fn(t)
	})
}

// Filter returns transfers for which keep is true.
func (s *Transfers) Filter(ctx context.Context, keep func(Transfer) bool) ([]Transfer, error) {
	var out []Transfer
	err := s.Walk(ctx, func(t Transfer) error {
		if keep(t) {
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// SentBetween returns transfers whose source timestamp falls in [from, to] (unix seconds).
// Zero bounds are open.
func (s *Transfers) SentBetween(ctx context.Context, from, to int64) ([]Transfer, error) {
	r := kvstore.Range{}
	if from > 0 {
		r.From = fmt.Sprintf("%020d", from)
	}
	if to > 0 {
		r.To = fmt.Sprintf("%020d", to)
	}
	var ids []common.Hash
	err := s.byTime.Walk(ctx, r, func(key string, _ kvstore.Record) error {
		_, id, ok := strings.Cut(key, ":")
		if ok {
			ids = append(ids, common.HexToHash(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Transfer, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func nonceKey(sourceChainID uint64, token string, nonce common.Hash) string {
	return fmt.Sprintf("%d:%s:%s", sourceChainID, token, nonce.Hex())
}

func timeKey(ts int64, id common.Hash) string {
	return fmt.Sprintf("%020d:%s", ts, id.Hex())
}

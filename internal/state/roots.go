package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hop-exchange/bonder-node/internal/kvstore"
)

// TransferRoots is the typed transferRoots table, keyed by transfer root id.
type TransferRoots struct {
	table kvstore.Table
	log   *slog.Logger
}

func NewTransferRoots(table kvstore.Table, log *slog.Logger) *TransferRoots {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	return &TransferRoots{table: table, log: log}
}

func (s *TransferRoots) Get(ctx context.Context, id common.Hash) (TransferRoot, error) {
	rec, err := s.table.Get(ctx, id.Hex())
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			s.log.Warn("transfer root read failed", "transferRootId", id, "err", err)
		}
		return TransferRoot{}, fmt.Errorf("%w: transfer root %s: %v", ErrNotFound, id, err)
	}
	var r TransferRoot
	if err := kvstore.Decode(rec, &r); err != nil {
		s.log.Warn("transfer root decode failed", "transferRootId", id, "err", err)
		return TransferRoot{}, fmt.Errorf("%w: transfer root %s: %v", ErrNotFound, id, err)
	}
	return r, nil
}

// GetByHash finds a root by its Merkle root hash. Several ids can share a hash when a bond was
// posted with a forged amount; the committed one wins, otherwise the first in key order.
func (s *TransferRoots) GetByHash(ctx context.Context, hash common.Hash) (TransferRoot, error) {
	var (
		found TransferRoot
		ok    bool
	)
	err := s.Walk(ctx, func(r TransferRoot) error {
		if r.TransferRootHash != hash {
			return nil
		}
		if !ok || (r.Committed && !found.Committed) {
			found, ok = r, true
		}
		return nil
	})
	if err != nil {
		return TransferRoot{}, err
	}
	if !ok {
		return TransferRoot{}, fmt.Errorf("%w: transfer root hash %s", ErrNotFound, hash)
	}
	return found, nil
}

// Update merges p into the root after checking field ownership.
func (s *TransferRoots) Update(ctx context.Context, w Writer, id common.Hash, p TransferRootPatch) (TransferRoot, error) {
	if id == (common.Hash{}) {
		return TransferRoot{}, fmt.Errorf("%w: empty transfer root id", ErrInvalidInput)
	}
	rec, err := kvstore.Encode(p)
	if err != nil {
		return TransferRoot{}, err
	}
	if len(rec) == 0 {
		return s.Get(ctx, id)
	}
	if err := rootOwners.check(w, rec); err != nil {
		return TransferRoot{}, err
	}
	merged, err := s.table.Upsert(ctx, id.Hex(), rec)
	if err != nil {
		return TransferRoot{}, fmt.Errorf("state: update transfer root %s: %w", id, err)
	}
	var out TransferRoot
	if err := kvstore.Decode(merged, &out); err != nil {
		return TransferRoot{}, err
	}
	return out, nil
}

func (s *TransferRoots) Walk(ctx context.Context, fn func(TransferRoot) error) error {
	return s.table.Walk(ctx, kvstore.Range{}, func(key string, rec kvstore.Record) error {
		var r TransferRoot
		if err := kvstore.Decode(rec, &r); err != nil {
			s.log.Warn("skipping undecodable transfer root", "key", key, "err", err)
			return nil
		}
		return fn(r)
	})
}

func (s *TransferRoots) Filter(ctx context.Context, keep func(TransferRoot) bool) ([]TransferRoot, error) {
	var out []TransferRoot
	err := s.Walk(ctx, func(r TransferRoot) error {
		if keep(r) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

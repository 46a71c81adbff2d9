package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RootSnapshot is the archived record of a transfer root once its withdrawals are settled.
// It keeps the member list needed to rebuild inclusion proofs after local state is pruned.
type RootSnapshot struct {
	TransferRootID     common.Hash   `json:"transferRootId"`
	TransferRootHash   common.Hash   `json:"transferRootHash"`
	Token              string        `json:"token"`
	SourceChainID      uint64        `json:"sourceChainId"`
	DestinationChainID uint64        `json:"destinationChainId"`
	TotalAmount        *big.Int      `json:"totalAmount"`
	TransferIDs        []common.Hash `json:"transferIds"`
	CommittedAt        int64         `json:"committedAt"`
	SettleTxHash       common.Hash   `json:"settleTxHash"`
	ArchivedAt         time.Time     `json:"archivedAt"`
}

// RootArchive stores one immutable snapshot per transfer root.
type RootArchive struct {
	store Store
	now   func() time.Time
}

func NewRootArchive(store Store, now func() time.Time) (*RootArchive, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if now == nil {
		now = time.Now
	}
	return &RootArchive{store: store, now: now}, nil
}

func rootKey(token string, sourceChainID uint64, id common.Hash) string {
	return fmt.Sprintf("roots/%s/%d/%s.json", token, sourceChainID, id.Hex())
}

// Put writes s unless a snapshot for the same root already exists. It reports whether it wrote.
func (a *RootArchive) Put(ctx context.Context, s RootSnapshot) (bool, error) {
	if s.Token == "" || s.SourceChainID == 0 || s.TransferRootID == (common.Hash{}) {
		return false, fmt.Errorf("%w: snapshot needs token, source chain and root id", ErrInvalidKey)
	}
	if s.ArchivedAt.IsZero() {
		s.ArchivedAt = a.now().UTC()
	}
	b, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("blobstore: encode root snapshot: %w", err)
	}
	return a.store.Create(ctx, rootKey(s.Token, s.SourceChainID, s.TransferRootID), b, map[string]string{
		"root-hash":   s.TransferRootHash.Hex(),
		"destination": fmt.Sprint(s.DestinationChainID),
	})
}

func (a *RootArchive) Get(ctx context.Context, token string, sourceChainID uint64, id common.Hash) (RootSnapshot, error) {
	obj, err := a.store.Get(ctx, rootKey(token, sourceChainID, id))
	if err != nil {
		return RootSnapshot{}, err
	}
	var s RootSnapshot
	if err := json.Unmarshal(obj.Data, &s); err != nil {
		return RootSnapshot{}, fmt.Errorf("blobstore: decode root snapshot %s: %w", obj.Key, err)
	}
	return s, nil
}

// Keys lists archived snapshot keys for a token.
func (a *RootArchive) Keys(ctx context.Context, token string) ([]string, error) {
	return a.store.List(ctx, "roots/"+token+"/")
}

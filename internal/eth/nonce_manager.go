package eth

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out the bonder account's nonces on one chain. The counter is seeded from
// the node's pending nonce and only moves back when the most recent reservation is released.
type NonceManager struct {
	backend PendingNoncer
	addr    common.Address

	mu     sync.Mutex
	next   uint64
	seeded bool
}

func NewNonceManager(backend PendingNoncer, addr common.Address) *NonceManager {
	return &NonceManager{backend: backend, addr: addr}
}

// Reserve returns the next nonce, seeding from the node on first use.
func (m *NonceManager) Reserve(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.seeded {
		n, err := m.backend.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, err
		}
		m.next, m.seeded = n, true
	}
	n := m.next
	m.next++
	return n, nil
}

// Release returns a reserved nonce that was never broadcast. Only the latest reservation can be
// handed back; releasing an older one would leave a gap, so the counter is reseeded instead.
func (m *NonceManager) Release(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seeded && n+1 == m.next {
		m.next = n
		return
	}
	m.seeded = false
}

// Invalidate forgets the counter; the next Reserve reads the node's pending nonce.
func (m *NonceManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeded = false
}

// Sync reads the node's pending nonce and adopts it when it is ahead of the counter. It
// returns the node's value.
func (m *NonceManager) Sync(ctx context.Context) (uint64, error) {
	n, err := m.backend.PendingNonceAt(ctx, m.addr)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seeded || n > m.next {
		m.next, m.seeded = n, true
	}
	return n, nil
}

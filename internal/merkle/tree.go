// Package merkle builds the transfer-root Merkle tree used by the bridge contracts.
//
// Leaves are hashed pairwise with keccak256. An unpaired node at depth d is hashed with
// Defaults[d] instead of being duplicated, where Defaults[0] is keccak256 of 32 zero bytes and
// Defaults[d+1] = keccak256(Defaults[d] || Defaults[d]). A single leaf is its own root.
package merkle

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// MaxDepth bounds tree height. 2^32 leaves is far beyond any committed batch.
const MaxDepth = 32

var (
	ErrEmpty         = errors.New("merkle: no leaves")
	ErrTooManyLeaves = errors.New("merkle: too many leaves")
	ErrIndex         = errors.New("merkle: leaf index out of range")
)

// ZeroLeaf is the padding leaf: keccak256 of a 32-byte zero block.
var ZeroLeaf = Defaults[0]

// Defaults holds the per-depth default hashes.
var Defaults = buildDefaults()

func buildDefaults() [MaxDepth]common.Hash {
	var out [MaxDepth]common.Hash
	out[0] = keccak(make([]byte, 32))
	for i := 1; i < MaxDepth; i++ {
		out[i] = hashPair(out[i-1], out[i-1])
	}
	return out
}

// Tree keeps every level so proofs can be served without rehashing.
type Tree struct {
	levels [][]common.Hash
}

// New builds a tree over the ordered leaves. The input slice is not retained.
func New(leaves []common.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmpty
	}
	if uint64(len(leaves)) > 1<<MaxDepth {
		return nil, fmt.Errorf("%w: %d", ErrTooManyLeaves, len(leaves))
	}

	row := append([]common.Hash(nil), leaves...)
	levels := [][]common.Hash{row}
	for depth := 0; len(row) > 1; depth++ {
		next := make([]common.Hash, 0, (len(row)+1)/2)
		for i := 0; i < len(row); i += 2 {
			if i+1 < len(row) {
				next = append(next, hashPair(row[i], row[i+1]))
			} else {
				next = append(next, hashPair(row[i], Defaults[depth]))
			}
		}
		levels = append(levels, next)
		row = next
	}
	return &Tree{levels: levels}, nil
}

// Root returns the tree root.
func (t *Tree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Leaves returns the number of leaves the tree was built over.
func (t *Tree) Leaves() int { return len(t.levels[0]) }

// Proof returns the sibling hashes for the leaf at index, ordered leaf to root.
func (t *Tree) Proof(index int) ([]common.Hash, error) {
	if index < 0 || index >= t.Leaves() {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndex, index, t.Leaves())
	}
	siblings := make([]common.Hash, 0, len(t.levels)-1)
	for depth := 0; depth < len(t.levels)-1; depth++ {
		row := t.levels[depth]
		sib := index ^ 1
		if sib < len(row) {
			siblings = append(siblings, row[sib])
		} else {
			siblings = append(siblings, Defaults[depth])
		}
		index >>= 1
	}
	return siblings, nil
}

// Root is a convenience for New(leaves).Root().
func Root(leaves []common.Hash) (common.Hash, error) {
	t, err := New(leaves)
	if err != nil {
		return common.Hash{}, err
	}
	return t.Root(), nil
}

// Verify checks an inclusion proof the same way the bridge contract does.
func Verify(root, leaf common.Hash, index, totalLeaves uint64, siblings []common.Hash) bool {
	if totalLeaves == 0 || index >= totalLeaves {
		return false
	}
	if len(siblings) < ceilLog2(totalLeaves) {
		return false
	}
	computed := leaf
	for _, sib := range siblings {
		if index&1 == 1 {
			computed = hashPair(sib, computed)
		} else {
			computed = hashPair(computed, sib)
		}
		index >>= 1
	}
	return computed == root
}

func ceilLog2(n uint64) int {
	if n <= 1 {
		return 0
	}
	d := 0
	for v := n - 1; v > 0; v >>= 1 {
		d++
	}
	return d
}

func hashPair(a, b common.Hash) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(a[:])
	_, _ = h.Write(b[:])
	return common.BytesToHash(h.Sum(nil))
}

func keccak(b []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(b)
	return common.BytesToHash(h.Sum(nil))
}

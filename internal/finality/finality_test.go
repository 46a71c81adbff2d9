package finality

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

type fakeHeaders struct {
	latest, safe, finalized uint64
	err                     error
}

func (f *fakeHeaders) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	if f.err != nil {
		return nil, f.err
	}
	var v uint64
	switch {
	case n == nil:
		v = f.latest
	case n.Int64() == int64(rpc.SafeBlockNumber):
		v = f.safe
	case n.Int64() == int64(rpc.FinalizedBlockNumber):
		v = f.finalized
	default:
		v = n.Uint64()
	}
	return &types.Header{Number: new(big.Int).SetUint64(v)}, nil
}

type fakeQuery struct {
	n   uint64
	err error
}

func (q fakeQuery) SafeBlockNumber(context.Context) (uint64, error) { return q.n, q.err }

func TestLookup_UnknownChain(t *testing.T) {
	t.Parallel()

	if _, err := Lookup("solana", FamilyBonder); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("expected ErrUnknownChain, got %v", err)
	}
	if _, err := ParseFamily("whale"); !errors.Is(err, ErrUnknownFamily) {
		t.Fatalf("expected ErrUnknownFamily, got %v", err)
	}
	if f, err := ParseFamily(""); err != nil || f != FamilyDefault {
		t.Fatalf("ParseFamily(\"\") = %q, %v", f, err)
	}
}

func TestTable_AllEntriesValid(t *testing.T) {
	t.Parallel()

	for _, chain := range Chains() {
		for _, fam := range []Family{FamilyBonder, FamilyCollateralized, FamilyDefault} {
			s, err := Lookup(chain, fam)
			if err != nil {
				t.Fatalf("Lookup(%s,%s): %v", chain, fam, err)
			}
			if err := s.validate(); err != nil {
				t.Fatalf("%s/%s: %v", chain, fam, err)
			}
		}
	}
	s, _ := Lookup("polygon", FamilyCollateralized)
	if s.SafeConfirmations != 128 || s.FinalizedConfirmations != 256 {
		t.Fatalf("polygon collateralized: %+v", s)
	}
}

func TestHeads_NativeTag(t *testing.T) {
	t.Parallel()

	r, err := New("ethereum", FamilyBonder, &fakeHeaders{latest: 100, safe: 90, finalized: 80})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h, err := r.Heads(context.Background())
	if err != nil {
		t.Fatalf("Heads: %v", err)
	}
	if h != (Heads{Latest: 100, Safe: 90, Finalized: 80}) {
		t.Fatalf("heads: %+v", h)
	}
}

func TestHeads_ClampsTags(t *testing.T) {
	t.Parallel()

	// Load-balanced RPCs can answer tag queries from a node ahead of the one serving latest.
	r, err := New("arbitrum", FamilyDefault, &fakeHeaders{latest: 100, safe: 120, finalized: 130})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h, err := r.Heads(context.Background())
	if err != nil {
		t.Fatalf("Heads: %v", err)
	}
	if h.Safe != 100 || h.Finalized != 100 {
		t.Fatalf("heads not clamped: %+v", h)
	}
}

func TestHeads_FinalizedTagOnly(t *testing.T) {
	t.Parallel()

	for _, chain := range []string{"arbitrum", "nova"} {
		r, err := New(chain, FamilyBonder, &fakeHeaders{latest: 100, safe: 95, finalized: 80})
		if err != nil {
			t.Fatalf("New(%s): %v", chain, err)
		}
		h, err := r.Heads(context.Background())
		if err != nil {
			t.Fatalf("Heads(%s): %v", chain, err)
		}
		if h != (Heads{Latest: 100, Safe: 80, Finalized: 80}) {
			t.Fatalf("%s heads: %+v", chain, h)
		}
	}
}

func TestHeads_Probabilistic(t *testing.T) {
	t.Parallel()

	r, err := New("polygon", FamilyBonder, &fakeHeaders{latest: 1000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h, err := r.Heads(context.Background())
	if err != nil {
		t.Fatalf("Heads: %v", err)
	}
	if h.Safe != 936 || h.Finalized != 872 {
		t.Fatalf("heads: %+v", h)
	}

	young, _ := New("polygon", FamilyBonder, &fakeHeaders{latest: 10})
	h, err = young.Heads(context.Background())
	if err != nil {
		t.Fatalf("Heads: %v", err)
	}
	if h.Safe != 0 || h.Finalized != 0 {
		t.Fatalf("underflow: %+v", h)
	}
}

func TestHeads_CustomQuery(t *testing.T) {
	t.Parallel()

	hdrs := &fakeHeaders{latest: 500, finalized: 400}

	r, err := New("optimism", FamilyBonder, hdrs, WithSafeHeadQuery(fakeQuery{n: 450}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h, err := r.Heads(context.Background())
	if err != nil {
		t.Fatalf("Heads: %v", err)
	}
	if h.Safe != 450 || h.Finalized != 400 {
		t.Fatalf("heads: %+v", h)
	}

	failing, _ := New("base", FamilyBonder, hdrs, WithSafeHeadQuery(fakeQuery{err: errors.New("boom")}))
	h, err = failing.Heads(context.Background())
	if err != nil {
		t.Fatalf("Heads: %v", err)
	}
	if h.Safe != 400 {
		t.Fatalf("expected finalized fallback, got %+v", h)
	}

	ahead, _ := New("base", FamilyBonder, hdrs, WithSafeHeadQuery(fakeQuery{n: 900}))
	h, _ = ahead.Heads(context.Background())
	if h.Safe != 500 {
		t.Fatalf("expected clamp to latest, got %+v", h)
	}
}

func TestIsPastTier(t *testing.T) {
	t.Parallel()

	r, _ := New("ethereum", FamilyBonder, &fakeHeaders{latest: 100, safe: 90, finalized: 80})
	ctx := context.Background()
	cases := []struct {
		block uint64
		tier  Tier
		want  bool
	}{
		{80, TierFinalized, true},
		{81, TierFinalized, false},
		{90, TierSafe, true},
		{91, TierSafe, false},
		{100, TierLatest, true},
	}
	for _, c := range cases {
		got, err := r.IsPastTier(ctx, c.block, c.tier)
		if err != nil {
			t.Fatalf("IsPastTier: %v", err)
		}
		if got != c.want {
			t.Fatalf("IsPastTier(%d, %s) = %v", c.block, c.tier, got)
		}
	}
}

func TestHeads_HeaderError(t *testing.T) {
	t.Parallel()

	r, _ := New("ethereum", FamilyBonder, &fakeHeaders{err: errors.New("dial")})
	if _, err := r.BlockNumber(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestOPSyncStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":0,"result":{"safe_l2":{"number":4242,"hash":"0x01"}}}`)
	}))
	defer srv.Close()

	q, err := NewOPSyncStatus(srv.URL)
	if err != nil {
		t.Fatalf("NewOPSyncStatus: %v", err)
	}
	n, err := q.SafeBlockNumber(context.Background())
	if err != nil {
		t.Fatalf("SafeBlockNumber: %v", err)
	}
	if n != 4242 {
		t.Fatalf("safe: got %d", n)
	}
}

func TestOPSyncStatus_RPCError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":0,"error":{"code":-32601,"message":"method not found"}}`)
	}))
	defer srv.Close()

	q, _ := NewOPSyncStatus(srv.URL)
	if _, err := q.SafeBlockNumber(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := NewOPSyncStatus(" "); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func backends(t *testing.T) map[string]Backend {
	t.Helper()

	sq, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })

	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"sqlite": sq,
	}
}

func TestTable_UpsertMergesShallowAndIsIdempotent(t *testing.T) {
	t.Parallel()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tbl, err := b.Table("transfers")
			if err != nil {
				t.Fatalf("Table: %v", err)
			}

			if _, err := tbl.Upsert(ctx, "0xaa", Record{"amount": raw(`"100"`), "nested": raw(`{"a":1,"b":2}`)}); err != nil {
				t.Fatalf("Upsert #1: %v", err)
			}
			patch := Record{"withdrawalBonded": raw(`true`), "nested": raw(`{"a":3}`)}
			once, err := tbl.Upsert(ctx, "0xaa", patch)
			if err != nil {
				t.Fatalf("Upsert #2: %v", err)
			}
			twice, err := tbl.Upsert(ctx, "0xaa", patch)
			if err != nil {
				t.Fatalf("Upsert #3: %v", err)
			}
			if !Equal(once, twice) {
				t.Fatalf("merge not idempotent: %v vs %v", once, twice)
			}

			got, err := tbl.Get(ctx, "0xaa")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			want := Record{
				"amount":           raw(`"100"`),
				"withdrawalBonded": raw(`true`),
				"nested":           raw(`{"a":3}`),
			}
			if !Equal(got, want) {
				t.Fatalf("stored record: got %v want %v", got, want)
			}
		})
	}
}

func TestTable_GetMissingAndDelete(t *testing.T) {
	t.Parallel()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tbl, err := b.Table("transferRoots")
			if err != nil {
				t.Fatalf("Table: %v", err)
			}
			if _, err := tbl.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if _, err := tbl.Upsert(ctx, "r1", Record{"x": raw(`1`)}); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if err := tbl.Delete(ctx, "r1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := tbl.Delete(ctx, "r1"); err != nil {
				t.Fatalf("Delete #2: %v", err)
			}
			if _, err := tbl.Get(ctx, "r1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestTable_ExistsOrInsert(t *testing.T) {
	t.Parallel()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tbl, err := b.Table("transferNonces")
			if err != nil {
				t.Fatalf("Table: %v", err)
			}
			ok, err := tbl.ExistsOrInsert(ctx, "10:USDC:0x01", Record{"transferId": raw(`"0xa"`)})
			if err != nil || !ok {
				t.Fatalf("first insert: ok=%v err=%v", ok, err)
			}
			ok, err = tbl.ExistsOrInsert(ctx, "10:USDC:0x01", Record{"transferId": raw(`"0xb"`)})
			if err != nil || ok {
				t.Fatalf("second insert: ok=%v err=%v", ok, err)
			}
			got, err := tbl.Get(ctx, "10:USDC:0x01")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got["transferId"]) != `"0xa"` {
				t.Fatalf("transferId overwritten: %s", got["transferId"])
			}
		})
	}
}

func TestTable_WalkOrderRangesAndReservedKeys(t *testing.T) {
	t.Parallel()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tbl, err := b.Table("transfersByTime")
			if err != nil {
				t.Fatalf("Table: %v", err)
			}
			for _, k := range []string{"0300:c", "0100:a", "0200:b", "0200:a", "0400:d", MetadataKey} {
				if _, err := tbl.Upsert(ctx, k, Record{"k": raw(`"` + k + `"`)}); err != nil {
					t.Fatalf("Upsert %s: %v", k, err)
				}
			}

			tests := []struct {
				name string
				r    Range
				want string
			}{
				{name: "all", r: Range{}, want: "0100:a,0200:a,0200:b,0300:c,0400:d"},
				{name: "from_to_inclusive_prefix", r: Range{From: "0200", To: "0300"}, want: "0200:a,0200:b,0300:c"},
				{name: "prefix", r: Range{Prefix: "0200:"}, want: "0200:a,0200:b"},
				{name: "limit", r: Range{From: "0200", Limit: 2}, want: "0200:a,0200:b"},
				{name: "open_to", r: Range{To: "0100"}, want: "0100:a"},
			}
			for _, tc := range tests {
				keys, err := Keys(ctx, tbl, tc.r)
				if err != nil {
					t.Fatalf("%s: Keys: %v", tc.name, err)
				}
				if got := strings.Join(keys, ","); got != tc.want {
					t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
				}
			}

			var seen int
			err = tbl.Walk(ctx, Range{}, func(string, Record) error {
				seen++
				if seen == 2 {
					return ErrStopWalk
				}
				return nil
			})
			if err != nil || seen != 2 {
				t.Fatalf("stop walk: seen=%d err=%v", seen, err)
			}
		})
	}
}

func TestTable_WalkCallbackMayWrite(t *testing.T) {
	t.Parallel()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tbl, err := b.Table("syncState")
			if err != nil {
				t.Fatalf("Table: %v", err)
			}
			for _, k := range []string{"a", "b", "c"} {
				if _, err := tbl.Upsert(ctx, k, Record{"n": raw(`0`)}); err != nil {
					t.Fatalf("Upsert: %v", err)
				}
			}
			err = tbl.Walk(ctx, Range{}, func(k string, _ Record) error {
				_, err := tbl.Upsert(ctx, k, Record{"n": raw(`1`)})
				return err
			})
			if err != nil {
				t.Fatalf("Walk: %v", err)
			}
			got, err := tbl.Get(ctx, "c")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got["n"]) != "1" {
				t.Fatalf("n: got %s", got["n"])
			}
		})
	}
}

func TestTable_InvalidKey(t *testing.T) {
	t.Parallel()

	tbl, err := NewMemoryBackend().Table("t")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	for _, k := range []string{"", "a\nb", "caf\xc3\xa9"} {
		if _, err := tbl.Upsert(context.Background(), k, Record{}); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("key %q: expected ErrInvalidKey, got %v", k, err)
		}
	}
}

func TestParseRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Range
		wantErr bool
	}{
		{in: "", want: Range{}},
		{in: "100:200", want: Range{From: "100", To: "200"}},
		{in: ":200", want: Range{To: "200"}},
		{in: "100:", want: Range{From: "100"}},
		{in: "200:100", wantErr: true},
		{in: "100", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseRange(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("%q: expected ErrInvalidKey, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %+v want %+v", tc.in, got, tc.want)
		}
	}
}

func TestEncodeDecode_OmitsUnsetPointers(t *testing.T) {
	t.Parallel()

	type patch struct {
		Bonded *bool   `json:"bonded,omitempty"`
		TxHash *string `json:"txHash,omitempty"`
	}
	yes := true
	rec, err := Encode(patch{Bonded: &yes})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(rec) != 1 || string(rec["bonded"]) != "true" {
		t.Fatalf("unexpected record: %v", rec)
	}
	var out patch
	if err := Decode(rec, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Bonded == nil || !*out.Bonded || out.TxHash != nil {
		t.Fatalf("unexpected decode: %+v", out)
	}
}

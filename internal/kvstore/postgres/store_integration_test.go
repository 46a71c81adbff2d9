//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hop-exchange/bonder-node/internal/kvstore"
	"github.com/hop-exchange/bonder-node/internal/pgtest"
)

func TestBackend_UpsertMergeWalkAndInsertOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)
	pool := pgtest.Start(t, ctx)

	b, err := New(pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	tbl, err := b.Table("mainnet.transfers")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}

	if _, err := tbl.Get(ctx, "0x01"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := tbl.Upsert(ctx, "0x01", kvstore.Record{"amount": json.RawMessage(`"100"`), "bonded": json.RawMessage(`false`)}); err != nil {
		t.Fatalf("Upsert #1: %v", err)
	}
	patch := kvstore.Record{"bonded": json.RawMessage(`true`)}
	first, err := tbl.Upsert(ctx, "0x01", patch)
	if err != nil {
		t.Fatalf("Upsert #2: %v", err)
	}
	second, err := tbl.Upsert(ctx, "0x01", patch)
	if err != nil {
		t.Fatalf("Upsert #3: %v", err)
	}
	if !kvstore.Equal(first, second) {
		t.Fatalf("merge not idempotent: %v vs %v", first, second)
	}
	if string(second["amount"]) != `"100"` || string(second["bonded"]) != `true` {
		t.Fatalf("unexpected merged record: %v", second)
	}

	ok, err := tbl.ExistsOrInsert(ctx, "0x02", kvstore.Record{"amount": json.RawMessage(`"5"`)})
	if err != nil || !ok {
		t.Fatalf("ExistsOrInsert: ok=%v err=%v", ok, err)
	}
	ok, err = tbl.ExistsOrInsert(ctx, "0x02", kvstore.Record{"amount": json.RawMessage(`"6"`)})
	if err != nil || ok {
		t.Fatalf("ExistsOrInsert #2: ok=%v err=%v", ok, err)
	}
	if _, err := tbl.Upsert(ctx, kvstore.MetadataKey, kvstore.Record{"migrationIndex": json.RawMessage(`1`)}); err != nil {
		t.Fatalf("Upsert metadata: %v", err)
	}

	keys, err := kvstore.Keys(ctx, tbl, kvstore.Range{})
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if strings.Join(keys, ",") != "0x01,0x02" {
		t.Fatalf("keys: got %v", keys)
	}

	if err := tbl.Delete(ctx, "0x01"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := tbl.Get(ctx, "0x01"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

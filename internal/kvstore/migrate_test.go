package kvstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReadyTable_MigratesOnceAndRecordsIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base, err := NewMemoryBackend().Table("transfers")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if _, err := base.Upsert(ctx, "a", Record{"amount": raw(`"1"`)}); err != nil {
		t.Fatalf("seed a: %v", err)
	}
	if _, err := base.Upsert(ctx, "b", Record{"amount": raw(`"2"`), "backoffIndex": raw(`3`)}); err != nil {
		t.Fatalf("seed b: %v", err)
	}
	if _, err := base.Upsert(ctx, "c", Record{"amount": raw(`"3"`), "backoffIndex": raw(`0`)}); err != nil {
		t.Fatalf("seed c: %v", err)
	}

	migrations := []Migration{
		{Property: "backoffIndex", Expected: 0, Migrated: Record{"backoffIndex": raw(`0`)}},
	}
	rt := NewReadyTable(base, migrations, nil)
	if err := rt.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	for _, k := range []string{"a", "b", "c"} {
		rec, err := rt.Get(ctx, k)
		if err != nil {
			t.Fatalf("Get %s: %v", k, err)
		}
		if string(rec["backoffIndex"]) != "0" {
			t.Fatalf("%s backoffIndex: got %s", k, rec["backoffIndex"])
		}
	}
	meta, err := base.Get(ctx, MetadataKey)
	if err != nil {
		t.Fatalf("Get metadata: %v", err)
	}
	if string(meta["migrationIndex"]) != "1" {
		t.Fatalf("migrationIndex: got %s", meta["migrationIndex"])
	}

	// A new process must not re-run the applied migration.
	if _, err := base.Upsert(ctx, "b", Record{"backoffIndex": raw(`7`)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	rt2 := NewReadyTable(base, migrations, nil)
	if err := rt2.Migrate(ctx); err != nil {
		t.Fatalf("Migrate #2: %v", err)
	}
	rec, err := rt2.Get(ctx, "b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(rec["backoffIndex"]) != "7" {
		t.Fatalf("migration re-applied: backoffIndex=%s", rec["backoffIndex"])
	}
}

func TestReadyTable_BlocksUntilMigrated(t *testing.T) {
	t.Parallel()

	base, err := NewMemoryBackend().Table("transfers")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	rt := NewReadyTable(base, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := rt.Get(ctx, "x"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded before Migrate, got %v", err)
	}

	if err := rt.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := rt.Get(context.Background(), "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after Migrate, got %v", err)
	}
}

func TestReadyTable_FailedMigrationIsSticky(t *testing.T) {
	t.Parallel()

	base, err := NewMemoryBackend().Table("transfers")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	rt := NewReadyTable(base, []Migration{{Property: "x"}}, nil)
	if err := rt.Migrate(context.Background()); !errors.Is(err, ErrMigration) {
		t.Fatalf("expected ErrMigration, got %v", err)
	}
	if _, err := rt.Get(context.Background(), "x"); !errors.Is(err, ErrMigration) {
		t.Fatalf("expected ErrMigration from reads, got %v", err)
	}
}

package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

var ErrMigration = errors.New("kvstore: migration failed")

// Migration rewrites every record whose Property is not already Expected by merging Migrated
// into it. A record that lacks Property counts as not matching.
type Migration struct {
	Property string
	Expected any
	Migrated Record
}

type metadata struct {
	MigrationIndex int `json:"migrationIndex"`
}

// ReadyTable wraps a Table whose readers must not observe partially migrated data. Every method
// blocks in TilReady until Migrate has finished.
type ReadyTable struct {
	Table

	migrations []Migration
	log        *slog.Logger

	once  sync.Once
	ready chan struct{}
	err   error
}

func NewReadyTable(t Table, migrations []Migration, log *slog.Logger) *ReadyTable {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	return &ReadyTable{
		Table:      t,
		migrations: migrations,
		log:        log.With("table", t.Name()),
		ready:      make(chan struct{}),
	}
}

// Migrate applies pending migrations at most once per process. The applied index is stored in
// the table's metadata record so each migration runs at most once across restarts.
func (t *ReadyTable) Migrate(ctx context.Context) error {
	t.once.Do(func() {
		t.err = t.migrate(ctx)
		close(t.ready)
	})
	<-t.ready
	return t.err
}

func (t *ReadyTable) migrate(ctx context.Context) error {
	meta := metadata{}
	rec, err := t.Table.Get(ctx, MetadataKey)
	switch {
	case err == nil:
		if err := Decode(rec, &meta); err != nil {
			return fmt.Errorf("%w: %s: decode metadata: %v", ErrMigration, t.Name(), err)
		}
	case errors.Is(err, ErrNotFound):
	default:
		return fmt.Errorf("%w: %s: read metadata: %v", ErrMigration, t.Name(), err)
	}

	for i := meta.MigrationIndex; i < len(t.migrations); i++ {
		m := t.migrations[i]
		n, err := t.apply(ctx, m)
		if err != nil {
			return fmt.Errorf("%w: %s: migration %d (%s): %v", ErrMigration, t.Name(), i, m.Property, err)
		}
		next, err := Encode(metadata{MigrationIndex: i + 1})
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMigration, t.Name(), err)
		}
		if _, err := t.Table.Upsert(ctx, MetadataKey, next); err != nil {
			return fmt.Errorf("%w: %s: write metadata: %v", ErrMigration, t.Name(), err)
		}
		t.log.Info("applied migration", "index", i, "property", m.Property, "records", n)
	}
	return nil
}

func (t *ReadyTable) apply(ctx context.Context, m Migration) (int, error) {
	if m.Property == "" || len(m.Migrated) == 0 {
		return 0, errors.New("empty migration")
	}
	want, err := json.Marshal(m.Expected)
	if err != nil {
		return 0, err
	}

	var pending []string
	err = t.Table.Walk(ctx, Range{}, func(key string, rec Record) error {
		cur, ok := rec[m.Property]
		if ok && rawEqual(cur, want) {
			return nil
		}
		pending = append(pending, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, key := range pending {
		if _, err := t.Table.Upsert(ctx, key, m.Migrated); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}

// TilReady waits for migrations to finish and returns their error, if any.
func (t *ReadyTable) TilReady(ctx context.Context) error {
	select {
	case <-t.ready:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *ReadyTable) Get(ctx context.Context, key string) (Record, error) {
	if err := t.TilReady(ctx); err != nil {
		return nil, err
	}
	return t.Table.Get(ctx, key)
}

func (t *ReadyTable) Upsert(ctx context.Context, key string, partial Record) (Record, error) {
	if err := t.TilReady(ctx); err != nil {
		return nil, err
	}
	return t.Table.Upsert(ctx, key, partial)
}

func (t *ReadyTable) Delete(ctx context.Context, key string) error {
	if err := t.TilReady(ctx); err != nil {
		return err
	}
	return t.Table.Delete(ctx, key)
}

func (t *ReadyTable) ExistsOrInsert(ctx context.Context, key string, value Record) (bool, error) {
	if err := t.TilReady(ctx); err != nil {
		return false, err
	}
	return t.Table.ExistsOrInsert(ctx, key, value)
}

func (t *ReadyTable) Walk(ctx context.Context, r Range, fn func(string, Record) error) error {
	if err := t.TilReady(ctx); err != nil {
		return err
	}
	return t.Table.Walk(ctx, r, fn)
}

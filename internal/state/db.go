// Package state holds the bonder's durable records: transfers, transfer roots and auxiliary
// indices, on top of a kvstore backend.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/hop-exchange/bonder-node/internal/kvstore"
)

const (
	TableTransfers      = "transfers"
	TableTransferRoots  = "transferRoots"
	TableTransferNonces = "transferNonces"
	TableTransfersTime  = "transfersByTime"
	TableSyncState      = "syncState"
	TableGasCost        = "gasCost"
	TableGasPrices      = "gasPrices"
	TableGasBoost       = "gasBoost"
)

// recordVersion is stamped on every transfer and root record.
const recordVersion = 1

// Migrations per table. Append only; the applied index is persisted.
var migrations = map[string][]kvstore.Migration{
	TableTransfers: {
		{Property: "recordVersion", Expected: recordVersion, Migrated: kvstore.Record{"recordVersion": json.RawMessage(`1`)}},
	},
	TableTransferRoots: {
		{Property: "recordVersion", Expected: recordVersion, Migrated: kvstore.Record{"recordVersion": json.RawMessage(`1`)}},
	},
}

// DB bundles every table. Construct it with Open.
type DB struct {
	Transfers *Transfers
	Roots     *TransferRoots
	Sync      *SyncState
	GasCosts  *GasCosts
	GasPrices *GasPrices
	// GasBoost backs the durable in-flight transaction tracker.
	GasBoost kvstore.Table

	ready []*kvstore.ReadyTable
}

// Open resolves every table through reg and runs migrations. A migration error is returned and
// must be treated as fatal.
func Open(ctx context.Context, reg *kvstore.Registry, loc kvstore.Location, namespace string, log *slog.Logger) (*DB, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidInput)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}

	db := &DB{}
	tables := make(map[string]*kvstore.ReadyTable)
	for _, name := range []string{TableTransfers, TableTransferRoots, TableTransferNonces, TableTransfersTime, TableSyncState, TableGasCost, TableGasPrices, TableGasBoost} {
		t, err := reg.Table(ctx, loc, namespace, name)
		if err != nil {
			return nil, fmt.Errorf("state: open table %s: %w", name, err)
		}
		rt := kvstore.NewReadyTable(t, migrations[name], log)
		tables[name] = rt
		db.ready = append(db.ready, rt)
	}

	db.Roots = NewTransferRoots(tables[TableTransferRoots], log)
	db.Transfers = NewTransfers(tables[TableTransfers], tables[TableTransferNonces], tables[TableTransfersTime], db.Roots, log)
	db.Sync = &SyncState{table: tables[TableSyncState]}
	db.GasCosts = &GasCosts{table: tables[TableGasCost]}
	db.GasPrices = &GasPrices{table: tables[TableGasPrices]}
	db.GasBoost = tables[TableGasBoost]

	for _, rt := range db.ready {
		if err := rt.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// TilReady blocks until every table has finished migrating.
func (db *DB) TilReady(ctx context.Context) error {
	for _, rt := range db.ready {
		if err := rt.TilReady(ctx); err != nil {
			return err
		}
	}
	return nil
}

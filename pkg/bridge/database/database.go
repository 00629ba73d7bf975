// Copyright 2024-2026 Aiku AI

// Package database holds the durable delivery records of the bridge.
package database

import (
	"go.mau.fi/util/dbutil"

	"github.com/aiku/telewp/pkg/bridge/database/upgrades"
)

// Database wraps the underlying connection pool with the bridge's queries.
type Database struct {
	*dbutil.Database
	Record *RecordQuery
}

// New wires the delivery record queries onto an opened dbutil database and
// attaches the schema upgrade table. Call Upgrade before first use.
func New(db *dbutil.Database) *Database {
	db.UpgradeTable = upgrades.Table
	return &Database{
		Database: db,
		Record:   &RecordQuery{dbutil.MakeQueryHelper(db, newRecord)},
	}
}

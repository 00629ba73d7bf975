// Copyright 2024-2026 Aiku AI

// Package upgrades contains the delivery database schema migrations.
package upgrades

import (
	"embed"

	"go.mau.fi/util/dbutil"
)

// Table is the upgrade table for the bridge database.
var Table dbutil.UpgradeTable

//go:embed *.sql
var upgrades embed.FS

func init() {
	Table.RegisterFS(upgrades)
}

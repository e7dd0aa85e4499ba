// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"fmt"

	"github.com/element-hq/matrix-appservice-bridge/internal/sqlutil"
	"github.com/element-hq/matrix-appservice-bridge/storage/postgres"
	"github.com/element-hq/matrix-appservice-bridge/storage/sqlite3"
)

// Open opens a bridge database, picking the backend from the connection
// string scheme.
func Open(connectionString string) (Database, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("no database connection string configured")
	}
	if sqlutil.IsSQLite(connectionString) {
		return sqlite3.NewDatabase(connectionString)
	}
	return postgres.NewDatabase(connectionString)
}

// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/element-hq/matrix-appservice-bridge/internal/sqlutil"
	"github.com/element-hq/matrix-appservice-bridge/storage/shared"
)

// NewDatabase opens a SQLite database and prepares all bridge tables.
func NewDatabase(connectionString string) (*shared.Database, error) {
	db, err := sql.Open("sqlite3", connectionString)
	if err != nil {
		return nil, err
	}
	// One connection at a time keeps SQLITE_BUSY away.
	db.SetMaxOpenConns(1)
	return newDatabase(db)
}

func newDatabase(db *sql.DB) (*shared.Database, error) {
	roomLinks, err := NewSqliteRoomLinksTable(db)
	if err != nil {
		return nil, err
	}
	events, err := NewSqliteEventsTable(db)
	if err != nil {
		return nil, err
	}
	ghosts, err := NewSqliteGhostsTable(db)
	if err != nil {
		return nil, err
	}
	userActivity, err := NewSqliteUserActivityTable(db)
	if err != nil {
		return nil, err
	}
	memberships, err := NewSqliteMembershipsTable(db)
	if err != nil {
		return nil, err
	}
	return &shared.Database{
		DB:           db,
		Writer:       sqlutil.NewExclusiveWriter(),
		RoomLinks:    roomLinks,
		Events:       events,
		Ghosts:       ghosts,
		UserActivity: userActivity,
		Memberships:  memberships,
	}, nil
}

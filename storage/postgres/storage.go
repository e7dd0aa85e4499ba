// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/element-hq/matrix-appservice-bridge/internal/sqlutil"
	"github.com/element-hq/matrix-appservice-bridge/storage/shared"
)

// NewDatabase opens a Postgres database and prepares all bridge tables.
func NewDatabase(connectionString string) (*shared.Database, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}
	return newDatabase(db)
}

func newDatabase(db *sql.DB) (*shared.Database, error) {
	roomLinks, err := NewPostgresRoomLinksTable(db)
	if err != nil {
		return nil, err
	}
	events, err := NewPostgresEventsTable(db)
	if err != nil {
		return nil, err
	}
	ghosts, err := NewPostgresGhostsTable(db)
	if err != nil {
		return nil, err
	}
	userActivity, err := NewPostgresUserActivityTable(db)
	if err != nil {
		return nil, err
	}
	memberships, err := NewPostgresMembershipsTable(db)
	if err != nil {
		return nil, err
	}
	return &shared.Database{
		DB:           db,
		Writer:       sqlutil.NewDummyWriter(),
		RoomLinks:    roomLinks,
		Events:       events,
		Ghosts:       ghosts,
		UserActivity: userActivity,
		Memberships:  memberships,
	}, nil
}

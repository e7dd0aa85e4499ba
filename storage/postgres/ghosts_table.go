// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/internal/sqlutil"
	"github.com/element-hq/matrix-appservice-bridge/storage/tables"
)

const ghostsSchema = `
CREATE TABLE IF NOT EXISTS bridge_ghosts (
	user_id TEXT NOT NULL PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	avatar_url TEXT NOT NULL DEFAULT '',
	data JSONB NOT NULL DEFAULT '{}'
);
`

const upsertGhostSQL = "" +
	"INSERT INTO bridge_ghosts (user_id, display_name, avatar_url, data)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (user_id) DO UPDATE SET" +
	" display_name = $2, avatar_url = $3, data = $4"

const selectGhostSQL = "" +
	"SELECT user_id, display_name, avatar_url, data FROM bridge_ghosts WHERE user_id = $1"

const selectGhostCountSQL = "" +
	"SELECT COUNT(*) FROM bridge_ghosts"

type ghostsStatements struct {
	upsertStmt      *sql.Stmt
	selectStmt      *sql.Stmt
	selectCountStmt *sql.Stmt
}

func NewPostgresGhostsTable(db *sql.DB) (tables.Ghosts, error) {
	if _, err := db.Exec(ghostsSchema); err != nil {
		return nil, err
	}
	s := &ghostsStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertStmt, upsertGhostSQL},
		{&s.selectStmt, selectGhostSQL},
		{&s.selectCountStmt, selectGhostCountSQL},
	}.Prepare(db)
}

func (s *ghostsStatements) UpsertGhost(ctx context.Context, txn *sql.Tx, profile *api.GhostProfile) error {
	data := profile.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	_, err := sqlutil.TxStmt(txn, s.upsertStmt).ExecContext(
		ctx, profile.UserID, profile.DisplayName, profile.AvatarURL, string(data),
	)
	return err
}

func (s *ghostsStatements) SelectGhost(ctx context.Context, txn *sql.Tx, userID id.UserID) (*api.GhostProfile, error) {
	var profile api.GhostProfile
	var data []byte
	row := sqlutil.TxStmt(txn, s.selectStmt).QueryRowContext(ctx, userID)
	if err := row.Scan(&profile.UserID, &profile.DisplayName, &profile.AvatarURL, &data); err != nil {
		return nil, err
	}
	profile.Data = data
	return &profile, nil
}

func (s *ghostsStatements) SelectGhostCount(ctx context.Context, txn *sql.Tx) (int, error) {
	var count int
	err := sqlutil.TxStmt(txn, s.selectCountStmt).QueryRowContext(ctx).Scan(&count)
	return count, err
}

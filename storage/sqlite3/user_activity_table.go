// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"

	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/activity"
	"github.com/element-hq/matrix-appservice-bridge/internal/sqlutil"
	"github.com/element-hq/matrix-appservice-bridge/storage/tables"
)

const userActivitySchema = `
CREATE TABLE IF NOT EXISTS bridge_user_activity (
	user_id TEXT NOT NULL PRIMARY KEY,
    -- JSON {ts: [...], metadata: {...}}
	activity TEXT NOT NULL
);
`

const upsertUserActivitySQL = "" +
	"INSERT INTO bridge_user_activity (user_id, activity) VALUES ($1, $2)" +
	" ON CONFLICT (user_id) DO UPDATE SET activity = $2"

const selectAllUserActivitySQL = "" +
	"SELECT user_id, activity FROM bridge_user_activity"

type userActivityStatements struct {
	upsertStmt    *sql.Stmt
	selectAllStmt *sql.Stmt
}

func NewSqliteUserActivityTable(db *sql.DB) (tables.UserActivity, error) {
	if _, err := db.Exec(userActivitySchema); err != nil {
		return nil, err
	}
	s := &userActivityStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertStmt, upsertUserActivitySQL},
		{&s.selectAllStmt, selectAllUserActivitySQL},
	}.Prepare(db)
}

func (s *userActivityStatements) UpsertUserActivity(ctx context.Context, txn *sql.Tx, userID id.UserID, record activity.UserActivity) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.upsertStmt).ExecContext(ctx, userID, string(encoded))
	return err
}

func (s *userActivityStatements) SelectAllUserActivity(ctx context.Context, txn *sql.Tx) (map[id.UserID]activity.UserActivity, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectAllStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck
	records := make(map[id.UserID]activity.UserActivity)
	for rows.Next() {
		var userID id.UserID
		var encoded string
		if err = rows.Scan(&userID, &encoded); err != nil {
			return nil, err
		}
		var record activity.UserActivity
		if err = json.Unmarshal([]byte(encoded), &record); err != nil {
			return nil, err
		}
		records[userID] = record
	}
	return records, rows.Err()
}

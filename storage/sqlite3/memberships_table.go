// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/internal/sqlutil"
	"github.com/element-hq/matrix-appservice-bridge/storage/tables"
)

const membershipsSchema = `
CREATE TABLE IF NOT EXISTS bridge_memberships (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	membership TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	avatar_url TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (room_id, user_id)
);
CREATE TABLE IF NOT EXISTS bridge_registered_users (
	user_id TEXT NOT NULL PRIMARY KEY
);
`

const upsertMembershipSQL = "" +
	"INSERT INTO bridge_memberships (room_id, user_id, membership, display_name, avatar_url)" +
	" VALUES ($1, $2, $3, $4, $5)" +
	" ON CONFLICT (room_id, user_id) DO UPDATE SET" +
	" membership = $3, display_name = $4, avatar_url = $5"

const selectMembershipSQL = "" +
	"SELECT membership, display_name, avatar_url FROM bridge_memberships" +
	" WHERE room_id = $1 AND user_id = $2"

const selectJoinedUsersSQL = "" +
	"SELECT user_id FROM bridge_memberships WHERE room_id = $1 AND membership = 'join'" +
	" ORDER BY user_id"

const deleteRoomMembershipsSQL = "" +
	"DELETE FROM bridge_memberships WHERE room_id = $1"

const insertRegisteredUserSQL = "" +
	"INSERT INTO bridge_registered_users (user_id) VALUES ($1)" +
	" ON CONFLICT DO NOTHING"

const selectIsUserRegisteredSQL = "" +
	"SELECT user_id FROM bridge_registered_users WHERE user_id = $1"

type membershipsStatements struct {
	upsertStmt           *sql.Stmt
	selectStmt           *sql.Stmt
	selectJoinedStmt     *sql.Stmt
	deleteRoomStmt       *sql.Stmt
	insertRegisteredStmt *sql.Stmt
	selectRegisteredStmt *sql.Stmt
}

func NewSqliteMembershipsTable(db *sql.DB) (tables.Memberships, error) {
	if _, err := db.Exec(membershipsSchema); err != nil {
		return nil, err
	}
	s := &membershipsStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertStmt, upsertMembershipSQL},
		{&s.selectStmt, selectMembershipSQL},
		{&s.selectJoinedStmt, selectJoinedUsersSQL},
		{&s.deleteRoomStmt, deleteRoomMembershipsSQL},
		{&s.insertRegisteredStmt, insertRegisteredUserSQL},
		{&s.selectRegisteredStmt, selectIsUserRegisteredSQL},
	}.Prepare(db)
}

func (s *membershipsStatements) UpsertMembership(ctx context.Context, txn *sql.Tx, roomID id.RoomID, userID id.UserID, membership, displayName, avatarURL string) error {
	_, err := sqlutil.TxStmt(txn, s.upsertStmt).ExecContext(ctx, roomID, userID, membership, displayName, avatarURL)
	return err
}

func (s *membershipsStatements) SelectMembership(ctx context.Context, txn *sql.Tx, roomID id.RoomID, userID id.UserID) (*api.Membership, error) {
	var membership string
	var profile api.MemberProfile
	row := sqlutil.TxStmt(txn, s.selectStmt).QueryRowContext(ctx, roomID, userID)
	if err := row.Scan(&membership, &profile.Displayname, &profile.AvatarURL); err != nil {
		return nil, err
	}
	return &api.Membership{
		Membership: event.Membership(membership),
		Profile:    profile,
	}, nil
}

func (s *membershipsStatements) SelectJoinedUsers(ctx context.Context, txn *sql.Tx, roomID id.RoomID) ([]id.UserID, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectJoinedStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck
	var users []id.UserID
	for rows.Next() {
		var userID id.UserID
		if err = rows.Scan(&userID); err != nil {
			return nil, err
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}

func (s *membershipsStatements) DeleteRoomMemberships(ctx context.Context, txn *sql.Tx, roomID id.RoomID) error {
	_, err := sqlutil.TxStmt(txn, s.deleteRoomStmt).ExecContext(ctx, roomID)
	return err
}

func (s *membershipsStatements) InsertRegisteredUser(ctx context.Context, txn *sql.Tx, userID id.UserID) error {
	_, err := sqlutil.TxStmt(txn, s.insertRegisteredStmt).ExecContext(ctx, userID)
	return err
}

func (s *membershipsStatements) SelectIsUserRegistered(ctx context.Context, txn *sql.Tx, userID id.UserID) (bool, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRegisteredStmt).QueryContext(ctx, userID)
	if err != nil {
		return false, err
	}
	defer rows.Close() // nolint: errcheck
	return rows.Next(), nil
}

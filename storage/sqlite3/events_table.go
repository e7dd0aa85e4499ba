// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/internal/sqlutil"
	"github.com/element-hq/matrix-appservice-bridge/storage/tables"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS bridge_events (
	matrix_event_id TEXT NOT NULL PRIMARY KEY,
	room_id TEXT NOT NULL,
	remote_event_id TEXT NOT NULL DEFAULT '',
	remote_room_id TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS bridge_events_room_idx ON bridge_events(room_id);
CREATE INDEX IF NOT EXISTS bridge_events_remote_idx ON bridge_events(remote_room_id, remote_event_id);
`

const insertEventSQL = "" +
	"INSERT INTO bridge_events (matrix_event_id, room_id, remote_event_id, remote_room_id, data)" +
	" VALUES ($1, $2, $3, $4, $5)" +
	" ON CONFLICT (matrix_event_id) DO UPDATE SET" +
	" room_id = $2, remote_event_id = $3, remote_room_id = $4, data = $5"

const selectEventByMatrixIDSQL = "" +
	"SELECT matrix_event_id, room_id, remote_event_id, remote_room_id, data" +
	" FROM bridge_events WHERE matrix_event_id = $1"

const selectEventByRemoteIDSQL = "" +
	"SELECT matrix_event_id, room_id, remote_event_id, remote_room_id, data" +
	" FROM bridge_events WHERE remote_room_id = $1 AND remote_event_id = $2"

const updateEventsRoomIDSQL = "" +
	"UPDATE bridge_events SET room_id = $2 WHERE room_id = $1"

const deleteEventsForRoomSQL = "" +
	"DELETE FROM bridge_events WHERE room_id = $1"

type eventsStatements struct {
	insertStmt         *sql.Stmt
	selectByMatrixStmt *sql.Stmt
	selectByRemoteStmt *sql.Stmt
	updateRoomIDStmt   *sql.Stmt
	deleteForRoomStmt  *sql.Stmt
}

func NewSqliteEventsTable(db *sql.DB) (tables.Events, error) {
	if _, err := db.Exec(eventsSchema); err != nil {
		return nil, err
	}
	s := &eventsStatements{}
	return s, sqlutil.StatementList{
		{&s.insertStmt, insertEventSQL},
		{&s.selectByMatrixStmt, selectEventByMatrixIDSQL},
		{&s.selectByRemoteStmt, selectEventByRemoteIDSQL},
		{&s.updateRoomIDStmt, updateEventsRoomIDSQL},
		{&s.deleteForRoomStmt, deleteEventsForRoomSQL},
	}.Prepare(db)
}

func (s *eventsStatements) InsertEvent(ctx context.Context, txn *sql.Tx, ev *api.StoredEvent) error {
	data := ev.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	_, err := sqlutil.TxStmt(txn, s.insertStmt).ExecContext(
		ctx, ev.MatrixEventID, ev.RoomID, ev.RemoteEventID, ev.RemoteRoomID, string(data),
	)
	return err
}

func (s *eventsStatements) SelectEventByMatrixID(ctx context.Context, txn *sql.Tx, eventID id.EventID) (*api.StoredEvent, error) {
	return scanStoredEvent(sqlutil.TxStmt(txn, s.selectByMatrixStmt).QueryRowContext(ctx, eventID))
}

func (s *eventsStatements) SelectEventByRemoteID(ctx context.Context, txn *sql.Tx, remoteRoomID, remoteEventID string) (*api.StoredEvent, error) {
	return scanStoredEvent(sqlutil.TxStmt(txn, s.selectByRemoteStmt).QueryRowContext(ctx, remoteRoomID, remoteEventID))
}

func (s *eventsStatements) UpdateEventsRoomID(ctx context.Context, txn *sql.Tx, oldRoomID, newRoomID id.RoomID) error {
	_, err := sqlutil.TxStmt(txn, s.updateRoomIDStmt).ExecContext(ctx, oldRoomID, newRoomID)
	return err
}

func (s *eventsStatements) DeleteEventsForRoom(ctx context.Context, txn *sql.Tx, roomID id.RoomID) error {
	_, err := sqlutil.TxStmt(txn, s.deleteForRoomStmt).ExecContext(ctx, roomID)
	return err
}

func scanStoredEvent(row rowScanner) (*api.StoredEvent, error) {
	var ev api.StoredEvent
	var data string
	if err := row.Scan(&ev.MatrixEventID, &ev.RoomID, &ev.RemoteEventID, &ev.RemoteRoomID, &data); err != nil {
		return nil, err
	}
	ev.Data = []byte(data)
	return &ev, nil
}

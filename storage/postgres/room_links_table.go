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

const roomLinksSchema = `
CREATE TABLE IF NOT EXISTS bridge_room_links (
    -- The bridge's own identifier for this link
	entry_id TEXT NOT NULL PRIMARY KEY,
	matrix_room_id TEXT NOT NULL DEFAULT '',
	remote_room_id TEXT NOT NULL DEFAULT '',
	data JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS bridge_room_links_matrix_idx ON bridge_room_links(matrix_room_id);
CREATE INDEX IF NOT EXISTS bridge_room_links_remote_idx ON bridge_room_links(remote_room_id);
`

const upsertRoomLinkSQL = "" +
	"INSERT INTO bridge_room_links (entry_id, matrix_room_id, remote_room_id, data)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (entry_id) DO UPDATE SET" +
	" matrix_room_id = $2, remote_room_id = $3, data = $4"

const selectRoomLinkByIDSQL = "" +
	"SELECT entry_id, matrix_room_id, remote_room_id, data FROM bridge_room_links" +
	" WHERE entry_id = $1"

const selectRoomLinksForMatrixRoomSQL = "" +
	"SELECT entry_id, matrix_room_id, remote_room_id, data FROM bridge_room_links" +
	" WHERE matrix_room_id = $1 ORDER BY entry_id"

const selectRoomLinksForRemoteRoomSQL = "" +
	"SELECT entry_id, matrix_room_id, remote_room_id, data FROM bridge_room_links" +
	" WHERE remote_room_id = $1 ORDER BY entry_id"

const deleteRoomLinkSQL = "" +
	"DELETE FROM bridge_room_links WHERE entry_id = $1"

type roomLinksStatements struct {
	upsertStmt          *sql.Stmt
	selectByIDStmt      *sql.Stmt
	selectForMatrixStmt *sql.Stmt
	selectForRemoteStmt *sql.Stmt
	deleteStmt          *sql.Stmt
}

func NewPostgresRoomLinksTable(db *sql.DB) (tables.RoomLinks, error) {
	if _, err := db.Exec(roomLinksSchema); err != nil {
		return nil, err
	}
	s := &roomLinksStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertStmt, upsertRoomLinkSQL},
		{&s.selectByIDStmt, selectRoomLinkByIDSQL},
		{&s.selectForMatrixStmt, selectRoomLinksForMatrixRoomSQL},
		{&s.selectForRemoteStmt, selectRoomLinksForRemoteRoomSQL},
		{&s.deleteStmt, deleteRoomLinkSQL},
	}.Prepare(db)
}

func (s *roomLinksStatements) UpsertEntry(ctx context.Context, txn *sql.Tx, entry *api.RoomEntry) error {
	data := entry.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	_, err := sqlutil.TxStmt(txn, s.upsertStmt).ExecContext(
		ctx, entry.ID, entry.MatrixRoomID, entry.RemoteRoomID, string(data),
	)
	return err
}

func (s *roomLinksStatements) SelectEntryByID(ctx context.Context, txn *sql.Tx, entryID string) (*api.RoomEntry, error) {
	return scanRoomLink(sqlutil.TxStmt(txn, s.selectByIDStmt).QueryRowContext(ctx, entryID))
}

func (s *roomLinksStatements) SelectEntriesForMatrixRoom(ctx context.Context, txn *sql.Tx, roomID id.RoomID) ([]*api.RoomEntry, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectForMatrixStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return scanRoomLinks(rows)
}

func (s *roomLinksStatements) SelectEntriesForRemoteRoom(ctx context.Context, txn *sql.Tx, remoteRoomID string) ([]*api.RoomEntry, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectForRemoteStmt).QueryContext(ctx, remoteRoomID)
	if err != nil {
		return nil, err
	}
	return scanRoomLinks(rows)
}

func (s *roomLinksStatements) DeleteEntry(ctx context.Context, txn *sql.Tx, entryID string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteStmt).ExecContext(ctx, entryID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRoomLink(row rowScanner) (*api.RoomEntry, error) {
	var entry api.RoomEntry
	var data []byte
	if err := row.Scan(&entry.ID, &entry.MatrixRoomID, &entry.RemoteRoomID, &data); err != nil {
		return nil, err
	}
	entry.Data = data
	return &entry, nil
}

func scanRoomLinks(rows *sql.Rows) ([]*api.RoomEntry, error) {
	defer rows.Close() // nolint: errcheck
	var entries []*api.RoomEntry
	for rows.Next() {
		entry, err := scanRoomLink(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

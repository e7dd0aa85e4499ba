// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package tables defines the per-table interfaces both SQL backends
// implement.
package tables

import (
	"context"
	"database/sql"

	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/activity"
	"github.com/element-hq/matrix-appservice-bridge/api"
)

type RoomLinks interface {
	UpsertEntry(ctx context.Context, txn *sql.Tx, entry *api.RoomEntry) error
	SelectEntryByID(ctx context.Context, txn *sql.Tx, entryID string) (*api.RoomEntry, error)
	SelectEntriesForMatrixRoom(ctx context.Context, txn *sql.Tx, roomID id.RoomID) ([]*api.RoomEntry, error)
	SelectEntriesForRemoteRoom(ctx context.Context, txn *sql.Tx, remoteRoomID string) ([]*api.RoomEntry, error)
	DeleteEntry(ctx context.Context, txn *sql.Tx, entryID string) error
}

type Events interface {
	InsertEvent(ctx context.Context, txn *sql.Tx, ev *api.StoredEvent) error
	SelectEventByMatrixID(ctx context.Context, txn *sql.Tx, eventID id.EventID) (*api.StoredEvent, error)
	SelectEventByRemoteID(ctx context.Context, txn *sql.Tx, remoteRoomID, remoteEventID string) (*api.StoredEvent, error)
	UpdateEventsRoomID(ctx context.Context, txn *sql.Tx, oldRoomID, newRoomID id.RoomID) error
	DeleteEventsForRoom(ctx context.Context, txn *sql.Tx, roomID id.RoomID) error
}

type Ghosts interface {
	UpsertGhost(ctx context.Context, txn *sql.Tx, profile *api.GhostProfile) error
	SelectGhost(ctx context.Context, txn *sql.Tx, userID id.UserID) (*api.GhostProfile, error)
	SelectGhostCount(ctx context.Context, txn *sql.Tx) (int, error)
}

type UserActivity interface {
	UpsertUserActivity(ctx context.Context, txn *sql.Tx, userID id.UserID, record activity.UserActivity) error
	SelectAllUserActivity(ctx context.Context, txn *sql.Tx) (map[id.UserID]activity.UserActivity, error)
}

type Memberships interface {
	UpsertMembership(ctx context.Context, txn *sql.Tx, roomID id.RoomID, userID id.UserID, membership string, displayName, avatarURL string) error
	SelectMembership(ctx context.Context, txn *sql.Tx, roomID id.RoomID, userID id.UserID) (*api.Membership, error)
	SelectJoinedUsers(ctx context.Context, txn *sql.Tx, roomID id.RoomID) ([]id.UserID, error)
	DeleteRoomMemberships(ctx context.Context, txn *sql.Tx, roomID id.RoomID) error
	InsertRegisteredUser(ctx context.Context, txn *sql.Tx, userID id.UserID) error
	SelectIsUserRegistered(ctx context.Context, txn *sql.Tx, userID id.UserID) (bool, error)
}

// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"errors"

	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/activity"
	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/internal/sqlutil"
	"github.com/element-hq/matrix-appservice-bridge/storage/tables"
)

// Database dispatches the storage interface onto the backend's table
// implementations, funneling writes through the backend's Writer.
type Database struct {
	DB           *sql.DB
	Writer       sqlutil.Writer
	RoomLinks    tables.RoomLinks
	Events       tables.Events
	Ghosts       tables.Ghosts
	UserActivity tables.UserActivity
	Memberships  tables.Memberships
}

func (d *Database) Close() error {
	return d.DB.Close()
}

func (d *Database) UpsertRoomEntry(ctx context.Context, entry *api.RoomEntry) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.RoomLinks.UpsertEntry(ctx, txn, entry)
	})
}

func (d *Database) RoomEntryByID(ctx context.Context, entryID string) (*api.RoomEntry, error) {
	entry, err := d.RoomLinks.SelectEntryByID(ctx, nil, entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

func (d *Database) RoomEntriesForMatrixRoom(ctx context.Context, roomID id.RoomID) ([]*api.RoomEntry, error) {
	return d.RoomLinks.SelectEntriesForMatrixRoom(ctx, nil, roomID)
}

func (d *Database) RoomEntriesForRemoteRoom(ctx context.Context, remoteRoomID string) ([]*api.RoomEntry, error) {
	return d.RoomLinks.SelectEntriesForRemoteRoom(ctx, nil, remoteRoomID)
}

func (d *Database) DeleteRoomEntry(ctx context.Context, entryID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.RoomLinks.DeleteEntry(ctx, txn, entryID)
	})
}

func (d *Database) StoreEvent(ctx context.Context, ev *api.StoredEvent) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Events.InsertEvent(ctx, txn, ev)
	})
}

func (d *Database) EventByMatrixID(ctx context.Context, eventID id.EventID) (*api.StoredEvent, error) {
	ev, err := d.Events.SelectEventByMatrixID(ctx, nil, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func (d *Database) EventByRemoteID(ctx context.Context, remoteRoomID, remoteEventID string) (*api.StoredEvent, error) {
	ev, err := d.Events.SelectEventByRemoteID(ctx, nil, remoteRoomID, remoteEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func (d *Database) MoveRoomEvents(ctx context.Context, oldRoomID, newRoomID id.RoomID) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Events.UpdateEventsRoomID(ctx, txn, oldRoomID, newRoomID)
	})
}

func (d *Database) DeleteEventsForRoom(ctx context.Context, roomID id.RoomID) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Events.DeleteEventsForRoom(ctx, txn, roomID)
	})
}

func (d *Database) StoreGhost(ctx context.Context, profile *api.GhostProfile) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Ghosts.UpsertGhost(ctx, txn, profile)
	})
}

func (d *Database) Ghost(ctx context.Context, userID id.UserID) (*api.GhostProfile, error) {
	profile, err := d.Ghosts.SelectGhost(ctx, nil, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return profile, err
}

func (d *Database) GhostCount(ctx context.Context) (int, error) {
	return d.Ghosts.SelectGhostCount(ctx, nil)
}

func (d *Database) StoreUserActivity(ctx context.Context, userID id.UserID, record activity.UserActivity) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.UserActivity.UpsertUserActivity(ctx, txn, userID, record)
	})
}

func (d *Database) LoadAllUserActivity(ctx context.Context) (map[id.UserID]activity.UserActivity, error) {
	return d.UserActivity.SelectAllUserActivity(ctx, nil)
}

func (d *Database) SetStoredMembership(ctx context.Context, roomID id.RoomID, userID id.UserID, membership api.Membership) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Memberships.UpsertMembership(
			ctx, txn, roomID, userID,
			string(membership.Membership),
			membership.Profile.Displayname,
			membership.Profile.AvatarURL,
		)
	})
}

func (d *Database) StoredMembership(ctx context.Context, roomID id.RoomID, userID id.UserID) (*api.Membership, error) {
	membership, err := d.Memberships.SelectMembership(ctx, nil, roomID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return membership, err
}

func (d *Database) StoredJoinedUsers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	return d.Memberships.SelectJoinedUsers(ctx, nil, roomID)
}

func (d *Database) ForgetRoomMemberships(ctx context.Context, roomID id.RoomID) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Memberships.DeleteRoomMemberships(ctx, txn, roomID)
	})
}

func (d *Database) MarkUserRegistered(ctx context.Context, userID id.UserID) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Memberships.InsertRegisteredUser(ctx, txn, userID)
	})
}

func (d *Database) IsUserRegistered(ctx context.Context, userID id.UserID) (bool, error) {
	return d.Memberships.SelectIsUserRegistered(ctx, nil, userID)
}

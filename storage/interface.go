// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage persists the bridge's room links, event mappings,
// ghost profiles, activity records and membership snapshots in SQLite
// or Postgres.
package storage

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/activity"
	"github.com/element-hq/matrix-appservice-bridge/api"
)

type Database interface {
	RoomStore
	EventStore
	UserStore
	MembershipStore
	activity.UserActivityStore
	Close() error
}

// RoomStore holds the links between Matrix rooms and remote channels.
// Lookups return nil without error when nothing matches.
type RoomStore interface {
	UpsertRoomEntry(ctx context.Context, entry *api.RoomEntry) error
	RoomEntryByID(ctx context.Context, entryID string) (*api.RoomEntry, error)
	RoomEntriesForMatrixRoom(ctx context.Context, roomID id.RoomID) ([]*api.RoomEntry, error)
	RoomEntriesForRemoteRoom(ctx context.Context, remoteRoomID string) ([]*api.RoomEntry, error)
	DeleteRoomEntry(ctx context.Context, entryID string) error
}

// EventStore maps Matrix events to their remote counterparts.
type EventStore interface {
	StoreEvent(ctx context.Context, ev *api.StoredEvent) error
	EventByMatrixID(ctx context.Context, eventID id.EventID) (*api.StoredEvent, error)
	EventByRemoteID(ctx context.Context, remoteRoomID, remoteEventID string) (*api.StoredEvent, error)
	MoveRoomEvents(ctx context.Context, oldRoomID, newRoomID id.RoomID) error
	DeleteEventsForRoom(ctx context.Context, roomID id.RoomID) error
}

// UserStore holds ghost profile snapshots.
type UserStore interface {
	StoreGhost(ctx context.Context, profile *api.GhostProfile) error
	Ghost(ctx context.Context, userID id.UserID) (*api.GhostProfile, error)
	GhostCount(ctx context.Context) (int, error)
}

// MembershipStore persists room membership snapshots and the set of
// registered virtual users, backing the Intent layer across restarts.
type MembershipStore interface {
	SetStoredMembership(ctx context.Context, roomID id.RoomID, userID id.UserID, membership api.Membership) error
	StoredMembership(ctx context.Context, roomID id.RoomID, userID id.UserID) (*api.Membership, error)
	StoredJoinedUsers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	ForgetRoomMemberships(ctx context.Context, roomID id.RoomID) error
	MarkUserRegistered(ctx context.Context, userID id.UserID) error
	IsUserRegistered(ctx context.Context, userID id.UserID) (bool, error)
}

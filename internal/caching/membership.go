// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
)

// MembershipCache projects room membership as seen by the bridge:
// RoomId → UserId → (membership, profile), plus the set of user IDs the
// bridge has ever registered. A user belongs to the registered set iff
// it has been seen with membership join or leave anywhere.
type MembershipCache struct {
	mu         sync.RWMutex
	rooms      map[id.RoomID]map[id.UserID]api.Membership
	registered map[id.UserID]struct{}
}

func NewMembershipCache() *MembershipCache {
	return &MembershipCache{
		rooms:      make(map[id.RoomID]map[id.UserID]api.Membership),
		registered: make(map[id.UserID]struct{}),
	}
}

// SetMembership records a membership observation for (room, user).
func (c *MembershipCache) SetMembership(roomID id.RoomID, userID id.UserID, m api.Membership) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room, ok := c.rooms[roomID]
	if !ok {
		room = make(map[id.UserID]api.Membership)
		c.rooms[roomID] = room
	}
	room[userID] = m
	if m.Membership == event.MembershipJoin || m.Membership == event.MembershipLeave {
		c.registered[userID] = struct{}{}
	}
}

// Membership returns the recorded membership, if any.
func (c *MembershipCache) Membership(roomID id.RoomID, userID id.UserID) (api.Membership, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	room, ok := c.rooms[roomID]
	if !ok {
		return api.Membership{}, false
	}
	m, ok := room[userID]
	return m, ok
}

// IsJoined reports whether the user was last seen joined to the room.
func (c *MembershipCache) IsJoined(roomID id.RoomID, userID id.UserID) bool {
	m, ok := c.Membership(roomID, userID)
	return ok && m.Membership == event.MembershipJoin
}

// JoinedUsers lists every user last seen joined to the room.
func (c *MembershipCache) JoinedUsers(roomID id.RoomID) []id.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	room := c.rooms[roomID]
	users := make([]id.UserID, 0, len(room))
	for userID, m := range room {
		if m.Membership == event.MembershipJoin {
			users = append(users, userID)
		}
	}
	return users
}

// HasRoom reports whether any membership has been recorded for the room,
// so callers can tell an empty room from an untracked one.
func (c *MembershipCache) HasRoom(roomID id.RoomID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// ForgetRoom drops all membership records for a room, used after a room
// upgrade retires the predecessor.
func (c *MembershipCache) ForgetRoom(roomID id.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

// SetRegistered marks a user as registered regardless of membership.
func (c *MembershipCache) SetRegistered(userID id.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered[userID] = struct{}{}
}

// IsUserRegistered reports whether the bridge has ever registered (or
// observed as join/leave) the given user.
func (c *MembershipCache) IsUserRegistered(userID id.UserID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.registered[userID]
	return ok
}

// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
)

func TestMembershipCache(t *testing.T) {
	cache := NewMembershipCache()
	roomID := id.RoomID("!room:example.org")
	alice := id.UserID("@alice:example.org")
	bob := id.UserID("@bob:example.org")

	assert.False(t, cache.HasRoom(roomID))

	cache.SetMembership(roomID, alice, api.Membership{Membership: event.MembershipJoin})
	cache.SetMembership(roomID, bob, api.Membership{Membership: event.MembershipInvite})

	assert.True(t, cache.HasRoom(roomID))
	assert.True(t, cache.IsJoined(roomID, alice))
	assert.False(t, cache.IsJoined(roomID, bob))
	assert.ElementsMatch(t, []id.UserID{alice}, cache.JoinedUsers(roomID))

	m, ok := cache.Membership(roomID, bob)
	assert.True(t, ok)
	assert.Equal(t, event.MembershipInvite, m.Membership)

	cache.SetMembership(roomID, alice, api.Membership{Membership: event.MembershipLeave})
	assert.False(t, cache.IsJoined(roomID, alice))
	assert.Empty(t, cache.JoinedUsers(roomID))
}

func TestMembershipCacheRegisteredSet(t *testing.T) {
	cache := NewMembershipCache()
	roomID := id.RoomID("!room:example.org")
	joined := id.UserID("@joined:example.org")
	invited := id.UserID("@invited:example.org")
	direct := id.UserID("@direct:example.org")

	cache.SetMembership(roomID, joined, api.Membership{Membership: event.MembershipJoin})
	cache.SetMembership(roomID, invited, api.Membership{Membership: event.MembershipInvite})
	cache.SetRegistered(direct)

	assert.True(t, cache.IsUserRegistered(joined), "join implies registration")
	assert.False(t, cache.IsUserRegistered(invited), "an invite proves nothing about registration")
	assert.True(t, cache.IsUserRegistered(direct))
}

func TestMembershipCacheForgetRoom(t *testing.T) {
	cache := NewMembershipCache()
	roomID := id.RoomID("!old:example.org")
	alice := id.UserID("@alice:example.org")

	cache.SetMembership(roomID, alice, api.Membership{Membership: event.MembershipJoin})
	cache.ForgetRoom(roomID)

	assert.False(t, cache.HasRoom(roomID))
	assert.False(t, cache.IsJoined(roomID, alice))
	assert.True(t, cache.IsUserRegistered(alice), "forgetting a room must not unregister its users")
}

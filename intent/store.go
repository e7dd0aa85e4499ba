// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package intent

import (
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/internal/caching"
)

// BackingStore records the membership and power-level facts an Intent
// relies on to skip redundant traffic. A cached join means the Intent
// may send without a pre-join check.
type BackingStore interface {
	Membership(roomID id.RoomID, userID id.UserID) (api.Membership, bool)
	SetMembership(roomID id.RoomID, userID id.UserID, m api.Membership)
	PowerLevels(roomID id.RoomID) (*api.PowerLevelContent, bool)
	SetPowerLevels(roomID id.RoomID, content *api.PowerLevelContent)
}

// localStore is the default BackingStore: process-local and only
// recording facts about the Intent's own user.
type localStore struct {
	userID id.UserID

	mu          sync.RWMutex
	memberships map[id.RoomID]api.Membership
	powerLevels map[id.RoomID]*api.PowerLevelContent
}

func newLocalStore(userID id.UserID) *localStore {
	return &localStore{
		userID:      userID,
		memberships: make(map[id.RoomID]api.Membership),
		powerLevels: make(map[id.RoomID]*api.PowerLevelContent),
	}
}

func (s *localStore) Membership(roomID id.RoomID, userID id.UserID) (api.Membership, bool) {
	if userID != s.userID {
		return api.Membership{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[roomID]
	return m, ok
}

func (s *localStore) SetMembership(roomID id.RoomID, userID id.UserID, m api.Membership) {
	if userID != s.userID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[roomID] = m
}

func (s *localStore) PowerLevels(roomID id.RoomID) (*api.PowerLevelContent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.powerLevels[roomID]
	if !ok {
		return nil, false
	}
	return content.Clone(), true
}

func (s *localStore) SetPowerLevels(roomID id.RoomID, content *api.PowerLevelContent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.powerLevels[roomID] = content.Clone()
}

// SharedStore is a BackingStore over the bridge-wide membership cache,
// recording memberships for every user it sees. Power levels are kept
// per room alongside.
type SharedStore struct {
	members *caching.MembershipCache

	mu          sync.RWMutex
	powerLevels map[id.RoomID]*api.PowerLevelContent
}

func NewSharedStore(members *caching.MembershipCache) *SharedStore {
	return &SharedStore{
		members:     members,
		powerLevels: make(map[id.RoomID]*api.PowerLevelContent),
	}
}

func (s *SharedStore) Membership(roomID id.RoomID, userID id.UserID) (api.Membership, bool) {
	return s.members.Membership(roomID, userID)
}

func (s *SharedStore) SetMembership(roomID id.RoomID, userID id.UserID, m api.Membership) {
	s.members.SetMembership(roomID, userID, m)
}

func (s *SharedStore) PowerLevels(roomID id.RoomID) (*api.PowerLevelContent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.powerLevels[roomID]
	if !ok {
		return nil, false
	}
	return content.Clone(), true
}

func (s *SharedStore) SetPowerLevels(roomID id.RoomID, content *api.PowerLevelContent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.powerLevels[roomID] = content.Clone()
}

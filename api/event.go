// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Event is a single event as delivered in an application-service
// transaction or returned from /state and /event. Content is kept raw so
// foreign-network handlers can decode into their own types.
type Event struct {
	ID        id.EventID      `json:"event_id"`
	Type      string          `json:"type"`
	RoomID    id.RoomID       `json:"room_id"`
	Sender    id.UserID       `json:"sender"`
	StateKey  *string         `json:"state_key,omitempty"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"origin_server_ts"`
	Unsigned  json.RawMessage `json:"unsigned,omitempty"`
}

// IsState reports whether the event carries a state key, including the
// empty one.
func (e *Event) IsState() bool { return e.StateKey != nil }

// ContentField resolves a gjson path inside the content without a full
// decode.
func (e *Event) ContentField(path string) gjson.Result {
	return gjson.GetBytes(e.Content, path)
}

// MemberProfile is the displayable part of an m.room.member event.
type MemberProfile struct {
	Displayname string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Membership pairs a membership state with the member's profile at the
// time the membership was seen.
type Membership struct {
	Membership event.Membership
	Profile    MemberProfile
}

// PowerLevelContent mirrors m.room.power_levels with the defaults the
// spec assigns to absent fields.
type PowerLevelContent struct {
	StateDefault  *int              `json:"state_default,omitempty"`
	EventsDefault *int              `json:"events_default,omitempty"`
	UsersDefault  *int              `json:"users_default,omitempty"`
	Users         map[id.UserID]int `json:"users,omitempty"`
	Events        map[string]int    `json:"events,omitempty"`
}

const (
	defaultStateDefault  = 50
	defaultEventsDefault = 0
	defaultUsersDefault  = 0
)

// RequiredLevel returns the power needed to send eventType in a room with
// this content.
func (p *PowerLevelContent) RequiredLevel(eventType string, isState bool) int {
	if lvl, ok := p.Events[eventType]; ok {
		return lvl
	}
	if isState {
		if p.StateDefault != nil {
			return *p.StateDefault
		}
		return defaultStateDefault
	}
	if p.EventsDefault != nil {
		return *p.EventsDefault
	}
	return defaultEventsDefault
}

// UserLevel returns the user's power in a room with this content.
func (p *PowerLevelContent) UserLevel(userID id.UserID) int {
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	if p.UsersDefault != nil {
		return *p.UsersDefault
	}
	return defaultUsersDefault
}

// ModifyLevel returns the power needed to change the power levels
// themselves.
func (p *PowerLevelContent) ModifyLevel() int {
	return p.RequiredLevel(EventTypePowerLevels, true)
}

// SetUserLevel mutates the content, allocating the users map on first
// write.
func (p *PowerLevelContent) SetUserLevel(userID id.UserID, level int) {
	if p.Users == nil {
		p.Users = make(map[id.UserID]int)
	}
	p.Users[userID] = level
}

// Clone deep-copies the content so Intent caches never alias a caller's
// map.
func (p *PowerLevelContent) Clone() *PowerLevelContent {
	out := &PowerLevelContent{
		StateDefault:  cloneIntPtr(p.StateDefault),
		EventsDefault: cloneIntPtr(p.EventsDefault),
		UsersDefault:  cloneIntPtr(p.UsersDefault),
	}
	if p.Users != nil {
		out.Users = make(map[id.UserID]int, len(p.Users))
		for k, v := range p.Users {
			out.Users[k] = v
		}
	}
	if p.Events != nil {
		out.Events = make(map[string]int, len(p.Events))
		for k, v := range p.Events {
			out.Events[k] = v
		}
	}
	return out
}

func cloneIntPtr(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// State event types the framework interprets itself.
const (
	EventTypeMember      = "m.room.member"
	EventTypePowerLevels = "m.room.power_levels"
	EventTypeEncryption  = "m.room.encryption"
	EventTypeEncrypted   = "m.room.encrypted"
	EventTypeTombstone   = "m.room.tombstone"
	EventTypeCreate      = "m.room.create"
	EventTypeMessage     = "m.room.message"

	// MSC2346 bridge info.
	EventTypeBridgeInfo = "uk.half-shot.bridge"
	// Machine-readable service notices, see the serviceroom package.
	EventTypeServiceNotice = "org.matrix.service-notice"
	// The unstable bridge-error signalling event.
	EventTypeBridgeError = "de.nasnotfound.bridge_error"
)

// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"maunium.net/go/mautrix/id"
)

// PresenceStatus is the reply to GET /presence/{userId}/status.
type PresenceStatus struct {
	Presence        string `json:"presence"`
	LastActiveAgo   int64  `json:"last_active_ago,omitempty"`
	CurrentlyActive bool   `json:"currently_active,omitempty"`
	StatusMsg       string `json:"status_msg,omitempty"`
}

// WhoisConnection is one connection inside a Synapse admin whois reply.
type WhoisConnection struct {
	IP        string `json:"ip"`
	LastSeen  int64  `json:"last_seen"`
	UserAgent string `json:"user_agent"`
}

// WhoisSession groups connections for a device.
type WhoisSession struct {
	Connections []WhoisConnection `json:"connections"`
}

// WhoisDevice is one device in a whois reply.
type WhoisDevice struct {
	Sessions []WhoisSession `json:"sessions"`
}

// WhoisResponse is the Synapse admin whois reply, reduced to the fields
// the activity tracker consumes.
type WhoisResponse struct {
	UserID  id.UserID              `json:"user_id"`
	Devices map[string]WhoisDevice `json:"devices"`
}

// CreateRoomRequest carries the body of POST /createRoom. Extra options
// beyond the common ones go in Extra and are merged verbatim.
type CreateRoomRequest struct {
	Visibility    string                   `json:"visibility,omitempty"`
	RoomAliasName string                   `json:"room_alias_name,omitempty"`
	Name          string                   `json:"name,omitempty"`
	Topic         string                   `json:"topic,omitempty"`
	Invite        []id.UserID              `json:"invite,omitempty"`
	Preset        string                   `json:"preset,omitempty"`
	IsDirect      bool                     `json:"is_direct,omitempty"`
	InitialState  []map[string]interface{} `json:"initial_state,omitempty"`
	Extra         map[string]interface{}   `json:"-"`
}

// SyncResponse is the subset of a /sync reply that the encrypted-event
// broker consumes: joined-room timelines plus ephemeral and presence
// sections.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Presence  struct {
		Events []Event `json:"events"`
	} `json:"presence"`
	Rooms struct {
		Join map[id.RoomID]SyncJoinedRoom `json:"join"`
	} `json:"rooms"`
}

// SyncJoinedRoom is one joined room in a sync reply.
type SyncJoinedRoom struct {
	Timeline struct {
		Events []Event `json:"events"`
	} `json:"timeline"`
	Ephemeral struct {
		Events []Event `json:"events"`
	} `json:"ephemeral"`
}

// ClientServerAPI is the seam between the framework and the homeserver's
// client-server + application-service HTTP APIs. The asUser parameter on
// each call selects the user to impersonate via the AS user_id query
// parameter; the zero value means the bridge bot.
//
// All methods honour ctx and return errors classifiable with Classify.
type ClientServerAPI interface {
	// RegisterUser performs an AS register for the given localpart.
	// Callers treat UserInUse/Exclusive as success; see
	// IsRegisterConflict.
	RegisterUser(ctx context.Context, localpart string) error
	// AppserviceLogin obtains an access token for a virtual user via the
	// uk.half-shot.msc2778.login.application_service login type. The
	// encrypted-event broker hands these to the decrypting sync proxy.
	AppserviceLogin(ctx context.Context, userID id.UserID) (accessToken string, err error)

	JoinRoom(ctx context.Context, asUser id.UserID, roomIDOrAlias string, via []string) (id.RoomID, error)
	LeaveRoom(ctx context.Context, asUser id.UserID, roomID id.RoomID) error
	InviteUser(ctx context.Context, asUser id.UserID, roomID id.RoomID, target id.UserID) error
	KickUser(ctx context.Context, asUser id.UserID, roomID id.RoomID, target id.UserID, reason string) error
	BanUser(ctx context.Context, asUser id.UserID, roomID id.RoomID, target id.UserID, reason string) error
	UnbanUser(ctx context.Context, asUser id.UserID, roomID id.RoomID, target id.UserID) error
	JoinedMembers(ctx context.Context, asUser id.UserID, roomID id.RoomID) (map[id.UserID]MemberProfile, error)

	CreateRoom(ctx context.Context, asUser id.UserID, req *CreateRoomRequest) (id.RoomID, error)
	ResolveAlias(ctx context.Context, alias string) (id.RoomID, []string, error)
	CreateAlias(ctx context.Context, asUser id.UserID, alias string, roomID id.RoomID) error
	SetRoomDirectoryVisibility(ctx context.Context, asUser id.UserID, roomID id.RoomID, network, visibility string) error

	SendMessageEvent(ctx context.Context, asUser id.UserID, roomID id.RoomID, eventType string, content interface{}) (id.EventID, error)
	SendStateEvent(ctx context.Context, asUser id.UserID, roomID id.RoomID, eventType, stateKey string, content interface{}) (id.EventID, error)
	// StateEvent returns the content of a single state event, as the
	// client-server API does.
	StateEvent(ctx context.Context, asUser id.UserID, roomID id.RoomID, eventType, stateKey string) (json.RawMessage, error)
	RoomState(ctx context.Context, asUser id.UserID, roomID id.RoomID) ([]Event, error)
	Event(ctx context.Context, asUser id.UserID, roomID id.RoomID, eventID id.EventID) (*Event, error)

	Profile(ctx context.Context, asUser, target id.UserID) (*MemberProfile, error)
	SetDisplayName(ctx context.Context, asUser id.UserID, displayName string) error
	SetAvatarURL(ctx context.Context, asUser id.UserID, avatarURL string) error
	Presence(ctx context.Context, asUser, target id.UserID) (*PresenceStatus, error)
	SetPresence(ctx context.Context, asUser id.UserID, presence, statusMsg string) error
	SendTyping(ctx context.Context, asUser id.UserID, roomID id.RoomID, typing bool, timeout time.Duration) error
	SendReadReceipt(ctx context.Context, asUser id.UserID, roomID id.RoomID, eventID id.EventID) error

	UploadContent(ctx context.Context, asUser id.UserID, data []byte, filename, contentType string) (id.ContentURI, error)
	// DownloadMedia streams the media behind an mxc URL. A non-empty
	// contentToken is forwarded per MSC3910. The caller owns the
	// response body.
	DownloadMedia(ctx context.Context, mxc id.ContentURI, contentToken string) (*http.Response, error)

	// SyncOnce performs a single long-poll against the (decrypting) sync
	// endpoint as the given virtual user.
	SyncOnce(ctx context.Context, accessToken, since, filterJSON string, timeout time.Duration) (*SyncResponse, error)

	// Whois calls the Synapse admin whois API. HasAdminAPI reports
	// whether the homeserver exposes it at all; the check is performed
	// once and cached.
	Whois(ctx context.Context, target id.UserID) (*WhoisResponse, error)
	HasAdminAPI(ctx context.Context) bool
}

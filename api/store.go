// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"encoding/json"

	"maunium.net/go/mautrix/id"
)

// RoomEntry links a Matrix room to a remote channel. ID is the bridge's
// own key for the link; Data carries bridge-specific state opaquely.
type RoomEntry struct {
	ID           string          `json:"id"`
	MatrixRoomID id.RoomID       `json:"matrix_id,omitempty"`
	RemoteRoomID string          `json:"remote_id,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// StoredEvent maps a Matrix event to its remote counterpart.
type StoredEvent struct {
	MatrixEventID id.EventID      `json:"matrix_event_id"`
	RoomID        id.RoomID       `json:"room_id"`
	RemoteEventID string          `json:"remote_event_id,omitempty"`
	RemoteRoomID  string          `json:"remote_room_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// GhostProfile is the persisted profile snapshot of one virtual user,
// used to avoid redundant profile writes after a restart.
type GhostProfile struct {
	UserID      id.UserID       `json:"user_id"`
	DisplayName string          `json:"display_name,omitempty"`
	AvatarURL   string          `json:"avatar_url,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Command logbridge is a minimal bridge that logs every event it
// receives and provisions ghosts on demand. It exists to demonstrate
// the framework wiring:
//
//	logbridge -r -u http://localhost:9000 -f registration.yaml
//	logbridge -c config.yaml -f registration.yaml
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/bridge"
	"github.com/element-hq/matrix-appservice-bridge/setup"
)

func main() {
	cli := &setup.Cli{
		BridgeName: "logbridge",
		Controller: bridge.Controller{
			OnEvent: func(ctx context.Context, ev *api.Event) error {
				logrus.WithFields(logrus.Fields{
					"room_id":  ev.RoomID,
					"event_id": ev.ID,
					"sender":   ev.Sender,
					"type":     ev.Type,
				}).Info("Received event")
				return nil
			},
			OnUserQuery: func(ctx context.Context, userID id.UserID) *bridge.UserProvision {
				return &bridge.UserProvision{DisplayName: "Log Ghost"}
			},
			OnRoomMigrated: func(ctx context.Context, oldRoomID, newRoomID id.RoomID) error {
				logrus.WithFields(logrus.Fields{
					"old_room_id": oldRoomID,
					"new_room_id": newRoomID,
				}).Info("Room upgraded")
				return nil
			},
		},
	}
	os.Exit(cli.Run(os.Args[1:]))
}

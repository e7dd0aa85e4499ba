// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package activity resolves whether users are online and keeps rolling
// daily-active-user accounting for remote monthly-active-user reporting.
package activity

import (
	"context"
	"time"

	"sync"

	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/setup/config"
)

// OnlineStatus is the outcome of an online probe. InactiveMS is only
// meaningful when Online is false and a concrete age was determined.
type OnlineStatus struct {
	Online     bool
	InactiveMS int64
}

// Tracker resolves per-user online state through a ladder of sources:
// locally recorded activity, presence, the Synapse admin whois API, then
// a configured default.
type Tracker struct {
	client      api.ClientServerAPI
	cfg         config.Activity
	localDomain string
	log         *logrus.Entry

	mu         sync.Mutex
	lastActive map[id.UserID]time.Time
}

func NewTracker(client api.ClientServerAPI, cfg config.Activity, localDomain string, log *logrus.Entry) *Tracker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{
		client:      client,
		cfg:         cfg,
		localDomain: localDomain,
		log:         log.WithField("component", "activity_tracker"),
		lastActive:  make(map[id.UserID]time.Time),
	}
}

// SetLastActiveTime bumps the locally recorded activity for the user.
func (t *Tracker) SetLastActiveTime(userID id.UserID) {
	t.mu.Lock()
	t.lastActive[userID] = time.Now()
	t.mu.Unlock()
}

// IsUserOnline resolves the user's online state. maxTime is how recently
// the user must have been seen to count as online; zero uses the
// configured default.
func (t *Tracker) IsUserOnline(ctx context.Context, userID id.UserID, maxTime time.Duration) OnlineStatus {
	if maxTime <= 0 {
		maxTime = time.Duration(t.cfg.MaxTimeMS) * time.Millisecond
	}

	t.mu.Lock()
	seen, ok := t.lastActive[userID]
	t.mu.Unlock()
	if ok {
		if age := time.Since(seen); age < maxTime {
			return OnlineStatus{Online: true}
		}
	}

	if t.cfg.PresenceEnabled {
		if status, decided := t.presenceStatus(ctx, userID, maxTime); decided {
			return status
		}
	}

	if t.isLocalUser(userID) && t.client.HasAdminAPI(ctx) {
		if status, decided := t.whoisStatus(ctx, userID, maxTime); decided {
			return status
		}
	}

	return OnlineStatus{Online: t.cfg.DefaultOnline}
}

func (t *Tracker) presenceStatus(ctx context.Context, userID id.UserID, maxTime time.Duration) (OnlineStatus, bool) {
	presence, err := t.client.Presence(ctx, "", userID)
	if err != nil {
		t.log.WithError(err).WithField("user_id", userID).Debug("Presence lookup failed")
		return OnlineStatus{}, false
	}
	if presence.CurrentlyActive || presence.Presence == "online" {
		return OnlineStatus{Online: true}, true
	}
	if presence.LastActiveAgo > maxTime.Milliseconds() {
		return OnlineStatus{Online: false, InactiveMS: presence.LastActiveAgo}, true
	}
	// Presence was inconclusive; fall down the ladder.
	return OnlineStatus{}, false
}

func (t *Tracker) whoisStatus(ctx context.Context, userID id.UserID, maxTime time.Duration) (OnlineStatus, bool) {
	whois, err := t.client.Whois(ctx, userID)
	if err != nil {
		t.log.WithError(err).WithField("user_id", userID).Debug("Whois lookup failed")
		return OnlineStatus{}, false
	}
	var lastSeen int64
	for _, device := range whois.Devices {
		for _, session := range device.Sessions {
			for _, conn := range session.Connections {
				if conn.LastSeen > lastSeen {
					lastSeen = conn.LastSeen
				}
			}
		}
	}
	if lastSeen == 0 {
		return OnlineStatus{}, false
	}
	age := time.Now().UnixMilli() - lastSeen
	if age < maxTime.Milliseconds() {
		return OnlineStatus{Online: true}, true
	}
	return OnlineStatus{Online: false, InactiveMS: age}, true
}

func (t *Tracker) isLocalUser(userID id.UserID) bool {
	_, domain, err := userID.Parse()
	return err == nil && domain == t.localDomain
}

// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package upgrade follows m.room.tombstone events into the successor
// room and migrates store entries and ghost memberships across.
package upgrade

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
)

// EntryStore is the slice of the bridge store the migration needs.
type EntryStore interface {
	RoomEntriesForMatrixRoom(ctx context.Context, roomID id.RoomID) ([]*api.RoomEntry, error)
	UpsertRoomEntry(ctx context.Context, entry *api.RoomEntry) error
	DeleteRoomEntry(ctx context.Context, entryID string) error
}

// GhostActor is the slice of a ghost's Intent used to move it between
// rooms.
type GhostActor interface {
	Join(ctx context.Context, roomIDOrAlias string, via ...string) (id.RoomID, error)
	Leave(ctx context.Context, roomID id.RoomID, reason string) error
}

// BotActor is the slice of the bot Intent the handler needs.
type BotActor interface {
	GhostActor
	JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]api.MemberProfile, error)
}

// GhostProvider hands out the Intent for a virtual user.
type GhostProvider func(userID id.UserID) GhostActor

// MigrateEntryFunc rewrites one store entry for its new room. Returning
// a nil entry skips it.
type MigrateEntryFunc func(entry *api.RoomEntry, newRoomID id.RoomID) (*api.RoomEntry, error)

// Opts selects which parts of the migration pipeline run.
type Opts struct {
	MigrateStoreEntries bool
	MigrateGhosts       bool
	// MigrateEntry overrides the default entry rewrite.
	MigrateEntry MigrateEntryFunc
	// OnRoomMigrated runs after store migration, before ghosts move.
	OnRoomMigrated func(ctx context.Context, oldRoomID, newRoomID id.RoomID) error
}

// Handler orchestrates tombstone-driven room migrations.
type Handler struct {
	opts      Opts
	store     EntryStore
	bot       BotActor
	ghosts    GhostProvider
	isVirtual func(userID id.UserID) bool
	log       *logrus.Entry

	mu sync.Mutex
	// pendingInvites maps a successor room we could not join yet to the
	// room it replaces.
	pendingInvites map[id.RoomID]id.RoomID
}

func NewHandler(opts Opts, store EntryStore, bot BotActor, ghosts GhostProvider, isVirtual func(id.UserID) bool, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{
		opts:           opts,
		store:          store,
		bot:            bot,
		ghosts:         ghosts,
		isVirtual:      isVirtual,
		log:            log.WithField("component", "room_upgrade"),
		pendingInvites: make(map[id.RoomID]id.RoomID),
	}
}

// OnTombstone reacts to an m.room.tombstone state event in a bridged
// room. A Forbidden join parks the upgrade until the successor invites
// the bot.
func (h *Handler) OnTombstone(ctx context.Context, ev *api.Event) error {
	replacement := id.RoomID(ev.ContentField("replacement_room").String())
	if replacement == "" {
		return api.NewError(api.KindBadValue, "tombstone in %s has no replacement_room", ev.RoomID)
	}
	log := h.log.WithFields(logrus.Fields{
		"old_room_id": ev.RoomID,
		"new_room_id": replacement,
	})
	log.Info("Room tombstoned, following upgrade")

	var via []string
	if _, server, err := ev.Sender.Parse(); err == nil && server != "" {
		via = append(via, server)
	}
	if _, err := h.bot.Join(ctx, string(replacement), via...); err != nil {
		if api.IsForbidden(err) {
			log.Info("Successor room is invite-only, waiting for an invite")
			h.mu.Lock()
			h.pendingInvites[replacement] = ev.RoomID
			h.mu.Unlock()
			return nil
		}
		log.WithError(err).Warn("Failed to join successor room, abandoning upgrade")
		return err
	}
	return h.migrate(ctx, ev.RoomID, replacement)
}

// OnBotInvite reports whether the invite completed a parked upgrade,
// joining and migrating when it does. Unrelated invites are left to the
// caller.
func (h *Handler) OnBotInvite(ctx context.Context, roomID id.RoomID) (bool, error) {
	h.mu.Lock()
	oldRoomID, pending := h.pendingInvites[roomID]
	if pending {
		delete(h.pendingInvites, roomID)
	}
	h.mu.Unlock()
	if !pending {
		return false, nil
	}
	if _, err := h.bot.Join(ctx, string(roomID)); err != nil {
		return true, err
	}
	return true, h.migrate(ctx, oldRoomID, roomID)
}

func (h *Handler) migrate(ctx context.Context, oldRoomID, newRoomID id.RoomID) error {
	log := h.log.WithFields(logrus.Fields{
		"old_room_id": oldRoomID,
		"new_room_id": newRoomID,
	})
	if h.opts.MigrateStoreEntries {
		if err := h.migrateStoreEntries(ctx, oldRoomID, newRoomID); err != nil {
			log.WithError(err).Error("Store entry migration failed, abandoning upgrade")
			return err
		}
	}
	if h.opts.OnRoomMigrated != nil {
		if err := h.opts.OnRoomMigrated(ctx, oldRoomID, newRoomID); err != nil {
			log.WithError(err).Warn("onRoomMigrated hook failed")
		}
	}
	if h.opts.MigrateGhosts {
		h.migrateGhosts(ctx, oldRoomID, newRoomID)
	}
	log.Info("Room upgrade complete")
	return nil
}

// migrateStoreEntries rewrites every link entry of the old room.
// Failures on individual entries are tolerated, but if none succeed the
// migration is aborted.
func (h *Handler) migrateStoreEntries(ctx context.Context, oldRoomID, newRoomID id.RoomID) error {
	entries, err := h.store.RoomEntriesForMatrixRoom(ctx, oldRoomID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	migrateEntry := h.opts.MigrateEntry
	if migrateEntry == nil {
		migrateEntry = defaultMigrateEntry
	}
	succeeded := 0
	for _, entry := range entries {
		oldID := entry.ID
		migrated, err := migrateEntry(entry, newRoomID)
		if err != nil {
			h.log.WithError(err).WithField("entry_id", oldID).Warn("Failed to migrate store entry")
			continue
		}
		if migrated == nil {
			continue
		}
		if migrated.ID != oldID {
			if err = h.store.DeleteRoomEntry(ctx, oldID); err != nil {
				h.log.WithError(err).WithField("entry_id", oldID).Warn("Failed to delete old store entry")
				continue
			}
		}
		if err = h.store.UpsertRoomEntry(ctx, migrated); err != nil {
			h.log.WithError(err).WithField("entry_id", migrated.ID).Warn("Failed to upsert migrated store entry")
			continue
		}
		succeeded++
	}
	if succeeded == 0 {
		return fmt.Errorf("no store entries could be migrated from %s to %s", oldRoomID, newRoomID)
	}
	return nil
}

// defaultMigrateEntry points the entry at the new room, touching only
// the Matrix side of the link.
func defaultMigrateEntry(entry *api.RoomEntry, newRoomID id.RoomID) (*api.RoomEntry, error) {
	entry.MatrixRoomID = newRoomID
	if len(entry.Data) > 0 && gjson.GetBytes(entry.Data, "room_id").Exists() {
		data, err := sjson.SetBytes(entry.Data, "room_id", string(newRoomID))
		if err != nil {
			return nil, err
		}
		entry.Data = data
	}
	return entry, nil
}

// migrateGhosts moves every joined virtual user over and finally parts
// the bot from the old room. Best-effort per ghost.
func (h *Handler) migrateGhosts(ctx context.Context, oldRoomID, newRoomID id.RoomID) {
	members, err := h.bot.JoinedMembers(ctx, oldRoomID)
	if err != nil {
		h.log.WithError(err).WithField("room_id", oldRoomID).Warn("Failed to list members for ghost migration")
		return
	}
	for userID := range members {
		if !h.isVirtual(userID) {
			continue
		}
		ghost := h.ghosts(userID)
		if ghost == nil {
			continue
		}
		if err := ghost.Leave(ctx, oldRoomID, "Room upgraded"); err != nil {
			h.log.WithError(err).WithField("user_id", userID).Warn("Ghost failed to leave old room")
		}
		if _, err := ghost.Join(ctx, string(newRoomID)); err != nil {
			h.log.WithError(err).WithField("user_id", userID).Warn("Ghost failed to join new room")
		}
	}
	if err := h.bot.Leave(ctx, oldRoomID, "Room upgraded"); err != nil {
		h.log.WithError(err).WithField("room_id", oldRoomID).Warn("Bot failed to leave old room")
	}
}

// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package bridge assembles the framework: it receives application
// service transactions, routes events through the admission and
// migration components, and hands them to the bridge's controller.
package bridge

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/activity"
	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/bansync"
	"github.com/element-hq/matrix-appservice-bridge/blocker"
	"github.com/element-hq/matrix-appservice-bridge/encryption"
	"github.com/element-hq/matrix-appservice-bridge/intent"
	"github.com/element-hq/matrix-appservice-bridge/internal/caching"
	"github.com/element-hq/matrix-appservice-bridge/queue"
	"github.com/element-hq/matrix-appservice-bridge/roomlink"
	"github.com/element-hq/matrix-appservice-bridge/serviceroom"
	"github.com/element-hq/matrix-appservice-bridge/setup/config"
	"github.com/element-hq/matrix-appservice-bridge/statelookup"
	"github.com/element-hq/matrix-appservice-bridge/storage"
	"github.com/element-hq/matrix-appservice-bridge/upgrade"
)

const (
	// cullInterval is how often idle intents are swept.
	cullInterval = 5 * time.Minute
	// cullAfter is how long an intent may sit unused before eviction.
	cullAfter = time.Hour
)

// UserProvision is a controller's answer to a user query: create the
// ghost with this profile.
type UserProvision struct {
	DisplayName string
	AvatarURL   string
}

// RoomProvision is a controller's answer to an alias query.
type RoomProvision struct {
	CreateRoom *api.CreateRoomRequest
}

// Controller is the set of bridge-specific callbacks. Only OnEvent is
// required.
type Controller struct {
	// OnEvent handles one inbound event. A returned error is reported
	// into the room as a bridge-error event when configured.
	OnEvent func(ctx context.Context, ev *api.Event) error
	// OnUserQuery decides whether to lazily provision a queried ghost.
	// Returning nil declines.
	OnUserQuery func(ctx context.Context, userID id.UserID) *UserProvision
	// OnAliasQuery decides whether to lazily provision a queried alias.
	OnAliasQuery func(ctx context.Context, alias string) *RoomProvision
	// OnRoomMigrated observes completed room upgrades.
	OnRoomMigrated func(ctx context.Context, oldRoomID, newRoomID id.RoomID) error
	// OnConfigChanged observes SIGHUP config reloads.
	OnConfigChanged func(cfg *config.Bridge)
	// OnPresence receives deduplicated presence from encrypted syncs.
	OnPresence func(ev *api.Event)
	// OnUserActivityChanged receives coalesced RMAU updates.
	OnUserActivityChanged activity.ChangesFunc
	// MigrateEntry overrides the default store-entry rewrite on upgrade.
	MigrateEntry upgrade.MigrateEntryFunc
	// BlockBridge and UnblockBridge implement the user-limit blocker.
	BlockBridge   func(ctx context.Context) error
	UnblockBridge func(ctx context.Context) error
}

// Opts carries everything New needs.
type Opts struct {
	Config       *config.Bridge
	Registration *config.Registration
	Client       api.ClientServerAPI
	// Store may be nil when the bridge keeps no persistent state.
	Store      storage.Database
	Controller Controller
	Logger     *logrus.Entry
}

// Bridge is the assembled framework instance.
type Bridge struct {
	cfg        *config.Bridge
	reg        *config.Registration
	client     api.ClientServerAPI
	store      storage.Database
	controller Controller
	log        *logrus.Entry

	botUserID   id.UserID
	memberships *caching.MembershipCache
	sharedStore *intent.SharedStore

	mu      sync.Mutex
	intents map[id.UserID]*intent.Intent

	botIntent    *intent.Intent
	queue        *queue.MembershipQueue
	stateLookup  *statelookup.StateLookup
	banSync      *bansync.BanSync
	blocker      *blocker.Blocker
	upgrades     *upgrade.Handler
	broker       *encryption.Broker
	tracker      *activity.Tracker
	userActivity *activity.UserActivityTracker
	serviceRoom  *serviceroom.ServiceRoom
	validator    *roomlink.Validator

	eventQueue EventQueue
}

func New(opts Opts) (*Bridge, error) {
	if opts.Config == nil || opts.Registration == nil || opts.Client == nil {
		return nil, fmt.Errorf("bridge: config, registration and client are required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &Bridge{
		cfg:         opts.Config,
		reg:         opts.Registration,
		client:      opts.Client,
		store:       opts.Store,
		controller:  opts.Controller,
		log:         log.WithField("component", "bridge"),
		botUserID:   id.UserID(fmt.Sprintf("@%s:%s", opts.Registration.SenderLocalpart, opts.Config.Homeserver.Domain)),
		memberships: caching.NewMembershipCache(),
		intents:     make(map[id.UserID]*intent.Intent),
	}
	b.sharedStore = intent.NewSharedStore(b.memberships)
	b.botIntent = intent.New(intent.Opts{
		Client:     b.client,
		UserID:     b.botUserID,
		BotUserID:  b.botUserID,
		Store:      b.sharedStore,
		Registered: true,
		Logger:     b.log,
	})

	b.queue = queue.New(b.cfg.MembershipQueue, func(userID id.UserID) queue.MembershipActor {
		return b.GetIntent(userID)
	}, b.log)
	b.stateLookup = statelookup.New(statelookup.Opts{
		Fetcher: func(ctx context.Context, roomID id.RoomID) ([]api.Event, error) {
			return b.botIntent.RoomState(ctx, roomID, false)
		},
		EventTypes:  []string{api.EventTypeMember, api.EventTypePowerLevels, api.EventTypeEncryption},
		Concurrency: b.cfg.StateLookup.Concurrency,
		RetryIn:     time.Duration(b.cfg.StateLookup.RetryStateMS) * time.Millisecond,
		Logger:      b.log,
	})
	b.banSync = bansync.New(b.cfg.BanSync, b.botIntent, b.log)
	if b.cfg.Blocker.Enabled {
		b.blocker = blocker.New(b.cfg.Blocker.UserLimit, blocker.Hooks{
			BlockBridge:   opts.Controller.BlockBridge,
			UnblockBridge: opts.Controller.UnblockBridge,
		}, b.log)
	}
	if b.store != nil {
		b.upgrades = upgrade.NewHandler(upgrade.Opts{
			MigrateStoreEntries: true,
			MigrateGhosts:       true,
			MigrateEntry:        opts.Controller.MigrateEntry,
			OnRoomMigrated:      b.onRoomMigrated,
		}, b.store, b.botIntent, func(userID id.UserID) upgrade.GhostActor {
			return b.GetIntent(userID)
		}, b.IsUserVirtual, b.log)
	}
	b.broker = encryption.NewBroker(encryption.Opts{
		Client:      b.client,
		Memberships: b.memberships,
		IsVirtual:   b.IsUserVirtual,
		EnsureRegistered: func(ctx context.Context, userID id.UserID) error {
			return b.GetIntent(userID).EnsureRegistered(ctx)
		},
		OnDecryptedEvent: func(ev *api.Event) {
			b.dispatch(ev)
		},
		OnPresence: opts.Controller.OnPresence,
		Logger:     b.log,
	})
	b.tracker = activity.NewTracker(b.client, b.cfg.Activity, b.cfg.Homeserver.Domain, b.log)
	b.userActivity = activity.NewUserActivityTracker(b.cfg.Activity, b.store, opts.Controller.OnUserActivityChanged, b.log)
	if b.cfg.ServiceRoom.RoomID != "" {
		b.serviceRoom = serviceroom.New(b.cfg.ServiceRoom, b.botIntent, b.log)
	}
	validator, err := roomlink.New(b.cfg.RoomLinks, b.botIntent, b.log)
	if err != nil {
		return nil, err
	}
	b.validator = validator

	b.eventQueue = NewEventQueue(b.cfg.AppService.EventQueueType, b.consume)
	return b, nil
}

// BotUserID returns the bridge bot's user ID.
func (b *Bridge) BotUserID() id.UserID { return b.botUserID }

// BotIntent returns the bot's Intent.
func (b *Bridge) BotIntent() *intent.Intent { return b.botIntent }

// MembershipQueue exposes the sharded membership queue.
func (b *Bridge) MembershipQueue() *queue.MembershipQueue { return b.queue }

// StateLookup exposes the room state projection.
func (b *Bridge) StateLookup() *statelookup.StateLookup { return b.stateLookup }

// BanSync exposes the admission component.
func (b *Bridge) BanSync() *bansync.BanSync { return b.banSync }

// Blocker returns the user-limit blocker, nil when disabled.
func (b *Bridge) Blocker() *blocker.Blocker { return b.blocker }

// ServiceRoom returns the notice poster, nil when unconfigured.
func (b *Bridge) ServiceRoom() *serviceroom.ServiceRoom { return b.serviceRoom }

// RoomLinkValidator exposes the link ruleset.
func (b *Bridge) RoomLinkValidator() *roomlink.Validator { return b.validator }

// ActivityTracker exposes the online-status tracker.
func (b *Bridge) ActivityTracker() *activity.Tracker { return b.tracker }

// UserActivityTracker exposes the RMAU tracker.
func (b *Bridge) UserActivityTracker() *activity.UserActivityTracker { return b.userActivity }

// Store returns the bridge database, nil when not configured.
func (b *Bridge) Store() storage.Database { return b.store }

// IsUserVirtual reports whether the user is one of this bridge's
// ghosts.
func (b *Bridge) IsUserVirtual(userID id.UserID) bool {
	return userID != b.botUserID && b.reg.IsUserVirtual(userID)
}

// GetIntent returns the Intent for a user, creating it on first use.
func (b *Bridge) GetIntent(userID id.UserID) *intent.Intent {
	if userID == "" || userID == b.botUserID {
		return b.botIntent
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.intents[userID]; ok {
		return existing
	}
	created := intent.New(intent.Opts{
		Client:     b.client,
		UserID:     userID,
		BotUserID:  b.botUserID,
		Store:      b.sharedStore,
		Registered: b.memberships.IsUserRegistered(userID),
		Logger:     b.log,
	})
	b.intents[userID] = created
	return created
}

// cullIntents evicts intents idle for longer than cullAfter. Users
// whose sync decrypts a room are protected; any other user's sync is
// stopped before eviction.
func (b *Bridge) cullIntents() {
	cutoff := time.Now().Add(-cullAfter)
	b.mu.Lock()
	defer b.mu.Unlock()
	for userID, cached := range b.intents {
		if cached.LastUsed().After(cutoff) {
			continue
		}
		if b.broker.OwnsRoom(userID) {
			continue
		}
		b.broker.StopSyncingUser(userID)
		delete(b.intents, userID)
	}
}

func (b *Bridge) onRoomMigrated(ctx context.Context, oldRoomID, newRoomID id.RoomID) error {
	b.stateLookup.UntrackRoom(oldRoomID)
	b.memberships.ForgetRoom(oldRoomID)
	if b.store != nil {
		if err := b.store.MoveRoomEvents(ctx, oldRoomID, newRoomID); err != nil {
			b.log.WithError(err).Warn("Failed to move stored events to upgraded room")
		}
	}
	if b.controller.OnRoomMigrated != nil {
		return b.controller.OnRoomMigrated(ctx, oldRoomID, newRoomID)
	}
	return nil
}

// OnConfigReload applies a reloaded config to the running components.
func (b *Bridge) OnConfigReload(ctx context.Context, cfg *config.Bridge) {
	b.cfg = cfg
	if err := b.validator.UpdateRules(cfg.RoomLinks); err != nil {
		b.log.WithError(err).Error("Rejected bad room link rules on reload")
	}
	if err := b.banSync.SyncRooms(ctx); err != nil {
		b.log.WithError(err).Error("Failed to resync policy rooms on reload")
	}
	if b.controller.OnConfigChanged != nil {
		b.controller.OnConfigChanged(cfg)
	}
}

// Run starts the membership queue workers, joins the configured policy
// rooms, loads persisted activity and serves the AS listener until ctx
// is done.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.userActivity.Load(ctx); err != nil {
		return fmt.Errorf("failed to load user activity: %w", err)
	}
	if err := b.banSync.SyncRooms(ctx); err != nil {
		return err
	}
	b.queue.Start(ctx)
	go func() {
		ticker := time.NewTicker(cullInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.cullIntents()
			}
		}
	}()
	// Shutdown order matters: the broker's sync pumps feed the event
	// queue, so they must stop first.
	defer b.queue.Stop()
	defer b.eventQueue.Stop()
	defer b.broker.Stop()
	return b.listen(ctx)
}

// dispatch pushes one event into the configured event queue.
func (b *Bridge) dispatch(ev *api.Event) {
	b.eventQueue.Push(ev)
}

// consume routes one inbound event through the framework.
func (b *Bridge) consume(ev *api.Event) {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			b.log.WithFields(logrus.Fields{
				"event_id": ev.ID,
				"room_id":  ev.RoomID,
				"panic":    r,
			}).Error("Panic while handling event")
		}
	}()
	ctx := context.Background()

	if ev.Type == api.EventTypeEncrypted {
		if err := b.broker.OnASEvent(ctx, ev); err != nil {
			b.log.WithError(err).WithField("event_id", ev.ID).Warn("Failed to broker encrypted event")
		}
		return
	}

	if ev.IsState() {
		b.routeStateEvent(ctx, ev)
	}

	if outcome := b.banSync.IsUserBanned(ctx, ev.Sender); outcome.Banned {
		b.log.WithFields(logrus.Fields{
			"user_id": ev.Sender,
			"reason":  outcome.Reason,
		}).Info("Dropping event from banned user")
		return
	}
	if b.blocker != nil && b.blocker.IsBlocked() && !ev.IsState() {
		b.log.WithField("event_id", ev.ID).Debug("Dropping event while bridge is blocked")
		return
	}

	if !b.IsUserVirtual(ev.Sender) {
		b.tracker.SetLastActiveTime(ev.Sender)
		b.userActivity.UpdateUserActivity(ctx, ev.Sender, false, time.UnixMilli(ev.Timestamp))
	}

	if b.controller.OnEvent == nil {
		return
	}
	if err := b.controller.OnEvent(ctx, ev); err != nil {
		b.log.WithError(err).WithField("event_id", ev.ID).Warn("Event handler failed")
		if b.cfg.AppService.SignalBridgeErrors {
			b.signalBridgeError(ctx, ev, err)
		}
	}
}

// routeStateEvent keeps the framework's own projections current before
// the controller sees the event.
func (b *Bridge) routeStateEvent(ctx context.Context, ev *api.Event) {
	if err := b.stateLookup.OnEvent(ctx, ev); err != nil {
		b.log.WithError(err).WithField("event_id", ev.ID).Debug("State lookup rejected event")
	}
	if _, isPolicy := bansync.PolicyRuleKind(ev.Type); isPolicy {
		if err := b.banSync.HandleIncomingState(ev); err != nil {
			b.log.WithError(err).WithField("event_id", ev.ID).Warn("Bad policy rule")
		}
	}

	switch ev.Type {
	case api.EventTypeMember:
		if ev.StateKey == nil {
			return
		}
		target := id.UserID(*ev.StateKey)
		membership := event.Membership(ev.ContentField("membership").String())
		b.memberships.SetMembership(ev.RoomID, target, api.Membership{
			Membership: membership,
			Profile: api.MemberProfile{
				Displayname: ev.ContentField("displayname").String(),
				AvatarURL:   ev.ContentField("avatar_url").String(),
			},
		})
		b.forwardToIntents(ev, target)
		if target == b.botUserID && membership == event.MembershipInvite && b.upgrades != nil {
			handled, err := b.upgrades.OnBotInvite(ctx, ev.RoomID)
			if err != nil {
				b.log.WithError(err).WithField("room_id", ev.RoomID).Warn("Failed to complete parked room upgrade")
			}
			if handled {
				return
			}
		}
	case api.EventTypeTombstone:
		b.forwardToIntents(ev, "")
		if b.upgrades != nil {
			if err := b.upgrades.OnTombstone(ctx, ev); err != nil {
				b.log.WithError(err).WithField("room_id", ev.RoomID).Warn("Room upgrade failed")
			}
		}
	default:
		b.forwardToIntents(ev, "")
	}
}

// forwardToIntents lets cached intents update their own projections.
// The bot always sees the event; the target user's intent sees it when
// one exists.
func (b *Bridge) forwardToIntents(ev *api.Event, target id.UserID) {
	b.botIntent.OnEvent(ev)
	if target == "" || target == b.botUserID {
		return
	}
	b.mu.Lock()
	cached, ok := b.intents[target]
	b.mu.Unlock()
	if ok {
		cached.OnEvent(ev)
	}
}

// signalBridgeError posts the unstable bridge-error event back into the
// failing room.
func (b *Bridge) signalBridgeError(ctx context.Context, ev *api.Event, handlerErr error) {
	reason := api.BridgeErrorReason(handlerErr)
	content := map[string]interface{}{
		"network_name": b.reg.ID,
		"reason":       reason,
		"affected_users": []string{
			userIDGlobForDomain(b.cfg.Homeserver.Domain),
		},
		"m.relates_to": map[string]interface{}{
			"rel_type": "m.reference",
			"event_id": ev.ID,
		},
	}
	if _, err := b.botIntent.SendEvent(ctx, ev.RoomID, api.EventTypeBridgeError, content); err != nil {
		b.log.WithError(err).WithField("room_id", ev.RoomID).Warn("Failed to signal bridge error")
	}
}

func userIDGlobForDomain(domain string) string {
	return "@*:" + domain
}

// SetBridgeInfo publishes the MSC2346 bridge-info state event for a
// bridged channel.
func (b *Bridge) SetBridgeInfo(ctx context.Context, roomID id.RoomID, networkID, channelID string, creator id.UserID) error {
	stateKey := fmt.Sprintf("%s:/%s/%s", b.reg.ID, url.PathEscape(networkID), url.PathEscape(channelID))
	content := map[string]interface{}{
		"bridgebot": b.botUserID,
		"protocol": map[string]interface{}{
			"id": b.reg.ID,
		},
		"channel": map[string]interface{}{
			"id": channelID,
		},
	}
	if networkID != "" {
		content["network"] = map[string]interface{}{"id": networkID}
	}
	if creator != "" {
		content["creator"] = creator
	}
	_, err := b.botIntent.SendStateEvent(ctx, roomID, api.EventTypeBridgeInfo, stateKey, content)
	return err
}

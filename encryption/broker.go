// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package encryption delivers decrypted events from encrypted rooms to
// the bridge exactly once, by pairing each AS transaction event with its
// decrypted twin from a per-room owning user's sync.
package encryption

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/internal/caching"
)

const (
	// syncTimeout is the long-poll duration of one sync round.
	syncTimeout = 30 * time.Second
	// pumpIdleAfter pauses an owner's sync pump when no encrypted
	// traffic arrived for this long. A new AS event re-wakes it.
	pumpIdleAfter = 5 * time.Minute
	// presenceWindow is the sliding dedup window for presence events.
	presenceWindow = 30 * time.Second
	cleanupEvery   = time.Minute
	// pendingTTL bounds how long a half of an event pair may wait for
	// its twin before the janitor drops it.
	pendingTTL = time.Hour
)

var deliveredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bridge",
	Subsystem: "encryption",
	Name:      "delivered_events_total",
	Help:      "Decrypted events handed to the bridge, by which side arrived last",
}, []string{"completed_by"})

var registerBrokerMetrics sync.Once

func init() {
	registerBrokerMetrics.Do(func() {
		prometheus.MustRegister(deliveredCounter)
	})
}

// SyncClient is the slice of the client the broker needs.
type SyncClient interface {
	AppserviceLogin(ctx context.Context, userID id.UserID) (string, error)
	SyncOnce(ctx context.Context, accessToken, since, filterJSON string, timeout time.Duration) (*api.SyncResponse, error)
	JoinedMembers(ctx context.Context, asUser id.UserID, roomID id.RoomID) (map[id.UserID]api.MemberProfile, error)
}

// Opts wires the broker into the bridge.
type Opts struct {
	Client      SyncClient
	Memberships *caching.MembershipCache
	// IsVirtual reports whether a user is one of the bridge's ghosts.
	IsVirtual func(userID id.UserID) bool
	// EnsureRegistered registers the ghost before its first login.
	EnsureRegistered func(ctx context.Context, userID id.UserID) error
	// OnDecryptedEvent receives each decrypted event exactly once.
	OnDecryptedEvent func(ev *api.Event)
	// OnPresence receives deduplicated presence events, when set.
	OnPresence func(ev *api.Event)
	Logger     *logrus.Entry
}

type syncPump struct {
	token  string
	since  string
	wake   chan struct{}
	cancel context.CancelFunc
}

// Broker pairs encrypted AS events with their decrypted sync twins.
type Broker struct {
	opts Opts
	log  *logrus.Entry

	mu sync.Mutex
	// eventsPendingSync holds events seen via the AS transaction,
	// waiting for the decrypted copy from sync.
	eventsPendingSync map[id.EventID]time.Time
	// eventsPendingAS holds decrypted events seen via sync, waiting for
	// the AS transaction to confirm them.
	eventsPendingAS map[id.EventID]pendingDecrypted
	// handledEvents records room:event pairs already delivered.
	handledEvents map[string]time.Time
	userForRoom   map[id.RoomID]id.UserID
	pumps         map[id.UserID]*syncPump
	recentPresence map[presenceKey]time.Time

	janitorStop chan struct{}
}

type pendingDecrypted struct {
	ev   *api.Event
	seen time.Time
}

type presenceKey struct {
	userID          id.UserID
	presence        string
	currentlyActive bool
	statusMsg       string
}

func NewBroker(opts Opts) *Broker {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &Broker{
		opts:              opts,
		log:               log.WithField("component", "encryption_broker"),
		eventsPendingSync: make(map[id.EventID]time.Time),
		eventsPendingAS:   make(map[id.EventID]pendingDecrypted),
		handledEvents:     make(map[string]time.Time),
		userForRoom:       make(map[id.RoomID]id.UserID),
		pumps:             make(map[id.UserID]*syncPump),
		recentPresence:    make(map[presenceKey]time.Time),
		janitorStop:       make(chan struct{}),
	}
	go b.janitor()
	return b
}

// Stop cancels all sync pumps and the janitor.
func (b *Broker) Stop() {
	close(b.janitorStop)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pump := range b.pumps {
		pump.cancel()
	}
	b.pumps = make(map[id.UserID]*syncPump)
}

func handledKey(roomID id.RoomID, eventID id.EventID) string {
	return string(roomID) + ":" + string(eventID)
}

// OnASEvent ingests an m.room.encrypted event from the AS transaction
// stream. The decrypted copy is delivered once the owning user's sync
// returns it.
func (b *Broker) OnASEvent(ctx context.Context, ev *api.Event) error {
	b.mu.Lock()
	if _, done := b.handledEvents[handledKey(ev.RoomID, ev.ID)]; done {
		b.mu.Unlock()
		return nil
	}
	if pending, ok := b.eventsPendingAS[ev.ID]; ok {
		delete(b.eventsPendingAS, ev.ID)
		b.handledEvents[handledKey(ev.RoomID, ev.ID)] = time.Now()
		b.mu.Unlock()
		deliveredCounter.WithLabelValues("transaction").Inc()
		b.deliver(pending.ev)
		return nil
	}
	b.eventsPendingSync[ev.ID] = time.Now()
	owner, owned := b.userForRoom[ev.RoomID]
	b.mu.Unlock()

	if owned {
		b.wakePump(owner)
		return nil
	}
	return b.electOwner(ctx, ev.RoomID)
}

// electOwner picks the virtual user whose sync will decrypt the room:
// an existing owner of some other room when one is joined here,
// otherwise the first joined virtual user.
func (b *Broker) electOwner(ctx context.Context, roomID id.RoomID) error {
	joined := b.opts.Memberships.JoinedUsers(roomID)
	if len(joined) == 0 {
		members, err := b.opts.Client.JoinedMembers(ctx, "", roomID)
		if err != nil {
			return err
		}
		for userID, profile := range members {
			b.opts.Memberships.SetMembership(roomID, userID, api.Membership{
				Membership: "join",
				Profile:    profile,
			})
			joined = append(joined, userID)
		}
	}

	b.mu.Lock()
	owners := make(map[id.UserID]struct{}, len(b.userForRoom))
	for _, owner := range b.userForRoom {
		owners[owner] = struct{}{}
	}
	b.mu.Unlock()

	var chosen id.UserID
	for _, userID := range joined {
		if !b.opts.IsVirtual(userID) {
			continue
		}
		if _, alreadyOwner := owners[userID]; alreadyOwner {
			chosen = userID
			break
		}
		if chosen == "" {
			chosen = userID
		}
	}
	if chosen == "" {
		return api.NewError(api.KindNotFound, "no virtual user joined to encrypted room %s", roomID)
	}
	if b.opts.EnsureRegistered != nil {
		if err := b.opts.EnsureRegistered(ctx, chosen); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.userForRoom[roomID] = chosen
	_, running := b.pumps[chosen]
	b.mu.Unlock()
	b.log.WithFields(logrus.Fields{
		"room_id": roomID,
		"user_id": chosen,
	}).Info("Elected sync user for encrypted room")
	if !running {
		return b.startPump(ctx, chosen)
	}
	b.wakePump(chosen)
	return nil
}

// OwnsRoom reports whether the user is the syncing owner of any room.
// Owning users are protected from intent culling.
func (b *Broker) OwnsRoom(userID id.UserID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, owner := range b.userForRoom {
		if owner == userID {
			return true
		}
	}
	return false
}

// StopSyncingUser cancels the user's sync pump, for intent culling.
func (b *Broker) StopSyncingUser(userID id.UserID) {
	b.mu.Lock()
	pump, ok := b.pumps[userID]
	if ok {
		delete(b.pumps, userID)
	}
	b.mu.Unlock()
	if ok {
		pump.cancel()
	}
}

// syncFilter restricts the owner's sync to encrypted timeline events.
// State is disabled with an impossible type and members are
// lazy-loaded; ephemeral events are suppressed unless presence is
// wanted.
func (b *Broker) syncFilter() string {
	ephemeralTypes := []string{}
	presenceTypes := []string{}
	if b.opts.OnPresence != nil {
		presenceTypes = append(presenceTypes, "m.presence")
	}
	filter := map[string]interface{}{
		"presence": map[string]interface{}{"types": presenceTypes},
		"account_data": map[string]interface{}{"types": []string{}},
		"room": map[string]interface{}{
			"timeline": map[string]interface{}{"types": []string{api.EventTypeEncrypted}},
			"state": map[string]interface{}{
				"types":             []string{"never.gonna.sync"},
				"lazy_load_members": true,
			},
			"ephemeral":    map[string]interface{}{"types": ephemeralTypes},
			"account_data": map[string]interface{}{"types": []string{}},
		},
	}
	encoded, _ := json.Marshal(filter) // nolint: errcheck
	return string(encoded)
}

func (b *Broker) startPump(ctx context.Context, userID id.UserID) error {
	token, err := b.opts.Client.AppserviceLogin(ctx, userID)
	if err != nil {
		return err
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	pump := &syncPump{
		token:  token,
		wake:   make(chan struct{}, 1),
		cancel: cancel,
	}
	b.mu.Lock()
	b.pumps[userID] = pump
	b.mu.Unlock()
	go b.runPump(pumpCtx, userID, pump)
	return nil
}

func (b *Broker) wakePump(userID id.UserID) {
	b.mu.Lock()
	pump, ok := b.pumps[userID]
	b.mu.Unlock()
	if ok {
		select {
		case pump.wake <- struct{}{}:
		default:
		}
	}
}

// runPump long-polls sync for one owning user, pausing after an idle
// stretch until the next AS event wakes it.
func (b *Broker) runPump(ctx context.Context, userID id.UserID, pump *syncPump) {
	log := b.log.WithField("user_id", userID)
	log.Info("Starting encrypted sync")
	filter := b.syncFilter()
	lastTraffic := time.Now()
	for {
		if time.Since(lastTraffic) > pumpIdleAfter {
			log.Debug("Encrypted sync idle, pausing")
			select {
			case <-pump.wake:
				lastTraffic = time.Now()
			case <-ctx.Done():
				return
			}
		}
		res, err := b.opts.Client.SyncOnce(ctx, pump.token, pump.since, filter, syncTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("Encrypted sync failed, backing off")
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		pump.since = res.NextBatch
		for n := range res.Presence.Events {
			b.handlePresence(&res.Presence.Events[n])
		}
		for roomID, room := range res.Rooms.Join {
			for n := range room.Timeline.Events {
				ev := room.Timeline.Events[n]
				ev.RoomID = roomID
				if b.onSyncEvent(&ev) {
					lastTraffic = time.Now()
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// onSyncEvent ingests one decrypted timeline event from sync. Reports
// whether it was encrypted-room traffic.
func (b *Broker) onSyncEvent(ev *api.Event) bool {
	b.mu.Lock()
	if _, done := b.handledEvents[handledKey(ev.RoomID, ev.ID)]; done {
		b.mu.Unlock()
		return true
	}
	if _, ok := b.eventsPendingSync[ev.ID]; ok {
		delete(b.eventsPendingSync, ev.ID)
		b.handledEvents[handledKey(ev.RoomID, ev.ID)] = time.Now()
		b.mu.Unlock()
		deliveredCounter.WithLabelValues("sync").Inc()
		b.deliver(ev)
		return true
	}
	b.eventsPendingAS[ev.ID] = pendingDecrypted{ev: ev, seen: time.Now()}
	b.mu.Unlock()
	return true
}

func (b *Broker) deliver(ev *api.Event) {
	if b.opts.OnDecryptedEvent != nil {
		b.opts.OnDecryptedEvent(ev)
	}
}

// handlePresence drops presence events repeating an identical tuple
// inside the sliding window.
func (b *Broker) handlePresence(ev *api.Event) {
	if b.opts.OnPresence == nil || ev.Type != "m.presence" {
		return
	}
	key := presenceKey{
		userID:          ev.Sender,
		presence:        ev.ContentField("presence").String(),
		currentlyActive: ev.ContentField("currently_active").Bool(),
		statusMsg:       ev.ContentField("status_msg").String(),
	}
	now := time.Now()
	b.mu.Lock()
	if seen, ok := b.recentPresence[key]; ok && now.Sub(seen) < presenceWindow {
		b.mu.Unlock()
		return
	}
	b.recentPresence[key] = now
	b.mu.Unlock()
	b.opts.OnPresence(ev)
}

// janitor expires the presence window and bounds the reconciliation
// sets so an event that never gets its twin cannot leak forever.
func (b *Broker) janitor() {
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-b.janitorStop:
			return
		case now := <-ticker.C:
			b.sweep(now)
		}
	}
}

func (b *Broker) sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, seen := range b.recentPresence {
		if now.Sub(seen) >= presenceWindow {
			delete(b.recentPresence, key)
		}
	}
	for eventID, seen := range b.eventsPendingSync {
		if now.Sub(seen) > pendingTTL {
			delete(b.eventsPendingSync, eventID)
		}
	}
	for eventID, pending := range b.eventsPendingAS {
		if now.Sub(pending.seen) > pendingTTL {
			delete(b.eventsPendingAS, eventID)
		}
	}
	for key, seen := range b.handledEvents {
		if now.Sub(seen) > pendingTTL {
			delete(b.handledEvents, key)
		}
	}
}

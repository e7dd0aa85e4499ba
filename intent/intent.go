// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package intent implements the per-virtual-user action gateway. An
// Intent lazily registers its user, ensures room membership before
// sending, escalates power levels through the bridge bot when needed and
// keeps three request caches (profile, room state, events) to avoid
// redundant homeserver traffic.
package intent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/internal/caching"
)

// FailedToJoinMessage is the stable message attached to an exhausted
// join ladder. The state lookup treats it as a permanent failure.
const FailedToJoinMessage = "Failed to join room"

const (
	profileCacheSize   = 1024
	roomStateCacheSize = 256
	eventCacheSize     = 1024
	defaultCacheTTL    = 15 * time.Minute
)

// Opts configure a new Intent.
type Opts struct {
	Client    api.ClientServerAPI
	UserID    id.UserID
	BotUserID id.UserID
	// Store defaults to a process-local store recording only this user.
	Store BackingStore
	// Registered short-circuits ensureRegistered, used for the bot whose
	// account is provisioned out of band.
	Registered bool
	// PassthroughError keeps the raw homeserver error when the join
	// ladder is exhausted instead of the generic failed-to-join one.
	PassthroughError bool
	// OnEventSent fires after every successful send.
	OnEventSent func(roomID id.RoomID, eventType string, eventID id.EventID)
	Logger      *logrus.Entry
}

// Intent acts as one user against the homeserver.
type Intent struct {
	client    api.ClientServerAPI
	userID    id.UserID
	botUserID id.UserID
	store     BackingStore
	opts      Opts
	log       *logrus.Entry

	mu           sync.Mutex
	registered   bool
	regInflight  *api.Defer[struct{}]
	joinInflight map[id.RoomID]*api.Defer[struct{}]

	lastUsedMu sync.Mutex
	lastUsed   time.Time

	profileCache   *caching.RequestCache[api.MemberProfile]
	roomStateCache *caching.RequestCache[[]api.Event]
	eventCache     *caching.RequestCache[*api.Event]
}

func New(opts Opts) *Intent {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	store := opts.Store
	if store == nil {
		store = newLocalStore(opts.UserID)
	}
	i := &Intent{
		client:       opts.Client,
		userID:       opts.UserID,
		botUserID:    opts.BotUserID,
		store:        store,
		opts:         opts,
		registered:   opts.Registered,
		joinInflight: make(map[id.RoomID]*api.Defer[struct{}]),
		log:          log.WithField("intent_user", opts.UserID),
		lastUsed:     time.Now(),
	}
	i.profileCache = caching.NewRequestCache("intent_profile", defaultCacheTTL, profileCacheSize,
		func(ctx context.Context, key string) (api.MemberProfile, error) {
			profile, err := i.client.Profile(ctx, i.userID, id.UserID(key))
			if err != nil {
				return api.MemberProfile{}, err
			}
			return *profile, nil
		})
	i.roomStateCache = caching.NewRequestCache("intent_roomstate", defaultCacheTTL, roomStateCacheSize,
		func(ctx context.Context, key string) ([]api.Event, error) {
			return i.client.RoomState(ctx, i.userID, id.RoomID(key))
		})
	i.eventCache = caching.NewRequestCache("intent_event", defaultCacheTTL, eventCacheSize,
		func(ctx context.Context, key string) (*api.Event, error) {
			roomID, eventID, ok := strings.Cut(key, "\x00")
			if !ok {
				return nil, api.NewError(api.KindBadValue, "malformed event cache key")
			}
			return i.client.Event(ctx, i.userID, id.RoomID(roomID), id.EventID(eventID))
		})
	return i
}

// UserID returns the user this Intent acts as.
func (i *Intent) UserID() id.UserID { return i.userID }

// IsBot reports whether this Intent is the bridge bot's.
func (i *Intent) IsBot() bool { return i.userID == i.botUserID }

// LastUsed reports when this Intent last performed an operation, for
// idle culling.
func (i *Intent) LastUsed() time.Time {
	i.lastUsedMu.Lock()
	defer i.lastUsedMu.Unlock()
	return i.lastUsed
}

func (i *Intent) touch() {
	i.lastUsedMu.Lock()
	i.lastUsed = time.Now()
	i.lastUsedMu.Unlock()
}

// EnsureRegistered registers the user if this Intent has not done so
// yet. Register conflicts (UserInUse/Exclusive) count as success.
// Concurrent calls share one in-flight registration.
func (i *Intent) EnsureRegistered(ctx context.Context) error {
	i.touch()
	i.mu.Lock()
	if i.registered {
		i.mu.Unlock()
		return nil
	}
	if pending := i.regInflight; pending != nil {
		i.mu.Unlock()
		_, err := pending.Wait(ctx)
		return err
	}
	pending := api.NewDefer[struct{}]()
	i.regInflight = pending
	i.mu.Unlock()

	localpart, _, err := i.userID.Parse()
	if err != nil {
		err = api.WrapError(api.KindBadValue, err, "intent user ID is malformed")
	} else {
		err = i.client.RegisterUser(ctx, localpart)
		if err != nil && api.IsRegisterConflict(err) {
			err = nil
		}
	}

	i.mu.Lock()
	i.regInflight = nil
	if err == nil {
		i.registered = true
	}
	i.mu.Unlock()
	if err != nil {
		pending.Reject(err)
		return err
	}
	pending.Resolve(struct{}{})
	return nil
}

// EnsureJoined makes sure the user is joined to the room, running the
// escalation ladder: self-join, bot-invite then self-join, bot-join plus
// bot-invite then self-join. The canonical room ID is returned even when
// an alias was passed in.
func (i *Intent) EnsureJoined(ctx context.Context, roomIDOrAlias string, ignoreCache bool, via ...string) (id.RoomID, error) {
	i.touch()
	if err := i.EnsureRegistered(ctx); err != nil {
		return "", err
	}
	roomID, via, err := i.resolveRoom(ctx, roomIDOrAlias, via)
	if err != nil {
		return "", err
	}
	if !ignoreCache {
		if m, ok := i.store.Membership(roomID, i.userID); ok && m.Membership == event.MembershipJoin {
			return roomID, nil
		}
	}

	// Collapse concurrent joins for the same room into one ladder run.
	i.mu.Lock()
	if pending, ok := i.joinInflight[roomID]; ok {
		i.mu.Unlock()
		if _, err = pending.Wait(ctx); err != nil {
			return "", err
		}
		return roomID, nil
	}
	pending := api.NewDefer[struct{}]()
	i.joinInflight[roomID] = pending
	i.mu.Unlock()

	err = i.joinLadder(ctx, roomID, via)

	i.mu.Lock()
	delete(i.joinInflight, roomID)
	i.mu.Unlock()
	if err != nil {
		pending.Reject(err)
		return "", err
	}
	pending.Resolve(struct{}{})
	return roomID, nil
}

func (i *Intent) resolveRoom(ctx context.Context, roomIDOrAlias string, via []string) (id.RoomID, []string, error) {
	if !strings.HasPrefix(roomIDOrAlias, "#") {
		return id.RoomID(roomIDOrAlias), via, nil
	}
	roomID, servers, err := i.client.ResolveAlias(ctx, roomIDOrAlias)
	if err != nil {
		return "", nil, err
	}
	return roomID, append(via, servers...), nil
}

func (i *Intent) joinLadder(ctx context.Context, roomID id.RoomID, via []string) error {
	markJoined := func() {
		i.store.SetMembership(roomID, i.userID, api.Membership{Membership: event.MembershipJoin})
	}
	_, err := i.client.JoinRoom(ctx, i.userID, string(roomID), via)
	if err == nil {
		markJoined()
		return nil
	}
	if !api.IsForbidden(err) {
		return err
	}

	// The room would not let us in directly; have the bot invite us.
	if inviteErr := i.client.InviteUser(ctx, i.botUserID, roomID, i.userID); inviteErr == nil {
		if _, err = i.client.JoinRoom(ctx, i.userID, string(roomID), via); err == nil {
			markJoined()
			return nil
		}
		if !api.IsForbidden(err) {
			return err
		}
	}

	// The bot is not in the room either; join it first, then retry the
	// invite and self-join.
	if _, botErr := i.client.JoinRoom(ctx, i.botUserID, string(roomID), via); botErr == nil {
		if inviteErr := i.client.InviteUser(ctx, i.botUserID, roomID, i.userID); inviteErr == nil {
			if _, err = i.client.JoinRoom(ctx, i.userID, string(roomID), via); err == nil {
				markJoined()
				return nil
			}
		}
	}

	if i.opts.PassthroughError {
		return err
	}
	classified := api.Classify(err)
	return &api.Error{
		Kind:       api.KindForbidden,
		HTTPStatus: classified.HTTPStatus,
		Errcode:    classified.Errcode,
		Message:    FailedToJoinMessage,
	}
}

// ensureHasPowerLevelFor escalates the user's power through the bot when
// the room requires more than the user holds for the given event type.
func (i *Intent) ensureHasPowerLevelFor(ctx context.Context, roomID id.RoomID, eventType string, isState bool) error {
	levels, ok := i.store.PowerLevels(roomID)
	if !ok {
		var err error
		if levels, err = i.fetchPowerLevels(ctx, roomID); err != nil {
			return err
		}
	}
	required := levels.RequiredLevel(eventType, isState)
	if levels.UserLevel(i.userID) >= required {
		return nil
	}
	botLevel := levels.UserLevel(i.botUserID)
	if botLevel < levels.ModifyLevel() {
		return api.NewError(api.KindForbidden,
			"user %s needs power %d to send %s in %s and the bot cannot grant it",
			i.userID, required, eventType, roomID)
	}
	updated := levels.Clone()
	updated.SetUserLevel(i.userID, required)
	if _, err := i.client.SendStateEvent(ctx, i.botUserID, roomID, api.EventTypePowerLevels, "", updated); err != nil {
		return err
	}
	i.store.SetPowerLevels(roomID, updated)
	return nil
}

func (i *Intent) fetchPowerLevels(ctx context.Context, roomID id.RoomID) (*api.PowerLevelContent, error) {
	raw, err := i.client.StateEvent(ctx, i.userID, roomID, api.EventTypePowerLevels, "")
	if err != nil {
		return nil, err
	}
	var levels api.PowerLevelContent
	if err = json.Unmarshal(raw, &levels); err != nil {
		return nil, api.WrapError(api.KindBadValue, err, "malformed m.room.power_levels content")
	}
	i.store.SetPowerLevels(roomID, &levels)
	return &levels, nil
}

// SendEvent sends a non-state event, ensuring registration, membership
// and sufficient power first.
func (i *Intent) SendEvent(ctx context.Context, roomID id.RoomID, eventType string, content interface{}) (id.EventID, error) {
	i.touch()
	if _, err := i.EnsureJoined(ctx, string(roomID), false); err != nil {
		return "", err
	}
	if err := i.ensureHasPowerLevelFor(ctx, roomID, eventType, false); err != nil {
		return "", err
	}
	eventID, err := i.client.SendMessageEvent(ctx, i.userID, roomID, eventType, content)
	if err != nil {
		return "", err
	}
	i.eventSent(roomID, eventType, eventID)
	return eventID, nil
}

// SendText sends a plain m.room.message of msgtype m.text.
func (i *Intent) SendText(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error) {
	return i.SendEvent(ctx, roomID, api.EventTypeMessage, map[string]interface{}{
		"msgtype": "m.text",
		"body":    body,
	})
}

// SendStateEvent sends a state event optimistically: power levels are
// only consulted, and escalated, after a Forbidden response, then the
// send is retried once. Other errors propagate untouched.
func (i *Intent) SendStateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string, content interface{}) (id.EventID, error) {
	i.touch()
	if err := i.EnsureRegistered(ctx); err != nil {
		return "", err
	}
	eventID, err := i.client.SendStateEvent(ctx, i.userID, roomID, eventType, stateKey, content)
	if err == nil {
		i.eventSent(roomID, eventType, eventID)
		return eventID, nil
	}
	if !api.IsForbidden(err) {
		return "", err
	}
	if _, err = i.EnsureJoined(ctx, string(roomID), false); err != nil {
		return "", err
	}
	if err = i.ensureHasPowerLevelFor(ctx, roomID, eventType, true); err != nil {
		return "", err
	}
	eventID, err = i.client.SendStateEvent(ctx, i.userID, roomID, eventType, stateKey, content)
	if err != nil {
		return "", err
	}
	i.eventSent(roomID, eventType, eventID)
	return eventID, nil
}

func (i *Intent) eventSent(roomID id.RoomID, eventType string, eventID id.EventID) {
	// A successful state send supersedes whatever /state we cached.
	i.roomStateCache.Invalidate(string(roomID))
	if i.opts.OnEventSent != nil {
		i.opts.OnEventSent(roomID, eventType, eventID)
	}
}

// Invite invites target to the room as this user.
func (i *Intent) Invite(ctx context.Context, roomID id.RoomID, target id.UserID) error {
	i.touch()
	if _, err := i.EnsureJoined(ctx, string(roomID), false); err != nil {
		return err
	}
	return i.client.InviteUser(ctx, i.userID, roomID, target)
}

// Kick removes target from the room. Kicking oneself (a leave with
// reason) skips the join guard.
func (i *Intent) Kick(ctx context.Context, roomID id.RoomID, target id.UserID, reason string) error {
	i.touch()
	if target != i.userID {
		if _, err := i.EnsureJoined(ctx, string(roomID), false); err != nil {
			return err
		}
	} else if err := i.EnsureRegistered(ctx); err != nil {
		return err
	}
	if err := i.client.KickUser(ctx, i.userID, roomID, target, reason); err != nil {
		return err
	}
	if target == i.userID {
		i.store.SetMembership(roomID, i.userID, api.Membership{Membership: event.MembershipLeave})
	}
	return nil
}

// Ban bans target from the room.
func (i *Intent) Ban(ctx context.Context, roomID id.RoomID, target id.UserID, reason string) error {
	i.touch()
	if _, err := i.EnsureJoined(ctx, string(roomID), false); err != nil {
		return err
	}
	return i.client.BanUser(ctx, i.userID, roomID, target, reason)
}

// Unban lifts a ban on target.
func (i *Intent) Unban(ctx context.Context, roomID id.RoomID, target id.UserID) error {
	i.touch()
	if _, err := i.EnsureJoined(ctx, string(roomID), false); err != nil {
		return err
	}
	return i.client.UnbanUser(ctx, i.userID, roomID, target)
}

// JoinedMembers lists the room's joined members with their profiles.
func (i *Intent) JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]api.MemberProfile, error) {
	i.touch()
	if err := i.EnsureRegistered(ctx); err != nil {
		return nil, err
	}
	return i.client.JoinedMembers(ctx, i.userID, roomID)
}

// Join joins the room (or alias) and returns its canonical ID.
func (i *Intent) Join(ctx context.Context, roomIDOrAlias string, via ...string) (id.RoomID, error) {
	return i.EnsureJoined(ctx, roomIDOrAlias, false, via...)
}

// Leave leaves the room. A non-empty reason is modelled as a self-kick
// so the reason lands in the membership event.
func (i *Intent) Leave(ctx context.Context, roomID id.RoomID, reason string) error {
	i.touch()
	if reason != "" {
		return i.Kick(ctx, roomID, i.userID, reason)
	}
	if err := i.client.LeaveRoom(ctx, i.userID, roomID); err != nil {
		return err
	}
	i.store.SetMembership(roomID, i.userID, api.Membership{Membership: event.MembershipLeave})
	return nil
}

// CreateRoomOpts control CreateRoom.
type CreateRoomOpts struct {
	// AsClient creates the room as this Intent's user rather than the
	// bot.
	AsClient bool
	Options  *api.CreateRoomRequest
}

// CreateRoom creates a room. When the bot creates it on the user's
// behalf the user is auto-invited; when the user creates it directly any
// stray self-invite is stripped. The creator is seeded with power 100 in
// the backing store iff no power levels are recorded yet.
func (i *Intent) CreateRoom(ctx context.Context, opts CreateRoomOpts) (id.RoomID, error) {
	i.touch()
	if err := i.EnsureRegistered(ctx); err != nil {
		return "", err
	}
	req := opts.Options
	if req == nil {
		req = &api.CreateRoomRequest{}
	}
	creator := i.botUserID
	if opts.AsClient {
		creator = i.userID
		invites := req.Invite[:0]
		for _, invitee := range req.Invite {
			if invitee != i.userID {
				invites = append(invites, invitee)
			}
		}
		req.Invite = invites
	} else if i.userID != i.botUserID && !containsUser(req.Invite, i.userID) {
		req.Invite = append(req.Invite, i.userID)
	}
	roomID, err := i.client.CreateRoom(ctx, creator, req)
	if err != nil {
		return "", err
	}
	i.store.SetMembership(roomID, creator, api.Membership{Membership: event.MembershipJoin})
	if _, ok := i.store.PowerLevels(roomID); !ok {
		seeded := &api.PowerLevelContent{}
		seeded.SetUserLevel(creator, 100)
		i.store.SetPowerLevels(roomID, seeded)
	}
	return roomID, nil
}

func containsUser(users []id.UserID, userID id.UserID) bool {
	for _, u := range users {
		if u == userID {
			return true
		}
	}
	return false
}

// StateEvent fetches a single state event's content, joining the room
// first.
func (i *Intent) StateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string) (json.RawMessage, error) {
	i.touch()
	if _, err := i.EnsureJoined(ctx, string(roomID), false); err != nil {
		return nil, err
	}
	return i.client.StateEvent(ctx, i.userID, roomID, eventType, stateKey)
}

// RoomState fetches the full room state, optionally honouring the cache.
func (i *Intent) RoomState(ctx context.Context, roomID id.RoomID, useCache bool) ([]api.Event, error) {
	i.touch()
	if _, err := i.EnsureJoined(ctx, string(roomID), false); err != nil {
		return nil, err
	}
	if !useCache {
		i.roomStateCache.Invalidate(string(roomID))
	}
	return i.roomStateCache.Get(ctx, string(roomID))
}

// Event fetches a single event, optionally honouring the cache.
func (i *Intent) Event(ctx context.Context, roomID id.RoomID, eventID id.EventID, useCache bool) (*api.Event, error) {
	i.touch()
	if err := i.EnsureRegistered(ctx); err != nil {
		return nil, err
	}
	key := string(roomID) + "\x00" + string(eventID)
	if !useCache {
		i.eventCache.Invalidate(key)
	}
	return i.eventCache.Get(ctx, key)
}

// Profile fetches a user's profile, optionally honouring the cache.
func (i *Intent) Profile(ctx context.Context, target id.UserID, useCache bool) (*api.MemberProfile, error) {
	i.touch()
	if err := i.EnsureRegistered(ctx); err != nil {
		return nil, err
	}
	if !useCache {
		i.profileCache.Invalidate(string(target))
	}
	profile, err := i.profileCache.Get(ctx, string(target))
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// SetDisplayName sets this user's display name.
func (i *Intent) SetDisplayName(ctx context.Context, displayName string) error {
	i.touch()
	if err := i.EnsureRegistered(ctx); err != nil {
		return err
	}
	if err := i.client.SetDisplayName(ctx, i.userID, displayName); err != nil {
		return err
	}
	i.profileCache.Invalidate(string(i.userID))
	return nil
}

// SetAvatarURL sets this user's avatar.
func (i *Intent) SetAvatarURL(ctx context.Context, avatarURL string) error {
	i.touch()
	if err := i.EnsureRegistered(ctx); err != nil {
		return err
	}
	if err := i.client.SetAvatarURL(ctx, i.userID, avatarURL); err != nil {
		return err
	}
	i.profileCache.Invalidate(string(i.userID))
	return nil
}

// EnsureProfile fetches the profile fresh and sets only the fields that
// differ from what is wanted. Empty arguments leave the field alone.
func (i *Intent) EnsureProfile(ctx context.Context, displayName, avatarURL string) error {
	i.touch()
	if err := i.EnsureRegistered(ctx); err != nil {
		return err
	}
	profile, err := i.Profile(ctx, i.userID, false)
	if err != nil {
		return err
	}
	if displayName != "" && profile.Displayname != displayName {
		if err = i.SetDisplayName(ctx, displayName); err != nil {
			return err
		}
	}
	if avatarURL != "" && profile.AvatarURL != avatarURL {
		if err = i.SetAvatarURL(ctx, avatarURL); err != nil {
			return err
		}
	}
	return nil
}

// SetPresence publishes this user's presence.
func (i *Intent) SetPresence(ctx context.Context, presence, statusMsg string) error {
	i.touch()
	if err := i.EnsureRegistered(ctx); err != nil {
		return err
	}
	return i.client.SetPresence(ctx, i.userID, presence, statusMsg)
}

// CreateAlias points an alias at a room.
func (i *Intent) CreateAlias(ctx context.Context, alias string, roomID id.RoomID) error {
	i.touch()
	if err := i.EnsureRegistered(ctx); err != nil {
		return err
	}
	return i.client.CreateAlias(ctx, i.userID, alias, roomID)
}

// SendTyping publishes a typing notification.
func (i *Intent) SendTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error {
	i.touch()
	if _, err := i.EnsureJoined(ctx, string(roomID), false); err != nil {
		return err
	}
	return i.client.SendTyping(ctx, i.userID, roomID, typing, timeout)
}

// SendReadReceipt moves this user's read markers to the event.
func (i *Intent) SendReadReceipt(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	i.touch()
	if _, err := i.EnsureJoined(ctx, string(roomID), false); err != nil {
		return err
	}
	return i.client.SendReadReceipt(ctx, i.userID, roomID, eventID)
}

// UploadContent uploads bytes to the media repository and returns the
// mxc URL.
func (i *Intent) UploadContent(ctx context.Context, data []byte, filename, contentType string) (id.ContentURI, error) {
	i.touch()
	if err := i.EnsureRegistered(ctx); err != nil {
		return id.ContentURI{}, err
	}
	return i.client.UploadContent(ctx, i.userID, data, filename, contentType)
}

// SetPowerLevel sets target's power in the room. A nil level unsets the
// user entry. The send is skipped when nothing would change.
func (i *Intent) SetPowerLevel(ctx context.Context, roomID id.RoomID, target id.UserID, level *int) error {
	i.touch()
	levels, ok := i.store.PowerLevels(roomID)
	if !ok {
		var err error
		if levels, err = i.fetchPowerLevels(ctx, roomID); err != nil {
			return err
		}
	}
	current, hasEntry := levels.Users[target]
	switch {
	case level == nil && !hasEntry:
		return nil
	case level != nil && hasEntry && current == *level:
		return nil
	}
	updated := levels.Clone()
	if level == nil {
		delete(updated.Users, target)
	} else {
		updated.SetUserLevel(target, *level)
	}
	if _, err := i.SendStateEvent(ctx, roomID, api.EventTypePowerLevels, "", updated); err != nil {
		return err
	}
	i.store.SetPowerLevels(roomID, updated)
	return nil
}

// OnEvent feeds a live state event into the Intent's caches. The Bridge
// forwards every inbound state event to the owning Intent; callers
// driving Intents outside a Bridge must forward events themselves or the
// roomState cache will serve stale reads until its TTL.
func (i *Intent) OnEvent(ev *api.Event) {
	if !ev.IsState() {
		return
	}
	i.roomStateCache.Invalidate(string(ev.RoomID))
	switch ev.Type {
	case api.EventTypeMember:
		if *ev.StateKey != string(i.userID) {
			return
		}
		var content struct {
			Membership  event.Membership `json:"membership"`
			Displayname string           `json:"displayname"`
			AvatarURL   string           `json:"avatar_url"`
		}
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			i.log.WithError(err).Debug("Ignoring malformed member event")
			return
		}
		i.store.SetMembership(ev.RoomID, i.userID, api.Membership{
			Membership: content.Membership,
			Profile: api.MemberProfile{
				Displayname: content.Displayname,
				AvatarURL:   content.AvatarURL,
			},
		})
	case api.EventTypePowerLevels:
		var levels api.PowerLevelContent
		if err := json.Unmarshal(ev.Content, &levels); err != nil {
			i.log.WithError(err).Debug("Ignoring malformed power_levels event")
			return
		}
		i.store.SetPowerLevels(ev.RoomID, &levels)
	}
}

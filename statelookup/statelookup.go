// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package statelookup keeps an eventually-consistent in-memory
// projection of selected room state: bootstrapped from /state with
// bounded concurrency and retries, then blunt-updated from live events.
package statelookup

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
)

// DefaultConcurrency bounds simultaneous initial /state fetches.
const DefaultConcurrency = 4

// DefaultRetryIn is the pause between retries of a transient initial
// fetch failure.
const DefaultRetryIn = 300 * time.Millisecond

// Fetcher retrieves the full current state of a room, usually the bot
// Intent's RoomState with the cache bypassed.
type Fetcher func(ctx context.Context, roomID id.RoomID) ([]api.Event, error)

type trackedRoom struct {
	// events is type → state_key → event.
	events      map[string]map[string]*api.Event
	syncPending bool
	syncDone    *api.Defer[struct{}]
}

// StateLookup projects the given state event types for tracked rooms.
type StateLookup struct {
	fetch   Fetcher
	types   map[string]struct{}
	sem     *semaphore.Weighted
	retryIn time.Duration
	log     *logrus.Entry

	mu    sync.Mutex
	rooms map[id.RoomID]*trackedRoom
}

// Opts configure a StateLookup.
type Opts struct {
	Fetcher Fetcher
	// EventTypes is the set of state event types to project.
	EventTypes  []string
	Concurrency int
	RetryIn     time.Duration
	Logger      *logrus.Entry
}

func New(opts Opts) *StateLookup {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	retryIn := opts.RetryIn
	if retryIn <= 0 {
		retryIn = DefaultRetryIn
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	types := make(map[string]struct{}, len(opts.EventTypes))
	for _, t := range opts.EventTypes {
		types[t] = struct{}{}
	}
	return &StateLookup{
		fetch:   opts.Fetcher,
		types:   types,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		retryIn: retryIn,
		log:     log.WithField("component", "state_lookup"),
		rooms:   make(map[id.RoomID]*trackedRoom),
	}
}

// TrackRoom starts projecting state for the room. The first call kicks
// an initial /state fetch; later calls are no-ops that return the same
// completion Defer.
func (s *StateLookup) TrackRoom(ctx context.Context, roomID id.RoomID) *api.Defer[struct{}] {
	s.mu.Lock()
	if room, ok := s.rooms[roomID]; ok {
		done := room.syncDone
		s.mu.Unlock()
		return done
	}
	room := &trackedRoom{
		events:      make(map[string]map[string]*api.Event),
		syncPending: true,
		syncDone:    api.NewDefer[struct{}](),
	}
	s.rooms[roomID] = room
	s.mu.Unlock()

	go s.initialSync(ctx, roomID, room)
	return room.syncDone
}

// UntrackRoom drops the projection for a room.
func (s *StateLookup) UntrackRoom(roomID id.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

// IsTracked reports whether the room is being projected.
func (s *StateLookup) IsTracked(roomID id.RoomID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

func (s *StateLookup) initialSync(ctx context.Context, roomID id.RoomID, room *trackedRoom) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		room.syncDone.Reject(err)
		return
	}
	defer s.sem.Release(1)
	for {
		events, err := s.fetch(ctx, roomID)
		if err == nil {
			s.mu.Lock()
			for n := range events {
				s.storeEventLocked(room, &events[n])
			}
			room.syncPending = false
			s.mu.Unlock()
			room.syncDone.Resolve(struct{}{})
			return
		}
		if isPermanentFetchError(err) {
			s.log.WithError(err).WithField("room_id", roomID).Warn("Initial state fetch failed permanently")
			s.mu.Lock()
			room.syncPending = false
			delete(s.rooms, roomID)
			s.mu.Unlock()
			room.syncDone.Reject(err)
			return
		}
		s.log.WithError(err).WithField("room_id", roomID).Debug("Initial state fetch failed, retrying")
		timer := time.NewTimer(s.retryIn)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			room.syncDone.Reject(ctx.Err())
			return
		}
	}
}

// isPermanentFetchError decides whether the initial sync should give up:
// an exhausted join ladder or any definite HTTP status is final, while
// transport blips retry forever.
func isPermanentFetchError(err error) bool {
	classified := api.Classify(err)
	if strings.Contains(classified.Message, "Failed to join room") {
		return true
	}
	return classified.HTTPStatus >= 400
}

// OnEvent applies a live state event to the projection. The update waits
// for any in-flight initial sync on the room so live events strictly
// supersede /state results.
func (s *StateLookup) OnEvent(ctx context.Context, ev *api.Event) error {
	s.mu.Lock()
	room, ok := s.rooms[ev.RoomID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if room.syncPending {
		done := room.syncDone
		s.mu.Unlock()
		// A failed initial sync still lets the live event through; the
		// projection just starts from this event.
		_, _ = done.Wait(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.mu.Lock()
		if room, ok = s.rooms[ev.RoomID]; !ok {
			s.mu.Unlock()
			return nil
		}
	}
	s.storeEventLocked(room, ev)
	s.mu.Unlock()
	return nil
}

// storeEventLocked blunt-updates the projection iff the event is a
// well-formed state event of a tracked type with object content.
func (s *StateLookup) storeEventLocked(room *trackedRoom, ev *api.Event) {
	if ev.Type == "" || ev.StateKey == nil {
		return
	}
	if _, tracked := s.types[ev.Type]; !tracked {
		return
	}
	if !gjson.ParseBytes(ev.Content).IsObject() {
		return
	}
	byKey, ok := room.events[ev.Type]
	if !ok {
		byKey = make(map[string]*api.Event)
		room.events[ev.Type] = byKey
	}
	copied := *ev
	byKey[*ev.StateKey] = &copied
}

// GetStateEvent returns the projected event for (type, stateKey), or nil.
func (s *StateLookup) GetStateEvent(roomID id.RoomID, eventType, stateKey string) *api.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return room.events[eventType][stateKey]
}

// GetState returns all projected events of the given type, possibly
// empty.
func (s *StateLookup) GetState(roomID id.RoomID, eventType string) []*api.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	events := make([]*api.Event, 0, len(room.events[eventType]))
	for _, ev := range room.events[eventType] {
		events = append(events, ev)
	}
	return events
}

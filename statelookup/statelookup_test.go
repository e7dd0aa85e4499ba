// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package statelookup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
)

func stateEvent(t *testing.T, roomID id.RoomID, evType, stateKey string, content map[string]interface{}) api.Event {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	return api.Event{
		ID:       id.EventID(fmt.Sprintf("$%s-%s", evType, stateKey)),
		Type:     evType,
		RoomID:   roomID,
		StateKey: &stateKey,
		Content:  raw,
	}
}

func TestTrackRoomProjectsInitialState(t *testing.T) {
	roomID := id.RoomID("!room:example.org")
	initial := []api.Event{
		stateEvent(t, roomID, api.EventTypePowerLevels, "", map[string]interface{}{
			"users": map[string]interface{}{"@admin:example.org": 100},
		}),
		stateEvent(t, roomID, api.EventTypeMember, "@alice:example.org", map[string]interface{}{
			"membership": "join",
		}),
		// Untracked types must be discarded.
		stateEvent(t, roomID, "m.room.topic", "", map[string]interface{}{"topic": "hi"}),
	}
	s := New(Opts{
		Fetcher: func(ctx context.Context, roomID id.RoomID) ([]api.Event, error) {
			return initial, nil
		},
		EventTypes: []string{api.EventTypeMember, api.EventTypePowerLevels},
	})

	ctx := context.Background()
	_, err := s.TrackRoom(ctx, roomID).Wait(ctx)
	require.NoError(t, err)

	assert.True(t, s.IsTracked(roomID))
	assert.NotNil(t, s.GetStateEvent(roomID, api.EventTypePowerLevels, ""))
	assert.NotNil(t, s.GetStateEvent(roomID, api.EventTypeMember, "@alice:example.org"))
	assert.Nil(t, s.GetStateEvent(roomID, "m.room.topic", ""))
}

func TestTrackRoomIsIdempotent(t *testing.T) {
	var fetches int
	var mu sync.Mutex
	s := New(Opts{
		Fetcher: func(ctx context.Context, roomID id.RoomID) ([]api.Event, error) {
			mu.Lock()
			fetches++
			mu.Unlock()
			return nil, nil
		},
		EventTypes: []string{api.EventTypeMember},
	})

	ctx := context.Background()
	roomID := id.RoomID("!room:example.org")
	first := s.TrackRoom(ctx, roomID)
	second := s.TrackRoom(ctx, roomID)
	assert.Same(t, first, second)
	_, err := first.Wait(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fetches)
}

func TestInitialSyncRetriesTransientFailures(t *testing.T) {
	roomID := id.RoomID("!room:example.org")
	var fetches int
	var mu sync.Mutex
	s := New(Opts{
		Fetcher: func(ctx context.Context, roomID id.RoomID) ([]api.Event, error) {
			mu.Lock()
			defer mu.Unlock()
			fetches++
			if fetches < 3 {
				return nil, fmt.Errorf("connection refused")
			}
			return []api.Event{
				stateEvent(t, roomID, api.EventTypeMember, "@alice:example.org", map[string]interface{}{
					"membership": "join",
				}),
			}, nil
		},
		EventTypes: []string{api.EventTypeMember},
		RetryIn:    time.Millisecond,
	})

	ctx := context.Background()
	_, err := s.TrackRoom(ctx, roomID).Wait(ctx)
	require.NoError(t, err)
	assert.NotNil(t, s.GetStateEvent(roomID, api.EventTypeMember, "@alice:example.org"))
}

func TestInitialSyncGivesUpOnHTTPError(t *testing.T) {
	roomID := id.RoomID("!room:example.org")
	s := New(Opts{
		Fetcher: func(ctx context.Context, roomID id.RoomID) ([]api.Event, error) {
			return nil, &api.Error{Kind: api.KindForbidden, HTTPStatus: 403, Message: "not in room"}
		},
		EventTypes: []string{api.EventTypeMember},
		RetryIn:    time.Millisecond,
	})

	ctx := context.Background()
	_, err := s.TrackRoom(ctx, roomID).Wait(ctx)
	require.Error(t, err)
	assert.False(t, s.IsTracked(roomID), "a permanently failed room must be untracked")
}

func TestLiveEventSupersedesInitialState(t *testing.T) {
	roomID := id.RoomID("!room:example.org")
	fetchStarted := make(chan struct{})
	releaseFetch := make(chan struct{})
	s := New(Opts{
		Fetcher: func(ctx context.Context, roomID id.RoomID) ([]api.Event, error) {
			close(fetchStarted)
			<-releaseFetch
			return []api.Event{
				stateEvent(t, roomID, api.EventTypePowerLevels, "", map[string]interface{}{
					"users": map[string]interface{}{"@admin:example.org": 50},
				}),
			}, nil
		},
		EventTypes: []string{api.EventTypePowerLevels},
	})

	ctx := context.Background()
	done := s.TrackRoom(ctx, roomID)
	<-fetchStarted

	// Deliver a live power-level escalation while the initial fetch is
	// still in flight. It must be applied after the fetch lands.
	live := stateEvent(t, roomID, api.EventTypePowerLevels, "", map[string]interface{}{
		"users": map[string]interface{}{"@admin:example.org": 100},
	})
	applied := make(chan error, 1)
	go func() {
		applied <- s.OnEvent(ctx, &live)
	}()
	time.Sleep(10 * time.Millisecond)
	close(releaseFetch)
	_, err := done.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, <-applied)

	ev := s.GetStateEvent(roomID, api.EventTypePowerLevels, "")
	require.NotNil(t, ev)
	assert.Equal(t, int64(100), ev.ContentField("users").Get("@admin:example\\.org").Int())
}

func TestOnEventIgnoresUntrackedRooms(t *testing.T) {
	s := New(Opts{
		Fetcher:    func(ctx context.Context, roomID id.RoomID) ([]api.Event, error) { return nil, nil },
		EventTypes: []string{api.EventTypeMember},
	})
	ev := stateEvent(t, "!other:example.org", api.EventTypeMember, "@a:example.org", map[string]interface{}{
		"membership": "join",
	})
	require.NoError(t, s.OnEvent(context.Background(), &ev))
	assert.Nil(t, s.GetStateEvent("!other:example.org", api.EventTypeMember, "@a:example.org"))
}

func TestStoreRejectsMalformedEvents(t *testing.T) {
	roomID := id.RoomID("!room:example.org")
	s := New(Opts{
		Fetcher:    func(ctx context.Context, roomID id.RoomID) ([]api.Event, error) { return nil, nil },
		EventTypes: []string{api.EventTypeMember},
	})
	ctx := context.Background()
	_, err := s.TrackRoom(ctx, roomID).Wait(ctx)
	require.NoError(t, err)

	// Non-object content is not state worth projecting.
	stateKey := "@a:example.org"
	bad := api.Event{
		Type:     api.EventTypeMember,
		RoomID:   roomID,
		StateKey: &stateKey,
		Content:  json.RawMessage(`"just a string"`),
	}
	require.NoError(t, s.OnEvent(ctx, &bad))
	assert.Nil(t, s.GetStateEvent(roomID, api.EventTypeMember, stateKey))

	// No state key at all.
	noKey := api.Event{Type: api.EventTypeMember, RoomID: roomID, Content: json.RawMessage(`{}`)}
	require.NoError(t, s.OnEvent(ctx, &noKey))
}

func TestUntrackRoomDropsProjection(t *testing.T) {
	roomID := id.RoomID("!room:example.org")
	s := New(Opts{
		Fetcher: func(ctx context.Context, roomID id.RoomID) ([]api.Event, error) {
			return []api.Event{
				stateEvent(t, roomID, api.EventTypeMember, "@a:example.org", map[string]interface{}{
					"membership": "join",
				}),
			}, nil
		},
		EventTypes: []string{api.EventTypeMember},
	})
	ctx := context.Background()
	_, err := s.TrackRoom(ctx, roomID).Wait(ctx)
	require.NoError(t, err)

	s.UntrackRoom(roomID)
	assert.False(t, s.IsTracked(roomID))
	assert.Nil(t, s.GetState(roomID, api.EventTypeMember))
}

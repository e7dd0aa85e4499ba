// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventIsState(t *testing.T) {
	ev := &Event{Type: EventTypeMessage}
	assert.False(t, ev.IsState())
	empty := ""
	ev.StateKey = &empty
	assert.True(t, ev.IsState(), "the empty state key still marks a state event")
}

func TestEventContentField(t *testing.T) {
	ev := &Event{Content: json.RawMessage(`{"membership":"join","displayname":"Alice","m":{"nested":42}}`)}
	assert.Equal(t, "join", ev.ContentField("membership").String())
	assert.Equal(t, int64(42), ev.ContentField("m.nested").Int())
	assert.False(t, ev.ContentField("missing").Exists())
}

func TestPowerLevelDefaults(t *testing.T) {
	levels := &PowerLevelContent{}
	assert.Equal(t, 50, levels.RequiredLevel(EventTypePowerLevels, true))
	assert.Equal(t, 0, levels.RequiredLevel(EventTypeMessage, false))
	assert.Equal(t, 0, levels.UserLevel("@anyone:example.org"))
	assert.Equal(t, 50, levels.ModifyLevel())
}

func TestPowerLevelExplicitValues(t *testing.T) {
	stateDefault, eventsDefault, usersDefault := 80, 10, 5
	levels := &PowerLevelContent{
		StateDefault:  &stateDefault,
		EventsDefault: &eventsDefault,
		UsersDefault:  &usersDefault,
		Events:        map[string]int{EventTypeTombstone: 100},
	}
	levels.SetUserLevel("@admin:example.org", 100)

	assert.Equal(t, 100, levels.RequiredLevel(EventTypeTombstone, true), "per-event levels win")
	assert.Equal(t, 80, levels.RequiredLevel(EventTypeMember, true))
	assert.Equal(t, 10, levels.RequiredLevel(EventTypeMessage, false))
	assert.Equal(t, 100, levels.UserLevel("@admin:example.org"))
	assert.Equal(t, 5, levels.UserLevel("@random:example.org"))
}

func TestPowerLevelCloneIsDeep(t *testing.T) {
	usersDefault := 5
	levels := &PowerLevelContent{UsersDefault: &usersDefault}
	levels.SetUserLevel("@admin:example.org", 100)

	cloned := levels.Clone()
	cloned.SetUserLevel("@admin:example.org", 0)
	*cloned.UsersDefault = 99

	assert.Equal(t, 100, levels.UserLevel("@admin:example.org"))
	assert.Equal(t, 5, *levels.UsersDefault)
}

func TestDeferResolve(t *testing.T) {
	d := NewDefer[string]()
	go d.Resolve("done")
	val, err := d.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", val)

	// Completion is one-shot.
	d.Reject(fmt.Errorf("too late"))
	val, err = d.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", val)
}

func TestDeferReject(t *testing.T) {
	d := NewDefer[int]()
	d.Reject(fmt.Errorf("failed"))
	_, err := d.Wait(context.Background())
	assert.EqualError(t, err, "failed")
	select {
	case <-d.Done():
	default:
		t.Fatal("Done must be closed after completion")
	}
}

func TestDeferWaitHonoursContext(t *testing.T) {
	d := NewDefer[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := d.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

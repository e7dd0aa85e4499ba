// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/setup/config"
)

type recordingConsumer struct {
	mu     sync.Mutex
	events []*api.Event
}

func (c *recordingConsumer) consume(ev *api.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *recordingConsumer) ids() []id.EventID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]id.EventID, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.ID)
	}
	return out
}

func queuedEvent(n byte, roomID id.RoomID) *api.Event {
	return &api.Event{
		ID:     id.EventID([]byte{'$', n}),
		Type:   api.EventTypeMessage,
		RoomID: roomID,
	}
}

func TestNoneQueueDeliversEverything(t *testing.T) {
	consumer := &recordingConsumer{}
	q := NewEventQueue(config.EventQueueNone, consumer.consume)
	for n := byte('a'); n <= 'z'; n++ {
		q.Push(queuedEvent(n, "!r:example.org"))
	}
	q.Stop()
	assert.Len(t, consumer.ids(), 26)
}

func TestSingleQueuePreservesGlobalOrder(t *testing.T) {
	consumer := &recordingConsumer{}
	q := NewEventQueue(config.EventQueueSingle, consumer.consume)
	var want []id.EventID
	for n := byte('a'); n <= 'z'; n++ {
		ev := queuedEvent(n, id.RoomID([]byte{'!', n}))
		want = append(want, ev.ID)
		q.Push(ev)
	}
	q.Stop()
	assert.Equal(t, want, consumer.ids())
}

func TestPerRoomQueueOrdersWithinRoom(t *testing.T) {
	consumer := &recordingConsumer{}
	q := NewEventQueue(config.EventQueuePerRoom, consumer.consume)

	roomA := id.RoomID("!a:example.org")
	roomB := id.RoomID("!b:example.org")
	for n := byte('a'); n <= 'j'; n++ {
		q.Push(queuedEvent(n, roomA))
		q.Push(queuedEvent(n-'a'+'A', roomB))
	}
	q.Stop()

	// Interleaving across rooms is unspecified; per-room order is not.
	var gotA, gotB []id.EventID
	consumer.mu.Lock()
	for _, ev := range consumer.events {
		if ev.RoomID == roomA {
			gotA = append(gotA, ev.ID)
		} else {
			gotB = append(gotB, ev.ID)
		}
	}
	consumer.mu.Unlock()

	var wantA, wantB []id.EventID
	for n := byte('a'); n <= 'j'; n++ {
		wantA = append(wantA, id.EventID([]byte{'$', n}))
		wantB = append(wantB, id.EventID([]byte{'$', n - 'a' + 'A'}))
	}
	assert.Equal(t, wantA, gotA)
	assert.Equal(t, wantB, gotB)
}

func TestSingleQueueIgnoresPushAfterStop(t *testing.T) {
	consumer := &recordingConsumer{}
	q := NewEventQueue(config.EventQueueSingle, consumer.consume)
	q.Push(queuedEvent('a', "!r:example.org"))
	q.Stop()
	q.Push(queuedEvent('b', "!r:example.org"))
	assert.Len(t, consumer.ids(), 1)
}

func TestSingleQueueConcurrentPushDuringStop(t *testing.T) {
	consumer := &recordingConsumer{}
	q := NewEventQueue(config.EventQueueSingle, consumer.consume)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := 0; n < 200; n++ {
			q.Push(queuedEvent(byte('a'+n%26), "!r:example.org"))
		}
	}()
	q.Stop()
	<-done
}

func TestPerRoomQueueConcurrentPushDuringStop(t *testing.T) {
	consumer := &recordingConsumer{}
	q := NewEventQueue(config.EventQueuePerRoom, consumer.consume)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := 0; n < 200; n++ {
			q.Push(queuedEvent(byte('a'+n%26), id.RoomID([]byte{'!', byte('a' + n%7)})))
		}
	}()
	q.Stop()
	<-done
}

func TestPerRoomQueueIgnoresPushAfterStop(t *testing.T) {
	consumer := &recordingConsumer{}
	q := NewEventQueue(config.EventQueuePerRoom, consumer.consume)
	q.Push(queuedEvent('a', "!r:example.org"))
	q.Stop()
	q.Push(queuedEvent('b', "!r:example.org"))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, consumer.ids(), 1)
}

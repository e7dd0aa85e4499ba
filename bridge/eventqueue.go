// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package bridge

import (
	"sync"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/setup/config"
)

// EventQueue decides how much ordering incoming events get before they
// reach the bridge's handler.
type EventQueue interface {
	Push(ev *api.Event)
	Stop()
}

// NewEventQueue builds the configured queue flavor around a consumer.
func NewEventQueue(queueType config.EventQueueType, consume func(ev *api.Event)) EventQueue {
	switch queueType {
	case config.EventQueueSingle:
		return newSingleQueue(consume)
	case config.EventQueuePerRoom:
		return newPerRoomQueue(consume)
	default:
		return &noneQueue{consume: consume}
	}
}

// noneQueue dispatches concurrently with no ordering.
type noneQueue struct {
	consume func(ev *api.Event)
	wg      sync.WaitGroup
}

func (q *noneQueue) Push(ev *api.Event) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.consume(ev)
	}()
}

func (q *noneQueue) Stop() {
	q.wg.Wait()
}

// singleQueue funnels every event through one FIFO worker.
type singleQueue struct {
	consume func(ev *api.Event)
	events  chan *api.Event
	done    chan struct{}

	mu      sync.Mutex
	stopped bool
}

func newSingleQueue(consume func(ev *api.Event)) *singleQueue {
	q := &singleQueue{
		consume: consume,
		events:  make(chan *api.Event, 256),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *singleQueue) run() {
	defer close(q.done)
	for ev := range q.events {
		q.consume(ev)
	}
}

// Push holds the lock across the send so a concurrent Stop cannot close
// the channel underneath it.
func (q *singleQueue) Push(ev *api.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.events <- ev
}

func (q *singleQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.events)
	q.mu.Unlock()
	<-q.done
}

// perRoomQueue keeps one FIFO worker per room, created on demand.
type perRoomQueue struct {
	consume func(ev *api.Event)

	mu      sync.Mutex
	rooms   map[string]chan *api.Event
	stopped bool
	wg      sync.WaitGroup
}

func newPerRoomQueue(consume func(ev *api.Event)) *perRoomQueue {
	return &perRoomQueue{
		consume: consume,
		rooms:   make(map[string]chan *api.Event),
	}
}

// Push holds the lock across the send so a concurrent Stop cannot close
// the room channel underneath it.
func (q *perRoomQueue) Push(ev *api.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	events, ok := q.rooms[string(ev.RoomID)]
	if !ok {
		events = make(chan *api.Event, 64)
		q.rooms[string(ev.RoomID)] = events
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for queued := range events {
				q.consume(queued)
			}
		}()
	}
	events <- ev
}

func (q *perRoomQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	for _, events := range q.rooms {
		close(events)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package queue serializes membership changes per room: operations for
// one room always land on the same shard, each shard runs one operation
// at a time in enqueue order, recoverable failures are retried with
// backoff and items that age past their TTL die unprocessed.
package queue

import (
	"container/list"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/setup/config"
)

// Type is the membership operation kind.
type Type string

const (
	TypeJoin  Type = "join"
	TypeLeave Type = "leave"
)

// MembershipActor is the slice of an Intent the queue drives.
type MembershipActor interface {
	Join(ctx context.Context, roomIDOrAlias string, via ...string) (id.RoomID, error)
	Leave(ctx context.Context, roomID id.RoomID, reason string) error
	Kick(ctx context.Context, roomID id.RoomID, target id.UserID, reason string) error
}

// IntentProvider hands out the actor for a user. The bridge supplies it,
// keeping the queue free of a bridge dependency.
type IntentProvider func(userID id.UserID) MembershipActor

type item struct {
	itemType   Type
	roomID     id.RoomID
	userID     id.UserID
	kickUser   id.UserID
	reason     string
	attempts   int
	enqueuedAt time.Time
	ttl        time.Duration
	requestID  string
	done       *api.Defer[struct{}]
}

// metricType distinguishes kicks from plain leaves in the processed
// counter.
func (it *item) metricType() string {
	if it.itemType == TypeLeave && it.kickUser != "" && it.kickUser != it.userID {
		return "kick"
	}
	return string(it.itemType)
}

type shard struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items *list.List
}

// MembershipQueue is the sharded, linearized membership-operation queue.
type MembershipQueue struct {
	cfg       config.MembershipQueue
	getIntent IntentProvider
	log       *logrus.Entry

	shards []*shard
	wg     sync.WaitGroup

	stopMu  sync.Mutex
	stopped bool

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration)
}

func New(cfg config.MembershipQueue, getIntent IntentProvider, log *logrus.Entry) *MembershipQueue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	q := &MembershipQueue{
		cfg:       cfg,
		getIntent: getIntent,
		log:       log.WithField("component", "membership_queue"),
		shards:    make([]*shard, cfg.ConcurrentRoomLimit),
		sleep: func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
		},
	}
	for n := range q.shards {
		s := &shard{items: list.New()}
		s.cond = sync.NewCond(&s.mu)
		q.shards[n] = s
	}
	return q
}

// Start spawns one worker per shard.
func (q *MembershipQueue) Start(ctx context.Context) {
	for n, s := range q.shards {
		q.wg.Add(1)
		go q.serveShard(ctx, n, s)
	}
}

// Stop wakes every shard and waits for the workers to drain out.
func (q *MembershipQueue) Stop() {
	q.stopMu.Lock()
	q.stopped = true
	q.stopMu.Unlock()
	for _, s := range q.shards {
		s.cond.Broadcast()
	}
	q.wg.Wait()
}

func (q *MembershipQueue) isStopped() bool {
	q.stopMu.Lock()
	defer q.stopMu.Unlock()
	return q.stopped
}

// shardFor sums the character codes of the room ID so all operations on
// one room serialize on the same worker.
func (q *MembershipQueue) shardFor(roomID id.RoomID) *shard {
	sum := 0
	for _, c := range roomID {
		sum += int(c)
	}
	return q.shards[sum%len(q.shards)]
}

// QueueJoin enqueues a join of userID into roomID. The returned Defer
// resolves on success and rejects on failure or TTL death. A zero ttl
// uses the configured default.
func (q *MembershipQueue) QueueJoin(roomID id.RoomID, userID id.UserID, ttl time.Duration) *api.Defer[struct{}] {
	return q.enqueue(&item{
		itemType: TypeJoin,
		roomID:   roomID,
		userID:   userID,
		ttl:      ttl,
	})
}

// QueueLeave enqueues a leave of userID from roomID. A non-empty
// kickUser performs the removal as that user instead, making this a
// kick.
func (q *MembershipQueue) QueueLeave(roomID id.RoomID, userID, kickUser id.UserID, reason string, ttl time.Duration) *api.Defer[struct{}] {
	return q.enqueue(&item{
		itemType: TypeLeave,
		roomID:   roomID,
		userID:   userID,
		kickUser: kickUser,
		reason:   reason,
		ttl:      ttl,
	})
}

func (q *MembershipQueue) enqueue(it *item) *api.Defer[struct{}] {
	if it.ttl == 0 {
		it.ttl = time.Duration(q.cfg.DefaultTTLMS) * time.Millisecond
	}
	it.enqueuedAt = time.Now()
	it.requestID = uuid.NewString()
	it.done = api.NewDefer[struct{}]()
	pendingGauge.Inc()
	q.push(it)
	return it.done
}

func (q *MembershipQueue) push(it *item) {
	s := q.shardFor(it.roomID)
	s.mu.Lock()
	s.items.PushBack(it)
	s.mu.Unlock()
	s.cond.Signal()
}

func (q *MembershipQueue) serveShard(ctx context.Context, n int, s *shard) {
	defer q.wg.Done()
	for {
		s.mu.Lock()
		for s.items.Len() == 0 && !q.isStopped() && ctx.Err() == nil {
			s.cond.Wait()
		}
		if q.isStopped() || ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		front := s.items.Front()
		s.items.Remove(front)
		s.mu.Unlock()
		q.serviceItem(ctx, front.Value.(*item))
	}
}

func (q *MembershipQueue) serviceItem(ctx context.Context, it *item) {
	log := q.log.WithFields(logrus.Fields{
		"request_id": it.requestID,
		"room_id":    it.roomID,
		"user_id":    it.userID,
		"type":       it.metricType(),
		"attempts":   it.attempts,
	})
	if time.Since(it.enqueuedAt) > it.ttl {
		log.Warn("Membership operation exceeded TTL, dropping")
		q.finish(it, outcomeDead, api.NewError(api.KindDead,
			"membership %s for %s in %s exceeded TTL", it.itemType, it.userID, it.roomID))
		return
	}

	err := q.dispatch(ctx, it)
	if err == nil {
		q.finish(it, outcomeSuccess, nil)
		return
	}
	classified := api.Classify(err)
	log = log.WithFields(logrus.Fields{
		"errcode":     classified.Errcode,
		"http_status": classified.HTTPStatus,
	})
	it.attempts++
	if it.attempts >= q.cfg.MaxAttempts ||
		classified.Errcode == "M_FORBIDDEN" ||
		classified.HTTPStatus == 403 ||
		classified.HTTPStatus == 404 {
		log.WithError(err).Warn("Membership operation failed permanently")
		q.finish(it, outcomeFail, err)
		return
	}
	delay := q.backoff(it.attempts)
	log.WithError(err).WithField("retry_in", delay).Debug("Membership operation failed, retrying")
	// Retry off-thread so the shard keeps draining while this item
	// waits out its backoff.
	go func() {
		q.sleep(ctx, delay)
		if ctx.Err() != nil || q.isStopped() {
			q.finish(it, outcomeDead, api.NewError(api.KindDead, "queue stopped during retry backoff"))
			return
		}
		q.push(it)
	}()
}

func (q *MembershipQueue) backoff(attempts int) time.Duration {
	delay := time.Duration(q.cfg.ActionDelayMS*int64(attempts))*time.Millisecond +
		time.Duration(rand.Int63n(500))*time.Millisecond
	if limit := time.Duration(q.cfg.MaxActionDelayMS) * time.Millisecond; delay > limit {
		delay = limit
	}
	return delay
}

func (q *MembershipQueue) dispatch(ctx context.Context, it *item) error {
	actor := it.userID
	if it.kickUser != "" {
		actor = it.kickUser
	}
	intent := q.getIntent(actor)
	switch {
	case it.itemType == TypeJoin:
		_, err := intent.Join(ctx, string(it.roomID))
		return err
	case it.kickUser != "" && it.kickUser != it.userID:
		return intent.Kick(ctx, it.roomID, it.userID, it.reason)
	default:
		return intent.Leave(ctx, it.roomID, it.reason)
	}
}

func (q *MembershipQueue) finish(it *item, outcome string, err error) {
	pendingGauge.Dec()
	processedCounter.WithLabelValues(it.metricType(), outcome).Inc()
	if err != nil {
		it.done.Reject(err)
		return
	}
	it.done.Resolve(struct{}{})
}

// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package activity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/setup/config"
)

// MaxActivityDays bounds the per-user timestamp list to roughly one
// month of daily entries.
const MaxActivityDays = 31

// UserActivityMetadata carries the per-user flags alongside the
// timestamp list. Active is sticky once set.
type UserActivityMetadata struct {
	Private bool `json:"private,omitempty"`
	Active  bool `json:"active,omitempty"`
}

// UserActivity is one user's rolling activity record: TS holds
// UTC-midnight epoch seconds sorted descending, deduplicated per day and
// bounded to MaxActivityDays entries.
type UserActivity struct {
	TS       []int64              `json:"ts"`
	Metadata UserActivityMetadata `json:"metadata"`
}

func (u *UserActivity) clone() UserActivity {
	out := UserActivity{Metadata: u.Metadata}
	out.TS = append([]int64(nil), u.TS...)
	return out
}

// UserActivityStore persists activity records across restarts.
type UserActivityStore interface {
	StoreUserActivity(ctx context.Context, userID id.UserID, activity UserActivity) error
	LoadAllUserActivity(ctx context.Context) (map[id.UserID]UserActivity, error)
}

// ChangesFunc receives the coalesced set of records that changed since
// the last emission.
type ChangesFunc func(ctx context.Context, changed map[id.UserID]UserActivity, allActive, privateActive int)

// UserActivityTracker maintains RMAU analytics. Updates are coalesced
// and emitted to the callback after a quiet period.
type UserActivityTracker struct {
	cfg       config.Activity
	store     UserActivityStore
	onChanges ChangesFunc
	log       *logrus.Entry

	mu       sync.Mutex
	users    map[id.UserID]*UserActivity
	pending  map[id.UserID]struct{}
	debounce *time.Timer
}

func NewUserActivityTracker(cfg config.Activity, store UserActivityStore, onChanges ChangesFunc, log *logrus.Entry) *UserActivityTracker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &UserActivityTracker{
		cfg:       cfg,
		store:     store,
		onChanges: onChanges,
		log:       log.WithField("component", "user_activity"),
		users:     make(map[id.UserID]*UserActivity),
		pending:   make(map[id.UserID]struct{}),
	}
}

// Load primes the tracker from the store.
func (t *UserActivityTracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	records, err := t.store.LoadAllUserActivity(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for userID, record := range records {
		copied := record.clone()
		t.users[userID] = &copied
	}
	return nil
}

// utcMidnight truncates a time to its UTC day and returns epoch seconds.
func utcMidnight(at time.Time) int64 {
	at = at.UTC()
	return time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

// UpdateUserActivity records that the user was active at the given time.
func (t *UserActivityTracker) UpdateUserActivity(ctx context.Context, userID id.UserID, private bool, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	day := utcMidnight(at)

	t.mu.Lock()
	record, ok := t.users[userID]
	if !ok {
		record = &UserActivity{}
		t.users[userID] = record
	}
	if private {
		record.Metadata.Private = true
	}
	changed := insertDay(record, day)
	if !record.Metadata.Active && t.isActiveNow(record, at) {
		record.Metadata.Active = true // sticky from here on
		changed = true
	}
	if changed {
		t.pending[userID] = struct{}{}
		t.armDebounceLocked(ctx)
	}
	snapshot := record.clone()
	t.mu.Unlock()

	if changed && t.store != nil {
		if err := t.store.StoreUserActivity(ctx, userID, snapshot); err != nil {
			t.log.WithError(err).WithField("user_id", userID).Warn("Failed to persist user activity")
		}
	}
}

// insertDay adds the UTC day to the record, keeping it sorted
// descending, deduplicated and bounded. Reports whether anything
// changed.
func insertDay(record *UserActivity, day int64) bool {
	for _, existing := range record.TS {
		if existing == day {
			return false
		}
	}
	record.TS = append(record.TS, day)
	sort.Slice(record.TS, func(a, b int) bool { return record.TS[a] > record.TS[b] })
	if len(record.TS) > MaxActivityDays {
		record.TS = record.TS[:MaxActivityDays]
	}
	return true
}

// isActiveNow applies the activation rule: entries on each of the last
// minUserActiveDays UTC days.
func (t *UserActivityTracker) isActiveNow(record *UserActivity, now time.Time) bool {
	if t.cfg.MinUserActiveDays <= 0 {
		return true
	}
	windowStart := utcMidnight(now) - int64(t.cfg.MinUserActiveDays-1)*86400
	count := 0
	for _, day := range record.TS {
		if day >= windowStart {
			count++
		}
	}
	return count >= t.cfg.MinUserActiveDays
}

// CountActiveUsers returns how many users have any activity within the
// configured inactivity horizon, and how many of those are private.
func (t *UserActivityTracker) CountActiveUsers(now time.Time) (all, private int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := utcMidnight(now) - int64(t.cfg.InactiveAfterDays)*86400
	for _, record := range t.users {
		active := false
		for _, day := range record.TS {
			if day >= cutoff {
				active = true
				break
			}
		}
		if !active {
			continue
		}
		all++
		if record.Metadata.Private {
			private++
		}
	}
	return all, private
}

// Activity returns a copy of one user's record.
func (t *UserActivityTracker) Activity(userID id.UserID) (UserActivity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.users[userID]
	if !ok {
		return UserActivity{}, false
	}
	return record.clone(), true
}

func (t *UserActivityTracker) armDebounceLocked(ctx context.Context) {
	if t.onChanges == nil {
		return
	}
	quiet := time.Duration(t.cfg.DebounceMS) * time.Millisecond
	if t.debounce != nil {
		t.debounce.Reset(quiet)
		return
	}
	t.debounce = time.AfterFunc(quiet, func() { t.emit(ctx) })
}

func (t *UserActivityTracker) emit(ctx context.Context) {
	t.mu.Lock()
	changed := make(map[id.UserID]UserActivity, len(t.pending))
	for userID := range t.pending {
		if record, ok := t.users[userID]; ok {
			changed[userID] = record.clone()
		}
	}
	t.pending = make(map[id.UserID]struct{})
	t.debounce = nil
	t.mu.Unlock()
	if len(changed) == 0 {
		return
	}
	all, private := t.CountActiveUsers(time.Now())
	t.onChanges(ctx, changed, all, private)
}

// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package activity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/setup/config"
)

type memoryActivityStore struct {
	mu      sync.Mutex
	records map[id.UserID]UserActivity
	stores  int
}

func newMemoryActivityStore() *memoryActivityStore {
	return &memoryActivityStore{records: make(map[id.UserID]UserActivity)}
}

func (s *memoryActivityStore) StoreUserActivity(ctx context.Context, userID id.UserID, activity UserActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[userID] = activity
	s.stores++
	return nil
}

func (s *memoryActivityStore) LoadAllUserActivity(ctx context.Context) (map[id.UserID]UserActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[id.UserID]UserActivity, len(s.records))
	for userID, record := range s.records {
		out[userID] = record
	}
	return out, nil
}

func activityConfig() config.Activity {
	cfg := config.Activity{}
	cfg.Defaults()
	return cfg
}

func TestUpdateUserActivityDeduplicatesPerDay(t *testing.T) {
	store := newMemoryActivityStore()
	tracker := NewUserActivityTracker(activityConfig(), store, nil, nil)
	ctx := context.Background()
	userID := id.UserID("@alice:example.org")

	at := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	tracker.UpdateUserActivity(ctx, userID, false, at)
	tracker.UpdateUserActivity(ctx, userID, false, at.Add(3*time.Hour))
	tracker.UpdateUserActivity(ctx, userID, false, at.Add(6*time.Hour))

	record, ok := tracker.Activity(userID)
	require.True(t, ok)
	assert.Len(t, record.TS, 1, "multiple events on one UTC day collapse to one entry")
	assert.Equal(t, 1, store.stores, "unchanged records must not be re-persisted")
}

func TestUpdateUserActivityBoundedAndSorted(t *testing.T) {
	tracker := NewUserActivityTracker(activityConfig(), nil, nil, nil)
	ctx := context.Background()
	userID := id.UserID("@alice:example.org")

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < MaxActivityDays+10; i++ {
		tracker.UpdateUserActivity(ctx, userID, false, start.AddDate(0, 0, i))
	}

	record, ok := tracker.Activity(userID)
	require.True(t, ok)
	assert.Len(t, record.TS, MaxActivityDays)
	for i := 1; i < len(record.TS); i++ {
		assert.Greater(t, record.TS[i-1], record.TS[i], "timestamps must be sorted descending")
	}
	// The newest day survives, the oldest fell off.
	newest := utcMidnight(start.AddDate(0, 0, MaxActivityDays+9))
	assert.Equal(t, newest, record.TS[0])
}

func TestActiveFlagIsSticky(t *testing.T) {
	cfg := activityConfig()
	cfg.MinUserActiveDays = 3
	tracker := NewUserActivityTracker(cfg, nil, nil, nil)
	ctx := context.Background()
	userID := id.UserID("@alice:example.org")

	day := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	tracker.UpdateUserActivity(ctx, userID, false, day)
	record, _ := tracker.Activity(userID)
	assert.False(t, record.Metadata.Active, "one day of activity is not enough")

	tracker.UpdateUserActivity(ctx, userID, false, day.AddDate(0, 0, 1))
	tracker.UpdateUserActivity(ctx, userID, false, day.AddDate(0, 0, 2))
	record, _ = tracker.Activity(userID)
	assert.True(t, record.Metadata.Active, "three consecutive days flip the flag")

	// A long gap must not clear it.
	tracker.UpdateUserActivity(ctx, userID, false, day.AddDate(0, 2, 0))
	record, _ = tracker.Activity(userID)
	assert.True(t, record.Metadata.Active)
}

func TestPrivateFlagIsSticky(t *testing.T) {
	tracker := NewUserActivityTracker(activityConfig(), nil, nil, nil)
	ctx := context.Background()
	userID := id.UserID("@alice:example.org")

	tracker.UpdateUserActivity(ctx, userID, true, time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC))
	tracker.UpdateUserActivity(ctx, userID, false, time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC))

	record, _ := tracker.Activity(userID)
	assert.True(t, record.Metadata.Private)
}

func TestCountActiveUsers(t *testing.T) {
	cfg := activityConfig()
	cfg.InactiveAfterDays = 31
	tracker := NewUserActivityTracker(cfg, nil, nil, nil)
	ctx := context.Background()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tracker.UpdateUserActivity(ctx, "@fresh:example.org", false, now.AddDate(0, 0, -1))
	tracker.UpdateUserActivity(ctx, "@private:example.org", true, now.AddDate(0, 0, -2))
	tracker.UpdateUserActivity(ctx, "@stale:example.org", false, now.AddDate(0, 0, -60))

	all, private := tracker.CountActiveUsers(now)
	assert.Equal(t, 2, all)
	assert.Equal(t, 1, private)
}

func TestLoadPrimesFromStore(t *testing.T) {
	store := newMemoryActivityStore()
	store.records["@alice:example.org"] = UserActivity{
		TS:       []int64{utcMidnight(time.Now())},
		Metadata: UserActivityMetadata{Active: true},
	}

	tracker := NewUserActivityTracker(activityConfig(), store, nil, nil)
	require.NoError(t, tracker.Load(context.Background()))

	record, ok := tracker.Activity("@alice:example.org")
	require.True(t, ok)
	assert.True(t, record.Metadata.Active)
}

func TestChangesAreDebouncedAndCoalesced(t *testing.T) {
	cfg := activityConfig()
	cfg.DebounceMS = 20
	var mu sync.Mutex
	var emissions int
	var lastChanged map[id.UserID]UserActivity
	tracker := NewUserActivityTracker(cfg, nil, func(ctx context.Context, changed map[id.UserID]UserActivity, allActive, privateActive int) {
		mu.Lock()
		defer mu.Unlock()
		emissions++
		lastChanged = changed
	}, nil)

	ctx := context.Background()
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	tracker.UpdateUserActivity(ctx, "@a:example.org", false, base)
	tracker.UpdateUserActivity(ctx, "@b:example.org", false, base)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, emissions, "updates inside the quiet period coalesce into one emission")
	assert.Len(t, lastChanged, 2)
}

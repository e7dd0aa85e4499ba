// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package blocker watches a user-count threshold and flips a global
// block/unblock state through caller-supplied overrides.
package blocker

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	uberatomic "go.uber.org/atomic"
)

var blockedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "bridge",
	Subsystem: "blocker",
	Name:      "blocked",
	Help:      "1 while the bridge is blocked for exceeding its user limit",
})

var registerBlockerMetrics sync.Once

func init() {
	registerBlockerMetrics.Do(func() {
		prometheus.MustRegister(blockedGauge)
	})
}

// Hooks are the bridge-specific block/unblock actions. Errors leave the
// blocker in its previous state.
type Hooks struct {
	BlockBridge   func(ctx context.Context) error
	UnblockBridge func(ctx context.Context) error
}

// Blocker is the two-state threshold watcher.
type Blocker struct {
	limit   int
	hooks   Hooks
	log     *logrus.Entry
	blocked uberatomic.Bool

	// mu serializes transitions so concurrent CheckLimits calls cannot
	// interleave block and unblock.
	mu sync.Mutex
}

func New(limit int, hooks Hooks, log *logrus.Entry) *Blocker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Blocker{
		limit: limit,
		hooks: hooks,
		log:   log.WithField("component", "blocker"),
	}
}

// IsBlocked reports the current state.
func (b *Blocker) IsBlocked() bool { return b.blocked.Load() }

// CheckLimits compares the user count against the limit and transitions
// when the boundary is crossed. Override failures are logged and leave
// the state untouched.
func (b *Blocker) CheckLimits(ctx context.Context, users int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case users > b.limit && !b.blocked.Load():
		b.log.WithFields(logrus.Fields{"users": users, "limit": b.limit}).Warn("User limit exceeded, blocking bridge")
		if b.hooks.BlockBridge != nil {
			if err := b.hooks.BlockBridge(ctx); err != nil {
				b.log.WithError(err).Error("Failed to block bridge")
				return
			}
		}
		b.blocked.Store(true)
		blockedGauge.Set(1)
	case users <= b.limit && b.blocked.Load():
		b.log.WithFields(logrus.Fields{"users": users, "limit": b.limit}).Info("User count back under limit, unblocking bridge")
		if b.hooks.UnblockBridge != nil {
			if err := b.hooks.UnblockBridge(ctx); err != nil {
				b.log.WithError(err).Error("Failed to unblock bridge")
				return
			}
		}
		b.blocked.Store(false)
		blockedGauge.Set(0)
	}
}

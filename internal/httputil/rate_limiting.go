// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net/http"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/element-hq/matrix-appservice-bridge/internal/netutil"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "http",
		Name:      "rate_limit_rejections_total",
		Help:      "Requests rejected by rate limiting",
	}, []string{"handler"})
	rateLimitAllowed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "http",
		Name:      "rate_limit_allowed_total",
		Help:      "Requests allowed by rate limiting",
	}, []string{"handler"})
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
	})
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimits applies a per-caller token bucket. The bucket holds
// threshold tokens and refills over the cooloff period.
type RateLimits struct {
	mu        sync.Mutex
	limits    map[string]*limiterEntry
	enabled   bool
	threshold int
	cooloff   time.Duration
	stop      chan struct{}
}

func NewRateLimits(enabled bool, threshold int, cooloff time.Duration) *RateLimits {
	l := &RateLimits{
		limits:    make(map[string]*limiterEntry),
		enabled:   enabled,
		threshold: threshold,
		cooloff:   cooloff,
		stop:      make(chan struct{}),
	}
	if l.enabled {
		go l.clean()
	}
	return l
}

func (l *RateLimits) clean() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Minute)
			l.mu.Lock()
			for key, entry := range l.limits {
				if entry.lastSeen.Before(cutoff) {
					delete(l.limits, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (l *RateLimits) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

// Limit returns a 429 response when the caller is over budget, nil
// otherwise.
func (l *RateLimits) Limit(handlerName string, req *http.Request) *util.JSONResponse {
	if !l.enabled || l.threshold <= 0 || l.cooloff <= 0 {
		rateLimitAllowed.WithLabelValues(handlerName).Inc()
		return nil
	}
	caller := netutil.RemoteIP(req)
	if l.limiterFor(caller).Allow() {
		rateLimitAllowed.WithLabelValues(handlerName).Inc()
		return nil
	}
	rateLimitRejections.WithLabelValues(handlerName).Inc()
	return &util.JSONResponse{
		Code: http.StatusTooManyRequests,
		JSON: spec.LimitExceeded("You are sending too many requests too quickly!", l.cooloff.Milliseconds()),
	}
}

func (l *RateLimits) limiterFor(caller string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.limits[caller]
	if !ok {
		perSecond := rate.Limit(float64(l.threshold) * float64(time.Second) / float64(l.cooloff))
		entry = &limiterEntry{limiter: rate.NewLimiter(perSecond, l.threshold)}
		l.limits[caller] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

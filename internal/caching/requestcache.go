// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package caching holds the in-process caches shared by the bridge
// components: the memoized-request cache used for profile/state/event
// reads and the membership projection.
package caching

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/element-hq/matrix-appservice-bridge/api"
)

var requestCacheResults = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "caching",
		Name:      "request_cache_results_total",
		Help:      "Request cache lookups by cache name and result",
	},
	[]string{"cache", "result"},
)

var registerCachingMetrics sync.Once

func init() {
	registerCachingMetrics.Do(func() {
		prometheus.MustRegister(requestCacheResults)
	})
}

// Producer computes the value for a missing key. The full key is passed
// through so one producer can serve compound keys such as
// "roomID/eventID".
type Producer[V any] func(ctx context.Context, key string) (V, error)

type requestEntry[V any] struct {
	insertedAt time.Time
	value      V
	elem       *list.Element
}

// RequestCache memoizes the results of idempotent homeserver reads.
// Entries expire after TTL and the oldest-inserted entry is dropped when
// the cache overflows MaxSize. The cache is purely a hint: a miss always
// re-invokes the producer, and errors are never stored.
type RequestCache[V any] struct {
	name    string
	ttl     time.Duration
	maxSize int
	produce Producer[V]

	mu       sync.Mutex
	entries  map[string]*requestEntry[V]
	order    *list.List // keys, oldest at front
	inflight map[string]*api.Defer[V]
}

func NewRequestCache[V any](name string, ttl time.Duration, maxSize int, produce Producer[V]) *RequestCache[V] {
	return &RequestCache[V]{
		name:     name,
		ttl:      ttl,
		maxSize:  maxSize,
		produce:  produce,
		entries:  make(map[string]*requestEntry[V]),
		order:    list.New(),
		inflight: make(map[string]*api.Defer[V]),
	}
}

// Get returns the cached value for key, invoking the producer on a miss.
// Concurrent misses for the same key share a single producer call.
func (c *RequestCache[V]) Get(ctx context.Context, key string) (V, error) {
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		if c.ttl == 0 || time.Since(entry.insertedAt) <= c.ttl {
			value := entry.value
			c.mu.Unlock()
			requestCacheResults.WithLabelValues(c.name, "hit").Inc()
			return value, nil
		}
		c.removeLocked(key)
	}
	if pending, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		requestCacheResults.WithLabelValues(c.name, "coalesced").Inc()
		return pending.Wait(ctx)
	}
	pending := api.NewDefer[V]()
	c.inflight[key] = pending
	c.mu.Unlock()
	requestCacheResults.WithLabelValues(c.name, "miss").Inc()

	value, err := c.produce(ctx, key)

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil {
		c.insertLocked(key, value)
	}
	c.mu.Unlock()

	if err != nil {
		pending.Reject(err)
		var zero V
		return zero, err
	}
	pending.Resolve(value)
	return value, nil
}

// Peek returns the cached value without invoking the producer.
func (c *RequestCache[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || (c.ttl != 0 && time.Since(entry.insertedAt) > c.ttl) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Set stores a value directly, bypassing the producer. Intent uses this
// when a live event supersedes what the cache holds.
func (c *RequestCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(key, value)
}

// Invalidate drops a single entry.
func (c *RequestCache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Size reports the current number of live entries.
func (c *RequestCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *RequestCache[V]) insertLocked(key string, value V) {
	if existing, ok := c.entries[key]; ok {
		existing.value = value
		existing.insertedAt = time.Now()
		return
	}
	elem := c.order.PushBack(key)
	c.entries[key] = &requestEntry[V]{
		insertedAt: time.Now(),
		value:      value,
		elem:       elem,
	}
	for c.maxSize > 0 && len(c.entries) > c.maxSize {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(string))
	}
}

func (c *RequestCache[V]) removeLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	c.order.Remove(entry.elem)
	delete(c.entries, key)
}

// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"sync"
)

// Defer is a one-shot promise: resolved or rejected exactly once, waited
// on by any number of goroutines. Intent uses it to collapse concurrent
// ensure-registered and ensure-joined calls into a single homeserver
// round trip.
type Defer[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func NewDefer[T any]() *Defer[T] {
	return &Defer[T]{done: make(chan struct{})}
}

// Resolve completes the Defer with a value. Subsequent Resolve/Reject
// calls are ignored.
func (d *Defer[T]) Resolve(val T) {
	d.once.Do(func() {
		d.val = val
		close(d.done)
	})
}

// Reject completes the Defer with an error.
func (d *Defer[T]) Reject(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

// Wait blocks until the Defer completes or the context is cancelled.
func (d *Defer[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.val, d.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done returns a channel closed on completion, for select loops.
func (d *Defer[T]) Done() <-chan struct{} { return d.done }

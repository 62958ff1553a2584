// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package poolmap

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Dispatcher defers work to run after the caller's current stack frame has
// unwound. Map uses it exclusively to destroy evicted or cleared pools,
// never synchronously from within one of its own methods.
//
// Implementations are expected to run deferred functions serially, on a
// single goroutine distinct from whichever goroutine calls Defer, so that a
// pool's teardown logic never reenters the Map from the same stack that
// evicted it.
type Dispatcher interface {
	// Defer schedules fn to run once the dispatcher regains control. It
	// must not block the caller.
	Defer(fn func())
}

// NewGoroutineDispatcher returns a Dispatcher backed by a single worker
// goroutine that drains a queue of deferred functions. Call Shutdown to stop
// the worker and await any functions still in flight.
func NewGoroutineDispatcher() *GoroutineDispatcher {
	disp := &GoroutineDispatcher{
		tasks: make(chan func(), 64),
		done:  make(chan struct{}),
	}
	go disp.run()
	return disp
}

// GoroutineDispatcher is the production Dispatcher implementation used by
// mainTransport. It is the moral equivalent of a per-thread event loop: one
// goroutine, one task queue, tasks run in the order they were deferred.
type GoroutineDispatcher struct {
	tasks chan func()
	done  chan struct{}
}

var _ Dispatcher = (*GoroutineDispatcher)(nil)

func (d *GoroutineDispatcher) run() {
	defer close(d.done)
	for fn := range d.tasks {
		fn()
	}
}

// Defer implements Dispatcher.
func (d *GoroutineDispatcher) Defer(fn func()) {
	d.tasks <- fn
}

// Shutdown closes the dispatcher's queue and waits, using an errgroup so the
// wait itself is cancellable, for the worker to drain any remaining deferred
// functions and exit.
func (d *GoroutineDispatcher) Shutdown(ctx context.Context) error {
	close(d.tasks)
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		select {
		case <-d.done:
			return nil
		case <-grpCtx.Done():
			return grpCtx.Err()
		}
	})
	return grp.Wait()
}

// QueueingDispatcher is a Dispatcher that records deferred functions without
// running them, so tests can assert on queue length (per the "verifiable by
// counting dispatcher queue length" testable property) and then Flush them
// on demand, from outside any Map method call.
type QueueingDispatcher struct {
	Queue []func()
}

var _ Dispatcher = (*QueueingDispatcher)(nil)

// Defer implements Dispatcher by appending fn to the queue.
func (d *QueueingDispatcher) Defer(fn func()) {
	d.Queue = append(d.Queue, fn)
}

// Flush runs and discards every currently queued function, in order.
func (d *QueueingDispatcher) Flush() {
	queue := d.Queue
	d.Queue = nil
	for _, fn := range queue {
		fn()
	}
}

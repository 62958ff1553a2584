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

// Package poolmap provides Map, a keyed container of lazily-created,
// capacity-bounded connection pools.
//
// A Map owns zero or more pools, one per distinct key. Callers look pools
// up (and implicitly create them) with GetOrCreate; the map evicts at most
// one idle pool to make room when an optional capacity limit is reached.
// Destruction of evicted or cleared pools is always handed off to a
// Dispatcher rather than run synchronously, so that a pool's own teardown
// logic can never reenter the map mid-iteration.
//
// Map is not safe for concurrent use. Its owner makes one call at a time,
// either by confining the Map to a single goroutine or by guarding every call
// with a lock, as this library's mainTransport does with its mutex.
package poolmap

// Pool is the capability set Map requires from a managed pool. Pools are
// otherwise opaque to the map: it never inspects their contents, only
// queries liveness and forwards drain requests and callback registrations.
type Pool interface {
	// HasActiveConnections reports whether the pool currently holds any
	// traffic-bearing state. It must be cheap and side-effect-free; Map
	// may call it any number of times per eviction attempt.
	HasActiveConnections() bool

	// DrainConnections idempotently requests that the pool close idle
	// connections and finish any active ones. Map calls this at most
	// once per DrainConnections call on the map itself, per pool.
	DrainConnections()

	// AddDrainedCallback registers cb to be invoked once the pool has no
	// active or pending connections remaining. A pool may invoke cb more
	// than once only if it is idempotent to do so; Map itself never
	// deduplicates invocations across (callback, pool) pairs.
	AddDrainedCallback(cb func())

	// Close tears the pool down. Go has no destructor hook, so Close
	// stands in for the one the non-Go design this package is modeled on
	// assumes every pool has. Map calls it exactly once per pool it ever
	// owned, always from inside a Dispatcher-deferred function, never
	// synchronously from one of Map's own public methods.
	Close()
}

// Factory lazily produces a new pool for a key that Map does not yet own.
// It is invoked at most once per GetOrCreate call, and only when a new
// entry must actually be created.
type Factory[P Pool] func() (P, error)

// MapOption configures a Map constructed with New.
type MapOption interface {
	applyToMap(cfg *mapConfig)
}

type mapConfig struct {
	limit   int
	onEvict func(key any)
}

type mapOptionFunc func(cfg *mapConfig)

func (f mapOptionFunc) applyToMap(cfg *mapConfig) {
	f(cfg)
}

// WithCapacity bounds the number of pools a Map may hold at once. When the
// bound is reached, GetOrCreate attempts to evict one idle pool before
// admitting a new one; if none are idle, GetOrCreate fails. Without this
// option, a Map is unbounded.
func WithCapacity(limit int) MapOption {
	if limit <= 0 {
		panic("poolmap: capacity must be positive")
	}
	return mapOptionFunc(func(cfg *mapConfig) {
		cfg.limit = limit
	})
}

// WithEvictionHook registers a callback invoked, synchronously, with the key
// of any pool the Map evicts to satisfy its capacity bound or removes via
// RemoveIdle. It is not called for pools removed by Clear. This exists for
// callers that want to log or record eviction activity (see mainTransport's
// use for idle-timeout bookkeeping); Map itself makes no use of it.
func WithEvictionHook(onEvict func(key any)) MapOption {
	return mapOptionFunc(func(cfg *mapConfig) {
		cfg.onEvict = onEvict
	})
}

// Map is a keyed container of lazily-created pools. See the package doc
// comment for its concurrency and ownership model. The zero value is not
// usable; construct one with New.
type Map[K comparable, P Pool] struct {
	dispatcher Dispatcher
	limit      int
	onEvict    func(key any)

	entries   map[K]P
	callbacks []func()

	entered bool
}

// New creates an empty Map that defers all pool destruction to dispatcher.
// The dispatcher must outlive the Map.
func New[K comparable, P Pool](dispatcher Dispatcher, opts ...MapOption) *Map[K, P] {
	var cfg mapConfig
	for _, opt := range opts {
		opt.applyToMap(&cfg)
	}
	return &Map[K, P]{
		dispatcher: dispatcher,
		limit:      cfg.limit,
		onEvict:    cfg.onEvict,
		entries:    make(map[K]P),
	}
}

func (m *Map[K, P]) enter() func() {
	if m.entered {
		panic("poolmap: a resource should only be entered once")
	}
	m.entered = true
	return func() { m.entered = false }
}

// Size returns the number of pools currently owned by the map. Pools handed
// to the dispatcher for destruction but not yet destroyed are not counted.
func (m *Map[K, P]) Size() int {
	defer m.enter()()
	return len(m.entries)
}

// Get returns the pool currently associated with key, if any, without
// creating one. It reports false if the map holds no pool for key.
func (m *Map[K, P]) Get(key K) (P, bool) {
	defer m.enter()()

	pool, ok := m.entries[key]
	return pool, ok
}

// GetOrCreate returns the pool for key, creating one via factory if no pool
// is yet associated with key.
//
// If the map is at capacity, GetOrCreate first attempts to evict one idle
// pool (see the package doc comment); if eviction fails to free a slot, it
// returns the zero value and false without invoking factory. If factory
// returns an error, that error propagates and no entry is inserted.
func (m *Map[K, P]) GetOrCreate(key K, factory Factory[P]) (P, bool, error) {
	defer m.enter()()

	if existing, ok := m.entries[key]; ok {
		return existing, true, nil
	}

	if m.limit > 0 && len(m.entries) >= m.limit {
		if !m.evictOne() {
			var zero P
			return zero, false, nil
		}
	}

	pool, err := factory()
	if err != nil {
		var zero P
		return zero, false, err
	}

	for _, cb := range m.callbacks {
		pool.AddDrainedCallback(cb)
	}
	m.entries[key] = pool
	return pool, true, nil
}

// evictOne implements the eviction procedure of §4.1.1: find the
// first pool, in Go's native (randomized-per-iteration) map order, that
// reports no active connections, and hand it to the dispatcher for deferred
// destruction. Returns whether a slot was freed. Callers must already hold
// the reentry guard.
func (m *Map[K, P]) evictOne() bool {
	for key, pool := range m.entries {
		if pool.HasActiveConnections() {
			continue
		}
		delete(m.entries, key)
		m.dispatcher.Defer(pool.Close)
		if m.onEvict != nil {
			m.onEvict(key)
		}
		return true
	}
	return false
}

// RemoveIdle removes the pool for key, if one exists and it currently
// reports no active connections, deferring its teardown to the dispatcher
// exactly as eviction does. It reports whether a pool was removed.
//
// This is not part of the original PoolMap's operation set; it is an
// additive extension (see SPEC_FULL.md §9(c)) that applies the same
// single-pool removal rule to a caller-chosen key instead of an arbitrary
// idle entry, so that callers with their own idle-timeout policy (like this
// library's mainTransport) don't need to reach into the map's internals.
func (m *Map[K, P]) RemoveIdle(key K) bool {
	defer m.enter()()

	pool, ok := m.entries[key]
	if !ok || pool.HasActiveConnections() {
		return false
	}
	delete(m.entries, key)
	m.dispatcher.Defer(pool.Close)
	if m.onEvict != nil {
		m.onEvict(key)
	}
	return true
}

// Clear transfers ownership of every currently-held pool to the dispatcher
// for deferred destruction and empties the map. Buffered drained callbacks
// are retained: pools created after Clear still receive them. Clearing an
// empty map is a no-op.
func (m *Map[K, P]) Clear() {
	defer m.enter()()

	if len(m.entries) == 0 {
		return
	}
	for _, pool := range m.entries {
		m.dispatcher.Defer(pool.Close)
	}
	m.entries = make(map[K]P)
}

// DrainConnections invokes DrainConnections on every currently-held pool, in
// iteration order. It is a no-op on an empty map.
func (m *Map[K, P]) DrainConnections() {
	defer m.enter()()

	for _, pool := range m.entries {
		pool.DrainConnections()
	}
}

// AddDrainedCallback buffers cb and registers it on every currently-held
// pool before returning. Every pool created by a later GetOrCreate also
// receives cb. The callback is not deduplicated: it fires once per pool
// that reaches a drained state, independent of how many pools there are.
func (m *Map[K, P]) AddDrainedCallback(cb func()) {
	defer m.enter()()

	m.callbacks = append(m.callbacks, cb)
	for _, pool := range m.entries {
		pool.AddDrainedCallback(cb)
	}
}

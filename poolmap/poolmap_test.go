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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePool is a hand-written Pool fake, in the style of this module's other
// hand-written test fakes (internal/clocktest, balancer/balancertesting)
// rather than a mocking framework.
type fakePool struct {
	active    bool
	drains    int
	closes    int
	callbacks []func()

	// fireOnRegister, when set, makes AddDrainedCallback invoke cb
	// synchronously instead of buffering it, to simulate a pool whose
	// drained notification fires from within the registration call.
	fireOnRegister bool
}

func newFakePool(active bool) *fakePool {
	return &fakePool{active: active}
}

func (p *fakePool) HasActiveConnections() bool { return p.active }

func (p *fakePool) DrainConnections() { p.drains++ }

func (p *fakePool) AddDrainedCallback(cb func()) {
	if p.fireOnRegister {
		cb()
		return
	}
	p.callbacks = append(p.callbacks, cb)
}

func (p *fakePool) Close() { p.closes++ }

// fireDrained invokes every callback registered on the pool, simulating the
// pool reaching a fully drained state.
func (p *fakePool) fireDrained() {
	for _, cb := range p.callbacks {
		cb()
	}
}

func basicFactory(active bool) Factory[*fakePool] {
	return func() (*fakePool, error) {
		return newFakePool(active), nil
	}
}

func neverCalledFactory(t *testing.T) Factory[*fakePool] {
	return func() (*fakePool, error) {
		t.Fatal("factory should not have been invoked")
		return nil, nil
	}
}

func TestMapIsEmptyOnConstruction(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{})
	assert.Equal(t, 0, m.Size())
}

func TestAddingPoolsIncreasesSize(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{})

	_, ok, err := m.GetOrCreate(1, basicFactory(false))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, m.Size())

	_, ok, err = m.GetOrCreate(2, basicFactory(false))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, m.Size())
}

func TestGetOrCreateReturnsSameInstanceForSameKey(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{})

	pool1, ok, err := m.GetOrCreate(1, basicFactory(false))
	require.NoError(t, err)
	require.True(t, ok)

	pool1Again, ok, err := m.GetOrCreate(1, neverCalledFactory(t))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, pool1, pool1Again)
	assert.Equal(t, 1, m.Size())
}

func TestClearOnEmptyMapIsNoOp(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{})
	m.Clear()
	assert.Equal(t, 0, m.Size())
}

func TestClearEmptiesOutMap(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{})
	_, _, err := m.GetOrCreate(1, basicFactory(false))
	require.NoError(t, err)
	_, _, err = m.GetOrCreate(2, basicFactory(false))
	require.NoError(t, err)

	m.Clear()
	assert.Equal(t, 0, m.Size())
}

func TestClearDefersDestructionToDispatcher(t *testing.T) {
	disp := &QueueingDispatcher{}
	m := New[int, *fakePool](disp)

	pool1, _, err := m.GetOrCreate(1, basicFactory(false))
	require.NoError(t, err)
	pool2, _, err := m.GetOrCreate(2, basicFactory(false))
	require.NoError(t, err)

	m.Clear()
	require.Len(t, disp.Queue, 2)
	assert.Equal(t, 0, pool1.closes)
	assert.Equal(t, 0, pool2.closes)

	disp.Flush()
	assert.Equal(t, 1, pool1.closes)
	assert.Equal(t, 1, pool2.closes)
}

func TestClearRetainsBufferedCallbacksForFuturePools(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{})

	fired := 0
	m.AddDrainedCallback(func() { fired++ })

	m.Clear()

	pool, ok, err := m.GetOrCreate(1, basicFactory(false))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, pool.callbacks, 1)
	pool.fireDrained()
	assert.Equal(t, 1, fired)
}

func TestCallbacksFanInAfterCreation(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{})

	pool1, _, err := m.GetOrCreate(1, basicFactory(false))
	require.NoError(t, err)
	pool2, _, err := m.GetOrCreate(2, basicFactory(false))
	require.NoError(t, err)

	fired := 0
	m.AddDrainedCallback(func() { fired++ })

	pool1.fireDrained()
	pool2.fireDrained()
	assert.Equal(t, 2, fired)
}

func TestCallbacksCachedAndPassedOnCreation(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{})

	fired := 0
	m.AddDrainedCallback(func() { fired++ })

	pool1, _, err := m.GetOrCreate(1, basicFactory(false))
	require.NoError(t, err)
	pool2, _, err := m.GetOrCreate(2, basicFactory(false))
	require.NoError(t, err)

	pool1.fireDrained()
	pool2.fireDrained()
	assert.Equal(t, 2, fired)
}

func TestEmptyMapDrainConnectionsIsNoOp(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{})
	m.DrainConnections()
}

func TestDrainConnectionsForwardedToEveryPool(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{})

	pool1, _, err := m.GetOrCreate(1, basicFactory(false))
	require.NoError(t, err)
	pool2, _, err := m.GetOrCreate(2, basicFactory(false))
	require.NoError(t, err)

	m.DrainConnections()
	assert.Equal(t, 1, pool1.drains)
	assert.Equal(t, 1, pool2.drains)

	m.DrainConnections()
	assert.Equal(t, 2, pool1.drains)
	assert.Equal(t, 2, pool2.drains)
}

func TestGetOrCreateHittingLimitFails(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{}, WithCapacity(1))

	pool1, ok, err := m.GetOrCreate(1, basicFactory(false))
	require.NoError(t, err)
	require.True(t, ok)
	pool1.active = true

	_, ok, err = m.GetOrCreate(2, neverCalledFactory(t))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Size())
}

func TestGetOrCreateHittingLimitGreaterThanOneFails(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{}, WithCapacity(2))

	_, _, err := m.GetOrCreate(1, basicFactory(true))
	require.NoError(t, err)
	_, _, err = m.GetOrCreate(2, basicFactory(true))
	require.NoError(t, err)

	_, ok, err := m.GetOrCreate(3, neverCalledFactory(t))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, m.Size())
}

func TestGetOrCreateLimitHitThenOneFreesUpNextCallSucceeds(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{}, WithCapacity(1))

	pool1, _, err := m.GetOrCreate(1, basicFactory(true))
	require.NoError(t, err)
	_, ok, err := m.GetOrCreate(2, neverCalledFactory(t))
	require.NoError(t, err)
	require.False(t, ok)

	pool1.active = false

	pool2, ok, err := m.GetOrCreate(2, basicFactory(false))
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, pool2)
	assert.Equal(t, 1, m.Size())
}

func TestGetOnePoolIdleOnlyClearsThatOne(t *testing.T) {
	disp := &QueueingDispatcher{}
	m := New[int, *fakePool](disp, WithCapacity(2))

	idlePool, ok, err := m.GetOrCreate(1, basicFactory(false))
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.GetOrCreate(2, basicFactory(true))
	require.NoError(t, err)
	require.True(t, ok)

	// forces out pool 1, since it's the only idle one
	_, ok, err = m.GetOrCreate(3, basicFactory(false))
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.GetOrCreate(2, neverCalledFactory(t))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 2, m.Size())
	require.Len(t, disp.Queue, 1)
	disp.Flush()
	assert.Equal(t, 1, idlePool.closes)
}

func TestGetPoolLimitHitManyIdleOnlyOneFreed(t *testing.T) {
	disp := &QueueingDispatcher{}
	m := New[int, *fakePool](disp, WithCapacity(3))

	for key := 1; key <= 3; key++ {
		_, ok, err := m.GetOrCreate(key, basicFactory(false))
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, ok, err := m.GetOrCreate(4, basicFactory(false))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 3, m.Size())
	assert.Len(t, disp.Queue, 1)
}

func TestGetPoolFactoryErrorPropagatesWithoutInsertion(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{})

	wantErr := assert.AnError
	_, ok, err := m.GetOrCreate(1, func() (*fakePool, error) { return nil, wantErr })
	assert.ErrorIs(t, err, wantErr)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Size())
}

func TestRemoveIdleRemovesOnlyIdlePool(t *testing.T) {
	disp := &QueueingDispatcher{}
	m := New[int, *fakePool](disp)

	activePool, _, err := m.GetOrCreate(1, basicFactory(true))
	require.NoError(t, err)
	idlePool, _, err := m.GetOrCreate(2, basicFactory(false))
	require.NoError(t, err)

	assert.False(t, m.RemoveIdle(1))
	assert.Equal(t, 2, m.Size())

	assert.True(t, m.RemoveIdle(2))
	assert.Equal(t, 1, m.Size())

	disp.Flush()
	assert.Equal(t, 0, activePool.closes)
	assert.Equal(t, 1, idlePool.closes)
}

func TestRemoveIdleOnMissingKeyIsNoOp(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{})
	assert.False(t, m.RemoveIdle(42))
}

func TestEvictionHookInvokedWithKey(t *testing.T) {
	var evicted []any
	m := New[int, *fakePool](&QueueingDispatcher{}, WithCapacity(1), WithEvictionHook(func(key any) {
		evicted = append(evicted, key)
	}))

	_, _, err := m.GetOrCreate(1, basicFactory(false))
	require.NoError(t, err)
	_, _, err = m.GetOrCreate(2, basicFactory(false))
	require.NoError(t, err)

	assert.Equal(t, []any{1}, evicted)
}

func TestReentryViaClearTripsGuard(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{})

	pool, _, err := m.GetOrCreate(1, basicFactory(false))
	require.NoError(t, err)
	pool.fireOnRegister = true

	assert.Panics(t, func() {
		m.AddDrainedCallback(func() { m.Clear() })
	})
}

func TestReentryViaGetOrCreateTripsGuard(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{})

	pool, _, err := m.GetOrCreate(1, basicFactory(false))
	require.NoError(t, err)
	pool.fireOnRegister = true

	assert.Panics(t, func() {
		m.AddDrainedCallback(func() {
			_, _, _ = m.GetOrCreate(2, basicFactory(false))
		})
	})
}

func TestReentryViaDrainConnectionsTripsGuard(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{})

	pool, _, err := m.GetOrCreate(1, basicFactory(false))
	require.NoError(t, err)
	pool.fireOnRegister = true

	assert.Panics(t, func() {
		m.AddDrainedCallback(func() { m.DrainConnections() })
	})
}

func TestReentryViaAddDrainedCallbackTripsGuard(t *testing.T) {
	m := New[int, *fakePool](&QueueingDispatcher{})

	pool, _, err := m.GetOrCreate(1, basicFactory(false))
	require.NoError(t, err)
	pool.fireOnRegister = true

	assert.Panics(t, func() {
		m.AddDrainedCallback(func() { m.AddDrainedCallback(func() {}) })
	})
}

func TestWithCapacityRejectsNonPositiveLimit(t *testing.T) {
	assert.Panics(t, func() {
		WithCapacity(0)
	})
}

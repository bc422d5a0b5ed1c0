package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortPoolAcquireReleaseIsDisjointAndComplete(t *testing.T) {
	pool := NewPortPool(20000, 20004, time.Minute)
	assert.Equal(t, 5, pool.Size())

	now := time.Now()
	port, ok := pool.Acquire(now)
	require.True(t, ok)
	assert.Equal(t, 20000, port)

	free, inUse, cooling := pool.Counts()
	assert.Equal(t, 4, free)
	assert.Equal(t, 1, inUse)
	assert.Equal(t, 0, cooling)

	pool.Release(port, now)
	free, inUse, cooling = pool.Counts()
	assert.Equal(t, 4, free)
	assert.Equal(t, 0, inUse)
	assert.Equal(t, 1, cooling)
}

func TestPortPoolAcquireReturnsLowestFreePort(t *testing.T) {
	pool := NewPortPool(20000, 20002, time.Minute)
	now := time.Now()

	first, ok := pool.Acquire(now)
	require.True(t, ok)
	second, ok := pool.Acquire(now)
	require.True(t, ok)

	assert.Less(t, first, second)
}

func TestPortPoolAcquireFailsWhenExhausted(t *testing.T) {
	pool := NewPortPool(20000, 20000, time.Minute)
	now := time.Now()

	_, ok := pool.Acquire(now)
	require.True(t, ok)

	_, ok = pool.Acquire(now)
	assert.False(t, ok)
}

func TestPortPoolTickPromotesAfterCooldownElapses(t *testing.T) {
	pool := NewPortPool(20000, 20000, 30*time.Second)
	now := time.Now()

	port, ok := pool.Acquire(now)
	require.True(t, ok)
	pool.Release(port, now)

	pool.Tick(now.Add(10 * time.Second))
	_, _, cooling := pool.Counts()
	assert.Equal(t, 1, cooling, "port should still be cooling before the cooldown elapses")

	pool.Tick(now.Add(31 * time.Second))
	free, _, cooling := pool.Counts()
	assert.Equal(t, 1, free)
	assert.Equal(t, 0, cooling)
}

func TestPortPoolReleaseIsNoopForPortNotInUse(t *testing.T) {
	pool := NewPortPool(20000, 20001, time.Minute)
	pool.Release(20000, time.Now())

	free, inUse, cooling := pool.Counts()
	assert.Equal(t, 2, free)
	assert.Equal(t, 0, inUse)
	assert.Equal(t, 0, cooling)
}

func TestPortPoolExpiredReportsOnlyOverBudgetPorts(t *testing.T) {
	pool := NewPortPool(20000, 20001, time.Minute)
	now := time.Now()

	fresh, ok := pool.Acquire(now)
	require.True(t, ok)
	stale, ok := pool.Acquire(now.Add(-2 * time.Hour))
	require.True(t, ok)

	expired := pool.Expired(now, time.Hour)
	assert.ElementsMatch(t, []int{stale}, expired)
	assert.NotContains(t, expired, fresh)
}

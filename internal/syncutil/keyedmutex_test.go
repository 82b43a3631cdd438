package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_BasicLockUnlock(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "key1")
	require.NoError(t, err)
	assert.True(t, m.Held("key1"))
	unlock()
	assert.False(t, m.Held("key1"))
	assert.Empty(t, m.locks)
}

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "counter")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			// Non-atomic increment; a broken lock loses updates.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, n, atomic.LoadInt64(&counter))
	assert.Empty(t, m.locks)
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "blocked")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(ctx, "blocked")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutex_DifferentKeysNoContention(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlock1, err := m.LockContext(ctx, "alpha")
	require.NoError(t, err)
	defer unlock1()

	timeoutCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	unlock2, err := m.LockContext(timeoutCtx, "beta")
	require.NoError(t, err)
	unlock2()
}

func TestKeyedMutex_TryLock(t *testing.T) {
	m := NewKeyedMutex()

	unlock, ok := m.TryLock("swap")
	require.True(t, ok)

	_, ok = m.TryLock("swap")
	assert.False(t, ok)

	unlock()
	unlock() // second call is a no-op

	unlock, ok = m.TryLock("swap")
	require.True(t, ok)
	unlock()
}

func TestKeyedMutex_UnlockAllowsNext(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "relay")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second goroutine acquired lock before first released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine did not acquire lock after first released")
	}
}

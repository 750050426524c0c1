package slock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpinlock(t *testing.T) {
	var l Spinlock

	assert.False(t, l.IsLocked())
	require.True(t, l.TryLock())
	assert.True(t, l.IsLocked())
	assert.False(t, l.TryLock())

	l.Unlock()
	assert.False(t, l.IsLocked())

	l.Lock()
	assert.True(t, l.IsLocked())
	l.Unlock()
}

func TestSpinlockMutualExclusion(t *testing.T) {
	const (
		workers = 8
		rounds  = 10000
	)

	var l Spinlock
	var counter int

	barrier := NewBarrier(workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			barrier.Wait()

			for j := 0; j < rounds; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*rounds, counter)
}

func TestBarrier(t *testing.T) {
	const workers = 4

	barrier := NewBarrier(workers)
	var after sync.WaitGroup

	for i := 0; i < workers; i++ {
		after.Add(1)
		go func() {
			defer after.Done()
			barrier.Wait()
		}()
	}

	// If the barrier ever releases early or late this deadlocks and the
	// test times out.
	after.Wait()
}

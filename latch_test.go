package tarn

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatchSharedExclusive(t *testing.T) {
	var l Latch

	l.acquireShared()
	assert.True(t, l.tryAcquireShared())
	assert.False(t, l.tryAcquireExclusive())

	l.releaseShared()
	l.releaseShared()

	l.acquireExclusive()
	assert.False(t, l.tryAcquireShared())
	assert.False(t, l.tryAcquireExclusive())
	l.releaseExclusive()
}

func TestLatchUpgradeDowngrade(t *testing.T) {
	var l Latch

	l.acquireShared()
	require.True(t, l.tryUpgrade())
	assert.False(t, l.tryAcquireShared())

	l.downgrade()
	assert.True(t, l.tryAcquireShared())

	// Two shared holders, upgrade must fail.
	assert.False(t, l.tryUpgrade())

	l.releaseShared()
	require.True(t, l.tryUpgrade())
	l.releaseExclusive()
}

func TestLatchBlocksWriters(t *testing.T) {
	var l Latch

	l.acquireShared()

	var done int32

	go func() {
		l.acquireExclusive()
		atomic.StoreInt32(&done, 1)
		l.releaseExclusive()
	}()

	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&done))

	l.releaseShared()

	for i := 0; atomic.LoadInt32(&done) == 0 && i < 1000; i++ {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&done))
}

func TestLatchConcurrentCounter(t *testing.T) {
	var l Latch
	var counter int

	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := 0; i < 1000; i++ {
				l.acquireExclusive()
				counter++
				l.releaseExclusive()

				l.acquireShared()
				_ = counter
				l.releaseShared()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 8000, counter)
}

func TestLatchMisuse(t *testing.T) {
	var l Latch

	assert.Panics(t, func() { l.releaseShared() })
	assert.Panics(t, func() { l.releaseExclusive() })
	assert.Panics(t, func() { l.downgrade() })
}

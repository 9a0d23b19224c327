package tarn

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatcherCoalesce(t *testing.T) {
	var mu sync.Mutex
	var flushes int32

	b := NewBatcher(&mu, func() error {
		atomic.AddInt32(&flushes, 1)
		return nil
	})

	go b.Run()
	defer b.Stop()

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			bt := b.Lock()
			defer b.Unlock()

			err := b.Wait(bt)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	// Requests may coalesce, there are never more flushes than waiters.
	n := atomic.LoadInt32(&flushes)
	require.GreaterOrEqual(t, n, int32(1))
	assert.LessOrEqual(t, n, int32(10))
	assert.NoError(t, b.Err())
}

func TestBatcherStop(t *testing.T) {
	var mu sync.Mutex

	b := NewBatcher(&mu, func() error { return nil })

	done := make(chan error, 1)
	go func() { done <- b.Run() }()

	b.Stop()

	assert.ErrorIs(t, <-done, ErrClosed)
}

package tarn

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvictionPressure(t *testing.T) {
	const N = 20000

	s, _ := newTestStore(t, 0x1000, &Config{MaxCached: 64})

	var key [8]byte
	for i := 0; i < N; i++ {
		binary.BigEndian.PutUint64(key[:], uint64(i))

		require.NoError(t, s.Store(key[:], key[:]))

		if i%5000 == 4999 {
			require.NoError(t, s.Commit())
		}
	}

	require.NoError(t, s.Commit())

	rnd := rand.New(rand.NewSource(3))

	for i := 0; i < 50000; i++ {
		k := rnd.Intn(N)
		binary.BigEndian.PutUint64(key[:], uint64(k))

		v, err := s.Load(key[:])
		require.NoError(t, err)
		require.Equal(t, key[:], v, "read %d key %d", i, k)
	}

	s.cacheLatch.acquireExclusive()
	count := s.cachedCount
	s.cacheLatch.releaseExclusive()

	assert.LessOrEqual(t, count, 64)

	require.NoError(t, s.Verify())
}

func TestMarkDirtyOncePerGeneration(t *testing.T) {
	s, _ := newTestStore(t, 0x1000, nil)

	require.NoError(t, s.Store([]byte("k1"), []byte("v1")))

	id := s.root.id
	assert.NotZero(t, id)

	// Repeated dirtying within one commit generation is a no-op and
	// reserves no extra pages.
	require.NoError(t, s.Store([]byte("k2"), []byte("v2")))
	require.NoError(t, s.Store([]byte("k3"), []byte("v3")))
	assert.Equal(t, id, s.root.id)

	require.NoError(t, s.Commit())

	// A new generation moves the node to a fresh page.
	require.NoError(t, s.Store([]byte("k4"), []byte("v4")))
	assert.NotEqual(t, id, s.root.id)
}

func TestMarkDirtyExplicit(t *testing.T) {
	s, _ := newTestStore(t, 0x1000, nil)

	s.commitLock.RLock()
	defer s.commitLock.RUnlock()

	n, err := s.allocLatchedNode()
	require.NoError(t, err)
	defer n.releaseExclusive()

	n.asEmptyLeaf()

	ok, err := s.markDirty(n)
	require.NoError(t, err)
	assert.True(t, ok)

	id := n.id
	assert.NotZero(t, id)
	assert.Equal(t, s.commitState, n.cachedState)

	ok, err = s.markDirty(n)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, id, n.id)

	assert.False(t, s.shouldMarkDirty(n))
}

func TestCanEvict(t *testing.T) {
	s, _ := newTestStore(t, 0x1000, nil)

	n, err := s.allocLatchedNode()
	require.NoError(t, err)
	defer n.releaseExclusive()

	n.asEmptyLeaf()

	assert.True(t, n.canEvict())

	// Bound cursor frame pins the node.
	f := &Frame{}
	f.bind(n, 0)
	assert.False(t, n.canEvict())
	f.unbind()
	assert.True(t, n.canEvict())

	// A split in progress pins the node.
	n.split = &Split{}
	assert.False(t, n.canEvict())
	n.split = nil

	// Unevictable nodes stay.
	n.unevictable = true
	assert.False(t, n.canEvict())
	n.unevictable = false
}

func TestCacheFull(t *testing.T) {
	s, _ := newTestStore(t, 0x1000, &Config{MaxCached: 2})

	// Pin both frames with cursor frames, allocation must give up.
	n1, err := s.allocLatchedNode()
	require.NoError(t, err)

	f1 := &Frame{}
	f1.bind(n1, 0)
	n1.releaseExclusive()

	n2, err := s.allocLatchedNode()
	require.NoError(t, err)

	f2 := &Frame{}
	f2.bind(n2, 0)
	n2.releaseExclusive()

	_, err = s.allocLatchedNode()
	assert.ErrorIs(t, err, ErrCacheFull)

	// Unpin one, allocation recycles it.
	n1.acquireExclusive()
	f1.unbind()
	n1.releaseExclusive()

	n, err := s.allocLatchedNode()
	require.NoError(t, err)
	n.releaseExclusive()
}

func TestSpareBufferPool(t *testing.T) {
	s, _ := newTestStore(t, 0x200, &Config{SpareBuffers: 2})

	b1, err := s.removeSpareBuffer()
	require.NoError(t, err)
	require.Len(t, b1, 0x200)

	b2, err := s.removeSpareBuffer()
	require.NoError(t, err)

	s.addSpareBuffer(b1)
	s.addSpareBuffer(b2)

	// Buffers always return to the pool, compaction cannot exhaust it.
	for i := 0; i < 10; i++ {
		b, err := s.removeSpareBuffer()
		require.NoError(t, err)
		s.addSpareBuffer(b)
	}
}

func TestSpareBufferInterrupted(t *testing.T) {
	s, _ := newTestStore(t, 0x200, &Config{SpareBuffers: 1})

	b, err := s.removeSpareBuffer()
	require.NoError(t, err)
	_ = b

	errc := make(chan error, 1)
	go func() {
		_, err := s.removeSpareBuffer()
		errc <- err
	}()

	require.NoError(t, s.Close())

	assert.ErrorIs(t, <-errc, ErrInterrupted)
}

func TestUsedRotation(t *testing.T) {
	s, _ := newTestStore(t, 0x200, &Config{MaxCached: 4, MinCached: 4})

	s.cacheLatch.acquireExclusive()
	lru := s.leastRecentlyUsed
	s.cacheLatch.releaseExclusive()

	s.used(lru)

	s.cacheLatch.acquireExclusive()
	assert.NotEqual(t, lru, s.leastRecentlyUsed)
	assert.Equal(t, lru, s.mostRecentlyUsed)
	s.cacheLatch.releaseExclusive()
}

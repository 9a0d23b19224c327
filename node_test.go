package tarn

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeafEntryEncoding(t *testing.T) {
	for _, tc := range []struct {
		klen, vlen int
	}{
		{1, 1},
		{1, 0},
		{64, 1},   // one byte key header boundary
		{65, 1},   // two byte key header
		{64, 0},
		{65, 0},
		{200, 0},
		{1, 128},  // one byte value header boundary
		{1, 129},  // two byte value header
		{1, 1000},
		{300, 300},
	} {
		tc := tc

		t.Run(fmt.Sprintf("k%d_v%d", tc.klen, tc.vlen), func(t *testing.T) {
			key := bytes.Repeat([]byte{0x4b}, tc.klen)
			value := bytes.Repeat([]byte{0x56}, tc.vlen)

			page := make([]byte, 0x1000)
			l := calculateLeafEntryLength(key, value)

			createLeafEntry(page, key, value, 0x10)

			assert.Equal(t, l, leafEntryLength(page, 0x10))

			k, v := retrieveLeafEntryAtLoc(page, 0x10)
			assert.Equal(t, key, k)
			assert.Equal(t, value, v)

			if t.Failed() {
				t.Logf("page dump\n%v", hex.Dump(page[:0x40]))
			}
		})
	}
}

func TestLeafEntryHeaderBytes(t *testing.T) {
	page := make([]byte, 0x100)

	// Single byte header, key 1..64, value follows.
	createLeafEntry(page, []byte("k"), []byte("v"), 0)
	assert.Equal(t, byte(0x00), page[0])

	createLeafEntry(page, bytes.Repeat([]byte("k"), 64), []byte("v"), 0)
	assert.Equal(t, byte(0x3f), page[0])

	// Empty value flips the 0x40 bit.
	createLeafEntry(page, []byte("k"), nil, 0)
	assert.Equal(t, byte(0x40), page[0])

	// Two byte key header.
	createLeafEntry(page, bytes.Repeat([]byte("k"), 65), []byte("v"), 0)
	assert.Equal(t, byte(0x80), page[0])
	assert.Equal(t, byte(65), page[1])

	createLeafEntry(page, bytes.Repeat([]byte("k"), 65), nil, 0)
	assert.Equal(t, byte(0xc0), page[0])

	// Value headers.
	createLeafEntry(page, []byte("k"), bytes.Repeat([]byte("v"), 128), 0)
	assert.Equal(t, byte(127), page[2])

	createLeafEntry(page, []byte("k"), bytes.Repeat([]byte("v"), 129), 0)
	assert.Equal(t, byte(0x80), page[2])
	assert.Equal(t, byte(0), page[3])
}

func TestInternalKeyEncoding(t *testing.T) {
	sp := &Split{key: bytes.Repeat([]byte("q"), 128)}

	page := make([]byte, 0x200)

	l := sp.copySplitKeyToParent(page, 0x10)
	assert.Equal(t, sp.splitKeyEncodedLength(), l)
	assert.Equal(t, 129, l)
	assert.Equal(t, byte(127), page[0x10])
	assert.Equal(t, sp.key, retrieveInternalKeyAtLoc(page, 0x10))
	assert.Equal(t, l, internalEntryLength(page, 0x10))

	sp = &Split{key: bytes.Repeat([]byte("q"), 129)}

	l = sp.copySplitKeyToParent(page, 0x10)
	assert.Equal(t, 131, l)
	assert.Equal(t, byte(0x80), page[0x10])
	assert.Equal(t, byte(129), page[0x11])
	assert.Equal(t, sp.key, retrieveInternalKeyAtLoc(page, 0x10))
	assert.Equal(t, l, internalEntryLength(page, 0x10))
}

func TestNodeEmptyLeaf(t *testing.T) {
	n := newNode(0x200, true)

	assert.True(t, n.isLeaf())
	assert.Equal(t, 0, n.numKeys())
	assert.False(t, n.hasKeys())
	assert.Equal(t, 0, n.searchVecStart&1)

	require.NoError(t, n.verify())

	pos := n.binarySearchLeaf([]byte("any"))
	assert.Equal(t, ^0, pos)
}

func TestNodeBinarySearchLeaf(t *testing.T) {
	s, _ := newTestStore(t, 0x1000, nil)

	for _, k := range []string{"bb", "dd", "ff"} {
		require.NoError(t, s.Store([]byte(k), []byte("v"+k)))
	}

	n := s.root
	n.acquireShared()
	defer n.releaseShared()

	assert.Equal(t, 0, n.binarySearchLeaf([]byte("bb")))
	assert.Equal(t, 2, n.binarySearchLeaf([]byte("dd")))
	assert.Equal(t, 4, n.binarySearchLeaf([]byte("ff")))

	assert.Equal(t, ^0, n.binarySearchLeaf([]byte("aa")))
	assert.Equal(t, ^2, n.binarySearchLeaf([]byte("cc")))
	assert.Equal(t, ^4, n.binarySearchLeaf([]byte("ee")))
	assert.Equal(t, ^6, n.binarySearchLeaf([]byte("gg")))

	assert.Equal(t, []byte("dd"), n.retrieveLeafKey(2))
	assert.Equal(t, []byte("vdd"), n.retrieveLeafValue(2))
	assert.Equal(t, []byte("bb"), n.retrieveFirstLeafKey())
}

func TestNodeGarbageAccounting(t *testing.T) {
	s, _ := newTestStore(t, 0x200, nil)

	require.NoError(t, s.Store([]byte("k1"), bytes.Repeat([]byte("a"), 50)))
	require.NoError(t, s.Store([]byte("k2"), bytes.Repeat([]byte("b"), 50)))
	require.NoError(t, s.Verify())

	// Delete leaves the bytes as garbage.
	require.NoError(t, s.Store([]byte("k1"), nil))
	assert.NotZero(t, s.root.garbage)
	require.NoError(t, s.Verify())

	// Shrinking update leaves the remainder as garbage.
	g := s.root.garbage
	require.NoError(t, s.Store([]byte("k2"), bytes.Repeat([]byte("b"), 10)))
	assert.Greater(t, s.root.garbage, g)
	require.NoError(t, s.Verify())

	// Same length update reuses the slot.
	g = s.root.garbage
	require.NoError(t, s.Store([]byte("k2"), bytes.Repeat([]byte("c"), 10)))
	assert.Equal(t, g, s.root.garbage)
	require.NoError(t, s.Verify())
}

func TestNodeCompaction(t *testing.T) {
	s, _ := newTestStore(t, 0x200, nil)

	// Churn a single leaf so updates must compact, then check the
	// results match a store which never compacted.
	for i := 0; i < 40; i++ {
		k := []byte(fmt.Sprintf("k%d", i%4))
		v := bytes.Repeat([]byte{byte('a' + i%26)}, 20+i%60)

		require.NoError(t, s.Store(k, v))
		require.NoError(t, s.Verify())
	}

	for i := 36; i < 40; i++ {
		k := []byte(fmt.Sprintf("k%d", i%4))
		want := bytes.Repeat([]byte{byte('a' + i%26)}, 20+i%60)

		v, err := s.Load(k)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
}

func TestNodeReadCorrupt(t *testing.T) {
	s, _ := newTestStore(t, 0x200, nil)

	require.NoError(t, s.Store([]byte("k"), []byte("v")))
	require.NoError(t, s.Commit())

	id := s.root.id

	// Break the type byte.
	p := make([]byte, 0x200)
	require.NoError(t, s.readPage(id, p))
	p[0] = 7
	require.NoError(t, s.writeReservedPage(id, p))

	n := newNode(0x200, false)
	err := n.read(s, id)
	assert.ErrorIs(t, err, ErrCorrupt)

	// Break the reserved byte.
	p[0] = typeLeaf
	p[1] = 1
	require.NoError(t, s.writeReservedPage(id, p))

	err = n.read(s, id)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestVarlen(t *testing.T) {
	var buf [8]byte

	for _, x := range []int{0, 1, 0x7f, 0x80, 0x3fff, 0x4000, 1 << 20} {
		n := encodevarlen(buf[:], x)
		assert.Equal(t, varlen(x), n)

		y, m := decodevarlen(buf[:])
		assert.Equal(t, x, y)
		assert.Equal(t, n, m)
	}
}

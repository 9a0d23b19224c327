package tarn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitPageStore(t *testing.T, ps *FilePageStore, extra []byte) {
	ps.CommitLock().Lock()
	err := ps.Commit(func() ([]byte, error) { return extra, nil })
	ps.CommitLock().Unlock()

	require.NoError(t, err)
}

func TestPageStoreInit(t *testing.T) {
	b := NewMemBack(0)

	ps, err := NewFilePageStore(b, 0x200)
	require.NoError(t, err)

	assert.Equal(t, 0x200, ps.PageSize())

	extra, err := ps.ReadExtraCommitData(nil)
	require.NoError(t, err)
	assert.Len(t, extra, 0)

	// Data ids start after the two header slots.
	id, err := ps.ReservePage()
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}

func TestPageStoreReopen(t *testing.T) {
	b := NewMemBack(0)

	ps, err := NewFilePageStore(b, 0x200)
	require.NoError(t, err)

	id, err := ps.ReservePage()
	require.NoError(t, err)

	p := make([]byte, 0x200)
	copy(p, "page content")
	require.NoError(t, ps.WriteReservedPage(id, p))

	commitPageStore(t, ps, []byte("extra commit data"))

	// Page size is sniffed from the header.
	ps2, err := NewFilePageStore(b, 0)
	require.NoError(t, err)
	assert.Equal(t, 0x200, ps2.PageSize())

	extra, err := ps2.ReadExtraCommitData(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("extra commit data"), extra)

	p2 := make([]byte, 0x200)
	require.NoError(t, ps2.ReadPage(id, p2))
	assert.Equal(t, p, p2)
}

func TestPageStoreDeferredReuse(t *testing.T) {
	b := NewMemBack(0)

	ps, err := NewFilePageStore(b, 0x200)
	require.NoError(t, err)

	id, err := ps.ReservePage()
	require.NoError(t, err)

	require.NoError(t, ps.DeletePage(id))

	// Not reusable before the commit.
	id2, err := ps.ReservePage()
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)

	commitPageStore(t, ps, []byte("x"))

	// Reusable now.
	id3, err := ps.ReservePage()
	require.NoError(t, err)
	assert.Equal(t, id, id3)
}

func TestPageStoreReturnReserved(t *testing.T) {
	b := NewMemBack(0)

	ps, err := NewFilePageStore(b, 0x200)
	require.NoError(t, err)

	id, err := ps.ReservePage()
	require.NoError(t, err)

	ps.ReturnReservedPage(id)

	id2, err := ps.ReservePage()
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestPageStoreHeaderFallback(t *testing.T) {
	b := NewMemBack(0)

	ps, err := NewFilePageStore(b, 0x200)
	require.NoError(t, err)

	commitPageStore(t, ps, []byte("one"))
	commitPageStore(t, ps, []byte("two"))

	// Latest header is in the alternate slot; tearing it falls back to
	// the previous commit.
	slot := ps.commits & 1

	p := make([]byte, 0x200)
	_, err = b.ReadAt(p, slot*0x200)
	require.NoError(t, err)
	p[0x40] ^= 0xff
	_, err = b.WriteAt(p, slot*0x200)
	require.NoError(t, err)

	ps2, err := NewFilePageStore(b, 0)
	require.NoError(t, err)

	extra, err := ps2.ReadExtraCommitData(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), extra)
}

func TestPageStoreBothHeadersBroken(t *testing.T) {
	b := NewMemBack(0)

	_, err := NewFilePageStore(b, 0x200)
	require.NoError(t, err)

	p := make([]byte, 0x200)
	for slot := int64(0); slot < 2; slot++ {
		_, err = b.ReadAt(p, slot*0x200)
		require.NoError(t, err)
		p[0x40] ^= 0xff
		_, err = b.WriteAt(p, slot*0x200)
		require.NoError(t, err)
	}

	_, err = NewFilePageStore(b, 0)
	assert.ErrorIs(t, err, ErrPageChecksum)
}

func TestPageStoreBounds(t *testing.T) {
	b := NewMemBack(0)

	ps, err := NewFilePageStore(b, 0x200)
	require.NoError(t, err)

	p := make([]byte, 0x200)

	// Header slots and unallocated ids are not readable pages.
	assert.ErrorIs(t, ps.ReadPage(0, p), ErrPageBounds)
	assert.ErrorIs(t, ps.ReadPage(1, p), ErrPageBounds)
	assert.ErrorIs(t, ps.ReadPage(100, p), ErrPageBounds)
	assert.ErrorIs(t, ps.WriteReservedPage(100, p), ErrPageBounds)
}

func TestPageStoreFreelistSpillsPages(t *testing.T) {
	b := NewMemBack(0)

	ps, err := NewFilePageStore(b, 0x200)
	require.NoError(t, err)

	// More free ids than one freelist page holds.
	perPage := (0x200 - flOffIDs) / 8

	var ids []int64
	for i := 0; i < 3*perPage; i++ {
		id, err := ps.ReservePage()
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		require.NoError(t, ps.DeletePage(id))
	}

	commitPageStore(t, ps, []byte("spill"))

	ps2, err := NewFilePageStore(b, 0)
	require.NoError(t, err)

	ps2.mu.Lock()
	free := len(ps2.free)
	ps2.mu.Unlock()

	assert.GreaterOrEqual(t, free, 3*perPage)
}

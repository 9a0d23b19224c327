package tarn

import "sync"

const (
	KB = 1 << 10
	MB = 1 << 20
	GB = 1 << 30
)

type (
	// Back is a byte-addressable backend the PageStore sits on.
	Back interface {
		ReadAt(p []byte, off int64) (int, error)
		WriteAt(p []byte, off int64) (int, error)
		Size() int64
		Truncate(size int64) error
		Sync() error
		Close() error
	}

	MemBack struct {
		mu sync.RWMutex
		d  []byte
	}
)

func NewMemBack(size int64) *MemBack {
	return &MemBack{
		d: make([]byte, size),
	}
}

func (b *MemBack) ReadAt(p []byte, off int64) (int, error) {
	defer b.mu.RUnlock()
	b.mu.RLock()

	if int(off)+len(p) > len(b.d) {
		panic("out of range")
	}

	return copy(p, b.d[off:]), nil
}

func (b *MemBack) WriteAt(p []byte, off int64) (int, error) {
	defer b.mu.Unlock()
	b.mu.Lock()

	if int(off)+len(p) > len(b.d) {
		panic("out of range")
	}

	return copy(b.d[off:], p), nil
}

func (b *MemBack) Truncate(s int64) error {
	defer b.mu.Unlock()
	b.mu.Lock()

	if cap(b.d) >= int(s) {
		d := b.d[:s]
		for i := len(b.d); i < int(s); i++ {
			d[i] = 0
		}
		b.d = d
		return nil
	}

	c := make([]byte, s)
	copy(c, b.d)
	b.d = c

	return nil
}

func (b *MemBack) Size() int64 {
	defer b.mu.RUnlock()
	b.mu.RLock()

	return int64(len(b.d))
}

func (b *MemBack) Sync() error {
	return nil
}

func (b *MemBack) Close() error {
	return nil
}

// Copy snapshots the backend content. Tests use it to simulate a crash:
// reopen a store from a copy taken before Sync.
func (b *MemBack) Copy() *MemBack {
	defer b.mu.RUnlock()
	b.mu.RLock()

	d := make([]byte, len(b.d))
	copy(d, b.d)

	return &MemBack{d: d}
}

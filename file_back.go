package tarn

import (
	"os"
	"sync"
)

type (
	FileBack struct {
		mu sync.RWMutex
		f  *os.File
	}
)

var _ Back = &FileBack{}

func OpenFile(n string, flags int) (*FileBack, error) {
	if flags == 0 {
		flags = os.O_CREATE | os.O_RDWR
	}

	f, err := os.OpenFile(n, flags, 0640)
	if err != nil {
		return nil, err
	}

	return &FileBack{f: f}, nil
}

func (b *FileBack) ReadAt(p []byte, off int64) (int, error) {
	defer b.mu.RUnlock()
	b.mu.RLock()

	if tl.V("back") != nil {
		tl.Printf("back read     %5x %5x", off, len(p))
	}

	return b.f.ReadAt(p, off)
}

func (b *FileBack) WriteAt(p []byte, off int64) (int, error) {
	defer b.mu.RUnlock()
	b.mu.RLock()

	if tl.V("back") != nil {
		tl.Printf("back write    %5x %5x", off, len(p))
	}

	return b.f.WriteAt(p, off)
}

func (b *FileBack) Truncate(s int64) error {
	defer b.mu.Unlock()
	b.mu.Lock()

	if tl.V("back") != nil {
		tl.Printf("back truncate %5x", s)
	}

	return b.f.Truncate(s)
}

func (b *FileBack) Size() int64 {
	defer b.mu.RUnlock()
	b.mu.RLock()

	inf, err := b.f.Stat()
	if err != nil {
		panic(err)
	}

	return inf.Size()
}

func (b *FileBack) Sync() error {
	defer b.mu.RUnlock()
	b.mu.RLock()

	return b.f.Sync()
}

func (b *FileBack) Close() error {
	return b.f.Close()
}

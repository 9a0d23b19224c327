package tarn

import (
	"sync"
)

// Batcher coalesces concurrent commit requests: a single flush run
// satisfies every waiter that arrived before it started.
type Batcher struct {
	l      sync.Locker
	cond   sync.Cond
	batch  int
	flushc chan struct{}
	stopc  chan struct{}
	flush  func() error
	err    error
}

func NewBatcher(l sync.Locker, flush func() error) *Batcher {
	b := &Batcher{
		l:      l,
		flushc: make(chan struct{}, 1),
		stopc:  make(chan struct{}),
		flush:  flush,
	}
	b.cond.L = l
	return b
}

func (b *Batcher) Run() error {
loop:
	for {
		select {
		case <-b.stopc:
			break loop
		case <-b.flushc:
		}

		b.l.Lock()
		b.batch++
		b.l.Unlock()

		err := b.flush()

		b.l.Lock()
		b.batch++
		b.err = err
		b.cond.Broadcast()
		b.l.Unlock()

		if err != nil {
			break
		}
	}

	b.l.Lock()
	b.batch += 2
	if b.err == nil {
		b.err = ErrClosed
	}
	b.cond.Broadcast()
	b.l.Unlock()

	return b.err // we are the only routine writing it after the loop
}

func (b *Batcher) Err() error {
	defer b.l.Unlock()
	b.l.Lock()

	return b.err
}

func (b *Batcher) Lock() int {
	b.l.Lock()

	select {
	case b.flushc <- struct{}{}:
	default:
	}

	return b.batch + 1
}

func (b *Batcher) Wait(bt int) error {
	for bt >= b.batch { // wait for the batch to finish
		b.cond.Wait()
	}

	return b.err
}

func (b *Batcher) Unlock() {
	b.l.Unlock()
}

func (b *Batcher) Stop() {
	select {
	case <-b.stopc:
	default:
		close(b.stopc)
	}
}

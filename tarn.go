package tarn

import (
	"encoding/binary"
	stderrors "errors"
	"io"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/nikandfor/tlog"
	"tlog.app/go/errors"
)

const encodingVersion = 20110514

var DefaultPageSize int64 = 4 * KB

var zeros [8]byte

var tl *tlog.Logger // test logger

var ( // errors
	ErrCorrupt     = stderrors.New("corrupt node")
	ErrCacheFull   = stderrors.New("cache is full")
	ErrClosed      = stderrors.New("store is closed")
	ErrInterrupted = stderrors.New("interrupted")
	ErrLargeEntry  = stderrors.New("entry is too large")
)

type (
	Config struct {
		// MinCached frames are preallocated at open, MaxCached bounds
		// the cache population. MaxCached must be at least 2 for the
		// eviction scan to function.
		MinCached int
		MaxCached int

		// SpareBuffers is the size of the compaction scratch pool.
		// Defaults to the number of CPUs.
		SpareBuffers int

		// FlushInterval enables a background commit when nonzero.
		FlushInterval time.Duration

		// TxnLatches is the number of striped transaction latches,
		// rounded up to a power of two.
		TxnLatches int
	}

	// Store owns the node cache, the commit state and the tree root
	// over a PageStore. There is no ambient global state, independent
	// stores do not interact.
	Store struct {
		pstore PageStore

		spares chan []byte
		stopc  chan struct{}

		cacheLatch  Latch
		maxCached   int
		cachedCount int

		mostRecentlyUsed  *Node
		leastRecentlyUsed *Node

		nodeMapMu sync.Mutex
		nodeMap   map[int64]*Node

		commitLock *sync.RWMutex

		// one of cachedDirty0, cachedDirty1; guarded by the commit lock
		commitState byte

		root *Node

		txnLatches []Latch

		wmu   sync.Mutex
		batch *Batcher

		// undo log collaborators
		resolver      IndexResolver
		customHandler func(payload []byte) error
		trashHandler  func(txnID int64, payload []byte) error

		closeOnce sync.Once
		closeErr  error
	}
)

func New(ps PageStore, cfg *Config) (_ *Store, err error) {
	if cfg == nil {
		cfg = &Config{}
	}

	maxCached := cfg.MaxCached
	if maxCached == 0 {
		maxCached = 1000
	}
	if maxCached < 2 {
		// Eviction assumes the least recently used node has a valid
		// more recently used neighbor.
		return nil, errors.New("max cached node count is too small: %d", maxCached)
	}

	minCached := cfg.MinCached
	if minCached > maxCached {
		return nil, errors.New("min cached node count exceeds max: %d > %d", minCached, maxCached)
	}

	spares := cfg.SpareBuffers
	if spares == 0 {
		spares = runtime.NumCPU()
	}

	txnLatches := cfg.TxnLatches
	if txnLatches == 0 {
		txnLatches = 16
	}
	for txnLatches&(txnLatches-1) != 0 {
		txnLatches++
	}

	s := &Store{
		pstore:     ps,
		spares:     make(chan []byte, spares),
		stopc:      make(chan struct{}),
		maxCached:  maxCached,
		nodeMap:    make(map[int64]*Node),
		commitLock: ps.CommitLock(),
		txnLatches: make([]Latch, txnLatches),
	}

	for i := 0; i < spares; i++ {
		s.spares <- make([]byte, ps.PageSize())
	}

	s.commitLock.RLock()
	s.commitState = cachedDirty0
	s.commitLock.RUnlock()

	s.root, err = s.loadRoot()
	if err != nil {
		return nil, err
	}

	// Preallocated frames join the usage list clean, evicting them is
	// free.
	for i := 0; i < minCached; i++ {
		n, err := s.allocLatchedNode()
		if err != nil {
			return nil, err
		}

		n.releaseExclusive()
	}

	s.batch = NewBatcher(&s.wmu, s.commit)
	go s.batch.Run()

	if cfg.FlushInterval > 0 {
		go s.flushLoop(cfg.FlushInterval)
	}

	return s, nil
}

// loadRoot loads the root node, or creates one if the store is new.
// The root is a singleton and is never evicted.
func (s *Store) loadRoot() (*Node, error) {
	header, err := s.pstore.ReadExtraCommitData(nil)
	if err != nil {
		return nil, errors.Wrap(err, "read commit header")
	}

	if len(header) == 0 {
		// New store, start from an empty leaf.
		return newNode(s.pageSize(), true), nil
	}

	version := binary.BigEndian.Uint32(header)
	if version != encodingVersion {
		return nil, errors.Wrap(ErrCorrupt, "unknown encoding version: %d", version)
	}

	rootID := int64(binary.BigEndian.Uint64(header[4:]))

	root := newNode(s.pageSize(), false)

	err = root.read(s, rootID)
	if err != nil {
		return nil, errors.Wrap(err, "read root %x", rootID)
	}

	return root, nil
}

func (s *Store) pageSize() int {
	return s.pstore.PageSize()
}

// Root returns the tree root node, always the same instance.
func (s *Store) Root() *Node {
	return s.root
}

// Commit durably commits all changes while allowing mutations to
// proceed concurrently. Concurrent callers are coalesced into a single
// flush.
func (s *Store) Commit() error {
	select {
	case <-s.stopc:
		return ErrClosed
	default:
	}

	b := s.batch.Lock()
	defer s.batch.Unlock()

	return s.batch.Wait(b)
}

func (s *Store) flushLoop(ival time.Duration) {
	t := time.NewTicker(ival)
	defer t.Stop()

	for {
		select {
		case <-t.C:
		case <-s.stopc:
			return
		}

		err := s.Commit()
		if err != nil && tl != nil {
			tl.Printf("background commit: %v", err)
		}
	}
}

// Close stops the background machinery and closes the page store.
// Uncommitted changes are lost, as they would be in a crash.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopc)
		s.batch.Stop()

		s.closeErr = s.pstore.Close()
	})

	return s.closeErr
}

// Verify walks every reachable node checking the invariants of the
// slotted page format.
func (s *Store) Verify() error {
	s.root.acquireShared()
	defer s.root.releaseShared()

	return s.verifyTree(s.root)
}

func (s *Store) verifyTree(n *Node) (err error) {
	err = n.verify()
	if err != nil {
		return errors.Wrap(err, "node %x", n.id)
	}

	if n.isLeaf() {
		return nil
	}

	for i := 0; i <= n.numKeys(); i++ {
		childID := n.retrieveChildRefIDFromIndex(i)

		child := n.childNodes[i]
		if child != nil && child.id == childID {
			child.acquireShared()
			if child.id == childID {
				err = s.verifyTree(child)
			}
			child.releaseShared()

			if err != nil {
				return err
			}

			continue
		}

		child = newNode(s.pageSize(), false)

		err = child.read(s, childID)
		if err != nil {
			return errors.Wrap(err, "read child %x", childID)
		}

		err = s.verifyTree(child)
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) latchForTxn(txnID int64) *Latch {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(txnID))

	return &s.txnLatches[int(hash64(buf[:]))&(len(s.txnLatches)-1)]
}

func InitTestLogger(t testing.TB, v string, tostderr bool) *tlog.Logger {
	var w io.Writer
	if tostderr {
		w = os.Stderr
	}

	tl = tlog.NewTestLogger(t, v, w)
	return tl
}

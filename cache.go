package tarn

import (
	"tlog.app/go/errors"
)

// allocLatchedNode returns a new or recycled frame, latched exclusively,
// with an id of zero and a clean state. The scan over eviction
// candidates is bounded; it is retried once before giving up with
// ErrCacheFull.
func (s *Store) allocLatchedNode() (n *Node, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		n, err = s.allocLatchedNode1()
		if n != nil || err != nil {
			return n, err
		}
	}

	return nil, ErrCacheFull
}

func (s *Store) allocLatchedNode1() (_ *Node, err error) {
	defer s.cacheLatch.releaseExclusive()
	s.cacheLatch.acquireExclusive()

	max := s.maxCached

	if s.cachedCount < max {
		n := newNode(s.pageSize(), false)
		n.acquireExclusive()

		s.cachedCount++
		if n.lessUsed = s.mostRecentlyUsed; n.lessUsed == nil {
			s.leastRecentlyUsed = n
		} else {
			s.mostRecentlyUsed.moreUsed = n
		}
		s.mostRecentlyUsed = n

		return n, nil
	}

	for ; max > 0; max-- {
		n := s.leastRecentlyUsed

		// Move to most recently used, so failed candidates get time
		// before they are scanned again.
		s.leastRecentlyUsed = n.moreUsed
		n.moreUsed.lessUsed = nil
		n.moreUsed = nil
		n.lessUsed = s.mostRecentlyUsed
		s.mostRecentlyUsed.moreUsed = n
		s.mostRecentlyUsed = n

		if !n.tryAcquireExclusive() {
			continue
		}

		var ok bool
		ok, err = s.evict(n)
		if err != nil {
			n.releaseExclusive()
			return nil, err
		}

		if ok {
			// Return with the latch still held.
			return n, nil
		}

		n.releaseExclusive()
	}

	return nil, nil
}

// newNodeForSplit returns a new reserved node, latched exclusively and
// marked dirty. Caller must hold the shared commit lock.
func (s *Store) newNodeForSplit() (*Node, error) {
	n, err := s.allocLatchedNode()
	if err != nil {
		return nil, err
	}

	id, err := s.pstore.ReservePage()
	if err != nil {
		n.releaseExclusive()
		return nil, err
	}

	n.id = id
	n.cachedState = s.commitState

	return n, nil
}

// evict writes the node back if dirty and strips its identity. Caller
// must hold the exclusive latch on the node; it is not released here.
func (s *Store) evict(n *Node) (bool, error) {
	if !n.canEvict() {
		return false, nil
	}

	if n.cachedState != cachedClean {
		// No commit lock here: the caller may already hold it shared,
		// and re-entering would deadlock against a waiting commit. The
		// node latch orders this write against the flush: a node the
		// BFS skips over was either written here first or is still
		// latched until it is.
		err := n.write(s)
		if err != nil {
			return false, err
		}

		n.cachedState = cachedClean
	}

	if tl.V("evict") != nil {
		tl.Printf("evict %4x", n.id)
	}

	if n.typ == typeUndoLog {
		s.nodeMapRemove(n.id)
	}

	n.id = 0

	for i := range n.childNodes {
		n.childNodes[i] = nil
	}
	n.childNodes = n.childNodes[:0]

	return true, nil
}

// shouldMarkDirty tells whether markDirty would do anything. Caller
// must hold the commit lock and any latch on the node.
func (s *Store) shouldMarkDirty(n *Node) bool {
	return n.cachedState != s.commitState
}

// markDirty transitions the node to the current commit generation,
// assigning it a fresh page id. It does nothing if the node is already
// dirty under this generation. Caller must hold the shared commit lock
// and the exclusive latch on the node; the latch is kept held even on
// error.
func (s *Store) markDirty(n *Node) (bool, error) {
	state := n.cachedState
	if state == s.commitState {
		return false, nil
	}

	oldID := n.id

	newID, err := s.pstore.ReservePage()
	if err != nil {
		return false, err
	}

	if oldID != 0 {
		err = s.pstore.DeletePage(oldID)
		if err != nil {
			s.pstore.ReturnReservedPage(newID)
			return false, err
		}
	}

	if state != cachedClean {
		// Dirty under the other generation: that snapshot still needs
		// the content under the old id.
		err = n.write(s)
		if err != nil {
			s.pstore.ReturnReservedPage(newID)
			return false, err
		}
	}

	if tl.V("dirty") != nil {
		tl.Printf("dirty %4x <- %4x  state %d", newID, oldID, s.commitState)
	}

	n.id = newID
	n.cachedState = s.commitState

	return true, nil
}

// used hints that the node is most recently used. The cache latch is
// only tried, never waited on: eviction is a best-guess affair and a
// popular node will get another chance.
func (s *Store) used(n *Node) {
	if !s.cacheLatch.tryAcquireExclusive() {
		return
	}

	if moreUsed := n.moreUsed; moreUsed != nil {
		lessUsed := n.lessUsed
		if moreUsed.lessUsed = lessUsed; lessUsed == nil {
			s.leastRecentlyUsed = moreUsed
		} else {
			lessUsed.moreUsed = moreUsed
		}
		n.moreUsed = nil
		n.lessUsed = s.mostRecentlyUsed
		s.mostRecentlyUsed.moreUsed = n
		s.mostRecentlyUsed = n
	}

	s.cacheLatch.releaseExclusive()
}

func (s *Store) removeSpareBuffer() ([]byte, error) {
	select {
	case b := <-s.spares:
		return b, nil
	case <-s.stopc:
		return nil, ErrInterrupted
	}
}

func (s *Store) addSpareBuffer(b []byte) {
	// The pool is sized to hold every buffer, the send cannot block.
	s.spares <- b
}

func (s *Store) readPage(id int64, buf []byte) error {
	return s.pstore.ReadPage(id, buf)
}

func (s *Store) writeReservedPage(id int64, buf []byte) error {
	return s.pstore.WriteReservedPage(id, buf)
}

// The node map tracks undo log chain nodes by id, so a chain can drop
// its tail frames to the evictor and reload them during rollback.

func (s *Store) nodeMapPut(n *Node) {
	s.nodeMapMu.Lock()
	s.nodeMap[n.id] = n
	s.nodeMapMu.Unlock()
}

func (s *Store) nodeMapGetAndRemove(id int64) *Node {
	s.nodeMapMu.Lock()
	n := s.nodeMap[id]
	delete(s.nodeMap, id)
	s.nodeMapMu.Unlock()

	return n
}

func (s *Store) nodeMapRemove(id int64) {
	s.nodeMapMu.Lock()
	delete(s.nodeMap, id)
	s.nodeMapMu.Unlock()
}

// readUndoLogNode loads an undo page into a fresh unevictable frame,
// returned latched.
func (s *Store) readUndoLogNode(id int64) (*Node, error) {
	n, err := s.allocLatchedNode()
	if err != nil {
		return nil, err
	}

	err = n.read(s, id)
	if err == nil && n.typ != typeUndoLog {
		err = errors.Wrap(ErrCorrupt, "not an undo log node type: %x, id: %x", n.typ, id)
	}
	if err != nil {
		n.id = 0
		n.releaseExclusive()
		return nil, err
	}

	n.unevictable = true

	return n, nil
}

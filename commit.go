package tarn

import (
	"encoding/binary"
)

// commit durably commits all tree changes as of a single instant,
// without stopping concurrent mutations. Only the batcher goroutine
// runs it.
func (s *Store) commit() error {
	root := s.root

	// Quick check.
	root.acquireShared()
	clean := root.cachedState == cachedClean
	root.releaseShared()

	if clean {
		return nil
	}

	// Commit lock must be acquired first, to prevent deadlock.
	s.commitLock.Lock()
	root.acquireExclusive()

	if root.cachedState == cachedClean {
		root.releaseExclusive()
		s.commitLock.Unlock()
		return nil
	}

	if tl.V("commit") != nil {
		tl.Printf("commit  root %4x  state %d", root.id, root.cachedState)
	}

	return s.pstore.Commit(func() ([]byte, error) {
		return s.flush(root)
	})
}

// flush is invoked with the exclusive commit lock and the root write
// latch held. It flips the commit generation, releases the commit lock
// so mutations resume under the new generation, then collects and
// writes every node dirty under the old one.
func (s *Store) flush(root *Node) (_ []byte, err error) {
	rootID := root.id
	stateToFlush := s.commitState
	s.commitState = cachedDirty0 + ((stateToFlush - cachedDirty0) ^ 1)
	s.commitLock.Unlock()

	// Breadth-first traversal collecting dirty nodes. A child belongs
	// to the snapshot iff the parent still points to the same id and
	// the child carries the flushed generation; the parent's shared
	// latch is held while checking so concurrent reloading cannot
	// change the identity.
	dirty := []*Node{root}

	for mi := 0; mi < len(dirty); mi++ {
		node := dirty[mi]

		if node.isLeaf() {
			node.releaseExclusive()
			continue
		}

		// Allow reads that do not load children into the node.
		node.downgrade()

		for ci, childNode := range node.childNodes {
			if childNode == nil {
				continue
			}

			childID := node.retrieveChildRefIDFromIndex(ci)
			if childID != childNode.id {
				continue
			}

			childNode.acquireExclusive()
			if childID == childNode.id && childNode.cachedState == stateToFlush {
				dirty = append(dirty, childNode)
			} else {
				childNode.releaseExclusive()
			}
		}

		node.releaseShared()
	}

	if tl.V("flush") != nil {
		tl.Printf("flush state %d  %d nodes  root %4x", stateToFlush, len(dirty), rootID)
	}

	// Sweep through the collected nodes. Scanning the tree itself here
	// instead would race with concurrent mutations.
	for mi := 0; mi < len(dirty); mi++ {
		node := dirty[mi]
		dirty[mi] = nil

		node.acquireExclusive()

		if node.cachedState != stateToFlush {
			// Dirtied again during the flush, the next commit owns it.
			node.releaseExclusive()
			continue
		}

		node.cachedState = cachedClean
		node.downgrade()

		err = node.write(s)
		node.releaseShared()

		if err != nil {
			return nil, err
		}
	}

	header := make([]byte, 12)
	binary.BigEndian.PutUint32(header, encodingVersion)
	binary.BigEndian.PutUint64(header[4:], uint64(rootID))

	return header, nil
}

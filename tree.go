package tarn

import (
	"tlog.app/go/errors"
)

// Load returns a copy of the value mapped to key, or nil if the key is
// absent.
func (s *Store) Load(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("key is empty")
	}

	root := s.root
	root.acquireShared()

	// Root splits are always completed before the root latch is
	// released, no need to check for one here.
	if root.isLeaf() {
		return root.subSearchLeaf(key), nil
	}

	return s.subSearch(root, nil, key, false)
}

// subSearchLeaf finishes a search in a leaf with the shared latch held.
// The latch is released by the time it returns.
func (n *Node) subSearchLeaf(key []byte) []byte {
	pos := n.binarySearchLeaf(key)
	if pos < 0 {
		n.releaseShared()
		return nil
	}

	value := n.retrieveLeafValue(pos)
	n.releaseShared()

	return value
}

// subSearch continues a search into an internal node with a shared (or
// exclusive) latch held. Latches are released by the time it returns.
// parentLatch is the shared latch held on the parent, nil for the root
// or when the exclusive latch is held on this node.
func (s *Store) subSearch(node *Node, parentLatch *Latch, key []byte, exclusiveHeld bool) (_ []byte, err error) {
	// The caller invokes used for this node. The root is not managed
	// in the usage list, it cannot be evicted.

	var childPos int
	var childID int64

loop:
	for {
		childPos = internalPos(node.binarySearchInternal(key))

		childNode := node.childNodes[childPos>>1]
		childID = node.retrieveChildRefID(childPos)

		if childNode != nil && childID == childNode.id {
			childNode.acquireShared()

			// Check again in case evict snuck in.
			if childID != childNode.id {
				childNode.releaseShared()
			} else {
				if !exclusiveHeld && parentLatch != nil {
					parentLatch.releaseShared()
				}

				if childNode.split != nil {
					childNode = childNode.split.selectNodeShared(childNode, key)
				}

				if childNode.isLeaf() {
					node.release(exclusiveHeld)
					s.used(childNode)
					return childNode.subSearchLeaf(key), nil
				}

				// Keep the latch on this node, in case the sub search
				// needs to upgrade its shared latch.
				if exclusiveHeld {
					node.downgrade()
				}

				s.used(childNode)
				return s.subSearch(childNode, &node.Latch, key, false)
			}
		}

		// Child needs to be loaded.

		if exclusiveHeld = node.tryUpgradeKeepingParent(parentLatch, exclusiveHeld); exclusiveHeld {
			// Upgraded, break out to load the child.
			parentLatch = nil
			break loop
		}

		// Release the shared latch, re-acquire exclusively, start over.

		node.releaseShared()
		node.acquireExclusive()
		exclusiveHeld = true

		if parentLatch != nil {
			parentLatch.releaseShared()
			parentLatch = nil
		}

		if node.split != nil {
			// Node might have split while the latch was not held.
			node = node.split.selectNodeExclusive(node, key)
		}

		if node == s.root && node.isLeaf() {
			// A delete slipped in while the latch was released and the
			// root is a leaf now.
			node.downgrade()
			return node.subSearchLeaf(key), nil
		}
	}

	// Exclusive latch is held here and the child must be loaded. The
	// parent latch has been released.

	childNode, err := s.allocLatchedNode()
	if err != nil {
		node.releaseExclusive()
		return nil, err
	}

	childNode.id = childID
	node.childNodes[childPos>>1] = childNode

	// Release the parent before the child is loaded. Other threads
	// wanting the same child block on its latch until the load is done.
	node.releaseExclusive()

	err = childNode.read(s, childID)
	if err != nil {
		// Others will see the zero id, assume an eviction and reload.
		childNode.id = 0
		childNode.releaseExclusive()
		return nil, err
	}

	if childNode.isLeaf() {
		childNode.downgrade()
		return childNode.subSearchLeaf(key), nil
	}

	// Keep the exclusive latch on an internal child, it will most
	// likely need to load its own children to continue.
	return s.subSearch(childNode, nil, key, true)
}

// tryUpgradeKeepingParent upgrades to the exclusive latch without
// blocking. On success the parent latch is released; on failure no
// latch state changed.
func (n *Node) tryUpgradeKeepingParent(parentLatch *Latch, exclusiveHeld bool) bool {
	if exclusiveHeld {
		return true
	}

	if n.tryUpgrade() {
		if parentLatch != nil {
			parentLatch.releaseShared()
		}
		return true
	}

	return false
}

// Store maps key to value. A nil value deletes the key; a zero-length
// value is stored as an empty value.
func (s *Store) Store(key, value []byte) (err error) {
	if len(key) == 0 {
		return errors.New("key is empty")
	}
	if len(key) > 16383 || len(value) > 32896 {
		return ErrLargeEntry
	}
	if headerSize+2+calculateLeafEntryLength(key, value) > s.pageSize() {
		return ErrLargeEntry
	}

	// Mutations hold the shared commit lock, dirtying pages under the
	// current generation.
	s.commitLock.RLock()
	defer s.commitLock.RUnlock()

	root := s.root
	root.acquireExclusive()

	_, err = s.markDirty(root)
	if err != nil {
		root.releaseExclusive()
		return err
	}

	err = s.subStore(root, key, value)

	if err == nil && root.split != nil {
		err = root.finishSplitRoot(s)
	}

	root.releaseExclusive()

	return err
}

// Delete removes the key. It is a shorthand for storing a nil value.
func (s *Store) Delete(key []byte) error {
	return s.Store(key, nil)
}

// subStore descends with exclusive latches, dirtying the path. The
// node is latched and dirty on entry and stays latched on return; a
// child split is adopted into the node before returning, so only the
// node's own split can remain for the caller.
func (s *Store) subStore(node *Node, key, value []byte) (err error) {
	if node.isLeaf() {
		pos := node.binarySearchLeaf(key)

		switch {
		case value == nil:
			if pos >= 0 {
				node.deleteLeafEntry(pos)
			}
		case pos >= 0:
			err = node.updateLeafValue(s, pos, key, value)
		default:
			err = node.insertLeafEntry(s, ^pos, key, value)
		}

		return err
	}

	childPos := internalPos(node.binarySearchInternal(key))
	childID := node.retrieveChildRefID(childPos)

	childNode := node.childNodes[childPos>>1]
	if childNode != nil && childID == childNode.id {
		childNode.acquireExclusive()

		if childID != childNode.id {
			// Evict snuck in.
			childNode.releaseExclusive()
			childNode = nil
		}
	} else {
		childNode = nil
	}

	if childNode == nil {
		childNode, err = s.allocLatchedNode()
		if err != nil {
			return err
		}

		childNode.id = childID
		node.childNodes[childPos>>1] = childNode

		err = childNode.read(s, childID)
		if err != nil {
			childNode.id = 0
			childNode.releaseExclusive()
			return err
		}
	}

	if childNode.split != nil {
		// Splits are adopted before the parent latch is released, and
		// the parent latch is held the whole time here.
		panic("unexpected split in progress")
	}

	if _, err = s.markDirty(childNode); err != nil {
		childNode.releaseExclusive()
		return err
	}

	// The parent is already dirty, the new child id goes right in.
	node.updateChildRefID(childPos, childNode.id)

	s.used(childNode)

	err = s.subStore(childNode, key, value)
	if err != nil {
		childNode.releaseExclusive()
		return err
	}

	if childNode.split != nil {
		// Releases both child latches.
		return node.insertSplitChildRef(s, childPos, childNode)
	}

	childNode.releaseExclusive()

	return nil
}

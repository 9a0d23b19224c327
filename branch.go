package tarn

import (
	"encoding/binary"
)

// inSplitResult carries what is needed to finish an internal insert
// after a compaction or split moved the target page.
type inSplitResult struct {
	page        []byte
	keyPos      int
	newChildPos int
	entryLoc    int
}

// insertSplitChildRef inserts the split key of a split child into this
// internal node and grows the child id array. Both latches must be held
// exclusively; the child latches are released before returning.
func (n *Node) insertSplitChildRef(s *Store, keyPos int, splitChild *Node) (err error) {
	if s.shouldMarkDirty(splitChild) {
		// It should be dirty as a result of the split itself.
		panic("split child is not already marked dirty")
	}

	split := splitChild.split
	newChild := splitChild.rebindSplitFrames(split)
	splitChild.split = nil

	var rightChild *Node
	newChildPos := keyPos >> 1
	if split.right {
		rightChild = newChild
		newChildPos++
	} else {
		rightChild = splitChild
	}

	// Positions of frames higher than the split key move right.
	for frame := n.lastFrame; frame != nil; frame = frame.prevCousin {
		if frame.pos > keyPos {
			frame.pos += 2
		}
	}

	// Frames at the split key position belong to the split pair. Only
	// those on the right half move.
	for childFrame := rightChild.lastFrame; childFrame != nil; childFrame = childFrame.prevCousin {
		frame := childFrame.parent
		if frame.node != n {
			panic("invalid cursor frame parent")
		}
		frame.pos += 2
	}

	// Update references to child node instances.
	{
		newChildNodes := make([]*Node, len(n.childNodes)+1)
		copy(newChildNodes, n.childNodes[:newChildPos])
		copy(newChildNodes[newChildPos+1:], n.childNodes[newChildPos:])
		newChildNodes[newChildPos] = newChild
		n.childNodes = newChildNodes

		// Rescale for long ids as encoded in the page.
		newChildPos <<= 3
	}

	searchVecStart := n.searchVecStart
	searchVecEnd := n.searchVecEnd

	leftSpace := searchVecStart - n.leftSegTail
	rightSpace := n.rightSegTail - searchVecEnd -
		(searchVecEnd-searchVecStart)<<2 - 17

	encodedLen := split.splitKeyEncodedLength()

	page := n.page

	var entryLoc int

	// Make room for one vector entry (2 bytes) and one child id
	// (8 bytes), choosing the shifts which minimize movement.
	if newChildPos < (3*(searchVecEnd-searchVecStart+2)+keyPos+8)>>1 {
		// Shift search vector left by 10, child ids left by 8.
		if leftSpace >= 10 {
			if entryLoc = n.allocPageEntry(encodedLen, leftSpace-10, rightSpace); entryLoc >= 0 {
				copy(page[searchVecStart-10:], page[searchVecStart:searchVecStart+keyPos])
				copy(page[searchVecStart+keyPos-8:],
					page[searchVecStart+keyPos:searchVecStart+keyPos+(searchVecEnd-searchVecStart+2-keyPos+newChildPos)])

				searchVecStart -= 10
				n.searchVecStart = searchVecStart
				keyPos += searchVecStart
				searchVecEnd -= 8
				n.searchVecEnd = searchVecEnd
				newChildPos += searchVecEnd + 2

				goto fin
			}
		}
	} else {
		// Shift search vector left by 2, child ids right by 8.
		if leftSpace >= 2 && rightSpace >= 8 {
			if entryLoc = n.allocPageEntry(encodedLen, leftSpace-2, rightSpace-8); entryLoc >= 0 {
				copy(page[searchVecStart-2:], page[searchVecStart:searchVecStart+keyPos])
				searchVecStart -= 2
				n.searchVecStart = searchVecStart
				keyPos += searchVecStart

				copy(page[searchVecEnd+newChildPos+10:],
					page[searchVecEnd+newChildPos+2:searchVecEnd+newChildPos+2+(searchVecEnd-searchVecStart)<<2+8-newChildPos])
				newChildPos += searchVecEnd + 2

				goto fin
			}
		}
	}

	{
		// Remaining space surrounding search vector after the insert.
		remaining := leftSpace + rightSpace - encodedLen - 10

		if n.garbage > remaining {
			// Full compaction frees the garbage, or the node splits.
			var result inSplitResult

			if n.garbage+remaining >= 0 {
				result, err = n.compactInternal(s, encodedLen, keyPos, newChildPos)
			} else {
				result, err = n.splitInternal(s, keyPos, newChildPos, encodedLen)
			}
			if err != nil {
				return err
			}

			page = result.page
			keyPos = result.keyPos
			newChildPos = result.newChildPos
			entryLoc = result.entryLoc

			goto fin
		}

		vecLen := searchVecEnd - searchVecStart + 2
		childIDsLen := vecLen<<2 + 8
		var newSearchVecStart int

		switch {
		case remaining > 0 || n.rightSegTail&1 != 0:
			// Re-center search vector, biased to the right, even-aligned.
			newSearchVecStart = (n.rightSegTail - vecLen - childIDsLen - 9 - remaining>>1) &^ 1

			entryLoc = n.leftSegTail
			n.leftSegTail = entryLoc + encodedLen
		case n.leftSegTail&1 == 0:
			// Move search vector left, keeping even alignment.
			newSearchVecStart = n.leftSegTail + (remaining>>1)&^1

			entryLoc = n.rightSegTail - encodedLen + 1
			n.rightSegTail = entryLoc - 1
		default:
			// Search vector is misaligned, full compaction fixes that.
			var result inSplitResult

			result, err = n.compactInternal(s, encodedLen, keyPos, newChildPos)
			if err != nil {
				return err
			}

			page = result.page
			keyPos = result.keyPos
			newChildPos = result.newChildPos
			entryLoc = result.entryLoc

			goto fin
		}

		newSearchVecEnd := newSearchVecStart + vecLen

		arrayCopies3(page,
			// search vector up to the new key position
			searchVecStart, newSearchVecStart, keyPos,
			// the rest of the vector and child ids up to the new child slot
			searchVecStart+keyPos, newSearchVecStart+keyPos+2, vecLen-keyPos+newChildPos,
			// child ids after the new child slot
			searchVecEnd+2+newChildPos, newSearchVecEnd+10+newChildPos, childIDsLen-newChildPos)

		keyPos += newSearchVecStart
		newChildPos += newSearchVecEnd + 2
		n.searchVecStart = newSearchVecStart
		n.searchVecEnd = newSearchVecEnd
	}

fin:
	// Write the vector pointer, the new child id, and the key entry.
	binary.BigEndian.PutUint16(page[keyPos:], uint16(entryLoc))
	binary.BigEndian.PutUint64(page[newChildPos:], uint64(newChild.id))
	split.copySplitKeyToParent(page, entryLoc)

	splitChild.releaseExclusive()
	newChild.releaseExclusive()

	return nil
}

// rebindSplitFrames moves cursor frames affected by the split to the
// correct node and position. Caller must hold the exclusive latch.
// Returns the sibling, latched.
func (n *Node) rebindSplitFrames(split *Split) *Node {
	sibling := split.latchSibling()

	for frame := n.lastFrame; frame != nil; {
		// The links change during rebinding, capture prev first.
		prev := frame.prevCousin
		split.rebindFrame(frame, sibling)
		frame = prev
	}

	return sibling
}

// splitInternal splits this internal node around a new key and child,
// guessing the receiving side from the key position and redoing on the
// other side when the guess is wrong.
func (n *Node) splitInternal(s *Store, keyPos, newChildPos, encodedLen int) (result inSplitResult, err error) {
	if n.split != nil {
		panic("node is already split")
	}

	page := n.page

	newNode, err := s.newNodeForSplit()
	if err != nil {
		return result, err
	}

	newNode.typ = typeInternal
	newNode.garbage = 0

	newPage := newNode.page
	result.page = newPage

	searchVecStart := n.searchVecStart
	searchVecEnd := n.searchVecEnd
	keyLoc := keyPos + searchVecStart

	var garbageAccum, newKeyLoc int

	// -2: left, -1: guess left, +1: guess right, +2: right
	splitSide := 1
	if keyPos < searchVecEnd-searchVecStart-keyPos {
		splitSide = -1
	}

	var split *Split

doSplit:
	for {
		garbageAccum = 0
		newKeyLoc = 0

		// Bytes used in the unsplit node, including the page header.
		size := 5*(searchVecEnd-searchVecStart) + (1 + 8 + 8) +
			n.leftSegTail + len(page) - n.rightSegTail - n.garbage

		newSize := headerSize

		// There is always one more child id than there are keys.
		size -= 8
		newSize += 8

		if splitSide < 0 {
			// Split into new left node.

			destLoc := len(newPage)
			newSearchVecLoc := headerSize

			searchVecLoc := searchVecStart
			for {
				if searchVecLoc == keyLoc {
					newKeyLoc = newSearchVecLoc
					newSearchVecLoc += 2
					newSize += encodedLen + (2 + 8)
				}

				entryLoc := int(binary.BigEndian.Uint16(page[searchVecLoc:]))
				entryLen := internalEntryLength(page, entryLoc)

				searchVecLoc += 2

				sizeChange := entryLen + (2 + 8)
				size -= sizeChange
				garbageAccum += entryLen

				newSize += sizeChange
				if newSize > size {
					// Enough entries moved and the split key found.

					if newKeyLoc != 0 {
						// The stopping entry is promoted to the parent.
						split = &Split{sibling: newNode, key: retrieveInternalKeyAtLoc(page, entryLoc)}
						break
					}

					if splitSide == -1 {
						// Guessed wrong, do over on the right side.
						splitSide = 2
						continue doSplit
					}

					// Keep searching this side for the new entry location.
					if splitSide != -2 {
						panic("split state")
					}
				}

				destLoc -= entryLen
				copy(newPage[destLoc:], page[entryLoc:entryLoc+entryLen])
				binary.BigEndian.PutUint16(newPage[newSearchVecLoc:], uint16(destLoc))
				newSearchVecLoc += 2
			}

			result.entryLoc = destLoc - encodedLen

			// Copy existing child ids and insert the new one.
			{
				copy(newPage[newSearchVecLoc:], page[searchVecEnd+2:searchVecEnd+2+newChildPos])

				// Leave a gap for the new child id, set by the caller.
				result.newChildPos = newSearchVecLoc + newChildPos

				tailChildIDsLen := (searchVecLoc-searchVecStart)<<2 - newChildPos
				copy(newPage[newSearchVecLoc+newChildPos+8:],
					page[searchVecEnd+2+newChildPos:searchVecEnd+2+newChildPos+tailChildIDsLen])

				// Split the resident child references. The new child
				// was placed by the caller already.
				leftLen := (newSearchVecLoc-headerSize)>>1 + 1
				leftChildNodes := make([]*Node, leftLen)
				rightChildNodes := make([]*Node, len(n.childNodes)-leftLen)
				copy(leftChildNodes, n.childNodes[:leftLen])
				copy(rightChildNodes, n.childNodes[leftLen:])
				newNode.childNodes = leftChildNodes
				n.childNodes = rightChildNodes
			}

			newNode.leftSegTail = headerSize
			newNode.rightSegTail = destLoc - encodedLen - 1
			newNode.searchVecStart = headerSize
			newNode.searchVecEnd = newSearchVecLoc - 2

			// Prune off the left end by shifting the vector toward the
			// child ids.
			shift := (searchVecLoc - searchVecStart) << 2
			l := searchVecEnd - searchVecLoc + 2
			n.searchVecStart = searchVecLoc + shift
			copy(page[searchVecLoc+shift:searchVecLoc+shift+l], page[searchVecLoc:])
			n.searchVecEnd = searchVecEnd + shift
		} else {
			// Split into new right node.

			// Copy the keys first; shift afterwards to make room for
			// child ids.

			destLoc := headerSize
			newSearchVecLoc := len(newPage)

			searchVecLoc := searchVecEnd + 2
			for {
				if searchVecLoc == keyLoc {
					newSearchVecLoc -= 2
					newKeyLoc = newSearchVecLoc
					newSize += encodedLen + (2 + 8)
				}

				searchVecLoc -= 2

				entryLoc := int(binary.BigEndian.Uint16(page[searchVecLoc:]))
				entryLen := internalEntryLength(page, entryLoc)

				sizeChange := entryLen + (2 + 8)
				size -= sizeChange
				garbageAccum += entryLen

				newSize += sizeChange
				if newSize > size {
					// Enough entries moved and the split key found.

					if newKeyLoc != 0 {
						// The stopping entry is promoted to the parent.
						split = &Split{right: true, sibling: newNode, key: retrieveInternalKeyAtLoc(page, entryLoc)}
						break
					}

					if splitSide == 1 {
						// Guessed wrong, do over on the left side.
						splitSide = -2
						continue doSplit
					}

					if splitSide != 2 {
						panic("split state")
					}
				}

				copy(newPage[destLoc:], page[entryLoc:entryLoc+entryLen])
				newSearchVecLoc -= 2
				binary.BigEndian.PutUint16(newPage[newSearchVecLoc:], uint16(destLoc))
				destLoc += entryLen
			}

			result.entryLoc = destLoc

			// Center the new search vector between the segments, making
			// room for child ids.
			newVecLen := len(page) - newSearchVecLoc
			{
				highestLoc := len(newPage) - 5*newVecLen - 8
				midLoc := ((destLoc + encodedLen + highestLoc + 1) >> 1) &^ 1
				copy(newPage[midLoc:], newPage[newSearchVecLoc:newSearchVecLoc+newVecLen])
				newKeyLoc -= newSearchVecLoc - midLoc
				newSearchVecLoc = midLoc
			}

			newSearchVecEnd := newSearchVecLoc + newVecLen - 2

			// Copy existing child ids and insert the new one.
			{
				headChildIDsLen := newChildPos - (searchVecLoc-searchVecStart+2)<<2
				newDestLoc := newSearchVecEnd + 2
				copy(newPage[newDestLoc:],
					page[searchVecEnd+2+newChildPos-headChildIDsLen:searchVecEnd+2+newChildPos])

				// Leave a gap for the new child id, set by the caller.
				newDestLoc += headChildIDsLen
				result.newChildPos = newDestLoc

				tailChildIDsLen := (searchVecEnd-searchVecStart)<<2 + 16 - newChildPos
				copy(newPage[newDestLoc+8:],
					page[searchVecEnd+2+newChildPos:searchVecEnd+2+newChildPos+tailChildIDsLen])

				// Split the resident child references. The new child
				// was placed by the caller already.
				rightLen := (newSearchVecEnd-newSearchVecLoc)>>1 + 2
				rightChildNodes := make([]*Node, rightLen)
				leftChildNodes := make([]*Node, len(n.childNodes)-rightLen)
				copy(rightChildNodes, n.childNodes[len(leftChildNodes):])
				copy(leftChildNodes, n.childNodes[:len(leftChildNodes)])
				newNode.childNodes = rightChildNodes
				n.childNodes = leftChildNodes
			}

			newNode.leftSegTail = destLoc + encodedLen
			newNode.rightSegTail = len(newPage) - 1
			newNode.searchVecStart = newSearchVecLoc
			newNode.searchVecEnd = newSearchVecEnd

			// Prune off the right end by shifting the vector toward the
			// child ids.
			l := searchVecLoc - searchVecStart
			n.searchVecStart = searchVecEnd + 2 - l
			copy(page[n.searchVecStart:n.searchVecStart+l], page[searchVecStart:])
		}

		break
	}

	n.garbage += garbageAccum
	n.split = split

	result.keyPos = newKeyLoc

	if tl.V("split") != nil {
		tl.Printf("split internal %4x -> sibling %4x  right %v  key %.10q", n.id, newNode.id, split.right, split.key)
	}

	return result, nil
}

// compactInternal reclaims garbage and re-centers the search vector,
// leaving a gap for the key at keyPos and the child id at childPos.
func (n *Node) compactInternal(s *Store, encodedLen, keyPos, childPos int) (result inSplitResult, err error) {
	page := n.page

	searchVecLoc := n.searchVecStart
	keyPos += searchVecLoc
	// Size of the search vector, with the new entry.
	newSearchVecSize := n.searchVecEnd - searchVecLoc + (2 + 2)

	// New vector location leaves room to grow on both ends.
	searchVecCap := n.garbage + n.rightSegTail + 1 - n.leftSegTail - encodedLen
	newSearchVecStart := len(page) -
		((searchVecCap+newSearchVecSize+(newSearchVecSize+2)<<2)>>1)&^1

	destLoc := headerSize
	newSearchVecLoc := newSearchVecStart
	newLoc := 0
	searchVecEnd := n.searchVecEnd

	dest, err := s.removeSpareBuffer()
	if err != nil {
		return result, err
	}

	for ; searchVecLoc <= searchVecEnd; searchVecLoc, newSearchVecLoc = searchVecLoc+2, newSearchVecLoc+2 {
		if searchVecLoc == keyPos {
			newLoc = newSearchVecLoc
			newSearchVecLoc += 2
		}

		binary.BigEndian.PutUint16(dest[newSearchVecLoc:], uint16(destLoc))
		srcLoc := int(binary.BigEndian.Uint16(page[searchVecLoc:]))
		l := internalEntryLength(page, srcLoc)
		copy(dest[destLoc:], page[srcLoc:srcLoc+l])
		destLoc += l
	}

	if newLoc == 0 {
		newLoc = newSearchVecLoc
		newSearchVecLoc += 2
	}

	// Copy child ids, leaving room for the inserted one.
	copy(dest[newSearchVecLoc:], page[n.searchVecEnd+2:n.searchVecEnd+2+childPos])
	copy(dest[newSearchVecLoc+childPos+8:],
		page[n.searchVecEnd+2+childPos:n.searchVecEnd+2+childPos+(newSearchVecSize<<2-childPos)])

	s.addSpareBuffer(page)

	n.page = dest
	n.garbage = 0
	n.leftSegTail = destLoc + encodedLen
	n.rightSegTail = len(dest) - 1
	n.searchVecStart = newSearchVecStart
	n.searchVecEnd = newSearchVecLoc - 2

	result.page = dest
	result.keyPos = newLoc
	result.newChildPos = newSearchVecLoc + childPos
	result.entryLoc = destLoc

	return result, nil
}

// finishSplitRoot completes a root split: the old root content moves
// into a new child and the root becomes an internal node with one key
// and two children. Caller must hold the exclusive root latch.
func (n *Node) finishSplitRoot(s *Store) (err error) {
	// New root is always an internal node.
	child, err := s.newNodeForSplit()
	if err != nil {
		return err
	}

	newPage := child.page
	child.page = n.page
	child.typ = n.typ
	child.garbage = n.garbage
	child.leftSegTail = n.leftSegTail
	child.rightSegTail = n.rightSegTail
	child.searchVecStart = n.searchVecStart
	child.searchVecEnd = n.searchVecEnd
	child.childNodes = n.childNodes
	child.lastFrame = n.lastFrame

	// Fix child node cursor frame bindings.
	for frame := n.lastFrame; frame != nil; frame = frame.prevCousin {
		frame.node = child
	}

	split := n.split
	sibling := n.rebindSplitFrames(split)
	n.split = nil

	left, right := child, sibling
	if !split.right {
		left, right = sibling, child
	}

	keyLen := split.copySplitKeyToParent(newPage, headerSize)

	// Single-element search vector.
	searchVecStart := (len(newPage) - headerSize - keyLen - (2 + 8 + 8)) >> 1 &^ 1
	binary.BigEndian.PutUint16(newPage[searchVecStart:], headerSize)
	binary.BigEndian.PutUint64(newPage[searchVecStart+2:], uint64(left.id))
	binary.BigEndian.PutUint64(newPage[searchVecStart+2+8:], uint64(right.id))

	n.childNodes = []*Node{left, right}

	n.page = newPage
	n.typ = typeInternal
	n.garbage = 0
	n.leftSegTail = headerSize + keyLen
	n.rightSegTail = len(newPage) - 1
	n.searchVecStart = searchVecStart
	n.searchVecEnd = searchVecStart
	n.lastFrame = nil

	// Add a parent frame for all left and right node cursors.
	for frame := left.lastFrame; frame != nil; frame = frame.prevCousin {
		rootFrame := &Frame{}
		rootFrame.bind(n, 0)
		frame.parent = rootFrame
	}
	for frame := right.lastFrame; frame != nil; frame = frame.prevCousin {
		rootFrame := &Frame{}
		rootFrame.bind(n, 2)
		frame.parent = rootFrame
	}

	if tl.V("split") != nil {
		tl.Printf("split root  -> %4x + %4x  key %.10q", left.id, right.id, split.key)
	}

	child.releaseExclusive()
	sibling.releaseExclusive()

	return nil
}

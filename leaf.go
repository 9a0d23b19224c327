package tarn

import (
	"encoding/binary"
)

// insertLeafEntry inserts at pos, the complement of a negative
// binarySearchLeaf result. Caller must hold the exclusive latch and the
// node must be dirty.
func (n *Node) insertLeafEntry(s *Store, pos int, key, value []byte) error {
	return n.insertLeafEntryLen(s, pos, key, value, calculateLeafEntryLength(key, value))
}

func (n *Node) insertLeafEntryLen(s *Store, pos int, key, value []byte, encodedLen int) (err error) {
	searchVecStart := n.searchVecStart
	searchVecEnd := n.searchVecEnd

	leftSpace := searchVecStart - n.leftSegTail
	rightSpace := n.rightSegTail - searchVecEnd - 1

	page := n.page

	var entryLoc int

	if pos < (searchVecEnd-searchVecStart+2)>>1 {
		// Shift subset of search vector left or prepend.
		if leftSpace >= 2 {
			if entryLoc = n.allocPageEntry(encodedLen, leftSpace-2, rightSpace); entryLoc >= 0 {
				copy(page[searchVecStart-2:], page[searchVecStart:searchVecStart+pos])
				searchVecStart -= 2
				n.searchVecStart = searchVecStart
				pos += searchVecStart

				goto fin
			}
		}
	} else {
		// Shift subset of search vector right or append.
		if rightSpace >= 2 {
			if entryLoc = n.allocPageEntry(encodedLen, leftSpace, rightSpace-2); entryLoc >= 0 {
				pos += searchVecStart
				copy(page[pos+2:], page[pos:searchVecEnd+2])
				n.searchVecEnd = searchVecEnd + 2

				goto fin
			}
		}
	}

	{
		// Remaining space surrounding search vector after insert completes.
		remaining := leftSpace + rightSpace - encodedLen - 2

		if n.garbage > remaining {
			if n.garbage+remaining >= 0 {
				// Full compaction frees up the garbage.
				entryLoc, err = n.compactLeaf(s, encodedLen, pos, true)
				if err != nil {
					return err
				}

				createLeafEntry(n.page, key, value, entryLoc)

				return nil
			}

			// Node is full, split it.
			return n.splitLeafAndCreateEntry(s, key, value, encodedLen, pos, true)
		}

		vecLen := searchVecEnd - searchVecStart + 2
		var newSearchVecStart int

		switch {
		case remaining > 0 || n.rightSegTail&1 != 0:
			// Re-center search vector, biased to the right, even-aligned.
			newSearchVecStart = (n.rightSegTail - vecLen - 1 - remaining>>1) &^ 1

			entryLoc = n.leftSegTail
			n.leftSegTail = entryLoc + encodedLen
		case n.leftSegTail&1 == 0:
			// Move search vector left, keeping even alignment.
			newSearchVecStart = n.leftSegTail + (remaining>>1)&^1

			entryLoc = n.rightSegTail - encodedLen + 1
			n.rightSegTail = entryLoc - 1
		default:
			// Search vector is misaligned, full compaction fixes that.
			entryLoc, err = n.compactLeaf(s, encodedLen, pos, true)
			if err != nil {
				return err
			}

			createLeafEntry(n.page, key, value, entryLoc)

			return nil
		}

		arrayCopies(page,
			searchVecStart, newSearchVecStart, pos,
			searchVecStart+pos, newSearchVecStart+pos+2, vecLen-pos)

		pos += newSearchVecStart
		n.searchVecStart = newSearchVecStart
		n.searchVecEnd = newSearchVecStart + vecLen
	}

fin:
	createLeafEntry(page, key, value, entryLoc)
	binary.BigEndian.PutUint16(page[pos:], uint16(entryLoc))

	return nil
}

// updateLeafValue replaces the value at pos, a positive binarySearchLeaf
// result. The slot is reused if the new value fits; otherwise the old
// entry becomes garbage and the pair is re-allocated without growing
// the search vector.
func (n *Node) updateLeafValue(s *Store, pos int, key, value []byte) (err error) {
	page := n.page
	vlen := len(value)

	searchVecStart := n.searchVecStart

	var start, keyLen, loc int

	{
		start = int(binary.BigEndian.Uint16(page[searchVecStart+pos:]))
		loc = start
		h := page[loc]
		loc++

		if h&0x40 != 0 {
			if vlen == 0 {
				// No change.
				return nil
			}

			// Old empty entry becomes garbage.
			if h < 0x80 {
				loc += int(h & 0x3f)
			} else {
				loc += int(h&0x3f)<<8 | int(page[loc])
			}
			loc++
			keyLen = loc - start

			goto realloc
		}

		if h < 0x80 {
			loc += int(h)
		} else {
			loc += int(h&0x3f)<<8 | int(page[loc])
		}
		loc++

		valueLoc := loc
		vh := page[loc]
		loc++

		oldLen := int(vh) + 1
		if vh >= 0x80 {
			oldLen = (int(vh&0x7f)<<8 | int(page[loc])) + 129
			loc++
		}

		if vlen > oldLen {
			// Old entry is too small, it becomes garbage.
			loc += oldLen
			keyLen = valueLoc - start

			goto realloc
		}

		if vlen == oldLen {
			// Copy new value with no garbage created.
			copy(page[loc:], value)
			return nil
		}

		// Copy new value, the remainder of the old one becomes garbage.
		if vlen == 0 {
			page[start] |= 0x40
			n.garbage += loc + oldLen - valueLoc
			return nil
		}

		valueLoc += encodeValueHeader(page, valueLoc, vlen)
		copy(page[valueLoc:], value)
		n.garbage += loc + oldLen - valueLoc - vlen

		return nil
	}

realloc:
	// Old entry is garbage.
	n.garbage += loc - start

	// What follows is similar to insert, except the vector does not grow.

	searchVecEnd := n.searchVecEnd

	leftSpace := searchVecStart - n.leftSegTail
	rightSpace := n.rightSegTail - searchVecEnd - 1

	encodedLen := keyLen + vlen
	if vlen != 0 {
		if vlen <= 128 {
			encodedLen++
		} else {
			encodedLen += 2
		}
	}

	var entryLoc int

	if entryLoc = n.allocPageEntry(encodedLen, leftSpace, rightSpace); entryLoc >= 0 {
		pos += searchVecStart

		goto fin
	}

	{
		remaining := leftSpace + rightSpace - encodedLen

		if n.garbage > remaining {
			if n.garbage+remaining >= 0 {
				entryLoc, err = n.compactLeaf(s, encodedLen, pos, false)
				if err != nil {
					return err
				}

				createLeafEntry(n.page, key, value, entryLoc)

				return nil
			}

			return n.splitLeafAndCreateEntry(s, key, value, encodedLen, pos, false)
		}

		vecLen := searchVecEnd - searchVecStart + 2
		var newSearchVecStart int

		switch {
		case remaining > 0 || n.rightSegTail&1 != 0:
			newSearchVecStart = (n.rightSegTail - vecLen - 1 - remaining>>1) &^ 1

			entryLoc = n.leftSegTail
			n.leftSegTail = entryLoc + encodedLen
		case n.leftSegTail&1 == 0:
			newSearchVecStart = n.leftSegTail + (remaining>>1)&^1

			entryLoc = n.rightSegTail - encodedLen + 1
			n.rightSegTail = entryLoc - 1
		default:
			entryLoc, err = n.compactLeaf(s, encodedLen, pos, false)
			if err != nil {
				return err
			}

			createLeafEntry(n.page, key, value, entryLoc)

			return nil
		}

		copy(page[newSearchVecStart:], page[searchVecStart:searchVecStart+vecLen])

		pos += newSearchVecStart
		n.searchVecStart = newSearchVecStart
		n.searchVecEnd = newSearchVecStart + vecLen - 2
	}

fin:
	updateLeafEntry(page, page, start, keyLen, value, entryLoc)
	binary.BigEndian.PutUint16(page[pos:], uint16(entryLoc))

	return nil
}

// updateLeafEntry writes an entry reusing an already encoded key.
// keyLen includes the key header length; value must not be empty.
func updateLeafEntry(page, keySource []byte, keyStart, keyLen int, value []byte, entryLoc int) {
	// Copy existing key and indicate that the value is non-empty.
	copy(page[entryLoc:], keySource[keyStart:keyStart+keyLen])
	page[entryLoc] &^= 0x40
	entryLoc += keyLen

	entryLoc += encodeValueHeader(page, entryLoc, len(value))
	copy(page[entryLoc:], value)
}

// deleteLeafEntry removes the search vector slot at pos and accounts
// the entry bytes as garbage. The bytes themselves stay until
// compaction.
func (n *Node) deleteLeafEntry(pos int) {
	page := n.page

	searchVecStart := n.searchVecStart
	entryLoc := int(binary.BigEndian.Uint16(page[searchVecStart+pos:]))

	n.garbage += leafEntryLength(page, entryLoc)

	searchVecEnd := n.searchVecEnd

	if pos < (searchVecEnd-searchVecStart+2)>>1 {
		// Shift left side of search vector to the right.
		copy(page[searchVecStart+2:], page[searchVecStart:searchVecStart+pos])
		n.searchVecStart = searchVecStart + 2
	} else {
		// Shift right side of search vector to the left.
		pos += searchVecStart
		copy(page[pos:], page[pos+2:searchVecEnd+2])
		n.searchVecEnd = searchVecEnd - 2
	}
}

// compactLeaf rebuilds the node into a spare page, reclaiming garbage.
// pos is the normalized vector position of the entry to insert or
// update; the returned location is already pointed to by the vector,
// the caller writes the entry itself.
func (n *Node) compactLeaf(s *Store, encodedLen, pos int, forInsert bool) (_ int, err error) {
	page := n.page

	searchVecLoc := n.searchVecStart
	// Size of the search vector, possibly with the new entry.
	newSearchVecSize := n.searchVecEnd - searchVecLoc + 2
	if forInsert {
		newSearchVecSize += 2
	}
	pos += searchVecLoc

	// New vector location leaves room to grow on both ends.
	searchVecCap := n.garbage + n.rightSegTail + 1 - n.leftSegTail - encodedLen
	newSearchVecStart := len(page) - ((searchVecCap+newSearchVecSize)>>1)&^1

	destLoc := headerSize
	newSearchVecLoc := newSearchVecStart
	newLoc := 0
	searchVecEnd := n.searchVecEnd

	dest, err := s.removeSpareBuffer()
	if err != nil {
		return 0, err
	}

	for ; searchVecLoc <= searchVecEnd; searchVecLoc, newSearchVecLoc = searchVecLoc+2, newSearchVecLoc+2 {
		if searchVecLoc == pos {
			newLoc = newSearchVecLoc
			if forInsert {
				newSearchVecLoc += 2
			} else {
				continue
			}
		}

		binary.BigEndian.PutUint16(dest[newSearchVecLoc:], uint16(destLoc))
		srcLoc := int(binary.BigEndian.Uint16(page[searchVecLoc:]))
		l := leafEntryLength(page, srcLoc)
		copy(dest[destLoc:], page[srcLoc:srcLoc+l])
		destLoc += l
	}

	s.addSpareBuffer(page)

	if newLoc == 0 {
		newLoc = newSearchVecLoc
	}
	binary.BigEndian.PutUint16(dest[newLoc:], uint16(destLoc))

	n.page = dest
	n.garbage = 0
	n.leftSegTail = destLoc + encodedLen
	n.rightSegTail = len(dest) - 1
	n.searchVecStart = newSearchVecStart
	n.searchVecEnd = newSearchVecStart + newSearchVecSize - 2

	if tl.V("compact") != nil {
		tl.Printf("compact leaf %4x  vec %3x..%3x  tail %3x %3x", n.id, n.searchVecStart, n.searchVecEnd, n.leftSegTail, n.rightSegTail)
	}

	return destLoc, nil
}

// splitLeafAndCreateEntry moves entries into a freshly allocated
// sibling, guessing the receiving side from the insert position. A
// wrong guess retries the insert into the node which now has space.
func (n *Node) splitLeafAndCreateEntry(s *Store, key, value []byte, encodedLen, pos int, forInsert bool) (err error) {
	if n.split != nil {
		panic("node is already split")
	}

	// The new entry is placed such that it is more likely to go into
	// the new node, postponing compaction of this one.

	page := n.page

	newNode, err := s.newNodeForSplit()
	if err != nil {
		return err
	}

	newNode.typ = typeLeaf
	newNode.garbage = 0

	newPage := newNode.page

	searchVecStart := n.searchVecStart
	searchVecEnd := n.searchVecEnd
	pos += searchVecStart

	// Bytes used in the unsplit node, including the page header.
	size := searchVecEnd - searchVecStart + 1 +
		n.leftSegTail + len(page) - n.rightSegTail - n.garbage

	garbageAccum := 0
	newLoc := 0

	var split *Split

	if pos-searchVecStart < searchVecEnd-pos {
		// Split into new left node.

		destLoc := len(newPage)
		newSearchVecLoc := headerSize
		newSize := headerSize

		searchVecLoc := searchVecStart
		for ; newSize < size; searchVecLoc, newSearchVecLoc = searchVecLoc+2, newSearchVecLoc+2 {
			entryLoc := int(binary.BigEndian.Uint16(page[searchVecLoc:]))
			entryLen := leafEntryLength(page, entryLoc)

			if searchVecLoc == pos {
				newLoc = newSearchVecLoc
				if forInsert {
					// Reserve a slot for the new entry.
					newSearchVecLoc += 2
					newSize += encodedLen + 2
				} else {
					// The updated entry is not copied.
					garbageAccum += entryLen
					size -= entryLen
					newSize += encodedLen
					continue
				}
			}

			destLoc -= entryLen
			copy(newPage[destLoc:], page[entryLoc:entryLoc+entryLen])
			binary.BigEndian.PutUint16(newPage[newSearchVecLoc:], uint16(destLoc))

			garbageAccum += entryLen
			size -= entryLen + 2
			newSize += entryLen + 2
		}

		// Prune off the left end of this node.
		n.searchVecStart = searchVecLoc
		n.garbage += garbageAccum

		if newLoc == 0 {
			// Wrong guess. Insert into the original node, which has
			// space now.
			pos = n.binarySearchLeaf(key)
			if pos >= 0 {
				panic("key exists")
			}

			err = n.insertLeafEntryLen(s, ^pos, key, value, encodedLen)
			if err != nil {
				return err
			}
		} else {
			destLoc -= encodedLen
			createLeafEntry(newPage, key, value, destLoc)
			binary.BigEndian.PutUint16(newPage[newLoc:], uint16(destLoc))
		}

		newNode.leftSegTail = headerSize
		newNode.rightSegTail = destLoc - 1
		newNode.searchVecStart = headerSize
		newNode.searchVecEnd = newSearchVecLoc - 2

		// Split key is copied from this, the right node.
		split = &Split{sibling: newNode, key: n.retrieveFirstLeafKey()}
	} else {
		// Split into new right node.

		destLoc := headerSize
		newSearchVecLoc := len(newPage)
		newSize := headerSize

		searchVecLoc := searchVecEnd
		for ; newSize < size; searchVecLoc -= 2 {
			newSearchVecLoc -= 2

			entryLoc := int(binary.BigEndian.Uint16(page[searchVecLoc:]))
			entryLen := leafEntryLength(page, entryLoc)

			if forInsert {
				if searchVecLoc+2 == pos {
					newLoc = newSearchVecLoc
					// Reserve a slot for the new entry.
					newSearchVecLoc -= 2
					newSize += encodedLen + 2
				}
			} else {
				if searchVecLoc == pos {
					newLoc = newSearchVecLoc
					// The updated entry is not copied.
					garbageAccum += entryLen
					size -= entryLen
					newSize += encodedLen
					continue
				}
			}

			copy(newPage[destLoc:], page[entryLoc:entryLoc+entryLen])
			binary.BigEndian.PutUint16(newPage[newSearchVecLoc:], uint16(destLoc))
			destLoc += entryLen

			garbageAccum += entryLen
			size -= entryLen + 2
			newSize += entryLen + 2
		}

		// Prune off the right end of this node.
		n.searchVecEnd = searchVecLoc
		n.garbage += garbageAccum

		if newLoc == 0 {
			// Wrong guess. Insert into the original node, which has
			// space now.
			pos = n.binarySearchLeaf(key)
			if pos >= 0 {
				panic("key exists")
			}

			err = n.insertLeafEntryLen(s, ^pos, key, value, encodedLen)
			if err != nil {
				return err
			}
		} else {
			createLeafEntry(newPage, key, value, destLoc)
			binary.BigEndian.PutUint16(newPage[newLoc:], uint16(destLoc))
			destLoc += encodedLen
		}

		newNode.leftSegTail = destLoc
		newNode.rightSegTail = len(newPage) - 1
		newNode.searchVecStart = newSearchVecLoc
		newNode.searchVecEnd = len(newPage) - 2

		// Split key is copied from the new right node.
		split = &Split{right: true, sibling: newNode, key: newNode.retrieveFirstLeafKey()}
	}

	if tl.V("split") != nil {
		tl.Printf("split leaf %4x -> sibling %4x  right %v  key %.10q", n.id, newNode.id, split.right, split.key)
	}

	n.split = split

	return nil
}

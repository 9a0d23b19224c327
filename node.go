package tarn

import (
	"bytes"
	"encoding/binary"

	"tlog.app/go/errors"
)

// Node cached states. commitState flips between the two dirty values on
// every flush, which is how the coordinator tells this generation's
// modifications from the next one's.
const (
	cachedClean  byte = 0
	cachedDirty0 byte = 1
	cachedDirty1 byte = 2
)

const (
	typeLeaf     byte = 0
	typeInternal byte = 1
	typeUndoLog  byte = 2
)

const headerSize = 12

/*
	All node types share the page header and support pages up to 65536
	bytes. Multibyte fields are big endian, except the undo log header.

	+----------------------------------------+
	| byte:   node type                      |
	| byte:   reserved (must be 0)           |
	| ushort: garbage in segments            |
	| ushort: pointer to left segment tail   |
	| ushort: pointer to right segment tail  |
	| ushort: pointer to search vector start |
	| ushort: pointer to search vector end   |
	+----------------------------------------+
	| left segment                           |
	+----------------------------------------+
	| free space                             | <- left segment tail (exclusive)
	+----------------------------------------+
	| search vector                          | <- start (inclusive)
	|                                        | <- end (inclusive)
	+----------------------------------------+
	| child ids, internal nodes only         |
	+----------------------------------------+
	| free space                             |
	|                                        | <- right segment tail (exclusive)
	+----------------------------------------+
	| right segment                          |
	+----------------------------------------+

	Entries are allocated from either segment toward the search vector.
	The vector is a packed array of 2-byte absolute offsets to key
	entries, even-aligned, strictly key-sorted. Deleted and updated
	entries leave garbage inside the segments; compaction rebuilds the
	node to reclaim it.

	Leaf entry: one header byte selects the key encoding,
	0x00..0x3f keylen (h&0x3f)+1, value follows;
	0x40..0x7f same key lengths, empty value;
	0x80..0xbf two-byte keylen (h&0x3f)<<8|h2, value follows;
	0xc0..0xff two-byte keylen, empty value.
	Value header: 0x00..0x7f len h+1; 0x80..0xff len ((h&0x7f)<<8|h2)+129.

	Internal entry: key only, one header byte, 0x00..0x7f len h+1;
	0x80..0xff len (h&0x7f)<<8|h2. Child ids are fixed 8-byte values
	following the search vector, always one more than there are keys.
*/

type Node struct {
	Latch

	// usage list links, managed by the cache under its latch
	moreUsed, lessUsed *Node

	page []byte

	id          int64
	cachedState byte

	typ            byte
	garbage        int
	leftSegTail    int
	rightSegTail   int
	searchVecStart int
	searchVecEnd   int

	// resident children, nil entries allowed; nil for leaves
	childNodes []*Node

	// cursor frames bound to this node
	lastFrame *Frame

	// set by a partially completed split
	split *Split

	unevictable bool
}

func newNode(pageSize int, newEmptyRoot bool) *Node {
	n := &Node{
		page: make([]byte, pageSize),
	}

	if newEmptyRoot {
		n.asEmptyLeaf()
	}

	return n
}

func (n *Node) asEmptyLeaf() {
	pageSize := len(n.page)

	n.typ = typeLeaf
	n.garbage = 0
	n.leftSegTail = headerSize
	n.rightSegTail = pageSize - 1
	// search vector location must be even
	n.searchVecStart = (headerSize + (pageSize-headerSize)>>1) &^ 1
	n.searchVecEnd = n.searchVecStart - 2 // inclusive
}

func (n *Node) isLeaf() bool {
	return n.typ == typeLeaf
}

func (n *Node) numKeys() int {
	return (n.searchVecEnd - n.searchVecStart + 2) >> 1
}

func (n *Node) hasKeys() bool {
	return n.searchVecEnd >= n.searchVecStart
}

func (n *Node) highestPos() int {
	pos := n.searchVecEnd - n.searchVecStart
	if !n.isLeaf() {
		pos += 2
	}
	return pos
}

func (n *Node) highestLeafPos() int {
	return n.searchVecEnd - n.searchVecStart
}

func (n *Node) highestInternalPos() int {
	return n.searchVecEnd - n.searchVecStart + 2
}

func (n *Node) availableBytes() int {
	avail := n.garbage + n.searchVecStart - n.leftSegTail + n.rightSegTail - n.searchVecEnd - 1
	if !n.isLeaf() {
		avail -= 8 * n.numKeys()
	}
	return avail
}

// undo log nodes keep their whole header inside the page, little endian.

func (n *Node) undoTop() int {
	return int(binary.LittleEndian.Uint16(n.page[2:]))
}

func (n *Node) setUndoTop(top int) {
	binary.LittleEndian.PutUint16(n.page[2:], uint16(top))
}

func (n *Node) lowerNodeID() int64 {
	return int64(binary.LittleEndian.Uint64(n.page[4:]))
}

func (n *Node) setLowerNodeID(id int64) {
	binary.LittleEndian.PutUint64(n.page[4:], uint64(id))
}

// read loads the node content from the store. Caller must hold the
// exclusive latch, which is kept held even on error.
func (n *Node) read(s *Store, id int64) (err error) {
	page := n.page

	err = s.readPage(id, page)
	if err != nil {
		return err
	}

	n.id = id
	n.cachedState = cachedClean

	typ := page[0]
	if typ != typeLeaf && typ != typeInternal && typ != typeUndoLog {
		return errors.Wrap(ErrCorrupt, "unknown node type %x in page %x", typ, id)
	}
	if page[1] != 0 {
		return errors.Wrap(ErrCorrupt, "illegal reserved byte %x in page %x", page[1], id)
	}

	n.typ = typ

	if typ == typeUndoLog {
		return nil
	}

	n.garbage = int(binary.BigEndian.Uint16(page[2:]))
	n.leftSegTail = int(binary.BigEndian.Uint16(page[4:]))
	n.rightSegTail = int(binary.BigEndian.Uint16(page[6:]))
	n.searchVecStart = int(binary.BigEndian.Uint16(page[8:]))
	n.searchVecEnd = int(binary.BigEndian.Uint16(page[10:]))

	if typ == typeInternal {
		nch := n.numKeys() + 1

		if cap(n.childNodes) >= nch {
			n.childNodes = n.childNodes[:nch]
			for i := range n.childNodes {
				n.childNodes[i] = nil
			}
		} else {
			n.childNodes = make([]*Node, nch)
		}
	}

	return nil
}

// write flushes the node content under its current id. Caller must hold
// any latch, which is kept held even on error.
func (n *Node) write(s *Store) error {
	if n.split != nil {
		panic("cannot write partially split node")
	}

	page := n.page

	page[0] = n.typ
	page[1] = 0 // reserved

	if n.typ != typeUndoLog {
		binary.BigEndian.PutUint16(page[2:], uint16(n.garbage))
		binary.BigEndian.PutUint16(page[4:], uint16(n.leftSegTail))
		binary.BigEndian.PutUint16(page[6:], uint16(n.rightSegTail))
		binary.BigEndian.PutUint16(page[8:], uint16(n.searchVecStart))
		binary.BigEndian.PutUint16(page[10:], uint16(n.searchVecEnd))
	}

	return s.writeReservedPage(n.id, page)
}

// canEvict tells whether the node may be dropped from the cache. Caller
// must hold any latch.
func (n *Node) canEvict() bool {
	if n.unevictable || n.lastFrame != nil || n.split != nil {
		return false
	}

	for i, child := range n.childNodes {
		if child == nil {
			continue
		}

		if !child.tryAcquireShared() {
			// Child is in use, keep the parent too.
			return false
		}

		childID := n.retrieveChildRefIDFromIndex(i)
		dirty := childID == child.id && child.cachedState != cachedClean
		child.releaseShared()

		if dirty {
			// A dirty child must be evicted before its parent.
			return false
		}
	}

	return true
}

// binarySearchLeaf returns a 2-based position of the key, or the
// complement of the insertion position if the key is not found.
func (n *Node) binarySearchLeaf(key []byte) int {
	page := n.page
	lowPos := n.searchVecStart
	highPos := n.searchVecEnd

	for lowPos <= highPos {
		midPos := ((lowPos + highPos) >> 1) &^ 1

		loc := int(binary.BigEndian.Uint16(page[midPos:]))
		h := page[loc]
		loc++

		var klen int
		if h < 0x80 {
			klen = int(h&0x3f) + 1
		} else {
			klen = int(h&0x3f)<<8 | int(page[loc])
			loc++
		}

		switch c := bytes.Compare(page[loc:loc+klen], key); {
		case c < 0:
			lowPos = midPos + 2
		case c > 0:
			highPos = midPos - 2
		default:
			return midPos - n.searchVecStart
		}
	}

	return ^(lowPos - n.searchVecStart)
}

func (n *Node) binarySearchInternal(key []byte) int {
	page := n.page
	lowPos := n.searchVecStart
	highPos := n.searchVecEnd

	for lowPos <= highPos {
		midPos := ((lowPos + highPos) >> 1) &^ 1

		loc := int(binary.BigEndian.Uint16(page[midPos:]))
		h := page[loc]
		loc++

		var klen int
		if h < 0x80 {
			klen = int(h) + 1
		} else {
			klen = int(h&0x7f)<<8 | int(page[loc])
			loc++
		}

		switch c := bytes.Compare(page[loc:loc+klen], key); {
		case c < 0:
			lowPos = midPos + 2
		case c > 0:
			highPos = midPos - 2
		default:
			return midPos - n.searchVecStart
		}
	}

	return ^(lowPos - n.searchVecStart)
}

// internalPos turns a binarySearchInternal result into the child
// pointer position.
func internalPos(pos int) int {
	if pos < 0 {
		return ^pos
	}
	return pos + 2
}

func (n *Node) retrieveFirstLeafKey() []byte {
	page := n.page
	return retrieveLeafKeyAtLoc(page, int(binary.BigEndian.Uint16(page[n.searchVecStart:])))
}

// pos as provided by binarySearchLeaf; must be positive.
func (n *Node) retrieveLeafKey(pos int) []byte {
	page := n.page
	return retrieveLeafKeyAtLoc(page, int(binary.BigEndian.Uint16(page[n.searchVecStart+pos:])))
}

func retrieveLeafKeyAtLoc(page []byte, loc int) []byte {
	h := page[loc]
	loc++

	var klen int
	if h < 0x80 {
		klen = int(h&0x3f) + 1
	} else {
		klen = int(h&0x3f)<<8 | int(page[loc])
		loc++
	}

	key := make([]byte, klen)
	copy(key, page[loc:])

	return key
}

// pos as provided by binarySearchLeaf; must be positive.
func (n *Node) retrieveLeafValue(pos int) []byte {
	page := n.page
	loc := int(binary.BigEndian.Uint16(page[n.searchVecStart+pos:]))

	return retrieveLeafValueAtLoc(page, loc)
}

func retrieveLeafValueAtLoc(page []byte, loc int) []byte {
	h := page[loc]
	loc++

	if h&0x40 != 0 {
		return []byte{}
	}

	if h < 0x80 {
		loc += int(h) + 1
	} else {
		loc += (int(h&0x3f)<<8 | int(page[loc])) + 1
	}

	vh := page[loc]
	loc++

	var vlen int
	if vh < 0x80 {
		vlen = int(vh) + 1
	} else {
		vlen = (int(vh&0x7f)<<8 | int(page[loc])) + 129
		loc++
	}

	value := make([]byte, vlen)
	copy(value, page[loc:])

	return value
}

// retrieveLeafEntryAtLoc decodes a full leaf-format entry. The undo log
// stores key/value payloads in this exact encoding.
func retrieveLeafEntryAtLoc(page []byte, loc int) (key, value []byte) {
	key = retrieveLeafKeyAtLoc(page, loc)
	value = retrieveLeafValueAtLoc(page, loc)
	return
}

// pos as provided by binarySearchInternal; must be positive.
func (n *Node) retrieveChildRefID(pos int) int64 {
	return int64(binary.BigEndian.Uint64(n.page[n.searchVecEnd+2+(pos<<2):]))
}

// index in the child node array.
func (n *Node) retrieveChildRefIDFromIndex(index int) int64 {
	return int64(binary.BigEndian.Uint64(n.page[n.searchVecEnd+2+(index<<3):]))
}

// pos as provided by binarySearchInternal; must be positive.
func (n *Node) updateChildRefID(pos int, id int64) {
	binary.BigEndian.PutUint64(n.page[n.searchVecEnd+2+(pos<<2):], uint64(id))
}

func (n *Node) retrieveInternalKey(pos int) []byte {
	page := n.page
	return retrieveInternalKeyAtLoc(page, int(binary.BigEndian.Uint16(page[n.searchVecStart+pos:])))
}

func retrieveInternalKeyAtLoc(page []byte, loc int) []byte {
	h := page[loc]
	loc++

	var klen int
	if h < 0x80 {
		klen = int(h&0x7f) + 1
	} else {
		klen = int(h&0x7f)<<8 | int(page[loc])
		loc++
	}

	key := make([]byte, klen)
	copy(key, page[loc:])

	return key
}

// leafEntryLength is the full encoded length of the entry at loc.
func leafEntryLength(page []byte, entryLoc int) int {
	loc := entryLoc
	h := page[loc]
	loc++

	if h < 0x80 {
		loc += int(h&0x3f) + 1
	} else {
		loc += (int(h&0x3f)<<8 | int(page[loc])) + 1
	}

	if h&0x40 == 0 {
		vh := page[loc]
		loc++
		if vh < 0x80 {
			loc += int(vh) + 1
		} else {
			loc += (int(vh&0x7f)<<8 | int(page[loc])) + 130
		}
	}

	return loc - entryLoc
}

func internalEntryLength(page []byte, entryLoc int) int {
	h := page[entryLoc]
	if h < 0x80 {
		return int(h&0x7f) + 2
	}
	return (int(h&0x7f)<<8 | int(page[entryLoc+1])) + 2
}

// calculateLeafEntryLength is the encoded length of a key/value pair.
func calculateLeafEntryLength(key, value []byte) int {
	klen, vlen := len(key), len(value)

	l := klen + vlen
	if klen >= 1 && klen <= 64 {
		l++
	} else {
		l += 2
	}
	if vlen != 0 {
		if vlen <= 128 {
			l++
		} else {
			l += 2
		}
	}

	return l
}

// calculateKeyLength is the encoded length of an internal key entry.
func calculateKeyLength(key []byte) int {
	klen := len(key)
	if klen >= 1 && klen <= 128 {
		return klen + 1
	}
	return klen + 2
}

// allocPageEntry reserves encodedLen bytes in the roomier segment.
// Returns -1 if no contiguous space surrounds the search vector.
func (n *Node) allocPageEntry(encodedLen, leftSpace, rightSpace int) int {
	var entryLoc int
	switch {
	case encodedLen <= leftSpace && leftSpace >= rightSpace:
		entryLoc = n.leftSegTail
		n.leftSegTail = entryLoc + encodedLen
	case encodedLen <= rightSpace:
		entryLoc = n.rightSegTail - encodedLen + 1
		n.rightSegTail = entryLoc - 1
	default:
		return -1
	}

	return entryLoc
}

func createLeafEntry(page []byte, key, value []byte, entryLoc int) {
	klen, vlen := len(key), len(value)

	if vlen == 0 {
		if klen >= 1 && klen <= 64 {
			page[entryLoc] = byte(0x40 | (klen - 1))
			entryLoc++
		} else {
			page[entryLoc] = byte(0xc0 | klen>>8)
			page[entryLoc+1] = byte(klen)
			entryLoc += 2
		}
		copy(page[entryLoc:], key)
		return
	}

	if klen >= 1 && klen <= 64 {
		page[entryLoc] = byte(klen - 1)
		entryLoc++
	} else {
		page[entryLoc] = byte(0x80 | klen>>8)
		page[entryLoc+1] = byte(klen)
		entryLoc += 2
	}
	copy(page[entryLoc:], key)
	entryLoc += klen

	entryLoc += encodeValueHeader(page, entryLoc, vlen)
	copy(page[entryLoc:], value)
}

func encodeValueHeader(page []byte, loc, vlen int) int {
	if vlen <= 128 {
		page[loc] = byte(vlen - 1)
		return 1
	}

	page[loc] = byte(0x80 | (vlen-129)>>8)
	page[loc+1] = byte(vlen - 129)
	return 2
}

// arrayCopies performs two copies inside one buffer in an order safe for
// overlapping regions moving the same direction.
func arrayCopies(p []byte, aSrc, aDst, aLen, bSrc, bDst, bLen int) {
	if aDst < aSrc {
		copy(p[aDst:aDst+aLen], p[aSrc:aSrc+aLen])
		copy(p[bDst:bDst+bLen], p[bSrc:bSrc+bLen])
	} else {
		copy(p[bDst:bDst+bLen], p[bSrc:bSrc+bLen])
		copy(p[aDst:aDst+aLen], p[aSrc:aSrc+aLen])
	}
}

func arrayCopies3(p []byte, aSrc, aDst, aLen, bSrc, bDst, bLen, cSrc, cDst, cLen int) {
	if aDst < aSrc {
		copy(p[aDst:aDst+aLen], p[aSrc:aSrc+aLen])
		copy(p[bDst:bDst+bLen], p[bSrc:bSrc+bLen])
		copy(p[cDst:cDst+cLen], p[cSrc:cSrc+cLen])
	} else {
		copy(p[cDst:cDst+cLen], p[cSrc:cSrc+cLen])
		copy(p[bDst:bDst+bLen], p[bSrc:bSrc+bLen])
		copy(p[aDst:aDst+aLen], p[aSrc:aSrc+aLen])
	}
}

// verify checks the node invariants. Caller must hold any latch.
func (n *Node) verify() (err error) {
	page := n.page

	if n.leftSegTail < headerSize {
		return errors.Wrap(ErrCorrupt, "left segment tail %x", n.leftSegTail)
	}
	if n.searchVecStart < n.leftSegTail {
		return errors.Wrap(ErrCorrupt, "search vector start %x", n.searchVecStart)
	}
	if n.searchVecEnd < n.searchVecStart-2 {
		return errors.Wrap(ErrCorrupt, "search vector end %x", n.searchVecEnd)
	}
	if n.rightSegTail < n.searchVecEnd || n.rightSegTail > len(page)-1 {
		return errors.Wrap(ErrCorrupt, "right segment tail %x", n.rightSegTail)
	}

	if !n.isLeaf() {
		if n.numKeys()+1 != len(n.childNodes) {
			return errors.Wrap(ErrCorrupt, "wrong number of child nodes: %d != %d", n.numKeys()+1, len(n.childNodes))
		}

		childIDsStart := n.searchVecEnd + 2
		childIDsEnd := childIDsStart + (childIDsStart-n.searchVecStart)<<2 + 8
		if childIDsEnd > n.rightSegTail+1 {
			return errors.Wrap(ErrCorrupt, "child ids end %x", childIDsEnd)
		}

		seen := make(map[int64]struct{}, n.numKeys()+1)

		for i := childIDsStart; i < childIDsEnd; i += 8 {
			childID := int64(binary.BigEndian.Uint64(page[i:]))

			if childID <= 1 {
				return errors.Wrap(ErrCorrupt, "illegal child id %x", childID)
			}

			if _, ok := seen[childID]; ok {
				return errors.Wrap(ErrCorrupt, "duplicate child id %x", childID)
			}
			seen[childID] = struct{}{}
		}
	}

	used := headerSize + n.rightSegTail + 1 - n.leftSegTail

	var lastKeyLoc, lastKeyLen int

	for i := n.searchVecStart; i <= n.searchVecEnd; i += 2 {
		loc := int(binary.BigEndian.Uint16(page[i:]))

		if loc < headerSize || loc >= len(page) || loc >= n.leftSegTail && loc <= n.rightSegTail {
			return errors.Wrap(ErrCorrupt, "entry location %x", loc)
		}

		var keyLen int

		if n.isLeaf() {
			used += leafEntryLength(page, loc)

			h := page[loc]
			loc++
			if h < 0x80 {
				keyLen = int(h&0x3f) + 1
			} else {
				keyLen = int(h&0x3f)<<8 | int(page[loc])
				loc++
			}
		} else {
			used += internalEntryLength(page, loc)

			h := page[loc]
			loc++
			if h < 0x80 {
				keyLen = int(h) + 1
			} else {
				keyLen = int(h&0x7f)<<8 | int(page[loc])
				loc++
			}
		}

		if lastKeyLoc != 0 {
			if bytes.Compare(page[lastKeyLoc:lastKeyLoc+lastKeyLen], page[loc:loc+keyLen]) >= 0 {
				return errors.Wrap(ErrCorrupt, "key order at vector offset %x", i)
			}
		}

		lastKeyLoc = loc
		lastKeyLen = keyLen
	}

	if garbage := len(page) - used; n.garbage != garbage {
		return errors.Wrap(ErrCorrupt, "garbage %x != %x", n.garbage, garbage)
	}

	return nil
}

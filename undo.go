package tarn

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"tlog.app/go/errors"
)

/*
	UndoLog is persisted in nodes. All multibyte types are little
	endian encoded.

	+----------------------------------------+
	| byte:   node type (UNDO_LOG)           |
	| byte:   reserved (must be 0)           |
	| ushort: pointer to top entry           |
	| ulong:  lower node id                  |
	+----------------------------------------+
	| free space                             |
	+----------------------------------------+
	| log stack entries                      |
	+----------------------------------------+

	Entries are encoded from the tail of the node towards the header.
	Opcodes less than 16 carry no payload; all others are followed by a
	varint payload length and the payload, which may spill over into the
	lower node(s) of the chain.
*/

const undoInitialBufferSize = 128

const (
	opScopeEnter  = byte(1)
	opScopeCommit = byte(2)

	// Transaction has been committed.
	opCommit = byte(4)

	// Transaction has been committed and the log is partially truncated.
	opCommitTruncate = byte(5)

	// All ops less than 16 have no payload.
	payloadOp = byte(16)

	// Copy to another log from the master log. Payload is transaction
	// id, active index id, buffer size (ushort) and the buffer.
	opLogCopy = byte(16)

	// Reference to another log from the master log. Payload is
	// transaction id, active index id, length, node id, top offset.
	opLogRef = byte(17)

	// Payload is the active index id.
	opIndex = byte(18)

	// Payload is the key to delete, to undo an insert.
	opUninsert = byte(19)

	// Payload is a leaf-encoded key/value entry to store back, to undo
	// an update or a delete.
	opUnupdate = byte(20)
	opUndelete = byte(21)

	// Payload is a leaf-encoded key and trash id, to undo a fragmented
	// value delete.
	opUndeleteFragmented = byte(22)

	// Payload is a custom handler message.
	opCustom = byte(24)
)

type (
	// IndexHandle is the subset of an index surface the undo log needs
	// to apply reverse operations.
	IndexHandle interface {
		Store(key, value []byte) error
		Delete(key []byte) error
		IsClosed() bool
	}

	// IndexResolver finds an index by id. The default resolver returns
	// the store itself for any id.
	IndexResolver interface {
		AnyIndexByID(id int64) (IndexHandle, error)
	}

	// LockHolder re-acquires transaction locks during recovery.
	LockHolder interface {
		LockExclusive(indexID int64, key []byte, timeout time.Duration) error
	}

	// UndoLog is a per-transaction stack of reverse operations. Small
	// logs live in a heap buffer; past half a page they spill into a
	// chain of unevictable undo pages.
	UndoLog struct {
		s     *Store
		txnID int64

		// bytes currently pushed
		length int64

		buffer    []byte
		bufferPos int

		// top node of the chain; nil while the log fits the buffer
		node *Node

		activeIndexID int64
	}

	// RecoveredTxn is a transaction reconstructed from the master undo
	// log. Its log is ready to be rolled back or truncated.
	RecoveredTxn struct {
		TxnID     int64
		Log       *UndoLog
		Committed bool

		// savepoints of scopes which were open, outermost first
		Scopes []int64
	}

	recoveredLock struct {
		indexID int64
		key     []byte
	}
)

func hash64(p []byte) uint64 {
	return xxhash.Sum64(p)
}

// NewUndoLog creates an undo log for a transaction. Operations on one
// transaction are serialized by a striped latch selected by the id.
func (s *Store) NewUndoLog(txnID int64) *UndoLog {
	return &UndoLog{
		s:     s,
		txnID: txnID,
	}
}

func (u *UndoLog) TxnID() int64 {
	return u.txnID
}

// SavedLength is the current log length, usable as a savepoint.
func (u *UndoLog) SavedLength() int64 {
	return u.length
}

// Push records a reverse operation. An index marker is emitted first
// when indexID differs from the active one.
func (u *UndoLog) Push(indexID int64, op byte, payload []byte) (err error) {
	lt := u.s.latchForTxn(u.txnID)
	lt.acquireExclusive()
	defer lt.releaseExclusive()

	u.s.commitLock.RLock()
	defer u.s.commitLock.RUnlock()

	return u.push(indexID, op, payload)
}

// caller must hold the stripe latch and the shared commit lock.
func (u *UndoLog) push(indexID int64, op byte, payload []byte) (err error) {
	if indexID != u.activeIndexID {
		if u.activeIndexID != 0 {
			err = u.pushIndexID(u.activeIndexID)
			if err != nil {
				return err
			}
		}

		u.activeIndexID = indexID
	}

	return u.doPush(op, payload)
}

func (u *UndoLog) pushIndexID(indexID int64) error {
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], uint64(indexID))

	return u.doPush(opIndex, payload[:])
}

// PushCommit records the commit marker.
func (u *UndoLog) PushCommit() error {
	lt := u.s.latchForTxn(u.txnID)
	lt.acquireExclusive()
	defer lt.releaseExclusive()

	u.s.commitLock.RLock()
	defer u.s.commitLock.RUnlock()

	return u.doPush(opCommit, nil)
}

// caller must hold the stripe latch and the shared commit lock.
func (u *UndoLog) doPush(op byte, payload []byte) (err error) {
	vlen := 0
	if op >= payloadOp {
		vlen = varlen(len(payload))
	}

	encodedLen := 1 + vlen + len(payload)

	if tl.V("undo") != nil {
		tl.Printf("undo push txn %x  op %2d  payload %3d  len %5d", u.txnID, op, len(payload), u.length)
	}

	node := u.node
	if node != nil {
		// Push into the allocated chain, re-dirtied for this generation.
		node.acquireExclusive()

		_, err = u.s.markDirty(node)
		if err != nil {
			node.releaseExclusive()
			return err
		}
	} else {
		// Try a local buffer before allocating a node.
		buffer := u.buffer
		var pos int

		if buffer == nil {
			newCap := roundUpPower2(encodedLen)
			if newCap < undoInitialBufferSize {
				newCap = undoInitialBufferSize
			}

			if newCap <= u.s.pageSize()>>1 {
				u.buffer = make([]byte, newCap)
				buffer = u.buffer
				pos = newCap
				u.bufferPos = pos

				writeUndoEntry(buffer, pos-encodedLen, op, payload)
				u.bufferPos = pos - encodedLen
				u.length += int64(encodedLen)

				return nil
			}

			// Required capacity is large, just use a node.
			node, err = u.allocUnevictableNode(0)
			if err != nil {
				return err
			}

			node.setUndoTop(u.s.pageSize())
		} else {
			pos = u.bufferPos
			if pos >= encodedLen {
				writeUndoEntry(buffer, pos-encodedLen, op, payload)
				u.bufferPos = pos - encodedLen
				u.length += int64(encodedLen)

				return nil
			}

			size := len(buffer) - pos
			newCap := roundUpPower2(encodedLen + size)
			if newCap < len(buffer)<<1 {
				newCap = len(buffer) << 1
			}

			if newCap <= u.s.pageSize()>>1 {
				newBuf := make([]byte, newCap)
				newPos := newCap - size
				copy(newBuf[newPos:], buffer[pos:])
				u.buffer = newBuf
				buffer = newBuf
				u.bufferPos = newPos

				writeUndoEntry(buffer, newPos-encodedLen, op, payload)
				u.bufferPos = newPos - encodedLen
				u.length += int64(encodedLen)

				return nil
			}

			// Promote the buffered tail into a node.
			node, err = u.allocUnevictableNode(0)
			if err != nil {
				return err
			}

			page := node.page
			newPos := u.s.pageSize() - size
			copy(page[newPos:], buffer[pos:])
			node.setUndoTop(newPos)
			u.buffer = nil
			u.bufferPos = 0
		}
	}

	// Append to the chain, spilling over into fresh pages as needed.

	pos := node.undoTop()
	available := pos - headerSize

	if available >= encodedLen {
		pos -= encodedLen
		writeUndoEntry(node.page, pos, op, payload)
		node.setUndoTop(pos)
		node.releaseExclusive()

		u.node = node
		u.length += int64(encodedLen)

		return nil
	}

	// Payload does not fit the node, break it up.
	originalPos := node.undoTop()
	remaining := len(payload)

	for {
		amt := available
		if remaining < amt {
			amt = remaining
		}

		pos -= amt
		available -= amt
		remaining -= amt

		copy(node.page[pos:], payload[remaining:remaining+amt])
		node.setUndoTop(pos)

		if remaining <= 0 && available >= 1+vlen {
			if vlen > 0 {
				pos -= vlen
				encodevarlen(node.page[pos:], len(payload))
			}
			pos--
			node.page[pos] = op
			node.setUndoTop(pos)
			node.releaseExclusive()

			break
		}

		var newNode *Node
		newNode, err = u.allocUnevictableNode(node.id)
		if err != nil {
			// Undo the damage: pop the partially grown chain and
			// restore the top pointer. The original top is captured
			// first, popNode moves u.node along the way.
			orig := u.node

			for node != orig {
				next, _ := u.popNode(node, true)
				if next == nil {
					break
				}
				node = next
			}

			node.setUndoTop(originalPos)
			node.releaseExclusive()

			return err
		}

		pos = u.s.pageSize()
		newNode.setUndoTop(pos)
		available = pos - headerSize

		u.s.nodeMapPut(node)
		node.unevictable = false
		node.releaseExclusive()

		node = newNode
	}

	u.node = node
	u.length += int64(encodedLen)

	return nil
}

func writeUndoEntry(dest []byte, pos int, op byte, payload []byte) {
	dest[pos] = op
	if op >= payloadOp {
		pos++
		pos += encodevarlen(dest[pos:], len(payload))
		copy(dest[pos:], payload)
	}
}

// allocUnevictableNode returns a dirty undo node, latched exclusively.
// Caller must hold the shared commit lock.
func (u *UndoLog) allocUnevictableNode(lowerNodeID int64) (*Node, error) {
	n, err := u.s.newNodeForSplit()
	if err != nil {
		return nil, err
	}

	n.typ = typeUndoLog
	n.unevictable = true
	n.page[0] = typeUndoLog
	n.page[1] = 0
	n.setLowerNodeID(lowerNodeID)

	return n, nil
}

// ScopeEnter opens a nested scope, returning the savepoint preceding it.
func (u *UndoLog) ScopeEnter() (savepoint int64, err error) {
	lt := u.s.latchForTxn(u.txnID)
	lt.acquireExclusive()
	defer lt.releaseExclusive()

	u.s.commitLock.RLock()
	defer u.s.commitLock.RUnlock()

	savepoint = u.length

	err = u.doPush(opScopeEnter, nil)
	if err != nil {
		return 0, err
	}

	return savepoint, nil
}

// ScopeCommit seals the current scope, returning the new savepoint.
func (u *UndoLog) ScopeCommit() (savepoint int64, err error) {
	lt := u.s.latchForTxn(u.txnID)
	lt.acquireExclusive()
	defer lt.releaseExclusive()

	u.s.commitLock.RLock()
	defer u.s.commitLock.RUnlock()

	err = u.doPush(opScopeCommit, nil)
	if err != nil {
		return 0, err
	}

	return u.length, nil
}

// ScopeRollback pops and applies reverse operations until the log
// shrinks back to the savepoint.
func (u *UndoLog) ScopeRollback(savepoint int64) error {
	lt := u.s.latchForTxn(u.txnID)
	lt.acquireExclusive()
	defer lt.releaseExclusive()

	if savepoint >= u.length {
		return nil
	}

	return u.doRollback(savepoint)
}

// Rollback applies the whole log in reverse. A second call after a
// completed rollback is a no-op. An entry whose reverse operation fails
// stays in the log, so a later call retries it.
func (u *UndoLog) Rollback() error {
	if u.length == 0 {
		// Nothing to rollback, return quickly.
		return nil
	}

	return u.ScopeRollback(0)
}

func (u *UndoLog) doRollback(savepoint int64) (err error) {
	var activeIndex IndexHandle

	for savepoint < u.length {
		// The commit lock covers the pop only. Applying the reverse
		// operation goes through the index surface, which takes its own
		// shared commit lock; nesting the two would deadlock against a
		// waiting commit.
		u.s.commitLock.RLock()
		op, entry, err := u.pop(true)
		u.s.commitLock.RUnlock()

		if err != nil {
			return err
		}
		if entry == nil && op == 0 {
			break
		}

		activeIndex, err = u.undo(activeIndex, op, entry)
		if err != nil {
			// Put the entry back, so a later rollback retries it.
			u.s.commitLock.RLock()
			perr := u.doPush(op, entry)
			u.s.commitLock.RUnlock()

			if perr != nil {
				return perr
			}

			return err
		}
	}

	return nil
}

func (u *UndoLog) undo(activeIndex IndexHandle, op byte, entry []byte) (_ IndexHandle, err error) {
	switch op {
	default:
		return nil, errors.Wrap(ErrCorrupt, "unknown undo log entry type: %d", op)

	case opScopeEnter, opScopeCommit, opCommit, opCommitTruncate:
		// Control markers, only recovery needs them.

	case opIndex:
		u.activeIndexID = int64(binary.LittleEndian.Uint64(entry))
		activeIndex = nil

	case opUninsert:
		for {
			activeIndex, err = u.findIndex(activeIndex)
			if err != nil || activeIndex == nil {
				return activeIndex, err
			}

			err = activeIndex.Delete(entry)
			if err == nil {
				break
			}
			if !errors.Is(err, ErrClosed) {
				return activeIndex, err
			}

			// The shared index reference was closed, re-open it.
			activeIndex = nil
		}

	case opUnupdate, opUndelete:
		key, value := retrieveLeafEntryAtLoc(entry, 0)

		for {
			activeIndex, err = u.findIndex(activeIndex)
			if err != nil || activeIndex == nil {
				return activeIndex, err
			}

			err = activeIndex.Store(key, value)
			if err == nil {
				break
			}
			if !errors.Is(err, ErrClosed) {
				return activeIndex, err
			}

			activeIndex = nil
		}

	case opUndeleteFragmented:
		if u.s.trashHandler == nil {
			return nil, errors.New("fragmented trash handler is not installed")
		}

		err = u.s.trashHandler(u.txnID, entry)
		if err != nil {
			return activeIndex, err
		}

	case opCustom:
		if u.s.customHandler == nil {
			return nil, errors.New("custom transaction handler is not installed")
		}

		err = u.s.customHandler(entry)
		if err != nil {
			return activeIndex, err
		}
	}

	return activeIndex, nil
}

func (u *UndoLog) findIndex(activeIndex IndexHandle) (IndexHandle, error) {
	if activeIndex == nil || activeIndex.IsClosed() {
		return u.s.resolveIndex(u.activeIndexID)
	}

	return activeIndex, nil
}

// Truncate drops all entries. With commit set, each page that becomes
// the chain top as the pages above it are dropped is rewritten with a
// single COMMIT_TRUNCATE op, so a crash mid-truncate recovers as an
// already committed transaction.
func (u *UndoLog) Truncate(commit bool) (err error) {
	lt := u.s.latchForTxn(u.txnID)
	lt.acquireExclusive()
	defer lt.releaseExclusive()

	u.s.commitLock.RLock()
	defer u.s.commitLock.RUnlock()

	if u.length == 0 {
		return nil
	}

	node := u.node
	if node == nil {
		u.bufferPos = len(u.buffer)
	} else {
		node.acquireExclusive()

		for {
			node, err = u.popNode(node, true)
			if err != nil {
				return err
			}
			if node == nil {
				break
			}

			if commit {
				end := u.s.pageSize() - 1
				node.setUndoTop(end)
				node.page[end] = opCommitTruncate

				err = node.write(u.s)
				if err != nil {
					node.releaseExclusive()
					return err
				}
			}
		}
	}

	u.length = 0
	u.activeIndexID = 0

	return nil
}

// Peek returns the last pushed op, or 0 if the log is empty.
func (u *UndoLog) Peek() (byte, error) {
	node := u.node
	if node == nil {
		if u.buffer == nil || u.bufferPos >= len(u.buffer) {
			return 0, nil
		}
		return u.buffer[u.bufferPos], nil
	}

	node.acquireExclusive()

	for {
		pos := node.undoTop()
		if pos < u.s.pageSize() {
			op := node.page[pos]
			node.releaseExclusive()
			return op, nil
		}

		var err error
		node, err = u.popNode(node, false)
		if err != nil {
			return 0, err
		}
		if node == nil {
			return 0, nil
		}
	}
}

// pop removes the top entry. Returns op 0 and a nil entry when nothing
// is left. Non-payload ops return an empty non-nil entry.
func (u *UndoLog) pop(del bool) (op byte, entry []byte, err error) {
	node := u.node
	if node == nil {
		buffer := u.buffer
		if buffer == nil || u.bufferPos >= len(buffer) {
			u.length = 0
			return 0, nil, nil
		}

		pos := u.bufferPos
		op = buffer[pos]
		pos++

		if op < payloadOp {
			u.bufferPos = pos
			u.length -= 1
			return op, []byte{}, nil
		}

		payloadLen, vlen := decodevarlen(buffer[pos:])
		pos += vlen

		entry = make([]byte, payloadLen)
		copy(entry, buffer[pos:])
		u.bufferPos = pos + payloadLen
		u.length -= int64(1 + vlen + payloadLen)

		return op, entry, nil
	}

	node.acquireExclusive()

	var pos int
	for {
		pos = node.undoTop()
		if pos < u.s.pageSize() {
			break
		}

		node, err = u.popNode(node, del)
		if err != nil {
			return 0, nil, err
		}
		if node == nil {
			u.length = 0
			return 0, nil, nil
		}
	}

	op = node.page[pos]
	pos++

	if op < payloadOp {
		u.length -= 1
		node.setUndoTop(pos)

		if pos >= u.s.pageSize() {
			node, err = u.popNode(node, del)
			if err != nil {
				return 0, nil, err
			}
		}
		if node != nil {
			node.releaseExclusive()
		}

		return op, []byte{}, nil
	}

	payloadLen, vlen := decodevarlen(node.page[pos:])
	pos += vlen
	u.length -= int64(1 + vlen + payloadLen)

	entry = make([]byte, payloadLen)
	entryPos := 0

	for {
		avail := payloadLen
		if m := u.s.pageSize() - pos; m < avail {
			avail = m
		}

		copy(entry[entryPos:], node.page[pos:pos+avail])
		payloadLen -= avail
		pos += avail
		node.setUndoTop(pos)

		if pos >= u.s.pageSize() {
			node, err = u.popNode(node, del)
			if err != nil {
				return 0, nil, err
			}
		}

		if payloadLen <= 0 {
			if node != nil {
				node.releaseExclusive()
			}
			return op, entry, nil
		}

		if node == nil {
			return 0, nil, errors.Wrap(ErrCorrupt, "remainder of undo log is missing")
		}

		pos = node.undoTop()
		entryPos += avail
	}
}

// popNode drops the latched parent node, returning the next chain node
// latched, or nil at the chain end. With del set the parent page is
// deleted too.
func (u *UndoLog) popNode(parent *Node, del bool) (_ *Node, err error) {
	var lower *Node

	lowerNodeID := parent.lowerNodeID()
	if lowerNodeID != 0 {
		lower = u.s.nodeMapGetAndRemove(lowerNodeID)
		if lower != nil {
			lower.acquireExclusive()
			if lower.id != lowerNodeID {
				// Evicted while unlinking from the map.
				lower.releaseExclusive()
				lower = nil
			} else {
				lower.unevictable = true
			}
		}

		if lower == nil {
			// Node was evicted, reload it.
			lower, err = u.s.readUndoLogNode(lowerNodeID)
			if err != nil {
				parent.releaseExclusive()
				return nil, err
			}
		}
	}

	if del {
		if parent.id != 0 {
			err = u.s.pstore.DeletePage(parent.id)
			if err != nil {
				if lower != nil {
					lower.releaseExclusive()
				}
				parent.releaseExclusive()
				return nil, err
			}
		}

		u.s.nodeMapRemove(parent.id)

		parent.id = 0
		parent.cachedState = cachedClean
	}

	parent.unevictable = false
	parent.releaseExclusive()

	u.node = lower

	return lower, nil
}

// WriteToMaster emits this log into the master undo log, either as a
// full copy of the buffered form or as a reference to the spilled
// chain. Caller must hold the exclusive commit lock.
func (u *UndoLog) WriteToMaster(master *UndoLog, workspace []byte) ([]byte, error) {
	node := u.node
	if node == nil {
		buffer := u.buffer
		if buffer == nil {
			return workspace, nil
		}

		pos := u.bufferPos
		bsize := len(buffer) - pos
		if bsize == 0 {
			return workspace, nil
		}

		psize := 8 + 8 + 2 + bsize
		if len(workspace) < psize {
			c := roundUpPower2(psize)
			if c < undoInitialBufferSize {
				c = undoInitialBufferSize
			}
			workspace = make([]byte, c)
		}

		u.writeHeaderToMaster(workspace)
		binary.LittleEndian.PutUint16(workspace[8+8:], uint16(bsize))
		copy(workspace[8+8+2:], buffer[pos:])

		return workspace, master.doPush(opLogCopy, workspace[:psize])
	}

	if len(workspace) < 8+8+8+8+2 {
		workspace = make([]byte, undoInitialBufferSize)
	}

	u.writeHeaderToMaster(workspace)
	binary.LittleEndian.PutUint64(workspace[8+8:], uint64(u.length))
	binary.LittleEndian.PutUint64(workspace[8+8+8:], uint64(node.id))
	binary.LittleEndian.PutUint16(workspace[8+8+8+8:], uint16(node.undoTop()))

	return workspace, master.doPush(opLogRef, workspace[:8+8+8+8+2])
}

func (u *UndoLog) writeHeaderToMaster(workspace []byte) {
	binary.LittleEndian.PutUint64(workspace, uint64(u.txnID))
	binary.LittleEndian.PutUint64(workspace[8:], uint64(u.activeIndexID))
}

// Persist writes the resident chain nodes out, so a master log
// reference can be followed after reopen. Caller must hold the
// exclusive commit lock.
func (u *UndoLog) Persist() (err error) {
	node := u.node
	if node == nil {
		return nil
	}

	node.acquireExclusive()

	err = node.write(u.s)
	lowerNodeID := node.lowerNodeID()
	node.releaseExclusive()

	if err != nil {
		return err
	}

	scratch, err := u.s.removeSpareBuffer()
	if err != nil {
		return err
	}
	defer u.s.addSpareBuffer(scratch)

	for lowerNodeID != 0 {
		if lower := u.s.nodeMapGetAndRemove(lowerNodeID); lower != nil {
			lower.acquireExclusive()

			if lower.id == lowerNodeID {
				err = lower.write(u.s)
				next := lower.lowerNodeID()
				u.s.nodeMapPut(lower)
				lower.releaseExclusive()

				if err != nil {
					return err
				}

				lowerNodeID = next
				continue
			}

			lower.releaseExclusive()
		}

		// Evicted, therefore already written. Read the link only.
		err = u.s.readPage(lowerNodeID, scratch)
		if err != nil {
			return err
		}

		lowerNodeID = int64(binary.LittleEndian.Uint64(scratch[4:]))
	}

	return nil
}

// resolveIndex finds the index for reverse operations. With no resolver
// installed the store acts as the single index.
func (s *Store) resolveIndex(id int64) (IndexHandle, error) {
	if s.resolver != nil {
		return s.resolver.AnyIndexByID(id)
	}

	return (*storeIndex)(s), nil
}

// SetIndexResolver installs an external index resolver consumed by
// undo rollback and recovery.
func (s *Store) SetIndexResolver(r IndexResolver) {
	s.resolver = r
}

// SetCustomHandler installs the handler for CUSTOM undo entries.
func (s *Store) SetCustomHandler(h func(payload []byte) error) {
	s.customHandler = h
}

// SetTrashHandler installs the handler undoing fragmented value
// deletes.
func (s *Store) SetTrashHandler(h func(txnID int64, payload []byte) error) {
	s.trashHandler = h
}

type storeIndex Store

func (s *storeIndex) Store(key, value []byte) error { return (*Store)(s).Store(key, value) }
func (s *storeIndex) Delete(key []byte) error       { return (*Store)(s).Delete(key) }
func (s *storeIndex) IsClosed() bool                { return false }

// WriteMasterUndoLog gathers all the given transaction logs into a
// fresh master undo log and persists it, returning the id of its top
// node for the recovery entry point. Zero means no logs had content.
// Caller must hold the exclusive commit lock.
func (s *Store) WriteMasterUndoLog(logs []*UndoLog) (masterNodeID int64, err error) {
	master := s.NewUndoLog(0)

	var workspace []byte
	for _, u := range logs {
		workspace, err = u.WriteToMaster(master, workspace)
		if err != nil {
			return 0, err
		}

		err = u.Persist()
		if err != nil {
			return 0, err
		}
	}

	if master.length == 0 {
		return 0, nil
	}

	err = master.persistReady()
	if err != nil {
		return 0, err
	}

	err = master.Persist()
	if err != nil {
		return 0, err
	}

	return master.node.id, nil
}

// persistReady moves a buffered log into a persistable node.
func (u *UndoLog) persistReady() (err error) {
	if u.node != nil {
		return nil
	}

	node, err := u.allocUnevictableNode(0)
	if err != nil {
		return err
	}

	if buffer := u.buffer; buffer != nil {
		pos := u.bufferPos
		size := len(buffer) - pos
		newPos := u.s.pageSize() - size
		copy(node.page[newPos:], buffer[pos:])
		node.setUndoTop(newPos)
		u.buffer = nil
		u.bufferPos = 0
	} else {
		node.setUndoTop(u.s.pageSize())
	}

	node.releaseExclusive()
	u.node = node

	return nil
}

// RecoverMasterUndoLog reconstructs the master undo log from its top
// node id.
func RecoverMasterUndoLog(s *Store, nodeID int64) (*UndoLog, error) {
	u := s.NewUndoLog(0)

	// The master length is not recorded, the chain end terminates pops.
	u.length = math.MaxInt64

	node, err := s.readUndoLogNode(nodeID)
	if err != nil {
		return nil, err
	}
	node.releaseExclusive()

	u.node = node

	return u, nil
}

// RecoverTransactions replays the master log, reconstructing the
// per-transaction undo logs and re-acquiring their locks. The master
// log is consumed as a side effect.
func (master *UndoLog) RecoverTransactions(locker LockHolder, timeout time.Duration) (txns []*RecoveredTxn, err error) {
	for {
		op, entry, err := master.pop(true)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}

		log, err := master.s.recoverUndoLog(op, entry)
		if err != nil {
			return nil, err
		}

		txn, err := log.recoverTransaction(locker, timeout)
		if err != nil {
			return nil, err
		}

		// Reload the log, recovery consumed it all.
		txn.Log, err = master.s.recoverUndoLog(op, entry)
		if err != nil {
			return nil, err
		}

		txns = append(txns, txn)
	}

	return txns, nil
}

// recoverTransaction scans the log, collecting scopes and the locks to
// re-acquire. The log is consumed entirely.
func (u *UndoLog) recoverTransaction(locker LockHolder, timeout time.Duration) (_ *RecoveredTxn, err error) {
	txn := &RecoveredTxn{
		TxnID: u.txnID,
	}

	// Scopes are recovered in the opposite order of their creation.
	var scopes [][]recoveredLock
	scope := []recoveredLock{}

	acquireLocks := true
	depth := 1

	for u.length > 0 {
		op, entry, err := u.pop(false)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}

		switch op {
		default:
			return nil, errors.Wrap(ErrCorrupt, "unknown undo log entry type: %d", op)

		case opCommit, opCommitTruncate:
			// Transaction committed, acquiring its locks would deadlock
			// with later transactions.
			txn.Committed = true
			acquireLocks = false

		case opScopeEnter:
			depth++
			if depth > len(scopes)+1 {
				txn.Scopes = append(txn.Scopes, u.length)
				scopes = append(scopes, scope)
				scope = []recoveredLock{}
			}

		case opScopeCommit:
			depth--

		case opIndex:
			u.activeIndexID = int64(binary.LittleEndian.Uint64(entry))

		case opUninsert:
			scope = append(scope, recoveredLock{indexID: u.activeIndexID, key: entry})

		case opUnupdate, opUndelete, opUndeleteFragmented:
			key := retrieveLeafKeyAtLoc(entry, 0)
			scope = append(scope, recoveredLock{indexID: u.activeIndexID, key: key})

		case opCustom:
		}
	}

	if acquireLocks && locker != nil {
		scopes = append(scopes, scope)

		// Locks are recovered in the opposite order of acquisition.
		for si := len(scopes) - 1; si >= 0; si-- {
			locks := scopes[si]
			for li := len(locks) - 1; li >= 0; li-- {
				err = locker.LockExclusive(locks[li].indexID, locks[li].key, timeout)
				if err != nil {
					return nil, err
				}
			}
		}
	}

	return txn, nil
}

// recoverUndoLog reconstructs a transaction log from a master log
// entry.
func (s *Store) recoverUndoLog(masterLogOp byte, masterLogEntry []byte) (*UndoLog, error) {
	if masterLogOp != opLogCopy && masterLogOp != opLogRef {
		return nil, errors.Wrap(ErrCorrupt, "unknown undo log entry type: %d", masterLogOp)
	}

	u := s.NewUndoLog(int64(binary.LittleEndian.Uint64(masterLogEntry)))
	u.activeIndexID = int64(binary.LittleEndian.Uint64(masterLogEntry[8:]))

	if masterLogOp == opLogCopy {
		bsize := int(binary.LittleEndian.Uint16(masterLogEntry[8+8:]))
		u.length = int64(bsize)
		u.buffer = make([]byte, bsize)
		copy(u.buffer, masterLogEntry[8+8+2:])
		u.bufferPos = 0

		return u, nil
	}

	u.length = int64(binary.LittleEndian.Uint64(masterLogEntry[8+8:]))
	nodeID := int64(binary.LittleEndian.Uint64(masterLogEntry[8+8+8:]))
	topEntry := int(binary.LittleEndian.Uint16(masterLogEntry[8+8+8+8:]))

	node, err := s.readUndoLogNode(nodeID)
	if err != nil {
		return nil, err
	}

	node.setUndoTop(topEntry)
	node.releaseExclusive()

	u.node = node

	return u, nil
}

func roundUpPower2(x int) int {
	p := 1
	for p < x {
		p <<= 1
	}
	return p
}

func varlen(x int) (n int) {
	n = 1
	for x >= 0x80 {
		n++
		x >>= 7
	}
	return
}

func encodevarlen(p []byte, x int) (i int) {
	for x >= 0x80 {
		p[i] = byte(x) | 0x80
		x >>= 7
		i++
	}

	p[i] = byte(x)

	return i + 1
}

func decodevarlen(p []byte) (x, i int) {
	for _, b := range p {
		x |= int(b) &^ 0x80 << uint(i*7)
		i++

		if b < 0x80 {
			break
		}
	}

	return
}

package tarn

import (
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"hash/crc32"
	"sync"

	"tlog.app/go/errors"
)

type (
	// PageStore is a fixed-size page allocator with two-phase commit
	// metadata. Reserved pages are not durable until Commit installs a
	// new header; deleted pages are not reusable until the commit after
	// the deletion succeeds.
	PageStore interface {
		PageSize() int

		ReadPage(id int64, buf []byte) error
		WriteReservedPage(id int64, buf []byte) error

		ReservePage() (int64, error)
		DeletePage(id int64) error

		// ReturnReservedPage undoes a reservation which never became
		// reachable, making the id immediately reusable.
		ReturnReservedPage(id int64)

		// CommitLock is the single reader-writer commit coordination
		// primitive: mutations hold it shared, the commit coordinator
		// exclusive.
		CommitLock() *sync.RWMutex

		// Commit atomically installs the header returned by prepare as
		// the latest commit record and syncs. The caller must hold the
		// exclusive commit lock; prepare may release it once the commit
		// instant is captured.
		Commit(prepare func() ([]byte, error)) error

		// ReadExtraCommitData yields the extra data of the most recent
		// committed header, empty on a new store.
		ReadExtraCommitData(buf []byte) ([]byte, error)

		Close() error
	}

	// FilePageStore keeps pages in a Back. Page id N occupies bytes
	// [N*pageSize, (N+1)*pageSize). Ids 0 and 1 are the two alternating
	// header slots, so data ids start at 2.
	FilePageStore struct {
		b    Back
		page int64

		clock sync.RWMutex

		mu      sync.Mutex
		count   int64 // total pages, including the header slots
		free    []int64
		pending []int64
		chain   []int64 // freelist pages referenced by the latest header
		commits int64
		extra   []byte
		closed  bool
	}
)

/*
	Header slot layout (big endian), slots at pages 0 and 1.

	00: tarnVVVPPPPPPPP\n // VVV - Version, PPPPPPPP - page size in hex
	10: <crc32> _
	18: <commits>
	20: <page count>
	28: <freelist head>
	30: <extralen> <extra>

	Freelist page layout: <next page id> <count> <count * page id>.

	The slot with the highest commit counter and a valid checksum wins.
	A torn header write corrupts only the slot being written, never the
	one recovery falls back to.
*/

const Version = "000"

const (
	hOffCRC     = 0x10
	hOffCommits = 0x18
	hOffCount   = 0x20
	hOffFree    = 0x28
	hOffExtra   = 0x30

	flOffNext  = 0x0
	flOffCount = 0x8
	flOffIDs   = 0xc
)

var (
	ErrPageChecksum = stderrors.New("page checksum mismatch")
	ErrPageBounds   = stderrors.New("page id out of bounds")
)

var _ PageStore = &FilePageStore{}

func NewFilePageStore(b Back, page int64) (_ *FilePageStore, err error) {
	if page != 0 && (page&(page-1) != 0 || page < 0x100) {
		panic(page)
	}

	s := &FilePageStore{
		b:    b,
		page: page,
	}

	if b.Size() == 0 {
		err = s.initEmpty()
	} else {
		err = s.initExisting()
	}
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *FilePageStore) initEmpty() (err error) {
	if s.page == 0 {
		s.page = DefaultPageSize
	}

	s.count = 2

	err = s.b.Truncate(2 * s.page)
	if err != nil {
		return
	}

	for slot := int64(0); slot < 2; slot++ {
		err = s.writeHeader(slot, 0, 0)
		if err != nil {
			return
		}
	}

	s.commits = 0

	return s.b.Sync()
}

func (s *FilePageStore) initExisting() (err error) {
	if s.page == 0 {
		s.page = 0x100
	}

again:
	p := make([]byte, s.page)

	_, err = s.b.ReadAt(p, 0)
	if err != nil {
		return errors.Wrap(err, "read header")
	}

	var page int64
	_, err = fmt.Sscanf(string(p[:0x10]), "tarn%3s%8x\n", new(string), &page)
	if err != nil {
		return errors.Wrap(ErrPageChecksum, "bad magic")
	}

	if page != s.page {
		s.page = page
		goto again
	}

	latest := int64(-1)

	for slot := int64(0); slot < 2; slot++ {
		_, err = s.b.ReadAt(p, slot*s.page)
		if err != nil {
			return errors.Wrap(err, "read header %d", slot)
		}

		if !crccheckHeader(p) {
			continue
		}

		commits := int64(binary.BigEndian.Uint64(p[hOffCommits:]))
		if latest == -1 || commits > s.commits {
			latest = slot
			s.commits = commits
		}
	}

	if latest == -1 {
		return ErrPageChecksum
	}

	_, err = s.b.ReadAt(p, latest*s.page)
	if err != nil {
		return errors.Wrap(err, "read header %d", latest)
	}

	s.count = int64(binary.BigEndian.Uint64(p[hOffCount:]))
	flHead := int64(binary.BigEndian.Uint64(p[hOffFree:]))

	extralen := binary.BigEndian.Uint32(p[hOffExtra:])
	s.extra = make([]byte, extralen)
	copy(s.extra, p[hOffExtra+4:])

	s.free, s.chain, err = s.readFreelist(flHead)
	if err != nil {
		return errors.Wrap(err, "read freelist")
	}

	if tl.V("pagestore") != nil {
		tl.Printf("pagestore open  commits %4x  count %4x  free %d  chain %d", s.commits, s.count, len(s.free), len(s.chain))
	}

	return nil
}

func (s *FilePageStore) readFreelist(head int64) (free, chain []int64, err error) {
	p := make([]byte, s.page)

	for id := head; id != 0; {
		if id < 2 || id >= s.count {
			return nil, nil, errors.Wrap(ErrPageBounds, "freelist page %x", id)
		}

		_, err = s.b.ReadAt(p, id*s.page)
		if err != nil {
			return nil, nil, errors.Wrap(err, "page %x", id)
		}

		chain = append(chain, id)

		n := int(binary.BigEndian.Uint32(p[flOffCount:]))
		if flOffIDs+8*n > int(s.page) {
			return nil, nil, errors.Wrap(ErrPageBounds, "freelist page %x count %x", id, n)
		}

		for i := 0; i < n; i++ {
			free = append(free, int64(binary.BigEndian.Uint64(p[flOffIDs+8*i:])))
		}

		id = int64(binary.BigEndian.Uint64(p[flOffNext:]))
	}

	return free, chain, nil
}

func (s *FilePageStore) writeHeader(slot, flHead int64, commits int64) (err error) {
	p := make([]byte, s.page)

	h0 := fmt.Sprintf("tarn%3s%8x\n", Version, s.page)
	if len(h0) != 16 {
		panic(len(h0))
	}

	copy(p, h0)

	binary.BigEndian.PutUint64(p[hOffCommits:], uint64(commits))
	binary.BigEndian.PutUint64(p[hOffCount:], uint64(s.count))
	binary.BigEndian.PutUint64(p[hOffFree:], uint64(flHead))

	if len(s.extra) > int(s.page)-hOffExtra-4 {
		panic("extra commit data does not fit the header")
	}

	binary.BigEndian.PutUint32(p[hOffExtra:], uint32(len(s.extra)))
	copy(p[hOffExtra+4:], s.extra)

	crccalcHeader(p)

	_, err = s.b.WriteAt(p, slot*s.page)

	return
}

func crccheckHeader(p []byte) bool {
	sum := crc32.ChecksumIEEE(p[:hOffCRC])
	sum = crc32.Update(sum, crc32.IEEETable, zeros[:4])
	sum = crc32.Update(sum, crc32.IEEETable, p[hOffCRC+4:])

	return sum == binary.BigEndian.Uint32(p[hOffCRC:])
}

func crccalcHeader(p []byte) {
	sum := crc32.ChecksumIEEE(p[:hOffCRC])
	sum = crc32.Update(sum, crc32.IEEETable, zeros[:4])
	sum = crc32.Update(sum, crc32.IEEETable, p[hOffCRC+4:])

	binary.BigEndian.PutUint32(p[hOffCRC:], sum)
}

func (s *FilePageStore) PageSize() int {
	return int(s.page)
}

func (s *FilePageStore) CommitLock() *sync.RWMutex {
	return &s.clock
}

func (s *FilePageStore) checkID(id int64) error {
	s.mu.Lock()
	count := s.count
	s.mu.Unlock()

	if id < 2 || id >= count {
		return errors.Wrap(ErrPageBounds, "page %x of %x", id, count)
	}

	return nil
}

func (s *FilePageStore) ReadPage(id int64, buf []byte) (err error) {
	if err = s.checkID(id); err != nil {
		return err
	}

	_, err = s.b.ReadAt(buf[:s.page], id*s.page)
	if err != nil {
		return errors.Wrap(err, "read page %x", id)
	}

	return nil
}

func (s *FilePageStore) WriteReservedPage(id int64, buf []byte) (err error) {
	if err = s.checkID(id); err != nil {
		return err
	}

	_, err = s.b.WriteAt(buf[:s.page], id*s.page)
	if err != nil {
		return errors.Wrap(err, "write page %x", id)
	}

	return nil
}

func (s *FilePageStore) ReservePage() (id int64, err error) {
	defer s.mu.Unlock()
	s.mu.Lock()

	return s.reservePage()
}

// caller must hold mu.
func (s *FilePageStore) reservePage() (id int64, err error) {
	if s.closed {
		return 0, ErrClosed
	}

	if l := len(s.free); l != 0 {
		id = s.free[l-1]
		s.free = s.free[:l-1]
	} else {
		id = s.count
		s.count++

		err = growFile(s.b, s.page, s.count)
		if err != nil {
			return 0, err
		}
	}

	if tl.V("pagestore,reserve") != nil {
		tl.Printf("pagestore reserve %4x", id)
	}

	return id, nil
}

func (s *FilePageStore) DeletePage(id int64) error {
	if err := s.checkID(id); err != nil {
		return err
	}

	defer s.mu.Unlock()
	s.mu.Lock()

	if tl.V("pagestore,delete") != nil {
		tl.Printf("pagestore delete  %4x", id)
	}

	s.pending = append(s.pending, id)

	return nil
}

func (s *FilePageStore) ReturnReservedPage(id int64) {
	s.mu.Lock()
	s.free = append(s.free, id)
	s.mu.Unlock()
}

func (s *FilePageStore) Commit(prepare func() ([]byte, error)) (err error) {
	// Exclusive commit lock is held here. Deletions made before this
	// instant refer to the generation being committed and become
	// reusable once the new header is durable.
	s.mu.Lock()
	pend := s.pending
	s.pending = nil
	s.mu.Unlock()

	extra, err := prepare()
	if err != nil {
		return errors.Wrap(err, "prepare")
	}

	defer s.mu.Unlock()
	s.mu.Lock()

	ids := make([]int64, 0, len(s.free)+len(pend)+len(s.chain))
	ids = append(ids, s.free...)
	ids = append(ids, pend...)
	ids = append(ids, s.chain...)

	perPage := (int(s.page) - flOffIDs) / 8

	var chain []int64
	p := make([]byte, s.page)

	for i := 0; i < len(ids); i += perPage {
		id := s.count
		s.count++

		err = growFile(s.b, s.page, s.count)
		if err != nil {
			return err
		}

		chain = append(chain, id)
	}

	var head int64
	for ci := len(chain) - 1; ci >= 0; ci-- {
		batch := ids[ci*perPage:]
		if len(batch) > perPage {
			batch = batch[:perPage]
		}

		binary.BigEndian.PutUint64(p[flOffNext:], uint64(head))
		binary.BigEndian.PutUint32(p[flOffCount:], uint32(len(batch)))
		for i, id := range batch {
			binary.BigEndian.PutUint64(p[flOffIDs+8*i:], uint64(id))
		}

		_, err = s.b.WriteAt(p, chain[ci]*s.page)
		if err != nil {
			return errors.Wrap(err, "write freelist page %x", chain[ci])
		}

		head = chain[ci]
	}

	s.extra = append(s.extra[:0], extra...)

	err = s.writeHeader((s.commits+1)&1, head, s.commits+1)
	if err != nil {
		return errors.Wrap(err, "write header")
	}

	err = s.b.Sync()
	if err != nil {
		return errors.Wrap(err, "sync")
	}

	// The old state is unreachable now, everything it kept alive is free.
	s.free = ids
	s.chain = chain
	s.commits++

	if tl.V("pagestore,commit") != nil {
		tl.Printf("pagestore commit %4x  count %4x  free %d", s.commits, s.count, len(s.free))
	}

	return nil
}

func (s *FilePageStore) ReadExtraCommitData(buf []byte) ([]byte, error) {
	defer s.mu.Unlock()
	s.mu.Lock()

	return append(buf[:0], s.extra...), nil
}

func (s *FilePageStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return s.b.Close()
}

func growFile(b Back, page, count int64) (err error) {
	need := count * page

	sz := b.Size()
	if sz >= need {
		return nil
	}

	for sz < need {
		switch {
		case sz < 4*page:
			sz = 4 * page
		case sz < 64*KB:
			sz *= 2
		default:
			sz += sz / 4
		}
	}

	sz -= sz % page

	return b.Truncate(sz)
}

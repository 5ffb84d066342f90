// Package iostream implements the storage core's write buffer (spec
// §4.2 MemoryStreamCore): a growable logical byte sequence composed of
// pool pages, addressed by logical offset with a configurable alignment
// base. It holds every byte written since the last commit (spec §3
// "Write buffer").
package iostream

import (
	"sync"
	"sync/atomic"

	"github.com/openhistorian/storage-core/internal/mempool"
	"github.com/openhistorian/storage-core/internal/storageerr"
)

// pageIndex is the immutable, copy-on-grow array of pages backing a
// Stream. Readers load a *pageIndex snapshot atomically (spec §9
// "version-checked concurrent index"); a growth publishes a new
// snapshot behind a full memory barrier rather than mutating in place.
type pageIndex struct {
	pages []*mempool.Page
}

// Stream is the MemoryStreamCore of spec §4.2.
type Stream struct {
	pool *mempool.MemoryPool

	firstValidPosition int64
	alignment          int64

	growMu sync.Mutex // serializes growth; readers never take this lock
	idx    atomic.Pointer[pageIndex]
}

// New constructs an empty Stream over pool, whose logical addressing
// starts at firstValidPosition (spec §4.5 step 7: "construct a new empty
// [write buffer] aligned to newEnd").
func New(pool *mempool.MemoryPool, firstValidPosition int64) *Stream {
	s := &Stream{pool: pool, firstValidPosition: firstValidPosition, alignment: int64(pool.PageSize)}
	s.idx.Store(&pageIndex{})
	return s
}

// ConfigureAlignment sets the logical base and sub-page alignment unit;
// alignment must divide the pool's PageSize (spec §4.2 ConfigureAlignment).
func (s *Stream) ConfigureAlignment(firstValidPosition, alignment int64) error {
	if alignment <= 0 || int64(s.pool.PageSize)%alignment != 0 {
		return storageerr.Newf(storageerr.OutOfRange, "iostream: alignment %d must divide page size %d", alignment, s.pool.PageSize)
	}
	s.growMu.Lock()
	defer s.growMu.Unlock()
	s.firstValidPosition = firstValidPosition
	s.alignment = alignment
	return nil
}

// FirstValidPosition returns the logical base position below which reads fail.
func (s *Stream) FirstValidPosition() int64 { return s.firstValidPosition }

// pageSize returns the pool's page size as an int64 for arithmetic.
func (s *Stream) pageSize() int64 { return int64(s.pool.PageSize) }

// Length reports the current logical length of the stream, i.e. how far
// past firstValidPosition pages have been allocated.
func (s *Stream) Length() int64 {
	idx := s.idx.Load()
	return int64(len(idx.pages)) * s.pageSize()
}

// GetBlock returns a pointer into the page containing pos, auto-growing
// the stream with freshly allocated pool pages if pos is past the
// current end (spec §4.2 GetBlock/ReadBlock). Fails if pos is below
// firstValidPosition.
func (s *Stream) GetBlock(pos int64) (BlockArguments, error) {
	if pos < s.firstValidPosition {
		return BlockArguments{}, storageerr.Newf(storageerr.OutOfRange, "iostream: position %d below first valid position %d", pos, s.firstValidPosition)
	}
	pageSize := s.pageSize()
	relative := pos - s.firstValidPosition
	pageNo := relative / pageSize

	idx := s.idx.Load()
	if pageNo >= int64(len(idx.pages)) {
		if err := s.growTo(pageNo + 1); err != nil {
			return BlockArguments{}, err
		}
		idx = s.idx.Load()
	}

	page := idx.pages[pageNo]
	firstPosition := s.firstValidPosition + pageNo*pageSize
	return BlockArguments{
		Position:        pos,
		FirstPosition:   firstPosition,
		FirstPointer:    page.Bytes,
		Length:          pageSize,
		SupportsWriting: true,
	}, nil
}

// ReadBlock is GetBlock with IsWriting left false, matching spec §4.2's
// naming of the read-oriented accessor.
func (s *Stream) ReadBlock(pos int64) (BlockArguments, error) {
	return s.GetBlock(pos)
}

// growTo ensures the page index holds at least n pages, allocating
// fresh pool pages for the gap and publishing a new, immutable
// pageIndex snapshot (spec §4.2 "Concurrency").
func (s *Stream) growTo(n int64) error {
	s.growMu.Lock()
	defer s.growMu.Unlock()

	cur := s.idx.Load()
	if int64(len(cur.pages)) >= n {
		return nil
	}
	next := make([]*mempool.Page, len(cur.pages), n)
	copy(next, cur.pages)
	for int64(len(next)) < n {
		p, err := s.pool.AllocatePage()
		if err != nil {
			return err
		}
		next = append(next, p)
	}
	s.idx.Store(&pageIndex{pages: next})
	return nil
}

// CopyTo copies length bytes starting at logical position pos into dest,
// streaming across page boundaries (spec §4.2 CopyTo).
func (s *Stream) CopyTo(pos int64, dest []byte, length int64) error {
	var written int64
	for written < length {
		block, err := s.GetBlock(pos + written)
		if err != nil {
			return err
		}
		offsetInPage := (pos + written) - block.FirstPosition
		avail := block.Length - offsetInPage
		remain := length - written
		n := avail
		if remain < n {
			n = remain
		}
		copy(dest[written:written+n], block.FirstPointer[offsetInPage:offsetInPage+n])
		written += n
	}
	return nil
}

// CopyFrom writes length bytes from src into the stream starting at
// logical position pos, streaming across page boundaries. This is the
// write-side complement CopyTo implies but spec §4.2 does not name
// separately.
func (s *Stream) CopyFrom(pos int64, src []byte, length int64) error {
	var done int64
	for done < length {
		block, err := s.GetBlock(pos + done)
		if err != nil {
			return err
		}
		offsetInPage := (pos + done) - block.FirstPosition
		avail := block.Length - offsetInPage
		remain := length - done
		n := avail
		if remain < n {
			n = remain
		}
		copy(block.FirstPointer[offsetInPage:offsetInPage+n], src[done:done+n])
		done += n
	}
	return nil
}

// Dispose returns every page this stream owns to the pool in a single
// bulk release (spec §4.2 "Lifecycle").
func (s *Stream) Dispose() {
	idx := s.idx.Load()
	indexes := make([]int32, len(idx.pages))
	for i, p := range idx.pages {
		indexes[i] = p.Index
	}
	s.pool.ReleasePages(indexes)
	s.idx.Store(&pageIndex{})
}

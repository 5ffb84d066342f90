// Package diskio implements DiskIoSession (spec §4.6): typed,
// checksum-validated block access layered over BufferedFile's pointer
// API, bound to a fixed FileHeaderBlock snapshot and SubFileHeader
// (fileID).
package diskio

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/openhistorian/storage-core/internal/footer"
	"github.com/openhistorian/storage-core/internal/iostream"
	"github.com/openhistorian/storage-core/internal/pagecache"
	"github.com/openhistorian/storage-core/internal/storageerr"
)

// Length is the usable payload size of a block: blockSize minus the
// trailing 32-byte footer (spec §4.6 "Invariants").
func Length(blockSize int64) int64 { return blockSize - footer.Size }

// BlockSource is the pointer-API a DiskIoSession layers typed,
// checksum-validated access on top of. Both a file-backed BufferedFile
// and the in-memory DiskMedium variant implement it (spec §4.7's
// variant dispatch).
type BlockSource interface {
	GetBlock(lock *pagecache.PageLock, pos int64, isWriting bool) (iostream.BlockArguments, error)
}

// Session is the DiskIoSession of spec §4.6, bound to a single
// FileHeaderBlock snapshot (currentSnapshot) and a caller file id.
type Session struct {
	bf                 BlockSource
	lock               *pagecache.PageLock
	blockSize          int64
	currentSnap        uint32
	fileIDNumber       uint16
	readOnly           bool
	reservedBlockCount int64

	mu sync.Mutex // serializes position+I/O per spec §5 "inner monitor" analogue

	cachedLookup uint64 // atomic, diagnostic counters
	lookup       uint64 // atomic

	cachedRange      iostream.BlockArguments
	cachedRangeValid bool
}

// NewSession opens a session against bf, pinned to currentSnapshot and
// fileIDNumber. reservedBlockCount is the highest block index reserved
// for header storage (spec §6 "Block indices start at 0; indices <=
// reservedBlockCount are header slots (reserved)"); every block API
// call, read or write, rejects blockIndex <= reservedBlockCount
// regardless of which BlockSource backs the session, since not every
// variant (e.g. the in-memory MemoryPoolFile) enforces the reservation
// on its own.
func NewSession(bf BlockSource, cache *pagecache.Algorithm, blockSize int64, currentSnapshot uint32, fileIDNumber uint16, readOnly bool, reservedBlockCount int64) *Session {
	return &Session{
		bf:                 bf,
		lock:               cache.NewPageLock(),
		blockSize:          blockSize,
		currentSnap:        currentSnapshot,
		fileIDNumber:       fileIDNumber,
		readOnly:           readOnly,
		reservedBlockCount: reservedBlockCount,
	}
}

// Dispose releases the session's PageLock. Disposing mid-call is
// undefined behaviour (spec §5 "Cancellation").
func (s *Session) Dispose() { s.lock.Dispose() }

// Clear invalidates the cached range and the pin (spec §4.6 "Clear").
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachedRangeValid = false
	s.lock.Clear()
}

func (s *Session) blockPosition(blockIndex int64) int64 { return blockIndex * s.blockSize }

// block returns the BlockArguments covering blockPosition(blockIndex),
// reusing the session's cached range (cachedLookup) when it already
// covers the position and mode, otherwise fetching a fresh one (lookup).
func (s *Session) block(blockIndex int64, isWriting bool) (iostream.BlockArguments, error) {
	if blockIndex <= s.reservedBlockCount {
		return iostream.BlockArguments{}, storageerr.Newf(storageerr.OutOfRange, "diskio: block %d is within the reserved header region (<= %d)", blockIndex, s.reservedBlockCount)
	}
	pos := s.blockPosition(blockIndex)
	if s.cachedRangeValid &&
		pos >= s.cachedRange.FirstPosition &&
		pos+s.blockSize <= s.cachedRange.FirstPosition+s.cachedRange.Length &&
		(!isWriting || s.cachedRange.SupportsWriting) {
		atomic.AddUint64(&s.cachedLookup, 1)
		return s.cachedRange, nil
	}
	atomic.AddUint64(&s.lookup, 1)
	block, err := s.bf.GetBlock(s.lock, pos, isWriting)
	if err != nil {
		s.cachedRangeValid = false
		return iostream.BlockArguments{}, err
	}
	s.cachedRange = block
	s.cachedRangeValid = true
	return block, nil
}

func (s *Session) blockBytes(block iostream.BlockArguments, blockIndex int64) []byte {
	offset := s.blockPosition(blockIndex) - block.FirstPosition
	return block.FirstPointer[offset : offset+s.blockSize]
}

// validateFooter checks the five failure modes of spec §4.6 Read, in
// the order they are enumerated there.
func (s *Session) validateFooter(raw []byte, expectedType uint8, expectedIndex uint32, strictSnapshot bool) error {
	f := footer.Decode(raw[len(raw)-footer.Size:])
	if f.State == footer.NotValid {
		return errors.WithStack(storageerr.ChecksumInvalid)
	}
	if !footer.Verify(raw) {
		return errors.WithStack(storageerr.ChecksumInvalid)
	}
	if f.BlockType != expectedType {
		return errors.WithStack(storageerr.BlockTypeMismatch)
	}
	if f.IndexValue != expectedIndex {
		return errors.WithStack(storageerr.IndexNumberMismatch)
	}
	if strictSnapshot {
		if f.SnapshotSequence >= s.currentSnap {
			return errors.WithStack(storageerr.PageNewerThanSnapshot)
		}
	} else if f.SnapshotSequence > s.currentSnap {
		return errors.WithStack(storageerr.PageNewerThanSnapshot)
	}
	if f.FileID != s.fileIDNumber {
		return errors.WithStack(storageerr.FileIdMismatch)
	}
	return nil
}

// Read implements spec §4.6 Read: non-strict snapshot comparison
// (footer sequence <= currentSnapshot is acceptable).
func (s *Session) Read(blockIndex int64, expectedType uint8, expectedIndex uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, err := s.block(blockIndex, false)
	if err != nil {
		return nil, err
	}
	raw := s.blockBytes(block, blockIndex)
	if err := s.validateFooter(raw, expectedType, expectedIndex, false); err != nil {
		return nil, err
	}
	return raw[:Length(s.blockSize)], nil
}

// ReadOld is Read with a strict snapshot comparison: the footer's
// snapshot sequence must be strictly less than currentSnapshot (spec
// §4.6 "ReadOld").
func (s *Session) ReadOld(blockIndex int64, expectedType uint8, expectedIndex uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, err := s.block(blockIndex, false)
	if err != nil {
		return nil, err
	}
	raw := s.blockBytes(block, blockIndex)
	if err := s.validateFooter(raw, expectedType, expectedIndex, true); err != nil {
		return nil, err
	}
	return raw[:Length(s.blockSize)], nil
}

// WriteToExistingBlock implements spec §4.6 WriteToExistingBlock: the
// session must not be read-only, blockIndex must be outside the header
// reservation (enforced by block()), and the existing footer must match
// the current snapshot exactly.
func (s *Session) WriteToExistingBlock(blockIndex int64, expectedType uint8, expectedIndex uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return nil, errors.WithStack(storageerr.ReadOnly)
	}

	block, err := s.block(blockIndex, true)
	if err != nil {
		return nil, err
	}
	raw := s.blockBytes(block, blockIndex)
	f := footer.Decode(raw[len(raw)-footer.Size:])
	if f.State == footer.NotValid || !footer.Verify(raw) {
		return nil, errors.WithStack(storageerr.ChecksumInvalid)
	}
	if f.BlockType != expectedType {
		return nil, errors.WithStack(storageerr.BlockTypeMismatch)
	}
	if f.IndexValue != expectedIndex {
		return nil, errors.WithStack(storageerr.IndexNumberMismatch)
	}
	if f.SnapshotSequence != s.currentSnap {
		return nil, errors.WithStack(storageerr.PageNewerThanSnapshot)
	}
	if f.FileID != s.fileIDNumber {
		return nil, errors.WithStack(storageerr.FileIdMismatch)
	}
	return raw[:Length(s.blockSize)], nil
}

// WriteToNewBlock implements spec §4.6 WriteToNewBlock: the same
// write preconditions as WriteToExistingBlock, but clears and writes a
// fresh footer (MustBeRecomputed) instead of validating the old one.
func (s *Session) WriteToNewBlock(blockIndex int64, blockType uint8, indexValue uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return nil, errors.WithStack(storageerr.ReadOnly)
	}

	block, err := s.block(blockIndex, true)
	if err != nil {
		return nil, err
	}
	raw := s.blockBytes(block, blockIndex)
	footer.Clear(raw)
	newFooter := footer.Footer{
		BlockType:        blockType,
		FileID:           s.fileIDNumber,
		IndexValue:       indexValue,
		SnapshotSequence: s.currentSnap,
		State:            footer.MustBeRecomputed,
	}
	newFooter.Encode(raw[len(raw)-footer.Size:])
	return raw[:Length(s.blockSize)], nil
}

// CachedLookupCount and LookupCount report the cached-range-reuse
// diagnostic counters of spec §4.6 ("cachedLookup++"/"lookup++").
func (s *Session) CachedLookupCount() uint64 { return atomic.LoadUint64(&s.cachedLookup) }
func (s *Session) LookupCount() uint64       { return atomic.LoadUint64(&s.lookup) }

// Package bufferedfile implements BufferedFile (spec §4.5): the
// composition of an immutable committed region served through the page
// cache with a mutable write buffer, plus the commit/rollback protocol
// and triplicate header rotation that make the committed region
// crash-safe.
//
// This implementation treats the page cache's page granularity and the
// block-footer granularity as the same size (both equal to the
// configured fileStructureBlockSize, passed in as the owning
// MemoryPool's PageSize) rather than modeling them as two independently
// configurable sizes; see DESIGN.md.
package bufferedfile

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openhistorian/storage-core/internal/filestream"
	"github.com/openhistorian/storage-core/internal/footer"
	"github.com/openhistorian/storage-core/internal/iostream"
	"github.com/openhistorian/storage-core/internal/mempool"
	"github.com/openhistorian/storage-core/internal/pagecache"
	"github.com/openhistorian/storage-core/internal/storageerr"
)

// BufferedFile is spec §4.5's BufferedFile.
type BufferedFile struct {
	stream           *filestream.Stream
	pool             *mempool.MemoryPool
	cache            *pagecache.Algorithm
	blockSize        int64
	headerBlockCount int

	currentHeader atomic.Pointer[FileHeaderBlock]
	writeBuffer   atomic.Pointer[iostream.Stream]

	commitMu sync.Mutex // serializes Commit/Rollback (spec §5: single writer)

	log *logrus.Entry
}

// New wraps stream as a BufferedFile whose committed region currently
// ends at header.CommittedEnd(). Callers that opened an existing file
// should pass the header returned by RecoverHeader; callers creating a
// new file should call InitializeNewFile first and pass its header.
func New(stream *filestream.Stream, pool *mempool.MemoryPool, cache *pagecache.Algorithm, blockSize int64, headerBlockCount int, header FileHeaderBlock) *BufferedFile {
	bf := &BufferedFile{
		stream:           stream,
		pool:             pool,
		cache:            cache,
		blockSize:        blockSize,
		headerBlockCount: headerBlockCount,
		log:              logrus.WithField("component", "bufferedfile"),
	}
	bf.currentHeader.Store(&header)
	bf.writeBuffer.Store(iostream.New(pool, header.CommittedEnd()))
	return bf
}

// InitializeNewFile writes header into header slot 0, headerBlockCount
// times sequentially, without advancing the target offset between
// writes (spec §4.5 "New-file initialisation"; spec §9 open question:
// kept as a literal requirement for compatibility with the canonical
// legacy layout rather than the "write once" steady-state alternative —
// see DESIGN.md).
func InitializeNewFile(stream *filestream.Stream, header FileHeaderBlock, blockSize int64, headerBlockCount int) error {
	buf := make([]byte, blockSize)
	header.Encode(buf)
	for i := 0; i < headerBlockCount; i++ {
		if err := stream.Write(0, buf, blockSize, true); err != nil {
			return errors.Wrap(err, "bufferedfile: new-file header initialisation")
		}
	}
	return nil
}

// RecoverHeader scans every header slot and returns the one with the
// largest valid snapshotSequenceNumber (spec §9 "No redo log": "pick the
// header with the largest valid snapshotSequenceNumber on open").
func RecoverHeader(stream *filestream.Stream, blockSize int64, headerBlockCount int) (FileHeaderBlock, error) {
	var best FileHeaderBlock
	found := false
	buf := make([]byte, blockSize)
	for slot := 0; slot < headerBlockCount; slot++ {
		n, err := stream.ReadRaw(int64(slot)*blockSize, buf)
		if err != nil || n < headerEncodedSize {
			continue
		}
		h, ok := Decode(buf)
		if !ok {
			continue
		}
		if !found || h.SnapshotSequenceNumber > best.SnapshotSequenceNumber {
			best = h
			found = true
		}
	}
	if !found {
		return FileHeaderBlock{}, storageerr.New(storageerr.OutOfRange, "bufferedfile: no valid header found in any of the configured slots")
	}
	return best, nil
}

// Header returns the currently published header.
func (bf *BufferedFile) Header() FileHeaderBlock {
	return *bf.currentHeader.Load()
}

func (bf *BufferedFile) committedEnd() int64 {
	return bf.currentHeader.Load().CommittedEnd()
}

// headerSpan is the size of the reserved region at the front of the
// file: the headerBlockCount physical header slots plus one additional
// reserved block, matching spec §6's "indices <= headerBlockCount are
// header slots (reserved)" (headerBlockCount+1 blocks total, indices
// 0..headerBlockCount inclusive).
func (bf *BufferedFile) headerSpan() int64 {
	return int64(bf.headerBlockCount+1) * bf.blockSize
}

// GetBlock implements spec §4.5 "GetBlock semantics". lock is the
// caller's PageLock, used to pin committed-region pages against
// eviction; it is ignored for write-buffer positions, which are never
// cached.
func (bf *BufferedFile) GetBlock(lock *pagecache.PageLock, pos int64, isWriting bool) (iostream.BlockArguments, error) {
	committedEnd := bf.committedEnd()

	if pos >= committedEnd {
		wb := bf.writeBuffer.Load()
		return wb.GetBlock(pos)
	}
	if pos < bf.headerSpan() {
		return iostream.BlockArguments{}, storageerr.Newf(storageerr.OutOfRange, "bufferedfile: position %d is within the header region (< %d)", pos, bf.headerSpan())
	}
	if isWriting {
		return iostream.BlockArguments{}, storageerr.New(storageerr.ReadOnly, "bufferedfile: cannot write to committed data")
	}

	pageSize := int64(bf.pool.PageSize)
	firstPosition := (pos / pageSize) * pageSize

	if page, ok := lock.TryGetSubPage(firstPosition); ok {
		return bf.blockArgsFor(firstPosition, page, committedEnd), nil
	}

	page, err := bf.pool.AllocatePage()
	if err != nil {
		return iostream.BlockArguments{}, err
	}
	if err := bf.stream.Read(firstPosition, page.Bytes); err != nil {
		bf.pool.ReleasePage(page.Index)
		return iostream.BlockArguments{}, err
	}
	installed, wasAdded, err := lock.GetOrAddPage(firstPosition, page)
	if err != nil {
		bf.pool.ReleasePage(page.Index)
		return iostream.BlockArguments{}, err
	}
	if !wasAdded {
		bf.pool.ReleasePage(page.Index)
	}
	return bf.blockArgsFor(firstPosition, installed, committedEnd), nil
}

func (bf *BufferedFile) blockArgsFor(firstPosition int64, page *mempool.Page, committedEnd int64) iostream.BlockArguments {
	length := int64(len(page.Bytes))
	if firstPosition+length > committedEnd {
		length = committedEnd - firstPosition
	}
	return iostream.BlockArguments{
		FirstPosition:   firstPosition,
		FirstPointer:    page.Bytes,
		Length:          length,
		SupportsWriting: false,
	}
}

// Commit implements spec §4.5's seven-step commit protocol, publishing
// newHeader as the new current header behind a full memory barrier
// after step 4 (the atomic.Pointer store labelled step 6 below, after
// the fsync and the cache promotion, matching the "fsync then publish"
// ordering).
func (bf *BufferedFile) Commit(newHeader FileHeaderBlock) error {
	bf.commitMu.Lock()
	defer bf.commitMu.Unlock()

	oldHeader := bf.Header()
	oldEnd := oldHeader.CommittedEnd()
	newEnd := newHeader.CommittedEnd()
	copyLen := newEnd - oldEnd
	if copyLen < 0 {
		return storageerr.Newf(storageerr.OutOfRange, "bufferedfile: commit would shrink committed end from %d to %d", oldEnd, newEnd)
	}

	wb := bf.writeBuffer.Load()

	// step 1-2: persist the new committed tail.
	if copyLen > 0 {
		tail := make([]byte, copyLen)
		if err := wb.CopyTo(oldEnd, tail, copyLen); err != nil {
			return errors.Wrap(err, "bufferedfile: commit: read write buffer tail")
		}
		if err := bf.stream.Write(oldEnd, tail, copyLen, true); err != nil {
			return errors.Wrap(err, "bufferedfile: commit: write committed tail")
		}
	}

	// step 3: rotate headers.
	if err := bf.writeHeaderSlots(newHeader); err != nil {
		return err
	}

	// step 4: fsync.
	if err := bf.stream.Sync(); err != nil {
		return errors.Wrap(err, "bufferedfile: commit: fsync")
	}

	// step 5: promote write-buffer pages into the cache.
	if copyLen > 0 {
		if err := bf.promoteWriteBufferLocked(wb, oldEnd, newEnd); err != nil {
			return err
		}
	}

	// step 6: publish the new header (atomic store = the memory barrier).
	bf.currentHeader.Store(&newHeader)

	// step 7: dispose the old write buffer, construct a fresh one.
	bf.writeBuffer.Store(iostream.New(bf.pool, newEnd))
	wb.Dispose()

	bf.log.WithField("snapshotSequenceNumber", newHeader.SnapshotSequenceNumber).Info("bufferedfile: committed")
	return nil
}

func (bf *BufferedFile) writeHeaderSlots(h FileHeaderBlock) error {
	buf := make([]byte, bf.blockSize)
	h.Encode(buf)

	slots := map[int]bool{0: true, 1: true}
	if bf.headerBlockCount == 10 {
		slots[int((h.SnapshotSequenceNumber)&7)+2] = true
	} else {
		for i := 0; i < bf.headerBlockCount; i++ {
			slots[i] = true
		}
	}
	for slot := range slots {
		if err := bf.stream.Write(int64(slot)*bf.blockSize, buf, bf.blockSize, true); err != nil {
			return errors.Wrapf(err, "bufferedfile: commit: write header slot %d", slot)
		}
	}
	return nil
}

// promoteWriteBufferLocked moves [oldEnd, newEnd) out of wb into the
// page cache, one pool page at a time (spec §4.5 commit step 5).
func (bf *BufferedFile) promoteWriteBufferLocked(wb *iostream.Stream, oldEnd, newEnd int64) error {
	pageSize := int64(bf.pool.PageSize)
	firstPageStart := (oldEnd / pageSize) * pageSize

	for pageStart := firstPageStart; pageStart < newEnd; pageStart += pageSize {
		if existing, ok := bf.cache.Lookup(pageStart); ok && pageStart < oldEnd {
			offsetInPage := oldEnd - pageStart
			fillLen := pageSize - offsetInPage
			if pageStart+pageSize > newEnd {
				fillLen = newEnd - oldEnd
			}
			if fillLen <= 0 {
				continue
			}
			if err := wb.CopyTo(oldEnd, existing.Bytes[offsetInPage:offsetInPage+fillLen], fillLen); err != nil {
				return errors.Wrap(err, "bufferedfile: commit: fill tail page")
			}
			footer.Compute(existing.Bytes)
			continue
		}

		page, err := bf.pool.AllocatePage()
		if err != nil {
			return err
		}
		if err := wb.CopyTo(pageStart, page.Bytes, pageSize); err != nil {
			bf.pool.ReleasePage(page.Index)
			return errors.Wrap(err, "bufferedfile: commit: copy new page from write buffer")
		}
		footer.Compute(page.Bytes)
		added, err := bf.cache.TryAddPage(pageStart, page)
		if err != nil {
			bf.pool.ReleasePage(page.Index)
			return err
		}
		if !added {
			bf.pool.ReleasePage(page.Index)
		}
	}
	return nil
}

// Rollback discards the write buffer and constructs a fresh one aligned
// to the current committedEnd; the committed region and headers are
// unchanged (spec §4.5 "Rollback").
func (bf *BufferedFile) Rollback() {
	bf.commitMu.Lock()
	defer bf.commitMu.Unlock()

	old := bf.writeBuffer.Load()
	bf.writeBuffer.Store(iostream.New(bf.pool, bf.committedEnd()))
	old.Dispose()
}

// RequestCollection implements mempool.Collector by delegating to the
// page cache's DoCollection, invoked twice under CollectionCritical
// (spec §4.5 "Memory-pool collection hook").
func (bf *BufferedFile) RequestCollection(mode mempool.CollectionMode) {
	bf.cache.DoCollection(mode)
	if mode == mempool.CollectionCritical {
		bf.cache.DoCollection(mode)
	}
}

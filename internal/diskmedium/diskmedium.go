// Package diskmedium implements DiskMedium (spec §4.7): a variant
// holder dispatching either to an in-memory MemoryPoolFile or to a
// file-backed BufferedFile, owning the current FileHeaderBlock and
// forwarding session creation and file-identity operations.
package diskmedium

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/openhistorian/storage-core/internal/bufferedfile"
	"github.com/openhistorian/storage-core/internal/diskio"
	"github.com/openhistorian/storage-core/internal/filestream"
	"github.com/openhistorian/storage-core/internal/mempool"
	"github.com/openhistorian/storage-core/internal/pagecache"
)

// Variant selects which backing implementation a DiskMedium dispatches to.
type Variant int

const (
	VariantMemory Variant = iota
	VariantFile
)

// DiskMedium is spec §4.7's variant holder.
type DiskMedium struct {
	variant Variant
	memFile *MemoryPoolFile
	file    *bufferedfile.BufferedFile
	stream  *filestream.Stream // nil for VariantMemory

	pool             *mempool.MemoryPool
	cache            *pagecache.Algorithm
	blockSize        int64
	headerBlockCount int
	fileIDNumber     uint16

	currentHeader atomic.Pointer[bufferedfile.FileHeaderBlock]

	log *logrus.Entry
}

// NewMemory constructs a memory-only DiskMedium (spec §4.7
// "MemoryPoolFile (in-memory variant, commit/rollback are no-ops over
// the pool stream)").
func NewMemory(pool *mempool.MemoryPool, blockSize int64, headerBlockCount int, fileIDNumber uint16, header bufferedfile.FileHeaderBlock) *DiskMedium {
	cache := pagecache.NewAlgorithm(pool)
	pool.Subscribe(cache)
	m := NewMemoryPoolFile(pool, cache, header)

	dm := &DiskMedium{
		variant:          VariantMemory,
		memFile:          m,
		pool:             pool,
		cache:            cache,
		blockSize:        blockSize,
		headerBlockCount: headerBlockCount,
		fileIDNumber:     fileIDNumber,
		log:              logrus.WithField("component", "diskmedium"),
	}
	dm.currentHeader.Store(&header)
	return dm
}

// NewFile constructs a file-backed DiskMedium over an already-opened
// filestream.Stream, initializing a new file if isNewFile is set or
// recovering the latest header otherwise (spec §9's recovery note).
func NewFile(stream *filestream.Stream, pool *mempool.MemoryPool, blockSize int64, headerBlockCount int, fileIDNumber uint16, isNewFile bool, newFileHeader bufferedfile.FileHeaderBlock) (*DiskMedium, error) {
	cache := pagecache.NewAlgorithm(pool)
	pool.Subscribe(cache)

	var header bufferedfile.FileHeaderBlock
	if isNewFile {
		if err := bufferedfile.InitializeNewFile(stream, newFileHeader, blockSize, headerBlockCount); err != nil {
			return nil, err
		}
		header = newFileHeader
	} else {
		recovered, err := bufferedfile.RecoverHeader(stream, blockSize, headerBlockCount)
		if err != nil {
			return nil, err
		}
		header = recovered
	}

	bf := bufferedfile.New(stream, pool, cache, blockSize, headerBlockCount, header)
	dm := &DiskMedium{
		variant:          VariantFile,
		file:             bf,
		stream:           stream,
		pool:             pool,
		cache:            cache,
		blockSize:        blockSize,
		headerBlockCount: headerBlockCount,
		fileIDNumber:     fileIDNumber,
		log:              logrus.WithField("component", "diskmedium"),
	}
	dm.currentHeader.Store(&header)
	return dm, nil
}

// Header returns the currently published FileHeaderBlock (spec §4.7
// "publishes the new header behind a memory barrier on commit").
func (dm *DiskMedium) Header() bufferedfile.FileHeaderBlock {
	return *dm.currentHeader.Load()
}

// Commit promotes the write buffer (file variant) or republishes the
// header (memory variant), then publishes newHeader.
func (dm *DiskMedium) Commit(newHeader bufferedfile.FileHeaderBlock) error {
	var err error
	switch dm.variant {
	case VariantFile:
		err = dm.file.Commit(newHeader)
	default:
		err = dm.memFile.Commit(newHeader)
	}
	if err != nil {
		return err
	}
	dm.currentHeader.Store(&newHeader)
	return nil
}

// Rollback discards the uncommitted write buffer, if any.
func (dm *DiskMedium) Rollback() {
	switch dm.variant {
	case VariantFile:
		dm.file.Rollback()
	default:
		dm.memFile.Rollback()
	}
}

// CreateIoSession opens a DiskIoSession bound to the medium's current
// header snapshot (spec §4.7 "forwards CreateIoSession").
func (dm *DiskMedium) CreateIoSession(readOnly bool) *diskio.Session {
	header := dm.Header()
	var source diskio.BlockSource
	switch dm.variant {
	case VariantFile:
		source = dm.file
	default:
		source = dm.memFile
	}
	return diskio.NewSession(source, dm.cache, dm.blockSize, header.SnapshotSequenceNumber, dm.fileIDNumber, readOnly, int64(dm.headerBlockCount))
}

// ChangeExtension forwards to the underlying file-backed stream (spec
// §4.7 "forwards ChangeExtension"). A no-op for the memory variant,
// which has no backing path.
func (dm *DiskMedium) ChangeExtension(newPath string, readOnly, shared bool) error {
	if dm.variant != VariantFile {
		return nil
	}
	return dm.stream.ChangeExtension(newPath, readOnly, shared)
}

// ChangeShareMode forwards to the underlying file-backed stream (spec
// §4.7 "forwards ChangeShareMode"). A no-op for the memory variant.
func (dm *DiskMedium) ChangeShareMode(readOnly, shared bool) error {
	if dm.variant != VariantFile {
		return nil
	}
	return dm.stream.ChangeShareMode(readOnly, shared)
}

// Variant reports which backing implementation this medium dispatches to.
func (dm *DiskMedium) Variant() Variant { return dm.variant }

package diskmedium

import (
	"sync"

	"github.com/dsnet/golib/memfile"

	"github.com/openhistorian/storage-core/internal/bufferedfile"
	"github.com/openhistorian/storage-core/internal/iostream"
	"github.com/openhistorian/storage-core/internal/mempool"
	"github.com/openhistorian/storage-core/internal/pagecache"
)

// MemoryPoolFile is spec §4.7's in-memory DiskMedium variant: every
// block lives directly in a pool page owned by the cache, with no
// separate write buffer or committed region, so Commit and Rollback
// are no-ops over the underlying pool stream. mem is not used to
// duplicate page contents (the cache already holds the single copy of
// record); it tracks the file's logical extent so callers can report a
// size the way they would for a real file (spec §4.7's "memory-only
// variant").
type MemoryPoolFile struct {
	pool  *mempool.MemoryPool
	cache *pagecache.Algorithm
	mem   *memfile.File

	mu     sync.Mutex
	length int64

	header bufferedfile.FileHeaderBlock
}

// NewMemoryPoolFile constructs an empty in-memory medium described by
// header.
func NewMemoryPoolFile(pool *mempool.MemoryPool, cache *pagecache.Algorithm, header bufferedfile.FileHeaderBlock) *MemoryPoolFile {
	return &MemoryPoolFile{
		pool:   pool,
		cache:  cache,
		mem:    memfile.New(nil),
		length: header.CommittedEnd(),
		header: header,
	}
}

// GetBlock implements diskio.BlockSource for the memory-only variant:
// every position is both readable and writable, since there is no
// committed/write-buffer split to enforce (spec §4.7).
func (m *MemoryPoolFile) GetBlock(lock *pagecache.PageLock, pos int64, isWriting bool) (iostream.BlockArguments, error) {
	pageSize := int64(m.pool.PageSize)
	firstPosition := (pos / pageSize) * pageSize

	if page, ok := lock.TryGetSubPage(firstPosition); ok {
		return m.blockArgsFor(firstPosition, page), nil
	}

	page, err := m.pool.AllocatePage()
	if err != nil {
		return iostream.BlockArguments{}, err
	}
	for i := range page.Bytes {
		page.Bytes[i] = 0
	}
	installed, wasAdded, err := lock.GetOrAddPage(firstPosition, page)
	if err != nil {
		m.pool.ReleasePage(page.Index)
		return iostream.BlockArguments{}, err
	}
	if !wasAdded {
		m.pool.ReleasePage(page.Index)
	}

	m.mu.Lock()
	if end := firstPosition + pageSize; end > m.length {
		m.length = end
		m.mem.Truncate(m.length)
	}
	m.mu.Unlock()

	return m.blockArgsFor(firstPosition, installed), nil
}

func (m *MemoryPoolFile) blockArgsFor(firstPosition int64, page *mempool.Page) iostream.BlockArguments {
	return iostream.BlockArguments{
		FirstPosition:   firstPosition,
		FirstPointer:    page.Bytes,
		Length:          int64(len(page.Bytes)),
		SupportsWriting: true,
	}
}

// Length reports the medium's logical extent.
func (m *MemoryPoolFile) Length() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.length
}

// Header returns the medium's current header.
func (m *MemoryPoolFile) Header() bufferedfile.FileHeaderBlock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header
}

// Commit is a no-op over the pool stream: the memory-only variant has
// no separate write buffer to promote, so it simply republishes the
// header (spec §4.7: "commit/rollback are no-ops over the pool
// stream").
func (m *MemoryPoolFile) Commit(newHeader bufferedfile.FileHeaderBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.header = newHeader
	return nil
}

// Rollback is a no-op for the memory-only variant.
func (m *MemoryPoolFile) Rollback() {}

// Package pagecache implements the storage core's page-replacement
// algorithm (spec §4.3): a thread-safe cache mapping file-offset to page,
// with per-session PageLocks that pin pages against eviction and a
// quasi-LRU eviction policy driven by the owning MemoryPool's collection
// broadcasts.
package pagecache

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/openhistorian/storage-core/internal/mempool"
	"github.com/openhistorian/storage-core/internal/storageerr"
)

// maxOffsetMultiplier is the largest page number (absolute position
// divided by PageSize) the algorithm will cache, per spec §4.3
// TryAddPage: "non-negative, ≤ (2^31 − 1) × PageSize".
const maxOffsetMultiplier = (1 << 31) - 1

// cachedPage is the (fileOffsetIndex, page, referenceCount) tuple of
// spec §3 CachedPage.
type cachedPage struct {
	offset   int64
	page     *mempool.Page
	refCount uint32
}

// Algorithm is the PageReplacementAlgorithm of spec §4.3. It registers
// itself as a mempool.Collector, so a pool's collection broadcasts drive
// eviction directly via DoCollection.
type Algorithm struct {
	pageSize int64

	mu       sync.Mutex
	byOffset map[int64]*cachedPage
	pinCount map[int64]int // offset -> number of PageLocks currently pinning it
	locks    map[uint64]*PageLock
	nextLock uint64

	pool *mempool.MemoryPool
	log  *logrus.Entry
}

// NewAlgorithm constructs an Algorithm backed by pool, whose pages it
// cache-fills and returns on eviction.
func NewAlgorithm(pool *mempool.MemoryPool) *Algorithm {
	return &Algorithm{
		pageSize: int64(pool.PageSize),
		byOffset: make(map[int64]*cachedPage),
		pinCount: make(map[int64]int),
		locks:    make(map[uint64]*PageLock),
		pool:     pool,
		log:      logrus.WithField("component", "pagecache"),
	}
}

func (a *Algorithm) validateOffset(absPos int64) error {
	if absPos < 0 {
		return storageerr.Newf(storageerr.OutOfRange, "pagecache: negative offset %d", absPos)
	}
	if absPos%a.pageSize != 0 {
		return storageerr.Newf(storageerr.OutOfRange, "pagecache: offset %d not aligned to page size %d", absPos, a.pageSize)
	}
	if absPos/a.pageSize > maxOffsetMultiplier {
		return storageerr.Newf(storageerr.OutOfRange, "pagecache: offset %d exceeds maximum addressable range", absPos)
	}
	return nil
}

// TryAddPage inserts a page the caller already owns at absPos. It fails
// if another cached page already owns that offset (spec §4.3 TryAddPage).
func (a *Algorithm) TryAddPage(absPos int64, page *mempool.Page) (bool, error) {
	if err := a.validateOffset(absPos); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.byOffset[absPos]; exists {
		return false, nil
	}
	a.byOffset[absPos] = &cachedPage{offset: absPos, page: page, refCount: 1}
	return true, nil
}

// Lookup returns the cached page at absPos without pinning it, for
// diagnostics and tests; production callers should go through a PageLock.
func (a *Algorithm) Lookup(absPos int64) (*mempool.Page, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp, ok := a.byOffset[absPos]
	if !ok {
		return nil, false
	}
	return cp.page, true
}

// Len reports how many pages are currently cached, for tests.
func (a *Algorithm) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byOffset)
}

// RefCount reports the current reference-count weight of the page cached
// at absPos, for tests asserting the collection-idempotence law (spec §8).
func (a *Algorithm) RefCount(absPos int64) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp, ok := a.byOffset[absPos]
	if !ok {
		return 0, false
	}
	return cp.refCount, true
}

// RequestCollection implements mempool.Collector: it is invoked by the
// owning pool during an allocation's collection round (spec §4.1 step 3-4).
func (a *Algorithm) RequestCollection(mode mempool.CollectionMode) {
	a.DoCollection(mode)
}

// DoCollection implements spec §4.3 DoCollection: for every cached page
// not referenced by any active PageLock, shift its refCount right by one
// bit; pages whose refCount reaches zero are evicted and returned to the
// pool. Under CollectionCritical the shift runs twice in one call.
func (a *Algorithm) DoCollection(mode mempool.CollectionMode) {
	a.mu.Lock()
	defer a.mu.Unlock()

	passes := 1
	if mode == mempool.CollectionCritical {
		passes = 2
	}

	var released []int32
	for i := 0; i < passes; i++ {
		for offset, cp := range a.byOffset {
			if a.pinCount[offset] > 0 {
				continue
			}
			cp.refCount >>= 1
			if cp.refCount == 0 {
				released = append(released, cp.page.Index)
				delete(a.byOffset, offset)
			}
		}
	}
	if len(released) > 0 {
		a.pool.ReleasePages(released)
		a.log.WithField("count", len(released)).Debug("pagecache: evicted pages")
	}
}

func (a *Algorithm) pinLocked(offset int64) {
	a.pinCount[offset]++
}

func (a *Algorithm) unpinLocked(offset int64) {
	n := a.pinCount[offset] - 1
	if n <= 0 {
		delete(a.pinCount, offset)
		return
	}
	a.pinCount[offset] = n
}

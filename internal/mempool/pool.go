// Package mempool implements the storage core's arena allocator of
// fixed-size pages (spec §4.1 MemoryPool). All I/O buffers used by the
// rest of the core — the page-replacement cache, the write buffer, the
// per-session scratch arrays — are pages lent out of a MemoryPool.
package mempool

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openhistorian/storage-core/internal/storageerr"
)

const (
	// MinimumPageSize is the smallest allowed PageSize (spec §6 pageSize).
	MinimumPageSize = 4 * 1024
	// MaximumPageSize is the largest allowed PageSize (spec §6 pageSize).
	MaximumPageSize = 256 * 1024
	// minimumFloorBytes is the lower clamp for MaximumPoolSize (spec §4.1).
	minimumFloorBytes = 10 * 1024 * 1024
	// maximumCeilingBytes caps MaximumPoolSize regardless of system memory
	// (spec §4.1 "capped at 124 GiB").
	maximumCeilingBytes = 124 * 1024 * 1024 * 1024
	// growthFraction is the fraction of MaximumPoolSize the pool grows by
	// on an allocation miss (spec §4.1 step 5).
	growthFraction = 0.10
	// shrinkHeadroomFraction / shrinkFloorFraction define the
	// stop-shrink limit (spec §4.1 "Shrink policy").
	shrinkHeadroomFraction = 0.15
	shrinkFloorFraction    = 0.05
)

// Collector is the subscriber interface a page-cache or other page owner
// implements to participate in pool collection rounds (spec §4.1 "Event
// RequestCollection"). Implementations must not call back into
// AllocatePage from within RequestCollection: doing so deadlocks on
// syncAllocate (spec §5 "documented deadlock risk").
type Collector interface {
	RequestCollection(mode CollectionMode)
}

type subscriber struct {
	id uint64
	c  Collector
}

// MemoryPool is the arena allocator described in spec §4.1. A pool is
// typically shared across several storage instances (spec §5 "Shared
// resources").
type MemoryPool struct {
	PageSize int

	syncRoot      sync.Mutex // guards capacity, thresholds, growth/shrink, subscribers
	syncAllocate  sync.Mutex // serializes allocations that grow the pool
	bitmap        *freeBitmap
	blockSizes    []int64 // size in bytes of each allocated memory block, in order
	blockPages    []int   // pages held by each block, parallel to blockSizes
	pages         []*Page // flat page table, index == Page.Index; pointers are stable across growth
	capacityBytes int64   // sum(blockSizes)

	maximumPoolSize int64
	level           UtilizationLevel
	thresholds      thresholdBytes

	releasePageVersion uint64 // atomic

	subs    []subscriber
	nextSub uint64

	log *logrus.Entry
}

// Option configures a MemoryPool at construction time.
type Option func(*MemoryPool)

// WithLogger overrides the default logrus.StandardLogger() entry.
func WithLogger(log *logrus.Entry) Option {
	return func(p *MemoryPool) { p.log = log }
}

// WithUtilizationLevel sets the initial collection-threshold policy (spec
// §4.1 "Utilization thresholds"), overriding the UtilizationMedium default.
func WithUtilizationLevel(level UtilizationLevel) Option {
	return func(p *MemoryPool) { p.level = level }
}

// New constructs a MemoryPool with the given page size (spec §6
// pageSize: 4096..262144, power of two) and an initial MaximumPoolSize.
// Pass maximumPoolSize <= 0 (the config default of -1, spec §6) to select
// the fixed fallback of one sixteenth of the 124 GiB ceiling; system
// memory is not probed.
func New(pageSize int, maximumPoolSize int64, opts ...Option) (*MemoryPool, error) {
	if pageSize < MinimumPageSize || pageSize > MaximumPageSize || !isPowerOfTwo(pageSize) {
		return nil, storageerr.Newf(storageerr.OutOfRange, "mempool: page size %d must be a power of two in [%d,%d]", pageSize, MinimumPageSize, MaximumPageSize)
	}
	p := &MemoryPool{
		PageSize: pageSize,
		bitmap:   newFreeBitmap(),
		level:    UtilizationMedium,
		log:      logrus.WithField("component", "mempool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.maximumPoolSize = clampMaximumPoolSize(maximumPoolSize)
	p.thresholds = computeThresholds(p.level, p.maximumPoolSize)
	return p, nil
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

// SetMaximumBufferSize clamps and applies a new MaximumPoolSize, returning
// the effective value actually applied (spec §4.1 SetMaximumBufferSize).
func (p *MemoryPool) SetMaximumBufferSize(bytes int64) int64 {
	p.syncRoot.Lock()
	defer p.syncRoot.Unlock()
	p.maximumPoolSize = clampMaximumPoolSize(bytes)
	p.thresholds = computeThresholds(p.level, p.maximumPoolSize)
	return p.maximumPoolSize
}

func clampMaximumPoolSize(bytes int64) int64 {
	if bytes <= 0 {
		bytes = maximumCeilingBytes / 16 // conservative auto default absent a system-memory probe
	}
	if bytes < minimumFloorBytes {
		return minimumFloorBytes
	}
	if bytes > maximumCeilingBytes {
		return maximumCeilingBytes
	}
	return bytes
}

// SetTargetUtilizationLevel recomputes collection thresholds for a new
// policy tag (spec §4.1 SetTargetUtilizationLevel).
func (p *MemoryPool) SetTargetUtilizationLevel(level UtilizationLevel) {
	p.syncRoot.Lock()
	defer p.syncRoot.Unlock()
	p.level = level
	p.thresholds = computeThresholds(level, p.maximumPoolSize)
}

// Subscribe registers a Collector for pool collection broadcasts and
// returns an id usable with Unsubscribe. Modeled as an explicit
// register/unregister pair rather than a GC weak reference (spec §9
// "Weak registration... in a language without GC, model this as a
// registry keyed by a stable session id with explicit unregister").
func (p *MemoryPool) Subscribe(c Collector) uint64 {
	p.syncRoot.Lock()
	defer p.syncRoot.Unlock()
	p.nextSub++
	id := p.nextSub
	p.subs = append(p.subs, subscriber{id: id, c: c})
	return id
}

// Unsubscribe removes a previously registered Collector.
func (p *MemoryPool) Unsubscribe(id uint64) {
	p.syncRoot.Lock()
	defer p.syncRoot.Unlock()
	for i, s := range p.subs {
		if s.id == id {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			return
		}
	}
}

func (p *MemoryPool) broadcastCollection(mode CollectionMode) {
	p.syncRoot.Lock()
	subsCopy := make([]subscriber, len(p.subs))
	copy(subsCopy, p.subs)
	p.syncRoot.Unlock()

	for _, s := range subsCopy {
		s.c.RequestCollection(mode)
	}
}

// ReleasePageVersion returns the current monotonically non-decreasing
// release counter (spec §3 CachedPage, §4.1 "releasePageVersion").
func (p *MemoryPool) ReleasePageVersion() uint64 {
	return atomic.LoadUint64(&p.releasePageVersion)
}

// CapacityBytes reports total pool capacity currently allocated from the OS.
func (p *MemoryPool) CapacityBytes() int64 {
	p.syncRoot.Lock()
	defer p.syncRoot.Unlock()
	return p.capacityBytes
}

// FreeBytes reports bytes currently unallocated within the pool's capacity.
func (p *MemoryPool) FreeBytes() int64 {
	return p.bitmap.freeCount() * int64(p.PageSize)
}

// AllocatePage implements spec §4.1 "Allocation algorithm". It returns an
// uninitialised page; callers must not assume zeroed memory.
func (p *MemoryPool) AllocatePage() (*Page, error) {
	// step 1: lock-free take.
	if idx, ok := p.bitmap.tryTake(); ok {
		return p.pages[idx], nil
	}

	p.syncAllocate.Lock()
	defer p.syncAllocate.Unlock()

	// step 2: re-attempt under the allocate mutex.
	if idx, ok := p.bitmap.tryTake(); ok {
		return p.pages[idx], nil
	}

collect:
	version := atomic.LoadUint64(&p.releasePageVersion)

	// step 3: a normal collection round, then recompute thresholds and
	// apply the shrink policy.
	p.broadcastCollection(CollectionNormal)
	p.syncRoot.Lock()
	p.thresholds = computeThresholds(p.level, p.maximumPoolSize)
	p.shrinkIfPossibleLocked()
	p.syncRoot.Unlock()

	// step 4: escalate according to the collection level (spec §4.1
	// "Current capacity determines a collection level 0-5; higher levels
	// run more passes per cycle"). Level is recomputed after every pass
	// since a collector may free more than one page's worth of room.
	level := p.currentCollectionLevel()
	for pass := 0; pass < level; pass++ {
		mode := CollectionEmergency
		if level >= 5 && pass == level-1 {
			mode = CollectionCritical
		}
		p.log.WithFields(logrus.Fields{"level": level, "pass": pass}).Warn("mempool: collection pass")
		p.broadcastCollection(mode)
		level = p.currentCollectionLevel()
	}

	// step 5: grow if below ceiling.
	if idx, ok := p.bitmap.tryTake(); !ok {
		p.growIfPossible()
		if idx2, ok2 := p.bitmap.tryTake(); ok2 {
			return p.pages[idx2], nil
		}
	} else {
		return p.pages[idx], nil
	}

	// step 6: final re-attempt.
	if idx, ok := p.bitmap.tryTake(); ok {
		return p.pages[idx], nil
	}
	if atomic.LoadUint64(&p.releasePageVersion) == version {
		return nil, errors.WithStack(storageerr.OutOfMemory)
	}
	// progress was made elsewhere; run another collection round.
	goto collect
}

// currentCollectionLevel reports the current collection pressure level
// (spec §4.1 "collection level 0-5") against p.thresholds.
func (p *MemoryPool) currentCollectionLevel() int {
	free := p.FreeBytes()
	p.syncRoot.Lock()
	inUse := p.capacityBytes - free
	tb := p.thresholds
	p.syncRoot.Unlock()
	return tb.collectionLevel(inUse)
}

func (p *MemoryPool) growIfPossible() {
	p.syncRoot.Lock()
	defer p.syncRoot.Unlock()

	if p.capacityBytes >= p.maximumPoolSize {
		return
	}
	growBudget := int64(growthFraction * float64(p.maximumPoolSize))
	if growBudget < int64(p.PageSize) {
		growBudget = int64(p.PageSize)
	}
	room := p.maximumPoolSize - p.capacityBytes
	if growBudget > room {
		growBudget = room
	}
	blockSize := growBudget - (growBudget % int64(p.PageSize))
	if blockSize < int64(p.PageSize) {
		return
	}

	pagesInBlock := int(blockSize / int64(p.PageSize))
	start := p.bitmap.growBy(pagesInBlock)
	for i := 0; i < pagesInBlock; i++ {
		p.pages = append(p.pages, &Page{
			Index: start + int32(i),
			Bytes: make([]byte, p.PageSize),
		})
	}
	p.blockSizes = append(p.blockSizes, blockSize)
	p.blockPages = append(p.blockPages, pagesInBlock)
	p.capacityBytes += blockSize

	p.log.WithFields(logrus.Fields{"newBlockBytes": blockSize, "capacityBytes": p.capacityBytes}).Info("mempool: grew")
}

// ReleasePage returns a page to the pool's free set. Idempotent by
// contract, but callers must not double-release (spec §4.1 ReleasePage).
func (p *MemoryPool) ReleasePage(pageIndex int32) {
	p.bitmap.release(pageIndex)
	atomic.AddUint64(&p.releasePageVersion, 1)
}

// ReleasePages is a bulk ReleasePage with a single version bump (spec
// §4.1 ReleasePages).
func (p *MemoryPool) ReleasePages(pageIndexes []int32) {
	for _, idx := range pageIndexes {
		p.bitmap.release(idx)
	}
	if len(pageIndexes) > 0 {
		atomic.AddUint64(&p.releasePageVersion, 1)
	}
}

// shrinkIfPossibleLocked implements spec §4.1's shrink policy: if
// capacity is below the stop-shrink limit and the trailing memory block
// is entirely free, release it back to the OS. Must be called with
// syncRoot held.
func (p *MemoryPool) shrinkIfPossibleLocked() {
	stopShrinkLimit := p.maximumPoolSize - int64(shrinkHeadroomFraction*float64(p.maximumPoolSize))
	floor := int64(shrinkFloorFraction * float64(p.maximumPoolSize))
	if stopShrinkLimit < floor {
		stopShrinkLimit = floor
	}

	for p.capacityBytes < stopShrinkLimit && len(p.blockSizes) > 0 {
		lastBlockPages := p.blockPages[len(p.blockPages)-1]
		totalPages := len(p.pages)
		start := int32(totalPages - lastBlockPages)
		if !p.bitmap.blockFullyFree(start, lastBlockPages) {
			break
		}
		p.pages = p.pages[:start]
		p.bitmap.truncate(int(start))
		p.capacityBytes -= p.blockSizes[len(p.blockSizes)-1]
		p.blockSizes = p.blockSizes[:len(p.blockSizes)-1]
		p.blockPages = p.blockPages[:len(p.blockPages)-1]
		p.log.WithField("capacityBytes", p.capacityBytes).Info("mempool: released memory block back to OS")
	}
}

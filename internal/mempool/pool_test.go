package mempool

import (
	"testing"

	"github.com/openhistorian/storage-core/internal/storageerr"
)

func TestNewRejectsBadPageSize(t *testing.T) {
	tests := []struct {
		name     string
		pageSize int
	}{
		{"too small", 1024},
		{"too large", 1024 * 1024},
		{"not power of two", 5000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.pageSize, 16*1024*1024); err == nil {
				t.Errorf("New(%d) = nil error, want OutOfRange", tt.pageSize)
			}
		})
	}
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	pool, err := New(4096, 1024*1024)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	var pages []*Page
	for i := 0; i < 8; i++ {
		page, err := pool.AllocatePage()
		if err != nil {
			t.Fatalf("AllocatePage() failed: %v", err)
		}
		pages = append(pages, page)
	}

	seen := map[int32]bool{}
	for _, p := range pages {
		if seen[p.Index] {
			t.Fatalf("duplicate page index %d handed out twice", p.Index)
		}
		seen[p.Index] = true
	}

	versionBefore := pool.ReleasePageVersion()
	for _, p := range pages {
		pool.ReleasePage(p.Index)
	}
	if pool.ReleasePageVersion() <= versionBefore {
		t.Errorf("ReleasePageVersion() did not advance after release")
	}
}

func TestAllocatePageOutOfMemoryAfterDrain(t *testing.T) {
	pool, err := New(4096, 10*1024*1024)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	// Drain the pool with no collection subscribers registered (spec §8
	// scenario 6: "Pool OOM after drain").
	var allocated int
	for {
		if _, err := pool.AllocatePage(); err != nil {
			break
		}
		allocated++
		if allocated > 100000 {
			t.Fatal("pool never reported OutOfMemory")
		}
	}

	versionBefore := pool.ReleasePageVersion()
	_, err = pool.AllocatePage()
	if err == nil {
		t.Fatal("AllocatePage() after drain = nil error, want OutOfMemory")
	}
	if code, ok := storageerr.CodeOf(err); !ok || code != storageerr.CodeOutOfMemory {
		t.Errorf("AllocatePage() error code = %v, want OutOfMemory", code)
	}
	if pool.ReleasePageVersion() != versionBefore {
		t.Errorf("ReleasePageVersion() changed across a no-op collection cycle")
	}
}

type fakeCollector struct {
	released func()
}

func (f *fakeCollector) RequestCollection(mode CollectionMode) {
	if f.released != nil {
		f.released()
	}
}

// fillPool drives a pool directly to a fully-allocated state at its
// maximum capacity, bypassing the growth path so tests can exercise the
// collection-level escalation logic on a pool of a known, fixed size.
func fillPool(t *testing.T, pool *MemoryPool) int {
	t.Helper()
	pool.capacityBytes = pool.maximumPoolSize
	totalPages := int(pool.capacityBytes / int64(pool.PageSize))
	pool.pages = make([]*Page, totalPages)
	for i := range pool.pages {
		pool.pages[i] = &Page{Index: int32(i), Bytes: make([]byte, pool.PageSize)}
	}
	pool.bitmap.growBy(totalPages)
	for i := 0; i < totalPages; i++ {
		if _, ok := pool.bitmap.tryTake(); !ok {
			t.Fatalf("tryTake() failed while draining a freshly grown pool")
		}
	}
	return totalPages
}

// TestCollectionLevelTracksUtilizationPolicy confirms SetTargetUtilizationLevel
// actually changes the collection level a given utilization maps to (spec
// §4.1 "Current capacity determines a collection level 0-5"): a tighter
// policy (UtilizationLow) must report a higher level than a more tolerant
// one (UtilizationHigh) for the same in-use fraction.
func TestCollectionLevelTracksUtilizationPolicy(t *testing.T) {
	pool, err := New(4096, minimumFloorBytes)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	totalPages := fillPool(t, pool)
	freePages := totalPages / 5 // release 20%, leaving 80% in use
	for i := 0; i < freePages; i++ {
		pool.bitmap.release(int32(i))
	}

	pool.SetTargetUtilizationLevel(UtilizationLow)
	lowLevel := pool.currentCollectionLevel()

	pool.SetTargetUtilizationLevel(UtilizationHigh)
	highLevel := pool.currentCollectionLevel()

	if lowLevel <= highLevel {
		t.Errorf("collection level at 80%% in-use: UtilizationLow=%d, UtilizationHigh=%d, want Low > High", lowLevel, highLevel)
	}
}

// TestAllocatePageRunsMorePassesUnderTighterUtilizationPolicy confirms the
// collection level actually drives AllocatePage's escalation: starting
// from an identical, fully-drained pool, UtilizationLow's tighter
// thresholds must trigger more collection passes than UtilizationHigh's
// before an allocation can succeed.
func TestAllocatePageRunsMorePassesUnderTighterUtilizationPolicy(t *testing.T) {
	run := func(level UtilizationLevel) int {
		pool, err := New(4096, minimumFloorBytes)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		pool.SetTargetUtilizationLevel(level)
		fillPool(t, pool)

		passes := 0
		freed := 0
		chunk := int(pool.capacityBytes/int64(pool.PageSize)) / 20 // ~5% of capacity per pass
		if chunk < 1 {
			chunk = 1
		}
		id := pool.Subscribe(&fakeCollector{released: func() {
			passes++
			for i := 0; i < chunk; i++ {
				pool.bitmap.release(int32(freed))
				freed++
			}
		}})
		defer pool.Unsubscribe(id)

		if _, err := pool.AllocatePage(); err != nil {
			t.Fatalf("AllocatePage() failed: %v", err)
		}
		return passes
	}

	lowPasses := run(UtilizationLow)
	highPasses := run(UtilizationHigh)
	if lowPasses <= highPasses {
		t.Errorf("collection passes under UtilizationLow = %d, want more than UtilizationHigh's %d", lowPasses, highPasses)
	}
}

func TestAllocatePageRunsCollectionBeforeGrowing(t *testing.T) {
	pool, err := New(4096, 10*1024*1024)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	first, err := pool.AllocatePage()
	if err != nil {
		t.Fatalf("unexpected AllocatePage failure: %v", err)
	}
	releasedOne := first.Index

	// Drain every remaining free page so the pool is fully exhausted.
	for {
		if _, err := pool.AllocatePage(); err != nil {
			break
		}
	}

	collected := false
	id := pool.Subscribe(&fakeCollector{released: func() {
		if !collected {
			collected = true
			pool.ReleasePage(releasedOne)
		}
	}})
	defer pool.Unsubscribe(id)

	if _, err := pool.AllocatePage(); err != nil {
		t.Errorf("AllocatePage() after collector frees a page = %v, want success", err)
	}
	if !collected {
		t.Errorf("AllocatePage() never invoked the registered collector")
	}
}

package pagecache

import (
	"testing"

	"github.com/openhistorian/storage-core/internal/mempool"
)

func newTestAlgorithm(t *testing.T) (*Algorithm, *mempool.MemoryPool) {
	t.Helper()
	pool, err := mempool.New(4096, 1024*1024)
	if err != nil {
		t.Fatalf("mempool.New() failed: %v", err)
	}
	algo := NewAlgorithm(pool)
	pool.Subscribe(algo)
	return algo, pool
}

func TestTryAddPageRejectsDuplicateOffset(t *testing.T) {
	algo, pool := newTestAlgorithm(t)
	page1, _ := pool.AllocatePage()
	page2, _ := pool.AllocatePage()

	ok, err := algo.TryAddPage(0, page1)
	if err != nil || !ok {
		t.Fatalf("first TryAddPage() = %v, %v; want true, nil", ok, err)
	}
	ok, err = algo.TryAddPage(0, page2)
	if err != nil || ok {
		t.Fatalf("second TryAddPage() at same offset = %v, %v; want false, nil", ok, err)
	}
}

func TestTryAddPageRejectsUnalignedOffset(t *testing.T) {
	algo, pool := newTestAlgorithm(t)
	page, _ := pool.AllocatePage()
	if _, err := algo.TryAddPage(100, page); err == nil {
		t.Errorf("TryAddPage(100, ...) = nil error, want OutOfRange (unaligned)")
	}
}

func TestGetOrAddPageRaceSafeInsertOrGet(t *testing.T) {
	algo, pool := newTestAlgorithm(t)
	candidate, _ := pool.AllocatePage()

	lockA := algo.NewPageLock()
	lockB := algo.NewPageLock()

	pageA, wasAddedA, err := lockA.GetOrAddPage(4096, candidate)
	if err != nil || !wasAddedA {
		t.Fatalf("first GetOrAddPage() = %v, %v, %v; want page, true, nil", pageA, wasAddedA, err)
	}

	otherCandidate, _ := pool.AllocatePage()
	pageB, wasAddedB, err := lockB.GetOrAddPage(4096, otherCandidate)
	if err != nil {
		t.Fatalf("second GetOrAddPage() error: %v", err)
	}
	if wasAddedB {
		t.Fatalf("second GetOrAddPage() wasAdded = true, want false")
	}
	if pageB != pageA {
		t.Errorf("second GetOrAddPage() returned a different page pointer than the first")
	}
}

func TestDoCollectionHalvesRefCountAndEvictsAtZero(t *testing.T) {
	algo, pool := newTestAlgorithm(t)
	page, _ := pool.AllocatePage()
	algo.TryAddPage(0, page)

	rc, _ := algo.RefCount(0)
	if rc != 1 {
		t.Fatalf("initial refCount = %d, want 1", rc)
	}

	algo.DoCollection(mempool.CollectionNormal)
	if algo.Len() != 0 {
		t.Errorf("page with refCount 1 should be evicted after one collection round, Len() = %d", algo.Len())
	}
}

func TestDoCollectionSkipsPinnedPages(t *testing.T) {
	algo, pool := newTestAlgorithm(t)
	page, _ := pool.AllocatePage()
	algo.TryAddPage(0, page)

	lock := algo.NewPageLock()
	if _, ok := lock.TryGetSubPage(0); !ok {
		t.Fatal("TryGetSubPage() = false, want true")
	}

	algo.DoCollection(mempool.CollectionNormal)
	algo.DoCollection(mempool.CollectionNormal)
	algo.DoCollection(mempool.CollectionNormal)

	if algo.Len() != 1 {
		t.Errorf("pinned page was evicted despite an active PageLock; Len() = %d", algo.Len())
	}

	lock.Dispose()
	algo.DoCollection(mempool.CollectionNormal)
	algo.DoCollection(mempool.CollectionNormal)
	if algo.Len() != 0 {
		t.Errorf("page should be evicted once its lock is disposed, Len() = %d", algo.Len())
	}
}

func TestDoCollectionIdempotence(t *testing.T) {
	algo, pool := newTestAlgorithm(t)
	page, _ := pool.AllocatePage()
	algo.TryAddPage(0, page)

	// Touch it a few times so refCount starts above 1.
	lock := algo.NewPageLock()
	lock.TryGetSubPage(0)
	lock.Clear()
	lock.TryGetSubPage(0)
	lock.Clear()
	rcBefore, _ := algo.RefCount(0)

	algo.DoCollection(mempool.CollectionNormal)
	rcAfter1, _ := algo.RefCount(0)
	if rcAfter1 != rcBefore>>1 {
		t.Fatalf("after first collection refCount = %d, want %d", rcAfter1, rcBefore>>1)
	}

	algo.DoCollection(mempool.CollectionNormal)
	rcAfter2, ok := algo.RefCount(0)
	if rcAfter1>>1 == 0 {
		if ok {
			t.Fatalf("page should have been evicted when refCount reached zero")
		}
	} else if rcAfter2 != rcAfter1>>1 {
		t.Fatalf("after second collection refCount = %d, want %d", rcAfter2, rcAfter1>>1)
	}
}

func TestCriticalCollectionRunsTwoPasses(t *testing.T) {
	algo, pool := newTestAlgorithm(t)
	page, _ := pool.AllocatePage()
	algo.TryAddPage(0, page)

	lock := algo.NewPageLock()
	lock.TryGetSubPage(0)
	lock.Clear()
	lock.TryGetSubPage(0)
	lock.Clear()
	lock.TryGetSubPage(0)
	lock.Clear() // refCount now 4 (1 initial + 3 touches)

	algo.DoCollection(mempool.CollectionCritical)
	rc, ok := algo.RefCount(0)
	if !ok {
		t.Fatal("page evicted too early under critical collection")
	}
	if rc != 1 {
		t.Errorf("after one critical collection (2 passes) refCount = %d, want 1", rc)
	}
}

package pagecache

import "github.com/openhistorian/storage-core/internal/mempool"

// LockState is the PageLock state machine of spec §4.3: Idle -> Pinned
// on a successful pin, Pinned -> Idle on Clear or re-pin elsewhere, and
// any state -> Disposed on explicit Dispose.
type LockState int

const (
	LockIdle LockState = iota
	LockPinned
	LockDisposed
)

// PageLock is a handle pinning at most one CachedPage against eviction
// (spec §3 PageLock / IoSession). Each session stores a single
// currentOffset (-1 when idle); the algorithm tracks sessions by a
// registry keyed by id so a disposed session is removed atomically
// (spec §9 "Weak registration of sessions").
type PageLock struct {
	id            uint64
	algo          *Algorithm
	currentOffset int64
	state         LockState
}

// NewPageLock registers and returns a new, idle PageLock against algo.
func (a *Algorithm) NewPageLock() *PageLock {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextLock++
	l := &PageLock{id: a.nextLock, algo: a, currentOffset: -1, state: LockIdle}
	a.locks[l.id] = l
	return l
}

// CurrentOffset returns the offset of the page this lock currently pins,
// or -1 if idle.
func (l *PageLock) CurrentOffset() int64 { return l.currentOffset }

// State returns the lock's current state-machine position.
func (l *PageLock) State() LockState { return l.state }

// TryGetSubPage pins the cached page at absPos if present, returning its
// pointer, and transitions Idle/Pinned -> Pinned (spec §4.3
// PageLock.TryGetSubPage). Returns (nil, false) on a cache miss without
// changing the lock's existing pin.
func (l *PageLock) TryGetSubPage(absPos int64) (*mempool.Page, bool) {
	a := l.algo
	a.mu.Lock()
	defer a.mu.Unlock()

	cp, ok := a.byOffset[absPos]
	if !ok {
		return nil, false
	}
	l.repinLocked(absPos)
	cp.refCount++
	return cp.page, true
}

// GetOrAddPage is a race-safe insert-or-get: if absPos is already cached,
// wasAdded is false and the returned page is the one already cached —
// per spec §4.3, the caller must release providedPage back to the pool
// in that case, since GetOrAddPage does not do so itself. If absPos was
// not cached, wasAdded is true and providedPage is installed as-is.
func (l *PageLock) GetOrAddPage(absPos int64, providedPage *mempool.Page) (page *mempool.Page, wasAdded bool, err error) {
	a := l.algo
	if err := a.validateOffset(absPos); err != nil {
		return nil, false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if cp, ok := a.byOffset[absPos]; ok {
		l.repinLocked(absPos)
		cp.refCount++
		return cp.page, false, nil
	}
	cp := &cachedPage{offset: absPos, page: providedPage, refCount: 1}
	a.byOffset[absPos] = cp
	l.repinLocked(absPos)
	return providedPage, true, nil
}

// repinLocked must be called with algo.mu held. It unpins whatever this
// lock previously held and pins absPos instead.
func (l *PageLock) repinLocked(absPos int64) {
	if l.currentOffset != -1 && l.currentOffset != absPos {
		l.algo.unpinLocked(l.currentOffset)
	}
	if l.currentOffset != absPos {
		l.algo.pinLocked(absPos)
	}
	l.currentOffset = absPos
	l.state = LockPinned
}

// Clear releases this lock's current pin, transitioning Pinned -> Idle.
// A no-op if the lock is already idle.
func (l *PageLock) Clear() {
	a := l.algo
	a.mu.Lock()
	defer a.mu.Unlock()
	l.clearLocked()
}

func (l *PageLock) clearLocked() {
	if l.currentOffset != -1 {
		l.algo.unpinLocked(l.currentOffset)
		l.currentOffset = -1
	}
	if l.state != LockDisposed {
		l.state = LockIdle
	}
}

// Dispose clears the lock's pin and removes it from the algorithm's
// session registry, transitioning to Disposed. Disposing a lock that is
// not in the middle of a call is safe; disposing mid-call is undefined
// behaviour (spec §5 "Cancellation").
func (l *PageLock) Dispose() {
	a := l.algo
	a.mu.Lock()
	defer a.mu.Unlock()
	l.clearLocked()
	l.state = LockDisposed
	delete(a.locks, l.id)
}

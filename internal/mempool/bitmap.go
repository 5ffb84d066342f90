package mempool

import "sync/atomic"

// freeBitmap tracks, one bit per page across every memory block in the
// pool, whether a page is free (1) or allocated (0). Bits are addressed
// lock-free via atomic compare-and-swap on 64-bit words so the common
// allocate/release path (spec §4.1 step 1) never touches a mutex.
type freeBitmap struct {
	words []uint64
	size  int // number of page bits in use
}

func newFreeBitmap() *freeBitmap {
	return &freeBitmap{}
}

// growBy appends n freshly-free bits (one per new page) and returns the
// starting page index of the new range.
func (b *freeBitmap) growBy(n int) int32 {
	start := b.size
	needWords := (start + n + 63) / 64
	for len(b.words) < needWords {
		b.words = append(b.words, 0)
	}
	for i := 0; i < n; i++ {
		b.setFreeUnsynced(int32(start + i))
	}
	b.size = start + n
	return int32(start)
}

func (b *freeBitmap) setFreeUnsynced(pageIndex int32) {
	word := pageIndex / 64
	bit := uint(pageIndex % 64)
	b.words[word] |= 1 << bit
}

// tryTake finds the lowest-indexed free page, atomically marks it
// allocated, and returns its index. Returns (0, false) if no free page
// is visible right now.
func (b *freeBitmap) tryTake() (int32, bool) {
	for w := 0; w < len(b.words); w++ {
		for {
			cur := atomic.LoadUint64(&b.words[w])
			if cur == 0 {
				break
			}
			bit := trailingZeros64(cur)
			mask := uint64(1) << bit
			next := cur &^ mask
			if atomic.CompareAndSwapUint64(&b.words[w], cur, next) {
				return int32(w*64 + int(bit)), true
			}
			// lost the race to another allocator on the same word, retry.
		}
	}
	return 0, false
}

// release marks pageIndex free again. Safe to call concurrently with
// tryTake and with other release calls.
func (b *freeBitmap) release(pageIndex int32) {
	word := pageIndex / 64
	bit := uint(pageIndex % 64)
	mask := uint64(1) << bit
	for {
		cur := atomic.LoadUint64(&b.words[word])
		next := cur | mask
		if atomic.CompareAndSwapUint64(&b.words[word], cur, next) {
			return
		}
	}
}

// freeCount reports how many bits are currently set; FreeBytes and the
// collection-level computation (spec §4.1 step 4) are built on it.
func (b *freeBitmap) freeCount() int64 {
	var n int64
	for w := range b.words {
		n += int64(popCount64(atomic.LoadUint64(&b.words[w])))
	}
	return n
}

// blockFullyFree reports whether every page in [start, start+n) is free,
// used by the shrink policy to decide whether a memory block can be
// released back to the OS (spec §4.1 "Shrink policy").
func (b *freeBitmap) blockFullyFree(start int32, n int) bool {
	for i := int32(0); i < int32(n); i++ {
		idx := start + i
		word := idx / 64
		bit := uint(idx % 64)
		if atomic.LoadUint64(&b.words[word])&(1<<bit) == 0 {
			return false
		}
	}
	return true
}

// truncate keeps only the first totalPages bits, used when a memory block
// is released and its page range is no longer part of the pool.
func (b *freeBitmap) truncate(totalPages int) {
	needWords := (totalPages + 63) / 64
	if needWords < len(b.words) {
		b.words = b.words[:needWords]
	}
	if rem := totalPages % 64; rem != 0 {
		b.words[needWords-1] &= (uint64(1) << uint(rem)) - 1
	}
	b.size = totalPages
}

func trailingZeros64(x uint64) uint {
	if x == 0 {
		return 64
	}
	var n uint
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}

func popCount64(x uint64) int {
	n := 0
	for x != 0 {
		x &= x - 1
		n++
	}
	return n
}

// Package mem simulates the physical page allocator collaborator
// described in spec §6. Biscuit's own allocator (biscuit/src/mem/mem.go,
// Physmem_t) manages bare machine RAM directly from a custom Go
// runtime; this package preserves its free-list/refcount design but
// backs it with a single golang.org/x/sys/unix.Mmap arena so the same
// allocation, reference-counting, and pin/unlock semantics run as an
// ordinary user-mode process.
package mem

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"iobuf/util"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = Pa_t(PGSIZE - 1)

// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^PGOFFSET

// Pa_t is a simulated physical address: a byte offset into the arena's
// mmap'd region, not a real machine address.
type Pa_t uintptr

// NoPA is the sentinel distinguishing "physical address not yet known"
// from address zero (spec §9, "Sentinels").
const NoPA Pa_t = ^Pa_t(0)

// Bytepg_t is a byte-addressed page.
type Bytepg_t [PGSIZE]uint8

// shard count for the per-CPU free lists; Biscuit shards by
// runtime.MAXCPUS (a compile-time constant sized for bare-metal cores).
// In user mode we size it off GOMAXPROCS instead.
func nshards() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return n
}

type pageshard struct {
	sync.Mutex
	free []uint32 // free page indices owned by this shard
}

// Arena is the physical page allocator. One mmap'd region backs
// npages pages; a sharded free list (mirroring Physmem_t's percpu free
// lists in the teacher) avoids a single global lock on the hot path.
type Arena struct {
	bytes    []byte
	refcnt   []int32
	npages   int
	pagesize int

	global sync.Mutex
	gfree  []uint32
	shards []pageshard

	lineSize int
}

// NewArena reserves npages pages of anonymous, zero-filled memory and
// returns an allocator over them.
func NewArena(npages int) (*Arena, error) {
	if npages <= 0 {
		return nil, fmt.Errorf("mem: npages must be positive, got %d", npages)
	}
	size := npages * PGSIZE
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mem: mmap %d bytes: %w", size, err)
	}
	a := &Arena{
		bytes:    b,
		refcnt:   make([]int32, npages),
		npages:   npages,
		pagesize: PGSIZE,
		lineSize: 64,
	}
	a.shards = make([]pageshard, nshards())
	// seed every shard round-robin so no single shard monopolizes the
	// free list under concurrent allocation.
	for i := 0; i < npages; i++ {
		s := &a.shards[i%len(a.shards)]
		s.free = append(s.free, uint32(i))
	}
	return a, nil
}

// Close releases the arena's backing mapping. Callers must first free
// every page allocated from it.
func (a *Arena) Close() error {
	return unix.Munmap(a.bytes)
}

// NPages returns the total capacity of the arena, in pages.
func (a *Arena) NPages() int { return a.npages }

func (a *Arena) pgn(pa Pa_t) int {
	idx := int(pa) >> PGSHIFT
	if idx < 0 || idx >= a.npages {
		panic("mem: physical address out of range")
	}
	return idx
}

// AllocPage allocates a single zero-filled page with refcount 0 (the
// caller is expected to Refup it, mirroring Physmem_t.Refpg_new: the
// returned page's refcount is not incremented).
func (a *Arena) AllocPage() (Pa_t, bool) {
	idx, ok := a.takeOne()
	if !ok {
		return NoPA, false
	}
	a.zero(idx)
	return Pa_t(idx) << PGSHIFT, true
}

// AllocRun allocates n contiguous pages aligned to alignPages pages.
// It returns the physical address of the first page. Contiguous runs
// cannot be satisfied by the sharded free lists (which hand out
// arbitrary single pages), so this path scans the arena's occupancy
// directly, matching allocate_non_paged's need for one physically
// contiguous run (spec §4.1).
func (a *Arena) AllocRun(n, alignPages int) (Pa_t, bool) {
	if n <= 0 {
		panic("mem: AllocRun needs n > 0")
	}
	if alignPages < 1 {
		alignPages = 1
	}
	a.global.Lock()
	defer a.global.Unlock()

	occ := a.occupiedLocked()
	for start := 0; start+n <= a.npages; start += alignPages {
		free := true
		for i := start; i < start+n; i++ {
			if occ[i] {
				free = false
				break
			}
		}
		if !free {
			continue
		}
		for i := start; i < start+n; i++ {
			a.markUsedLocked(i)
			a.zero(i)
			atomic.StoreInt32(&a.refcnt[i], 0)
		}
		return Pa_t(start) << PGSHIFT, true
	}
	return NoPA, false
}

// occupiedLocked computes a point-in-time occupancy bitmap by removing
// every index currently sitting on a free list. Called with a.global
// held; acquires each shard's lock in turn.
func (a *Arena) occupiedLocked() []bool {
	occ := make([]bool, a.npages)
	for i := range occ {
		occ[i] = true
	}
	mark := func(free []uint32) {
		for _, idx := range free {
			occ[idx] = false
		}
	}
	mark(a.gfree)
	for i := range a.shards {
		a.shards[i].Lock()
		mark(a.shards[i].free)
		a.shards[i].Unlock()
	}
	return occ
}

// markUsedLocked removes page idx from whichever free list holds it.
// Called with a.global held.
func (a *Arena) markUsedLocked(idx int) {
	remove := func(free []uint32) ([]uint32, bool) {
		for i, v := range free {
			if int(v) == idx {
				return append(free[:i], free[i+1:]...), true
			}
		}
		return free, false
	}
	if nf, ok := remove(a.gfree); ok {
		a.gfree = nf
		return
	}
	for i := range a.shards {
		a.shards[i].Lock()
		if nf, ok := remove(a.shards[i].free); ok {
			a.shards[i].free = nf
			a.shards[i].Unlock()
			return
		}
		a.shards[i].Unlock()
	}
}

func (a *Arena) takeOne() (int, bool) {
	me := runtime.GOMAXPROCS(0) % len(a.shards)
	s := &a.shards[me]
	s.Lock()
	if len(s.free) > 0 {
		idx := s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
		s.Unlock()
		return int(idx), true
	}
	s.Unlock()

	a.global.Lock()
	defer a.global.Unlock()
	if len(a.gfree) > 0 {
		idx := a.gfree[len(a.gfree)-1]
		a.gfree = a.gfree[:len(a.gfree)-1]
		return int(idx), true
	}
	// steal from any shard with spare pages
	for i := range a.shards {
		a.shards[i].Lock()
		if len(a.shards[i].free) > 0 {
			idx := a.shards[i].free[len(a.shards[i].free)-1]
			a.shards[i].free = a.shards[i].free[:len(a.shards[i].free)-1]
			a.shards[i].Unlock()
			return int(idx), true
		}
		a.shards[i].Unlock()
	}
	return 0, false
}

func (a *Arena) zero(idx int) {
	off := idx * PGSIZE
	pg := a.bytes[off : off+PGSIZE]
	for i := range pg {
		pg[i] = 0
	}
}

// Free returns a page to the allocator. It panics if the page still
// holds references, mirroring the teacher's invariant that only
// Refdown reaching zero may return a page to the free list.
func (a *Arena) Free(pa Pa_t) {
	idx := a.pgn(pa)
	if c := atomic.LoadInt32(&a.refcnt[idx]); c != 0 {
		panic(fmt.Sprintf("mem: freeing page %d with refcount %d", idx, c))
	}
	a.global.Lock()
	a.gfree = append(a.gfree, uint32(idx))
	a.global.Unlock()
}

// Refcnt returns the current reference count of the page at pa.
func (a *Arena) Refcnt(pa Pa_t) int {
	return int(atomic.LoadInt32(&a.refcnt[a.pgn(pa)]))
}

// Refup increments the reference count of the page at pa.
func (a *Arena) Refup(pa Pa_t) {
	idx := a.pgn(pa)
	if c := atomic.AddInt32(&a.refcnt[idx], 1); c <= 0 {
		panic("mem: refup produced non-positive count")
	}
}

// Refdown decrements the reference count of the page at pa and
// returns true if it reached zero (the page should now be freed by
// the caller, matching Physmem_t.Refdown's contract).
func (a *Arena) Refdown(pa Pa_t) bool {
	idx := a.pgn(pa)
	c := atomic.AddInt32(&a.refcnt[idx], -1)
	if c < 0 {
		panic("mem: refdown produced negative count")
	}
	return c == 0
}

// Lock pins n pages starting at pa against reclaim via mlock(2).
func (a *Arena) Lock(pa Pa_t, n int) error {
	off := int(pa)
	end := off + n*PGSIZE
	if end > len(a.bytes) {
		return fmt.Errorf("mem: lock range out of bounds")
	}
	return unix.Mlock(a.bytes[off:end])
}

// Unlock releases the pin taken by Lock.
func (a *Arena) Unlock(pa Pa_t, n int) error {
	off := int(pa)
	end := off + n*PGSIZE
	if end > len(a.bytes) {
		return fmt.Errorf("mem: unlock range out of bounds")
	}
	return unix.Munlock(a.bytes[off:end])
}

// FreeCount reports the number of free pages across every shard, for
// diagnostics (cmd/iobufctl) and tests proving §8 property 7.
func (a *Arena) FreeCount() int {
	n := 0
	a.global.Lock()
	n += len(a.gfree)
	a.global.Unlock()
	for i := range a.shards {
		a.shards[i].Lock()
		n += len(a.shards[i].free)
		a.shards[i].Unlock()
	}
	return n
}

// CacheLineSize reports the data-cache line size collaborator named in
// spec §6. No registered controller overrides the default on this
// simulation harness.
func (a *Arena) CacheLineSize() int { return a.lineSize }

// roundToPages converts a byte size to a page count, rounding up.
func roundToPages(size int) int {
	return util.Roundup(size, PGSIZE) / PGSIZE
}

// RoundToPages exposes roundToPages to other packages in this module.
func RoundToPages(size int) int { return roundToPages(size) }

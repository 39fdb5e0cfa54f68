// Package vmspace simulates the kernel virtual-address allocator and
// page-table mapper collaborators named in spec §6. Biscuit's
// ancestor (biscuit/src/vm/as.go, Vm_t) walks real x86-64 page tables
// and issues real TLB shootdown IPIs from ring 0. This package keeps
// the same shape — reserve an extent, map pages into it one at a
// time, shoot down the TLB on teardown — backed by a single real
// PROT_NONE mmap reservation (so returned addresses are real
// pointers, not synthetic integers) and a page table implemented as a
// plain map, since this process has no ring-0 access to its own page
// tables.
//
// Byte-level data movement never dereferences these virtual
// addresses directly: callers resolve a Va back to its mem.Pa_t and
// read/write through mem.Arena.Dmap. The Va value and its mapped
// range of real, reserved address space exist so that the
// "virtually contiguous" / "monotonic VA run" invariants in spec §3/§8
// are checked against genuine addresses instead of bookkeeping that
// could be faked by construction.
package vmspace

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"iobuf/mem"
	"iobuf/util"
)

// Va is a kernel virtual address.
type Va uintptr

// NoVA is the sentinel for "no virtual address assigned".
const NoVA Va = 0

// MapFlags mirrors the map-flag set built by spec §4.2's map
// operation: {present, global} ∪ {write_through?} ∪ {cache_disable?}.
type MapFlags uint32

const (
	Present MapFlags = 1 << iota
	Global
	WriteThrough
	CacheDisable
)

type extent struct {
	va   Va
	size uintptr
}

type pte struct {
	pa    mem.Pa_t
	flags MapFlags
}

// Space is one kernel virtual-address range together with the page
// table mapping pages within it to physical addresses.
type Space struct {
	base    uintptr
	size    uintptr
	backing []byte // keeps the mmap reservation alive until Close

	mu   sync.Mutex
	free []extent // sorted by va, coalesced
	pt   map[Va]pte

	sem *semaphore.Weighted
}

// NewSpace reserves size bytes of address space (rounded up to a page)
// with no access rights, to be doled out by Reserve.
func NewSpace(size int) (*Space, error) {
	size = util.Roundup(size, mem.PGSIZE)
	b, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("vmspace: reserve %d bytes: %w", size, err)
	}
	base := uintptr(unsafe.Pointer(&b[0]))
	s := &Space{
		base: base,
		size: uintptr(size),
		pt:   make(map[Va]pte),
		sem:  semaphore.NewWeighted(int64(util.Max(1, runtime.GOMAXPROCS(0)))),
	}
	s.free = []extent{{va: Va(base), size: uintptr(size)}}
	s.backing = b
	return s, nil
}

// Close releases the entire reserved address range.
func (s *Space) Close() error {
	return unix.Munmap(s.backing)
}

// Reserve allocates a sub-range of size bytes (rounded up to a page),
// aligned to alignment bytes (also rounded up to a page), and returns
// its base virtual address. Reservation blocks (via a weighted
// semaphore) under contention, modelling spec §5's "allocate_non_paged
// may block on virtual-address-range reservation".
func (s *Space) Reserve(ctx context.Context, size, alignment int) (Va, error) {
	size = util.Roundup(size, mem.PGSIZE)
	if alignment < mem.PGSIZE {
		alignment = mem.PGSIZE
	}
	alignment = util.Roundup(alignment, mem.PGSIZE)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return NoVA, fmt.Errorf("vmspace: reserve interrupted: %w", err)
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.free {
		alignedVa := Va(util.Roundup(uintptr(e.va), uintptr(alignment)))
		pad := uintptr(alignedVa - e.va)
		if pad+uintptr(size) > e.size {
			continue
		}
		// consume [alignedVa, alignedVa+size) from extent e, keeping any
		// leading pad and trailing remainder as separate free extents.
		var repl []extent
		if pad > 0 {
			repl = append(repl, extent{va: e.va, size: pad})
		}
		rem := e.size - pad - uintptr(size)
		if rem > 0 {
			repl = append(repl, extent{va: alignedVa + Va(size), size: rem})
		}
		s.free = append(s.free[:i], append(repl, s.free[i+1:]...)...)
		return alignedVa, nil
	}
	return NoVA, fmt.Errorf("vmspace: no free range of %d bytes (align %d)", size, alignment)
}

// Free returns [va, va+size) to the free list, coalescing with
// adjacent extents.
func (s *Space) Free(va Va, size int) {
	size = util.Roundup(size, mem.PGSIZE)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.free = append(s.free, extent{va: va, size: uintptr(size)})
	sort.Slice(s.free, func(i, j int) bool { return s.free[i].va < s.free[j].va })
	merged := s.free[:1]
	for _, e := range s.free[1:] {
		last := &merged[len(merged)-1]
		if last.va+Va(last.size) == e.va {
			last.size += e.size
		} else {
			merged = append(merged, e)
		}
	}
	s.free = merged
}

// MapPage installs a single present mapping from va to pa.
func (s *Space) MapPage(va Va, pa mem.Pa_t, flags MapFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pt[va]; ok {
		return fmt.Errorf("vmspace: %#x already mapped", va)
	}
	s.pt[va] = pte{pa: pa, flags: flags | Present}
	return nil
}

// MapRun maps npages consecutive pages starting at va to the
// consecutive physical pages starting at pa, as allocate_non_paged's
// contiguous path does in one pass (spec §4.1).
func (s *Space) MapRun(va Va, pa mem.Pa_t, npages int, flags MapFlags) error {
	for i := 0; i < npages; i++ {
		if err := s.MapPage(va+Va(i*mem.PGSIZE), pa+mem.Pa_t(i*mem.PGSIZE), flags); err != nil {
			return err
		}
	}
	return nil
}

// UnmapPage removes the mapping at va and returns the physical address
// it pointed to.
func (s *Space) UnmapPage(va Va) (mem.Pa_t, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pt[va]
	if !ok {
		return mem.NoPA, false
	}
	delete(s.pt, va)
	return e.pa, true
}

// Translate resolves a virtual address to its mapped physical address.
func (s *Space) Translate(va Va) (mem.Pa_t, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pt[va]
	if !ok {
		return mem.NoPA, false
	}
	return e.pa, true
}

// FreeBytes reports the total size of every free extent, for
// diagnostics and tests proving a buffer's VA range was fully
// reclaimed on free.
func (s *Space) FreeBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, e := range s.free {
		total += int(e.size)
	}
	return total
}

// TlbShoot simulates the synchronous cross-processor TLB invalidate
// (runtime.send_invalidate_ipi in the teacher's vm/as.go Tlbshoot).
// A single-process user-mode simulation has no other CPUs to notify,
// so this is a logged no-op — the call site is kept so the latency
// that real hardware imposes (spec §5) stays visible in the code path
// that issues it.
func TlbShoot(startva Va, pgcount int) {
	if pgcount == 0 {
		return
	}
	log.Printf("vmspace: tlb shootdown va=%#x pages=%d", startva, pgcount)
}

package iobuf

import (
	"context"
	"unsafe"

	"iobuf/ioerr"
	"iobuf/mem"
	"iobuf/pagecache"
	"iobuf/usersim"
	"iobuf/util"
	"iobuf/vmspace"
)

// MaxVector bounds the vector length CreateFromVector accepts, the way
// a real kernel bounds a user-supplied iovec count before copying it
// in (spec §4.1, "0 < n <= MAX_VECTOR").
const MaxVector = 1024

// mapFlagsFor builds the page-table flag set allocate_non_paged passes
// to the mapping engine (spec §4.2: present + global, plus the
// caller's cacheability requests).
func mapFlagsFor(writeThrough, nonCached bool) vmspace.MapFlags {
	f := vmspace.Present | vmspace.Global
	if writeThrough {
		f |= vmspace.WriteThrough
	}
	if nonCached {
		f |= vmspace.CacheDisable
	}
	return f
}

// appendOrCoalesce appends frag to buf.Fragments, merging it into the
// last fragment instead when both its physical and virtual ranges
// continue directly on from it (spec §3's "maximal run" definition).
func appendOrCoalesce(buf *IoBuffer, frag Fragment) {
	if n := len(buf.Fragments); n > 0 {
		last := &buf.Fragments[n-1]
		if last.PA != mem.NoPA && last.PA+mem.Pa_t(last.Size) == frag.PA &&
			last.VA != vmspace.NoVA && last.VA+vmspace.Va(last.Size) == frag.VA {
			last.Size += frag.Size
			return
		}
	}
	buf.Fragments = append(buf.Fragments, frag)
}

// freeRun returns n consecutive pages starting at pa to arena, dropping
// each one's reference first.
func freeRun(arena PageAllocator, pa mem.Pa_t, n int) {
	for i := 0; i < n; i++ {
		p := pa + mem.Pa_t(i*mem.PGSIZE)
		if arena.Refdown(p) {
			arena.Free(p)
		}
	}
}

// unwindNonPaged tears down whatever allocate_non_paged had already
// mapped before a later step failed: unmap every page the buffer
// currently lists, return its physical pages, then release the VA
// range and shoot the TLB (spec §4.1's failure-cleanup rule).
func unwindNonPaged(s *System, buf *IoBuffer, va vmspace.Va, size, pageCount int) {
	for _, f := range buf.Fragments {
		n := f.Size / mem.PGSIZE
		for i := 0; i < n; i++ {
			pageVA := f.VA + vmspace.Va(i*mem.PGSIZE)
			if pa, ok := s.Space.UnmapPage(pageVA); ok {
				if s.Arena.Refdown(pa) {
					s.Arena.Free(pa)
				}
			}
		}
	}
	s.Space.Free(va, size)
	vmspace.TlbShoot(va, pageCount)
}

// AllocateNonPaged allocates size bytes of non-paged, locked memory and
// maps it at a fresh kernel virtual address (spec §4.1). minPA/maxPA
// bound the physical addresses the allocation may use; per the open
// question recorded in DESIGN.md, this harness honours only the
// {0, max Pa_t} case (no physical-address-range-restricted allocator
// exists in the simulation) and otherwise allocates from the whole
// arena.
func (s *System) AllocateNonPaged(ctx context.Context, minPA, maxPA mem.Pa_t, alignment, size int, physicallyContiguous, writeThrough, nonCached bool) (*IoBuffer, error) {
	_ = minPA
	_ = maxPA
	if ctx == nil {
		ctx = context.Background()
	}
	if size <= 0 {
		return nil, ioerr.New(ioerr.InvalidParameter, "allocate_non_paged: size must be positive")
	}
	if alignment < mem.PGSIZE {
		alignment = mem.PGSIZE
	}
	alignment = util.Roundup(alignment, mem.PGSIZE)
	size = util.Roundup(size, alignment)
	pageCount := size / mem.PGSIZE

	fragCap := 1
	if !physicallyContiguous {
		fragCap = pageCount
	}

	buf := &IoBuffer{
		MaxFragments:     fragCap,
		PageCount:        pageCount,
		PageCacheEntries: make([]*pagecache.Entry, pageCount),
		Flags:            NonPaged | UnmapOnFree | MemoryOwned | MemoryLocked | Mapped | VirtuallyContiguous,
		arena:            s.Arena,
		space:            s.Space,
	}

	va, err := s.Space.Reserve(ctx, size, alignment)
	if err != nil {
		return nil, ioerr.New(ioerr.InsufficientResources, "allocate_non_paged: reserve va: %v", err)
	}

	flags := mapFlagsFor(writeThrough, nonCached)
	alignPages := alignment / mem.PGSIZE

	if physicallyContiguous {
		pa, ok := s.Arena.AllocRun(pageCount, alignPages)
		if !ok {
			s.Space.Free(va, size)
			return nil, ioerr.New(ioerr.InsufficientResources, "allocate_non_paged: no contiguous run of %d pages", pageCount)
		}
		for i := 0; i < pageCount; i++ {
			s.Arena.Refup(pa + mem.Pa_t(i*mem.PGSIZE))
		}
		if err := s.Space.MapRun(va, pa, pageCount, flags); err != nil {
			freeRun(s.Arena, pa, pageCount)
			s.Space.Free(va, size)
			return nil, ioerr.New(ioerr.InsufficientResources, "allocate_non_paged: map: %v", err)
		}
		if err := s.Arena.Lock(pa, pageCount); err != nil {
			buf.Fragments = []Fragment{{VA: va, PA: pa, Size: size}}
			unwindNonPaged(s, buf, va, size, pageCount)
			return nil, ioerr.New(ioerr.InsufficientResources, "allocate_non_paged: lock: %v", err)
		}
		buf.Fragments = []Fragment{{VA: va, PA: pa, Size: size}}
		buf.TotalSize = size
		return buf, nil
	}

	offset := 0
	for offset < pageCount {
		n := util.Min(alignPages, pageCount-offset)
		pa, ok := s.Arena.AllocRun(n, alignPages)
		if !ok {
			unwindNonPaged(s, buf, va, size, pageCount)
			return nil, ioerr.New(ioerr.InsufficientResources, "allocate_non_paged: out of physical pages")
		}
		for i := 0; i < n; i++ {
			s.Arena.Refup(pa + mem.Pa_t(i*mem.PGSIZE))
		}
		unitVA := va + vmspace.Va(offset*mem.PGSIZE)
		if err := s.Space.MapRun(unitVA, pa, n, flags); err != nil {
			freeRun(s.Arena, pa, n)
			unwindNonPaged(s, buf, va, size, pageCount)
			return nil, ioerr.New(ioerr.InsufficientResources, "allocate_non_paged: map: %v", err)
		}
		if err := s.Arena.Lock(pa, n); err != nil {
			appendOrCoalesce(buf, Fragment{VA: unitVA, PA: pa, Size: n * mem.PGSIZE})
			unwindNonPaged(s, buf, va, size, pageCount)
			return nil, ioerr.New(ioerr.InsufficientResources, "allocate_non_paged: lock: %v", err)
		}
		appendOrCoalesce(buf, Fragment{VA: unitVA, PA: pa, Size: n * mem.PGSIZE})
		offset += n
	}
	buf.TotalSize = size
	return buf, nil
}

// vaOf synthesises a virtual address for a plain Go byte slice, solely
// so fragments with no arena-backed physical page still carry a
// non-zero, comparable Va for the "virtually contiguous" bookkeeping
// spec §3/§8 expect. The slice itself, not this address, is the actual
// data path (fragmentBytes never dereferences it).
func vaOf(b []byte) vmspace.Va {
	if len(b) == 0 {
		return vmspace.NoVA
	}
	return vmspace.Va(uintptr(unsafe.Pointer(&b[0])))
}

// AllocatePaged allocates size bytes of ordinary pageable memory as a
// single fragment (spec §4.1). No physical-page or VA collaborator is
// consulted: pageable memory is plain Go-managed memory here, the way
// a real kernel's pageable pool is backed by pages the VM manager may
// evict and refault independently of this subsystem.
func (s *System) AllocatePaged(size int) (*IoBuffer, error) {
	buf := &IoBuffer{MaxFragments: 1, Flags: VirtuallyContiguous | Mapped}
	if size <= 0 {
		return buf, nil
	}
	backing := make([]byte, size)
	buf.Fragments = []Fragment{{VA: vaOf(backing), PA: mem.NoPA, Size: size, bytes: backing}}
	buf.TotalSize = size
	return buf, nil
}

// AllocateUninitialised reserves an empty, extendable descriptor shell
// with capacity for the pages `size` will eventually require, without
// allocating or mapping anything yet (spec §4.1). cacheBacked reserves
// page-cache-entry slots up front, so the extension path only ever
// fills entries in, never grows the slice.
func (s *System) AllocateUninitialised(size int, cacheBacked bool) (*IoBuffer, error) {
	pageCount := util.Roundup(size, mem.PGSIZE) / mem.PGSIZE
	flags := NonPaged | Extendable
	if cacheBacked {
		flags |= PageCacheBacked | MemoryLocked
	}
	buf := &IoBuffer{
		MaxFragments: util.Max(1, pageCount),
		PageCount:    pageCount,
		Flags:        flags,
		arena:        s.Arena,
		space:        s.Space,
	}
	if cacheBacked {
		buf.PageCacheEntries = make([]*pagecache.Entry, pageCount)
	}
	return buf, nil
}

// CreateFromRange wraps an existing user- or kernel-mode byte range
// (spec §4.1). When lockMemory is false, the buffer simply records the
// caller's address range and trusts it to remain resident for the
// buffer's lifetime. When lockMemory is true, each page is resolved
// through lookupSection (an image section, faulted in and retried on
// the page-in collaborator's transient try-again status) or, for
// non-paged kernel pages with no owning section, through a direct
// translate-and-lock. A partially built buffer is returned alongside
// an error if locking fails partway, so the caller can still release
// whatever was already locked.
func (s *System) CreateFromRange(ctx context.Context, lookupSection func(addr uintptr) (*usersim.Section, int, bool), ptr uintptr, size int, nonPagedDescriptor, lockMemory, kernelMode bool) (*IoBuffer, error) {
	if size <= 0 {
		return nil, ioerr.New(ioerr.InvalidParameter, "create_from_range: size must be positive")
	}
	if kernelMode {
		if !usersim.IsKernel(ptr, size) {
			return nil, ioerr.New(ioerr.AccessViolation, "create_from_range: range is not entirely kernel-mode")
		}
	} else if !usersim.IsUser(ptr, size) {
		return nil, ioerr.New(ioerr.AccessViolation, "create_from_range: range is not entirely user-mode")
	}

	flags := Mapped | VirtuallyContiguous
	if !kernelMode {
		flags |= UserMode
	}
	if nonPagedDescriptor {
		flags |= NonPaged
	}

	if !lockMemory {
		buf := &IoBuffer{
			MaxFragments: 1,
			Flags:        flags,
			Fragments:    []Fragment{{VA: vmspace.Va(ptr), PA: mem.NoPA, Size: size}},
			TotalSize:    size,
			arena:        s.Arena,
			space:        s.Space,
		}
		return buf, nil
	}

	// Pages are resolved (paged in / translated) a whole page at a time,
	// since that is the unit the section and the page table deal in, but
	// the fragment actually appended for the first and last page is
	// trimmed to [ptr, ptr+size): the first fragment begins exactly at
	// ptr, the last ends exactly at ptr+size (spec §4.1).
	base := ptr &^ uintptr(mem.PGSIZE-1)
	end := ptr + uintptr(size)
	pageCount := (int(end-base) + mem.PGSIZE - 1) / mem.PGSIZE

	buf := &IoBuffer{
		MaxFragments:     pageCount,
		PageCount:        pageCount,
		PageCacheEntries: make([]*pagecache.Entry, pageCount),
		Flags:            flags,
		arena:            s.Arena,
		space:            s.Space,
	}

	for i := 0; i < pageCount; i++ {
		pageVA := base + uintptr(i*mem.PGSIZE)

		var pa mem.Pa_t
		var entry *pagecache.Entry
		if sec, off, ok := lookupSection(pageVA); ok {
			for {
				e, err := sec.PageIn(off)
				if err == nil {
					entry = e
					pa = e.PA()
					break
				}
				if ioerr.IsTryAgain(err) {
					continue
				}
				buf.Flags |= MemoryLocked
				return buf, ioerr.New(ioerr.InsufficientResources, "create_from_range: page in offset %d: %v", off, err)
			}
		} else {
			p, ok := s.Space.Translate(vmspace.Va(pageVA))
			if !ok {
				buf.Flags |= MemoryLocked
				return buf, ioerr.New(ioerr.InvalidParameter, "create_from_range: no mapping at %#x", pageVA)
			}
			if err := s.Arena.Lock(p, 1); err != nil {
				buf.Flags |= MemoryLocked
				return buf, ioerr.New(ioerr.InsufficientResources, "create_from_range: lock page at %#x: %v", pageVA, err)
			}
			pa = p
		}

		buf.Flags |= MemoryLocked
		buf.PageCacheEntries[i] = entry

		fragStart := pageVA
		if ptr > fragStart {
			fragStart = ptr
		}
		fragEnd := pageVA + uintptr(mem.PGSIZE)
		if end < fragEnd {
			fragEnd = end
		}
		fragPA := pa + mem.Pa_t(fragStart-pageVA)
		appendOrCoalesce(buf, Fragment{VA: vmspace.Va(fragStart), PA: fragPA, Size: int(fragEnd - fragStart)})
	}
	buf.TotalSize = size
	return buf, nil
}

// UserIOV is one element of a user-supplied scatter/gather vector,
// mirroring biscuit/src/vm/userbuf.go's _iove_t.
type UserIOV struct {
	Addr uintptr
	Len  int
}

// CreateFromVector builds a buffer over a caller-supplied scatter list
// of up to MaxVector user-mode ranges (spec §4.1). When vecInKernel is
// false the vector itself is first copied into module-local storage,
// mirroring the teacher's Useriovec_t.Iov_init copying a user-mode
// iovec array before walking it.
func (s *System) CreateFromVector(vecInKernel bool, vec []UserIOV, n int) (*IoBuffer, error) {
	if n <= 0 || n > MaxVector {
		return nil, ioerr.New(ioerr.InvalidParameter, "create_from_vector: n=%d out of range", n)
	}
	if n > len(vec) {
		return nil, ioerr.New(ioerr.InvalidParameter, "create_from_vector: vector shorter than n")
	}
	elems := vec[:n]
	if !vecInKernel {
		copied := make([]UserIOV, n)
		copy(copied, elems)
		elems = copied
	}

	buf := &IoBuffer{MaxFragments: n, Flags: UserMode | Mapped, arena: s.Arena, space: s.Space}
	for _, e := range elems {
		if e.Len == 0 {
			continue
		}
		if !usersim.IsUser(e.Addr, e.Len) {
			return nil, ioerr.New(ioerr.AccessViolation, "create_from_vector: element at %#x crosses the kernel/user boundary", e.Addr)
		}
		// Vector elements carry no physical address, so they merge on
		// virtual adjacency alone.
		if k := len(buf.Fragments); k > 0 && buf.Fragments[k-1].VA+vmspace.Va(buf.Fragments[k-1].Size) == vmspace.Va(e.Addr) {
			buf.Fragments[k-1].Size += e.Len
		} else {
			buf.Fragments = append(buf.Fragments, Fragment{VA: vmspace.Va(e.Addr), PA: mem.NoPA, Size: e.Len})
		}
		buf.TotalSize += e.Len
	}
	return buf, nil
}

// InitialiseInPlace fills an already-allocated descriptor (one the
// caller owns and will free itself) with a single fragment over
// [va, va+size), resolving pa via the VA allocator when the caller
// does not already know it (spec §4.1). The resulting buffer carries
// structure_not_owned, so lifecycle operations must never attempt to
// free buf itself.
func (s *System) InitialiseInPlace(buf *IoBuffer, va vmspace.Va, pa mem.Pa_t, size int, cacheBacked, memoryLocked bool) error {
	resolvedPA := pa
	if pa == mem.NoPA && va != vmspace.NoVA {
		p, ok := s.Space.Translate(va)
		if !ok {
			return ioerr.New(ioerr.InvalidParameter, "initialise_in_place: cannot resolve va %#x", va)
		}
		resolvedPA = p
	}

	flags := StructureNotOwned
	if va != vmspace.NoVA {
		flags |= Mapped | VirtuallyContiguous
	}
	if cacheBacked {
		flags |= PageCacheBacked
	}
	if memoryLocked {
		flags |= MemoryLocked
	}

	*buf = IoBuffer{
		MaxFragments: 1,
		Fragments:    []Fragment{{VA: va, PA: resolvedPA, Size: size}},
		TotalSize:    size,
		Flags:        flags,
		arena:        s.Arena,
		space:        s.Space,
	}
	if cacheBacked {
		buf.PageCount = 1
		buf.PageCacheEntries = make([]*pagecache.Entry, 1)
	}
	return nil
}

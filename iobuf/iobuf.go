// Package iobuf implements the I/O buffer subsystem: the descriptor
// model, constructors, lifecycle, mapping engine, and access/mutation
// operations described in spec §3 and §4. It is grounded in
// biscuit/src/vm (Vm_t, Userbuf_t) and biscuit/src/fs/blk.go
// (Bdev_block_t), the two places the teacher kernel comes closest to
// a single buffer descriptor that owns pages, carries an optional
// virtual mapping, and may share pages with a reference-counted
// cache.
package iobuf

import (
	"context"

	"iobuf/mem"
	"iobuf/pagecache"
	"iobuf/vmspace"
)

// PageAllocator abstracts physical page allocation, matching
// biscuit/src/mem's Page_i interface (Refpg_new/Refup/Refdown/Dmap) and
// biscuit/src/fs/blk.go's Blockmem_i (Alloc/Free/Refup). *mem.Arena
// implements this.
type PageAllocator interface {
	AllocPage() (mem.Pa_t, bool)
	AllocRun(n, alignPages int) (mem.Pa_t, bool)
	Free(pa mem.Pa_t)
	Refup(pa mem.Pa_t)
	Refdown(pa mem.Pa_t) bool
	Lock(pa mem.Pa_t, n int) error
	Unlock(pa mem.Pa_t, n int) error
	Dmap(pa mem.Pa_t) []byte
}

// VAAllocator abstracts the kernel virtual-address allocator and
// page-table mapper, matching the methods of Vm_t this package needs
// (reserve a range, map/unmap a page, translate). *vmspace.Space
// implements this.
type VAAllocator interface {
	Reserve(ctx context.Context, size, alignment int) (vmspace.Va, error)
	Free(va vmspace.Va, size int)
	MapPage(va vmspace.Va, pa mem.Pa_t, flags vmspace.MapFlags) error
	MapRun(va vmspace.Va, pa mem.Pa_t, npages int, flags vmspace.MapFlags) error
	UnmapPage(va vmspace.Va) (mem.Pa_t, bool)
	Translate(va vmspace.Va) (mem.Pa_t, bool)
}

// Flags is the bit set from spec §3. Each bit carries a distinct
// lifecycle contract honoured by release, map, and extension.
type Flags uint32

const (
	// MemoryOwned: backing physical pages were allocated by this
	// buffer and must be freed on release.
	MemoryOwned Flags = 1 << iota
	// StructureNotOwned: the descriptor itself lives outside the heap
	// (in-place init) and must not be freed.
	StructureNotOwned
	// MemoryLocked: all physical pages are pinned against reclaim;
	// must be unlocked on release unless owned by the page cache.
	MemoryLocked
	// NonPaged: descriptor metadata itself resides in non-pageable
	// storage.
	NonPaged
	// PageCacheBacked: at least one page is shared with a page-cache
	// entry whose reference count protects it.
	PageCacheBacked
	// FragmentView: this descriptor is a logical sub-view, no
	// resources of its own.
	FragmentView
	// UserMode: virtual addresses refer to the current user address
	// space.
	UserMode
	// Mapped: every fragment has a valid virtual address (but the
	// buffer may not be virtually contiguous).
	Mapped
	// VirtuallyContiguous: one continuous VA range covers all
	// fragments.
	VirtuallyContiguous
	// UnmapOnFree: the VA range was allocated by this subsystem and
	// must be released on teardown.
	UnmapOnFree
	// Extendable: more pages may be appended through the extension
	// path.
	Extendable
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Kind classifies a buffer's construction history for diagnostics,
// per spec §9's design note suggesting a tagged variant as an
// alternative to flag-driven polymorphism. Flags remain the source of
// truth for every invariant check; Kind is derived and read-only.
type Kind int

const (
	KindUnknown Kind = iota
	KindOwned
	KindPageCacheBacked
	KindUserWrapped
	KindVectorView
	KindInlineSinglePage
	KindUninitShell
)

func (k Kind) String() string {
	switch k {
	case KindOwned:
		return "owned"
	case KindPageCacheBacked:
		return "page-cache-backed"
	case KindUserWrapped:
		return "user-wrapped"
	case KindVectorView:
		return "vector-view"
	case KindInlineSinglePage:
		return "inline-single-page"
	case KindUninitShell:
		return "uninit-shell"
	default:
		return "unknown"
	}
}

// Kind derives a classification from the buffer's current flags.
func (b *IoBuffer) Kind() Kind {
	switch {
	case b.Flags.Has(UserMode):
		if len(b.Fragments) > 1 || b.Flags.Has(Extendable) {
			return KindVectorView
		}
		return KindUserWrapped
	case b.Flags.Has(PageCacheBacked):
		return KindPageCacheBacked
	case b.Flags.Has(Extendable) && b.TotalSize == 0:
		return KindUninitShell
	case b.Flags.Has(StructureNotOwned):
		return KindInlineSinglePage
	case b.Flags.Has(MemoryOwned):
		return KindOwned
	default:
		return KindUnknown
	}
}

// Fragment is a maximal run of bytes contiguous in both physical and
// virtual address space (spec §3, GLOSSARY).
type Fragment struct {
	VA   vmspace.Va // vmspace.NoVA if unmapped
	PA   mem.Pa_t   // mem.NoPA if unknown
	Size int

	// bytes backs an AllocatePaged fragment, which has no arena-managed
	// physical page: plain Go memory standing in for pageable pages
	// this subsystem never owns. It is nil for every other fragment.
	bytes []byte
}

// IoBuffer is one logical I/O buffer (spec §3).
type IoBuffer struct {
	Fragments     []Fragment
	MaxFragments  int
	TotalSize     int
	CurrentOffset int
	// PageCount is the page-cache-entry capacity reserved at
	// construction time, not a live count of pages currently appended;
	// AllocateUninitialised and CreateFromRange size it up front so
	// AppendPage and Extend never need to grow PageCacheEntries.
	PageCount int
	// PageCacheEntries is nil when the buffer does not track cache
	// entries at all; otherwise its length equals PageCount and a nil
	// element means "no entry at this page".
	PageCacheEntries []*pagecache.Entry
	Flags            Flags
	// Name is an optional debug label, supplementing the teacher's
	// fs.Bdev_block_t.Name field. Never consulted by any invariant.
	Name string

	arena PageAllocator
	space VAAllocator
}

// SizeRemaining returns total_size - current_offset (spec §4.4,
// "offset-cursor").
func (b *IoBuffer) SizeRemaining() int {
	return b.TotalSize - b.CurrentOffset
}

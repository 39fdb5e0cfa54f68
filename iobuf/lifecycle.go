package iobuf

import (
	"iobuf/ioerr"
	"iobuf/mem"
	"iobuf/pagecache"
	"iobuf/vmspace"
)

// releasePage returns one physical page to the arena, going through
// the page cache's reference count when the page is cache-backed
// rather than straight to the arena's refcount, matching spec §4.3's
// requirement that cache-backed pages are freed "via the cache path,
// never the owned-page path".
func (s *System) releasePage(buf *IoBuffer, pageIdx int, pa mem.Pa_t) {
	if buf.Flags.Has(PageCacheBacked) && buf.PageCacheEntries != nil && pageIdx < len(buf.PageCacheEntries) {
		if e := buf.PageCacheEntries[pageIdx]; e != nil {
			if e.ReleaseReference() {
				if s.Arena.Refdown(pa) {
					s.Arena.Free(pa)
				}
			}
			buf.PageCacheEntries[pageIdx] = nil
			return
		}
	}
	if s.Arena.Refdown(pa) {
		s.Arena.Free(pa)
	}
}

// Free runs the five-step release protocol from spec §4.3: unmap and
// free every fragment's pages (through the cache path where
// applicable), release the VA range if this buffer owns it, unlock
// any pages still pinned by a lock this buffer itself took out, shoot
// the TLB, and finally clear the descriptor so a caller can detect
// accidental reuse. It never frees the IoBuffer value itself: Go's
// garbage collector reclaims it once the caller drops the last
// reference, and a structure_not_owned descriptor must never be freed
// regardless.
func (s *System) Free(buf *IoBuffer) error {
	if buf == nil {
		return nil
	}
	s.bind(buf)

	pageIdx := 0
	for _, f := range buf.Fragments {
		// A fragment's physical pages are the pages its byte range
		// touches, not Size/PGSIZE: create_from_range's lock path (and
		// anything that coalesces with such a fragment) can produce a
		// fragment that starts or ends mid-page, so the page count is
		// rounded from the fragment's starting page offset.
		n := f.Size / mem.PGSIZE
		if f.PA != mem.NoPA {
			startOff := int(f.PA) % mem.PGSIZE
			n = (startOff + f.Size + mem.PGSIZE - 1) / mem.PGSIZE
		}
		for i := 0; i < n; i++ {
			pa := f.PA
			if pa == mem.NoPA {
				pageIdx++
				continue
			}
			pa += mem.Pa_t(i * mem.PGSIZE)

			// Tearing down the page-table entry itself only happens for
			// VA ranges this subsystem owns (unmap_on_free): a buffer
			// built over a caller-supplied, already-mapped range (e.g.
			// create_from_range without unmap_on_free) must leave that
			// mapping alone on free, per spec §4.3 step 2.
			if buf.Flags.Has(UnmapOnFree) && f.VA != vmspace.NoVA {
				pageVA := f.VA + vmspace.Va(i*mem.PGSIZE)
				s.Space.UnmapPage(pageVA)
			}
			if buf.Flags.Has(MemoryLocked) && !buf.Flags.Has(PageCacheBacked) {
				if pageIdx < len(buf.PageCacheEntries) && buf.PageCacheEntries[pageIdx] != nil {
					// A page create_from_range took over from an image
					// section: drop that cache reference instead of unlocking.
					if buf.PageCacheEntries[pageIdx].ReleaseReference() && s.Arena.Refdown(pa) {
						s.Arena.Free(pa)
					}
					buf.PageCacheEntries[pageIdx] = nil
				} else if err := s.Arena.Unlock(pa, 1); err != nil {
					return ioerr.New(ioerr.InsufficientResources, "free: unlock page: %v", err)
				}
			}
			if buf.Flags.Has(MemoryOwned) || buf.Flags.Has(PageCacheBacked) {
				s.releasePage(buf, pageIdx, pa)
			}
			pageIdx++
		}
	}

	if buf.Flags.Has(UnmapOnFree) {
		// Each fragment's VA may have come from its own Reserve call (the
		// non-contiguous mapping path reserves one range per fragment),
		// so every fragment's range is freed independently rather than
		// assuming one reservation spans the whole buffer; a single range
		// reserved by AllocateNonPaged is tiled exactly by its fragments,
		// so freeing them one by one returns all of it.
		for _, f := range buf.Fragments {
			if f.VA == vmspace.NoVA {
				continue
			}
			s.Space.Free(f.VA, f.Size)
			vmspace.TlbShoot(f.VA, f.Size/mem.PGSIZE)
		}
	}

	notOwned := buf.Flags.Has(StructureNotOwned)
	*buf = IoBuffer{}
	if notOwned {
		buf.Flags = StructureNotOwned
	}
	return nil
}

// Reset releases every resource Free would release but leaves the
// descriptor ready for reuse: capacity (MaxFragments, PageCount,
// PageCacheEntries length) and the owning flags survive, only the
// per-allocation state is cleared, including the mapped,
// virtually_contiguous and unmap_on_free flags (spec §4.3).
func (s *System) Reset(buf *IoBuffer) error {
	if buf == nil {
		return nil
	}
	s.bind(buf)

	maxFrag, pageCount, cacheLen, flags := buf.MaxFragments, buf.PageCount, len(buf.PageCacheEntries), buf.Flags

	if err := s.Free(buf); err != nil {
		return err
	}

	buf.MaxFragments = maxFrag
	buf.PageCount = pageCount
	buf.Flags = flags &^ (Mapped | VirtuallyContiguous | UnmapOnFree)
	if cacheLen > 0 {
		buf.PageCacheEntries = make([]*pagecache.Entry, cacheLen)
	}
	return nil
}

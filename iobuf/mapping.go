package iobuf

import (
	"context"

	"iobuf/ioerr"
	"iobuf/mem"
	"iobuf/vmspace"
)

// Map ensures every fragment of buf has a virtual address, mapping any
// that are missing one (spec §4.2). It is idempotent: a buffer that is
// already fully mapped returns immediately. requireContiguous demands
// a single VA run across the whole buffer, failing rather than mapping
// fragments into separate ranges.
func (s *System) Map(buf *IoBuffer, writeThrough, nonCached, requireContiguous bool) error {
	if buf.Flags.Has(Mapped) {
		if requireContiguous && !buf.Flags.Has(VirtuallyContiguous) {
			return ioerr.New(ioerr.InvalidParameter, "map: buffer is mapped but not virtually contiguous")
		}
		return nil
	}
	if len(buf.Fragments) == 0 {
		return ioerr.New(ioerr.InvalidParameter, "map: no fragments to map")
	}

	flags := mapFlagsFor(writeThrough, nonCached)

	if requireContiguous {
		va, err := s.Space.Reserve(context.Background(), buf.TotalSize, mem.PGSIZE)
		if err != nil {
			return ioerr.New(ioerr.InsufficientResources, "map: reserve va: %v", err)
		}
		off := 0
		for i := range buf.Fragments {
			f := &buf.Fragments[i]
			if f.PA == mem.NoPA {
				s.Space.Free(va, buf.TotalSize)
				return ioerr.New(ioerr.InvalidParameter, "map: fragment %d has no physical address", i)
			}
			n := f.Size / mem.PGSIZE
			if err := s.Space.MapRun(va+vmspace.Va(off), f.PA, n, flags); err != nil {
				s.Space.Free(va, buf.TotalSize)
				return ioerr.New(ioerr.InsufficientResources, "map: %v", err)
			}
			f.VA = va + vmspace.Va(off)
			off += f.Size
		}
		buf.Flags |= Mapped | VirtuallyContiguous | UnmapOnFree
		return nil
	}

	for i := range buf.Fragments {
		f := &buf.Fragments[i]
		if f.VA != vmspace.NoVA {
			continue
		}
		if f.PA == mem.NoPA {
			return ioerr.New(ioerr.InvalidParameter, "map: fragment %d has no physical address", i)
		}
		n := f.Size / mem.PGSIZE
		va, err := s.Space.Reserve(context.Background(), f.Size, mem.PGSIZE)
		if err != nil {
			return ioerr.New(ioerr.InsufficientResources, "map: reserve va: %v", err)
		}
		if err := s.Space.MapRun(va, f.PA, n, flags); err != nil {
			s.Space.Free(va, f.Size)
			return ioerr.New(ioerr.InsufficientResources, "map: %v", err)
		}
		f.VA = va
		buf.Flags |= UnmapOnFree
	}
	buf.Flags |= Mapped
	return nil
}

// Unmap tears down every fragment's virtual mapping without touching
// physical pages (spec §4.2). It walks pages fragment by fragment;
// pages a cache entry has already published a VA for are left mapped
// (they belong to the page cache, not this buffer), everything else is
// batched into the longest contiguous VA run it can form and released
// in one call to the VA-range freer with a TLB shootdown, mirroring
// spec §4.2's unmap exactly. Clears `mapped | unmap_on_free |
// virtually_contiguous`.
func (s *System) Unmap(buf *IoBuffer) error {
	if !buf.Flags.Has(Mapped) {
		return nil
	}

	type run struct {
		va   vmspace.Va
		size int
	}
	var runs []run

	pageIdx := 0
	for i := range buf.Fragments {
		f := &buf.Fragments[i]
		n := f.Size / mem.PGSIZE
		if f.VA == vmspace.NoVA {
			pageIdx += n
			continue
		}

		for p := 0; p < n; p++ {
			pageVA := f.VA + vmspace.Va(p*mem.PGSIZE)
			preserved := false
			if buf.Flags.Has(PageCacheBacked) && pageIdx < len(buf.PageCacheEntries) {
				if e := buf.PageCacheEntries[pageIdx]; e != nil && e.VA() == pageVA {
					preserved = true
				}
			}
			if preserved {
				pageIdx++
				continue
			}
			s.Space.UnmapPage(pageVA)
			if last := len(runs) - 1; last >= 0 && runs[last].va+vmspace.Va(runs[last].size) == pageVA {
				runs[last].size += mem.PGSIZE
			} else {
				runs = append(runs, run{va: pageVA, size: mem.PGSIZE})
			}
			pageIdx++
		}
		f.VA = vmspace.NoVA
	}

	for _, r := range runs {
		s.Space.Free(r.va, r.size)
		vmspace.TlbShoot(r.va, r.size/mem.PGSIZE)
	}

	buf.Flags &^= Mapped | UnmapOnFree | VirtuallyContiguous
	return nil
}

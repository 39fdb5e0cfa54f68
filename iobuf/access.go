package iobuf

import (
	"context"

	"iobuf/ioerr"
	"iobuf/mem"
	"iobuf/pagecache"
	"iobuf/usersim"
	"iobuf/util"
	"iobuf/vmspace"
)

// walk invokes fn once per contiguous run of bytes in [off, off+n),
// in fragment order, stopping at the first error. It is the shared
// engine behind CopyBetween, Zero, and CopyLinear (spec §4.4).
func (b *IoBuffer) walk(off, n int, fn func(chunk []byte) error) error {
	if off < 0 || n < 0 || off+n > b.TotalSize {
		return ioerr.New(ioerr.IncorrectBufferSize, "walk: range [%d,%d) outside buffer of size %d", off, off+n, b.TotalSize)
	}
	fragIdx, fragOff, ok := b.locate(off)
	if !ok {
		return ioerr.New(ioerr.IncorrectBufferSize, "walk: offset %d not found in fragment list", off)
	}
	remaining := n
	for remaining > 0 {
		if fragIdx >= len(b.Fragments) {
			return ioerr.New(ioerr.IncorrectBufferSize, "walk: ran off the end of the fragment list")
		}
		f := &b.Fragments[fragIdx]
		avail := f.Size - fragOff
		take := avail
		if take > remaining {
			take = remaining
		}
		chunk := b.fragmentBytes(f)[fragOff : fragOff+take]
		if err := fn(chunk); err != nil {
			return err
		}
		remaining -= take
		fragOff += take
		if fragOff == f.Size {
			fragIdx++
			fragOff = 0
		}
	}
	return nil
}

// ensureMapped brings buf fully mapped if it is not yet mapped, the way CopyBetween/Zero/CopyLinear's "ensure mapped" step
// requires (spec §4.4) before touching bytes directly.
func (s *System) ensureMapped(buf *IoBuffer) error {
	if buf.Flags.Has(Mapped) {
		return nil
	}
	return s.Map(buf, false, false, false)
}

// extendByShortfall grows buf via Extend if it is extendable and does
// not yet hold off+n bytes, the step copy_between/zero/copy_linear
// share (spec §4.4). Non-extendable buffers that fall short are left
// for the caller's own range check to reject.
func (s *System) extendByShortfall(buf *IoBuffer, off, n int) error {
	if !buf.Flags.Has(Extendable) {
		return nil
	}
	need := off + n - buf.TotalSize
	if need <= 0 {
		return nil
	}
	return s.Extend(buf, 0, mem.NoPA, mem.PGSIZE, need, false)
}

// CopyBetween copies min(n, remaining in each buffer) bytes from src
// starting at srcOff into dst starting at dstOff, returning the number
// of bytes actually copied (spec §4.4). Both offsets are relative to
// each buffer's current_offset; dst is extended by the shortfall first
// if it is extendable and too small, then both buffers are mapped if
// necessary.
func (s *System) CopyBetween(ctx context.Context, dst, src *IoBuffer, dstOff, srcOff, n int) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dstOff += dst.CurrentOffset
	srcOff += src.CurrentOffset

	if err := s.extendByShortfall(dst, dstOff, n); err != nil {
		return 0, err
	}
	if err := s.ensureMapped(dst); err != nil {
		return 0, err
	}
	if err := s.ensureMapped(src); err != nil {
		return 0, err
	}
	if n > dst.TotalSize-dstOff {
		n = dst.TotalSize - dstOff
	}
	if n > src.TotalSize-srcOff {
		n = src.TotalSize - srcOff
	}
	if n < 0 {
		return 0, ioerr.New(ioerr.IncorrectBufferSize, "copy_between: offsets out of range")
	}

	copied := 0
	err := src.walk(srcOff, n, func(chunk []byte) error {
		sent := 0
		return dst.walk(dstOff+copied, len(chunk), func(dchunk []byte) error {
			part := chunk[sent:]
			var c int
			switch {
			case dst.Flags.Has(UserMode):
				c, _ = usersim.CopyToUser(dchunk, part)
			case src.Flags.Has(UserMode):
				c, _ = usersim.CopyFromUser(dchunk, part)
			default:
				c = copy(dchunk, part)
			}
			sent += c
			copied += c
			return nil
		})
	})
	return copied, err
}

// Zero fills n bytes starting at current_offset+off with zero (spec
// §4.4), extending an extendable buffer by the shortfall first.
func (s *System) Zero(buf *IoBuffer, off, n int) error {
	off += buf.CurrentOffset
	if err := s.extendByShortfall(buf, off, n); err != nil {
		return err
	}
	if err := s.ensureMapped(buf); err != nil {
		return err
	}
	return buf.walk(off, n, func(chunk []byte) error {
		for i := range chunk {
			chunk[i] = 0
		}
		return nil
	})
}

// CopyLinear copies between buf's fragmented storage and a flat linear
// slice: toBuffer true copies linear into buf, false copies buf into
// linear (spec §4.4). off is relative to buf's current_offset; buf is
// extended by the shortfall first if extendable and too small.
func (s *System) CopyLinear(buf *IoBuffer, linear []byte, off, n int, toBuffer bool) error {
	off += buf.CurrentOffset
	if err := s.extendByShortfall(buf, off, n); err != nil {
		return err
	}
	if err := s.ensureMapped(buf); err != nil {
		return err
	}
	if n > len(linear) {
		return ioerr.New(ioerr.IncorrectBufferSize, "copy_linear: linear slice shorter than n")
	}
	done := 0
	return buf.walk(off, n, func(chunk []byte) error {
		if toBuffer {
			copy(chunk, linear[done:done+len(chunk)])
		} else {
			copy(linear[done:done+len(chunk)], chunk)
		}
		done += len(chunk)
		return nil
	})
}

// AppendPage attaches one already-resolved page (and, for cache-backed
// buffers, the cache entry owning it) to an uninitialised or
// mid-extension buffer's next empty slot (spec §4.4). The caller
// already holds whatever reference the page cache requires; AppendPage
// does not take one itself.
func (b *IoBuffer) AppendPage(entry *pagecache.Entry, va vmspace.Va, pa mem.Pa_t, size int) error {
	if len(b.Fragments) >= b.MaxFragments && !canCoalesce(b, pa, va) {
		return ioerr.New(ioerr.BufferTooSmall, "append_page: no fragment slots remain")
	}
	if b.Flags.Has(PageCacheBacked) {
		idx := b.TotalSize / mem.PGSIZE
		if b.PageCacheEntries == nil || idx >= len(b.PageCacheEntries) {
			return ioerr.New(ioerr.BufferTooSmall, "append_page: no page-cache-entry slot remains")
		}
		b.PageCacheEntries[idx] = entry
	}
	wasMapped := len(b.Fragments) == 0 || b.Flags.Has(Mapped)
	appendOrCoalesce(b, Fragment{VA: va, PA: pa, Size: size})
	b.TotalSize += size
	if va != vmspace.NoVA && wasMapped {
		b.Flags |= Mapped
	} else {
		b.Flags &^= Mapped
	}
	return nil
}

func canCoalesce(b *IoBuffer, pa mem.Pa_t, va vmspace.Va) bool {
	if len(b.Fragments) == 0 {
		return false
	}
	last := &b.Fragments[len(b.Fragments)-1]
	return last.PA != mem.NoPA && last.PA+mem.Pa_t(last.Size) == pa &&
		last.VA != vmspace.NoVA && last.VA+vmspace.Va(last.Size) == va
}

// SetCacheEntryAt attaches or replaces the page-cache entry tracked
// for page index idx without touching the buffer's fragment list
// (spec §4.4): used when a cache-backed buffer's underlying page is
// swapped out for another (e.g. re-reading a block after eviction).
func (b *IoBuffer) SetCacheEntryAt(idx int, entry *pagecache.Entry) error {
	if !b.Flags.Has(PageCacheBacked) {
		return ioerr.New(ioerr.InvalidParameter, "set_cache_entry_at: buffer is not page-cache-backed")
	}
	if idx < 0 || idx >= len(b.PageCacheEntries) {
		return ioerr.New(ioerr.InvalidParameter, "set_cache_entry_at: index %d out of range", idx)
	}
	b.PageCacheEntries[idx] = entry
	return nil
}

// Extend grows an extendable buffer by allocating additional physical
// pages, the way allocate_non_paged's allocation loop does, but never
// maps them: the new pages are always left unmapped, clearing `mapped`
// on the whole buffer (a buffer straddling mapped-old/unmapped-new
// pages cannot honestly claim it is mapped), and setting
// `memory_owned` (spec §4.4). The fragment-slot check runs up front
// against the worst case (one slot for a contiguous run, addPages for
// a non-contiguous one) so a failure never leaves an allocated-but-
// unrecorded page behind. minPA/maxPA carry the same open-question
// caveat as AllocateNonPaged.
func (s *System) Extend(buf *IoBuffer, minPA, maxPA mem.Pa_t, alignment, size int, physicallyContiguous bool) error {
	_ = minPA
	_ = maxPA
	if !buf.Flags.Has(Extendable) {
		return ioerr.New(ioerr.InvalidParameter, "extend: buffer is not extendable")
	}
	s.bind(buf)
	if alignment < mem.PGSIZE {
		alignment = mem.PGSIZE
	}
	alignment = util.Roundup(alignment, mem.PGSIZE)
	size = util.Roundup(size, alignment)
	addPages := size / mem.PGSIZE
	alignPages := alignment / mem.PGSIZE

	needSlots := addPages
	if physicallyContiguous {
		needSlots = 1
	}
	if remaining := buf.MaxFragments - len(buf.Fragments); needSlots > remaining {
		return ioerr.New(ioerr.BufferTooSmall, "extend: need %d fragment slots, %d remain", needSlots, remaining)
	}

	if physicallyContiguous {
		pa, ok := s.Arena.AllocRun(addPages, alignPages)
		if !ok {
			return ioerr.New(ioerr.NoMemory, "extend: no contiguous run of %d pages", addPages)
		}
		for i := 0; i < addPages; i++ {
			s.Arena.Refup(pa + mem.Pa_t(i*mem.PGSIZE))
		}
		return s.AppendPageRun(buf, vmspace.NoVA, pa, addPages)
	}

	offset := 0
	for offset < addPages {
		n := util.Min(alignPages, addPages-offset)
		pa, ok := s.Arena.AllocRun(n, alignPages)
		if !ok {
			return ioerr.New(ioerr.NoMemory, "extend: out of physical pages")
		}
		for i := 0; i < n; i++ {
			s.Arena.Refup(pa + mem.Pa_t(i*mem.PGSIZE))
		}
		if err := s.AppendPageRun(buf, vmspace.NoVA, pa, n); err != nil {
			return err
		}
		offset += n
	}
	return nil
}

// AppendPageRun appends n freshly allocated, contiguous pages to buf in
// one fragment, the bulk counterpart to AppendPage used by Extend. It
// always clears `mapped`: Extend never hands it a mapped VA.
func (s *System) AppendPageRun(buf *IoBuffer, va vmspace.Va, pa mem.Pa_t, n int) error {
	if len(buf.Fragments) >= buf.MaxFragments && !canCoalesce(buf, pa, va) {
		return ioerr.New(ioerr.BufferTooSmall, "extend: no fragment slots remain")
	}
	appendOrCoalesce(buf, Fragment{VA: va, PA: pa, Size: n * mem.PGSIZE})
	buf.TotalSize += n * mem.PGSIZE
	buf.Flags &^= Mapped
	buf.Flags |= MemoryOwned
	return nil
}

// ValidateForDMA checks that buf already satisfies the physical
// constraints a DMA transfer needs (contiguity, alignment, a PA range,
// minimum size) and, if it does not, allocates and returns a fresh
// replacement buffer that does — the caller must copy data into the
// replacement and use it in buf's place (spec §4.4, "must_reallocate").
// minPA/maxPA carry the same open-question caveat as AllocateNonPaged.
func (s *System) ValidateForDMA(buf *IoBuffer, minPA, maxPA mem.Pa_t, alignment, size int, physicallyContiguous bool) (replacement *IoBuffer, mustReallocate bool, err error) {
	if alignment <= 0 {
		alignment = 1
	}

	needed := buf.CurrentOffset + size - buf.TotalSize
	if needed > 0 && !buf.Flags.Has(Extendable) {
		return nil, false, ioerr.New(ioerr.BufferTooSmall, "validate_for_dma: buffer cannot hold %d more bytes and is not extendable", needed)
	}

	reallocate := buf.Flags.Has(UserMode)

	if !reallocate {
		end := buf.CurrentOffset + size
		if end > buf.TotalSize {
			end = buf.TotalSize
		}
		fragIdx, fragOff, ok := buf.locate(buf.CurrentOffset)
		if !ok {
			reallocate = true
		}
		pos := buf.CurrentOffset
		var prevEnd mem.Pa_t = mem.NoPA
		for !reallocate && pos < end {
			if fragIdx >= len(buf.Fragments) {
				reallocate = true
				break
			}
			f := &buf.Fragments[fragIdx]
			switch {
			case f.PA == mem.NoPA:
				reallocate = true
			case int(f.PA)%alignment != 0:
				reallocate = true
			case f.Size%alignment != 0:
				reallocate = true
			case !paWithinRange(f.PA, f.Size, minPA, maxPA):
				reallocate = true
			case physicallyContiguous && prevEnd != mem.NoPA && f.PA != prevEnd:
				reallocate = true
			}
			if reallocate {
				break
			}
			prevEnd = f.PA + mem.Pa_t(f.Size)
			take := f.Size - fragOff
			if pos+take > end {
				take = end - pos
			}
			pos += take
			fragOff += take
			if fragOff == f.Size {
				fragIdx++
				fragOff = 0
			}
		}
	}

	if !reallocate && needed > 0 {
		switch {
		case physicallyContiguous && buf.CurrentOffset != buf.TotalSize:
			reallocate = true
		case physicallyContiguous:
			if err := s.Extend(buf, minPA, maxPA, alignment, needed, true); err != nil {
				reallocate = true
			}
		default:
			if err := s.Extend(buf, minPA, maxPA, alignment, needed, false); err != nil {
				reallocate = true
			}
		}
	}

	if !reallocate {
		return nil, false, nil
	}
	fresh, err := s.AllocateNonPaged(context.Background(), minPA, maxPA, alignment, size, physicallyContiguous, false, false)
	if err != nil {
		return nil, true, err
	}
	return fresh, true, nil
}

// paWithinRange reports whether the physical range [pa, pa+size) lies
// entirely inside [minPA, maxPA]. maxPA == mem.NoPA (the all-ones
// sentinel) means "no upper bound", matching the {0, max} restriction
// AllocateNonPaged itself honours (see DESIGN.md's open-question
// decision on min_pa/max_pa).
func paWithinRange(pa mem.Pa_t, size int, minPA, maxPA mem.Pa_t) bool {
	if pa < minPA {
		return false
	}
	if maxPA == mem.NoPA {
		return true
	}
	return pa+mem.Pa_t(size)-1 <= maxPA
}

// ValidateForCachedIO ensures buf is suitable for page-cache-backed
// I/O, allocating a fresh cache-backed uninitialised shell in its
// place when it is not (spec §4.4), mirroring ValidateForDMA's
// must-reallocate contract. A nil buf, and any buffer that is not
// page-cache-backed, not extendable, has an unaligned or non-trailing
// current_offset, or lacks enough fragment slots for the pages `size`
// will need, all trigger replacement.
func (s *System) ValidateForCachedIO(buf *IoBuffer, size, alignment int) (replacement *IoBuffer, mustReallocate bool, err error) {
	if alignment <= 0 {
		alignment = mem.PGSIZE
	}

	ok := buf != nil &&
		buf.Flags.Has(PageCacheBacked) &&
		buf.Flags.Has(Extendable) &&
		buf.CurrentOffset%alignment == 0 &&
		buf.CurrentOffset == buf.TotalSize
	if ok {
		needed := util.Roundup(size, mem.PGSIZE) / mem.PGSIZE
		available := buf.MaxFragments - len(buf.Fragments)
		ok = available >= needed
	}
	if ok {
		return nil, false, nil
	}

	fresh, err := s.AllocateUninitialised(util.Roundup(size, alignment), true)
	if err != nil {
		return nil, true, err
	}
	return fresh, true, nil
}

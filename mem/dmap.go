package mem

// Dmap returns a byte slice viewing the page at pa, mirroring
// Physmem_t.Dmap8 in the teacher (biscuit/src/mem/dmap.go): instead of
// indexing into a recursive direct-map page-table slot, it slices
// directly into the arena's backing mmap region, since in this
// simulation the "direct map" and the arena are the same bytes.
func (a *Arena) Dmap(pa Pa_t) []byte {
	off := int(pa) &^ (PGSIZE - 1)
	return a.bytes[off : off+PGSIZE]
}

// DmapLen returns a slice of l bytes starting at pa, which may begin
// mid-page.
func (a *Arena) DmapLen(pa Pa_t, l int) []byte {
	off := int(pa)
	return a.bytes[off : off+l]
}

// PageOf rounds a physical address down to its containing page.
func PageOf(pa Pa_t) Pa_t {
	return pa & PGMASK
}

// PageOffset returns the offset of pa within its page.
func PageOffset(pa Pa_t) int {
	return int(pa & PGOFFSET)
}

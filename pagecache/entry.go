// Package pagecache implements the reference-counted page-cache entry
// collaborator from spec §6. It is grounded in biscuit/src/fs/blk.go's
// Bdev_block_t (a cached disk block addressed by Block, backed by Pa
// and an Objref_t reference count, released via Done/Relse) and in
// mem.Arena's atomic page refcounting, which the same file ultimately
// bottoms out on.
package pagecache

import (
	"sync/atomic"

	"iobuf/mem"
	"iobuf/vmspace"
)

// Entry is a reference-counted handle to one physical page, optionally
// with a published kernel virtual address. Multiple IoBuffers may
// share one Entry; the page itself is only returned to the physical
// allocator when the last reference is released.
type Entry struct {
	pa     mem.Pa_t
	va     atomic.Uint64 // vmspace.Va, 0 == unset
	refcnt atomic.Int32
}

// New wraps pa in a page-cache entry with zero references. Every
// caller that intends to hold the entry — the section that paged it
// in, a buffer that adopts it — must call AddReference, mirroring the
// explicit Refup biscuit's fs.MkBlock + mem.Physmem_t.Refup pattern
// requires of every owner.
func New(pa mem.Pa_t) *Entry {
	return &Entry{pa: pa}
}

// PA returns the physical address backing this entry.
func (e *Entry) PA() mem.Pa_t { return e.pa }

// VA returns the published virtual address, or vmspace.NoVA if none
// has been published yet.
func (e *Entry) VA() vmspace.Va {
	return vmspace.Va(e.va.Load())
}

// SetVA publishes va for this entry if none has been published yet.
// It reports whether this call was the one that won the race. Spec §5
// notes that losing this race is harmless because every racer
// publishes the same value for the same physical page, so callers
// need not treat "lost the race" as an error.
func (e *Entry) SetVA(va vmspace.Va) (won bool) {
	return e.va.CompareAndSwap(0, uint64(va))
}

// AddReference takes one reference on the entry.
func (e *Entry) AddReference() {
	e.refcnt.Add(1)
}

// ReleaseReference releases one reference and reports whether it was
// the last one, in which case the caller (the physical allocator's
// owner) must free the underlying page.
func (e *Entry) ReleaseReference() (last bool) {
	c := e.refcnt.Add(-1)
	if c < 0 {
		panic("pagecache: released more references than were held")
	}
	return c == 0
}

// RefCount reports the current reference count, for tests and
// diagnostics.
func (e *Entry) RefCount() int {
	return int(e.refcnt.Load())
}

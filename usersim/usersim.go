// Package usersim simulates the user-address-space collaborators of
// spec §6: image sections (file-backed mappings that must be paged
// in), the kernel/user address boundary check, and the kernel/user
// copy primitives. It is grounded in biscuit/src/vm/as.go's
// Userdmap8_inner/K2user/User2k (fault in, then copy) and
// biscuit/src/vm/userbuf.go's Userbuf_t (a cursor over a user range
// that resolves one page at a time).
package usersim

import (
	"sync"

	"iobuf/ioerr"
	"iobuf/mem"
	"iobuf/pagecache"
)

// KernelUserBoundary is the simulated split between user and kernel
// address ranges, playing the role of mem.USERMIN in the teacher
// (biscuit/src/mem/dmap.go): addresses below it are user-mode,
// addresses at or above it are kernel-mode.
const KernelUserBoundary uintptr = 1 << 46

// IsUser reports whether the half-open range [addr, addr+size) lies
// entirely below the kernel/user boundary.
func IsUser(addr uintptr, size int) bool {
	if size == 0 {
		return addr < KernelUserBoundary
	}
	end := addr + uintptr(size) - 1
	return addr < KernelUserBoundary && end < KernelUserBoundary
}

// IsKernel reports whether the half-open range [addr, addr+size) lies
// entirely at or above the kernel/user boundary.
func IsKernel(addr uintptr, size int) bool {
	if size == 0 {
		return addr >= KernelUserBoundary
	}
	return addr >= KernelUserBoundary
}

// Section represents a file-backed image section. Pages are faulted
// in lazily and cached by offset, taking over a page-cache entry the
// way Vm_t.Userdmap8_inner's page-fault path does in the teacher.
type Section struct {
	arena *mem.Arena

	mu      sync.Mutex
	byOff   map[int]*pagecache.Entry
	armOnce map[int]bool // test hook: offsets that fail once with try-again
}

// NewSection creates an empty section backed by arena for page
// allocation on first fault.
func NewSection(arena *mem.Arena) *Section {
	return &Section{
		arena:   arena,
		byOff:   make(map[int]*pagecache.Entry),
		armOnce: make(map[int]bool),
	}
}

// ArmRetry causes the next PageIn at offset to fail once with the
// internal try-again signal before succeeding, exercising
// CreateFromRange's retry loop (spec §4.1) the way a real page-in
// occasionally returns a transient status under memory pressure.
func (s *Section) ArmRetry(offset int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armOnce[offset] = true
}

// PageIn faults in the page at the given page-aligned offset and
// returns a page-cache entry the caller now owns one reference to.
// Repeated calls for the same offset return the same entry with an
// additional reference each time, mirroring a buffer and the section
// itself sharing one physical page.
func (s *Section) PageIn(offset int) (*pagecache.Entry, error) {
	s.mu.Lock()
	if s.armOnce[offset] {
		delete(s.armOnce, offset)
		s.mu.Unlock()
		return nil, ioerr.TryAgain()
	}
	if e, ok := s.byOff[offset]; ok {
		e.AddReference()
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()

	pa, ok := s.arena.AllocPage()
	if !ok {
		return nil, ioerr.New(ioerr.InsufficientResources, "section: page-in out of memory")
	}
	s.arena.Refup(pa)
	e := pagecache.New(pa)
	e.AddReference()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byOff[offset]; ok {
		// another racer paged in the same offset first; drop ours and
		// take a reference on theirs instead.
		if s.arena.Refdown(pa) {
			s.arena.Free(pa)
		}
		existing.AddReference()
		return existing, nil
	}
	s.byOff[offset] = e
	return e, nil
}

// CopyToUser copies src into the user-mode destination represented by
// dst, mirroring Vm_t.K2user's "kernel to user" direction. In this
// simulation both sides are ordinary byte slices, but the function is
// kept distinct from a plain copy() call so validation (e.g. a real
// kernel's page-fault handling) has a single seam.
func CopyToUser(dst, src []byte) (int, error) {
	return copy(dst, src), nil
}

// CopyFromUser copies src (user-mode) into dst (kernel-mode),
// mirroring Vm_t.User2k.
func CopyFromUser(dst, src []byte) (int, error) {
	return copy(dst, src), nil
}

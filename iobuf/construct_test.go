package iobuf

import (
	"context"
	"testing"

	"iobuf/mem"
	"iobuf/usersim"
	"iobuf/vmspace"
)

func newTestSystem(t *testing.T, arenaPages int) (*System, *mem.Arena, *vmspace.Space) {
	t.Helper()
	arena, err := mem.NewArena(arenaPages)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	space, err := vmspace.NewSpace(arenaPages * mem.PGSIZE)
	if err != nil {
		t.Fatalf("NewSpace: %v", err)
	}
	t.Cleanup(func() {
		arena.Close()
		space.Close()
	})
	return NewSystem(arena, space), arena, space
}

// scenario 1: contiguous 16 KiB allocation.
func TestAllocateNonPagedContiguous(t *testing.T) {
	sys, arena, _ := newTestSystem(t, 64)
	freeBefore := arena.FreeCount()

	buf, err := sys.AllocateNonPaged(context.Background(), 0, ^mem.Pa_t(0), 0, 16384, true, false, false)
	if err != nil {
		t.Fatalf("AllocateNonPaged: %v", err)
	}
	if len(buf.Fragments) != 1 {
		t.Fatalf("fragment count = %d, want 1", len(buf.Fragments))
	}
	if buf.Fragments[0].Size != 16384 {
		t.Fatalf("fragment size = %d, want 16384", buf.Fragments[0].Size)
	}
	want := Mapped | VirtuallyContiguous | MemoryOwned | MemoryLocked
	if buf.Flags&want != want {
		t.Fatalf("flags = %b, missing one of mapped|virtually_contiguous|memory_owned|memory_locked", buf.Flags)
	}

	if err := sys.Free(buf); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if arena.FreeCount() != freeBefore {
		t.Fatalf("free count after Free = %d, want %d (4 pages returned)", arena.FreeCount(), freeBefore)
	}
}

func TestAllocateNonPagedNonContiguous(t *testing.T) {
	sys, arena, _ := newTestSystem(t, 64)
	freeBefore := arena.FreeCount()

	buf, err := sys.AllocateNonPaged(context.Background(), 0, ^mem.Pa_t(0), mem.PGSIZE, 12*1024, false, false, false)
	if err != nil {
		t.Fatalf("AllocateNonPaged: %v", err)
	}
	sum := 0
	for _, f := range buf.Fragments {
		sum += f.Size
	}
	if sum != buf.TotalSize {
		t.Fatalf("sum(fragment.size) = %d, total_size = %d", sum, buf.TotalSize)
	}
	if len(buf.Fragments) > buf.MaxFragments {
		t.Fatalf("fragment_count %d > max_fragment_count %d", len(buf.Fragments), buf.MaxFragments)
	}

	if err := sys.Free(buf); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if arena.FreeCount() != freeBefore {
		t.Fatalf("free count after Free = %d, want %d", arena.FreeCount(), freeBefore)
	}
}

func TestAllocatePagedSingleFragment(t *testing.T) {
	sys, _, _ := newTestSystem(t, 4)
	buf, err := sys.AllocatePaged(100)
	if err != nil {
		t.Fatalf("AllocatePaged: %v", err)
	}
	if len(buf.Fragments) != 1 || buf.TotalSize != 100 {
		t.Fatalf("got fragments=%d total=%d, want 1/100", len(buf.Fragments), buf.TotalSize)
	}
	if !buf.Flags.Has(VirtuallyContiguous) || !buf.Flags.Has(Mapped) {
		t.Fatalf("flags = %b, want virtually_contiguous|mapped set", buf.Flags)
	}
}

// scenario 3: user-vector aggregation.
func TestCreateFromVectorAggregation(t *testing.T) {
	sys, _, _ := newTestSystem(t, 4)
	vec := []UserIOV{
		{Addr: 0x1000, Len: 100},
		{Addr: 0x1064, Len: 200},
		{Addr: 0x2000, Len: 0},
		{Addr: 0x3000, Len: 50},
	}
	buf, err := sys.CreateFromVector(true, vec, len(vec))
	if err != nil {
		t.Fatalf("CreateFromVector: %v", err)
	}
	if len(buf.Fragments) != 2 {
		t.Fatalf("fragment count = %d, want 2", len(buf.Fragments))
	}
	if buf.Fragments[0].VA != 0x1000 || buf.Fragments[0].Size != 300 {
		t.Fatalf("fragment 0 = {va=%#x size=%d}, want {va=0x1000 size=300}", buf.Fragments[0].VA, buf.Fragments[0].Size)
	}
	if buf.Fragments[1].VA != 0x3000 || buf.Fragments[1].Size != 50 {
		t.Fatalf("fragment 1 = {va=%#x size=%d}, want {va=0x3000 size=50}", buf.Fragments[1].VA, buf.Fragments[1].Size)
	}
	if buf.TotalSize != 350 {
		t.Fatalf("total_size = %d, want 350", buf.TotalSize)
	}
	if !buf.Flags.Has(UserMode) || !buf.Flags.Has(Mapped) {
		t.Fatalf("flags = %b, want user_mode|mapped set", buf.Flags)
	}
}

func TestCreateFromVectorRejectsBoundaryCrossing(t *testing.T) {
	sys, _, _ := newTestSystem(t, 4)
	vec := []UserIOV{{Addr: usersim.KernelUserBoundary - 10, Len: 20}}
	if _, err := sys.CreateFromVector(true, vec, 1); err == nil {
		t.Fatal("CreateFromVector should reject an element crossing the kernel/user boundary")
	}
}

func TestCreateFromVectorRejectsOutOfRangeCount(t *testing.T) {
	sys, _, _ := newTestSystem(t, 4)
	if _, err := sys.CreateFromVector(true, nil, 0); err == nil {
		t.Fatal("CreateFromVector should reject n == 0")
	}
	if _, err := sys.CreateFromVector(true, nil, MaxVector+1); err == nil {
		t.Fatal("CreateFromVector should reject n > MaxVector")
	}
}

// scenario 4: locking a sub-page-aligned kernel range spanning two
// physical pages must yield fragments trimmed to [ptr, ptr+size), not
// page-aligned 4096-byte fragments (would overrun total_size).
func TestCreateFromRangeLockTrimsToSubPageBounds(t *testing.T) {
	sys, arena, space := newTestSystem(t, 16)

	pa0, ok := arena.AllocPage()
	if !ok {
		t.Fatalf("AllocPage: out of pages")
	}
	if _, ok := arena.AllocPage(); !ok {
		t.Fatalf("AllocPage (skip): out of pages")
	}
	pa1, ok := arena.AllocPage()
	if !ok {
		t.Fatalf("AllocPage: out of pages")
	}
	if pa1 == pa0+mem.Pa_t(mem.PGSIZE) {
		t.Fatalf("test setup: pa0=%#x pa1=%#x are physically contiguous, want a gap", pa0, pa1)
	}

	base := vmspace.Va(usersim.KernelUserBoundary)
	if err := space.MapPage(base, pa0, vmspace.Present); err != nil {
		t.Fatalf("MapPage page 0: %v", err)
	}
	if err := space.MapPage(base+vmspace.Va(mem.PGSIZE), pa1, vmspace.Present); err != nil {
		t.Fatalf("MapPage page 1: %v", err)
	}

	ptr := uintptr(base) + 1000
	size := 5000
	noSection := func(addr uintptr) (*usersim.Section, int, bool) { return nil, 0, false }

	buf, err := sys.CreateFromRange(context.Background(), noSection, ptr, size, true, true, true)
	if err != nil {
		t.Fatalf("CreateFromRange: %v", err)
	}

	if len(buf.Fragments) != 2 {
		t.Fatalf("fragment count = %d, want 2", len(buf.Fragments))
	}
	if got, want := buf.Fragments[0].VA, vmspace.Va(ptr); got != want {
		t.Fatalf("fragment 0 VA = %#x, want %#x", got, want)
	}
	if got, want := buf.Fragments[0].Size, 4096-1000; got != want {
		t.Fatalf("fragment 0 size = %d, want %d (ends at page boundary)", got, want)
	}
	if got, want := buf.Fragments[1].VA, base+vmspace.Va(mem.PGSIZE); got != want {
		t.Fatalf("fragment 1 VA = %#x, want %#x", got, want)
	}
	if got, want := buf.Fragments[1].Size, size-(4096-1000); got != want {
		t.Fatalf("fragment 1 size = %d, want %d (ends at ptr+size)", got, want)
	}

	sum := 0
	for _, f := range buf.Fragments {
		sum += f.Size
	}
	if sum != buf.TotalSize || buf.TotalSize != size {
		t.Fatalf("sum(fragment.size) = %d, total_size = %d, want both = %d", sum, buf.TotalSize, size)
	}
	if !buf.Flags.Has(MemoryLocked) {
		t.Fatalf("flags = %b, want memory_locked set", buf.Flags)
	}
}

func TestAllocateUninitialisedShell(t *testing.T) {
	sys, _, _ := newTestSystem(t, 4)
	buf, err := sys.AllocateUninitialised(8192, true)
	if err != nil {
		t.Fatalf("AllocateUninitialised: %v", err)
	}
	if buf.TotalSize != 0 || len(buf.Fragments) != 0 {
		t.Fatalf("uninitialised shell should have no fragments yet, got total=%d fragments=%d", buf.TotalSize, len(buf.Fragments))
	}
	if len(buf.PageCacheEntries) != 2 {
		t.Fatalf("cache-backed 8192-byte shell should reserve 2 page-cache-entry slots, got %d", len(buf.PageCacheEntries))
	}
	if !buf.Flags.Has(Extendable) || !buf.Flags.Has(PageCacheBacked) {
		t.Fatalf("flags = %b, want extendable|page_cache_backed set", buf.Flags)
	}
}

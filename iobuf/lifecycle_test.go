package iobuf

import (
	"context"
	"testing"

	"iobuf/mem"
)

func TestFreeIsCompleteInverseForOwnedPages(t *testing.T) {
	sys, arena, space := newTestSystem(t, 32)
	freeBefore := arena.FreeCount()
	vaFreeBefore := space.FreeBytes()

	buf, err := sys.AllocateNonPaged(context.Background(), 0, ^mem.Pa_t(0), mem.PGSIZE, 4*mem.PGSIZE, false, false, false)
	if err != nil {
		t.Fatalf("AllocateNonPaged: %v", err)
	}

	if err := sys.Free(buf); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if got := arena.FreeCount(); got != freeBefore {
		t.Fatalf("free page count after Free = %d, want %d", got, freeBefore)
	}
	if got := space.FreeBytes(); got != vaFreeBefore {
		t.Fatalf("space free bytes after Free = %d, want %d (VA range should be fully reclaimed)", got, vaFreeBefore)
	}
}

func TestResetPreservesCapacityButClearsContent(t *testing.T) {
	sys, _, _ := newTestSystem(t, 32)
	buf, err := sys.AllocateNonPaged(context.Background(), 0, ^mem.Pa_t(0), 0, mem.PGSIZE, true, false, false)
	if err != nil {
		t.Fatalf("AllocateNonPaged: %v", err)
	}
	maxFrag, flags := buf.MaxFragments, buf.Flags

	if err := sys.Reset(buf); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if buf.TotalSize != 0 || len(buf.Fragments) != 0 {
		t.Fatalf("Reset should clear fragments/total_size, got total=%d fragments=%d", buf.TotalSize, len(buf.Fragments))
	}
	if buf.MaxFragments != maxFrag {
		t.Fatalf("Reset changed MaxFragments from %d to %d", maxFrag, buf.MaxFragments)
	}
	if want := flags &^ (Mapped | VirtuallyContiguous | UnmapOnFree); buf.Flags != want {
		t.Fatalf("Reset left Flags = %b, want %b (owning flags kept, mapping flags cleared)", buf.Flags, want)
	}
}


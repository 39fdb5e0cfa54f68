package vmspace

import (
	"context"
	"testing"
	"time"

	"iobuf/mem"
)

func newTestSpace(t *testing.T, size int) *Space {
	t.Helper()
	s, err := NewSpace(size)
	if err != nil {
		t.Fatalf("NewSpace: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReserveFreeRoundTrip(t *testing.T) {
	s := newTestSpace(t, 64*mem.PGSIZE)

	va, err := s.Reserve(context.Background(), 4*mem.PGSIZE, mem.PGSIZE)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if va == NoVA {
		t.Fatal("Reserve returned the sentinel NoVA for a real reservation")
	}
	s.Free(va, 4*mem.PGSIZE)

	va2, err := s.Reserve(context.Background(), 64*mem.PGSIZE, mem.PGSIZE)
	if err != nil {
		t.Fatalf("Reserve after Free should be able to reclaim the whole range: %v", err)
	}
	if va2 != va && va2 < va {
		// coalescing may return a different but still valid base; just
		// confirm the full-size reservation succeeded at all.
	}
}

func TestReserveAlignment(t *testing.T) {
	s := newTestSpace(t, 64*mem.PGSIZE)
	va, err := s.Reserve(context.Background(), 2*mem.PGSIZE, 8*mem.PGSIZE)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if uintptr(va)%uintptr(8*mem.PGSIZE) != 0 {
		t.Fatalf("va %#x not aligned to 8 pages", va)
	}
}

func TestReserveExhaustion(t *testing.T) {
	s := newTestSpace(t, 2*mem.PGSIZE)
	if _, err := s.Reserve(context.Background(), 4*mem.PGSIZE, mem.PGSIZE); err == nil {
		t.Fatal("Reserve should fail when requested size exceeds the space")
	}
}

func TestMapUnmapTranslate(t *testing.T) {
	s := newTestSpace(t, 16*mem.PGSIZE)
	va, err := s.Reserve(context.Background(), mem.PGSIZE, mem.PGSIZE)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	pa := mem.Pa_t(3 * mem.PGSIZE)
	if err := s.MapPage(va, pa, Present); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	got, ok := s.Translate(va)
	if !ok || got != pa {
		t.Fatalf("Translate = (%#x, %v), want (%#x, true)", got, ok, pa)
	}
	unmapped, ok := s.UnmapPage(va)
	if !ok || unmapped != pa {
		t.Fatalf("UnmapPage = (%#x, %v), want (%#x, true)", unmapped, ok, pa)
	}
	if _, ok := s.Translate(va); ok {
		t.Fatal("Translate should fail after UnmapPage")
	}
}

func TestMapRunSequential(t *testing.T) {
	s := newTestSpace(t, 16*mem.PGSIZE)
	va, err := s.Reserve(context.Background(), 4*mem.PGSIZE, mem.PGSIZE)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := s.MapRun(va, 0, 4, Present|Global); err != nil {
		t.Fatalf("MapRun: %v", err)
	}
	for i := 0; i < 4; i++ {
		pa, ok := s.Translate(va + Va(i*mem.PGSIZE))
		if !ok || pa != mem.Pa_t(i*mem.PGSIZE) {
			t.Fatalf("page %d: Translate = (%#x, %v), want (%#x, true)", i, pa, ok, i*mem.PGSIZE)
		}
	}
}

func TestReserveFailsOnceSpaceIsConsumed(t *testing.T) {
	s := newTestSpace(t, mem.PGSIZE)
	// consume the whole one-page space so the next caller genuinely has
	// nothing to reserve, then confirm that a further Reserve, made under
	// a short deadline, returns an error rather than succeeding.
	if _, err := s.Reserve(context.Background(), mem.PGSIZE, mem.PGSIZE); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Reserve(ctx, mem.PGSIZE, mem.PGSIZE); err == nil {
		t.Fatal("Reserve should fail once the space has no free range left")
	}
}

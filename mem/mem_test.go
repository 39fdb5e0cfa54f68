package mem

import (
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	a, err := NewArena(8)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	free0 := a.FreeCount()
	pa, ok := a.AllocPage()
	if !ok {
		t.Fatal("AllocPage: out of memory on an empty arena")
	}
	if a.FreeCount() != free0-1 {
		t.Fatalf("free count after alloc = %d, want %d", a.FreeCount(), free0-1)
	}
	a.Refup(pa)
	if a.Refdown(pa) != true {
		t.Fatal("Refdown after single Refup should report last reference released")
	}
	a.Free(pa)
	if a.FreeCount() != free0 {
		t.Fatalf("free count after free = %d, want %d", a.FreeCount(), free0)
	}
}

func TestFreeWithOutstandingReferencePanics(t *testing.T) {
	a, err := NewArena(2)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	pa, _ := a.AllocPage()
	a.Refup(pa)
	defer func() {
		if recover() == nil {
			t.Fatal("Free with refcount > 0 should panic")
		}
	}()
	a.Free(pa)
}

func TestAllocRunContiguousAndAligned(t *testing.T) {
	a, err := NewArena(16)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	pa, ok := a.AllocRun(4, 2)
	if !ok {
		t.Fatal("AllocRun: expected a 4-page run to succeed in a 16-page arena")
	}
	if int(pa)%(2*PGSIZE) != 0 {
		t.Fatalf("AllocRun: base %#x not aligned to %d pages", pa, 2)
	}
	for i := 0; i < 4; i++ {
		a.Refup(pa + Pa_t(i*PGSIZE))
	}
	for i := 0; i < 4; i++ {
		p := pa + Pa_t(i*PGSIZE)
		if a.Refdown(p) {
			a.Free(p)
		}
	}
}

func TestAllocRunExhaustion(t *testing.T) {
	a, err := NewArena(4)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	if _, ok := a.AllocRun(5, 1); ok {
		t.Fatal("AllocRun should fail when n exceeds total arena capacity")
	}
}

func TestLockUnlock(t *testing.T) {
	a, err := NewArena(2)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	pa, _ := a.AllocPage()
	a.Refup(pa)
	if err := a.Lock(pa, 1); err != nil {
		t.Skipf("mlock unavailable in this environment (RLIMIT_MEMLOCK/CAP_IPC_LOCK): %v", err)
	}
	if err := a.Unlock(pa, 1); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if a.Refdown(pa) {
		a.Free(pa)
	}
}

func TestDmapRoundTrip(t *testing.T) {
	a, err := NewArena(2)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	pa, _ := a.AllocPage()
	a.Refup(pa)
	page := a.Dmap(pa)
	page[0] = 0xAB
	if got := a.Dmap(pa)[0]; got != 0xAB {
		t.Fatalf("Dmap: wrote 0xAB, read back %#x", got)
	}
	if a.Refdown(pa) {
		a.Free(pa)
	}
}

func TestConcurrentAllocFree(t *testing.T) {
	a, err := NewArena(64)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				pa, ok := a.AllocPage()
				if !ok {
					return nil
				}
				a.Refup(pa)
				if a.Refdown(pa) {
					a.Free(pa)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent alloc/free: %v", err)
	}
	if got := a.FreeCount(); got != 64 {
		t.Fatalf("after concurrent alloc/free, free count = %d, want 64", got)
	}
}

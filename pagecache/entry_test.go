package pagecache

import (
	"sync"
	"testing"

	"iobuf/mem"
	"iobuf/vmspace"
)

func TestReferenceCounting(t *testing.T) {
	e := New(mem.Pa_t(0))
	if e.RefCount() != 0 {
		t.Fatalf("RefCount on a fresh entry = %d, want 0", e.RefCount())
	}
	e.AddReference()
	e.AddReference()
	if e.RefCount() != 2 {
		t.Fatalf("RefCount after two AddReference = %d, want 2", e.RefCount())
	}
	if e.ReleaseReference() {
		t.Fatal("ReleaseReference should not report 'last' with one reference still held")
	}
	if !e.ReleaseReference() {
		t.Fatal("ReleaseReference should report 'last' when the count reaches zero")
	}
}

func TestReleaseBeyondZeroPanics(t *testing.T) {
	e := New(mem.Pa_t(0))
	e.AddReference()
	e.ReleaseReference()
	defer func() {
		if recover() == nil {
			t.Fatal("releasing more references than were held should panic")
		}
	}()
	e.ReleaseReference()
}

func TestSetVAPublishesOnce(t *testing.T) {
	e := New(mem.Pa_t(mem.PGSIZE))
	if e.VA() != vmspace.NoVA {
		t.Fatalf("VA on a fresh entry = %#x, want NoVA", e.VA())
	}
	if !e.SetVA(0x1000) {
		t.Fatal("first SetVA should win the publication race")
	}
	if e.SetVA(0x2000) {
		t.Fatal("second SetVA should lose once a value is published")
	}
	if e.VA() != 0x1000 {
		t.Fatalf("VA = %#x, want the first published value 0x1000", e.VA())
	}
}

func TestConcurrentSetVAHasOneWinner(t *testing.T) {
	e := New(mem.Pa_t(0))
	const n = 16
	wins := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wins[i] = e.SetVA(vmspace.Va(0x1000 + i))
		}(i)
	}
	wg.Wait()
	count := 0
	for _, w := range wins {
		if w {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("exactly one concurrent SetVA should win the race, got %d", count)
	}
}

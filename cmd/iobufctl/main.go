// Command iobufctl drives the I/O buffer subsystem outside of a test
// binary: `demo` exercises the non-paged and paged constructors end to
// end and prints the non-paged descriptor and the arena's free-page
// count, `stats` profiles a synthetic
// allocation workload and reports where it spent its time. It plays
// the role biscuit/src/kernel/chentry.go's boot-time self-checks play
// for the teacher kernel — a standalone entry point a developer runs
// by hand, not part of the library's test suite.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"sort"

	"github.com/google/pprof/profile"

	"iobuf/iobuf"
	"iobuf/mem"
	"iobuf/vmspace"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "demo":
		err = runDemo(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "iobufctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: iobufctl <demo|stats> [flags]")
}

func newSystem(arenaPages int, spaceBytes int) (*iobuf.System, *mem.Arena, *vmspace.Space, error) {
	arena, err := mem.NewArena(arenaPages)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new arena: %w", err)
	}
	space, err := vmspace.NewSpace(spaceBytes)
	if err != nil {
		arena.Close()
		return nil, nil, nil, fmt.Errorf("new space: %w", err)
	}
	return iobuf.NewSystem(arena, space), arena, space, nil
}

func runDemo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	pages := fs.Int("pages", 256, "arena size, in pages")
	size := fs.Int("size", 3*mem.PGSIZE, "bytes to allocate for the non-paged demo buffer")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sys, arena, space, err := newSystem(*pages, *pages*mem.PGSIZE)
	if err != nil {
		return err
	}
	defer arena.Close()
	defer space.Close()

	nonPaged, err := sys.AllocateNonPaged(context.Background(), 0, ^mem.Pa_t(0), mem.PGSIZE, *size, true, false, false)
	if err != nil {
		return fmt.Errorf("allocate_non_paged: %w", err)
	}
	fmt.Printf("non-paged buffer: kind=%s fragments=%d total_size=%d free_pages=%d\n",
		nonPaged.Kind(), len(nonPaged.Fragments), nonPaged.TotalSize, arena.FreeCount())

	paged, err := sys.AllocatePaged(*size)
	if err != nil {
		return fmt.Errorf("allocate_paged: %w", err)
	}

	if err := sys.Zero(nonPaged, 0, nonPaged.TotalSize); err != nil {
		return fmt.Errorf("zero: %w", err)
	}
	n, err := sys.CopyBetween(context.Background(), paged, nonPaged, 0, 0, nonPaged.TotalSize)
	if err != nil {
		return fmt.Errorf("copy_between: %w", err)
	}
	fmt.Printf("copied %d bytes non-paged -> paged\n", n)

	if err := sys.Free(nonPaged); err != nil {
		return fmt.Errorf("free non-paged: %w", err)
	}
	if err := sys.Free(paged); err != nil {
		return fmt.Errorf("free paged: %w", err)
	}
	fmt.Printf("after free: free_pages=%d\n", arena.FreeCount())
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	iterations := fs.Int("iterations", 20000, "allocate/free cycles to profile")
	if err := fs.Parse(args); err != nil {
		return err
	}

	profPath, err := os.CreateTemp("", "iobufctl-cpu-*.pprof")
	if err != nil {
		return fmt.Errorf("create profile file: %w", err)
	}
	defer os.Remove(profPath.Name())
	defer profPath.Close()

	sys, arena, space, err := newSystem(64, 64*mem.PGSIZE)
	if err != nil {
		return err
	}
	defer arena.Close()
	defer space.Close()

	if err := pprof.StartCPUProfile(profPath); err != nil {
		return fmt.Errorf("start cpu profile: %w", err)
	}
	for i := 0; i < *iterations; i++ {
		buf, err := sys.AllocateNonPaged(context.Background(), 0, ^mem.Pa_t(0), mem.PGSIZE, mem.PGSIZE, true, false, false)
		if err != nil {
			pprof.StopCPUProfile()
			return fmt.Errorf("iteration %d: allocate_non_paged: %w", i, err)
		}
		if err := sys.Free(buf); err != nil {
			pprof.StopCPUProfile()
			return fmt.Errorf("iteration %d: free: %w", i, err)
		}
	}
	pprof.StopCPUProfile()

	if _, err := profPath.Seek(0, 0); err != nil {
		return fmt.Errorf("rewind profile file: %w", err)
	}
	prof, err := profile.Parse(profPath)
	if err != nil {
		return fmt.Errorf("parse profile: %w", err)
	}
	printTopFunctions(prof, 10)
	return nil
}

// printTopFunctions aggregates sample value[0] (cpu samples) by the
// leaf function of each sample's call stack and prints the busiest
// functions, giving a developer a quick look at where an
// allocate/free cycle spends its time.
func printTopFunctions(prof *profile.Profile, top int) {
	type count struct {
		name  string
		value int64
	}
	totals := make(map[string]int64)
	for _, s := range prof.Sample {
		if len(s.Location) == 0 || len(s.Value) == 0 {
			continue
		}
		loc := s.Location[0]
		name := "?"
		if len(loc.Line) > 0 && loc.Line[0].Function != nil {
			name = loc.Line[0].Function.Name
		}
		totals[name] += s.Value[0]
	}
	ranked := make([]count, 0, len(totals))
	for name, v := range totals {
		ranked = append(ranked, count{name, v})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].value > ranked[j].value })
	if len(ranked) > top {
		ranked = ranked[:top]
	}
	fmt.Printf("profiled %d samples across %d distinct leaf functions\n", len(prof.Sample), len(totals))
	for _, c := range ranked {
		fmt.Printf("%8d  %s\n", c.value, c.name)
	}
}

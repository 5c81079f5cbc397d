// Package frame implements the physical frame allocator: a free list
// of page-aligned physical frames built from the bootloader's memory map,
// handing out and reclaiming frames for page tables, VMA backing and the
// kernel heap.
package frame

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	ksync "github.com/justinian/jsix/internal/kernel/sync"
	"github.com/justinian/jsix/internal/kernel/status"
	"github.com/justinian/jsix/internal/log"
)

// PageSize is the frame size in bytes; frames are always 4 KiB.
const PageSize = 4096

// Addr is a physical frame address; always a multiple of PageSize.
type Addr uint64

func (a Addr) String() string { return fmt.Sprintf("phys(%#012x)", uint64(a)) }

// MemoryType mirrors the bootloader's UEFI memory map entry types; only
// Conventional frames are ever handed out by the allocator.
type MemoryType uint8

const (
	Conventional MemoryType = iota
	Pending
	ACPI
	UEFIRuntime
	MMIO
	Persistent
)

// MemoryMapEntry is one record of the bootloader's memory map.
type MemoryMapEntry struct {
	Start Addr
	Pages uint64
	Type  MemoryType
	Attr  uint64
}

// Category tags an allocation for the diagnostic dump.
type Category uint8

const (
	CategoryPageTable Category = iota
	CategoryVMA
	CategoryKernelHeap
	numCategories
)

func (c Category) String() string {
	switch c {
	case CategoryPageTable:
		return "page-table"
	case CategoryVMA:
		return "vma"
	case CategoryKernelHeap:
		return "kernel-heap"
	default:
		return "unknown"
	}
}

type run struct {
	start Addr
	pages uint64
}

// Allocator owns the free list of physical frames. Locking discipline:
// the allocator's lock sits below the object table's and handle table's in
// the required acquisition order, so code holding any of those locks must
// never re-enter here while already holding them in the wrong order (it must
// acquire the frame lock first).
type Allocator struct {
	mu    ksync.MCSLock
	free  []run // sorted, disjoint, ascending by start
	total uint64
	used  uint64

	byCategory [numCategories]uint64

	// sem bounds the number of goroutines concurrently contending for mu so
	// a burst of page faults backs off instead of piling up on a single
	// mutex with unbounded queueing.
	sem *semaphore.Weighted

	log *log.Logger
}

// New builds an allocator from the bootloader's memory map, honoring only
// Conventional entries -- frames marked persistent/MMIO/ACPI are never
// allocated.
func New(memoryMap []MemoryMapEntry, maxConcurrent int64) *Allocator {
	a := &Allocator{
		sem: semaphore.NewWeighted(maxConcurrent),
		log: log.DefaultLogger(),
	}

	for _, e := range memoryMap {
		if e.Type != Conventional {
			continue
		}

		a.free = append(a.free, run{start: e.Start, pages: e.Pages})
		a.total += e.Pages
	}

	return a
}

// ErrOOM is the sentinel returned (wrapped) when the allocator cannot satisfy
// a request. status.FromError maps it to status.Insufficient.
var ErrOOM = status.Insufficient

// Alloc reserves n contiguous pages, returning the physical address of the
// first frame. Fails with Insufficient when no run is long enough.
func (a *Allocator) Alloc(ctx context.Context, n uint64, cat Category) (Addr, error) {
	if n == 0 {
		return 0, status.InvalidArgument
	}

	if err := a.sem.Acquire(ctx, 1); err != nil {
		return 0, status.TimedOut
	}
	defer a.sem.Release(1)

	lock := a.mu.Lock()
	defer a.mu.Unlock(lock)

	for i, r := range a.free {
		if r.pages < n {
			continue
		}

		start := r.start

		if r.pages == n {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = run{start: r.start + Addr(n*PageSize), pages: r.pages - n}
		}

		a.used += n
		a.byCategory[cat] += n

		a.log.Debug("frame: allocated", "addr", start, "pages", n, "category", cat.String())

		return start, nil
	}

	return 0, ErrOOM
}

// Free returns n pages starting at phys to the free list, merging with
// adjacent runs to limit fragmentation.
func (a *Allocator) Free(phys Addr, n uint64, cat Category) {
	lock := a.mu.Lock()
	defer a.mu.Unlock(lock)

	a.used -= n
	a.byCategory[cat] -= n

	newRun := run{start: phys, pages: n}
	end := phys + Addr(n*PageSize)

	// A freed run can have both a left- and a right-adjacent neighbor in the
	// free list at once (e.g. freeing the one page that exactly fills a gap
	// between two existing runs); both must coalesce into the new run; the
	// list is sorted and disjoint so at most one run can match each side.
	remaining := make([]run, 0, len(a.free))

	for _, r := range a.free {
		rEnd := r.start + Addr(r.pages*PageSize)

		switch {
		case r.start == end:
			// existing run starts right after ours: merge forward
			newRun.pages += r.pages
			end = newRun.start + Addr(newRun.pages*PageSize)
		case rEnd == newRun.start:
			// existing run ends right where ours starts: merge backward
			newRun.start = r.start
			newRun.pages += r.pages
		default:
			remaining = append(remaining, r)
		}
	}

	merged := make([]run, 0, len(remaining)+1)
	inserted := false

	for _, r := range remaining {
		if !inserted && r.start > newRun.start {
			merged = append(merged, newRun)
			inserted = true
		}

		merged = append(merged, r)
	}

	if !inserted {
		merged = append(merged, newRun)
	}

	a.free = merged

	a.log.Debug("frame: freed", "addr", phys, "pages", n, "category", cat.String())
}

// FreePages returns the total number of unallocated pages, used by tests and
// by the VMA manager's resize-downsize accounting.
func (a *Allocator) FreePages() uint64 {
	n := a.mu.Lock()
	defer a.mu.Unlock(n)

	return a.total - a.used
}

// Dump reports per-category allocation counts.
type Dump struct {
	Total, Used, Free uint64
	ByCategory        map[string]uint64
}

func (a *Allocator) Dump() Dump {
	n := a.mu.Lock()
	defer a.mu.Unlock(n)

	byCat := make(map[string]uint64, numCategories)
	for c := Category(0); c < numCategories; c++ {
		byCat[c.String()] = a.byCategory[c]
	}

	return Dump{
		Total:      a.total,
		Used:       a.used,
		Free:       a.total - a.used,
		ByCategory: byCat,
	}
}

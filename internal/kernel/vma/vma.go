// Package vma implements virtual memory areas: named regions of virtual
// address space that may be mapped into one or more processes, and the
// manager operations (create/map/unmap/resize) over them.
package vma

import (
	"context"
	"fmt"
	"sync"

	"github.com/justinian/jsix/internal/kernel/frame"
	"github.com/justinian/jsix/internal/kernel/obj"
	"github.com/justinian/jsix/internal/kernel/status"
)

// PageSize matches the frame allocator's page granularity.
const PageSize = frame.PageSize

// Flags describe a VMA's permissions and special mapping behavior.
type Flags uint32

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagExec
	FlagWriteCombine
	FlagMMIO
	// FlagRing marks a VMA as doubly mapped for a lock-free ring buffer
	// (channel endpoints).
	FlagRing
	// FlagExact forbids the manager from choosing a different address than
	// the one requested by the caller.
	FlagExact
)

// ProcessID identifies the process a VMA is mapped into. The scheduler
// package defines the concrete process type; vma only needs a comparable
// key, so it borrows obj.Koid rather than importing sched (which would
// create an import cycle, since sched depends on vma).
type ProcessID = obj.Koid

// mapping is one (process, base address) pair where a VMA is installed.
type mapping struct {
	proc ProcessID
	addr uintptr
}

// VMA is a named region of virtual address space. It embeds obj.Header so
// it participates in the object table like any other kernel object.
type VMA struct {
	obj.Header

	mu    sync.Mutex
	pages uint64
	flags Flags

	// anonymous VMAs are lazy-zeroed on fault and backed by frames drawn
	// from the allocator one page at a time as they're touched;
	// non-anonymous (MMIO, boot identity) VMAs reference a fixed physical
	// range instead and are never faulted.
	anonymous bool
	physBase  frame.Addr // valid only when !anonymous
	faulted   []frame.Addr // per-page backing frame for anonymous VMAs; 0 = not yet faulted

	mappings []mapping

	frames *frame.Allocator
}

// Fault allocates and zero-fills the backing frame for page (an index within
// the VMA, not a byte offset), if it hasn't already been faulted in. This
// models the "zero-filled on first fault for anonymous VMAs" behavior from
// the map operation.
func (v *VMA) Fault(ctx context.Context, page uint64) (frame.Addr, status.Code) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.anonymous {
		return v.physBase + frame.Addr(page*PageSize), status.OK
	}

	if page >= v.pages {
		return 0, status.InvalidArgument
	}

	if v.faulted == nil {
		v.faulted = make([]frame.Addr, v.pages)
	}

	if v.faulted[page] != 0 {
		return v.faulted[page], status.OK
	}

	addr, err := v.frames.Alloc(ctx, 1, frame.CategoryVMA)
	if err != nil {
		return 0, status.FromError(err)
	}

	v.faulted[page] = addr

	return addr, status.OK
}

func (v *VMA) Head() *obj.Header { return &v.Header }

// Pages returns the VMA's current size in pages.
func (v *VMA) Pages() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.pages
}

// Flags returns the VMA's permission and mapping flags.
func (v *VMA) Flags() Flags {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.flags
}

// MappedIn reports the processes the VMA is currently mapped into.
// Invariant: this set equals the page-table entries referring to it.
func (v *VMA) MappedIn() []ProcessID {
	v.mu.Lock()
	defer v.mu.Unlock()

	procs := make([]ProcessID, len(v.mappings))
	for i, m := range v.mappings {
		procs[i] = m.proc
	}

	return procs
}

// Manager implements the VMA operations: create, map, unmap, resize.
type Manager struct {
	objects *obj.Table
	frames  *frame.Allocator

	// addrMu/addrCounters hand out distinct base addresses per process for
	// Map calls that don't specify one. Owned by the Manager rather than
	// kept as package state, since a test or a second simulated boot builds
	// its own Manager and must not share address-space bookkeeping with any
	// other.
	addrMu       sync.Mutex
	addrCounters map[ProcessID]uintptr
}

// New builds a VMA manager backed by the given object table and frame
// allocator.
func New(objects *obj.Table, frames *frame.Allocator) *Manager {
	return &Manager{
		objects:      objects,
		frames:       frames,
		addrCounters: make(map[ProcessID]uintptr),
	}
}

// Create allocates a new anonymous VMA of the given size (rounded up to a
// page) and flags. If addr is non-zero, or flags includes FlagExact, the
// VMA is also mapped into proc at creation time.
func (m *Manager) Create(sizeBytes uint64, flags Flags, proc ProcessID, addr uintptr) (*VMA, uintptr, status.Code) {
	if sizeBytes == 0 {
		return nil, 0, status.InvalidArgument
	}

	pages := (sizeBytes + PageSize - 1) / PageSize

	hdr := m.objects.NewHeader(obj.KindVMA)
	v := &VMA{
		Header:    hdr,
		pages:     pages,
		flags:     flags,
		anonymous: true,
		frames:    m.frames,
	}

	m.objects.Insert(v)

	if addr != 0 || flags&FlagExact != 0 {
		mappedAddr, code := m.Map(v, proc, addr, flags)
		if code != status.OK {
			return v, 0, code
		}

		return v, mappedAddr, status.OK
	}

	return v, 0, status.OK
}

// CreateBacked allocates a VMA backed by a fixed physical range, for MMIO
// registers or boot-identity-mapped regions. Fault never allocates frames
// for it, and Resize refuses to shrink it; growing it is allowed.
func (m *Manager) CreateBacked(phys frame.Addr, pages uint64, flags Flags) (*VMA, status.Code) {
	if pages == 0 {
		return nil, status.InvalidArgument
	}

	hdr := m.objects.NewHeader(obj.KindVMA)
	v := &VMA{
		Header:    hdr,
		pages:     pages,
		flags:     flags | FlagMMIO,
		anonymous: false,
		physBase:  phys,
		frames:    m.frames,
	}

	m.objects.Insert(v)

	return v, status.OK
}

// Map installs v into proc at addr (0 meaning "choose an address"). flags
// with FlagExact forbids the manager from relocating the mapping.
//
// addr selection is a placeholder: this simulator assigns a monotonically
// increasing base per process rather than modeling a real page-table
// allocator, since address-space layout is outside the object model this
// package is responsible for.
func (m *Manager) Map(v *VMA, proc ProcessID, addr uintptr, flags Flags) (uintptr, status.Code) {
	if v.Head().Signals().Any(obj.SignalClosed) {
		return 0, status.Closed
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, existing := range v.mappings {
		if existing.proc == proc {
			if flags&FlagExact != 0 && existing.addr != addr {
				return 0, status.Exists
			}

			return existing.addr, status.OK
		}
	}

	if addr == 0 {
		addr = m.nextAddrFor(proc, v.pages)
	}

	v.mappings = append(v.mappings, mapping{proc: proc, addr: addr})

	return addr, status.OK
}

// Unmap removes v's page-table entries in proc without destroying the VMA.
func (m *Manager) Unmap(v *VMA, proc ProcessID) status.Code {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, existing := range v.mappings {
		if existing.proc == proc {
			v.mappings = append(v.mappings[:i], v.mappings[i+1:]...)
			return status.OK
		}
	}

	return status.InvalidArgument
}

// Resize changes v's page count, allowed only when mapped in at most one
// process. Contracting an anonymous VMA frees its trailing frames;
// expanding does not eagerly allocate (pages remain lazy-zeroed on fault).
func (m *Manager) Resize(v *VMA, newPages uint64) (uint64, status.Code) {
	if newPages == 0 {
		return 0, status.InvalidArgument
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.mappings) > 1 {
		return v.pages, status.Denied
	}

	if newPages < v.pages && !v.anonymous {
		return v.pages, status.Denied
	}

	if newPages < v.pages && v.anonymous {
		for page := newPages; page < uint64(len(v.faulted)); page++ {
			if addr := v.faulted[page]; addr != 0 {
				m.frames.Free(addr, 1, frame.CategoryVMA)
			}
		}

		if v.faulted != nil {
			v.faulted = v.faulted[:newPages]
		}
	}

	v.pages = newPages

	return v.pages, status.OK
}

const userSpaceBase = 0x0000_4000_0000_0000

func (m *Manager) nextAddrFor(proc ProcessID, pages uint64) uintptr {
	m.addrMu.Lock()
	defer m.addrMu.Unlock()

	base, ok := m.addrCounters[proc]
	if !ok {
		base = userSpaceBase
	}

	m.addrCounters[proc] = base + uintptr(pages*PageSize)

	return base
}

func (v *VMA) String() string {
	return fmt.Sprintf("vma(koid=%s, pages=%d, flags=%#x)", v.Koid(), v.Pages(), v.Flags())
}

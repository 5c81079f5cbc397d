// Package handle implements the per-process handle table: a resizable
// hashed array keyed by a 32-bit table index, mapping to (koid, object kind,
// capability mask) entries.
package handle

import (
	"fmt"

	"github.com/justinian/jsix/internal/kernel/obj"
	ksync "github.com/justinian/jsix/internal/kernel/sync"
	"github.com/justinian/jsix/internal/kernel/status"
)

// Capability is a single bit in a handle's 32-bit grant mask.
type Capability uint32

// Capability bits common across object kinds. Kind-specific operations each
// reserve a bit; the low bits are reserved for the operations every object
// kind shares.
const (
	CapRead Capability = 1 << iota
	CapWrite
	CapDuplicate
	CapTransfer
	CapWait
	CapMap
	CapExec
	CapDestroy

	// CapSystem gates the privileged operations behind the System object
	// singleton.
	CapSystem Capability = 1 << 16
)

func (c Capability) String() string {
	names := []struct {
		bit  Capability
		name string
	}{
		{CapRead, "read"}, {CapWrite, "write"}, {CapDuplicate, "dup"},
		{CapTransfer, "xfer"}, {CapWait, "wait"}, {CapMap, "map"},
		{CapExec, "exec"}, {CapDestroy, "destroy"}, {CapSystem, "system"},
	}

	s := ""

	for _, n := range names {
		if c&n.bit != 0 {
			if s != "" {
				s += "|"
			}

			s += n.name
		}
	}

	if s == "" {
		return "none"
	}

	return s
}

// Handle is the 64-bit value a process holds: low 32 bits are the table
// index, high 32 bits are the capability mask granted at creation.
type Handle uint64

// New packs an index and capability mask into a Handle value.
func New(index uint32, caps Capability) Handle {
	return Handle(index) | Handle(caps)<<32
}

// Index returns the table index encoded in the handle.
func (h Handle) Index() uint32 { return uint32(h) }

// Caps returns the capability mask encoded in the handle.
func (h Handle) Caps() Capability { return Capability(h >> 32) }

func (h Handle) String() string {
	return fmt.Sprintf("handle(idx=%d,caps=%s)", h.Index(), h.Caps())
}

// entry is a single handle-table slot.
type entry struct {
	koid  obj.Koid
	kind  obj.Kind
	caps  Capability
	valid bool
}

// Table is a process's handle table: a resizable array of entries, indexed
// by the low 32 bits of a Handle. Free slots are tracked on a stack so
// closed handles are reused before the table grows.
type Table struct {
	mu      ksync.MCSLock
	entries []entry
	free    []uint32
}

// NewTable creates an empty handle table.
func NewTable() *Table {
	return &Table{}
}

// Open creates a new handle table entry for an object, granting caps. The
// caller is responsible for having already taken a reference on the object
// (Header.Ref) before calling Open -- Open only records the grant.
func (t *Table) Open(id obj.Koid, kind obj.Kind, caps Capability) Handle {
	n := t.mu.Lock()
	defer t.mu.Unlock(n)

	idx := t.allocSlot()
	t.entries[idx] = entry{koid: id, kind: kind, caps: caps, valid: true}

	return New(idx, caps)
}

func (t *Table) allocSlot() uint32 {
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]

		return idx
	}

	t.entries = append(t.entries, entry{})

	return uint32(len(t.entries) - 1)
}

// Resolve looks up a handle's table entry, checking only that it is present.
// It checks neither the entry's kind nor its capabilities; callers that need
// those checks should use Require.
func (t *Table) Resolve(h Handle) (id obj.Koid, kind obj.Kind, granted Capability, code status.Code) {
	n := t.mu.Lock()
	defer t.mu.Unlock(n)

	idx := h.Index()
	if int(idx) >= len(t.entries) || !t.entries[idx].valid {
		return 0, 0, 0, status.InvalidArgument
	}

	e := t.entries[idx]

	return e.koid, e.kind, e.caps, status.OK
}

// Require resolves h, checking that its table entry exists, that its kind
// equals wantKind, and that its granted capability mask is a superset of
// required. This is the single choke point for the capability-monotonicity
// rule: any operation on a handle requires that its granted mask be a
// superset of the syscall's required mask; a missing capability yields
// denied, and an invalid table index or type mismatch yields invalid_arg.
func (t *Table) Require(h Handle, wantKind obj.Kind, required Capability) (obj.Koid, status.Code) {
	id, kind, granted, code := t.Resolve(h)
	if code != status.OK {
		return 0, code
	}

	if kind != wantKind {
		return 0, status.InvalidArgument
	}

	if granted&required != required {
		return 0, status.Denied
	}

	return id, status.OK
}

// Close removes a handle table entry. It returns the koid so the caller can
// release the corresponding reference in the object table; Close itself has
// no knowledge of the object table: handles count, objects do not reference
// their handle-table entries.
func (t *Table) Close(h Handle) (obj.Koid, status.Code) {
	n := t.mu.Lock()
	defer t.mu.Unlock(n)

	idx := h.Index()
	if int(idx) >= len(t.entries) || !t.entries[idx].valid {
		return 0, status.InvalidArgument
	}

	id := t.entries[idx].koid
	t.entries[idx] = entry{}
	t.free = append(t.free, idx)

	return id, status.OK
}

// ClosedEntry describes one entry removed by CloseAll.
type ClosedEntry struct {
	Koid obj.Koid
	Kind obj.Kind
}

// CloseAll removes every valid entry from the table, leaving it empty, and
// reports the koid and kind of each so the caller can release the
// corresponding object-table reference and run any kind-specific teardown
// (unmapping a VMA, closing a mailbox). Used when a process's last thread
// exits: every handle the process held must be closed, not merely the
// process object itself.
func (t *Table) CloseAll() []ClosedEntry {
	n := t.mu.Lock()
	defer t.mu.Unlock(n)

	var closed []ClosedEntry

	for i := range t.entries {
		if !t.entries[i].valid {
			continue
		}

		closed = append(closed, ClosedEntry{Koid: t.entries[i].koid, Kind: t.entries[i].kind})
		t.entries[i] = entry{}
		t.free = append(t.free, uint32(i))
	}

	return closed
}

// Clone duplicates a handle, intersecting its granted capabilities with
// mask: the result's capabilities equal mask intersected with h's granted
// capabilities. The caller must hold
// CapDuplicate on h and must separately Ref the underlying object, since
// Table has no visibility into the object table.
func (t *Table) Clone(h Handle, mask Capability) (Handle, status.Code) {
	id, kind, granted, code := t.Resolve(h)
	if code != status.OK {
		return 0, code
	}

	if granted&CapDuplicate == 0 {
		return 0, status.Denied
	}

	narrowed := mask & granted

	return t.Open(id, kind, narrowed), status.OK
}

// reserve allocates a slot without publishing it, for the first phase of a
// two-phase transfer.
func (t *Table) reserve() uint32 {
	n := t.mu.Lock()
	defer t.mu.Unlock(n)

	return t.allocSlot()
}

// release frees a reserved-but-unused slot, undoing reserve.
func (t *Table) release(idx uint32) {
	n := t.mu.Lock()
	defer t.mu.Unlock(n)

	t.entries[idx] = entry{}
	t.free = append(t.free, idx)
}

// publish fills in a reserved slot.
func (t *Table) publish(idx uint32, id obj.Koid, kind obj.Kind, caps Capability) {
	n := t.mu.Lock()
	defer t.mu.Unlock(n)

	t.entries[idx] = entry{koid: id, kind: kind, caps: caps, valid: true}
}

// Transfer moves a handle from src to dst, narrowing its capabilities to at
// most mask. It implements a two-phase protocol: reserve a slot
// in dst first, then remove the entry from src; on failure to remove (e.g.
// the handle was already closed by its owner), the reservation in dst is
// released and dst is left unchanged.
func Transfer(src, dst *Table, h Handle, mask Capability) (Handle, status.Code) {
	id, kind, granted, code := src.Resolve(h)
	if code != status.OK {
		return 0, code
	}

	narrowed := mask & granted

	idx := dst.reserve()

	removedID, code := src.Close(h)
	if code != status.OK {
		dst.release(idx)
		return 0, code
	}

	if removedID != id {
		// Can only happen if the handle was concurrently replaced; treat as
		// an invariant violation rather than silently transferring the
		// wrong object.
		dst.release(idx)
		panic("handle: transfer: src entry changed out from under caller")
	}

	dst.publish(idx, id, kind, narrowed)

	return New(idx, narrowed), status.OK
}

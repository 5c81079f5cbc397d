package obj

import (
	"sync/atomic"

	ksync "github.com/justinian/jsix/internal/kernel/sync"
	"github.com/justinian/jsix/internal/log"
)

// Table is the process-wide object table: a map keyed by koid, allocated
// from a monotonic counter so identifiers are never reused.
//
// Locking discipline: Table's lock sits above the frame allocator's and
// below the handle table's in the required acquisition order (frame
// allocator, then object table, then handle table).
type Table struct {
	mu      ksync.MCSLock
	objects map[Koid]Object
	nextID  atomic.Uint64

	log *log.Logger
}

// NewTable creates an empty object table. The koid counter starts at 1 so 0
// can be used as a sentinel "no object" value by callers.
func NewTable() *Table {
	t := &Table{
		objects: make(map[Koid]Object),
		log:     log.DefaultLogger(),
	}
	t.nextID.Store(1)

	return t
}

// NextKoid allocates the next identifier without inserting anything. Used by
// constructors that need a koid to build their Header before the object is
// ready to be shared via Insert.
func (t *Table) NextKoid() Koid {
	return Koid(t.nextID.Add(1) - 1)
}

// NewHeader allocates a koid and returns a ready Header for kind.
func (t *Table) NewHeader(kind Kind) Header {
	return newHeader(t.NextKoid(), kind, t.log)
}

// Insert adds an object to the table, keyed by its own koid. Invariant: the
// object's Header.refs must already be ≥1 (set by newHeader) before Insert is
// called; Insert does not itself take a reference.
func (t *Table) Insert(o Object) {
	n := t.mu.Lock()
	defer t.mu.Unlock(n)

	t.objects[o.Head().Koid()] = o
}

// Lookup returns the object for a koid, or nil, false if it is unknown or has
// already been destroyed and removed.
func (t *Table) Lookup(id Koid) (Object, bool) {
	n := t.mu.Lock()
	defer t.mu.Unlock(n)

	o, ok := t.objects[id]

	return o, ok
}

// Release drops a reference on the object identified by id. If the refcount
// reaches zero, the object is removed from the table, its Closed signal is
// set, and true is returned so the caller can run kind-specific teardown
// (freeing VMAs, waking mailbox partners, etc.) -- destruction sets a
// closed signal so waiters unblock.
func (t *Table) Release(id Koid) (o Object, destroyed bool) {
	n := t.mu.Lock()
	o, ok := t.objects[id]

	if !ok {
		t.mu.Unlock(n)
		return nil, false
	}

	destroyed = o.Head().Unref()
	if destroyed {
		delete(t.objects, id)
	}

	t.mu.Unlock(n)

	if destroyed {
		o.Head().Close()
	}

	return o, destroyed
}

// Len returns the number of live objects. Diagnostic only.
func (t *Table) Len() int {
	n := t.mu.Lock()
	defer t.mu.Unlock(n)

	return len(t.objects)
}

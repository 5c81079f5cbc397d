// Package syscall implements the kernel's syscall dispatch table: a
// numbered table mapping a syscall number to its required per-handle
// capabilities and its handler, and the validate -> resolve -> dispatch ->
// writeback sequence every entry point goes through.
package syscall

import (
	"github.com/justinian/jsix/internal/kernel/handle"
	"github.com/justinian/jsix/internal/kernel/obj"
	"github.com/justinian/jsix/internal/kernel/status"
)

// Number identifies a syscall in the dispatch table. Values follow no
// particular numbering scheme beyond being stable once assigned -- the
// real ABI reserves the actual numbers in a generated header; this port
// only needs them to be distinct table keys.
type Number uint32

const (
	ObjectWait Number = iota + 1
	HandleDuplicate
	HandleClose
	HandleTransfer
	VMACreate
	VMAMap
	VMAUnmap
	VMAResize
	MailboxCreate
	MailboxCall
	MailboxRespond
	ChannelCreate
	ChannelSend
	ChannelRecv
	FutexWait
	FutexWake
	ThreadSleep
	ThreadJoin
	ThreadExit
	SystemLog
	SystemGetLog
	IRQBind
)

func (n Number) String() string {
	if name, ok := names[n]; ok {
		return name
	}

	return "unknown"
}

// Lookup returns the Number registered under the given name, and whether one
// was found. Used by debug tooling that takes a syscall name on a command
// line rather than a bare number.
func Lookup(name string) (Number, bool) {
	for n, candidate := range names {
		if candidate == name {
			return n, true
		}
	}

	return 0, false
}

var names = map[Number]string{
	ObjectWait:      "object_wait",
	HandleDuplicate: "handle_duplicate",
	HandleClose:     "handle_close",
	HandleTransfer:  "handle_transfer",
	VMACreate:       "vma_create",
	VMAMap:          "vma_map",
	VMAUnmap:        "vma_unmap",
	VMAResize:       "vma_resize",
	MailboxCreate:   "mailbox_create",
	MailboxCall:     "mailbox_call",
	MailboxRespond:  "mailbox_respond",
	ChannelCreate:   "channel_create",
	ChannelSend:     "channel_send",
	ChannelRecv:     "channel_recv",
	FutexWait:       "futex_wait",
	FutexWake:       "futex_wake",
	ThreadSleep:     "thread_sleep",
	ThreadJoin:      "thread_join",
	ThreadExit:      "thread_exit",
	SystemLog:       "system_log",
	SystemGetLog:    "system_get_log",
	IRQBind:         "irq_bind",
}

// HandleSpec describes one handle-typed argument: which argument register
// holds it, what object kind it must resolve to, and what capability mask
// the caller must have been granted.
type HandleSpec struct {
	ArgIndex int
	Kind     obj.Kind
	Required handle.Capability
}

// OutSpec describes an output buffer argument: one register holds the
// destination pointer, another holds the caller-supplied capacity. Output
// is only written back to the arena if the handler returns status.OK.
type OutSpec struct {
	PtrArgIndex int
	LenArgIndex int
	Align       int
}

// Call carries everything a handler needs: the raw argument registers (the
// x86-64 syscall convention's six integer args), the resolved koid for
// each HandleSpec in the entry (same order, same index), the caller's
// handle table (for handlers that open/close/duplicate handles themselves)
// and the caller's simulated address space.
type Call struct {
	Args    [6]uint64
	Handles *handle.Table
	Arena   *Arena

	// Caller is opaque to this package: the kernel root sets it to whatever
	// per-call context its handlers need (the calling process's koid, the
	// calling thread, and so on) and type-asserts it back in its own
	// handlers. Mirrors sched.Thread.Context's opaque-payload pattern.
	Caller any

	resolved []obj.Koid
}

// Handle returns the koid resolved for the i-th HandleSpec of the entry
// being dispatched.
func (c *Call) Handle(i int) obj.Koid { return c.resolved[i] }

// Handler implements one syscall's behavior once its handle arguments have
// already been validated. It returns the bytes to write back through the
// entry's OutSpec (nil if the entry has none) and a result code.
type Handler func(c *Call) ([]byte, status.Code)

// Entry is one syscall table row.
type Entry struct {
	Name    string
	Handles []HandleSpec
	Out     *OutSpec
	Handler Handler
}

// Table is the numbered syscall dispatch table.
type Table struct {
	entries map[Number]Entry
}

// NewTable creates an empty dispatch table.
func NewTable() *Table {
	return &Table{entries: make(map[Number]Entry)}
}

// Register adds or replaces the entry for num.
func (t *Table) Register(num Number, e Entry) {
	t.entries[num] = e
}

// Dispatch runs the validate -> resolve -> dispatch -> writeback sequence
// for one syscall: every handle argument is resolved and capability-checked
// before the handler runs, and output is only written to the arena when the
// handler succeeds. An unknown syscall number yields nyi.
func (t *Table) Dispatch(num Number, caller any, args [6]uint64, handles *handle.Table, arena *Arena) status.Code {
	e, ok := t.entries[num]
	if !ok {
		return status.NotYetImplemented
	}

	call := &Call{Args: args, Handles: handles, Arena: arena, Caller: caller, resolved: make([]obj.Koid, len(e.Handles))}

	for i, spec := range e.Handles {
		h := handle.Handle(args[spec.ArgIndex])

		id, code := handles.Require(h, spec.Kind, spec.Required)
		if code != status.OK {
			return code
		}

		call.resolved[i] = id
	}

	out, code := e.Handler(call)
	if code != status.OK {
		return code
	}

	if e.Out != nil && out != nil {
		ptr := uintptr(args[e.Out.PtrArgIndex])
		capacity := int(args[e.Out.LenArgIndex])

		if writeCode := arena.Write(ptr, out, capacity, e.Out.Align); writeCode != status.OK {
			return writeCode
		}
	}

	return status.OK
}

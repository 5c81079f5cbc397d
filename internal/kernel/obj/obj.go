// Package obj implements the kernel's object table: every addressable kernel
// resource (process, thread, vma, mailbox, channel endpoint, event, irq,
// system) is a reference-counted Object with a stable 64-bit koid and a
// 64-bit signal bitset.
//
// Every concrete object type embeds a Header by value and is identified by
// a Kind enum rather than by a type hierarchy.
package obj

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/justinian/jsix/internal/log"
)

// Koid is a process-wide-unique, never-reused object identifier.
type Koid uint64

func (k Koid) String() string { return fmt.Sprintf("koid(%#016x)", uint64(k)) }

// Kind enumerates the object types the kernel knows about.
type Kind uint8

const (
	KindProcess Kind = iota
	KindThread
	KindVMA
	KindMailbox
	KindChannelEndpoint
	KindEvent
	KindIRQ
	KindSystem
	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindProcess:
		return "process"
	case KindThread:
		return "thread"
	case KindVMA:
		return "vma"
	case KindMailbox:
		return "mailbox"
	case KindChannelEndpoint:
		return "channel-endpoint"
	case KindEvent:
		return "event"
	case KindIRQ:
		return "irq"
	case KindSystem:
		return "system"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Reserved signal bits: bits 0..7 system, 8..47 type-defined, 48..63 user.
const (
	SignalNoHandles Signals = 1 << 0
	SignalClosed    Signals = 1 << 1

	SignalUserMin = 48
)

// Signals is an object's 64-bit signal bitset.
type Signals uint64

func (s Signals) Any(mask Signals) bool { return s&mask != 0 }

// Header is embedded by value at the start of every concrete object type. It
// carries the fields common to every kind: koid, kind, refcount and signals.
type Header struct {
	koid Koid
	kind Kind

	refs    int64 // atomic
	signals atomic.Uint64

	mu   sync.Mutex
	wake []waiter

	log *log.Logger
}

type waiter struct {
	mask Signals
	ch   chan Signals
}

func newHeader(koid Koid, kind Kind, logger *log.Logger) Header {
	return Header{koid: koid, kind: kind, refs: 1, log: logger}
}

// Koid returns the object's identifier.
func (h *Header) Koid() Koid { return h.koid }

// Kind returns the object's type tag.
func (h *Header) Kind() Kind { return h.kind }

// Refs returns the current reference count. Exposed for invariant checks and
// tests; not part of the syscall surface.
func (h *Header) Refs() int64 { return atomic.LoadInt64(&h.refs) }

// Signals returns the current signal bitset.
func (h *Header) Signals() Signals { return Signals(h.signals.Load()) }

// Ref increments the reference count. Called by whoever opens a new handle
// to the object (the object table itself never calls it) and by internal users (e.g. a process referencing its
// own thread list).
func (h *Header) Ref() { atomic.AddInt64(&h.refs, 1) }

// Unref decrements the reference count and reports whether it reached zero.
// The caller is responsible for destroying the object when true is returned;
// Header itself holds no destructor.
func (h *Header) Unref() (destroyed bool) {
	n := atomic.AddInt64(&h.refs, -1)
	if n < 0 {
		panic(fmt.Sprintf("obj: %s: refcount underflow", h.koid))
	}

	return n == 0
}

// SetSignals performs an atomic OR of bits into the signal word and wakes any
// waiter whose mask intersects the result.
func (h *Header) SetSignals(bits Signals) {
	new := Signals(h.signals.Or(uint64(bits))) | bits // Or returns the old value
	h.notify(new)
}

// ClearSignals performs an atomic AND of ^bits into the signal word.
func (h *Header) ClearSignals(bits Signals) {
	h.signals.And(uint64(^bits))
}

// Close marks the object closed: sets SignalClosed and wakes every waiter
// regardless of mask, since "closed" must unblock everyone.
func (h *Header) Close() {
	new := Signals(h.signals.Or(uint64(SignalClosed))) | SignalClosed // Or returns the old value

	h.mu.Lock()
	wake := h.wake
	h.wake = nil
	h.mu.Unlock()

	for _, w := range wake {
		w.ch <- new
	}
}

func (h *Header) notify(new Signals) {
	h.mu.Lock()
	defer h.mu.Unlock()

	remaining := h.wake[:0]

	for _, w := range h.wake {
		if new.Any(w.mask) {
			w.ch <- new
		} else {
			remaining = append(remaining, w)
		}
	}

	h.wake = remaining
}

// Wait blocks the calling goroutine until any bit in mask becomes set, the
// object closes, or cancel is closed (used to implement deadlines). It
// returns the triggering signal set and true, or the zero value and false if
// cancel fired first.
//
// This is the object-wait primitive behind object_wait, which calls it
// directly.
func (h *Header) Wait(mask Signals, cancel <-chan struct{}) (Signals, bool) {
	if cur := h.Signals(); cur.Any(mask) || cur.Any(SignalClosed) {
		return cur, true
	}

	ch := make(chan Signals, 1)

	h.mu.Lock()
	h.wake = append(h.wake, waiter{mask: mask | SignalClosed, ch: ch})
	h.mu.Unlock()

	select {
	case sig := <-ch:
		return sig, true
	case <-cancel:
		h.removeWaiter(ch)
		return 0, false
	}
}

func (h *Header) removeWaiter(ch chan Signals) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, w := range h.wake {
		if w.ch == ch {
			h.wake = append(h.wake[:i], h.wake[i+1:]...)
			return
		}
	}
}

// Object is implemented by every concrete kernel object kind. Table stores
// Objects rather than concrete pointers, dispatching to the embedded
// Header for the common operations.
type Object interface {
	Head() *Header
}

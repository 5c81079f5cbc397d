// Package ipc implements the kernel's two IPC primitives: the mailbox
// (synchronous call/respond rendezvous) and the channel (asynchronous bulk
// transfer over a pair of bipartite ring buffers).
package ipc

import (
	"context"
	"errors"
	"sync"

	"github.com/justinian/jsix/internal/kernel/handle"
	"github.com/justinian/jsix/internal/kernel/obj"
	"github.com/justinian/jsix/internal/kernel/status"
)

// IRQTagBase marks the start of the reserved IRQ-delivery tag range
// (0xffffffffffff0000 .. 0xffffffffffffffff); the high bit of a tag marks
// it as system-reserved.
const IRQTagBase uint64 = 0xffffffffffff0000

// TagFromIRQ computes the reserved tag delivered for a hardware vector.
func TagFromIRQ(vector uint16) uint64 { return IRQTagBase | uint64(vector) }

// Message is a single mailbox exchange: a tag, a data payload and a set of
// transferred handles.
type Message struct {
	Tag     uint64
	Data    []byte
	Handles []handle.Handle
}

// clone returns a deep copy of m so callers sharing a Message across a
// rendezvous cannot observe each other's later mutations.
func (m Message) clone() Message {
	data := make([]byte, len(m.Data))
	copy(data, m.Data)

	handles := make([]handle.Handle, len(m.Handles))
	copy(handles, m.Handles)

	return Message{Tag: m.Tag, Data: data, Handles: handles}
}

// truncate copies src into a message whose Data and Handles never exceed
// dataCap/handleCap, reporting Insufficient if anything was dropped.
func truncate(src Message, dataCap, handleCap int) (Message, status.Code) {
	code := status.OK

	data := src.Data
	if len(data) > dataCap {
		data = data[:dataCap]
		code = status.Insufficient
	}

	handles := src.Handles
	if len(handles) > handleCap {
		handles = handles[:handleCap]
		code = status.Insufficient
	}

	return Message{Tag: src.Tag, Data: append([]byte(nil), data...), Handles: append([]handle.Handle(nil), handles...)}, code
}

// rendezvous is one pending call: the caller's request, a channel the
// responder uses to deliver its reply back, and the caller's own handle
// table, so a handle the responder attaches to the reply can be moved into
// the table it will actually be resolved from.
type rendezvous struct {
	request       Message
	reply         chan Message
	callerHandles *handle.Table
}

// transferHandles moves each of hs from src to dst, narrowing no further
// than its granted capabilities, and returns the resulting destination-table
// handles in the same order. It fails closed: if any transfer fails (e.g.
// the sender's handle was already closed), no handles are left half-moved
// and the first error encountered is returned.
func transferHandles(src, dst *handle.Table, hs []handle.Handle) ([]handle.Handle, status.Code) {
	if len(hs) == 0 {
		return nil, status.OK
	}

	if src == nil || dst == nil {
		return nil, status.InvalidArgument
	}

	out := make([]handle.Handle, len(hs))

	for i, h := range hs {
		moved, code := handle.Transfer(src, dst, h, ^handle.Capability(0))
		if code != status.OK {
			// Move the handles already transferred back into src.
			for j := i - 1; j >= 0; j-- {
				handle.Transfer(dst, src, out[j], ^handle.Capability(0))
			}

			return nil, code
		}

		out[i] = moved
	}

	return out, status.OK
}

// Mailbox is a single-slot synchronous rendezvous point: a FIFO of blocked
// callers and at most one blocked responder.
type Mailbox struct {
	obj.Header

	mu       sync.Mutex
	waiting  []*rendezvous
	pending  []*rendezvous // picked up by a respond, awaiting that respond's reply
	closed   bool
	wakeResp chan struct{} // signals a blocked responder that a caller arrived
}

func (mb *Mailbox) Head() *obj.Header { return &mb.Header }

// New creates an empty mailbox.
func New(objects *obj.Table) *Mailbox {
	hdr := objects.NewHeader(obj.KindMailbox)
	mb := &Mailbox{Header: hdr, wakeResp: make(chan struct{}, 1)}
	objects.Insert(mb)

	return mb
}

// Call blocks until a respond pairs with it, delivering req and returning
// the responder's reply truncated to the caller's capacities. Pairing is
// strictly FIFO by call order. If the mailbox is closed before or during
// the wait, Call returns status.Closed; if ctx's deadline elapses first, it
// returns status.TimedOut instead. callerHandles is the calling process's
// own handle table, the destination for any handle the responder attaches
// to its reply; it may be nil if the caller never expects one.
func (mb *Mailbox) Call(ctx context.Context, req Message, dataCap, handleCap int, callerHandles *handle.Table) (Message, status.Code) {
	mb.mu.Lock()

	if mb.closed {
		mb.mu.Unlock()
		return Message{}, status.Closed
	}

	rv := &rendezvous{request: req.clone(), reply: make(chan Message, 1), callerHandles: callerHandles}
	mb.waiting = append(mb.waiting, rv)

	mb.mu.Unlock()

	select {
	case mb.wakeResp <- struct{}{}:
	default:
	}

	select {
	case reply, ok := <-rv.reply:
		if !ok {
			return Message{}, status.Closed
		}

		return truncate(reply, dataCap, handleCap)
	case <-ctx.Done():
		mb.removeWaiting(rv)

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Message{}, status.TimedOut
		}

		return Message{}, status.Closed
	}
}

func (mb *Mailbox) removeWaiting(rv *rendezvous) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	for i, w := range mb.waiting {
		if w == rv {
			mb.waiting = append(mb.waiting[:i], mb.waiting[i+1:]...)
			return
		}
	}
}

// Respond first delivers reply to the caller picked up by the prior Respond
// call, if any, then picks up the first waiting caller (blocking for one if
// block is true and none is pending) and returns its request. The caller
// whose request is returned here receives the reply passed to the *next*
// Respond: the first Respond on a mailbox has no prior caller to reply to,
// so its reply argument is ignored and only its returned request matters.
// This mirrors the two-phase "pick up request, next call replies" discipline.
// responderHandles is this responder's own handle table: any handle in
// reply.Handles is resolved there and moved -- atomically, the entry
// removed from responderHandles and a narrowed entry allocated in the
// waiting caller's table -- before the reply is delivered, so the handle
// never exists in both tables at once.
func (mb *Mailbox) Respond(ctx context.Context, reply Message, block bool, dataCap, handleCap int, responderHandles *handle.Table) (Message, status.Code) {
	mb.mu.Lock()

	// Deliver the reply to whichever caller this responder picked up last
	// time, if any.
	if len(mb.pending) > 0 {
		rv := mb.pending[0]
		mb.pending = mb.pending[1:]
		mb.mu.Unlock()

		transferred, code := transferHandles(responderHandles, rv.callerHandles, reply.Handles)
		if code != status.OK {
			return Message{}, code
		}

		delivered := reply.clone()
		delivered.Handles = transferred

		rv.reply <- delivered
	} else {
		mb.mu.Unlock()
	}

	for {
		mb.mu.Lock()

		if mb.closed {
			mb.mu.Unlock()
			return Message{}, status.Closed
		}

		if len(mb.waiting) > 0 {
			rv := mb.waiting[0]
			mb.waiting = mb.waiting[1:]
			mb.pending = append(mb.pending, rv)
			mb.mu.Unlock()

			return truncate(rv.request, dataCap, handleCap)
		}

		mb.mu.Unlock()

		if !block {
			return Message{}, status.WouldBlock
		}

		select {
		case <-mb.wakeResp:
		case <-ctx.Done():
			return Message{}, status.Closed
		}
	}
}

// Post delivers msg into the mailbox as a new pending request without
// blocking for a reply and without expecting one: the producer (an IRQ
// delivery, or any other fire-and-forget source) has no caller to block and
// nothing to do with a response if one ever arrived. The message is picked
// up by the next Respond exactly like an ordinary Call's request; whatever
// reply that Respond eventually issues for it is delivered into a reply
// channel nobody reads, and is silently discarded.
func (mb *Mailbox) Post(msg Message) status.Code {
	mb.mu.Lock()

	if mb.closed {
		mb.mu.Unlock()
		return status.Closed
	}

	rv := &rendezvous{request: msg.clone(), reply: make(chan Message, 1)}
	mb.waiting = append(mb.waiting, rv)

	mb.mu.Unlock()

	select {
	case mb.wakeResp <- struct{}{}:
	default:
	}

	return status.OK
}

// Close marks the mailbox closed: every blocked caller and every caller
// awaiting a reply is woken with status.Closed. Matches the invariant that
// a responder process dying mid-call surfaces as Closed to its caller.
func (mb *Mailbox) Close() {
	mb.mu.Lock()
	mb.closed = true
	waiting := mb.waiting
	pending := mb.pending
	mb.waiting = nil
	mb.pending = nil
	mb.mu.Unlock()

	for _, rv := range waiting {
		close(rv.reply)
	}

	for _, rv := range pending {
		close(rv.reply)
	}

	mb.Header.Close()
}

package ipc

import (
	"sync"

	"github.com/justinian/jsix/internal/kernel/obj"
	"github.com/justinian/jsix/internal/kernel/status"
)

// Fixed per-type signal bits for channel endpoints (channel_can_send,
// channel_can_recv).
const (
	SignalCanSend obj.Signals = 1 << 16
	SignalCanRecv obj.Signals = 1 << 17
)

// Endpoint is a handle to one direction of a paired shared-memory ring: a
// futex-backed mutex and condition variable plus a bipartite circular
// buffer. The real kernel backs this with a VMA containing {mutex, cond,
// bipbuf}; this simulator keeps the same three-field shape but uses an
// in-process sync.Mutex/sync.Cond in place of the futex words, since both
// endpoints live in the same OS process here.
type Endpoint struct {
	obj.Header

	mu   sync.Mutex
	cond *sync.Cond
	ring *bipbuf

	peer   *Endpoint
	closed bool
}

// updateRingSignals refreshes e's can_send bit (free space in e's own
// outgoing ring) and e.peer's can_recv bit (data now available via e's
// ring, which is what e.peer.Read drains). Call while holding e.mu.
func (e *Endpoint) updateRingSignals() {
	if e.ring.freeSpace() > 0 {
		e.SetSignals(SignalCanSend)
	} else {
		e.ClearSignals(SignalCanSend)
	}

	if len(e.ring.getBlock()) > 0 {
		e.peer.SetSignals(SignalCanRecv)
	} else {
		e.peer.ClearSignals(SignalCanRecv)
	}
}

func (e *Endpoint) Head() *obj.Header { return &e.Header }

// NewChannel creates a pair of endpoints, each with its own outgoing
// bipartite buffer of size bytes (rounded up to a power of two, minimum one
// page as the spec requires).
func NewChannel(objects *obj.Table, size int) (a, b *Endpoint) {
	size = roundUpPow2(size)

	a = &Endpoint{Header: objects.NewHeader(obj.KindChannelEndpoint), ring: newBipbuf(size)}
	a.cond = sync.NewCond(&a.mu)

	b = &Endpoint{Header: objects.NewHeader(obj.KindChannelEndpoint), ring: newBipbuf(size)}
	b.cond = sync.NewCond(&b.mu)

	a.peer, b.peer = b, a

	objects.Insert(a)
	objects.Insert(b)

	a.SetSignals(SignalCanSend)
	b.SetSignals(SignalCanSend)

	return a, b
}

func roundUpPow2(n int) int {
	const minSize = 4096

	if n < minSize {
		n = minSize
	}

	p := 1
	for p < n {
		p <<= 1
	}

	return p
}

// Write reserves space for data in e's own outgoing ring, copies it in,
// and commits -- waking the peer if it is blocked in Read. It blocks while
// there isn't enough free space, until the buffer is closed.
func (e *Endpoint) Write(data []byte) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		if e.closed {
			return status.Closed
		}

		offset, code := e.ring.reserve(len(data))
		if code == status.OK {
			copy(e.ring.buf[offset:offset+len(data)], data)
			e.ring.commit(len(data))
			e.updateRingSignals()
			e.cond.Broadcast()

			return status.OK
		}

		if code != status.Insufficient {
			return code
		}

		e.cond.Wait()
	}
}

// Read blocks until at least one byte is available in the peer's outgoing
// ring (this endpoint's incoming direction), then returns a copy of the
// currently readable block and consumes it.
func (e *Endpoint) Read() ([]byte, status.Code) {
	in := e.peer

	in.mu.Lock()
	defer in.mu.Unlock()

	for {
		block := in.ring.getBlock()
		if len(block) > 0 {
			out := append([]byte(nil), block...)
			in.ring.consume(len(block))
			in.updateRingSignals()
			in.cond.Broadcast()

			return out, status.OK
		}

		if in.closed {
			return nil, status.Closed
		}

		in.cond.Wait()
	}
}

// Close marks both directions of the channel closed and wakes any blocked
// readers/writers on this endpoint and its peer.
func (e *Endpoint) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()

	if e.peer != nil {
		e.peer.mu.Lock()
		e.peer.closed = true
		e.peer.mu.Unlock()
		e.peer.cond.Broadcast()
	}

	e.Header.Close()
}

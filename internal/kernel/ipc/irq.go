package ipc

import (
	"sync"

	"github.com/justinian/jsix/internal/kernel/obj"
	"github.com/justinian/jsix/internal/kernel/status"
)

// IRQ is a capability-protected binding between a hardware interrupt vector
// and the mailbox that should be woken when it fires.
type IRQ struct {
	obj.Header

	mu     sync.Mutex
	vector uint16
	bound  *Mailbox
}

func (irq *IRQ) Head() *obj.Header { return &irq.Header }

// NewIRQ creates an unbound IRQ object for vector.
func NewIRQ(objects *obj.Table, vector uint16) *IRQ {
	hdr := objects.NewHeader(obj.KindIRQ)
	irq := &IRQ{Header: hdr, vector: vector}
	objects.Insert(irq)

	return irq
}

// Vector returns the hardware vector this object is bound to.
func (irq *IRQ) Vector() uint16 { return irq.vector }

// Bind sets mb as the delivery target for this IRQ's vector, replacing any
// previous binding.
func (irq *IRQ) Bind(mb *Mailbox) {
	irq.mu.Lock()
	defer irq.mu.Unlock()

	irq.bound = mb
}

// Unbind clears the delivery target, so a closed IRQ object stops holding a
// reference to its mailbox.
func (irq *IRQ) Unbind() {
	irq.mu.Lock()
	defer irq.mu.Unlock()

	irq.bound = nil
}

// Fire delivers a message tagged TagFromIRQ(vector), with empty data and no
// handles, into the bound mailbox. It never blocks: an IRQ with no bound
// mailbox delivers nothing and returns invalid_arg; otherwise the message is
// queued on the mailbox via Post for the next Respond to pick up, and Post's
// status is returned.
func (irq *IRQ) Fire() status.Code {
	irq.mu.Lock()
	mb := irq.bound
	irq.mu.Unlock()

	if mb == nil {
		return status.InvalidArgument
	}

	return mb.Post(Message{Tag: TagFromIRQ(irq.vector)})
}

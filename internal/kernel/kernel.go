// Package kernel assembles the kernel's subsystems -- frame allocator,
// object table, VMA manager, futex table, IPC, scheduler, syslog ring and
// syscall dispatch table -- into one running instance, and registers the
// concrete handler for every syscall.Number against that instance.
package kernel

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/justinian/jsix/internal/kernel/frame"
	"github.com/justinian/jsix/internal/kernel/futex"
	"github.com/justinian/jsix/internal/kernel/handle"
	"github.com/justinian/jsix/internal/kernel/ipc"
	"github.com/justinian/jsix/internal/kernel/obj"
	"github.com/justinian/jsix/internal/kernel/sched"
	"github.com/justinian/jsix/internal/kernel/status"
	"github.com/justinian/jsix/internal/kernel/syscall"
	"github.com/justinian/jsix/internal/kernel/syslog"
	"github.com/justinian/jsix/internal/kernel/vma"
	"github.com/justinian/jsix/internal/log"
)

// Default capability grants for a freshly created object of each
// handle-bearing kind. A real syscall ABI lets the caller narrow this at
// creation time; this port grants the full set and leaves narrowing to
// handle_duplicate, matching handle.Table.Clone's role.
var (
	vmaCaps     = handle.CapRead | handle.CapWrite | handle.CapMap | handle.CapDuplicate | handle.CapTransfer | handle.CapDestroy
	mailboxCaps = handle.CapRead | handle.CapWrite | handle.CapWait | handle.CapDuplicate | handle.CapTransfer | handle.CapDestroy
	channelCaps = handle.CapRead | handle.CapWrite | handle.CapWait | handle.CapDuplicate | handle.CapTransfer | handle.CapDestroy
	irqCaps     = handle.CapWait | handle.CapDuplicate | handle.CapDestroy
)

// Kernel owns one instance of every subsystem and the syscall table wired
// against them. Callers assemble one per simulated boot.
type Kernel struct {
	Objects   *obj.Table
	Frames    *frame.Allocator
	VMAs      *vma.Manager
	Futexes   *futex.Table
	Scheduler *sched.Scheduler
	Syslog    *syslog.System
	Syscalls  *syscall.Table

	system *System

	futexMu    sync.Mutex
	futexWords map[futex.Key]*futex.Word

	log *log.Logger
}

// OptionFn customizes a Kernel during New: each is called once, after every
// subsystem is constructed but before the syscall table is populated, so an
// option can still observe or replace a subsystem before its handlers are
// registered against it.
type OptionFn func(*Kernel)

// WithLogger overrides the kernel's structured logger.
func WithLogger(l *log.Logger) OptionFn {
	return func(k *Kernel) { k.log = l }
}

// New builds a Kernel from a bootloader-style memory map and CPU count,
// with a log ring of the given capacity, and registers the default syscall
// handlers. maxConcurrentAlloc bounds concurrent frame-allocator contention
// (see frame.Allocator).
func New(memoryMap []frame.MemoryMapEntry, numCPU int, logCapacity int, maxConcurrentAlloc int64, opts ...OptionFn) *Kernel {
	k := &Kernel{
		Objects:    obj.NewTable(),
		Futexes:    futex.NewTable(),
		Scheduler:  sched.New(numCPU),
		Syscalls:   syscall.NewTable(),
		futexWords: make(map[futex.Key]*futex.Word),
		log:        log.DefaultLogger(),
	}

	k.Frames = frame.New(memoryMap, maxConcurrentAlloc)
	k.VMAs = vma.New(k.Objects, k.Frames)
	k.Syslog = syslog.New(k.Objects, logCapacity)
	k.system = newSystem(k.Objects)

	for _, fn := range opts {
		fn(k)
	}

	k.registerDefaults()

	return k
}

// Start launches the scheduler's per-CPU run loops.
func (k *Kernel) Start() { k.Scheduler.Start() }

// Stop cancels the scheduler and waits for it to drain.
func (k *Kernel) Stop() error { return k.Scheduler.Stop() }

// callContext is the Caller payload every handler registered here expects:
// the calling process's koid (for VMA mappings and futex keys) and, where a
// syscall blocks the calling thread in the scheduler's sense (thread_sleep),
// the calling *sched.Thread itself. Dispatch's Caller field is opaque to the
// syscall package -- this is the concrete type the kernel package puts there.
type callContext struct {
	Process obj.Koid
	Thread  *sched.Thread
}

// Dispatch runs one syscall on behalf of thread t, a member of proc.
func (k *Kernel) Dispatch(num syscall.Number, proc *sched.Process, t *sched.Thread, args [6]uint64, arena *syscall.Arena) status.Code {
	caller := &callContext{Process: proc.Koid(), Thread: t}
	return k.Syscalls.Dispatch(num, caller, args, proc.Handles, arena)
}

func callerOf(c *syscall.Call) *callContext {
	cc, _ := c.Caller.(*callContext)
	if cc == nil {
		cc = &callContext{}
	}

	return cc
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)

	return b
}

// lookupAs fetches id from the object table and type-asserts it to T,
// reporting status.Destroyed if the koid no longer resolves (the object was
// torn down between capability check and handler execution) and
// status.Unexpected if it resolves to the wrong concrete type, which would
// mean a Kind was registered against the wrong Go type somewhere.
func lookupAs[T obj.Object](k *Kernel, id obj.Koid) (T, status.Code) {
	var zero T

	o, ok := k.Objects.Lookup(id)
	if !ok {
		return zero, status.Destroyed
	}

	v, ok := o.(T)
	if !ok {
		return zero, status.Unexpected
	}

	return v, status.OK
}

// deadlineCancel returns a channel closed when timeout elapses (or never, if
// timeout is zero) along with a stop function the caller must defer.
func deadlineCancel(timeout time.Duration) (<-chan struct{}, func()) {
	cancel := make(chan struct{})

	if timeout <= 0 {
		return cancel, func() {}
	}

	timer := time.AfterFunc(timeout, func() { close(cancel) })

	return cancel, func() { timer.Stop() }
}

// registerDefaults wires one handler per syscall.Number against this
// kernel's subsystems.
func (k *Kernel) registerDefaults() {
	k.registerObjectSyscalls()
	k.registerVMASyscalls()
	k.registerMailboxSyscalls()
	k.registerChannelSyscalls()
	k.registerFutexSyscalls()
	k.registerThreadSyscalls()
	k.registerSystemSyscalls()
	k.registerIRQSyscalls()
}

// teardown runs kind-specific close logic when an object's refcount reaches
// zero, mirroring what real handle_close does for mailboxes and channel
// endpoints (waking partners) versus plain objects (nothing further).
func (k *Kernel) teardown(o obj.Object) {
	switch v := o.(type) {
	case *ipc.Mailbox:
		v.Close()
	case *ipc.Endpoint:
		v.Close()
	case *ipc.IRQ:
		v.Unbind()
	}
}

// System is the kernel's singleton capability-gate object: holding a handle
// to it with CapSystem grants the privileged operations that aren't scoped
// to any other object (today: binding an IRQ to a mailbox). Handles to it
// are opened only by GrantSystem; a process can also get one by
// handle_duplicate delegation from a process that already holds one.
type System struct {
	obj.Header
}

func (s *System) Head() *obj.Header { return &s.Header }

func newSystem(objects *obj.Table) *System {
	hdr := objects.NewHeader(obj.KindSystem)
	s := &System{Header: hdr}
	objects.Insert(s)

	return s
}

// GrantSystem opens a handle to the kernel's System singleton in proc's
// table, taking one more reference on it. Each call opens a new handle;
// the kernel itself never calls it.
func (k *Kernel) GrantSystem(proc *sched.Process) handle.Handle {
	k.system.Ref()
	return proc.Handles.Open(k.system.Koid(), obj.KindSystem, handle.CapSystem|handle.CapDuplicate)
}

// registerObjectSyscalls wires object_wait, handle_duplicate, handle_close
// and handle_transfer, which are generic over object kind and so bypass the
// syscall table's per-entry HandleSpec (which names one fixed Kind): these
// handlers resolve and capability-check the handle themselves.
func (k *Kernel) registerObjectSyscalls() {
	// object_wait(handle, mask, timeout_ns) -> signals
	k.Syscalls.Register(syscall.ObjectWait, syscall.Entry{
		Name: "object_wait",
		Out:  &syscall.OutSpec{PtrArgIndex: 3, LenArgIndex: 4},
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			h := handle.Handle(c.Args[0])

			// object_wait is generic over kind, unlike most syscalls, so it
			// resolves and checks the capability itself instead of going
			// through a HandleSpec (which names one fixed Kind).
			id, _, granted, code := c.Handles.Resolve(h)
			if code != status.OK {
				return nil, code
			}

			if granted&handle.CapWait == 0 {
				return nil, status.Denied
			}

			o, ok := k.Objects.Lookup(id)
			if !ok {
				return nil, status.Destroyed
			}

			cancel, stop := deadlineCancel(time.Duration(c.Args[2]))
			defer stop()

			sig, ok := o.Head().Wait(obj.Signals(c.Args[1]), cancel)
			if !ok {
				return nil, status.TimedOut
			}

			return encodeUint64(uint64(sig)), status.OK
		},
	})

	// handle_duplicate(handle, mask) -> new handle
	k.Syscalls.Register(syscall.HandleDuplicate, syscall.Entry{
		Name: "handle_duplicate",
		Out:  &syscall.OutSpec{PtrArgIndex: 2, LenArgIndex: 3},
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			h := handle.Handle(c.Args[0])
			mask := handle.Capability(c.Args[1])

			id, _, _, code := c.Handles.Resolve(h)
			if code != status.OK {
				return nil, code
			}

			o, ok := k.Objects.Lookup(id)
			if !ok {
				return nil, status.Destroyed
			}

			newH, code := c.Handles.Clone(h, mask)
			if code != status.OK {
				return nil, code
			}

			o.Head().Ref()

			return encodeUint64(uint64(newH)), status.OK
		},
	})

	// handle_transfer(handle, mask) -> new handle
	//
	// Replaces handle with a new one at a different table index, narrowed to
	// mask, invalidating the original value. Unlike handle_duplicate this
	// does not take a reference on the object: the same reference moves to
	// the new index, matching the two-phase handle.Transfer primitive used
	// to move a handle between two different processes' tables on a mailbox
	// reply -- here src and dst happen to be the same table.
	k.Syscalls.Register(syscall.HandleTransfer, syscall.Entry{
		Name: "handle_transfer",
		Out:  &syscall.OutSpec{PtrArgIndex: 2, LenArgIndex: 3},
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			h := handle.Handle(c.Args[0])
			mask := handle.Capability(c.Args[1])

			newH, code := handle.Transfer(c.Handles, c.Handles, h, mask)
			if code != status.OK {
				return nil, code
			}

			return encodeUint64(uint64(newH)), status.OK
		},
	})

	// handle_close(handle)
	k.Syscalls.Register(syscall.HandleClose, syscall.Entry{
		Name: "handle_close",
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			h := handle.Handle(c.Args[0])

			id, code := c.Handles.Close(h)
			if code != status.OK {
				return nil, code
			}

			if o, destroyed := k.Objects.Release(id); destroyed {
				k.teardown(o)
			}

			return nil, status.OK
		},
	})
}

// registerVMASyscalls wires vma_create, vma_map, vma_unmap and vma_resize.
func (k *Kernel) registerVMASyscalls() {
	// vma_create(size_bytes, flags, addr) -> handle, mapped_addr
	k.Syscalls.Register(syscall.VMACreate, syscall.Entry{
		Name: "vma_create",
		Out:  &syscall.OutSpec{PtrArgIndex: 3, LenArgIndex: 4},
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			proc := callerOf(c).Process

			v, addr, code := k.VMAs.Create(c.Args[0], vma.Flags(c.Args[1]), proc, uintptr(c.Args[2]))
			if code != status.OK {
				return nil, code
			}

			h := c.Handles.Open(v.Koid(), obj.KindVMA, vmaCaps)

			out := make([]byte, 16)
			binary.LittleEndian.PutUint64(out[0:8], uint64(h))
			binary.LittleEndian.PutUint64(out[8:16], uint64(addr))

			return out, status.OK
		},
	})

	// vma_map(handle, addr) -> mapped_addr
	k.Syscalls.Register(syscall.VMAMap, syscall.Entry{
		Name:    "vma_map",
		Handles: []syscall.HandleSpec{{ArgIndex: 0, Kind: obj.KindVMA, Required: handle.CapMap}},
		Out:     &syscall.OutSpec{PtrArgIndex: 2, LenArgIndex: 3},
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			v, code := lookupAs[*vma.VMA](k, c.Handle(0))
			if code != status.OK {
				return nil, code
			}

			proc := callerOf(c).Process

			addr, code := k.VMAs.Map(v, proc, uintptr(c.Args[1]), v.Flags())
			if code != status.OK {
				return nil, code
			}

			return encodeUint64(uint64(addr)), status.OK
		},
	})

	// vma_unmap(handle)
	k.Syscalls.Register(syscall.VMAUnmap, syscall.Entry{
		Name:    "vma_unmap",
		Handles: []syscall.HandleSpec{{ArgIndex: 0, Kind: obj.KindVMA, Required: handle.CapMap}},
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			v, code := lookupAs[*vma.VMA](k, c.Handle(0))
			if code != status.OK {
				return nil, code
			}

			return nil, k.VMAs.Unmap(v, callerOf(c).Process)
		},
	})

	// vma_resize(handle, new_pages) -> new_pages
	k.Syscalls.Register(syscall.VMAResize, syscall.Entry{
		Name:    "vma_resize",
		Handles: []syscall.HandleSpec{{ArgIndex: 0, Kind: obj.KindVMA, Required: handle.CapWrite}},
		Out:     &syscall.OutSpec{PtrArgIndex: 2, LenArgIndex: 3},
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			v, code := lookupAs[*vma.VMA](k, c.Handle(0))
			if code != status.OK {
				return nil, code
			}

			newPages, code := k.VMAs.Resize(v, c.Args[1])
			if code != status.OK {
				return nil, code
			}

			return encodeUint64(newPages), status.OK
		},
	})
}

// registerMailboxSyscalls wires mailbox_create, mailbox_call and
// mailbox_respond.
func (k *Kernel) registerMailboxSyscalls() {
	// mailbox_create() -> handle
	k.Syscalls.Register(syscall.MailboxCreate, syscall.Entry{
		Name: "mailbox_create",
		Out:  &syscall.OutSpec{PtrArgIndex: 0, LenArgIndex: 1},
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			mb := ipc.New(k.Objects)
			h := c.Handles.Open(mb.Koid(), obj.KindMailbox, mailboxCaps)

			return encodeUint64(uint64(h)), status.OK
		},
	})

	// mailbox_call(handle, tag, data_ptr, data_len, timeout_ns, handle_out_ptr) -> reply data
	//
	// handle_out_ptr, if non-zero, is an address the kernel writes the
	// reply's transferred handle to (8 bytes, 0 meaning none was attached);
	// a caller uninterested in receiving a handle passes 0, which also
	// keeps this backward compatible with the 5-argument form.
	k.Syscalls.Register(syscall.MailboxCall, syscall.Entry{
		Name:    "mailbox_call",
		Handles: []syscall.HandleSpec{{ArgIndex: 0, Kind: obj.KindMailbox, Required: handle.CapWrite | handle.CapRead}},
		Out:     &syscall.OutSpec{PtrArgIndex: 2, LenArgIndex: 3},
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			mb, code := lookupAs[*ipc.Mailbox](k, c.Handle(0))
			if code != status.OK {
				return nil, code
			}

			dataCap := int(c.Args[3])

			data, code := c.Arena.Read(uintptr(c.Args[2]), dataCap, 1)
			if code != status.OK {
				return nil, code
			}

			ctx := context.Context(context.Background())
			cancel := func() {}

			if timeout := time.Duration(c.Args[4]); timeout > 0 {
				var cancelFn context.CancelFunc
				ctx, cancelFn = context.WithTimeout(ctx, timeout)
				cancel = cancelFn
			}

			defer cancel()

			reply, code := mb.Call(ctx, ipc.Message{Tag: c.Args[1], Data: data}, dataCap, 1, c.Handles)
			if code != status.OK {
				return nil, code
			}

			if handleOutPtr := uintptr(c.Args[5]); handleOutPtr != 0 {
				var xfer handle.Handle
				if len(reply.Handles) > 0 {
					xfer = reply.Handles[0]
				}

				if wcode := c.Arena.Write(handleOutPtr, encodeUint64(uint64(xfer)), 8, 8); wcode != status.OK {
					return nil, wcode
				}
			}

			return reply.Data, status.OK
		},
	})

	// mailbox_respond(handle, flags, reply_ptr, reply_len, out_ptr, out_len) -> next request data
	//
	// flags bit 0 is the block flag (mirrors the old boolean argument); bit
	// 1 marks that bits 32-63 carry the table index of a handle this
	// responder is attaching to the reply it is delivering -- the caller's
	// capacities from handle_duplicate/create still bound what the
	// transfer can grant, since handle.Transfer only ever narrows.
	k.Syscalls.Register(syscall.MailboxRespond, syscall.Entry{
		Name:    "mailbox_respond",
		Handles: []syscall.HandleSpec{{ArgIndex: 0, Kind: obj.KindMailbox, Required: handle.CapRead | handle.CapWrite}},
		Out:     &syscall.OutSpec{PtrArgIndex: 4, LenArgIndex: 5},
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			mb, code := lookupAs[*ipc.Mailbox](k, c.Handle(0))
			if code != status.OK {
				return nil, code
			}

			var reply []byte

			if replyLen := int(c.Args[3]); replyLen > 0 {
				var rcode status.Code

				reply, rcode = c.Arena.Read(uintptr(c.Args[2]), replyLen, 1)
				if rcode != status.OK {
					return nil, rcode
				}
			}

			flags := c.Args[1]
			block := flags&0x1 != 0

			var handles []handle.Handle

			if flags&0x2 != 0 {
				idx := uint32(flags >> 32)
				handles = []handle.Handle{handle.New(idx, 0)}
			}

			req, code := mb.Respond(context.Background(), ipc.Message{Data: reply, Handles: handles}, block, int(c.Args[5]), 1, c.Handles)
			if code != status.OK {
				return nil, code
			}

			return req.Data, status.OK
		},
	})
}

// registerChannelSyscalls wires channel_create, channel_send and
// channel_recv.
func (k *Kernel) registerChannelSyscalls() {
	// channel_create(size_bytes) -> handle_a, handle_b
	k.Syscalls.Register(syscall.ChannelCreate, syscall.Entry{
		Name: "channel_create",
		Out:  &syscall.OutSpec{PtrArgIndex: 1, LenArgIndex: 2},
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			a, b := ipc.NewChannel(k.Objects, int(c.Args[0]))

			ha := c.Handles.Open(a.Koid(), obj.KindChannelEndpoint, channelCaps)
			hb := c.Handles.Open(b.Koid(), obj.KindChannelEndpoint, channelCaps)

			out := make([]byte, 16)
			binary.LittleEndian.PutUint64(out[0:8], uint64(ha))
			binary.LittleEndian.PutUint64(out[8:16], uint64(hb))

			return out, status.OK
		},
	})

	// channel_send(handle, data_ptr, data_len)
	k.Syscalls.Register(syscall.ChannelSend, syscall.Entry{
		Name:    "channel_send",
		Handles: []syscall.HandleSpec{{ArgIndex: 0, Kind: obj.KindChannelEndpoint, Required: handle.CapWrite}},
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			ep, code := lookupAs[*ipc.Endpoint](k, c.Handle(0))
			if code != status.OK {
				return nil, code
			}

			data, code := c.Arena.Read(uintptr(c.Args[1]), int(c.Args[2]), 1)
			if code != status.OK {
				return nil, code
			}

			return nil, ep.Write(data)
		},
	})

	// channel_recv(handle, out_ptr, out_len) -> data
	k.Syscalls.Register(syscall.ChannelRecv, syscall.Entry{
		Name:    "channel_recv",
		Handles: []syscall.HandleSpec{{ArgIndex: 0, Kind: obj.KindChannelEndpoint, Required: handle.CapRead}},
		Out:     &syscall.OutSpec{PtrArgIndex: 1, LenArgIndex: 2},
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			ep, code := lookupAs[*ipc.Endpoint](k, c.Handle(0))
			if code != status.OK {
				return nil, code
			}

			data, code := ep.Read()
			if code != status.OK {
				return nil, code
			}

			return data, status.OK
		},
	})
}

// registerFutexSyscalls wires futex_wait and futex_wake.
//
// A real futex_wait/wake pair observes a 32-bit word that lives directly in
// the caller's virtual memory: the kernel never stores it, it only compares
// and blocks/wakes against whatever address userspace gives it. This
// simulator's Arena models a process's address space as named byte ranges
// rather than raw addressable memory, so there's no way to overlay an
// arbitrary *futex.Word onto it. Instead the kernel keyed the word itself:
// futexWords lazily creates one *futex.Word per (process, page, offset) key
// the first time either syscall sees it, and futex_wake additionally takes
// the new value to store before waking, since there is no separate memory
// store to observe. Real userspace code never needs a second syscall to
// mutate the word; this port folds that store into the wake call.
func (k *Kernel) registerFutexSyscalls() {
	// futex_wait(page, offset, expected, timeout_ns)
	k.Syscalls.Register(syscall.FutexWait, syscall.Entry{
		Name: "futex_wait",
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			proc := callerOf(c).Process
			key := futex.Key{Process: uint64(proc), Page: c.Args[0], Offset: uint32(c.Args[1])}
			word := k.futexWord(key)

			ctx := context.Background()

			return nil, k.Futexes.Wait(ctx, key, word, uint32(c.Args[2]), time.Duration(c.Args[3]))
		},
	})

	// futex_wake(page, offset, new_value, count) -> woken
	k.Syscalls.Register(syscall.FutexWake, syscall.Entry{
		Name: "futex_wake",
		Out:  &syscall.OutSpec{PtrArgIndex: 4, LenArgIndex: 5},
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			proc := callerOf(c).Process
			key := futex.Key{Process: uint64(proc), Page: c.Args[0], Offset: uint32(c.Args[1])}
			word := k.futexWord(key)

			word.Store(uint32(c.Args[2]))
			woken := k.Futexes.Wake(key, int(c.Args[3]))

			return encodeUint64(uint64(woken)), status.OK
		},
	})
}

func (k *Kernel) futexWord(key futex.Key) *futex.Word {
	k.futexMu.Lock()
	defer k.futexMu.Unlock()

	w, ok := k.futexWords[key]
	if !ok {
		w = &futex.Word{}
		k.futexWords[key] = w
	}

	return w
}

// registerThreadSyscalls wires thread_sleep, thread_join and thread_exit.
func (k *Kernel) registerThreadSyscalls() {
	// thread_sleep(duration_ns)
	k.Syscalls.Register(syscall.ThreadSleep, syscall.Entry{
		Name: "thread_sleep",
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			t := callerOf(c).Thread
			if t == nil {
				return nil, status.Unexpected
			}

			code := k.Scheduler.Block(t, sched.BlockSleep, time.Duration(c.Args[0]))
			if code == status.TimedOut {
				code = status.OK
			}

			return nil, code
		},
	})

	// thread_join(handle, timeout_ns)
	k.Syscalls.Register(syscall.ThreadJoin, syscall.Entry{
		Name:    "thread_join",
		Handles: []syscall.HandleSpec{{ArgIndex: 0, Kind: obj.KindThread, Required: handle.CapWait}},
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			th, code := lookupAs[*sched.Thread](k, c.Handle(0))
			if code != status.OK {
				return nil, code
			}

			cancel, stop := deadlineCancel(time.Duration(c.Args[1]))
			defer stop()

			if _, ok := th.Head().Wait(0, cancel); !ok {
				return nil, status.TimedOut
			}

			return nil, status.OK
		},
	})

	// thread_exit(exit_code)
	k.Syscalls.Register(syscall.ThreadExit, syscall.Entry{
		Name: "thread_exit",
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			t := callerOf(c).Thread
			if t == nil {
				return nil, status.Unexpected
			}

			proc := t.Process()
			k.Scheduler.Exit(t, int(int32(c.Args[0])))

			if _, exited := proc.ExitCode(); exited {
				k.teardownProcess(proc)
			}

			return nil, status.OK
		},
	})
}

// teardownProcess runs when a process's last thread exits: every handle the
// process held is closed, releasing the corresponding object-table reference
// (running kind-specific teardown, e.g. waking a mailbox's partners, when
// that reference reaches zero), and every VMA the process still held a
// handle to is unmapped from the process regardless of the VMA's own
// refcount, since other processes or handles may still reference the same
// VMA. A VMA mapped into the process whose handle was already closed is not
// unmapped here.
func (k *Kernel) teardownProcess(proc *sched.Process) {
	for _, e := range proc.Handles.CloseAll() {
		if e.Kind == obj.KindVMA {
			if v, code := lookupAs[*vma.VMA](k, e.Koid); code == status.OK {
				k.VMAs.Unmap(v, proc.Koid())
			}
		}

		if o, destroyed := k.Objects.Release(e.Koid); destroyed {
			k.teardown(o)
		}
	}
}

// registerSystemSyscalls wires system_log and system_get_log.
func (k *Kernel) registerSystemSyscalls() {
	// system_log(area, severity, text_ptr, text_len)
	k.Syscalls.Register(syscall.SystemLog, syscall.Entry{
		Name: "system_log",
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			text, code := c.Arena.Read(uintptr(c.Args[2]), int(c.Args[3]), 1)
			if code != status.OK {
				return nil, code
			}

			k.Syslog.Log(syslog.Area(c.Args[0]), syslog.Severity(c.Args[1]), string(text))

			return nil, status.OK
		},
	})

	// system_get_log(after_id, timeout_ns, out_ptr, out_len) -> entry text
	k.Syscalls.Register(syscall.SystemGetLog, syscall.Entry{
		Name: "system_get_log",
		Out:  &syscall.OutSpec{PtrArgIndex: 2, LenArgIndex: 3},
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			cancel, stop := deadlineCancel(time.Duration(c.Args[1]))
			defer stop()

			entry, code := k.Syslog.Get(c.Args[0], cancel)
			if code != status.OK {
				return nil, code
			}

			return []byte(entry.Text), status.OK
		},
	})
}

// registerIRQSyscalls wires irq_bind, the only privileged operation this
// port implements behind the System object.
func (k *Kernel) registerIRQSyscalls() {
	// irq_bind(system, vector, mailbox) -> irq handle
	k.Syscalls.Register(syscall.IRQBind, syscall.Entry{
		Name: "irq_bind",
		Handles: []syscall.HandleSpec{
			{ArgIndex: 0, Kind: obj.KindSystem, Required: handle.CapSystem},
			{ArgIndex: 2, Kind: obj.KindMailbox, Required: handle.CapWrite},
		},
		Out: &syscall.OutSpec{PtrArgIndex: 3, LenArgIndex: 4},
		Handler: func(c *syscall.Call) ([]byte, status.Code) {
			mb, code := lookupAs[*ipc.Mailbox](k, c.Handle(1))
			if code != status.OK {
				return nil, code
			}

			irq := ipc.NewIRQ(k.Objects, uint16(c.Args[1]))
			irq.Bind(mb)

			h := c.Handles.Open(irq.Koid(), obj.KindIRQ, irqCaps)

			return encodeUint64(uint64(h)), status.OK
		},
	})
}

// FireIRQ delivers the bound mailbox message for the IRQ identified by koid.
// Callers are the simulated platform's interrupt dispatch path, not a user
// syscall -- a hardware vector firing has no handle table to check a
// capability against.
func (k *Kernel) FireIRQ(koid obj.Koid) status.Code {
	irq, code := lookupAs[*ipc.IRQ](k, koid)
	if code != status.OK {
		return code
	}

	return irq.Fire()
}

package kernel

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/justinian/jsix/internal/kernel/frame"
	"github.com/justinian/jsix/internal/kernel/handle"
	"github.com/justinian/jsix/internal/kernel/obj"
	"github.com/justinian/jsix/internal/kernel/sched"
	"github.com/justinian/jsix/internal/kernel/status"
	"github.com/justinian/jsix/internal/kernel/syscall"
	"github.com/justinian/jsix/internal/kernel/syslog"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()

	mm := []frame.MemoryMapEntry{{Start: 0, Pages: 256, Type: frame.Conventional}}
	k := New(mm, 2, 16, 8)
	k.Start()
	t.Cleanup(func() { k.Stop() })

	return k
}

func u64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

func TestVMACreateMapResize(t *testing.T) {
	k := newTestKernel(t)
	proc := sched.NewProcess(k.Objects)

	arena := syscall.NewArena()
	out := make([]byte, 16)
	arena.Map(0x1000, out)

	code := k.Dispatch(syscall.VMACreate, proc, nil, [6]uint64{4096 * 4, uint64(0), 0, 0x1000, 16}, arena)
	if code != status.OK {
		t.Fatalf("vma_create = %s, want ok", code)
	}

	h := handle.Handle(u64(out[0:8]))

	resizeOut := make([]byte, 8)
	arena.Map(0x2000, resizeOut)

	code = k.Dispatch(syscall.VMAResize, proc, nil, [6]uint64{uint64(h), 2, 0x2000, 8}, arena)
	if code != status.OK {
		t.Fatalf("vma_resize = %s, want ok", code)
	}

	if got := u64(resizeOut); got != 2 {
		t.Errorf("vma_resize new pages = %d, want 2", got)
	}
}

func TestVMAMapUnknownHandleIsInvalidArg(t *testing.T) {
	k := newTestKernel(t)
	proc := sched.NewProcess(k.Objects)

	arena := syscall.NewArena()

	// Forge a handle whose table index was never opened in this process.
	badHandle := handle.New(9999, 0)

	code := k.Dispatch(syscall.VMAMap, proc, nil, [6]uint64{uint64(badHandle), 0, 0, 0}, arena)
	if code != status.InvalidArgument {
		t.Errorf("vma_map(bad handle) = %s, want invalid_arg", code)
	}
}

func TestMailboxCallRespondRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	proc := sched.NewProcess(k.Objects)

	arena := syscall.NewArena()
	createOut := make([]byte, 8)
	arena.Map(0x1000, createOut)

	if code := k.Dispatch(syscall.MailboxCreate, proc, nil, [6]uint64{0x1000, 8}, arena); code != status.OK {
		t.Fatalf("mailbox_create = %s, want ok", code)
	}

	h := handle.Handle(u64(createOut))

	callBuf := make([]byte, 32)
	copy(callBuf, "ping")
	arena.Map(0x2000, callBuf)

	callDone := make(chan status.Code, 1)

	go func() {
		callDone <- k.Dispatch(syscall.MailboxCall, proc, nil, [6]uint64{uint64(h), 7, 0x2000, 4, uint64(time.Second.Nanoseconds())}, arena)
	}()

	time.Sleep(10 * time.Millisecond)

	respondArena := syscall.NewArena()
	requestOut := make([]byte, 32)
	respondArena.Map(0x3000, requestOut)

	code := k.Dispatch(syscall.MailboxRespond, proc, nil, [6]uint64{uint64(h), 1, 0, 0, 0x3000, 32}, respondArena)
	if code != status.OK {
		t.Fatalf("mailbox_respond (pickup) = %s, want ok", code)
	}

	if !bytes.Equal(requestOut[:4], []byte("ping")) {
		t.Errorf("mailbox_respond picked up %q, want %q", requestOut[:4], "ping")
	}

	replyBuf := make([]byte, 32)
	copy(replyBuf, "pong")
	respondArena.Map(0x4000, replyBuf)

	go func() {
		k.Dispatch(syscall.MailboxRespond, proc, nil, [6]uint64{uint64(h), 0, 0x4000, 4, 0, 0}, respondArena)
	}()

	select {
	case code := <-callDone:
		if code != status.OK {
			t.Fatalf("mailbox_call = %s, want ok", code)
		}
	case <-time.After(time.Second):
		t.Fatal("mailbox_call never returned")
	}

	if !bytes.Equal(callBuf[:4], []byte("pong")) {
		t.Errorf("mailbox_call reply = %q, want %q", callBuf[:4], "pong")
	}
}

func TestMailboxRespondTransfersHandleToCaller(t *testing.T) {
	k := newTestKernel(t)
	callerProc := sched.NewProcess(k.Objects)
	responderProc := sched.NewProcess(k.Objects)

	createArena := syscall.NewArena()
	createOut := make([]byte, 8)
	createArena.Map(0x1000, createOut)

	if code := k.Dispatch(syscall.MailboxCreate, callerProc, nil, [6]uint64{0x1000, 8}, createArena); code != status.OK {
		t.Fatalf("mailbox_create = %s, want ok", code)
	}

	callerMailbox := handle.Handle(u64(createOut))

	mbKoid, _, _, code := callerProc.Handles.Resolve(callerMailbox)
	if code != status.OK {
		t.Fatalf("resolve mailbox handle = %s, want ok", code)
	}

	responderMailbox := responderProc.Handles.Open(mbKoid, obj.KindMailbox, mailboxCaps)

	vmaArena := syscall.NewArena()
	vmaOut := make([]byte, 16)
	vmaArena.Map(0x5000, vmaOut)

	if code := k.Dispatch(syscall.VMACreate, responderProc, nil, [6]uint64{4096, 0, 0, 0x5000, 16}, vmaArena); code != status.OK {
		t.Fatalf("vma_create = %s, want ok", code)
	}

	vmaHandle := handle.Handle(u64(vmaOut[0:8]))

	callArena := syscall.NewArena()
	handleOut := make([]byte, 8)
	callArena.Map(0x3000, handleOut)

	callDone := make(chan status.Code, 1)

	go func() {
		callDone <- k.Dispatch(syscall.MailboxCall, callerProc, nil,
			[6]uint64{uint64(callerMailbox), 1, 0, 0, uint64(time.Second.Nanoseconds()), 0x3000}, callArena)
	}()

	time.Sleep(10 * time.Millisecond)

	respondArena := syscall.NewArena()

	if code := k.Dispatch(syscall.MailboxRespond, responderProc, nil,
		[6]uint64{uint64(responderMailbox), 1, 0, 0, 0, 0}, respondArena); code != status.OK {
		t.Fatalf("mailbox_respond (pickup) = %s, want ok", code)
	}

	// flags bit 1 marks a handle attached to this reply; its table index
	// rides in the upper 32 bits.
	flags := uint64(0x2) | uint64(vmaHandle.Index())<<32

	go func() {
		k.Dispatch(syscall.MailboxRespond, responderProc, nil,
			[6]uint64{uint64(responderMailbox), flags, 0, 0, 0, 0}, respondArena)
	}()

	select {
	case code := <-callDone:
		if code != status.OK {
			t.Fatalf("mailbox_call = %s, want ok", code)
		}
	case <-time.After(time.Second):
		t.Fatal("mailbox_call never returned")
	}

	gotHandle := handle.Handle(u64(handleOut))
	if gotHandle == 0 {
		t.Fatal("mailbox_call did not receive a transferred handle")
	}

	_, kind, _, code := callerProc.Handles.Resolve(gotHandle)
	if code != status.OK {
		t.Fatalf("caller Resolve(transferred handle) = %s, want ok", code)
	}

	if kind != obj.KindVMA {
		t.Errorf("transferred handle kind = %s, want vma", kind)
	}

	if _, _, _, code := responderProc.Handles.Resolve(vmaHandle); code != status.InvalidArgument {
		t.Errorf("responder still resolves the transferred handle, want it removed")
	}
}

func TestHandleTransferNarrowsAndInvalidatesOriginal(t *testing.T) {
	k := newTestKernel(t)
	proc := sched.NewProcess(k.Objects)

	arena := syscall.NewArena()
	createOut := make([]byte, 16)
	arena.Map(0x1000, createOut)

	if code := k.Dispatch(syscall.VMACreate, proc, nil, [6]uint64{4096, 0, 0, 0x1000, 16}, arena); code != status.OK {
		t.Fatalf("vma_create = %s, want ok", code)
	}

	original := handle.Handle(u64(createOut[0:8]))

	out := make([]byte, 8)
	arena.Map(0x2000, out)

	code := k.Dispatch(syscall.HandleTransfer, proc, nil,
		[6]uint64{uint64(original), uint64(handle.CapRead), 0x2000, 8}, arena)
	if code != status.OK {
		t.Fatalf("handle_transfer = %s, want ok", code)
	}

	replacement := handle.Handle(u64(out))

	if _, _, _, code := proc.Handles.Resolve(original); code != status.InvalidArgument {
		t.Errorf("original handle still resolves after transfer, want it invalidated")
	}

	id, kind, caps, code := proc.Handles.Resolve(replacement)
	if code != status.OK {
		t.Fatalf("Resolve(replacement) = %s, want ok", code)
	}

	if kind != obj.KindVMA || caps != handle.CapRead {
		t.Errorf("replacement = (kind=%s caps=%s), want (vma, read)", kind, caps)
	}

	_ = id
}

func TestIRQBindAndFireDeliversToMailbox(t *testing.T) {
	k := newTestKernel(t)
	proc := sched.NewProcess(k.Objects)

	systemH := k.GrantSystem(proc)

	mbArena := syscall.NewArena()
	mbOut := make([]byte, 8)
	mbArena.Map(0x1000, mbOut)

	if code := k.Dispatch(syscall.MailboxCreate, proc, nil, [6]uint64{0x1000, 8}, mbArena); code != status.OK {
		t.Fatalf("mailbox_create = %s, want ok", code)
	}

	mailboxH := handle.Handle(u64(mbOut))

	bindArena := syscall.NewArena()
	bindOut := make([]byte, 8)
	bindArena.Map(0x2000, bindOut)

	const vector = 0x30

	code := k.Dispatch(syscall.IRQBind, proc, nil,
		[6]uint64{uint64(systemH), vector, uint64(mailboxH), 0x2000, 8}, bindArena)
	if code != status.OK {
		t.Fatalf("irq_bind = %s, want ok", code)
	}

	irqH := handle.Handle(u64(bindOut))

	irqKoid, _, _, code := proc.Handles.Resolve(irqH)
	if code != status.OK {
		t.Fatalf("resolve irq handle = %s, want ok", code)
	}

	if code := k.FireIRQ(irqKoid); code != status.OK {
		t.Fatalf("FireIRQ = %s, want ok", code)
	}

	respondArena := syscall.NewArena()
	requestOut := make([]byte, 8)
	respondArena.Map(0x3000, requestOut)

	code = k.Dispatch(syscall.MailboxRespond, proc, nil,
		[6]uint64{uint64(mailboxH), 1, 0, 0, 0x3000, 8}, respondArena)
	if code != status.OK {
		t.Fatalf("mailbox_respond (pick up IRQ message) = %s, want ok", code)
	}
}

func TestIRQBindForgedSystemHandleIsInvalidArg(t *testing.T) {
	k := newTestKernel(t)
	proc := sched.NewProcess(k.Objects)

	mbArena := syscall.NewArena()
	mbOut := make([]byte, 8)
	mbArena.Map(0x1000, mbOut)

	if code := k.Dispatch(syscall.MailboxCreate, proc, nil, [6]uint64{0x1000, 8}, mbArena); code != status.OK {
		t.Fatalf("mailbox_create = %s, want ok", code)
	}

	mailboxH := handle.Handle(u64(mbOut))

	forgedSystem := handle.New(9999, 0)

	code := k.Dispatch(syscall.IRQBind, proc, nil,
		[6]uint64{uint64(forgedSystem), 0x30, uint64(mailboxH), 0, 0}, syscall.NewArena())
	if code != status.InvalidArgument {
		t.Errorf("irq_bind(forged system handle) = %s, want invalid_arg", code)
	}
}

func TestChannelSendRecv(t *testing.T) {
	k := newTestKernel(t)
	proc := sched.NewProcess(k.Objects)

	arena := syscall.NewArena()
	createOut := make([]byte, 16)
	arena.Map(0x1000, createOut)

	if code := k.Dispatch(syscall.ChannelCreate, proc, nil, [6]uint64{4096, 0x1000, 16}, arena); code != status.OK {
		t.Fatalf("channel_create = %s, want ok", code)
	}

	ha := handle.Handle(u64(createOut[0:8]))
	hb := handle.Handle(u64(createOut[8:16]))

	sendBuf := make([]byte, 16)
	copy(sendBuf, "hello")
	arena.Map(0x2000, sendBuf)

	if code := k.Dispatch(syscall.ChannelSend, proc, nil, [6]uint64{uint64(ha), 0x2000, 5}, arena); code != status.OK {
		t.Fatalf("channel_send = %s, want ok", code)
	}

	recvBuf := make([]byte, 16)
	arena.Map(0x3000, recvBuf)

	if code := k.Dispatch(syscall.ChannelRecv, proc, nil, [6]uint64{uint64(hb), 0x3000, 16}, arena); code != status.OK {
		t.Fatalf("channel_recv = %s, want ok", code)
	}

	if !bytes.Equal(recvBuf[:5], []byte("hello")) {
		t.Errorf("channel_recv = %q, want %q", recvBuf[:5], "hello")
	}
}

func TestFutexWaitWake(t *testing.T) {
	k := newTestKernel(t)
	proc := sched.NewProcess(k.Objects)

	arena := syscall.NewArena()

	waitDone := make(chan status.Code, 1)

	go func() {
		waitDone <- k.Dispatch(syscall.FutexWait, proc, nil, [6]uint64{1, 2, 0, 0}, arena)
	}()

	time.Sleep(10 * time.Millisecond)

	wakeOut := make([]byte, 8)
	arena.Map(0x1000, wakeOut)

	code := k.Dispatch(syscall.FutexWake, proc, nil, [6]uint64{1, 2, 7, 1, 0x1000, 8}, arena)
	if code != status.OK {
		t.Fatalf("futex_wake = %s, want ok", code)
	}

	if got := u64(wakeOut); got != 1 {
		t.Errorf("futex_wake woken count = %d, want 1", got)
	}

	select {
	case code := <-waitDone:
		if code != status.OK {
			t.Errorf("futex_wait = %s, want ok", code)
		}
	case <-time.After(time.Second):
		t.Fatal("futex_wait never woken")
	}
}

func TestThreadSleepExitJoin(t *testing.T) {
	k := newTestKernel(t)
	proc := sched.NewProcess(k.Objects)

	arena := syscall.NewArena()

	var th *sched.Thread

	started := make(chan struct{})

	th = k.Scheduler.Spawn(k.Objects, proc, 0, func(t *sched.Thread) {
		close(started)

		k.Dispatch(syscall.ThreadSleep, proc, t, [6]uint64{uint64(5 * time.Millisecond)}, arena)
		k.Dispatch(syscall.ThreadExit, proc, t, [6]uint64{0}, arena)
	})

	<-started

	joinerProc := sched.NewProcess(k.Objects)
	joinerArena := syscall.NewArena()

	joinH := joinerProc.Handles.Open(th.Koid(), th.Kind(), handle.CapWait)

	code := k.Dispatch(syscall.ThreadJoin, joinerProc, nil, [6]uint64{uint64(joinH), uint64(time.Second.Nanoseconds())}, joinerArena)
	if code != status.OK {
		t.Fatalf("thread_join = %s, want ok", code)
	}
}

func TestSystemLogAndGetLog(t *testing.T) {
	k := newTestKernel(t)
	proc := sched.NewProcess(k.Objects)

	arena := syscall.NewArena()
	textBuf := make([]byte, 16)
	copy(textBuf, "booting")
	arena.Map(0x1000, textBuf)

	code := k.Dispatch(syscall.SystemLog, proc, nil, [6]uint64{uint64(syslog.AreaBoot), uint64(syslog.Info), 0x1000, 7}, arena)
	if code != status.OK {
		t.Fatalf("system_log = %s, want ok", code)
	}

	outBuf := make([]byte, 32)
	arena.Map(0x2000, outBuf)

	code = k.Dispatch(syscall.SystemGetLog, proc, nil, [6]uint64{0, 0, 0x2000, 32}, arena)
	if code != status.OK {
		t.Fatalf("system_get_log = %s, want ok", code)
	}

	if !bytes.Equal(outBuf[:7], []byte("booting")) {
		t.Errorf("system_get_log = %q, want %q", outBuf[:7], "booting")
	}
}

func TestHandleDuplicateAndClose(t *testing.T) {
	k := newTestKernel(t)
	proc := sched.NewProcess(k.Objects)

	arena := syscall.NewArena()
	createOut := make([]byte, 16)
	arena.Map(0x1000, createOut)

	if code := k.Dispatch(syscall.VMACreate, proc, nil, [6]uint64{4096, 0, 0, 0x1000, 16}, arena); code != status.OK {
		t.Fatalf("vma_create = %s, want ok", code)
	}

	h := handle.Handle(u64(createOut[0:8]))

	dupOut := make([]byte, 8)
	arena.Map(0x2000, dupOut)

	code := k.Dispatch(syscall.HandleDuplicate, proc, nil, [6]uint64{uint64(h), uint64(handle.CapRead), 0x2000, 8}, arena)
	if code != status.OK {
		t.Fatalf("handle_duplicate = %s, want ok", code)
	}

	dup := handle.Handle(u64(dupOut))
	if dup.Caps() != handle.CapRead {
		t.Errorf("duplicated handle caps = %s, want read", dup.Caps())
	}

	if code := k.Dispatch(syscall.HandleClose, proc, nil, [6]uint64{uint64(h)}, arena); code != status.OK {
		t.Fatalf("handle_close = %s, want ok", code)
	}

	if code := k.Dispatch(syscall.HandleClose, proc, nil, [6]uint64{uint64(h)}, arena); code != status.InvalidArgument {
		t.Errorf("handle_close (already closed) = %s, want invalid_arg", code)
	}
}

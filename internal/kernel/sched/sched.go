// Package sched implements the kernel's thread scheduler: threads,
// processes, per-CPU run queues ordered by priority, wait-queue blocking and
// wake-up, and a timeout heap for deadlined waits.
package sched

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/gopkg/concurrency/gopool"
	"golang.org/x/sync/errgroup"

	"github.com/justinian/jsix/internal/kernel/handle"
	"github.com/justinian/jsix/internal/kernel/obj"
	"github.com/justinian/jsix/internal/kernel/status"
	"github.com/justinian/jsix/internal/log"
)

// NumPriorities is the number of thread-scheduling priority levels, 0
// (highest) to 31 (lowest).
const NumPriorities = 32

// State is a thread's scheduling state.
type State uint8

const (
	Runnable State = iota
	Running
	Blocked
	Exited
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// BlockReason records why a thread is blocked, for diagnostics and for the
// cancellation path to know which wait structure to remove the thread from.
type BlockReason uint8

const (
	BlockNone BlockReason = iota
	BlockSignal
	BlockFutex
	BlockMailbox
	BlockSleep
	BlockJoin
)

// Process owns a handle table, a set of threads
// and an exit status. It embeds obj.Header so it is itself a kernel object.
type Process struct {
	obj.Header

	Handles *handle.Table

	mu       sync.Mutex
	threads  map[obj.Koid]*Thread
	exitCode int
	exited   bool
}

func (p *Process) Head() *obj.Header { return &p.Header }

// NewProcess creates an empty process with its own handle table.
func NewProcess(objects *obj.Table) *Process {
	p := &Process{
		Header:  objects.NewHeader(obj.KindProcess),
		Handles: handle.NewTable(),
		threads: make(map[obj.Koid]*Thread),
	}
	objects.Insert(p)

	return p
}

func (p *Process) addThread(t *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.threads[t.Koid()] = t
}

// removeThread drops t from the process's thread set. If it was the last
// thread, the process is marked exited and its Closed signal is set so
// anything waiting on the process (e.g. a parent's join) unblocks.
func (p *Process) removeThread(t *Thread, code int) {
	p.mu.Lock()
	delete(p.threads, t.Koid())
	last := len(p.threads) == 0

	if last {
		p.exited = true
		p.exitCode = code
	}
	p.mu.Unlock()

	if last {
		p.Header.Close()
	}
}

// ExitCode returns the process's exit status and whether it has exited.
func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.exitCode, p.exited
}

// Thread owns a saved context (opaque to this package -- callers attach
// whatever register-state blob their syscall layer needs), a priority, a
// scheduling state, and a wait descriptor populated while blocked.
type Thread struct {
	obj.Header

	proc     *Process
	priority int // 0 (highest) .. NumPriorities-1

	mu     sync.Mutex
	state  State
	reason BlockReason

	wake    chan status.Code
	cancel  context.CancelFunc
	runFunc func(*Thread)

	Context any // opaque saved register state, set by the caller
}

func (t *Thread) Head() *obj.Header { return &t.Header }

// Priority returns the thread's scheduling priority (0 highest).
func (t *Thread) Priority() int { return t.priority }

// State returns the thread's current scheduling state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Process returns the thread's owning process.
func (t *Thread) Process() *Process { return t.proc }

func (t *Thread) String() string {
	return fmt.Sprintf("thread(koid=%s, prio=%d, state=%s)", t.Koid(), t.priority, t.State())
}

// runQueue is one CPU's priority run queue: NumPriorities FIFOs.
type runQueue struct {
	mu    sync.Mutex
	lanes [NumPriorities][]*Thread
}

func (q *runQueue) push(t *Thread) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.lanes[t.priority] = append(q.lanes[t.priority], t)
}

// pop removes and returns the highest-priority, oldest thread, or nil if
// the queue is empty.
func (q *runQueue) pop() *Thread {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := 0; p < NumPriorities; p++ {
		lane := q.lanes[p]
		if len(lane) > 0 {
			t := lane[0]
			q.lanes[p] = lane[1:]

			return t
		}
	}

	return nil
}

func (q *runQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}

	return n
}

// timeoutEntry is one pending deadline in the scheduler's timer heap.
type timeoutEntry struct {
	deadline time.Time
	thread   *Thread
	index    int
}

type timeoutHeap []*timeoutEntry

func (h timeoutHeap) Len() int            { return len(h) }
func (h timeoutHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timeoutHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timeoutHeap) Push(x any)         { e := x.(*timeoutEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return e
}

// Scheduler runs NumCPU per-CPU loops, each pulling from its own run queue,
// plus one shared timer-heap goroutine that promotes timed-out waiters back
// to runnable.
type Scheduler struct {
	queues []*runQueue

	timerMu sync.Mutex
	timer   timeoutHeap
	timerCh chan struct{}

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	log *log.Logger

	next int // round-robin CPU assignment for new threads
	nmu  sync.Mutex
}

// New creates a scheduler with numCPU per-CPU run queues, none of which are
// running until Start is called.
func New(numCPU int) *Scheduler {
	if numCPU < 1 {
		numCPU = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	queues := make([]*runQueue, numCPU)
	for i := range queues {
		queues[i] = &runQueue{}
	}

	return &Scheduler{
		queues:  queues,
		timerCh: make(chan struct{}, 1),
		group:   group,
		ctx:     gctx,
		cancel:  cancel,
		log:     log.DefaultLogger(),
	}
}

// Spawn creates a new thread in proc at the given priority, running body
// when the scheduler dispatches it. The thread starts Runnable.
func (s *Scheduler) Spawn(objects *obj.Table, proc *Process, priority int, body func(*Thread)) *Thread {
	if priority < 0 {
		priority = 0
	}

	if priority >= NumPriorities {
		priority = NumPriorities - 1
	}

	t := &Thread{
		Header:   objects.NewHeader(obj.KindThread),
		proc:     proc,
		priority: priority,
		state:    Runnable,
		wake:     make(chan status.Code, 1),
		runFunc:  body,
	}

	objects.Insert(t)
	proc.addThread(t)

	s.enqueue(t)

	return t
}

func (s *Scheduler) enqueue(t *Thread) {
	s.nmu.Lock()
	cpu := s.next
	s.next = (s.next + 1) % len(s.queues)
	s.nmu.Unlock()

	s.queues[cpu].push(t)
}

// Start launches one errgroup goroutine per CPU run queue, plus the timer
// goroutine, each running until the scheduler's context is canceled. A CPU
// loop runs each dispatched thread body through gopool.CtxGo, whose panic
// handler recovers a panicking body so the loop carries on; the panic is
// not returned through the errgroup.
func (s *Scheduler) Start() {
	for i, q := range s.queues {
		q := q
		cpu := i

		s.group.Go(func() error {
			return s.runCPU(cpu, q)
		})
	}

	s.group.Go(s.runTimers)
}

func (s *Scheduler) runCPU(cpu int, q *runQueue) error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		default:
		}

		t := q.pop()
		if t == nil {
			select {
			case <-s.ctx.Done():
				return nil
			case <-time.After(time.Millisecond):
			}

			continue
		}

		t.mu.Lock()
		if t.state != Runnable {
			t.mu.Unlock()
			continue
		}

		t.state = Running
		t.mu.Unlock()

		done := make(chan struct{})

		gopool.CtxGo(s.ctx, func() {
			defer close(done)
			t.runFunc(t)
		})

		<-done

		t.mu.Lock()
		if t.state == Running {
			t.state = Runnable
			t.mu.Unlock()
			s.enqueue(t) // tick/yield: back of its priority queue
		} else {
			t.mu.Unlock()
		}
	}
}

// Stop cancels every CPU loop and the timer goroutine and waits for them to
// return, propagating the first fatal error if any occurred.
func (s *Scheduler) Stop() error {
	s.cancel()
	return s.group.Wait()
}

func (s *Scheduler) runTimers() error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-s.timerCh:
		case <-time.After(time.Millisecond):
		}

		now := time.Now()

		s.timerMu.Lock()
		for len(s.timer) > 0 && !s.timer[0].deadline.After(now) {
			e := heap.Pop(&s.timer).(*timeoutEntry)
			s.timerMu.Unlock()

			s.wake(e.thread, status.TimedOut)

			s.timerMu.Lock()
		}
		s.timerMu.Unlock()
	}
}

// Block transitions the calling thread to Blocked with the given reason and
// waits for either a wake (via wake) or deadline to elapse. deadline zero
// means no timeout. It returns the status the waker supplied.
func (s *Scheduler) Block(t *Thread, reason BlockReason, deadline time.Duration) status.Code {
	t.mu.Lock()
	t.state = Blocked
	t.reason = reason
	t.mu.Unlock()

	var entry *timeoutEntry

	if deadline > 0 {
		entry = &timeoutEntry{deadline: time.Now().Add(deadline), thread: t}

		s.timerMu.Lock()
		heap.Push(&s.timer, entry)
		s.timerMu.Unlock()
	}

	code := <-t.wake

	if entry != nil {
		s.timerMu.Lock()
		if entry.index >= 0 && entry.index < len(s.timer) && s.timer[entry.index] == entry {
			heap.Remove(&s.timer, entry.index)
		}
		s.timerMu.Unlock()
	}

	return code
}

// wake transitions t back to Runnable with the given status and re-enqueues
// it on a run queue.
func (s *Scheduler) wake(t *Thread, code status.Code) {
	t.mu.Lock()

	if t.state != Blocked {
		t.mu.Unlock()
		return
	}

	t.state = Runnable
	t.reason = BlockNone
	t.mu.Unlock()

	select {
	case t.wake <- code:
	default:
	}

	s.enqueue(t)
}

// Wake is the exported form of wake, used by object/futex/mailbox wake-up
// paths outside this package.
func (s *Scheduler) Wake(t *Thread, code status.Code) { s.wake(t, code) }

// Exit marks t exited and removes it from its process. If it was the last
// thread in the process, the process itself is marked exited. t's own
// Closed signal is set regardless, so a thread_join on this specific thread
// unblocks even when siblings remain runnable.
func (s *Scheduler) Exit(t *Thread, code int) {
	t.mu.Lock()
	t.state = Exited
	t.mu.Unlock()

	t.proc.removeThread(t, code)
	t.Header.Close()
}

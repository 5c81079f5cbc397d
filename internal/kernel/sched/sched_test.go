package sched

import (
	"testing"
	"time"

	"github.com/justinian/jsix/internal/kernel/obj"
	"github.com/justinian/jsix/internal/kernel/status"
)

func TestSpawnRunsBody(t *testing.T) {
	objects := obj.NewTable()
	s := New(2)
	s.Start()

	defer s.Stop()

	proc := NewProcess(objects)

	done := make(chan struct{})

	s.Spawn(objects, proc, 0, func(th *Thread) {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("thread body never ran")
	}
}

func TestHigherPriorityRunsFirst(t *testing.T) {
	objects := obj.NewTable()
	s := New(1) // single CPU so order is deterministic
	proc := NewProcess(objects)

	order := make(chan int, 2)

	s.Spawn(objects, proc, 20, func(th *Thread) { order <- 20 })
	s.Spawn(objects, proc, 5, func(th *Thread) { order <- 5 })

	s.Start()
	defer s.Stop()

	first := <-order
	<-order

	if first != 5 {
		t.Errorf("first thread to run had priority %d, want 5 (highest runs first)", first)
	}
}

func TestBlockAndWake(t *testing.T) {
	objects := obj.NewTable()
	s := New(1)
	s.Start()

	defer s.Stop()

	proc := NewProcess(objects)

	var result status.Code

	blocked := make(chan *Thread, 1)
	done := make(chan struct{})

	s.Spawn(objects, proc, 0, func(th *Thread) {
		blocked <- th
		result = s.Block(th, BlockSignal, 0)
		close(done)
	})

	th := <-blocked

	// Give Block a moment to register the blocked state before waking.
	time.Sleep(10 * time.Millisecond)
	s.Wake(th, status.OK)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked thread never woke")
	}

	if result != status.OK {
		t.Errorf("Block() result = %s, want ok", result)
	}
}

func TestBlockTimesOut(t *testing.T) {
	objects := obj.NewTable()
	s := New(1)
	s.Start()

	defer s.Stop()

	proc := NewProcess(objects)

	result := make(chan status.Code, 1)

	s.Spawn(objects, proc, 0, func(th *Thread) {
		result <- s.Block(th, BlockSleep, 20*time.Millisecond)
	})

	select {
	case code := <-result:
		if code != status.TimedOut {
			t.Errorf("Block() with deadline = %s, want timed_out", code)
		}
	case <-time.After(time.Second):
		t.Fatal("Block() never timed out")
	}
}

func TestExitRemovesThreadFromProcess(t *testing.T) {
	objects := obj.NewTable()
	s := New(1)
	s.Start()

	defer s.Stop()

	proc := NewProcess(objects)

	done := make(chan struct{})

	s.Spawn(objects, proc, 0, func(th *Thread) {
		s.Exit(th, 0)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("thread never exited")
	}

	time.Sleep(10 * time.Millisecond)

	if code, exited := proc.ExitCode(); !exited || code != 0 {
		t.Errorf("ExitCode() = %d, %v, want 0, true (last thread exit closes process)", code, exited)
	}
}

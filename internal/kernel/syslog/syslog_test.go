package syslog

import (
	"testing"
	"time"

	"github.com/justinian/jsix/internal/kernel/obj"
	"github.com/justinian/jsix/internal/kernel/status"
)

func TestLogAndAfter(t *testing.T) {
	s := New(obj.NewTable(), 4)

	s.Log(AreaBoot, Info, "booting")
	s.Log(AreaMemory, Warn, "low memory")

	e, ok := s.After(0)
	if !ok {
		t.Fatal("After(0) found nothing, want first entry")
	}

	if e.ID != 1 || e.Text != "booting" || e.Area != AreaBoot {
		t.Errorf("After(0) = %+v, want id=1 text=booting area=boot", e)
	}

	e, ok = s.After(1)
	if !ok || e.ID != 2 || e.Text != "low memory" {
		t.Errorf("After(1) = %+v, ok=%v, want id=2 text='low memory'", e, ok)
	}

	if _, ok := s.After(2); ok {
		t.Error("After(2) found an entry, want none (caught up)")
	}
}

func TestLogTruncatesOldest(t *testing.T) {
	s := New(obj.NewTable(), 2)

	s.Log(AreaBoot, Info, "one")
	s.Log(AreaBoot, Info, "two")
	s.Log(AreaBoot, Info, "three") // evicts "one"

	e, ok := s.After(0)
	if !ok || e.ID != 2 || e.Text != "two" {
		t.Errorf("After(0) = %+v, ok=%v, want id=2 text=two (oldest evicted)", e, ok)
	}

	if got := s.OldestID(); got != 2 {
		t.Errorf("OldestID() = %d, want 2", got)
	}
}

func TestGetBlocksUntilLog(t *testing.T) {
	s := New(obj.NewTable(), 8)

	result := make(chan Entry, 1)

	go func() {
		e, code := s.Get(0, nil)
		if code != status.OK {
			t.Errorf("Get() = %s, want ok", code)
		}

		result <- e
	}()

	time.Sleep(10 * time.Millisecond)
	s.Log(AreaDriver, Error, "disk failure")

	select {
	case e := <-result:
		if e.Text != "disk failure" || e.Area != AreaDriver {
			t.Errorf("Get() = %+v, want text='disk failure' area=driver", e)
		}
	case <-time.After(time.Second):
		t.Fatal("Get() never returned after Log()")
	}
}

func TestGetReturnsImmediatelyWhenCaughtUpBehind(t *testing.T) {
	s := New(obj.NewTable(), 8)

	s.Log(AreaBoot, Info, "already there")

	e, code := s.Get(0, nil)
	if code != status.OK || e.Text != "already there" {
		t.Errorf("Get(0) = %+v, %s, want ok with the existing entry", e, code)
	}
}

func TestGetCanceled(t *testing.T) {
	s := New(obj.NewTable(), 8)

	cancel := make(chan struct{})

	done := make(chan status.Code, 1)

	go func() {
		_, code := s.Get(0, cancel)
		done <- code
	}()

	time.Sleep(10 * time.Millisecond)
	close(cancel)

	select {
	case code := <-done:
		if code != status.Closed {
			t.Errorf("Get() after cancel = %s, want closed", code)
		}
	case <-time.After(time.Second):
		t.Fatal("Get() never returned after cancel")
	}
}

func TestGetWokenByClose(t *testing.T) {
	s := New(obj.NewTable(), 8)

	done := make(chan status.Code, 1)

	go func() {
		_, code := s.Get(0, nil)
		done <- code
	}()

	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case code := <-done:
		if code != status.Closed {
			t.Errorf("Get() after Close() = %s, want closed", code)
		}
	case <-time.After(time.Second):
		t.Fatal("Get() never woken by Close()")
	}
}

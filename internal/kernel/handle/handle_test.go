package handle

import (
	"testing"

	"github.com/justinian/jsix/internal/kernel/obj"
	"github.com/justinian/jsix/internal/kernel/status"
)

func TestOpenResolveClose(t *testing.T) {
	table := NewTable()

	h := table.Open(42, obj.KindEvent, CapRead|CapWrite)

	id, kind, caps, code := table.Resolve(h)
	if code != status.OK {
		t.Fatalf("Resolve() code = %s, want ok", code)
	}

	if id != 42 || kind != obj.KindEvent || caps != CapRead|CapWrite {
		t.Errorf("Resolve() = %v, %v, %v, want 42, event, read|write", id, kind, caps)
	}

	if _, code := table.Close(h); code != status.OK {
		t.Fatalf("Close() = %s, want ok", code)
	}

	if _, _, _, code := table.Resolve(h); code != status.InvalidArgument {
		t.Errorf("Resolve() after Close() = %s, want invalid_arg", code)
	}
}

func TestRequireCapabilityMonotonicity(t *testing.T) {
	table := NewTable()

	h := table.Open(1, obj.KindMailbox, CapRead)

	if _, code := table.Require(h, obj.KindMailbox, CapRead|CapWrite); code != status.Denied {
		t.Errorf("Require(missing cap) = %s, want denied", code)
	}

	if _, code := table.Require(h, obj.KindVMA, CapRead); code != status.InvalidArgument {
		t.Errorf("Require(wrong kind) = %s, want invalid_arg", code)
	}

	if _, code := table.Require(h, obj.KindMailbox, CapRead); code != status.OK {
		t.Errorf("Require(satisfied) = %s, want ok", code)
	}
}

func TestCloneNarrowsCapabilities(t *testing.T) {
	table := NewTable()

	h := table.Open(7, obj.KindVMA, CapRead|CapWrite|CapDuplicate)

	clone, code := table.Clone(h, CapRead|CapExec)
	if code != status.OK {
		t.Fatalf("Clone() = %s, want ok", code)
	}

	if clone.Caps() != CapRead {
		t.Errorf("Clone() caps = %s, want read (intersection of granted and requested)", clone.Caps())
	}

	// Cloning without CapDuplicate is denied.
	noDup := table.Open(7, obj.KindVMA, CapRead)
	if _, code := table.Clone(noDup, CapRead); code != status.Denied {
		t.Errorf("Clone() without CapDuplicate = %s, want denied", code)
	}
}

func TestTransferMovesHandleBetweenTables(t *testing.T) {
	src := NewTable()
	dst := NewTable()

	h := src.Open(99, obj.KindVMA, CapRead|CapWrite|CapTransfer)

	moved, code := Transfer(src, dst, h, CapRead|CapWrite)
	if code != status.OK {
		t.Fatalf("Transfer() = %s, want ok", code)
	}

	if _, _, _, code := src.Resolve(h); code != status.InvalidArgument {
		t.Errorf("source table still has entry after transfer")
	}

	id, kind, caps, code := dst.Resolve(moved)
	if code != status.OK || id != 99 || kind != obj.KindVMA || caps != CapRead|CapWrite {
		t.Errorf("dst.Resolve(moved) = %v, %v, %v, %v, want 99, vma, read|write, ok",
			id, kind, caps, code)
	}
}

func TestTransferNarrowsCapabilities(t *testing.T) {
	src := NewTable()
	dst := NewTable()

	h := src.Open(5, obj.KindVMA, CapRead|CapWrite)

	moved, code := Transfer(src, dst, h, CapRead)
	if code != status.OK {
		t.Fatalf("Transfer() = %s, want ok", code)
	}

	if moved.Caps() != CapRead {
		t.Errorf("Transfer() caps = %s, want read only", moved.Caps())
	}
}

func TestTransferBadHandleLeavesDstUnchanged(t *testing.T) {
	src := NewTable()
	dst := NewTable()

	bad := New(0, CapRead) // never opened

	if _, code := Transfer(src, dst, bad, CapRead); code != status.InvalidArgument {
		t.Fatalf("Transfer(bad handle) = %s, want invalid_arg", code)
	}

	if dst.entries != nil {
		t.Errorf("dst table modified despite failed transfer")
	}
}

func TestClosedSlotsAreReused(t *testing.T) {
	table := NewTable()

	h1 := table.Open(1, obj.KindEvent, CapRead)
	if _, code := table.Close(h1); code != status.OK {
		t.Fatalf("Close() = %s", code)
	}

	h2 := table.Open(2, obj.KindEvent, CapRead)

	if h2.Index() != h1.Index() {
		t.Errorf("Open() after Close() index = %d, want reused index %d", h2.Index(), h1.Index())
	}
}

package vma

import (
	"context"
	"testing"

	"github.com/justinian/jsix/internal/kernel/frame"
	"github.com/justinian/jsix/internal/kernel/obj"
	"github.com/justinian/jsix/internal/kernel/status"
)

func testManager(t *testing.T) *Manager {
	t.Helper()

	frames := frame.New([]frame.MemoryMapEntry{
		{Start: 0, Pages: 64, Type: frame.Conventional},
	}, 4)

	return New(obj.NewTable(), frames)
}

func TestCreateRoundsUpToPage(t *testing.T) {
	m := testManager(t)

	v, _, code := m.Create(PageSize+1, FlagRead|FlagWrite, 0, 0)
	if code != status.OK {
		t.Fatalf("Create() = %s, want ok", code)
	}

	if v.Pages() != 2 {
		t.Errorf("Pages() = %d, want 2", v.Pages())
	}
}

func TestMapAndUnmap(t *testing.T) {
	m := testManager(t)

	v, _, code := m.Create(PageSize, FlagRead|FlagWrite, 0, 0)
	if code != status.OK {
		t.Fatalf("Create() = %s, want ok", code)
	}

	addr, code := m.Map(v, 1, 0, 0)
	if code != status.OK {
		t.Fatalf("Map() = %s, want ok", code)
	}

	if addr == 0 {
		t.Errorf("Map() chose addr = 0")
	}

	if got := v.MappedIn(); len(got) != 1 || got[0] != 1 {
		t.Errorf("MappedIn() = %v, want [1]", got)
	}

	if code := m.Unmap(v, 1); code != status.OK {
		t.Fatalf("Unmap() = %s, want ok", code)
	}

	if got := v.MappedIn(); len(got) != 0 {
		t.Errorf("MappedIn() after Unmap = %v, want empty", got)
	}
}

func TestMapExactCollision(t *testing.T) {
	m := testManager(t)

	v, _, _ := m.Create(PageSize, FlagRead, 0, 0)

	addr, code := m.Map(v, 1, 0x1000, FlagExact)
	if code != status.OK {
		t.Fatalf("Map() = %s, want ok", code)
	}

	if _, code := m.Map(v, 1, addr+1, FlagExact); code != status.Exists {
		t.Errorf("Map() exact collision = %s, want exists", code)
	}
}

func TestResizeDeniedWhenMappedInMultipleProcesses(t *testing.T) {
	m := testManager(t)

	v, _, _ := m.Create(PageSize, FlagRead|FlagWrite, 0, 0)

	if _, code := m.Map(v, 1, 0, 0); code != status.OK {
		t.Fatalf("Map(1) = %s", code)
	}

	if _, code := m.Map(v, 2, 0, 0); code != status.OK {
		t.Fatalf("Map(2) = %s", code)
	}

	if _, code := m.Resize(v, 4); code != status.Denied {
		t.Errorf("Resize() while mapped in 2 processes = %s, want denied", code)
	}
}

func TestResizeFreesTrailingFaultedFrames(t *testing.T) {
	m := testManager(t)

	v, _, _ := m.Create(16*PageSize, FlagRead|FlagWrite, 0, 0)

	for page := uint64(0); page < 16; page++ {
		if _, code := v.Fault(context.Background(), page); code != status.OK {
			t.Fatalf("Fault(%d) = %s, want ok", page, code)
		}
	}

	freeBefore := m.frames.FreePages()

	if _, code := m.Resize(v, 4); code != status.OK {
		t.Fatalf("Resize() = %s, want ok", code)
	}

	if v.Pages() != 4 {
		t.Errorf("Pages() after Resize = %d, want 4", v.Pages())
	}

	freeAfter := m.frames.FreePages()
	if freeAfter != freeBefore+12 {
		t.Errorf("FreePages() after downsize = %d, want %d", freeAfter, freeBefore+12)
	}
}

func TestCreateBackedNeverFaults(t *testing.T) {
	m := testManager(t)

	v, code := m.CreateBacked(0x1000, 4, FlagRead|FlagWrite)
	if code != status.OK {
		t.Fatalf("CreateBacked() = %s, want ok", code)
	}

	addr, code := v.Fault(context.Background(), 2)
	if code != status.OK {
		t.Fatalf("Fault() on backed VMA = %s, want ok", code)
	}

	if addr != 0x1000+2*PageSize {
		t.Errorf("Fault() addr = %s, want phys base + page offset", addr)
	}
}

func TestCreateZeroSizeIsInvalidArgument(t *testing.T) {
	m := testManager(t)

	if _, _, code := m.Create(0, FlagRead, 0, 0); code != status.InvalidArgument {
		t.Errorf("Create(0) = %s, want invalid_arg", code)
	}
}

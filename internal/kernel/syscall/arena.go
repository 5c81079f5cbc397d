package syscall

import (
	"github.com/justinian/jsix/internal/kernel/status"
)

// Arena stands in for a process's user address space: real virtual-pointer
// validation (no kernel addresses, within the caller's mapped ranges,
// correct alignment) against a page table. This simulator has no page
// table underneath syscall arguments, so a process's arena is instead a set
// of named byte ranges (backed by the same []byte a VMA.Fault would hand
// out), keyed by the simulated address at which the range starts. The
// validation shape -- range, alignment, ownership -- is the same either way.
type Arena struct {
	regions map[uintptr][]byte
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{regions: make(map[uintptr][]byte)}
}

// Map registers a byte range as owned by the process at base.
func (a *Arena) Map(base uintptr, buf []byte) {
	a.regions[base] = buf
}

// Unmap removes a previously mapped range.
func (a *Arena) Unmap(base uintptr) {
	delete(a.regions, base)
}

// find returns the mapped region containing [ptr, ptr+length) and the
// offset of ptr within it, or false if no single mapped range covers the
// whole request.
func (a *Arena) find(ptr uintptr, length int) ([]byte, int, bool) {
	for base, buf := range a.regions {
		if ptr < base {
			continue
		}

		offset := int(ptr - base)
		if offset+length <= len(buf) {
			return buf, offset, true
		}
	}

	return nil, 0, false
}

// Validate checks that [ptr, ptr+length) lies entirely within one mapped
// range and that ptr is aligned to align bytes (align of 0 or 1 means no
// alignment requirement). It mirrors the syscall entry sequence's pointer
// validation step: misalignment or an out-of-range/unowned pointer is
// invalid_arg.
func (a *Arena) Validate(ptr uintptr, length int, align int) status.Code {
	if align > 1 && ptr%uintptr(align) != 0 {
		return status.InvalidArgument
	}

	if _, _, ok := a.find(ptr, length); !ok {
		return status.InvalidArgument
	}

	return status.OK
}

// Read validates then copies length bytes starting at ptr.
func (a *Arena) Read(ptr uintptr, length int, align int) ([]byte, status.Code) {
	if code := a.Validate(ptr, length, align); code != status.OK {
		return nil, code
	}

	buf, offset, _ := a.find(ptr, length)
	out := make([]byte, length)
	copy(out, buf[offset:offset+length])

	return out, status.OK
}

// Write validates the destination range, then copies data into it, provided
// data fits within capacity bytes. Truncation (data longer than the
// caller-supplied capacity) reports insufficient rather than writing a
// partial result.
func (a *Arena) Write(ptr uintptr, data []byte, capacity int, align int) status.Code {
	if len(data) > capacity {
		return status.Insufficient
	}

	if code := a.Validate(ptr, capacity, align); code != status.OK {
		return code
	}

	buf, offset, _ := a.find(ptr, capacity)
	copy(buf[offset:offset+len(data)], data)

	return status.OK
}

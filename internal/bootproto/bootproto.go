// Package bootproto defines the in-memory hand-off record a loader builds
// and the kernel consumes at boot: a version-gated header, the UEFI memory
// map, frame blocks, a linked list of the loader's own page allocations, the
// panic handler address, the kernel symbol table, and the init program
// descriptor.
package bootproto

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/justinian/jsix/internal/kernel/frame"
)

// HeaderMagic identifies a valid header record. Spelled 'j6KERNEL' in the
// low bytes, matching the loader's own magic constant.
const HeaderMagic uint64 = 0x4c454e52454b366a

// MinVersion is the oldest header version this kernel accepts. A header
// with an older version is refused before any other field is trusted.
const MinVersion uint16 = 2

// Header precedes the kernel image in memory. Layout mirrors the loader's
// C struct: 64-bit magic, then packed version and size fields, a gitsha for
// build identification, and a flags word.
type Header struct {
	Magic uint64

	Length  uint16
	Version uint16

	VersionMajor uint16
	VersionMinor uint16
	VersionPatch uint16

	GitSHA uint32

	Flags uint64
}

// Valid reports whether h has the right magic and a version new enough for
// this kernel to boot from.
func (h Header) Valid() error {
	if h.Magic != HeaderMagic {
		return fmt.Errorf("bootproto: bad header magic %#x", h.Magic)
	}

	if h.Version < MinVersion {
		return fmt.Errorf("bootproto: header version %d older than minimum %d", h.Version, MinVersion)
	}

	return nil
}

// AllocationType tags one entry in the loader's own allocation register,
// distinguishing what the pages it reserved were used for.
type AllocationType uint8

const (
	AllocNone AllocationType = iota
	AllocPageTable
	AllocMemoryMap
	AllocFrameMap
	AllocFile
	AllocProgram
	AllocInitArgs
)

// PageAllocation is one contiguous run of pages the loader reserved for
// itself before handing control to the kernel, recorded so the kernel can
// reclaim or account for them.
type PageAllocation struct {
	Address frame.Addr
	Count   uint32
	Type    AllocationType
}

// FrameBlock describes one block of the physical frame bitmap the loader
// built; frame.New consumes the flattened memory map, not this structure
// directly, but the kernel keeps it around for diagnostics and for freeing
// the loader's own bitmap pages once the real allocator takes over.
type FrameBlock struct {
	Base  frame.Addr
	Count uint32
	Flags uint32
}

// ProgramSection is one loadable piece of the init program image: where it
// lives physically, where it should be mapped, and how large it is.
type ProgramSection struct {
	PhysAddr uintptr
	VirtAddr uintptr
	Size     uint32
}

// Program describes the init process image: its entry point, the physical
// base its sections are relative to, and the sections themselves.
type Program struct {
	Entrypoint uintptr
	PhysBase   uintptr
	Sections   []ProgramSection
}

// Args is the hand-off record itself: everything the kernel needs to take
// over from the loader. It corresponds to the loader's own args struct, a
// single pointer to which is the kernel entry point's sole argument.
type Args struct {
	Magic   uint32
	Version uint16
	Flags   uint16

	PML4 uintptr

	MemoryMap   []frame.MemoryMapEntry
	FrameBlocks []FrameBlock
	Allocations []PageAllocation

	PanicHandler uintptr
	SymbolTable  []byte

	Init        Program
	InitModules uintptr

	RuntimeServices uintptr
	ACPITable       uintptr

	// BootSessionID has no wire representation in the loader's record: it
	// is stamped here once the kernel receives Args, so every log line and
	// core dump produced during this boot can be correlated back to it.
	BootSessionID uuid.UUID
}

// ArgsMagic identifies a valid Args record, independent of the preceding
// Header's own magic.
const ArgsMagic uint32 = 0x6a366270 // "j6bp"

// ArgsVersion is the only args layout this kernel understands.
const ArgsVersion uint16 = 1

// Stamp validates a freshly received Args record and assigns it a random
// BootSessionID for log correlation. It must be called exactly once, before
// the kernel does anything else with a.
func Stamp(a *Args) error {
	if a.Magic != ArgsMagic {
		return fmt.Errorf("bootproto: bad args magic %#x", a.Magic)
	}

	if a.Version != ArgsVersion {
		return fmt.Errorf("bootproto: args version %d, want %d", a.Version, ArgsVersion)
	}

	a.BootSessionID = uuid.New()

	return nil
}

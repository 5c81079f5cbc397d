// Package initproto defines the argument records the kernel hands the init
// process and the servers it starts afterward: a typed stack of startup
// values (handles to self and to the system object, a framebuffer
// descriptor) and a list of protocol-to-handle pairs identifying the
// servers a later-started process can talk to.
package initproto

import (
	"github.com/cloudwego/gopkg/hash/xfnv"

	"github.com/justinian/jsix/internal/kernel/handle"
	"github.com/justinian/jsix/internal/kernel/obj"
)

// ValueType tags the payload carried by one Value.
type ValueType uint8

const (
	ValueHandleSelf ValueType = iota
	ValueHandleSystem
	ValueFramebuffer
)

func (t ValueType) String() string {
	switch t {
	case ValueHandleSelf:
		return "handle_self"
	case ValueHandleSystem:
		return "handle_system"
	case ValueFramebuffer:
		return "framebuffer"
	default:
		return "unknown"
	}
}

// TypedHandle pairs a handle with the kernel object kind it resolves to, so
// the receiving process can validate it before use.
type TypedHandle struct {
	Kind   obj.Kind
	Handle handle.Handle
}

// PixelLayout selects how a Framebuffer's scanline bytes are interpreted.
type PixelLayout uint8

const (
	PixelRGB8 PixelLayout = iota
	PixelBGR8
)

// Framebuffer describes a boot-time linear framebuffer the kernel maps into
// a new process on its behalf.
type Framebuffer struct {
	PhysAddr   uintptr
	Size       uint64
	Vertical   uint32
	Horizontal uint32
	Scanline   uint32
	Layout     PixelLayout
}

// Value is one entry of the stack of startup arguments a new process
// receives. Exactly one of Handle or Framebuffer is meaningful, selected by
// Type.
type Value struct {
	Type        ValueType
	Handle      TypedHandle
	Framebuffer Framebuffer
}

// Stack is the ordered sequence of Values a process receives at startup,
// built up by the spawner and consumed by the new process's own runtime
// before main runs.
type Stack []Value

// Find returns the first value of the given type, and whether one exists.
func (s Stack) Find(t ValueType) (Value, bool) {
	for _, v := range s {
		if v.Type == t {
			return v, true
		}
	}

	return Value{}, false
}

// ProtocolID is the stable identifier for a named server protocol: the
// 64-bit FNV-1a hash of its name, e.g. "jsix.protocol.vfs". Hashes are only
// compared within a single running kernel instance -- xfnv's in-memory hash
// is not guaranteed stable across CPU architectures, which is fine here
// since a ProtocolID never crosses a boot session.
type ProtocolID uint64

// HashProtocol computes the ProtocolID for a protocol name.
func HashProtocol(name string) ProtocolID {
	return ProtocolID(xfnv.HashStr(name))
}

// ServerHandle pairs a protocol ID with the handle a later-started process
// should use to reach that server.
type ServerHandle struct {
	Protocol ProtocolID
	Handle   handle.Handle
}

// ServerHandles is the list of servers a spawned process is told about,
// looked up by protocol name rather than position.
type ServerHandles []ServerHandle

// Find returns the handle registered for a protocol name, and whether one
// was found.
func (s ServerHandles) Find(protocolName string) (handle.Handle, bool) {
	id := HashProtocol(protocolName)

	for _, sh := range s {
		if sh.Protocol == id {
			return sh.Handle, true
		}
	}

	return 0, false
}

// Package syslog implements the kernel's bounded system log ring: a fixed
// number of entries, each stamped with a monotonic id, written by system_log and
// read back by system_get_log in id order.
package syslog

import (
	"sync"

	"github.com/cloudwego/gopkg/container/ring"

	"github.com/justinian/jsix/internal/kernel/obj"
	"github.com/justinian/jsix/internal/kernel/status"
)

// Area identifies the logging subsystem, mirroring the kernel's fixed
// log_areas table.
type Area uint8

const (
	AreaBoot Area = iota
	AreaMemory
	AreaObject
	AreaSched
	AreaIPC
	AreaDriver
	AreaUser
	numAreas
)

func (a Area) String() string {
	switch a {
	case AreaBoot:
		return "boot"
	case AreaMemory:
		return "memory"
	case AreaObject:
		return "object"
	case AreaSched:
		return "sched"
	case AreaIPC:
		return "ipc"
	case AreaDriver:
		return "driver"
	case AreaUser:
		return "user"
	default:
		return "unknown"
	}
}

// Severity is the log_level of an entry, least to most verbose.
type Severity uint8

const (
	Silent Severity = iota
	Fatal
	Error
	Warn
	Info
	Verbose
	Spam
)

func (s Severity) String() string {
	switch s {
	case Silent:
		return "silent"
	case Fatal:
		return "fatal"
	case Error:
		return "error"
	case Warn:
		return "warn"
	case Info:
		return "info"
	case Verbose:
		return "verbose"
	case Spam:
		return "spam"
	default:
		return "unknown"
	}
}

// MaxMessage is the maximum length, in bytes, of a single log entry's text.
const MaxMessage = 128

// Entry is one record in the log ring.
type Entry struct {
	ID       uint64
	Area     Area
	Severity Severity
	Text     string
}

// SignalHasLog is set on the System object whenever the ring holds at least
// one entry and cleared only when a waiter is told to recheck; callers
// should treat it as a hint, not a precise count, since other consumers may
// drain entries between the signal firing and the next read.
const SignalHasLog obj.Signals = 1 << 16

// System is the kernel object backing the system_log / system_get_log syscalls:
// a fixed-capacity ring buffer of Entry plus the next-id counter.
type System struct {
	obj.Header

	mu      sync.Mutex
	ring    *ring.Ring[Entry]
	head    int // index of the oldest live entry
	count   int // number of live entries, 0..cap
	nextID  uint64
	oldest  uint64 // lowest id still resident, 0 if ring is empty
}

func (s *System) Head() *obj.Header { return &s.Header }

// OldestID returns the lowest id still resident in the ring, or 0 if the
// ring is empty. A caller whose afterID is below OldestID()-1 has fallen
// behind: entries it never read have already been overwritten.
func (s *System) OldestID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.oldest
}

// New creates a System log ring with room for capacity entries.
func New(objects *obj.Table, capacity int) *System {
	if capacity < 1 {
		capacity = 1
	}

	s := &System{
		Header: objects.NewHeader(obj.KindSystem),
		ring:   ring.NewFromSlice(make([]Entry, capacity)),
		nextID: 1,
	}
	objects.Insert(s)

	return s
}

// Log appends one entry to the ring, truncating the oldest entry if the ring
// is full. Truncation on overrun preserves the most recent entries: readers
// parked behind an id that just fell off see a gap rather than stale data.
func (s *System) Log(area Area, severity Severity, text string) {
	if len(text) > MaxMessage {
		text = text[:MaxMessage]
	}

	s.mu.Lock()

	id := s.nextID
	s.nextID++

	size := s.ring.Len()
	var idx int

	if s.count < size {
		idx = (s.head + s.count) % size
		s.count++
	} else {
		idx = s.head
		s.head = (s.head + 1) % size
	}

	item, _ := s.ring.Get(idx)
	*item.Pointer() = Entry{ID: id, Area: area, Severity: severity, Text: text}

	if s.count > 0 {
		oldest, _ := s.ring.Get(s.head)
		s.oldest = oldest.Value().ID
	}

	s.mu.Unlock()

	s.SetSignals(SignalHasLog)
}

// After returns the oldest live entry with ID > afterID, and whether one was
// found. It never blocks; callers wanting to wait for a new entry should
// combine this with Header.Wait on SignalHasLog.
func (s *System) After(afterID uint64) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.ring.Len()

	for i := 0; i < s.count; i++ {
		idx := (s.head + i) % size

		item, _ := s.ring.Get(idx)
		e := item.Value()

		if e.ID > afterID {
			return e, true
		}
	}

	return Entry{}, false
}

// Get implements system_get_log: it returns the next entry with id >
// afterID, blocking on SignalHasLog until one is available or cancel fires.
func (s *System) Get(afterID uint64, cancel <-chan struct{}) (Entry, status.Code) {
	for {
		if e, ok := s.After(afterID); ok {
			return e, status.OK
		}

		// Clear the hint before the authoritative recheck so a Log() landing
		// between the check above and the clear isn't lost: Log always sets
		// the bit again after appending, so Wait below will not block on a
		// write it missed.
		s.ClearSignals(SignalHasLog)

		if e, ok := s.After(afterID); ok {
			return e, status.OK
		}

		sig, ok := s.Wait(SignalHasLog, cancel)
		if !ok {
			return Entry{}, status.Closed
		}

		if sig.Any(obj.SignalClosed) {
			return Entry{}, status.Closed
		}
	}
}

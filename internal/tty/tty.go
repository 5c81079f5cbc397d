// Package tty provides a terminal console for tailing a kernel's system log
// live, using raw Unix terminal I/O so a single keypress can pause, resume
// or quit the stream without waiting on a newline.
package tty

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/justinian/jsix/internal/kernel/syslog"
)

// Console is a serial-style console for a kernel instance: it tails the
// kernel's system log ring and writes formatted lines to the terminal,
// while a background reader turns raw keypresses into Command values a
// caller can act on (pause/resume/quit).
type Console struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State

	keyCh chan byte
	cmdCh chan Command
}

// Command is a control action requested by a keypress while the console is
// running.
type Command uint8

const (
	CommandNone Command = iota
	CommandPause
	CommandResume
	CommandQuit
)

// ErrNoTTY is returned if standard input is not a terminal. In this case,
// asynchronous I/O is not supported by the console.
var ErrNoTTY error = errors.New("console: not a TTY")

// NewConsole creates a Console using the provided streams. If the input
// stream is not a terminal, ErrNoTTY is returned. Callers are responsible
// for calling Restore to return the terminal to its initial state.
func NewConsole(sin, sout, serr *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	cons := Console{
		fd:    fd,
		in:    sin,
		out:   term.NewTerminal(sout, ""),
		state: saved,
		keyCh: make(chan byte, 1),
		cmdCh: make(chan Command, 1),
	}

	if err := cons.setTerminalParams(1, 0); err != nil {
		return nil, err
	}

	return &cons, nil
}

// WithConsole creates a Console over the standard streams and starts its
// key-reading and command-dispatch goroutines. Calling the returned cancel
// stops both goroutines (the key reader once its pending read returns); it
// does not restore the terminal, which is done by Restore.
func WithConsole(parent context.Context) (context.Context, *Console, context.CancelCauseFunc) {
	ctx, cause := context.WithCancelCause(parent)

	console, err := NewConsole(os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		cause(err)
		return ctx, console, cause
	}

	go console.readKeys(ctx, cause)
	go console.dispatchKeys(ctx)

	return ctx, console, cause
}

// Commands returns the channel of control actions decoded from keypresses:
// 'p' pauses, 'r' resumes, 'q' or Ctrl-C quits.
func (c *Console) Commands() <-chan Command { return c.cmdCh }

// Press injects a raw key byte, as if it had been typed. Exposed for tests.
func (c Console) Press(key byte) { c.keyCh <- key }

// Writer returns an io.Writer that writes to the terminal.
func (c Console) Writer() io.Writer { return c.out }

// TailLog reads entries from sys after afterID and writes one formatted
// line per entry to the console until ctx is canceled or sys returns a
// terminal status.
func (c *Console) TailLog(ctx context.Context, sys *syslog.System, afterID uint64) {
	for {
		entry, code := sys.Get(afterID, ctx.Done())
		if code != 0 {
			return
		}

		afterID = entry.ID

		fmt.Fprintf(c.out, "[%s/%s] %s\n", entry.Area, entry.Severity, entry.Text)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Restore returns the terminal to its initial state and cancels in-progress
// reads.
func (c *Console) Restore() {
	_ = os.Stdin.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	_ = os.Stdin.SetReadDeadline(time.Time{})

	return nil
}

// readKeys reads bytes from the terminal and forwards them until ctx is
// canceled. A read error cancels ctx with that error.
func (c Console) readKeys(ctx context.Context, cancel context.CancelCauseFunc) {
	buf := bufio.NewReader(c.in)

	_ = syscall.SetNonblock(c.fd, false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := buf.ReadByte()
		if err != nil {
			cancel(err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case c.keyCh <- b:
		}
	}
}

// dispatchKeys decodes keypresses into Commands until ctx is canceled.
func (c Console) dispatchKeys(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-c.keyCh:
			cmd := decodeKey(key)
			if cmd == CommandNone {
				continue
			}

			select {
			case c.cmdCh <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}
}

func decodeKey(key byte) Command {
	switch key {
	case 'p':
		return CommandPause
	case 'r':
		return CommandResume
	case 'q', 0x03: // q, Ctrl-C
		return CommandQuit
	default:
		return CommandNone
	}
}

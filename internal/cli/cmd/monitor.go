package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/justinian/jsix/internal/cli"
	"github.com/justinian/jsix/internal/kernel"
	"github.com/justinian/jsix/internal/kernel/frame"
	"github.com/justinian/jsix/internal/kernel/sched"
	"github.com/justinian/jsix/internal/kernel/syscall"
	"github.com/justinian/jsix/internal/log"
)

// Monitor is an interactive read-eval-print loop over a single kernel
// instance: each line is a syscall name and its integer arguments, and the
// resulting status code is printed before the next prompt. "log" dumps
// pending system log entries instead of issuing a syscall.
//
//	jsix monitor
//	jsix> system_log 0 4 0 0
//	system_log -> invalid_arg
func Monitor() cli.Command {
	return new(monitor)
}

type monitor struct{}

func (monitor) Description() string {
	return "interactively issue syscalls against a kernel instance"
}

func (monitor) Usage(out io.Writer) error {
	var err error
	_, err = fmt.Fprintln(out, `monitor

Start a read-eval-print loop over a fresh kernel instance. Each line names a
syscall and its integer arguments; "log" prints pending system log entries;
"quit" or an empty line at EOF ends the session.`)

	return err
}

func (monitor) FlagSet() *cli.FlagSet {
	return flag.NewFlagSet("monitor", flag.ExitOnError)
}

type stdio struct {
	io.Reader
	io.Writer
}

func (monitor) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	fd := int(os.Stdin.Fd())

	if !term.IsTerminal(fd) {
		fmt.Fprintln(out, "monitor: stdin is not a terminal")
		return 1
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(out, "monitor: %v\n", err)
		return 1
	}
	defer term.Restore(fd, state)

	t := term.NewTerminal(stdio{os.Stdin, out}, "jsix> ")

	memoryMap := []frame.MemoryMapEntry{{Start: 0, Pages: 256, Type: frame.Conventional}}
	k := kernel.New(memoryMap, 1, 64, 4, kernel.WithLogger(logger))
	k.Start()
	defer k.Stop()

	proc := sched.NewProcess(k.Objects)
	var afterID uint64

	for {
		line, err := t.ReadLine()
		if err != nil {
			return 0
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit", "exit":
			return 0
		case "log":
			for {
				entry, ok := k.Syslog.After(afterID)
				if !ok {
					break
				}

				afterID = entry.ID
				fmt.Fprintf(t, "[%s/%s] %s\r\n", entry.Area, entry.Severity, entry.Text)
			}

			continue
		}

		num, ok := syscall.Lookup(fields[0])
		if !ok {
			fmt.Fprintf(t, "unknown syscall %q\r\n", fields[0])
			continue
		}

		var callArgs [6]uint64

		for i, a := range fields[1:] {
			if i >= len(callArgs) {
				break
			}

			v, err := strconv.ParseUint(a, 0, 64)
			if err != nil {
				fmt.Fprintf(t, "bad argument %q: %v\r\n", a, err)
				continue
			}

			callArgs[i] = v
		}

		code := k.Dispatch(num, proc, nil, callArgs, syscall.NewArena())
		fmt.Fprintf(t, "%s -> %s\r\n", num, code)
	}
}

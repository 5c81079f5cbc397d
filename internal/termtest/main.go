// Termtest is a testing tool for Unix terminal I/O. Lacking simple PTY support, running this tool
// manually is easier than writing automated tests. It boots a throwaway kernel, tails its system
// log to the terminal, and lets the operator quit with a keypress. The pause and resume keys only
// log a status line; the log stream keeps running.
package main

import (
	"context"
	"errors"
	"time"

	"github.com/justinian/jsix/internal/bootproto"
	"github.com/justinian/jsix/internal/kernel"
	"github.com/justinian/jsix/internal/kernel/frame"
	"github.com/justinian/jsix/internal/kernel/sched"
	"github.com/justinian/jsix/internal/kernel/syscall"
	"github.com/justinian/jsix/internal/kernel/syslog"
	"github.com/justinian/jsix/internal/log"
	"github.com/justinian/jsix/internal/tty"
)

var logger = log.DefaultLogger()

func main() {
	ctx := context.Background()

	ctx, console, cancel := tty.WithConsole(ctx)
	defer console.Restore()

	if err := context.Cause(ctx); errors.Is(err, tty.ErrNoTTY) {
		logger.Error(err.Error())
		return
	}

	memoryMap := []frame.MemoryMapEntry{{Start: 0, Pages: 1024, Type: frame.Conventional}}

	bootArgs := &bootproto.Args{Magic: bootproto.ArgsMagic, Version: bootproto.ArgsVersion, MemoryMap: memoryMap}
	if err := bootproto.Stamp(bootArgs); err != nil {
		logger.Error(err.Error())
		return
	}

	k := kernel.New(memoryMap, 1, 32, 4, kernel.WithLogger(logger))
	k.Start()
	defer k.Stop()

	proc := sched.NewProcess(k.Objects)

	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				arena := syscall.NewArena()
				buf := make([]byte, 16)
				copy(buf, "tick")
				arena.Map(0x1000, buf)

				k.Dispatch(syscall.SystemLog, proc, nil, [6]uint64{uint64(syslog.AreaUser), uint64(syslog.Info), 0x1000, 4}, arena)
			}
		}
	}()

	logger.Info("Tailing log. Press p to pause, r to resume, q to quit.")

	go console.TailLog(ctx, k.Syslog, 0)

	for {
		select {
		case cmd := <-console.Commands():
			switch cmd {
			case tty.CommandQuit:
				cancel(context.Canceled)
				return
			case tty.CommandPause:
				logger.Info("paused")
			case tty.CommandResume:
				logger.Info("resumed")
			}
		case <-ctx.Done():
			return
		}
	}
}

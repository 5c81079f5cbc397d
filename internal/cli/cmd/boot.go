package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/justinian/jsix/internal/bootproto"
	"github.com/justinian/jsix/internal/cli"
	"github.com/justinian/jsix/internal/kernel"
	"github.com/justinian/jsix/internal/kernel/frame"
	"github.com/justinian/jsix/internal/kernel/sched"
	"github.com/justinian/jsix/internal/kernel/status"
	"github.com/justinian/jsix/internal/kernel/syscall"
	"github.com/justinian/jsix/internal/kernel/syslog"
	"github.com/justinian/jsix/internal/log"
)

// Boot is the command that assembles a kernel from a synthetic memory map,
// spawns a demo init process, and streams the system log to stdout.
//
//	jsix boot [-debug | -quiet]
func Boot() cli.Command {
	return new(boot)
}

type boot struct {
	debug bool
	quiet bool
}

func (boot) Description() string {
	return "boot a kernel instance and stream its system log"
}

func (boot) Usage(out io.Writer) error {
	var err error
	_, err = fmt.Fprintln(out, `
boot [ -debug | -quiet ]

Assemble a kernel instance from a synthetic memory map, spawn a demo init
thread that exercises a few syscalls, and stream the system log until the
thread exits or the timeout elapses.`)

	return err
}

func (b *boot) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)

	fs.BoolVar(&b.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&b.quiet, "quiet", false, "enable quiet output, log lines only")

	return fs
}

func (b boot) Run(ctx context.Context, args []string, out io.Writer, _ *log.Logger) int {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if b.quiet {
		log.LogLevel.Set(log.Error)
	}

	if b.debug {
		log.LogLevel.Set(log.Debug)
	}

	logger := log.NewFormattedLogger(out)
	log.SetDefault(logger)

	logger.Info("Assembling kernel")

	memoryMap := []frame.MemoryMapEntry{
		{Start: 0, Pages: 4096, Type: frame.Conventional},
	}

	bootArgs := &bootproto.Args{Magic: bootproto.ArgsMagic, Version: bootproto.ArgsVersion, MemoryMap: memoryMap}
	if err := bootproto.Stamp(bootArgs); err != nil {
		logger.Error(err.Error())
		return 1
	}

	logger.Info("Boot session", "id", bootArgs.BootSessionID)

	k := kernel.New(memoryMap, 2, 64, 8, kernel.WithLogger(logger))
	k.Start()

	defer func() {
		if err := k.Stop(); err != nil {
			logger.Error("kernel shutdown error", "err", err)
		}
	}()

	proc := sched.NewProcess(k.Objects)
	done := make(chan struct{})

	k.Scheduler.Spawn(k.Objects, proc, 0, func(t *sched.Thread) {
		defer close(done)
		runInitDemo(k, proc, t, logger)
	})

	lines := make(chan string)

	go streamLog(ctx, k, lines)

	for {
		select {
		case line := <-lines:
			fmt.Fprintln(out, line)
		case <-done:
			logger.Info("Init thread exited")
			return 0
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				logger.Warn("Boot timeout")
			}

			return 0
		}
	}
}

// runInitDemo exercises a handful of syscalls through the kernel's real
// dispatch path: logging a boot message and creating then tearing down an
// anonymous VMA.
func runInitDemo(k *kernel.Kernel, proc *sched.Process, t *sched.Thread, logger *log.Logger) {
	arena := syscall.NewArena()

	textBuf := make([]byte, 32)
	copy(textBuf, "init: starting")
	arena.Map(0x1000, textBuf)

	k.Dispatch(syscall.SystemLog, proc, t, [6]uint64{uint64(syslog.AreaBoot), uint64(syslog.Info), 0x1000, 14}, arena)

	createOut := make([]byte, 8)
	arena.Map(0x2000, createOut)

	code := k.Dispatch(syscall.VMACreate, proc, t, [6]uint64{4096 * 4, 0, 0, 0x2000, 8}, arena)
	if code != status.OK {
		logger.Error("init: vma_create failed", "code", code)
		return
	}

	k.Dispatch(syscall.ThreadExit, proc, t, [6]uint64{0}, arena)
}

// streamLog tails the kernel's system log ring, writing formatted lines to
// out until ctx is canceled.
func streamLog(ctx context.Context, k *kernel.Kernel, out chan<- string) {
	var afterID uint64

	for {
		cancel := ctx.Done()

		entry, code := k.Syslog.Get(afterID, cancel)
		if code != status.OK {
			return
		}

		afterID = entry.ID

		line := fmt.Sprintf("[%s/%s] %s", entry.Area, entry.Severity, entry.Text)

		select {
		case out <- line:
		case <-ctx.Done():
			return
		}
	}
}

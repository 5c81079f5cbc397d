package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/justinian/jsix/internal/cli"
	"github.com/justinian/jsix/internal/kernel"
	"github.com/justinian/jsix/internal/kernel/frame"
	"github.com/justinian/jsix/internal/kernel/sched"
	"github.com/justinian/jsix/internal/kernel/syscall"
	"github.com/justinian/jsix/internal/log"
)

// Call is a debugging tool that boots a throwaway kernel instance, issues a
// single syscall by name against a fresh process, and prints the result
// code. Output buffers are not inspected; this only exercises dispatch.
//
//	jsix call system_log 0 4 0 0
func Call() cli.Command {
	return new(call)
}

type call struct{}

func (call) Description() string {
	return "issue a single syscall against a throwaway kernel"
}

func (call) Usage(out io.Writer) error {
	var err error
	_, err = fmt.Fprintln(out, `call name [arg]...

Boot a throwaway kernel, issue one syscall by name with up to six integer
arguments, and print the resulting status code.`)

	return err
}

func (call) FlagSet() *cli.FlagSet {
	return flag.NewFlagSet("call", flag.ExitOnError)
}

func (call) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if len(args) == 0 {
		fmt.Fprintln(out, "call: missing syscall name")
		return 1
	}

	num, ok := syscall.Lookup(args[0])
	if !ok {
		fmt.Fprintf(out, "call: unknown syscall %q\n", args[0])
		return 1
	}

	var callArgs [6]uint64

	for i, a := range args[1:] {
		if i >= len(callArgs) {
			break
		}

		v, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			fmt.Fprintf(out, "call: bad argument %q: %v\n", a, err)
			return 1
		}

		callArgs[i] = v
	}

	memoryMap := []frame.MemoryMapEntry{{Start: 0, Pages: 256, Type: frame.Conventional}}
	k := kernel.New(memoryMap, 1, 16, 4, kernel.WithLogger(logger))
	k.Start()
	defer k.Stop()

	proc := sched.NewProcess(k.Objects)

	code := k.Dispatch(num, proc, nil, callArgs, syscall.NewArena())

	fmt.Fprintf(out, "%s -> %s\n", num, code)

	return 0
}

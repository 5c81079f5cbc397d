// jsix is the command-line interface for driving a jsix kernel instance.
package main

import (
	"context"
	"os"

	"github.com/justinian/jsix/internal/cli"
	"github.com/justinian/jsix/internal/cli/cmd"
)

var (
	commands = []cli.Command{
		cmd.Boot(),
		cmd.Call(),
		cmd.Monitor(),
	}
)

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}

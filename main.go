// Package main is the entry point of shrinkpi, which shrinks Raspberry Pi
// disk images in place.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"shrinkpi/commands"
)

// diagnoser is implemented by commands that render their own error line.
type diagnoser interface {
	Diagnostic(err error) string
}

func main() {
	os.Exit(run(commands.NewShrinkCommand(), os.Args[1:], os.Stderr))
}

// run drives cmd through Init and Run and returns the process exit code.
func run(cmd commands.ICommand, args []string, stderr io.Writer) int {
	if err := cmd.Init(args); err != nil {
		if errors.Is(err, commands.ErrHelpShown) {
			return 0
		}
		report(cmd, err, stderr)
		return 1
	}
	if err := cmd.Run(); err != nil {
		report(cmd, err, stderr)
		return 1
	}
	return 0
}

func report(cmd commands.ICommand, err error, stderr io.Writer) {
	if d, ok := cmd.(diagnoser); ok {
		fmt.Fprintln(stderr, d.Diagnostic(err))
		return
	}
	fmt.Fprintf(stderr, "%s: Error: %v\n", cmd.Name(), err)
}

// Package runner provides the command execution abstraction every shrinkpi
// step goes through, plus test helpers (MockRunner) for unit testing.
package runner

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
)

// CombinedOutputFunc is a function type that executes an external command
// and returns its combined standard output and standard error. It mirrors
// the (*exec.Cmd).CombinedOutput() pattern. When stdin is non-nil it is fed
// to the process.
// Tests can replace the default with a mock to avoid real process execution.
type CombinedOutputFunc func(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)

// CombinedOutput is the default CombinedOutputFunc implementation. Both
// streams land in one buffer because several disk tools print their results
// on stderr. A cancelled ctx keeps a tool from starting but never kills a
// running one: resize2fs and sfdisk must not stop halfway through a write.
var CombinedOutput CombinedOutputFunc = func(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(name, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// LookPath reports the location of a tool. Replaceable for testing.
var LookPath = exec.LookPath

// CommandLine renders name and args the way a shell user would type them.
func CommandLine(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

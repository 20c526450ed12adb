package runner

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MockRunnerCall records a single command invocation.
type MockRunnerCall struct {
	Name  string
	Args  []string
	Stdin string
}

// String renders the call as a command line.
func (c MockRunnerCall) String() string {
	return CommandLine(c.Name, c.Args...)
}

// MockResponse is one scripted result.
type MockResponse struct {
	Output string
	Err    error
}

// ExitError mimics *exec.ExitError for scripted failures.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// ExitCode returns the scripted exit code.
func (e *ExitError) ExitCode() int { return e.Code }

// Fail builds a scripted failure with exit status 1 and the given output.
func Fail(output string) MockResponse {
	return MockResponse{Output: output, Err: &ExitError{Code: 1}}
}

// Ok builds a scripted success with the given output.
func Ok(output string) MockResponse {
	return MockResponse{Output: output}
}

// MockRunner records calls and returns scripted results.
//
// Scripts are keyed by "name arg0" first and then by "name"; each key holds a
// queue consumed in call order, and the last entry repeats once the queue is
// drained. Calls matching no script fall back to OutputData (by call index),
// and to Err / FailOn as in NewMockRunnerFailOnCall.
type MockRunner struct {
	Calls  []MockRunnerCall
	Err    error
	FailOn int // Fail on this call index (0-based), -1 means always fail if Err != nil

	// OutputData maps a call index (0-based) to the byte slice returned by
	// CombinedOutput for that invocation.
	OutputData map[int][]byte

	Scripts map[string][]MockResponse
	served  map[string]int
}

// CombinedOutput implements the CombinedOutputFunc signature.
func (mr *MockRunner) CombinedOutput(_ context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	call := MockRunnerCall{Name: name, Args: args}
	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		call.Stdin = string(data)
	}
	mr.Calls = append(mr.Calls, call)

	if resp, ok := mr.scripted(name, args); ok {
		return []byte(resp.Output), resp.Err
	}
	return mr.outputForCall(), mr.errForCall()
}

func (mr *MockRunner) scripted(name string, args []string) (MockResponse, bool) {
	keys := []string{name}
	if len(args) > 0 {
		keys = []string{name + " " + args[0], name}
	}
	for _, key := range keys {
		queue, ok := mr.Scripts[key]
		if !ok || len(queue) == 0 {
			continue
		}
		if mr.served == nil {
			mr.served = make(map[string]int)
		}
		idx := mr.served[key]
		if idx >= len(queue) {
			idx = len(queue) - 1
		}
		mr.served[key]++
		return queue[idx], true
	}
	return MockResponse{}, false
}

// errForCall returns the error for the current call index, if any.
func (mr *MockRunner) errForCall() error {
	idx := len(mr.Calls) - 1
	if mr.FailOn >= 0 && idx == mr.FailOn {
		return mr.Err
	}
	if mr.FailOn < 0 && mr.Err != nil {
		return mr.Err
	}
	return nil
}

// outputForCall returns the output data configured for the current call index.
func (mr *MockRunner) outputForCall() []byte {
	if mr.OutputData == nil {
		return nil
	}
	return mr.OutputData[len(mr.Calls)-1]
}

// CommandLines returns every recorded call rendered as a command line.
func (mr *MockRunner) CommandLines() []string {
	lines := make([]string, 0, len(mr.Calls))
	for _, c := range mr.Calls {
		lines = append(lines, c.String())
	}
	return lines
}

// NewMockRunner creates a MockRunner that always succeeds.
func NewMockRunner() *MockRunner {
	return &MockRunner{FailOn: -1}
}

// NewMockRunnerFailOnCall creates a MockRunner that returns err on the n-th
// call (0-based) and succeeds on all others.
func NewMockRunnerFailOnCall(n int, err error) *MockRunner {
	return &MockRunner{FailOn: n, Err: err}
}

// NewMockRunnerWithScripts creates a MockRunner serving the given scripts.
func NewMockRunnerWithScripts(scripts map[string][]MockResponse) *MockRunner {
	return &MockRunner{FailOn: -1, Scripts: scripts}
}

// MockClock is a retry.Clock that never blocks and records every requested
// sleep.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	Sleeps []time.Duration
}

// Now returns the simulated time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After advances the simulated time by d and fires immediately.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.Sleeps = append(c.Sleeps, d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Total sums the recorded sleeps.
func (c *MockClock) Total() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total time.Duration
	for _, d := range c.Sleeps {
		total += d
	}
	return total
}

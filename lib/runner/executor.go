package runner

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/retry.v1"

	"shrinkpi/lib/failure"
)

// IExecutor defines the interface for running external tools.
// It mirrors the public methods of Executor for testability.
type IExecutor interface {
	Execute(ctx context.Context, name string, args ...string) (string, error)
	ExecuteWithInput(ctx context.Context, input, name string, args ...string) (string, error)
}

// Executor runs external tools under a retry Policy and returns their merged
// output text.
type Executor struct {
	Policy Policy
	// Clock drives backoff sleeps; nil means the wall clock.
	Clock retry.Clock
	Log   logrus.FieldLogger

	run CombinedOutputFunc
}

// NewExecutor creates an Executor running commands through CombinedOutput.
func NewExecutor(policy Policy, log logrus.FieldLogger) *Executor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Executor{
		Policy: policy,
		Log:    log,
		run:    CombinedOutput,
	}
}

// WithRunner swaps the process spawner, typically for MockRunner.CombinedOutput.
func (e *Executor) WithRunner(fn CombinedOutputFunc) *Executor {
	e.run = fn
	return e
}

// Execute runs name with args and returns the captured text.
func (e *Executor) Execute(ctx context.Context, name string, args ...string) (string, error) {
	return e.execute(ctx, "", false, name, args...)
}

// ExecuteWithInput is Execute with input fed on stdin.
func (e *Executor) ExecuteWithInput(ctx context.Context, input, name string, args ...string) (string, error) {
	return e.execute(ctx, input, true, name, args...)
}

func (e *Executor) execute(ctx context.Context, input string, hasInput bool, name string, args ...string) (string, error) {
	if name == "" {
		return "", errors.New("missing command name parameter")
	}
	cmdline := CommandLine(name, args...)
	log := e.Log.WithField("tool", name)

	var text string
	var attempt *retry.Attempt
	for attempt = retry.StartWithCancel(e.Policy.Backoff, e.Clock, ctx.Done()); attempt.Next(); {
		if ctx.Err() != nil {
			break
		}
		var stdin io.Reader
		if hasInput {
			stdin = strings.NewReader(input)
		}
		log.Debugf("EXEC: %s", cmdline)
		out, err := e.run(ctx, stdin, name, args...)
		text = string(out)

		switch e.Policy.Classifier.Classify(text, err) {
		case Success:
			return text, nil
		case AlreadyDone:
			log.Infof("%s: already done, continuing", cmdline)
			return text, nil
		case Transient:
			if attempt.More() {
				log.WithField("attempt", attempt.Count()).Infof(
					"%s: resource busy, retry %d of %d", cmdline, attempt.Count(), e.Policy.Backoff.Limit)
			}
			continue
		default:
			return text, failure.New(failure.ToolInvocationFailure, name,
				"%s: %v: %s", cmdline, err, strings.TrimSpace(text))
		}
	}

	if attempt.Stopped() || ctx.Err() != nil {
		return text, failure.Wrap(failure.ToolInvocationFailure, name, ctx.Err())
	}
	busy := failure.New(failure.TransientResourceBusy, name,
		"%s: still busy after %d attempts: %s", cmdline, attempt.Count(), strings.TrimSpace(text))
	return text, failure.Wrap(failure.ToolInvocationFailure, name, busy)
}

// CheckPrerequisites ensures every tool is on PATH before anything touches
// the image.
func CheckPrerequisites(tools []string) error {
	var missing []string
	for _, tool := range tools {
		if _, err := LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return failure.New(failure.PreconditionViolation, "prerequisites",
			"missing required commands: %s", strings.Join(missing, ", "))
	}
	return nil
}

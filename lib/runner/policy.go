package runner

import (
	"errors"
	"strings"
	"time"

	"gopkg.in/retry.v1"
)

// Outcome is how a finished command is treated.
type Outcome int

const (
	// Success means the command exited zero.
	Success Outcome = iota
	// AlreadyDone is a failure whose output says the work was already
	// performed; it counts as success.
	AlreadyDone
	// Transient is a contention failure worth retrying.
	Transient
	// Fatal is any other failure.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case AlreadyDone:
		return "already done"
	case Transient:
		return "transient"
	default:
		return "fatal"
	}
}

// DefaultTransientSignatures are output fragments that mark resource
// contention on loop devices and mounts.
var DefaultTransientSignatures = []string{
	"Device or resource busy",
	"target is busy",
	"Resource temporarily unavailable",
	"could not find any free loop device",
}

// DefaultIdempotentSignatures are output fragments of an operation that had
// already been performed.
var DefaultIdempotentSignatures = []string{
	"File exists",
}

// Classifier maps a command's output and error to an Outcome.
type Classifier struct {
	Transient  []string
	Idempotent []string
}

// DefaultClassifier recognises the default signatures.
func DefaultClassifier() Classifier {
	return Classifier{
		Transient:  DefaultTransientSignatures,
		Idempotent: DefaultIdempotentSignatures,
	}
}

// exitCoder is satisfied by *exec.ExitError and by MockRunner's ExitError.
type exitCoder interface {
	ExitCode() int
}

// Classify decides the outcome. Failures to start the process at all (tool
// missing, permission denied) are always fatal.
func (c Classifier) Classify(output string, err error) Outcome {
	if err == nil {
		return Success
	}
	var exitErr exitCoder
	if !errors.As(err, &exitErr) {
		return Fatal
	}
	for _, sig := range c.Idempotent {
		if strings.Contains(output, sig) {
			return AlreadyDone
		}
	}
	for _, sig := range c.Transient {
		if strings.Contains(output, sig) {
			return Transient
		}
	}
	return Fatal
}

// LinearBackoff is a retry.Strategy sleeping Step×n before retry n, for at
// most Limit retries.
type LinearBackoff struct {
	Step  time.Duration
	Limit int
}

// NewTimer implements retry.Strategy.
func (l LinearBackoff) NewTimer(time.Time) retry.Timer {
	return &linearTimer{step: l.Step, limit: l.Limit}
}

type linearTimer struct {
	step  time.Duration
	limit int
	n     int
}

func (t *linearTimer) NextSleep(time.Time) (time.Duration, bool) {
	if t.n >= t.limit {
		return 0, false
	}
	t.n++
	return time.Duration(t.n) * t.step, true
}

// Policy pairs a failure classifier with a backoff schedule.
type Policy struct {
	Classifier Classifier
	Backoff    LinearBackoff
}

// DefaultPolicy retries transient failures up to limit times, sleeping
// 2×attempt units in between.
func DefaultPolicy(limit int, unit time.Duration) Policy {
	return Policy{
		Classifier: DefaultClassifier(),
		Backoff:    LinearBackoff{Step: 2 * unit, Limit: limit},
	}
}

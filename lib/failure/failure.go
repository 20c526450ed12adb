// Package failure classifies the ways a shrink run can fail. Every fatal
// condition surfaced by the lib packages is an *Error carrying one Kind, so
// callers can branch on the class with errors.Is without matching strings.
package failure

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Kind is the class of a failure.
type Kind int

const (
	// ParseMismatch means an expected pattern was absent from tool output.
	ParseMismatch Kind = iota + 1
	// PreconditionViolation means the host or image is not in the state the
	// workflow requires (layout, busy loop slot, occupied mount point).
	PreconditionViolation
	// TransientResourceBusy marks a contention failure that may be retried.
	TransientResourceBusy
	// ToolInvocationFailure is a non-retryable failure of an external tool,
	// or a transient one that exhausted its retries.
	ToolInvocationFailure
	// ConsistencyViolation means two derived facts disagree.
	ConsistencyViolation
)

var kindNames = map[Kind]string{
	ParseMismatch:         "parse mismatch",
	PreconditionViolation: "precondition violation",
	TransientResourceBusy: "transient resource busy",
	ToolInvocationFailure: "tool invocation failure",
	ConsistencyViolation:  "consistency violation",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("failure kind %d", int(k))
}

// Error lets a bare Kind be used as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// Error is a classified failure raised by operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the Kind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New builds a classified failure from a formatted message.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first classified failure in err's chain,
// or 0 when err is not classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// Join aggregates the non-nil errs into one error that renders on a single
// line. It returns nil when every err is nil.
func Join(errs ...error) error {
	merr := multierror.Append(nil, errs...)
	merr.ErrorFormat = oneLine
	return merr.ErrorOrNil()
}

func oneLine(errs []error) string {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

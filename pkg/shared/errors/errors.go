package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an error by how a sweep has to react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindProbeDegraded: a layer failed or timed out. Logged, the session continues.
	KindProbeDegraded
	// KindStorageContention: a transient lock on the evidence store. Retried with backoff.
	KindStorageContention
	// KindStorageFailure: a write failed for good. The layer is recorded as degraded.
	KindStorageFailure
	// KindIntegrityViolation: a dangling reference or broken invariant. Aborts the session.
	KindIntegrityViolation
	// KindConfigInvalid: configuration rejected before a session starts.
	KindConfigInvalid
)

// Sentinels for errors.Is matching against a Kind.
var (
	ErrProbeDegraded      = &kindSentinel{KindProbeDegraded}
	ErrStorageContention  = &kindSentinel{KindStorageContention}
	ErrStorageFailure     = &kindSentinel{KindStorageFailure}
	ErrIntegrityViolation = &kindSentinel{KindIntegrityViolation}
	ErrConfigInvalid      = &kindSentinel{KindConfigInvalid}
)

func (k Kind) String() string {
	switch k {
	case KindProbeDegraded:
		return "ProbeDegraded"
	case KindStorageContention:
		return "StorageContention"
	case KindStorageFailure:
		return "StorageFailure"
	case KindIntegrityViolation:
		return "IntegrityViolation"
	case KindConfigInvalid:
		return "ConfigInvalid"
	default:
		return "Unknown"
	}
}

type kindSentinel struct {
	kind Kind
}

func (s *kindSentinel) Error() string {
	return s.kind.String()
}

// Error carries the kind of a failure together with the operation and, when relevant, the layer.
type Error struct {
	Kind  Kind
	Op    string
	Layer string
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Layer != "" {
		msg = fmt.Sprintf("%s (layer %s)", msg, e.Layer)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of the same kind.
func (e *Error) Is(target error) bool {
	if s, ok := target.(*kindSentinel); ok {
		return s.kind == e.Kind
	}
	return false
}

// New creates a typed error for the given operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a typed error with a formatted cause.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithLayer returns a copy of the error annotated with a layer name.
func (e *Error) WithLayer(layer string) *Error {
	c := *e
	c.Layer = layer
	return &c
}

// KindOf returns the kind of the first typed error in the chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether an error must be surfaced to the caller unmodified
// instead of being downgraded to a degraded-layer record.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindIntegrityViolation, KindConfigInvalid:
		return true
	}
	return false
}

// CommandError represents a failed command together with its process exit code.
type CommandError struct {
	ExitCode    int
	CommonError string
	Result      interface{}
}

// Error implements the error interface, returning the message from the common error.
func (e *CommandError) Error() string {
	return e.CommonError
}

// NewCommandError creates a new CommandError encapsulating the result and the error message.
func NewCommandError(result interface{}, err error, code int) *CommandError {
	return &CommandError{
		ExitCode:    code,
		CommonError: err.Error(),
		Result:      result,
	}
}

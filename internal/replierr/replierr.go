// Package replierr defines the sentinel error taxonomy shared by every
// replication component. Errors are compared with errors.Is/errors.As;
// github.com/pkg/errors is used by callers to attach context without
// losing the sentinel identity.
package replierr

import "fmt"

// Kind classifies a replication error for the purposes of the
// per-operation result reported to the caller of submit_local.
type Kind string

const (
	KindIO         Kind = "io_error"
	KindFraming    Kind = "framing_error"
	KindConflict   Kind = "conflict"
	KindTimeout    Kind = "timeout"
	KindDivergence Kind = "divergence"
	KindShutdown   Kind = "shutdown"
)

// Error is a sentinel error carrying a Kind. Two Errors with the same
// Kind compare equal under errors.Is regardless of message.
type Error struct {
	Kind Kind
	msg  string
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func (e *Error) Error() string {
	if e.msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// Is implements errors.Is matching by Kind only, so wrapped instances
// with different messages still satisfy errors.Is(err, replierr.ErrConflict).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

var (
	ErrIO         = New(KindIO, "")
	ErrFraming    = New(KindFraming, "")
	ErrConflict   = New(KindConflict, "")
	ErrTimeout    = New(KindTimeout, "")
	ErrDivergence = New(KindDivergence, "")
	ErrShutdown   = New(KindShutdown, "")
)

// Result is the terminal outcome of an operation submitted through
// submit_local: committed, or rolled back with a Kind. It has no
// pending state.
type Result struct {
	Committed bool
	// Kind is zero-valued when Committed is true.
	Kind Kind
}

func Committed() Result { return Result{Committed: true} }

func RolledBack(kind Kind) Result { return Result{Committed: false, Kind: kind} }

func (r Result) String() string {
	if r.Committed {
		return "committed"
	}
	return fmt.Sprintf("rolled_back(%s)", r.Kind)
}

package foundation

import (
	"errors"
	"fmt"
)

// Recoverable outcomes returned by kernel operations.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrBusy             = errors.New("busy")
	ErrTimeout          = errors.New("timed out")
	ErrPermissionDenied = errors.New("permission denied")
	ErrOutOfSlots       = errors.New("out of slots")
	ErrNotFound         = errors.New("not found")
)

// Refinements; each matches its parent class with errors.Is.
var (
	ErrInvalidPartition = fmt.Errorf("%w: invalid partition", ErrInvalidArgument)
	ErrInvalidContext   = fmt.Errorf("%w: not called from the running thread", ErrInvalidArgument)
	ErrStaleHandle      = fmt.Errorf("%w: stale handle", ErrNotFound)
	ErrLockOrder        = fmt.Errorf("%w: mutex released out of acquisition order", ErrPermissionDenied)
)

// InvariantError is the panic value for corrupted kernel state.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "kernel invariant violated: " + e.Msg
}

// Oops aborts on an internal invariant violation. It never returns.
func Oops(format string, args ...interface{}) {
	panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
}

// Assert calls Oops when cond is false.
func Assert(cond bool, format string, args ...interface{}) {
	if !cond {
		Oops(format, args...)
	}
}

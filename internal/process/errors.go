package process

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrInvalidState is returned for an empty program or command line, and
	// for operations on a resource the handle has already released.
	ErrInvalidState = fmt.Errorf("invalid process state: %w", errdefs.ErrFailedPrecondition)

	// ErrNullPointer is reported by the C boundary when a required pointer
	// argument is NULL.
	ErrNullPointer = fmt.Errorf("null pointer provided: %w", errdefs.ErrInvalidArgument)

	// errReaped is returned by the platform wait when another caller has
	// already collected the child's status.
	errReaped = errors.New("process already reaped")
)

// IOError wraps a failure from the operating system: spawn, read, write,
// wait or kill.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("process %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsIO reports whether err is, or wraps, an *IOError.
func IsIO(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

package common

import "github.com/pkg/errors"

var (
	// ErrNoCodeAtLine means a line has no executable location
	ErrNoCodeAtLine = errors.New("no executable code at line")

	// ErrNotFound means no breakpoint is registered on a line
	ErrNotFound = errors.New("breakpoint not found")

	// ErrInspectionUnavailable means the thread could not report its frames
	ErrInspectionUnavailable = errors.New("inspection unavailable")

	// ErrTargetDisconnected ends the session normally
	ErrTargetDisconnected = errors.New("target disconnected")

	// ErrDispatchFailed ends the session abnormally
	ErrDispatchFailed = errors.New("unexpected dispatch failure")
)

// DispatchFailed marks err as fatal to the session. The result matches
// ErrDispatchFailed under errors.Is and still unwraps to err.
func DispatchFailed(err error) error {
	if err == nil {
		return nil
	}
	return &dispatchError{cause: err}
}

type dispatchError struct {
	cause error
}

func (e *dispatchError) Error() string {
	return ErrDispatchFailed.Error() + ": " + e.cause.Error()
}

func (e *dispatchError) Unwrap() error {
	return e.cause
}

func (e *dispatchError) Is(target error) bool {
	return target == ErrDispatchFailed
}

package vsync

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfiguration = errors.New("vsync: invalid configuration")
	ErrDuplicateName        = errors.New("vsync: duplicate client name")
	ErrAlreadyRunning       = errors.New("vsync: already running")
	ErrNotRunning           = errors.New("vsync: not running")
	ErrCallbackFailure      = errors.New("vsync: callback failed")
)

// CallbackError wraps a failure raised by a client's callback (or its scope).
// It matches ErrCallbackFailure with errors.Is.
type CallbackError struct {
	Name string
	Err  error

	// Panic holds the recovered value when the callback panicked.
	Panic any
	Stack string
}

func (e *CallbackError) Error() string {
	name := e.Name
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("vsync: client %s: %v", name, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

func (e *CallbackError) Is(target error) bool { return target == ErrCallbackFailure }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

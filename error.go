package occa

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error taxonomy: errors returned by this package can be tested with errors.Is against these values.
// Errors from backends are propagated as is (at most with extra context), so their own types are preserved.
var (
	// ErrInvalidState is returned by operations on a Device that was not set up, or was already freed.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidArgument is returned when arguments are invalid (e.g. negative byte counts), before any side effect.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBuildFailure is returned when the translation or the compilation of a kernel fails.
	ErrBuildFailure = errors.New("build failure")
)

// buildError is a build failure with its underlying cause, which is still reachable with errors.Unwrap.
type buildError struct {
	msg   string
	cause error
}

func (e *buildError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", ErrBuildFailure, e.msg)
	}
	return fmt.Sprintf("%s: %s: %v", ErrBuildFailure, e.msg, e.cause)
}

func (e *buildError) Is(target error) bool {
	return target == ErrBuildFailure
}

func (e *buildError) Unwrap() error {
	return e.cause
}

// buildFailuref returns a build failure with a stack trace. cause can be nil.
func buildFailuref(cause error, format string, args ...any) error {
	return errors.WithStack(&buildError{msg: fmt.Sprintf(format, args...), cause: cause})
}

// invalidArgumentf returns an ErrInvalidArgument error with the given message.
func invalidArgumentf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

// invalidStatef returns an ErrInvalidState error with the given message.
func invalidStatef(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidState, format, args...)
}

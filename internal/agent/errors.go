package agent

import (
	"errors"
	"fmt"
)

// PermanentError marks a mission failure that retrying cannot fix, such
// as a missing listing or a payload that does not decode. The runner
// fails these immediately instead of rescheduling.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the runner skips the retry path.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

// Permanentf is Permanent over a formatted error.
func Permanentf(format string, args ...any) error {
	return PermanentError{Err: fmt.Errorf(format, args...)}
}

func IsPermanent(err error) bool {
	var pe PermanentError
	return errors.As(err, &pe)
}

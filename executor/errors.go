package executor

import "fmt"

// PermanentError marks a failure that retrying cannot fix: malformed
// step configuration, an unsupported action type, a missing context
// binding. Senders return it (wrapped or direct) to short-circuit
// backoff; anything else coming out of a send is treated as transient.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanentf builds a PermanentError from a format string.
func Permanentf(format string, args ...any) *PermanentError {
	return &PermanentError{Reason: fmt.Sprintf(format, args...)}
}

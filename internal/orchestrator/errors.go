package orchestrator

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrUnavailable       = errors.New("orchestration backend unavailable")
	ErrMalformedResponse = errors.New("malformed backend response")
	ErrInvalidRequest    = errors.New("invalid create request")
)

// OpError wraps backend errors with operation context.
type OpError struct {
	Op     string // The backend operation that failed
	Handle string
	Err    error
}

func (e *OpError) Error() string {
	if e.Handle != "" {
		return fmt.Sprintf("backend %s %s: %s", e.Op, e.Handle, e.Err)
	}
	return fmt.Sprintf("backend %s: %s", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

package lifecycle

import "errors"

// Typed lifecycle errors. Handlers map these onto HTTP status codes; anything
// else is an internal error.
var (
	// ErrValidation indicates a malformed request (missing owner, exercise,
	// or image, or a bad flag template).
	ErrValidation = errors.New("invalid lifecycle request")

	// ErrConflict indicates another instance for the same (owner, exercise)
	// won a concurrent creation race.
	ErrConflict = errors.New("instance already active")

	// ErrNotFound indicates no live instance exists for (owner, exercise).
	ErrNotFound = errors.New("no active instance")

	// ErrMaxExtensions indicates the extension budget is spent.
	ErrMaxExtensions = errors.New("maximum extensions reached")

	// ErrLifetimeCap indicates granting the extension would exceed the hard
	// lifetime ceiling.
	ErrLifetimeCap = errors.New("lifetime cap reached")

	// ErrBackend indicates the orchestration backend failed. The detail stays
	// in the server logs; callers get this sentinel only.
	ErrBackend = errors.New("orchestration backend failure")
)

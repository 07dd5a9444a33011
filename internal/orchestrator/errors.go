package orchestrator

import "errors"

// Error kinds the API layer maps onto HTTP statuses.
var (
	// ErrValidation covers malformed install requests and rejected licenses.
	ErrValidation = errors.New("validation failed")
	// ErrLimitExceeded means an active-module capacity limit would be crossed.
	ErrLimitExceeded = errors.New("module limit exceeded")
	// ErrConflict means the name or route prefix is held by another module,
	// or an operation on the module is already in flight.
	ErrConflict = errors.New("conflict")
	// ErrNotFound means no active module exists under that name.
	ErrNotFound = errors.New("module not found")
)

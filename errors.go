package rbac

import "errors"

// Sentinel errors for the administrative API. Callers test with errors.Is;
// wrapped messages carry the offending id.
var (
	// ErrAlreadyExists reports a duplicate permission, role or subject id at
	// registration time.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound reports a referenced permission, role or subject id that
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCycleDetected reports a role-graph mutation that would introduce a
	// cycle. The mutation is rejected before any state changes.
	ErrCycleDetected = errors.New("role cycle detected")

	// ErrInvalidInput reports malformed input to an administrative call, such
	// as an empty id or an unknown action or operator.
	ErrInvalidInput = errors.New("invalid input")
)

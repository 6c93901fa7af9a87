package pool

import "errors"

var (
	// ErrNoCapacity is returned when no idle machine is available.
	ErrNoCapacity = errors.New("no idle machine available")

	// ErrMissingParameter is returned when a required identifier is empty.
	ErrMissingParameter = errors.New("missing parameter")

	// ErrCollaborator wraps failed or timed out cloud control-plane calls.
	ErrCollaborator = errors.New("cloud collaborator error")

	// ErrReconcile wraps a failed reconciliation pass. The registry is left
	// as it was and the next tick retries.
	ErrReconcile = errors.New("reconciliation failed")
)

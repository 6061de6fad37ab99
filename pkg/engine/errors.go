package engine

import "errors"

var (
	// ErrTimeout indicates a CLI invocation exceeded its per-call timeout
	// and was killed.
	ErrTimeout = errors.New("engine command timed out")

	// ErrInconsistent indicates the engine returned a different number of
	// records than requested.
	ErrInconsistent = errors.New("engine returned inconsistent results")

	// ErrAmbiguousName indicates more than one container matched a name
	// that must be unique.
	ErrAmbiguousName = errors.New("multiple containers match name")

	// ErrUnsupportedEngine indicates checkpoint/restore was requested on an
	// engine that cannot perform it (anything but podman on Linux).
	ErrUnsupportedEngine = errors.New("operation not supported by engine")

	// ErrNotFound indicates no container matched the requested id or name.
	ErrNotFound = errors.New("container not found")

	// ErrLockUpgrade indicates a nested session tried to escalate a read
	// lock to a write lock. Always a programming error.
	ErrLockUpgrade = errors.New("cannot upgrade read lock to write lock in nested session")
)

package capture

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors reported through caller callbacks and returned from
// caller-facing methods. Session-level failures never propagate as panics
// across the session lock boundary.
var (
	// ErrSessionNotOpen is reported when a capture or repeating action is
	// attempted while the session is in any state other than opened.
	ErrSessionNotOpen = errors.New("capture session is not open")

	// ErrSessionReleased is returned when an operation is attempted on a
	// session that has reached its terminal state.
	ErrSessionReleased = errors.New("capture session has been released")

	// ErrExecutorClosed is returned when a task is queued onto an executor
	// that has already shut down.
	ErrExecutorClosed = errors.New("serial executor is closed")

	// ErrManagerClosed is returned by a lifecycle manager after Close.
	ErrManagerClosed = errors.New("camera lifecycle manager is closed")
)

// An InvariantError reports a state-machine transition that should be
// impossible, e.g. a configured callback arriving for an already-released
// session. It indicates the single-writer assumption was violated somewhere.
type InvariantError struct {
	State SessionState
	Event string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation: event %q arrived in state %q", e.Event, e.State)
}

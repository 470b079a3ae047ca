package task

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no task exists for the given id.
var ErrNotFound = errors.New("task not found")

// StateConflictError is returned when an action is invalid for the
// task's current state. The task is never mutated on this path.
type StateConflictError struct {
	TaskID    string
	Current   State
	Requested State
}

func (e *StateConflictError) Error() string {
	if e.Requested != "" {
		return fmt.Sprintf("task %s: cannot transition from %s to %s", e.TaskID, e.Current, e.Requested)
	}
	return fmt.Sprintf("task %s: action invalid in state %s", e.TaskID, e.Current)
}

// IsStateConflict reports whether err is a StateConflictError.
func IsStateConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}

package cycle

import (
	"errors"
	"fmt"
)

// InvalidStateError reports an operation issued in a state that does not
// permit it. The cycle is left exactly as it was.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("operation %s not valid in state %s", e.Op, e.State)
}

// CycleBusyError reports a Start attempt while another cycle is active.
type CycleBusyError struct {
	State State
	Goal  string
}

func (e *CycleBusyError) Error() string {
	if e.Goal != "" {
		return fmt.Sprintf("cycle busy in state %s (goal: %s)", e.State, e.Goal)
	}
	return fmt.Sprintf("cycle busy in state %s", e.State)
}

// IsInvalidState checks whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var ise *InvalidStateError
	return errors.As(err, &ise)
}

// IsCycleBusy checks whether err is a CycleBusyError.
func IsCycleBusy(err error) bool {
	var cbe *CycleBusyError
	return errors.As(err, &cbe)
}

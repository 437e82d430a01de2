package isolation

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacity is returned by KeySet.Insert when the table is full.
	ErrCapacity = errors.New("table capacity exceeded")

	// ErrAttach marks failures to load or bind a hook. Arm rolls back on it.
	ErrAttach = errors.New("attach failed")

	// ErrPolicySync marks failures to apply the allowed-process policy.
	ErrPolicySync = errors.New("policy sync failed")

	// ErrArmed is returned by Arm when isolation is already active.
	ErrArmed = errors.New("isolation already armed")

	// ErrNotArmed is returned by operations that need an active activation.
	ErrNotArmed = errors.New("isolation not armed")

	// ErrEventsClosed is returned by EventReader.Read after Close.
	ErrEventsClosed = errors.New("event reader closed")
)

// Hook names used in AttachError.
const (
	HookTables     = "tables"
	HookObserver   = "observer"
	HookClassifier = "classifier"
)

// AttachError reports which hook could not be installed.
type AttachError struct {
	Hook      string
	Direction Direction // only meaningful for HookClassifier
	Err       error
}

func (e *AttachError) Error() string {
	if e.Hook == HookClassifier {
		return fmt.Sprintf("attach %s (%s): %v", e.Hook, e.Direction, e.Err)
	}
	return fmt.Sprintf("attach %s: %v", e.Hook, e.Err)
}

// Unwrap exposes both ErrAttach and the underlying cause to errors.Is.
func (e *AttachError) Unwrap() []error {
	return []error{ErrAttach, e.Err}
}

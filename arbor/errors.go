package arbor

import (
	"errors"
	"fmt"
)

var (
	// ErrSafety is matched by errors raised when a thread exceeds one of
	// its resource limits.
	ErrSafety = errors.New("safety error")

	// ErrIllegalState is matched by errors reporting a programming error
	// in the use of this package.
	ErrIllegalState = errors.New("illegal state")

	// ErrNilArgument is returned when a required argument is nil.
	ErrNilArgument = errors.New("nil argument")

	// ErrFrameSlotType is matched by every *FrameSlotTypeError.
	ErrFrameSlotType = errors.New("frame slot type mismatch")

	// ErrNoParent is returned when replacing a node that is not held by a
	// parent.
	ErrNoParent = errors.New("node has no parent")

	// ErrRecursiveSynchronous is returned when a synchronous action is
	// submitted from inside the perform of another synchronous action.
	ErrRecursiveSynchronous = errors.New("Recursive synchronous thread local action detected. " +
		"They are disallowed as they may cause deadlocks. " +
		"Schedule an asynchronous thread local action instead.")

	// ErrDisallowedGuestError is wrapped by the internal error produced
	// when a non-side-effecting action fails.
	ErrDisallowedGuestError = errors.New("Throwing guest exception is disallowed in non-side-effecting thread local actions.")

	// ErrSynchronousTimeout is returned when a synchronous action could not
	// be delivered to all of its threads within the configured bound.
	ErrSynchronousTimeout = errors.New("synchronous thread local action timed out")

	// ErrActionCancelled is returned by Future.Wait for cancelled futures.
	ErrActionCancelled = errors.New("thread local action cancelled")

	// ErrContextCancelled, ErrContextExited and ErrContextClosed are matched
	// by the errors a thread observes when its context terminates.
	ErrContextCancelled = errors.New("Context execution was cancelled.")
	ErrContextExited    = errors.New("Context execution was exited.")
	ErrContextClosed    = errors.New("Context was closed.")

	// ErrContextActive is returned by Close while threads are still entered.
	ErrContextActive = errors.New("context is still active")
)

// A FrameSlotTypeError reports a typed frame access whose expected kind does
// not match the kind currently stored in the slot.
type FrameSlotTypeError struct {
	Slot     int
	Expected SlotKind
	Actual   SlotKind
}

func (e *FrameSlotTypeError) Error() string {
	return fmt.Sprintf("frame slot %d: expected %s but was %s", e.Slot, e.Expected, e.Actual)
}

func (e *FrameSlotTypeError) Is(err error) bool {
	return err == ErrFrameSlotType
}

// StepsSafetyError is returned when a thread executes more loop iterations
// than permitted by SetMaxSteps.
type StepsSafetyError struct {
	Current int64
	Max     int64
}

func (e *StepsSafetyError) Error() string {
	return "too many steps"
}

func (e *StepsSafetyError) Is(err error) bool {
	return err == ErrSafety
}

// An InternalError reports a broken runtime contract that guest code must
// not be able to observe or handle.
type InternalError struct {
	Msg   string
	cause error
	kind  error
}

func (e *InternalError) Error() string {
	if e.cause == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.cause)
}

func (e *InternalError) Unwrap() error { return e.cause }

func (e *InternalError) Is(err error) bool { return e.kind != nil && err == e.kind }

// CancelledError is observed by threads entered in a cancelled context.
type CancelledError struct {
	Context *Context
}

func (e *CancelledError) Error() string { return ErrContextCancelled.Error() }

func (e *CancelledError) Is(err error) bool { return err == ErrContextCancelled }

// ExitError is observed by threads entered in a context that was exited.
type ExitError struct {
	Context *Context
	Code    int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("Exit was called with exit code %d.", e.Code)
}

func (e *ExitError) Is(err error) bool { return err == ErrContextExited }

// ClosedError is returned when a closed context is used.
type ClosedError struct {
	Context *Context
}

func (e *ClosedError) Error() string { return ErrContextClosed.Error() }

func (e *ClosedError) Is(err error) bool { return err == ErrContextClosed }

// InvalidAssumptionError is returned by Assumption.Check once the assumption
// has been invalidated.
type InvalidAssumptionError struct {
	Name   string
	Reason string
}

func (e *InvalidAssumptionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("assumption %q invalidated", e.Name)
	}
	return fmt.Sprintf("assumption %q invalidated: %s", e.Name, e.Reason)
}

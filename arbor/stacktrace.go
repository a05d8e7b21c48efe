package arbor

import (
	"fmt"
	"strings"
)

// A FrameInstance is one activation on the stack of a thread.
type FrameInstance struct {
	// Target is the call target executing in the activation.
	Target *CallTarget

	// CallNode is the node that called Target, or nil for calls from host
	// code and indirect calls.
	CallNode Node

	Frame *Frame
}

// IsZero reports whether fi describes no activation.
func (fi FrameInstance) IsZero() bool { return fi.Target == nil }

// FrameAt returns the activation at the given depth of the stack: depth 0 is
// the innermost activation, 1 its caller and so on. It returns the zero
// FrameInstance if the stack is not that deep.
func (thread *Thread) FrameAt(depth int) FrameInstance {
	i := len(thread.stack) - 1 - depth
	if depth < 0 || i < 0 {
		return FrameInstance{}
	}
	fr := thread.stack[i]
	return FrameInstance{Target: fr.target, CallNode: fr.callNode, Frame: fr.frame}
}

// CurrentFrame returns the innermost activation of the thread.
func (thread *Thread) CurrentFrame() FrameInstance { return thread.FrameAt(0) }

// CallerFrame returns the caller of the innermost activation.
func (thread *Thread) CallerFrame() FrameInstance { return thread.FrameAt(1) }

// A StackTraceElement describes one activation in a StackTrace.
type StackTraceElement struct {
	Target *CallTarget

	// Location is the call-site node of the activation, if any.
	Location Node

	// Frame is the materialized frame of the activation, retained only
	// when the root captures frames for traces.
	Frame *MaterializedFrame

	bci int
}

// BytecodeIndex returns the bytecode index executing in the activation, or
// NoBytecodeIndex.
func (e StackTraceElement) BytecodeIndex() int { return e.bci }

func (e StackTraceElement) String() string {
	if e.bci == NoBytecodeIndex {
		return fmt.Sprintf("at %s", e.Target)
	}
	return fmt.Sprintf("at %s (bci %d)", e.Target, e.bci)
}

// A StackTrace is a copy of the stack of a thread, innermost first.
type StackTrace []StackTraceElement

// CaptureStackTrace returns the current stack of the thread.
//
// The bytecode index of an activation is resolved by its root from the node
// executing in it, which is the call node of the next inner activation, and
// from its frame.
func CaptureStackTrace(thread *Thread) StackTrace {
	n := len(thread.stack)
	trace := make(StackTrace, 0, n)
	for i := n - 1; i >= 0; i-- {
		fr := thread.stack[i]
		root := fr.target.root
		var executing Node
		if i+1 < n {
			executing = thread.stack[i+1].callNode
		}
		e := StackTraceElement{
			Target:   fr.target,
			Location: fr.callNode,
			bci:      root.FindBytecodeIndex(executing, fr.frame),
		}
		if root.captureFrames {
			e.Frame = fr.frame.Materialize()
		}
		trace = append(trace, e)
	}
	return trace
}

// External returns the elements of st whose roots are not internal.
func (st StackTrace) External() StackTrace {
	var out StackTrace
	for _, e := range st {
		if !e.Target.root.internal {
			out = append(out, e)
		}
	}
	return out
}

// String returns a user-friendly description of the stack.
func (st StackTrace) String() string {
	out := new(strings.Builder)
	if len(st) > 0 {
		fmt.Fprintf(out, "Traceback (most recent call first):\n")
	}
	for _, e := range st {
		fmt.Fprintf(out, "  %s\n", e)
	}
	return out.String()
}

// An EvalError is an error raised by a call target together with a copy of
// the stack at the moment it escaped the innermost activation.
type EvalError struct {
	Msg        string
	StackTrace StackTrace
	cause      error
}

func (thread *Thread) evalError(err error) *EvalError {
	return &EvalError{
		Msg:        err.Error(),
		StackTrace: CaptureStackTrace(thread),
		cause:      err,
	}
}

func (e *EvalError) Error() string { return e.Msg }

// Backtrace returns a user-friendly error message describing the stack of
// calls that led to this error.
func (e *EvalError) Backtrace() string {
	return fmt.Sprintf("%sError: %s", e.StackTrace, e.Msg)
}

func (e *EvalError) Unwrap() error { return e.cause }

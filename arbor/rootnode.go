package arbor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// NoBytecodeIndex is returned when no bytecode index is known. It is
// distinct from the valid index 0.
const NoBytecodeIndex = -1

// BytecodeIndexSource selects where a root finds the bytecode index of a
// frame on the stack.
type BytecodeIndexSource uint8

const (
	// NoBytecodeIndexSource roots never report bytecode indices.
	NoBytecodeIndexSource BytecodeIndexSource = iota
	// BytecodeIndexFromNode asks the call-site node, which must implement
	// BytecodeIndexed.
	BytecodeIndexFromNode
	// BytecodeIndexFromFrame reads the index stored with
	// Frame.SetBytecodeIndex.
	BytecodeIndexFromFrame
	// BytecodeIndexHybrid prefers the node and falls back to the frame.
	BytecodeIndexHybrid
)

// A BytecodeIndexed node knows the bytecode index it executes.
type BytecodeIndexed interface {
	BytecodeIndex() int
}

// RootOptions configures a RootNode.
type RootOptions struct {
	// Name identifies the root in stack traces.
	Name string

	// Descriptor describes the frames of the root. If nil, an empty
	// descriptor is used.
	Descriptor *FrameDescriptor

	// CaptureFramesForTrace makes stack traces retain a materialized
	// frame of every activation of this root.
	CaptureFramesForTrace bool

	// Internal roots are omitted from stack traces that exclude internal
	// frames.
	Internal bool

	BytecodeIndex BytecodeIndexSource
}

// A RootNode is the top of an executable tree: it owns a frame descriptor
// and a body, and is invoked through its CallTarget.
type RootNode struct {
	NodeBase
	Body Child

	name          string
	descriptor    *FrameDescriptor
	captureFrames bool
	internal      bool
	bciSource     BytecodeIndexSource

	treeLock   sync.Mutex
	rewrites   atomic.Int64
	targetOnce sync.Once
	target     *CallTarget
}

func NewRootNode(body ExecutableNode, opts RootOptions) *RootNode {
	descriptor := opts.Descriptor
	if descriptor == nil {
		descriptor = NewFrameDescriptorBuilder().MustBuild()
	}
	r := &RootNode{
		name:          opts.Name,
		descriptor:    descriptor,
		captureFrames: opts.CaptureFramesForTrace,
		internal:      opts.Internal,
		bciSource:     opts.BytecodeIndex,
	}
	r.NodeBase.root = r
	r.Body.Set(r, body)
	return r
}

func (r *RootNode) afterClone() {
	r.treeLock = sync.Mutex{}
	r.rewrites.Store(0)
	r.targetOnce = sync.Once{}
	r.target = nil
	r.NodeBase.root = r
}

func (r *RootNode) Name() string { return r.name }

func (r *RootNode) FrameDescriptor() *FrameDescriptor { return r.descriptor }

func (r *RootNode) IsCaptureFramesForTrace() bool { return r.captureFrames }

func (r *RootNode) IsInternal() bool { return r.internal }

// RewriteCount returns the number of successful Replace calls in the tree.
func (r *RootNode) RewriteCount() int64 { return r.rewrites.Load() }

// Execute runs the body of the root in frame.
func (r *RootNode) Execute(frame *Frame) (interface{}, error) {
	body, ok := r.Body.Get().(ExecutableNode)
	if !ok {
		return nil, nil
	}
	return body.Execute(frame)
}

// CallTarget returns the call target of r, creating it on first use.
func (r *RootNode) CallTarget() *CallTarget {
	r.targetOnce.Do(func() {
		r.target = &CallTarget{root: r}
	})
	return r.target
}

// FindBytecodeIndex resolves the bytecode index of an activation of r whose
// current location is node, according to the root's BytecodeIndexSource.
func (r *RootNode) FindBytecodeIndex(node Node, frame *Frame) int {
	fromNode := func() int {
		if n, ok := node.(BytecodeIndexed); ok {
			return n.BytecodeIndex()
		}
		return NoBytecodeIndex
	}
	fromFrame := func() int {
		if frame == nil {
			return NoBytecodeIndex
		}
		return frame.BytecodeIndex()
	}
	switch r.bciSource {
	case BytecodeIndexFromNode:
		return fromNode()
	case BytecodeIndexFromFrame:
		return fromFrame()
	case BytecodeIndexHybrid:
		if bci := fromNode(); bci != NoBytecodeIndex {
			return bci
		}
		return fromFrame()
	}
	return NoBytecodeIndex
}

func (r *RootNode) String() string {
	if r.name == "" {
		return fmt.Sprintf("RootNode@%p", r)
	}
	return r.name
}

// A CallTarget is the stable callable handle of a RootNode.
type CallTarget struct {
	root      *RootNode
	calls     atomic.Int64
	loopCount atomic.Int64
}

func (ct *CallTarget) RootNode() *RootNode { return ct.root }

func (ct *CallTarget) String() string { return ct.root.String() }

// CallCount returns the number of calls started on ct.
func (ct *CallTarget) CallCount() int64 { return ct.calls.Load() }

// LoopCount returns the sum of loop iterations reported by loops in ct.
func (ct *CallTarget) LoopCount() int64 { return ct.loopCount.Load() }

// Call invokes ct on thread from host code. The call has no call-site node.
func (ct *CallTarget) Call(thread *Thread, args ...interface{}) (interface{}, error) {
	return ct.call(thread, nil, args)
}

func (ct *CallTarget) call(thread *Thread, callNode Node, args []interface{}) (result interface{}, err error) {
	if thread == nil {
		return nil, fmt.Errorf("%w: thread", ErrNilArgument)
	}
	if len(thread.stack) >= thread.maxStackDepth() {
		return nil, thread.evalError(errors.New("stack overflow"))
	}
	if err := thread.Poll(ct.root); err != nil {
		return nil, wrapCallError(thread, err)
	}

	frame := NewFrame(ct.root.descriptor, args...)
	frame.thread = thread
	thread.push(ct, callNode, frame)
	defer thread.pop()

	ct.calls.Add(1)
	result, err = ct.root.Execute(frame)
	if err == nil {
		err = thread.Poll(ct.root)
	}
	if err != nil {
		return nil, wrapCallError(thread, err)
	}
	return result, nil
}

func wrapCallError(thread *Thread, err error) error {
	if sig, ok := err.(ControlSignal); ok {
		err = &InternalError{Msg: "control-flow signal escaped its call target", cause: sig}
	}
	if _, ok := err.(*EvalError); !ok {
		err = thread.evalError(err)
	}
	return err
}

// A DirectCallNode calls a fixed call target and is recorded as the call
// site of the callee's activation.
type DirectCallNode struct {
	NodeBase
	target *CallTarget
}

func NewDirectCallNode(target *CallTarget) *DirectCallNode {
	return &DirectCallNode{target: target}
}

func (n *DirectCallNode) CallTarget() *CallTarget { return n.target }

func (n *DirectCallNode) Call(frame *Frame, args ...interface{}) (interface{}, error) {
	return n.target.call(frame.Thread(), n, args)
}

// An IndirectCallNode calls targets chosen at run time. Its activations
// have no call-site node.
type IndirectCallNode struct {
	NodeBase
}

func NewIndirectCallNode() *IndirectCallNode { return &IndirectCallNode{} }

func (n *IndirectCallNode) Call(frame *Frame, target *CallTarget, args ...interface{}) (interface{}, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: call target", ErrNilArgument)
	}
	return target.call(frame.Thread(), nil, args)
}

package nodes

import (
	"fmt"

	"github.com/spf13/cast"

	"github.com/canonical/arbor/arbor"
)

// Block executes its statements in order and evaluates to the value of the
// last one.
type Block struct {
	arbor.NodeBase
	Body arbor.Children
}

func NewBlock(body ...Expr) *Block {
	n := &Block{}
	nodes := make([]arbor.Node, len(body))
	for i, e := range body {
		nodes[i] = e
	}
	n.Body.Set(n, nodes...)
	return n
}

func (n *Block) Execute(frame *arbor.Frame) (result interface{}, err error) {
	for i := 0; i < n.Body.Len(); i++ {
		if result, err = n.Body.Get(i).(Expr).Execute(frame); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// WhileBody is the repeating node of a while loop: each iteration evaluates
// the condition and, while it holds, the body.
type WhileBody struct {
	arbor.NodeBase
	Condition arbor.Child
	Body      arbor.Child
}

// NewWhile returns a loop executing body while condition evaluates to true.
func NewWhile(condition, body Expr) *arbor.LoopNode {
	w := &WhileBody{}
	w.Condition.Set(w, condition)
	w.Body.Set(w, body)
	return arbor.NewLoopNode(w)
}

func (n *WhileBody) ExecuteRepeating(frame *arbor.Frame) (bool, error) {
	v, err := n.Condition.Get().(Expr).Execute(frame)
	if err != nil {
		return false, err
	}
	more, err := cast.ToBoolE(v)
	if err != nil {
		return false, fmt.Errorf("loop condition: %w", err)
	}
	if !more {
		return false, nil
	}
	if _, err := n.Body.Get().(Expr).Execute(frame); err != nil {
		return false, err
	}
	return true, nil
}

// BreakNode leaves the nearest enclosing loop.
type BreakNode struct {
	arbor.NodeBase
}

func NewBreak() *BreakNode { return &BreakNode{} }

func (*BreakNode) Execute(*arbor.Frame) (interface{}, error) { return nil, arbor.Break }

// ContinueNode starts the next iteration of the nearest enclosing loop.
type ContinueNode struct {
	arbor.NodeBase
}

func NewContinue() *ContinueNode { return &ContinueNode{} }

func (*ContinueNode) Execute(*arbor.Frame) (interface{}, error) { return nil, arbor.Continue }

// Poll is an explicit safepoint.
type Poll struct {
	arbor.NodeBase
}

func NewPoll() *Poll { return &Poll{} }

func (n *Poll) Execute(frame *arbor.Frame) (interface{}, error) {
	return nil, frame.Thread().Poll(n)
}

// Invoke calls a fixed call target with the values of its arguments.
type Invoke struct {
	arbor.NodeBase
	Call arbor.Child
	Args arbor.Children
}

func NewInvoke(target *arbor.CallTarget, args ...Expr) *Invoke {
	n := &Invoke{}
	n.Call.Set(n, arbor.NewDirectCallNode(target))
	nodes := make([]arbor.Node, len(args))
	for i, e := range args {
		nodes[i] = e
	}
	n.Args.Set(n, nodes...)
	return n
}

func (n *Invoke) Execute(frame *arbor.Frame) (interface{}, error) {
	args := make([]interface{}, n.Args.Len())
	for i := range args {
		v, err := n.Args.Get(i).(Expr).Execute(frame)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return n.Call.Get().(*arbor.DirectCallNode).Call(frame, args...)
}

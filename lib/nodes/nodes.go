// Package nodes provides general-purpose executable nodes for building
// arbor trees: constants, argument and local access, integer arithmetic,
// blocks, loops and calls.
package nodes

import (
	"fmt"

	"github.com/spf13/cast"

	"github.com/canonical/arbor/arbor"
)

// Expr is an executable node producing a value.
type Expr = arbor.ExecutableNode

// Constant evaluates to a fixed value.
type Constant struct {
	arbor.NodeBase
	Value interface{}
}

func NewConstant(value interface{}) *Constant {
	return &Constant{Value: value}
}

func (n *Constant) Execute(*arbor.Frame) (interface{}, error) {
	return n.Value, nil
}

// ReadArgument evaluates to an argument of the current call.
type ReadArgument struct {
	arbor.NodeBase
	Index int
}

func NewReadArgument(index int) *ReadArgument {
	return &ReadArgument{Index: index}
}

func (n *ReadArgument) Execute(frame *arbor.Frame) (interface{}, error) {
	args := frame.Arguments()
	if n.Index < 0 || n.Index >= len(args) {
		return nil, fmt.Errorf("argument %d out of range: call has %d arguments", n.Index, len(args))
	}
	return args[n.Index], nil
}

// binary is embedded by nodes combining two operands.
type binary struct {
	Left  arbor.Child
	Right arbor.Child
}

func (b *binary) operands(frame *arbor.Frame) (int64, int64, error) {
	l, err := b.Left.Get().(Expr).Execute(frame)
	if err != nil {
		return 0, 0, err
	}
	r, err := b.Right.Get().(Expr).Execute(frame)
	if err != nil {
		return 0, 0, err
	}
	x, err := cast.ToInt64E(l)
	if err != nil {
		return 0, 0, fmt.Errorf("left operand: %w", err)
	}
	y, err := cast.ToInt64E(r)
	if err != nil {
		return 0, 0, fmt.Errorf("right operand: %w", err)
	}
	return x, y, nil
}

// AddInt evaluates to the int64 sum of its operands.
type AddInt struct {
	arbor.NodeBase
	binary
}

func NewAddInt(left, right Expr) *AddInt {
	n := &AddInt{}
	n.Left.Set(n, left)
	n.Right.Set(n, right)
	return n
}

func (n *AddInt) Execute(frame *arbor.Frame) (interface{}, error) {
	x, y, err := n.operands(frame)
	if err != nil {
		return nil, err
	}
	return x + y, nil
}

// LessThan evaluates to whether its left operand is smaller than its right.
type LessThan struct {
	arbor.NodeBase
	binary
}

func NewLessThan(left, right Expr) *LessThan {
	n := &LessThan{}
	n.Left.Set(n, left)
	n.Right.Set(n, right)
	return n
}

func (n *LessThan) Execute(frame *arbor.Frame) (interface{}, error) {
	x, y, err := n.operands(frame)
	if err != nil {
		return nil, err
	}
	return x < y, nil
}

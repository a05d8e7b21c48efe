package nodes

import (
	"fmt"

	"github.com/canonical/arbor/arbor"
)

// NewWriteLocal returns a node storing the value of value into slot. If the
// slot has kind Int the node is specialized for int32 values and rewrites
// itself to a generic node the first time it sees another value.
func NewWriteLocal(descriptor *arbor.FrameDescriptor, slot int, value Expr) Expr {
	if descriptor.SlotKind(slot) == arbor.IntKind {
		return NewWriteIntLocal(descriptor, slot, value)
	}
	return NewWriteObjectLocal(slot, value)
}

// WriteIntLocal stores int32 values into an Int slot.
type WriteIntLocal struct {
	arbor.NodeBase
	Value arbor.Child

	descriptor *arbor.FrameDescriptor
	slot       int
}

func NewWriteIntLocal(descriptor *arbor.FrameDescriptor, slot int, value Expr) *WriteIntLocal {
	n := &WriteIntLocal{descriptor: descriptor, slot: slot}
	n.Value.Set(n, value)
	return n
}

func (n *WriteIntLocal) Slot() int { return n.slot }

func (n *WriteIntLocal) Execute(frame *arbor.Frame) (interface{}, error) {
	v, err := n.Value.Get().(Expr).Execute(frame)
	if err != nil {
		return nil, err
	}
	if i, ok := v.(int32); ok {
		frame.SetInt(n.slot, i)
		return i, nil
	}
	return n.generalize(frame, v)
}

// generalize replaces n by a WriteObjectLocal and stores v with it. A
// racing generalization of the same node reuses the winner.
func (n *WriteIntLocal) generalize(frame *arbor.Frame, v interface{}) (interface{}, error) {
	var generic *WriteObjectLocal
	err := arbor.AtomicRewrite(n, func(rw *arbor.Rewriter) error {
		if current := rw.Current(n); current != arbor.Node(n) {
			winner, ok := current.(*WriteObjectLocal)
			if !ok {
				return fmt.Errorf("slot %d: write node replaced by %T", n.slot, current)
			}
			generic = winner
			return nil
		}
		generic = &WriteObjectLocal{slot: n.slot}
		rw.Set(&generic.Value, generic, n.Value.Get())
		n.descriptor.SetSlotKind(n.slot, arbor.ObjectKind)
		_, err := rw.Replace(n, generic, "slot written with a non-int value")
		return err
	})
	if err != nil {
		return nil, err
	}
	return generic.write(frame, v), nil
}

// WriteObjectLocal stores any value into a slot.
type WriteObjectLocal struct {
	arbor.NodeBase
	Value arbor.Child

	slot int
}

func NewWriteObjectLocal(slot int, value Expr) *WriteObjectLocal {
	n := &WriteObjectLocal{slot: slot}
	n.Value.Set(n, value)
	return n
}

func (n *WriteObjectLocal) Slot() int { return n.slot }

func (n *WriteObjectLocal) Execute(frame *arbor.Frame) (interface{}, error) {
	v, err := n.Value.Get().(Expr).Execute(frame)
	if err != nil {
		return nil, err
	}
	return n.write(frame, v), nil
}

func (n *WriteObjectLocal) write(frame *arbor.Frame, v interface{}) interface{} {
	frame.SetObject(n.slot, v)
	return v
}

// ReadLocal evaluates to the current value of a slot, whatever its tag.
type ReadLocal struct {
	arbor.NodeBase
	slot int
}

func NewReadLocal(slot int) *ReadLocal {
	return &ReadLocal{slot: slot}
}

func (n *ReadLocal) Execute(frame *arbor.Frame) (interface{}, error) {
	return frame.GetValue(n.slot), nil
}

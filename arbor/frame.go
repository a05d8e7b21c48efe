package arbor

import (
	"math"
	"sync"
)

// A Frame holds the arguments and local slots of one activation.
//
// Frames are confined to the thread executing the activation. Once
// materialized, every access goes through the lock of the returned
// MaterializedFrame and the frame may be used from any goroutine.
type Frame struct {
	descriptor *FrameDescriptor
	arguments  []interface{}
	tags       []SlotKind
	objects    []interface{}
	primitives []uint64
	auxiliary  []interface{}
	bci        int

	thread       *Thread
	materialized *MaterializedFrame
}

// A MaterializedFrame is a frame that may be shared between goroutines.
type MaterializedFrame struct {
	*Frame
	mu sync.Mutex
}

// NewFrame returns a fresh frame for descriptor holding the given arguments.
// Every slot reads as the descriptor's default value, or is Illegal if the
// descriptor was built with DefaultValueIllegal.
func NewFrame(descriptor *FrameDescriptor, args ...interface{}) *Frame {
	n := descriptor.NumberOfSlots()
	f := &Frame{
		descriptor: descriptor,
		arguments:  args,
		tags:       make([]SlotKind, n),
		objects:    make([]interface{}, n),
		primitives: make([]uint64, n),
		bci:        NoBytecodeIndex,
	}
	if !descriptor.defaultIllegal {
		for i := range f.tags {
			f.tags[i] = ObjectKind
			f.objects[i] = descriptor.defaultValue
		}
	}
	return f
}

func noUnlock() {}

func (f *Frame) lock() func() {
	if m := f.materialized; m != nil {
		m.mu.Lock()
		return m.mu.Unlock
	}
	return noUnlock
}

// Materialize returns the shareable view of f. It must be called by the
// thread owning the frame; every call returns the same value.
func (f *Frame) Materialize() *MaterializedFrame {
	if f.materialized == nil {
		f.materialized = &MaterializedFrame{Frame: f}
	}
	return f.materialized
}

// IsMaterialized reports whether Materialize has been called.
func (f *Frame) IsMaterialized() bool { return f.materialized != nil }

func (f *Frame) Descriptor() *FrameDescriptor { return f.descriptor }

func (f *Frame) Arguments() []interface{} { return f.arguments }

// Thread returns the thread executing the frame, or nil for frames that were
// not created by a call.
func (f *Frame) Thread() *Thread { return f.thread }

// Tag returns the kind of the value currently stored in slot.
func (f *Frame) Tag(slot int) SlotKind {
	defer f.lock()()
	return f.tags[slot]
}

func (f *Frame) check(slot int, expected SlotKind) error {
	if actual := f.tags[slot]; actual != expected {
		return &FrameSlotTypeError{Slot: slot, Expected: expected, Actual: actual}
	}
	return nil
}

func (f *Frame) setPrimitive(slot int, kind SlotKind, bits uint64) {
	defer f.lock()()
	f.tags[slot] = kind
	f.objects[slot] = nil
	f.primitives[slot] = bits
}

func (f *Frame) getPrimitive(slot int, kind SlotKind) (uint64, error) {
	defer f.lock()()
	if err := f.check(slot, kind); err != nil {
		return 0, err
	}
	return f.primitives[slot], nil
}

func (f *Frame) is(slot int, kind SlotKind) bool {
	defer f.lock()()
	return f.tags[slot] == kind
}

func (f *Frame) GetObject(slot int) (interface{}, error) {
	defer f.lock()()
	if err := f.check(slot, ObjectKind); err != nil {
		return nil, err
	}
	return f.objects[slot], nil
}

func (f *Frame) SetObject(slot int, value interface{}) {
	defer f.lock()()
	f.tags[slot] = ObjectKind
	f.objects[slot] = value
	f.primitives[slot] = 0
}

func (f *Frame) IsObject(slot int) bool { return f.is(slot, ObjectKind) }

func (f *Frame) GetBoolean(slot int) (bool, error) {
	bits, err := f.getPrimitive(slot, BooleanKind)
	return bits != 0, err
}

func (f *Frame) SetBoolean(slot int, value bool) {
	var bits uint64
	if value {
		bits = 1
	}
	f.setPrimitive(slot, BooleanKind, bits)
}

func (f *Frame) IsBoolean(slot int) bool { return f.is(slot, BooleanKind) }

func (f *Frame) GetByte(slot int) (byte, error) {
	bits, err := f.getPrimitive(slot, ByteKind)
	return byte(bits), err
}

func (f *Frame) SetByte(slot int, value byte) { f.setPrimitive(slot, ByteKind, uint64(value)) }

func (f *Frame) IsByte(slot int) bool { return f.is(slot, ByteKind) }

func (f *Frame) GetInt(slot int) (int32, error) {
	bits, err := f.getPrimitive(slot, IntKind)
	return int32(uint32(bits)), err
}

func (f *Frame) SetInt(slot int, value int32) { f.setPrimitive(slot, IntKind, uint64(uint32(value))) }

func (f *Frame) IsInt(slot int) bool { return f.is(slot, IntKind) }

func (f *Frame) GetLong(slot int) (int64, error) {
	bits, err := f.getPrimitive(slot, LongKind)
	return int64(bits), err
}

func (f *Frame) SetLong(slot int, value int64) { f.setPrimitive(slot, LongKind, uint64(value)) }

func (f *Frame) IsLong(slot int) bool { return f.is(slot, LongKind) }

func (f *Frame) GetFloat(slot int) (float32, error) {
	bits, err := f.getPrimitive(slot, FloatKind)
	return math.Float32frombits(uint32(bits)), err
}

func (f *Frame) SetFloat(slot int, value float32) {
	f.setPrimitive(slot, FloatKind, uint64(math.Float32bits(value)))
}

func (f *Frame) IsFloat(slot int) bool { return f.is(slot, FloatKind) }

func (f *Frame) GetDouble(slot int) (float64, error) {
	bits, err := f.getPrimitive(slot, DoubleKind)
	return math.Float64frombits(bits), err
}

func (f *Frame) SetDouble(slot int, value float64) {
	f.setPrimitive(slot, DoubleKind, math.Float64bits(value))
}

func (f *Frame) IsDouble(slot int) bool { return f.is(slot, DoubleKind) }

// GetValue returns the value of slot boxed according to its current tag.
// Illegal slots read as nil.
func (f *Frame) GetValue(slot int) interface{} {
	defer f.lock()()
	return f.boxed(slot)
}

func (f *Frame) boxed(slot int) interface{} {
	bits := f.primitives[slot]
	switch f.tags[slot] {
	case ObjectKind:
		return f.objects[slot]
	case BooleanKind:
		return bits != 0
	case ByteKind:
		return byte(bits)
	case IntKind:
		return int32(uint32(bits))
	case LongKind:
		return int64(bits)
	case FloatKind:
		return math.Float32frombits(uint32(bits))
	case DoubleKind:
		return math.Float64frombits(bits)
	}
	return nil
}

// Clear resets slot to Illegal.
func (f *Frame) Clear(slot int) {
	defer f.lock()()
	f.tags[slot] = IllegalKind
	f.objects[slot] = nil
	f.primitives[slot] = 0
}

// CopySlot copies the tag and value of src into dst.
func (f *Frame) CopySlot(src, dst int) {
	defer f.lock()()
	f.tags[dst] = f.tags[src]
	f.objects[dst] = f.objects[src]
	f.primitives[dst] = f.primitives[src]
}

// SwapSlots exchanges the tags and values of a and b.
func (f *Frame) SwapSlots(a, b int) {
	defer f.lock()()
	f.tags[a], f.tags[b] = f.tags[b], f.tags[a]
	f.objects[a], f.objects[b] = f.objects[b], f.objects[a]
	f.primitives[a], f.primitives[b] = f.primitives[b], f.primitives[a]
}

// GetAuxiliarySlot returns the value of an auxiliary slot allocated with
// FrameDescriptor.FindOrAddAuxiliarySlot, or nil if it was never set.
func (f *Frame) GetAuxiliarySlot(slot int) interface{} {
	defer f.lock()()
	if slot < len(f.auxiliary) {
		return f.auxiliary[slot]
	}
	return nil
}

func (f *Frame) SetAuxiliarySlot(slot int, value interface{}) {
	defer f.lock()()
	if slot >= len(f.auxiliary) {
		grown := make([]interface{}, f.descriptor.NumberOfAuxiliarySlots())
		if len(grown) <= slot {
			grown = make([]interface{}, slot+1)
		}
		copy(grown, f.auxiliary)
		f.auxiliary = grown
	}
	f.auxiliary[slot] = value
}

// SetBytecodeIndex records the bytecode index currently executing in this
// frame, for roots resolving bytecode indices from frames.
func (f *Frame) SetBytecodeIndex(bci int) {
	defer f.lock()()
	f.bci = bci
}

func (f *Frame) BytecodeIndex() int {
	defer f.lock()()
	return f.bci
}

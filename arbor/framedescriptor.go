package arbor

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// A FrameDescriptorBuilder collects the slots of a FrameDescriptor.
type FrameDescriptorBuilder struct {
	kinds          []SlotKind
	names          []string
	infos          []interface{}
	defaultValue   interface{}
	defaultIllegal bool
	useSlotKinds   bool
	info           interface{}
}

func NewFrameDescriptorBuilder() *FrameDescriptorBuilder {
	return &FrameDescriptorBuilder{useSlotKinds: true}
}

// AddSlot adds a single slot and returns its index.
func (b *FrameDescriptorBuilder) AddSlot(kind SlotKind, name string, info interface{}) int {
	index := len(b.kinds)
	b.kinds = append(b.kinds, kind)
	b.names = append(b.names, name)
	b.infos = append(b.infos, info)
	return index
}

// AddSlots adds n anonymous slots of the given kind and returns the index of
// the first one.
func (b *FrameDescriptorBuilder) AddSlots(n int, kind SlotKind) int {
	if n < 0 {
		panic(fmt.Sprintf("negative slot count %d", n))
	}
	index := len(b.kinds)
	for i := 0; i < n; i++ {
		b.AddSlot(kind, "", nil)
	}
	return index
}

// DefaultValue sets the value read from slots that were never written.
func (b *FrameDescriptorBuilder) DefaultValue(value interface{}) *FrameDescriptorBuilder {
	b.defaultValue = value
	b.defaultIllegal = false
	return b
}

// DefaultValueIllegal makes slots that were never written read as Illegal,
// so that every accessor fails until the slot is set.
func (b *FrameDescriptorBuilder) DefaultValueIllegal() *FrameDescriptorBuilder {
	b.defaultValue = nil
	b.defaultIllegal = true
	return b
}

// UseSlotKinds enables or disables slot kind tracking. When disabled, every
// slot must be declared Illegal and SetSlotKind has no effect.
func (b *FrameDescriptorBuilder) UseSlotKinds(use bool) *FrameDescriptorBuilder {
	b.useSlotKinds = use
	return b
}

// Info attaches arbitrary client data to the descriptor.
func (b *FrameDescriptorBuilder) Info(info interface{}) *FrameDescriptorBuilder {
	b.info = info
	return b
}

func (b *FrameDescriptorBuilder) Build() (*FrameDescriptor, error) {
	if !b.useSlotKinds {
		for i, kind := range b.kinds {
			if kind != IllegalKind {
				return nil, fmt.Errorf("%w: slot %d declares kind %s but slot kinds are disabled", ErrIllegalState, i, kind)
			}
		}
	}
	for i, kind := range b.kinds {
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: slot %d has invalid kind %s", ErrIllegalState, i, kind)
		}
	}
	d := &FrameDescriptor{
		names:          append([]string(nil), b.names...),
		infos:          append([]interface{}(nil), b.infos...),
		defaultValue:   b.defaultValue,
		defaultIllegal: b.defaultIllegal,
		useSlotKinds:   b.useSlotKinds,
		info:           b.info,
	}
	d.shape.Store(newSlotShape(b.kinds))
	d.aux.Store(&auxiliaryShape{})
	return d, nil
}

// MustBuild is like Build but panics on error.
func (b *FrameDescriptorBuilder) MustBuild() *FrameDescriptor {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}

// A FrameDescriptor describes the slots of the frames of one root node.
//
// Slot indices are stable. The kind of a slot may change at run time, in
// which case the assumption returned by SlotKindAssumption for that slot is
// invalidated. Shape mutations are serialised by an internal lock and
// publish immutable snapshots, so readers never lock.
type FrameDescriptor struct {
	mu sync.Mutex

	shape atomic.Pointer[slotShape]
	aux   atomic.Pointer[auxiliaryShape]

	names          []string
	infos          []interface{}
	defaultValue   interface{}
	defaultIllegal bool
	useSlotKinds   bool
	info           interface{}
}

type slotShape struct {
	kinds       []SlotKind
	assumptions []*Assumption
}

func newSlotShape(kinds []SlotKind) *slotShape {
	s := &slotShape{
		kinds:       append([]SlotKind(nil), kinds...),
		assumptions: make([]*Assumption, len(kinds)),
	}
	for i := range s.assumptions {
		s.assumptions[i] = NewAssumption(fmt.Sprintf("slot %d kind", i))
	}
	return s
}

type auxiliaryShape struct {
	index map[interface{}]int
	count int
}

// A SlotDescription is a point-in-time view of one slot.
type SlotDescription struct {
	Index int
	Kind  SlotKind
	Name  string
	Info  interface{}
}

func (d *FrameDescriptor) NumberOfSlots() int { return len(d.names) }

func (d *FrameDescriptor) SlotKind(slot int) SlotKind { return d.shape.Load().kinds[slot] }

func (d *FrameDescriptor) SlotName(slot int) string { return d.names[slot] }

func (d *FrameDescriptor) SlotInfo(slot int) interface{} { return d.infos[slot] }

func (d *FrameDescriptor) DefaultValue() interface{} { return d.defaultValue }

func (d *FrameDescriptor) Info() interface{} { return d.info }

// SlotKindAssumption returns the assumption that the current kind of slot
// does not change.
func (d *FrameDescriptor) SlotKindAssumption(slot int) *Assumption {
	return d.shape.Load().assumptions[slot]
}

// SetSlotKind changes the kind of slot, invalidating the slot's kind
// assumption if the kind actually changed.
func (d *FrameDescriptor) SetSlotKind(slot int, kind SlotKind) {
	if !d.useSlotKinds || d.SlotKind(slot) == kind {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.shape.Load()
	previous := current.kinds[slot]
	if previous == kind {
		return
	}
	next := &slotShape{
		kinds:       append([]SlotKind(nil), current.kinds...),
		assumptions: append([]*Assumption(nil), current.assumptions...),
	}
	next.kinds[slot] = kind
	next.assumptions[slot] = NewAssumption(fmt.Sprintf("slot %d kind", slot))
	d.shape.Store(next)
	current.assumptions[slot].Invalidate(fmt.Sprintf("slot %d changed from %s to %s", slot, previous, kind))
}

// Slots returns a snapshot of every slot.
func (d *FrameDescriptor) Slots() []SlotDescription {
	shape := d.shape.Load()
	slots := make([]SlotDescription, len(d.names))
	for i := range slots {
		slots[i] = SlotDescription{
			Index: i,
			Kind:  shape.kinds[i],
			Name:  d.names[i],
			Info:  d.infos[i],
		}
	}
	return slots
}

// Copy returns a descriptor with the same slots, names, infos and default
// value. Slot kinds are not copied: every slot of the copy starts Illegal.
func (d *FrameDescriptor) Copy() *FrameDescriptor {
	kinds := make([]SlotKind, len(d.names))
	c := &FrameDescriptor{
		names:          append([]string(nil), d.names...),
		infos:          append([]interface{}(nil), d.infos...),
		defaultValue:   d.defaultValue,
		defaultIllegal: d.defaultIllegal,
		useSlotKinds:   d.useSlotKinds,
		info:           d.info,
	}
	c.shape.Store(newSlotShape(kinds))
	c.aux.Store(&auxiliaryShape{})
	return c
}

// FindOrAddAuxiliarySlot returns the auxiliary slot for key, allocating a
// new one if necessary. Keys are compared with ==, so they must be
// comparable.
func (d *FrameDescriptor) FindOrAddAuxiliarySlot(key interface{}) int {
	if index, ok := d.aux.Load().index[key]; ok {
		return index
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.aux.Load()
	if index, ok := current.index[key]; ok {
		return index
	}
	next := &auxiliaryShape{
		index: make(map[interface{}]int, len(current.index)+1),
		count: current.count + 1,
	}
	for k, v := range current.index {
		next.index[k] = v
	}
	next.index[key] = current.count
	d.aux.Store(next)
	return current.count
}

// DisableAuxiliarySlot forgets the auxiliary slot for key. Its index is not
// reused until every auxiliary slot has been disabled.
func (d *FrameDescriptor) DisableAuxiliarySlot(key interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.aux.Load()
	if _, ok := current.index[key]; !ok {
		return
	}
	next := &auxiliaryShape{
		index: make(map[interface{}]int, len(current.index)),
		count: current.count,
	}
	for k, v := range current.index {
		if k != key {
			next.index[k] = v
		}
	}
	if len(next.index) == 0 {
		next.count = 0
	}
	d.aux.Store(next)
}

// AuxiliarySlots returns a copy of the key to index mapping of the enabled
// auxiliary slots.
func (d *FrameDescriptor) AuxiliarySlots() map[interface{}]int {
	current := d.aux.Load()
	slots := make(map[interface{}]int, len(current.index))
	for k, v := range current.index {
		slots[k] = v
	}
	return slots
}

// NumberOfAuxiliarySlots returns the size of the auxiliary slot storage.
func (d *FrameDescriptor) NumberOfAuxiliarySlots() int {
	return d.aux.Load().count
}

func (d *FrameDescriptor) String() string {
	return fmt.Sprintf("FrameDescriptor@%p{%d slots, %d auxiliary}", d, d.NumberOfSlots(), d.NumberOfAuxiliarySlots())
}

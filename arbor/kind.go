package arbor

import "fmt"

// SlotKind is the type tag of a frame slot.
type SlotKind uint8

const (
	IllegalKind SlotKind = iota
	ObjectKind
	BooleanKind
	ByteKind
	IntKind
	LongKind
	FloatKind
	DoubleKind
	slotKindLimit
)

var slotKindNames = [...]string{
	IllegalKind: "Illegal",
	ObjectKind:  "Object",
	BooleanKind: "Boolean",
	ByteKind:    "Byte",
	IntKind:     "Int",
	LongKind:    "Long",
	FloatKind:   "Float",
	DoubleKind:  "Double",
}

func (k SlotKind) String() string {
	if k < slotKindLimit {
		return slotKindNames[k]
	}
	return fmt.Sprintf("SlotKind(%d)", uint8(k))
}

// Valid reports whether k is one of the defined kinds.
func (k SlotKind) Valid() bool {
	return k < slotKindLimit
}

// Primitive reports whether values of kind k are stored unboxed.
func (k SlotKind) Primitive() bool {
	return k >= BooleanKind && k < slotKindLimit
}

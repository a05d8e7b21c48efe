package arbor

import (
	"reflect"
	"sync"
	"unsafe"
)

// A nodeClass lists the child fields of one node type in declaration order.
type nodeClass struct {
	fields []childField
}

type childField struct {
	index []int
	array bool
}

var (
	childType    = reflect.TypeOf((*Child)(nil)).Elem()
	childrenType = reflect.TypeOf((*Children)(nil)).Elem()
	nodeBaseType = reflect.TypeOf(NodeBase{})

	nodeClasses sync.Map // reflect.Type -> *nodeClass
)

func nodeClassOf(t reflect.Type) *nodeClass {
	if class, ok := nodeClasses.Load(t); ok {
		return class.(*nodeClass)
	}
	class := &nodeClass{}
	collectChildFields(t, nil, &class.fields)
	actual, _ := nodeClasses.LoadOrStore(t, class)
	return actual.(*nodeClass)
}

func collectChildFields(t reflect.Type, prefix []int, fields *[]childField) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		index := append(append([]int(nil), prefix...), i)
		switch {
		case f.Type == childType:
			*fields = append(*fields, childField{index: index})
		case f.Type == childrenType:
			*fields = append(*fields, childField{index: index, array: true})
		case f.Anonymous && f.Type.Kind() == reflect.Struct && f.Type != nodeBaseType:
			collectChildFields(f.Type, index, fields)
		}
	}
}

// structOf returns the addressable struct behind n, if any.
func structOf(n Node) (reflect.Value, bool) {
	v := reflect.ValueOf(n)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	return v.Elem(), true
}

func forEachCell(n Node, fn func(*Child)) {
	s, ok := structOf(n)
	if !ok {
		return
	}
	for _, f := range nodeClassOf(s.Type()).fields {
		ptr := unsafe.Pointer(s.FieldByIndex(f.index).UnsafeAddr())
		if f.array {
			cells := (*Children)(ptr).list()
			for i := range cells {
				fn(&cells[i])
			}
		} else {
			fn((*Child)(ptr))
		}
	}
}

// cloneHook is implemented by nodes holding state that must not be shared
// with their clones.
type cloneHook interface {
	afterClone()
}

// CloneNode returns a deep copy of the tree rooted at n. The copy has the
// same shape and node types, is detached from any parent and shares no
// child references with the original.
func CloneNode(n Node) Node {
	if n == nil {
		return nil
	}
	lock := n.nodeBase().treeLock()
	lock.Lock()
	defer lock.Unlock()

	return cloneLocked(n)
}

func cloneLocked(n Node) Node {
	s, ok := structOf(n)
	if !ok {
		return n
	}
	copied := reflect.New(s.Type())
	copied.Elem().Set(s)
	clone := copied.Interface().(Node)

	b := clone.nodeBase()
	b.parent.Store(nil)
	b.cell = nil
	b.self = nil
	b.root = nil

	for _, f := range nodeClassOf(s.Type()).fields {
		ptr := unsafe.Pointer(copied.Elem().FieldByIndex(f.index).UnsafeAddr())
		if f.array {
			children := (*Children)(ptr)
			original := children.list()
			cells := make([]Child, len(original))
			for i := range original {
				if child := original[i].Get(); child != nil {
					adopt(&cells[i], clone, cloneLocked(child))
				}
			}
			children.cells.Store(&cells)
		} else {
			cell := (*Child)(ptr)
			child := cell.Get()
			cell.ref.Store(nil)
			if child != nil {
				adopt(cell, clone, cloneLocked(child))
			}
		}
	}
	if hook, ok := clone.(cloneHook); ok {
		hook.afterClone()
	}
	return clone
}

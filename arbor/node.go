package arbor

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// A Node is an element of an executable tree. Concrete nodes are pointers
// to structs embedding NodeBase; their children are held in Child and
// Children fields.
type Node interface {
	nodeBase() *NodeBase
}

// An ExecutableNode is a node producing a value.
type ExecutableNode interface {
	Node
	Execute(frame *Frame) (interface{}, error)
}

type nodeRef struct {
	node Node
}

// NodeBase holds the tree links of a node. It must be embedded, not named,
// in every node struct.
type NodeBase struct {
	parent atomic.Pointer[nodeRef]

	// Guarded by the tree lock.
	cell *Child
	self Node

	// Set for the NodeBase of a RootNode only.
	root *RootNode
}

func (b *NodeBase) nodeBase() *NodeBase { return b }

// Parent returns the node holding this one, or nil.
func (b *NodeBase) Parent() Node {
	if ref := b.parent.Load(); ref != nil {
		return ref.node
	}
	return nil
}

// RootNode returns the root of the tree containing this node, or nil if the
// node is not part of a rooted tree.
func (b *NodeBase) RootNode() *RootNode {
	for {
		if b.root != nil {
			return b.root
		}
		ref := b.parent.Load()
		if ref == nil {
			return nil
		}
		b = ref.node.nodeBase()
	}
}

// detachedTreeLock serialises rewrites of trees that have no root yet.
var detachedTreeLock sync.Mutex

func (b *NodeBase) treeLock() *sync.Mutex {
	if root := b.RootNode(); root != nil {
		return &root.treeLock
	}
	return &detachedTreeLock
}

// Replace substitutes replacement for this node in its parent and returns
// replacement. Concurrent replacements of the same node are serialised:
// only the first takes effect and later ones return the node that won.
//
// Replace fails with an error matching ErrNoParent if the node is not held
// by a parent, for example when it is a root.
//
//go:noinline
func (b *NodeBase) Replace(replacement Node, reason string) (Node, error) {
	if replacement == nil {
		return nil, fmt.Errorf("%w: replacement node", ErrNilArgument)
	}

	lock := b.treeLock()
	lock.Lock()
	defer lock.Unlock()
	return b.replaceLocked(replacement, reason)
}

func (b *NodeBase) replaceLocked(replacement Node, reason string) (Node, error) {
	cell := b.cell
	if cell == nil || b.self == nil {
		return nil, fmt.Errorf("%w: cannot replace %T (%s)", ErrNoParent, b.self, reason)
	}
	current := cell.ref.Load()
	if current == nil || current.node != b.self {
		if current == nil {
			return nil, fmt.Errorf("%w: %T was removed from its parent", ErrNoParent, b.self)
		}
		return current.node, nil
	}

	adopt(cell, b.Parent(), replacement)
	if root := b.RootNode(); root != nil {
		root.rewrites.Add(1)
	}
	return replacement, nil
}

// A Rewriter updates a tree while its lock is held. It is only valid inside
// the function passed to AtomicRewrite.
type Rewriter struct{}

// AtomicRewrite runs fn holding the tree lock of n, so that a specializing
// node can inspect the tree, build its replacement and install it without
// racing other rewrites. fn must use rw rather than Replace or Child.Set on
// the same tree.
func AtomicRewrite(n Node, fn func(rw *Rewriter) error) error {
	lock := n.nodeBase().treeLock()
	lock.Lock()
	defer lock.Unlock()
	return fn(&Rewriter{})
}

// Current returns the node occupying the place of n in its parent: n itself
// unless n was replaced.
func (*Rewriter) Current(n Node) Node {
	b := n.nodeBase()
	if b.cell == nil {
		return n
	}
	if ref := b.cell.ref.Load(); ref != nil {
		return ref.node
	}
	return nil
}

// Set is Child.Set under the held lock.
func (*Rewriter) Set(c *Child, parent Node, child Node) {
	adopt(c, parent, child)
}

// Replace is NodeBase.Replace under the held lock.
func (*Rewriter) Replace(n Node, replacement Node, reason string) (Node, error) {
	if replacement == nil {
		return nil, fmt.Errorf("%w: replacement node", ErrNilArgument)
	}
	return n.nodeBase().replaceLocked(replacement, reason)
}

// A Child is a replaceable reference from a node to one of its children.
type Child struct {
	ref atomic.Pointer[nodeRef]
}

// Get returns the current child, or nil.
func (c *Child) Get() Node {
	if ref := c.ref.Load(); ref != nil {
		return ref.node
	}
	return nil
}

// Set makes child the child of parent held in c.
func (c *Child) Set(parent Node, child Node) {
	lock := parent.nodeBase().treeLock()
	lock.Lock()
	defer lock.Unlock()

	adopt(c, parent, child)
}

// adopt must be called with the tree lock held.
func adopt(c *Child, parent Node, child Node) {
	if child == nil {
		c.ref.Store(nil)
		return
	}
	b := child.nodeBase()
	b.parent.Store(&nodeRef{parent})
	b.cell = c
	b.self = child
	c.ref.Store(&nodeRef{child})
}

// Children is a fixed-size array of child references. The array is
// published atomically, so Set may replace it while the tree executes.
type Children struct {
	cells atomic.Pointer[[]Child]
}

// Set makes nodes the children of parent held in c, replacing any previous
// children.
func (c *Children) Set(parent Node, nodes ...Node) {
	lock := parent.nodeBase().treeLock()
	lock.Lock()
	defer lock.Unlock()

	cells := make([]Child, len(nodes))
	for i, n := range nodes {
		adopt(&cells[i], parent, n)
	}
	c.cells.Store(&cells)
}

func (c *Children) list() []Child {
	if cells := c.cells.Load(); cells != nil {
		return *cells
	}
	return nil
}

func (c *Children) Len() int { return len(c.list()) }

func (c *Children) Get(i int) Node { return c.list()[i].Get() }

// Nodes returns the current children, read from a single snapshot of the
// array.
func (c *Children) Nodes() []Node {
	cells := c.list()
	nodes := make([]Node, len(cells))
	for i := range cells {
		nodes[i] = cells[i].Get()
	}
	return nodes
}

// Cell returns the reference holding the i-th child.
func (c *Children) Cell(i int) *Child { return &c.list()[i] }

// RootNodeOf returns the root of the tree containing n, or nil.
func RootNodeOf(n Node) *RootNode {
	if n == nil {
		return nil
	}
	return n.nodeBase().RootNode()
}

// ParentOf returns the parent of n, or nil.
func ParentOf(n Node) Node {
	return n.nodeBase().Parent()
}

// ChildrenOf returns the non-nil children of n in declaration order. Fields
// of embedded structs come at the position of the embedding field, so
// children declared by an embedded base precede those declared after it.
func ChildrenOf(n Node) []Node {
	var children []Node
	forEachCell(n, func(c *Child) {
		if child := c.Get(); child != nil {
			children = append(children, child)
		}
	})
	return children
}

// Walk calls visit for n and, while visit returns true, for its descendants
// in pre-order.
func Walk(n Node, visit func(Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	for _, child := range ChildrenOf(n) {
		Walk(child, visit)
	}
}

// NodeCount returns the number of nodes in the tree rooted at n.
func NodeCount(n Node) int {
	count := 0
	Walk(n, func(Node) bool {
		count++
		return true
	})
	return count
}

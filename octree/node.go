// Package octree implements the node graph of a streamed point cloud octree. Nodes are created
// from hierarchy data, loaded on demand and disposed when evicted. The graph is not safe for
// concurrent mutation; it is owned by the goroutine driving visibility updates.
package octree

import (
	"github.com/golang/geo/r3"
	"go.uber.org/atomic"

	"go.viam.com/potree/pointcloud"
	"go.viam.com/potree/spatialmath"
)

// NodeType is the hierarchy record type of a node in a chunked dataset.
type NodeType uint8

const (
	// Normal is a node whose point data location is known.
	Normal = NodeType(iota)
	// Leaf is a node without children.
	Leaf
	// Proxy is a node whose own hierarchy chunk has not been read yet. Only the chunk location is known.
	Proxy
)

// State is the load state of a node.
type State int

// A node moves from Unloaded to Loading when a load is dispatched and then to Loaded or Failed.
// Loaded nodes return to Unloaded only when disposed. Failed is terminal.
const (
	Unloaded = State(iota)
	Loading
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Kind distinguishes nodes that only hold geometry from nodes that are part of the displayed set.
type Kind int

const (
	// KindGeometry nodes hold hierarchy and possibly point data.
	KindGeometry = Kind(iota)
	// KindDisplayed nodes have been handed to the renderer.
	KindDisplayed
)

var nodeIDs atomic.Uint64

// Node is a single cell of the octree.
type Node struct {
	ID    uint64
	Name  string
	Index int
	Level int

	BoundingBox      spatialmath.Box
	BoundingSphere   spatialmath.Sphere
	TightBoundingBox spatialmath.Box
	Spacing          float64
	NumPoints        int
	Mean             r3.Vector

	Children    [8]*Node
	Parent      *Node
	HasChildren bool

	Type                NodeType
	ByteOffset          uint64
	ByteSize            uint64
	HierarchyByteOffset uint64
	HierarchyByteSize   uint64

	State   State
	Buffers *pointcloud.Buffers

	// Visible is set by the scheduler for displayed nodes rendered this frame.
	Visible bool

	kind            Kind
	disposeHandlers []func()
}

// NewNode returns an unloaded node covering box. Index and Level are derived from name.
func NewNode(name string, box spatialmath.Box) *Node {
	n := &Node{
		ID:    nodeIDs.Inc(),
		Name:  name,
		Index: IndexFromName(name),
		Level: LevelFromName(name),
	}
	n.SetBoundingBox(box)
	return n
}

// SetBoundingBox replaces the bounding box and the derived sphere. The tight box is reset to it.
func (n *Node) SetBoundingBox(box spatialmath.Box) {
	n.BoundingBox = box
	n.BoundingSphere = box.BoundingSphere()
	n.TightBoundingBox = box
}

// NewChild returns an unlinked child for the octant, with half the spacing.
func (n *Node) NewChild(index int) *Node {
	child := NewNode(ChildName(n.Name, index), ChildBox(n.BoundingBox, index))
	child.Spacing = n.Spacing / 2
	return child
}

// AddChild links child under n at the child's octant index.
func (n *Node) AddChild(child *Node) {
	n.Children[child.Index] = child
	child.Parent = n
}

// IsLeaf reports whether no child is linked.
func (n *Node) IsLeaf() bool {
	for _, c := range n.Children {
		if c != nil {
			return false
		}
	}
	return true
}

// IsLoaded reports whether the node's point data is resident.
func (n *Node) IsLoaded() bool {
	return n.State == Loaded
}

// Traverse visits n's subtree in pre-order without recursion.
func (n *Node) Traverse(visit func(*Node), includeSelf bool) {
	var stack []*Node
	if includeSelf {
		stack = append(stack, n)
	} else {
		stack = appendChildren(stack, n)
	}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visit(current)
		stack = appendChildren(stack, current)
	}
}

func appendChildren(stack []*Node, n *Node) []*Node {
	for i := len(n.Children) - 1; i >= 0; i-- {
		if c := n.Children[i]; c != nil {
			stack = append(stack, c)
		}
	}
	return stack
}

// OnDispose registers a handler that runs once, the next time the node is disposed.
func (n *Node) OnDispose(handler func()) {
	n.disposeHandlers = append(n.disposeHandlers, handler)
}

// Dispose releases the node's point data and runs its dispose handlers. The root is never
// disposed, and neither is a node without resident data.
func (n *Node) Dispose() {
	if n.Buffers == nil || n.Parent == nil {
		return
	}
	n.Buffers = nil
	n.State = Unloaded
	handlers := n.disposeHandlers
	n.disposeHandlers = nil
	for _, h := range handlers {
		h()
	}
}

// Kind returns whether the node is part of the displayed set.
func (n *Node) Kind() Kind {
	return n.kind
}

// Promote marks a loaded node as displayed. The node reverts to a geometry node when disposed.
func (n *Node) Promote() {
	if n.kind == KindDisplayed {
		return
	}
	n.kind = KindDisplayed
	n.OnDispose(n.demote)
}

func (n *Node) demote() {
	n.kind = KindGeometry
	n.Visible = false
}

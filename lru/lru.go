// Package lru tracks the octree nodes whose point data is resident and evicts the least recently
// displayed ones when the resident point count grows past twice the point budget.
package lru

import (
	"container/list"

	"go.viam.com/potree/logging"
	"go.viam.com/potree/octree"
)

type entry struct {
	node      *octree.Node
	numPoints int
}

// Cache is an LRU of loaded nodes ordered by when they were last displayed. The front of the list
// is the most recently touched node. A Cache is owned by the goroutine driving visibility updates
// and is not safe for concurrent use.
type Cache struct {
	logger      logging.Logger
	name        string
	pointBudget int
	numPoints   int
	order       *list.List
	items       map[uint64]*list.Element
}

// DefaultName is the name a cache reports its metrics under unless renamed.
const DefaultName = "default"

// New returns an empty cache for the given point budget.
func New(pointBudget int, logger logging.Logger) *Cache {
	return &Cache{
		logger:      logger,
		name:        DefaultName,
		pointBudget: pointBudget,
		order:       list.New(),
		items:       map[uint64]*list.Element{},
	}
}

// Name returns the name the cache reports its metrics under.
func (c *Cache) Name() string {
	return c.name
}

// SetName changes the name the cache reports its metrics under. Caches sharing a process should
// have distinct names.
func (c *Cache) SetName(name string) {
	if name == c.name {
		return
	}
	residentPoints.DeleteLabelValues(c.name)
	c.name = name
	c.reportResident()
}

func (c *Cache) reportResident() {
	residentPoints.WithLabelValues(c.name).Set(float64(c.numPoints))
}

// Touch marks node as the most recently used. Nodes that are not loaded are ignored.
func (c *Cache) Touch(node *octree.Node) {
	if !node.IsLoaded() {
		return
	}
	if elem, ok := c.items[node.ID]; ok {
		c.order.MoveToFront(elem)
		return
	}
	c.items[node.ID] = c.order.PushFront(&entry{node: node, numPoints: node.NumPoints})
	c.numPoints += node.NumPoints
	c.reportResident()
}

// Remove drops node from the cache without disposing it. Absent nodes are ignored.
func (c *Cache) Remove(node *octree.Node) {
	elem, ok := c.items[node.ID]
	if !ok {
		return
	}
	e := c.order.Remove(elem).(*entry)
	delete(c.items, node.ID)
	c.numPoints -= e.numPoints
	c.reportResident()
}

// Has reports whether node is in the cache.
func (c *Cache) Has(node *octree.Node) bool {
	_, ok := c.items[node.ID]
	return ok
}

// Len returns the number of cached nodes.
func (c *Cache) Len() int {
	return c.order.Len()
}

// NumPoints returns the number of points held by cached nodes.
func (c *Cache) NumPoints() int {
	return c.numPoints
}

// PointBudget returns the budget eviction is measured against.
func (c *Cache) PointBudget() int {
	return c.pointBudget
}

// SetPointBudget changes the budget and evicts immediately if the cache is now over it.
func (c *Cache) SetPointBudget(budget int) {
	c.pointBudget = budget
	c.FreeMemory()
}

// FreeMemory evicts least recently used nodes, together with their loaded descendants, until
// at most twice the point budget is resident or a single node remains.
func (c *Cache) FreeMemory() {
	evicted := 0
	for c.order.Len() > 1 && c.numPoints > 2*c.pointBudget {
		oldest := c.order.Back().Value.(*entry).node
		var subtree []*octree.Node
		oldest.Traverse(func(n *octree.Node) {
			if n.IsLoaded() {
				subtree = append(subtree, n)
			}
		}, true)
		for _, n := range subtree {
			n.Dispose()
			c.Remove(n)
			evicted++
		}
		// an entry whose node was unloaded out of band
		c.Remove(oldest)
	}
	if evicted > 0 {
		evictions.WithLabelValues(c.name).Add(float64(evicted))
		if c.logger != nil {
			c.logger.Debugw("evicted nodes", "count", evicted, "resident_points", c.numPoints, "budget", c.pointBudget)
		}
	}
}

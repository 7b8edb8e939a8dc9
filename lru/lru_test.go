package lru

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.viam.com/test"

	"go.viam.com/potree/logging"
	"go.viam.com/potree/octree"
	"go.viam.com/potree/pointcloud"
	"go.viam.com/potree/spatialmath"
)

func loadedTree(t *testing.T, points map[string]int) *octree.Node {
	t.Helper()
	root := octree.NewNode(octree.RootName, spatialmath.NewBox(r3.Vector{}, r3.Vector{X: 1, Y: 1, Z: 1}))
	var entries []octree.FlatEntry
	for name, n := range points {
		entries = append(entries, octree.FlatEntry{Name: name, NumPoints: n})
	}
	test.That(t, octree.BuildFlatHierarchy(root, entries, 1), test.ShouldBeNil)
	root.Traverse(func(n *octree.Node) {
		n.State = octree.Loaded
		n.Buffers = &pointcloud.Buffers{NumPoints: n.NumPoints}
	}, true)
	return root
}

func TestTouch(t *testing.T) {
	root := loadedTree(t, map[string]int{"r": 10, "r0": 20})
	c := New(100, logging.NewTestLogger(t))

	c.Touch(root)
	c.Touch(root.Find("r0"))
	c.Touch(root)
	test.That(t, c.Len(), test.ShouldEqual, 2)
	test.That(t, c.NumPoints(), test.ShouldEqual, 30)
	test.That(t, c.Has(root), test.ShouldBeTrue)

	t.Run("unloaded nodes are ignored", func(t *testing.T) {
		n := octree.NewNode("r1", root.BoundingBox.Octant(1))
		n.NumPoints = 5
		c.Touch(n)
		test.That(t, c.Has(n), test.ShouldBeFalse)
		test.That(t, c.NumPoints(), test.ShouldEqual, 30)
	})

	t.Run("remove", func(t *testing.T) {
		c.Remove(root.Find("r0"))
		c.Remove(root.Find("r0"))
		test.That(t, c.Len(), test.ShouldEqual, 1)
		test.That(t, c.NumPoints(), test.ShouldEqual, 10)
		// removal does not unload
		test.That(t, root.Find("r0").IsLoaded(), test.ShouldBeTrue)
	})
}

func TestFreeMemory(t *testing.T) {
	root := loadedTree(t, map[string]int{
		"r": 10, "r0": 20, "r1": 30, "r00": 40, "r01": 50,
	})
	c := New(100, logging.NewTestLogger(t))
	for _, name := range []string{"r", "r0", "r00", "r01", "r1"} {
		c.Touch(root.Find(name))
	}
	test.That(t, c.NumPoints(), test.ShouldEqual, 150)

	c.FreeMemory()
	test.That(t, c.Len(), test.ShouldEqual, 5)

	t.Run("the least recently used subtree goes first", func(t *testing.T) {
		// order, oldest first: r, r0, r00, r01, r1. Touching r moves it to the front.
		c.Touch(root)
		c.SetPointBudget(60)
		// r0 is evicted with r00 and r01, leaving r and r1.
		test.That(t, c.Len(), test.ShouldEqual, 2)
		test.That(t, c.NumPoints(), test.ShouldEqual, 40)
		test.That(t, c.NumPoints(), test.ShouldBeLessThanOrEqualTo, 2*c.PointBudget())
		for _, name := range []string{"r0", "r00", "r01"} {
			n := root.Find(name)
			test.That(t, n.IsLoaded(), test.ShouldBeFalse)
			test.That(t, n.Buffers, test.ShouldBeNil)
			test.That(t, c.Has(n), test.ShouldBeFalse)
		}
		test.That(t, root.Find("r1").IsLoaded(), test.ShouldBeTrue)
	})

	t.Run("a single entry is never evicted", func(t *testing.T) {
		c.SetPointBudget(1)
		test.That(t, c.Len(), test.ShouldEqual, 1)
		test.That(t, c.NumPoints(), test.ShouldBeGreaterThan, 2*c.PointBudget())
	})
}

func TestFreeMemoryRootEntry(t *testing.T) {
	root := loadedTree(t, map[string]int{"r": 300, "r0": 10})
	c := New(100, logging.NewTestLogger(t))
	c.Touch(root)
	c.Touch(root.Find("r0"))

	c.FreeMemory()
	// the root is oldest: its loaded subtree is disposed, but the root keeps its own data
	test.That(t, c.Len(), test.ShouldEqual, 0)
	test.That(t, c.NumPoints(), test.ShouldEqual, 0)
	test.That(t, root.IsLoaded(), test.ShouldBeTrue)
	test.That(t, root.Find("r0").IsLoaded(), test.ShouldBeFalse)
}

func TestResidentPointsPerCache(t *testing.T) {
	a := New(100, logging.NewTestLogger(t))
	b := New(100, logging.NewTestLogger(t))
	test.That(t, a.Name(), test.ShouldEqual, DefaultName)
	a.SetName("resident-a")
	b.SetName("resident-b")

	a.Touch(loadedTree(t, map[string]int{"r": 10}))
	b.Touch(loadedTree(t, map[string]int{"r": 25}))
	test.That(t, testutil.ToFloat64(residentPoints.WithLabelValues("resident-a")), test.ShouldEqual, 10.)
	test.That(t, testutil.ToFloat64(residentPoints.WithLabelValues("resident-b")), test.ShouldEqual, 25.)

	a.SetName("resident-c")
	test.That(t, testutil.ToFloat64(residentPoints.WithLabelValues("resident-c")), test.ShouldEqual, 10.)
	test.That(t, testutil.ToFloat64(residentPoints.WithLabelValues("resident-b")), test.ShouldEqual, 25.)
}

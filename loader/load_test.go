package loader_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/potree/loader"
	"go.viam.com/potree/logging"
	"go.viam.com/potree/octree"
	"go.viam.com/potree/spatialmath"
	"go.viam.com/potree/testutils"
	"go.viam.com/potree/workerpool"
)

var (
	worldBox      = spatialmath.NewBox(r3.Vector{X: 10, Y: 20, Z: 30}, r3.Vector{X: 18, Y: 28, Z: 38})
	normalizedBox = spatialmath.NewBox(r3.Vector{}, r3.Vector{X: 8, Y: 8, Z: 8})
)

// sparseNodes is a tree reaching two hierarchy steps down along r0/r00.
func sparseNodes() []testutils.Node {
	var nodes []testutils.Node
	for _, name := range []string{"r", "r0", "r4", "r00", "r04", "r000", "r0007"} {
		nodes = append(nodes, testutils.Node{
			Name:   name,
			Points: testutils.PointsIn(testutils.NodeBox(normalizedBox, name), 2),
		})
	}
	return nodes
}

func loadDataset(t *testing.T, store *testutils.MemoryStore, url string) *loader.Geometry {
	t.Helper()
	g, err := loader.LoadGeometry(context.Background(), url, loader.Options{
		Requester: store.Requester(),
		Logger:    logging.NewTestLogger(t),
	})
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, g.Close(), test.ShouldBeNil)
	})
	return g
}

func loadNode(t *testing.T, g *loader.Geometry, node *octree.Node) error {
	t.Helper()
	err := g.Load(node).Wait(context.Background())
	g.ApplyCompleted()
	return err
}

func assertPosition(t *testing.T, node *octree.Node, i int, expected r3.Vector) {
	t.Helper()
	p := node.Buffers.Position(i)
	test.That(t, p.X, test.ShouldAlmostEqual, expected.X, 1e-3)
	test.That(t, p.Y, test.ShouldAlmostEqual, expected.Y, 1e-3)
	test.That(t, p.Z, test.ShouldAlmostEqual, expected.Z, 1e-3)
}

func TestLoadFlatGeometry(t *testing.T) {
	for _, version := range []string{"1.3", "1.4", "1.7"} {
		t.Run(version, func(t *testing.T) {
			store := testutils.NewMemoryStore()
			url := testutils.FlatDataset{
				Version: version,
				Box:     worldBox,
				Spacing: 1,
				Nodes:   sparseNodes(),
			}.Write(store, "ds")
			g := loadDataset(t, store, url)

			test.That(t, g.Version.String(), test.ShouldEqual, version)
			test.That(t, g.Offset, test.ShouldResemble, worldBox.Min)
			test.That(t, g.BoundingBox, test.ShouldResemble, normalizedBox)
			test.That(t, g.PointAttributes.ByteSize, test.ShouldEqual, testutils.FlatStride)

			root := g.Root
			test.That(t, root.State, test.ShouldEqual, octree.Loaded)
			test.That(t, root.NumPoints, test.ShouldEqual, 2)
			test.That(t, root.Buffers.NumPoints, test.ShouldEqual, 2)
			test.That(t, root.Buffers.Colors[:3], test.ShouldResemble, []uint8{10, 100, 200})
			test.That(t, g.NumNodesLoading(), test.ShouldEqual, 0)

			// legacy positions are absolute, later ones are relative to the node
			first := r3.Vector{X: 2, Y: 2, Z: 2}
			if version == "1.3" {
				first = first.Add(worldBox.Min)
			}
			assertPosition(t, root, 0, first)
			local := root.Buffers.Position(0).Add(g.PositionOrigin(root))
			test.That(t, local.Sub(r3.Vector{X: 2, Y: 2, Z: 2}).Norm(), test.ShouldAlmostEqual, 0, 1e-3)
			test.That(t, root.TightBoundingBox.Min, test.ShouldResemble, r3.Vector{})
			test.That(t, root.TightBoundingBox.Max.X, test.ShouldAlmostEqual, 4, 1e-3)

			r0 := root.Children[0]
			test.That(t, r0, test.ShouldNotBeNil)
			test.That(t, root.Children[4], test.ShouldNotBeNil)
			test.That(t, r0.Spacing, test.ShouldEqual, 0.5)
			test.That(t, r0.BoundingBox, test.ShouldResemble, testutils.NodeBox(normalizedBox, "r0"))

			test.That(t, loadNode(t, g, r0), test.ShouldBeNil)
			test.That(t, r0.State, test.ShouldEqual, octree.Loaded)
			if version != "1.3" {
				assertPosition(t, r0, 0, r3.Vector{X: 1, Y: 1, Z: 1})
			}

			r00 := r0.Children[0]
			test.That(t, loadNode(t, g, r00), test.ShouldBeNil)
			r000 := r00.Children[0]
			test.That(t, r000, test.ShouldNotBeNil)
			test.That(t, loadNode(t, g, r000), test.ShouldBeNil)
			r0007 := r000.Children[7]
			test.That(t, r0007, test.ShouldNotBeNil)
			test.That(t, r0007.NumPoints, test.ShouldEqual, 2)
			test.That(t, r0007.Spacing, test.ShouldEqual, 1.0/16)
			test.That(t, loadNode(t, g, r0007), test.ShouldBeNil)
			test.That(t, r0007.Buffers.Colors[:3], test.ShouldResemble, []uint8{50, 100, 200})
		})
	}
}

func TestFlatPaths(t *testing.T) {
	store := testutils.NewMemoryStore()
	url := testutils.FlatDataset{Version: "1.7", Box: worldBox, Spacing: 1, Nodes: sparseNodes()}.Write(store, "ds")
	g := loadDataset(t, store, url)

	test.That(t, store.RequestCount("ds/data/r/r.hrc"), test.ShouldEqual, 1)
	test.That(t, store.RequestCount("ds/data/r/r.bin"), test.ShouldEqual, 1)

	r00 := g.Root.Children[0].Children[0]
	test.That(t, r00.HasChildren, test.ShouldBeTrue)
	test.That(t, r00.IsLeaf(), test.ShouldBeTrue)
	test.That(t, loadNode(t, g, r00), test.ShouldBeNil)
	test.That(t, store.RequestCount("ds/data/r/00/r00.hrc"), test.ShouldEqual, 1)
	test.That(t, store.RequestCount("ds/data/r/00/r00.bin"), test.ShouldEqual, 1)
	test.That(t, r00.IsLeaf(), test.ShouldBeFalse)

	r000 := r00.Children[0]
	test.That(t, loadNode(t, g, r000), test.ShouldBeNil)
	test.That(t, loadNode(t, g, r000.Children[7]), test.ShouldBeNil)
	test.That(t, store.RequestCount("ds/data/r/00/07/r0007.bin"), test.ShouldEqual, 1)

	// the leaf r04 sits on a step boundary without children, so it has no .hrc
	test.That(t, loadNode(t, g, g.Root.Children[0].Children[4]), test.ShouldBeNil)
	test.That(t, store.RequestCount("ds/data/r/04/r04.hrc"), test.ShouldEqual, 0)
}

func TestLoadChunkedGeometry(t *testing.T) {
	for _, encoding := range []string{loader.EncodingDefault, loader.EncodingGLTF} {
		t.Run(encoding, func(t *testing.T) {
			store := testutils.NewMemoryStore()
			url := testutils.ChunkedDataset{
				Box:      worldBox,
				Spacing:  1,
				Encoding: encoding,
				Nodes:    sparseNodes(),
			}.Write(store, "ds")
			g := loadDataset(t, store, url)

			test.That(t, g.Offset, test.ShouldResemble, worldBox.Min)
			test.That(t, g.BoundingBox, test.ShouldResemble, normalizedBox)
			test.That(t, g.TightBoundingBox.Min.X, test.ShouldAlmostEqual, 0.25, 1e-9)

			root := g.Root
			test.That(t, root.State, test.ShouldEqual, octree.Loaded)
			test.That(t, root.Type, test.ShouldEqual, octree.Normal)
			test.That(t, root.NumPoints, test.ShouldEqual, 2)
			test.That(t, root.Buffers.NumPoints, test.ShouldEqual, 2)
			test.That(t, root.Buffers.Colors[:3], test.ShouldResemble, []uint8{10, 100, 200})
			assertPosition(t, root, 1, r3.Vector{X: 6, Y: 6, Z: 6})
			test.That(t, root.Mean.X, test.ShouldAlmostEqual, 4, 1e-3)

			r0 := root.Children[0]
			r00 := r0.Children[0]
			test.That(t, r00.Type, test.ShouldEqual, octree.Proxy)
			test.That(t, r00.HasChildren, test.ShouldBeTrue)
			test.That(t, r00.IsLeaf(), test.ShouldBeTrue)
			test.That(t, r0.Children[4].Type, test.ShouldEqual, octree.Leaf)

			test.That(t, loadNode(t, g, r0), test.ShouldBeNil)
			assertPosition(t, r0, 0, r3.Vector{X: 1, Y: 1, Z: 1})

			test.That(t, loadNode(t, g, r00), test.ShouldBeNil)
			test.That(t, r00.State, test.ShouldEqual, octree.Loaded)
			test.That(t, r00.Type, test.ShouldEqual, octree.Normal)
			test.That(t, r00.NumPoints, test.ShouldEqual, 2)
			r000 := r00.Children[0]
			test.That(t, r000, test.ShouldNotBeNil)
			test.That(t, r000.Children[7], test.ShouldNotBeNil)

			test.That(t, loadNode(t, g, r000.Children[7]), test.ShouldBeNil)
			test.That(t, r000.Children[7].Buffers.Colors[:3], test.ShouldResemble, []uint8{50, 100, 200})
			assertPosition(t, r000.Children[7], 0, r3.Vector{X: 0.125, Y: 0.125, Z: 0.125})
		})
	}
}

func TestLoadEmptyNode(t *testing.T) {
	nodes := sparseNodes()
	for i := range nodes {
		if nodes[i].Name == "r4" {
			nodes[i].Points = nil
		}
	}
	store := testutils.NewMemoryStore()
	url := testutils.ChunkedDataset{Box: worldBox, Spacing: 1, Nodes: nodes}.Write(store, "ds")
	g := loadDataset(t, store, url)

	r4 := g.Root.Children[4]
	requests := len(store.Requests())
	test.That(t, loadNode(t, g, r4), test.ShouldBeNil)
	test.That(t, r4.State, test.ShouldEqual, octree.Loaded)
	test.That(t, r4.NumPoints, test.ShouldEqual, 0)
	test.That(t, r4.Buffers.NumPoints, test.ShouldEqual, 0)
	test.That(t, len(store.Requests()), test.ShouldEqual, requests)
}

func TestLoadFailures(t *testing.T) {
	newDataset := func(t *testing.T) (*testutils.MemoryStore, *loader.Geometry) {
		store := testutils.NewMemoryStore()
		url := testutils.FlatDataset{Version: "1.4", Box: worldBox, Spacing: 1, Nodes: sparseNodes()}.Write(store, "ds")
		return store, loadDataset(t, store, url)
	}

	t.Run("status", func(t *testing.T) {
		store, g := newDataset(t)
		store.FailWith("ds/data/r0.bin", http.StatusNotFound)

		r0 := g.Root.Children[0]
		err := loadNode(t, g, r0)
		test.That(t, err, test.ShouldWrap, loader.ErrNetworkFailure)
		var netErr *loader.NetworkError
		test.That(t, errors.As(err, &netErr), test.ShouldBeTrue)
		test.That(t, netErr.StatusCode, test.ShouldEqual, http.StatusNotFound)
		test.That(t, r0.State, test.ShouldEqual, octree.Failed)
		test.That(t, g.NumNodesLoading(), test.ShouldEqual, 0)

		// failed nodes are never loaded again, and siblings are unaffected
		test.That(t, loadNode(t, g, r0), test.ShouldBeNil)
		test.That(t, store.RequestCount("ds/data/r0.bin"), test.ShouldEqual, 1)
		test.That(t, loadNode(t, g, g.Root.Children[4]), test.ShouldBeNil)
		test.That(t, g.Root.Children[4].State, test.ShouldEqual, octree.Loaded)
	})

	t.Run("empty payload", func(t *testing.T) {
		store, g := newDataset(t)
		store.Put("ds/data/r4.bin", nil)
		r4 := g.Root.Children[4]
		test.That(t, loadNode(t, g, r4), test.ShouldWrap, loader.ErrEmptyPayload)
		test.That(t, r4.State, test.ShouldEqual, octree.Failed)
	})

	t.Run("no loader", func(t *testing.T) {
		g := &loader.Geometry{}
		node := octree.NewNode(octree.RootName, normalizedBox)
		err := g.Load(node).Wait(context.Background())
		test.That(t, err, test.ShouldWrap, loader.ErrLoaderUnavailable)
		test.That(t, node.State, test.ShouldEqual, octree.Failed)

		for _, state := range []octree.State{octree.Loaded, octree.Loading, octree.Failed} {
			other := octree.NewNode(octree.RootName, normalizedBox)
			other.State = state
			test.That(t, g.Load(other).Wait(context.Background()), test.ShouldBeNil)
			test.That(t, other.State, test.ShouldEqual, state)
		}

		_, err = loader.LoadGeometry(context.Background(), "ds/cloud.js", loader.Options{})
		test.That(t, err, test.ShouldWrap, loader.ErrLoaderUnavailable)
	})

	t.Run("missing metadata", func(t *testing.T) {
		store := testutils.NewMemoryStore()
		_, err := loader.LoadGeometry(context.Background(), "ds/cloud.js", loader.Options{Requester: store.Requester()})
		test.That(t, err, test.ShouldWrap, loader.ErrNetworkFailure)
	})

	t.Run("root", func(t *testing.T) {
		store := testutils.NewMemoryStore()
		url := testutils.FlatDataset{Version: "1.4", Box: worldBox, Spacing: 1, Nodes: sparseNodes()}.Write(store, "ds")
		store.FailWith("ds/data/r.bin", http.StatusInternalServerError)
		_, err := loader.LoadGeometry(context.Background(), url, loader.Options{Requester: store.Requester()})
		test.That(t, err, test.ShouldWrap, loader.ErrNetworkFailure)
	})
}

func TestMaxNumNodesLoading(t *testing.T) {
	store := testutils.NewMemoryStore()
	url := testutils.ChunkedDataset{
		Box:     worldBox,
		Spacing: 1,
		Nodes:   testutils.FullTree(normalizedBox, 1, 3),
	}.Write(store, "ds")
	g := loadDataset(t, store, url)
	test.That(t, g.MaxNumNodesLoading, test.ShouldEqual, loader.DefaultMaxNumNodesLoading)

	release := store.Hold()
	var futures []*loader.Future
	for _, child := range g.Root.Children {
		futures = append(futures, g.Load(child))
	}
	var loading, unloaded int
	for _, child := range g.Root.Children {
		switch child.State {
		case octree.Loading:
			loading++
		case octree.Unloaded:
			unloaded++
		}
	}
	test.That(t, loading, test.ShouldEqual, loader.DefaultMaxNumNodesLoading)
	test.That(t, unloaded, test.ShouldEqual, 8-loader.DefaultMaxNumNodesLoading)
	test.That(t, g.NumNodesLoading(), test.ShouldEqual, loader.DefaultMaxNumNodesLoading)

	// a node already loading is not requested twice
	g.Load(g.Root.Children[0])
	release()
	test.That(t, loader.WaitAll(context.Background(), futures), test.ShouldBeNil)
	test.That(t, g.ApplyCompleted(), test.ShouldEqual, loader.DefaultMaxNumNodesLoading)
	test.That(t, g.NumNodesLoading(), test.ShouldEqual, 0)
	test.That(t, store.RequestCount("ds/octree.bin"), test.ShouldEqual, 1+loader.DefaultMaxNumNodesLoading)
}

func TestDisposeDiscardsLoads(t *testing.T) {
	store := testutils.NewMemoryStore()
	url := testutils.FlatDataset{Version: "1.4", Box: worldBox, Spacing: 1, Nodes: sparseNodes()}.Write(store, "ds")
	g := loadDataset(t, store, url)

	var loaded []string
	g.AddNodeLoadedCallback(func(n *octree.Node) {
		loaded = append(loaded, n.Name)
	})
	test.That(t, loadNode(t, g, g.Root.Children[4]), test.ShouldBeNil)
	test.That(t, loaded, test.ShouldResemble, []string{"r4"})

	release := store.Hold()
	r0 := g.Root.Children[0]
	future := g.Load(r0)
	test.That(t, r0.State, test.ShouldEqual, octree.Loading)
	g.Dispose()
	test.That(t, g.Disposed(), test.ShouldBeTrue)
	test.That(t, g.Root.Buffers, test.ShouldBeNil)
	test.That(t, g.Root.Children[4].State, test.ShouldEqual, octree.Unloaded)
	release()

	test.That(t, future.Wait(context.Background()), test.ShouldBeNil)
	test.That(t, g.ApplyCompleted(), test.ShouldEqual, 0)
	test.That(t, r0.Buffers, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldResemble, []string{"r4"})

	// nothing is loaded once disposed
	test.That(t, g.Load(g.Root.Children[4]).Wait(context.Background()), test.ShouldBeNil)
	test.That(t, g.Root.Children[4].State, test.ShouldEqual, octree.Unloaded)
}

func TestSharedPoolAndResolver(t *testing.T) {
	store := testutils.NewMemoryStore()
	testutils.ChunkedDataset{Box: worldBox, Spacing: 1, Nodes: sparseNodes()}.Write(store, "mem/ds")

	pool := workerpool.New(1, nil)
	defer pool.Close()

	var resolved []string
	g, err := loader.LoadGeometry(context.Background(), "ds/metadata.json", loader.Options{
		Resolver: func(_ context.Context, path string) (string, error) {
			resolved = append(resolved, path)
			return "mem/" + path, nil
		},
		Requester: store.Requester(),
		Pool:      pool,
		Logger:    logging.NewTestLogger(t),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, g.Root.State, test.ShouldEqual, octree.Loaded)
	test.That(t, resolved, test.ShouldContain, "ds/hierarchy.bin")
	test.That(t, resolved, test.ShouldContain, "ds/octree.bin")
	test.That(t, pool.Size(), test.ShouldEqual, 1)

	// closing the dataset leaves a shared pool running
	test.That(t, g.Close(), test.ShouldBeNil)
	test.That(t, pool.Size(), test.ShouldEqual, 1)
}

// Package loader fetches point cloud datasets: their metadata, their hierarchy and the point data
// of individual nodes. Loads run in the background; their results are merged into the node graph
// only when the owner of the graph calls Geometry.ApplyCompleted.
package loader

import (
	"context"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/potree/logging"
	"go.viam.com/potree/octree"
	"go.viam.com/potree/pointcloud"
	"go.viam.com/potree/spatialmath"
	"go.viam.com/potree/utils"
	"go.viam.com/potree/workerpool"
)

// DefaultMaxNumNodesLoading bounds the loads in flight per dataset.
const DefaultMaxNumNodesLoading = 3

var errDisposed = errors.New("dataset disposed")

// nodeRequest is the part of a node a background load reads. It is copied when the load is
// dispatched so the background never touches the graph.
type nodeRequest struct {
	Name        string
	Level       int
	HasChildren bool
	NumPoints   int
	BoundingBox spatialmath.Box

	Type                octree.NodeType
	ByteOffset          uint64
	ByteSize            uint64
	HierarchyByteOffset uint64
	HierarchyByteSize   uint64
}

func requestFor(n *octree.Node) nodeRequest {
	return nodeRequest{
		Name:                n.Name,
		Level:               n.Level,
		HasChildren:         n.HasChildren,
		NumPoints:           n.NumPoints,
		BoundingBox:         n.BoundingBox,
		Type:                n.Type,
		ByteOffset:          n.ByteOffset,
		ByteSize:            n.ByteSize,
		HierarchyByteOffset: n.HierarchyByteOffset,
		HierarchyByteSize:   n.HierarchyByteSize,
	}
}

// loadResult is what a background load produced for one node.
type loadResult struct {
	decoded *pointcloud.DecodeResult
	// chunk is the node's own hierarchy chunk, for proxies of chunked datasets.
	chunk []octree.ChunkRecord
	// hrc is the hierarchy below the node, for flat datasets split into .hrc files.
	hrc []octree.HRCRecord
	// numPoints replaces the node's point count when not negative.
	numPoints int
}

type nodeLoader interface {
	format() string
	loadNode(ctx context.Context, req nodeRequest) (*loadResult, error)
}

type completion struct {
	node    *octree.Node
	result  *loadResult
	err     error
	started time.Time
}

// Geometry is a loaded dataset: its metadata, its node graph and the loader filling the graph.
// Bounding boxes are relative to Offset, the dataset's position in world space.
type Geometry struct {
	URL      string
	Metadata *Metadata
	Version  pointcloud.Version
	Root     *octree.Node

	BoundingBox         spatialmath.Box
	TightBoundingBox    spatialmath.Box
	BoundingSphere      spatialmath.Sphere
	TightBoundingSphere spatialmath.Sphere
	Offset              r3.Vector
	Spacing             float64
	Scale               r3.Vector
	Projection          string
	HierarchyStepSize   int
	PointAttributes     *pointcloud.PointAttributes

	// MaxNumNodesLoading bounds the loads of this dataset in flight at once.
	MaxNumNodesLoading int

	loader   nodeLoader
	logger   logging.Logger
	workers  *utils.Workers
	ownPool  *workerpool.Pool
	disposed *atomic.Bool

	numNodesLoading int
	callbacks       []func(*octree.Node)

	mu        sync.Mutex
	completed []completion
}

func newGeometry(url string, md *Metadata, logger logging.Logger) *Geometry {
	return &Geometry{
		URL:                url,
		Metadata:           md,
		Version:            md.Version,
		MaxNumNodesLoading: DefaultMaxNumNodesLoading,
		logger:             logger,
		workers:            utils.NewWorkers(context.Background()),
		disposed:           atomic.NewBool(false),
	}
}

func (g *Geometry) setBounds(box, tight spatialmath.Box) {
	g.Offset = box.Min
	g.BoundingBox = box.Translate(box.Min.Mul(-1))
	g.TightBoundingBox = tight.Translate(box.Min.Mul(-1))
	g.BoundingSphere = g.BoundingBox.BoundingSphere()
	g.TightBoundingSphere = g.TightBoundingBox.BoundingSphere()
}

// PositionOrigin returns the point, in the geometry's local space, that the decoded positions of
// node are relative to. Legacy flat datasets store positions in world space.
func (g *Geometry) PositionOrigin(node *octree.Node) r3.Vector {
	if g.Metadata.Flat != nil && g.Version.UpTo("1.3") {
		return g.Offset.Mul(-1)
	}
	return node.BoundingBox.Min
}

// NumNodesLoading returns the number of loads dispatched and not yet applied.
func (g *Geometry) NumNodesLoading() int {
	return g.numNodesLoading
}

// Disposed reports whether Dispose was called.
func (g *Geometry) Disposed() bool {
	return g.disposed.Load()
}

// AddNodeLoadedCallback registers a function called for every node whose load is applied.
func (g *Geometry) AddNodeLoadedCallback(cb func(*octree.Node)) {
	g.callbacks = append(g.callbacks, cb)
}

// ClearNodeLoadedCallbacks removes all load callbacks.
func (g *Geometry) ClearNodeLoadedCallbacks() {
	g.callbacks = nil
}

func (g *Geometry) canLoad(node *octree.Node) bool {
	return node.State == octree.Unloaded &&
		!g.disposed.Load() &&
		g.numNodesLoading < g.MaxNumNodesLoading
}

// Load starts loading node in the background. It does nothing, returning a done future, when
// the node is loaded, loading or failed, when the dataset is disposed, or when
// MaxNumNodesLoading loads are already in flight.
func (g *Geometry) Load(node *octree.Node) *Future {
	if g.loader == nil {
		if node.State != octree.Unloaded {
			return resolvedFuture(nil)
		}
		node.State = octree.Failed
		return resolvedFuture(errors.Wrapf(ErrLoaderUnavailable, "node %s", node.Name))
	}
	if !g.canLoad(node) {
		return resolvedFuture(nil)
	}

	node.State = octree.Loading
	g.numNodesLoading++

	req := requestFor(node)
	f := newFuture()
	started := time.Now()
	ok := g.workers.Add(func(ctx context.Context) {
		res, err := g.loader.loadNode(ctx, req)
		if err != nil {
			err = errors.Wrapf(err, "loading node %s", req.Name)
		}
		g.stage(completion{node: node, result: res, err: err, started: started}, f)
	})
	if !ok {
		node.State = octree.Unloaded
		g.numNodesLoading--
		return resolvedFuture(nil)
	}
	return f
}

func (g *Geometry) stage(c completion, f *Future) {
	loadSeconds.WithLabelValues(g.loader.format()).Observe(time.Since(c.started).Seconds())
	if g.disposed.Load() {
		nodeLoads.WithLabelValues(g.loader.format(), resultDiscarded).Inc()
		f.resolve(nil)
		return
	}
	g.mu.Lock()
	g.completed = append(g.completed, c)
	g.mu.Unlock()
	f.resolve(c.err)
}

// ApplyCompleted merges the results of finished loads into the node graph and returns how many
// were applied. It must be called by the goroutine owning the graph.
func (g *Geometry) ApplyCompleted() int {
	g.mu.Lock()
	completed := g.completed
	g.completed = nil
	g.mu.Unlock()

	for _, c := range completed {
		g.apply(c)
	}
	return len(completed)
}

func (g *Geometry) apply(c completion) {
	g.numNodesLoading--
	if g.disposed.Load() {
		nodeLoads.WithLabelValues(g.loader.format(), resultDiscarded).Inc()
		return
	}

	node := c.node
	err := c.err
	if err == nil {
		err = g.merge(node, c.result)
	}
	if err != nil {
		node.State = octree.Failed
		nodeLoads.WithLabelValues(g.loader.format(), resultFailed).Inc()
		g.logger.Warnw("node load failed", "node", node.Name, "error", err)
		return
	}

	node.State = octree.Loaded
	nodeLoads.WithLabelValues(g.loader.format(), resultLoaded).Inc()
	for _, cb := range g.callbacks {
		cb(node)
	}
}

func (g *Geometry) merge(node *octree.Node, res *loadResult) error {
	if res.chunk != nil {
		if err := node.ApplyHierarchyChunk(res.chunk); err != nil {
			return err
		}
	}
	if res.hrc != nil {
		entries := make([]octree.FlatEntry, 0, len(res.hrc))
		for _, r := range res.hrc {
			entries = append(entries, octree.FlatEntry{
				Name:        r.Name,
				NumPoints:   int(r.NumPoints),
				HasChildren: r.ChildMask != 0,
			})
		}
		if err := octree.BuildFlatHierarchy(node, entries, g.Spacing); err != nil {
			return err
		}
	}
	if res.numPoints >= 0 {
		node.NumPoints = res.numPoints
	}

	node.Buffers = res.decoded.Buffers
	node.Mean = res.decoded.Mean
	if res.decoded.Buffers.NumPoints > 0 {
		tight := res.decoded.TightBoundingBox
		node.TightBoundingBox = spatialmath.NewBox(r3.Vector{}, tight.Max.Sub(tight.Min))
	}
	return nil
}

// Dispose releases the point data of every node and makes loads in flight discard their
// results. Requests already sent are not aborted.
func (g *Geometry) Dispose() {
	if g.disposed.Swap(true) {
		return
	}
	if g.Root == nil {
		return
	}
	g.Root.Traverse(func(n *octree.Node) {
		n.Dispose()
	}, true)
	g.Root.Buffers = nil
	if g.Root.State == octree.Loaded {
		g.Root.State = octree.Unloaded
	}
}

// Close disposes the dataset, cancels its background work and waits for it to stop.
func (g *Geometry) Close() error {
	g.Dispose()
	g.workers.Stop()
	if g.ownPool != nil {
		return g.ownPool.Close()
	}
	return nil
}

// decodeOnWorker decodes req on a worker checked out from pool for the duration of the call.
func decodeOnWorker(ctx context.Context, pool *workerpool.Pool, req pointcloud.DecodeRequest) (*pointcloud.DecodeResult, error) {
	w, err := pool.GetWorker(ctx)
	if err != nil {
		return nil, err
	}
	defer pool.ReleaseWorker(w)
	return w.Decode(ctx, req)
}

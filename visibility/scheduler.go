// Package visibility decides, once per frame, which octree nodes of a set of datasets are
// displayed, which are loaded next and which are evicted, within a global point budget.
package visibility

import (
	"context"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/potree/loader"
	"go.viam.com/potree/logging"
	"go.viam.com/potree/lru"
	"go.viam.com/potree/octree"
	"go.viam.com/potree/spatialmath"
	"go.viam.com/potree/workerpool"
)

const (
	// DefaultPointBudget is the number of points an Update may select across all datasets.
	DefaultPointBudget = 1_000_000
	// DefaultMaxLoadsToGPU is the number of loaded nodes an Update may newly display.
	DefaultMaxLoadsToGPU = 2
	// DefaultMaxNumNodesLoading is the number of loads an Update may request.
	DefaultMaxNumNodesLoading = 4
)

// Result is the outcome of one Update.
type Result struct {
	// VisibleNodes are the displayed nodes of every dataset, in traversal order.
	VisibleNodes     []*octree.Node
	NumVisiblePoints int
	// ExceededMaxLoadsToGPU is set when a loaded node waits for a later Update to be displayed.
	ExceededMaxLoadsToGPU bool
	// NodeLoadFailed is set when a wanted node failed to load.
	NodeLoadFailed bool
	// NodeLoadFutures resolve when the loads requested by this Update are ready to apply.
	NodeLoadFutures []*loader.Future
}

// Scheduler runs visibility updates. All of its methods must be called from the same goroutine,
// the one owning the node graphs of the datasets it updates.
type Scheduler struct {
	logger             logging.Logger
	lru                *lru.Cache
	pool               *workerpool.Pool
	ownPool            bool
	maxLoaderWorkers   int
	poolOpts           []workerpool.Option
	maxNumNodesLoading int
	maxLoadsToGPU      int
	mask               *mask
	datasets           []*Dataset
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPointBudget sets the initial point budget.
func WithPointBudget(budget int) Option {
	return func(s *Scheduler) {
		s.lru.SetPointBudget(budget)
	}
}

// WithName sets the name the scheduler's LRU and its own decode pool report metrics under.
// Schedulers sharing a process should have distinct names.
func WithName(name string) Option {
	return func(s *Scheduler) {
		s.lru.SetName(name)
		s.poolOpts = append(s.poolOpts, workerpool.WithName(name))
	}
}

// WithMaxNumNodesLoading sets how many loads an Update may request.
func WithMaxNumNodesLoading(n int) Option {
	return func(s *Scheduler) {
		s.maxNumNodesLoading = n
	}
}

// WithMaxLoadsToGPU sets how many loaded nodes an Update may newly display.
func WithMaxLoadsToGPU(n int) Option {
	return func(s *Scheduler) {
		s.maxLoadsToGPU = n
	}
}

// WithPool decodes the point data of datasets loaded through the scheduler on pool. The caller
// keeps ownership of the pool.
func WithPool(pool *workerpool.Pool) Option {
	return func(s *Scheduler) {
		s.pool = pool
	}
}

// WithMaxLoaderWorkers bounds the decode pool the scheduler creates when none is given.
func WithMaxLoaderWorkers(n int) Option {
	return func(s *Scheduler) {
		s.maxLoaderWorkers = n
	}
}

// WithWorkerMaxIdle sets how long a decode worker of the scheduler's own pool may stay idle.
func WithWorkerMaxIdle(d time.Duration) Option {
	return func(s *Scheduler) {
		s.poolOpts = append(s.poolOpts, workerpool.WithMaxIdle(d))
	}
}

// New returns a Scheduler with the default budgets.
func New(logger logging.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:             logger,
		lru:                lru.New(DefaultPointBudget, logger.Sublogger("lru")),
		maxNumNodesLoading: DefaultMaxNumNodesLoading,
		maxLoadsToGPU:      DefaultMaxLoadsToGPU,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pool == nil {
		opts := append([]workerpool.Option{workerpool.WithLogger(logger.Sublogger("workers"))}, s.poolOpts...)
		s.pool = workerpool.New(s.maxLoaderWorkers, nil, opts...)
		s.ownPool = true
	}
	return s
}

// PointBudget returns the number of points an Update may select.
func (s *Scheduler) PointBudget() int {
	return s.lru.PointBudget()
}

// SetPointBudget changes the point budget. Resident nodes past twice the new budget are evicted
// immediately.
func (s *Scheduler) SetPointBudget(budget int) {
	if budget == s.lru.PointBudget() {
		return
	}
	s.lru.SetPointBudget(budget)
}

// MaxNumNodesLoading returns how many loads an Update may request.
func (s *Scheduler) MaxNumNodesLoading() int {
	return s.maxNumNodesLoading
}

// SetMaxNumNodesLoading changes how many loads an Update may request.
func (s *Scheduler) SetMaxNumNodesLoading(n int) {
	s.maxNumNodesLoading = n
}

// MaxLoaderWorkers returns the bound of the decode pool.
func (s *Scheduler) MaxLoaderWorkers() int {
	return s.pool.MaxWorkers()
}

// SetMaxLoaderWorkers changes the bound of the decode pool.
func (s *Scheduler) SetMaxLoaderWorkers(n int) {
	s.pool.SetMaxWorkers(n)
}

// SetMaskConfig hides nodes by region from the next Update on.
func (s *Scheduler) SetMaskConfig(config MaskConfig) {
	s.mask = newMask(config)
}

// ClearMaskConfig stops masking.
func (s *Scheduler) ClearMaskConfig() {
	s.mask = nil
}

// MaskConfig returns the active mask and whether there is one.
func (s *Scheduler) MaskConfig() (MaskConfig, bool) {
	if s.mask == nil {
		return MaskConfig{}, false
	}
	return s.mask.config, true
}

// LRU returns the cache of resident nodes.
func (s *Scheduler) LRU() *lru.Cache {
	return s.lru
}

// LoadPointCloud loads the dataset whose metadata document is at url. Point data is decoded on
// the scheduler's pool.
func (s *Scheduler) LoadPointCloud(
	ctx context.Context,
	url string,
	resolver loader.URLResolver,
	requester loader.Requester,
) (*Dataset, error) {
	g, err := loader.LoadGeometry(ctx, url, loader.Options{
		Resolver:  resolver,
		Requester: requester,
		Pool:      s.pool,
		Logger:    s.logger.Sublogger("loader"),
	})
	if err != nil {
		return nil, err
	}
	d := NewDataset(g)
	s.datasets = append(s.datasets, d)
	s.logger.Infow("loaded point cloud", "url", url, "id", d.ID, "version", g.Version.String())
	return d, nil
}

// Unload releases the point data of d, removes its nodes from the cache and stops its loads.
func (s *Scheduler) Unload(d *Dataset) error {
	if d.disposed {
		return nil
	}
	d.disposed = true
	d.visibleNodes = nil
	d.visibleGeometry = nil
	for i, other := range s.datasets {
		if other == d {
			s.datasets = append(s.datasets[:i], s.datasets[i+1:]...)
			break
		}
	}
	if root := d.Root(); root != nil {
		root.Traverse(s.lru.Remove, true)
	}
	return errors.Wrapf(d.Geometry.Close(), "unloading %s", d.Name)
}

// Close unloads every dataset loaded through the scheduler and stops its pool.
func (s *Scheduler) Close() error {
	var err error
	for len(s.datasets) > 0 {
		err = multierr.Combine(err, s.Unload(s.datasets[0]))
	}
	if s.ownPool {
		err = multierr.Combine(err, s.pool.Close())
	}
	return err
}

type pendingLoad struct {
	geometry *loader.Geometry
	node     *octree.Node
}

// Update applies finished loads, selects the nodes to display for camera, requests loads for
// wanted nodes that are not resident and evicts nodes when too many points are resident.
func (s *Scheduler) Update(datasets []*Dataset, camera *Camera, viewport Viewport) Result {
	start := time.Now()
	for _, d := range datasets {
		if d.Initialized() {
			d.Geometry.ApplyCompleted()
		}
	}

	res := s.updateVisibility(datasets, camera, viewport)

	for _, d := range datasets {
		if d.Initialized() {
			d.updateVisibleBounds()
		}
	}
	s.lru.FreeMemory()

	visiblePoints.Set(float64(res.NumVisiblePoints))
	visibleNodes.Set(float64(len(res.VisibleNodes)))
	updateSeconds.Observe(time.Since(start).Seconds())
	return res
}

func (s *Scheduler) updateVisibility(datasets []*Dataset, camera *Camera, viewport Viewport) Result {
	var res Result
	var unloaded []pendingLoad

	frustums := make([]spatialmath.Frustum, len(datasets))
	cameraPositions := make([]r3.Vector, len(datasets))
	queue := &priorityQueue{}

	projView := camera.ProjectionMatrix.Mul4(camera.View())
	for i, d := range datasets {
		if !d.Initialized() {
			continue
		}
		d.resetFrame()
		frustums[i] = spatialmath.NewFrustumFromMatrix(projView.Mul4(d.World))
		cameraPositions[i] = spatialmath.Translation(d.World.Inv().Mul4(camera.World))
		if d.Visible {
			queue.push(&queueItem{datasetIndex: i, weight: math.MaxFloat64, node: d.Root()})
		}
	}

	halfHeight := viewport.halfHeight()
	loadedToGPU := 0
	for item := queue.pop(); item != nil; item = queue.pop() {
		node := item.node
		if res.NumVisiblePoints+node.NumPoints > s.lru.PointBudget() {
			break
		}

		d := datasets[item.datasetIndex]
		if node.Level > d.MaxLevel ||
			!frustums[item.datasetIndex].IntersectsBox(node.BoundingBox) ||
			d.shouldClip(node.BoundingBox) ||
			s.maskedOut(d, node) {
			continue
		}

		res.NumVisiblePoints += node.NumPoints
		d.numVisiblePoints += node.NumPoints

		parent := item.parent
		if node.Kind() == octree.KindGeometry && (parent == nil || parent.Kind() == octree.KindDisplayed) {
			switch {
			case node.IsLoaded() && loadedToGPU < s.maxLoadsToGPU:
				node.Promote()
				loadedToGPU++
			case node.State != octree.Failed:
				if node.IsLoaded() {
					res.ExceededMaxLoadsToGPU = true
				}
				unloaded = append(unloaded, pendingLoad{geometry: d.Geometry, node: node})
				d.visibleGeometry = append(d.visibleGeometry, node)
			default:
				res.NodeLoadFailed = true
				continue
			}
		}

		if node.Kind() == octree.KindDisplayed {
			s.lru.Touch(node)
			node.Visible = true
			res.VisibleNodes = append(res.VisibleNodes, node)
			d.visibleNodes = append(d.visibleNodes, node)
			d.visibleGeometry = append(d.visibleGeometry, node)
		}

		s.pushChildren(queue, item, d, camera, cameraPositions[item.datasetIndex], halfHeight)
	}

	numToLoad := s.maxNumNodesLoading
	if len(unloaded) < numToLoad {
		numToLoad = len(unloaded)
	}
	for _, p := range unloaded[:numToLoad] {
		res.NodeLoadFutures = append(res.NodeLoadFutures, p.geometry.Load(p.node))
	}
	loadsDispatched.Add(float64(numToLoad))
	if res.NodeLoadFailed {
		s.logger.Debugw("visible nodes failed to load")
	}
	return res
}

// pushChildren queues the children of item's node that are large enough on screen. Larger nodes
// are visited first; nodes containing the camera are visited before anything else.
func (s *Scheduler) pushChildren(
	queue *priorityQueue,
	item *queueItem,
	d *Dataset,
	camera *Camera,
	cameraPosition r3.Vector,
	halfHeight float64,
) {
	for _, child := range item.node.Children {
		if child == nil {
			continue
		}
		sphere := child.BoundingSphere
		distance := sphere.Center.Sub(cameraPosition).Norm()
		radius := sphere.Radius

		pixelRadius := radius * camera.projectionFactor(distance, halfHeight)
		if pixelRadius < d.MinNodePixelSize {
			continue
		}

		weight := pixelRadius + 1/distance
		if distance < radius {
			weight = math.MaxFloat64
		}
		queue.push(&queueItem{datasetIndex: item.datasetIndex, weight: weight, node: child, parent: item.node})
	}
}

func (s *Scheduler) maskedOut(d *Dataset, node *octree.Node) bool {
	if s.mask == nil {
		return false
	}
	return s.mask.maskedOut(node.BoundingBox.ApplyMatrix(d.World))
}

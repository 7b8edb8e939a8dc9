package loader

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/potree/logging"
	"go.viam.com/potree/octree"
	"go.viam.com/potree/pointcloud"
	"go.viam.com/potree/spatialmath"
	"go.viam.com/potree/workerpool"
)

// Options configures how a dataset is fetched.
type Options struct {
	// Resolver maps dataset paths to requested URLs. Paths are requested as they are when nil.
	Resolver URLResolver
	// Requester performs the requests. It is required.
	Requester Requester
	// Pool decodes point data. A pool owned by the dataset is created when nil.
	Pool   *workerpool.Pool
	Logger logging.Logger
}

// LoadGeometry fetches the metadata document at url, builds the dataset's node graph and loads
// its root node. The root's load is applied before returning; the caller owns the graph from then
// on and applies further loads with ApplyCompleted.
func LoadGeometry(ctx context.Context, url string, opts Options) (*Geometry, error) {
	if opts.Requester == nil {
		return nil, ErrLoaderUnavailable
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewBlankLogger("loader")
	}

	metadataFetcher := &fetcher{format: "metadata", resolve: opts.Resolver, request: opts.Requester}
	data, err := metadataFetcher.fetch(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching metadata %s", url)
	}
	md, err := DecodeMetadata(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding metadata %s", url)
	}

	g := newGeometry(url, md, logger)
	pool := opts.Pool
	if pool == nil {
		pool = workerpool.New(workerpool.DefaultMaxWorkers, nil, workerpool.WithLogger(logger.Sublogger("workers")))
		g.ownPool = pool
	}
	if md.Chunked != nil {
		err = g.initChunked(md.Chunked, opts, pool)
	} else {
		err = g.initFlat(md.Flat, opts, pool)
	}
	if err != nil {
		return nil, closeOnError(err, g)
	}
	logger.Debugw("loaded metadata", "url", url, "version", md.Version.String(), "offset", g.Offset)

	if err := g.Load(g.Root).Wait(ctx); err != nil {
		return nil, closeOnError(errors.Wrap(err, "loading root"), g)
	}
	g.ApplyCompleted()
	if g.Root.State != octree.Loaded {
		return nil, closeOnError(errors.Errorf("root of %s did not load", url), g)
	}
	return g, nil
}

func (g *Geometry) initFlat(md *FlatMetadata, opts Options, pool *workerpool.Pool) error {
	box := md.BoundingBox.Box()
	tight := box
	if md.TightBoundingBox != nil {
		tight = md.TightBoundingBox.Box()
	}
	g.setBounds(box, tight)
	g.Spacing = md.Spacing
	g.Scale = r3.Vector{X: md.Scale, Y: md.Scale, Z: md.Scale}
	g.Projection = md.Projection
	g.HierarchyStepSize = md.HierarchyStepSize

	attrs, err := pointcloud.NewPointAttributes(md.PointAttributes...)
	if err != nil {
		return err
	}
	g.PointAttributes = attrs
	if attrs.ByteSize == 0 {
		return errors.Wrap(ErrUnsupportedFormat, "point attributes have no size")
	}

	root := octree.NewNode(octree.RootName, g.BoundingBox)
	root.HasChildren = true
	root.Spacing = md.Spacing
	if g.Version.UpTo("1.5") && len(md.Hierarchy) > 0 {
		root.NumPoints = md.Hierarchy[0].NumPoints
	}
	if g.Version.UpTo("1.4") {
		if err := octree.BuildFlatHierarchy(root, md.Hierarchy, md.Spacing); err != nil {
			return err
		}
	}
	g.Root = root

	g.loader = &BinaryLoader{
		fetcher:    &fetcher{format: formatFlat, resolve: opts.Resolver, request: opts.Requester},
		pool:       pool,
		logger:     g.logger,
		disposed:   g.disposed,
		version:    g.Version,
		octreeDir:  joinPath(basePath(g.URL), md.OctreeDir),
		stepSize:   md.HierarchyStepSize,
		attributes: attrs,
		scale:      g.Scale,
		offset:     g.Offset,
	}
	return nil
}

func (g *Geometry) initChunked(md *ChunkedMetadata, opts Options, pool *workerpool.Pool) error {
	box := spatialmath.NewBox(vector(md.BoundingBox.Min), vector(md.BoundingBox.Max))
	tight, ok := md.positionRange()
	if !ok {
		g.logger.Warnw("position attribute has no range, using the bounding box as tight bounds", "url", g.URL)
		tight = box
	}
	g.setBounds(box, tight)
	g.Spacing = md.Spacing
	g.Scale = vector(md.Scale)
	g.Projection = md.Projection
	g.HierarchyStepSize = md.Hierarchy.StepSize

	attrs, err := pointcloud.ParseChunkedAttributes(md.Attributes)
	if err != nil {
		return err
	}
	g.PointAttributes = attrs

	root := octree.NewNode(octree.RootName, g.BoundingBox)
	root.Type = octree.Proxy
	root.HierarchyByteOffset = 0
	root.HierarchyByteSize = md.Hierarchy.FirstChunkSize
	root.Spacing = md.Spacing
	g.Root = root

	base := basePath(g.URL)
	nl := &NodeLoader{
		fetcher:           &fetcher{format: formatChunked, resolve: opts.Resolver, request: opts.Requester},
		pool:              pool,
		logger:            g.logger,
		disposed:          g.disposed,
		encoding:          md.Encoding,
		attributes:        attrs,
		gltfAttributes:    newGLTFAttributes(),
		scale:             g.Scale,
		offset:            vector(md.Offset),
		origin:            g.Offset,
		HierarchyPath:     base + HierarchyFile,
		OctreePath:        base + OctreeFile,
		GLTFPositionsPath: base + GLTFPositionsFile,
		GLTFColorsPath:    base + GLTFColorsFile,
	}
	// only GLTF datasets may point their buffers elsewhere
	if md.Encoding == EncodingGLTF {
		if attr, ok := attrs.Get(pointcloud.PositionCartesian); ok && attr.URI != "" {
			nl.GLTFPositionsPath = joinPath(base, attr.URI)
		}
		if attr, ok := attrs.Get(pointcloud.ColorPacked); ok && attr.URI != "" {
			nl.GLTFColorsPath = joinPath(base, attr.URI)
		}
	}
	g.loader = nl
	return nil
}

// closeOnError releases a dataset that failed to load and returns err with any close error.
func closeOnError(err error, g *Geometry) error {
	return multierr.Combine(err, g.Close())
}

package loader

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"go.viam.com/potree/logging"
	"go.viam.com/potree/octree"
	"go.viam.com/potree/pointcloud"
	"go.viam.com/potree/workerpool"
)

// Files of a chunked dataset, next to its metadata.json.
const (
	HierarchyFile     = "hierarchy.bin"
	OctreeFile        = "octree.bin"
	GLTFPositionsFile = "positions.glbin"
	GLTFColorsFile    = "colors.glbin"
)

const (
	gltfPositionStride = 12
	gltfColorStride    = 4
)

// NodeLoader loads the nodes of a chunked (2.0) dataset. Nodes start as proxies pointing at
// their hierarchy chunk; loading a proxy reads the chunk first, then the node's point data.
type NodeLoader struct {
	fetcher  *fetcher
	pool     *workerpool.Pool
	logger   logging.Logger
	disposed *atomic.Bool

	encoding       string
	attributes     *pointcloud.PointAttributes
	gltfAttributes *pointcloud.PointAttributes
	scale          r3.Vector
	// offset is the metadata offset, added to every decoded position.
	offset r3.Vector
	// origin is the world position of the normalized bounding box's origin.
	origin r3.Vector

	HierarchyPath     string
	OctreePath        string
	GLTFPositionsPath string
	GLTFColorsPath    string
}

func newGLTFAttributes() *pointcloud.PointAttributes {
	attrs := &pointcloud.PointAttributes{}
	attrs.Add(pointcloud.AttributePositionCartesian)
	attrs.Add(pointcloud.NewPointAttribute(pointcloud.ColorPacked, pointcloud.TypeUint8, 4))
	return attrs
}

func (l *NodeLoader) format() string {
	return formatChunked
}

func (l *NodeLoader) loadNode(ctx context.Context, req nodeRequest) (*loadResult, error) {
	res := &loadResult{numPoints: -1}
	byteOffset, byteSize, numPoints := req.ByteOffset, req.ByteSize, req.NumPoints
	if req.Type == octree.Proxy {
		buf, err := l.fetcher.fetch(ctx, l.HierarchyPath, &ByteRange{
			Offset: req.HierarchyByteOffset,
			Size:   req.HierarchyByteSize,
		})
		if err != nil {
			return nil, errors.Wrap(err, "fetching hierarchy")
		}
		if res.chunk, err = octree.DecodeHierarchyChunk(buf); err != nil {
			return nil, err
		}
		self := res.chunk[0]
		byteOffset, byteSize, numPoints = self.ByteOffset, self.ByteSize, int(self.NumPoints)
		if l.disposed.Load() {
			return nil, errDisposed
		}
	}

	var (
		buf []byte
		err error
	)
	switch {
	case byteSize == 0:
		l.logger.Warnw("loaded node with 0 bytes", "node", req.Name)
		numPoints = 0
	case l.encoding == EncodingGLTF:
		buf, err = l.fetchGLTF(ctx, byteOffset, byteSize)
	default:
		buf, err = l.fetcher.fetch(ctx, l.OctreePath, &ByteRange{Offset: byteOffset, Size: byteSize})
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching points")
	}
	if l.disposed.Load() {
		return nil, errDisposed
	}

	nodeMin := l.origin.Add(req.BoundingBox.Min)
	decodeReq := pointcloud.DecodeRequest{
		Buffer:     buf,
		Attributes: l.attributes,
		Scale:      l.scale,
		Offset:     l.offset.Sub(nodeMin),
		Version:    pointcloud.Version{Major: 2},
		Layout:     pointcloud.Interleaved,
		NumPoints:  numPoints,
	}
	if l.encoding == EncodingGLTF {
		decodeReq.Attributes = l.gltfAttributes
		decodeReq.Layout = pointcloud.Planar
	}
	res.decoded, err = decodeOnWorker(ctx, l.pool, decodeReq)
	if err != nil {
		return nil, errors.Wrap(err, "decoding points")
	}
	return res, nil
}

// fetchGLTF reads the planar position and color ranges of a node concurrently and returns them
// concatenated. For GLTF datasets byteOffset and byteSize count points.
func (l *NodeLoader) fetchGLTF(ctx context.Context, byteOffset, byteSize uint64) ([]byte, error) {
	var positions, colors []byte
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		positions, err = l.fetcher.fetch(groupCtx, l.GLTFPositionsPath, &ByteRange{
			Offset: byteOffset * gltfPositionStride,
			Size:   byteSize * gltfPositionStride,
		})
		return err
	})
	group.Go(func() error {
		var err error
		colors, err = l.fetcher.fetch(groupCtx, l.GLTFColorsPath, &ByteRange{
			Offset: byteOffset * gltfColorStride,
			Size:   byteSize * gltfColorStride,
		})
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(positions)+len(colors))
	buf = append(buf, positions...)
	return append(buf, colors...), nil
}

package loader

import (
	"context"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/potree/logging"
	"go.viam.com/potree/octree"
	"go.viam.com/potree/pointcloud"
	"go.viam.com/potree/workerpool"
)

// BinaryLoader loads the nodes of a flat (1.x) dataset. Each node is one file of interleaved
// point records. From 1.5 on, the hierarchy is split into .hrc files every HierarchyStepSize
// levels and node files live in directories named after their hierarchy chunk.
type BinaryLoader struct {
	fetcher  *fetcher
	pool     *workerpool.Pool
	logger   logging.Logger
	disposed *atomic.Bool

	version    pointcloud.Version
	octreeDir  string
	stepSize   int
	attributes *pointcloud.PointAttributes
	scale      r3.Vector
	// offset is added to legacy float positions.
	offset r3.Vector
}

func (l *BinaryLoader) format() string {
	return formatFlat
}

// hierarchyBase returns the directory of the hierarchy chunk holding name, relative to the octree
// directory: "r" followed by one path element per complete step of the name's digits.
func (l *BinaryLoader) hierarchyBase(name string) string {
	parts := []string{octree.RootName}
	if l.stepSize > 0 {
		digits := name[1:]
		for i := 0; i+l.stepSize <= len(digits); i += l.stepSize {
			parts = append(parts, digits[i:i+l.stepSize])
		}
	}
	return strings.Join(parts, "/")
}

// NodePath returns the path of a node's point data file.
func (l *BinaryLoader) NodePath(name string) string {
	parts := []string{l.octreeDir}
	if l.version.EqualOrHigher("1.5") {
		parts = append(parts, l.hierarchyBase(name))
	}
	path := strings.Join(append(parts, name), "/")
	if l.version.EqualOrHigher("1.4") {
		path += ".bin"
	}
	return path
}

// HierarchyPath returns the path of the .hrc file rooted at the named node.
func (l *BinaryLoader) HierarchyPath(name string) string {
	return l.octreeDir + "/" + l.hierarchyBase(name) + "/" + name + ".hrc"
}

func (l *BinaryLoader) loadsHierarchy(req nodeRequest) bool {
	return l.version.EqualOrHigher("1.5") &&
		l.stepSize > 0 &&
		req.Level%l.stepSize == 0 &&
		req.HasChildren
}

func (l *BinaryLoader) loadNode(ctx context.Context, req nodeRequest) (*loadResult, error) {
	res := &loadResult{numPoints: -1}
	if l.loadsHierarchy(req) {
		buf, err := l.fetcher.fetch(ctx, l.HierarchyPath(req.Name), nil)
		if err != nil {
			return nil, errors.Wrap(err, "fetching hierarchy")
		}
		if res.hrc, err = octree.DecodeHRC(req.Name, buf); err != nil {
			return nil, err
		}
		if l.disposed.Load() {
			return nil, errDisposed
		}
	}

	buf, err := l.fetcher.fetch(ctx, l.NodePath(req.Name), nil)
	if err != nil {
		return nil, errors.Wrap(err, "fetching points")
	}
	if l.disposed.Load() {
		return nil, errDisposed
	}
	if l.version.UpTo("1.5") {
		res.numPoints = len(buf) / l.attributes.ByteSize
	}

	decodeReq := pointcloud.DecodeRequest{
		Buffer:     buf,
		Attributes: l.attributes,
		Scale:      l.scale,
		Version:    l.version,
		Layout:     pointcloud.Interleaved,
	}
	if l.version.UpTo("1.3") {
		decodeReq.Offset = l.offset
	}
	res.decoded, err = decodeOnWorker(ctx, l.pool, decodeReq)
	if err != nil {
		return nil, errors.Wrap(err, "decoding points")
	}
	return res, nil
}

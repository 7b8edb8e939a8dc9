package testutils

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"slices"
	"strings"

	"github.com/golang/geo/r3"

	"go.viam.com/potree/octree"
	"go.viam.com/potree/pointcloud"
	"go.viam.com/potree/spatialmath"
)

// Node is a node of a synthetic dataset. Points are relative to the minimum of the dataset's
// bounding box, like the bounding boxes of loaded nodes.
type Node struct {
	Name   string
	Points []r3.Vector
}

// NodeColor is the color written for every point of the named node.
func NodeColor(name string) [3]uint8 {
	return [3]uint8{uint8(10 * len(name)), 100, 200}
}

// NodeBox returns the bounding box of the named node of a dataset whose normalized bounds are box.
func NodeBox(box spatialmath.Box, name string) spatialmath.Box {
	for _, c := range name[1:] {
		box = octree.ChildBox(box, int(c-'0'))
	}
	return box
}

// PointsIn returns n points spread along the diagonal of box, strictly inside it.
func PointsIn(box spatialmath.Box, n int) []r3.Vector {
	size := box.Size()
	points := make([]r3.Vector, n)
	for i := range points {
		t := (float64(i) + 0.5) / float64(n)
		points[i] = box.Min.Add(size.Mul(t))
	}
	return points
}

// FullTree returns every node of an octree of the given depth over box, each holding
// pointsPerNode points inside its bounds. Depth 0 is the root alone.
func FullTree(box spatialmath.Box, depth, pointsPerNode int) []Node {
	nodes := []Node{{Name: octree.RootName, Points: PointsIn(box, pointsPerNode)}}
	for i := 0; i < len(nodes); i++ {
		name := nodes[i].Name
		if octree.LevelFromName(name) == depth {
			continue
		}
		for index := 0; index < 8; index++ {
			child := octree.ChildName(name, index)
			nodes = append(nodes, Node{Name: child, Points: PointsIn(NodeBox(box, child), pointsPerNode)})
		}
	}
	return nodes
}

type tree struct {
	nodes    []Node
	byName   map[string]Node
	children map[string][]string
}

func newTree(nodes []Node) *tree {
	t := &tree{
		nodes:    slices.Clone(nodes),
		byName:   map[string]Node{},
		children: map[string][]string{},
	}
	slices.SortFunc(t.nodes, func(a, b Node) int { return octree.CompareNames(a.Name, b.Name) })
	for _, n := range t.nodes {
		t.byName[n.Name] = n
		if parent := octree.ParentName(n.Name); parent != "" {
			t.children[parent] = append(t.children[parent], n.Name)
		}
	}
	return t
}

func (t *tree) childMask(name string) uint8 {
	var mask uint8
	for _, child := range t.children[name] {
		mask |= 1 << octree.IndexFromName(child)
	}
	return mask
}

// subtree returns the nodes under and including name down to maxLevel, breadth first.
func (t *tree) subtree(name string, maxLevel int) []string {
	names := []string{name}
	for i := 0; i < len(names); i++ {
		if octree.LevelFromName(names[i]) >= maxLevel {
			continue
		}
		names = append(names, t.children[names[i]]...)
	}
	return names
}

// FlatDataset is a synthetic 1.x dataset.
type FlatDataset struct {
	// Version defaults to 1.7.
	Version string
	// Box is the world bounding box.
	Box     spatialmath.Box
	Spacing float64
	// Scale quantizes positions from 1.4 on. It defaults to 0.001.
	Scale float64
	// StepSize splits the hierarchy into .hrc files from 1.5 on. It defaults to 2.
	StepSize int
	Nodes    []Node
}

// FlatOctreeDir is the octree directory of flat datasets written by FlatDataset.Write.
const FlatOctreeDir = "data"

// FlatStride is the point stride of flat datasets: float or quantized positions and RGBA.
const FlatStride = 16

// Write stores the dataset under dir and returns the URL of its cloud.js.
func (d FlatDataset) Write(store *MemoryStore, dir string) string {
	if d.Version == "" {
		d.Version = "1.7"
	}
	if d.Scale == 0 {
		d.Scale = 0.001
	}
	if d.StepSize == 0 {
		d.StepSize = 2
	}
	version := pointcloud.ParseVersion(d.Version)
	split := version.EqualOrHigher("1.5")
	normalized := d.Box.Translate(d.Box.Min.Mul(-1))
	t := newTree(d.Nodes)
	octreeDir := dir + "/" + FlatOctreeDir

	hierarchy := [][]interface{}{}
	for _, n := range t.nodes {
		if !split || n.Name == octree.RootName {
			hierarchy = append(hierarchy, []interface{}{n.Name, len(n.Points)})
		}
	}
	numPoints := 0
	for _, n := range t.nodes {
		numPoints += len(n.Points)
		nodeMin := NodeBox(normalized, n.Name).Min
		data := make([]byte, 0, FlatStride*len(n.Points))
		for _, p := range n.Points {
			if version.UpTo("1.3") {
				data = appendFloat32s(data, p.X, p.Y, p.Z)
			} else {
				q := p.Sub(nodeMin).Mul(1 / d.Scale)
				data = binary.LittleEndian.AppendUint32(data, uint32(math.Round(q.X)))
				data = binary.LittleEndian.AppendUint32(data, uint32(math.Round(q.Y)))
				data = binary.LittleEndian.AppendUint32(data, uint32(math.Round(q.Z)))
			}
			c := NodeColor(n.Name)
			data = append(data, c[0], c[1], c[2], 255)
		}

		path := octreeDir + "/"
		if split {
			path += hierarchyBase(n.Name, d.StepSize) + "/"
		}
		path += n.Name
		if version.EqualOrHigher("1.4") {
			path += ".bin"
		}
		store.Put(path, data)

		level := octree.LevelFromName(n.Name)
		if split && level%d.StepSize == 0 && len(t.children[n.Name]) > 0 {
			var hrc []octree.HRCRecord
			for _, name := range t.subtree(n.Name, level+d.StepSize) {
				hrc = append(hrc, octree.HRCRecord{
					Name:      name,
					ChildMask: t.childMask(name),
					NumPoints: uint32(len(t.byName[name].Points)),
				})
			}
			store.Put(octreeDir+"/"+hierarchyBase(n.Name, d.StepSize)+"/"+n.Name+".hrc", EncodeHRCRecords(hrc))
		}
	}

	cloud := map[string]interface{}{
		"version":           d.Version,
		"octreeDir":         FlatOctreeDir,
		"points":            numPoints,
		"boundingBox":       cornerBounds(d.Box),
		"tightBoundingBox":  cornerBounds(d.Box),
		"pointAttributes":   []string{"POSITION_CARTESIAN", "RGBA_PACKED"},
		"spacing":           d.Spacing,
		"scale":             d.Scale,
		"hierarchyStepSize": d.StepSize,
		"hierarchy":         hierarchy,
	}
	url := dir + "/cloud.js"
	store.Put(url, mustMarshal(cloud))
	return url
}

// ChunkedDataset is a synthetic 2.0 dataset.
type ChunkedDataset struct {
	// Box is the world bounding box. It is also the dataset offset.
	Box     spatialmath.Box
	Spacing float64
	// Scale quantizes positions. It defaults to 0.001.
	Scale float64
	// StepSize is the depth of each hierarchy chunk. It defaults to 2.
	StepSize int
	// Encoding is DEFAULT or GLTF.
	Encoding string
	Nodes    []Node
}

// ChunkedStride is the point stride of DEFAULT encoded chunked datasets: int32 positions and
// uint16 RGB.
const ChunkedStride = 18

// Write stores the dataset under dir and returns the URL of its metadata.json.
func (d ChunkedDataset) Write(store *MemoryStore, dir string) string {
	if d.Scale == 0 {
		d.Scale = 0.001
	}
	if d.StepSize == 0 {
		d.StepSize = 2
	}
	if d.Encoding == "" {
		d.Encoding = "DEFAULT"
	}
	t := newTree(d.Nodes)
	gltf := d.Encoding == "GLTF"

	type location struct{ offset, size uint64 }
	points := map[string]location{}
	var octreeBin, positions, colors []byte
	var pointOffset uint64
	numPoints := 0
	tight := spatialmath.EmptyBox()
	for _, n := range t.nodes {
		numPoints += len(n.Points)
		c := NodeColor(n.Name)
		if gltf {
			points[n.Name] = location{pointOffset, uint64(len(n.Points))}
			pointOffset += uint64(len(n.Points))
		} else {
			points[n.Name] = location{uint64(len(octreeBin)), uint64(ChunkedStride * len(n.Points))}
		}
		for _, p := range n.Points {
			tight = tight.ExpandByPoint(p.Add(d.Box.Min))
			if gltf {
				positions = appendFloat32s(positions, p.X, p.Y, p.Z)
				colors = append(colors, c[0], c[1], c[2], 255)
				continue
			}
			q := p.Mul(1 / d.Scale)
			octreeBin = binary.LittleEndian.AppendUint32(octreeBin, uint32(int32(math.Round(q.X))))
			octreeBin = binary.LittleEndian.AppendUint32(octreeBin, uint32(int32(math.Round(q.Y))))
			octreeBin = binary.LittleEndian.AppendUint32(octreeBin, uint32(int32(math.Round(q.Z))))
			for _, channel := range c {
				octreeBin = binary.LittleEndian.AppendUint16(octreeBin, uint16(channel))
			}
		}
	}
	if tight.IsEmpty() {
		tight = d.Box
	}

	// every chunk starts at a chunk root and reaches StepSize levels down, where nodes with
	// children become proxies of their own chunk
	isChunkRoot := func(name string) bool {
		level := octree.LevelFromName(name)
		return name == octree.RootName || (level%d.StepSize == 0 && len(t.children[name]) > 0)
	}
	var chunkRoots []string
	for _, n := range t.nodes {
		if isChunkRoot(n.Name) {
			chunkRoots = append(chunkRoots, n.Name)
		}
	}
	chunks := map[string]location{}
	var chunkOffset uint64
	for _, root := range chunkRoots {
		size := uint64(octree.ChunkRecordSize * len(t.subtree(root, octree.LevelFromName(root)+d.StepSize)))
		chunks[root] = location{chunkOffset, size}
		chunkOffset += size
	}
	var hierarchy []byte
	for _, root := range chunkRoots {
		var records []octree.ChunkRecord
		for _, name := range t.subtree(root, octree.LevelFromName(root)+d.StepSize) {
			rec := octree.ChunkRecord{
				Type:       octree.Normal,
				ChildMask:  t.childMask(name),
				NumPoints:  uint32(len(t.byName[name].Points)),
				ByteOffset: points[name].offset,
				ByteSize:   points[name].size,
			}
			switch {
			case name != root && isChunkRoot(name):
				rec.Type = octree.Proxy
				rec.ByteOffset = chunks[name].offset
				rec.ByteSize = chunks[name].size
			case rec.ChildMask == 0:
				rec.Type = octree.Leaf
			}
			records = append(records, rec)
		}
		hierarchy = append(hierarchy, EncodeChunkRecords(records)...)
	}

	store.Put(dir+"/hierarchy.bin", hierarchy)
	if gltf {
		store.Put(dir+"/positions.glbin", positions)
		store.Put(dir+"/colors.glbin", colors)
	} else {
		store.Put(dir+"/octree.bin", octreeBin)
	}

	metadata := map[string]interface{}{
		"version": "2.0",
		"name":    "synthetic",
		"points":  numPoints,
		"hierarchy": map[string]interface{}{
			"firstChunkSize": chunks[octree.RootName].size,
			"stepSize":       d.StepSize,
			"depth":          maxLevel(t),
		},
		"offset":   components(d.Box.Min),
		"scale":    []float64{d.Scale, d.Scale, d.Scale},
		"spacing":  d.Spacing,
		"encoding": d.Encoding,
		"boundingBox": map[string]interface{}{
			"min": components(d.Box.Min),
			"max": components(d.Box.Max),
		},
		"attributes": []map[string]interface{}{
			{
				"name": "position", "type": "int32", "numElements": 3, "size": 12, "elementSize": 4,
				"min": components(tight.Min), "max": components(tight.Max),
			},
			{
				"name": "rgb", "type": "uint16", "numElements": 3, "size": 6, "elementSize": 2,
				"min": []float64{0, 0, 0}, "max": []float64{255, 255, 255},
			},
		},
	}
	url := dir + "/metadata.json"
	store.Put(url, mustMarshal(metadata))
	return url
}

// EncodeChunkRecords encodes hierarchy.bin records.
func EncodeChunkRecords(records []octree.ChunkRecord) []byte {
	buf := make([]byte, 0, octree.ChunkRecordSize*len(records))
	for _, r := range records {
		buf = append(buf, byte(r.Type), r.ChildMask)
		buf = binary.LittleEndian.AppendUint32(buf, r.NumPoints)
		buf = binary.LittleEndian.AppendUint64(buf, r.ByteOffset)
		buf = binary.LittleEndian.AppendUint64(buf, r.ByteSize)
	}
	return buf
}

// EncodeHRCRecords encodes .hrc records. Names are not encoded; records must be breadth first.
func EncodeHRCRecords(records []octree.HRCRecord) []byte {
	buf := make([]byte, 0, octree.HRCRecordSize*len(records))
	for _, r := range records {
		buf = append(buf, r.ChildMask)
		buf = binary.LittleEndian.AppendUint32(buf, r.NumPoints)
	}
	return buf
}

func hierarchyBase(name string, stepSize int) string {
	parts := []string{octree.RootName}
	digits := name[1:]
	for i := 0; i+stepSize <= len(digits); i += stepSize {
		parts = append(parts, digits[i:i+stepSize])
	}
	return strings.Join(parts, "/")
}

func maxLevel(t *tree) int {
	level := 0
	for _, n := range t.nodes {
		level = max(level, octree.LevelFromName(n.Name))
	}
	return level
}

func appendFloat32s(buf []byte, values ...float64) []byte {
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
	}
	return buf
}

func cornerBounds(b spatialmath.Box) map[string]float64 {
	return map[string]float64{
		"lx": b.Min.X, "ly": b.Min.Y, "lz": b.Min.Z,
		"ux": b.Max.X, "uy": b.Max.Y, "uz": b.Max.Z,
	}
}

func components(v r3.Vector) []float64 {
	return []float64{v.X, v.Y, v.Z}
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

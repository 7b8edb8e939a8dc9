package octree

import (
	"encoding/binary"
	"math"
	"math/bits"
	"slices"

	"github.com/pkg/errors"
)

const (
	// ChunkRecordSize is the size of one hierarchy.bin record.
	ChunkRecordSize = 22
	// HRCRecordSize is the size of one .hrc record.
	HRCRecordSize = 5
)

// ErrMalformedHierarchy is returned for hierarchy data that does not describe a consistent tree.
var ErrMalformedHierarchy = errors.New("malformed hierarchy")

// ChunkRecord is one node of a chunked hierarchy, in breadth-first order.
type ChunkRecord struct {
	Type      NodeType
	ChildMask uint8
	NumPoints uint32
	// ByteOffset and ByteSize locate point data, or for a Proxy the node's own hierarchy chunk.
	ByteOffset uint64
	ByteSize   uint64
}

// DecodeHierarchyChunk decodes a hierarchy.bin chunk. The chunk must contain exactly the records
// its child masks declare; proxies declare no records of their own children.
func DecodeHierarchyChunk(buf []byte) ([]ChunkRecord, error) {
	if len(buf) == 0 || len(buf)%ChunkRecordSize != 0 {
		return nil, errors.Wrapf(ErrMalformedHierarchy, "chunk of %d bytes is not a multiple of %d", len(buf), ChunkRecordSize)
	}
	records := make([]ChunkRecord, len(buf)/ChunkRecordSize)
	declared := 1
	for i := range records {
		rec := buf[i*ChunkRecordSize:]
		r := ChunkRecord{
			Type:       NodeType(rec[0]),
			ChildMask:  rec[1],
			NumPoints:  binary.LittleEndian.Uint32(rec[2:]),
			ByteOffset: binary.LittleEndian.Uint64(rec[6:]),
			ByteSize:   binary.LittleEndian.Uint64(rec[14:]),
		}
		if r.ByteOffset > math.MaxInt64 || r.ByteSize > math.MaxInt64 {
			return nil, errors.Wrapf(ErrMalformedHierarchy, "record %d has a negative location", i)
		}
		records[i] = r
		if r.Type != Proxy {
			declared += bits.OnesCount8(r.ChildMask)
		}
	}
	if declared != len(records) {
		return nil, errors.Wrapf(ErrMalformedHierarchy, "child masks declare %d records, chunk has %d", declared, len(records))
	}
	return records, nil
}

// ApplyHierarchyChunk merges decoded records into the subtree rooted at n, which must be the node
// the chunk was read for. New children are created for every non-proxy record's mask.
func (n *Node) ApplyHierarchyChunk(records []ChunkRecord) error {
	nodes := make([]*Node, 1, len(records))
	nodes[0] = n
	for i, r := range records {
		if i >= len(nodes) {
			return errors.Wrapf(ErrMalformedHierarchy, "record %d has no node", i)
		}
		current := nodes[i]
		switch {
		case current.Type == Proxy:
			current.ByteOffset = r.ByteOffset
			current.ByteSize = r.ByteSize
		case r.Type == Proxy:
			current.HierarchyByteOffset = r.ByteOffset
			current.HierarchyByteSize = r.ByteSize
		default:
			current.ByteOffset = r.ByteOffset
			current.ByteSize = r.ByteSize
		}
		current.NumPoints = int(r.NumPoints)
		current.Type = r.Type
		current.HasChildren = r.ChildMask != 0
		if current.Type == Proxy {
			continue
		}

		for childIndex := 0; childIndex < 8; childIndex++ {
			if r.ChildMask&(1<<childIndex) == 0 {
				continue
			}
			child := current.Children[childIndex]
			if child == nil {
				child = current.NewChild(childIndex)
				current.AddChild(child)
			}
			nodes = append(nodes, child)
		}
	}
	return nil
}

// HRCRecord is one node of a flat .hrc hierarchy chunk.
type HRCRecord struct {
	Name      string
	ChildMask uint8
	NumPoints uint32
}

// DecodeHRC decodes a .hrc chunk read for the node named rootName. Records are breadth first;
// children declared past the end of the chunk live in the next chunk and are not returned.
func DecodeHRC(rootName string, buf []byte) ([]HRCRecord, error) {
	if len(buf) == 0 || len(buf)%HRCRecordSize != 0 {
		return nil, errors.Wrapf(ErrMalformedHierarchy, ".hrc of %d bytes is not a multiple of %d", len(buf), HRCRecordSize)
	}
	readRecord := func(name string, offset int) HRCRecord {
		return HRCRecord{
			Name:      name,
			ChildMask: buf[offset],
			NumPoints: binary.LittleEndian.Uint32(buf[offset+1:]),
		}
	}

	records := []HRCRecord{readRecord(rootName, 0)}
	offset := HRCRecordSize
	for i := 0; i < len(records) && offset < len(buf); i++ {
		parent := records[i]
		for childIndex := 0; childIndex < 8 && offset < len(buf); childIndex++ {
			if parent.ChildMask&(1<<childIndex) == 0 {
				continue
			}
			records = append(records, readRecord(ChildName(parent.Name, childIndex), offset))
			offset += HRCRecordSize
		}
	}
	if offset != len(buf) {
		return nil, errors.Wrapf(ErrMalformedHierarchy, ".hrc has %d bytes not reachable from %s", len(buf)-offset, rootName)
	}
	return records, nil
}

// FlatEntry is a node of a flat hierarchy as listed in cloud.js or decoded from .hrc.
type FlatEntry struct {
	Name        string
	NumPoints   int
	HasChildren bool
}

// BuildFlatHierarchy creates the nodes of entries under root. Entries may come in any order; each
// entry's parent must be root or another entry. Node spacing is spacing/2^level. An entry naming
// root itself updates its point count.
func BuildFlatHierarchy(root *Node, entries []FlatEntry, spacing float64) error {
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b FlatEntry) int { return CompareNames(a.Name, b.Name) })

	nodes := map[string]*Node{root.Name: root}
	for _, e := range sorted {
		if e.Name == root.Name {
			root.NumPoints = e.NumPoints
			root.HasChildren = root.HasChildren || e.HasChildren
			continue
		}
		if !ValidName(e.Name) {
			return errors.Wrapf(ErrMalformedHierarchy, "invalid node name %q", e.Name)
		}
		parent, ok := nodes[ParentName(e.Name)]
		if !ok {
			existing := root.Find(ParentName(e.Name))
			if existing == nil {
				return errors.Wrapf(ErrMalformedHierarchy, "node %s has no parent", e.Name)
			}
			parent = existing
			nodes[parent.Name] = parent
		}
		node := parent.Children[IndexFromName(e.Name)]
		if node == nil {
			node = NewNode(e.Name, ChildBox(parent.BoundingBox, IndexFromName(e.Name)))
			parent.AddChild(node)
		}
		node.NumPoints = e.NumPoints
		node.HasChildren = e.HasChildren
		node.Spacing = spacing / math.Pow(2, float64(node.Level))
		parent.HasChildren = true
		nodes[e.Name] = node
	}
	return nil
}

// Find returns the descendant of n with the given name, following the name's digits.
func (n *Node) Find(name string) *Node {
	if len(name) < len(n.Name) || name[:len(n.Name)] != n.Name {
		return nil
	}
	current := n
	for _, c := range name[len(n.Name):] {
		if c < '0' || c > '7' {
			return nil
		}
		current = current.Children[c-'0']
		if current == nil {
			return nil
		}
	}
	return current
}

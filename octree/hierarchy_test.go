package octree

import (
	"encoding/binary"
	"slices"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/potree/spatialmath"
)

func encodeChunk(records ...ChunkRecord) []byte {
	buf := make([]byte, len(records)*ChunkRecordSize)
	for i, r := range records {
		rec := buf[i*ChunkRecordSize:]
		rec[0] = byte(r.Type)
		rec[1] = r.ChildMask
		binary.LittleEndian.PutUint32(rec[2:], r.NumPoints)
		binary.LittleEndian.PutUint64(rec[6:], r.ByteOffset)
		binary.LittleEndian.PutUint64(rec[14:], r.ByteSize)
	}
	return buf
}

func encodeHRC(records ...HRCRecord) []byte {
	buf := make([]byte, len(records)*HRCRecordSize)
	for i, r := range records {
		buf[i*HRCRecordSize] = r.ChildMask
		binary.LittleEndian.PutUint32(buf[i*HRCRecordSize+1:], r.NumPoints)
	}
	return buf
}

func unitRoot() *Node {
	root := NewNode(RootName, spatialmath.NewBox(r3.Vector{}, r3.Vector{X: 8, Y: 8, Z: 8}))
	root.Spacing = 1
	root.Type = Proxy
	root.HierarchyByteSize = 3 * ChunkRecordSize
	return root
}

func TestHierarchyChunk(t *testing.T) {
	chunk := encodeChunk(
		ChunkRecord{Type: Normal, ChildMask: 0b1000_0001, NumPoints: 50, ByteOffset: 0, ByteSize: 750},
		ChunkRecord{Type: Leaf, NumPoints: 40, ByteOffset: 750, ByteSize: 600},
		ChunkRecord{Type: Proxy, ChildMask: 0b10, NumPoints: 30, ByteOffset: 66, ByteSize: 44},
	)

	records, err := DecodeHierarchyChunk(chunk)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(records), test.ShouldEqual, 3)
	test.That(t, records[2], test.ShouldResemble, ChunkRecord{Type: Proxy, ChildMask: 0b10, NumPoints: 30, ByteOffset: 66, ByteSize: 44})

	root := unitRoot()
	test.That(t, root.ApplyHierarchyChunk(records), test.ShouldBeNil)

	t.Run("proxy root is replaced by its record", func(t *testing.T) {
		test.That(t, root.Type, test.ShouldEqual, Normal)
		test.That(t, root.ByteOffset, test.ShouldEqual, uint64(0))
		test.That(t, root.ByteSize, test.ShouldEqual, uint64(750))
		test.That(t, root.NumPoints, test.ShouldEqual, 50)
		test.That(t, root.HasChildren, test.ShouldBeTrue)
	})

	t.Run("children follow the mask breadth first", func(t *testing.T) {
		r0, r7 := root.Children[0], root.Children[7]
		test.That(t, r0, test.ShouldNotBeNil)
		test.That(t, r7, test.ShouldNotBeNil)
		for i := 1; i < 7; i++ {
			test.That(t, root.Children[i], test.ShouldBeNil)
		}

		test.That(t, r0.Name, test.ShouldEqual, "r0")
		test.That(t, r0.Type, test.ShouldEqual, Leaf)
		test.That(t, r0.ByteOffset, test.ShouldEqual, uint64(750))
		test.That(t, r0.Spacing, test.ShouldEqual, 0.5)
		test.That(t, r0.Level, test.ShouldEqual, 1)
		test.That(t, r0.BoundingBox, test.ShouldResemble, root.BoundingBox.Octant(0))
		test.That(t, r0.Parent, test.ShouldEqual, root)

		// A proxy record sets the hierarchy location and creates no children.
		test.That(t, r7.Type, test.ShouldEqual, Proxy)
		test.That(t, r7.HierarchyByteOffset, test.ShouldEqual, uint64(66))
		test.That(t, r7.HierarchyByteSize, test.ShouldEqual, uint64(44))
		test.That(t, r7.ByteSize, test.ShouldEqual, uint64(0))
		test.That(t, r7.IsLeaf(), test.ShouldBeTrue)
	})

	t.Run("proxy chunk resolves the proxy", func(t *testing.T) {
		r7 := root.Children[7]
		records, err := DecodeHierarchyChunk(encodeChunk(
			ChunkRecord{Type: Normal, ChildMask: 0b10, NumPoints: 30, ByteOffset: 1350, ByteSize: 450},
			ChunkRecord{Type: Leaf, NumPoints: 10, ByteOffset: 1800, ByteSize: 150},
		))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, r7.ApplyHierarchyChunk(records), test.ShouldBeNil)
		test.That(t, r7.Type, test.ShouldEqual, Normal)
		test.That(t, r7.ByteOffset, test.ShouldEqual, uint64(1350))
		test.That(t, r7.Children[1].Name, test.ShouldEqual, "r71")
		test.That(t, r7.Children[1].Spacing, test.ShouldEqual, 0.25)
	})
}

func TestMalformedHierarchyChunk(t *testing.T) {
	for _, tc := range []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"partial record", make([]byte, ChunkRecordSize+3)},
		{"missing children", encodeChunk(ChunkRecord{ChildMask: 0b11}, ChunkRecord{Type: Leaf})},
		{"extra records", encodeChunk(ChunkRecord{}, ChunkRecord{Type: Leaf})},
		{"negative offset", encodeChunk(ChunkRecord{ByteOffset: 1 << 63})},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeHierarchyChunk(tc.buf)
			test.That(t, err, test.ShouldWrap, ErrMalformedHierarchy)
		})
	}
}

func TestDecodeHRC(t *testing.T) {
	buf := encodeHRC(
		HRCRecord{ChildMask: 0b0000_0101, NumPoints: 100},
		HRCRecord{ChildMask: 0b1000_0000, NumPoints: 20},
		HRCRecord{ChildMask: 0, NumPoints: 30},
		HRCRecord{ChildMask: 0b1, NumPoints: 4},
	)
	records, err := DecodeHRC("r", buf)
	test.That(t, err, test.ShouldBeNil)
	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.Name)
	}
	test.That(t, names, test.ShouldResemble, []string{"r", "r0", "r2", "r07"})
	test.That(t, records[3].NumPoints, test.ShouldEqual, uint32(4))
	// r07's child lives in the next chunk.
	test.That(t, records[3].ChildMask, test.ShouldEqual, uint8(1))

	_, err = DecodeHRC("r", buf[:7])
	test.That(t, err, test.ShouldWrap, ErrMalformedHierarchy)
	_, err = DecodeHRC("r", encodeHRC(HRCRecord{}, HRCRecord{}))
	test.That(t, err, test.ShouldWrap, ErrMalformedHierarchy)
}

func TestBuildFlatHierarchy(t *testing.T) {
	root := NewNode(RootName, spatialmath.NewBox(r3.Vector{}, r3.Vector{X: 4, Y: 4, Z: 4}))
	entries := []FlatEntry{
		{Name: "r04", NumPoints: 3},
		{Name: "r", NumPoints: 100},
		{Name: "r0", NumPoints: 50},
		{Name: "r3", NumPoints: 20},
	}
	test.That(t, BuildFlatHierarchy(root, entries, 2), test.ShouldBeNil)
	test.That(t, root.NumPoints, test.ShouldEqual, 100)
	test.That(t, root.HasChildren, test.ShouldBeTrue)

	r04 := root.Find("r04")
	test.That(t, r04, test.ShouldNotBeNil)
	test.That(t, r04.Spacing, test.ShouldEqual, 0.5)
	test.That(t, r04.BoundingBox, test.ShouldResemble, root.BoundingBox.Octant(0).Octant(4))
	test.That(t, r04.Parent.HasChildren, test.ShouldBeTrue)
	test.That(t, root.Find("r3").HasChildren, test.ShouldBeFalse)

	t.Run("orphans are rejected", func(t *testing.T) {
		err := BuildFlatHierarchy(root, []FlatEntry{{Name: "r55", NumPoints: 1}}, 2)
		test.That(t, err, test.ShouldWrap, ErrMalformedHierarchy)
		err = BuildFlatHierarchy(root, []FlatEntry{{Name: "r9", NumPoints: 1}}, 2)
		test.That(t, err, test.ShouldWrap, ErrMalformedHierarchy)
	})

	t.Run("later chunks extend existing nodes", func(t *testing.T) {
		err := BuildFlatHierarchy(root, []FlatEntry{{Name: "r041", NumPoints: 1}}, 2)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, root.Find("r041").Parent, test.ShouldEqual, r04)
	})
}

func TestNames(t *testing.T) {
	test.That(t, IndexFromName("r"), test.ShouldEqual, 0)
	test.That(t, IndexFromName("r0527"), test.ShouldEqual, 7)
	test.That(t, LevelFromName("r0527"), test.ShouldEqual, 4)
	test.That(t, ParentName("r0527"), test.ShouldEqual, "r052")
	test.That(t, ParentName("r"), test.ShouldEqual, "")
	test.That(t, ValidName("r08"), test.ShouldBeFalse)

	names := []string{"r30", "r07", "r4", "r", "r01", "r0", "r3"}
	slices.SortFunc(names, CompareNames)
	test.That(t, names, test.ShouldResemble, []string{"r", "r0", "r3", "r4", "r01", "r07", "r30"})
}

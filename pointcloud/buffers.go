package pointcloud

import (
	"github.com/golang/geo/r3"
)

// Buffers holds the decoded attributes of one node. Slices of absent attributes are nil, except
// Classifications and Indices which are always populated.
type Buffers struct {
	NumPoints int

	// Positions are x, y, z triples.
	Positions []float32
	// Colors are r, g, b triples.
	Colors          []uint8
	Intensities     []float32
	Classifications []uint8
	// Normals are x, y, z triples.
	Normals []float32
	Indices []uint32
	// Extra holds generically decoded attributes, NumElements values per point.
	Extra map[AttributeName][]float32
}

// Position returns the position of point i.
func (b *Buffers) Position(i int) r3.Vector {
	return r3.Vector{
		X: float64(b.Positions[3*i]),
		Y: float64(b.Positions[3*i+1]),
		Z: float64(b.Positions[3*i+2]),
	}
}

// HasColors reports whether colors were decoded.
func (b *Buffers) HasColors() bool {
	return len(b.Colors) == 3*b.NumPoints && b.NumPoints > 0
}

// Color returns the color of point i.
func (b *Buffers) Color(i int) (uint8, uint8, uint8) {
	return b.Colors[3*i], b.Colors[3*i+1], b.Colors[3*i+2]
}

// ByteSize approximates the memory held by the buffers.
func (b *Buffers) ByteSize() int {
	if b == nil {
		return 0
	}
	size := 4*len(b.Positions) + len(b.Colors) + 4*len(b.Intensities) + len(b.Classifications) +
		4*len(b.Normals) + 4*len(b.Indices)
	for _, extra := range b.Extra {
		size += 4 * len(extra)
	}
	return size
}

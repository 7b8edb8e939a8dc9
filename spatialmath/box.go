// Package spatialmath defines the axis aligned boxes, spheres and frusta used to place and cull
// octree nodes.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// Box is an axis aligned bounding box. A box whose Min exceeds its Max on any axis is empty.
type Box struct {
	Min r3.Vector
	Max r3.Vector
}

// NewBox returns the box spanning min and max.
func NewBox(min, max r3.Vector) Box {
	return Box{Min: min, Max: max}
}

// EmptyBox returns a box that contains nothing and grows to fit the first point added to it.
func EmptyBox() Box {
	return Box{
		Min: r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)},
		Max: r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)},
	}
}

// String returns a human readable string that represents the box.
func (b Box) String() string {
	return fmt.Sprintf("Box | Min: X:%.3f, Y:%.3f, Z:%.3f | Max: X:%.3f, Y:%.3f, Z:%.3f",
		b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z)
}

// IsEmpty reports whether the box contains no points.
func (b Box) IsEmpty() bool {
	return b.Max.X < b.Min.X || b.Max.Y < b.Min.Y || b.Max.Z < b.Min.Z
}

// Size returns the edge lengths of the box.
func (b Box) Size() r3.Vector {
	if b.IsEmpty() {
		return r3.Vector{}
	}
	return b.Max.Sub(b.Min)
}

// Center returns the midpoint of the box.
func (b Box) Center() r3.Vector {
	return b.Min.Add(b.Max).Mul(0.5)
}

// ExpandByPoint returns the smallest box containing both b and p.
func (b Box) ExpandByPoint(p r3.Vector) Box {
	return Box{
		Min: r3.Vector{X: math.Min(b.Min.X, p.X), Y: math.Min(b.Min.Y, p.Y), Z: math.Min(b.Min.Z, p.Z)},
		Max: r3.Vector{X: math.Max(b.Max.X, p.X), Y: math.Max(b.Max.Y, p.Y), Z: math.Max(b.Max.Z, p.Z)},
	}
}

// Union returns the smallest box containing both boxes.
func (b Box) Union(o Box) Box {
	if o.IsEmpty() {
		return b
	}
	return b.ExpandByPoint(o.Min).ExpandByPoint(o.Max)
}

// Translate shifts the box by v.
func (b Box) Translate(v r3.Vector) Box {
	return Box{Min: b.Min.Add(v), Max: b.Max.Add(v)}
}

// ContainsBox reports whether o lies entirely within b.
func (b Box) ContainsBox(o Box) bool {
	return b.Min.X <= o.Min.X && o.Max.X <= b.Max.X &&
		b.Min.Y <= o.Min.Y && o.Max.Y <= b.Max.Y &&
		b.Min.Z <= o.Min.Z && o.Max.Z <= b.Max.Z
}

// Intersects reports whether the boxes overlap. Touching faces count as overlap.
func (b Box) Intersects(o Box) bool {
	return !(o.Max.X < b.Min.X || o.Min.X > b.Max.X ||
		o.Max.Y < b.Min.Y || o.Min.Y > b.Max.Y ||
		o.Max.Z < b.Min.Z || o.Min.Z > b.Max.Z)
}

// Corners returns the eight vertices of the box.
func (b Box) Corners() [8]r3.Vector {
	return [8]r3.Vector{
		{X: b.Min.X, Y: b.Min.Y, Z: b.Min.Z},
		{X: b.Min.X, Y: b.Min.Y, Z: b.Max.Z},
		{X: b.Min.X, Y: b.Max.Y, Z: b.Min.Z},
		{X: b.Min.X, Y: b.Max.Y, Z: b.Max.Z},
		{X: b.Max.X, Y: b.Min.Y, Z: b.Min.Z},
		{X: b.Max.X, Y: b.Min.Y, Z: b.Max.Z},
		{X: b.Max.X, Y: b.Max.Y, Z: b.Min.Z},
		{X: b.Max.X, Y: b.Max.Y, Z: b.Max.Z},
	}
}

// ApplyMatrix transforms the eight corners of the box and returns their bounds.
func (b Box) ApplyMatrix(m mgl64.Mat4) Box {
	if b.IsEmpty() {
		return b
	}
	out := EmptyBox()
	for _, c := range b.Corners() {
		out = out.ExpandByPoint(TransformPoint(m, c))
	}
	return out
}

// Octant returns the child box for octant index 0-7. Bit 2 selects the upper x half, bit 1 the
// upper y half and bit 0 the upper z half.
func (b Box) Octant(index int) Box {
	// siblings share the midpoint exactly, so the children tile the parent
	mid := b.Center()
	child := b
	if index&0b001 != 0 {
		child.Min.Z = mid.Z
	} else {
		child.Max.Z = mid.Z
	}
	if index&0b010 != 0 {
		child.Min.Y = mid.Y
	} else {
		child.Max.Y = mid.Y
	}
	if index&0b100 != 0 {
		child.Min.X = mid.X
	} else {
		child.Max.X = mid.X
	}
	return child
}

// BoundingSphere returns the sphere centered on the box that passes through its corners.
func (b Box) BoundingSphere() Sphere {
	if b.IsEmpty() {
		return Sphere{Radius: -1}
	}
	return Sphere{Center: b.Center(), Radius: b.Size().Norm() / 2}
}

// DistanceToPoint returns the distance from p to the closest point of the box, 0 when inside.
func (b Box) DistanceToPoint(p r3.Vector) float64 {
	clamped := r3.Vector{
		X: math.Max(b.Min.X, math.Min(p.X, b.Max.X)),
		Y: math.Max(b.Min.Y, math.Min(p.Y, b.Max.Y)),
		Z: math.Max(b.Min.Z, math.Min(p.Z, b.Max.Z)),
	}
	return clamped.Sub(p).Norm()
}

package spatialmath

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// Plane is the set of points p with Normal·p + Constant = 0. Points on the Normal side have a
// positive distance.
type Plane struct {
	Normal   r3.Vector
	Constant float64
}

func newPlane(x, y, z, w float64) Plane {
	n := r3.Vector{X: x, Y: y, Z: z}
	inv := 1 / n.Norm()
	return Plane{Normal: n.Mul(inv), Constant: w * inv}
}

// DistanceToPoint returns the signed distance from the plane to p.
func (p Plane) DistanceToPoint(pt r3.Vector) float64 {
	return p.Normal.Dot(pt) + p.Constant
}

// Frustum is six inward facing planes.
type Frustum struct {
	Planes [6]Plane
}

// NewFrustumFromMatrix extracts the clip planes of a combined projection-view(-model) matrix.
// Points inside the frustum are those that map into the clip cube.
func NewFrustumFromMatrix(m mgl64.Mat4) Frustum {
	// mgl64 matrices are column major: m[col*4+row].
	return Frustum{Planes: [6]Plane{
		newPlane(m[3]-m[0], m[7]-m[4], m[11]-m[8], m[15]-m[12]),
		newPlane(m[3]+m[0], m[7]+m[4], m[11]+m[8], m[15]+m[12]),
		newPlane(m[3]+m[1], m[7]+m[5], m[11]+m[9], m[15]+m[13]),
		newPlane(m[3]-m[1], m[7]-m[5], m[11]-m[9], m[15]-m[13]),
		newPlane(m[3]-m[2], m[7]-m[6], m[11]-m[10], m[15]-m[14]),
		newPlane(m[3]+m[2], m[7]+m[6], m[11]+m[10], m[15]+m[14]),
	}}
}

// IntersectsBox reports whether any part of b may lie inside the frustum. For each plane the box
// corner furthest along the plane normal is tested.
func (f Frustum) IntersectsBox(b Box) bool {
	if b.IsEmpty() {
		return false
	}
	for _, plane := range f.Planes {
		var far r3.Vector
		if plane.Normal.X > 0 {
			far.X = b.Max.X
		} else {
			far.X = b.Min.X
		}
		if plane.Normal.Y > 0 {
			far.Y = b.Max.Y
		} else {
			far.Y = b.Min.Y
		}
		if plane.Normal.Z > 0 {
			far.Z = b.Max.Z
		} else {
			far.Z = b.Min.Z
		}
		if plane.DistanceToPoint(far) < 0 {
			return false
		}
	}
	return true
}

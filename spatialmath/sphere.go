package spatialmath

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// Sphere is a center and radius. A negative radius marks an empty sphere.
type Sphere struct {
	Center r3.Vector
	Radius float64
}

// IsEmpty reports whether the sphere is empty.
func (s Sphere) IsEmpty() bool {
	return s.Radius < 0
}

// DistanceToPoint returns the signed distance from the surface of the sphere to p.
func (s Sphere) DistanceToPoint(p r3.Vector) float64 {
	return p.Sub(s.Center).Norm() - s.Radius
}

// ApplyMatrix transforms the center and scales the radius by the largest axis scale of m.
func (s Sphere) ApplyMatrix(m mgl64.Mat4) Sphere {
	return Sphere{
		Center: TransformPoint(m, s.Center),
		Radius: s.Radius * MaxScaleOnAxis(m),
	}
}

// MaxScaleOnAxis returns the largest column length of the upper 3x3 of m.
func MaxScaleOnAxis(m mgl64.Mat4) float64 {
	sx := m.Col(0).Vec3().Len()
	sy := m.Col(1).Vec3().Len()
	sz := m.Col(2).Vec3().Len()
	return math.Max(sx, math.Max(sy, sz))
}

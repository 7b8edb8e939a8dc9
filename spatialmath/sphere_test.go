package spatialmath

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestSphere(t *testing.T) {
	s := NewBox(r3.Vector{}, r3.Vector{X: 2, Y: 2, Z: 2}).BoundingSphere()
	test.That(t, s.Center, test.ShouldResemble, r3.Vector{X: 1, Y: 1, Z: 1})
	test.That(t, s.Radius, test.ShouldAlmostEqual, math.Sqrt(3))
	test.That(t, s.IsEmpty(), test.ShouldBeFalse)
	test.That(t, EmptyBox().BoundingSphere().IsEmpty(), test.ShouldBeTrue)

	test.That(t, s.DistanceToPoint(r3.Vector{X: 4, Y: 1, Z: 1}), test.ShouldAlmostEqual, 3-math.Sqrt(3))
	test.That(t, s.DistanceToPoint(r3.Vector{X: 1, Y: 1, Z: 1}), test.ShouldAlmostEqual, -math.Sqrt(3))

	moved := s.ApplyMatrix(mgl64.Translate3D(1, 0, 0).Mul4(mgl64.Scale3D(1, 3, 2)))
	test.That(t, moved.Center.X, test.ShouldAlmostEqual, 2)
	test.That(t, moved.Center.Y, test.ShouldAlmostEqual, 3)
	test.That(t, moved.Center.Z, test.ShouldAlmostEqual, 2)
	test.That(t, moved.Radius, test.ShouldAlmostEqual, 3*math.Sqrt(3))
}

func TestMatrixHelpers(t *testing.T) {
	m := TranslationMatrix(r3.Vector{X: 1, Y: -2, Z: 3})
	test.That(t, Translation(m), test.ShouldResemble, r3.Vector{X: 1, Y: -2, Z: 3})
	test.That(t, TransformPoint(m, r3.Vector{X: 1, Y: 1, Z: 1}), test.ShouldResemble, r3.Vector{X: 2, Y: -1, Z: 4})
	test.That(t, Vec3ToR3(R3ToVec3(r3.Vector{X: 4, Y: 5, Z: 6})), test.ShouldResemble, r3.Vector{X: 4, Y: 5, Z: 6})
	test.That(t, MaxScaleOnAxis(mgl64.Scale3D(2, 5, 1)), test.ShouldAlmostEqual, 5)
}

package spatialmath

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// R3ToVec3 converts an r3 vector into an mgl64 vector.
func R3ToVec3(v r3.Vector) mgl64.Vec3 {
	return mgl64.Vec3{v.X, v.Y, v.Z}
}

// Vec3ToR3 converts an mgl64 vector into an r3 vector.
func Vec3ToR3(v mgl64.Vec3) r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

// TransformPoint applies m to p, including the perspective divide.
func TransformPoint(m mgl64.Mat4, p r3.Vector) r3.Vector {
	return Vec3ToR3(mgl64.TransformCoordinate(R3ToVec3(p), m))
}

// Translation returns the translation column of m.
func Translation(m mgl64.Mat4) r3.Vector {
	return r3.Vector{X: m[12], Y: m[13], Z: m[14]}
}

// TranslationMatrix returns a matrix that translates by v.
func TranslationMatrix(v r3.Vector) mgl64.Mat4 {
	return mgl64.Translate3D(v.X, v.Y, v.Z)
}

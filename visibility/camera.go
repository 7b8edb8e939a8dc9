package visibility

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"

	"go.viam.com/potree/spatialmath"
)

// Projection is the kind of camera projection.
type Projection int

const (
	// Perspective cameras shrink nodes with distance.
	Perspective Projection = iota
	// Orthographic cameras project every node at the same scale.
	Orthographic
)

// Camera is the viewpoint of an Update.
type Camera struct {
	Projection Projection
	// FOV is the vertical field of view of a perspective camera, in degrees.
	FOV float64
	// Top and Bottom bound the view volume of an orthographic camera.
	Top    float64
	Bottom float64

	ProjectionMatrix mgl64.Mat4
	// World places the camera in world space. Its inverse is the view matrix.
	World mgl64.Mat4
}

// NewPerspectiveCamera returns a camera at the origin looking down -z.
func NewPerspectiveCamera(fov, aspect, near, far float64) *Camera {
	return &Camera{
		Projection:       Perspective,
		FOV:              fov,
		ProjectionMatrix: mgl64.Perspective(mgl64.DegToRad(fov), aspect, near, far),
		World:            mgl64.Ident4(),
	}
}

// NewOrthographicCamera returns a camera at the origin looking down -z.
func NewOrthographicCamera(left, right, top, bottom, near, far float64) *Camera {
	return &Camera{
		Projection:       Orthographic,
		Top:              top,
		Bottom:           bottom,
		ProjectionMatrix: mgl64.Ortho(left, right, bottom, top, near, far),
		World:            mgl64.Ident4(),
	}
}

// LookAt moves the camera to eye, facing target.
func (c *Camera) LookAt(eye, target, up r3.Vector) {
	view := mgl64.LookAtV(spatialmath.R3ToVec3(eye), spatialmath.R3ToVec3(target), spatialmath.R3ToVec3(up))
	c.World = view.Inv()
}

// Position returns the camera position in world space.
func (c *Camera) Position() r3.Vector {
	return spatialmath.Translation(c.World)
}

// View returns the world to camera transform.
func (c *Camera) View() mgl64.Mat4 {
	return c.World.Inv()
}

// projectionFactor converts a world space length at distance from the camera into pixels.
func (c *Camera) projectionFactor(distance, halfHeight float64) float64 {
	if c.Projection == Orthographic {
		return 2 * halfHeight / (c.Top - c.Bottom)
	}
	slope := math.Tan(c.FOV * math.Pi / 180 / 2)
	return halfHeight / (slope * distance)
}

// Viewport is the size of the render target in CSS pixels.
type Viewport struct {
	Width  int
	Height int
	// PixelRatio scales CSS pixels to device pixels. Zero means 1.
	PixelRatio float64
}

func (v Viewport) halfHeight() float64 {
	ratio := v.PixelRatio
	if ratio == 0 {
		ratio = 1
	}
	return 0.5 * float64(v.Height) * ratio
}

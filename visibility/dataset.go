package visibility

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"

	"go.viam.com/potree/loader"
	"go.viam.com/potree/octree"
	"go.viam.com/potree/spatialmath"
)

// ClipMode selects how a dataset's clip boxes affect visibility.
type ClipMode int

const (
	// ClipDisabled ignores clip boxes.
	ClipDisabled ClipMode = iota
	// ClipOutside skips nodes outside every clip box.
	ClipOutside
	// ClipHighlightInside leaves visibility alone; the renderer highlights points inside the boxes.
	ClipHighlightInside
)

// DefaultMinNodePixelSize is the projected radius, in pixels, below which a node is not traversed.
const DefaultMinNodePixelSize = 50

// Dataset is a loaded geometry placed in the world, together with the per frame results of the
// last Update that included it.
type Dataset struct {
	ID       uuid.UUID
	Name     string
	Geometry *loader.Geometry

	// World places the geometry's local space, where its node boxes live, in world space.
	World   mgl64.Mat4
	Visible bool
	// MaxLevel is the deepest level traversed.
	MaxLevel         int
	MinNodePixelSize float64

	ClipMode ClipMode
	// ClipBoxes transform the unit cube centered on the origin into world space clip volumes.
	ClipBoxes []mgl64.Mat4

	numVisiblePoints int
	visibleNodes     []*octree.Node
	visibleGeometry  []*octree.Node
	visibleBounds    spatialmath.Box
	disposed         bool
}

// NewDataset places g at its offset.
func NewDataset(g *loader.Geometry) *Dataset {
	return &Dataset{
		ID:               uuid.New(),
		Name:             g.URL,
		Geometry:         g,
		World:            spatialmath.TranslationMatrix(g.Offset),
		Visible:          true,
		MaxLevel:         math.MaxInt,
		MinNodePixelSize: DefaultMinNodePixelSize,
		visibleBounds:    spatialmath.EmptyBox(),
	}
}

// Root returns the root node of the geometry.
func (d *Dataset) Root() *octree.Node {
	if d.Geometry == nil {
		return nil
	}
	return d.Geometry.Root
}

// Initialized reports whether the dataset can take part in an Update.
func (d *Dataset) Initialized() bool {
	return !d.disposed && d.Root() != nil
}

// Disposed reports whether the dataset was unloaded.
func (d *Dataset) Disposed() bool {
	return d.disposed
}

// NumVisiblePoints returns the points of this dataset counted by the last Update.
func (d *Dataset) NumVisiblePoints() int {
	return d.numVisiblePoints
}

// VisibleNodes returns the displayed nodes of the last Update.
func (d *Dataset) VisibleNodes() []*octree.Node {
	return d.visibleNodes
}

// VisibleBounds returns the union, in local space, of the visible nodes without visible children.
func (d *Dataset) VisibleBounds() spatialmath.Box {
	return d.visibleBounds
}

// VisibleExtent returns VisibleBounds in world space.
func (d *Dataset) VisibleExtent() spatialmath.Box {
	if d.visibleBounds.IsEmpty() {
		return d.visibleBounds
	}
	return d.visibleBounds.ApplyMatrix(d.World)
}

// BoundingBoxWorld returns the geometry's bounding box in world space.
func (d *Dataset) BoundingBoxWorld() spatialmath.Box {
	return d.Geometry.BoundingBox.ApplyMatrix(d.World)
}

// MoveToOrigin places the dataset so that its world bounding box is centered on the origin.
func (d *Dataset) MoveToOrigin() {
	d.World = spatialmath.TranslationMatrix(d.Geometry.BoundingBox.Center().Mul(-1))
}

// MoveToGroundPlane shifts the dataset along y so that its world bounding box starts at zero.
func (d *Dataset) MoveToGroundPlane() {
	d.World = spatialmath.TranslationMatrix(r3.Vector{Y: -d.BoundingBoxWorld().Min.Y}).Mul4(d.World)
}

// Progress returns the share of the nodes wanted by the last Update that were displayed.
func (d *Dataset) Progress() float64 {
	if len(d.visibleGeometry) == 0 {
		return 0
	}
	return float64(len(d.visibleNodes)) / float64(len(d.visibleGeometry))
}

// resetFrame hides the nodes displayed by the previous Update and clears the frame results.
func (d *Dataset) resetFrame() {
	d.hideDescendants()
	d.numVisiblePoints = 0
	d.visibleNodes = nil
	d.visibleGeometry = nil
}

func (d *Dataset) hideDescendants() {
	for _, n := range d.visibleNodes {
		n.Visible = false
	}
}

func (d *Dataset) updateVisibleBounds() {
	bounds := spatialmath.EmptyBox()
	for _, n := range d.visibleNodes {
		if hasVisibleChild(n) {
			continue
		}
		bounds = bounds.Union(n.BoundingBox)
	}
	d.visibleBounds = bounds
}

func hasVisibleChild(n *octree.Node) bool {
	for _, c := range n.Children {
		if c != nil && c.Kind() == octree.KindDisplayed && c.Visible {
			return true
		}
	}
	return false
}

// shouldClip reports whether a node with the given local bounds lies outside every clip box.
func (d *Dataset) shouldClip(box spatialmath.Box) bool {
	if d.ClipMode != ClipOutside || len(d.ClipBoxes) == 0 {
		return false
	}
	world := box.ApplyMatrix(d.World)
	unit := spatialmath.NewBox(r3.Vector{X: -0.5, Y: -0.5, Z: -0.5}, r3.Vector{X: 0.5, Y: 0.5, Z: 0.5})
	for _, clip := range d.ClipBoxes {
		if world.Intersects(unit.ApplyMatrix(clip)) {
			return false
		}
	}
	return true
}

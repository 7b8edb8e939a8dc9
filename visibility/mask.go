package visibility

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"

	"go.viam.com/potree/spatialmath"
)

// MaskRegion is a box that changes the opacity of the points inside it.
type MaskRegion struct {
	ID string `json:"id"`
	// ModelMatrix transforms world space into the region's space, where it spans Min to Max.
	ModelMatrix mgl64.Mat4 `json:"model_matrix"`
	Min         r3.Vector  `json:"min"`
	Max         r3.Vector  `json:"max"`
	// Opacity of points inside the region. Zero hides them.
	Opacity float64 `json:"opacity"`
}

// worldBox returns the world space bounds of the region.
func (r MaskRegion) worldBox() spatialmath.Box {
	return spatialmath.NewBox(r.Min, r.Max).ApplyMatrix(r.ModelMatrix.Inv())
}

// MaskPolicy decides how overlapping regions combine.
type MaskPolicy int

const (
	// MaskFirstMatch lets the first region intersecting a node decide.
	MaskFirstMatch MaskPolicy = iota
	// MaskMaxOpacity shows a node when any region intersecting it is visible.
	MaskMaxOpacity
)

// MaskConfig hides nodes by region.
type MaskConfig struct {
	Regions []MaskRegion `json:"regions"`
	// DefaultOpacity applies to points outside every region.
	DefaultOpacity float64    `json:"default_opacity"`
	Policy         MaskPolicy `json:"policy"`
}

// DefaultMaskConfig shows everything.
func DefaultMaskConfig() MaskConfig {
	return MaskConfig{DefaultOpacity: 1}
}

// mask is a MaskConfig with region bounds resolved to world space.
type mask struct {
	config MaskConfig
	boxes  []spatialmath.Box
}

func newMask(config MaskConfig) *mask {
	config.Regions = append([]MaskRegion(nil), config.Regions...)
	m := &mask{config: config}
	for _, r := range config.Regions {
		m.boxes = append(m.boxes, r.worldBox())
	}
	return m
}

// maskedOut reports whether a node with the given world bounds is hidden. A visible region hides
// nothing it intersects; a hidden region hides only the nodes it fully contains.
func (m *mask) maskedOut(node spatialmath.Box) bool {
	if m.config.Policy == MaskMaxOpacity {
		return m.maskedOutByAll(node)
	}
	for i, r := range m.config.Regions {
		box := m.boxes[i]
		if !box.Intersects(node) {
			continue
		}
		if r.Opacity > 0 {
			return false
		}
		return box.ContainsBox(node)
	}
	return m.config.DefaultOpacity <= 0
}

// maskedOutByAll hides a node no visible region intersects when a hidden region covers it or
// nothing is visible by default.
func (m *mask) maskedOutByAll(node spatialmath.Box) bool {
	covered := false
	for i, r := range m.config.Regions {
		box := m.boxes[i]
		if !box.Intersects(node) {
			continue
		}
		if r.Opacity > 0 {
			return false
		}
		covered = covered || box.ContainsBox(node)
	}
	return covered || m.config.DefaultOpacity <= 0
}

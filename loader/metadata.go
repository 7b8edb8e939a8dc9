package loader

import (
	"encoding/json"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/potree/octree"
	"go.viam.com/potree/pointcloud"
	"go.viam.com/potree/spatialmath"
)

// Encodings of 2.0 point data.
const (
	EncodingDefault = "DEFAULT"
	EncodingGLTF    = "GLTF"
	EncodingBrotli  = "BROTLI"
)

// CornerBounds is a box as written in cloud.js.
type CornerBounds struct {
	LX float64 `json:"lx"`
	LY float64 `json:"ly"`
	LZ float64 `json:"lz"`
	UX float64 `json:"ux"`
	UY float64 `json:"uy"`
	UZ float64 `json:"uz"`
}

// Box returns the bounds as a box.
func (b CornerBounds) Box() spatialmath.Box {
	return spatialmath.NewBox(r3.Vector{X: b.LX, Y: b.LY, Z: b.LZ}, r3.Vector{X: b.UX, Y: b.UY, Z: b.UZ})
}

// FlatMetadata is a cloud.js document describing a 1.x dataset.
type FlatMetadata struct {
	Version           string             `json:"version"`
	OctreeDir         string             `json:"octreeDir"`
	Projection        string             `json:"projection"`
	Points            int                `json:"points"`
	BoundingBox       CornerBounds       `json:"boundingBox"`
	TightBoundingBox  *CornerBounds      `json:"tightBoundingBox"`
	PointAttributes   []string           `json:"pointAttributes"`
	Spacing           float64            `json:"spacing"`
	Scale             float64            `json:"scale"`
	HierarchyStepSize int                `json:"hierarchyStepSize"`
	Hierarchy         []octree.FlatEntry `json:"hierarchy"`
}

// ChunkedHierarchy locates the first hierarchy chunk of a 2.0 dataset.
type ChunkedHierarchy struct {
	FirstChunkSize uint64 `json:"firstChunkSize"`
	StepSize       int    `json:"stepSize"`
	Depth          int    `json:"depth"`
}

// ChunkedMetadata is a metadata.json document describing a 2.0 dataset.
type ChunkedMetadata struct {
	Version     string           `json:"version"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Projection  string           `json:"projection"`
	Points      int              `json:"points"`
	Hierarchy   ChunkedHierarchy `json:"hierarchy"`
	Offset      []float64        `json:"offset"`
	Scale       []float64        `json:"scale"`
	Spacing     float64          `json:"spacing"`
	BoundingBox struct {
		Min []float64 `json:"min"`
		Max []float64 `json:"max"`
	} `json:"boundingBox"`
	Encoding   string                     `json:"encoding"`
	Attributes []pointcloud.JSONAttribute `json:"attributes"`
}

// Metadata is a decoded dataset description. Exactly one of Flat and Chunked is set.
type Metadata struct {
	Version pointcloud.Version
	Flat    *FlatMetadata
	Chunked *ChunkedMetadata
}

// DecodeMetadata decodes a cloud.js or metadata.json document. The document's version selects
// the format; 2.x documents are chunked, earlier ones flat.
func DecodeMetadata(data []byte) (*Metadata, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "metadata is not a JSON object")
	}
	versionStr, ok := raw["version"].(string)
	if !ok {
		return nil, errors.Wrap(ErrUnsupportedFormat, "metadata has no version")
	}
	md := &Metadata{Version: pointcloud.ParseVersion(versionStr)}
	if md.Version.Major >= 2 {
		md.Chunked = &ChunkedMetadata{}
		if err := decodeMetadataFields(raw, md.Chunked); err != nil {
			return nil, err
		}
		if err := md.Chunked.validate(); err != nil {
			return nil, err
		}
		return md, nil
	}
	md.Flat = &FlatMetadata{}
	if err := decodeMetadataFields(raw, md.Flat); err != nil {
		return nil, err
	}
	if err := md.Flat.validate(); err != nil {
		return nil, err
	}
	return md, nil
}

func decodeMetadataFields(raw map[string]interface{}, result interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "json",
		Result:     result,
		DecodeHook: flatEntryHook,
	})
	if err != nil {
		return err
	}
	return errors.Wrap(decoder.Decode(raw), "decoding metadata")
}

var flatEntryType = reflect.TypeOf(octree.FlatEntry{})

// flatEntryHook decodes the [name, numPoints] pairs of a cloud.js hierarchy.
func flatEntryHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from == nil || to != flatEntryType || from.Kind() != reflect.Slice {
		return data, nil
	}
	pair, ok := data.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, errors.Errorf("hierarchy entry %v is not a [name, numPoints] pair", data)
	}
	name, ok := pair[0].(string)
	if !ok {
		return nil, errors.Errorf("hierarchy entry %v has no name", data)
	}
	numPoints, ok := pair[1].(float64)
	if !ok {
		return nil, errors.Errorf("hierarchy entry %v has no point count", data)
	}
	return octree.FlatEntry{Name: name, NumPoints: int(numPoints)}, nil
}

func (md *FlatMetadata) validate() error {
	if len(md.PointAttributes) == 0 {
		return errors.Wrap(ErrUnsupportedFormat, "cloud.js declares no point attributes")
	}
	if md.BoundingBox.Box().IsEmpty() {
		return errors.New("cloud.js bounding box is empty")
	}
	if md.HierarchyStepSize < 0 {
		return errors.Errorf("invalid hierarchy step size %d", md.HierarchyStepSize)
	}
	return nil
}

func (md *ChunkedMetadata) validate() error {
	switch md.Encoding {
	case "", EncodingDefault, EncodingGLTF:
	default:
		return errors.Wrapf(ErrUnsupportedFormat, "encoding %q", md.Encoding)
	}
	if len(md.Offset) != 3 || len(md.Scale) != 3 {
		return errors.New("metadata offset and scale need three components")
	}
	if len(md.BoundingBox.Min) != 3 || len(md.BoundingBox.Max) != 3 {
		return errors.New("metadata bounding box needs three components per corner")
	}
	if md.Hierarchy.FirstChunkSize == 0 || md.Hierarchy.FirstChunkSize%octree.ChunkRecordSize != 0 {
		return errors.Wrapf(octree.ErrMalformedHierarchy, "first chunk size %d", md.Hierarchy.FirstChunkSize)
	}
	return nil
}

func vector(v []float64) r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

// positionRange returns the declared position bounds, if any.
func (md *ChunkedMetadata) positionRange() (spatialmath.Box, bool) {
	for _, attr := range md.Attributes {
		if attr.Name == "position" && len(attr.Min) == 3 && len(attr.Max) == 3 {
			return spatialmath.NewBox(vector(attr.Min), vector(attr.Max)), true
		}
	}
	return spatialmath.Box{}, false
}

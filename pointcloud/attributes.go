// Package pointcloud describes the per-point attribute layouts of octree datasets and decodes node
// payloads into typed buffers.
package pointcloud

import (
	"github.com/pkg/errors"
)

// AttributeType is the scalar type of one attribute element.
type AttributeType struct {
	Name    string
	Ordinal int
	Size    int
}

// The scalar types a point attribute may be stored as.
var (
	TypeDouble = AttributeType{Name: "double", Ordinal: 0, Size: 8}
	TypeFloat  = AttributeType{Name: "float", Ordinal: 1, Size: 4}
	TypeInt8   = AttributeType{Name: "int8", Ordinal: 2, Size: 1}
	TypeUint8  = AttributeType{Name: "uint8", Ordinal: 3, Size: 1}
	TypeInt16  = AttributeType{Name: "int16", Ordinal: 4, Size: 2}
	TypeUint16 = AttributeType{Name: "uint16", Ordinal: 5, Size: 2}
	TypeInt32  = AttributeType{Name: "int32", Ordinal: 6, Size: 4}
	TypeUint32 = AttributeType{Name: "uint32", Ordinal: 7, Size: 4}
	TypeInt64  = AttributeType{Name: "int64", Ordinal: 8, Size: 8}
	TypeUint64 = AttributeType{Name: "uint64", Ordinal: 9, Size: 8}
)

var typesByName = map[string]AttributeType{
	TypeDouble.Name: TypeDouble,
	TypeFloat.Name:  TypeFloat,
	TypeInt8.Name:   TypeInt8,
	TypeUint8.Name:  TypeUint8,
	TypeInt16.Name:  TypeInt16,
	TypeUint16.Name: TypeUint16,
	TypeInt32.Name:  TypeInt32,
	TypeUint32.Name: TypeUint32,
	TypeInt64.Name:  TypeInt64,
	TypeUint64.Name: TypeUint64,
}

// AttributeTypeFromName returns the scalar type for a metadata type name such as "int32".
func AttributeTypeFromName(name string) (AttributeType, error) {
	t, ok := typesByName[name]
	if !ok {
		return AttributeType{}, errors.Errorf("unknown attribute type %q", name)
	}
	return t, nil
}

// AttributeName identifies what an attribute means to the decoder.
type AttributeName string

// Well known attribute names. Any other name is decoded generically.
const (
	PositionCartesian  AttributeName = "POSITION_CARTESIAN"
	ColorPacked        AttributeName = "COLOR_PACKED"
	NormalFloats       AttributeName = "NORMAL_FLOATS"
	Filler             AttributeName = "FILLER"
	Intensity          AttributeName = "INTENSITY"
	Classification     AttributeName = "CLASSIFICATION"
	NormalSphereMapped AttributeName = "NORMAL_SPHEREMAPPED"
	NormalOct16        AttributeName = "NORMAL_OCT16"
	Normal             AttributeName = "NORMAL"
)

// PointAttribute is one named, typed field of a point record.
type PointAttribute struct {
	Name        AttributeName
	Type        AttributeType
	NumElements int
	ByteSize    int

	// Range is the declared [min, max] of a scalar attribute, when known.
	Range *[2]float64
	// URI overrides the file a planar attribute is stored in.
	URI string
}

// NewPointAttribute returns an attribute of numElements values of type t.
func NewPointAttribute(name AttributeName, t AttributeType, numElements int) PointAttribute {
	return PointAttribute{
		Name:        name,
		Type:        t,
		NumElements: numElements,
		ByteSize:    numElements * t.Size,
	}
}

// The predefined attributes of the flat (1.x) format, addressable by the names found in cloud.js.
var (
	AttributePositionCartesian  = NewPointAttribute(PositionCartesian, TypeFloat, 3)
	AttributeRGBAPacked         = NewPointAttribute(ColorPacked, TypeInt8, 4)
	AttributeRGBPacked          = NewPointAttribute(ColorPacked, TypeInt8, 3)
	AttributeNormalFloats       = NewPointAttribute(NormalFloats, TypeFloat, 3)
	AttributeFiller1B           = NewPointAttribute(Filler, TypeUint8, 1)
	AttributeIntensity          = NewPointAttribute(Intensity, TypeUint16, 1)
	AttributeClassification     = NewPointAttribute(Classification, TypeUint8, 1)
	AttributeNormalSphereMapped = NewPointAttribute(NormalSphereMapped, TypeUint8, 2)
	AttributeNormalOct16        = NewPointAttribute(NormalOct16, TypeUint8, 2)
	AttributeNormal             = NewPointAttribute(Normal, TypeFloat, 3)
)

var predefinedAttributes = map[string]PointAttribute{
	"POSITION_CARTESIAN":  AttributePositionCartesian,
	"RGBA_PACKED":         AttributeRGBAPacked,
	"COLOR_PACKED":        AttributeRGBAPacked,
	"RGB_PACKED":          AttributeRGBPacked,
	"NORMAL_FLOATS":       AttributeNormalFloats,
	"FILLER_1B":           AttributeFiller1B,
	"INTENSITY":           AttributeIntensity,
	"CLASSIFICATION":      AttributeClassification,
	"NORMAL_SPHEREMAPPED": AttributeNormalSphereMapped,
	"NORMAL_OCT16":        AttributeNormalOct16,
	"NORMAL":              AttributeNormal,
}

// The 2.0 metadata names that map onto well known attributes.
var chunkedNameReplacements = map[string]AttributeName{
	"position":       PositionCartesian,
	"rgb":            ColorPacked,
	"rgba":           ColorPacked,
	"intensity":      Intensity,
	"classification": Classification,
}

// AttributeVector groups scalar attributes that together form one vector, e.g. NormalX/Y/Z.
type AttributeVector struct {
	Name       AttributeName
	Attributes []AttributeName
}

// PointAttributes is the ordered layout of a point record.
type PointAttributes struct {
	Attributes []PointAttribute
	Vectors    []AttributeVector
	// ByteSize is the per point stride.
	ByteSize int
}

// NewPointAttributes builds a layout from cloud.js attribute names.
func NewPointAttributes(names ...string) (*PointAttributes, error) {
	attrs := &PointAttributes{}
	for _, name := range names {
		attr, ok := predefinedAttributes[name]
		if !ok {
			return nil, errors.Errorf("unknown point attribute %q", name)
		}
		attrs.Add(attr)
	}
	return attrs, nil
}

// Add appends an attribute to the layout.
func (p *PointAttributes) Add(attr PointAttribute) {
	p.Attributes = append(p.Attributes, attr)
	p.ByteSize += attr.ByteSize
}

// Get returns the first attribute with the given name.
func (p *PointAttributes) Get(name AttributeName) (PointAttribute, bool) {
	for _, attr := range p.Attributes {
		if attr.Name == name {
			return attr, true
		}
	}
	return PointAttribute{}, false
}

// HasColors reports whether the layout carries packed colors.
func (p *PointAttributes) HasColors() bool {
	_, ok := p.Get(ColorPacked)
	return ok
}

// HasNormals reports whether the layout carries normals in any encoding.
func (p *PointAttributes) HasNormals() bool {
	for _, attr := range p.Attributes {
		switch attr.Name {
		case NormalSphereMapped, NormalFloats, Normal, NormalOct16:
			return true
		}
	}
	for _, v := range p.Vectors {
		if v.Name == Normal {
			return true
		}
	}
	return false
}

// JSONAttribute is an attribute entry of a 2.0 metadata document.
type JSONAttribute struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Size        int       `json:"size"`
	NumElements int       `json:"numElements"`
	ElementSize int       `json:"elementSize"`
	Type        string    `json:"type"`
	Min         []float64 `json:"min"`
	Max         []float64 `json:"max"`
	BufferView  *struct {
		URI string `json:"uri"`
	} `json:"bufferView"`
}

// ParseChunkedAttributes builds the layout declared by a 2.0 metadata document.
func ParseChunkedAttributes(jsonAttributes []JSONAttribute) (*PointAttributes, error) {
	attrs := &PointAttributes{}
	for _, ja := range jsonAttributes {
		t, err := AttributeTypeFromName(ja.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "attribute %q", ja.Name)
		}
		numElements := ja.NumElements
		if numElements == 0 {
			numElements = 1
		}
		name, ok := chunkedNameReplacements[ja.Name]
		if !ok {
			name = AttributeName(ja.Name)
		}
		attr := NewPointAttribute(name, t, numElements)
		if ja.BufferView != nil {
			attr.URI = ja.BufferView.URI
		}
		if numElements == 1 && len(ja.Min) > 0 && len(ja.Max) > 0 {
			r := [2]float64{ja.Min[0], ja.Max[0]}
			if ja.Name == "gps-time" && r[0] == r[1] {
				// Some converters write a degenerate gps-time range.
				r[1]++
			}
			attr.Range = &r
		}
		attrs.Add(attr)
	}

	_, hasX := attrs.Get("NormalX")
	_, hasY := attrs.Get("NormalY")
	_, hasZ := attrs.Get("NormalZ")
	if hasX && hasY && hasZ {
		attrs.Vectors = append(attrs.Vectors, AttributeVector{
			Name:       Normal,
			Attributes: []AttributeName{"NormalX", "NormalY", "NormalZ"},
		})
	}
	return attrs, nil
}

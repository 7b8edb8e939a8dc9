package pointcloud

import (
	"encoding/binary"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/potree/spatialmath"
)

// Layout is how attributes are arranged within a payload.
type Layout int

const (
	// Interleaved payloads store whole point records one after another.
	Interleaved Layout = iota
	// Planar payloads store all values of one attribute, then all values of the next.
	Planar
)

// DecodeRequest is everything needed to decode a node payload. Buffer is not modified.
type DecodeRequest struct {
	Buffer     []byte
	Attributes *PointAttributes
	// Positions are computed as raw*Scale+Offset for integer encodings and raw+Offset for floats.
	Scale   r3.Vector
	Offset  r3.Vector
	Version Version
	Layout  Layout
	// NumPoints defaults to len(Buffer) / Attributes.ByteSize.
	NumPoints int
}

// DecodeResult is the decoded node.
type DecodeResult struct {
	Buffers          *Buffers
	Mean             r3.Vector
	TightBoundingBox spatialmath.Box
}

// ErrTruncatedPayload is returned when a payload is shorter than the points it declares.
var ErrTruncatedPayload = errors.New("payload shorter than declared points")

type decodeContext struct {
	req       DecodeRequest
	data      []byte
	numPoints int
	result    *DecodeResult
	extra     map[AttributeName][]float32
}

// Decode turns a node payload into typed buffers, the mean position and the tight bounds of the
// decoded positions.
func Decode(req DecodeRequest) (*DecodeResult, error) {
	if req.Attributes == nil {
		return nil, errors.New("no point attributes")
	}
	stride := req.Attributes.ByteSize
	numPoints := req.NumPoints
	if numPoints == 0 && stride > 0 {
		numPoints = len(req.Buffer) / stride
	}
	if numPoints*stride > len(req.Buffer) {
		return nil, errors.Wrapf(ErrTruncatedPayload, "%d points of %d bytes in %d bytes", numPoints, stride, len(req.Buffer))
	}

	ctx := &decodeContext{
		req:       req,
		data:      req.Buffer,
		numPoints: numPoints,
		result: &DecodeResult{
			Buffers:          &Buffers{NumPoints: numPoints},
			TightBoundingBox: spatialmath.EmptyBox(),
		},
	}

	attrOffset := 0
	for _, attr := range req.Attributes.Attributes {
		base, step := attrOffset, stride
		if req.Layout == Planar {
			base, step = attrOffset*numPoints, attr.ByteSize
		}
		ctx.decodeAttribute(attr, base, step)
		attrOffset += attr.ByteSize
	}
	ctx.assembleVectors()

	buffers := ctx.result.Buffers
	buffers.Indices = make([]uint32, numPoints)
	for i := range buffers.Indices {
		buffers.Indices[i] = uint32(i)
	}
	if buffers.Classifications == nil {
		buffers.Classifications = make([]uint8, numPoints)
	}
	if len(ctx.extra) > 0 {
		buffers.Extra = ctx.extra
	}
	return ctx.result, nil
}

func (ctx *decodeContext) decodeAttribute(attr PointAttribute, base, step int) {
	switch attr.Name {
	case PositionCartesian:
		ctx.decodePositions(attr, base, step)
	case ColorPacked:
		ctx.decodeColors(attr, base, step)
	case Intensity:
		ctx.result.Buffers.Intensities = ctx.decodeScalars(attr.Type, base, step)
	case Classification:
		classes := make([]uint8, ctx.numPoints)
		for i := range classes {
			classes[i] = ctx.data[base+i*step]
		}
		ctx.result.Buffers.Classifications = classes
	case NormalSphereMapped:
		ctx.result.Buffers.Normals = ctx.decodeNormals(base, step, sphereMappedNormal)
	case NormalOct16:
		ctx.result.Buffers.Normals = ctx.decodeNormals(base, step, oct16Normal)
	case Normal, NormalFloats:
		normals := make([]float32, 3*ctx.numPoints)
		for i := 0; i < ctx.numPoints; i++ {
			at := base + i*step
			for k := 0; k < 3; k++ {
				normals[3*i+k] = ctx.float32At(at + 4*k)
			}
		}
		ctx.result.Buffers.Normals = normals
	case Filler:
	default:
		if ctx.req.Version.Major < 2 {
			return
		}
		values := make([]float32, 0, ctx.numPoints*attr.NumElements)
		for i := 0; i < ctx.numPoints; i++ {
			at := base + i*step
			for k := 0; k < attr.NumElements; k++ {
				values = append(values, float32(ctx.scalarAt(attr.Type, at+k*attr.Type.Size)))
			}
		}
		if ctx.extra == nil {
			ctx.extra = make(map[AttributeName][]float32)
		}
		ctx.extra[attr.Name] = values
	}
}

func (ctx *decodeContext) decodePositions(attr PointAttribute, base, step int) {
	var (
		req       = ctx.req
		n         = ctx.numPoints
		positions = make([]float32, 3*n)
		mean      r3.Vector
		tight     = spatialmath.EmptyBox()
	)
	read := ctx.positionReader(attr)
	for i := 0; i < n; i++ {
		at := base + i*step
		p := r3.Vector{
			X: read(at, req.Scale.X) + req.Offset.X,
			Y: read(at+attr.Type.Size, req.Scale.Y) + req.Offset.Y,
			Z: read(at+2*attr.Type.Size, req.Scale.Z) + req.Offset.Z,
		}
		positions[3*i] = float32(p.X)
		positions[3*i+1] = float32(p.Y)
		positions[3*i+2] = float32(p.Z)

		mean = mean.Add(p.Mul(1 / float64(n)))
		tight = tight.ExpandByPoint(p)
	}
	ctx.result.Buffers.Positions = positions
	ctx.result.Mean = mean
	ctx.result.TightBoundingBox = tight
}

// positionReader picks the coordinate encoding. Flat datasets declare float positions but store
// quantized uint32 after 1.3.
func (ctx *decodeContext) positionReader(attr PointAttribute) func(at int, scale float64) float64 {
	version := ctx.req.Version
	if version.Major < 2 {
		if version.UpTo("1.3") {
			return func(at int, _ float64) float64 { return float64(ctx.float32At(at)) }
		}
		return func(at int, scale float64) float64 {
			return float64(binary.LittleEndian.Uint32(ctx.data[at:])) * scale
		}
	}
	switch attr.Type {
	case TypeFloat, TypeDouble:
		return func(at int, _ float64) float64 { return ctx.scalarAt(attr.Type, at) }
	default:
		return func(at int, scale float64) float64 { return ctx.scalarAt(attr.Type, at) * scale }
	}
}

func (ctx *decodeContext) decodeColors(attr PointAttribute, base, step int) {
	colors := make([]uint8, 3*ctx.numPoints)
	wide := attr.Type.Size == 2
	for i := 0; i < ctx.numPoints; i++ {
		at := base + i*step
		for k := 0; k < 3; k++ {
			if wide {
				c := binary.LittleEndian.Uint16(ctx.data[at+2*k:])
				// 16 bit channels may hold either 8 or 16 bit values.
				if c > 255 {
					c /= 256
				}
				colors[3*i+k] = uint8(c)
			} else {
				colors[3*i+k] = ctx.data[at+k]
			}
		}
	}
	ctx.result.Buffers.Colors = colors
}

func (ctx *decodeContext) decodeScalars(t AttributeType, base, step int) []float32 {
	values := make([]float32, ctx.numPoints)
	for i := range values {
		values[i] = float32(ctx.scalarAt(t, base+i*step))
	}
	return values
}

func (ctx *decodeContext) decodeNormals(base, step int, decode func(bx, by uint8) r3.Vector) []float32 {
	normals := make([]float32, 3*ctx.numPoints)
	for i := 0; i < ctx.numPoints; i++ {
		at := base + i*step
		n := decode(ctx.data[at], ctx.data[at+1])
		normals[3*i] = float32(n.X)
		normals[3*i+1] = float32(n.Y)
		normals[3*i+2] = float32(n.Z)
	}
	return normals
}

// assembleVectors interleaves scalar components such as NormalX/Y/Z into one vector buffer.
func (ctx *decodeContext) assembleVectors() {
	for _, vec := range ctx.req.Attributes.Vectors {
		if vec.Name != Normal || ctx.result.Buffers.Normals != nil {
			continue
		}
		components := make([][]float32, 0, len(vec.Attributes))
		for _, name := range vec.Attributes {
			values, ok := ctx.extra[name]
			if !ok || len(values) != ctx.numPoints {
				components = nil
				break
			}
			components = append(components, values)
		}
		if len(components) != 3 {
			continue
		}
		normals := make([]float32, 3*ctx.numPoints)
		for i := 0; i < ctx.numPoints; i++ {
			normals[3*i] = components[0][i]
			normals[3*i+1] = components[1][i]
			normals[3*i+2] = components[2][i]
		}
		ctx.result.Buffers.Normals = normals
	}
}

func (ctx *decodeContext) float32At(at int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(ctx.data[at:]))
}

func (ctx *decodeContext) scalarAt(t AttributeType, at int) float64 {
	d := ctx.data[at:]
	switch t {
	case TypeDouble:
		return math.Float64frombits(binary.LittleEndian.Uint64(d))
	case TypeFloat:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(d)))
	case TypeInt8:
		return float64(int8(d[0]))
	case TypeUint8:
		return float64(d[0])
	case TypeInt16:
		return float64(int16(binary.LittleEndian.Uint16(d)))
	case TypeUint16:
		return float64(binary.LittleEndian.Uint16(d))
	case TypeInt32:
		return float64(int32(binary.LittleEndian.Uint32(d)))
	case TypeUint32:
		return float64(binary.LittleEndian.Uint32(d))
	case TypeInt64:
		return float64(int64(binary.LittleEndian.Uint64(d)))
	case TypeUint64:
		return float64(binary.LittleEndian.Uint64(d))
	}
	return 0
}

func sphereMappedNormal(bx, by uint8) r3.Vector {
	nx := float64(bx)/255*2 - 1
	ny := float64(by)/255*2 - 1
	l := 1 - nx*nx - ny*ny
	s := math.Sqrt(math.Max(l, 0))
	return r3.Vector{X: 2 * nx * s, Y: 2 * ny * s, Z: 2*l - 1}
}

func oct16Normal(bx, by uint8) r3.Vector {
	u := float64(bx)/255*2 - 1
	v := float64(by)/255*2 - 1
	n := r3.Vector{X: u, Y: v, Z: 1 - math.Abs(u) - math.Abs(v)}
	if n.Z < 0 {
		n.X = (1 - math.Abs(v)) * sign(u)
		n.Y = (1 - math.Abs(u)) * sign(v)
	}
	return n.Normalize()
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}

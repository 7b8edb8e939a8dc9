package pointcloud

import (
	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// PlacedBuffers is a decoded node together with the translation that takes its positions into
// the shared output frame.
type PlacedBuffers struct {
	Origin  r3.Vector
	Buffers *Buffers
}

// WriteToLASFile writes the points of every part to a LAS file. Colors are written when every
// part has them.
func WriteToLASFile(fn string, parts ...PlacedBuffers) (err error) {
	lf, err := lidario.NewLasFile(fn, "w")
	if err != nil {
		return
	}
	defer func() {
		cerr := lf.Close()
		err = multierr.Combine(err, cerr)
	}()

	hasColor := len(parts) > 0
	for _, part := range parts {
		if part.Buffers.NumPoints > 0 && !part.Buffers.HasColors() {
			hasColor = false
		}
	}

	pointFormatID := 0
	if hasColor {
		pointFormatID = 2
	}
	if err = lf.AddHeader(lidario.LasHeader{
		PointFormatID: byte(pointFormatID),
	}); err != nil {
		return
	}

	for _, part := range parts {
		b := part.Buffers
		for i := 0; i < b.NumPoints; i++ {
			pos := b.Position(i).Add(part.Origin)
			var lp lidario.LasPointer
			pr0 := &lidario.PointRecord0{
				X: pos.X,
				Y: pos.Y,
				Z: pos.Z,
				BitField: lidario.PointBitField{
					Value: (1) | (1 << 3) | (0 << 6) | (0 << 7),
				},
				ClassBitField: lidario.ClassificationBitField{
					Value: b.Classifications[i],
				},
				PointSourceID: 1,
			}
			if len(b.Intensities) == b.NumPoints {
				pr0.Intensity = uint16(b.Intensities[i])
			}
			lp = pr0

			if hasColor {
				red, green, blue := b.Color(i)
				lp = &lidario.PointRecord2{
					PointRecord0: pr0,
					RGB: &lidario.RgbData{
						Red:   uint16(red) * 256,
						Green: uint16(green) * 256,
						Blue:  uint16(blue) * 256,
					},
				}
			}
			if err = lf.AddLasPoint(lp); err != nil {
				return
			}
		}
	}
	return
}

// ReadLASFile reads the positions and colors of a LAS file into a single buffer.
func ReadLASFile(fn string) (*Buffers, error) {
	lf, err := lidario.NewLasFile(fn, "r")
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(lf.Close)

	n := lf.Header.NumberPoints
	b := &Buffers{
		NumPoints:       n,
		Positions:       make([]float32, 0, 3*n),
		Classifications: make([]uint8, 0, n),
		Indices:         make([]uint32, 0, n),
	}
	hasColor := lf.Header.PointFormatID == 2
	for i := 0; i < n; i++ {
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, err
		}
		data := p.PointData()
		b.Positions = append(b.Positions, float32(data.X), float32(data.Y), float32(data.Z))
		b.Classifications = append(b.Classifications, data.ClassBitField.Value)
		b.Indices = append(b.Indices, uint32(i))
		if hasColor && p.RgbData() != nil {
			rgb := p.RgbData()
			b.Colors = append(b.Colors, uint8(rgb.Red/256), uint8(rgb.Green/256), uint8(rgb.Blue/256))
		}
	}
	return b, nil
}

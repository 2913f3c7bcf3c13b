package convert

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// Auto, used for a target dimension, means the source's oriented size along that axis.
const Auto = -1

// Transform is an orientation change applied before scaling.
type Transform int

const (
	// None keeps the sensor orientation.
	None Transform = iota
	// MirrorX mirrors across the X axis, turning the image upside down.
	MirrorX
	// MirrorY mirrors across the Y axis, swapping left and right.
	MirrorY
	// Rotate90 rotates clockwise by 90 degrees.
	Rotate90
	// Rotate180 rotates by 180 degrees.
	Rotate180
	// Rotate270 rotates clockwise by 270 degrees.
	Rotate270
)

var transformNames = map[Transform]string{
	None:      "none",
	MirrorX:   "mirror_x",
	MirrorY:   "mirror_y",
	Rotate90:  "rotate_90",
	Rotate180: "rotate_180",
	Rotate270: "rotate_270",
}

func (t Transform) String() string {
	if name, ok := transformNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseTransform returns the transform with the given name. The empty string is None.
func ParseTransform(name string) (Transform, error) {
	if name == "" {
		return None, nil
	}
	for t, n := range transformNames {
		if n == name {
			return t, nil
		}
	}
	return None, errors.Errorf("unknown transform %q", name)
}

// TransformNames lists every valid transform name.
func TransformNames() []string {
	names := make([]string, 0, len(transformNames))
	for t := None; t <= Rotate270; t++ {
		names = append(names, transformNames[t])
	}
	return names
}

// swapsAxes reports whether the transform exchanges width and height.
func (t Transform) swapsAxes() bool {
	return t == Rotate90 || t == Rotate270
}

// apply returns the oriented image. imaging rotates counter-clockwise, so clockwise rotations map
// to the opposite angle.
func (t Transform) apply(img image.Image) image.Image {
	switch t {
	case MirrorX:
		return imaging.FlipV(img)
	case MirrorY:
		return imaging.FlipH(img)
	case Rotate90:
		return imaging.Rotate270(img)
	case Rotate180:
		return imaging.Rotate180(img)
	case Rotate270:
		return imaging.Rotate90(img)
	case None:
	}
	return img
}

// Interpolation selects the filter used when the target size differs from the oriented source.
type Interpolation int

const (
	// Bilinear interpolation.
	Bilinear Interpolation = iota
	// Nearest neighbor, fastest and exact for solid regions.
	Nearest
	// CatmullRom is a sharper cubic filter.
	CatmullRom
	// Lanczos uses a Lanczos3 kernel.
	Lanczos
)

var interpolationNames = map[Interpolation]string{
	Bilinear:   "bilinear",
	Nearest:    "nearest",
	CatmullRom: "catmull_rom",
	Lanczos:    "lanczos",
}

func (i Interpolation) String() string {
	if name, ok := interpolationNames[i]; ok {
		return name
	}
	return "unknown"
}

// ParseInterpolation returns the interpolation with the given name. The empty string is Bilinear.
func ParseInterpolation(name string) (Interpolation, error) {
	if name == "" {
		return Bilinear, nil
	}
	for i, n := range interpolationNames {
		if n == name {
			return i, nil
		}
	}
	return Bilinear, errors.Errorf("unknown interpolation %q", name)
}

// InterpolationNames lists every valid interpolation name.
func InterpolationNames() []string {
	names := make([]string, 0, len(interpolationNames))
	for i := Bilinear; i <= Lanczos; i++ {
		names = append(names, interpolationNames[i])
	}
	return names
}

// scale draws src into all of dst.
func (i Interpolation) scale(dst *image.NRGBA, src image.Image) {
	sb, db := src.Bounds(), dst.Bounds()
	if sb.Dx() == db.Dx() && sb.Dy() == db.Dy() {
		draw.Draw(dst, db, src, sb.Min, draw.Src)
		return
	}
	switch i {
	case Nearest:
		draw.NearestNeighbor.Scale(dst, db, src, sb, draw.Src, nil)
	case CatmullRom:
		draw.CatmullRom.Scale(dst, db, src, sb, draw.Src, nil)
	case Lanczos:
		resized := resize.Resize(uint(db.Dx()), uint(db.Dy()), src, resize.Lanczos3)
		draw.Draw(dst, db, resized, resized.Bounds().Min, draw.Src)
	case Bilinear:
		fallthrough
	default:
		draw.BiLinear.Scale(dst, db, src, sb, draw.Src, nil)
	}
}

// Params describes one conversion.
type Params struct {
	// Width and Height of the output, or Auto.
	Width  int
	Height int

	Transform     Transform
	Interpolation Interpolation
}

// Resolve returns the output size for a source of the given size, substituting the oriented
// source dimension for Auto.
func (p Params) Resolve(srcWidth, srcHeight int) (int, int, error) {
	if p.Transform.swapsAxes() {
		srcWidth, srcHeight = srcHeight, srcWidth
	}
	width, height := p.Width, p.Height
	if width == Auto {
		width = srcWidth
	}
	if height == Auto {
		height = srcHeight
	}
	if width <= 0 || height <= 0 {
		return 0, 0, errors.Errorf("invalid output size %dx%d", p.Width, p.Height)
	}
	return width, height, nil
}

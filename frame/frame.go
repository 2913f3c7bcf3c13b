// Package frame defines native camera frames and the sources that hand them out.
//
// A Frame is owned by whoever acquired it and must be released exactly once, on every code path.
// Accessing a released frame fails fast with ErrReleased, and releasing it a second time returns
// ErrAlreadyReleased.
package frame

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

var (
	// ErrReleased is returned when a frame is used after it was released.
	ErrReleased = errors.New("frame already released")
	// ErrAlreadyReleased is returned by a second call to Release.
	ErrAlreadyReleased = errors.New("frame released more than once")
	// ErrInvalidFrame is returned when planes do not describe a frame of the given size.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Format is the pixel layout of a frame's planes.
type Format int

const (
	// FormatUnknown is the zero value and never valid.
	FormatUnknown Format = iota
	// FormatRGBA32 is one plane of non-premultiplied 8-bit RGBA.
	FormatRGBA32
	// FormatYUV420 is three planes (Y, U, V) with 2x2 chroma subsampling (I420).
	FormatYUV420
	// FormatNV12 is a Y plane followed by an interleaved UV plane with 2x2 chroma subsampling.
	FormatNV12
	// FormatGray8 is one plane of 8-bit luminance.
	FormatGray8
)

func (f Format) String() string {
	switch f {
	case FormatRGBA32:
		return "rgba32"
	case FormatYUV420:
		return "yuv420"
	case FormatNV12:
		return "nv12"
	case FormatGray8:
		return "gray8"
	case FormatUnknown:
	}
	return "unknown"
}

// ParseFormat returns the format with the given name.
func ParseFormat(name string) (Format, error) {
	for _, f := range []Format{FormatRGBA32, FormatYUV420, FormatNV12, FormatGray8} {
		if f.String() == name {
			return f, nil
		}
	}
	return FormatUnknown, errors.Errorf("unknown frame format %q", name)
}

// PlaneCount is the number of planes the format carries.
func (f Format) PlaneCount() int {
	switch f {
	case FormatRGBA32, FormatGray8:
		return 1
	case FormatNV12:
		return 2
	case FormatYUV420:
		return 3
	case FormatUnknown:
	}
	return 0
}

// Plane is one buffer of pixel data.
type Plane struct {
	Data        []byte
	RowStride   int
	PixelStride int
}

// Frame is a handle to one captured sensor frame.
type Frame struct {
	id        uuid.UUID
	width     int
	height    int
	format    Format
	planes    []Plane
	timestamp time.Time

	released        atomic.Bool
	onRelease       func()
	onDoubleRelease func()
}

// New validates the planes against the format and size and returns a frame handle. onRelease,
// if non-nil, runs exactly once when the frame is released.
func New(width, height int, format Format, planes []Plane, timestamp time.Time, onRelease func()) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Wrapf(ErrInvalidFrame, "non-positive size %dx%d", width, height)
	}
	if want := format.PlaneCount(); want == 0 || len(planes) != want {
		return nil, errors.Wrapf(ErrInvalidFrame, "format %s wants %d planes, got %d", format, want, len(planes))
	}
	chromaW, chromaH := (width+1)/2, (height+1)/2
	var err error
	switch format {
	case FormatRGBA32:
		err = checkPlane(planes[0], width, height, 4)
	case FormatGray8:
		err = checkPlane(planes[0], width, height, 1)
	case FormatYUV420:
		err = checkPlane(planes[0], width, height, 1)
		if err == nil {
			err = checkPlane(planes[1], chromaW, chromaH, 1)
		}
		if err == nil {
			err = checkPlane(planes[2], chromaW, chromaH, 1)
		}
		if err == nil && planes[1].RowStride != planes[2].RowStride {
			err = errors.New("U and V planes must share a row stride")
		}
	case FormatNV12:
		err = checkPlane(planes[0], width, height, 1)
		if err == nil {
			err = checkPlane(planes[1], chromaW, chromaH, 2)
		}
	case FormatUnknown:
	}
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidFrame, "%s frame %dx%d: %v", format, width, height, err)
	}
	return &Frame{
		id:        uuid.New(),
		width:     width,
		height:    height,
		format:    format,
		planes:    planes,
		timestamp: timestamp,
		onRelease: onRelease,
	}, nil
}

func checkPlane(p Plane, width, height, pixelStride int) error {
	if p.PixelStride != pixelStride {
		return fmt.Errorf("pixel stride %d, want %d", p.PixelStride, pixelStride)
	}
	if p.RowStride < width*pixelStride {
		return fmt.Errorf("row stride %d shorter than row of %d bytes", p.RowStride, width*pixelStride)
	}
	if need := p.RowStride*(height-1) + width*pixelStride; len(p.Data) < need {
		return fmt.Errorf("plane holds %d bytes, need %d", len(p.Data), need)
	}
	return nil
}

// FromImage wraps an image as a frame without copying when the image type maps onto a frame
// format directly, and copies into RGBA otherwise.
func FromImage(img image.Image, timestamp time.Time, onRelease func()) (*Frame, error) {
	if img == nil {
		return nil, errors.Wrap(ErrInvalidFrame, "nil image")
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if b.Min == (image.Point{}) {
		switch typed := img.(type) {
		case *image.NRGBA:
			return New(w, h, FormatRGBA32, []Plane{{typed.Pix, typed.Stride, 4}}, timestamp, onRelease)
		case *image.RGBA:
			if typed.Opaque() {
				return New(w, h, FormatRGBA32, []Plane{{typed.Pix, typed.Stride, 4}}, timestamp, onRelease)
			}
		case *image.Gray:
			return New(w, h, FormatGray8, []Plane{{typed.Pix, typed.Stride, 1}}, timestamp, onRelease)
		case *image.YCbCr:
			if typed.SubsampleRatio == image.YCbCrSubsampleRatio420 {
				return New(w, h, FormatYUV420, []Plane{
					{typed.Y, typed.YStride, 1},
					{typed.Cb, typed.CStride, 1},
					{typed.Cr, typed.CStride, 1},
				}, timestamp, onRelease)
			}
		}
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return New(w, h, FormatRGBA32, []Plane{{dst.Pix, dst.Stride, 4}}, timestamp, onRelease)
}

// ID uniquely identifies this acquisition.
func (f *Frame) ID() uuid.UUID {
	return f.id
}

// Width is the frame width in pixels.
func (f *Frame) Width() int {
	return f.width
}

// Height is the frame height in pixels.
func (f *Frame) Height() int {
	return f.height
}

// Format is the pixel format of the planes.
func (f *Frame) Format() Format {
	return f.format
}

// PlaneCount is the number of planes in the frame.
func (f *Frame) PlaneCount() int {
	return len(f.planes)
}

// Timestamp is when the frame was captured.
func (f *Frame) Timestamp() time.Time {
	return f.timestamp
}

// Plane returns plane i. The data is owned by the frame and invalid after Release.
func (f *Frame) Plane(i int) (Plane, error) {
	if f.released.Load() {
		return Plane{}, ErrReleased
	}
	if i < 0 || i >= len(f.planes) {
		return Plane{}, errors.Errorf("plane %d out of range [0, %d)", i, len(f.planes))
	}
	return f.planes[i], nil
}

// Image returns a read-only view of the frame's pixels. YUV420, RGBA32 and Gray8 frames are not
// copied; NV12 chroma is de-interleaved into a new buffer.
func (f *Frame) Image() (image.Image, error) {
	if f.released.Load() {
		return nil, ErrReleased
	}
	rect := image.Rect(0, 0, f.width, f.height)
	switch f.format {
	case FormatRGBA32:
		return &image.NRGBA{Pix: f.planes[0].Data, Stride: f.planes[0].RowStride, Rect: rect}, nil
	case FormatGray8:
		return &image.Gray{Pix: f.planes[0].Data, Stride: f.planes[0].RowStride, Rect: rect}, nil
	case FormatYUV420:
		return &image.YCbCr{
			Y:              f.planes[0].Data,
			Cb:             f.planes[1].Data,
			Cr:             f.planes[2].Data,
			YStride:        f.planes[0].RowStride,
			CStride:        f.planes[1].RowStride,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           rect,
		}, nil
	case FormatNV12:
		return f.nv12Image(rect), nil
	case FormatUnknown:
	}
	return nil, errors.Wrapf(ErrInvalidFrame, "cannot view %s frame", f.format)
}

func (f *Frame) nv12Image(rect image.Rectangle) *image.YCbCr {
	img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio420)
	y, uv := f.planes[0], f.planes[1]
	for row := 0; row < f.height; row++ {
		copy(img.Y[row*img.YStride:row*img.YStride+f.width], y.Data[row*y.RowStride:])
	}
	chromaW, chromaH := (f.width+1)/2, (f.height+1)/2
	for row := 0; row < chromaH; row++ {
		src := uv.Data[row*uv.RowStride:]
		for col := 0; col < chromaW; col++ {
			img.Cb[row*img.CStride+col] = src[2*col]
			img.Cr[row*img.CStride+col] = src[2*col+1]
		}
	}
	return img
}

// Release gives the frame back to its owner. Only the first call has an effect; later calls
// return ErrAlreadyReleased, which always indicates a bug in the caller.
func (f *Frame) Release() error {
	if !f.released.CompareAndSwap(false, true) {
		if f.onDoubleRelease != nil {
			f.onDoubleRelease()
		}
		return errors.Wrapf(ErrAlreadyReleased, "frame %s", f.id)
	}
	if f.onRelease != nil {
		f.onRelease()
	}
	return nil
}

// OnDoubleRelease installs a hook that runs whenever Release is called on an already released
// frame. It must be set before the frame is handed out.
func (f *Frame) OnDoubleRelease(hook func()) {
	f.onDoubleRelease = hook
}

// Released reports whether Release has been called.
func (f *Frame) Released() bool {
	return f.released.Load()
}

// A Source hands out the latest native frame without blocking.
type Source interface {
	// TryAcquireLatest returns the newest frame, or false when none is available. The caller owns
	// the returned frame and must release it exactly once. Two acquisitions return independent
	// frames.
	TryAcquireLatest(ctx context.Context) (*Frame, bool)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context) (*Frame, bool)

// TryAcquireLatest calls the function.
func (sf SourceFunc) TryAcquireLatest(ctx context.Context) (*Frame, bool) {
	return sf(ctx)
}

// A ResolutionConfigurer is a source that can be asked to produce frames of a given size.
type ResolutionConfigurer interface {
	SetOutputResolution(ctx context.Context, width, height int) error
	OutputResolution() (width, height int)
}

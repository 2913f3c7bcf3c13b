// Package fake implements frame sources that synthesize frames, for tests and for running the
// pipeline without a camera.
package fake

import (
	"context"
	"image"
	"image/color"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/image/draw"

	"go.viam.com/framepipe/frame"
)

// Config is the attribute struct for a synthetic source.
type Config struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format,omitempty"`
	// Color is an RGB triple used to fill the frame. A gradient is drawn when it is empty.
	Color []int `json:"color,omitempty"`
}

// Validate checks the config.
func (cfg *Config) Validate() error {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return errors.Errorf("fake source needs a positive size, got %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Format != "" {
		if _, err := frame.ParseFormat(cfg.Format); err != nil {
			return err
		}
	}
	if len(cfg.Color) != 0 && len(cfg.Color) != 3 {
		return errors.Errorf("color must be an RGB triple, got %d values", len(cfg.Color))
	}
	return nil
}

// Source synthesizes frames by scaling a template image to the configured output resolution.
// It counts every acquisition and release so tests can detect leaked or double released frames.
type Source struct {
	mu        sync.Mutex
	template  image.Image
	format    frame.Format
	width     int
	height    int
	rendered  *image.NRGBA
	available bool
	clk       clock.Clock

	acquired       atomic.Int64
	released       atomic.Int64
	doubleReleased atomic.Int64
}

// NewSource returns a source producing frames of the template's size in the given format. Only
// FormatRGBA32 and FormatYUV420 are supported.
func NewSource(template image.Image, format frame.Format) (*Source, error) {
	if format != frame.FormatRGBA32 && format != frame.FormatYUV420 {
		return nil, errors.Errorf("fake source cannot produce %s frames", format)
	}
	b := template.Bounds()
	return &Source{
		template:  template,
		format:    format,
		width:     b.Dx(),
		height:    b.Dy(),
		available: true,
		clk:       clock.New(),
	}, nil
}

// NewSolidSource returns a source of single-color frames.
func NewSolidSource(width, height int, c color.Color, format frame.Format) (*Source, error) {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return NewSource(img, format)
}

// NewSourceFromConfig builds a source from its attributes.
func NewSourceFromConfig(cfg *Config) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	format := frame.FormatRGBA32
	if cfg.Format != "" {
		format, _ = frame.ParseFormat(cfg.Format)
	}
	if len(cfg.Color) == 3 {
		c := color.NRGBA{uint8(cfg.Color[0]), uint8(cfg.Color[1]), uint8(cfg.Color[2]), 255}
		return NewSolidSource(cfg.Width, cfg.Height, c, format)
	}
	return NewSource(gradient(cfg.Width, cfg.Height), format)
}

func gradient(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(255 * x / max(width-1, 1)),
				G: uint8(255 * y / max(height-1, 1)),
				B: 128,
				A: 255,
			})
		}
	}
	return img
}

// SetClock replaces the clock used for frame timestamps.
func (s *Source) SetClock(clk clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clk = clk
}

// SetAvailable controls whether TryAcquireLatest has a frame to hand out.
func (s *Source) SetAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = available
}

// TryAcquireLatest returns a new frame rendered at the current output resolution.
func (s *Source) TryAcquireLatest(ctx context.Context) (*frame.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available || ctx.Err() != nil {
		return nil, false
	}
	if s.rendered == nil {
		s.rendered = image.NewNRGBA(image.Rect(0, 0, s.width, s.height))
		draw.NearestNeighbor.Scale(s.rendered, s.rendered.Bounds(), s.template, s.template.Bounds(), draw.Src, nil)
	}

	var (
		f   *frame.Frame
		err error
	)
	onRelease := func() { s.released.Inc() }
	switch s.format {
	case frame.FormatYUV420:
		f, err = frame.FromImage(toYCbCr(s.rendered), s.clk.Now(), onRelease)
	default:
		pix := make([]byte, len(s.rendered.Pix))
		copy(pix, s.rendered.Pix)
		f, err = frame.New(s.width, s.height, frame.FormatRGBA32,
			[]frame.Plane{{Data: pix, RowStride: s.rendered.Stride, PixelStride: 4}}, s.clk.Now(), onRelease)
	}
	if err != nil {
		return nil, false
	}
	f.OnDoubleRelease(func() { s.doubleReleased.Inc() })
	s.acquired.Inc()
	return f, true
}

func toYCbCr(src *image.NRGBA) *image.YCbCr {
	b := src.Bounds()
	dst := image.NewYCbCr(b, image.YCbCrSubsampleRatio420)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.NRGBAAt(x, y)
			yy, cb, cr := color.RGBToYCbCr(c.R, c.G, c.B)
			dst.Y[dst.YOffset(x, y)] = yy
			ci := dst.COffset(x, y)
			dst.Cb[ci] = cb
			dst.Cr[ci] = cr
		}
	}
	return dst
}

// SetOutputResolution changes the size of frames produced from now on.
func (s *Source) SetOutputResolution(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return errors.Errorf("invalid output resolution %dx%d", width, height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.width, s.height = width, height
	s.rendered = nil
	return nil
}

// OutputResolution is the size of frames currently produced.
func (s *Source) OutputResolution() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Acquired is the number of frames handed out.
func (s *Source) Acquired() int64 {
	return s.acquired.Load()
}

// Released is the number of frames released exactly once.
func (s *Source) Released() int64 {
	return s.released.Load()
}

// DoubleReleased is the number of Release calls on already released frames.
func (s *Source) DoubleReleased() int64 {
	return s.doubleReleased.Load()
}

// Outstanding is the number of frames handed out and not yet released.
func (s *Source) Outstanding() int64 {
	return s.acquired.Load() - s.released.Load()
}

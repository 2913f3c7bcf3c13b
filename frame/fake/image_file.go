package fake

import (
	"context"
	"image"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/framepipe/frame"
)

// ImageFileConfig is the attribute struct for an ImageFileSource.
type ImageFileConfig struct {
	Paths  []string `json:"paths"`
	Width  int      `json:"width,omitempty"`
	Height int      `json:"height,omitempty"`
	// Loop restarts at the first file after the last one. Otherwise the source runs dry.
	Loop bool `json:"loop,omitempty"`
}

// Validate checks the config.
func (cfg *ImageFileConfig) Validate() error {
	if len(cfg.Paths) == 0 {
		return errors.New("image_file source needs at least one path")
	}
	if cfg.Width < 0 || cfg.Height < 0 {
		return errors.Errorf("invalid output resolution %dx%d", cfg.Width, cfg.Height)
	}
	return nil
}

// ImageFileSource hands out frames decoded from PNG, JPEG, PPM or QOI files, one file per
// acquisition.
type ImageFileSource struct {
	mu     sync.Mutex
	images []image.Image
	next   int
	loop   bool
	width  int
	height int

	clk clock.Clock

	acquired atomic.Int64
}

// NewImageFileSource decodes every file up front so acquisition never touches the disk.
func NewImageFileSource(cfg *ImageFileConfig) (*ImageFileSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	src := &ImageFileSource{loop: cfg.Loop, width: cfg.Width, height: cfg.Height, clk: clock.New()}
	for _, path := range cfg.Paths {
		img, err := frame.DecodeFile(path)
		if err != nil {
			return nil, err
		}
		src.images = append(src.images, img)
	}
	return src, nil
}

// TryAcquireLatest returns the next image as an RGBA frame, resized to the output resolution
// when one is set.
func (src *ImageFileSource) TryAcquireLatest(ctx context.Context) (*frame.Frame, bool) {
	src.mu.Lock()
	defer src.mu.Unlock()
	if ctx.Err() != nil {
		return nil, false
	}
	if src.next >= len(src.images) {
		if !src.loop {
			return nil, false
		}
		src.next = 0
	}
	img := src.images[src.next]
	src.next++

	var nrgba *image.NRGBA
	if src.width > 0 && src.height > 0 {
		nrgba = imaging.Resize(img, src.width, src.height, imaging.Linear)
	} else {
		nrgba = imaging.Clone(img)
	}
	f, err := frame.FromImage(nrgba, src.clk.Now(), nil)
	if err != nil {
		return nil, false
	}
	src.acquired.Inc()
	return f, true
}

// SetOutputResolution sets the size frames are resized to.
func (src *ImageFileSource) SetOutputResolution(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return errors.Errorf("invalid output resolution %dx%d", width, height)
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	src.width, src.height = width, height
	return nil
}

// OutputResolution is the size frames are resized to, or the size of the next image when no
// resolution has been set.
func (src *ImageFileSource) OutputResolution() (int, int) {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.width > 0 && src.height > 0 {
		return src.width, src.height
	}
	b := src.images[src.next%len(src.images)].Bounds()
	return b.Dx(), b.Dy()
}

// Acquired is the number of frames handed out.
func (src *ImageFileSource) Acquired() int64 {
	return src.acquired.Load()
}

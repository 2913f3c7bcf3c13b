// Package dirwatch turns images written into a directory into frames.
package dirwatch

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bep/debounce"
	"github.com/disintegration/imaging"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/framepipe/frame"
	"go.viam.com/framepipe/logging"
	"go.viam.com/framepipe/utils"
)

const defaultDebounce = 50 * time.Millisecond

// Config is the attribute struct for a directory source.
type Config struct {
	Dir string `json:"dir"`
	// DebounceMs is how long a file must be left alone before it is decoded.
	DebounceMs int `json:"debounce_ms,omitempty"`
	Width      int `json:"width,omitempty"`
	Height     int `json:"height,omitempty"`
}

// Validate checks the config.
func (cfg *Config) Validate() error {
	if cfg.Dir == "" {
		return errors.New("directory source needs a dir")
	}
	if cfg.DebounceMs < 0 || cfg.Width < 0 || cfg.Height < 0 {
		return errors.New("debounce_ms, width and height must not be negative")
	}
	return nil
}

// Source decodes each image file created in or written to a directory and keeps the newest one.
type Source struct {
	logger   logging.Logger
	watcher  *fsnotify.Watcher
	debounce func(func())
	clk      clock.Clock
	workers  utils.StoppableWorkers

	mu      sync.Mutex
	latest  image.Image
	onFrame func()
	width   int
	height  int
	closed  bool

	loaded     atomic.Int64
	superseded atomic.Int64
}

// New starts watching cfg.Dir. onFrame, if non-nil, is called after every decoded image.
func New(cfg *Config, onFrame func(), logger logging.Logger) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(cfg.Dir); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "cannot watch %q", cfg.Dir), watcher.Close())
	}
	wait := defaultDebounce
	if cfg.DebounceMs > 0 {
		wait = time.Duration(cfg.DebounceMs) * time.Millisecond
	}
	src := &Source{
		logger:   logger,
		watcher:  watcher,
		debounce: debounce.New(wait),
		clk:      clock.New(),
		onFrame:  onFrame,
		width:    cfg.Width,
		height:   cfg.Height,
	}
	src.workers = utils.NewStoppableWorkers(src.watchLoop)
	return src, nil
}

func (src *Source) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !frame.IsImageFile(ev.Name) {
				continue
			}
			path := ev.Name
			// A writer emits several events per file; only the last one in the window loads.
			src.debounce(func() { src.load(path) })
		case err, ok := <-src.watcher.Errors:
			if !ok {
				return
			}
			src.logger.Warnw("directory watch error", "error", err)
		}
	}
}

func (src *Source) load(path string) {
	img, err := frame.DecodeFile(path)
	if err != nil {
		src.logger.Warnw("skipping undecodable image", "path", path, "error", err)
		return
	}
	src.mu.Lock()
	if src.closed {
		src.mu.Unlock()
		return
	}
	if src.latest != nil {
		src.superseded.Inc()
	}
	src.latest = img
	onFrame := src.onFrame
	src.mu.Unlock()

	src.loaded.Inc()
	src.logger.Debugw("loaded image", "path", path)
	if onFrame != nil {
		onFrame()
	}
}

// TryAcquireLatest hands out the newest image as a frame. Each image is handed out once.
func (src *Source) TryAcquireLatest(ctx context.Context) (*frame.Frame, bool) {
	src.mu.Lock()
	img := src.latest
	src.latest = nil
	width, height := src.width, src.height
	src.mu.Unlock()
	if img == nil || ctx.Err() != nil {
		return nil, false
	}

	var nrgba *image.NRGBA
	if width > 0 && height > 0 {
		nrgba = imaging.Resize(img, width, height, imaging.Linear)
	} else {
		nrgba = imaging.Clone(img)
	}
	f, err := frame.FromImage(nrgba, src.clk.Now(), nil)
	if err != nil {
		src.logger.Warnw("dropping unusable image", "error", err)
		return nil, false
	}
	return f, true
}

// SetOutputResolution sets the size images are resized to.
func (src *Source) SetOutputResolution(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return errors.Errorf("invalid output resolution %dx%d", width, height)
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	src.width, src.height = width, height
	return nil
}

// OutputResolution is the size images are resized to, or zero when they are passed through.
func (src *Source) OutputResolution() (int, int) {
	src.mu.Lock()
	defer src.mu.Unlock()
	return src.width, src.height
}

// Loaded is the number of images decoded.
func (src *Source) Loaded() int64 {
	return src.loaded.Load()
}

// Superseded is the number of images replaced before anyone acquired them.
func (src *Source) Superseded() int64 {
	return src.superseded.Load()
}

// Close stops watching the directory.
func (src *Source) Close() error {
	src.mu.Lock()
	src.closed = true
	src.latest = nil
	src.mu.Unlock()
	src.workers.Stop()
	return src.watcher.Close()
}

// Package pipeline drives frames from a source through conversion, preprocessing and inference
// with at most one frame in flight.
//
// Frame notifications that arrive while a frame is being processed are dropped, never queued.
// Every native frame acquired by a cycle is released before the cycle ends, whatever its outcome.
package pipeline

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"go.viam.com/framepipe/convert"
	"go.viam.com/framepipe/frame"
	"go.viam.com/framepipe/inference"
	"go.viam.com/framepipe/logging"
	"go.viam.com/framepipe/ml"
	"go.viam.com/framepipe/readback"
	"go.viam.com/framepipe/utils"
)

var (
	// ErrBusy is returned by ProcessFrame while another cycle is running.
	ErrBusy = errors.New("a frame is already being processed")
	// ErrClosed is returned once the controller has been closed.
	ErrClosed = errors.New("pipeline controller closed")
	// ErrNoFrameAvailable is returned by ProcessFrame when the source had nothing to hand out.
	ErrNoFrameAvailable = errors.New("no frame available")
)

const failureLogBurst = 5

// Config configures a controller.
type Config struct {
	// Width and Height of the converted image, or convert.Auto to use the model input size.
	Width  int
	Height int

	Transform     convert.Transform
	Interpolation convert.Interpolation

	// OnResult is called once per processed frame. OnError is called for every failed cycle.
	// Both run on the cycle's goroutine.
	OnResult func(Result)
	OnError  func(error)

	// Clock measures cycle latency. It defaults to the wall clock.
	Clock clock.Clock
	// StatsWindow is the number of recent cycles latency statistics cover.
	StatsWindow int
	// PollInterval is how often pending conversions and Stop are polled.
	PollInterval time.Duration
}

// Controller runs the frame pipeline. It is Idle or Processing; the busy flag is the only
// admission check.
type Controller struct {
	name   string
	logger logging.Logger
	cfg    Config
	clk    clock.Clock

	source   frame.Source
	textures readback.TextureSource

	worker       *inference.Worker
	converter    *convert.Converter
	preprocessor *ml.Preprocessor
	inputShape   ml.Shape

	busy    atomic.Bool
	enabled atomic.Bool
	closed  atomic.Bool
	cycles  atomic.Int64
	workers utils.StoppableWorkers
	stats   *statsCollector

	// failureLogs keeps a persistently failing source from flooding the log at frame rate.
	failureLogs *rate.Limiter

	mu          sync.Mutex
	cycleCancel context.CancelFunc
	width       int
	height      int

	// pixels is only touched by the cycle holding busy.
	pixels *convert.PixelBuffer
}

// NewController returns a controller that converts native frames from source. The worker must
// already have a model loaded.
func NewController(source frame.Source, worker *inference.Worker, cfg Config, logger logging.Logger) (*Controller, error) {
	if source == nil {
		return nil, errors.New("nil frame source")
	}
	c, err := newController(worker, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.source = source
	return c, nil
}

// NewTextureController returns a controller that reads rendered textures back instead of
// converting native frames. Textures must already have the model's input size.
func NewTextureController(textures readback.TextureSource, worker *inference.Worker, cfg Config, logger logging.Logger) (*Controller, error) {
	if textures == nil {
		return nil, errors.New("nil texture source")
	}
	c, err := newController(worker, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.textures = textures
	return c, nil
}

func newController(worker *inference.Worker, cfg Config, logger logging.Logger) (*Controller, error) {
	if worker == nil {
		return nil, errors.New("nil inference worker")
	}
	shape, err := worker.InputShape()
	if err != nil {
		return nil, errors.Wrap(err, "inference worker is not ready")
	}
	preprocessor, err := ml.NewPreprocessor(shape)
	if err != nil {
		return nil, err
	}
	if cfg.Width == 0 {
		cfg.Width = convert.Auto
	}
	if cfg.Height == 0 {
		cfg.Height = convert.Auto
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	name := uuid.NewString()
	return &Controller{
		name:         name,
		logger:       logger,
		cfg:          cfg,
		clk:          clk,
		worker:       worker,
		converter:    convert.NewConverter(logger.Sublogger("convert"), cfg.PollInterval),
		preprocessor: preprocessor,
		inputShape:   shape,
		workers:      utils.NewStoppableWorkers(),
		stats:        newStatsCollector(cfg.StatsWindow),
		failureLogs:  rate.NewLimiter(rate.Every(time.Second), failureLogBurst),
	}, nil
}

// Start negotiates the output resolution with the source and begins accepting notifications.
func (c *Controller) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	width, height := c.cfg.Width, c.cfg.Height
	if width == convert.Auto {
		width = c.inputShape.Width
	}
	if height == convert.Auto {
		height = c.inputShape.Height
	}
	c.mu.Lock()
	c.width, c.height = width, height
	c.mu.Unlock()

	if c.source != nil {
		c.negotiateResolution(ctx, width, height)
	}
	c.enabled.Store(true)
	c.logger.Infow("pipeline started", "controller", c.name, "width", width, "height", height,
		"transform", c.cfg.Transform.String())
	return nil
}

// negotiateResolution asks the source for frames of the target size. Failing that, the converter
// resizes every frame, so problems are only logged.
func (c *Controller) negotiateResolution(ctx context.Context, width, height int) {
	rc, ok := c.source.(frame.ResolutionConfigurer)
	if !ok {
		c.logger.Debug("frame source cannot change resolution, frames will be resized")
		return
	}
	// The source produces sensor-oriented frames, so a rotation swaps the requested axes.
	srcW, srcH := width, height
	if c.cfg.Transform == convert.Rotate90 || c.cfg.Transform == convert.Rotate270 {
		srcW, srcH = height, width
	}
	if err := rc.SetOutputResolution(ctx, srcW, srcH); err != nil {
		c.logger.Warnw("could not set source resolution, frames will be resized", "width", srcW, "height", srcH, "error", err)
		return
	}
	if gotW, gotH := rc.OutputResolution(); gotW != srcW || gotH != srcH {
		c.logger.Warnw("source resolution differs from requested, frames will be resized",
			"requested_width", srcW, "requested_height", srcH, "width", gotW, "height", gotH)
	}
}

// OnFrameAvailable is the frame notification. If the controller is stopped or busy the
// notification is dropped; otherwise one cycle starts in the background.
func (c *Controller) OnFrameAvailable() {
	if !c.enabled.Load() || !c.busy.CompareAndSwap(false, true) {
		c.stats.dropped.Inc()
		return
	}
	if !c.workers.AddWorkers(func(ctx context.Context) {
		defer c.busy.Store(false)
		ctx = logging.WithCycle(ctx, c.cycles.Inc())
		res, err := c.runCycle(ctx, true)
		c.publish(ctx, res, err)
	}) {
		c.busy.Store(false)
		c.stats.dropped.Inc()
	}
}

// ProcessFrame runs one cycle synchronously, regardless of whether the controller is started.
// It returns ErrBusy if a cycle is already running and (nil, nil) if the cycle was cancelled.
// Handlers are not called; the result is returned instead.
func (c *Controller) ProcessFrame(ctx context.Context) (*Result, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer c.busy.Store(false)
	res, err := c.runCycle(logging.WithCycle(ctx, c.cycles.Inc()), false)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoFrameAvailable):
		return nil, err
	case isCancellation(err):
		return nil, nil
	default:
		return nil, err
	}
	return res, nil
}

// runCycle runs one cycle under a cancellable context that Stop can reach, and records stats.
func (c *Controller) runCycle(ctx context.Context, requireEnabled bool) (*Result, error) {
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cycleCancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cycleCancel = nil
		c.mu.Unlock()
	}()

	if requireEnabled && !c.enabled.Load() {
		c.stats.skipped.Inc()
		return nil, context.Canceled
	}

	start := c.clk.Now()
	res, err := c.cycle(cycleCtx)
	switch {
	case err == nil:
		res.Elapsed = c.clk.Since(start)
		c.stats.recordProcessed(res.Elapsed)
	case errors.Is(err, ErrNoFrameAvailable), isCancellation(err):
		c.stats.skipped.Inc()
	default:
		c.stats.failed.Inc()
	}
	return res, err
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Controller) cycle(ctx context.Context) (*Result, error) {
	ctx, span := trace.StartSpan(ctx, "pipeline::Controller::cycle")
	defer span.End()

	var (
		res    Result
		pixels []byte
		width  int
		height int
	)
	res.Cycle, _ = logging.CycleFromContext(ctx)
	if c.textures != nil {
		tex, ok := c.textures.LatestTexture()
		if !ok {
			return nil, ErrNoFrameAvailable
		}
		rb, err := readback.Readback(ctx, tex)
		if err != nil {
			return nil, err
		}
		width, height = rb.Width, rb.Height
		pixels = rb.Data
		res.Timestamp = c.clk.Now()
		res.Pixels = &image.NRGBA{Pix: rb.Data, Stride: width * 4, Rect: image.Rect(0, 0, width, height)}
	} else {
		f, ok := c.source.TryAcquireLatest(ctx)
		if !ok {
			return nil, ErrNoFrameAvailable
		}
		res.FrameID, res.Timestamp = f.ID(), f.Timestamp()
		c.mu.Lock()
		params := convert.Params{
			Width:         c.width,
			Height:        c.height,
			Transform:     c.cfg.Transform,
			Interpolation: c.cfg.Interpolation,
		}
		c.mu.Unlock()
		if params.Width == 0 || params.Height == 0 {
			// Not started; ProcessFrame falls back to the model input size.
			params.Width, params.Height = c.inputShape.Width, c.inputShape.Height
		}
		// Convert releases f on every path.
		pb, err := c.converter.Convert(ctx, f, params, c.pixels)
		if err != nil {
			return nil, err
		}
		c.pixels = pb
		width, height = pb.Width(), pb.Height()
		pixels = pb.Bytes()
		res.Pixels = pb.Image()
	}

	in, err := c.preprocessor.ToTensor(pixels, width, height, c.inputShape.Channels)
	if err != nil {
		return nil, err
	}
	inferStart := c.clk.Now()
	out, err := c.worker.Infer(ctx, in)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, context.Canceled
	}
	res.InferenceElapsed = c.clk.Since(inferStart)
	res.Classes = out.Classes
	res.OutputShape = out.Shape
	return &res, nil
}

func (c *Controller) publish(ctx context.Context, res *Result, err error) {
	switch {
	case err == nil:
		c.logger.CDebugw(ctx, "frame processed", "frame", res.FrameID, "elapsed", res.Elapsed)
		if c.cfg.OnResult != nil {
			c.cfg.OnResult(*res)
		}
	case errors.Is(err, ErrNoFrameAvailable):
		c.logger.CDebugw(ctx, "no frame available, skipping")
	case isCancellation(err):
		c.logger.CDebugw(ctx, "frame cycle cancelled")
	default:
		if c.failureLogs.Allow() {
			c.logger.CWarnw(ctx, "frame cycle failed", "error", err)
		} else {
			c.logger.CDebugw(ctx, "frame cycle failed", "error", err)
		}
		if c.cfg.OnError != nil {
			c.cfg.OnError(err)
		}
	}
}

// Busy reports whether a cycle is running.
func (c *Controller) Busy() bool {
	return c.busy.Load()
}

// Stats returns a snapshot of the counters and latency statistics.
func (c *Controller) Stats() Stats {
	return c.stats.snapshot()
}

// Stop stops accepting notifications, cancels the running cycle and waits for it to finish.
func (c *Controller) Stop(ctx context.Context) error {
	c.enabled.Store(false)
	c.mu.Lock()
	if c.cycleCancel != nil {
		c.cycleCancel()
	}
	c.mu.Unlock()
	return utils.PollUntil(ctx, c.cfg.PollInterval, func() bool {
		return !c.busy.Load()
	})
}

// Close stops the controller and disposes the inference worker. Closing more than once is fine.
func (c *Controller) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.Stop(ctx)
	c.workers.Stop()
	return multierr.Combine(err, c.worker.Close(ctx))
}

package main

import (
	"context"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/framepipe/config"
	"go.viam.com/framepipe/frame"
	"go.viam.com/framepipe/frame/dirwatch"
	"go.viam.com/framepipe/frame/fake"
	"go.viam.com/framepipe/frame/mediasource"
	"go.viam.com/framepipe/inference"
	"go.viam.com/framepipe/logging"
	"go.viam.com/framepipe/pipeline"
	"go.viam.com/framepipe/utils"
)

const closeTimeout = 5 * time.Second

type runOptions struct {
	// Frames is the number of handled cycles to stop after. Zero runs until ctx ends.
	Frames int
	// Interval between notifications for sources that do not push frames.
	Interval time.Duration
	// StatsInterval is how often running stats are logged. Zero disables them.
	StatsInterval time.Duration
	Clock         clock.Clock
	// Out receives the final stats table.
	Out io.Writer
}

// openedSource is a frame source plus how it is driven and shut down.
type openedSource struct {
	frame.Source
	// pushes is set when the source notifies the controller itself.
	pushes bool
	close  func() error
}

// openSource builds the configured source. notify is only used by sources that push frames.
func openSource(conf config.SourceConfig, notify func(), logger logging.Logger) (*openedSource, error) {
	noClose := func() error { return nil }
	switch conf.Type {
	case config.SourceFake:
		attrs, err := utils.TransformAttributeMap[*fake.Config](conf.Attributes)
		if err != nil {
			return nil, err
		}
		src, err := fake.NewSourceFromConfig(attrs)
		if err != nil {
			return nil, err
		}
		return &openedSource{Source: src, close: noClose}, nil
	case config.SourceImageFile:
		attrs, err := utils.TransformAttributeMap[*fake.ImageFileConfig](conf.Attributes)
		if err != nil {
			return nil, err
		}
		src, err := fake.NewImageFileSource(attrs)
		if err != nil {
			return nil, err
		}
		return &openedSource{Source: src, close: noClose}, nil
	case config.SourceWebcam:
		attrs, err := utils.TransformAttributeMap[*mediasource.CameraConfig](conf.Attributes)
		if err != nil {
			return nil, err
		}
		src, closeCamera, err := mediasource.OpenCamera(attrs, notify, logger)
		if err != nil {
			return nil, err
		}
		// Closing the track first unblocks the pending read.
		closeAll := func() error {
			return multierr.Combine(closeCamera(), src.Close(context.Background()))
		}
		return &openedSource{Source: src, pushes: true, close: closeAll}, nil
	case config.SourceDirectory:
		attrs, err := utils.TransformAttributeMap[*dirwatch.Config](conf.Attributes)
		if err != nil {
			return nil, err
		}
		src, err := dirwatch.New(attrs, notify, logger)
		if err != nil {
			return nil, err
		}
		return &openedSource{Source: src, pushes: true, close: src.Close}, nil
	default:
		return nil, errors.Errorf("unknown source type %q", conf.Type)
	}
}

// run loads the model, starts the pipeline and drives it until enough frames were handled or
// ctx ends.
func run(ctx context.Context, cfg *config.Config, opts runOptions, logger logging.Logger) (err error) {
	def, err := cfg.Model.Load()
	if err != nil {
		return err
	}
	worker := inference.NewWorker(logger.Sublogger("inference"))
	if err := worker.Load(ctx, def); err != nil {
		return multierr.Combine(err, worker.Close(ctx))
	}

	// The camera can deliver frames before the controller exists.
	var controllerRef atomic.Pointer[pipeline.Controller]
	notify := func() {
		if c := controllerRef.Load(); c != nil {
			c.OnFrameAvailable()
		}
	}
	src, err := openSource(cfg.Source, notify, logger.Sublogger("source"))
	if err != nil {
		return multierr.Combine(err, worker.Close(ctx))
	}
	defer func() {
		err = multierr.Combine(err, src.close())
	}()

	pcfg, err := cfg.Pipeline.ControllerConfig()
	if err != nil {
		return multierr.Combine(err, worker.Close(ctx))
	}
	pcfg.Clock = opts.Clock
	pcfg.OnResult = func(res pipeline.Result) {
		logger.Infow("frame processed",
			"cycle", res.Cycle,
			"frame", res.FrameID,
			"classes", lo.CountValues(res.Classes),
			"elapsed", res.Elapsed,
			"inference", res.InferenceElapsed)
	}
	controller, err := pipeline.NewController(src.Source, worker, pcfg, logger.Sublogger("pipeline"))
	if err != nil {
		return multierr.Combine(err, worker.Close(ctx))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		err = multierr.Combine(err, controller.Close(closeCtx))
		stats := controller.Stats()
		logger.Infow("final stats",
			"processed", stats.Processed,
			"dropped", stats.Dropped,
			"skipped", stats.Skipped,
			"failed", stats.Failed,
			"mean_latency", stats.MeanLatency,
			"p95_latency", stats.P95Latency)
		if opts.Out != nil {
			writeStatsTable(opts.Out, stats)
		}
	}()

	if err := controller.Start(ctx); err != nil {
		return err
	}
	controllerRef.Store(controller)
	logger.Infow("pipeline running", "model", def.Name, "source", cfg.Source.Type, "frames", opts.Frames)

	handled := func() bool {
		if opts.Frames <= 0 {
			return false
		}
		s := controller.Stats()
		return s.Processed+s.Skipped+s.Failed >= int64(opts.Frames)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// Ending the drive loop also ends the stats reporter.
		defer stop()
		if src.pushes {
			return utils.PollUntil(gctx, opts.Interval, handled)
		}
		return tick(gctx, opts, controller, handled)
	})
	if opts.StatsInterval > 0 {
		g.Go(func() error {
			reportStats(gctx, opts, controller, logger)
			return nil
		})
	}
	return ignoreCancel(g.Wait())
}

// reportStats logs the controller stats every opts.StatsInterval until ctx ends.
func reportStats(ctx context.Context, opts runOptions, controller *pipeline.Controller, logger logging.Logger) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	ticker := clk.Ticker(opts.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := controller.Stats()
			logger.Infow("pipeline stats",
				"processed", s.Processed,
				"dropped", s.Dropped,
				"skipped", s.Skipped,
				"failed", s.Failed,
				"mean_latency", s.MeanLatency)
		}
	}
}

// writeStatsTable renders the final stats for a terminal.
func writeStatsTable(w io.Writer, stats pipeline.Stats) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"processed", "dropped", "skipped", "failed", "last", "mean", "p95"})
	t.AppendRow(table.Row{
		stats.Processed, stats.Dropped, stats.Skipped, stats.Failed,
		stats.LastLatency, stats.MeanLatency, stats.P95Latency,
	})
	t.Render()
}

// tick notifies the controller every interval until done reports true or ctx ends.
func tick(ctx context.Context, opts runOptions, controller *pipeline.Controller, done func() bool) error {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = utils.DefaultPollInterval
	}
	ticker := clk.Ticker(interval)
	defer ticker.Stop()
	for !done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			controller.OnFrameAvailable()
		}
	}
	return nil
}

// ignoreCancel treats an interrupt or an expired deadline as a normal shutdown.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

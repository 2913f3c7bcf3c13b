package pipeline_test

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"
	"gorgonia.org/tensor"

	"go.viam.com/framepipe/convert"
	"go.viam.com/framepipe/frame"
	"go.viam.com/framepipe/frame/fake"
	"go.viam.com/framepipe/inference"
	"go.viam.com/framepipe/logging"
	"go.viam.com/framepipe/ml"
	"go.viam.com/framepipe/pipeline"
	"go.viam.com/framepipe/readback"
	"go.viam.com/framepipe/testutils/inject"
	"go.viam.com/framepipe/utils"
)

var red = color.NRGBA{R: 255, A: 255}

// rgbClassifier labels each pixel with its dominant color channel.
func rgbClassifier(inputShape []int) *inference.ModelDefinition {
	return &inference.ModelDefinition{
		Name:    "rgb",
		Backend: inference.PixelClassifierBackend,
		Inputs:  []inference.TensorInfo{{Name: "image", DataType: "float32", Shape: inputShape}},
		Parameters: utils.AttributeMap{
			"weights": []interface{}{
				[]interface{}{1.0, 0.0, 0.0},
				[]interface{}{0.0, 1.0, 0.0},
				[]interface{}{0.0, 0.0, 1.0},
			},
		},
	}
}

func injectModel(t *testing.T, b *inject.Backend) *inference.ModelDefinition {
	t.Helper()
	name := "inject_" + t.Name()
	inference.RegisterBackend(name, func(ctx context.Context, def *inference.ModelDefinition, logger logging.Logger) (inference.Backend, error) {
		return b, nil
	})
	t.Cleanup(func() { inference.DeregisterBackend(name) })
	return &inference.ModelDefinition{
		Name:    "injected",
		Backend: name,
		Inputs:  []inference.TensorInfo{{Name: "image", DataType: "float32", Shape: []int{1, 2, 2, 3}}},
	}
}

func loadWorker(t *testing.T, def *inference.ModelDefinition) *inference.Worker {
	t.Helper()
	w := inference.NewWorker(logging.NewTestLogger(t))
	test.That(t, w.Load(context.Background(), def), test.ShouldBeNil)
	return w
}

func zeroOutput() *tensor.Dense {
	return tensor.New(tensor.WithShape(1, 2, 2), tensor.WithBacking([]int{0, 0, 0, 0}))
}

// gatedBackend blocks every execution until release is closed or its context ends.
func gatedBackend(started chan<- struct{}, release <-chan struct{}, calls *atomic.Int64) *inject.Backend {
	var once sync.Once
	return &inject.Backend{
		ExecuteFunc: func(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error) {
			calls.Inc()
			once.Do(func() { close(started) })
			select {
			case <-release:
				return zeroOutput(), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func TestProcessFrame(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	src, err := fake.NewSolidSource(8, 8, red, frame.FormatYUV420)
	test.That(t, err, test.ShouldBeNil)
	worker := loadWorker(t, rgbClassifier([]int{1, 2, 2, 3}))

	c, err := pipeline.NewController(src, worker, pipeline.Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer c.Close(ctx)

	res, err := c.ProcessFrame(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res, test.ShouldNotBeNil)
	test.That(t, res.Classes, test.ShouldResemble, []int{0, 0, 0, 0})
	test.That(t, res.OutputShape, test.ShouldResemble, []int{1, 2, 2})
	test.That(t, res.Pixels.Bounds(), test.ShouldResemble, image.Rect(0, 0, 2, 2))
	test.That(t, res.FrameID.String(), test.ShouldNotBeEmpty)
	test.That(t, res.Cycle, test.ShouldEqual, 1)

	test.That(t, src.Acquired(), test.ShouldEqual, 1)
	test.That(t, src.Outstanding(), test.ShouldEqual, 0)
	test.That(t, src.DoubleReleased(), test.ShouldEqual, 0)
	test.That(t, c.Stats().Processed, test.ShouldEqual, 1)

	src.SetAvailable(false)
	_, err = c.ProcessFrame(ctx)
	test.That(t, err, test.ShouldEqual, pipeline.ErrNoFrameAvailable)
	test.That(t, c.Stats().Skipped, test.ShouldEqual, 1)
	test.That(t, src.Acquired(), test.ShouldEqual, 1)
}

func TestNewControllerNeedsLoadedWorker(t *testing.T) {
	logger := logging.NewTestLogger(t)
	src, err := fake.NewSolidSource(4, 4, red, frame.FormatRGBA32)
	test.That(t, err, test.ShouldBeNil)

	_, err = pipeline.NewController(src, inference.NewWorker(logger), pipeline.Config{}, logger)
	test.That(t, errors.Is(err, inference.ErrNotLoaded), test.ShouldBeTrue)
	_, err = pipeline.NewController(nil, loadWorker(t, rgbClassifier([]int{1, 2, 2, 3})), pipeline.Config{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNotificationsDroppedWhileBusy(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	src, err := fake.NewSolidSource(8, 8, red, frame.FormatRGBA32)
	test.That(t, err, test.ShouldBeNil)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	worker := loadWorker(t, injectModel(t, gatedBackend(started, release, &calls)))

	var results atomic.Int64
	c, err := pipeline.NewController(src, worker, pipeline.Config{
		OnResult: func(pipeline.Result) { results.Inc() },
		OnError:  func(err error) { t.Errorf("unexpected cycle error: %v", err) },
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer c.Close(ctx)

	// Not started yet.
	c.OnFrameAvailable()
	test.That(t, c.Stats().Dropped, test.ShouldEqual, 1)
	test.That(t, src.Acquired(), test.ShouldEqual, 0)

	test.That(t, c.Start(ctx), test.ShouldBeNil)
	c.OnFrameAvailable()
	<-started
	test.That(t, c.Busy(), test.ShouldBeTrue)

	for i := 0; i < 5; i++ {
		c.OnFrameAvailable()
	}
	_, err = c.ProcessFrame(ctx)
	test.That(t, err, test.ShouldEqual, pipeline.ErrBusy)

	stats := c.Stats()
	test.That(t, stats.Dropped, test.ShouldEqual, 6)
	test.That(t, src.Acquired(), test.ShouldEqual, 1)
	test.That(t, calls.Load(), test.ShouldEqual, 1)

	close(release)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, results.Load(), test.ShouldEqual, 1)
		test.That(tb, c.Busy(), test.ShouldBeFalse)
	})
	test.That(t, c.Stats().Processed, test.ShouldEqual, 1)
	test.That(t, src.Outstanding(), test.ShouldEqual, 0)

	// Idle again, so the next notification runs.
	c.OnFrameAvailable()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, results.Load(), test.ShouldEqual, 2)
	})
	test.That(t, src.Acquired(), test.ShouldEqual, 2)
	test.That(t, calls.Load(), test.ShouldEqual, 2)
}

func TestStopCancelsInFlightCycle(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	src, err := fake.NewSolidSource(8, 8, red, frame.FormatRGBA32)
	test.That(t, err, test.ShouldBeNil)

	started := make(chan struct{})
	var calls atomic.Int64
	worker := loadWorker(t, injectModel(t, gatedBackend(started, make(chan struct{}), &calls)))

	var handled atomic.Int64
	c, err := pipeline.NewController(src, worker, pipeline.Config{
		OnResult: func(pipeline.Result) { handled.Inc() },
		OnError:  func(error) { handled.Inc() },
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer c.Close(ctx)

	test.That(t, c.Start(ctx), test.ShouldBeNil)
	c.OnFrameAvailable()
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	test.That(t, c.Stop(stopCtx), test.ShouldBeNil)
	test.That(t, c.Busy(), test.ShouldBeFalse)

	stats := c.Stats()
	test.That(t, stats.Skipped, test.ShouldEqual, 1)
	test.That(t, stats.Processed, test.ShouldEqual, 0)
	test.That(t, stats.Failed, test.ShouldEqual, 0)
	test.That(t, handled.Load(), test.ShouldEqual, 0)
	test.That(t, src.Outstanding(), test.ShouldEqual, 0)

	c.OnFrameAvailable()
	test.That(t, c.Stats().Dropped, test.ShouldEqual, 1)
	test.That(t, calls.Load(), test.ShouldEqual, 1)

	// The worker is free for the next cycle.
	test.That(t, worker.State(), test.ShouldEqual, inference.StateReady)
}

func TestTextureShapeMismatch(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	var calls atomic.Int64
	worker := loadWorker(t, injectModel(t, &inject.Backend{
		ExecuteFunc: func(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error) {
			calls.Inc()
			return zeroOutput(), nil
		},
	}))

	tex := readback.NewImageTexture(image.NewNRGBA(image.Rect(0, 0, 4, 4)))
	errs := make(chan error, 1)
	c, err := pipeline.NewTextureController(tex, worker, pipeline.Config{
		OnError: func(err error) { errs <- err },
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer c.Close(ctx)

	test.That(t, c.Start(ctx), test.ShouldBeNil)
	c.OnFrameAvailable()
	err = <-errs
	test.That(t, errors.Is(err, ml.ErrShapeMismatch), test.ShouldBeTrue)
	var mismatch *ml.ShapeMismatchError
	test.That(t, errors.As(err, &mismatch), test.ShouldBeTrue)
	test.That(t, mismatch.Got.Width, test.ShouldEqual, 4)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, c.Busy(), test.ShouldBeFalse)
	})
	test.That(t, c.Stats().Failed, test.ShouldEqual, 1)
	test.That(t, calls.Load(), test.ShouldEqual, 0)
}

func TestTextureProcessFrame(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	worker := loadWorker(t, rgbClassifier([]int{1, 2, 2, 3}))

	green := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for i := 0; i < len(green.Pix); i += 4 {
		green.Pix[i+1], green.Pix[i+3] = 255, 255
	}
	tex := readback.NewImageTexture(green)

	c, err := pipeline.NewTextureController(tex, worker, pipeline.Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer c.Close(ctx)

	res, err := c.ProcessFrame(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Classes, test.ShouldResemble, []int{1, 1, 1, 1})
	test.That(t, res.Pixels.Pix, test.ShouldResemble, green.Pix)

	empty := readback.TextureSourceFunc(func() (readback.Texture, bool) { return nil, false })
	c2, err := pipeline.NewTextureController(empty, loadWorker(t, rgbClassifier([]int{1, 2, 2, 3})), pipeline.Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer c2.Close(ctx)
	_, err = c2.ProcessFrame(ctx)
	test.That(t, err, test.ShouldEqual, pipeline.ErrNoFrameAvailable)
}

func TestResolutionNegotiation(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	src, err := fake.NewSolidSource(16, 16, red, frame.FormatRGBA32)
	test.That(t, err, test.ShouldBeNil)
	// Model input is 3 wide and 2 high.
	worker := loadWorker(t, rgbClassifier([]int{1, 2, 3, 3}))

	c, err := pipeline.NewController(src, worker, pipeline.Config{Transform: convert.Rotate90}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer c.Close(ctx)
	test.That(t, c.Start(ctx), test.ShouldBeNil)

	w, h := src.OutputResolution()
	test.That(t, w, test.ShouldEqual, 2)
	test.That(t, h, test.ShouldEqual, 3)

	res, err := c.ProcessFrame(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Pixels.Bounds(), test.ShouldResemble, image.Rect(0, 0, 3, 2))
	test.That(t, res.Classes, test.ShouldHaveLength, 6)
}

func TestResolutionNotConfigurable(t *testing.T) {
	ctx := context.Background()
	logger, logs := logging.NewObservedTestLogger(t)
	src, err := fake.NewSolidSource(8, 8, red, frame.FormatRGBA32)
	test.That(t, err, test.ShouldBeNil)

	injected := &inject.FrameSource{
		Source: src,
		SetOutputResolutionFunc: func(ctx context.Context, width, height int) error {
			return errors.New("fixed resolution")
		},
		OutputResolutionFunc: func() (int, int) { return 8, 8 },
	}
	c, err := pipeline.NewController(injected, loadWorker(t, rgbClassifier([]int{1, 2, 2, 3})), pipeline.Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer c.Close(ctx)
	test.That(t, c.Start(ctx), test.ShouldBeNil)
	test.That(t, logs.FilterMessageSnippet("could not set source resolution").Len(), test.ShouldEqual, 1)

	// Frames are resized instead.
	res, err := c.ProcessFrame(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Classes, test.ShouldResemble, []int{0, 0, 0, 0})
	test.That(t, src.Outstanding(), test.ShouldEqual, 0)
}

func TestLatencyStats(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	src, err := fake.NewSolidSource(4, 4, red, frame.FormatRGBA32)
	test.That(t, err, test.ShouldBeNil)

	mockClock := clock.NewMock()
	latencies := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	var call atomic.Int64
	worker := loadWorker(t, injectModel(t, &inject.Backend{
		ExecuteFunc: func(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error) {
			mockClock.Add(latencies[call.Inc()-1])
			return zeroOutput(), nil
		},
	}))

	c, err := pipeline.NewController(src, worker, pipeline.Config{Clock: mockClock}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer c.Close(ctx)

	for _, want := range latencies {
		res, err := c.ProcessFrame(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Elapsed, test.ShouldEqual, want)
		test.That(t, res.InferenceElapsed, test.ShouldEqual, want)
	}
	stats := c.Stats()
	test.That(t, stats.Processed, test.ShouldEqual, 3)
	test.That(t, stats.LastLatency, test.ShouldEqual, 30*time.Millisecond)
	test.That(t, stats.MeanLatency, test.ShouldEqual, 20*time.Millisecond)
	test.That(t, stats.P95Latency, test.ShouldBeBetweenOrEqual, 20*time.Millisecond, 30*time.Millisecond)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	src, err := fake.NewSolidSource(4, 4, red, frame.FormatRGBA32)
	test.That(t, err, test.ShouldBeNil)
	closed := atomic.NewInt64(0)
	worker := loadWorker(t, injectModel(t, &inject.Backend{
		CloseFunc: func(ctx context.Context) error {
			closed.Inc()
			return nil
		},
	}))

	c, err := pipeline.NewController(src, worker, pipeline.Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Start(ctx), test.ShouldBeNil)
	test.That(t, c.Close(ctx), test.ShouldBeNil)
	test.That(t, c.Close(ctx), test.ShouldBeNil)
	test.That(t, closed.Load(), test.ShouldEqual, 1)
	test.That(t, worker.State(), test.ShouldEqual, inference.StateDisposed)

	_, err = c.ProcessFrame(ctx)
	test.That(t, err, test.ShouldEqual, pipeline.ErrClosed)
	test.That(t, c.Start(ctx), test.ShouldEqual, pipeline.ErrClosed)
	c.OnFrameAvailable()
	test.That(t, c.Stats().Dropped, test.ShouldEqual, 1)
}

func TestFailureLogsAreRateLimited(t *testing.T) {
	ctx := context.Background()
	logger, logs := logging.NewObservedTestLogger(t)
	worker := loadWorker(t, rgbClassifier([]int{1, 2, 2, 3}))
	tex := readback.NewImageTexture(image.NewNRGBA(image.Rect(0, 0, 3, 3)))

	var failures atomic.Int64
	c, err := pipeline.NewTextureController(tex, worker, pipeline.Config{
		OnError: func(error) { failures.Inc() },
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer c.Close(ctx)
	test.That(t, c.Start(ctx), test.ShouldBeNil)

	for i := 1; i <= 8; i++ {
		c.OnFrameAvailable()
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, failures.Load(), test.ShouldEqual, int64(i))
			test.That(tb, c.Busy(), test.ShouldBeFalse)
		})
	}
	entries := logs.FilterMessage("frame cycle failed").All()
	test.That(t, entries, test.ShouldHaveLength, 8)
	warnings := 0
	for _, e := range entries {
		if e.Level == zapcore.WarnLevel {
			warnings++
		}
	}
	test.That(t, warnings, test.ShouldBeBetweenOrEqual, 5, 7)
	test.That(t, c.Stats().Failed, test.ShouldEqual, 8)
}

func TestTextureGeometryFromReadback(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	worker := loadWorker(t, rgbClassifier([]int{1, 2, 4, 3}))

	wide := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	for i := 0; i < len(wide.Pix); i += 4 {
		wide.Pix[i+2], wide.Pix[i+3] = 255, 255
	}
	// The texture was re-rendered at 2x4 after the 4x2 contents were copied.
	tex := &inject.Texture{
		WidthFunc:  func() int { return 2 },
		HeightFunc: func() int { return 4 },
		RequestReadbackFunc: func(done func(readback.Result)) {
			done(readback.Result{Data: wide.Pix, Width: 4, Height: 2})
		},
	}
	textures := readback.TextureSourceFunc(func() (readback.Texture, bool) { return tex, true })

	c, err := pipeline.NewTextureController(textures, worker, pipeline.Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer c.Close(ctx)

	res, err := c.ProcessFrame(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Pixels.Bounds(), test.ShouldResemble, image.Rect(0, 0, 4, 2))
	test.That(t, res.Classes, test.ShouldResemble, []int{2, 2, 2, 2, 2, 2, 2, 2})
}

func TestExecutionFailureRecovers(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	src, err := fake.NewSolidSource(8, 8, red, frame.FormatRGBA32)
	test.That(t, err, test.ShouldBeNil)

	var calls atomic.Int64
	worker := loadWorker(t, injectModel(t, &inject.Backend{
		ExecuteFunc: func(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error) {
			if calls.Inc() == 1 {
				return nil, errors.New("accelerator reset")
			}
			return zeroOutput(), nil
		},
	}))

	errs := make(chan error, 1)
	results := make(chan pipeline.Result, 1)
	c, err := pipeline.NewController(src, worker, pipeline.Config{
		OnResult: func(res pipeline.Result) { results <- res },
		OnError:  func(err error) { errs <- err },
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer c.Close(ctx)
	test.That(t, c.Start(ctx), test.ShouldBeNil)

	c.OnFrameAvailable()
	err = <-errs
	test.That(t, errors.Is(err, inference.ErrExecutionFailed), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "accelerator reset")
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, c.Busy(), test.ShouldBeFalse)
	})
	test.That(t, c.Stats().Failed, test.ShouldEqual, 1)
	test.That(t, src.Outstanding(), test.ShouldEqual, 0)

	c.OnFrameAvailable()
	res := <-results
	test.That(t, res.Classes, test.ShouldResemble, []int{0, 0, 0, 0})
	test.That(t, res.Cycle, test.ShouldEqual, 2)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, c.Busy(), test.ShouldBeFalse)
		test.That(tb, c.Stats().Processed, test.ShouldEqual, 1)
	})
	test.That(t, src.Acquired(), test.ShouldEqual, 2)
	test.That(t, src.Outstanding(), test.ShouldEqual, 0)
	test.That(t, src.DoubleReleased(), test.ShouldEqual, 0)
	test.That(t, calls.Load(), test.ShouldEqual, 2)
}

// Package convert turns native frames into RGBA pixel buffers, applying an orientation
// transform and scaling on the way.
package convert

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/framepipe/logging"
	"go.viam.com/framepipe/utils"
)

// Input is anything that can present its pixels as an image. A *frame.Frame is an Input.
type Input interface {
	Image() (image.Image, error)
}

// Releaser is implemented by inputs that must be given back once converted.
type Releaser interface {
	Release() error
}

// Converter runs conversions on background goroutines and recycles their staging memory.
type Converter struct {
	logger       logging.Logger
	pool         *stagingPool
	pollInterval time.Duration
}

// NewConverter returns a converter that polls pending requests every pollInterval, or every
// utils.DefaultPollInterval when it is zero.
func NewConverter(logger logging.Logger, pollInterval time.Duration) *Converter {
	if pollInterval <= 0 {
		pollInterval = utils.DefaultPollInterval
	}
	return &Converter{logger: logger, pool: newStagingPool(), pollInterval: pollInterval}
}

// Start issues an asynchronous conversion of img. The request stops early if ctx is cancelled.
// The caller must Dispose the request, and must keep img valid until the request's Done channel
// is closed.
func (c *Converter) Start(ctx context.Context, img image.Image, params Params) (*Request, error) {
	b := img.Bounds()
	width, height, err := params.Resolve(b.Dx(), b.Dy())
	if err != nil {
		return nil, &ConversionError{Status: StatusFailed, Err: err}
	}
	reqCtx, cancel := context.WithCancel(ctx)
	req := newRequest(cancel, c.pool)
	goutils.PanicCapturingGo(func() {
		c.run(reqCtx, req, img, params, width, height)
	})
	return req, nil
}

func (c *Converter) run(ctx context.Context, req *Request, img image.Image, params Params, width, height int) {
	defer close(req.done)
	defer func() {
		if r := recover(); r != nil {
			req.finish(StatusFailed, errors.Errorf("conversion panicked: %v", r), nil)
		}
	}()
	if ctx.Err() != nil {
		req.finish(StatusCancelled, ctx.Err(), nil)
		return
	}

	oriented := params.Transform.apply(img)
	if ctx.Err() != nil {
		req.finish(StatusCancelled, ctx.Err(), nil)
		return
	}

	staging := c.pool.get(width, height)
	params.Interpolation.scale(staging, oriented)
	if ctx.Err() != nil {
		c.pool.put(staging)
		req.finish(StatusCancelled, ctx.Err(), nil)
		return
	}
	req.finish(StatusReady, nil, staging)
}

// Convert converts src into a pixel buffer of the requested size. It reuses reuse when the sizes
// match and allocates a new buffer otherwise. If src is a Releaser it is released before Convert
// returns, whatever the outcome; a failed release is reported in the returned error. Conversions
// that end in any status but Ready return a *ConversionError. Cancelling ctx abandons the
// conversion with a StatusCancelled error that unwraps to ctx.Err().
func (c *Converter) Convert(ctx context.Context, src Input, params Params, reuse *PixelBuffer) (_ *PixelBuffer, err error) {
	ctx, span := trace.StartSpan(ctx, "convert::Converter::Convert")
	defer span.End()

	if releaser, ok := src.(Releaser); ok {
		defer func() {
			if releaseErr := releaser.Release(); releaseErr != nil {
				c.logger.Errorw("failed to release converted frame", "error", releaseErr)
				err = multierr.Combine(err, releaseErr)
			}
		}()
	}

	img, err := src.Image()
	if err != nil {
		return nil, err
	}
	req, err := c.Start(ctx, img, params)
	if err != nil {
		return nil, err
	}
	defer req.Dispose()

	if err := utils.PollUntil(ctx, c.pollInterval, func() bool {
		return req.Status() != StatusPending
	}); err != nil {
		req.Cancel()
		return nil, &ConversionError{Status: StatusCancelled, Err: err}
	}

	pixels, err := req.Pixels()
	if err != nil {
		if ctx.Err() != nil {
			return nil, &ConversionError{Status: StatusCancelled, Err: ctx.Err()}
		}
		return nil, err
	}
	size := pixels.Rect.Size()
	out := reuse
	if !out.Matches(size.X, size.Y) {
		if reuse != nil {
			c.logger.Debugw("pixel buffer size changed, reallocating",
				"old_width", reuse.Width(), "old_height", reuse.Height(), "width", size.X, "height", size.Y)
		}
		out = NewPixelBuffer(size.X, size.Y)
	}
	copy(out.Back().Pix, pixels.Pix)
	out.Commit()
	return out, nil
}

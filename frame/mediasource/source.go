// Package mediasource adapts a pion/mediadevices video reader into a frame source.
package mediasource

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"go.viam.com/framepipe/frame"
	"go.viam.com/framepipe/logging"
	"go.viam.com/framepipe/utils"
)

// ErrResolutionFixed is returned when asked for a resolution the driver was not opened with.
var ErrResolutionFixed = errors.New("resolution is fixed by the video driver")

const readRetryInterval = 50 * time.Millisecond

// Source reads frames in the background and keeps only the newest one. A frame that is
// superseded before anyone acquires it is released immediately.
type Source struct {
	reader  video.Reader
	props   prop.Video
	onFrame func()
	clk     clock.Clock
	logger  logging.Logger
	workers utils.StoppableWorkers

	mu       sync.Mutex
	latest   *frame.Frame
	closed   bool
	received atomic.Int64
	dropped  atomic.Int64
}

// New starts reading from reader. props describes the stream the reader was opened with; a zero
// size is filled in from the first frame. onFrame, if non-nil, is called after every new frame
// lands in the mailbox.
func New(reader video.Reader, props prop.Video, onFrame func(), logger logging.Logger) *Source {
	src := &Source{
		reader:  reader,
		props:   props,
		onFrame: onFrame,
		clk:     clock.New(),
		logger:  logger,
	}
	src.workers = utils.NewStoppableWorkers(src.readLoop)
	return src
}

func (src *Source) readLoop(ctx context.Context) {
	for ctx.Err() == nil {
		img, release, err := src.reader.Read()
		if err != nil {
			if release != nil {
				release()
			}
			if errors.Is(err, io.EOF) {
				src.logger.Debug("video reader reached end of stream")
				return
			}
			src.logger.Warnw("error reading frame", "error", err)
			if !goutils.SelectContextOrWait(ctx, readRetryInterval) {
				return
			}
			continue
		}

		f, err := frame.FromImage(img, src.clk.Now(), release)
		if err != nil {
			if release != nil {
				release()
			}
			src.logger.Warnw("dropping unusable frame", "error", err)
			continue
		}
		src.received.Inc()
		if !src.put(f) {
			return
		}
		if src.onFrame != nil {
			src.onFrame()
		}
	}
}

// put stores f as the latest frame. It returns false if the source is closed, in which case f
// has been released.
func (src *Source) put(f *frame.Frame) bool {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.closed {
		src.release(f)
		return false
	}
	if src.props.Width == 0 || src.props.Height == 0 {
		src.props.Width, src.props.Height = f.Width(), f.Height()
	}
	if src.latest != nil {
		src.dropped.Inc()
		src.release(src.latest)
	}
	src.latest = f
	return true
}

func (src *Source) release(f *frame.Frame) {
	if err := f.Release(); err != nil {
		src.logger.Errorw("releasing superseded frame", "error", err)
	}
}

// TryAcquireLatest hands out the mailbox frame, if any. The mailbox is empty afterwards, so two
// acquisitions never share a frame.
func (src *Source) TryAcquireLatest(ctx context.Context) (*frame.Frame, bool) {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.latest == nil || ctx.Err() != nil {
		return nil, false
	}
	f := src.latest
	src.latest = nil
	return f, true
}

// SetOutputResolution succeeds only when the requested size is the one the driver produces.
func (src *Source) SetOutputResolution(ctx context.Context, width, height int) error {
	gotW, gotH := src.OutputResolution()
	if gotW == width && gotH == height {
		return nil
	}
	return errors.Wrapf(ErrResolutionFixed, "requested %dx%d, driver produces %dx%d", width, height, gotW, gotH)
}

// OutputResolution is the driver's frame size, or zero before the first frame when unknown.
func (src *Source) OutputResolution() (int, int) {
	src.mu.Lock()
	defer src.mu.Unlock()
	return src.props.Width, src.props.Height
}

// Received is the number of frames read from the driver.
func (src *Source) Received() int64 {
	return src.received.Load()
}

// Superseded is the number of frames released because a newer one arrived first.
func (src *Source) Superseded() int64 {
	return src.dropped.Load()
}

// Close stops reading and releases any frame still in the mailbox.
func (src *Source) Close(ctx context.Context) error {
	src.mu.Lock()
	src.closed = true
	src.mu.Unlock()
	src.workers.Stop()

	src.mu.Lock()
	defer src.mu.Unlock()
	if src.latest != nil {
		src.release(src.latest)
		src.latest = nil
	}
	return nil
}

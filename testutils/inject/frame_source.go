package inject

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/framepipe/frame"
)

// FrameSource is an injected frame source that may also accept output resolution changes.
type FrameSource struct {
	frame.Source
	TryAcquireLatestFunc    func(ctx context.Context) (*frame.Frame, bool)
	SetOutputResolutionFunc func(ctx context.Context, width, height int) error
	OutputResolutionFunc    func() (int, int)
}

// TryAcquireLatest calls the injected TryAcquireLatest or the real version.
func (s *FrameSource) TryAcquireLatest(ctx context.Context) (*frame.Frame, bool) {
	if s.TryAcquireLatestFunc == nil {
		return s.Source.TryAcquireLatest(ctx)
	}
	return s.TryAcquireLatestFunc(ctx)
}

// SetOutputResolution calls the injected SetOutputResolution, or the real version when the
// embedded source is a frame.ResolutionConfigurer.
func (s *FrameSource) SetOutputResolution(ctx context.Context, width, height int) error {
	if s.SetOutputResolutionFunc == nil {
		if rc, ok := s.Source.(frame.ResolutionConfigurer); ok {
			return rc.SetOutputResolution(ctx, width, height)
		}
		return errors.New("source cannot change resolution")
	}
	return s.SetOutputResolutionFunc(ctx, width, height)
}

// OutputResolution calls the injected OutputResolution or the real version.
func (s *FrameSource) OutputResolution() (int, int) {
	if s.OutputResolutionFunc == nil {
		if rc, ok := s.Source.(frame.ResolutionConfigurer); ok {
			return rc.OutputResolution()
		}
		return 0, 0
	}
	return s.OutputResolutionFunc()
}

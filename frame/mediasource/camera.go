package mediasource

import (
	"github.com/pion/mediadevices"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	mdframe "github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"

	"go.viam.com/framepipe/logging"
)

// CameraConfig is the attribute struct for a webcam source.
type CameraConfig struct {
	Width     int     `json:"width_px,omitempty"`
	Height    int     `json:"height_px,omitempty"`
	FrameRate float32 `json:"frame_rate,omitempty"`
	Format    string  `json:"format,omitempty"`
}

// makeConstraints turns the config into mediadevices constraints. Unset fields get a wide range
// with a 640x480@30 ideal.
func makeConstraints(conf *CameraConfig) mediadevices.MediaStreamConstraints {
	return mediadevices.MediaStreamConstraints{
		Video: func(constraint *mediadevices.MediaTrackConstraints) {
			if conf.Width > 0 {
				constraint.Width = prop.IntExact(conf.Width)
			} else {
				constraint.Width = prop.IntRanged{Min: 0, Ideal: 640, Max: 4096}
			}

			if conf.Height > 0 {
				constraint.Height = prop.IntExact(conf.Height)
			} else {
				constraint.Height = prop.IntRanged{Min: 0, Ideal: 480, Max: 2160}
			}

			if conf.FrameRate > 0.0 {
				constraint.FrameRate = prop.FloatExact(conf.FrameRate)
			} else {
				constraint.FrameRate = prop.FloatRanged{Min: 0.0, Ideal: 30.0, Max: 140.0}
			}

			if conf.Format == "" {
				constraint.FrameFormat = prop.FrameFormatOneOf{
					mdframe.FormatI420,
					mdframe.FormatNV12,
					mdframe.FormatYUY2,
					mdframe.FormatRGBA,
					mdframe.FormatMJPEG,
				}
			} else {
				constraint.FrameFormat = prop.FrameFormatExact(conf.Format)
			}
		},
	}
}

// OpenCamera opens the first camera matching the config and returns a source reading from it,
// along with a func that closes the underlying track.
func OpenCamera(conf *CameraConfig, onFrame func(), logger logging.Logger) (*Source, func() error, error) {
	mediadevicescamera.Initialize()
	stream, err := mediadevices.GetUserMedia(makeConstraints(conf))
	if err != nil {
		return nil, nil, errors.Wrap(err, "found no cameras")
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, nil, errors.New("camera stream has no video track")
	}
	track, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		return nil, nil, errors.Errorf("unexpected track type %T", tracks[0])
	}
	logger.Infow("opened camera", "track", track.ID(), "width", conf.Width, "height", conf.Height)

	// Frames outlive the next Read, so the reader must hand out copies.
	reader := track.NewReader(true)
	src := New(reader, prop.Video{Width: conf.Width, Height: conf.Height}, onFrame, logger)
	return src, track.Close, nil
}

package inference

import (
	"context"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"go.viam.com/framepipe/logging"
	"go.viam.com/framepipe/utils"
)

// PixelClassifierBackend is the name of the built-in per-pixel linear classifier.
const PixelClassifierBackend = "pixel_classifier"

const defaultBlockPixels = 4096

func init() {
	RegisterBackend(PixelClassifierBackend, newPixelClassifier)
}

// PixelClassifierConfig is the parameter struct of the pixel_classifier backend.
type PixelClassifierConfig struct {
	// Weights holds one row of per-channel weights for each class.
	Weights [][]float32 `json:"weights"`
	Bias    []float32   `json:"bias,omitempty"`
	// BlockPixels is how many pixels are scored between cancellation checks.
	BlockPixels int `json:"block_pixels,omitempty"`
}

// pixelClassifier scores every pixel against each class as bias + weights·channels and outputs
// the index of the best class per pixel, shaped (1, H, W).
type pixelClassifier struct {
	logger      logging.Logger
	channels    int
	classes     int
	weights     *tensor.Dense // (channels, classes)
	bias        []float32
	blockPixels int
}

func newPixelClassifier(ctx context.Context, def *ModelDefinition, logger logging.Logger) (Backend, error) {
	shape, err := def.InputShape()
	if err != nil {
		return nil, err
	}
	conf, err := utils.TransformAttributeMap[*PixelClassifierConfig](def.Parameters)
	if err != nil {
		return nil, errors.Wrap(err, "invalid pixel_classifier parameters")
	}
	classes := len(conf.Weights)
	if classes == 0 {
		return nil, errors.New("pixel_classifier needs at least one class")
	}
	if conf.Bias == nil {
		conf.Bias = make([]float32, classes)
	}
	if len(conf.Bias) != classes {
		return nil, errors.Errorf("got %d biases for %d classes", len(conf.Bias), classes)
	}

	// Transpose the class-major weights into a (channels, classes) matrix.
	transposed := make([]float32, shape.Channels*classes)
	for k, row := range conf.Weights {
		if len(row) != shape.Channels {
			return nil, errors.Errorf("class %d has %d weights, input has %d channels", k, len(row), shape.Channels)
		}
		for c, w := range row {
			transposed[c*classes+k] = w
		}
	}
	blockPixels := conf.BlockPixels
	if blockPixels <= 0 {
		blockPixels = defaultBlockPixels
	}
	return &pixelClassifier{
		logger:      logger,
		channels:    shape.Channels,
		classes:     classes,
		weights:     tensor.New(tensor.WithShape(shape.Channels, classes), tensor.WithBacking(transposed)),
		bias:        conf.Bias,
		blockPixels: blockPixels,
	}, nil
}

func (pc *pixelClassifier) Execute(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error) {
	dims := input.Shape()
	if len(dims) != 4 || dims[3] != pc.channels {
		return nil, errors.Errorf("pixel_classifier expects NHWC input with %d channels, got %v", pc.channels, dims)
	}
	data, ok := input.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("pixel_classifier expects float32 input, got %T", input.Data())
	}
	pixels := dims[1] * dims[2]
	classes := make([]int, 0, pixels)

	for start := 0; start < pixels; start += pc.blockPixels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+pc.blockPixels, pixels)
		block := tensor.New(
			tensor.WithShape(end-start, pc.channels),
			tensor.WithBacking(data[start*pc.channels:end*pc.channels]),
		)
		scores, err := block.MatMul(pc.weights)
		if err != nil {
			return nil, errors.Wrap(err, "scoring pixels")
		}
		//nolint:forcetypeassert
		raw := scores.Data().([]float32)
		for i := range raw {
			raw[i] += pc.bias[i%pc.classes]
		}
		best, err := scores.Argmax(1)
		if err != nil {
			return nil, errors.Wrap(err, "picking best class")
		}
		switch picked := best.Data().(type) {
		case []int:
			classes = append(classes, picked...)
		case int:
			classes = append(classes, picked)
		default:
			return nil, errors.Errorf("unexpected argmax output %T", picked)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return tensor.New(tensor.WithShape(1, dims[1], dims[2]), tensor.WithBacking(classes)), nil
}

func (pc *pixelClassifier) Close(ctx context.Context) error {
	return nil
}

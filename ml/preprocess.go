package ml

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// ErrShapeMismatch is matched by every ShapeMismatchError.
var ErrShapeMismatch = errors.New("tensor shape mismatch")

// ShapeMismatchError reports pixels that do not fit the model input.
type ShapeMismatchError struct {
	Expected Shape
	Got      Shape
	Reason   string
}

func (e *ShapeMismatchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("shape mismatch: expected %s: %s", e.Expected, e.Reason)
	}
	return fmt.Sprintf("shape mismatch: expected %s, got %s", e.Expected, e.Got)
}

// Is makes every ShapeMismatchError match ErrShapeMismatch.
func (e *ShapeMismatchError) Is(target error) bool {
	return target == ErrShapeMismatch
}

// bytesPerPixel is the layout of the RGBA8 buffers fed to ToTensor.
const bytesPerPixel = 4

// Preprocessor turns RGBA8 pixels into normalized tensors of one fixed shape, recycling their
// backing memory.
type Preprocessor struct {
	expected Shape
	pool     sync.Pool
}

// NewPreprocessor returns a preprocessor for tensors of the given shape. The batch must be 1 and
// there may be at most four channels.
func NewPreprocessor(expected Shape) (*Preprocessor, error) {
	if expected.Batch != 1 {
		return nil, errors.Errorf("only batch size 1 is supported, got %d", expected.Batch)
	}
	if expected.Height <= 0 || expected.Width <= 0 {
		return nil, errors.Errorf("invalid input size %dx%d", expected.Width, expected.Height)
	}
	if expected.Channels < 1 || expected.Channels > bytesPerPixel {
		return nil, errors.Errorf("channels must be between 1 and %d, got %d", bytesPerPixel, expected.Channels)
	}
	p := &Preprocessor{expected: expected}
	p.pool.New = func() any {
		data := make([]float32, expected.Size())
		return &data
	}
	return p, nil
}

// Expected is the shape every tensor from this preprocessor has.
func (p *Preprocessor) Expected() Shape {
	return p.expected
}

// ToTensor maps the first channels components of each pixel to v/255, in row-major order, into
// a (1, height, width, channels) tensor. pixels holds four bytes per pixel with no row padding.
func (p *Preprocessor) ToTensor(pixels []byte, width, height, channels int) (*Tensor, error) {
	got := Shape{Batch: 1, Height: height, Width: width, Channels: channels}
	if got != p.expected {
		return nil, &ShapeMismatchError{Expected: p.expected, Got: got}
	}
	if need := width * height * bytesPerPixel; len(pixels) < need {
		return nil, &ShapeMismatchError{
			Expected: p.expected,
			Got:      got,
			Reason:   fmt.Sprintf("%d pixel bytes, need %d", len(pixels), need),
		}
	}

	//nolint:forcetypeassert
	data := *p.pool.Get().(*[]float32)
	out := 0
	for px := 0; px < width*height; px++ {
		base := px * bytesPerPixel
		for c := 0; c < channels; c++ {
			data[out] = float32(pixels[base+c]) / 255
			out++
		}
	}
	return newTensor(p.expected, data, &p.pool), nil
}

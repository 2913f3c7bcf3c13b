// Package ml holds the numeric tensors fed to inference and the preprocessing that builds them
// from RGBA pixels.
package ml

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"gorgonia.org/tensor"
)

// ErrTensorDisposed is returned when a disposed tensor is accessed.
var ErrTensorDisposed = errors.New("tensor already disposed")

// Shape is an NHWC tensor shape.
type Shape struct {
	Batch    int
	Height   int
	Width    int
	Channels int
}

// Size is the number of elements.
func (s Shape) Size() int {
	return s.Batch * s.Height * s.Width * s.Channels
}

// Dims returns the shape as dimensions in NHWC order.
func (s Shape) Dims() []int {
	return []int{s.Batch, s.Height, s.Width, s.Channels}
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", s.Batch, s.Height, s.Width, s.Channels)
}

// ShapeFromDims reads an NHWC shape from exactly four dimensions.
func ShapeFromDims(dims []int) (Shape, error) {
	if len(dims) != 4 {
		return Shape{}, errors.Errorf("expected 4 dimensions (NHWC), got %d", len(dims))
	}
	return Shape{Batch: dims[0], Height: dims[1], Width: dims[2], Channels: dims[3]}, nil
}

// Tensor is a dense float32 tensor. Tensors from a Preprocessor borrow pooled memory that
// Dispose gives back; after Dispose the tensor refuses access.
type Tensor struct {
	shape    Shape
	dense    *tensor.Dense
	pool     *sync.Pool
	disposed atomic.Bool
}

// NewTensor wraps data, which must hold exactly shape.Size() elements.
func NewTensor(shape Shape, data []float32) (*Tensor, error) {
	if len(data) != shape.Size() {
		return nil, &ShapeMismatchError{Expected: shape, Reason: fmt.Sprintf("%d elements for %d slots", len(data), shape.Size())}
	}
	return newTensor(shape, data, nil), nil
}

func newTensor(shape Shape, data []float32, pool *sync.Pool) *Tensor {
	return &Tensor{
		shape: shape,
		dense: tensor.New(tensor.WithShape(shape.Dims()...), tensor.WithBacking(data)),
		pool:  pool,
	}
}

// Shape of the tensor.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// Data returns the flat backing slice in row-major NHWC order.
func (t *Tensor) Data() ([]float32, error) {
	if t.disposed.Load() {
		return nil, ErrTensorDisposed
	}
	//nolint:forcetypeassert
	return t.dense.Data().([]float32), nil
}

// Dense returns the gorgonia view of the tensor.
func (t *Tensor) Dense() (*tensor.Dense, error) {
	if t.disposed.Load() {
		return nil, ErrTensorDisposed
	}
	return t.dense, nil
}

// Disposed reports whether Dispose has been called.
func (t *Tensor) Disposed() bool {
	return t.disposed.Load()
}

// Dispose returns pooled memory. Calling it again does nothing.
func (t *Tensor) Dispose() {
	if !t.disposed.CompareAndSwap(false, true) {
		return
	}
	if t.pool != nil {
		//nolint:forcetypeassert
		data := t.dense.Data().([]float32)
		t.pool.Put(&data)
	}
}

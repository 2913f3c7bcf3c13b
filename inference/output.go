package inference

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/exp/constraints"
	"gorgonia.org/tensor"
)

// ErrOutputDisposed is returned when a disposed output is read.
var ErrOutputDisposed = errors.New("output already disposed")

// Output is a view of the worker's last output tensor.
type Output struct {
	dense    *tensor.Dense
	worker   *Worker
	disposed atomic.Bool
}

// Shape of the output tensor.
func (o *Output) Shape() []int {
	return append([]int(nil), o.dense.Shape()...)
}

// Dense returns the raw output tensor.
func (o *Output) Dense() (*tensor.Dense, error) {
	if o.disposed.Load() {
		return nil, ErrOutputDisposed
	}
	return o.dense, nil
}

// AsInts decodes the output as integers, truncating floating point values.
func (o *Output) AsInts() ([]int, error) {
	if o.disposed.Load() {
		return nil, ErrOutputDisposed
	}
	return convertSlice[int](o.dense.Data())
}

// AsFloat32s decodes the output as float32s.
func (o *Output) AsFloat32s() ([]float32, error) {
	if o.disposed.Load() {
		return nil, ErrOutputDisposed
	}
	return convertSlice[float32](o.dense.Data())
}

// Dispose releases the output. Calling it again does nothing.
func (o *Output) Dispose() {
	if o.disposed.CompareAndSwap(false, true) && o.worker != nil {
		o.worker.outputDisposed()
	}
}

// number interface for converting between numbers.
type number interface {
	constraints.Integer | constraints.Float
}

// convertNumberSlice converts any number slice into another number slice.
func convertNumberSlice[T1, T2 number](t1 []T1) []T2 {
	t2 := make([]T2, len(t1))
	for i := range t1 {
		t2[i] = T2(t1[i])
	}
	return t2
}

// convertSlice converts the backing data of a tensor into a fresh []T.
func convertSlice[T number](data interface{}) ([]T, error) {
	switch v := data.(type) {
	case []float64:
		return convertNumberSlice[float64, T](v), nil
	case []float32:
		return convertNumberSlice[float32, T](v), nil
	case []int:
		return convertNumberSlice[int, T](v), nil
	case []int8:
		return convertNumberSlice[int8, T](v), nil
	case []int16:
		return convertNumberSlice[int16, T](v), nil
	case []int32:
		return convertNumberSlice[int32, T](v), nil
	case []int64:
		return convertNumberSlice[int64, T](v), nil
	case []uint:
		return convertNumberSlice[uint, T](v), nil
	case []uint8:
		return convertNumberSlice[uint8, T](v), nil
	case []uint16:
		return convertNumberSlice[uint16, T](v), nil
	case []uint32:
		return convertNumberSlice[uint32, T](v), nil
	case []uint64:
		return convertNumberSlice[uint64, T](v), nil
	case int:
		return []T{T(v)}, nil
	case float32:
		return []T{T(v)}, nil
	case float64:
		return []T{T(v)}, nil
	default:
		return nil, errors.Errorf("dont know how to convert output of %T into numbers", data)
	}
}

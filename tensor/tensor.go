// Package tensor provides the CPU tensor type shared by the fusion
// execution layer. A Tensor is a dense, row-major float32 buffer with a
// shape and a logical element type; all numeric kernels operating on it
// live in the compute package.
package tensor

import (
	"fmt"
	"math/rand"

	"github.com/x448/float16"
)

// DType identifies the logical element type of a tensor. Data is always
// held as float32 in memory; Float16 tensors carry values quantized
// through a half-precision round-trip and account two bytes per element.
type DType int

const (
	Float32 DType = iota
	Float16
)

// Size returns the element size in bytes.
func (d DType) Size() int {
	if d == Float16 {
		return 2
	}
	return 4
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Tensor represents a multi-dimensional array of float32 values.
// Ownership is exclusive: a tensor is held either by one kernel
// invocation or by the memory manager, never both.
type Tensor struct {
	Shape []int
	DType DType
	Data  []float32
}

// New creates a tensor from existing data. The data length must match
// the shape's element count. Float16 tensors quantize the data in place.
func New(shape []int, dtype DType, data []float32) (*Tensor, error) {
	size := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
		size *= dim
	}
	if len(data) != size {
		return nil, fmt.Errorf("data length (%d) does not match shape dimensions (%d)", len(data), size)
	}
	t := &Tensor{
		Shape: append([]int{}, shape...),
		DType: dtype,
		Data:  data,
	}
	if dtype == Float16 {
		quantize(t.Data)
	}
	return t, nil
}

// Zeros creates a zero-initialized tensor of the given shape and dtype.
func Zeros(shape []int, dtype DType) (*Tensor, error) {
	size := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
		size *= dim
	}
	return &Tensor{
		Shape: append([]int{}, shape...),
		DType: dtype,
		Data:  make([]float32, size),
	}, nil
}

// Randn creates a tensor filled with standard-normal samples from rng.
// A nil rng falls back to the global source.
func Randn(shape []int, dtype DType, rng *rand.Rand) (*Tensor, error) {
	t, err := Zeros(shape, dtype)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		if rng != nil {
			t.Data[i] = float32(rng.NormFloat64())
		} else {
			t.Data[i] = float32(rand.NormFloat64())
		}
	}
	if dtype == Float16 {
		quantize(t.Data)
	}
	return t, nil
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape: append([]int{}, t.Shape...),
		DType: t.DType,
		Data:  data,
	}
}

// ElemCount returns the number of elements.
func (t *Tensor) ElemCount() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// SizeBytes returns the logical byte footprint given the element type.
func (t *Tensor) SizeBytes() int {
	return t.ElemCount() * t.DType.Size()
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// ShapeEquals reports whether the tensor has exactly the given shape.
func (t *Tensor) ShapeEquals(shape []int) bool {
	if len(t.Shape) != len(shape) {
		return false
	}
	for i, dim := range shape {
		if t.Shape[i] != dim {
			return false
		}
	}
	return true
}

// Zero resets all elements to zero, preserving the allocation.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// quantize rounds every value through an fp16 representation.
func quantize(data []float32) {
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
}

// QuantizeFloat16 returns the data packed as fp16 values. Useful for
// estimating or exporting the half-precision footprint of a buffer.
func (t *Tensor) QuantizeFloat16() []float16.Float16 {
	out := make([]float16.Float16, len(t.Data))
	for i, v := range t.Data {
		out[i] = float16.Fromfloat32(v)
	}
	return out
}

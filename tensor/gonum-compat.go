package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// FromDense converts a gonum matrix into a rank-2 float32 tensor.
func FromDense(m mat.Matrix) *Tensor {
	rows, cols := m.Dims()
	data := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data[i*cols+j] = float32(m.At(i, j))
		}
	}
	t, err := New([]int{rows, cols}, Float32, data)
	if err != nil {
		panic(err) // shape is derived from m and cannot mismatch
	}
	return t
}

// ToDense converts a rank-2 tensor back to a gonum Dense matrix.
func (t *Tensor) ToDense() (*mat.Dense, error) {
	if t.Rank() != 2 {
		return nil, fmt.Errorf("ToDense requires a rank-2 tensor, got shape %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	data := make([]float64, len(t.Data))
	for i, v := range t.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(rows, cols, data), nil
}

// Package compute is the array-runtime boundary of the fusion layer.
// It supplies the batched matrix multiply, elementwise transcendental,
// broadcast, and reduction primitives that the fused kernels orchestrate.
// Matrix products are delegated to gonum's float32 BLAS implementation;
// elementwise math uses math32 to stay in single precision throughout.
package compute

import (
	"fmt"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-nnfusion/tensor"
)

// MatMulInto computes dst = a · b (or a · bᵀ when transB is set) for
// rank-2 tensors. dst must be preallocated with the result shape.
func MatMulInto(dst, a, b *tensor.Tensor, transB bool) error {
	if a.Rank() != 2 || b.Rank() != 2 || dst.Rank() != 2 {
		return fmt.Errorf("MatMulInto requires rank-2 tensors, got %v, %v, %v", a.Shape, b.Shape, dst.Shape)
	}
	return gemm(dst.Data, a.Data, b.Data, a.Shape[0], a.Shape[1], b.Shape[0], b.Shape[1], dst.Shape[0], dst.Shape[1], transB)
}

// BatchMatMulInto computes dst[i] = a[i] · b[i] (or a[i] · b[i]ᵀ) for
// every batch index i of rank-3 tensors laid out [batch, rows, cols].
func BatchMatMulInto(dst, a, b *tensor.Tensor, transB bool) error {
	if a.Rank() != 3 || b.Rank() != 3 || dst.Rank() != 3 {
		return fmt.Errorf("BatchMatMulInto requires rank-3 tensors, got %v, %v, %v", a.Shape, b.Shape, dst.Shape)
	}
	if a.Shape[0] != b.Shape[0] || a.Shape[0] != dst.Shape[0] {
		return fmt.Errorf("batch dimensions do not match: %d, %d, %d", a.Shape[0], b.Shape[0], dst.Shape[0])
	}
	aStride := a.Shape[1] * a.Shape[2]
	bStride := b.Shape[1] * b.Shape[2]
	dStride := dst.Shape[1] * dst.Shape[2]
	for i := 0; i < a.Shape[0]; i++ {
		err := gemm(
			dst.Data[i*dStride:(i+1)*dStride],
			a.Data[i*aStride:(i+1)*aStride],
			b.Data[i*bStride:(i+1)*bStride],
			a.Shape[1], a.Shape[2], b.Shape[1], b.Shape[2], dst.Shape[1], dst.Shape[2],
			transB,
		)
		if err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
	}
	return nil
}

// gemm runs a single float32 GEMM through gonum BLAS.
func gemm(dst, a, b []float32, aRows, aCols, bRows, bCols, dRows, dCols int, transB bool) error {
	inner, outCols := bCols, bRows
	tB := blas.Trans
	if !transB {
		inner, outCols = bRows, bCols
		tB = blas.NoTrans
	}
	if aCols != inner {
		return fmt.Errorf("inner dimensions do not match: %d vs %d", aCols, inner)
	}
	if dRows != aRows || dCols != outCols {
		return fmt.Errorf("destination shape [%d %d] does not match result [%d %d]", dRows, dCols, aRows, outCols)
	}
	blas32.Gemm(blas.NoTrans, tB, 1,
		blas32.General{Rows: aRows, Cols: aCols, Stride: aCols, Data: a},
		blas32.General{Rows: bRows, Cols: bCols, Stride: bCols, Data: b},
		0,
		blas32.General{Rows: dRows, Cols: dCols, Stride: dCols, Data: dst},
	)
	return nil
}

// ScaleInPlace multiplies every element by alpha.
func ScaleInPlace(t *tensor.Tensor, alpha float32) {
	for i := range t.Data {
		t.Data[i] *= alpha
	}
}

// AddBroadcastInPlace adds mask to t elementwise. The mask may have t's
// exact shape, or match t's trailing dimensions with a leading batch (or
// size-1) dimension broadcast across t's first dimension.
func AddBroadcastInPlace(t, mask *tensor.Tensor) error {
	if len(mask.Data) == len(t.Data) {
		for i, v := range mask.Data {
			t.Data[i] += v
		}
		return nil
	}
	if len(mask.Data) > 0 && len(t.Data)%len(mask.Data) == 0 {
		span := len(mask.Data)
		for off := 0; off < len(t.Data); off += span {
			for i, v := range mask.Data {
				t.Data[off+i] += v
			}
		}
		return nil
	}
	return fmt.Errorf("mask shape %v does not broadcast to %v", mask.Shape, t.Shape)
}

// ExpInPlace applies e^x elementwise.
func ExpInPlace(t *tensor.Tensor) {
	for i, v := range t.Data {
		t.Data[i] = math32.Exp(v)
	}
}

// TanhInPlace applies tanh elementwise.
func TanhInPlace(t *tensor.Tensor) {
	for i, v := range t.Data {
		t.Data[i] = math32.Tanh(v)
	}
}

// RowMax writes the maximum of each length-rowLen row of data into out.
func RowMax(out, data []float32, rowLen int) {
	for r := 0; r < len(data)/rowLen; r++ {
		m := data[r*rowLen]
		for i := 1; i < rowLen; i++ {
			if v := data[r*rowLen+i]; v > m {
				m = v
			}
		}
		out[r] = m
	}
}

// RowSum writes the sum of each length-rowLen row of data into out.
func RowSum(out, data []float32, rowLen int) {
	for r := 0; r < len(data)/rowLen; r++ {
		var s float32
		for i := 0; i < rowLen; i++ {
			s += data[r*rowLen+i]
		}
		out[r] = s
	}
}

// StableSoftmaxInto computes a numerically stable softmax over the last
// axis of src into dst: each row is shifted by its maximum before
// exponentiation, then normalized by the row sum. dst and src may alias.
func StableSoftmaxInto(dst, src *tensor.Tensor) error {
	if dst.ElemCount() != src.ElemCount() {
		return fmt.Errorf("softmax destination shape %v does not match source %v", dst.Shape, src.Shape)
	}
	rowLen := src.Shape[src.Rank()-1]
	for off := 0; off < len(src.Data); off += rowLen {
		row := src.Data[off : off+rowLen]
		out := dst.Data[off : off+rowLen]
		m := row[0]
		for _, v := range row[1:] {
			if v > m {
				m = v
			}
		}
		var sum float32
		for i, v := range row {
			e := math32.Exp(v - m)
			out[i] = e
			sum += e
		}
		inv := 1 / sum
		for i := range out {
			out[i] *= inv
		}
	}
	return nil
}

// Softmax returns a freshly allocated stable softmax over the last axis.
func Softmax(src *tensor.Tensor) (*tensor.Tensor, error) {
	dst, err := tensor.Zeros(src.Shape, src.DType)
	if err != nil {
		return nil, err
	}
	if err := StableSoftmaxInto(dst, src); err != nil {
		return nil, err
	}
	return dst, nil
}

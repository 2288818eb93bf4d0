package compute

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"

	"github.com/tsawler/go-nnfusion/tensor"
)

// Linear is a dense projection y = x·W + b. The weight is stored
// [in, out] so the forward pass is a plain row-major GEMM. Weights are
// owned by the caller; kernels only apply them.
type Linear struct {
	Weight *tensor.Tensor // [in, out]
	Bias   *tensor.Tensor // [out], optional
}

// NewLinear wraps existing weight and optional bias tensors.
func NewLinear(weight, bias *tensor.Tensor) (*Linear, error) {
	if weight.Rank() != 2 {
		return nil, fmt.Errorf("linear weight must be rank-2, got shape %v", weight.Shape)
	}
	if bias != nil && !bias.ShapeEquals([]int{weight.Shape[1]}) {
		return nil, fmt.Errorf("bias shape %v does not match output features %d", bias.Shape, weight.Shape[1])
	}
	return &Linear{Weight: weight, Bias: bias}, nil
}

// NewLinearRandn creates a linear layer with scaled-normal weights and a
// zero bias, matching the usual 1/sqrt(in) initialization.
func NewLinearRandn(in, out int, rng *rand.Rand) (*Linear, error) {
	w, err := tensor.Randn([]int{in, out}, tensor.Float32, rng)
	if err != nil {
		return nil, err
	}
	ScaleInPlace(w, 1/math32.Sqrt(float32(in)))
	b, err := tensor.Zeros([]int{out}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	return &Linear{Weight: w, Bias: b}, nil
}

// InFeatures returns the input feature dimension.
func (l *Linear) InFeatures() int { return l.Weight.Shape[0] }

// OutFeatures returns the output feature dimension.
func (l *Linear) OutFeatures() int { return l.Weight.Shape[1] }

// ForwardInto applies the projection to x and writes the result into
// dst. x may be rank-2 [rows, in] or rank-3 [batch, seq, in]; leading
// dimensions are flattened for the GEMM and dst must carry x's leading
// shape with the final dimension replaced by OutFeatures.
func (l *Linear) ForwardInto(dst, x *tensor.Tensor) error {
	in, out := l.InFeatures(), l.OutFeatures()
	if x.Shape[x.Rank()-1] != in {
		return fmt.Errorf("input features %d do not match weight input %d", x.Shape[x.Rank()-1], in)
	}
	rows := x.ElemCount() / in
	if dst.ElemCount() != rows*out {
		return fmt.Errorf("destination shape %v does not match projected shape", dst.Shape)
	}
	if err := gemm(dst.Data, x.Data, l.Weight.Data, rows, in, in, out, rows, out, false); err != nil {
		return err
	}
	if l.Bias != nil {
		for r := 0; r < rows; r++ {
			row := dst.Data[r*out : (r+1)*out]
			for i, b := range l.Bias.Data {
				row[i] += b
			}
		}
	}
	return nil
}

// Forward applies the projection into a freshly allocated tensor.
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := append([]int{}, x.Shape...)
	shape[len(shape)-1] = l.OutFeatures()
	dst, err := tensor.Zeros(shape, x.DType)
	if err != nil {
		return nil, err
	}
	if err := l.ForwardInto(dst, x); err != nil {
		return nil, err
	}
	return dst, nil
}

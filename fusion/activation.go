package fusion

import (
	"github.com/chewxy/math32"

	"github.com/tsawler/go-nnfusion/tensor"
)

const (
	sqrt2OverPi float32 = 0.7978845608028654 // sqrt(2/pi)
	geluCoeff   float32 = 0.044715
	invSqrt2    float32 = 0.7071067811865476 // 1/sqrt(2)
)

// FastGELU is the tanh-based polynomial GELU approximation:
//
//	0.5 * v * (1 + tanh(sqrt(2/pi) * (v + 0.044715*v^3)))
//
// Roughly 3x faster than the exact erf form at a precision cost that is
// negligible for training.
func FastGELU(v float32) float32 {
	return 0.5 * v * (1 + math32.Tanh(sqrt2OverPi*(v+geluCoeff*v*v*v)))
}

// FastGELUInPlace applies FastGELU to every element of t.
func FastGELUInPlace(t *tensor.Tensor) {
	for i, v := range t.Data {
		t.Data[i] = FastGELU(v)
	}
}

// ExactGELU is the erf-based GELU, x * Phi(x). Kept as the
// precision-sensitive alternate path; not used by default.
func ExactGELU(v float32) float32 {
	return 0.5 * v * (1 + math32.Erf(v*invSqrt2))
}

// ExactGELUInPlace applies ExactGELU to every element of t.
func ExactGELUInPlace(t *tensor.Tensor) {
	for i, v := range t.Data {
		t.Data[i] = ExactGELU(v)
	}
}

// checkFinite scans a buffer for NaN/Inf and reports a
// NumericInstabilityError naming the failed checkpoint.
func checkFinite(t *tensor.Tensor, kernel, stage string) error {
	for _, v := range t.Data {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return &NumericInstabilityError{Kernel: kernel, Stage: stage, Shape: append([]int{}, t.Shape...)}
		}
	}
	return nil
}

package fusion

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/tsawler/go-nnfusion/compute"
	"github.com/tsawler/go-nnfusion/tensor"
)

// MaskedOut is the additive bias applied to masked attention positions.
// A large but finite negative value keeps masked rows out of the
// softmax without letting -Inf poison subsequent arithmetic.
const MaskedOut float32 = -1e9

// FusedAttention computes scaled dot-product attention,
// softmax(Q·Kᵗ/sqrt(d))·V, reusing pooled scratch buffers across calls
// of the same shape. The fused path validates intermediate values at
// three checkpoints (raw scores, masked scores, softmax weights) when
// strict checks are enabled; the fallback path runs the identical math
// with fresh buffers and no checkpoints.
type FusedAttention struct {
	config Config
	mm     *MemoryManager
}

// NewFusedAttention creates the kernel. Passing a nil manager creates a
// private one; sharing a manager across kernels lets them draw from the
// same buckets.
func NewFusedAttention(config Config, mm *MemoryManager) *FusedAttention {
	if mm == nil {
		mm = NewMemoryManager(config, nil)
	}
	return &FusedAttention{config: config, mm: mm}
}

// Forward runs attention over rank-3 Q, K, V shaped [batch, seq,
// feature]. The optional mask must broadcast to [batch, seq, seq] and
// carry MaskedOut-scale biases at excluded positions. The dropout
// probability is accepted for interface parity and ignored at
// inference. The output has V's shape.
//
// Scratch buffers are cached under fixed keys, so the call shape must
// stay stable between calls; call ClearMemoryCache before switching to
// an unrelated workload shape.
func (a *FusedAttention) Forward(q, k, v, mask *tensor.Tensor, dropout float32) (*tensor.Tensor, error) {
	_ = dropout
	if q.Rank() != 3 || k.Rank() != 3 || v.Rank() != 3 {
		return nil, fmt.Errorf("attention requires rank-3 inputs, got %v, %v, %v", q.Shape, k.Shape, v.Shape)
	}
	if !k.ShapeEquals(q.Shape) {
		return nil, fmt.Errorf("query shape %v does not match key shape %v", q.Shape, k.Shape)
	}
	if v.Shape[0] != q.Shape[0] || v.Shape[1] != q.Shape[1] {
		return nil, fmt.Errorf("value shape %v does not match query shape %v", v.Shape, q.Shape)
	}

	if !a.config.ShouldFuse(OpAttention, q.SizeBytes()) {
		return a.standardForward(q, k, v, mask)
	}
	return a.fusedForward(q, k, v, mask)
}

func (a *FusedAttention) fusedForward(q, k, v, mask *tensor.Tensor) (*tensor.Tensor, error) {
	batch, seq, dim := q.Shape[0], q.Shape[1], q.Shape[2]
	scale := 1 / math32.Sqrt(float32(dim))
	scoresShape := []int{batch, seq, seq}

	scores, scoresHandle, err := a.mm.GetOrCreate("attention_scores", scoresShape, q.DType)
	if err != nil {
		return nil, err
	}
	defer a.mm.Return(scoresHandle)

	// Q·Kᵗ, then scaling fused into the same buffer.
	if err := compute.BatchMatMulInto(scores, q, k, true); err != nil {
		return nil, err
	}
	if a.config.StrictNumericChecks {
		if err := checkFinite(scores, "attention", "scores"); err != nil {
			return nil, err
		}
	}
	compute.ScaleInPlace(scores, scale)

	if mask != nil {
		if err := compute.AddBroadcastInPlace(scores, mask); err != nil {
			return nil, err
		}
		if a.config.StrictNumericChecks {
			if err := checkFinite(scores, "attention", "mask"); err != nil {
				return nil, err
			}
		}
	}

	weights, weightsHandle, err := a.mm.GetOrCreate("attention_weights", scoresShape, q.DType)
	if err != nil {
		return nil, err
	}
	defer a.mm.Return(weightsHandle)

	if err := compute.StableSoftmaxInto(weights, scores); err != nil {
		return nil, err
	}
	if a.config.StrictNumericChecks {
		if err := checkFinite(weights, "attention", "softmax"); err != nil {
			return nil, err
		}
	}

	out, err := tensor.Zeros(v.Shape, v.DType)
	if err != nil {
		return nil, &AllocationError{Shape: v.Shape, DType: v.DType, Err: err}
	}
	if err := compute.BatchMatMulInto(out, weights, v, false); err != nil {
		return nil, err
	}
	return out, nil
}

// standardForward is the unfused reference path: same math, fresh
// buffers each call, relying on the runtime's stable softmax.
func (a *FusedAttention) standardForward(q, k, v, mask *tensor.Tensor) (*tensor.Tensor, error) {
	batch, seq, dim := q.Shape[0], q.Shape[1], q.Shape[2]
	scale := 1 / math32.Sqrt(float32(dim))

	scores, err := tensor.Zeros([]int{batch, seq, seq}, q.DType)
	if err != nil {
		return nil, &AllocationError{Shape: []int{batch, seq, seq}, DType: q.DType, Err: err}
	}
	if err := compute.BatchMatMulInto(scores, q, k, true); err != nil {
		return nil, err
	}
	compute.ScaleInPlace(scores, scale)
	if mask != nil {
		if err := compute.AddBroadcastInPlace(scores, mask); err != nil {
			return nil, err
		}
	}
	weights, err := compute.Softmax(scores)
	if err != nil {
		return nil, err
	}
	out, err := tensor.Zeros(v.Shape, v.DType)
	if err != nil {
		return nil, &AllocationError{Shape: v.Shape, DType: v.DType, Err: err}
	}
	if err := compute.BatchMatMulInto(out, weights, v, false); err != nil {
		return nil, err
	}
	return out, nil
}

// MemoryStats reports the backing manager's pool statistics.
func (a *FusedAttention) MemoryStats() MemoryStats {
	return a.mm.Stats()
}

// ClearMemoryCache drops all pooled buffers, typically between
// unrelated workloads.
func (a *FusedAttention) ClearMemoryCache() {
	a.mm.ClearCache()
}

// CausalMask builds a [seq, seq] additive mask preventing position i
// from attending to positions greater than i.
func CausalMask(seq int) *tensor.Tensor {
	data := make([]float32, seq*seq)
	for i := 0; i < seq; i++ {
		for j := i + 1; j < seq; j++ {
			data[i*seq+j] = MaskedOut
		}
	}
	t, err := tensor.New([]int{seq, seq}, tensor.Float32, data)
	if err != nil {
		panic(err) // shape is constructed locally and cannot mismatch
	}
	return t
}

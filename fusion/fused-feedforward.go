package fusion

import (
	"fmt"

	"github.com/tsawler/go-nnfusion/compute"
	"github.com/tsawler/go-nnfusion/tensor"
)

// ExpansionRatio is the conventional hidden-dimension multiplier for
// transformer feed-forward blocks.
const ExpansionRatio = 4

// FusedFeedForward computes Linear2(GELU(Linear1(x))) with the hidden
// activation held in a pooled buffer keyed "ff_hidden". The projection
// weights are supplied by the caller and not owned by the kernel.
type FusedFeedForward struct {
	linear1 *compute.Linear
	linear2 *compute.Linear
	config  Config
	mm      *MemoryManager

	// UseExactGELU switches the activation to the erf-based exact GELU
	// for precision-sensitive runs. Off by default.
	UseExactGELU bool
}

// NewFusedFeedForward creates the kernel from an expand and a contract
// projection. A nil manager creates a private one.
func NewFusedFeedForward(linear1, linear2 *compute.Linear, config Config, mm *MemoryManager) (*FusedFeedForward, error) {
	if linear1.OutFeatures() != linear2.InFeatures() {
		return nil, fmt.Errorf("linear1 output features %d do not match linear2 input features %d",
			linear1.OutFeatures(), linear2.InFeatures())
	}
	if mm == nil {
		mm = NewMemoryManager(config, nil)
	}
	return &FusedFeedForward{linear1: linear1, linear2: linear2, config: config, mm: mm}, nil
}

// Forward applies the feed-forward block to x, shaped [batch, seq,
// feature]. The output carries x's leading shape with linear2's output
// features. The hidden buffer is cached under a fixed key, so the call
// shape must stay stable between calls; call ClearMemoryCache before
// switching to an unrelated workload shape.
func (f *FusedFeedForward) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() < 2 {
		return nil, fmt.Errorf("feed-forward requires rank >= 2 input, got shape %v", x.Shape)
	}
	if x.Shape[x.Rank()-1] != f.linear1.InFeatures() {
		return nil, fmt.Errorf("input features %d do not match linear1 input %d",
			x.Shape[x.Rank()-1], f.linear1.InFeatures())
	}
	if !f.config.ShouldFuse(OpFeedForward, x.SizeBytes()) {
		return f.standardForward(x)
	}
	return f.fusedForward(x)
}

func (f *FusedFeedForward) fusedForward(x *tensor.Tensor) (*tensor.Tensor, error) {
	hiddenShape := append([]int{}, x.Shape...)
	hiddenShape[len(hiddenShape)-1] = f.linear1.OutFeatures()

	hidden, handle, err := f.mm.GetOrCreate("ff_hidden", hiddenShape, x.DType)
	if err != nil {
		return nil, err
	}
	defer f.mm.Return(handle)

	if err := f.linear1.ForwardInto(hidden, x); err != nil {
		return nil, err
	}
	f.activate(hidden)

	outShape := append([]int{}, x.Shape...)
	outShape[len(outShape)-1] = f.linear2.OutFeatures()
	out, err := tensor.Zeros(outShape, x.DType)
	if err != nil {
		return nil, &AllocationError{Shape: outShape, DType: x.DType, Err: err}
	}
	if err := f.linear2.ForwardInto(out, hidden); err != nil {
		return nil, err
	}
	return out, nil
}

// standardForward is the unfused path: identical math, fresh buffers.
func (f *FusedFeedForward) standardForward(x *tensor.Tensor) (*tensor.Tensor, error) {
	hidden, err := f.linear1.Forward(x)
	if err != nil {
		return nil, err
	}
	f.activate(hidden)
	return f.linear2.Forward(hidden)
}

func (f *FusedFeedForward) activate(t *tensor.Tensor) {
	if f.UseExactGELU {
		ExactGELUInPlace(t)
		return
	}
	FastGELUInPlace(t)
}

// MemoryStats reports the backing manager's pool statistics.
func (f *FusedFeedForward) MemoryStats() MemoryStats {
	return f.mm.Stats()
}

// ClearMemoryCache drops all pooled buffers.
func (f *FusedFeedForward) ClearMemoryCache() {
	f.mm.ClearCache()
}

package fusion

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/tsawler/go-nnfusion/tensor"
)

func randTensor(t *testing.T, shape []int, seed int64) *tensor.Tensor {
	t.Helper()
	out, err := tensor.Randn(shape, tensor.Float32, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("Randn failed: %v", err)
	}
	return out
}

// fusedTestConfig forces the fused path regardless of input size.
func fusedTestConfig() Config {
	config := DefaultConfig()
	config.FusionThreshold = 0
	return config
}

func TestAttentionOutputShape(t *testing.T) {
	kernel := NewFusedAttention(fusedTestConfig(), nil)
	q := randTensor(t, []int{2, 10, 64}, 1)
	k := randTensor(t, []int{2, 10, 64}, 2)
	v := randTensor(t, []int{2, 10, 64}, 3)

	out, err := kernel.Forward(q, k, v, nil, 0)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !out.ShapeEquals(v.Shape) {
		t.Errorf("output shape %v does not match value shape %v", out.Shape, v.Shape)
	}
}

func TestAttentionShapeValidation(t *testing.T) {
	kernel := NewFusedAttention(fusedTestConfig(), nil)
	q := randTensor(t, []int{2, 10, 64}, 1)
	k := randTensor(t, []int{2, 12, 64}, 2)
	v := randTensor(t, []int{2, 10, 64}, 3)

	if _, err := kernel.Forward(q, k, v, nil, 0); err == nil {
		t.Error("expected error for mismatched key shape")
	}

	rank2, _ := tensor.Zeros([]int{10, 64}, tensor.Float32)
	if _, err := kernel.Forward(rank2, rank2, rank2, nil, 0); err == nil {
		t.Error("expected error for rank-2 inputs")
	}
}

func TestFusedMatchesUnfused(t *testing.T) {
	q := randTensor(t, []int{2, 8, 32}, 10)
	k := randTensor(t, []int{2, 8, 32}, 11)
	v := randTensor(t, []int{2, 8, 32}, 12)
	mask := CausalMask(8)

	fused := NewFusedAttention(fusedTestConfig(), nil)
	unfusedConfig := fusedTestConfig()
	unfusedConfig.AttentionFusion = false
	unfused := NewFusedAttention(unfusedConfig, nil)

	// Run the fused kernel twice so the second pass uses pooled buffers.
	if _, err := fused.Forward(q, k, v, mask, 0); err != nil {
		t.Fatalf("fused forward failed: %v", err)
	}
	fusedOut, err := fused.Forward(q, k, v, mask, 0)
	if err != nil {
		t.Fatalf("fused forward failed: %v", err)
	}
	unfusedOut, err := unfused.Forward(q, k, v, mask, 0)
	if err != nil {
		t.Fatalf("unfused forward failed: %v", err)
	}

	if diff := cmp.Diff(unfusedOut.Data, fusedOut.Data, cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Errorf("fused and unfused outputs diverge:\n%s", diff)
	}
}

func TestCausality(t *testing.T) {
	const seq = 8
	const cutoff = 4 // positions >= cutoff are "the future" for row cutoff-1
	q := randTensor(t, []int{1, seq, 16}, 20)
	k := randTensor(t, []int{1, seq, 16}, 21)
	v := randTensor(t, []int{1, seq, 16}, 22)
	mask := CausalMask(seq)

	kernel := NewFusedAttention(fusedTestConfig(), nil)
	base, err := kernel.Forward(q, k, v, mask, 0)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// Perturb K and V at future positions only.
	k2 := k.Clone()
	v2 := v.Clone()
	for pos := cutoff; pos < seq; pos++ {
		for f := 0; f < 16; f++ {
			k2.Data[pos*16+f] += 3
			v2.Data[pos*16+f] -= 7
		}
	}
	perturbed, err := kernel.Forward(q, k2, v2, mask, 0)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	for pos := 0; pos < cutoff; pos++ {
		for f := 0; f < 16; f++ {
			i := pos*16 + f
			if math.Abs(float64(base.Data[i]-perturbed.Data[i])) > 1e-5 {
				t.Fatalf("output at causal position %d changed after perturbing the future", pos)
			}
		}
	}
}

func TestStrictChecksCatchNaN(t *testing.T) {
	kernel := NewFusedAttention(fusedTestConfig(), nil)
	q := randTensor(t, []int{1, 4, 8}, 30)
	k := randTensor(t, []int{1, 4, 8}, 31)
	v := randTensor(t, []int{1, 4, 8}, 32)
	q.Data[0] = float32(math.NaN())

	_, err := kernel.Forward(q, k, v, nil, 0)
	var instability *NumericInstabilityError
	if !errors.As(err, &instability) {
		t.Fatalf("expected NumericInstabilityError, got %v", err)
	}
	if instability.Stage != "scores" {
		t.Errorf("expected failure at the scores checkpoint, got %q", instability.Stage)
	}
}

func TestStrictChecksCatchInfiniteMask(t *testing.T) {
	kernel := NewFusedAttention(fusedTestConfig(), nil)
	q := randTensor(t, []int{1, 4, 8}, 33)
	k := randTensor(t, []int{1, 4, 8}, 34)
	v := randTensor(t, []int{1, 4, 8}, 35)

	mask, _ := tensor.Zeros([]int{4, 4}, tensor.Float32)
	mask.Data[1] = float32(math.Inf(-1))

	_, err := kernel.Forward(q, k, v, mask, 0)
	var instability *NumericInstabilityError
	if !errors.As(err, &instability) {
		t.Fatalf("expected NumericInstabilityError, got %v", err)
	}
	if instability.Stage != "mask" {
		t.Errorf("expected failure at the mask checkpoint, got %q", instability.Stage)
	}
}

func TestChecksDisabledPropagates(t *testing.T) {
	config := fusedTestConfig()
	config.StrictNumericChecks = false
	kernel := NewFusedAttention(config, nil)
	q := randTensor(t, []int{1, 4, 8}, 36)
	k := randTensor(t, []int{1, 4, 8}, 37)
	v := randTensor(t, []int{1, 4, 8}, 38)
	q.Data[0] = float32(math.NaN())

	// Without strict checks the fused path does not scan; the call
	// completes and corruption flows downstream.
	if _, err := kernel.Forward(q, k, v, nil, 0); err != nil {
		t.Fatalf("expected no error with checks disabled, got %v", err)
	}
}

func TestSmallInputsSkipPooling(t *testing.T) {
	config := DefaultConfig() // 1KB threshold
	kernel := NewFusedAttention(config, nil)
	q := randTensor(t, []int{1, 4, 8}, 40) // 128 bytes, below threshold
	k := randTensor(t, []int{1, 4, 8}, 41)
	v := randTensor(t, []int{1, 4, 8}, 42)

	if _, err := kernel.Forward(q, k, v, nil, 0); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	stats := kernel.MemoryStats()
	if stats.Hits+stats.Misses != 0 {
		t.Errorf("fallback path should not touch the pool, saw %d requests", stats.Hits+stats.Misses)
	}
}

func TestCausalMaskFinite(t *testing.T) {
	mask := CausalMask(4)
	for i, v := range mask.Data {
		if math.IsInf(float64(v), 0) || math.IsNaN(float64(v)) {
			t.Fatalf("mask element %d is not finite: %v", i, v)
		}
	}
	// Row 0 may only attend to position 0.
	if mask.Data[0] != 0 || mask.Data[1] != MaskedOut {
		t.Errorf("unexpected first row %v", mask.Data[:4])
	}
}

func TestAttentionWeightRowsSumToOne(t *testing.T) {
	// Full-row masking must still produce finite, normalized weights
	// because the mask constant is finite.
	q := randTensor(t, []int{1, 4, 8}, 50)
	k := randTensor(t, []int{1, 4, 8}, 51)
	v := randTensor(t, []int{1, 4, 8}, 52)
	mask, _ := tensor.New([]int{4, 4}, tensor.Float32, []float32{
		MaskedOut, MaskedOut, MaskedOut, MaskedOut,
		0, 0, MaskedOut, MaskedOut,
		0, 0, 0, MaskedOut,
		0, 0, 0, 0,
	})

	kernel := NewFusedAttention(fusedTestConfig(), nil)
	out, err := kernel.Forward(q, k, v, mask, 0)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for i, val := range out.Data {
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			t.Fatalf("output element %d is not finite: %v", i, val)
		}
	}
}

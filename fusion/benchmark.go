package fusion

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/tsawler/go-nnfusion/compute"
	"github.com/tsawler/go-nnfusion/tensor"
)

// BenchmarkResult captures a fused-versus-unfused timing comparison.
type BenchmarkResult struct {
	Name        string
	FusedTime   time.Duration
	UnfusedTime time.Duration
	Iterations  int
	// Speedup is unfused time over fused time.
	Speedup float64
	// MemorySavedPercent is the coarse heuristic max(0, (speedup-1)*20),
	// an approximation rather than a measured byte count.
	MemorySavedPercent float64
}

// NewBenchmarkResult derives the speedup and estimated savings from the
// two measured durations.
func NewBenchmarkResult(name string, fused, unfused time.Duration, iterations int) BenchmarkResult {
	speedup := 1.0
	if fused > 0 {
		speedup = float64(unfused) / float64(fused)
	}
	saved := (speedup - 1) * 20
	if saved < 0 {
		saved = 0
	}
	return BenchmarkResult{
		Name:               name,
		FusedTime:          fused,
		UnfusedTime:        unfused,
		Iterations:         iterations,
		Speedup:            speedup,
		MemorySavedPercent: saved,
	}
}

func (r BenchmarkResult) String() string {
	return fmt.Sprintf("%s: fused %v, unfused %v over %d iterations (%.2fx, ~%.1f%% memory saved)",
		r.Name, r.FusedTime, r.UnfusedTime, r.Iterations, r.Speedup, r.MemorySavedPercent)
}

// Benchmark measures the fused kernels against their unfused fallbacks
// on identical randomized inputs.
type Benchmark struct {
	Config Config
	// Warmup iterations run before timing each arm.
	Warmup int
	// Seed makes the randomized inputs reproducible.
	Seed   int64
	Logger *slog.Logger
}

// NewBenchmark creates a harness with three warmup iterations and a
// fixed seed.
func NewBenchmark(config Config) *Benchmark {
	return &Benchmark{
		Config: config,
		Warmup: 3,
		Seed:   1,
		Logger: slog.Default(),
	}
}

// Attention benchmarks the attention kernel. Both arms see the same
// Q, K, V; the unfused arm runs with attention fusion disabled.
func (b *Benchmark) Attention(batch, seq, dModel, iterations int) (BenchmarkResult, MemoryStats, error) {
	rng := rand.New(rand.NewSource(b.Seed))
	q, err := tensor.Randn([]int{batch, seq, dModel}, tensor.Float32, rng)
	if err != nil {
		return BenchmarkResult{}, MemoryStats{}, err
	}
	k, err := tensor.Randn([]int{batch, seq, dModel}, tensor.Float32, rng)
	if err != nil {
		return BenchmarkResult{}, MemoryStats{}, err
	}
	v, err := tensor.Randn([]int{batch, seq, dModel}, tensor.Float32, rng)
	if err != nil {
		return BenchmarkResult{}, MemoryStats{}, err
	}

	fusedConfig := b.Config
	fusedConfig.AttentionFusion = true
	fusedKernel := NewFusedAttention(fusedConfig, nil)

	unfusedConfig := b.Config
	unfusedConfig.AttentionFusion = false
	unfusedKernel := NewFusedAttention(unfusedConfig, nil)

	run := func(kernel *FusedAttention) (time.Duration, error) {
		kernel.ClearMemoryCache()
		for i := 0; i < b.Warmup; i++ {
			if _, err := kernel.Forward(q, k, v, nil, 0); err != nil {
				return 0, err
			}
		}
		start := time.Now()
		for i := 0; i < iterations; i++ {
			if _, err := kernel.Forward(q, k, v, nil, 0); err != nil {
				return 0, err
			}
		}
		return time.Since(start), nil
	}

	fusedTime, err := run(fusedKernel)
	if err != nil {
		return BenchmarkResult{}, MemoryStats{}, fmt.Errorf("fused attention benchmark: %w", err)
	}
	unfusedTime, err := run(unfusedKernel)
	if err != nil {
		return BenchmarkResult{}, MemoryStats{}, fmt.Errorf("unfused attention benchmark: %w", err)
	}

	result := NewBenchmarkResult("attention", fusedTime, unfusedTime, iterations)
	b.logResult(result)
	return result, fusedKernel.MemoryStats(), nil
}

// FeedForward benchmarks the feed-forward kernel with a shared pair of
// randomly initialized projections and a 4x hidden expansion.
func (b *Benchmark) FeedForward(batch, seq, dModel, iterations int) (BenchmarkResult, MemoryStats, error) {
	rng := rand.New(rand.NewSource(b.Seed))
	dff := dModel * ExpansionRatio

	linear1, err := compute.NewLinearRandn(dModel, dff, rng)
	if err != nil {
		return BenchmarkResult{}, MemoryStats{}, err
	}
	linear2, err := compute.NewLinearRandn(dff, dModel, rng)
	if err != nil {
		return BenchmarkResult{}, MemoryStats{}, err
	}
	x, err := tensor.Randn([]int{batch, seq, dModel}, tensor.Float32, rng)
	if err != nil {
		return BenchmarkResult{}, MemoryStats{}, err
	}

	fusedConfig := b.Config
	fusedConfig.FeedForwardFusion = true
	fusedKernel, err := NewFusedFeedForward(linear1, linear2, fusedConfig, nil)
	if err != nil {
		return BenchmarkResult{}, MemoryStats{}, err
	}

	unfusedConfig := b.Config
	unfusedConfig.FeedForwardFusion = false
	unfusedKernel, err := NewFusedFeedForward(linear1, linear2, unfusedConfig, nil)
	if err != nil {
		return BenchmarkResult{}, MemoryStats{}, err
	}

	run := func(kernel *FusedFeedForward) (time.Duration, error) {
		kernel.ClearMemoryCache()
		for i := 0; i < b.Warmup; i++ {
			if _, err := kernel.Forward(x); err != nil {
				return 0, err
			}
		}
		start := time.Now()
		for i := 0; i < iterations; i++ {
			if _, err := kernel.Forward(x); err != nil {
				return 0, err
			}
		}
		return time.Since(start), nil
	}

	fusedTime, err := run(fusedKernel)
	if err != nil {
		return BenchmarkResult{}, MemoryStats{}, fmt.Errorf("fused feed-forward benchmark: %w", err)
	}
	unfusedTime, err := run(unfusedKernel)
	if err != nil {
		return BenchmarkResult{}, MemoryStats{}, fmt.Errorf("unfused feed-forward benchmark: %w", err)
	}

	result := NewBenchmarkResult("feedforward", fusedTime, unfusedTime, iterations)
	b.logResult(result)
	return result, fusedKernel.MemoryStats(), nil
}

func (b *Benchmark) logResult(r BenchmarkResult) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("benchmark complete",
		"name", r.Name,
		"fused", r.FusedTime,
		"unfused", r.UnfusedTime,
		"iterations", r.Iterations,
		"speedup", r.Speedup,
	)
}

// Package fusion implements the kernel-fusion execution layer: a
// lock-protected tensor buffer pool with a named reuse cache and
// opportunistic garbage collection, fused attention and feed-forward
// kernels that lease scratch buffers from it, and a benchmark harness
// measuring the fused-versus-naive tradeoff.
package fusion

import "time"

// OpKind identifies a fusable operation for the fusion policy.
type OpKind int

const (
	OpAttention OpKind = iota
	OpFeedForward
)

func (k OpKind) String() string {
	switch k {
	case OpAttention:
		return "attention"
	case OpFeedForward:
		return "feedforward"
	default:
		return "unknown"
	}
}

// Config controls fusion gating, memory optimization, and the pool's
// eviction behavior. A Config is read-mostly and safe to copy; the same
// value may be shared across many kernel instances.
type Config struct {
	// AttentionFusion enables the pooled fused attention path.
	AttentionFusion bool
	// FeedForwardFusion enables the pooled fused feed-forward path.
	FeedForwardFusion bool
	// MemoryOptimization enables buffer pooling and caching. When off,
	// every request allocates fresh and counts as a miss.
	MemoryOptimization bool
	// FusionThreshold is the minimum input size in bytes at which the
	// fused path is taken; below it pooling overhead dominates.
	FusionThreshold int
	// StrictNumericChecks enables the NaN/Inf validation checkpoints in
	// the fused attention path. Disable only in release builds where the
	// scanning cost on the hot path matters.
	StrictNumericChecks bool

	// GCInterval is the minimum logical time between opportunistic
	// garbage-collection passes.
	GCInterval time.Duration
	// MaxEntryAge is the age past which idle pool and cache entries are
	// evicted by the garbage collector.
	MaxEntryAge time.Duration
	// BucketCap is the maximum number of idle tensors retained per
	// shape bucket; the most recently pushed entries are kept.
	BucketCap int
}

// DefaultConfig returns the standard configuration: all fusion enabled,
// a 1KB fusion threshold, strict checks on, and the empirically chosen
// eviction constants (30s GC interval, 60s max age, 5-entry buckets).
func DefaultConfig() Config {
	return Config{
		AttentionFusion:     true,
		FeedForwardFusion:   true,
		MemoryOptimization:  true,
		FusionThreshold:     1024,
		StrictNumericChecks: true,
		GCInterval:          30 * time.Second,
		MaxEntryAge:         60 * time.Second,
		BucketCap:           5,
	}
}

// ShouldFuse reports whether the fused path should run for an operation
// on an input of the given byte size. Pure and deterministic; evaluated
// once per kernel call.
func (c Config) ShouldFuse(op OpKind, sizeBytes int) bool {
	switch op {
	case OpAttention:
		if !c.AttentionFusion {
			return false
		}
	case OpFeedForward:
		if !c.FeedForwardFusion {
			return false
		}
	default:
		return false
	}
	return sizeBytes >= c.FusionThreshold
}

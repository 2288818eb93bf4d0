package fusion

import (
	"fmt"

	"github.com/tsawler/go-nnfusion/tensor"
)

// AllocationError reports a failed buffer allocation. It is propagated
// synchronously; the pool performs no retry.
type AllocationError struct {
	Shape []int
	DType tensor.DType
	Err   error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("tensor allocation failed for shape %v dtype %s: %v", e.Shape, e.DType, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// NumericInstabilityError reports NaN or Inf values detected at one of
// the fused attention validation checkpoints. The in-flight forward
// step is aborted; recovery is the caller's decision.
type NumericInstabilityError struct {
	Kernel string
	Stage  string
	Shape  []int
}

func (e *NumericInstabilityError) Error() string {
	return fmt.Sprintf("%s kernel: non-finite values detected at %s checkpoint (shape %v)", e.Kernel, e.Stage, e.Shape)
}

// ShapeMismatchError reports a named-cache key reused with an
// incompatible shape or dtype, indicating caller misuse.
type ShapeMismatchError struct {
	Key       string
	WantShape []int
	WantDType tensor.DType
	GotShape  []int
	GotDType  tensor.DType
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("cache key %q holds shape %v dtype %s, requested shape %v dtype %s",
		e.Key, e.GotShape, e.GotDType, e.WantShape, e.WantDType)
}

// StaleHandleError reports a handle returned twice or used after its
// slot was recycled. The generation check turns a silent use-after-
// return into a fast failure.
type StaleHandleError struct {
	Handle Handle
}

func (e *StaleHandleError) Error() string {
	return fmt.Sprintf("stale buffer handle (slot %d, generation %d)", e.Handle.slot, e.Handle.generation)
}

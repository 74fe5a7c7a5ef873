package normalise

import (
	"errors"
	"fmt"
)

// ErrEmptyMask is reported when no valid voxels remain, either after
// the initial mask refinement or after outlier rejection. The
// optimisation cannot proceed without a sample.
var ErrEmptyMask = errors.New("mask contains no valid voxels")

// NonPositiveFactorError is reported when the balance solve produces a
// factor that is not strictly positive. This indicates divergence or
// degenerate input; the engine never clamps the factor and aborts the
// run instead.
type NonPositiveFactorError struct {
	// Tissue is the 1-based index of the offending tissue compartment.
	Tissue int

	// Value is the computed balance factor.
	Value float64
}

func (e *NonPositiveFactorError) Error() string {
	return fmt.Sprintf("non-positive balance factor %.6g computed for tissue %d: must be strictly positive",
		e.Value, e.Tissue)
}

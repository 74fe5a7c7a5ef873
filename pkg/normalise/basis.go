// Package normalise implements multi-tissue log-domain intensity
// normalisation: a smoothly-varying multiplicative bias field is
// estimated over a brain mask and removed so that the summed tissue
// contributions match a fixed reference value at every voxel.
package normalise

import "fmt"

// Polynomial basis orders supported for the normalisation field.
const (
	MinPolyOrder = 0
	MaxPolyOrder = 3
)

// BasisSize returns the number of polynomial basis functions for the
// given order: 1, 4, 10 or 20 for orders 0 through 3.
func BasisSize(order int) int {
	switch order {
	case 0:
		return 1
	case 1:
		return 4
	case 2:
		return 10
	default:
		return 20
	}
}

// ValidatePolyOrder checks that order is one of the supported values.
func ValidatePolyOrder(order int) error {
	if order < MinPolyOrder || order > MaxPolyOrder {
		return fmt.Errorf("polynomial order must be between %d and %d, got %d", MinPolyOrder, MaxPolyOrder, order)
	}
	return nil
}

// EvalBasis fills dst with the monomial basis evaluated at the scanner
// position (x, y, z). The basis order is implied by len(dst), which
// must be a value returned by BasisSize. This sits on the hot path of
// every field fit and materialisation pass, so it allocates nothing;
// callers reuse dst across voxels.
func EvalBasis(x, y, z float64, dst []float64) {
	dst[0] = 1
	if len(dst) < 4 {
		return
	}
	dst[1] = x
	dst[2] = y
	dst[3] = z
	if len(dst) < 10 {
		return
	}
	dst[4] = x * x
	dst[5] = y * y
	dst[6] = z * z
	dst[7] = x * y
	dst[8] = x * z
	dst[9] = y * z
	if len(dst) < 20 {
		return
	}
	dst[10] = x * x * x
	dst[11] = y * y * y
	dst[12] = z * z * z
	dst[13] = x * x * y
	dst[14] = x * x * z
	dst[15] = y * y * x
	dst[16] = y * y * z
	dst[17] = z * z * x
	dst[18] = z * z * y
	dst[19] = x * y * z
}

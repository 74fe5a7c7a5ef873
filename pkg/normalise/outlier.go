package normalise

import (
	"math"

	"mtnormalise/internal/models"
	"mtnormalise/pkg/volume"
)

// Outlier-range multipliers applied to the interquartile range. The
// coarse value is used for the single pass before the main loop, the
// fine value inside the balance/rejection loop.
const (
	CoarseOutlierRange = 3.0
	FineOutlierRange   = 1.5
)

// RejectOutliers trims voxels with extreme log-summed, balance-weighted
// tissue intensity from the working mask. The mask is first reset to
// the initial mask, so rejection decisions from earlier passes are
// revisited each time; within a pass the mask only ever shrinks.
// Returns the number of voxels remaining in the mask.
func RejectOutliers(mask, initial *models.Mask, tissue *models.Volume, balance []float64, field []float64, outlierRange float64, workers int) (int, error) {
	n := tissue.SpatialCount()
	numTissues := tissue.NumVolumes()

	// Log of the balance-weighted, field-corrected tissue sum at every
	// voxel. Values outside the mask are computed too but never
	// sampled; log of a non-positive sum yields -Inf or NaN there,
	// which is harmless.
	summedLog := make([]float64, n)
	volume.ParallelForEach(n, workers, func(lo, hi int) {
		for v := lo; v < hi; v++ {
			s := 0.0
			for t := 0; t < numTissues; t++ {
				s += balance[t] * tissue.At(v, t) / field[v]
			}
			summedLog[v] = math.Log(s)
		}
	})

	mask.CopyFrom(initial)

	// Sequential collection keeps one sample per masked voxel in voxel
	// order, which makes the quartile selection deterministic.
	samples := make([]float64, 0, mask.Count())
	for v, inside := range mask.Data {
		if inside {
			samples = append(samples, summedLog[v])
		}
	}
	if len(samples) == 0 {
		return 0, ErrEmptyMask
	}

	lower, upper := quartiles(samples)
	lowThreshold := lower - outlierRange*(upper-lower)
	highThreshold := upper + outlierRange*(upper-lower)

	volume.ParallelForEach(n, workers, func(lo, hi int) {
		for v := lo; v < hi; v++ {
			if mask.Data[v] && (summedLog[v] < lowThreshold || summedLog[v] > highThreshold) {
				mask.Data[v] = false
			}
		}
	})

	count := volume.ParallelCount(n, workers, func(lo, hi int) int {
		c := 0
		for v := lo; v < hi; v++ {
			if mask.Data[v] {
				c++
			}
		}
		return c
	})
	return count, nil
}

// quartiles returns the lower and upper quartile of values using the
// reference indexing round(0.25·N) and round(0.75·N) into the sorted
// order, found by partial selection rather than a full sort. The slice
// is reordered in place. Substituting a different quantile estimator
// here silently changes the numerical results.
func quartiles(values []float64) (lower, upper float64) {
	n := len(values)
	lowerIdx := clampIndex(int(math.Round(float64(n)*0.25)), n)
	upperIdx := clampIndex(int(math.Round(float64(n)*0.75)), n)

	quickselect(values, lowerIdx)
	lower = values[lowerIdx]
	// Everything before lowerIdx is already <= the lower quartile, so
	// the upper quartile can be selected within the tail alone.
	quickselect(values[lowerIdx:], upperIdx-lowerIdx)
	upper = values[upperIdx]
	return lower, upper
}

func clampIndex(i, n int) int {
	if i >= n {
		return n - 1
	}
	if i < 0 {
		return 0
	}
	return i
}

// quickselect reorders values so that values[k] holds the element that
// would be at index k in sorted order, with everything before it no
// larger and everything after it no smaller.
func quickselect(values []float64, k int) {
	lo, hi := 0, len(values)-1
	for lo < hi {
		p := partition(values, lo, hi)
		switch {
		case k < p:
			hi = p - 1
		case k > p:
			lo = p + 1
		default:
			return
		}
	}
}

// partition applies a Hoare-style partition around a median-of-three
// pivot and returns the pivot's final index.
func partition(values []float64, lo, hi int) int {
	mid := lo + (hi-lo)/2
	if values[mid] < values[lo] {
		values[mid], values[lo] = values[lo], values[mid]
	}
	if values[hi] < values[lo] {
		values[hi], values[lo] = values[lo], values[hi]
	}
	if values[hi] < values[mid] {
		values[hi], values[mid] = values[mid], values[hi]
	}
	pivot := values[mid]
	values[mid], values[hi-1] = values[hi-1], values[mid]

	i := lo
	for j := lo; j < hi-1; j++ {
		if values[j] < pivot {
			values[i], values[j] = values[j], values[i]
			i++
		}
	}
	values[i], values[hi-1] = values[hi-1], values[i]
	return i
}

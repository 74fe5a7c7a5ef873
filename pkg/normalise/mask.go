package normalise

import (
	"mtnormalise/internal/models"
	"mtnormalise/pkg/volume"
)

// SumTissues computes the per-voxel sum over all tissue compartments of
// the combined 4D tissue volume. Each worker writes a disjoint range of
// the output, so the pass needs no synchronisation.
func SumTissues(tissue *models.Volume, workers int) []float64 {
	n := tissue.SpatialCount()
	numTissues := tissue.NumVolumes()
	summed := make([]float64, n)

	volume.ParallelForEach(n, workers, func(lo, hi int) {
		for t := 0; t < numTissues; t++ {
			frame := tissue.Frame(t)
			for v := lo; v < hi; v++ {
				summed[v] += frame[v]
			}
		}
	})
	return summed
}

// RefineMask derives the initial processing mask: a voxel survives when
// it is set in the input mask and its summed tissue intensity is finite
// and strictly positive. This guards against NaN/Inf and non-physical
// combined-tissue values entering the optimisation. Runs once at
// startup; the result is immutable for the rest of the run.
func RefineMask(input *models.Mask, summed []float64, workers int) *models.Mask {
	refined := models.NewMask(input.Dims[0], input.Dims[1], input.Dims[2])
	volume.ParallelForEach(input.Len(), workers, func(lo, hi int) {
		for v := lo; v < hi; v++ {
			refined.Data[v] = input.Data[v] && models.IsFinite(summed[v]) && summed[v] > 0
		}
	})
	return refined
}

package normalise

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"mtnormalise/internal/models"
)

// EstimateBalance solves for the per-tissue balance factors over the
// masked voxels: the row for voxel i holds tissue_j / field as entries
// and the target is 1 everywhere, so the factors bring the weighted,
// field-corrected tissue sum towards unity. With a single tissue
// compartment there is nothing to balance and the factor stays fixed
// at exactly 1 with no solve performed.
//
// The solution is normalised so that the logs of the factors sum to
// zero (geometric mean 1). Any non-positive factor aborts the run with
// a NonPositiveFactorError; it is never clamped.
func EstimateBalance(mask *models.Mask, tissue *models.Volume, field []float64, numVoxels int) ([]float64, error) {
	numTissues := tissue.NumVolumes()
	if numTissues == 1 {
		return []float64{1}, nil
	}
	if numVoxels == 0 {
		return nil, ErrEmptyMask
	}

	// Design-matrix assembly walks the mask in voxel order so every
	// masked voxel contributes exactly one row, deterministically.
	x := mat.NewDense(numVoxels, numTissues, nil)
	y := mat.NewVecDense(numVoxels, nil)
	row := 0
	for v, inside := range mask.Data {
		if !inside {
			continue
		}
		for t := 0; t < numTissues; t++ {
			x.Set(row, t, tissue.At(v, t)/field[v])
		}
		y.SetVec(row, 1)
		row++
	}

	b, err := solveNormalEquations(x, y)
	if err != nil {
		return nil, fmt.Errorf("balance factor solve: %w", err)
	}

	factors := make([]float64, numTissues)
	logSum := 0.0
	for t := 0; t < numTissues; t++ {
		factors[t] = b.AtVec(t)
		if factors[t] <= 0 {
			return nil, &NonPositiveFactorError{Tissue: t + 1, Value: factors[t]}
		}
		logSum += math.Log(factors[t])
	}

	// Rescale so that sum(log(factors)) == 0.
	scale := math.Exp(logSum / float64(numTissues))
	for t := range factors {
		factors[t] /= scale
	}
	return factors, nil
}

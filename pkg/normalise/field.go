package normalise

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"mtnormalise/internal/models"
	"mtnormalise/pkg/volume"
)

// Field is the normalisation field in both domains. Linear is always
// the voxel-wise exponential of Log; the two are materialised together
// and never mutated independently.
type Field struct {
	Log    []float64
	Linear []float64
}

// NewUnitField returns a field of 1.0 everywhere (0.0 in the log
// domain), the state before the first fit.
func NewUnitField(n int) *Field {
	f := &Field{Log: make([]float64, n), Linear: make([]float64, n)}
	for i := range f.Linear {
		f.Linear[i] = 1
	}
	return f
}

// EstimateField fits the polynomial normalisation field in the log
// domain over the masked voxels. The target for voxel i is
// log(sum_j balance_j * tissue_j) - log(referenceValue), and the basis
// rows are evaluated at the voxel's scanner-space position. The fitted
// field is then materialised at every voxel of the volume, masked or
// not, so voxels outside the final mask can still be normalised.
// Returns the field and the fitted polynomial weights.
func EstimateField(mask *models.Mask, tissue *models.Volume, balance []float64, order int, affine models.Affine, numVoxels int, referenceValue float64, workers int) (*Field, []float64, error) {
	if numVoxels == 0 {
		return nil, nil, ErrEmptyMask
	}
	if err := ValidatePolyOrder(order); err != nil {
		return nil, nil, err
	}

	numBasis := BasisSize(order)
	numTissues := tissue.NumVolumes()
	logRef := math.Log(referenceValue)

	basis := mat.NewDense(numVoxels, numBasis, nil)
	y := mat.NewVecDense(numVoxels, nil)

	rowBuf := make([]float64, numBasis)
	row := 0
	for v, inside := range mask.Data {
		if !inside {
			continue
		}
		i, j, k := tissue.VoxelCoords(v)
		px, py, pz := affine.Apply(i, j, k)
		EvalBasis(px, py, pz, rowBuf)
		basis.SetRow(row, rowBuf)

		sum := 0.0
		for t := 0; t < numTissues; t++ {
			sum += balance[t] * tissue.At(v, t)
		}
		y.SetVec(row, math.Log(sum)-logRef)
		row++
	}

	w, err := solveNormalEquations(basis, y)
	if err != nil {
		return nil, nil, fmt.Errorf("field solve: %w", err)
	}
	weights := make([]float64, numBasis)
	for i := range weights {
		weights[i] = w.AtVec(i)
	}

	field := MaterializeField(weights, tissue, affine, workers)
	return field, weights, nil
}

// MaterializeField evaluates the fitted polynomial at every voxel of
// the volume and returns the log/linear field pair.
func MaterializeField(weights []float64, vol *models.Volume, affine models.Affine, workers int) *Field {
	n := vol.SpatialCount()
	field := &Field{Log: make([]float64, n), Linear: make([]float64, n)}

	volume.ParallelForEach(n, workers, func(lo, hi int) {
		buf := make([]float64, len(weights))
		for v := lo; v < hi; v++ {
			i, j, k := vol.VoxelCoords(v)
			px, py, pz := affine.Apply(i, j, k)
			EvalBasis(px, py, pz, buf)
			dot := 0.0
			for b, w := range weights {
				dot += buf[b] * w
			}
			field.Log[v] = dot
			field.Linear[v] = math.Exp(dot)
		}
	})
	return field
}

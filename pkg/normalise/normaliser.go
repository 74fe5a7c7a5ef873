package normalise

import (
	"fmt"
	"math"

	"mtnormalise/internal/models"
	"mtnormalise/pkg/volume"
)

// Defaults for a normalisation run. The reference value is the SH DC
// term for a unit angular integral, 1/(2*sqrt(pi)).
const (
	DefaultReferenceValue = 0.28209479177
	DefaultMaxIterations  = 15
	DefaultMaxBalanceIter = 7
	DefaultPolyOrder      = 3
)

// ProgressFunc receives per-iteration status lines from a run. A nil
// function disables reporting.
type ProgressFunc func(iter, total int, message string)

// Params is the immutable configuration of a run, passed in whole to
// New rather than read from ambient state.
type Params struct {
	// Order is the polynomial basis order of the field, 0 to 3.
	Order int

	// MaxIterations bounds the outer field-refinement loop.
	MaxIterations int

	// MaxBalanceIterations bounds the inner balance/rejection loop.
	MaxBalanceIterations int

	// ReferenceValue is the target summed tissue fraction.
	ReferenceValue float64

	// Balanced folds the per-tissue balance factors into the output
	// scaling.
	Balanced bool

	// Workers sets the parallel fan-out; <= 0 means all CPUs.
	Workers int

	// Progress optionally receives status lines.
	Progress ProgressFunc
}

// DefaultParams returns Params with the reference defaults.
func DefaultParams() Params {
	return Params{
		Order:                DefaultPolyOrder,
		MaxIterations:        DefaultMaxIterations,
		MaxBalanceIterations: DefaultMaxBalanceIter,
		ReferenceValue:       DefaultReferenceValue,
	}
}

// stage names the two states of the refinement loop: the inner
// balance/rejection cycle and the field re-fit that follows it.
type stage int

const (
	stageBalancing stage = iota
	stageFieldFitting
)

// Normaliser drives the iterative estimation: mask refinement once at
// construction, then alternating balance/outlier-rejection and field
// fitting until the iteration budget is spent. Exceeding the budget is
// not an error; the state after the final iteration is accepted as the
// result.
type Normaliser struct {
	params Params

	// inputs are the raw tissue volumes as loaded, used only by the
	// output composer. tissue is the zero-clamped 4D combination the
	// estimation works on; it is never mutated after construction.
	inputs []*models.Volume
	tissue *models.Volume
	affine models.Affine

	initialMask *models.Mask
	mask        *models.Mask
	prevMask    *models.Mask
	numVoxels   int

	balance []float64
	field   *Field
	weights []float64

	converged  bool
	iterations int

	// lognormScale caches the masked field reduction so composing
	// several outputs computes it once. Run invalidates it.
	lognormScale      float64
	lognormScaleValid bool
}

// New validates the tissue inputs against each other and the mask,
// builds the clamped combined-tissue volume and derives the initial
// processing mask. Inputs must share spatial dimensions; the mask must
// match them. Returns ErrEmptyMask when refinement leaves no voxels.
func New(params Params, inputs []*models.Volume, mask *models.Mask) (*Normaliser, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no input tissue volumes given")
	}
	if err := ValidatePolyOrder(params.Order); err != nil {
		return nil, err
	}
	if params.ReferenceValue <= 0 {
		return nil, fmt.Errorf("reference value must be positive, got %g", params.ReferenceValue)
	}
	if params.MaxIterations < 1 {
		return nil, fmt.Errorf("iteration count must be at least 1, got %d", params.MaxIterations)
	}
	if params.MaxBalanceIterations < 1 {
		params.MaxBalanceIterations = DefaultMaxBalanceIter
	}

	first := inputs[0].Header
	for i, in := range inputs[1:] {
		if !in.Header.SameSpatialDims(first) {
			return nil, fmt.Errorf("tissue input %d dimensions %v do not match input 1 dimensions %v",
				i+2, in.Header.Dims, first.Dims)
		}
	}
	if mask.Dims[0] != first.Dims[0] || mask.Dims[1] != first.Dims[1] || mask.Dims[2] != first.Dims[2] {
		return nil, fmt.Errorf("mask dimensions %v do not match input dimensions %v", mask.Dims, first.Dims)
	}

	n := &Normaliser{
		params: params,
		inputs: inputs,
		affine: first.Affine,
	}

	// Combine the inputs into a single 4D volume, one frame per
	// tissue, clamping negative intensities to zero. Multi-frame
	// inputs (e.g. FOD coefficient series) contribute their first
	// frame to the estimation.
	combined := models.NewVolume(models.Header{
		Dims:   [4]int{first.Dims[0], first.Dims[1], first.Dims[2], len(inputs)},
		Affine: first.Affine,
	})
	spatial := combined.SpatialCount()
	for t, in := range inputs {
		src := in.Frame(0)
		dst := combined.Frame(t)
		volume.ParallelForEach(spatial, params.Workers, func(lo, hi int) {
			for v := lo; v < hi; v++ {
				if src[v] < 0 {
					dst[v] = 0
				} else {
					dst[v] = src[v]
				}
			}
		})
	}
	n.tissue = combined

	summed := SumTissues(combined, params.Workers)
	n.initialMask = RefineMask(mask, summed, params.Workers)
	n.numVoxels = n.initialMask.Count()
	if n.numVoxels == 0 {
		return nil, ErrEmptyMask
	}
	n.mask = n.initialMask.Clone()
	n.prevMask = n.initialMask.Clone()

	n.balance = make([]float64, len(inputs))
	for t := range n.balance {
		n.balance[t] = 1
	}
	n.field = NewUnitField(spatial)
	return n, nil
}

// Run executes the full estimation. A coarse outlier-rejection pass
// seeds the working mask, then each outer iteration runs the inner
// balance/rejection loop to mask stability (or its bound) and re-fits
// the field. Non-convergence within the budget is accepted silently.
func (n *Normaliser) Run() error {
	n.lognormScaleValid = false
	count, err := RejectOutliers(n.mask, n.initialMask, n.tissue, n.balance, n.field.Linear, CoarseOutlierRange, n.params.Workers)
	if err != nil {
		return err
	}
	n.numVoxels = count
	n.prevMask.CopyFrom(n.mask)

	for iter := 1; iter <= n.params.MaxIterations; iter++ {
		n.iterations = iter
		n.progress(iter, n.params.MaxIterations, fmt.Sprintf("iteration %d", iter))

		for _, st := range []stage{stageBalancing, stageFieldFitting} {
			var err error
			switch st {
			case stageBalancing:
				err = n.balanceAndReject(iter)
			case stageFieldFitting:
				err = n.fitField()
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// balanceAndReject is the inner loop: estimate balance factors, reject
// outliers with the fine range, and compare the working mask against
// the previous snapshot. The snapshot is refreshed after every
// comparison whether or not it matched.
func (n *Normaliser) balanceAndReject(iter int) error {
	n.converged = false
	for balanceIter := 1; !n.converged && balanceIter <= n.params.MaxBalanceIterations; balanceIter++ {
		factors, err := EstimateBalance(n.mask, n.tissue, n.field.Linear, n.numVoxels)
		if err != nil {
			return err
		}
		n.balance = factors
		n.progress(iter, n.params.MaxIterations,
			fmt.Sprintf("balance factors (%d): %s", balanceIter, formatFactors(factors)))

		count, err := RejectOutliers(n.mask, n.initialMask, n.tissue, n.balance, n.field.Linear, FineOutlierRange, n.params.Workers)
		if err != nil {
			return err
		}
		n.numVoxels = count

		n.converged = n.mask.Equal(n.prevMask)
		n.prevMask.CopyFrom(n.mask)
	}
	return nil
}

// fitField re-estimates the polynomial field from the current mask and
// balance factors.
func (n *Normaliser) fitField() error {
	field, weights, err := EstimateField(n.mask, n.tissue, n.balance, n.params.Order, n.affine, n.numVoxels, n.params.ReferenceValue, n.params.Workers)
	if err != nil {
		return err
	}
	n.field = field
	n.weights = weights
	return nil
}

// BalanceFactors returns the final per-tissue balance factors.
func (n *Normaliser) BalanceFactors() []float64 {
	out := make([]float64, len(n.balance))
	copy(out, n.balance)
	return out
}

// Field returns the final normalisation field.
func (n *Normaliser) Field() *Field {
	return n.field
}

// FieldWeights returns the polynomial weights of the final field fit,
// or nil if no fit has run.
func (n *Normaliser) FieldWeights() []float64 {
	out := make([]float64, len(n.weights))
	copy(out, n.weights)
	return out
}

// Mask returns the final outlier-free processing mask.
func (n *Normaliser) Mask() *models.Mask {
	return n.mask
}

// InitialMask returns the refined mask derived once at construction.
// The working mask is always a subset of it.
func (n *Normaliser) InitialMask() *models.Mask {
	return n.initialMask
}

// NumVoxels returns the voxel count of the final mask.
func (n *Normaliser) NumVoxels() int {
	return n.numVoxels
}

// Converged reports whether the last inner loop reached mask stability
// within its bound.
func (n *Normaliser) Converged() bool {
	return n.converged
}

// Iterations returns the number of outer iterations executed.
func (n *Normaliser) Iterations() int {
	return n.iterations
}

// LognormScale returns the geometric mean of the normalisation field
// over the final mask, the single summary statistic attached to every
// output volume. The reduction runs once per estimation; subsequent
// calls return the cached value.
func (n *Normaliser) LognormScale() float64 {
	if n.lognormScaleValid {
		return n.lognormScale
	}
	n.lognormScale = n.computeLognormScale()
	n.lognormScaleValid = true
	return n.lognormScale
}

func (n *Normaliser) computeLognormScale() float64 {
	if n.numVoxels == 0 {
		return 0
	}
	sum := volume.ParallelSum(len(n.mask.Data), n.params.Workers, func(lo, hi int) float64 {
		s := 0.0
		for v := lo; v < hi; v++ {
			if n.mask.Data[v] {
				s += n.field.Log[v]
			}
		}
		return s
	})
	return math.Exp(sum / float64(n.numVoxels))
}

// Compose produces the normalised output for tissue index t. Voxels
// whose raw first-frame value is negative are written as all-zero
// across frames so negative intensities cannot propagate through the
// normalisation; every other value is scaled by the balance multiplier
// (1 unless the balanced flag is set) and divided by the field. The
// lognorm_scale statistic, and the balance multiplier when balanced,
// are attached to the output header.
func (n *Normaliser) Compose(t int) *models.Volume {
	in := n.inputs[t]
	out := models.NewVolume(in.Header)
	// The copied header aliases the input's metadata map; give the
	// output its own before annotating it.
	out.Header.Meta = nil

	multiplier := 1.0
	out.Header.SetMeta("lognorm_scale", fmt.Sprintf("%.10g", n.LognormScale()))
	if n.params.Balanced {
		multiplier = n.balance[t]
		out.Header.SetMeta("lognorm_balance", fmt.Sprintf("%.10g", multiplier))
	}

	spatial := in.SpatialCount()
	frames := in.NumVolumes()
	first := in.Frame(0)
	volume.ParallelForEach(spatial, n.params.Workers, func(lo, hi int) {
		for v := lo; v < hi; v++ {
			if first[v] < 0 {
				for f := 0; f < frames; f++ {
					out.Set(v, f, 0)
				}
				continue
			}
			for f := 0; f < frames; f++ {
				out.Set(v, f, in.At(v, f)*multiplier/n.field.Linear[v])
			}
		}
	})
	return out
}

func (n *Normaliser) progress(iter, total int, message string) {
	if n.params.Progress != nil {
		n.params.Progress(iter, total, message)
	}
}

func formatFactors(factors []float64) string {
	s := ""
	for i, f := range factors {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%.6g", f)
	}
	return s
}

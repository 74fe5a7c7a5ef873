package normalise

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"mtnormalise/internal/models"
)

// balanceFixture builds a fully-masked volume with the given per-tissue
// frames and a unit field.
func balanceFixture(frames ...[]float64) (*models.Mask, *models.Volume, []float64) {
	n := len(frames[0])
	vol := models.NewVolume(models.Header{
		Dims:   [4]int{n, 1, 1, len(frames)},
		Affine: models.IdentityAffine(),
	})
	for t, frame := range frames {
		copy(vol.Frame(t), frame)
	}
	mask := models.NewMask(n, 1, 1)
	for i := range mask.Data {
		mask.Data[i] = true
	}
	field := make([]float64, n)
	for i := range field {
		field[i] = 1
	}
	return mask, vol, field
}

func TestEstimateBalanceSingleTissueShortcut(t *testing.T) {
	mask, vol, field := balanceFixture([]float64{0.1, 0.2, 0.3})
	factors, err := EstimateBalance(mask, vol, field, mask.Count())
	require.NoError(t, err)
	require.Equal(t, []float64{1}, factors)
}

func TestEstimateBalanceLogSumZero(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	n := 200
	t1 := make([]float64, n)
	t2 := make([]float64, n)
	t3 := make([]float64, n)
	for i := 0; i < n; i++ {
		t1[i] = 0.5 + rng.Float64()
		t2[i] = 0.3 + 0.6*rng.Float64()
		t3[i] = 0.2 + 0.4*rng.Float64()
	}
	mask, vol, field := balanceFixture(t1, t2, t3)

	factors, err := EstimateBalance(mask, vol, field, n)
	require.NoError(t, err)
	require.Len(t, factors, 3)

	logSum := 0.0
	for _, f := range factors {
		require.Greater(t, f, 0.0)
		logSum += math.Log(f)
	}
	require.InDelta(t, 0.0, logSum, 1e-6)
}

func TestEstimateBalanceExactFit(t *testing.T) {
	// Tissue fractions that sum to a constant c at every voxel admit
	// the exact solution b = (1/c, 1/c), which normalises to (1, 1).
	n := 50
	c := DefaultReferenceValue
	t1 := make([]float64, n)
	t2 := make([]float64, n)
	for i := 0; i < n; i++ {
		f := 0.3 + 0.4*float64(i)/float64(n-1)
		t1[i] = c * f
		t2[i] = c * (1 - f)
	}
	mask, vol, field := balanceFixture(t1, t2)

	factors, err := EstimateBalance(mask, vol, field, n)
	require.NoError(t, err)
	require.InDelta(t, 1.0, factors[0], 1e-9)
	require.InDelta(t, 1.0, factors[1], 1e-9)
}

func TestEstimateBalanceNonPositiveFactor(t *testing.T) {
	// Two voxels, two tissues, engineered so the exact least-squares
	// solution is b = (2, -1): a diverged fit must surface as the
	// dedicated error, not a numeric panic or a silent clamp.
	mask, vol, field := balanceFixture([]float64{1, 2}, []float64{1, 3})

	factors, err := EstimateBalance(mask, vol, field, 2)
	require.Nil(t, factors)

	var npe *NonPositiveFactorError
	require.ErrorAs(t, err, &npe)
	require.Equal(t, 2, npe.Tissue)
	require.InDelta(t, -1.0, npe.Value, 1e-9)
}

func TestEstimateBalanceEmptyMask(t *testing.T) {
	mask, vol, field := balanceFixture([]float64{1, 2}, []float64{2, 1})
	for i := range mask.Data {
		mask.Data[i] = false
	}
	_, err := EstimateBalance(mask, vol, field, 0)
	require.ErrorIs(t, err, ErrEmptyMask)
}

package normalise

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"mtnormalise/internal/models"
)

func TestQuartilesReferenceScenario(t *testing.T) {
	// Sample {1..10}: lower index round(10*0.25)=3 -> 4, upper index
	// round(10*0.75)=8 -> 9 in 0-indexed sorted order. With k=1.5 the
	// thresholds are -3.5 and 16.5 and nothing is trimmed.
	values := []float64{10, 3, 7, 1, 9, 5, 2, 8, 6, 4}
	lower, upper := quartiles(values)
	require.Equal(t, 4.0, lower)
	require.Equal(t, 9.0, upper)

	k := FineOutlierRange
	low := lower - k*(upper-lower)
	high := upper + k*(upper-lower)
	require.InDelta(t, -3.5, low, 1e-12)
	require.InDelta(t, 16.5, high, 1e-12)

	for v := 1.0; v <= 10; v++ {
		require.True(t, v >= low && v <= high)
	}
}

func TestQuartilesSingleElement(t *testing.T) {
	lower, upper := quartiles([]float64{2.5})
	require.Equal(t, 2.5, lower)
	require.Equal(t, 2.5, upper)
}

func TestQuickselectMatchesSort(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(200)
		values := make([]float64, n)
		for i := range values {
			values[i] = rng.NormFloat64()
		}
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)

		k := rng.Intn(n)
		work := append([]float64(nil), values...)
		quickselect(work, k)
		require.Equal(t, sorted[k], work[k], "trial %d k %d", trial, k)
	}
}

// rejectFixture builds a single-tissue volume over a flat grid with the
// given per-voxel values, all voxels masked.
func rejectFixture(values []float64) (*models.Mask, *models.Mask, *models.Volume, []float64) {
	n := len(values)
	vol := models.NewVolume(models.Header{
		Dims:   [4]int{n, 1, 1, 1},
		Affine: models.IdentityAffine(),
	})
	copy(vol.Data, values)

	initial := models.NewMask(n, 1, 1)
	for i := range initial.Data {
		initial.Data[i] = true
	}
	field := make([]float64, n)
	for i := range field {
		field[i] = 1
	}
	return initial.Clone(), initial, vol, field
}

func TestRejectOutliersTrimsExtremes(t *testing.T) {
	// Log values cluster near 0 with one extreme voxel far outside the
	// IQR fences.
	values := []float64{1, 1.1, 0.9, 1.05, 0.95, 1.02, 0.98, 1e9}
	mask, initial, vol, field := rejectFixture(values)
	balance := []float64{1}

	count, err := RejectOutliers(mask, initial, vol, balance, field, FineOutlierRange, 1)
	require.NoError(t, err)
	require.Equal(t, 7, count)
	require.False(t, mask.Data[7], "extreme voxel must be trimmed")
	require.True(t, mask.SubsetOf(initial))
}

func TestRejectOutliersResetsFromInitial(t *testing.T) {
	values := []float64{1, 1.1, 0.9, 1.05, 0.95, 1.02, 0.98, 1.01}
	mask, initial, vol, field := rejectFixture(values)
	balance := []float64{1}

	// Simulate an earlier pass having trimmed a voxel that is not an
	// outlier; the reset must bring it back.
	mask.Data[2] = false

	count, err := RejectOutliers(mask, initial, vol, balance, field, FineOutlierRange, 1)
	require.NoError(t, err)
	require.Equal(t, len(values), count)
	require.True(t, mask.Data[2])
}

func TestRejectOutliersEmptyMask(t *testing.T) {
	values := []float64{1, 2, 3}
	mask, initial, vol, field := rejectFixture(values)
	for i := range initial.Data {
		initial.Data[i] = false
	}
	_, err := RejectOutliers(mask, initial, vol, []float64{1}, field, CoarseOutlierRange, 1)
	require.ErrorIs(t, err, ErrEmptyMask)
}

func TestRejectOutliersAppliesBalanceAndField(t *testing.T) {
	// Two tissues with a non-unit field: a voxel whose corrected sum is
	// consistent with the rest survives even though its raw values are
	// scaled.
	n := 9
	vol := models.NewVolume(models.Header{
		Dims:   [4]int{n, 1, 1, 2},
		Affine: models.IdentityAffine(),
	})
	field := make([]float64, n)
	for v := 0; v < n; v++ {
		scale := 1.0 + 0.1*float64(v)
		vol.Set(v, 0, 0.6*scale)
		vol.Set(v, 1, 0.4*scale)
		field[v] = scale
	}
	initial := models.NewMask(n, 1, 1)
	for i := range initial.Data {
		initial.Data[i] = true
	}
	mask := initial.Clone()

	count, err := RejectOutliers(mask, initial, vol, []float64{1, 1}, field, FineOutlierRange, 2)
	require.NoError(t, err)
	// Corrected sums are identical (IQR zero), so every voxel stays.
	require.Equal(t, n, count)
}

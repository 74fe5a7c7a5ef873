package volume

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParallelForEach(t *testing.T) {
	t.Run("CoversEveryIndexOnce", func(t *testing.T) {
		const n = 1000
		hits := make([]int32, n)
		ParallelForEach(n, 4, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
		})
		for i, h := range hits {
			require.Equal(t, int32(1), h, "index %d", i)
		}
	})

	t.Run("EmptyRange", func(t *testing.T) {
		called := false
		ParallelForEach(0, 4, func(lo, hi int) { called = true })
		require.False(t, called)
	})

	t.Run("MoreWorkersThanItems", func(t *testing.T) {
		hits := make([]int32, 3)
		ParallelForEach(3, 16, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
		})
		for i, h := range hits {
			require.Equal(t, int32(1), h, "index %d", i)
		}
	})
}

func TestParallelSum(t *testing.T) {
	values := make([]float64, 997) // non-divisible length
	want := 0.0
	for i := range values {
		values[i] = float64(i%13) * 0.5
		want += values[i]
	}

	got := ParallelSum(len(values), 4, func(lo, hi int) float64 {
		s := 0.0
		for i := lo; i < hi; i++ {
			s += values[i]
		}
		return s
	})
	require.InDelta(t, want, got, 1e-9)

	// Single worker takes the sequential path.
	got = ParallelSum(len(values), 1, func(lo, hi int) float64 {
		s := 0.0
		for i := lo; i < hi; i++ {
			s += values[i]
		}
		return s
	})
	require.InDelta(t, want, got, 1e-9)
}

func TestParallelCount(t *testing.T) {
	flags := make([]bool, 500)
	want := 0
	for i := range flags {
		if i%7 == 0 {
			flags[i] = true
			want++
		}
	}

	got := ParallelCount(len(flags), 3, func(lo, hi int) int {
		c := 0
		for i := lo; i < hi; i++ {
			if flags[i] {
				c++
			}
		}
		return c
	})
	require.Equal(t, want, got)
}

// Package volume provides the voxel-grid primitives shared by the
// normalisation engine: a parallel iteration helper over flat voxel
// ranges and a compressed on-disk container for Volume data.
package volume

import (
	"runtime"
	"sync"
)

// ParallelForEach splits the index range [0, n) into contiguous chunks
// and invokes fn once per chunk from its own goroutine, blocking until
// all chunks are done. There is no ordering guarantee between chunks;
// callers must not share mutable state between them beyond disjoint
// per-index output slots. workers <= 0 selects runtime.NumCPU().
func ParallelForEach(n, workers int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}
	if workers == 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

// ParallelSum evaluates fn once per chunk of [0, n) and returns the sum
// of the per-chunk results. Each chunk accumulates into its own slot;
// the final reduction happens sequentially after all workers are done,
// so fn needs no synchronisation of its own.
func ParallelSum(n, workers int, fn func(lo, hi int) float64) float64 {
	if n <= 0 {
		return 0
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}
	if workers == 1 {
		return fn(0, n)
	}

	chunk := (n + workers - 1) / workers
	numChunks := (n + chunk - 1) / chunk
	partials := make([]float64, numChunks)

	var wg sync.WaitGroup
	for w := 0; w < numChunks; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			partials[w] = fn(lo, hi)
		}(w, lo, hi)
	}
	wg.Wait()

	total := 0.0
	for _, p := range partials {
		total += p
	}
	return total
}

// ParallelCount evaluates fn once per chunk and returns the summed
// integer results, with the same partial-merge strategy as ParallelSum.
func ParallelCount(n, workers int, fn func(lo, hi int) int) int {
	if n <= 0 {
		return 0
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}
	if workers == 1 {
		return fn(0, n)
	}

	chunk := (n + workers - 1) / workers
	numChunks := (n + chunk - 1) / chunk
	partials := make([]int, numChunks)

	var wg sync.WaitGroup
	for w := 0; w < numChunks; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			partials[w] = fn(lo, hi)
		}(w, lo, hi)
	}
	wg.Wait()

	total := 0
	for _, p := range partials {
		total += p
	}
	return total
}

package tensor

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// minRowsPerTask keeps tiny tensors on the calling goroutine.
const minRowsPerTask = 16

// ParallelRows splits [0, n) into contiguous chunks and runs fn on each chunk
// concurrently, bounded by the CPU count. Chunks never overlap, so fn may
// write its own rows of a shared output without locking.
func ParallelRows(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	workers := runtime.NumCPU()
	if n < minRowsPerTask*2 || workers == 1 {
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	if chunk < minRowsPerTask {
		chunk = minRowsPerTask
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			fn(start, end)
			return nil
		})
	}
	_ = g.Wait()
}

// Package neighbors computes Euclidean k-nearest-neighbor distances against
// a fixed reference set.
//
// There is a single distance routine with two search modes. ExcludeSelf is
// used when the queries are the reference rows themselves: row i never counts
// as its own neighbor. IncludeAll is used for new data and considers every
// reference row.
package neighbors

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Mode selects how the reference set is searched.
type Mode int

const (
	// IncludeAll searches every reference row.
	IncludeAll Mode = iota
	// ExcludeSelf skips the reference row with the same index as the query.
	ExcludeSelf
)

func (m Mode) String() string {
	switch m {
	case IncludeAll:
		return "include-all"
	case ExcludeSelf:
		return "exclude-self"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ErrTooFewReference is returned when the reference set cannot supply k
// neighbors per query.
var ErrTooFewReference = errors.New("not enough reference points")

// Distance returns the Euclidean distance between a and b.
func Distance(a, b []float64) float64 {
	return floats.Distance(a, b, 2)
}

// KNearest returns, for each query row, its k smallest distances to the
// reference rows in ascending order. In ExcludeSelf mode queries must be the
// reference set (same length); row i skips reference row i.
//
// workers controls the degree of parallelism; values <= 1 run serially. The
// result does not depend on workers.
func KNearest(mode Mode, reference, queries [][]float64, k, workers int) ([][]float64, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	available := len(reference)
	if mode == ExcludeSelf {
		if len(queries) != len(reference) {
			return nil, fmt.Errorf("%s needs queries to be the reference set: %d queries, %d reference rows", mode, len(queries), len(reference))
		}
		available--
	}
	if k > available {
		return nil, fmt.Errorf("k=%d with %d candidate neighbors (%s): %w", k, available, mode, ErrTooFewReference)
	}

	out := make([][]float64, len(queries))
	forEachRow(len(queries), workers, func(i int) {
		out[i] = nearest(mode, reference, queries[i], i, k)
	})
	return out, nil
}

// nearest computes the k smallest distances from q to the reference rows.
func nearest(mode Mode, reference [][]float64, q []float64, self, k int) []float64 {
	dist := make([]float64, 0, len(reference))
	for j, r := range reference {
		if mode == ExcludeSelf && j == self {
			continue
		}
		dist = append(dist, Distance(q, r))
	}
	sort.Float64s(dist)
	return dist[:k:k]
}

// forEachRow calls fn for every row index, splitting contiguous row ranges
// across workers. fn must only write state owned by its row.
func forEachRow(n, workers int, fn func(i int)) {
	if workers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	var wg sync.WaitGroup
	rowsPerWorker := (n + workers - 1) / workers

	for w := 0; w < workers; w++ {
		start := w * rowsPerWorker
		end := min(start+rowsPerWorker, n)
		if start >= n {
			break
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				fn(i)
			}
		}(start, end)
	}

	wg.Wait()
}

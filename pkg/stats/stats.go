// Package stats holds the small statistics helpers the estimators share:
// percentile thresholds and neighbor-distance aggregation.
package stats

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Aggregation selects how a neighbor distance set is reduced to one value.
type Aggregation string

const (
	// AggMean is the arithmetic mean of the distances.
	AggMean Aggregation = "average"
	// AggMax is the largest distance, i.e. the distance to the k-th neighbor.
	AggMax Aggregation = "max"
)

// Valid reports whether a is a known aggregation.
func (a Aggregation) Valid() bool {
	return a == AggMean || a == AggMax
}

// Aggregate reduces d with the given aggregation. d must not be empty.
func Aggregate(a Aggregation, d []float64) float64 {
	switch a {
	case AggMax:
		return floats.Max(d)
	default:
		return stat.Mean(d, nil)
	}
}

// ScoreAtPercentile returns the per-th percentile of data, interpolating
// linearly between the two closest ranks. per must be in [0, 100].
func ScoreAtPercentile(data []float64, per float64) (float64, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("percentile of empty data")
	}
	if per < 0 || per > 100 || math.IsNaN(per) {
		return 0, fmt.Errorf("percentile must be in [0, 100], got %v", per)
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	idx := per / 100 * float64(len(sorted)-1)
	lo := math.Floor(idx)
	i := int(lo)
	if idx == lo {
		return sorted[i], nil
	}
	frac := idx - lo
	return sorted[i] + (sorted[i+1]-sorted[i])*frac, nil
}

// Quantile returns the q-th quantile (0 <= q <= 1) of data.
func Quantile(data []float64, q float64) (float64, error) {
	return ScoreAtPercentile(data, 100*q)
}

// FractionBelow returns the share of values strictly below t.
func FractionBelow(data []float64, t float64) float64 {
	if len(data) == 0 {
		return 0
	}
	var n int
	for _, v := range data {
		if v < t {
			n++
		}
	}
	return float64(n) / float64(len(data))
}

// ContaminationThreshold returns the score below which roughly a
// contamination share of scores fall. Scores follow the "higher is more
// normal" convention.
func ContaminationThreshold(scores []float64, contamination float64) (float64, error) {
	neg := make([]float64, len(scores))
	for i, s := range scores {
		neg[i] = -s
	}
	p, err := ScoreAtPercentile(neg, 100*(1-contamination))
	if err != nil {
		return 0, err
	}
	return -p, nil
}

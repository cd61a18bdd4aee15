// Package detectors provides the contracts shared by the anomaly detection
// estimators.
//
// Every estimator follows the "higher is better" convention: ScoreSamples
// returns larger values for more normal samples, and Predict labels a sample
// Normal (1) or Anomalous (0).
package detectors

import (
	"context"
	"errors"
	"fmt"
)

// Labels returned by Predict.
const (
	Anomalous = 0
	Normal    = 1
)

var (
	// ErrNotFitted is returned when scoring is attempted before Fit.
	ErrNotFitted = errors.New("estimator not fitted")
	// ErrEmptyData is returned for a matrix without rows or columns.
	ErrEmptyData = errors.New("empty data")
	// ErrDimensionMismatch is returned for ragged matrices or queries whose
	// width differs from the reference set.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrInvalidParameter is returned by Fit when a hyperparameter is out of range.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrNotFitData is returned when an outlier-mode estimator is asked to
	// score data other than the data it was fitted on.
	ErrNotFitData = errors.New("data differs from fit data")
	// ErrNoveltyRequired is returned by operations that only make sense on
	// new data while novelty mode is off.
	ErrNoveltyRequired = errors.New("novelty mode required")
)

// Estimator is the common interface for all anomaly detection estimators.
type Estimator interface {
	// Name returns the short estimator name (e.g. "aklpe").
	Name() string

	// Fit trains the estimator on the reference set.
	// data is a 2D slice where each row is a sample and each column is a feature.
	Fit(data [][]float64) error

	// ScoreSamples returns one score per sample. Lower scores are more abnormal.
	ScoreSamples(data [][]float64) ([]float64, error)

	// Predict returns Normal or Anomalous for each sample.
	Predict(data [][]float64) ([]int, error)
}

// DecisionModel is the capability an adapter delegates to: something that
// can be fitted and then evaluates a signed decision function, negative for
// outliers.
type DecisionModel interface {
	Fit(data [][]float64) error
	DecisionFunction(data [][]float64) ([]float64, error)
}

// Persistent is implemented by estimators whose fitted state can be
// serialized.
type Persistent interface {
	// Save serializes the trained model to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained model from bytes.
	Load(data []byte) error
}

// StreamEstimator extends Estimator with streaming capabilities.
type StreamEstimator interface {
	Estimator

	// PredictStream scores samples from a channel and sends results to output.
	PredictStream(ctx context.Context, input <-chan []float64, output chan<- Score) error
}

// Score represents a single streamed scoring result.
type Score struct {
	// Value is the estimator score; lower is more abnormal.
	Value float64
	// IsAnomaly indicates the score fell below the threshold.
	IsAnomaly bool
	// Features contains the original input features.
	Features []float64
	// Metadata contains additional information.
	Metadata map[string]any
}

// Label converts a score and a threshold into Normal or Anomalous.
func Label(score, threshold float64) int {
	if score >= threshold {
		return Normal
	}
	return Anomalous
}

// Labels applies Label elementwise.
func Labels(scores []float64, threshold float64) []int {
	out := make([]int, len(scores))
	for i, s := range scores {
		out[i] = Label(s, threshold)
	}
	return out
}

// ValidateMatrix checks that data is non-empty and rectangular and returns
// its width.
func ValidateMatrix(data [][]float64) (int, error) {
	if len(data) == 0 || len(data[0]) == 0 {
		return 0, ErrEmptyData
	}
	dims := len(data[0])
	for i, row := range data {
		if len(row) != dims {
			return 0, fmt.Errorf("row %d has %d features, expected %d: %w", i, len(row), dims, ErrDimensionMismatch)
		}
	}
	return dims, nil
}

// ValidateQuery checks data like ValidateMatrix and additionally requires
// the width to equal dims.
func ValidateQuery(data [][]float64, dims int) error {
	got, err := ValidateMatrix(data)
	if err != nil {
		return err
	}
	if got != dims {
		return fmt.Errorf("query has %d features, model has %d: %w", got, dims, ErrDimensionMismatch)
	}
	return nil
}

// CloneMatrix returns a deep copy of data.
func CloneMatrix(data [][]float64) [][]float64 {
	out := make([][]float64, len(data))
	for i, row := range data {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// EqualMatrix reports whether a and b have the same shape and values.
func EqualMatrix(a, b [][]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

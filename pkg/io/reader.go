// Package io provides input/output utilities for datasets and scoring
// results.
package io

import "context"

// Reader is the interface for reading feature matrices from various sources.
type Reader interface {
	// Read returns the complete dataset.
	Read() ([][]float64, error)

	// Stream returns a channel of samples for incremental scoring. The
	// channel is closed at end of input or on the first read error.
	Stream(ctx context.Context) (<-chan []float64, error)

	// Err returns the error that ended the last Stream, if any. It is valid
	// once the stream channel is closed.
	Err() error

	// Close releases resources.
	Close() error
}

// FeatureExtractor extracts numerical features from raw data.
type FeatureExtractor interface {
	// FeatureNames returns the names of extracted features.
	FeatureNames() []string
}

// Writer is the interface for writing scoring results.
type Writer interface {
	// Write outputs a single result.
	Write(result Result) error

	// WriteAll outputs multiple results.
	WriteAll(results []Result) error

	// Close flushes and releases resources.
	Close() error
}

// Result is the scoring outcome for one sample.
type Result struct {
	Index     int            `json:"index" yaml:"index"`
	Score     float64        `json:"score" yaml:"score"`
	Label     int            `json:"label" yaml:"label"`
	IsAnomaly bool           `json:"is_anomaly" yaml:"is_anomaly"`
	Features  []float64      `json:"features,omitempty" yaml:"features,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NewResults zips scores and labels into results. Features are attached when
// data is non-nil.
func NewResults(scores []float64, labels []int, data [][]float64) []Result {
	results := make([]Result, len(scores))
	for i, s := range scores {
		results[i] = Result{
			Index: i,
			Score: s,
		}
		if i < len(labels) {
			results[i].Label = labels[i]
			results[i].IsAnomaly = labels[i] == 0
		}
		if data != nil && i < len(data) {
			results[i].Features = data[i]
		}
	}
	return results
}

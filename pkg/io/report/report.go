// Package report writes scoring results as JSON lines or YAML documents.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	anomio "github.com/hed1ad/anomalytune/pkg/io"
)

// Format is an output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ErrUnknownFormat is returned for unsupported output formats.
var ErrUnknownFormat = errors.New("unknown report format")

type encoder interface {
	Encode(v any) error
}

// Writer encodes results to an underlying stream, one record per result.
type Writer struct {
	enc    encoder
	closer func() error
}

var _ anomio.Writer = (*Writer)(nil)

// NewWriter returns a writer producing format on w.
func NewWriter(w io.Writer, format Format) (*Writer, error) {
	switch format {
	case FormatJSON:
		return &Writer{enc: json.NewEncoder(w)}, nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		return &Writer{enc: enc, closer: enc.Close}, nil
	default:
		return nil, fmt.Errorf("%q: %w", format, ErrUnknownFormat)
	}
}

// Write outputs a single result.
func (w *Writer) Write(result anomio.Result) error {
	if err := w.enc.Encode(result); err != nil {
		return fmt.Errorf("encode result %d: %w", result.Index, err)
	}
	return nil
}

// WriteAll outputs results in order.
func (w *Writer) WriteAll(results []anomio.Result) error {
	for _, r := range results {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// WriteSummary appends a summary record after the results.
func (w *Writer) WriteSummary(s Summary) error {
	if err := w.enc.Encode(s); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return nil
}

// Close flushes the encoder. The underlying stream is left open. Closing
// twice is a no-op.
func (w *Writer) Close() error {
	if w.closer == nil {
		return nil
	}
	closer := w.closer
	w.closer = nil
	return closer()
}

// Summary describes a scored dataset.
type Summary struct {
	Estimator string  `json:"estimator" yaml:"estimator"`
	Samples   int     `json:"samples" yaml:"samples"`
	Anomalies int     `json:"anomalies" yaml:"anomalies"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// Summarize counts the anomalies in results.
func Summarize(estimator string, threshold float64, results []anomio.Result) Summary {
	s := Summary{Estimator: estimator, Samples: len(results), Threshold: threshold}
	for _, r := range results {
		if r.IsAnomaly {
			s.Anomalies++
		}
	}
	return s
}

// WriteSummary encodes s as a single record in format.
func WriteSummary(w io.Writer, format Format, s Summary) error {
	switch format {
	case FormatJSON:
		return json.NewEncoder(w).Encode(s)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("%q: %w", format, ErrUnknownFormat)
	}
}

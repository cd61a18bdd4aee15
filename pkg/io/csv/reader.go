// Package csv provides CSV reading for tabular data.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ErrRaggedRow is returned when a row's width differs from the first row.
var ErrRaggedRow = errors.New("row width differs from first row")

// Reader reads numeric rows from CSV input.
type Reader struct {
	closer    io.Closer
	reader    *csv.Reader
	hasHeader bool
	headers   []string
	skipBad   bool
	skipped   int
	width     int

	mu        sync.Mutex
	streamErr error
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithSkipMalformed drops rows that do not parse as numbers instead of
// failing the read.
func WithSkipMalformed(skip bool) Option {
	return func(r *Reader) {
		r.skipBad = skip
	}
}

// NewReader opens filename for reading.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := newReader(file, file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// NewReaderFrom reads CSV data from src. Close is a no-op.
func NewReaderFrom(src io.Reader, opts ...Option) (*Reader, error) {
	return newReader(src, nil, opts...)
}

func newReader(src io.Reader, closer io.Closer, opts ...Option) (*Reader, error) {
	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	r := &Reader{
		closer:    closer,
		reader:    cr,
		hasHeader: true,
	}

	for _, opt := range opts {
		opt(r)
	}

	// Read header if present
	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil {
			return nil, fmt.Errorf("read csv header: %w", err)
		}
		r.headers = headers
	}

	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Skipped returns the number of malformed rows dropped so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Read returns all data as a 2D float slice.
func (r *Reader) Read() ([][]float64, error) {
	var data [][]float64

	for {
		row, err := r.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		data = append(data, row)
	}

	return data, nil
}

// next returns the next valid row or io.EOF.
func (r *Reader) next() ([]float64, error) {
	for {
		record, err := r.reader.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}

		line, _ := r.reader.FieldPos(0)
		row, err := parseRow(record)
		if err != nil {
			if r.skipBad {
				r.skipped++
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		if r.width == 0 {
			r.width = len(row)
		} else if len(row) != r.width {
			return nil, fmt.Errorf("line %d: %d fields, expected %d: %w", line, len(row), r.width, ErrRaggedRow)
		}
		return row, nil
	}
}

// Stream returns a channel of rows. The channel closes at end of input, on
// the first error (reported by Err), or when ctx is done.
func (r *Reader) Stream(ctx context.Context) (<-chan []float64, error) {
	out := make(chan []float64, 100)

	go func() {
		defer close(out)
		for {
			row, err := r.next()
			if err == io.EOF {
				return
			}
			if err != nil {
				r.setErr(err)
				return
			}

			select {
			case out <- row:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Err returns the error that stopped Stream, or nil.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streamErr
}

func (r *Reader) setErr(err error) {
	r.mu.Lock()
	r.streamErr = err
	r.mu.Unlock()
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// parseRow converts string slice to float slice.
func parseRow(record []string) ([]float64, error) {
	if len(record) == 0 {
		return nil, errors.New("empty row")
	}

	row := make([]float64, len(record))
	for i, val := range record {
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		row[i] = f
	}
	return row, nil
}

package csv

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		opts    []Option
		want    [][]float64
		headers []string
	}{
		{
			name:    "with header",
			input:   "x,y\n0,0\n1,1\n3,1\n",
			want:    [][]float64{{0, 0}, {1, 1}, {3, 1}},
			headers: []string{"x", "y"},
		},
		{
			name:  "without header",
			input: "0.5,-2\n1e3,4\n",
			opts:  []Option{WithHeader(false)},
			want:  [][]float64{{0.5, -2}, {1000, 4}},
		},
		{
			name:    "comments and spaces",
			input:   "a,b\n# a comment\n 1, 2\n3 ,4\n",
			want:    [][]float64{{1, 2}, {3, 4}},
			headers: []string{"a", "b"},
		},
		{
			name:    "header only",
			input:   "a,b\n",
			headers: []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReaderFrom(strings.NewReader(tt.input), tt.opts...)
			require.NoError(t, err)
			defer r.Close()

			got, err := r.Read()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.headers, r.Headers())
		})
	}
}

func TestReadErrors(t *testing.T) {
	t.Run("ragged", func(t *testing.T) {
		r, err := NewReaderFrom(strings.NewReader("1,2\n3\n"), WithHeader(false))
		require.NoError(t, err)
		_, err = r.Read()
		assert.ErrorIs(t, err, ErrRaggedRow)
	})

	t.Run("not a number", func(t *testing.T) {
		r, err := NewReaderFrom(strings.NewReader("1,2\n3,abc\n"), WithHeader(false))
		require.NoError(t, err)
		_, err = r.Read()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "line 2")
	})

	t.Run("empty input with header", func(t *testing.T) {
		_, err := NewReaderFrom(strings.NewReader(""))
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewReader(filepath.Join(t.TempDir(), "missing.csv"))
		assert.Error(t, err)
	})
}

func TestSkipMalformed(t *testing.T) {
	r, err := NewReaderFrom(strings.NewReader("1,2\nx,y\n3,4\n"), WithHeader(false), WithSkipMalformed(true))
	require.NoError(t, err)

	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, got)
	assert.Equal(t, 1, r.Skipped())
}

func TestNewReaderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.csv")
	require.NoError(t, os.WriteFile(path, []byte("x,y\n0,0\n1,1\n"), 0o600))

	r, err := NewReader(path)
	require.NoError(t, err)

	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 0}, {1, 1}}, got)
	assert.NoError(t, r.Close())
}

func TestStream(t *testing.T) {
	r, err := NewReaderFrom(strings.NewReader("1\n2\n3\n"), WithHeader(false))
	require.NoError(t, err)

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)

	var got [][]float64
	for row := range ch {
		got = append(got, row)
	}
	assert.Equal(t, [][]float64{{1}, {2}, {3}}, got)
}

func TestStreamCancel(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 1000; i++ {
		b.WriteString("1,2\n")
	}
	r, err := NewReaderFrom(strings.NewReader(b.String()), WithHeader(false))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := r.Stream(ctx)
	require.NoError(t, err)

	<-ch
	cancel()

	n := 0
	for range ch {
		n++
	}
	assert.Less(t, n, 1000)
}

func TestStreamReportsErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{name: "malformed", input: "1,2\nbad,1\n3,4\n", want: strconv.ErrSyntax},
		{name: "ragged", input: "1,2\n3\n3,4\n", want: ErrRaggedRow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReaderFrom(strings.NewReader(tt.input), WithHeader(false))
			require.NoError(t, err)

			ch, err := r.Stream(context.Background())
			require.NoError(t, err)

			var got [][]float64
			for row := range ch {
				got = append(got, row)
			}
			assert.Equal(t, [][]float64{{1, 2}}, got)
			assert.ErrorIs(t, r.Err(), tt.want)
			assert.Contains(t, r.Err().Error(), "line 2")
		})
	}
}

func TestStreamCleanEndHasNoError(t *testing.T) {
	r, err := NewReaderFrom(strings.NewReader("1\n2\n"), WithHeader(false))
	require.NoError(t, err)

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)
	for range ch {
	}
	assert.NoError(t, r.Err())
}

// Package kde implements a plug-in anomaly detection estimator: the score of
// an observation is its Gaussian kernel density estimate, in log scale.
package kde

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/hed1ad/anomalytune/pkg/detectors"
	"github.com/hed1ad/anomalytune/pkg/neighbors"
	"github.com/hed1ad/anomalytune/pkg/stats"
)

// Name is the estimator name.
const Name = "ks"

// KernelSmoothing estimates the log density of observations with a Gaussian
// kernel centered on every training point.
type KernelSmoothing struct {
	mu sync.RWMutex

	bandwidth     float64
	contamination float64
	logger        *zap.SugaredLogger

	reference [][]float64
	dims      int
	scoresFit []float64
	threshold float64
	trained   bool
}

// Option configures a KernelSmoothing estimator.
type Option func(*KernelSmoothing)

// WithBandwidth sets the kernel bandwidth.
func WithBandwidth(h float64) Option {
	return func(k *KernelSmoothing) {
		k.bandwidth = h
	}
}

// WithContamination sets the share of training points declared abnormal.
func WithContamination(c float64) Option {
	return func(k *KernelSmoothing) {
		k.contamination = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(k *KernelSmoothing) {
		if l != nil {
			k.logger = l
		}
	}
}

// New creates a KernelSmoothing estimator.
func New(opts ...Option) *KernelSmoothing {
	k := &KernelSmoothing{
		bandwidth:     1.0,
		contamination: 0.05,
		logger:        zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Name returns the estimator name.
func (k *KernelSmoothing) Name() string {
	return Name
}

// Bandwidth returns the kernel bandwidth.
func (k *KernelSmoothing) Bandwidth() float64 {
	return k.bandwidth
}

// Fit stores the training set and computes the training log densities.
func (k *KernelSmoothing) Fit(data [][]float64) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	dims, err := detectors.ValidateMatrix(data)
	if err != nil {
		return fmt.Errorf("fit %s: %w", Name, err)
	}
	if k.bandwidth <= 0 || math.IsInf(k.bandwidth, 0) || math.IsNaN(k.bandwidth) {
		return fmt.Errorf("fit %s: bandwidth %v must be positive: %w", Name, k.bandwidth, detectors.ErrInvalidParameter)
	}
	if k.contamination <= 0 || k.contamination >= 1 {
		return fmt.Errorf("fit %s: contamination %v must be in (0, 1): %w", Name, k.contamination, detectors.ErrInvalidParameter)
	}

	reference := detectors.CloneMatrix(data)
	scores := logDensity(reference, reference, k.bandwidth)

	threshold, err := stats.ContaminationThreshold(scores, k.contamination)
	if err != nil {
		return fmt.Errorf("fit %s: %w", Name, err)
	}

	k.reference = reference
	k.dims = dims
	k.scoresFit = scores
	k.threshold = threshold
	k.trained = true

	k.logger.Debugw("kernel smoothing fitted",
		"samples", len(reference),
		"features", dims,
		"bandwidth", k.bandwidth,
		"threshold", threshold,
	)

	return nil
}

// logDensity returns the Gaussian log density of each query.
func logDensity(reference, queries [][]float64, h float64) []float64 {
	dims := float64(len(reference[0]))
	norm := -math.Log(float64(len(reference))) - dims*math.Log(h) - 0.5*dims*math.Log(2*math.Pi)

	out := make([]float64, len(queries))
	terms := make([]float64, len(reference))
	for i, q := range queries {
		for j, r := range reference {
			u := neighbors.Distance(q, r) / h
			terms[j] = -0.5 * u * u
		}
		out[i] = floats.LogSumExp(terms) + norm
	}
	return out
}

// ScoreSamples returns the log density of each observation.
func (k *KernelSmoothing) ScoreSamples(data [][]float64) ([]float64, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.trained {
		return nil, detectors.ErrNotFitted
	}
	if err := detectors.ValidateQuery(data, k.dims); err != nil {
		return nil, err
	}
	return logDensity(k.reference, data, k.bandwidth), nil
}

// Predict labels observations whose log density falls below the threshold
// as Anomalous.
func (k *KernelSmoothing) Predict(data [][]float64) ([]int, error) {
	scores, err := k.ScoreSamples(data)
	if err != nil {
		return nil, err
	}
	return detectors.Labels(scores, k.Threshold()), nil
}

// ScoresFit returns a copy of the training log densities.
func (k *KernelSmoothing) ScoresFit() []float64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.trained {
		return nil
	}
	return append([]float64(nil), k.scoresFit...)
}

// Threshold returns the decision threshold.
func (k *KernelSmoothing) Threshold() float64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.threshold
}

type snapshot struct {
	Bandwidth     float64
	Contamination float64
	Reference     [][]float64
	ScoresFit     []float64
	Threshold     float64
}

// Save serializes the trained model.
func (k *KernelSmoothing) Save() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.trained {
		return nil, detectors.ErrNotFitted
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot{
		Bandwidth:     k.bandwidth,
		Contamination: k.contamination,
		Reference:     k.reference,
		ScoresFit:     k.scoresFit,
		Threshold:     k.threshold,
	}); err != nil {
		return nil, fmt.Errorf("encode %s: %w", Name, err)
	}
	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (k *KernelSmoothing) Load(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return fmt.Errorf("decode %s: %w", Name, err)
	}
	dims, err := detectors.ValidateMatrix(s.Reference)
	if err != nil {
		return fmt.Errorf("decode %s: %w", Name, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.bandwidth = s.Bandwidth
	k.contamination = s.Contamination
	k.reference = s.Reference
	k.dims = dims
	k.scoresFit = s.ScoresFit
	k.threshold = s.Threshold
	k.trained = true

	return nil
}

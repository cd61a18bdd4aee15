// Package klpe implements anomaly scoring functions based on k nearest
// neighbors (KLPE).
//
// The score of a point is the opposite of an aggregate of its distances to
// its k nearest neighbors in the training set: the mean distance for the
// "average" variant and the distance to the k-th neighbor for the "max"
// variant. A point is abnormal when its score belongs to the contamination
// share of lowest training scores.
//
// References:
//   - Zhao, M. and Saligrama, V. "Anomaly Detection with Score functions
//     based on Nearest Neighbor Graphs". NIPS 22, 2009.
//   - Qian, J. and Saligrama, V. "New statistic in p-value estimation for
//     anomaly detection". IEEE SSP Workshop, 2012.
package klpe

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hed1ad/anomalytune/pkg/detectors"
	"github.com/hed1ad/anomalytune/pkg/neighbors"
	"github.com/hed1ad/anomalytune/pkg/stats"
)

// Estimator names.
const (
	Name        = "klpe"
	NameAverage = "aklpe"
	NameMax     = "mklpe"
)

// Aggregation variants.
const (
	AlgoAverage = stats.AggMean
	AlgoMax     = stats.AggMax
)

// KLPE scores observations by their distances to the k nearest training
// points.
//
// With novelty off, ScoreSamples only accepts the training data and a point
// is never its own neighbor. With novelty on, ScoreSamples is meant for new
// data and searches every training point.
type KLPE struct {
	mu sync.RWMutex

	// Configuration
	name          string
	k             int
	algo          stats.Aggregation
	novelty       bool
	contamination float64
	workers       int
	logger        *zap.SugaredLogger

	// Trained model
	reference [][]float64
	dims      int
	scoresFit []float64
	threshold float64
	trained   bool
}

// Option configures a KLPE estimator.
type Option func(*KLPE)

// WithK sets the number of neighbors.
func WithK(k int) Option {
	return func(e *KLPE) {
		e.k = k
	}
}

// WithAlgo sets the aggregation variant.
func WithAlgo(algo stats.Aggregation) Option {
	return func(e *KLPE) {
		e.algo = algo
	}
}

// WithNovelty switches between outlier detection (false) and novelty
// detection (true).
func WithNovelty(novelty bool) Option {
	return func(e *KLPE) {
		e.novelty = novelty
	}
}

// WithContamination sets the expected proportion of anomalies, in (0, 1).
func WithContamination(c float64) Option {
	return func(e *KLPE) {
		e.contamination = c
	}
}

// WithWorkers sets the number of goroutines used by the neighbor search.
func WithWorkers(n int) Option {
	return func(e *KLPE) {
		e.workers = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *KLPE) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates a KLPE estimator with the given options.
func New(opts ...Option) *KLPE {
	e := &KLPE{
		name:          Name,
		k:             6,
		algo:          AlgoAverage,
		contamination: 0.05,
		workers:       1,
		logger:        zap.NewNop().Sugar(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// NewAverage creates a KLPE estimator scoring with the mean neighbor distance.
func NewAverage(opts ...Option) *KLPE {
	e := New(opts...)
	e.algo = AlgoAverage
	e.name = NameAverage
	return e
}

// NewMax creates a KLPE estimator scoring with the distance to the k-th
// neighbor.
func NewMax(opts ...Option) *KLPE {
	e := New(opts...)
	e.algo = AlgoMax
	e.name = NameMax
	return e
}

func (e *KLPE) validate(n int) error {
	if !e.algo.Valid() {
		return fmt.Errorf("algo %q must be %q or %q: %w", e.algo, AlgoAverage, AlgoMax, detectors.ErrInvalidParameter)
	}
	if e.contamination <= 0 || e.contamination >= 1 {
		return fmt.Errorf("contamination %v must be in (0, 1): %w", e.contamination, detectors.ErrInvalidParameter)
	}
	if e.k < 1 {
		return fmt.Errorf("k=%d must be positive: %w", e.k, detectors.ErrInvalidParameter)
	}
	if e.k >= n {
		return fmt.Errorf("k=%d must be lower than the %d training samples: %w", e.k, n, detectors.ErrInvalidParameter)
	}
	return nil
}

// Fit computes the training scores, excluding each point from its own
// neighbors, and the contamination threshold.
func (e *KLPE) Fit(data [][]float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	dims, err := detectors.ValidateMatrix(data)
	if err != nil {
		return fmt.Errorf("fit %s: %w", e.name, err)
	}
	if err := e.validate(len(data)); err != nil {
		return fmt.Errorf("fit %s: %w", e.name, err)
	}

	reference := detectors.CloneMatrix(data)
	scores, err := e.score(neighbors.ExcludeSelf, reference, reference)
	if err != nil {
		return fmt.Errorf("fit %s: %w", e.name, err)
	}

	threshold, err := stats.ContaminationThreshold(scores, e.contamination)
	if err != nil {
		return fmt.Errorf("fit %s: %w", e.name, err)
	}

	e.reference = reference
	e.dims = dims
	e.scoresFit = scores
	e.threshold = threshold
	e.trained = true

	e.logger.Debugw("klpe fitted",
		"estimator", e.name,
		"samples", len(reference),
		"features", dims,
		"k", e.k,
		"algo", string(e.algo),
		"novelty", e.novelty,
		"threshold", threshold,
	)

	return nil
}

// score negates the aggregated k-nearest distances of queries.
func (e *KLPE) score(mode neighbors.Mode, reference, queries [][]float64) ([]float64, error) {
	dist, err := neighbors.KNearest(mode, reference, queries, e.k, e.workers)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(dist))
	for i, d := range dist {
		scores[i] = -stats.Aggregate(e.algo, d)
	}
	return scores, nil
}

// ScoreSamples returns the score of each observation, the lower the more
// abnormal.
//
// With novelty off, data must be the training data and the training scores
// are returned. With novelty on, data is scored against every training point.
func (e *KLPE) ScoreSamples(data [][]float64) ([]float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.trained {
		return nil, detectors.ErrNotFitted
	}

	return e.scoreSamples(data)
}

func (e *KLPE) scoreSamples(data [][]float64) ([]float64, error) {
	if !e.novelty {
		if !detectors.EqualMatrix(data, e.reference) {
			return nil, fmt.Errorf("%s without novelty scores its training data only: %w", e.name, detectors.ErrNotFitData)
		}
		return append([]float64(nil), e.scoresFit...), nil
	}

	if err := detectors.ValidateQuery(data, e.dims); err != nil {
		return nil, err
	}
	return e.score(neighbors.IncludeAll, e.reference, data)
}

// Predict returns Normal when an observation scores at or above the
// threshold and Anomalous otherwise.
func (e *KLPE) Predict(data [][]float64) ([]int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.trained {
		return nil, detectors.ErrNotFitted
	}

	scores, err := e.scoreSamples(data)
	if err != nil {
		return nil, err
	}
	return detectors.Labels(scores, e.threshold), nil
}

// PredictStream scores samples from a channel. It requires novelty mode.
// The first sample that cannot be scored ends the stream with an error.
// Each Score records the sample's position in the input under the "index"
// metadata key.
func (e *KLPE) PredictStream(ctx context.Context, input <-chan []float64, output chan<- detectors.Score) error {
	e.mu.RLock()
	trained, novelty := e.trained, e.novelty
	e.mu.RUnlock()

	if !trained {
		return detectors.ErrNotFitted
	}
	if !novelty {
		return fmt.Errorf("stream scoring with %s: %w", e.name, detectors.ErrNoveltyRequired)
	}

	for index := 0; ; index++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-input:
			if !ok {
				return nil
			}

			scores, err := e.ScoreSamples([][]float64{sample})
			if err != nil {
				e.logger.Warnw("stream stopped", "estimator", e.name, "index", index, "error", err)
				return fmt.Errorf("%s stream sample %d: %w", e.name, index, err)
			}

			select {
			case output <- detectors.Score{
				Value:     scores[0],
				IsAnomaly: detectors.Label(scores[0], e.Threshold()) == detectors.Anomalous,
				Features:  sample,
				Metadata:  map[string]any{"index": index},
			}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Name returns the estimator name.
func (e *KLPE) Name() string {
	return e.name
}

// K returns the number of neighbors.
func (e *KLPE) K() int {
	return e.k
}

// Algo returns the aggregation variant.
func (e *KLPE) Algo() stats.Aggregation {
	return e.algo
}

// Novelty reports whether novelty mode is on.
func (e *KLPE) Novelty() bool {
	return e.novelty
}

// Contamination returns the expected proportion of anomalies.
func (e *KLPE) Contamination() float64 {
	return e.contamination
}

// ScoresFit returns a copy of the training scores, nil before Fit.
func (e *KLPE) ScoresFit() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.trained {
		return nil
	}
	return append([]float64(nil), e.scoresFit...)
}

// Threshold returns the decision threshold.
func (e *KLPE) Threshold() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.threshold
}

// snapshot is the gob representation of a fitted KLPE.
type snapshot struct {
	Name          string
	K             int
	Algo          string
	Novelty       bool
	Contamination float64
	Reference     [][]float64
	ScoresFit     []float64
	Threshold     float64
}

// Save serializes the trained model.
func (e *KLPE) Save() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.trained {
		return nil, detectors.ErrNotFitted
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot{
		Name:          e.name,
		K:             e.k,
		Algo:          string(e.algo),
		Novelty:       e.novelty,
		Contamination: e.contamination,
		Reference:     e.reference,
		ScoresFit:     e.scoresFit,
		Threshold:     e.threshold,
	}); err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.name, err)
	}

	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (e *KLPE) Load(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return fmt.Errorf("decode klpe: %w", err)
	}

	dims, err := detectors.ValidateMatrix(s.Reference)
	if err != nil {
		return fmt.Errorf("decode klpe: %w", err)
	}
	if len(s.ScoresFit) != len(s.Reference) {
		return fmt.Errorf("decode klpe: %d scores for %d samples: %w", len(s.ScoresFit), len(s.Reference), detectors.ErrDimensionMismatch)
	}
	params := &KLPE{k: s.K, algo: stats.Aggregation(s.Algo), contamination: s.Contamination}
	if err := params.validate(len(s.Reference)); err != nil {
		return fmt.Errorf("decode klpe: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.name = s.Name
	e.k = s.K
	e.algo = stats.Aggregation(s.Algo)
	e.novelty = s.Novelty
	e.contamination = s.Contamination
	e.reference = s.Reference
	e.dims = dims
	e.scoresFit = s.ScoresFit
	e.threshold = s.Threshold
	e.trained = true

	return nil
}

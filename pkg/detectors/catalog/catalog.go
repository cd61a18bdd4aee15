// Package catalog builds estimators from their short names and persists
// fitted estimators in a self-describing envelope.
package catalog

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/hed1ad/anomalytune/pkg/detectors"
	"github.com/hed1ad/anomalytune/pkg/detectors/delegate"
	"github.com/hed1ad/anomalytune/pkg/detectors/iforest"
	"github.com/hed1ad/anomalytune/pkg/detectors/kde"
	"github.com/hed1ad/anomalytune/pkg/detectors/klpe"
	"github.com/hed1ad/anomalytune/pkg/stats"
)

var (
	// ErrUnknownEstimator is returned for names the catalog does not know.
	ErrUnknownEstimator = errors.New("unknown estimator")
	// ErrNoBackend is returned when an estimator needs an injected model
	// that was not provided.
	ErrNoBackend = errors.New("no decision model backend")
	// ErrNotPersistent is returned when saving an estimator without Save/Load.
	ErrNotPersistent = errors.New("estimator is not persistent")
)

// Params holds the hyperparameters of every estimator. Each estimator reads
// the fields it needs.
type Params struct {
	Name string

	// KLPE
	K             int
	Algo          string
	Novelty       bool
	Contamination float64
	Workers       int

	// OCSVM
	Sigma float64
	Nu    float64
	SVM   delegate.SVMFactory

	// Isolation forest. ForestContamination 0 keeps the fixed -0.5 offset.
	Trees               int
	SampleSize          int
	Seed                int64
	ForestContamination float64

	// Kernel smoothing
	Bandwidth float64

	Logger *zap.SugaredLogger
}

// DefaultParams returns the defaults of every estimator.
func DefaultParams() Params {
	return Params{
		Name:          klpe.NameAverage,
		K:             6,
		Algo:          string(klpe.AlgoAverage),
		Contamination: 0.05,
		Workers:       1,
		Sigma:         1.0,
		Nu:            0.4,
		Trees:         100,
		SampleSize:    256,
		Seed:          42,
		Bandwidth:     1.0,
	}
}

type builder func(p Params) (detectors.Estimator, error)

var builders = map[string]builder{
	klpe.Name: func(p Params) (detectors.Estimator, error) {
		return klpe.New(append(klpeOptions(p), klpe.WithAlgo(stats.Aggregation(p.Algo)))...), nil
	},
	klpe.NameAverage: func(p Params) (detectors.Estimator, error) {
		return klpe.NewAverage(klpeOptions(p)...), nil
	},
	klpe.NameMax: func(p Params) (detectors.Estimator, error) {
		return klpe.NewMax(klpeOptions(p)...), nil
	},
	delegate.NameOCSVM: func(p Params) (detectors.Estimator, error) {
		if p.SVM == nil {
			return nil, fmt.Errorf("%s: %w", delegate.NameOCSVM, ErrNoBackend)
		}
		return delegate.NewOCSVM(p.SVM, delegate.WithSigma(p.Sigma), delegate.WithNu(p.Nu)), nil
	},
	delegate.NameIsolationForest: func(p Params) (detectors.Estimator, error) {
		return delegate.NewIsolationForest(iforest.New(
			iforest.WithTrees(p.Trees),
			iforest.WithSampleSize(p.SampleSize),
			iforest.WithContamination(p.ForestContamination),
			iforest.WithSeed(p.Seed),
		)), nil
	},
	kde.Name: func(p Params) (detectors.Estimator, error) {
		return kde.New(
			kde.WithBandwidth(p.Bandwidth),
			kde.WithContamination(p.Contamination),
			kde.WithLogger(p.Logger),
		), nil
	},
}

func klpeOptions(p Params) []klpe.Option {
	return []klpe.Option{
		klpe.WithK(p.K),
		klpe.WithContamination(p.Contamination),
		klpe.WithNovelty(p.Novelty),
		klpe.WithWorkers(p.Workers),
		klpe.WithLogger(p.Logger),
	}
}

// Names returns the known estimator names, sorted.
func Names() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the estimator named by p.Name.
func New(p Params) (detectors.Estimator, error) {
	build, ok := builders[p.Name]
	if !ok {
		return nil, fmt.Errorf("%q (known: %v): %w", p.Name, Names(), ErrUnknownEstimator)
	}
	return build(p)
}

// envelope is the persisted form of a fitted estimator.
type envelope struct {
	Name  string
	Model []byte
}

// Save serializes a fitted estimator together with its name.
func Save(est detectors.Estimator) ([]byte, error) {
	p, ok := est.(detectors.Persistent)
	if !ok {
		return nil, fmt.Errorf("%s: %w", est.Name(), ErrNotPersistent)
	}

	model, err := p.Save()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Name: est.Name(), Model: model}); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// Load restores an estimator saved with Save. p supplies the runtime-only
// settings (logger, workers); the hyperparameters come from the saved model.
func Load(data []byte, p Params) (detectors.Estimator, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	p.Name = env.Name
	est, err := New(p)
	if err != nil {
		return nil, err
	}

	persistent, ok := est.(detectors.Persistent)
	if !ok {
		return nil, fmt.Errorf("%s: %w", env.Name, ErrNotPersistent)
	}
	if err := persistent.Load(env.Model); err != nil {
		return nil, err
	}
	return est, nil
}

// Package delegate provides estimators that hand scoring over to an injected
// decision model. The adapters only translate parameters and conventions;
// the model owns the algorithm.
package delegate

import (
	"fmt"
	"math"
	"sync"

	"github.com/hed1ad/anomalytune/pkg/detectors"
	"github.com/hed1ad/anomalytune/pkg/detectors/iforest"
)

// Estimator names.
const (
	NameOCSVM           = "ocsvm"
	NameIsolationForest = "iforest"
)

// adapter fits a decision model and exposes its decision function as the
// estimator score.
type adapter struct {
	mu      sync.RWMutex
	model   detectors.DecisionModel
	trained bool
}

func (a *adapter) fit(name string, model detectors.DecisionModel, data [][]float64) error {
	if _, err := detectors.ValidateMatrix(data); err != nil {
		return fmt.Errorf("fit %s: %w", name, err)
	}
	if err := model.Fit(data); err != nil {
		return fmt.Errorf("fit %s: %w", name, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.model = model
	a.trained = true
	return nil
}

func (a *adapter) scoreSamples(data [][]float64) ([]float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.trained {
		return nil, detectors.ErrNotFitted
	}
	return a.model.DecisionFunction(data)
}

func (a *adapter) predict(data [][]float64) ([]int, error) {
	scores, err := a.scoreSamples(data)
	if err != nil {
		return nil, err
	}
	return detectors.Labels(scores, 0), nil
}

// SVMFactory builds a one-class SVM decision model with a Gaussian kernel
// exp(-gamma*|x-x'|^2) and the given nu.
type SVMFactory func(gamma, nu float64) detectors.DecisionModel

// OCSVM is an anomaly detection estimator based on the One-Class SVM with
// the Gaussian kernel k(x, x') = exp(-|x-x'|^2 / (2*sigma^2)).
type OCSVM struct {
	adapter

	sigma   float64
	nu      float64
	factory SVMFactory
}

// OCSVMOption configures an OCSVM.
type OCSVMOption func(*OCSVM)

// WithSigma sets the Gaussian kernel bandwidth. Must be positive.
func WithSigma(sigma float64) OCSVMOption {
	return func(o *OCSVM) {
		o.sigma = sigma
	}
}

// WithNu sets the nu parameter, in (0, 1].
func WithNu(nu float64) OCSVMOption {
	return func(o *OCSVM) {
		o.nu = nu
	}
}

// NewOCSVM creates an OCSVM estimator backed by models built with factory.
func NewOCSVM(factory SVMFactory, opts ...OCSVMOption) *OCSVM {
	o := &OCSVM{
		sigma:   1.0,
		nu:      0.4,
		factory: factory,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Name returns the estimator name.
func (o *OCSVM) Name() string {
	return NameOCSVM
}

// Sigma returns the kernel bandwidth.
func (o *OCSVM) Sigma() float64 {
	return o.sigma
}

// Nu returns the nu parameter.
func (o *OCSVM) Nu() float64 {
	return o.nu
}

// Gamma returns the kernel coefficient 1/(2*sigma^2) passed to the model.
func (o *OCSVM) Gamma() float64 {
	return 1 / (2 * o.sigma * o.sigma)
}

// Fit builds a fresh model and fits it on data.
func (o *OCSVM) Fit(data [][]float64) error {
	if o.factory == nil {
		return fmt.Errorf("fit %s: no svm factory: %w", NameOCSVM, detectors.ErrInvalidParameter)
	}
	if o.sigma <= 0 || math.IsNaN(o.sigma) || math.IsInf(o.sigma, 0) {
		return fmt.Errorf("fit %s: sigma %v must be positive: %w", NameOCSVM, o.sigma, detectors.ErrInvalidParameter)
	}
	if o.nu <= 0 || o.nu > 1 {
		return fmt.Errorf("fit %s: nu %v must be in (0, 1]: %w", NameOCSVM, o.nu, detectors.ErrInvalidParameter)
	}
	return o.fit(NameOCSVM, o.factory(o.Gamma(), o.nu), data)
}

// ScoreSamples returns the model's decision function.
func (o *OCSVM) ScoreSamples(data [][]float64) ([]float64, error) {
	return o.scoreSamples(data)
}

// Predict labels samples with a negative decision as Anomalous.
func (o *OCSVM) Predict(data [][]float64) ([]int, error) {
	return o.predict(data)
}

// IsolationForest is an anomaly detection estimator based on Isolation
// Forest.
type IsolationForest struct {
	adapter

	forest detectors.DecisionModel
}

// NewIsolationForest creates an estimator scoring with model. A nil model
// uses a default iforest.Forest.
func NewIsolationForest(model detectors.DecisionModel) *IsolationForest {
	if model == nil {
		model = iforest.New()
	}
	return &IsolationForest{forest: model}
}

// Name returns the estimator name.
func (f *IsolationForest) Name() string {
	return NameIsolationForest
}

// Model returns the wrapped decision model.
func (f *IsolationForest) Model() detectors.DecisionModel {
	return f.forest
}

// Fit fits the wrapped model.
func (f *IsolationForest) Fit(data [][]float64) error {
	return f.fit(NameIsolationForest, f.forest, data)
}

// ScoreSamples returns the model's decision function.
func (f *IsolationForest) ScoreSamples(data [][]float64) ([]float64, error) {
	return f.scoreSamples(data)
}

// Predict labels samples with a negative decision as Anomalous.
func (f *IsolationForest) Predict(data [][]float64) ([]int, error) {
	return f.predict(data)
}

// Save serializes the wrapped model when it supports persistence.
func (f *IsolationForest) Save() ([]byte, error) {
	p, ok := f.forest.(detectors.Persistent)
	if !ok {
		return nil, fmt.Errorf("save %s: model %T is not persistent", NameIsolationForest, f.forest)
	}
	return p.Save()
}

// Load restores the wrapped model and marks the estimator fitted.
func (f *IsolationForest) Load(data []byte) error {
	p, ok := f.forest.(detectors.Persistent)
	if !ok {
		return fmt.Errorf("load %s: model %T is not persistent", NameIsolationForest, f.forest)
	}
	if err := p.Load(data); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.model = f.forest
	f.trained = true
	return nil
}

package catalog

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/anomalytune/pkg/detectors"
	"github.com/hed1ad/anomalytune/pkg/detectors/delegate"
	"github.com/hed1ad/anomalytune/pkg/detectors/iforest"
	"github.com/hed1ad/anomalytune/pkg/detectors/kde"
	"github.com/hed1ad/anomalytune/pkg/detectors/klpe"
)

var xTrain = [][]float64{{0, 0}, {1, 1}, {3, 1}}

type constantModel struct{ value float64 }

func (m constantModel) Fit([][]float64) error { return nil }
func (m constantModel) DecisionFunction(data [][]float64) ([]float64, error) {
	out := make([]float64, len(data))
	for i := range out {
		out[i] = m.value
	}
	return out, nil
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"aklpe", "iforest", "klpe", "ks", "mklpe", "ocsvm"}, Names())
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		params   func(p *Params)
		wantType any
		wantErr  error
	}{
		{name: "aklpe", params: func(p *Params) { p.Name = "aklpe" }, wantType: &klpe.KLPE{}},
		{name: "mklpe", params: func(p *Params) { p.Name = "mklpe" }, wantType: &klpe.KLPE{}},
		{name: "klpe", params: func(p *Params) { p.Name, p.Algo = "klpe", "max" }, wantType: &klpe.KLPE{}},
		{name: "iforest", params: func(p *Params) { p.Name = "iforest" }, wantType: &delegate.IsolationForest{}},
		{name: "ks", params: func(p *Params) { p.Name = "ks" }, wantType: &kde.KernelSmoothing{}},
		{
			name: "ocsvm with backend",
			params: func(p *Params) {
				p.Name = "ocsvm"
				p.SVM = func(gamma, nu float64) detectors.DecisionModel { return constantModel{1} }
			},
			wantType: &delegate.OCSVM{},
		},
		{name: "ocsvm without backend", params: func(p *Params) { p.Name = "ocsvm" }, wantErr: ErrNoBackend},
		{name: "unknown", params: func(p *Params) { p.Name = "lof" }, wantErr: ErrUnknownEstimator},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.params(&p)

			est, err := New(p)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, est)
			assert.Equal(t, p.Name, est.Name())
		})
	}
}

func TestNewKLPEUsesParams(t *testing.T) {
	p := DefaultParams()
	p.Name = "klpe"
	p.Algo = "max"
	p.K = 2
	p.Contamination = 0.7

	est, err := New(p)
	require.NoError(t, err)
	require.NoError(t, est.Fit(xTrain))

	scores, err := est.ScoreSamples(xTrain)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{-math.Sqrt(10), -2, -math.Sqrt(10)}, scores, 1e-9)

	pred, err := est.Predict(xTrain)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0}, pred)
}

func TestNewIsolationForestUsesParams(t *testing.T) {
	p := DefaultParams()
	p.Name = "iforest"
	p.Trees = 7
	p.Seed = 9

	est, err := New(p)
	require.NoError(t, err)

	forest, ok := est.(*delegate.IsolationForest).Model().(*iforest.Forest)
	require.True(t, ok)

	data := [][]float64{{0, 0}, {1, 1}, {2, 2}, {3, 3}, {50, 50}}
	require.NoError(t, est.Fit(data))

	twin := iforest.New(iforest.WithTrees(7), iforest.WithSampleSize(256), iforest.WithSeed(9))
	require.NoError(t, twin.Fit(data))

	want, err := twin.DecisionFunction(data)
	require.NoError(t, err)
	got, err := forest.DecisionFunction(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"aklpe", "mklpe", "iforest", "ks"} {
		t.Run(name, func(t *testing.T) {
			p := DefaultParams()
			p.Name = name
			p.K = 2
			p.Contamination = 0.4
			p.Novelty = true
			p.Trees = 10

			est, err := New(p)
			require.NoError(t, err)
			require.NoError(t, est.Fit(xTrain))

			blob, err := Save(est)
			require.NoError(t, err)

			loaded, err := Load(blob, DefaultParams())
			require.NoError(t, err)
			assert.Equal(t, name, loaded.Name())

			query := [][]float64{{-1, 0}, {-1, 1}}
			want, err := est.ScoreSamples(query)
			require.NoError(t, err)
			got, err := loaded.ScoreSamples(query)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestSaveNotPersistent(t *testing.T) {
	p := DefaultParams()
	p.Name = "ocsvm"
	p.SVM = func(gamma, nu float64) detectors.DecisionModel { return constantModel{1} }

	est, err := New(p)
	require.NoError(t, err)
	require.NoError(t, est.Fit(xTrain))

	_, err = Save(est)
	assert.ErrorIs(t, err, ErrNotPersistent)
}

func TestSaveUnfitted(t *testing.T) {
	est, err := New(DefaultParams())
	require.NoError(t, err)

	_, err = Save(est)
	assert.ErrorIs(t, err, detectors.ErrNotFitted)
}

func TestLoadGarbage(t *testing.T) {
	_, err := Load([]byte("garbage"), DefaultParams())
	assert.Error(t, err)
}

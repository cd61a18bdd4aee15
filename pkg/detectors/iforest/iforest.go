// Package iforest implements the Isolation Forest algorithm as a decision
// model: scores follow the "higher is more normal" convention and the
// decision function is negative for outliers.
package iforest

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/hed1ad/anomalytune/pkg/detectors"
	"github.com/hed1ad/anomalytune/pkg/stats"
)

// autoOffset is the decision offset used when no contamination is set:
// samples whose anomaly score 2^(-E[h]/c) exceeds 0.5 get a negative decision.
const autoOffset = -0.5

// eulerGamma is the Euler-Mascheroni constant.
const eulerGamma = 0.5772156649015329

// Forest is an ensemble of isolation trees.
type Forest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleSize    int
	contamination float64
	seed          int64

	// Trained model
	trees      []*Tree
	dims       int
	maxSamples int
	offset     float64
	trained    bool
}

// Tree is a single isolation tree.
type Tree struct {
	Root *Node
}

// Node is a node in an isolation tree. Leaves have nil children.
type Node struct {
	SplitFeature int
	SplitValue   float64
	Left         *Node
	Right        *Node
	// Size is the number of training samples that reached a leaf.
	Size int
}

// Option configures a Forest.
type Option func(*Forest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *Forest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *Forest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies used to place
// the decision offset. Zero keeps the fixed offset of -0.5.
func WithContamination(c float64) Option {
	return func(f *Forest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed. Two forests with the same seed fitted on
// the same data are identical.
func WithSeed(seed int64) Option {
	return func(f *Forest) {
		f.seed = seed
	}
}

// New creates a new Forest with the given options.
func New(opts ...Option) *Forest {
	f := &Forest{
		nTrees:     100,
		sampleSize: 256,
		seed:       42,
		offset:     autoOffset,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Fit grows the trees on random subsamples of data.
func (f *Forest) Fit(data [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dims, err := detectors.ValidateMatrix(data)
	if err != nil {
		return fmt.Errorf("fit isolation forest: %w", err)
	}
	if f.nTrees < 1 || f.sampleSize < 1 {
		return fmt.Errorf("fit isolation forest: trees=%d sample size=%d: %w", f.nTrees, f.sampleSize, detectors.ErrInvalidParameter)
	}
	if f.contamination < 0 || f.contamination > 0.5 {
		return fmt.Errorf("fit isolation forest: contamination %v must be in [0, 0.5]: %w", f.contamination, detectors.ErrInvalidParameter)
	}

	nSamples := len(data)
	sampleSize := min(f.sampleSize, nSamples)
	maxDepth := int(math.Ceil(math.Log2(math.Max(float64(sampleSize), 2))))
	rng := rand.New(rand.NewSource(f.seed))

	trees := make([]*Tree, f.nTrees)
	for i := range trees {
		// Sample without replacement
		indices := rng.Perm(nSamples)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}

		trees[i] = &Tree{Root: buildNode(rng, sample, dims, 0, maxDepth)}
	}

	offset := autoOffset
	if f.contamination > 0 {
		var err error
		offset, err = stats.ScoreAtPercentile(scoreTrees(trees, sampleSize, data), 100*f.contamination)
		if err != nil {
			return fmt.Errorf("fit isolation forest: %w", err)
		}
	}

	f.trees = trees
	f.dims = dims
	f.maxSamples = sampleSize
	f.offset = offset
	f.trained = true

	return nil
}

func buildNode(rng *rand.Rand, data [][]float64, nFeatures, depth, maxDepth int) *Node {
	n := len(data)

	// Terminal conditions
	if depth >= maxDepth || n <= 1 {
		return &Node{Size: n}
	}

	feature := rng.Intn(nFeatures)

	minVal, maxVal := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		minVal = math.Min(minVal, row[feature])
		maxVal = math.Max(maxVal, row[feature])
	}

	// Constant feature: cannot split
	if minVal == maxVal {
		return &Node{Size: n}
	}

	splitValue := minVal + rng.Float64()*(maxVal-minVal)

	var leftData, rightData [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			leftData = append(leftData, row)
		} else {
			rightData = append(rightData, row)
		}
	}
	if len(leftData) == 0 || len(rightData) == 0 {
		return &Node{Size: n}
	}

	return &Node{
		SplitFeature: feature,
		SplitValue:   splitValue,
		Left:         buildNode(rng, leftData, nFeatures, depth+1, maxDepth),
		Right:        buildNode(rng, rightData, nFeatures, depth+1, maxDepth),
	}
}

// ScoreSamples returns the opposite of the anomaly score 2^(-E[h(x)]/c(ψ)),
// in [-1, 0]. The lower, the more abnormal.
func (f *Forest) ScoreSamples(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if err := f.checkQuery(data); err != nil {
		return nil, err
	}
	return f.scoreSamples(data), nil
}

// DecisionFunction returns ScoreSamples shifted by the offset, negative for
// outliers.
func (f *Forest) DecisionFunction(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if err := f.checkQuery(data); err != nil {
		return nil, err
	}
	scores := f.scoreSamples(data)
	for i := range scores {
		scores[i] -= f.offset
	}
	return scores, nil
}

func (f *Forest) checkQuery(data [][]float64) error {
	if !f.trained {
		return detectors.ErrNotFitted
	}
	return detectors.ValidateQuery(data, f.dims)
}

func (f *Forest) scoreSamples(data [][]float64) []float64 {
	return scoreTrees(f.trees, f.maxSamples, data)
}

// scoreTrees returns -2^(-E[h]/c(maxSamples)) for each sample.
func scoreTrees(trees []*Tree, maxSamples int, data [][]float64) []float64 {
	norm := averagePathLength(maxSamples)
	scores := make([]float64, len(data))

	for i, sample := range data {
		var totalPath float64
		for _, tree := range trees {
			totalPath += pathLength(sample, tree.Root, 0)
		}
		avgPath := totalPath / float64(len(trees))

		if norm == 0 {
			scores[i] = -1
			continue
		}
		scores[i] = -math.Pow(2, -avgPath/norm)
	}

	return scores
}

// pathLength calculates the path length for a sample in a tree.
func pathLength(sample []float64, n *Node, depth int) float64 {
	if n.Left == nil && n.Right == nil {
		// Leaf: add the expected path length of the samples left unisolated
		return float64(depth) + averagePathLength(n.Size)
	}

	if sample[n.SplitFeature] < n.SplitValue {
		return pathLength(sample, n.Left, depth+1)
	}
	return pathLength(sample, n.Right, depth+1)
}

// averagePathLength returns the average path length of an unsuccessful
// search in a binary search tree of n points:
// c(n) = 2*H(n-1) - 2*(n-1)/n with H(i) ≈ ln(i) + γ.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// Offset returns the decision offset.
func (f *Forest) Offset() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.offset
}

// snapshot is the gob representation of a trained forest.
type snapshot struct {
	NTrees        int
	SampleSize    int
	Contamination float64
	Seed          int64
	Dims          int
	MaxSamples    int
	Offset        float64
	Trees         []*Tree
}

// Save serializes the trained model.
func (f *Forest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, detectors.ErrNotFitted
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot{
		NTrees:        f.nTrees,
		SampleSize:    f.sampleSize,
		Contamination: f.contamination,
		Seed:          f.seed,
		Dims:          f.dims,
		MaxSamples:    f.maxSamples,
		Offset:        f.offset,
		Trees:         f.trees,
	}); err != nil {
		return nil, fmt.Errorf("encode isolation forest: %w", err)
	}

	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (f *Forest) Load(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return fmt.Errorf("decode isolation forest: %w", err)
	}
	if len(s.Trees) == 0 {
		return errors.New("decode isolation forest: no trees")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nTrees = s.NTrees
	f.sampleSize = s.SampleSize
	f.contamination = s.Contamination
	f.seed = s.Seed
	f.dims = s.Dims
	f.maxSamples = s.MaxSamples
	f.offset = s.Offset
	f.trees = s.Trees
	f.trained = true

	return nil
}

package model

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/canary-tuner/canary-tuner/canary"
)

// Forest is a bagged ensemble of CART regression trees. Each tree is grown on
// a bootstrap sample drawn from its own seeded RNG subsystem; the prediction
// is the mean over trees.
type Forest struct {
	Estimators     int              `json:"estimators"`
	MaxDepth       int              `json:"max_depth"`
	MinSamplesLeaf int              `json:"min_samples_leaf"`
	Seed           int64            `json:"seed"`
	Trees          []regressionTree `json:"trees"`
}

// NewForest creates an unfitted forest.
func NewForest(estimators, maxDepth, minSamplesLeaf int, seed int64) *Forest {
	return &Forest{
		Estimators:     max(1, estimators),
		MaxDepth:       max(1, maxDepth),
		MinSamplesLeaf: max(1, minSamplesLeaf),
		Seed:           seed,
	}
}

// Fit grows Estimators trees on bootstrap samples of (X, y).
func (f *Forest) Fit(X [][]float64, y []float64) error {
	if err := checkTrainingData(X, y); err != nil {
		return err
	}
	rng := NewPartitionedRNG(f.Seed)
	n := len(X)
	f.Trees = make([]regressionTree, f.Estimators)
	for t := range f.Trees {
		r := rng.ForSubsystem(SubsystemTree(t))
		sample := make([]int, n)
		for i := range sample {
			sample[i] = r.Intn(n)
		}
		b := &treeBuilder{X: X, y: y, maxDepth: f.MaxDepth, minLeaf: f.MinSamplesLeaf}
		b.build(sample, 0)
		f.Trees[t] = regressionTree{Nodes: b.nodes}
	}
	return nil
}

// Predict returns the mean prediction of all trees, or NaN if unfitted.
func (f *Forest) Predict(x []float64) float64 {
	if len(f.Trees) == 0 {
		return math.NaN()
	}
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].predict(x)
	}
	return sum / float64(len(f.Trees))
}

func (f *Forest) validate() error {
	if len(f.Trees) == 0 {
		return errors.New("forest has no trees")
	}
	for i, t := range f.Trees {
		if err := t.validate(); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}

// treeNode is a flattened tree node. Feature < 0 marks a leaf.
type treeNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Value     float64 `json:"v"`
}

// regressionTree stores nodes in build order; the root is node 0.
type regressionTree struct {
	Nodes []treeNode `json:"nodes"`
}

func (t *regressionTree) predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// validate checks that every internal node points forward to existing
// nodes, so predict always terminates.
func (t regressionTree) validate() error {
	if len(t.Nodes) == 0 {
		return errors.New("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Feature < 0 {
			continue
		}
		if n.Feature >= len(canary.FeatureNames) {
			return fmt.Errorf("node %d splits on unknown feature %d", i, n.Feature)
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children (%d, %d)", i, n.Left, n.Right)
		}
	}
	return nil
}

// treeBuilder grows one tree depth-first, appending nodes as it goes.
type treeBuilder struct {
	X        [][]float64
	y        []float64
	maxDepth int
	minLeaf  int
	nodes    []treeNode
}

// build grows the subtree for sample idx and returns its node index.
func (b *treeBuilder) build(idx []int, depth int) int {
	var sum float64
	for _, i := range idx {
		sum += b.y[i]
	}
	node := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{Feature: -1, Value: sum / float64(len(idx))})

	if depth >= b.maxDepth || len(idx) < 2*b.minLeaf {
		return node
	}
	feature, threshold, ok := b.bestSplit(idx, sum)
	if !ok {
		return node
	}

	var left, right []int
	for _, i := range idx {
		if b.X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[node].Feature = feature
	b.nodes[node].Threshold = threshold
	b.nodes[node].Left = l
	b.nodes[node].Right = r
	return node
}

// bestSplit finds the split minimizing the summed squared error of both
// children. Ties keep the first candidate in (feature, position) order.
func (b *treeBuilder) bestSplit(idx []int, total float64) (feature int, threshold float64, ok bool) {
	n := len(idx)
	// Minimizing child SSE is maximizing sumL²/nL + sumR²/nR.
	best := total * total / float64(n)
	const minGain = 1e-12

	sorted := make([]int, n)
	for f := range b.X[idx[0]] {
		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, c int) bool { return b.X[sorted[a]][f] < b.X[sorted[c]][f] })

		var sumL float64
		for i := 1; i < n; i++ {
			sumL += b.y[sorted[i-1]]
			lo, hi := b.X[sorted[i-1]][f], b.X[sorted[i]][f]
			if i < b.minLeaf || n-i < b.minLeaf || lo == hi {
				continue
			}
			sumR := total - sumL
			gain := sumL*sumL/float64(i) + sumR*sumR/float64(n-i)
			if gain > best+minGain {
				mid := lo + (hi-lo)/2
				if mid >= hi {
					mid = lo
				}
				best, feature, threshold, ok = gain, f, mid, true
			}
		}
	}
	return feature, threshold, ok
}

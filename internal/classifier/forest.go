// Package classifier implements the bagged decision-tree ensemble used to score
// candidate pairs, along with its portable binary artifact format.
package classifier

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"
)

// leafFeature marks a node as a leaf
const leafFeature = -1

// Node is one entry of a tree's flat node array. Children always sit at higher
// indices than their parent.
type Node struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	// Value is the positive-class probability of a leaf
	Value float64
}

// IsLeaf reports whether the node terminates a path
func (n Node) IsLeaf() bool {
	return n.Feature == leafFeature
}

// Tree is a binary decision tree stored as a flat array rooted at index 0
type Tree struct {
	Nodes []Node
}

// Predict walks the tree for x and returns the leaf probability
func (t *Tree) Predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.IsLeaf() {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Forest is a bagged ensemble of decision trees
type Forest struct {
	NumFeatures int
	Trees       []Tree
}

// PredictProba returns the mean positive-class probability over all trees.
func (f *Forest) PredictProba(x []float64) float64 {
	if len(f.Trees) == 0 || len(x) < f.NumFeatures {
		return 0
	}
	sum := 0.0
	for i := range f.Trees {
		sum += f.Trees[i].Predict(x)
	}
	return sum / float64(len(f.Trees))
}

// Params controls forest training
type Params struct {
	NumTrees        int
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	// MaxFeatures per split; zero means the square root of the feature count
	MaxFeatures int
	Seed        int64
	// Workers bounds parallel tree building
	Workers int
}

// DefaultParams returns the training defaults
func DefaultParams() Params {
	return Params{
		NumTrees:        100,
		MaxDepth:        10,
		MinSamplesSplit: 4,
		MinSamplesLeaf:  1,
		Seed:            1,
		Workers:         4,
	}
}

// Dataset is a labeled design matrix
type Dataset struct {
	X [][]float64
	Y []bool
}

// Len returns the number of samples
func (d Dataset) Len() int {
	return len(d.Y)
}

// Train fits a forest on ds. Trees are built in parallel; each tree draws from
// its own seeded source so the result does not depend on scheduling.
func Train(ctx context.Context, ds Dataset, params Params) (*Forest, error) {
	if ds.Len() == 0 {
		return nil, fmt.Errorf("cannot train on an empty dataset")
	}
	if len(ds.X) != len(ds.Y) {
		return nil, fmt.Errorf("dataset has %d rows but %d labels", len(ds.X), len(ds.Y))
	}
	numFeatures := len(ds.X[0])
	for i, row := range ds.X {
		if len(row) != numFeatures {
			return nil, fmt.Errorf("row %d has %d features, expected %d", i, len(row), numFeatures)
		}
	}
	if params.NumTrees <= 0 {
		return nil, fmt.Errorf("number of trees must be positive: %d", params.NumTrees)
	}
	if params.MaxDepth <= 0 {
		return nil, fmt.Errorf("max depth must be positive: %d", params.MaxDepth)
	}

	maxFeatures := params.MaxFeatures
	if maxFeatures <= 0 || maxFeatures > numFeatures {
		maxFeatures = max(1, int(math.Sqrt(float64(numFeatures))))
	}
	workers := params.Workers
	if workers <= 0 {
		workers = 1
	}

	forest := &Forest{NumFeatures: numFeatures, Trees: make([]Tree, params.NumTrees)}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < params.NumTrees; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b := &treeBuilder{
				ds:          ds,
				params:      params,
				maxFeatures: maxFeatures,
				numFeatures: numFeatures,
				rng:         rand.New(rand.NewSource(params.Seed + int64(i)*7919)),
			}
			forest.Trees[i] = b.build(b.bootstrap())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return forest, nil
}

type treeBuilder struct {
	ds          Dataset
	params      Params
	maxFeatures int
	numFeatures int
	rng         *rand.Rand
	nodes       []Node
}

func (b *treeBuilder) bootstrap() []int {
	n := b.ds.Len()
	sample := make([]int, n)
	for i := range sample {
		sample[i] = b.rng.Intn(n)
	}
	return sample
}

func (b *treeBuilder) build(sample []int) Tree {
	b.nodes = b.nodes[:0]
	b.grow(sample, 0)
	nodes := make([]Node, len(b.nodes))
	copy(nodes, b.nodes)
	return Tree{Nodes: nodes}
}

// grow appends the subtree for sample in pre-order and returns its root index.
func (b *treeBuilder) grow(sample []int, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, Node{Feature: leafFeature})

	positives := 0
	for _, s := range sample {
		if b.ds.Y[s] {
			positives++
		}
	}
	b.nodes[idx].Value = float64(positives) / float64(len(sample))

	if depth >= b.params.MaxDepth || len(sample) < b.params.MinSamplesSplit ||
		positives == 0 || positives == len(sample) {
		return idx
	}

	feature, threshold, ok := b.bestSplit(sample, positives)
	if !ok {
		return idx
	}

	var left, right []int
	for _, s := range sample {
		if b.ds.X[s][feature] <= threshold {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}

	b.nodes[idx].Feature = feature
	b.nodes[idx].Threshold = threshold
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[idx].Left = l
	b.nodes[idx].Right = r
	return idx
}

func gini(pos, n int) float64 {
	if n == 0 {
		return 0
	}
	p := float64(pos) / float64(n)
	return 2 * p * (1 - p)
}

// bestSplit searches a random feature subset for the threshold with the lowest
// weighted gini impurity.
func (b *treeBuilder) bestSplit(sample []int, positives int) (int, float64, bool) {
	n := len(sample)
	bestScore := gini(positives, n)
	bestFeature, bestThreshold := -1, 0.0
	minLeaf := max(1, b.params.MinSamplesLeaf)

	features := b.rng.Perm(b.numFeatures)[:b.maxFeatures]
	sort.Ints(features)

	sorted := make([]int, n)
	for _, feature := range features {
		copy(sorted, sample)
		sort.SliceStable(sorted, func(i, j int) bool {
			return b.ds.X[sorted[i]][feature] < b.ds.X[sorted[j]][feature]
		})

		leftPos := 0
		for i := 0; i < n-1; i++ {
			if b.ds.Y[sorted[i]] {
				leftPos++
			}
			lv, rv := b.ds.X[sorted[i]][feature], b.ds.X[sorted[i+1]][feature]
			if lv == rv {
				continue
			}
			leftN := i + 1
			rightN := n - leftN
			if leftN < minLeaf || rightN < minLeaf {
				continue
			}
			score := (float64(leftN)*gini(leftPos, leftN) + float64(rightN)*gini(positives-leftPos, rightN)) / float64(n)
			if score < bestScore-1e-12 {
				bestScore = score
				bestFeature = feature
				bestThreshold = lv + (rv-lv)/2
			}
		}
	}

	return bestFeature, bestThreshold, bestFeature >= 0
}

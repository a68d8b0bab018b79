package rules

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func column(values ...float64) [][]float64 {
	data := make([][]float64, len(values))
	for i, v := range values {
		data[i] = []float64{v}
	}
	return data
}

func allRows(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func TestFitTreeSplits(t *testing.T) {
	tests := []struct {
		name          string
		x             [][]float64
		y             []float64
		cfg           TreeConfig
		wantNodes     int
		wantThreshold float64
	}{
		{
			name:          "separable classes",
			x:             column(1, 2, 3, 4),
			y:             []float64{0, 0, 1, 1},
			cfg:           TreeConfig{MaxDepth: 1},
			wantNodes:     3,
			wantThreshold: 2.5,
		},
		{
			name:          "entropy criterion",
			x:             column(1, 2, 3, 4),
			y:             []float64{0, 0, 1, 1},
			cfg:           TreeConfig{Criterion: Entropy, MaxDepth: 1},
			wantNodes:     3,
			wantThreshold: 2.5,
		},
		{
			name:          "regression criterion",
			x:             column(1, 2, 3, 4),
			y:             []float64{1, 1, 5, 5},
			cfg:           TreeConfig{Criterion: MSE, MaxDepth: 3},
			wantNodes:     3,
			wantThreshold: 2.5,
		},
		{
			name:          "min samples leaf moves the cut",
			x:             column(1, 2, 3, 4),
			y:             []float64{0, 0, 0, 1},
			cfg:           TreeConfig{MaxDepth: 1, MinSamplesLeaf: 2},
			wantNodes:     3,
			wantThreshold: 2.5,
		},
		{
			name:          "unconstrained leaf isolates the positive",
			x:             column(1, 2, 3, 4),
			y:             []float64{0, 0, 0, 1},
			cfg:           TreeConfig{MaxDepth: 1},
			wantNodes:     3,
			wantThreshold: 3.5,
		},
		{
			name:          "max thresholds limits candidates",
			x:             column(1, 2, 3, 4),
			y:             []float64{0, 0, 0, 1},
			cfg:           TreeConfig{MaxDepth: 1, MaxThresholds: 1},
			wantNodes:     3,
			wantThreshold: 1.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := FitTree(tt.x, tt.y, allRows(len(tt.x)), []int{0}, tt.cfg)

			require.Len(t, tree.Nodes, tt.wantNodes)
			root := tree.Nodes[0]
			assert.False(t, root.IsLeaf())
			assert.Equal(t, 0, root.Feature)
			assert.Equal(t, tt.wantThreshold, root.Threshold)
			assert.Equal(t, noChild, root.Parent)
		})
	}
}

func TestFitTreeStops(t *testing.T) {
	tests := []struct {
		name string
		x    [][]float64
		y    []float64
		cfg  TreeConfig
	}{
		{
			name: "pure node",
			x:    column(1, 2, 3, 4),
			y:    []float64{1, 1, 1, 1},
			cfg:  TreeConfig{MaxDepth: 3},
		},
		{
			name: "zero variance feature",
			x:    column(7, 7, 7, 7),
			y:    []float64{0, 1, 0, 1},
			cfg:  TreeConfig{MaxDepth: 3},
		},
		{
			name: "below min samples split",
			x:    column(1, 2, 3, 4),
			y:    []float64{0, 0, 1, 1},
			cfg:  TreeConfig{MaxDepth: 3, MinSamplesSplit: 5},
		},
		{
			name: "zero depth",
			x:    column(1, 2, 3, 4),
			y:    []float64{0, 0, 1, 1},
			cfg:  TreeConfig{MaxDepth: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := FitTree(tt.x, tt.y, allRows(len(tt.x)), []int{0}, tt.cfg)

			require.Len(t, tree.Nodes, 1)
			assert.True(t, tree.Nodes[0].IsLeaf())
			assert.Equal(t, 4, tree.Nodes[0].Samples)
			assert.Equal(t, 1, tree.Leaves())
		})
	}
}

func TestFitTreeNonFiniteValues(t *testing.T) {
	inf := math.Inf(1)

	tests := []struct {
		name      string
		x         [][]float64
		y         []float64
		wantNodes int
	}{
		{
			name:      "only infinite cut",
			x:         column(-inf, -inf, inf, inf),
			y:         []float64{0, 0, 1, 1},
			wantNodes: 1,
		},
		{
			name:      "finite cut preferred over infinite one",
			x:         column(-inf, 1, 2, 3),
			y:         []float64{1, 1, 0, 0},
			wantNodes: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := FitTree(tt.x, tt.y, allRows(len(tt.x)), []int{0}, TreeConfig{MaxDepth: 3})

			require.Len(t, tree.Nodes, tt.wantNodes)
			for id, n := range tree.Nodes {
				assert.Positive(t, n.Samples, "node %d", id)
				assert.False(t, math.IsNaN(n.Value), "node %d", id)
				if n.IsLeaf() {
					continue
				}
				assert.False(t, math.IsNaN(n.Threshold) || math.IsInf(n.Threshold, 0), "node %d", id)
				assert.Positive(t, tree.Nodes[n.Left].Samples)
				assert.Positive(t, tree.Nodes[n.Right].Samples)
			}
		})
	}
}

func TestFitTreeArena(t *testing.T) {
	x := [][]float64{
		{1, 0}, {2, 1}, {3, 0}, {4, 1},
		{5, 0}, {6, 1}, {7, 0}, {8, 1},
	}
	y := []float64{0, 0, 0, 1, 1, 1, 0, 1}

	tree := FitTree(x, y, allRows(len(x)), []int{0, 1}, TreeConfig{MaxDepth: 3})

	require.Greater(t, len(tree.Nodes), 1)
	for id, n := range tree.Nodes {
		assert.LessOrEqual(t, n.Depth, 3)
		if n.IsLeaf() {
			assert.Equal(t, noChild, n.Right)
			continue
		}
		require.NotEqual(t, noChild, n.Right)
		left, right := tree.Nodes[n.Left], tree.Nodes[n.Right]
		assert.Equal(t, id, left.Parent)
		assert.Equal(t, id, right.Parent)
		assert.Equal(t, n.Depth+1, left.Depth)
		assert.Equal(t, n.Samples, left.Samples+right.Samples)
	}
}

func TestFitTreeOutOfBag(t *testing.T) {
	x := column(1, 2, 3, 4, 5)
	y := []float64{0, 0, 1, 1, 1}

	tree := FitTree(x, y, []int{0, 0, 3, 3, 1}, []int{0}, TreeConfig{MaxDepth: 2})

	assert.Equal(t, []int{2, 4}, tree.OutOfBag)
	assert.Equal(t, 5, tree.Nodes[0].Samples)
}

func TestFitTreeEmptyBag(t *testing.T) {
	tree := FitTree(column(1, 2), []float64{0, 1}, nil, []int{0}, TreeConfig{MaxDepth: 2})

	assert.Empty(t, tree.Nodes)
	assert.Equal(t, []int{0, 1}, tree.OutOfBag)
	assert.Empty(t, ExtractRules(tree, 0))
}

func TestFitTreeFeatureSubset(t *testing.T) {
	// Feature 0 separates perfectly but only feature 1 may be used.
	x := [][]float64{{1, 10}, {2, 30}, {3, 20}, {4, 40}}
	y := []float64{0, 0, 1, 1}

	tree := FitTree(x, y, allRows(len(x)), []int{1}, TreeConfig{MaxDepth: 1})

	require.False(t, tree.Nodes[0].IsLeaf())
	assert.Equal(t, 1, tree.Nodes[0].Feature)
}

func TestFitTreeMaxFeatures(t *testing.T) {
	// Feature 0 separates perfectly, feature 1 is a shuffled copy of the row order.
	x := make([][]float64, 20)
	y := make([]float64, 20)
	for i := range x {
		x[i] = []float64{float64(i), float64(i * 7 % 20)}
		if i >= 10 {
			y[i] = 1
		}
	}

	all := FitTree(x, y, allRows(len(x)), []int{0, 1}, TreeConfig{MaxDepth: 1})
	require.False(t, all.Nodes[0].IsLeaf())
	assert.Equal(t, 0, all.Nodes[0].Feature)

	rootFeatures := map[int]bool{}
	for seed := int64(1); seed <= 20; seed++ {
		tree := FitTree(x, y, allRows(len(x)), []int{0, 1}, TreeConfig{
			MaxDepth:    1,
			MaxFeatures: FeatureCount(1),
			Rand:        rand.New(rand.NewSource(seed)),
		})
		require.False(t, tree.Nodes[0].IsLeaf())
		rootFeatures[tree.Nodes[0].Feature] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, rootFeatures, "each split sees a random single feature")

	again := func() *Tree {
		return FitTree(x, y, allRows(len(x)), []int{0, 1}, TreeConfig{
			MaxDepth:    3,
			MaxFeatures: FeatureCount(1),
			Rand:        rand.New(rand.NewSource(9)),
		})
	}
	assert.Equal(t, again().Nodes, again().Nodes)
}

func TestParseCriterion(t *testing.T) {
	tests := []struct {
		in      string
		want    Criterion
		wantErr bool
	}{
		{in: "gini", want: Gini},
		{in: " Entropy ", want: Entropy},
		{in: "mse", want: MSE},
		{in: "regression", want: MSE},
		{in: "hinge", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCriterion(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) Criterion {
	t.Helper()
	c, err := ParseCriterion(s)
	require.NoError(t, err)
	return c
}

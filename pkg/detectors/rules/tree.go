package rules

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
)

// Criterion is the impurity measure minimized when choosing a split.
type Criterion int

const (
	// Gini impurity, for classification trees.
	Gini Criterion = iota
	// Entropy (information gain), for classification trees.
	Entropy
	// MSE (variance reduction), for regression trees.
	MSE
)

func (c Criterion) String() string {
	switch c {
	case Gini:
		return "gini"
	case Entropy:
		return "entropy"
	case MSE:
		return "mse"
	default:
		return fmt.Sprintf("criterion(%d)", int(c))
	}
}

// ParseCriterion maps a criterion name to its Criterion.
func ParseCriterion(s string) (Criterion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gini":
		return Gini, nil
	case "entropy":
		return Entropy, nil
	case "mse", "regression":
		return MSE, nil
	default:
		return 0, fmt.Errorf("%w: unknown criterion %q", ErrInvalidConfiguration, s)
	}
}

// noChild marks an absent node handle.
const noChild = -1

// minImpurityDecrease is the smallest impurity drop accepted as a split.
const minImpurityDecrease = 1e-12

// TreeConfig controls the growth of a single tree.
type TreeConfig struct {
	Criterion       Criterion
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	// MaxThresholds caps the candidate thresholds per feature and node, 0 means all.
	MaxThresholds int
	// MaxFeatures limits the features drawn as split candidates at each node.
	MaxFeatures FeatureLimit
	// Rand draws the per-node feature subsets. It must not be shared between
	// goroutines; a fixed seed is used when nil.
	Rand *rand.Rand
}

func (c TreeConfig) withDefaults() TreeConfig {
	if c.MinSamplesSplit < 2 {
		c.MinSamplesSplit = 2
	}
	if c.MinSamplesLeaf < 1 {
		c.MinSamplesLeaf = 1
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(1))
	}
	return c
}

// Node is an element of a Tree's node arena.
// Internal nodes route x[Feature] <= Threshold to Left and the rest to Right.
type Node struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Parent    int
	Depth     int
	// Samples is the number of in-bag rows that reached the node.
	Samples int
	// Value is the mean target of those rows (the positive rate for 0/1 labels).
	Value    float64
	Impurity float64
}

// IsLeaf reports whether the node has no children.
func (n Node) IsLeaf() bool {
	return n.Left == noChild
}

// Tree is a binary decision or regression tree stored as an arena.
// Nodes[0] is the root; handles are indices into Nodes.
type Tree struct {
	Nodes     []Node
	Criterion Criterion
	// OutOfBag lists the rows of the full dataset that were not drawn to fit the tree.
	OutOfBag []int
}

// Leaves returns the number of leaf nodes.
func (t *Tree) Leaves() int {
	n := 0
	for _, node := range t.Nodes {
		if node.IsLeaf() {
			n++
		}
	}
	return n
}

// FitTree grows a tree on the rows of X listed in inBag (duplicates allowed),
// considering only the given feature columns. The rows of X absent from inBag
// are recorded as the tree's out-of-bag set.
func FitTree(X [][]float64, y []float64, inBag []int, features []int, cfg TreeConfig) *Tree {
	cfg = cfg.withDefaults()
	t := &Tree{Criterion: cfg.Criterion, OutOfBag: outOfBag(len(X), inBag)}
	if len(inBag) == 0 {
		return t
	}
	b := &treeBuilder{
		x:        X,
		y:        y,
		features: features,
		perSplit: cfg.MaxFeatures.resolve(len(features)),
		cfg:      cfg,
		tree:     t,
	}
	idx := make([]int, len(inBag))
	copy(idx, inBag)
	b.grow(idx, noChild, 0)
	return t
}

func outOfBag(n int, inBag []int) []int {
	drawn := make([]bool, n)
	for _, i := range inBag {
		drawn[i] = true
	}
	oob := make([]int, 0, n)
	for i, d := range drawn {
		if !d {
			oob = append(oob, i)
		}
	}
	return oob
}

type treeBuilder struct {
	x        [][]float64
	y        []float64
	features []int
	perSplit int
	cfg      TreeConfig
	tree     *Tree
}

type split struct {
	feature   int
	threshold float64
	impurity  float64
}

func (b *treeBuilder) grow(idx []int, parent, depth int) int {
	n, sum, sumSq := b.moments(idx)
	imp := impurity(b.cfg.Criterion, n, sum, sumSq)
	id := len(b.tree.Nodes)
	b.tree.Nodes = append(b.tree.Nodes, Node{
		Feature:  noChild,
		Left:     noChild,
		Right:    noChild,
		Parent:   parent,
		Depth:    depth,
		Samples:  len(idx),
		Value:    sum / n,
		Impurity: imp,
	})

	// Terminal conditions
	if depth >= b.cfg.MaxDepth || len(idx) < b.cfg.MinSamplesSplit || imp <= minImpurityDecrease {
		return id
	}

	s, ok := b.bestSplit(idx, imp)
	if !ok {
		return id
	}

	var leftIdx, rightIdx []int
	for _, i := range idx {
		if b.x[i][s.feature] <= s.threshold {
			leftIdx = append(leftIdx, i)
		} else {
			rightIdx = append(rightIdx, i)
		}
	}

	if len(leftIdx) == 0 || len(rightIdx) == 0 {
		return id
	}

	left := b.grow(leftIdx, id, depth+1)
	right := b.grow(rightIdx, id, depth+1)

	// The arena may have grown, so index it only after both children exist.
	node := &b.tree.Nodes[id]
	node.Feature = s.feature
	node.Threshold = s.threshold
	node.Left = left
	node.Right = right
	return id
}

func (b *treeBuilder) moments(idx []int) (n, sum, sumSq float64) {
	for _, i := range idx {
		v := b.y[i]
		sum += v
		sumSq += v * v
	}
	return float64(len(idx)), sum, sumSq
}

// candidates returns the features examined at one node in ascending order.
func (b *treeBuilder) candidates() []int {
	if b.perSplit >= len(b.features) {
		return b.features
	}
	picked := make([]int, b.perSplit)
	for i, j := range b.cfg.Rand.Perm(len(b.features))[:b.perSplit] {
		picked[i] = b.features[j]
	}
	sort.Ints(picked)
	return picked
}

// bestSplit scans the candidate features for the threshold with the lowest weighted
// child impurity. Ties keep the first candidate in feature, then threshold order.
func (b *treeBuilder) bestSplit(idx []int, parentImpurity float64) (split, bool) {
	n, sum, sumSq := b.moments(idx)
	best := split{impurity: parentImpurity - minImpurityDecrease}
	found := false
	order := make([]int, len(idx))

	for _, f := range b.candidates() {
		copy(order, idx)
		sort.Slice(order, func(i, j int) bool {
			return b.x[order[i]][f] < b.x[order[j]][f]
		})

		var lsum, lsq float64
		pos := 0
		for _, c := range b.cuts(order, f) {
			for ; pos < c; pos++ {
				v := b.y[order[pos]]
				lsum += v
				lsq += v * v
			}
			nl, nr := float64(c), n-float64(c)
			if c < b.cfg.MinSamplesLeaf || len(order)-c < b.cfg.MinSamplesLeaf {
				continue
			}
			imp := (nl*impurity(b.cfg.Criterion, nl, lsum, lsq) +
				nr*impurity(b.cfg.Criterion, nr, sum-lsum, sumSq-lsq)) / n
			if imp < best.impurity {
				lo, hi := b.x[order[c-1]][f], b.x[order[c]][f]
				t := lo + (hi-lo)/2
				if t >= hi {
					t = lo
				}
				if math.IsNaN(t) || math.IsInf(t, 0) {
					continue
				}
				best = split{feature: f, threshold: t, impurity: imp}
				found = true
			}
		}
	}
	return best, found
}

// cuts returns the positions in the sorted order where the feature value
// changes; a cut at c puts order[:c] on the left. With MaxThresholds set,
// an evenly spaced subset is returned.
func (b *treeBuilder) cuts(order []int, f int) []int {
	var cuts []int
	for c := 1; c < len(order); c++ {
		if b.x[order[c-1]][f] < b.x[order[c]][f] {
			cuts = append(cuts, c)
		}
	}
	limit := b.cfg.MaxThresholds
	if limit <= 0 || len(cuts) <= limit {
		return cuts
	}
	picked := make([]int, 0, limit)
	for k := 0; k < limit; k++ {
		picked = append(picked, cuts[k*len(cuts)/limit])
	}
	return picked
}

// impurity evaluates a criterion from the count, sum and sum of squares of
// the node's targets. Classification criteria read targets as 0/1.
func impurity(c Criterion, n, sum, sumSq float64) float64 {
	if n == 0 {
		return 0
	}
	switch c {
	case Entropy:
		p := sum / n
		if p <= 0 || p >= 1 {
			return 0
		}
		return -p*math.Log2(p) - (1-p)*math.Log2(1-p)
	case MSE:
		mean := sum / n
		v := sumSq/n - mean*mean
		if v < 0 {
			return 0
		}
		return v
	default:
		p := sum / n
		return 2 * p * (1 - p)
	}
}

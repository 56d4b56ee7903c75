package churn

import (
	"sort"
)

// node is one node of a flattened regression tree. Leaves have feature == -1. Leaf values are
// already scaled by the learning rate; cover is the hessian mass that reached the node.
type node struct {
	feature   int
	threshold float64
	left      int
	right     int
	value     float64
	cover     float64
}

type tree struct {
	nodes []node
}

func (t *tree) predict(x []float64) float64 {
	i := 0
	for t.nodes[i].feature >= 0 {
		n := t.nodes[i]
		if x[n.feature] <= n.threshold {
			i = n.left
		} else {
			i = n.right
		}
	}
	return t.nodes[i].value
}

// expectation is the cover-weighted mean leaf value, the tree's output when no feature is known.
func (t *tree) expectation() float64 {
	return t.conditional(0, nil, 0)
}

// conditional evaluates the tree when only the features in known (bitmask over positions of
// used) are observed; unobserved splits average their children by cover.
func (t *tree) conditional(i int, x []float64, known uint64) float64 {
	n := t.nodes[i]
	if n.feature < 0 {
		return n.value
	}
	if known&(1<<uint(n.feature)) != 0 {
		if x[n.feature] <= n.threshold {
			return t.conditional(n.left, x, known)
		}
		return t.conditional(n.right, x, known)
	}
	l, r := t.nodes[n.left], t.nodes[n.right]
	total := l.cover + r.cover
	if total <= 0 {
		return (t.conditional(n.left, x, known) + t.conditional(n.right, x, known)) / 2
	}
	return (l.cover*t.conditional(n.left, x, known) + r.cover*t.conditional(n.right, x, known)) / total
}

// features returns the distinct feature indices the tree splits on, ascending.
func (t *tree) features() []int {
	seen := make(map[int]bool)
	var out []int
	for _, n := range t.nodes {
		if n.feature >= 0 && !seen[n.feature] {
			seen[n.feature] = true
			out = append(out, n.feature)
		}
	}
	sort.Ints(out)
	return out
}

// treeBuilder grows one depth-limited tree on gradient statistics with exact greedy splits.
type treeBuilder struct {
	x              [][]float64
	grad, hess     []float64
	maxDepth       int
	lambda         float64
	minChildWeight float64
	learningRate   float64
	nodes          []node
}

func (b *treeBuilder) build(idx []int) tree {
	b.nodes = b.nodes[:0]
	b.grow(idx, 0)
	return tree{nodes: append([]node(nil), b.nodes...)}
}

func (b *treeBuilder) grow(idx []int, depth int) int {
	var g, h float64
	for _, i := range idx {
		g += b.grad[i]
		h += b.hess[i]
	}
	at := len(b.nodes)
	b.nodes = append(b.nodes, node{feature: -1, value: -b.learningRate * g / (h + b.lambda), cover: h})
	if depth >= b.maxDepth || len(idx) < 2 {
		return at
	}

	feature, threshold, ok := b.bestSplit(idx, g, h)
	if !ok {
		return at
	}
	var left, right []int
	for _, i := range idx {
		if b.x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[at] = node{feature: feature, threshold: threshold, left: l, right: r, cover: h}
	return at
}

// bestSplit scans every feature in order; strictly larger gain wins so ties keep the earlier
// feature and the lower threshold.
func (b *treeBuilder) bestSplit(idx []int, g, h float64) (int, float64, bool) {
	const minGain = 1e-9
	parent := g * g / (h + b.lambda)
	bestGain := minGain
	bestFeature, bestThreshold := -1, 0.0

	sorted := make([]int, len(idx))
	for f := 0; f < len(b.x[idx[0]]); f++ {
		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, c int) bool { return b.x[sorted[a]][f] < b.x[sorted[c]][f] })

		var gl, hl float64
		for k := 0; k < len(sorted)-1; k++ {
			i := sorted[k]
			gl += b.grad[i]
			hl += b.hess[i]
			cur, next := b.x[i][f], b.x[sorted[k+1]][f]
			if cur == next {
				continue
			}
			gr, hr := g-gl, h-hl
			if hl < b.minChildWeight || hr < b.minChildWeight {
				continue
			}
			gain := gl*gl/(hl+b.lambda) + gr*gr/(hr+b.lambda) - parent
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = (cur + next) / 2
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

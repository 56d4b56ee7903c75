package churn

import (
	"context"
	"fmt"

	"github.com/miradorstack/mirador-insights/internal/models"
)

// Boosting configures a gradient-boosted tree ensemble independent of the loss.
type Boosting struct {
	Rounds         int
	MaxDepth       int
	LearningRate   float64
	Lambda         float64
	MinChildWeight float64
}

// GradientFunc fills grad and hess for every row from the ensemble's current raw output.
type GradientFunc func(pred, grad, hess []float64)

// Ensemble is a fitted sequence of regression trees. Its raw output is Base plus the leaf
// value of every tree.
type Ensemble struct {
	Base  float64
	trees []tree
}

// Fit grows b.Rounds trees on x starting from base. ctx is checked between rounds; a cancelled
// fit returns no ensemble.
func (b Boosting) Fit(ctx context.Context, x [][]float64, base float64, gradients GradientFunc) (*Ensemble, error) {
	n := len(x)
	idx := make([]int, n)
	pred := make([]float64, n)
	for i := range idx {
		idx[i] = i
		pred[i] = base
	}
	builder := &treeBuilder{
		x:              x,
		grad:           make([]float64, n),
		hess:           make([]float64, n),
		maxDepth:       b.MaxDepth,
		lambda:         b.Lambda,
		minChildWeight: b.MinChildWeight,
		learningRate:   b.LearningRate,
	}
	ens := &Ensemble{Base: base}
	if n == 0 {
		return ens, nil
	}
	for round := 0; round < b.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("boosting cancelled at round %d: %w", round, err)
		}
		gradients(pred, builder.grad, builder.hess)
		t := builder.build(idx)
		for i := range x {
			pred[i] += t.predict(x[i])
		}
		ens.trees = append(ens.trees, t)
	}
	return ens, nil
}

// Predict returns the raw ensemble output for an encoded row.
func (e *Ensemble) Predict(x []float64) float64 {
	out := e.Base
	for i := range e.trees {
		out += e.trees[i].predict(x)
	}
	return out
}

// Expectation is the output when no feature is known: Base plus every tree's cover-weighted mean.
func (e *Ensemble) Expectation() float64 {
	out := e.Base
	for i := range e.trees {
		out += e.trees[i].expectation()
	}
	return out
}

// Contributions returns exact per-feature Shapley values of x summed over the trees. They add
// up to Predict(x) minus Expectation().
func (e *Ensemble) Contributions(x []float64, features int) []float64 {
	phi := make([]float64, features)
	for i := range e.trees {
		e.trees[i].shapley(x, phi)
	}
	return phi
}

// Len returns the number of trees.
func (e *Ensemble) Len() int { return len(e.trees) }

// ExportTrees flattens the trees into their artifact shape.
func (e *Ensemble) ExportTrees() []models.TreeArtifact {
	return exportTrees(e.trees)
}

// ImportEnsemble rebuilds an ensemble over a feature vector of the given width.
func ImportEnsemble(base float64, trees []models.TreeArtifact, features int) (*Ensemble, error) {
	ts, err := importTrees(trees, features)
	if err != nil {
		return nil, err
	}
	return &Ensemble{Base: base, trees: ts}, nil
}

func exportTrees(trees []tree) []models.TreeArtifact {
	out := make([]models.TreeArtifact, len(trees))
	for i, t := range trees {
		nodes := make([]models.TreeNodeArtifact, len(t.nodes))
		for j, n := range t.nodes {
			nodes[j] = models.TreeNodeArtifact{
				Feature:   n.feature,
				Threshold: n.threshold,
				Left:      n.left,
				Right:     n.right,
				Value:     n.value,
				Cover:     n.cover,
			}
		}
		out[i] = models.TreeArtifact{Nodes: nodes}
	}
	return out
}

// importTrees checks every node's feature index and child links before building.
func importTrees(arts []models.TreeArtifact, features int) ([]tree, error) {
	out := make([]tree, len(arts))
	for i, t := range arts {
		if len(t.Nodes) == 0 {
			return nil, fmt.Errorf("tree %d is empty", i)
		}
		nodes := make([]node, len(t.Nodes))
		for j, n := range t.Nodes {
			if n.Feature >= features {
				return nil, fmt.Errorf("tree %d node %d references feature %d", i, j, n.Feature)
			}
			if n.Feature >= 0 && (n.Left <= j || n.Right <= j || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes)) {
				return nil, fmt.Errorf("tree %d node %d has invalid children", i, j)
			}
			nodes[j] = node{feature: n.Feature, threshold: n.Threshold, left: n.Left, right: n.Right, value: n.Value, cover: n.Cover}
		}
		out[i] = tree{nodes: nodes}
	}
	return out, nil
}

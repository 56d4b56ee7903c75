package segment

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/miradorstack/mirador-insights/internal/models"
)

// DefaultPurityThreshold is the minimum member share a leaf needs to become a rule.
const DefaultPurityThreshold = 0.8

// DefaultRuleDepth bounds the membership tree.
const DefaultRuleDepth = 3

type ruleLeaf struct {
	path    []models.Predicate
	members int
	total   int
}

// ruleTree fits a class-balanced Gini tree predicting "unit belongs to the cluster".
type ruleTree struct {
	x        [][]float64
	target   []bool
	weights  []float64
	features []string
	maxDepth int
	leaves   []ruleLeaf
}

// ExtractRule describes cluster as the predicate path to the purest leaf voting for it. When
// no such leaf reaches purity, the rule is the explicit mixed outcome rather than a guess.
// pool restricts the features the rule may use; nil means every clustering feature.
func ExtractRule(cluster models.Cluster, table UnitTable, pool []string, maxDepth int, purity float64) models.Rule {
	if maxDepth <= 0 {
		maxDepth = DefaultRuleDepth
	}
	if purity <= 0 {
		purity = DefaultPurityThreshold
	}
	mixed := models.Rule{Mixed: true, Text: models.MixedRuleText}

	var cols []int
	if len(pool) == 0 {
		pool = table.Features
	}
	var features []string
	for _, f := range pool {
		if j := table.index(f); j >= 0 {
			cols = append(cols, j)
			features = append(features, f)
		}
	}
	inCluster := make(map[string]bool, len(cluster.Units))
	for _, key := range cluster.Units {
		inCluster[key] = true
	}
	if len(cols) == 0 || len(inCluster) == 0 {
		return mixed
	}

	rt := &ruleTree{features: features, maxDepth: maxDepth}
	positives := 0
	for _, u := range table.Units {
		row := make([]float64, len(cols))
		for i, j := range cols {
			row[i] = u.Values[j]
		}
		rt.x = append(rt.x, row)
		member := inCluster[u.Key]
		rt.target = append(rt.target, member)
		if member {
			positives++
		}
	}
	negatives := len(rt.target) - positives
	if positives == 0 {
		return mixed
	}
	rt.weights = make([]float64, len(rt.target))
	for i, member := range rt.target {
		if member {
			rt.weights[i] = 1 / (2 * float64(positives))
		} else {
			rt.weights[i] = 1 / (2 * float64(negatives))
		}
	}

	idx := make([]int, len(rt.target))
	for i := range idx {
		idx[i] = i
	}
	rt.grow(idx, nil, 0)

	var best *ruleLeaf
	for i := range rt.leaves {
		leaf := &rt.leaves[i]
		if best == nil || leaf.purity() > best.purity() ||
			(leaf.purity() == best.purity() && leaf.members > best.members) {
			best = leaf
		}
	}
	if best == nil || best.purity() < purity {
		return mixed
	}
	preds := simplify(best.path)
	return models.Rule{
		Predicates: preds,
		Purity:     best.purity(),
		Support:    best.members,
		Coverage:   float64(best.members) / float64(positives),
		Text:       ruleText(preds),
	}
}

func (l ruleLeaf) purity() float64 {
	if l.total == 0 {
		return 0
	}
	return float64(l.members) / float64(l.total)
}

func (rt *ruleTree) grow(idx []int, path []models.Predicate, depth int) {
	var wPos, wNeg float64
	members := 0
	for _, i := range idx {
		if rt.target[i] {
			wPos += rt.weights[i]
			members++
		} else {
			wNeg += rt.weights[i]
		}
	}
	if depth < rt.maxDepth && wPos > 0 && wNeg > 0 {
		if f, thr, ok := rt.bestSplit(idx, wPos, wNeg); ok {
			var left, right []int
			for _, i := range idx {
				if rt.x[i][f] <= thr {
					left = append(left, i)
				} else {
					right = append(right, i)
				}
			}
			rt.grow(left, appendPredicate(path, models.Predicate{Feature: rt.features[f], Op: models.OpLessEqual, Threshold: thr}), depth+1)
			rt.grow(right, appendPredicate(path, models.Predicate{Feature: rt.features[f], Op: models.OpGreater, Threshold: thr}), depth+1)
			return
		}
	}
	// only leaves that vote for the cluster can become its rule
	if wPos > wNeg {
		rt.leaves = append(rt.leaves, ruleLeaf{path: path, members: members, total: len(idx)})
	}
}

func appendPredicate(path []models.Predicate, p models.Predicate) []models.Predicate {
	out := make([]models.Predicate, len(path), len(path)+1)
	copy(out, path)
	return append(out, p)
}

func gini(pos, neg float64) float64 {
	total := pos + neg
	if total == 0 {
		return 0
	}
	p := pos / total
	return 2 * p * (1 - p)
}

func (rt *ruleTree) bestSplit(idx []int, wPos, wNeg float64) (int, float64, bool) {
	const minGain = 1e-12
	parent := (wPos + wNeg) * gini(wPos, wNeg)
	bestGain := minGain
	bestFeature, bestThreshold := -1, 0.0

	sorted := make([]int, len(idx))
	for f := range rt.features {
		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, b int) bool { return rt.x[sorted[a]][f] < rt.x[sorted[b]][f] })
		var lPos, lNeg float64
		for k := 0; k < len(sorted)-1; k++ {
			i := sorted[k]
			if rt.target[i] {
				lPos += rt.weights[i]
			} else {
				lNeg += rt.weights[i]
			}
			cur, next := rt.x[i][f], rt.x[sorted[k+1]][f]
			if cur == next {
				continue
			}
			rPos, rNeg := wPos-lPos, wNeg-lNeg
			gain := parent - (lPos+lNeg)*gini(lPos, lNeg) - (rPos+rNeg)*gini(rPos, rNeg)
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = (cur + next) / 2
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

// simplify keeps the tightest bound per feature and direction, in first-seen order.
func simplify(path []models.Predicate) []models.Predicate {
	type key struct{ feature, op string }
	pos := make(map[key]int)
	var out []models.Predicate
	for _, p := range path {
		k := key{p.Feature, p.Op}
		i, seen := pos[k]
		if !seen {
			pos[k] = len(out)
			out = append(out, p)
			continue
		}
		if (p.Op == models.OpLessEqual && p.Threshold < out[i].Threshold) ||
			(p.Op == models.OpGreater && p.Threshold > out[i].Threshold) {
			out[i].Threshold = p.Threshold
		}
	}
	return out
}

func ruleText(preds []models.Predicate) string {
	if len(preds) == 0 {
		return "all records"
	}
	parts := make([]string, len(preds))
	for i, p := range preds {
		parts[i] = fmt.Sprintf("%s %s %s", p.Feature, p.Op, strconv.FormatFloat(math.Round(p.Threshold*100)/100, 'f', -1, 64))
	}
	return strings.Join(parts, " AND ")
}

package churn

// shapley returns exact per-feature Shapley values of one tree for input x, using the
// cover-weighted conditional expectation as the value function. Only features the tree
// splits on can be non-zero, so the enumeration is over subsets of those. The values sum
// to predict(x) - expectation().
func (t *tree) shapley(x []float64, out []float64) {
	used := t.features()
	m := len(used)
	if m == 0 {
		return
	}

	// value of every subset of used, indexed by bitmask over positions in used
	values := make([]float64, 1<<uint(m))
	for mask := range values {
		var known uint64
		for j := 0; j < m; j++ {
			if mask&(1<<uint(j)) != 0 {
				known |= 1 << uint(used[j])
			}
		}
		values[mask] = t.conditional(0, x, known)
	}

	weights := shapleyWeights(m)
	for j := 0; j < m; j++ {
		bit := 1 << uint(j)
		phi := 0.0
		for mask := range values {
			if mask&bit != 0 {
				continue
			}
			phi += weights[popcount(mask)] * (values[mask|bit] - values[mask])
		}
		out[used[j]] += phi
	}
}

// shapleyWeights returns |S|!(m-|S|-1)!/m! for |S| = 0..m-1.
func shapleyWeights(m int) []float64 {
	fact := make([]float64, m+1)
	fact[0] = 1
	for i := 1; i <= m; i++ {
		fact[i] = fact[i-1] * float64(i)
	}
	w := make([]float64, m)
	for s := 0; s < m; s++ {
		w[s] = fact[s] * fact[m-s-1] / fact[m]
	}
	return w
}

func popcount(v int) int {
	n := 0
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}

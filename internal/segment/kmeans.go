package segment

import (
	"math"
	"math/rand"
)

type kmeansResult struct {
	centroids [][]float64
	labels    []int
	inertia   float64
}

// kmeans runs nInit k-means++ seeded Lloyd fits from one RNG stream and keeps the lowest
// inertia; earlier restarts win ties.
func kmeans(points [][]float64, k, nInit, maxIter int, rng *rand.Rand) kmeansResult {
	var best kmeansResult
	for run := 0; run < nInit; run++ {
		res := lloyd(points, seedCentroids(points, k, rng), maxIter)
		if run == 0 || res.inertia < best.inertia {
			best = res
		}
	}
	return best
}

func seedCentroids(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(points)
	centroids := [][]float64{clone(points[rng.Intn(n)])}
	d2 := make([]float64, n)
	for i := range d2 {
		d2[i] = math.Inf(1)
	}
	for len(centroids) < k {
		last := centroids[len(centroids)-1]
		total := 0.0
		for i, p := range points {
			if d := sqDist(p, last); d < d2[i] {
				d2[i] = d
			}
			total += d2[i]
		}
		next := rng.Intn(n)
		if total > 0 {
			r := rng.Float64() * total
			acc := 0.0
			for i, d := range d2 {
				acc += d
				if acc >= r && d > 0 {
					next = i
					break
				}
			}
		}
		centroids = append(centroids, clone(points[next]))
	}
	return centroids
}

func lloyd(points [][]float64, centroids [][]float64, maxIter int) kmeansResult {
	k, dims := len(centroids), len(points[0])
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = -1
	}
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, p := range points {
			if c, _ := nearest(p, centroids); c != labels[i] {
				labels[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dims)
		}
		for i, p := range points {
			counts[labels[i]]++
			for j, v := range p {
				sums[labels[i]][j] += v
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				// re-seed an empty cluster on the point worst served by its centroid
				far, farDist := 0, -1.0
				for i, p := range points {
					if d := sqDist(p, centroids[labels[i]]); d > farDist {
						far, farDist = i, d
					}
				}
				centroids[c] = clone(points[far])
				continue
			}
			for j := range sums[c] {
				centroids[c][j] = sums[c][j] / float64(counts[c])
			}
		}
	}

	inertia := 0.0
	for i, p := range points {
		c, d := nearest(p, centroids)
		labels[i] = c
		inertia += d
	}
	return kmeansResult{centroids: centroids, labels: labels, inertia: inertia}
}

// nearest returns the closest centroid index (lowest index on ties) and its squared distance.
func nearest(p []float64, centroids [][]float64) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := sqDist(p, centroid); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

// silhouette is the mean silhouette coefficient; singleton clusters score zero.
func silhouette(points [][]float64, labels []int, k int) float64 {
	n := len(points)
	if n < 2 || k < 2 {
		return 0
	}
	total := 0.0
	sums := make([]float64, k)
	counts := make([]int, k)
	for _, l := range labels {
		counts[l]++
	}
	for i, p := range points {
		for c := range sums {
			sums[c] = 0
		}
		for j, q := range points {
			if i != j {
				sums[labels[j]] += math.Sqrt(sqDist(p, q))
			}
		}
		own := labels[i]
		if counts[own] <= 1 {
			continue
		}
		a := sums[own] / float64(counts[own]-1)
		b := math.Inf(1)
		for c := 0; c < k; c++ {
			if c == own || counts[c] == 0 {
				continue
			}
			b = math.Min(b, sums[c]/float64(counts[c]))
		}
		if math.IsInf(b, 1) {
			continue
		}
		if m := math.Max(a, b); m > 0 {
			total += (b - a) / m
		}
	}
	return total / float64(n)
}

func sqDist(a, b []float64) float64 {
	d := 0.0
	for i := range a {
		diff := a[i] - b[i]
		d += diff * diff
	}
	return d
}

func clone(v []float64) []float64 {
	return append([]float64(nil), v...)
}

package kmeans

import (
	"math"
	"math/rand/v2"
)

// Split shuffles vectors with seed and holds out testFraction of them for
// validation.
func Split(vectors [][]float32, testFraction float64, seed uint64) (train, test [][]float32) {
	idx := make([]int, len(vectors))
	for i := range idx {
		idx[i] = i
	}
	rng := rand.New(rand.NewPCG(seed, seed))
	rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	nTest := int(math.Ceil(float64(len(vectors)) * testFraction))
	if nTest >= len(vectors) {
		nTest = len(vectors) - 1
	}
	if nTest < 0 {
		nTest = 0
	}
	for i, j := range idx {
		if i < nTest {
			test = append(test, vectors[j])
		} else {
			train = append(train, vectors[j])
		}
	}
	return train, test
}

// Labels predicts every vector.
func (m *Model) Labels(vectors [][]float32) []int {
	labels := make([]int, len(vectors))
	for i, v := range vectors {
		labels[i], _ = m.nearest(v)
	}
	return labels
}

// Balance moves labels out of clusters larger than len(labels)/k into
// smaller ones, lowest indices first, so cluster sizes end up as even as
// the target allows.
func Balance(labels []int, k int) []int {
	out := append([]int(nil), labels...)
	if k <= 0 || len(labels) == 0 {
		return out
	}
	sizes := make([]int, k)
	for _, l := range labels {
		if l >= 0 && l < k {
			sizes[l]++
		}
	}
	target := len(labels) / k

	for i := 0; i < k; i++ {
		excess := sizes[i] - target
		for j := 0; j < k && excess > 0; j++ {
			needed := target - sizes[j]
			if needed <= 0 {
				continue
			}
			move := min(excess, needed)
			for p := 0; p < len(out) && move > 0; p++ {
				if out[p] == i {
					out[p] = j
					move--
					sizes[i]--
					sizes[j]++
					excess--
				}
			}
		}
	}
	return out
}

// Silhouette returns the mean silhouette coefficient of labels over
// vectors, using at most sample vectors. It reports false when fewer than
// two clusters are present.
func Silhouette(vectors [][]float32, labels []int, sample int) (float64, bool) {
	if sample > 0 && len(vectors) > sample {
		vectors = vectors[:sample]
		labels = labels[:sample]
	}
	clusters := make(map[int]int)
	for _, l := range labels {
		clusters[l]++
	}
	if len(clusters) < 2 {
		return 0, false
	}

	var total float64
	for i, v := range vectors {
		sums := make(map[int]float64, len(clusters))
		for j, w := range vectors {
			if i == j {
				continue
			}
			sums[labels[j]] += dist(v, w)
		}

		own := labels[i]
		if clusters[own] <= 1 {
			continue // silhouette of a singleton is 0
		}
		a := sums[own] / float64(clusters[own]-1)
		b := math.Inf(1)
		for c, n := range clusters {
			if c == own {
				continue
			}
			if mean := sums[c] / float64(n); mean < b {
				b = mean
			}
		}
		if s := math.Max(a, b); s > 0 {
			total += (b - a) / s
		}
	}
	return total / float64(len(vectors)), true
}

func dist(a, b []float32) float64 {
	var s float64
	for i, x := range a {
		d := float64(x) - float64(b[i])
		s += d * d
	}
	return math.Sqrt(s)
}

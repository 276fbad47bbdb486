// Package kmeans clusters dense vectors with k-means++ seeding and Lloyd
// iterations. Training is deterministic for a given seed.
package kmeans

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

const (
	DefaultClusters = 5
	DefaultSeed     = 42
	DefaultMaxIter  = 300
	// DefaultTolerance stops iterating once no centroid moves further.
	DefaultTolerance = 1e-4
)

// ErrTooFewVectors is returned when there are fewer vectors than clusters.
var ErrTooFewVectors = errors.New("fewer vectors than clusters")

// Options configures Train.
type Options struct {
	K         int
	Seed      uint64
	MaxIter   int
	Tolerance float64
}

func (o *Options) defaults() {
	if o.K <= 0 {
		o.K = DefaultClusters
	}
	if o.Seed == 0 {
		o.Seed = DefaultSeed
	}
	if o.MaxIter <= 0 {
		o.MaxIter = DefaultMaxIter
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
}

// Model is trained k-means state. It is immutable after training and safe
// for concurrent use.
type Model struct {
	Centroids [][]float64 `json:"centroids"`
	// Inertia is the sum of squared distances of the training vectors to
	// their closest centroid.
	Inertia    float64 `json:"inertia"`
	Iterations int     `json:"iterations"`
}

// Train fits k centroids to vectors.
func Train(vectors [][]float32, opts Options) (*Model, error) {
	opts.defaults()
	if len(vectors) < opts.K {
		return nil, fmt.Errorf("%w: %d vectors, %d clusters", ErrTooFewVectors, len(vectors), opts.K)
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dim)
		}
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	centroids := seed(vectors, opts.K, rng)
	labels := make([]int, len(vectors))

	m := &Model{Centroids: centroids}
	for iter := 1; iter <= opts.MaxIter; iter++ {
		m.Iterations = iter
		for i, v := range vectors {
			labels[i], _ = m.nearest(v)
		}

		sums := make([][]float64, opts.K)
		counts := make([]int, opts.K)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, v := range vectors {
			c := labels[i]
			counts[c]++
			for j, x := range v {
				sums[c][j] += float64(x)
			}
		}

		var shift float64
		for c := range centroids {
			if counts[c] == 0 {
				// Empty cluster: move it onto the vector worst served by its
				// centroid.
				far := farthest(vectors, m)
				sums[c] = toFloat64(vectors[far])
				counts[c] = 1
			}
			for j := range sums[c] {
				sums[c][j] /= float64(counts[c])
			}
			shift += sqDist64(centroids[c], sums[c])
			centroids[c] = sums[c]
		}
		if shift <= opts.Tolerance {
			break
		}
	}

	var inertia float64
	for _, v := range vectors {
		_, d := m.nearest(v)
		inertia += d
	}
	m.Inertia = inertia
	return m, nil
}

// seed picks initial centroids with k-means++.
func seed(vectors [][]float32, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, toFloat64(vectors[rng.IntN(len(vectors))]))

	dist := make([]float64, len(vectors))
	for i, v := range vectors {
		dist[i] = sqDist(v, centroids[0])
	}
	for len(centroids) < k {
		var total float64
		for _, d := range dist {
			total += d
		}
		next := 0
		if total == 0 {
			next = rng.IntN(len(vectors))
		} else {
			target := rng.Float64() * total
			for i, d := range dist {
				target -= d
				if target <= 0 {
					next = i
					break
				}
				next = i
			}
		}
		c := toFloat64(vectors[next])
		centroids = append(centroids, c)
		for i, v := range vectors {
			if d := sqDist(v, c); d < dist[i] {
				dist[i] = d
			}
		}
	}
	return centroids
}

// K returns the number of clusters.
func (m *Model) K() int {
	return len(m.Centroids)
}

// Dim returns the vector dimension the model was trained on.
func (m *Model) Dim() int {
	if len(m.Centroids) == 0 {
		return 0
	}
	return len(m.Centroids[0])
}

// Predict returns the index of the centroid closest to v.
func (m *Model) Predict(v []float32) (int, error) {
	if len(m.Centroids) == 0 {
		return 0, errors.New("model has no centroids")
	}
	if len(v) != len(m.Centroids[0]) {
		return 0, fmt.Errorf("vector has dimension %d, model expects %d", len(v), len(m.Centroids[0]))
	}
	label, _ := m.nearest(v)
	return label, nil
}

func (m *Model) nearest(v []float32) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range m.Centroids {
		if d := sqDist(v, centroid); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

func farthest(vectors [][]float32, m *Model) int {
	idx, worst := 0, -1.0
	for i, v := range vectors {
		if _, d := m.nearest(v); d > worst {
			idx, worst = i, d
		}
	}
	return idx
}

func sqDist(a []float32, b []float64) float64 {
	var s float64
	for i, x := range a {
		d := float64(x) - b[i]
		s += d * d
	}
	return s
}

func sqDist64(a, b []float64) float64 {
	var s float64
	for i, x := range a {
		d := x - b[i]
		s += d * d
	}
	return s
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

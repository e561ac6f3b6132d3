package detection

import (
	"errors"
	"math"
	"math/rand"
	"sort"
)

const eulerGamma = 0.5772156649015329

var ErrNotFitted = errors.New("model is not fitted")

// isoNode is a flattened tree node; Left < 0 marks a leaf.
type isoNode struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s"`
	Left    int     `json:"l"`
	Right   int     `json:"r"`
	Size    int     `json:"n"`
}

type isoTree struct {
	Nodes []isoNode `json:"nodes"`
}

// IsolationForest scores samples by how quickly random axis-aligned splits
// isolate them. Decision is ScoreSamples minus an offset fitted so that the
// contamination fraction of the training set scores below zero.
type IsolationForest struct {
	Trees         []isoTree `json:"trees"`
	SampleSize    int       `json:"sample_size"`
	Offset        float64   `json:"offset"`
	Contamination float64   `json:"contamination"`
}

type ForestConfig struct {
	Trees         int
	SampleSize    int
	Contamination float64
	Seed          int64
}

func DefaultForestConfig() ForestConfig {
	return ForestConfig{Trees: 100, SampleSize: 256, Contamination: 0.1, Seed: 42}
}

func FitIsolationForest(x [][]float64, cfg ForestConfig) (*IsolationForest, error) {
	if len(x) < 2 {
		return nil, errors.New("isolation forest needs at least 2 samples")
	}
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	psi := cfg.SampleSize
	if psi <= 0 || psi > len(x) {
		psi = len(x)
	}
	maxDepth := int(math.Ceil(math.Log2(math.Max(float64(psi), 2))))
	rng := rand.New(rand.NewSource(cfg.Seed))

	f := &IsolationForest{
		Trees:         make([]isoTree, cfg.Trees),
		SampleSize:    psi,
		Contamination: cfg.Contamination,
	}
	for t := range f.Trees {
		idx := rng.Perm(len(x))[:psi]
		tree := isoTree{}
		tree.grow(x, idx, 0, maxDepth, rng)
		f.Trees[t] = tree
	}

	scores := make([]float64, len(x))
	for i, row := range x {
		scores[i] = f.ScoreSample(row)
	}
	f.Offset = percentile(scores, 100*cfg.Contamination)
	return f, nil
}

func (t *isoTree) grow(x [][]float64, idx []int, depth, maxDepth int, rng *rand.Rand) int {
	pos := len(t.Nodes)
	t.Nodes = append(t.Nodes, isoNode{Left: -1, Right: -1, Size: len(idx)})
	if depth >= maxDepth || len(idx) <= 1 {
		return pos
	}

	dims := len(x[idx[0]])
	for _, feat := range rng.Perm(dims) {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := x[i][feat]
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if hi <= lo {
			continue
		}
		split := lo + rng.Float64()*(hi-lo)
		var left, right []int
		for _, i := range idx {
			if x[i][feat] < split {
				left = append(left, i)
			} else {
				right = append(right, i)
			}
		}
		if len(left) == 0 || len(right) == 0 {
			continue
		}
		l := t.grow(x, left, depth+1, maxDepth, rng)
		r := t.grow(x, right, depth+1, maxDepth, rng)
		t.Nodes[pos].Feature = feat
		t.Nodes[pos].Split = split
		t.Nodes[pos].Left = l
		t.Nodes[pos].Right = r
		return pos
	}
	return pos
}

func (t *isoTree) pathLength(row []float64) float64 {
	depth := 0.0
	n := 0
	for {
		node := t.Nodes[n]
		if node.Left < 0 {
			return depth + avgPathLength(node.Size)
		}
		if row[node.Feature] < node.Split {
			n = node.Left
		} else {
			n = node.Right
		}
		depth++
	}
}

// ScoreSample is -2^(-E[h(x)]/c(psi)); values near -1 are anomalous.
func (f *IsolationForest) ScoreSample(row []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	sum := 0.0
	for i := range f.Trees {
		sum += f.Trees[i].pathLength(row)
	}
	mean := sum / float64(len(f.Trees))
	return -math.Pow(2, -mean/avgPathLength(f.SampleSize))
}

// Decision is negative for outliers.
func (f *IsolationForest) Decision(row []float64) float64 {
	return f.ScoreSample(row) - f.Offset
}

// avgPathLength is c(n), the mean unsuccessful-search path length of a BST.
func avgPathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// percentile interpolates linearly between order statistics.
func percentile(xs []float64, q float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	if len(s) == 0 {
		return 0
	}
	pos := q / 100 * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return s[lo]
	}
	return s[lo] + (s[hi]-s[lo])*(pos-float64(lo))
}

// StandardScaler centres each column and scales it to unit population variance.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

func FitScaler(x [][]float64) StandardScaler {
	if len(x) == 0 {
		return StandardScaler{}
	}
	dims := len(x[0])
	s := StandardScaler{Mean: make([]float64, dims), Scale: make([]float64, dims)}
	n := float64(len(x))
	for _, row := range x {
		for j, v := range row {
			s.Mean[j] += v / n
		}
	}
	for _, row := range x {
		for j, v := range row {
			d := v - s.Mean[j]
			s.Scale[j] += d * d / n
		}
	}
	for j := range s.Scale {
		s.Scale[j] = math.Sqrt(s.Scale[j])
		if s.Scale[j] == 0 {
			s.Scale[j] = 1
		}
	}
	return s
}

func (s StandardScaler) Transform(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		scaled := make([]float64, len(row))
		for j, v := range row {
			if j < len(s.Mean) {
				scaled[j] = (v - s.Mean[j]) / s.Scale[j]
			}
		}
		out[i] = scaled
	}
	return out
}

// Package similarity compares identity embeddings.
//
// Both metrics accumulate in float64 and tolerate degenerate input: empty,
// length-mismatched and zero-norm vectors produce the metric's "no match"
// value instead of NaN or a panic.
package similarity

import (
	"fmt"
	"math"
	"strings"
)

// Epsilon is the smallest norm NormalizedEuclidean treats as a signal.
const Epsilon = 1e-10

// MaxDistance is the largest possible distance between unit vectors.
const MaxDistance = 2.0

// Cosine returns the cosine similarity of a and b in [-1, 1].
// It returns exactly 0 for empty, length-mismatched or all-zero input.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// NormalizedEuclidean returns the Euclidean distance between a and b after
// scaling each to unit length. Empty, length-mismatched or zero-norm
// (below Epsilon) input returns MaxDistance, so two zero vectors are as
// far apart as possible rather than identical.
func NormalizedEuclidean(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return MaxDistance
	}

	normA, normB := norm(a), norm(b)
	if normA < Epsilon || normB < Epsilon {
		return MaxDistance
	}

	var sum float64
	for i := range a {
		d := float64(a[i])/normA - float64(b[i])/normB
		sum += d * d
	}
	return math.Sqrt(sum)
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Metric selects how two embeddings are compared.
type Metric string

const (
	// MetricCosine scores by similarity; higher is closer.
	MetricCosine Metric = "cosine"
	// MetricEuclidean scores by normalized distance; lower is closer.
	MetricEuclidean Metric = "euclidean"
)

// Default thresholds per metric.
const (
	DefaultCosineThreshold    = 0.72
	DefaultEuclideanThreshold = 0.8
)

// ParseMetric converts a configuration string to a Metric.
func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(s))) {
	case MetricCosine, "":
		return MetricCosine, nil
	case MetricEuclidean:
		return MetricEuclidean, nil
	default:
		return "", fmt.Errorf("unknown similarity metric %q", s)
	}
}

// DefaultThreshold returns the acceptance threshold for a metric.
func (m Metric) DefaultThreshold() float64 {
	if m == MetricEuclidean {
		return DefaultEuclideanThreshold
	}
	return DefaultCosineThreshold
}

// Scorer compares embeddings with a metric and an acceptance threshold.
type Scorer struct {
	Metric    Metric
	Threshold float64
}

// NewScorer creates a scorer. A non-positive threshold selects the
// metric default.
func NewScorer(metric Metric, threshold float64) Scorer {
	if metric == "" {
		metric = MetricCosine
	}
	if threshold <= 0 {
		threshold = metric.DefaultThreshold()
	}
	return Scorer{Metric: metric, Threshold: threshold}
}

// DefaultScorer is cosine similarity at 0.72.
func DefaultScorer() Scorer {
	return NewScorer(MetricCosine, DefaultCosineThreshold)
}

// Score computes the metric value for a pair.
func (s Scorer) Score(a, b []float32) float64 {
	if s.Metric == MetricEuclidean {
		return NormalizedEuclidean(a, b)
	}
	return Cosine(a, b)
}

// Accept reports whether a score passes the threshold. Cosine scores must
// reach it; euclidean distances must not exceed it.
func (s Scorer) Accept(score float64) bool {
	if s.Metric == MetricEuclidean {
		return score <= s.Threshold
	}
	return score >= s.Threshold
}

// Compare scores a pair and applies the threshold. Pairs that cannot be
// compared (empty, mismatched or all-zero) never match.
func (s Scorer) Compare(a, b []float32) (float64, bool) {
	score := s.Score(a, b)
	if !usable(a, b) {
		return score, false
	}
	return score, s.Accept(score)
}

// BestMatch finds the gallery entry closest to query.
// Returns the index (-1 for an empty gallery), its score, and whether it
// passes the threshold.
func (s Scorer) BestMatch(query []float32, gallery [][]float32) (int, float64, bool) {
	if len(gallery) == 0 {
		return -1, s.worst(), false
	}

	bestIdx := -1
	best := s.worst()
	for i, emb := range gallery {
		if !usable(query, emb) {
			continue
		}
		score := s.Score(query, emb)
		if bestIdx < 0 || s.better(score, best) {
			bestIdx = i
			best = score
		}
	}

	if bestIdx < 0 {
		return -1, best, false
	}
	return bestIdx, best, s.Accept(best)
}

func (s Scorer) better(a, b float64) bool {
	if s.Metric == MetricEuclidean {
		return a < b
	}
	return a > b
}

func (s Scorer) worst() float64 {
	if s.Metric == MetricEuclidean {
		return MaxDistance
	}
	return 0
}

func usable(a, b []float32) bool {
	return len(a) > 0 && len(a) == len(b) && norm(a) > 0 && norm(b) > 0
}

package task

import "math"

// ProgressEpsilon is the tolerance used when comparing progress values.
const ProgressEpsilon = 1e-9

// Weighted is one contribution to a weighted progress average.
type Weighted struct {
	Weight   int
	Progress float64
}

// WeightedProgress returns Σ(progress×weight)/Σ(weight). ok is false when
// the total weight is zero, in which case callers keep the stored value.
func WeightedProgress(items []Weighted) (progress float64, ok bool) {
	var sum, total float64
	for _, it := range items {
		if it.Weight <= 0 {
			continue
		}
		sum += it.Progress * float64(it.Weight)
		total += float64(it.Weight)
	}
	if total == 0 {
		return 0, false
	}
	return sum / total, true
}

// SameProgress reports whether a and b are equal within ProgressEpsilon.
func SameProgress(a, b float64) bool {
	return math.Abs(a-b) <= ProgressEpsilon
}

// TaskContributions maps tasks to their weighted progress contributions.
func TaskContributions(tasks []*Task) []Weighted {
	out := make([]Weighted, len(tasks))
	for i, t := range tasks {
		out[i] = Weighted{Weight: t.Weight, Progress: t.Progress}
	}
	return out
}

// TodoContributions maps todo items to their weighted progress contributions.
func TodoContributions(items []*TodoItem) []Weighted {
	out := make([]Weighted, len(items))
	for i, it := range items {
		out[i] = Weighted{Weight: it.Weight, Progress: it.Progress}
	}
	return out
}

// ValidProgress reports whether p lies in [0, 100].
func ValidProgress(p float64) bool {
	return !math.IsNaN(p) && p >= 0 && p <= 100
}

// ValidWeight reports whether w lies in [MinWeight, MaxWeight].
func ValidWeight(w int) bool {
	return w >= MinWeight && w <= MaxWeight
}

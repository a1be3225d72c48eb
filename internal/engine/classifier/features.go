package classifier

import (
	"fmt"
	"math"
)

// FeatureSet selects how a short tail of counts is turned into the screener's
// input vector.
type FeatureSet int

const (
	// FeatureBasic is the raw counts only.
	FeatureBasic FeatureSet = iota
	// FeatureStandard appends mean and standard deviation.
	FeatureStandard
	// FeatureFull further appends minimum, maximum and least-squares slope.
	FeatureFull
)

// ParseFeatureSet maps the artifact's feature_set name onto a FeatureSet.
func ParseFeatureSet(s string) (FeatureSet, error) {
	switch s {
	case "basic", "":
		return FeatureBasic, nil
	case "standard":
		return FeatureStandard, nil
	case "full":
		return FeatureFull, nil
	default:
		return 0, fmt.Errorf("unknown feature set %q", s)
	}
}

func (f FeatureSet) String() string {
	switch f {
	case FeatureBasic:
		return "basic"
	case FeatureStandard:
		return "standard"
	case FeatureFull:
		return "full"
	default:
		return "unknown"
	}
}

// Arity is the length of the feature vector for a tail of k counts.
func (f FeatureSet) Arity(k int) int {
	switch f {
	case FeatureStandard:
		return k + 2
	case FeatureFull:
		return k + 5
	default:
		return k
	}
}

// Extract writes the feature vector of tail into dst, which must have length
// Arity(len(tail)).
func (f FeatureSet) Extract(tail []uint32, dst []float64) {
	k := len(tail)
	var sum float64
	for i, c := range tail {
		dst[i] = float64(c)
		sum += float64(c)
	}
	if f == FeatureBasic || k == 0 {
		return
	}

	mean := sum / float64(k)
	var sq float64
	for _, c := range tail {
		d := float64(c) - mean
		sq += d * d
	}
	dst[k] = mean
	dst[k+1] = math.Sqrt(sq / float64(k))
	if f == FeatureStandard {
		return
	}

	lo, hi := dst[0], dst[0]
	var num, den float64
	xm := float64(k-1) / 2
	for i := 0; i < k; i++ {
		v := dst[i]
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		num += (float64(i) - xm) * (v - mean)
		den += (float64(i) - xm) * (float64(i) - xm)
	}
	dst[k+2] = lo
	dst[k+3] = hi
	if den > 0 {
		dst[k+4] = num / den
	} else {
		dst[k+4] = 0
	}
}

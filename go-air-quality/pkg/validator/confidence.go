package validator

import "math"

// MeanPercentDiff returns |a-b| / ((a+b)/2) as a fraction (0.7 means 70%).
// Two zero channels agree perfectly.
func MeanPercentDiff(a, b float64) float64 {
	avg := (a + b) / 2
	if avg == 0 {
		return 0
	}
	return math.Abs(a-b) / avg
}

// Confidence maps inter-channel disagreement onto [0, 100]; 100 is full agreement.
func Confidence(a, b float64) float64 {
	if (a+b)/2 == 0 {
		return 100
	}
	meanPercentDiff := MeanPercentDiff(a, b) * 100
	penalty := math.Max(math.Round(meanPercentDiff/1.6)-25, 0)
	return math.Max(100-penalty, 0)
}

// Diverged reports whether the channels disagree by more than threshold.
func Diverged(a, b, threshold float64) bool {
	return MeanPercentDiff(a, b) > threshold
}

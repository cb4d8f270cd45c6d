package classifier

import "math"

// flatTolerance is the relative deviation below which a series is treated
// as constant. Summing equal non-integer values leaves a residue near 1e-17.
const flatTolerance = 1e-9

// MeanStdDev returns the mean and population standard deviation.
func MeanStdDev(values []float64) (mean, stdDev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	stdDev = math.Sqrt(sq / float64(len(values)))
	return mean, stdDev
}

// Outliers flags values with |v - mean| > k*stddev and returns the z-score
// of every value. Fewer than 2 values or a deviation that is zero up to
// rounding flag nothing and yield zero scores.
func Outliers(values []float64, k float64) ([]bool, []float64) {
	flags := make([]bool, len(values))
	scores := make([]float64, len(values))
	if len(values) < 2 {
		return flags, scores
	}
	mean, sd := MeanStdDev(values)
	if sd <= flatTolerance*math.Max(1, math.Abs(mean)) || allEqual(values) {
		return flags, scores
	}
	for i, v := range values {
		scores[i] = (v - mean) / sd
		flags[i] = math.Abs(v-mean) > k*sd
	}
	return flags, scores
}

func allEqual(values []float64) bool {
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}

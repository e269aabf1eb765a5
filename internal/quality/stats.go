package quality

import "math"

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64, m float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sumSquaredDiff float64
	for _, v := range values {
		diff := v - m
		sumSquaredDiff += diff * diff
	}
	return math.Sqrt(sumSquaredDiff / float64(len(values)-1))
}

// zScore is the number of standard deviations v sits from the mean of values
func zScore(v float64, values []float64) float64 {
	m := mean(values)
	sd := stdDev(values, m)
	if sd == 0 {
		return 0
	}
	return math.Abs(v-m) / sd
}

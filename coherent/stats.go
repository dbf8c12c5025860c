package coherent

import (
	"math"
)

// RollingStats summarize a window of readings.  Std is the population
// standard deviation (divide by N, not N-1).
type RollingStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`

	// N is the number of readings that contributed, NaNs excluded
	N int `json:"n"`
}

// Aggregate computes the mean, population standard deviation, minimum and
// maximum of values, ignoring NaN entries.  An empty or all-NaN input is an
// *AggregationError, never a NaN statistic.
func Aggregate(values []float64) (RollingStats, error) {
	var (
		sum float64
		n   int
		out = RollingStats{Min: math.Inf(1), Max: math.Inf(-1)}
	)
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
		if v < out.Min {
			out.Min = v
		}
		if v > out.Max {
			out.Max = v
		}
	}
	if n == 0 {
		if len(values) == 0 {
			return RollingStats{}, &AggregationError{Reason: "history is empty"}
		}
		return RollingStats{}, &AggregationError{Reason: "history holds no valid readings"}
	}
	out.N = n
	out.Mean = sum / float64(n)

	var ss float64
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		d := v - out.Mean
		ss += d * d
	}
	out.Std = math.Sqrt(ss / float64(n))
	return out, nil
}

// StdPercent is the standard deviation as a percentage of the magnitude of
// the mean.
// It is undefined, and an error, when the mean is zero.
func (r RollingStats) StdPercent() (float64, error) {
	if r.Mean == 0 {
		return 0, &AggregationError{Reason: "mean is zero, relative deviation is undefined"}
	}
	return r.Std / math.Abs(r.Mean) * 100, nil
}

// Scaled returns a copy of r with the power valued statistics multiplied by
// scale.Factor()
func (r RollingStats) Scaled(scale UnitScale) RollingStats {
	f := scale.Factor()
	r.Mean *= f
	r.Std *= f
	r.Min *= f
	r.Max *= f
	return r
}

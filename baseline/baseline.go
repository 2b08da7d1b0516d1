// Package baseline converts raw observations to and from the
// deseasonalized residuals the autoregressive model operates on. Two
// transform variants exist: a parametric harmonic-regression baseline
// and a non-parametric periodic-bucket baseline. The variant is chosen
// once per variable at configuration time.
package baseline

import (
	"fmt"
	"math"
	"sort"
)

// KindHarmonic and KindNonParametric name the two transform variants.
const (
	KindHarmonic      = "harmonic"
	KindNonParametric = "nonparametric"
)

// Config selects and parameterizes the baseline of one variable. Times
// are sample indices; periods are expressed in samples.
type Config struct {
	// Kind is "harmonic" (default) or "nonparametric".
	Kind string `yaml:"kind"`

	// SamplesPerDay anchors the daily/weekly/annual periods. Zero
	// disables the periodic features and leaves mean + optional trend.
	SamplesPerDay float64 `yaml:"samples_per_day"`

	// Harmonic counts per seasonal component; -1 means search 0..4 by
	// held-out RMSE.
	DailyHarmonics  int `yaml:"daily_harmonics"`
	WeeklyHarmonics int `yaml:"weekly_harmonics"`
	AnnualHarmonics int `yaml:"annual_harmonics"`

	// Trend adds a linear trend term to the harmonic baseline.
	Trend bool `yaml:"trend"`

	// UsedPeriods are the bucket periods (in samples) of the
	// non-parametric baseline, e.g. [24, 168] for hour-of-day and
	// hour-of-week buckets on hourly data.
	UsedPeriods []int `yaml:"used_periods"`
}

// Transform maps one variable between data units and residual units.
// Implementations are immutable after fitting.
type Transform interface {
	// Residual converts an observation at time t into a residual.
	Residual(t, x float64) float64

	// Invert converts a residual at time t back into data units.
	Invert(t, r float64) float64

	// Std is the residual scale factor, used to rescale residual-unit
	// errors back to data units.
	Std() float64
}

// Fit fits the configured baseline variant on the training samples and,
// when test samples are given, reports the baseline's RMSE on them.
// NaN observations are dropped.
func Fit(trainT, trainX, testT, testX []float64, cfg Config) (Transform, float64, error) {
	if len(trainT) != len(trainX) {
		return nil, 0, fmt.Errorf("got %d times for %d training values", len(trainT), len(trainX))
	}
	if len(testT) != len(testX) {
		return nil, 0, fmt.Errorf("got %d times for %d test values", len(testT), len(testX))
	}

	trT, trX := dropMissing(trainT, trainX)
	teT, teX := dropMissing(testT, testX)
	if len(trX) == 0 {
		return nil, 0, fmt.Errorf("no usable training sample")
	}

	switch cfg.Kind {
	case "", KindHarmonic:
		return fitHarmonic(trT, trX, teT, teX, cfg)
	case KindNonParametric:
		return fitNonParametric(trT, trX, teT, teX, cfg)
	default:
		return nil, 0, fmt.Errorf("unknown baseline kind %q", cfg.Kind)
	}
}

func dropMissing(t, x []float64) ([]float64, []float64) {
	var ot, ox []float64
	for i := range x {
		if math.IsNaN(x[i]) {
			continue
		}
		ot = append(ot, t[i])
		ox = append(ox, x[i])
	}
	return ot, ox
}

// rmseAgainst computes the RMSE of a fitted baseline on held-out
// samples; NaN when there are none.
func rmseAgainst(tr Transform, t, x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for i := range x {
		d := x[i] - tr.Invert(t[i], 0)
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(x)))
}

// quantile returns the empirical q-quantile of samples using linear
// interpolation between order statistics.
func quantile(samples []float64, q float64) float64 {
	n := len(samples)
	if n == 0 {
		return math.NaN()
	}

	tmp := make([]float64, n)
	copy(tmp, samples)
	sort.Float64s(tmp)

	if q <= 0 {
		return tmp[0]
	}
	if q >= 1 {
		return tmp[n-1]
	}

	pos := q * float64(n-1)
	idxBelow := int(math.Floor(pos))
	idxAbove := int(math.Ceil(pos))

	if idxAbove == idxBelow {
		return tmp[idxBelow]
	}

	weight := pos - float64(idxBelow)
	return tmp[idxBelow]*(1.0-weight) + tmp[idxAbove]*weight
}

package baseline

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NonParametric is a bucket-median baseline. Each sample is assigned to
// a bucket keyed by its phase within every configured period, the
// baseline is the median of the bucket, and the residual scale is a
// MAD-based robust standard deviation. Buckets never seen at fit time
// fall back to the global median.
type NonParametric struct {
	Periods []int

	// Buckets maps a phase key to the median of its training samples.
	Buckets map[string]float64

	// Global is the median over all training samples.
	Global float64

	// Scale is the robust residual standard deviation.
	Scale float64
}

func (b *NonParametric) key(t float64) string {
	ti := int(math.Round(t))
	parts := make([]string, len(b.Periods))
	for i, p := range b.Periods {
		phase := ti % p
		if phase < 0 {
			phase += p
		}
		parts[i] = strconv.Itoa(phase)
	}
	return strings.Join(parts, "/")
}

// Baseline looks up the bucket median for time t.
func (b *NonParametric) Baseline(t float64) float64 {
	if v, ok := b.Buckets[b.key(t)]; ok {
		return v
	}
	return b.Global
}

func (b *NonParametric) Residual(t, x float64) float64 { return (x - b.Baseline(t)) / b.Scale }
func (b *NonParametric) Invert(t, r float64) float64   { return b.Baseline(t) + r*b.Scale }
func (b *NonParametric) Std() float64                  { return b.Scale }

func fitNonParametric(trT, trX, teT, teX []float64, cfg Config) (Transform, float64, error) {
	if len(cfg.UsedPeriods) == 0 {
		return nil, 0, fmt.Errorf("nonparametric baseline needs at least one period")
	}
	for _, p := range cfg.UsedPeriods {
		if p <= 0 {
			return nil, 0, fmt.Errorf("period %d is not positive", p)
		}
	}

	b := &NonParametric{
		Periods: append([]int(nil), cfg.UsedPeriods...),
		Buckets: make(map[string]float64),
	}

	groups := make(map[string][]float64)
	for i := range trX {
		k := b.key(trT[i])
		groups[k] = append(groups[k], trX[i])
	}
	for k, vals := range groups {
		b.Buckets[k] = quantile(vals, 0.5)
	}
	b.Global = quantile(trX, 0.5)

	// MAD of the raw residuals, scaled to be consistent with a normal
	// standard deviation.
	absDev := make([]float64, len(trX))
	for i := range trX {
		absDev[i] = math.Abs(trX[i] - b.Baseline(trT[i]))
	}
	b.Scale = 1.4826 * quantile(absDev, 0.5)
	if b.Scale < minScale {
		b.Scale = minScale
	}

	return b, rmseAgainst(b, teT, teX), nil
}

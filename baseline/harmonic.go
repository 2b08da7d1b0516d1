package baseline

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const minScale = 1e-9

// Harmonic is a seasonal baseline fitted by least squares on a design
// of mean, optional linear trend and sine/cosine pairs at daily, weekly
// and annual frequencies.
type Harmonic struct {
	SamplesPerDay float64
	Daily         int
	Weekly        int
	Annual        int
	Trend         bool

	// Coefficients follow the feature order of features().
	Coefficients []float64

	// Scale is the training residual standard deviation.
	Scale float64
}

func (h *Harmonic) numFeatures() int {
	n := 1 + 2*(h.Daily+h.Weekly+h.Annual)
	if h.Trend {
		n++
	}
	return n
}

// features fills out with the design row for time t.
func (h *Harmonic) features(t float64, out []float64) {
	out[0] = 1
	i := 1
	if h.Trend {
		out[i] = t
		i++
	}
	for _, comp := range []struct {
		count  int
		period float64
	}{
		{h.Daily, h.SamplesPerDay},
		{h.Weekly, 7 * h.SamplesPerDay},
		{h.Annual, 365.25 * h.SamplesPerDay},
	} {
		for k := 1; k <= comp.count; k++ {
			w := 2 * math.Pi * float64(k) * t / comp.period
			out[i] = math.Sin(w)
			out[i+1] = math.Cos(w)
			i += 2
		}
	}
}

// Baseline evaluates the fitted seasonal curve at time t.
func (h *Harmonic) Baseline(t float64) float64 {
	row := make([]float64, h.numFeatures())
	h.features(t, row)
	s := 0.0
	for i, c := range h.Coefficients {
		s += c * row[i]
	}
	return s
}

func (h *Harmonic) Residual(t, x float64) float64 { return (x - h.Baseline(t)) / h.Scale }
func (h *Harmonic) Invert(t, r float64) float64   { return h.Baseline(t) + r*h.Scale }
func (h *Harmonic) Std() float64                  { return h.Scale }

// fitHarmonic fits one harmonic baseline, searching any harmonic count
// configured as negative over 0..4 by held-out RMSE. Ties prefer the
// smaller model.
func fitHarmonic(trT, trX, teT, teX []float64, cfg Config) (Transform, float64, error) {
	if cfg.SamplesPerDay <= 0 && (cfg.DailyHarmonics != 0 || cfg.WeeklyHarmonics != 0 || cfg.AnnualHarmonics != 0) {
		return nil, 0, fmt.Errorf("harmonic counts set but samples_per_day is %v", cfg.SamplesPerDay)
	}

	dailies := candidateCounts(cfg.DailyHarmonics)
	weeklies := candidateCounts(cfg.WeeklyHarmonics)
	annuals := candidateCounts(cfg.AnnualHarmonics)

	var best *Harmonic
	bestScore := math.Inf(1)
	for _, d := range dailies {
		for _, w := range weeklies {
			for _, a := range annuals {
				h := &Harmonic{
					SamplesPerDay: cfg.SamplesPerDay,
					Daily:         d, Weekly: w, Annual: a,
					Trend: cfg.Trend,
				}
				if err := h.solve(trT, trX); err != nil {
					continue
				}
				score := rmseAgainst(h, teT, teX)
				if math.IsNaN(score) {
					// No held-out samples; score on the training data.
					score = rmseAgainst(h, trT, trX)
				}
				if score < bestScore {
					best, bestScore = h, score
				}
			}
		}
	}
	if best == nil {
		return nil, 0, fmt.Errorf("no harmonic candidate could be fitted on %d samples", len(trX))
	}
	return best, bestScore, nil
}

func candidateCounts(configured int) []int {
	if configured >= 0 {
		return []int{configured}
	}
	return []int{0, 1, 2, 3, 4}
}

// solve fits the coefficients on the training samples by least squares
// and records the residual scale.
func (h *Harmonic) solve(t, x []float64) error {
	m := h.numFeatures()
	n := len(x)
	if n < m {
		return fmt.Errorf("%d samples cannot determine %d coefficients", n, m)
	}

	design := mat.NewDense(n, m, nil)
	row := make([]float64, m)
	for i := range x {
		h.features(t[i], row)
		design.SetRow(i, row)
	}
	y := mat.NewVecDense(n, nil)
	for i, v := range x {
		y.SetVec(i, v)
	}

	coef, err := leastSquares(design, y)
	if err != nil {
		return err
	}
	h.Coefficients = coef

	var sum float64
	for i := range x {
		r := x[i] - h.Baseline(t[i])
		sum += r * r
	}
	h.Scale = math.Sqrt(sum / float64(n))
	if h.Scale < minScale {
		h.Scale = minScale
	}
	return nil
}

// leastSquares solves min ||Xb - y|| via the normal equations, falling
// back to an SVD solve when X'X is singular.
func leastSquares(x *mat.Dense, y *mat.VecDense) ([]float64, error) {
	_, m := x.Dims()

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	var xty mat.VecDense
	xty.MulVec(x.T(), y)

	var xtxInv mat.Dense
	if err := xtxInv.Inverse(&xtx); err == nil {
		var b mat.VecDense
		b.MulVec(&xtxInv, &xty)
		out := make([]float64, m)
		for i := range out {
			out[i] = b.AtVec(i)
		}
		return out, nil
	}

	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDFullU|mat.SVDFullV); !ok {
		return nil, fmt.Errorf("svd factorization of the design matrix failed")
	}
	rank := svd.Rank(1e-12)
	out := make([]float64, m)
	if rank == 0 {
		// Numerically all-zero design; minimum-norm solution is zero.
		return out, nil
	}
	var b mat.Dense
	svd.SolveTo(&b, y, rank)
	for i := range out {
		out[i] = b.At(i, 0)
	}
	return out, nil
}

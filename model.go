package structar

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"structar/ar"
	"structar/baseline"
	"structar/linalg"
)

// Model is a fitted structured-covariance autoregression. All fields
// are immutable after Fit; the model is safe for concurrent use by
// multiple goroutines.
type Model struct {
	// Columns are the variable names in block order; all inputs are
	// permuted to this order.
	Columns []string

	FutureLag               int
	PastLag                 int
	Rank                    int
	QuadraticRegularization float64
	NoiseCorrection         bool
	TrainTestSplit          float64

	// Blocks partitions the column indices into covariance blocks.
	Blocks            [][]int
	AvailableDataLags []int
	PredictorOnly     []bool

	// Baselines holds one residual transform per column, and
	// BaselineConfigs what they were fitted from.
	BaselineConfigs []baseline.Config
	Baselines       []baseline.Transform

	// BaselineRMSE and ARRMSE are held-out performance statistics from
	// the selection pass, in data units. ARRMSE has one row per forecast
	// step and one column per variable; predictor-only columns are NaN.
	BaselineRMSE []float64
	ARRMSE       *mat.Dense

	// Min and Max bound predictions per column to the observed range.
	Min []float64
	Max []float64

	// Stats are the persisted sufficient statistics; Degenerate lists
	// columns whose final training window was entirely missing.
	Stats      linalg.SufficientStatistics
	Degenerate []int

	cov *linalg.StructuredCovariance
	log zerolog.Logger
}

// Lag is the total window width.
func (m *Model) Lag() int { return m.PastLag + m.FutureLag }

// Covariance exposes the structured covariance for diagnostics.
func (m *Model) Covariance() *linalg.StructuredCovariance { return m.cov }

// Fit fits the whole model on a time series. It runs two passes: a
// selection pass on a train/test split that resolves the automatic
// past lag and rank and measures held-out performance, then a final
// pass refitting baselines and sufficient statistics on all the data
// with the resolved configuration. Nothing is installed on the model
// until both passes succeed.
func Fit(data *TimeSeries, opts Options, log zerolog.Logger) (*Model, error) {
	if err := data.Check(nil); err != nil {
		return nil, err
	}
	if opts.FutureLag <= 0 {
		return nil, fmt.Errorf("future lag must be > 0, got %d", opts.FutureLag)
	}
	split := opts.TrainTestSplit
	if split == 0 {
		split = 2.0 / 3.0
	}
	if split <= 0 || split >= 1 {
		return nil, fmt.Errorf("train/test split %v must lie in (0, 1)", split)
	}

	layout, err := resolveLayout(data.Names, opts)
	if err != nil {
		return nil, err
	}
	data, err = data.Reorder(layout.columns)
	if err != nil {
		return nil, err
	}
	weights, err := layout.variableWeights(opts.PredictionVariablesWeight)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Columns:                 layout.columns,
		FutureLag:               opts.FutureLag,
		PastLag:                 opts.PastLag,
		Rank:                    opts.Rank,
		QuadraticRegularization: opts.QuadraticRegularization,
		NoiseCorrection:         opts.NoiseCorrection,
		TrainTestSplit:          split,
		Blocks:                  layout.blocks,
		AvailableDataLags:       layout.availableDataLags,
		PredictorOnly:           layout.predictorOnly,
		BaselineConfigs:         layout.baselineCfg,
		log:                     log,
	}

	T, _ := data.Dims()
	cut := int(float64(T) * split)

	// Selection pass: baselines and autoregression on the split,
	// resolving past lag / rank and measuring held-out RMSE.
	log.Debug().Msg("fitting model on train and test data")
	if err := m.fitBaselines(data, true); err != nil {
		return nil, err
	}
	trainRes := m.residualMatrix(data.SliceRows(0, cut))
	testRes := m.residualMatrix(data.SliceRows(cut, T))
	fitRes, err := ar.Fit(trainRes, testRes, m.arOptions(weights))
	if err != nil {
		return nil, err
	}
	m.PastLag, m.Rank = fitRes.PastLag, fitRes.Rank
	m.QuadraticRegularization = fitRes.QuadraticRegularization
	cov, err := linalg.BuildMatrices(fitRes.Stats)
	if err != nil {
		return nil, err
	}

	rmse, _, err := ar.RMSE(cov, m.PastLag, m.FutureLag, testRes,
		m.AvailableDataLags, m.PredictorOnly, m.QuadraticRegularization)
	if err != nil {
		return nil, err
	}
	m.ARRMSE = m.rescaleRMSE(rmse)

	// Final pass: refit everything on the whole series with the
	// resolved configuration.
	log.Debug().Msg("fitting model on whole data")
	m.fitRanges(data)
	if err := m.fitBaselines(data, false); err != nil {
		return nil, err
	}
	fullRes := m.residualMatrix(data)
	finalOpts := m.arOptions(weights)
	finalOpts.PastLag, finalOpts.Rank = m.PastLag, m.Rank
	fitRes, err = ar.Fit(fullRes, nil, finalOpts)
	if err != nil {
		return nil, err
	}
	m.Stats = fitRes.Stats
	m.Degenerate = fitRes.Degenerate
	m.cov, err = linalg.BuildMatrices(fitRes.Stats)
	if err != nil {
		return nil, err
	}

	log.Info().Int("past_lag", m.PastLag).Int("rank", m.Rank).
		Int("columns", len(m.Columns)).Msg("model fitted")
	return m, nil
}

func (m *Model) arOptions(weights []float64) ar.FitOptions {
	return ar.FitOptions{
		FutureLag:               m.FutureLag,
		PastLag:                 m.PastLag,
		Rank:                    m.Rank,
		AvailableDataLags:       m.AvailableDataLags,
		PredictorOnly:           m.PredictorOnly,
		Blocks:                  m.Blocks,
		QuadraticRegularization: m.QuadraticRegularization,
		NoiseCorrection:         m.NoiseCorrection,
		Weights:                 weights,
		Log:                     m.log,
	}
}

// fitRanges records the observed per-column range used to clip
// predictions.
func (m *Model) fitRanges(data *TimeSeries) {
	T, K := data.Dims()
	m.Min = make([]float64, K)
	m.Max = make([]float64, K)
	for v := 0; v < K; v++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for t := 0; t < T; t++ {
			x := data.Y.At(t, v)
			if math.IsNaN(x) {
				continue
			}
			lo = math.Min(lo, x)
			hi = math.Max(hi, x)
		}
		m.Min[v], m.Max[v] = lo, hi
	}
}

// fitBaselines fits one residual transform per column, concurrently.
// In the traintest pass each column's non-missing samples are split by
// the train/test fraction and the held-out baseline RMSE is recorded.
func (m *Model) fitBaselines(data *TimeSeries, traintest bool) error {
	T, K := data.Dims()
	m.Baselines = make([]baseline.Transform, K)
	if traintest {
		m.BaselineRMSE = make([]float64, K)
	}

	errs := make([]error, K)
	var wg sync.WaitGroup
	for v := 0; v < K; v++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()

			var times, values []float64
			for t := 0; t < T; t++ {
				x := data.Y.At(t, v)
				if math.IsNaN(x) {
					continue
				}
				times = append(times, data.Time[t])
				values = append(values, x)
			}

			var trT, trX, teT, teX []float64
			if traintest {
				cut := int(float64(len(values)) * m.TrainTestSplit)
				trT, trX = times[:cut], values[:cut]
				teT, teX = times[cut:], values[cut:]
			} else {
				trT, trX = times, values
			}
			m.log.Info().Str("column", m.Columns[v]).Int("train_points", len(trX)).
				Msg("fitting baseline")

			tr, rmse, err := baseline.Fit(trT, trX, teT, teX, m.BaselineConfigs[v])
			if err != nil {
				errs[v] = fmt.Errorf("baseline of column %q: %w", m.Columns[v], err)
				return
			}
			m.Baselines[v] = tr
			if traintest {
				m.BaselineRMSE[v] = rmse
			}
		}(v)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// residualMatrix converts a slice of the series into residual units,
// preserving NaN for missing entries.
func (m *Model) residualMatrix(data *TimeSeries) *mat.Dense {
	T, K := data.Dims()
	out := mat.NewDense(T, K, nil)
	for t := 0; t < T; t++ {
		for v := 0; v < K; v++ {
			x := data.Y.At(t, v)
			if math.IsNaN(x) {
				out.Set(t, v, math.NaN())
				continue
			}
			out.Set(t, v, m.Baselines[v].Residual(data.Time[t], x))
		}
	}
	return out
}

// invertResidual converts one residual back to data units, clipped to
// the column's observed range.
func (m *Model) invertResidual(v int, t, r float64) float64 {
	x := m.Baselines[v].Invert(t, r)
	if x < m.Min[v] {
		x = m.Min[v]
	}
	if x > m.Max[v] {
		x = m.Max[v]
	}
	return x
}

// rescaleRMSE converts a residual-unit RMSE matrix to data units using
// each column's baseline scale.
func (m *Model) rescaleRMSE(rmse *mat.Dense) *mat.Dense {
	rows, cols := rmse.Dims()
	out := mat.NewDense(rows, cols, nil)
	for j := 0; j < cols; j++ {
		std := m.Baselines[j].Std()
		for i := 0; i < rows; i++ {
			out.Set(i, j, rmse.At(i, j)*std)
		}
	}
	return out
}

// Predict forecasts the FutureLag steps following the last row of
// data. The returned series covers the whole lag window: the PastLag
// observed rows (any missing entries filled conditionally) followed by
// the FutureLag forecast rows. When returnVariances is set the second
// return value holds the conditional variance of every filled entry,
// in data units, zero at observed entries.
func (m *Model) Predict(data *TimeSeries, returnVariances bool) (*TimeSeries, *mat.Dense, error) {
	if err := data.Check(m.Columns); err != nil {
		return nil, nil, err
	}
	T, K := data.Dims()
	if T < m.PastLag {
		return nil, nil, fmt.Errorf("need at least %d rows of history, got %d", m.PastLag, T)
	}

	lag := m.Lag()
	step := data.Step()
	window := &TimeSeries{
		Y:     mat.NewDense(lag, K, nil),
		Time:  make([]float64, lag),
		Names: m.Columns,
	}
	for l := 0; l < lag; l++ {
		if l < m.PastLag {
			src := T - m.PastLag + l
			window.Time[l] = data.Time[src]
			for v := 0; v < K; v++ {
				window.Y.Set(l, v, data.Y.At(src, v))
			}
		} else {
			window.Time[l] = data.Time[T-1] + step*float64(l-m.PastLag+1)
			for v := 0; v < K; v++ {
				window.Y.Set(l, v, math.NaN())
			}
		}
	}
	m.log.Debug().Float64("prediction_time", window.Time[m.PastLag]).Msg("predicting")

	res := m.residualMatrix(window)

	// Flatten variable-major: slot v*lag+l.
	vec := make([]float64, K*lag)
	knownMask := make([]bool, K*lag)
	predMask := make([]bool, K*lag)
	var knownVals []float64
	for v := 0; v < K; v++ {
		for l := 0; l < lag; l++ {
			r := res.At(l, v)
			g := v*lag + l
			vec[g] = r
			if math.IsNaN(r) {
				predMask[g] = true
			} else {
				knownMask[g] = true
				knownVals = append(knownVals, r)
			}
		}
	}

	pred, condCov, err := linalg.SchurPredict(m.cov, knownMask, knownVals,
		predMask, m.QuadraticRegularization, returnVariances)
	if err != nil {
		return nil, nil, err
	}

	out := &TimeSeries{
		Y:     mat.NewDense(lag, K, nil),
		Time:  append([]float64(nil), window.Time...),
		Names: m.Columns,
	}
	var variances *mat.Dense
	if returnVariances {
		variances = mat.NewDense(lag, K, nil)
	}

	j := 0
	for v := 0; v < K; v++ {
		for l := 0; l < lag; l++ {
			g := v*lag + l
			if knownMask[g] {
				out.Y.Set(l, v, window.Y.At(l, v))
				continue
			}
			out.Y.Set(l, v, m.invertResidual(v, window.Time[l], pred[j]))
			if returnVariances {
				std := m.Baselines[v].Std()
				variances.Set(l, v, condCov.At(j, j)*std*std)
			}
			j++
		}
	}
	return out, variances, nil
}

// PredictMany slides the lag window over a long series and predicts
// every window's future slots at once. The result maps the forecast
// step s (1..FutureLag) to a series of s-step-ahead predictions, NaN
// where no prediction was possible (predictor-only columns, or windows
// with missing known values).
func (m *Model) PredictMany(data *TimeSeries) (map[int]*TimeSeries, error) {
	if err := data.Check(m.Columns); err != nil {
		return nil, err
	}
	T, K := data.Dims()
	lag := m.Lag()
	if T < lag {
		return nil, fmt.Errorf("need at least %d rows for the lag window, got %d", lag, T)
	}

	res := m.residualMatrix(data)
	flat, err := ar.MakeSlicedFlattenedMatrix(res, lag)
	if err != nil {
		return nil, err
	}
	predMask, unknownMask, err := ar.MakePredictionMask(
		m.AvailableDataLags, m.PredictorOnly, m.PastLag, m.FutureLag)
	if err != nil {
		return nil, err
	}
	knownMask := make([]bool, len(unknownMask))
	for i, u := range unknownMask {
		knownMask[i] = !u
	}

	batch, predIdx, rowIdx, err := ar.GuessMatrix(m.cov, flat, knownMask, predMask,
		m.QuadraticRegularization)
	if err != nil {
		return nil, err
	}
	m.log.Debug().Int("windows", len(rowIdx)).Int("predictions", batch.PredictionsMade).
		Msg("batched prediction done")

	nWindows := T - lag + 1
	out := make(map[int]*TimeSeries, m.FutureLag)
	for s := 1; s <= m.FutureLag; s++ {
		y := mat.NewDense(nWindows, K, nil)
		times := make([]float64, nWindows)
		for t := 0; t < nWindows; t++ {
			times[t] = data.Time[t+m.PastLag+s-1]
			for v := 0; v < K; v++ {
				y.Set(t, v, math.NaN())
			}
		}
		out[s] = &TimeSeries{Y: y, Time: times, Names: m.Columns}
	}

	for bi, t := range rowIdx {
		for j, g := range predIdx {
			v, l := g/lag, g%lag
			s := l - m.PastLag + 1
			ts := out[s]
			ts.Y.Set(t, v, m.invertResidual(v, ts.Time[t], batch.Predictions.At(bi, j)))
		}
	}
	return out, nil
}

// TestAR measures the autoregression's held-out RMSE per forecast step
// and column, in data units.
func (m *Model) TestAR(data *TimeSeries) (*mat.Dense, error) {
	if err := data.Check(m.Columns); err != nil {
		return nil, err
	}
	rmse, _, err := ar.RMSE(m.cov, m.PastLag, m.FutureLag, m.residualMatrix(data),
		m.AvailableDataLags, m.PredictorOnly, m.QuadraticRegularization)
	if err != nil {
		return nil, err
	}
	return m.rescaleRMSE(rmse), nil
}

// AnomalyScore scores every lag-window row of the series; values near
// 1 indicate the window's future slots are far from their conditional
// distribution. Rows with incomplete data score NaN.
func (m *Model) AnomalyScore(data *TimeSeries) ([]float64, error) {
	if err := data.Check(m.Columns); err != nil {
		return nil, err
	}
	return ar.AnomalyScore(m.cov, m.PastLag, m.FutureLag, m.residualMatrix(data),
		m.QuadraticRegularization)
}

// Baseline evaluates the fitted baselines alone at the given times, in
// data units.
func (m *Model) Baseline(times []float64) *TimeSeries {
	K := len(m.Columns)
	out := &TimeSeries{
		Y:     mat.NewDense(len(times), K, nil),
		Time:  append([]float64(nil), times...),
		Names: m.Columns,
	}
	for i, t := range times {
		for v := 0; v < K; v++ {
			out.Y.Set(i, v, m.invertResidual(v, t, 0))
		}
	}
	return out
}

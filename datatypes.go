// Package structar models a multivariate regularly-sampled time series
// as a structured-covariance vector autoregression: per-column baseline
// transforms map observations to deseasonalized residuals, and the
// residuals' joint distribution over a sliding lag window carries a
// low-rank plus block-diagonal covariance fitted by the ar package and
// queried through Schur-complement conditional inference.
package structar

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"structar/baseline"
)

// TimeSeries holds a regularly-sampled multivariate series. Missing
// observations are NaN entries in Y.
type TimeSeries struct {
	// Matrix for data, time x variables
	Y *mat.Dense
	// Time index, one entry per row, evenly spaced
	Time []float64
	// List of variable Names
	Names []string
}

// Dims returns (number of time points, number of variables).
func (ts *TimeSeries) Dims() (int, int) {
	if ts.Y == nil {
		return 0, len(ts.Names)
	}
	return ts.Y.Dims()
}

// Check verifies the series is well formed: matching dimensions and a
// constant positive time step. When columns is non-nil the variable
// names must match it exactly.
func (ts *TimeSeries) Check(columns []string) error {
	if ts == nil || ts.Y == nil {
		return fmt.Errorf("time series has no data")
	}
	T, K := ts.Y.Dims()
	if len(ts.Time) != T {
		return fmt.Errorf("time index has %d entries for %d rows", len(ts.Time), T)
	}
	if len(ts.Names) != K {
		return fmt.Errorf("got %d variable names for %d columns", len(ts.Names), K)
	}
	if T >= 3 {
		step := ts.Time[1] - ts.Time[0]
		if step <= 0 {
			return fmt.Errorf("time index is not increasing")
		}
		for i := 2; i < T; i++ {
			if math.Abs((ts.Time[i]-ts.Time[i-1])-step) > 1e-9*math.Max(1, math.Abs(step)) {
				return fmt.Errorf("irregular time step between rows %d and %d", i-1, i)
			}
		}
	}
	if columns != nil {
		if len(columns) != K {
			return fmt.Errorf("series has %d columns, model expects %d", K, len(columns))
		}
		for i, name := range columns {
			if ts.Names[i] != name {
				return fmt.Errorf("column %d is %q, model expects %q", i, ts.Names[i], name)
			}
		}
	}
	return nil
}

// Step returns the sampling interval, defaulting to 1 for series too
// short to measure it.
func (ts *TimeSeries) Step() float64 {
	if len(ts.Time) >= 2 {
		return ts.Time[1] - ts.Time[0]
	}
	return 1
}

// SliceRows returns a view-free copy of rows [i, j).
func (ts *TimeSeries) SliceRows(i, j int) *TimeSeries {
	_, K := ts.Y.Dims()
	out := &TimeSeries{
		Y:     mat.NewDense(j-i, K, nil),
		Time:  append([]float64(nil), ts.Time[i:j]...),
		Names: ts.Names,
	}
	out.Y.Copy(ts.Y.Slice(i, j, 0, K))
	return out
}

// Reorder returns a copy of the series with columns permuted to the
// given name order.
func (ts *TimeSeries) Reorder(columns []string) (*TimeSeries, error) {
	T, K := ts.Y.Dims()
	if len(columns) != K {
		return nil, fmt.Errorf("reorder to %d columns, series has %d", len(columns), K)
	}
	pos := make(map[string]int, K)
	for i, name := range ts.Names {
		pos[name] = i
	}
	out := &TimeSeries{
		Y:     mat.NewDense(T, K, nil),
		Time:  append([]float64(nil), ts.Time...),
		Names: append([]string(nil), columns...),
	}
	for j, name := range columns {
		src, ok := pos[name]
		if !ok {
			return nil, fmt.Errorf("series has no column %q", name)
		}
		for t := 0; t < T; t++ {
			out.Y.Set(t, j, ts.Y.At(t, src))
		}
	}
	return out, nil
}

// Options configures a model fit. The zero value of most fields means
// "decide automatically".
type Options struct {
	// FutureLag is the number of steps ahead the model predicts.
	FutureLag int `yaml:"future_lag"`

	// PastLag is the history window; 0 selects it by held-out RMSE.
	PastLag int `yaml:"past_lag"`

	// Rank of the shared latent factors; 0 selects it by held-out RMSE.
	Rank int `yaml:"rank"`

	// TrainTestSplit is the fraction of rows used for training during
	// the selection pass; 0 means 2/3.
	TrainTestSplit float64 `yaml:"train_test_split"`

	// QuadraticRegularization is the ridge term added to conditional
	// precisions at inference time.
	QuadraticRegularization float64 `yaml:"quadratic_regularization"`

	// NoiseCorrection applies the finite-sample bias correction to the
	// idiosyncratic covariance estimates.
	NoiseCorrection bool `yaml:"noise_correction"`

	// PredictionVariablesWeight balances the weighted sums of squares
	// between prediction targets and predictor-only variables during
	// factor extraction. 0 disables weighting; when set it must satisfy
	// the balance invariant checked by variableWeights.
	PredictionVariablesWeight float64 `yaml:"prediction_variables_weight"`

	// IgnorePredictionColumns lists variables used as predictors only,
	// never as targets.
	IgnorePredictionColumns []string `yaml:"ignore_prediction_columns"`

	// FullCovarianceBlocks groups variables that share a dense
	// idiosyncratic covariance block. Variables left out get singleton
	// blocks.
	FullCovarianceBlocks [][]string `yaml:"full_covariance_blocks"`

	// AvailableDataLags maps a variable name to its reporting delay in
	// steps; unlisted variables default to 0.
	AvailableDataLags map[string]int `yaml:"available_data_lags"`

	// Baselines maps a variable name to its baseline configuration;
	// unlisted variables use DefaultBaseline.
	Baselines map[string]baseline.Config `yaml:"baselines"`

	DefaultBaseline baseline.Config `yaml:"default_baseline"`
}

// columnLayout is the resolved per-variable configuration in block
// order, derived once from Options at fit time.
type columnLayout struct {
	columns           []string
	blocks            [][]int
	blockOf           []int
	availableDataLags []int
	predictorOnly     []bool
	baselineCfg       []baseline.Config
}

// resolveLayout validates the block partition against the series
// columns and orders variables block by block, appending singleton
// blocks for ungrouped variables.
func resolveLayout(names []string, opts Options) (*columnLayout, error) {
	inSeries := make(map[string]bool, len(names))
	for _, n := range names {
		inSeries[n] = true
	}

	grouped := make(map[string]bool)
	var columns []string
	var blocks [][]int
	for bi, block := range opts.FullCovarianceBlocks {
		if len(block) == 0 {
			return nil, fmt.Errorf("covariance block %d is empty", bi)
		}
		idx := make([]int, 0, len(block))
		for _, name := range block {
			if !inSeries[name] {
				return nil, fmt.Errorf("covariance block %d references unknown column %q", bi, name)
			}
			if grouped[name] {
				return nil, fmt.Errorf("column %q appears in more than one covariance block", name)
			}
			grouped[name] = true
			idx = append(idx, len(columns))
			columns = append(columns, name)
		}
		blocks = append(blocks, idx)
	}
	// Singleton blocks for everything not explicitly grouped, in series
	// order.
	for _, name := range names {
		if grouped[name] {
			continue
		}
		blocks = append(blocks, []int{len(columns)})
		columns = append(columns, name)
	}

	K := len(columns)
	layout := &columnLayout{
		columns:           columns,
		blocks:            blocks,
		blockOf:           make([]int, K),
		availableDataLags: make([]int, K),
		predictorOnly:     make([]bool, K),
		baselineCfg:       make([]baseline.Config, K),
	}
	for bi, block := range blocks {
		for _, v := range block {
			layout.blockOf[v] = bi
		}
	}

	ignore := make(map[string]bool, len(opts.IgnorePredictionColumns))
	for _, name := range opts.IgnorePredictionColumns {
		if !inSeries[name] {
			return nil, fmt.Errorf("ignore_prediction_columns references unknown column %q", name)
		}
		ignore[name] = true
	}
	for i, name := range columns {
		layout.predictorOnly[i] = ignore[name]
		if lag, ok := opts.AvailableDataLags[name]; ok {
			if lag < 0 {
				return nil, fmt.Errorf("available data lag of %q is negative", name)
			}
			layout.availableDataLags[i] = lag
		}
		if cfg, ok := opts.Baselines[name]; ok {
			layout.baselineCfg[i] = cfg
		} else {
			layout.baselineCfg[i] = opts.DefaultBaseline
		}
	}
	return layout, nil
}

// variableWeights builds the per-variable weight vector used during
// factor extraction. With weighting enabled the prediction-target and
// predictor-only groups must end up with equal weighted sums of
// squares; that balance is verified here and a violation is a
// configuration error.
func (l *columnLayout) variableWeights(predictionVariablesWeight float64) ([]float64, error) {
	K := len(l.columns)
	weights := make([]float64, K)
	for i := range weights {
		weights[i] = 1
	}

	nPredictorOnly := 0
	for _, p := range l.predictorOnly {
		if p {
			nPredictorOnly++
		}
	}
	if predictionVariablesWeight == 0 || nPredictorOnly == 0 {
		return weights, nil
	}
	nTargets := K - nPredictorOnly
	if nTargets == 0 {
		return nil, fmt.Errorf("every column is predictor-only; nothing to predict")
	}

	total := float64(K)
	predictionWeight := predictionVariablesWeight * total
	predictiveWeight := total - predictionWeight
	if predictionWeight <= 0 || predictiveWeight <= 0 {
		return nil, fmt.Errorf("prediction variables weight %v must lie in (0, 1)", predictionVariablesWeight)
	}
	for i := range weights {
		if l.predictorOnly[i] {
			weights[i] = math.Sqrt(predictiveWeight / float64(nPredictorOnly))
		} else {
			weights[i] = math.Sqrt(predictionWeight / float64(nTargets))
		}
	}

	sumSq, predSq, ignSq := 0.0, 0.0, 0.0
	for i, w := range weights {
		sumSq += w * w
		if l.predictorOnly[i] {
			ignSq += w * w
		} else {
			predSq += w * w
		}
	}
	if math.Abs(sumSq-total) > 1e-9*total {
		return nil, fmt.Errorf("variable weights do not preserve total mass: %v != %v", sumSq, total)
	}
	if math.Abs(predSq-ignSq) > 1e-9*total {
		return nil, fmt.Errorf(
			"prediction variables weight %v does not balance target and predictor groups (%v vs %v); use 0.5",
			predictionVariablesWeight, predSq, ignSq)
	}
	return weights, nil
}

package structar

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"structar/baseline"
)

// testSeries builds three variables with distinct offsets, a shared
// daily cycle for the baselines, and a slower shared factor for the
// autoregression to learn.
func testSeries(T int, seed int64) *TimeSeries {
	rng := rand.New(rand.NewSource(seed))
	offsets := []float64{10, 20, 30}
	loadings := []float64{1, 0.8, -0.6}
	y := mat.NewDense(T, 3, nil)
	times := make([]float64, T)
	for t := 0; t < T; t++ {
		times[t] = float64(t)
		daily := 2 * math.Sin(2*math.Pi*float64(t)/24)
		factor := math.Sin(2 * math.Pi * float64(t) / 60)
		for v := 0; v < 3; v++ {
			y.Set(t, v, offsets[v]+daily+loadings[v]*factor+0.1*rng.NormFloat64())
		}
	}
	return &TimeSeries{Y: y, Time: times, Names: []string{"a", "b", "c"}}
}

func testOptions() Options {
	return Options{
		FutureLag:            1,
		PastLag:              2,
		Rank:                 1,
		FullCovarianceBlocks: [][]string{{"a", "b", "c"}},
		DefaultBaseline:      baseline.Config{SamplesPerDay: 24, DailyHarmonics: 1},
	}
}

func fitTestModel(t *testing.T) *Model {
	t.Helper()
	m, err := Fit(testSeries(360, 1), testOptions(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestFitResolvesModel(t *testing.T) {
	m := fitTestModel(t)

	if got := m.Columns; len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("columns %v", got)
	}
	if m.PastLag != 2 || m.Rank != 1 {
		t.Fatalf("past_lag=%d rank=%d, want 2 and 1", m.PastLag, m.Rank)
	}
	if r, c := m.ARRMSE.Dims(); r != 1 || c != 3 {
		t.Fatalf("AR RMSE is %dx%d, want 1x3", r, c)
	}
	if len(m.BaselineRMSE) != 3 {
		t.Fatalf("baseline RMSE has %d entries", len(m.BaselineRMSE))
	}
	for v := 0; v < 3; v++ {
		if !(m.Min[v] < m.Max[v]) {
			t.Fatalf("column %d range [%v, %v]", v, m.Min[v], m.Max[v])
		}
		// The autoregression must beat the baseline alone on held-out
		// data; the shared factor is strongly autocorrelated.
		if !(m.ARRMSE.At(0, v) < m.BaselineRMSE[v]) {
			t.Fatalf("column %d: AR RMSE %v not below baseline RMSE %v",
				v, m.ARRMSE.At(0, v), m.BaselineRMSE[v])
		}
	}
	if m.Covariance() == nil {
		t.Fatal("no structured covariance installed")
	}
}

func TestModelPredict(t *testing.T) {
	m := fitTestModel(t)
	data := testSeries(360, 2)

	pred, variances, err := m.Predict(data, true)
	if err != nil {
		t.Fatal(err)
	}
	lag := m.Lag()
	rows, cols := pred.Y.Dims()
	if rows != lag || cols != 3 {
		t.Fatalf("prediction is %dx%d, want %dx3", rows, cols, lag)
	}
	// Forecast times continue the series at unit spacing.
	if pred.Time[lag-1] != data.Time[359]+1 {
		t.Fatalf("forecast time %v, want %v", pred.Time[lag-1], data.Time[359]+1)
	}
	for v := 0; v < 3; v++ {
		x := pred.Y.At(lag-1, v)
		if math.IsNaN(x) {
			t.Fatalf("forecast for column %d is NaN", v)
		}
		if x < m.Min[v] || x > m.Max[v] {
			t.Fatalf("forecast %v for column %d escapes clip range [%v, %v]", x, v, m.Min[v], m.Max[v])
		}
		if variances.At(lag-1, v) <= 0 {
			t.Fatalf("forecast variance %v for column %d", variances.At(lag-1, v), v)
		}
		// Past rows were fully observed, so their variance is zero.
		if variances.At(0, v) != 0 {
			t.Fatalf("observed slot reported variance %v", variances.At(0, v))
		}
	}
}

func TestModelPredictFillsMissingHistory(t *testing.T) {
	m := fitTestModel(t)
	data := testSeries(360, 3)
	data.Y.Set(359, 1, math.NaN()) // latest value of b missing

	pred, _, err := m.Predict(data, false)
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(pred.Y.At(m.PastLag-1, 1)) {
		t.Fatal("missing history entry was not filled conditionally")
	}
}

func TestModelPredictMany(t *testing.T) {
	m := fitTestModel(t)
	data := testSeries(120, 4)

	preds, err := m.PredictMany(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(preds) != m.FutureLag {
		t.Fatalf("got %d forecast steps, want %d", len(preds), m.FutureLag)
	}
	step1 := preds[1]
	rows, cols := step1.Y.Dims()
	if wantRows := 120 - m.Lag() + 1; rows != wantRows || cols != 3 {
		t.Fatalf("step-1 predictions are %dx%d, want %dx3", rows, cols, wantRows)
	}
	// First window predicts the row at pastLag.
	if step1.Time[0] != data.Time[m.PastLag] {
		t.Fatalf("first prediction time %v, want %v", step1.Time[0], data.Time[m.PastLag])
	}
	finite := 0
	for t2 := 0; t2 < rows; t2++ {
		for v := 0; v < 3; v++ {
			x := step1.Y.At(t2, v)
			if math.IsNaN(x) {
				continue
			}
			finite++
			if x < m.Min[v] || x > m.Max[v] {
				t.Fatalf("prediction %v escapes clip range", x)
			}
		}
	}
	if finite == 0 {
		t.Fatal("no finite predictions at all")
	}
}

func TestModelAnomalyScore(t *testing.T) {
	m := fitTestModel(t)
	data := testSeries(120, 5)

	scores, err := m.AnomalyScore(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(scores) != 120-m.Lag()+1 {
		t.Fatalf("got %d scores", len(scores))
	}
}

func TestModelPersistRoundTrip(t *testing.T) {
	m := fitTestModel(t)
	data := testSeries(360, 6)

	var buf bytes.Buffer
	require.NoError(t, m.Save(&buf))

	loaded, err := Load(&buf, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, m.Columns, loaded.Columns)
	require.Equal(t, m.PastLag, loaded.PastLag)
	require.Equal(t, m.Rank, loaded.Rank)
	require.Equal(t, m.Blocks, loaded.Blocks)

	want, _, err := m.Predict(data, false)
	require.NoError(t, err)
	got, _, err := loaded.Predict(data, false)
	require.NoError(t, err)
	require.True(t, mat.EqualApprox(want.Y, got.Y, 1e-12),
		"reloaded model predicts differently")
}

func TestResolveLayout(t *testing.T) {
	names := []string{"x", "y", "z", "w"}
	opts := Options{
		FullCovarianceBlocks:    [][]string{{"z", "x"}},
		IgnorePredictionColumns: []string{"w"},
		AvailableDataLags:       map[string]int{"y": 2},
	}
	layout, err := resolveLayout(names, opts)
	if err != nil {
		t.Fatal(err)
	}
	// Grouped columns first, then singletons in series order.
	want := []string{"z", "x", "y", "w"}
	for i, name := range want {
		if layout.columns[i] != name {
			t.Fatalf("columns %v, want %v", layout.columns, want)
		}
	}
	if len(layout.blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(layout.blocks))
	}
	if layout.availableDataLags[2] != 2 {
		t.Fatalf("availability lags %v", layout.availableDataLags)
	}
	if !layout.predictorOnly[3] || layout.predictorOnly[0] {
		t.Fatalf("predictor-only flags %v", layout.predictorOnly)
	}

	opts.FullCovarianceBlocks = [][]string{{"x"}, {"x", "y"}}
	if _, err := resolveLayout(names, opts); err == nil {
		t.Fatal("expected error for duplicated block member")
	}
	opts.FullCovarianceBlocks = [][]string{{"nope"}}
	if _, err := resolveLayout(names, opts); err == nil {
		t.Fatal("expected error for unknown block member")
	}
}

func TestVariableWeights(t *testing.T) {
	layout, err := resolveLayout([]string{"a", "b", "c", "d"}, Options{
		IgnorePredictionColumns: []string{"c", "d"},
	})
	require.NoError(t, err)

	// Balanced weighting splits the total mass evenly between target
	// and predictor-only groups.
	weights, err := layout.variableWeights(0.5)
	require.NoError(t, err)
	var target, predictor float64
	for i, w := range weights {
		if layout.predictorOnly[i] {
			predictor += w * w
		} else {
			target += w * w
		}
	}
	require.InDelta(t, target, predictor, 1e-12)
	require.InDelta(t, 4.0, target+predictor, 1e-12)

	// An unbalanced split violates the equal-mass invariant.
	_, err = layout.variableWeights(0.3)
	require.Error(t, err)

	// Without predictor-only columns the weights are all one.
	plain, err := resolveLayout([]string{"a", "b"}, Options{})
	require.NoError(t, err)
	weights, err = plain.variableWeights(0.5)
	require.NoError(t, err)
	require.Equal(t, []float64{1, 1}, weights)
}

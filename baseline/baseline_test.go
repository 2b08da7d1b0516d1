package baseline

import (
	"math"
	"math/rand"
	"testing"
)

// almostEqual compares floats with tolerance
func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func dailySignal(T int, seed int64) (times, values []float64) {
	rng := rand.New(rand.NewSource(seed))
	for t := 0; t < T; t++ {
		x := 5 + 2*math.Sin(2*math.Pi*float64(t)/24) + 0.1*rng.NormFloat64()
		times = append(times, float64(t))
		values = append(values, x)
	}
	return times, values
}

func TestHarmonicRecoversDailyCycle(t *testing.T) {
	times, values := dailySignal(480, 1)
	cfg := Config{Kind: KindHarmonic, SamplesPerDay: 24, DailyHarmonics: 1}

	tr, _, err := Fit(times[:360], values[:360], times[360:], values[360:], cfg)
	if err != nil {
		t.Fatal(err)
	}
	h, ok := tr.(*Harmonic)
	if !ok {
		t.Fatalf("got transform %T, want *Harmonic", tr)
	}

	// Baseline tracks the clean signal within the noise level.
	for _, tt := range []float64{400, 406, 412} {
		want := 5 + 2*math.Sin(2*math.Pi*tt/24)
		if got := h.Baseline(tt); !almostEqual(got, want, 0.1) {
			t.Fatalf("baseline(%v) = %v, want about %v", tt, got, want)
		}
	}
	// Residual scale is the leftover noise, far below the signal
	// amplitude.
	if h.Std() > 0.3 {
		t.Fatalf("residual scale %v, expected close to the 0.1 noise level", h.Std())
	}
}

func TestHarmonicResidualRoundTrip(t *testing.T) {
	times, values := dailySignal(240, 2)
	cfg := Config{SamplesPerDay: 24, DailyHarmonics: 2, Trend: true}

	tr, _, err := Fit(times, values, nil, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, i := range []int{0, 17, 101, 239} {
		r := tr.Residual(times[i], values[i])
		back := tr.Invert(times[i], r)
		if !almostEqual(back, values[i], 1e-9) {
			t.Fatalf("round trip at %v: %v became %v", times[i], values[i], back)
		}
	}
}

func TestHarmonicSearchPicksNonzeroCount(t *testing.T) {
	times, values := dailySignal(480, 3)
	cfg := Config{SamplesPerDay: 24, DailyHarmonics: -1}

	tr, rmse, err := Fit(times[:360], values[:360], times[360:], values[360:], cfg)
	if err != nil {
		t.Fatal(err)
	}
	h := tr.(*Harmonic)
	if h.Daily == 0 {
		t.Fatal("search kept zero daily harmonics on a strongly daily signal")
	}
	if rmse > 0.3 {
		t.Fatalf("held-out RMSE %v, expected close to the noise level", rmse)
	}
}

func TestHarmonicRejectsMissingPeriodBase(t *testing.T) {
	times, values := dailySignal(100, 4)
	cfg := Config{DailyHarmonics: 1} // SamplesPerDay missing
	if _, _, err := Fit(times, values, nil, nil, cfg); err == nil {
		t.Fatal("expected error for harmonics without samples_per_day")
	}
}

func TestFitDropsMissingValues(t *testing.T) {
	times, values := dailySignal(240, 5)
	for i := 0; i < len(values); i += 7 {
		values[i] = math.NaN()
	}
	cfg := Config{SamplesPerDay: 24, DailyHarmonics: 1}
	tr, _, err := Fit(times, values, nil, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(tr.Std()) || tr.Std() <= 0 {
		t.Fatalf("residual scale %v after fitting around missing values", tr.Std())
	}
}

func TestNonParametricBuckets(t *testing.T) {
	// Period-4 sawtooth with noise; the bucket medians must recover the
	// four levels.
	rng := rand.New(rand.NewSource(6))
	var times, values []float64
	levels := []float64{0, 1, 2, 3}
	for t := 0; t < 400; t++ {
		times = append(times, float64(t))
		values = append(values, levels[t%4]+0.05*rng.NormFloat64())
	}
	cfg := Config{Kind: KindNonParametric, UsedPeriods: []int{4}}

	tr, _, err := Fit(times[:300], values[:300], times[300:], values[300:], cfg)
	if err != nil {
		t.Fatal(err)
	}
	b := tr.(*NonParametric)
	for phase, want := range levels {
		if got := b.Baseline(float64(phase)); !almostEqual(got, want, 0.05) {
			t.Fatalf("bucket %d median %v, want about %v", phase, got, want)
		}
	}

	// An unseen phase cannot happen with period 4, but an empty bucket
	// map must fall back to the global median.
	b2 := &NonParametric{Periods: []int{4}, Buckets: map[string]float64{}, Global: 1.5, Scale: 1}
	if got := b2.Baseline(2); got != 1.5 {
		t.Fatalf("empty-bucket fallback = %v, want global median", got)
	}
}

func TestNonParametricNeedsPeriods(t *testing.T) {
	times, values := dailySignal(50, 7)
	cfg := Config{Kind: KindNonParametric}
	if _, _, err := Fit(times, values, nil, nil, cfg); err == nil {
		t.Fatal("expected error for nonparametric baseline without periods")
	}
}

func TestQuantile(t *testing.T) {
	samples := []float64{3, 1, 2, 5, 4}
	if got := quantile(samples, 0.5); got != 3 {
		t.Fatalf("median = %v, want 3", got)
	}
	if got := quantile(samples, 0); got != 1 {
		t.Fatalf("min = %v, want 1", got)
	}
	if got := quantile(samples, 1); got != 5 {
		t.Fatalf("max = %v, want 5", got)
	}
	if got := quantile(samples, 0.25); got != 2 {
		t.Fatalf("q25 = %v, want 2", got)
	}
	if !math.IsNaN(quantile(nil, 0.5)) {
		t.Fatal("quantile of no samples should be NaN")
	}
}

func TestUnknownKindRejected(t *testing.T) {
	times, values := dailySignal(50, 8)
	if _, _, err := Fit(times, values, nil, nil, Config{Kind: "spline"}); err == nil {
		t.Fatal("expected error for unknown baseline kind")
	}
}

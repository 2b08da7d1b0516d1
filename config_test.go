package structar

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testConfig = `
future_lag: 3
past_lag: 0
rank: 2
train_test_split: 0.75
quadratic_regularization: 0.01
noise_correction: true
prediction_variables_weight: 0.5
ignore_prediction_columns: [temperature]
full_covariance_blocks:
  - [flu_a, flu_b]
available_data_lags:
  flu_a: 1
baselines:
  temperature:
    kind: harmonic
    samples_per_day: 24
    daily_harmonics: 2
    annual_harmonics: -1
    trend: true
  flu_b:
    kind: nonparametric
    used_periods: [24, 168]
default_baseline:
  samples_per_day: 24
  daily_harmonics: 1
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOptions(t *testing.T) {
	opts, err := LoadOptions(writeConfig(t, testConfig))
	require.NoError(t, err)

	require.Equal(t, 3, opts.FutureLag)
	require.Equal(t, 0, opts.PastLag)
	require.Equal(t, 2, opts.Rank)
	require.Equal(t, 0.75, opts.TrainTestSplit)
	require.Equal(t, 0.01, opts.QuadraticRegularization)
	require.True(t, opts.NoiseCorrection)
	require.Equal(t, [][]string{{"flu_a", "flu_b"}}, opts.FullCovarianceBlocks)
	require.Equal(t, []string{"temperature"}, opts.IgnorePredictionColumns)
	require.Equal(t, 1, opts.AvailableDataLags["flu_a"])

	temp := opts.Baselines["temperature"]
	require.Equal(t, "harmonic", temp.Kind)
	require.Equal(t, 2, temp.DailyHarmonics)
	require.Equal(t, -1, temp.AnnualHarmonics)
	require.True(t, temp.Trend)

	flub := opts.Baselines["flu_b"]
	require.Equal(t, "nonparametric", flub.Kind)
	require.Equal(t, []int{24, 168}, flub.UsedPeriods)

	require.Equal(t, 1, opts.DefaultBaseline.DailyHarmonics)
}

func TestLoadOptionsRejectsBadValues(t *testing.T) {
	for name, body := range map[string]string{
		"zero future lag":  "future_lag: 0",
		"negative rank":    "future_lag: 1\nrank: -1",
		"split too large":  "future_lag: 1\ntrain_test_split: 1.5",
		"negative ridge":   "future_lag: 1\nquadratic_regularization: -0.1",
		"negative lag":     "future_lag: 1\navailable_data_lags: {x: -2}",
		"weight too large": "future_lag: 1\nprediction_variables_weight: 1.0",
	} {
		if _, err := LoadOptions(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected a validation error", name)
		}
	}
}

func TestLoadOptionsMissingFile(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

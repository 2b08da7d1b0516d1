package structar

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadOptions reads fit options from a YAML file. Only basic value
// checks happen here; cross-field validation against the data (block
// membership, column names) happens in Fit.
func LoadOptions(path string) (Options, error) {
	var opts Options
	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("config %s: %w", path, err)
	}
	return opts, nil
}

// Validate rejects option values that no data could make admissible.
func (o Options) Validate() error {
	if o.FutureLag <= 0 {
		return fmt.Errorf("future_lag must be > 0, got %d", o.FutureLag)
	}
	if o.PastLag < 0 {
		return fmt.Errorf("past_lag must be >= 0, got %d", o.PastLag)
	}
	if o.Rank < 0 {
		return fmt.Errorf("rank must be >= 0, got %d", o.Rank)
	}
	if o.TrainTestSplit < 0 || o.TrainTestSplit >= 1 {
		return fmt.Errorf("train_test_split %v must lie in [0, 1)", o.TrainTestSplit)
	}
	if o.QuadraticRegularization < 0 {
		return fmt.Errorf("quadratic_regularization must be >= 0, got %v", o.QuadraticRegularization)
	}
	if o.PredictionVariablesWeight < 0 || o.PredictionVariablesWeight >= 1 {
		return fmt.Errorf("prediction_variables_weight %v must lie in [0, 1)", o.PredictionVariablesWeight)
	}
	for name, lag := range o.AvailableDataLags {
		if lag < 0 {
			return fmt.Errorf("available data lag of %q is negative", name)
		}
	}
	return nil
}

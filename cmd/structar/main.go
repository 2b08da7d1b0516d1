package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"structar"
)

var (
	verbose    bool
	configPath string
	modelPath  string
	dataPath   string
	outPath    string
)

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()
}

func loadModel(log zerolog.Logger) (*structar.Model, *structar.TimeSeries, error) {
	m, err := structar.LoadFile(modelPath, log)
	if err != nil {
		return nil, nil, err
	}
	ts, err := structar.LoadCSVToTimeSeries(dataPath)
	if err != nil {
		return nil, nil, err
	}
	ts, err = ts.Reorder(m.Columns)
	if err != nil {
		return nil, nil, err
	}
	return m, ts, nil
}

func main() {
	root := &cobra.Command{
		Use:           "structar",
		Short:         "Structured-covariance autoregressive forecasting",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().StringVar(&dataPath, "data", "", "input CSV time series")

	fitCmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit a model on a CSV time series and save it",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			opts, err := structar.LoadOptions(configPath)
			if err != nil {
				return err
			}
			ts, err := structar.LoadCSVToTimeSeries(dataPath)
			if err != nil {
				return err
			}
			m, err := structar.Fit(ts, opts, log)
			if err != nil {
				return err
			}
			if err := m.SaveFile(outPath); err != nil {
				return err
			}
			log.Info().Str("path", outPath).Msg("model saved")
			return nil
		},
	}
	fitCmd.Flags().StringVar(&configPath, "config", "config.yaml", "fit options YAML")
	fitCmd.Flags().StringVar(&outPath, "out", "model.bin", "output model file")

	predictCmd := &cobra.Command{
		Use:   "predict",
		Short: "Forecast the window following the end of the series",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			m, ts, err := loadModel(log)
			if err != nil {
				return err
			}
			pred, _, err := m.Predict(ts, false)
			if err != nil {
				return err
			}
			if err := pred.WriteCSV(outPath); err != nil {
				return err
			}
			log.Info().Str("path", outPath).Msg("predictions written")
			return nil
		},
	}
	predictCmd.Flags().StringVar(&modelPath, "model", "model.bin", "fitted model file")
	predictCmd.Flags().StringVar(&outPath, "out", "predictions.csv", "output CSV")

	evaluateCmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Report held-out RMSE per forecast step and column",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			m, ts, err := loadModel(log)
			if err != nil {
				return err
			}
			rmse, err := m.TestAR(ts)
			if err != nil {
				return err
			}
			if err := structar.WriteRMSECSV(outPath, rmse, m.Columns); err != nil {
				return err
			}
			log.Info().Str("path", outPath).Msg("RMSE written")
			return nil
		},
	}
	evaluateCmd.Flags().StringVar(&modelPath, "model", "model.bin", "fitted model file")
	evaluateCmd.Flags().StringVar(&outPath, "out", "rmse.csv", "output CSV")

	anomalyCmd := &cobra.Command{
		Use:   "anomaly",
		Short: "Score every lag window of the series for anomalies",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			m, ts, err := loadModel(log)
			if err != nil {
				return err
			}
			scores, err := m.AnomalyScore(ts)
			if err != nil {
				return err
			}
			// Index each score by the time of its first forecast slot.
			times := make([]float64, len(scores))
			for i := range scores {
				times[i] = ts.Time[i+m.PastLag]
			}
			if err := structar.WriteScoresCSV(outPath, times, scores); err != nil {
				return err
			}
			log.Info().Str("path", outPath).Msg("anomaly scores written")
			return nil
		},
	}
	anomalyCmd.Flags().StringVar(&modelPath, "model", "model.bin", "fitted model file")
	anomalyCmd.Flags().StringVar(&outPath, "out", "scores.csv", "output CSV")

	root.AddCommand(fitCmd, predictCmd, evaluateCmd, anomalyCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

package structar

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// LoadCSVToTimeSeries loads a CSV file into a TimeSeries. The first
// row is the header of variable names; empty cells and the literal
// strings "NA" and "NaN" become missing entries. Rows are numbered
// 0, 1, 2, ... as the time index.
func LoadCSVToTimeSeries(path string) (*TimeSeries, error) {
	// 1. Open file
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	// 2. Make CSV reader
	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	// 3. Read header row
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) == 0 {
		return nil, fmt.Errorf("empty header in %s", path)
	}
	K := len(header) // number of variables

	var (
		data  []float64 // flat data for mat.Dense
		times []float64 // time index
		row   int       // row counter
	)

	// 4. Read each data row
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", row+2, err) // +2 for header + 1-based
		}

		// Skip completely empty lines
		if len(record) == 1 && record[0] == "" {
			continue
		}

		if len(record) != K {
			return nil, fmt.Errorf(
				"row %d: expected %d columns, got %d",
				row+2, K, len(record),
			)
		}

		for j, s := range record {
			if s == "" || s == "NA" || s == "NaN" {
				data = append(data, math.NaN())
				continue
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf(
					"parse float at row %d col %d (%q): %w",
					row+2, j+1, s, err,
				)
			}
			data = append(data, v)
		}

		times = append(times, float64(row))
		row++
	}

	if row == 0 {
		return nil, fmt.Errorf("no data rows in %s", path)
	}

	return &TimeSeries{
		Y:     mat.NewDense(row, K, data),
		Time:  times,
		Names: header,
	}, nil
}

// WriteCSV writes the series with a leading "time" column. Missing
// entries are written as empty cells.
func (ts *TimeSeries) WriteCSV(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	T, K := ts.Dims()
	header := append([]string{"time"}, ts.Names...)
	if err := writer.Write(header); err != nil {
		return err
	}
	for t := 0; t < T; t++ {
		record := make([]string, K+1)
		record[0] = strconv.FormatFloat(ts.Time[t], 'f', -1, 64)
		for v := 0; v < K; v++ {
			x := ts.Y.At(t, v)
			if math.IsNaN(x) {
				continue
			}
			record[v+1] = strconv.FormatFloat(x, 'f', -1, 64)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Error()
}

// WriteRMSECSV writes a per-forecast-step RMSE matrix, one row per
// step ahead.
func WriteRMSECSV(path string, rmse *mat.Dense, names []string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := append([]string{"steps_ahead"}, names...)
	if err := writer.Write(header); err != nil {
		return err
	}
	rows, cols := rmse.Dims()
	for i := 0; i < rows; i++ {
		record := make([]string, cols+1)
		record[0] = strconv.Itoa(i + 1)
		for j := 0; j < cols; j++ {
			v := rmse.At(i, j)
			if math.IsNaN(v) {
				continue
			}
			record[j+1] = strconv.FormatFloat(v, 'f', 6, 64)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Error()
}

// WriteScoresCSV writes anomaly scores indexed by the time of each lag
// window's first future slot.
func WriteScoresCSV(path string, times, scores []float64) error {
	if len(times) != len(scores) {
		return fmt.Errorf("got %d times for %d scores", len(times), len(scores))
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"time", "score"}); err != nil {
		return err
	}
	for i := range scores {
		record := []string{
			strconv.FormatFloat(times[i], 'f', -1, 64),
			"",
		}
		if !math.IsNaN(scores[i]) {
			record[1] = strconv.FormatFloat(scores[i], 'f', 6, 64)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Error()
}

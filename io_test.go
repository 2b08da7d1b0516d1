package structar

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCSVToTimeSeries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	body := "flu,temp\n1.5,20\n,21.5\n2.25,NA\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	ts, err := LoadCSVToTimeSeries(path)
	require.NoError(t, err)
	require.Equal(t, []string{"flu", "temp"}, ts.Names)

	T, K := ts.Dims()
	require.Equal(t, 3, T)
	require.Equal(t, 2, K)
	require.Equal(t, []float64{0, 1, 2}, ts.Time)

	require.Equal(t, 1.5, ts.Y.At(0, 0))
	require.True(t, math.IsNaN(ts.Y.At(1, 0)), "empty cell should be missing")
	require.True(t, math.IsNaN(ts.Y.At(2, 1)), "NA cell should be missing")
	require.NoError(t, ts.Check(nil))
}

func TestLoadCSVRejectsRaggedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1\n"), 0o644))
	_, err := LoadCSVToTimeSeries(path)
	require.Error(t, err)
}

func TestWriteCSV(t *testing.T) {
	ts := testSeries(5, 9)
	ts.Y.Set(2, 1, math.NaN())
	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, ts.WriteCSV(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 6)
	require.Equal(t, "time,a,b,c", lines[0])
	// The missing entry stays an empty cell.
	require.True(t, strings.Contains(lines[3], ",,"), "line %q should hold an empty cell", lines[3])
}

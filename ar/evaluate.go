package ar

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"structar/linalg"
)

// Variance floor when normalizing anomaly deviations, guarding against
// an exactly-zero conditional variance.
const varianceFloor = 1e-12

// RMSE slides the prediction machinery over a held-out residual matrix
// whose true future values are known, and returns the root mean square
// prediction error per forecast lag and column, in residual units
// (futureLag x nVars, NaN for predictor-only columns), together with
// the per-row gradient diagnostics from the batched predictor.
//
// Rows whose known slots contain missing values do not share the batch
// mask geometry and are skipped.
func RMSE(sc *linalg.StructuredCovariance, pastLag, futureLag int, test *mat.Dense,
	availableDataLags []int, predictorOnly []bool, quadReg float64) (*mat.Dense, *mat.Dense, error) {

	lag := pastLag + futureLag
	flat, err := MakeSlicedFlattenedMatrix(test, lag)
	if err != nil {
		return nil, nil, err
	}
	predMask, unknownMask, err := MakePredictionMask(availableDataLags, predictorOnly, pastLag, futureLag)
	if err != nil {
		return nil, nil, err
	}
	knownMask := knownMaskFrom(unknownMask)

	batch, predIdx, rowIdx, err := predictHidden(sc, flat, knownMask, predMask, quadReg)
	if err != nil {
		return nil, nil, err
	}

	_, nVars := test.Dims()
	sumSq := mat.NewDense(futureLag, nVars, nil)
	counts := make([][]int, futureLag)
	for i := range counts {
		counts[i] = make([]int, nVars)
	}

	for i := range rowIdx {
		for j, g := range predIdx {
			grad := batch.Gradients.At(i, j)
			if math.IsNaN(grad) {
				continue
			}
			v := g / lag
			fut := g%lag - pastLag
			sumSq.Set(fut, v, sumSq.At(fut, v)+grad*grad)
			counts[fut][v]++
		}
	}

	rmse := mat.NewDense(futureLag, nVars, nil)
	for f := 0; f < futureLag; f++ {
		for v := 0; v < nVars; v++ {
			if counts[f][v] == 0 {
				rmse.Set(f, v, math.NaN())
				continue
			}
			rmse.Set(f, v, math.Sqrt(sumSq.At(f, v)/float64(counts[f][v])))
		}
	}
	return rmse, batch.Gradients, nil
}

// predictHidden hides the unknown slots of every complete row of flat
// and runs the batched predictor against the true values. Returns the
// batch result, the global slot index of each prediction column, and
// the flat-row index behind each batch row.
func predictHidden(sc *linalg.StructuredCovariance, flat *mat.Dense,
	knownMask, predMask []bool, quadReg float64) (*linalg.BatchResult, []int, []int, error) {

	knownIdx := indicesOf(knownMask)
	predIdx := indicesOf(predMask)

	rows, _ := flat.Dims()
	var rowIdx []int
	for i := 0; i < rows; i++ {
		if !rowHasNaN(flat, i, knownIdx) {
			rowIdx = append(rowIdx, i)
		}
	}
	if len(rowIdx) == 0 {
		return nil, nil, nil, fmt.Errorf("no row with complete known slots to predict")
	}

	known := mat.NewDense(len(rowIdx), len(knownIdx), nil)
	realVals := mat.NewDense(len(rowIdx), len(predIdx), nil)
	for i, r := range rowIdx {
		for j, c := range knownIdx {
			known.Set(i, j, flat.At(r, c))
		}
		for j, c := range predIdx {
			realVals.Set(i, j, flat.At(r, c))
		}
	}

	batch, err := linalg.SchurPredictBatch(sc, knownMask, known, predMask, quadReg, realVals)
	if err != nil {
		return nil, nil, nil, err
	}
	return batch, predIdx, rowIdx, nil
}

// AnomalyScore runs the conditional-prediction machinery over a
// residual matrix and returns, per lag-window row, the probability mass
// of the chi-squared distribution below the row's Mahalanobis statistic
// (squared normalized deviations of the observed future slots from
// their conditional means). Scores near 1 flag unusual multivariate
// behavior; rows with incomplete past slots score NaN.
func AnomalyScore(sc *linalg.StructuredCovariance, pastLag, futureLag int,
	residuals *mat.Dense, quadReg float64) ([]float64, error) {

	lag := pastLag + futureLag
	flat, err := MakeSlicedFlattenedMatrix(residuals, lag)
	if err != nil {
		return nil, err
	}

	nVars := sc.NVars
	dim := nVars * lag
	knownMask := make([]bool, dim)
	futureMask := make([]bool, dim)
	for v := 0; v < nVars; v++ {
		for l := 0; l < lag; l++ {
			if l < pastLag {
				knownMask[v*lag+l] = true
			} else {
				futureMask[v*lag+l] = true
			}
		}
	}

	// The conditional covariance depends only on the mask geometry, so
	// one covariance serves all rows; fetch it with a zero dummy row.
	zero := make([]float64, countTrue(knownMask))
	_, cov, err := linalg.SchurPredict(sc, knownMask, zero, futureMask, quadReg, true)
	if err != nil {
		return nil, err
	}

	batch, predIdx, rowIdx, err := predictHidden(sc, flat, knownMask, futureMask, quadReg)
	if err != nil {
		return nil, err
	}

	rows, _ := flat.Dims()
	scores := make([]float64, rows)
	for i := range scores {
		scores[i] = math.NaN()
	}

	for bi, r := range rowIdx {
		m, dof := 0.0, 0
		for j := range predIdx {
			grad := batch.Gradients.At(bi, j)
			if math.IsNaN(grad) {
				continue
			}
			variance := cov.At(j, j)
			if variance < varianceFloor {
				variance = varianceFloor
			}
			m += grad * grad / variance
			dof++
		}
		if dof == 0 {
			continue
		}
		chi := distuv.ChiSquared{K: float64(dof)}
		scores[r] = chi.CDF(m)
	}
	return scores, nil
}

func indicesOf(mask []bool) []int {
	var idx []int
	for i, m := range mask {
		if m {
			idx = append(idx, i)
		}
	}
	return idx
}

func countTrue(mask []bool) int {
	n := 0
	for _, m := range mask {
		if m {
			n++
		}
	}
	return n
}

// Package ar fits the low-rank plus block-diagonal autoregressive
// covariance model on residual time series and evaluates it. Residual
// matrices are time x variables with NaN marking missing entries;
// flattened lag-window rows use the variable-major slot convention
// slot = v*lag + l shared with package linalg.
package ar

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MakeSlicedFlattenedMatrix slides a window of `lag` consecutive rows
// over data (T x nVars) and flattens each window into one row of the
// output, one contiguous lag segment per variable. The result is
// (T - lag + 1) x (nVars * lag); row t covers input rows [t, t+lag).
func MakeSlicedFlattenedMatrix(data *mat.Dense, lag int) (*mat.Dense, error) {
	if data == nil {
		return nil, fmt.Errorf("residual matrix not provided")
	}
	if lag <= 0 {
		return nil, fmt.Errorf("lag must be > 0, got %d", lag)
	}
	T, nVars := data.Dims()
	if T < lag {
		return nil, fmt.Errorf("need at least %d rows to slice, got %d", lag, T)
	}

	rows := T - lag + 1
	out := mat.NewDense(rows, nVars*lag, nil)
	for t := 0; t < rows; t++ {
		for v := 0; v < nVars; v++ {
			for l := 0; l < lag; l++ {
				out.Set(t, v*lag+l, data.At(t+l, v))
			}
		}
	}
	return out, nil
}

// MakePredictionMask computes the two masks over the flattened
// nVars*lag dimension used at prediction time.
//
// predictionMask marks the slots that are legitimate prediction
// targets: structurally-future slots (lag offset >= pastLag) of
// variables not flagged predictor-only. unknownMask marks every slot
// that must be hidden from the inference input: the prediction slots
// plus past slots not yet reported because of the variable's
// availability lag. predictionMask is always a subset of unknownMask.
func MakePredictionMask(availableDataLags []int, predictorOnly []bool, pastLag, futureLag int) (predictionMask, unknownMask []bool, err error) {
	if pastLag <= 0 || futureLag <= 0 {
		return nil, nil, fmt.Errorf("pastLag and futureLag must be > 0, got %d and %d", pastLag, futureLag)
	}
	nVars := len(availableDataLags)
	if len(predictorOnly) != nVars {
		return nil, nil, fmt.Errorf("got %d availability lags but %d predictor-only flags",
			nVars, len(predictorOnly))
	}

	lag := pastLag + futureLag
	predictionMask = make([]bool, nVars*lag)
	unknownMask = make([]bool, nVars*lag)

	for v := 0; v < nVars; v++ {
		d := availableDataLags[v]
		if d < 0 {
			return nil, nil, fmt.Errorf("variable %d has negative availability lag %d", v, d)
		}
		for l := 0; l < lag; l++ {
			slot := v*lag + l
			// The last reported sample of variable v sits at offset
			// pastLag-1-d; everything after it is unknown at
			// prediction time.
			if l >= pastLag-d {
				unknownMask[slot] = true
			}
			if l >= pastLag && !predictorOnly[v] {
				predictionMask[slot] = true
			}
		}
	}
	return predictionMask, unknownMask, nil
}

// knownMaskFrom returns the complement of unknownMask.
func knownMaskFrom(unknownMask []bool) []bool {
	known := make([]bool, len(unknownMask))
	for i, u := range unknownMask {
		known[i] = !u
	}
	return known
}

// rowHasNaN reports whether any of the selected columns of row i are
// NaN.
func rowHasNaN(m *mat.Dense, i int, cols []int) bool {
	for _, c := range cols {
		if math.IsNaN(m.At(i, c)) {
			return true
		}
	}
	return false
}

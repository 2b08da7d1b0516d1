package ar

import (
	"gonum.org/v1/gonum/mat"

	"structar/linalg"
)

// GuessMatrix runs batched conditional inference over the rows of a
// flattened window matrix. Rows containing NaN inside the known slots
// are skipped rather than failing the batch. It returns the batch
// result, the global slot indices of the prediction mask (columns of
// the result), and the flat-matrix row index behind each result row.
func GuessMatrix(sc *linalg.StructuredCovariance, flat *mat.Dense,
	knownMask, predictionMask []bool, quadReg float64) (*linalg.BatchResult, []int, []int, error) {
	return predictHidden(sc, flat, knownMask, predictionMask, quadReg)
}

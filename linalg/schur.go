package linalg

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// BatchResult is what a batched conditional-mean computation returns.
type BatchResult struct {
	// Predictions holds one conditional-mean row per input row, one
	// column per prediction-mask slot.
	Predictions *mat.Dense

	// Gradients are the signed prediction errors (predicted - real) at
	// the prediction slots, the gradient of half the squared loss. Nil
	// when no real values were supplied. Slots whose real value is NaN
	// carry NaN.
	Gradients *mat.Dense

	// PredictionsMade counts the (row, slot) predictions that had a
	// real value to compare against; equals rows*slots when real values
	// are absent.
	PredictionsMade int
}

// schurSolver caches the factorizations shared by every right-hand side
// with the same known/prediction mask geometry: the per-block
// factorization of E = D_KK + lambda*I and the rank*lag capacitance
// matrix M = S^{-1} + V_K^T E^{-1} V_K of the Woodbury identity.
type schurSolver struct {
	sc       *StructuredCovariance
	knownIdx []int
	predIdx  []int

	// Per covariance block: local slot indices (within the block
	// matrix) and positions (within knownIdx/predIdx ordering) of the
	// known and prediction slots that fall inside the block.
	blkKnownLocal [][]int
	blkKnownPos   [][]int
	blkPredLocal  [][]int
	blkPredPos    [][]int

	// Per block, one of eLU/eInv is set (both nil for blocks with no
	// known slots). eInv is the eigenvalue-floored pseudo-inverse used
	// when the observed sub-covariance is rank deficient.
	eLU  []*mat.LU
	eInv []*mat.Dense
	VK   *mat.Dense
	EiVK *mat.Dense
	mLU  *mat.LU
	mInv *mat.Dense
}

func newSchurSolver(sc *StructuredCovariance, knownMask, predictionMask []bool, quadReg float64) (*schurSolver, error) {
	dim := sc.Dim()
	if len(knownMask) != dim {
		return nil, fmt.Errorf("%w: known mask has %d entries, flattened dimension is %d",
			ErrShapeMismatch, len(knownMask), dim)
	}
	if len(predictionMask) != dim {
		return nil, fmt.Errorf("%w: prediction mask has %d entries, flattened dimension is %d",
			ErrShapeMismatch, len(predictionMask), dim)
	}
	for i := range predictionMask {
		if predictionMask[i] && knownMask[i] {
			return nil, fmt.Errorf("%w: prediction mask selects known slot %d",
				ErrShapeMismatch, i)
		}
	}
	if quadReg < 0 {
		return nil, fmt.Errorf("quadratic regularization must be >= 0, got %v", quadReg)
	}

	s := &schurSolver{
		sc:       sc,
		knownIdx: maskIndices(knownMask),
		predIdx:  maskIndices(predictionMask),
	}

	nBlocks := len(sc.DBlocks)
	s.blkKnownLocal = make([][]int, nBlocks)
	s.blkKnownPos = make([][]int, nBlocks)
	s.blkPredLocal = make([][]int, nBlocks)
	s.blkPredPos = make([][]int, nBlocks)
	s.eLU = make([]*mat.LU, nBlocks)
	s.eInv = make([]*mat.Dense, nBlocks)

	for b := range sc.DBlocks {
		start, end := sc.DBlockIndexes[b][0], sc.DBlockIndexes[b][1]
		for pos, g := range s.knownIdx {
			if g >= start && g < end {
				s.blkKnownLocal[b] = append(s.blkKnownLocal[b], g-start)
				s.blkKnownPos[b] = append(s.blkKnownPos[b], pos)
			}
		}
		for pos, g := range s.predIdx {
			if g >= start && g < end {
				s.blkPredLocal[b] = append(s.blkPredLocal[b], g-start)
				s.blkPredPos[b] = append(s.blkPredPos[b], pos)
			}
		}
	}

	if len(s.knownIdx) == 0 {
		// Marginal case: nothing to factorize.
		return s, nil
	}

	// Factorize E_b = D_b[known, known] + lambda*I per block.
	for b, Db := range sc.DBlocks {
		local := s.blkKnownLocal[b]
		if len(local) == 0 {
			continue
		}
		nb := len(local)
		Eb := mat.NewDense(nb, nb, nil)
		for i, li := range local {
			for j, lj := range local {
				v := Db.At(li, lj)
				if i == j {
					v += quadReg
				}
				Eb.Set(i, j, v)
			}
		}
		var lu mat.LU
		lu.Factorize(Eb)
		if lu.Cond() > 1/eigenvalueFloor {
			// The idiosyncratic part has rank at most block size minus
			// the factor rank, so a rank-deficient observed
			// sub-covariance is the normal state of a multi-variable
			// block at zero regularization. Degrade to the floored
			// pseudo-inverse; only an exactly-zero sub-covariance is a
			// hard failure.
			inv, err := invertPSD(Eb)
			if err != nil {
				return nil, fmt.Errorf("%w: noise block %d observed sub-covariance (size %d) has no positive eigenvalue",
					ErrNumericallySingular, b, nb)
			}
			s.eInv[b] = inv
			continue
		}
		s.eLU[b] = &lu
	}

	// V restricted to known rows, E^{-1} V_K, and the capacitance
	// matrix M = S^{-1} + V_K^T E^{-1} V_K.
	s.VK = rowsSubset(sc.V, s.knownIdx)
	eiVK, err := s.solveE(s.VK)
	if err != nil {
		return nil, err
	}
	s.EiVK = eiVK

	rl := sc.Rank * sc.Lag
	M := mat.NewDense(rl, rl, nil)
	M.Mul(s.VK.T(), s.EiVK)
	M.Add(M, sc.SInv)

	var mLU mat.LU
	mLU.Factorize(M)
	if mLU.Cond() > 1/eigenvalueFloor {
		inv, err := invertPSD(M)
		if err != nil {
			return nil, fmt.Errorf("%w: Woodbury capacitance matrix", ErrNumericallySingular)
		}
		s.mInv = inv
	} else {
		s.mLU = &mLU
	}

	return s, nil
}

// solveE applies E^{-1} to the rows of x (one row per known slot),
// block by block.
func (s *schurSolver) solveE(x *mat.Dense) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if rows != len(s.knownIdx) {
		return nil, fmt.Errorf("%w: solveE input has %d rows, want %d",
			ErrShapeMismatch, rows, len(s.knownIdx))
	}
	out := mat.NewDense(rows, cols, nil)
	for b := range s.sc.DBlocks {
		pos := s.blkKnownPos[b]
		if len(pos) == 0 {
			continue
		}
		// Known slots of a block occupy a contiguous run of positions,
		// but index explicitly to keep no hidden ordering assumption.
		sub := mat.NewDense(len(pos), cols, nil)
		for i, p := range pos {
			for j := 0; j < cols; j++ {
				sub.Set(i, j, x.At(p, j))
			}
		}
		var solved mat.Dense
		if s.eLU[b] != nil {
			if err := s.eLU[b].SolveTo(&solved, false, sub); err != nil {
				return nil, fmt.Errorf("%w: noise block %d solve: %v", ErrNumericallySingular, b, err)
			}
		} else {
			solved.Mul(s.eInv[b], sub)
		}
		for i, p := range pos {
			for j := 0; j < cols; j++ {
				out.Set(p, j, solved.At(i, j))
			}
		}
	}
	return out, nil
}

// applySigmaInvK computes Sigma_KK^{-1} y for a matrix of column
// right-hand sides via the Woodbury identity:
//
//	Sigma_KK^{-1} = E^{-1} - E^{-1} V_K M^{-1} V_K^T E^{-1}.
func (s *schurSolver) applySigmaInvK(y *mat.Dense) (*mat.Dense, error) {
	a, err := s.solveE(y)
	if err != nil {
		return nil, err
	}
	var bMat mat.Dense
	bMat.Mul(s.VK.T(), a)
	var c mat.Dense
	if s.mLU != nil {
		if err := s.mLU.SolveTo(&c, false, &bMat); err != nil {
			return nil, fmt.Errorf("%w: capacitance solve: %v", ErrNumericallySingular, err)
		}
	} else {
		c.Mul(s.mInv, &bMat)
	}
	var corr mat.Dense
	corr.Mul(s.EiVK, &c)
	a.Sub(a, &corr)
	return a, nil
}

// crossCov computes Sigma[rows, known] applied from the left to z,
// i.e. (V_rows S V_K^T + D_rows,K) z, where rows come from either the
// prediction set or the known set. z has one row per known slot.
func (s *schurSolver) crossCovTimes(rowIdx []int, blkRowLocal, blkRowPos [][]int, z *mat.Dense) *mat.Dense {
	_, cols := z.Dims()
	out := mat.NewDense(len(rowIdx), cols, nil)

	// Low-rank part: V_rows S (V_K^T z).
	var vkz mat.Dense
	vkz.Mul(s.VK.T(), z)
	var svkz mat.Dense
	svkz.Mul(s.sc.S, &vkz)
	VR := rowsSubset(s.sc.V, rowIdx)
	out.Mul(VR, &svkz)

	// Block-diagonal part: within-block cross covariances only.
	for b, Db := range s.sc.DBlocks {
		rLocal, rPos := blkRowLocal[b], blkRowPos[b]
		kLocal, kPos := s.blkKnownLocal[b], s.blkKnownPos[b]
		if len(rLocal) == 0 || len(kLocal) == 0 {
			continue
		}
		for i, li := range rLocal {
			for j, lj := range kLocal {
				d := Db.At(li, lj)
				if d == 0 {
					continue
				}
				for c := 0; c < cols; c++ {
					out.Set(rPos[i], c, out.At(rPos[i], c)+d*z.At(kPos[j], c))
				}
			}
		}
	}
	return out
}

// marginalCov materializes Sigma restricted to the given slots,
// using the structured form.
func marginalCov(sc *StructuredCovariance, idx []int) *mat.Dense {
	VR := rowsSubset(sc.V, idx)
	var vs, out mat.Dense
	vs.Mul(VR, sc.S)
	out.Mul(&vs, VR.T())
	for i, gi := range idx {
		for j, gj := range idx {
			out.Set(i, j, out.At(i, j)+sc.DMatrix.At(gi, gj))
		}
	}
	return &out
}

// SchurPredictBatch computes the conditional mean of the prediction
// slots for a batch of rows that share the same known/prediction mask
// geometry. known has one row per input row and one column per true
// entry of knownMask. When realValues (same row count, one column per
// prediction slot) is supplied, per-slot gradient diagnostics and a
// prediction count are filled in.
//
// A numeric failure fails the whole call: rows share the mask geometry
// and therefore the factorizations, so a singularity is systematic
// rather than row-local.
func SchurPredictBatch(sc *StructuredCovariance, knownMask []bool, known *mat.Dense,
	predictionMask []bool, quadReg float64, realValues *mat.Dense) (*BatchResult, error) {

	s, err := newSchurSolver(sc, knownMask, predictionMask, quadReg)
	if err != nil {
		return nil, err
	}

	rows, nk := known.Dims()
	if nk != len(s.knownIdx) {
		return nil, fmt.Errorf("%w: known values have %d columns, known mask selects %d slots",
			ErrShapeMismatch, nk, len(s.knownIdx))
	}
	np := len(s.predIdx)
	if realValues != nil {
		rr, rc := realValues.Dims()
		if rr != rows || rc != np {
			return nil, fmt.Errorf("%w: real values are %dx%d, want %dx%d",
				ErrShapeMismatch, rr, rc, rows, np)
		}
	}

	res := &BatchResult{Predictions: mat.NewDense(rows, np, nil)}
	if np == 0 || rows == 0 {
		// All-known geometry (or empty batch): empty prediction, no error.
		res.finishGradients(realValues)
		return res, nil
	}

	if nk == 0 {
		// Marginal distribution: the conditional mean is zero.
		res.finishGradients(realValues)
		return res, nil
	}

	// mu_P = Sigma_PK Sigma_KK^{-1} y, with rows as columns so that one
	// factorization serves the whole batch.
	yt := mat.DenseCopyOf(known.T())
	z, err := s.applySigmaInvK(yt)
	if err != nil {
		return nil, err
	}
	mu := s.crossCovTimes(s.predIdx, s.blkPredLocal, s.blkPredPos, z)
	res.Predictions.Copy(mu.T())
	res.finishGradients(realValues)
	return res, nil
}

// finishGradients fills gradients and the prediction count against the
// supplied real values.
func (r *BatchResult) finishGradients(realValues *mat.Dense) {
	rows, np := r.Predictions.Dims()
	if realValues == nil {
		r.PredictionsMade = rows * np
		return
	}
	r.Gradients = mat.NewDense(rows, np, nil)
	if rows == 0 || np == 0 {
		return
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < np; j++ {
			truth := realValues.At(i, j)
			if math.IsNaN(truth) {
				r.Gradients.Set(i, j, math.NaN())
				continue
			}
			r.Gradients.Set(i, j, r.Predictions.At(i, j)-truth)
			r.PredictionsMade++
		}
	}
}

// SchurPredict computes the conditional mean of the prediction slots of
// a single flattened row given its known entries, and optionally the
// conditional covariance of those slots. knownValues must have exactly
// one entry per true slot of knownMask.
//
// With an all-true known mask the prediction is empty, the covariance
// nil, and the error nil; with an all-false known mask the result is
// the marginal distribution, still computed through the structured
// form.
func SchurPredict(sc *StructuredCovariance, knownMask []bool, knownValues []float64,
	predictionMask []bool, quadReg float64, returnCov bool) ([]float64, *mat.Dense, error) {

	s, err := newSchurSolver(sc, knownMask, predictionMask, quadReg)
	if err != nil {
		return nil, nil, err
	}
	if len(knownValues) != len(s.knownIdx) {
		return nil, nil, fmt.Errorf("%w: %d known values for %d known slots",
			ErrShapeMismatch, len(knownValues), len(s.knownIdx))
	}

	np := len(s.predIdx)
	pred := make([]float64, np)
	if np == 0 {
		// Unknown set empty: empty prediction, nil covariance. gonum
		// cannot represent a 0x0 Dense.
		return pred, nil, nil
	}

	var cov *mat.Dense
	if len(s.knownIdx) == 0 {
		// Marginal: zero mean, Sigma restricted to the prediction slots.
		if returnCov {
			cov = marginalCov(sc, s.predIdx)
		}
		return pred, cov, nil
	}

	y := mat.NewDense(len(s.knownIdx), 1, nil)
	for i, v := range knownValues {
		y.Set(i, 0, v)
	}
	z, err := s.applySigmaInvK(y)
	if err != nil {
		return nil, nil, err
	}
	mu := s.crossCovTimes(s.predIdx, s.blkPredLocal, s.blkPredPos, z)
	for i := 0; i < np; i++ {
		pred[i] = mu.At(i, 0)
	}

	if returnCov {
		cov, err = s.posteriorCov()
		if err != nil {
			return nil, nil, err
		}
	}
	return pred, cov, nil
}

// posteriorCov computes Sigma_PP - Sigma_PK Sigma_KK^{-1} Sigma_KP for
// the solver's prediction slots.
func (s *schurSolver) posteriorCov() (*mat.Dense, error) {
	// Sigma_KP = (Sigma_PK)^T; build it through the cross covariance
	// applied to basis columns of the known set is wasteful, so form it
	// directly: V_K S V_P^T + D_KP.
	VP := rowsSubset(s.sc.V, s.predIdx)
	var vs, sigmaKP mat.Dense
	vs.Mul(s.VK, s.sc.S)
	sigmaKP.Mul(&vs, VP.T())
	for b, Db := range s.sc.DBlocks {
		kLocal, kPos := s.blkKnownLocal[b], s.blkKnownPos[b]
		pLocal, pPos := s.blkPredLocal[b], s.blkPredPos[b]
		if len(kLocal) == 0 || len(pLocal) == 0 {
			continue
		}
		for i, li := range kLocal {
			for j, lj := range pLocal {
				sigmaKP.Set(kPos[i], pPos[j], sigmaKP.At(kPos[i], pPos[j])+Db.At(li, lj))
			}
		}
	}

	w, err := s.applySigmaInvK(&sigmaKP)
	if err != nil {
		return nil, err
	}

	post := marginalCov(s.sc, s.predIdx)
	var corr mat.Dense
	corr.Mul(sigmaKP.T(), w)
	post.Sub(post, &corr)
	return post, nil
}

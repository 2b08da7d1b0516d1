package ar

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"structar/linalg"
)

// FitOptions configures a structured-covariance fit.
type FitOptions struct {
	// FutureLag is the number of forecast steps in the lag window.
	FutureLag int

	// PastLag is the number of history steps; 0 means choose
	// automatically by held-out RMSE (or a deterministic default when
	// no held-out data is supplied).
	PastLag int

	// Rank of the shared latent factor model; 0 means choose
	// automatically, like PastLag.
	Rank int

	// AvailableDataLags[v] is how many steps variable v's reporting is
	// delayed relative to nominal time.
	AvailableDataLags []int

	// PredictorOnly[v] marks variables that are never prediction
	// targets.
	PredictorOnly []bool

	// Blocks partitions the variable indices into covariance blocks.
	// Blocks must be disjoint, cover every variable, and list their
	// members in increasing contiguous order.
	Blocks [][]int

	// QuadraticRegularization is echoed into the fit result and used
	// during candidate evaluation.
	QuadraticRegularization float64

	// NoiseCorrection applies a finite-sample degrees-of-freedom
	// correction c/(c-rank) to each idiosyncratic covariance entry
	// estimated from c sample pairs, compensating for the variance
	// absorbed by the factor regression.
	NoiseCorrection bool

	// Weights scales each variable's contribution to the shared factor
	// extraction; nil means unit weights.
	Weights []float64

	// MaxAutoRank caps the automatic rank search; 0 means min(nVars, 8).
	MaxAutoRank int

	Log zerolog.Logger
}

// FitResult carries the resolved configuration and the sufficient
// statistics consumed by linalg.BuildMatrices.
type FitResult struct {
	PastLag                 int
	Rank                    int
	QuadraticRegularization float64
	Stats                   linalg.SufficientStatistics

	// Degenerate lists variables whose training window contained no
	// usable sample at all. Their noise entries are zero and inference
	// on them leans entirely on the regularization term.
	Degenerate []int
}

// Fit estimates the low-rank plus block-diagonal covariance model from
// a training residual matrix (time x variables, NaN = missing) and an
// optional held-out matrix used for automatic rank / past-lag
// selection. Missing entries are excluded from the second-moment
// accumulations, never imputed.
//
// Candidates are scanned in increasing order and a strictly smaller
// held-out RMSE is required to switch, so ties resolve to the smallest
// rank and past lag.
func Fit(train, test *mat.Dense, opts FitOptions) (*FitResult, error) {
	if train == nil {
		return nil, fmt.Errorf("training residuals not provided")
	}
	T, nVars := train.Dims()
	if opts.FutureLag <= 0 {
		return nil, fmt.Errorf("future lag must be > 0, got %d", opts.FutureLag)
	}
	if opts.PastLag < 0 || opts.Rank < 0 {
		return nil, fmt.Errorf("past lag and rank must be >= 0, got %d and %d", opts.PastLag, opts.Rank)
	}
	if len(opts.AvailableDataLags) != nVars || len(opts.PredictorOnly) != nVars {
		return nil, fmt.Errorf("metadata for %d variables, residuals have %d columns",
			len(opts.AvailableDataLags), nVars)
	}
	if opts.Weights != nil && len(opts.Weights) != nVars {
		return nil, fmt.Errorf("got %d weights for %d variables", len(opts.Weights), nVars)
	}
	if err := validateBlocks(opts.Blocks, nVars); err != nil {
		return nil, err
	}
	if test != nil {
		_, tc := test.Dims()
		if tc != nVars {
			return nil, fmt.Errorf("held-out residuals have %d columns, train has %d", tc, nVars)
		}
	}

	pastCands, rankCands := candidateGrids(T, nVars, opts)
	if len(pastCands) == 0 || len(rankCands) == 0 {
		return nil, fmt.Errorf("data length %d leaves no admissible past lag for future lag %d",
			T, opts.FutureLag)
	}

	if len(pastCands) == 1 && len(rankCands) == 1 {
		return fitOnce(train, pastCands[0], rankCands[0], opts)
	}
	if test == nil {
		// No held-out data to score candidates against: fall back to
		// deterministic defaults within the admissible grid.
		p := pastCands[len(pastCands)-1]
		r := rankCands[(len(rankCands)-1)/2]
		opts.Log.Debug().Int("past_lag", p).Int("rank", r).
			Msg("no held-out data; using default past lag and rank")
		return fitOnce(train, p, r, opts)
	}

	var (
		best      *FitResult
		bestScore = math.Inf(1)
		lastErr   error
	)
	for _, p := range pastCands {
		for _, r := range rankCands {
			res, err := fitOnce(train, p, r, opts)
			if err != nil {
				lastErr = err
				continue
			}
			score, err := heldOutScore(res, test, opts)
			if err != nil {
				lastErr = err
				continue
			}
			opts.Log.Debug().Int("past_lag", p).Int("rank", r).
				Float64("rmse", score).Msg("candidate scored")
			if score < bestScore {
				best, bestScore = res, score
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no rank/past-lag candidate produced a usable model: %w", lastErr)
	}
	opts.Log.Info().Int("past_lag", best.PastLag).Int("rank", best.Rank).
		Float64("rmse", bestScore).Msg("selected autoregressive model")
	return best, nil
}

// candidateGrids resolves the search spaces for past lag and rank. A
// fixed (nonzero) option collapses its grid to that single value.
func candidateGrids(T, nVars int, opts FitOptions) (past, rank []int) {
	// Windows need T >= lag+1 rows to estimate at least one lagged pair.
	maxPast := T - opts.FutureLag - 1
	if limit := 3 * opts.FutureLag; limit < maxPast {
		maxPast = limit
	}
	if opts.PastLag > 0 {
		if opts.PastLag+opts.FutureLag <= T {
			past = []int{opts.PastLag}
		}
	} else {
		for p := 1; p <= maxPast; p++ {
			past = append(past, p)
		}
	}

	maxRank := nVars
	if opts.MaxAutoRank > 0 && opts.MaxAutoRank < maxRank {
		maxRank = opts.MaxAutoRank
	} else if opts.MaxAutoRank == 0 && maxRank > 8 {
		maxRank = 8
	}
	if opts.Rank > 0 {
		if opts.Rank <= nVars {
			rank = []int{opts.Rank}
		}
	} else {
		for r := 1; r <= maxRank; r++ {
			rank = append(rank, r)
		}
	}
	return past, rank
}

// heldOutScore builds the candidate's matrices and averages its
// held-out RMSE across prediction columns and forecast lags.
func heldOutScore(res *FitResult, test *mat.Dense, opts FitOptions) (float64, error) {
	sc, err := linalg.BuildMatrices(res.Stats)
	if err != nil {
		return 0, err
	}
	rmse, _, err := RMSE(sc, res.PastLag, opts.FutureLag, test,
		opts.AvailableDataLags, opts.PredictorOnly, opts.QuadraticRegularization)
	if err != nil {
		return 0, err
	}
	sum, cnt := 0.0, 0
	rows, cols := rmse.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if v := rmse.At(i, j); !math.IsNaN(v) {
				sum += v
				cnt++
			}
		}
	}
	if cnt == 0 {
		return 0, fmt.Errorf("held-out data produced no scorable prediction")
	}
	return sum / float64(cnt), nil
}

// fitOnce estimates the sufficient statistics for a fixed past lag and
// rank.
func fitOnce(train *mat.Dense, pastLag, rank int, opts FitOptions) (*FitResult, error) {
	T, nVars := train.Dims()
	lag := pastLag + opts.FutureLag
	if T < lag+1 {
		return nil, fmt.Errorf("need at least %d rows for lag window %d, got %d", lag+1, lag, T)
	}
	if rank > nVars {
		return nil, fmt.Errorf("rank %d exceeds number of variables %d", rank, nVars)
	}

	weights := opts.Weights
	if weights == nil {
		weights = make([]float64, nVars)
		for i := range weights {
			weights[i] = 1
		}
	}

	// Weighted series; residuals are zero-mean by construction, so all
	// second moments are taken about zero.
	xw := mat.NewDense(T, nVars, nil)
	for t := 0; t < T; t++ {
		for v := 0; v < nVars; v++ {
			xw.Set(t, v, train.At(t, v)*weights[v])
		}
	}

	// Pairwise-complete contemporaneous covariance of the weighted
	// series. Entries with no complete pair stay zero.
	C := mat.NewSymDense(nVars, nil)
	var degenerate []int
	for i := 0; i < nVars; i++ {
		for j := i; j < nVars; j++ {
			sum, cnt := 0.0, 0
			for t := 0; t < T; t++ {
				a, b := xw.At(t, i), xw.At(t, j)
				if math.IsNaN(a) || math.IsNaN(b) {
					continue
				}
				sum += a * b
				cnt++
			}
			if cnt > 0 {
				C.SetSym(i, j, sum/float64(cnt))
			}
			if i == j && cnt == 0 {
				degenerate = append(degenerate, i)
			}
		}
	}
	if len(degenerate) > 0 {
		opts.Log.Warn().Ints("variables", degenerate).
			Msg("training window entirely missing; block covariance will rely on regularization")
	}

	// Shared factor directions: top-rank eigenvectors of the weighted
	// covariance.
	var eig mat.EigenSym
	if ok := eig.Factorize(C, true); !ok {
		return nil, fmt.Errorf("%w: factor eigendecomposition failed", linalg.ErrNumericallySingular)
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// EigenSym returns ascending eigenvalues; the factors are the last
	// `rank` columns.
	U := mat.NewDense(nVars, rank, nil)
	for k := 0; k < rank; k++ {
		src := nVars - rank + k
		for v := 0; v < nVars; v++ {
			U.Set(v, k, vecs.At(v, src))
		}
	}

	// Factor scores f_t = U^T xw_t. Missing entries contribute zero to
	// the projection, the conditional-mean value for a zero-mean
	// residual.
	F := mat.NewDense(T, rank, nil)
	for t := 0; t < T; t++ {
		for k := 0; k < rank; k++ {
			sum := 0.0
			for v := 0; v < nVars; v++ {
				x := xw.At(t, v)
				if math.IsNaN(x) {
					continue
				}
				sum += U.At(v, k) * x
			}
			F.Set(t, k, sum)
		}
	}

	// Cross second moments between observations and factor scores
	// (unweighted observations, so loadings live in residual units).
	sTimesV := mat.NewDense(nVars, rank, nil)
	for v := 0; v < nVars; v++ {
		cnt := 0
		sums := make([]float64, rank)
		for t := 0; t < T; t++ {
			r := train.At(t, v)
			if math.IsNaN(r) {
				continue
			}
			for k := 0; k < rank; k++ {
				sums[k] += r * F.At(t, k)
			}
			cnt++
		}
		if cnt > 0 {
			for k := 0; k < rank; k++ {
				sTimesV.Set(v, k, sums[k]/float64(cnt))
			}
		}
	}

	// Lagged factor covariances Gamma(l) = E[f_t f_{t+l}^T].
	sLagged := make([]*mat.Dense, lag)
	for l := 0; l < lag; l++ {
		G := mat.NewDense(rank, rank, nil)
		n := T - l
		for t := 0; t < n; t++ {
			for a := 0; a < rank; a++ {
				for b := 0; b < rank; b++ {
					G.Set(a, b, G.At(a, b)+F.At(t, a)*F.At(t+l, b))
				}
			}
		}
		G.Scale(1/float64(n), G)
		sLagged[l] = G
	}

	// Loadings B = E[r f^T] Gamma(0)^{-1}, mirroring what the matrix
	// builder will derive, so the idiosyncratic residuals below are
	// consistent with the final model.
	B, err := solveLoadings(sTimesV, sLagged[0])
	if err != nil {
		return nil, err
	}

	// Idiosyncratic residuals e_t = r_t - B f_t (NaN where r missing).
	E := mat.NewDense(T, nVars, nil)
	for t := 0; t < T; t++ {
		for v := 0; v < nVars; v++ {
			r := train.At(t, v)
			if math.IsNaN(r) {
				E.Set(t, v, math.NaN())
				continue
			}
			fit := 0.0
			for k := 0; k < rank; k++ {
				fit += B.At(v, k) * F.At(t, k)
			}
			E.Set(t, v, r-fit)
		}
	}

	// Per-block lagged covariances of the idiosyncratic residuals,
	// pairwise complete.
	blockLagged := make([][]*mat.Dense, len(opts.Blocks))
	for bi, block := range opts.Blocks {
		m := len(block)
		lagged := make([]*mat.Dense, lag)
		for l := 0; l < lag; l++ {
			D := mat.NewDense(m, m, nil)
			for a, va := range block {
				for b, vb := range block {
					sum, cnt := 0.0, 0
					for t := 0; t+l < T; t++ {
						x, y := E.At(t, va), E.At(t+l, vb)
						if math.IsNaN(x) || math.IsNaN(y) {
							continue
						}
						sum += x * y
						cnt++
					}
					if cnt == 0 {
						continue
					}
					est := sum / float64(cnt)
					if opts.NoiseCorrection && cnt > rank {
						est *= float64(cnt) / float64(cnt-rank)
					}
					D.Set(a, b, est)
				}
			}
			lagged[l] = D
		}
		blockLagged[bi] = lagged
	}

	return &FitResult{
		PastLag:                 pastLag,
		Rank:                    rank,
		QuadraticRegularization: opts.QuadraticRegularization,
		Stats: linalg.SufficientStatistics{
			STimesV:                sTimesV,
			SLaggedCovariances:     sLagged,
			BlockLaggedCovariances: blockLagged,
		},
		Degenerate: degenerate,
	}, nil
}

// solveLoadings computes B = sTimesV Gamma0^{-1}, falling back to an
// SVD least-squares solve when Gamma0 is singular or badly conditioned.
func solveLoadings(sTimesV, gamma0 *mat.Dense) (*mat.Dense, error) {
	var inv mat.Dense
	if err := inv.Inverse(gamma0); err == nil {
		var B mat.Dense
		B.Mul(sTimesV, &inv)
		return &B, nil
	}

	// Gamma0 is symmetric, so B Gamma0 = sTimesV transposes to
	// Gamma0 B^T = sTimesV^T; solve that in the least-squares sense.
	var svd mat.SVD
	if ok := svd.Factorize(gamma0, mat.SVDFullU|mat.SVDFullV); !ok {
		return nil, fmt.Errorf("%w: lag-0 factor covariance", linalg.ErrNumericallySingular)
	}
	rank := svd.Rank(1e-12)
	if rank == 0 {
		r, _ := sTimesV.Dims()
		g, _ := gamma0.Dims()
		return mat.NewDense(r, g, nil), nil
	}
	var bt mat.Dense
	svd.SolveTo(&bt, mat.DenseCopyOf(sTimesV.T()), rank)
	return mat.DenseCopyOf(bt.T()), nil
}

// validateBlocks checks that the covariance blocks are a partition of
// the variable index set with contiguous, increasing members.
func validateBlocks(blocks [][]int, nVars int) error {
	seen := make([]bool, nVars)
	next := 0
	for bi, block := range blocks {
		if len(block) == 0 {
			return fmt.Errorf("covariance block %d is empty", bi)
		}
		for _, v := range block {
			if v < 0 || v >= nVars {
				return fmt.Errorf("covariance block %d references variable %d, have %d variables", bi, v, nVars)
			}
			if seen[v] {
				return fmt.Errorf("covariance blocks overlap at variable %d", v)
			}
			if v != next {
				return fmt.Errorf("covariance block %d is not contiguous in variable order (got %d, want %d)", bi, v, next)
			}
			seen[v] = true
			next++
		}
	}
	if next != nVars {
		return fmt.Errorf("covariance blocks cover %d of %d variables", next, nVars)
	}
	return nil
}

// Package linalg holds the structured-covariance matrix objects and the
// Schur-complement conditional inference that operates on them. The
// covariance of a flattened lag window is modeled as
//
//	Sigma = V S Vt + D
//
// where V is a low-rank loading operator, S the latent factor
// covariance, and D a block-diagonal idiosyncratic noise matrix. The
// full Sigma is never formed outside of diagnostics.
package linalg

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNumericallySingular is returned when a covariance cannot be
	// factorized and no quadratic regularization is available to absorb
	// the deficiency.
	ErrNumericallySingular = errors.New("numerically singular covariance")

	// ErrShapeMismatch is returned when a vector or matrix disagrees
	// with the dimensions implied by a mask.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Threshold below which an eigenvalue is treated as numerically zero,
// relative to the largest eigenvalue.
const eigenvalueFloor = 1e-12

// SufficientStatistics are the three matrices produced by the fitting
// engine and consumed by BuildMatrices. They are everything that needs
// to be persisted to reconstruct the structured covariance.
type SufficientStatistics struct {
	// STimesV holds the second moments between observations and factor
	// scores, E[r_t f_t^T], one row per variable, one column per factor.
	STimesV *mat.Dense

	// SLaggedCovariances[l] is the rank x rank lagged factor covariance
	// Gamma(l) = E[f_t f_{t+l}^T], for l = 0..lag-1.
	SLaggedCovariances []*mat.Dense

	// BlockLaggedCovariances[b][l] is the lagged idiosyncratic
	// covariance Delta_l of covariance block b, one |block| x |block|
	// matrix per lag offset l = 0..lag-1.
	BlockLaggedCovariances [][]*mat.Dense
}

// StructuredCovariance is the immutable value object passed into every
// inference call. All fields are read-only after BuildMatrices; safe to
// share across goroutines.
type StructuredCovariance struct {
	// V maps the rank*lag latent space into the nVars*lag observation
	// space. V[v*lag+l, k*lag+l] = B[v,k] and zero elsewhere, where B
	// are the factor loadings.
	V *mat.Dense

	// S is the rank*lag factor covariance, block-Toeplitz over lag
	// offsets, and SInv its (pseudo-)inverse.
	S    *mat.Dense
	SInv *mat.Dense

	// DBlocks holds one dense |block|*lag square matrix per covariance
	// block; DMatrix is their block-diagonal assembly in variable order.
	DBlocks []*mat.Dense

	// DBlockIndexes[b] is the [start, end) slot range of block b in the
	// flattened nVars*lag dimension.
	DBlockIndexes [][2]int

	DMatrix *mat.Dense

	NVars      int
	Rank       int
	Lag        int
	BlockSizes []int
}

// Dim returns the flattened dimension nVars*lag.
func (sc *StructuredCovariance) Dim() int { return sc.NVars * sc.Lag }

// Validate checks the statistics for internal consistency before any
// matrix assembly. Returns a descriptive error on the first problem.
func (st *SufficientStatistics) Validate() error {
	if st.STimesV == nil {
		return fmt.Errorf("sufficient statistics missing STimesV")
	}
	if len(st.SLaggedCovariances) == 0 {
		return fmt.Errorf("sufficient statistics missing lagged factor covariances")
	}
	nVars, rank := st.STimesV.Dims()
	lag := len(st.SLaggedCovariances)
	for l, g := range st.SLaggedCovariances {
		r, c := g.Dims()
		if r != rank || c != rank {
			return fmt.Errorf("%w: Gamma(%d) is %dx%d, want %dx%d",
				ErrShapeMismatch, l, r, c, rank, rank)
		}
	}
	total := 0
	for b, block := range st.BlockLaggedCovariances {
		if len(block) != lag {
			return fmt.Errorf("%w: block %d has %d lagged covariances, want %d",
				ErrShapeMismatch, b, len(block), lag)
		}
		m, c := block[0].Dims()
		if m != c {
			return fmt.Errorf("%w: block %d lag-0 covariance is %dx%d, not square",
				ErrShapeMismatch, b, m, c)
		}
		for l := 1; l < lag; l++ {
			r2, c2 := block[l].Dims()
			if r2 != m || c2 != m {
				return fmt.Errorf("%w: block %d Delta(%d) is %dx%d, want %dx%d",
					ErrShapeMismatch, b, l, r2, c2, m, m)
			}
		}
		total += m
	}
	if total != nVars {
		return fmt.Errorf("covariance blocks cover %d variables, data has %d", total, nVars)
	}
	return nil
}

// BuildMatrices turns the three sufficient-statistic matrices into the
// structured covariance objects used by inference. It is a pure
// function: calling it on deserialized statistics reconstructs the
// exact same structures without refitting.
//
// S and each D block are assembled block-Toeplitz from their lagged
// covariances: the (i, j) lag-offset cell is the covariance at offset
// j-i, with the transpose used for negative offsets. SInv falls back to
// an eigenvalue-floored pseudo-inverse when S is rank deficient, so the
// returned factor covariance is always numerically invertible.
func BuildMatrices(stats SufficientStatistics) (*StructuredCovariance, error) {
	if err := stats.Validate(); err != nil {
		return nil, err
	}

	nVars, rank := stats.STimesV.Dims()
	lag := len(stats.SLaggedCovariances)
	dim := nVars * lag

	// Factor covariance: S[k*lag+i, k'*lag+j] = Gamma(j-i)[k, k'].
	S := mat.NewDense(rank*lag, rank*lag, nil)
	for k := 0; k < rank; k++ {
		for kp := 0; kp < rank; kp++ {
			for i := 0; i < lag; i++ {
				for j := 0; j < lag; j++ {
					var g float64
					if j >= i {
						g = stats.SLaggedCovariances[j-i].At(k, kp)
					} else {
						g = stats.SLaggedCovariances[i-j].At(kp, k)
					}
					S.Set(k*lag+i, kp*lag+j, g)
				}
			}
		}
	}

	SInv, err := invertPSD(S)
	if err != nil {
		return nil, fmt.Errorf("factor covariance: %w", err)
	}

	// Loadings B = E[r f^T] Gamma(0)^{-1}: regression of observations
	// on factor scores.
	gamma0Inv, err := invertPSD(stats.SLaggedCovariances[0])
	if err != nil {
		return nil, fmt.Errorf("lag-0 factor covariance: %w", err)
	}
	var B mat.Dense
	B.Mul(stats.STimesV, gamma0Inv)

	// V has one nonzero per (variable, factor) pair at each matching
	// lag offset. Stored dense; the pattern keeps products cheap enough
	// at this scale and gonum carries no production sparse type.
	V := mat.NewDense(dim, rank*lag, nil)
	for v := 0; v < nVars; v++ {
		for k := 0; k < rank; k++ {
			bvk := B.At(v, k)
			for l := 0; l < lag; l++ {
				V.Set(v*lag+l, k*lag+l, bvk)
			}
		}
	}

	// Idiosyncratic blocks, Toeplitz over lag offsets within each block.
	nBlocks := len(stats.BlockLaggedCovariances)
	DBlocks := make([]*mat.Dense, nBlocks)
	indexes := make([][2]int, nBlocks)
	sizes := make([]int, nBlocks)
	DMatrix := mat.NewDense(dim, dim, nil)

	offset := 0
	for b, lagged := range stats.BlockLaggedCovariances {
		m, _ := lagged[0].Dims()
		sizes[b] = m
		bdim := m * lag
		Db := mat.NewDense(bdim, bdim, nil)
		for v := 0; v < m; v++ {
			for w := 0; w < m; w++ {
				for i := 0; i < lag; i++ {
					for j := 0; j < lag; j++ {
						var d float64
						if j >= i {
							d = lagged[j-i].At(v, w)
						} else {
							d = lagged[i-j].At(w, v)
						}
						Db.Set(v*lag+i, w*lag+j, d)
					}
				}
			}
		}
		DBlocks[b] = Db
		start := offset * lag
		indexes[b] = [2]int{start, start + bdim}
		// Place into the block-diagonal assembly; everything off the
		// block diagonal stays exactly zero.
		for i := 0; i < bdim; i++ {
			for j := 0; j < bdim; j++ {
				DMatrix.Set(start+i, start+j, Db.At(i, j))
			}
		}
		offset += m
	}

	return &StructuredCovariance{
		V:             V,
		S:             S,
		SInv:          SInv,
		DBlocks:       DBlocks,
		DBlockIndexes: indexes,
		DMatrix:       DMatrix,
		NVars:         nVars,
		Rank:          rank,
		Lag:           lag,
		BlockSizes:    sizes,
	}, nil
}

// Dense materializes the full covariance V S Vt + D. Diagnostics and
// tests only; inference never calls this.
func (sc *StructuredCovariance) Dense() *mat.Dense {
	var vs, vsvt mat.Dense
	vs.Mul(sc.V, sc.S)
	vsvt.Mul(&vs, sc.V.T())
	vsvt.Add(&vsvt, sc.DMatrix)
	return &vsvt
}

// invertPSD inverts a symmetric positive semi-definite matrix through
// its eigendecomposition, flooring eigenvalues at a small fraction of
// the largest one. A matrix with no positive eigenvalue at all is
// reported as numerically singular.
func invertPSD(a mat.Matrix) (*mat.Dense, error) {
	n, c := a.Dims()
	if n != c {
		return nil, fmt.Errorf("%w: %dx%d matrix is not square", ErrShapeMismatch, n, c)
	}

	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			// Symmetrize against floating-point asymmetry.
			sym.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return nil, fmt.Errorf("%w: eigendecomposition failed", ErrNumericallySingular)
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	maxVal := 0.0
	for _, v := range vals {
		if v > maxVal {
			maxVal = v
		}
	}
	if maxVal <= 0 {
		return nil, fmt.Errorf("%w: no positive eigenvalue", ErrNumericallySingular)
	}

	floor := maxVal * eigenvalueFloor
	inv := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for k := 0; k < n; k++ {
				lambda := vals[k]
				if lambda < floor {
					lambda = floor
				}
				sum += vecs.At(i, k) * vecs.At(j, k) / lambda
			}
			inv.Set(i, j, sum)
		}
	}
	return inv, nil
}

// rowsSubset copies the rows of a at the given indices into a new
// dense matrix.
func rowsSubset(a *mat.Dense, idx []int) *mat.Dense {
	_, c := a.Dims()
	out := mat.NewDense(len(idx), c, nil)
	for i, r := range idx {
		for j := 0; j < c; j++ {
			out.Set(i, j, a.At(r, j))
		}
	}
	return out
}

// maskIndices returns the indices at which the mask is true.
func maskIndices(mask []bool) []int {
	var idx []int
	for i, m := range mask {
		if m {
			idx = append(idx, i)
		}
	}
	return idx
}

// Package randcov constructs random-effects covariance matrices and
// samples correlated random-effect vectors from them.
package randcov

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// DefaultCorr returns the default pairwise correlations among the
// (intercept, slope, curvature) random effects.  The order is
// (0,1), (0,2), (1,2).
func DefaultCorr() [3]float64 {
	return [3]float64{0.2, 0.5, 0.4}
}

// Build returns the 3x3 covariance matrix with the given standard
// deviations and pairwise correlations, i.e. the outer product of the
// standard deviations multiplied elementwise by the correlation matrix.
// The result is symmetric and its diagonal is exactly sd[i]^2.
func Build(sd, cor [3]float64) *mat.Dense {

	r := mat.NewDense(3, 3, []float64{
		1, cor[0], cor[1],
		cor[0], 1, cor[2],
		cor[1], cor[2], 1,
	})

	c := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			c.Set(i, j, sd[i]*sd[j]*r.At(i, j))
		}
	}

	return c
}

// IsSymmetric reports whether a is square and symmetric to within tol.
func IsSymmetric(a mat.Matrix, tol float64) bool {

	r, c := a.Dims()
	if r != c {
		return false
	}

	for i := 0; i < r; i++ {
		for j := i + 1; j < c; j++ {
			if math.Abs(a.At(i, j)-a.At(j, i)) > tol {
				return false
			}
		}
	}

	return true
}

// AsSym copies a symmetric general matrix into a SymDense.  The caller is
// responsible for a being symmetric.
func AsSym(a mat.Matrix) *mat.SymDense {

	n, _ := a.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, a.At(i, j))
		}
	}

	return s
}

// IsPositiveDefinite reports whether s admits a Cholesky factorization.
func IsPositiveDefinite(s *mat.SymDense) bool {
	var ch mat.Cholesky
	return ch.Factorize(s)
}

// NearestPD projects a symmetric matrix onto the positive-definite cone by
// clipping its eigenvalues from below.  Eigenvalues smaller than eps are
// replaced by eps; if eps <= 0 a small multiple of the largest eigenvalue
// magnitude is used.
func NearestPD(a mat.Matrix, eps float64) *mat.SymDense {

	s := AsSym(a)
	n := s.SymmetricDim()

	var es mat.EigenSym
	if !es.Factorize(s, true) {
		panic("randcov: eigendecomposition failed")
	}

	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	if eps <= 0 {
		vmax := 0.0
		for _, v := range vals {
			if math.Abs(v) > vmax {
				vmax = math.Abs(v)
			}
		}
		if vmax == 0 {
			vmax = 1
		}
		eps = 1e-8 * vmax
	}

	for i, v := range vals {
		if v < eps {
			vals[i] = eps
		}
	}

	// Reconstruct V diag(vals) V'
	vd := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			vd.Set(i, j, vecs.At(i, j)*vals[j])
		}
	}
	var rec mat.Dense
	rec.Mul(vd, vecs.T())

	// The reconstruction is symmetric up to rounding.
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, 0.5*(rec.At(i, j)+rec.At(j, i)))
		}
	}

	return out
}

// MVNormal draws mean-zero random vectors with a fixed covariance.
type MVNormal struct {
	dist *distmv.Normal
	dim  int
}

// NewMVNormal returns a sampler for the mean-zero multivariate normal
// distribution with the given covariance.  The covariance must be positive
// definite.  The random source is required; there is no ambient source.
func NewMVNormal(cov *mat.SymDense, src rand.Source) (*MVNormal, error) {

	if src == nil {
		panic("randcov: nil random source")
	}

	n := cov.SymmetricDim()
	mu := make([]float64, n)

	dist, ok := distmv.NewNormal(mu, cov, src)
	if !ok {
		return nil, fmt.Errorf("randcov: covariance matrix is not positive definite")
	}

	return &MVNormal{dist: dist, dim: n}, nil
}

// Dim returns the dimension of the sampled vectors.
func (m *MVNormal) Dim() int {
	return m.dim
}

// Rand draws one random vector into dst, allocating if dst is nil.
func (m *MVNormal) Rand(dst []float64) []float64 {
	return m.dist.Rand(dst)
}

package tsa

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// diffuseVariance is the prior variance, in units of the innovation
	// variance, given to the lagged levels of an integrated model.
	diffuseVariance = 1e8

	// Observations whose prediction variance still exceeds this bound are
	// dominated by the diffuse prior and are left out of the likelihood.
	diffuseThreshold = diffuseVariance / 100

	maxDoublings = 64
)

// sparseEntry is one non-zero element of a row of the transition matrix.
type sparseEntry struct {
	col int
	val float64
}

// sparseMatrix stores a square transition matrix row by row. Transition
// matrices of ARIMA models are companion-like, so each row holds at most a
// handful of non-zero entries.
type sparseMatrix struct {
	n    int
	rows [][]sparseEntry
}

func newSparseMatrix(d *mat.Dense) sparseMatrix {
	n, _ := d.Dims()
	s := sparseMatrix{n: n, rows: make([][]sparseEntry, n)}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if v := d.At(i, j); v != 0 {
				s.rows[i] = append(s.rows[i], sparseEntry{col: j, val: v})
			}
		}
	}
	return s
}

// mulVec sets dst = S x.
func (s sparseMatrix) mulVec(dst, x []float64) {
	for i, row := range s.rows {
		sum := 0.0
		for _, e := range row {
			sum += e.val * x[e.col]
		}
		dst[i] = sum
	}
}

// conjugate sets dst = S src S' + add, using work as scratch space.
func (s sparseMatrix) conjugate(dst, src, add, work *mat.Dense) {
	n := s.n
	sr := src.RawMatrix()
	wr := work.RawMatrix()
	dr := dst.RawMatrix()
	ar := add.RawMatrix()

	// work = S src
	for i, row := range s.rows {
		wrow := wr.Data[i*wr.Stride : i*wr.Stride+n]
		for c := range wrow {
			wrow[c] = 0
		}
		for _, e := range row {
			srow := sr.Data[e.col*sr.Stride : e.col*sr.Stride+n]
			for c, v := range srow {
				wrow[c] += e.val * v
			}
		}
	}

	// dst = work S' + add
	for r := 0; r < n; r++ {
		wrow := wr.Data[r*wr.Stride : r*wr.Stride+n]
		for i, row := range s.rows {
			sum := ar.Data[r*ar.Stride+i]
			for _, e := range row {
				sum += wrow[e.col] * e.val
			}
			dr.Data[r*dr.Stride+i] = sum
		}
	}
}

// system is the state-space form of a seasonal ARIMA model:
//
//	y_t     = z' x_t
//	x_{t+1} = T x_t + R e_{t+1},  e ~ N(0, sigma2)
//
// The state holds the ARMA block in Harvey form followed by the lagged levels
// y_{t-1} ... y_{t-k} needed to undo the differencing polynomial.
type system struct {
	dim        int
	transition sparseMatrix
	selection  []float64
	design     []float64
	stateCov   *mat.Dense // R R'
	initialCov *mat.Dense
}

func newSystem(ar, ma, diff []float64) (*system, error) {
	// ar and ma hold the expanded lag polynomials, constant term first.
	p := len(ar) - 1
	q := len(ma) - 1
	k := len(diff) - 1
	r := max(p, q+1, 1)
	dim := r + k

	t := mat.NewDense(dim, dim, nil)
	for i := 0; i < p; i++ {
		t.Set(i, 0, -ar[i+1])
	}
	for i := 0; i < r-1; i++ {
		t.Set(i, i+1, 1)
	}

	design := make([]float64, dim)
	design[0] = 1
	for j := 1; j <= k; j++ {
		design[r+j-1] = -diff[j]
	}

	if k > 0 {
		for c, v := range design {
			t.Set(r, c, v)
		}
		for i := 1; i < k; i++ {
			t.Set(r+i, r+i-1, 1)
		}
	}

	selection := make([]float64, dim)
	selection[0] = 1
	for i := 1; i <= q && i < r; i++ {
		selection[i] = ma[i]
	}

	rr := mat.NewVecDense(dim, selection)
	stateCov := mat.NewDense(dim, dim, nil)
	stateCov.Outer(1, rr, rr)

	armaT := mat.DenseCopyOf(t.Slice(0, r, 0, r))
	armaQ := mat.DenseCopyOf(stateCov.Slice(0, r, 0, r))
	armaP, err := solveDiscreteLyapunov(armaT, armaQ)
	if err != nil {
		return nil, err
	}

	initialCov := mat.NewDense(dim, dim, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < r; j++ {
			initialCov.Set(i, j, armaP.At(i, j))
		}
	}
	for i := r; i < dim; i++ {
		initialCov.Set(i, i, diffuseVariance)
	}

	return &system{
		dim:        dim,
		transition: newSparseMatrix(t),
		selection:  selection,
		design:     design,
		stateCov:   stateCov,
		initialCov: initialCov,
	}, nil
}

// solveDiscreteLyapunov solves P = A P A' + Q with the doubling algorithm.
func solveDiscreteLyapunov(a, q *mat.Dense) (*mat.Dense, error) {
	p := mat.DenseCopyOf(q)
	ak := mat.DenseCopyOf(a)

	var tmp, term, next, squared mat.Dense
	for i := 0; i < maxDoublings; i++ {
		tmp.Mul(ak, p)
		term.Mul(&tmp, ak.T())
		next.Add(p, &term)
		squared.Mul(ak, ak)
		ak.Copy(&squared)
		p.Copy(&next)

		change := mat.Norm(&term, math.Inf(1))
		if math.IsNaN(change) || math.IsInf(change, 0) {
			break
		}
		if change <= 1e-12*(1+mat.Norm(p, math.Inf(1))) {
			return p, nil
		}
	}

	return nil, fmt.Errorf("%w: stationary covariance did not converge", ErrNumerical)
}

// filterResult summarises one pass of the Kalman filter with sigma2 = 1.
type filterResult struct {
	LogLikelihood float64
	Sigma2        float64
	NObs          int
	NDiffuse      int
	Forecast      float64
}

// filter runs the Kalman filter over y, treating NaN entries as missing, and
// returns the concentrated log-likelihood together with the one-step-ahead
// prediction of the observation following the last element of y.
func (s *system) filter(y []float64) (filterResult, error) {
	n := s.dim
	a := make([]float64, n)
	next := make([]float64, n)
	pz := make([]float64, n)

	p := mat.DenseCopyOf(s.initialCov)
	pNext := mat.NewDense(n, n, nil)
	work := mat.NewDense(n, n, nil)

	var ssr, sumLogF float64
	var nobs, ndiffuse int

	for t, yt := range y {
		if !math.IsNaN(yt) {
			raw := p.RawMatrix()
			f := 0.0
			for i := 0; i < n; i++ {
				row := raw.Data[i*raw.Stride : i*raw.Stride+n]
				sum := 0.0
				for j, z := range s.design {
					if z != 0 {
						sum += row[j] * z
					}
				}
				pz[i] = sum
				f += s.design[i] * sum
			}
			if !(f > 0) || math.IsInf(f, 0) {
				return filterResult{}, fmt.Errorf("%w: prediction variance %g at t=%d", ErrNumerical, f, t)
			}

			v := yt - dot(s.design, a)
			gain := v / f
			for i := range a {
				a[i] += gain * pz[i]
			}
			for i := 0; i < n; i++ {
				row := raw.Data[i*raw.Stride : i*raw.Stride+n]
				scale := pz[i] / f
				for j := range row {
					row[j] -= scale * pz[j]
				}
			}

			if f < diffuseThreshold {
				ssr += v * v / f
				sumLogF += math.Log(f)
				nobs++
			} else {
				ndiffuse++
			}
		}

		s.transition.mulVec(next, a)
		a, next = next, a
		s.transition.conjugate(pNext, p, s.stateCov, work)
		p, pNext = pNext, p
	}

	if nobs == 0 {
		return filterResult{NDiffuse: ndiffuse}, fmt.Errorf("%w: %d observations, none left after differencing", ErrTooFewObservations, ndiffuse)
	}

	sigma2 := ssr / float64(nobs)
	loglike := -0.5*float64(nobs)*(math.Log(2*math.Pi)+1+math.Log(sigma2)) - 0.5*sumLogF

	return filterResult{
		LogLikelihood: loglike,
		Sigma2:        sigma2,
		NObs:          nobs,
		NDiffuse:      ndiffuse,
		Forecast:      dot(s.design, a),
	}, nil
}

func dot(x, y []float64) float64 {
	sum := 0.0
	for i, v := range x {
		sum += v * y[i]
	}
	return sum
}

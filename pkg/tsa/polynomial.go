package tsa

import "math"

// maxPartialAutocorrelation bounds the partial autocorrelations produced by
// constrainStationary so the resulting polynomials stay strictly inside the
// stationary region and the stationary covariance stays well conditioned.
const maxPartialAutocorrelation = 0.99

// constrainStationary maps unconstrained reals onto the coefficients of a
// stationary AR polynomial 1 - phi_1 L - ... - phi_n L^n via partial
// autocorrelations and the Durbin-Levinson recursion.
func constrainStationary(unconstrained []float64) []float64 {
	n := len(unconstrained)
	if n == 0 {
		return nil
	}

	pacf := make([]float64, n)
	for i, x := range unconstrained {
		pacf[i] = maxPartialAutocorrelation * x / math.Sqrt(1+x*x)
	}

	phi := make([]float64, n)
	prev := make([]float64, n)
	for k := 0; k < n; k++ {
		copy(prev, phi)
		phi[k] = pacf[k]
		for j := 0; j < k; j++ {
			phi[j] = prev[j] - pacf[k]*prev[k-1-j]
		}
	}

	return phi
}

// constrainInvertible maps unconstrained reals onto the coefficients of an
// invertible MA polynomial 1 + theta_1 L + ... + theta_n L^n.
func constrainInvertible(unconstrained []float64) []float64 {
	theta := constrainStationary(unconstrained)
	for i := range theta {
		theta[i] = -theta[i]
	}
	return theta
}

// lagPolynomial returns the coefficients of 1 + sign*(c_1 L^step + ... + c_n L^(n*step)).
func lagPolynomial(coefs []float64, step int, sign float64) []float64 {
	poly := make([]float64, len(coefs)*step+1)
	poly[0] = 1
	for i, c := range coefs {
		poly[(i+1)*step] = sign * c
	}
	return poly
}

// polyMul multiplies two lag polynomials given lowest degree first.
func polyMul(a, b []float64) []float64 {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	out := make([]float64, len(a)+len(b)-1)
	for i, x := range a {
		if x == 0 {
			continue
		}
		for j, y := range b {
			out[i+j] += x * y
		}
	}
	return out
}

// differencingPolynomial returns (1 - L)^d (1 - L^s)^D.
func differencingPolynomial(d, seasonalD, period int) []float64 {
	poly := []float64{1}
	for i := 0; i < d; i++ {
		poly = polyMul(poly, []float64{1, -1})
	}
	if period > 0 {
		seasonal := lagPolynomial([]float64{1}, period, -1)
		for i := 0; i < seasonalD; i++ {
			poly = polyMul(poly, seasonal)
		}
	}
	return poly
}

package refmodel

import "math"

// rmsNorm is Root Mean Square Normalization with unit weights.
func rmsNorm(o, x []float32) {
	var ss float32
	for _, v := range x {
		ss += v * v
	}
	ss /= float32(len(x))
	ss += 1e-5
	ss = 1 / float32(math.Sqrt(float64(ss)))
	for i, v := range x {
		o[i] = v * ss
	}
}

func softMax(x []float32) {
	// find max for numerical stability
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range x {
		x[i] = float32(math.Exp(float64(v - max)))
		sum += x[i]
	}
	for i := range x {
		x[i] /= sum
	}
}

// matMul: W (d,n) @ x (n,) -> xout (d,)
func matMul(xout, x, w []float32) {
	for i := range xout {
		var sum float32
		for j := range x {
			sum += w[i*len(x)+j] * x[j]
		}
		xout[i] = sum
	}
}

func accum(a, b []float32) {
	for i := range a {
		a[i] += b[i]
	}
}

// ArgMax returns the index of the largest logit, the greedy next token.
func ArgMax(v []float32) int {
	max, maxi := v[0], 0
	for i, x := range v {
		if x > max {
			max, maxi = x, i
		}
	}
	return maxi
}

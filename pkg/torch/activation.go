package torch

import "math"

const geluCubic = 0.044715

// geluInner is the argument of tanh in the GELU approximation.
func geluInner(x float32) float32 {
	return GELUSCALEFACTOR * (x + geluCubic*x*x*x)
}

// GeluForward applies the tanh approximation of GELU to the first n elements.
func GeluForward(out, inp []float32, n int) {
	for i, x := range inp[:n] {
		out[i] = 0.5 * x * (1 + Tanh(geluInner(x)))
	}
}

// GeluBackward accumulates the GELU gradient into dinp.
func GeluBackward(dinp, inp, dout []float32, n int) {
	for i, x := range inp[:n] {
		th := Tanh(geluInner(x))
		dth := (1 - th*th) * GELUSCALEFACTOR * (1 + 3*geluCubic*x*x)
		dinp[i] += dout[i] * 0.5 * (1 + th + x*dth)
	}
}

// SwiGLUForward computes out = silu(gate) * up elementwise.
func SwiGLUForward(out, gate, up []float32, n int) {
	for i := 0; i < n; i++ {
		g := gate[i]
		out[i] = g / (1.0 + Exp(-g)) * up[i]
	}
}

// ResidualForward computes out = inp1 + inp2 over N elements.
func ResidualForward(out, inp1, inp2 []float32, N int) {
	for i := 0; i < N; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

// ResidualBackward routes dout into both summands.
func ResidualBackward(dinp1, dinp2, dout []float32, N int) {
	for i := 0; i < N; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

// DropoutForward zeroes dropped elements and rescales the survivors by 1/(1-p).
// out and inp may alias.
func DropoutForward(out, inp []float32, keep []bool, p float32, N int) {
	scale := 1.0 / (1.0 - p)
	for i := 0; i < N; i++ {
		if keep[i] {
			out[i] = inp[i] * scale
		} else {
			out[i] = 0
		}
	}
}

// DropoutBackward overwrites dinp with the gradient through the same mask.
// dinp and dout may alias.
func DropoutBackward(dinp, dout []float32, keep []bool, p float32, N int) {
	DropoutForward(dinp, dout, keep, p, N)
}

// RopeForward rotates consecutive channel pairs of every head in place by an angle
// proportional to the sequence position.
//
// Parameters:
//   - x: (B,T,H*HS) queries or keys
//   - H: number of heads
//   - HS: head size, must be even
//   - theta: frequency base, 10000 for LLaMA
func RopeForward(x []float32, B, T, H, HS int, theta float64) {
	freqs := make([]float64, HS/2)
	for i := range freqs {
		freqs[i] = 1.0 / math.Pow(theta, float64(2*i)/float64(HS))
	}
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			row := x[(b*T+t)*H*HS : (b*T+t+1)*H*HS]
			for i, f := range freqs {
				angle := float64(t) * f
				fcr, fci := float32(math.Cos(angle)), float32(math.Sin(angle))
				for h := 0; h < H; h++ {
					j := h*HS + 2*i
					v0, v1 := row[j], row[j+1]
					row[j] = v0*fcr - v1*fci
					row[j+1] = v0*fci + v1*fcr
				}
			}
		}
	}
}

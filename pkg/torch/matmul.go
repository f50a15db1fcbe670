package torch

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

// MatmulForward computes out = inp · weightᵀ + bias.
//
// Parameters:
//   - out: output (B,T,OC)
//   - inp: input (B,T,C)
//   - weight: (OC,C), one row per output channel
//   - bias: (OC) or nil
func MatmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	N := B * T
	if N == 0 || OC == 0 {
		return
	}
	var beta float32
	if bias != nil {
		for r := 0; r < N; r++ {
			copy(out[r*OC:(r+1)*OC], bias[:OC])
		}
		beta = 1
	}
	if C == 0 {
		if bias == nil {
			clear(out[:N*OC])
		}
		return
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(inp, N, C), general(weight, OC, C), beta, general(out, N, OC))
}

// MatmulAccumulate computes out += scale · inp · weightᵀ.
func MatmulAccumulate(out, inp, weight []float32, N, C, OC int, scale float32) {
	if N == 0 || OC == 0 || C == 0 {
		return
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, scale, general(inp, N, C), general(weight, OC, C), 1, general(out, N, OC))
}

// MatmulBackward accumulates gradients of MatmulForward.
//
// dinp += dout · weight, dweight += doutᵀ · inp, dbias += column sums of dout.
// dinp and dbias may be nil when those gradients are not needed.
func MatmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	N := B * T
	if N == 0 || OC == 0 {
		return
	}
	d := general(dout, N, OC)
	if C > 0 {
		if dinp != nil {
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, d, general(weight, OC, C), 1, general(dinp, N, C))
		}
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, d, general(inp, N, C), 1, general(dweight, OC, C))
	}
	if dbias == nil {
		return
	}
	for r := 0; r < N; r++ {
		for o, g := range dout[r*OC : (r+1)*OC] {
			dbias[o] += g
		}
	}
}

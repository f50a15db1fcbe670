package torch

// LayernormForward normalizes each (b, t) row to zero mean and unit variance, then
// applies the learnable scale and shift.
//
// Parameters:
//   - out: output activations (B,T,C)
//   - mean, rstd: per-row statistics (B,T), saved for the backward pass
//   - inp: input activations (B,T,C)
//   - weight, bias: scale and shift (C)
//   - eps: variance floor
func LayernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int, eps float32) {
	for r := 0; r < B*T; r++ {
		x := inp[r*C : (r+1)*C]
		var m float32
		for _, v := range x {
			m += v
		}
		m /= float32(C)
		var variance float32
		for _, v := range x {
			shift := v - m
			variance += shift * shift
		}
		variance /= float32(C)
		s := 1.0 / Sqrt(variance+eps)
		o := out[r*C : (r+1)*C]
		for i, v := range x {
			o[i] = s*(v-m)*weight[i] + bias[i]
		}
		mean[r] = m
		rstd[r] = s
	}
}

// LayernormBackward accumulates gradients for the input, scale and shift.
func LayernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for r := 0; r < B*T; r++ {
		doutR := dout[r*C : (r+1)*C]
		inpR := inp[r*C : (r+1)*C]
		dinpR := dinp[r*C : (r+1)*C]
		m, s := mean[r], rstd[r]

		var dnormMean, dnormNormMean float32
		for i := 0; i < C; i++ {
			norm := (inpR[i] - m) * s
			dnorm := weight[i] * doutR[i]
			dnormMean += dnorm
			dnormNormMean += dnorm * norm
		}
		dnormMean /= float32(C)
		dnormNormMean /= float32(C)

		for i := 0; i < C; i++ {
			norm := (inpR[i] - m) * s
			dnorm := weight[i] * doutR[i]
			dbias[i] += doutR[i]
			dweight[i] += norm * doutR[i]
			dinpR[i] += (dnorm - dnormMean - norm*dnormNormMean) * s
		}
	}
}

// RMSNormForward scales each of the N rows of inp by the reciprocal of its root mean
// square and multiplies by weight.
func RMSNormForward(out, inp, weight []float32, N, C int, eps float32) {
	for r := 0; r < N; r++ {
		x := inp[r*C : (r+1)*C]
		var ss float32
		for _, v := range x {
			ss += v * v
		}
		s := 1.0 / Sqrt(ss/float32(C)+eps)
		o := out[r*C : (r+1)*C]
		for i, v := range x {
			o[i] = weight[i] * (s * v)
		}
	}
}

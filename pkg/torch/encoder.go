package torch

// EncoderForward writes token embedding plus position embedding for every (b, t).
//
// Parameters:
//   - out: encoded activations (B,T,C)
//   - inp: token ids (B,T), each an index into wte
//   - wte: token embeddings (V,C)
//   - wpe: position embeddings (maxT,C); nil skips the position term
func EncoderForward(out []float32, inp []int32, wte, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			outBT := out[(b*T+t)*C : (b*T+t+1)*C]
			ix := int(inp[b*T+t])
			copy(outBT, wte[ix*C:(ix+1)*C])
			if wpe == nil {
				continue
			}
			posT := wpe[t*C : (t+1)*C]
			for i := range outBT {
				outBT[i] += posT[i]
			}
		}
	}
}

// EncoderBackward scatters dout into the token and position embedding gradients.
func EncoderBackward(dwte, dwpe, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBT := dout[(b*T+t)*C : (b*T+t+1)*C]
			ix := int(inp[b*T+t])
			dwteIx := dwte[ix*C : (ix+1)*C]
			for i, d := range doutBT {
				dwteIx[i] += d
			}
			if dwpe == nil {
				continue
			}
			dwpeT := dwpe[t*C : (t+1)*C]
			for i, d := range doutBT {
				dwpeT[i] += d
			}
		}
	}
}

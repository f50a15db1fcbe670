package torch

import "sync"

// AttentionForward runs causal multi-head self-attention over packed query/key/value
// vectors.
//
// Attention is the only operation that mixes information across positions; every
// other kernel acts on each (b, t) row independently.
//
// Parameters:
//   - out: attended values (B,T,C)
//   - preatt: scaled query·key scores (B,NH,T,T), saved for the backward pass
//   - att: softmax-normalized scores (B,NH,T,T); entries above the diagonal are zero
//   - inp: packed query, key, value (B,T,3C)
//   - NH: number of heads; the head size is C/NH
func AttentionForward(out, preatt, att, inp []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := 1.0 / Sqrt(float32(hs))
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				wg.Add(1)
				go func(b, t, h int) {
					defer wg.Done()
					query := inp[b*T*C3+t*C3+h*hs:]
					preattRow := preatt[b*NH*T*T+h*T*T+t*T:]
					attRow := att[b*NH*T*T+h*T*T+t*T:]

					maxval := Inf32(-1)
					for t2 := 0; t2 <= t; t2++ {
						key := inp[b*T*C3+t2*C3+h*hs+C:]
						var val float32
						for i := 0; i < hs; i++ {
							val += query[i] * key[i]
						}
						val *= scale
						if val > maxval {
							maxval = val
						}
						preattRow[t2] = val
					}
					var expsum float32
					for t2 := 0; t2 <= t; t2++ {
						e := Exp(preattRow[t2] - maxval)
						expsum += e
						attRow[t2] = e
					}
					var inv float32
					if expsum != 0 {
						inv = 1.0 / expsum
					}
					for t2 := 0; t2 < T; t2++ {
						if t2 <= t {
							attRow[t2] *= inv
						} else {
							attRow[t2] = 0
						}
					}

					outRow := out[b*T*C+t*C+h*hs : b*T*C+t*C+(h+1)*hs]
					clear(outRow)
					for t2 := 0; t2 <= t; t2++ {
						value := inp[b*T*C3+t2*C3+h*hs+2*C:]
						a := attRow[t2]
						for i := range outRow {
							outRow[i] += a * value[i]
						}
					}
				}(b, t, h)
			}
		}
	}
	wg.Wait()
}

// AttentionBackward accumulates gradients of AttentionForward into dinp (B,T,3C).
// Each (b, h) pair owns a disjoint channel range of dinp and runs on its own goroutine.
func AttentionBackward(dinp, dout, inp, att []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := 1.0 / Sqrt(float32(hs))
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for h := 0; h < NH; h++ {
			wg.Add(1)
			go func(b, h int) {
				defer wg.Done()
				datt := make([]float32, T)
				head := func(t, part int) int { return (b*T+t)*C3 + part*C + h*hs }
				for t := 0; t < T; t++ {
					attRow := att[((b*NH+h)*T+t)*T:][:t+1]
					doutRow := dout[(b*T+t)*C+h*hs:][:hs]
					query := inp[head(t, 0):][:hs]
					dquery := dinp[head(t, 0):][:hs]

					// through out = att · value
					var weighted float32
					for t2, a := range attRow {
						value := inp[head(t2, 2):][:hs]
						dvalue := dinp[head(t2, 2):][:hs]
						var g float32
						for i, d := range doutRow {
							g += value[i] * d
							dvalue[i] += a * d
						}
						datt[t2] = g
						weighted += a * g
					}
					// through the softmax and preatt = scale · query · key
					for t2, a := range attRow {
						g := a * (datt[t2] - weighted) * scale
						key := inp[head(t2, 1):][:hs]
						dkey := dinp[head(t2, 1):][:hs]
						for i := range dquery {
							dquery[i] += g * key[i]
							dkey[i] += g * query[i]
						}
					}
				}
			}(b, h)
		}
	}
	wg.Wait()
}

// GroupedAttentionForward runs grouped-query attention over separate query, key and
// value tensors. Query head h reads key/value head h/(NH/NKV). allow decides whether
// query position q may attend to key position k; rows with no allowed key produce zeros.
//
// Parameters:
//   - out: attended values (B,T,NH*HS)
//   - q: queries (B,T,NH*HS)
//   - k, v: keys and values (B,T,NKV*HS)
func GroupedAttentionForward(out, q, k, v []float32, B, T, NH, NKV, HS int, allow func(q, k int) bool) {
	group := NH / NKV
	QC, KC := NH*HS, NKV*HS
	scale := 1.0 / Sqrt(float32(HS))
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				scores := make([]float32, T)
				for h := 0; h < NH; h++ {
					kvh := h / group
					query := q[(b*T+t)*QC+h*HS : (b*T+t)*QC+(h+1)*HS]
					outRow := out[(b*T+t)*QC+h*HS : (b*T+t)*QC+(h+1)*HS]
					clear(outRow)

					maxval := Inf32(-1)
					found := false
					for t2 := 0; t2 < T; t2++ {
						if !allow(t, t2) {
							continue
						}
						key := k[(b*T+t2)*KC+kvh*HS:]
						var s float32
						for i := range query {
							s += query[i] * key[i]
						}
						s *= scale
						scores[t2] = s
						if !found || s > maxval {
							maxval = s
						}
						found = true
					}
					if !found {
						continue
					}
					var expsum float32
					for t2 := 0; t2 < T; t2++ {
						if !allow(t, t2) {
							scores[t2] = 0
							continue
						}
						scores[t2] = Exp(scores[t2] - maxval)
						expsum += scores[t2]
					}
					for t2 := 0; t2 < T; t2++ {
						if scores[t2] == 0 {
							continue
						}
						a := scores[t2] / expsum
						value := v[(b*T+t2)*KC+kvh*HS:]
						for i := range outRow {
							outRow[i] += a * value[i]
						}
					}
				}
			}(b, t)
		}
	}
	wg.Wait()
}

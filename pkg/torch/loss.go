package torch

import "sync"

// SoftmaxForward turns each (b, t) row of logits into probabilities over V.
func SoftmaxForward(probs, logits []float32, B, T, V int) {
	var wg sync.WaitGroup
	for r := 0; r < B*T; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			logitsR := logits[r*V : (r+1)*V]
			probsR := probs[r*V : (r+1)*V]
			maxval := logitsR[0]
			for _, l := range logitsR[1:] {
				if l > maxval {
					maxval = l
				}
			}
			var sum float32
			for i, l := range logitsR {
				probsR[i] = Exp(l - maxval)
				sum += probsR[i]
			}
			for i := range probsR {
				probsR[i] /= sum
			}
		}(r)
	}
	wg.Wait()
}

// CrossEntropyForward writes -log(probs[target]) for every (b, t).
func CrossEntropyForward(losses, probs []float32, targets []int32, B, T, V int) {
	for r := 0; r < B*T; r++ {
		losses[r] = -Log(probs[r*V+int(targets[r])])
	}
}

// CrossentropySoftmaxBackward accumulates dlogits = (probs - onehot(target)) * dloss.
// Rows with a zero dloss are skipped.
func CrossentropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for r := 0; r < B*T; r++ {
		dloss := dlosses[r]
		if dloss == 0 {
			continue
		}
		dlogitsR := dlogits[r*V : (r+1)*V]
		probsR := probs[r*V : (r+1)*V]
		ix := int(targets[r])
		for i, p := range probsR {
			if i == ix {
				p -= 1
			}
			dlogitsR[i] += p * dloss
		}
	}
}

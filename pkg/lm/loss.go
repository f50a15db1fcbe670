package lm

import (
	"fmt"
	"math"

	"github.com/conneroisu/splitgen/pkg/named"
	"github.com/conneroisu/splitgen/pkg/prng"
)

// Reduction selects how per-position losses are combined.
type Reduction int

const (
	// ReduceMean averages over positions whose mask is non-zero.
	ReduceMean Reduction = iota
	// ReduceSum adds the masked per-position losses.
	ReduceSum
)

// LmHeadModel is a causal language model producing per-position logits.
type LmHeadModel interface {
	Vocab() named.Axis
	Pos() named.Axis
	// ComputeLogits maps tokens (..., Pos) to logits (..., Pos, Vocab).
	ComputeLogits(tokens *named.Array[int32], mask AttentionMask, key prng.Key) (*named.Array[float32], error)
}

// ComputeNextTokenLoss runs model on ex and returns its masked next-token loss.
func ComputeNextTokenLoss(model LmHeadModel, ex Example, key prng.Key, reduction Reduction) (float32, error) {
	logits, err := model.ComputeLogits(ex.Tokens, ex.Attn, key)
	if err != nil {
		return 0, err
	}
	pos, ok := ex.Tokens.Resolve(model.Pos().Name)
	if !ok {
		return 0, fmt.Errorf("%w: tokens lack axis %q", named.ErrShape, model.Pos().Name)
	}
	return NextTokenLoss(pos, model.Vocab(), logits, ex.Tokens, ex.LossMask, reduction)
}

// NextTokenLoss computes the cross-entropy of predicting tokens[i+1] from logits[i].
//
// logits must have the axes of tokens followed by vocab, and pos must be the last axis
// of tokens. lossMask has the axes of tokens; a nil mask counts every position except
// the last one, which has no next token.
func NextTokenLoss(pos, vocab named.Axis, logits *named.Array[float32], tokens *named.Array[int32], lossMask *named.Array[float32], reduction Reduction) (float32, error) {
	if len(tokens.Axes) == 0 || !tokens.Axes[len(tokens.Axes)-1].Equal(pos) {
		return 0, fmt.Errorf("%w: tokens %s must end with %s", named.ErrShape, named.FormatAxes(tokens.Axes), pos)
	}
	if !logits.HasAxes(append(append([]named.Axis(nil), tokens.Axes...), vocab)...) {
		return 0, fmt.Errorf("%w: logits %s do not match tokens %s plus %s", named.ErrShape,
			named.FormatAxes(logits.Axes), named.FormatAxes(tokens.Axes), vocab)
	}
	if lossMask == nil {
		lossMask = named.Full[float32](1, tokens.Axes...)
		for r := pos.Size - 1; r < lossMask.Size(); r += pos.Size {
			lossMask.Data[r] = 0
		}
	}
	if !lossMask.HasAxes(tokens.Axes...) {
		return 0, fmt.Errorf("%w: loss mask %s does not match tokens %s", named.ErrShape,
			named.FormatAxes(lossMask.Axes), named.FormatAxes(tokens.Axes))
	}
	targets, err := tokens.Roll(pos.Name, -1)
	if err != nil {
		return 0, err
	}

	V := vocab.Size
	var total, weight float64
	for r, m := range lossMask.Data {
		if m == 0 {
			continue
		}
		row := logits.Data[r*V : (r+1)*V]
		total += float64(m) * crossEntropy(row, int(targets.Data[r]))
		weight += float64(m)
	}
	switch reduction {
	case ReduceSum:
		return float32(total), nil
	case ReduceMean:
		if weight == 0 {
			return 0, nil
		}
		return float32(total / weight), nil
	default:
		return 0, fmt.Errorf("unknown reduction %d", reduction)
	}
}

// crossEntropy returns logsumexp(row) - row[target] in float64.
func crossEntropy(row []float32, target int) float64 {
	maxval := math.Inf(-1)
	for _, l := range row {
		maxval = math.Max(maxval, float64(l))
	}
	var sum float64
	for _, l := range row {
		sum += math.Exp(float64(l) - maxval)
	}
	return maxval + math.Log(sum) - float64(row[target])
}

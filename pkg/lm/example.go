// Package lm holds the pieces shared by every causal language model: training
// examples with loss masks, attention masks and the next-token loss.
package lm

import (
	"fmt"

	"github.com/conneroisu/splitgen/pkg/named"
)

// AttentionMask decides which key positions a query position may attend to.
type AttentionMask struct {
	causal bool
}

// Causal returns the mask that lets position q see positions k <= q.
func Causal() AttentionMask {
	return AttentionMask{causal: true}
}

// Full returns the mask that lets every position see every other position.
func Full() AttentionMask {
	return AttentionMask{}
}

// IsCausal reports whether the mask is causal.
func (m AttentionMask) IsCausal() bool {
	return m.causal
}

// Allows reports whether query position q may attend to key position k.
func (m AttentionMask) Allows(q, k int) bool {
	return !m.causal || k <= q
}

// Example is one training example.
type Example struct {
	// Tokens are the token ids over the position axis, optionally batched.
	Tokens *named.Array[int32]
	// LossMask is 1 where the prediction of the next token counts toward the loss.
	LossMask *named.Array[float32]
	// Attn is the attention mask the model should use.
	Attn AttentionMask
}

// CausalExample builds a next-token prediction example from tokens over pos.
//
// Position i contributes to the loss unless it is the last position, or the token at
// i+1 equals ignoreID when ignoreID is non-nil.
func CausalExample(tokens *named.Array[int32], pos named.Axis, ignoreID *int32) (Example, error) {
	if !tokens.HasAxes(pos) {
		return Example{}, fmt.Errorf("%w: tokens have axes %s, want %s", named.ErrShape, named.FormatAxes(tokens.Axes), pos)
	}
	mask := named.Full[float32](1, pos)
	if pos.Size > 0 {
		mask.Data[pos.Size-1] = 0
	}
	if ignoreID != nil {
		next, err := tokens.Roll(pos.Name, -1)
		if err != nil {
			return Example{}, err
		}
		for i, id := range next.Data {
			if id == *ignoreID {
				mask.Data[i] = 0
			}
		}
	}
	return Example{Tokens: tokens, LossMask: mask, Attn: Causal()}, nil
}

// StackExamples stacks single-sequence examples along batch. All examples must share
// the same position axis and attention mask.
func StackExamples(batch named.Axis, examples []Example) (Example, error) {
	if len(examples) != batch.Size {
		return Example{}, fmt.Errorf("%w: %d examples for axis %s", named.ErrShape, len(examples), batch)
	}
	if len(examples) == 0 {
		return Example{}, fmt.Errorf("%w: empty batch", named.ErrShape)
	}
	first := examples[0]
	tokens := named.Zeros[int32](append([]named.Axis{batch}, first.Tokens.Axes...)...)
	mask := named.Zeros[float32](append([]named.Axis{batch}, first.LossMask.Axes...)...)
	for i, ex := range examples {
		if !ex.Tokens.HasAxes(first.Tokens.Axes...) || !ex.LossMask.HasAxes(first.LossMask.Axes...) {
			return Example{}, fmt.Errorf("%w: example %d has axes %s", named.ErrShape, i, named.FormatAxes(ex.Tokens.Axes))
		}
		if ex.Attn != first.Attn {
			return Example{}, fmt.Errorf("example %d: mismatched attention mask", i)
		}
		copy(tokens.Data[i*first.Tokens.Size():], ex.Tokens.Data)
		copy(mask.Data[i*first.LossMask.Size():], ex.LossMask.Data)
	}
	return Example{Tokens: tokens, LossMask: mask, Attn: first.Attn}, nil
}

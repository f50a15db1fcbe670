package lm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/splitgen/pkg/named"
	"github.com/conneroisu/splitgen/pkg/prng"
)

func TestCausalMaskDropsLastPosition(t *testing.T) {
	pos := named.Axis{Name: "position", Size: 4}
	ex, err := CausalExample(named.Arange(pos), pos, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 1, 0}, ex.LossMask.Data)
	assert.True(t, ex.Attn.IsCausal())
}

func TestExampleHandlesIgnoreID(t *testing.T) {
	pos := named.Axis{Name: "position", Size: 10}
	vocab := named.Axis{Name: "vocab", Size: pos.Size + 1}
	tokens := named.Arange(pos)

	ignoreID := int32(6)
	exIgnore, err := CausalExample(tokens, pos, &ignoreID)
	require.NoError(t, err)
	exNoIgnore, err := CausalExample(tokens, pos, nil)
	require.NoError(t, err)
	assert.Zero(t, exIgnore.LossMask.At(int(ignoreID)-1))
	assert.Equal(t, float32(1), exNoIgnore.LossMask.At(int(ignoreID)-1))

	distr, err := named.OneHot(int(ignoreID), vocab, -100).Broadcast(pos)
	require.NoError(t, err)
	for _, reduction := range []Reduction{ReduceMean, ReduceSum} {
		ignored, err := NextTokenLoss(pos, vocab, distr, tokens, exIgnore.LossMask, reduction)
		require.NoError(t, err)
		notIgnored, err := NextTokenLoss(pos, vocab, distr, tokens, exNoIgnore.LossMask, reduction)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, notIgnored, ignored+100/float32(pos.Size))
	}
}

func TestMaskingNeverIncreasesSummedLoss(t *testing.T) {
	pos := named.Axis{Name: "position", Size: 6}
	vocab := named.Axis{Name: "vocab", Size: 5}
	tokens, err := named.New([]int32{1, 4, 0, 2, 2, 3}, pos)
	require.NoError(t, err)
	logits, err := named.New(prng.NewKey(3).Normal(pos.Size*vocab.Size, 3), pos, vocab)
	require.NoError(t, err)

	full, err := CausalExample(tokens, pos, nil)
	require.NoError(t, err)
	base, err := NextTokenLoss(pos, vocab, logits, tokens, full.LossMask, ReduceSum)
	require.NoError(t, err)
	for i := 0; i < pos.Size-1; i++ {
		masked := full.LossMask.Clone()
		masked.Data[i] = 0
		loss, err := NextTokenLoss(pos, vocab, logits, tokens, masked, ReduceSum)
		require.NoError(t, err)
		assert.LessOrEqual(t, loss, base)
	}
}

func TestNextTokenLossNilMaskMatchesCausal(t *testing.T) {
	pos := named.Axis{Name: "position", Size: 3}
	batch := named.Axis{Name: "batch", Size: 2}
	vocab := named.Axis{Name: "vocab", Size: 4}
	tokens, err := named.New([]int32{0, 1, 2, 3, 2, 1}, batch, pos)
	require.NoError(t, err)
	logits, err := named.New(prng.NewKey(0).Normal(batch.Size*pos.Size*vocab.Size, 1), batch, pos, vocab)
	require.NoError(t, err)

	ex0, _ := CausalExample(named.Arange(pos), pos, nil)
	ex1, _ := CausalExample(named.Arange(pos), pos, nil)
	stacked, err := StackExamples(batch, []Example{ex0, ex1})
	require.NoError(t, err)

	a, err := NextTokenLoss(pos, vocab, logits, tokens, nil, ReduceMean)
	require.NoError(t, err)
	b, err := NextTokenLoss(pos, vocab, logits, tokens, stacked.LossMask, ReduceMean)
	require.NoError(t, err)
	assert.InDelta(t, a, b, 1e-6)
}

func TestNextTokenLossRejectsBadAxes(t *testing.T) {
	pos := named.Axis{Name: "position", Size: 3}
	vocab := named.Axis{Name: "vocab", Size: 4}
	tokens := named.Arange(pos)
	_, err := NextTokenLoss(pos, vocab, named.Zeros[float32](pos, vocab.Resize(5)), tokens, nil, ReduceMean)
	assert.ErrorIs(t, err, named.ErrShape)
}

func TestStackExamplesRequiresMatchingAxes(t *testing.T) {
	a, _ := CausalExample(named.Arange(named.Axis{Name: "position", Size: 3}), named.Axis{Name: "position", Size: 3}, nil)
	b, _ := CausalExample(named.Arange(named.Axis{Name: "position", Size: 4}), named.Axis{Name: "position", Size: 4}, nil)
	_, err := StackExamples(named.Axis{Name: "batch", Size: 2}, []Example{a, b})
	assert.ErrorIs(t, err, named.ErrShape)
}

func TestAttentionMask(t *testing.T) {
	assert.True(t, Causal().Allows(3, 3))
	assert.False(t, Causal().Allows(2, 3))
	assert.True(t, Full().Allows(2, 3))
}

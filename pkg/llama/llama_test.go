package llama

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/splitgen/pkg/lm"
	"github.com/conneroisu/splitgen/pkg/named"
	"github.com/conneroisu/splitgen/pkg/prng"
)

func splitConfig() SplitLlamaConfig {
	return SplitLlamaConfig{
		SeqLen:           256,
		HiddenDim:        64,
		IntermediateDim:  128,
		NumLayers:        4,
		NumHeads:         4,
		NumKVHeads:       4,
		RopeTheta:        10000,
		NormEps:          1e-6,
		InitializerRange: 0.02,
		SkipIndices:      []int{2, 3},
		SkipAfterKTokens: 32,
		LoraRank:         8,
		LoraAlpha:        8,
	}
}

var vocab = named.Axis{Name: "vocab", Size: 1000}

func randomTokens(t *testing.T, cfg SplitLlamaConfig, batch int, key prng.Key) *named.Array[int32] {
	t.Helper()
	ids, err := named.New(key.RandInt(batch*cfg.SeqLen, 0, int32(vocab.Size)),
		named.Axis{Name: "batch", Size: batch}, cfg.Pos())
	require.NoError(t, err)
	return ids
}

func TestLoraizePlacement(t *testing.T) {
	cfg := splitConfig()
	base, err := Init(vocab, cfg, prng.NewKey(0))
	require.NoError(t, err)
	adapted, err := cfg.Loraize(base, prng.NewKey(1))
	require.NoError(t, err)

	for i, blk := range adapted.Transformer.Layers.Blocks {
		baseBlk := base.Transformer.Layers.Blocks[i]
		qkv := []Projection{blk.SelfAttn.QProj, blk.SelfAttn.KProj, blk.SelfAttn.VProj}
		if cfg.IsSkipped(i) {
			assert.Same(t, baseBlk, blk, "skipped block %d is shared", i)
			for _, p := range qkv {
				assert.Equal(t, KindLinear, p.Kind())
			}
			continue
		}
		for j, p := range qkv {
			require.Equal(t, KindLora, p.Kind(), "block %d projection %d", i, j)
			baseProj := []Projection{baseBlk.SelfAttn.QProj, baseBlk.SelfAttn.KProj, baseBlk.SelfAttn.VProj}[j]
			assert.Same(t, baseProj, p.(*SplitLoraLinear).Wrapped)
		}
		assert.Same(t, baseBlk.SelfAttn.OProj, blk.SelfAttn.OProj)
		assert.Same(t, baseBlk.MLP, blk.MLP)
	}
	for _, blk := range base.Transformer.Layers.Blocks {
		assert.Equal(t, KindLinear, blk.SelfAttn.QProj.Kind(), "base model is untouched")
	}
}

func TestLoraizeIsDeterministic(t *testing.T) {
	cfg := splitConfig()
	base, err := Init(vocab, cfg, prng.NewKey(0))
	require.NoError(t, err)
	a, err := cfg.Loraize(base, prng.NewKey(9))
	require.NoError(t, err)
	b, err := cfg.Loraize(base, prng.NewKey(9))
	require.NoError(t, err)
	qa := a.Transformer.Layers.Blocks[0].SelfAttn.QProj.(*SplitLoraLinear)
	qb := b.Transformer.Layers.Blocks[0].SelfAttn.QProj.(*SplitLoraLinear)
	assert.Equal(t, qa.A, qb.A)
	assert.Equal(t, qa.B, qb.B)
}

func TestLoraizedForwardMatchesBase(t *testing.T) {
	cfg := splitConfig()
	base, err := Init(vocab, cfg, prng.NewKey(0))
	require.NoError(t, err)
	adapted, err := cfg.Loraize(base, prng.NewKey(1))
	require.NoError(t, err)

	input := randomTokens(t, cfg, 2, prng.NewKey(2))
	want, err := base.Forward(input, lm.Causal())
	require.NoError(t, err)
	got, err := adapted.Forward(input, lm.Causal())
	require.NoError(t, err)
	assert.True(t, named.AllClose(want, got, 1e-5))

	merged, err := MergeLora(adapted).Forward(input, lm.Causal())
	require.NoError(t, err)
	assert.True(t, named.AllClose(want, merged, 1e-5))
}

func TestMergeLoraMatchesAdapters(t *testing.T) {
	cfg := splitConfig()
	cfg.SeqLen = 16
	base, err := Init(vocab, cfg, prng.NewKey(0))
	require.NoError(t, err)
	adapted, err := cfg.Loraize(base, prng.NewKey(1))
	require.NoError(t, err)
	// give the adapters a non-zero contribution
	for i, blk := range adapted.Transformer.Layers.Blocks {
		for j, p := range []Projection{blk.SelfAttn.QProj, blk.SelfAttn.KProj, blk.SelfAttn.VProj} {
			if l, ok := p.(*SplitLoraLinear); ok {
				copy(l.B, prng.NewKey(uint64(10*i+j)).Normal(len(l.B), 0.05))
			}
		}
	}

	input := randomTokens(t, cfg, 2, prng.NewKey(3))
	lora, err := adapted.Forward(input, lm.Causal())
	require.NoError(t, err)
	merged := MergeLora(adapted)
	compiled, err := merged.Forward(input, lm.Causal())
	require.NoError(t, err)
	assert.True(t, named.AllClose(lora, compiled, 1e-4))

	plain, err := base.Forward(input, lm.Causal())
	require.NoError(t, err)
	assert.False(t, named.AllClose(plain, lora, 1e-5))
	for _, blk := range merged.Transformer.Layers.Blocks {
		assert.Equal(t, KindLinear, blk.SelfAttn.QProj.Kind())
	}
	assert.Same(t, adapted.Transformer.Layers.Blocks[2], merged.Transformer.Layers.Blocks[2])
}

func TestSkipRouting(t *testing.T) {
	cfg := splitConfig()
	cfg.SeqLen = 48
	cfg.SkipAfterKTokens = 20
	skipping, err := Init(vocab, cfg, prng.NewKey(4))
	require.NoError(t, err)
	full := *skipping
	full.Config.SkipIndices = nil

	input := randomTokens(t, cfg, 1, prng.NewKey(5))
	a, err := skipping.Forward(input, lm.Causal())
	require.NoError(t, err)
	b, err := full.Forward(input, lm.Causal())
	require.NoError(t, err)

	V := vocab.Size
	for p := 0; p < cfg.SeqLen; p++ {
		rowA, rowB := a.Data[p*V:(p+1)*V], b.Data[p*V:(p+1)*V]
		if p <= cfg.SkipAfterKTokens {
			assert.Equal(t, rowB, rowA, "position %d runs every block", p)
		} else {
			assert.NotEqual(t, rowB, rowA, "position %d skips blocks 2 and 3", p)
		}
	}
}

func TestSkipEveryBlockIsIdentityPastThreshold(t *testing.T) {
	cfg := splitConfig()
	cfg.SeqLen = 8
	cfg.SkipAfterKTokens = 3
	cfg.SkipIndices = []int{0, 1, 2, 3}
	model, err := Init(vocab, cfg, prng.NewKey(6))
	require.NoError(t, err)
	input := randomTokens(t, cfg, 1, prng.NewKey(7))
	logits, err := model.Forward(input, lm.Causal())
	require.NoError(t, err)

	// an empty stack sends the embeddings straight to the head
	empty := *model
	empty.Transformer = &Transformer{}
	direct, err := empty.Forward(input, lm.Causal())
	require.NoError(t, err)
	V := vocab.Size
	for p := cfg.SkipAfterKTokens + 1; p < cfg.SeqLen; p++ {
		assert.Equal(t, direct.Data[p*V:(p+1)*V], logits.Data[p*V:(p+1)*V])
	}
}

func TestValidateRejectsSkipIndices(t *testing.T) {
	for name, skips := range map[string][]int{
		"too large": {4},
		"negative":  {-1},
		"duplicate": {1, 1},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := splitConfig()
			cfg.SkipIndices = skips
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
			_, err := Init(vocab, cfg, prng.NewKey(0))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoraizeRejectsMismatchedConfig(t *testing.T) {
	cfg := splitConfig()
	base, err := Init(vocab, cfg, prng.NewKey(0))
	require.NoError(t, err)
	other := cfg
	other.HiddenDim = 32
	_, err = other.Loraize(base, prng.NewKey(0))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	adapted, err := cfg.Loraize(base, prng.NewKey(0))
	require.NoError(t, err)
	_, err = cfg.Loraize(adapted, prng.NewKey(0))
	assert.Error(t, err, "adapters are not stacked")
}

func TestParameterCounts(t *testing.T) {
	cfg := splitConfig()
	base, err := Init(vocab, cfg, prng.NewKey(0))
	require.NoError(t, err)
	assert.Equal(t, base.ParameterCount(), base.TrainableParameterCount())

	adapted, err := cfg.Loraize(base, prng.NewKey(1))
	require.NoError(t, err)
	C, KV, r := cfg.HiddenDim, cfg.kvHeads()*cfg.headDim(), cfg.LoraRank
	perBlock := (r*C + C*r) + (r*C + KV*r) + (r*C + KV*r)
	kept := cfg.NumLayers - len(cfg.SkipIndices)
	assert.Equal(t, kept*perBlock, adapted.TrainableParameterCount())
	assert.Equal(t, base.ParameterCount()+kept*perBlock, adapted.ParameterCount())
}

func TestSkipsPosition(t *testing.T) {
	cfg := splitConfig()
	assert.False(t, cfg.SkipsPosition(2, 32))
	assert.True(t, cfg.SkipsPosition(2, 33))
	assert.False(t, cfg.SkipsPosition(1, 200))
}

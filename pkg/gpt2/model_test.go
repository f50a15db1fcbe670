package gpt2

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/splitgen/pkg/lm"
	"github.com/conneroisu/splitgen/pkg/named"
	"github.com/conneroisu/splitgen/pkg/prng"
)

func testConfig(layers int) Config {
	return Config{
		SeqLen:           16,
		HiddenDim:        64,
		NumLayers:        layers,
		NumHeads:         8,
		MLPScale:         4,
		InitializerRange: 0.02,
		LayerNormEpsilon: 1e-5,
	}
}

// arangeBatch lays out 0..batch*pos-1 as (batch, position).
func arangeBatch(t *testing.T, batch, pos named.Axis) *named.Array[int32] {
	t.Helper()
	ids := make([]int32, batch.Size*pos.Size)
	for i := range ids {
		ids[i] = int32(i)
	}
	arr, err := named.New(ids, batch, pos)
	require.NoError(t, err)
	return arr
}

func TestGradientCheckpointingForwardIsTransparent(t *testing.T) {
	vocab := named.Axis{Name: "vocab", Size: 128}
	batch := named.Axis{Name: "batch", Size: 8}
	for _, layers := range []int{1, 2, 4, 8, 12} {
		t.Run(fmt.Sprintf("%d blocks", layers), func(t *testing.T) {
			cfg := testConfig(layers)
			key := prng.NewKey(0)
			plain, err := NewLMHeadModel(vocab, cfg, key)
			require.NoError(t, err)
			cfg.GradientCheckpointing = true
			checkpointed, err := NewLMHeadModel(vocab, cfg, key)
			require.NoError(t, err)

			input := arangeBatch(t, batch, cfg.Pos())
			a, err := plain.Forward(input, prng.NewKey(1))
			require.NoError(t, err)
			b, err := checkpointed.Forward(input, prng.NewKey(1))
			require.NoError(t, err)
			assert.True(t, named.AllClose(a, b, 1e-5))
			assert.Equal(t, []named.Axis{batch, cfg.Pos(), vocab}, a.Axes)
		})
	}
}

func TestGradientCheckpointingGradientsAreTransparent(t *testing.T) {
	vocab := named.Axis{Name: "vocab", Size: 128}
	batch := named.Axis{Name: "batch", Size: 2}
	for _, pdrop := range []float32{0, 0.1} {
		t.Run(fmt.Sprintf("dropout %.1f", pdrop), func(t *testing.T) {
			cfg := testConfig(3)
			cfg.EmbedPdrop, cfg.ResidPdrop = pdrop, pdrop
			model, err := NewLMHeadModel(vocab, cfg, prng.NewKey(7))
			require.NoError(t, err)

			ex := lm.Example{Tokens: arangeBatch(t, batch, cfg.Pos()), Attn: lm.Causal()}
			lossA, gradA, err := model.WithGradientCheckpointing(false).ValueAndGrad(ex, prng.NewKey(3))
			require.NoError(t, err)
			lossB, gradB, err := model.WithGradientCheckpointing(true).ValueAndGrad(ex, prng.NewKey(3))
			require.NoError(t, err)

			assert.InDelta(t, lossA, lossB, 1e-5)
			require.Equal(t, gradA.Len(), gradB.Len())
			assert.InDeltaSlice(t, gradA.Memory, gradB.Memory, 1e-5)
		})
	}
}

func TestWithGradientCheckpointingSharesParameters(t *testing.T) {
	model, err := NewLMHeadModel(named.Axis{Name: "vocab", Size: 32}, testConfig(1), prng.NewKey(0))
	require.NoError(t, err)
	other := model.WithGradientCheckpointing(true)
	assert.Same(t, model.Params, other.Params)
	assert.False(t, model.Config.GradientCheckpointing)
	assert.True(t, other.Config.GradientCheckpointing)
}

func TestDropoutDependsOnKey(t *testing.T) {
	cfg := testConfig(2)
	cfg.ResidPdrop = 0.5
	model, err := NewLMHeadModel(named.Axis{Name: "vocab", Size: 64}, cfg, prng.NewKey(0))
	require.NoError(t, err)
	input := named.Arange(cfg.Pos())

	a, err := model.Forward(input, prng.NewKey(1))
	require.NoError(t, err)
	b, err := model.Forward(input, prng.NewKey(2))
	require.NoError(t, err)
	again, err := model.Forward(input, prng.NewKey(1))
	require.NoError(t, err)
	assert.False(t, named.AllClose(a, b, 1e-6))
	assert.Equal(t, a.Data, again.Data)

	x, err := model.WithInference(true).Forward(input, prng.NewKey(1))
	require.NoError(t, err)
	y, err := model.WithInference(true).Forward(input, prng.NewKey(2))
	require.NoError(t, err)
	assert.Equal(t, x.Data, y.Data)
}

func TestValueAndGradLossMatchesNextTokenLoss(t *testing.T) {
	cfg := testConfig(2)
	vocab := named.Axis{Name: "vocab", Size: 50}
	model, err := NewLMHeadModel(vocab, cfg, prng.NewKey(11))
	require.NoError(t, err)

	ids, err := named.New(prng.NewKey(4).RandInt(cfg.SeqLen, 0, int32(vocab.Size)), cfg.Pos())
	require.NoError(t, err)
	ignore := ids.Data[5]
	ex, err := lm.CausalExample(ids, cfg.Pos(), &ignore)
	require.NoError(t, err)

	want, err := lm.ComputeNextTokenLoss(model, ex, prng.NewKey(0), lm.ReduceMean)
	require.NoError(t, err)
	got, _, err := model.ValueAndGrad(ex, prng.NewKey(0))
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-4)
}

func TestValueAndGradMatchesFiniteDifference(t *testing.T) {
	cfg := testConfig(1)
	cfg.HiddenDim, cfg.NumHeads, cfg.SeqLen = 16, 2, 8
	vocab := named.Axis{Name: "vocab", Size: 20}
	model, err := NewLMHeadModel(vocab, cfg, prng.NewKey(5))
	require.NoError(t, err)
	// a wider embedding gives gradients well above float32 noise
	for i := range model.Params.WordTokEmbed.data {
		model.Params.WordTokEmbed.data[i] *= 5
	}
	ids, err := named.New(prng.NewKey(6).RandInt(cfg.SeqLen, 0, int32(vocab.Size)), cfg.Pos())
	require.NoError(t, err)
	ex, err := lm.CausalExample(ids, cfg.Pos(), nil)
	require.NoError(t, err)

	_, grads, err := model.ValueAndGrad(ex, prng.NewKey(0))
	require.NoError(t, err)

	lossAt := func() float32 {
		loss, err := lm.ComputeNextTokenLoss(model, ex, prng.NewKey(0), lm.ReduceMean)
		require.NoError(t, err)
		return loss
	}
	const h = 1e-2
	perturbed := []struct {
		name string
		data []float32
		grad []float32
	}{
		{"final norm bias", model.Params.LayerFinNormB.data, grads.LayerFinNormB.data},
		{"mlp projection bias", model.Params.FeedFwdProjB.data, grads.FeedFwdProjB.data},
		{"qkv bias", model.Params.QueryKeyValB.data, grads.QueryKeyValB.data},
		{"position embedding", model.Params.WordPosEmbed.data, grads.WordPosEmbed.data},
	}
	for _, p := range perturbed {
		for _, i := range []int{0, 3} {
			orig := p.data[i]
			p.data[i] = orig + h
			up := lossAt()
			p.data[i] = orig - h
			down := lossAt()
			p.data[i] = orig
			assert.InDelta(t, (up-down)/(2*h), p.grad[i], 2e-3, "%s[%d]", p.name, i)
		}
	}
}

func TestComputeLogitsRejectsFullMask(t *testing.T) {
	model, err := NewLMHeadModel(named.Axis{Name: "vocab", Size: 8}, testConfig(1), prng.NewKey(0))
	require.NoError(t, err)
	_, err = model.ComputeLogits(named.Arange(model.Pos()), lm.Full(), prng.NewKey(0))
	assert.ErrorIs(t, err, ErrNonCausal)
}

func TestForwardRejectsBadTokens(t *testing.T) {
	cfg := testConfig(1)
	model, err := NewLMHeadModel(named.Axis{Name: "vocab", Size: 8}, cfg, prng.NewKey(0))
	require.NoError(t, err)

	_, err = model.Forward(named.Arange(cfg.Pos()), prng.NewKey(0))
	assert.ErrorIs(t, err, named.ErrShape, "ids beyond the vocabulary")
	_, err = model.Forward(named.Zeros[int32](cfg.Pos().Resize(cfg.SeqLen+1)), prng.NewKey(0))
	assert.ErrorIs(t, err, named.ErrShape, "sequence longer than seq_len")
	_, err = model.Forward(named.Zeros[int32](named.Axis{Name: "time", Size: 4}), prng.NewKey(0))
	assert.ErrorIs(t, err, named.ErrShape, "missing position axis")
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	bad := testConfig(1)
	bad.NumHeads = 5
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
	bad = testConfig(1)
	bad.ResidPdrop = 1
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
	_, err := NewLMHeadModel(named.Axis{Name: "vocab", Size: 8}, Config{}, prng.NewKey(0))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNumParams(t *testing.T) {
	cfg := testConfig(2)
	V, C, M, L := 100, cfg.HiddenDim, cfg.mlpDim(), cfg.NumLayers
	model, err := NewLMHeadModel(named.Axis{Name: "vocab", Size: V}, cfg, prng.NewKey(0))
	require.NoError(t, err)
	perLayer := 2*C + 3*C*C + 3*C + C*C + C + 2*C + M*C + M + C*M + C
	assert.Equal(t, V*C+cfg.SeqLen*C+L*perLayer+2*C, model.NumParams())
}

func TestCompareCheckpointing(t *testing.T) {
	vocab := named.Axis{Name: "vocab", Size: 128}
	batch := named.Axis{Name: "batch", Size: 2}
	cfg := testConfig(3)
	cfg.ResidPdrop = 0.1
	model, err := NewLMHeadModel(vocab, cfg, prng.NewKey(0))
	require.NoError(t, err)
	ex := lm.Example{Tokens: arangeBatch(t, batch, cfg.Pos()), Attn: lm.Causal()}

	report, err := CompareCheckpointing(model, ex, prng.NewKey(5))
	require.NoError(t, err)
	assert.InDelta(t, report.Loss, report.CheckpointedLoss, 1e-6)
	assert.Less(t, report.MaxLogitDiff, float32(1e-5))
	assert.Less(t, report.MaxGradDiff, float32(1e-5))
	assert.True(t, report.Within(1e-5))
}

func TestCheckpointReportWithin(t *testing.T) {
	// losses reduced in a different order may differ in the last bit
	loss := float32(4.8520303)
	r := CheckpointReport{Loss: loss, CheckpointedLoss: math.Nextafter32(loss, 5)}
	assert.NotEqual(t, r.Loss, r.CheckpointedLoss)
	assert.True(t, r.Within(1e-5))
	assert.False(t, r.Within(0))

	r.CheckpointedLoss = loss + 1e-3
	assert.False(t, r.Within(1e-5))
	r = CheckpointReport{Loss: loss, CheckpointedLoss: loss, MaxGradDiff: 1e-4}
	assert.False(t, r.Within(1e-5))
	assert.True(t, r.Within(1e-3))
}

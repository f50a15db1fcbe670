// Package gpt2 implements the GPT-2 language model with optional gradient
// checkpointing of its transformer blocks.
package gpt2

import (
	"errors"
	"fmt"
	"math"

	"github.com/conneroisu/splitgen/pkg/lm"
	"github.com/conneroisu/splitgen/pkg/named"
	"github.com/conneroisu/splitgen/pkg/prng"
	"github.com/conneroisu/splitgen/pkg/torch"
)

// ErrNonCausal is returned when a GPT-2 model is asked for a non-causal attention mask.
var ErrNonCausal = errors.New("gpt2 only supports causal attention")

// dropout sites inside a block
const (
	siteAttn uint64 = iota
	siteMLP
)

// LMHeadModel is a GPT-2 model with its output projection tied to the token embedding.
//
// The parameters are never modified after construction, so models returned by
// WithGradientCheckpointing and WithInference share them with the receiver.
type LMHeadModel struct {
	Config Config
	Params *ParameterTensors

	vocab     named.Axis
	inference bool
}

var _ lm.LmHeadModel = (*LMHeadModel)(nil)

// NewLMHeadModel initializes a model over vocab from key.
//
// Weights are drawn from a normal distribution with standard deviation
// InitializerRange; the two output projections of each block are further scaled by
// 1/sqrt(2*NumLayers). Biases start at zero and layer norm scales at one.
func NewLMHeadModel(vocab named.Axis, cfg Config, key prng.Key) (*LMHeadModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if vocab.Size <= 0 {
		return nil, fmt.Errorf("%w: vocabulary must be non-empty", ErrInvalidConfig)
	}
	V, C, L, M := vocab.Size, cfg.HiddenDim, cfg.NumLayers, cfg.mlpDim()
	params := new(ParameterTensors)
	params.Init(V, C, cfg.SeqLen, L, M)

	std := cfg.InitializerRange
	projStd := std / float32(math.Sqrt(2*float64(L)))
	keys := key.Split(6)
	copy(params.WordTokEmbed.data, keys[0].Normal(V*C, std))
	copy(params.WordPosEmbed.data, keys[1].Normal(cfg.SeqLen*C, std))
	copy(params.QueryKeyValW.data, keys[2].Normal(L*3*C*C, std))
	copy(params.AttProjW.data, keys[3].Normal(L*C*C, projStd))
	copy(params.FeedFwdW.data, keys[4].Normal(L*M*C, std))
	copy(params.FeedFwdProjW.data, keys[5].Normal(L*C*M, projStd))
	for _, t := range []tensor{params.LayerNorm1W, params.Layer2NormW, params.LayerFinNormW} {
		for i := range t.data {
			t.data[i] = 1
		}
	}
	return &LMHeadModel{Config: cfg, Params: params, vocab: vocab}, nil
}

// WithGradientCheckpointing returns a model sharing m's parameters with gradient
// checkpointing switched on or off.
func (m *LMHeadModel) WithGradientCheckpointing(on bool) *LMHeadModel {
	c := *m
	c.Config.GradientCheckpointing = on
	return &c
}

// WithInference returns a model sharing m's parameters that skips dropout when on.
func (m *LMHeadModel) WithInference(on bool) *LMHeadModel {
	c := *m
	c.inference = on
	return &c
}

// Vocab returns the vocabulary axis.
func (m *LMHeadModel) Vocab() named.Axis {
	return m.vocab
}

// Pos returns the position axis at its maximum length.
func (m *LMHeadModel) Pos() named.Axis {
	return m.Config.Pos()
}

// NumParams returns the number of scalar parameters.
func (m *LMHeadModel) NumParams() int {
	return m.Params.Len()
}

// Forward maps token ids (..., position) to logits (..., position, vocab).
func (m *LMHeadModel) Forward(tokens *named.Array[int32], key prng.Key) (*named.Array[float32], error) {
	p, err := m.newPass(tokens, key)
	if err != nil {
		return nil, err
	}
	p.forward()
	return named.New(p.acts.Logits.data, append(append([]named.Axis(nil), tokens.Axes...), m.vocab)...)
}

// ComputeLogits is Forward behind the lm.LmHeadModel interface.
func (m *LMHeadModel) ComputeLogits(tokens *named.Array[int32], mask lm.AttentionMask, key prng.Key) (*named.Array[float32], error) {
	if !mask.IsCausal() {
		return nil, ErrNonCausal
	}
	return m.Forward(tokens, key)
}

// ValueAndGrad returns the mean next-token loss of ex over its loss mask together with
// the gradient of that loss with respect to every parameter.
//
// With gradient checkpointing only the residual stream entering each block is kept
// from the forward pass; each block is recomputed, with the same dropout masks, right
// before its backward pass. Both modes produce the same loss and gradients.
func (m *LMHeadModel) ValueAndGrad(ex lm.Example, key prng.Key) (float32, *ParameterTensors, error) {
	if !ex.Attn.IsCausal() {
		return 0, nil, ErrNonCausal
	}
	p, err := m.newPass(ex.Tokens, key)
	if err != nil {
		return 0, nil, err
	}
	mask := ex.LossMask
	if mask == nil {
		mask = named.Full[float32](1, ex.Tokens.Axes...)
		for r := p.T - 1; r < mask.Size(); r += p.T {
			mask.Data[r] = 0
		}
	}
	if !mask.HasAxes(ex.Tokens.Axes...) {
		return 0, nil, fmt.Errorf("%w: loss mask %s does not match tokens %s", named.ErrShape,
			named.FormatAxes(mask.Axes), named.FormatAxes(ex.Tokens.Axes))
	}
	targets, err := ex.Tokens.Roll(m.Config.Pos().Name, -1)
	if err != nil {
		return 0, nil, err
	}
	p.forward()
	loss, dlosses := p.loss(targets.Data, mask.Data)
	return loss, p.backward(targets.Data, dlosses), nil
}

// pass holds the state of one forward and optional backward evaluation.
type pass struct {
	model  *LMHeadModel
	B, T   int
	inputs []int32
	// keys[0] drives embedding dropout, keys[1+l] the dropout of block l.
	keys  []prng.Key
	acts  activationTensors
	probs []float32
}

func (m *LMHeadModel) newPass(tokens *named.Array[int32], key prng.Key) (*pass, error) {
	cfg := m.Config
	n := len(tokens.Axes)
	if n == 0 || tokens.Axes[n-1].Name != cfg.Pos().Name || tokens.Axes[n-1].Size == 0 || tokens.Axes[n-1].Size > cfg.SeqLen {
		return nil, fmt.Errorf("%w: tokens %s must end with a %q axis of size 1 to %d", named.ErrShape,
			named.FormatAxes(tokens.Axes), cfg.Pos().Name, cfg.SeqLen)
	}
	for _, id := range tokens.Data {
		if id < 0 || int(id) >= m.vocab.Size {
			return nil, fmt.Errorf("%w: token id %d outside vocabulary of %d", named.ErrShape, id, m.vocab.Size)
		}
	}
	T := tokens.Axes[n-1].Size
	p := &pass{
		model:  m,
		B:      tokens.Size() / T,
		T:      T,
		inputs: tokens.Data,
		keys:   key.Split(cfg.NumLayers + 1),
	}
	blocks := cfg.NumLayers
	if cfg.GradientCheckpointing {
		blocks = 1
	}
	p.acts.Init(p.B, T, cfg.HiddenDim, cfg.NumLayers, cfg.NumHeads, cfg.mlpDim(), m.vocab.Size, blocks)
	return p, nil
}

// keepMask returns the dropout mask of one site, or nil when dropout is off.
func (p *pass) keepMask(key prng.Key, prob float32) []bool {
	if p.model.inference || prob == 0 {
		return nil
	}
	return key.Bernoulli(p.B*p.T*p.model.Config.HiddenDim, 1-prob)
}

// residual returns the output of block l, or the embeddings for l == -1.
func (p *pass) residual(l int) []float32 {
	if l < 0 {
		return p.acts.Encoded.data
	}
	n := p.B * p.T * p.model.Config.HiddenDim
	return p.acts.Residual3.data[l*n : (l+1)*n]
}

func (p *pass) block(l int) *blockActivations {
	if p.model.Config.GradientCheckpointing {
		return &p.acts.Blocks[0]
	}
	return &p.acts.Blocks[l]
}

func (p *pass) forward() {
	cfg := p.model.Config
	params := p.model.Params
	B, T, C, V := p.B, p.T, cfg.HiddenDim, p.model.vocab.Size
	N := B * T * C

	torch.EncoderForward(p.acts.Encoded.data, p.inputs, params.WordTokEmbed.data, params.WordPosEmbed.data, B, T, C)
	if keep := p.keepMask(p.keys[0], cfg.EmbedPdrop); keep != nil {
		torch.DropoutForward(p.acts.Encoded.data, p.acts.Encoded.data, keep, cfg.EmbedPdrop, N)
	}
	for l := 0; l < cfg.NumLayers; l++ {
		p.blockForward(l, p.block(l))
	}
	last := p.residual(cfg.NumLayers - 1)
	torch.LayernormForward(p.acts.LnF.data, p.acts.LnFMean.data, p.acts.LnFRstd.data, last,
		params.LayerFinNormW.data, params.LayerFinNormB.data, B, T, C, cfg.LayerNormEpsilon)
	torch.MatmulForward(p.acts.Logits.data, p.acts.LnF.data, params.WordTokEmbed.data, nil, B, T, C, V)
}

// blockForward writes the output of block l into residual(l), keeping its
// intermediates in a.
func (p *pass) blockForward(l int, a *blockActivations) {
	cfg := p.model.Config
	B, T, C, NH, M := p.B, p.T, cfg.HiddenDim, cfg.NumHeads, cfg.mlpDim()
	N := B * T * C
	w := p.model.Params.layer(l, C, M)
	in, out := p.residual(l-1), p.residual(l)

	torch.LayernormForward(a.Ln1.data, a.Ln1Mean.data, a.Ln1Rstd.data, in, w.ln1w, w.ln1b, B, T, C, cfg.LayerNormEpsilon)
	torch.MatmulForward(a.QKV.data, a.Ln1.data, w.qkvw, w.qkvb, B, T, C, 3*C)
	torch.AttentionForward(a.Atty.data, a.PreAtt.data, a.Att.data, a.QKV.data, B, T, C, NH)
	torch.MatmulForward(a.AttProj.data, a.Atty.data, w.attprojw, w.attprojb, B, T, C, C)
	if keep := p.keepMask(p.keys[1+l].Fold(siteAttn), cfg.ResidPdrop); keep != nil {
		torch.DropoutForward(a.AttProj.data, a.AttProj.data, keep, cfg.ResidPdrop, N)
	}
	torch.ResidualForward(a.Residual2.data, in, a.AttProj.data, N)

	torch.LayernormForward(a.Ln2.data, a.Ln2Mean.data, a.Ln2Rstd.data, a.Residual2.data, w.ln2w, w.ln2b, B, T, C, cfg.LayerNormEpsilon)
	torch.MatmulForward(a.FCH.data, a.Ln2.data, w.fcw, w.fcb, B, T, C, M)
	torch.GeluForward(a.FCHGelu.data, a.FCH.data, B*T*M)
	torch.MatmulForward(a.FCProj.data, a.FCHGelu.data, w.fcprojw, w.fcprojb, B, T, M, C)
	if keep := p.keepMask(p.keys[1+l].Fold(siteMLP), cfg.ResidPdrop); keep != nil {
		torch.DropoutForward(a.FCProj.data, a.FCProj.data, keep, cfg.ResidPdrop, N)
	}
	torch.ResidualForward(out, a.Residual2.data, a.FCProj.data, N)
}

// loss returns the masked mean cross-entropy and the per-position loss gradients.
func (p *pass) loss(targets []int32, mask []float32) (float32, []float32) {
	B, T, V := p.B, p.T, p.model.vocab.Size
	p.probs = make([]float32, B*T*V)
	losses := make([]float32, B*T)
	torch.SoftmaxForward(p.probs, p.acts.Logits.data, B, T, V)
	torch.CrossEntropyForward(losses, p.probs, targets, B, T, V)

	var total, weight float32
	for i, m := range mask {
		total += m * losses[i]
		weight += m
	}
	dlosses := make([]float32, B*T)
	if weight == 0 {
		return 0, dlosses
	}
	for i, m := range mask {
		dlosses[i] = m / weight
	}
	return total / weight, dlosses
}

func (p *pass) backward(targets []int32, dlosses []float32) *ParameterTensors {
	cfg := p.model.Config
	params := p.model.Params
	B, T, C, L, M, V := p.B, p.T, cfg.HiddenDim, cfg.NumLayers, cfg.mlpDim(), p.model.vocab.Size
	N := B * T * C

	grads := new(ParameterTensors)
	grads.Init(V, C, cfg.SeqLen, L, M)
	var d activationTensors
	d.Init(B, T, C, L, cfg.NumHeads, M, V, 1)
	dblock := &d.Blocks[0]

	torch.CrossentropySoftmaxBackward(d.Logits.data, dlosses, p.probs, targets, B, T, V)
	torch.MatmulBackward(d.LnF.data, grads.WordTokEmbed.data, nil, d.Logits.data, p.acts.LnF.data, params.WordTokEmbed.data, B, T, C, V)
	torch.LayernormBackward(d.residual(p, L-1), grads.LayerFinNormW.data, grads.LayerFinNormB.data, d.LnF.data,
		p.residual(L-1), params.LayerFinNormW.data, p.acts.LnFMean.data, p.acts.LnFRstd.data, B, T, C)

	for l := L - 1; l >= 0; l-- {
		a := p.block(l)
		if cfg.GradientCheckpointing {
			p.blockForward(l, a)
		}
		dblock.zero()
		p.blockBackward(l, a, dblock, grads, d.residual(p, l-1), d.residual(p, l))
	}

	if keep := p.keepMask(p.keys[0], cfg.EmbedPdrop); keep != nil {
		torch.DropoutBackward(d.Encoded.data, d.Encoded.data, keep, cfg.EmbedPdrop, N)
	}
	torch.EncoderBackward(grads.WordTokEmbed.data, grads.WordPosEmbed.data, d.Encoded.data, p.inputs, B, T, C)
	return grads
}

// blockBackward accumulates the gradients of block l given dout, the gradient of its
// output, into g and din.
func (p *pass) blockBackward(l int, a, d *blockActivations, g *ParameterTensors, din, dout []float32) {
	cfg := p.model.Config
	B, T, C, NH, M := p.B, p.T, cfg.HiddenDim, cfg.NumHeads, cfg.mlpDim()
	N := B * T * C
	w := p.model.Params.layer(l, C, M)
	gw := g.layer(l, C, M)
	in := p.residual(l - 1)

	torch.ResidualBackward(d.Residual2.data, d.FCProj.data, dout, N)
	if keep := p.keepMask(p.keys[1+l].Fold(siteMLP), cfg.ResidPdrop); keep != nil {
		torch.DropoutBackward(d.FCProj.data, d.FCProj.data, keep, cfg.ResidPdrop, N)
	}
	torch.MatmulBackward(d.FCHGelu.data, gw.fcprojw, gw.fcprojb, d.FCProj.data, a.FCHGelu.data, w.fcprojw, B, T, M, C)
	torch.GeluBackward(d.FCH.data, a.FCH.data, d.FCHGelu.data, B*T*M)
	torch.MatmulBackward(d.Ln2.data, gw.fcw, gw.fcb, d.FCH.data, a.Ln2.data, w.fcw, B, T, C, M)
	torch.LayernormBackward(d.Residual2.data, gw.ln2w, gw.ln2b, d.Ln2.data, a.Residual2.data, w.ln2w, a.Ln2Mean.data, a.Ln2Rstd.data, B, T, C)

	torch.ResidualBackward(din, d.AttProj.data, d.Residual2.data, N)
	if keep := p.keepMask(p.keys[1+l].Fold(siteAttn), cfg.ResidPdrop); keep != nil {
		torch.DropoutBackward(d.AttProj.data, d.AttProj.data, keep, cfg.ResidPdrop, N)
	}
	torch.MatmulBackward(d.Atty.data, gw.attprojw, gw.attprojb, d.AttProj.data, a.Atty.data, w.attprojw, B, T, C, C)
	torch.AttentionBackward(d.QKV.data, d.Atty.data, a.QKV.data, a.Att.data, B, T, C, NH)
	torch.MatmulBackward(d.Ln1.data, gw.qkvw, gw.qkvb, d.QKV.data, a.Ln1.data, w.qkvw, B, T, C, 3*C)
	torch.LayernormBackward(din, gw.ln1w, gw.ln1b, d.Ln1.data, in, w.ln1w, a.Ln1Mean.data, a.Ln1Rstd.data, B, T, C)
}

// residual returns the gradient slice matching p.residual(l).
func (a *activationTensors) residual(p *pass, l int) []float32 {
	if l < 0 {
		return a.Encoded.data
	}
	n := p.B * p.T * p.model.Config.HiddenDim
	return a.Residual3.data[l*n : (l+1)*n]
}

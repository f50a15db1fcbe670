// Package llama implements a LLaMA language model whose blocks can be skipped for
// late positions, and the LoRA transform that adapts the blocks that are kept.
//
// Models are immutable values. Loraize and MergeLora return new models that share
// every untouched block, projection and norm with their input.
package llama

import (
	"fmt"

	"github.com/conneroisu/splitgen/pkg/lm"
	"github.com/conneroisu/splitgen/pkg/named"
	"github.com/conneroisu/splitgen/pkg/prng"
	"github.com/conneroisu/splitgen/pkg/torch"
)

// Embeddings maps token ids to vectors.
type Embeddings struct {
	Vocab named.Axis
	// Table is (Vocab, HiddenDim).
	Table []float32
}

// Attention holds the projections of a self-attention layer.
type Attention struct {
	QProj, KProj, VProj, OProj Projection
}

// MLP is the SwiGLU feed-forward layer.
type MLP struct {
	GateProj, UpProj, DownProj Projection
}

// DecoderLayer is one transformer block.
type DecoderLayer struct {
	InputNorm    []float32
	SelfAttn     *Attention
	PostAttnNorm []float32
	MLP          *MLP
}

// Layers is the block stack.
type Layers struct {
	Blocks []*DecoderLayer
}

// Transformer wraps the block stack.
type Transformer struct {
	Layers Layers
}

// LMHeadModel is a split LLaMA causal language model.
type LMHeadModel struct {
	Config      SplitLlamaConfig
	Embeddings  *Embeddings
	Transformer *Transformer
	Norm        []float32
	LMHead      *Linear
}

var _ lm.LmHeadModel = (*LMHeadModel)(nil)

// Init builds a model over vocab from key. Weights are normal with standard
// deviation InitializerRange and norm scales start at one.
func Init(vocab named.Axis, cfg SplitLlamaConfig, key prng.Key) (*LMHeadModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if vocab.Size <= 0 {
		return nil, fmt.Errorf("%w: vocabulary must be non-empty", ErrInvalidConfig)
	}
	C, I, KV := cfg.HiddenDim, cfg.IntermediateDim, cfg.kvHeads()*cfg.headDim()
	std := cfg.InitializerRange
	keys := key.Split(cfg.NumLayers + 2)

	blocks := make([]*DecoderLayer, cfg.NumLayers)
	for i := range blocks {
		k := keys[i].Split(7)
		blocks[i] = &DecoderLayer{
			InputNorm: ones(C),
			SelfAttn: &Attention{
				QProj: newLinear(C, C, std, k[0]),
				KProj: newLinear(C, KV, std, k[1]),
				VProj: newLinear(C, KV, std, k[2]),
				OProj: newLinear(C, C, std, k[3]),
			},
			PostAttnNorm: ones(C),
			MLP: &MLP{
				GateProj: newLinear(C, I, std, k[4]),
				UpProj:   newLinear(C, I, std, k[5]),
				DownProj: newLinear(I, C, std, k[6]),
			},
		}
	}
	return &LMHeadModel{
		Config:      cfg,
		Embeddings:  &Embeddings{Vocab: vocab, Table: keys[cfg.NumLayers].Normal(vocab.Size*C, std)},
		Transformer: &Transformer{Layers: Layers{Blocks: blocks}},
		Norm:        ones(C),
		LMHead:      newLinear(C, vocab.Size, std, keys[cfg.NumLayers+1]),
	}, nil
}

func ones(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// Vocab returns the vocabulary axis.
func (m *LMHeadModel) Vocab() named.Axis {
	return m.Embeddings.Vocab
}

// Pos returns the position axis at its maximum length.
func (m *LMHeadModel) Pos() named.Axis {
	return m.Config.Pos()
}

// ComputeLogits implements lm.LmHeadModel. The model has no dropout, so key is unused.
func (m *LMHeadModel) ComputeLogits(tokens *named.Array[int32], mask lm.AttentionMask, _ prng.Key) (*named.Array[float32], error) {
	return m.Forward(tokens, mask)
}

// Forward maps token ids (..., position) to logits (..., position, vocab).
//
// Block i leaves every position p with SkipsPosition(i, p) unchanged; the other
// positions see the full block.
func (m *LMHeadModel) Forward(tokens *named.Array[int32], mask lm.AttentionMask) (*named.Array[float32], error) {
	cfg := m.Config
	n := len(tokens.Axes)
	if n == 0 || tokens.Axes[n-1].Name != cfg.Pos().Name || tokens.Axes[n-1].Size == 0 || tokens.Axes[n-1].Size > cfg.SeqLen {
		return nil, fmt.Errorf("%w: tokens %s must end with a %q axis of size 1 to %d", named.ErrShape,
			named.FormatAxes(tokens.Axes), cfg.Pos().Name, cfg.SeqLen)
	}
	V := m.Embeddings.Vocab.Size
	for _, id := range tokens.Data {
		if id < 0 || int(id) >= V {
			return nil, fmt.Errorf("%w: token id %d outside vocabulary of %d", named.ErrShape, id, V)
		}
	}
	T := tokens.Axes[n-1].Size
	B := tokens.Size() / T
	C := cfg.HiddenDim

	x := make([]float32, B*T*C)
	torch.EncoderForward(x, tokens.Data, m.Embeddings.Table, nil, B, T, C)
	s := newScratch(cfg, B, T)
	for i, blk := range m.Transformer.Layers.Blocks {
		blk.forward(x, s, cfg, B, T, mask, func(p int) bool { return !cfg.SkipsPosition(i, p) })
	}
	h := make([]float32, B*T*C)
	torch.RMSNormForward(h, x, m.Norm, B*T, C, cfg.NormEps)
	logits := make([]float32, B*T*V)
	m.LMHead.Forward(logits, h, B*T)
	return named.New(logits, append(append([]named.Axis(nil), tokens.Axes...), m.Embeddings.Vocab)...)
}

// scratch holds the per-block buffers of one forward pass.
type scratch struct {
	h, q, att, o []float32
	k, v         []float32
	gate, up     []float32
}

func newScratch(cfg SplitLlamaConfig, B, T int) *scratch {
	N, C, KV, I := B*T, cfg.HiddenDim, cfg.kvHeads()*cfg.headDim(), cfg.IntermediateDim
	return &scratch{
		h:    make([]float32, N*C),
		q:    make([]float32, N*C),
		att:  make([]float32, N*C),
		o:    make([]float32, N*C),
		k:    make([]float32, N*KV),
		v:    make([]float32, N*KV),
		gate: make([]float32, N*I),
		up:   make([]float32, N*I),
	}
}

// forward updates the residual stream x (B, T, C) in place. Rows whose position
// fails apply keep their value.
func (l *DecoderLayer) forward(x []float32, s *scratch, cfg SplitLlamaConfig, B, T int, mask lm.AttentionMask, apply func(p int) bool) {
	N, C, NH, NKV, HS := B*T, cfg.HiddenDim, cfg.NumHeads, cfg.kvHeads(), cfg.headDim()

	torch.RMSNormForward(s.h, x, l.InputNorm, N, C, cfg.NormEps)
	l.SelfAttn.QProj.Forward(s.q, s.h, N)
	l.SelfAttn.KProj.Forward(s.k, s.h, N)
	l.SelfAttn.VProj.Forward(s.v, s.h, N)
	torch.RopeForward(s.q, B, T, NH, HS, cfg.RopeTheta)
	torch.RopeForward(s.k, B, T, NKV, HS, cfg.RopeTheta)
	torch.GroupedAttentionForward(s.att, s.q, s.k, s.v, B, T, NH, NKV, HS, mask.Allows)
	l.SelfAttn.OProj.Forward(s.o, s.att, N)
	addRows(x, s.o, B, T, C, apply)

	torch.RMSNormForward(s.h, x, l.PostAttnNorm, N, C, cfg.NormEps)
	l.MLP.GateProj.Forward(s.gate, s.h, N)
	l.MLP.UpProj.Forward(s.up, s.h, N)
	torch.SwiGLUForward(s.gate, s.gate, s.up, N*cfg.IntermediateDim)
	l.MLP.DownProj.Forward(s.o, s.gate, N)
	addRows(x, s.o, B, T, C, apply)
}

// addRows adds delta to x for every position that apply accepts.
func addRows(x, delta []float32, B, T, C int, apply func(p int) bool) {
	for t := 0; t < T; t++ {
		if !apply(t) {
			continue
		}
		for b := 0; b < B; b++ {
			r := (b*T + t) * C
			torch.ResidualForward(x[r:r+C], x[r:r+C], delta[r:r+C], C)
		}
	}
}

// ParameterCount counts every scalar in m. Shared tensors are counted once per use.
func (m *LMHeadModel) ParameterCount() int {
	n := len(m.Embeddings.Table) + len(m.Norm) + m.LMHead.ParameterCount()
	for _, blk := range m.Transformer.Layers.Blocks {
		n += len(blk.InputNorm) + len(blk.PostAttnNorm)
		for _, p := range blk.projections() {
			n += p.ParameterCount()
		}
	}
	return n
}

// TrainableParameterCount counts the LoRA adapter scalars, or every scalar when m has
// no adapters.
func (m *LMHeadModel) TrainableParameterCount() int {
	n := 0
	for _, blk := range m.Transformer.Layers.Blocks {
		for _, p := range blk.projections() {
			if p.Kind() == KindLora {
				n += p.(*SplitLoraLinear).TrainableCount()
			}
		}
	}
	if n == 0 {
		return m.ParameterCount()
	}
	return n
}

func (l *DecoderLayer) projections() []Projection {
	return []Projection{
		l.SelfAttn.QProj, l.SelfAttn.KProj, l.SelfAttn.VProj, l.SelfAttn.OProj,
		l.MLP.GateProj, l.MLP.UpProj, l.MLP.DownProj,
	}
}

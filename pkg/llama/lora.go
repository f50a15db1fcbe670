package llama

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/conneroisu/splitgen/pkg/prng"
)

// Loraize returns a copy of m in which the query, key and value projections of every
// block outside c.SkipIndices are wrapped in a SplitLoraLinear. Skipped blocks, the
// remaining projections, norms and embeddings are shared with m, which stays valid.
//
// The returned model routes with c. Identical keys give identical adapters.
func (c SplitLlamaConfig) Loraize(m *LMHeadModel, key prng.Key) (*LMHeadModel, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if !c.sameArchitecture(m.Config) || len(m.Transformer.Layers.Blocks) != c.NumLayers {
		return nil, fmt.Errorf("%w: config does not match the model architecture", ErrInvalidConfig)
	}
	scale := c.loraScale()
	keys := key.Split(c.NumLayers)
	blocks := make([]*DecoderLayer, c.NumLayers)
	for i, blk := range m.Transformer.Layers.Blocks {
		if c.IsSkipped(i) {
			blocks[i] = blk
			continue
		}
		k := keys[i].Split(3)
		attn := *blk.SelfAttn
		var err error
		if attn.QProj, err = wrapLora(attn.QProj, c.LoraRank, scale, k[0]); err != nil {
			return nil, fmt.Errorf("block %d query: %w", i, err)
		}
		if attn.KProj, err = wrapLora(attn.KProj, c.LoraRank, scale, k[1]); err != nil {
			return nil, fmt.Errorf("block %d key: %w", i, err)
		}
		if attn.VProj, err = wrapLora(attn.VProj, c.LoraRank, scale, k[2]); err != nil {
			return nil, fmt.Errorf("block %d value: %w", i, err)
		}
		adapted := *blk
		adapted.SelfAttn = &attn
		blocks[i] = &adapted
	}
	out := *m
	out.Config = c
	out.Transformer = &Transformer{Layers: Layers{Blocks: blocks}}
	log.Debug("loraized model", "skipped", c.SkipIndices, "rank", c.LoraRank, "trainable", out.TrainableParameterCount())
	return &out, nil
}

func wrapLora(p Projection, rank int, scale float32, key prng.Key) (Projection, error) {
	switch p.Kind() {
	case KindLinear:
		return newSplitLoraLinear(p.(*Linear), rank, scale, key), nil
	default:
		return nil, fmt.Errorf("cannot adapt a %s projection", p.Kind())
	}
}

// MergeLora returns a copy of m with every adapter folded into a plain Linear.
// Blocks without adapters are shared.
func MergeLora(m *LMHeadModel) *LMHeadModel {
	blocks := make([]*DecoderLayer, len(m.Transformer.Layers.Blocks))
	for i, blk := range m.Transformer.Layers.Blocks {
		attn := *blk.SelfAttn
		changed := false
		for _, p := range []*Projection{&attn.QProj, &attn.KProj, &attn.VProj, &attn.OProj} {
			if (*p).Kind() == KindLora {
				*p = (*p).(*SplitLoraLinear).Merge()
				changed = true
			}
		}
		if !changed {
			blocks[i] = blk
			continue
		}
		merged := *blk
		merged.SelfAttn = &attn
		blocks[i] = &merged
	}
	out := *m
	out.Transformer = &Transformer{Layers: Layers{Blocks: blocks}}
	return &out
}

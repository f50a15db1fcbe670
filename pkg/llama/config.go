package llama

import (
	"errors"
	"fmt"
	"slices"

	"github.com/conneroisu/splitgen/pkg/named"
)

// ErrInvalidConfig is returned for configurations that cannot describe a model.
var ErrInvalidConfig = errors.New("invalid split llama config")

// SplitLlamaConfig describes a LLaMA model whose designated blocks stop applying to
// positions past a threshold, plus the LoRA adapters placed on the other blocks.
type SplitLlamaConfig struct {
	SeqLen          int `yaml:"seq_len"`
	HiddenDim       int `yaml:"hidden_dim"`
	IntermediateDim int `yaml:"intermediate_dim"`
	NumLayers       int `yaml:"num_layers"`
	NumHeads        int `yaml:"num_heads"`
	// NumKVHeads is the number of key/value heads; zero means NumHeads.
	NumKVHeads       int     `yaml:"num_kv_heads"`
	RopeTheta        float64 `yaml:"rope_theta"`
	NormEps          float32 `yaml:"layer_norm_epsilon"`
	InitializerRange float32 `yaml:"initializer_range"`

	// SkipIndices are the blocks that leave positions past SkipAfterKTokens untouched.
	SkipIndices      []int `yaml:"skip_indices"`
	SkipAfterKTokens int   `yaml:"skip_after_k_tokens"`

	LoraRank  int     `yaml:"lora_rank"`
	LoraAlpha float32 `yaml:"lora_alpha"`
}

// DefaultSplitLlamaConfig returns a small model with no skip blocks.
func DefaultSplitLlamaConfig() SplitLlamaConfig {
	return SplitLlamaConfig{
		SeqLen:           2048,
		HiddenDim:        512,
		IntermediateDim:  1376,
		NumLayers:        8,
		NumHeads:         8,
		RopeTheta:        10000,
		NormEps:          1e-6,
		InitializerRange: 0.02,
		SkipAfterKTokens: 1024,
		LoraRank:         8,
		LoraAlpha:        8,
	}
}

// Validate reports whether c describes a buildable model.
func (c SplitLlamaConfig) Validate() error {
	switch {
	case c.SeqLen <= 0 || c.HiddenDim <= 0 || c.IntermediateDim <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0:
		return fmt.Errorf("%w: seq_len, hidden_dim, intermediate_dim, num_layers and num_heads must be positive", ErrInvalidConfig)
	case c.HiddenDim%c.NumHeads != 0:
		return fmt.Errorf("%w: hidden_dim %d is not divisible by num_heads %d", ErrInvalidConfig, c.HiddenDim, c.NumHeads)
	case (c.HiddenDim/c.NumHeads)%2 != 0:
		return fmt.Errorf("%w: head size %d must be even for rotary embeddings", ErrInvalidConfig, c.HiddenDim/c.NumHeads)
	case c.NumKVHeads < 0 || c.NumHeads%c.kvHeads() != 0:
		return fmt.Errorf("%w: num_kv_heads %d must divide num_heads %d", ErrInvalidConfig, c.NumKVHeads, c.NumHeads)
	case c.LoraRank <= 0:
		return fmt.Errorf("%w: lora_rank must be positive, got %d", ErrInvalidConfig, c.LoraRank)
	case c.SkipAfterKTokens < 0:
		return fmt.Errorf("%w: skip_after_k_tokens must not be negative", ErrInvalidConfig)
	}
	seen := make(map[int]bool, len(c.SkipIndices))
	for _, i := range c.SkipIndices {
		if i < 0 || i >= c.NumLayers {
			return fmt.Errorf("%w: skip index %d outside [0, %d)", ErrInvalidConfig, i, c.NumLayers)
		}
		if seen[i] {
			return fmt.Errorf("%w: duplicate skip index %d", ErrInvalidConfig, i)
		}
		seen[i] = true
	}
	return nil
}

// Pos is the position axis.
func (c SplitLlamaConfig) Pos() named.Axis {
	return named.Axis{Name: "position", Size: c.SeqLen}
}

// Layers is the layer axis.
func (c SplitLlamaConfig) Layers() named.Axis {
	return named.Axis{Name: "layers", Size: c.NumLayers}
}

// IsSkipped reports whether block i is a skip block.
func (c SplitLlamaConfig) IsSkipped(i int) bool {
	return slices.Contains(c.SkipIndices, i)
}

// SkipsPosition reports whether block i leaves position p unchanged. A position is
// skipped once more than SkipAfterKTokens tokens precede it.
func (c SplitLlamaConfig) SkipsPosition(i, p int) bool {
	return p > c.SkipAfterKTokens && c.IsSkipped(i)
}

func (c SplitLlamaConfig) kvHeads() int {
	if c.NumKVHeads == 0 {
		return c.NumHeads
	}
	return c.NumKVHeads
}

func (c SplitLlamaConfig) headDim() int {
	return c.HiddenDim / c.NumHeads
}

func (c SplitLlamaConfig) loraScale() float32 {
	alpha := c.LoraAlpha
	if alpha == 0 {
		alpha = float32(c.LoraRank)
	}
	return alpha / float32(c.LoraRank)
}

// sameArchitecture reports whether models built from c and o have the same shapes.
func (c SplitLlamaConfig) sameArchitecture(o SplitLlamaConfig) bool {
	return c.SeqLen == o.SeqLen && c.HiddenDim == o.HiddenDim && c.IntermediateDim == o.IntermediateDim &&
		c.NumLayers == o.NumLayers && c.NumHeads == o.NumHeads && c.kvHeads() == o.kvHeads()
}

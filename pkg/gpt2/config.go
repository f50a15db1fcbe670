package gpt2

import (
	"errors"
	"fmt"

	"github.com/conneroisu/splitgen/pkg/named"
)

// ErrInvalidConfig is returned for configurations that cannot describe a model.
var ErrInvalidConfig = errors.New("invalid gpt2 config")

// Config is a configuration struct for the GPT-2 model.
type Config struct {
	// SeqLen is the maximum sequence length, and the size of the position embedding.
	SeqLen int `yaml:"seq_len"`
	// HiddenDim is the width of the residual stream.
	HiddenDim int `yaml:"hidden_dim"`
	// NumLayers is the number of transformer blocks.
	NumLayers int `yaml:"num_layers"`
	// NumHeads is the number of attention heads in each block.
	NumHeads int `yaml:"num_heads"`
	// MLPScale is the ratio of the feed-forward width to HiddenDim.
	MLPScale int `yaml:"mlp_scale"`
	// InitializerRange is the standard deviation of the weight initializer.
	InitializerRange float32 `yaml:"initializer_range"`
	// LayerNormEpsilon is the variance floor of every layer norm.
	LayerNormEpsilon float32 `yaml:"layer_norm_epsilon"`
	// EmbedPdrop is the dropout probability applied to the embeddings.
	EmbedPdrop float32 `yaml:"embed_pdrop"`
	// ResidPdrop is the dropout probability applied to each residual branch.
	ResidPdrop float32 `yaml:"resid_pdrop"`
	// GradientCheckpointing recomputes block activations during the backward pass
	// instead of keeping them.
	GradientCheckpointing bool `yaml:"gradient_checkpointing"`
}

// DefaultConfig returns the GPT-2 small architecture.
func DefaultConfig() Config {
	return Config{
		SeqLen:                1024,
		HiddenDim:             768,
		NumLayers:             12,
		NumHeads:              12,
		MLPScale:              4,
		InitializerRange:      0.02,
		LayerNormEpsilon:      1e-5,
		GradientCheckpointing: true,
	}
}

// Validate reports whether the configuration describes a buildable model.
func (c Config) Validate() error {
	switch {
	case c.SeqLen <= 0:
		return fmt.Errorf("%w: seq_len must be positive, got %d", ErrInvalidConfig, c.SeqLen)
	case c.HiddenDim <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0 || c.MLPScale <= 0:
		return fmt.Errorf("%w: hidden_dim, num_layers, num_heads and mlp_scale must be positive", ErrInvalidConfig)
	case c.HiddenDim%c.NumHeads != 0:
		return fmt.Errorf("%w: hidden_dim %d is not divisible by num_heads %d", ErrInvalidConfig, c.HiddenDim, c.NumHeads)
	case c.EmbedPdrop < 0 || c.EmbedPdrop >= 1 || c.ResidPdrop < 0 || c.ResidPdrop >= 1:
		return fmt.Errorf("%w: dropout probabilities must be in [0, 1)", ErrInvalidConfig)
	}
	return nil
}

// Pos is the position axis.
func (c Config) Pos() named.Axis {
	return named.Axis{Name: "position", Size: c.SeqLen}
}

// Layers is the layer axis.
func (c Config) Layers() named.Axis {
	return named.Axis{Name: "layers", Size: c.NumLayers}
}

// Embed is the residual stream axis.
func (c Config) Embed() named.Axis {
	return named.Axis{Name: "embed", Size: c.HiddenDim}
}

func (c Config) mlpDim() int {
	return c.MLPScale * c.HiddenDim
}

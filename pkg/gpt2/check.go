package gpt2

import (
	"github.com/conneroisu/splitgen/pkg/lm"
	"github.com/conneroisu/splitgen/pkg/prng"
	"github.com/conneroisu/splitgen/pkg/torch"
)

// CheckpointReport compares a model run with and without gradient checkpointing.
type CheckpointReport struct {
	Loss             float32
	CheckpointedLoss float32
	MaxLogitDiff     float32
	MaxGradDiff      float32
}

// Within reports whether every difference, the loss included, is at most tolerance.
func (r CheckpointReport) Within(tolerance float32) bool {
	return r.MaxLogitDiff <= tolerance &&
		r.MaxGradDiff <= tolerance &&
		torch.Abs(r.Loss-r.CheckpointedLoss) <= tolerance
}

// CompareCheckpointing runs ex through m twice, once per checkpointing mode, with the
// same key and reports the largest differences.
func CompareCheckpointing(m *LMHeadModel, ex lm.Example, key prng.Key) (CheckpointReport, error) {
	var r CheckpointReport
	plain, ckpt := m.WithGradientCheckpointing(false), m.WithGradientCheckpointing(true)

	a, err := plain.Forward(ex.Tokens, key)
	if err != nil {
		return r, err
	}
	b, err := ckpt.Forward(ex.Tokens, key)
	if err != nil {
		return r, err
	}
	r.MaxLogitDiff = maxAbsDiff(a.Data, b.Data)

	var ga, gb *ParameterTensors
	if r.Loss, ga, err = plain.ValueAndGrad(ex, key); err != nil {
		return r, err
	}
	if r.CheckpointedLoss, gb, err = ckpt.ValueAndGrad(ex, key); err != nil {
		return r, err
	}
	r.MaxGradDiff = maxAbsDiff(ga.Memory, gb.Memory)
	return r, nil
}

func maxAbsDiff(a, b []float32) float32 {
	var d float32
	for i := range a {
		d = max(d, torch.Abs(a[i]-b[i]))
	}
	return d
}

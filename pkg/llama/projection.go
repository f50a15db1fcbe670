package llama

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/conneroisu/splitgen/pkg/prng"
	"github.com/conneroisu/splitgen/pkg/torch"
)

// Kind tags the concrete variant behind a Projection.
type Kind int

const (
	KindLinear Kind = iota
	KindLora
)

func (k Kind) String() string {
	switch k {
	case KindLinear:
		return "linear"
	case KindLora:
		return "lora"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Projection is anything that behaves as a linear map from InFeatures to OutFeatures.
type Projection interface {
	// Forward maps n rows of in (n, InFeatures) into out (n, OutFeatures).
	Forward(out, in []float32, n int)
	InFeatures() int
	OutFeatures() int
	Kind() Kind
	// ParameterCount counts every scalar the projection reads, frozen or not.
	ParameterCount() int
}

// Linear is a dense projection without bias.
type Linear struct {
	In, Out int
	// Weight is (Out, In), one row per output feature.
	Weight []float32
}

func newLinear(in, out int, std float32, key prng.Key) *Linear {
	return &Linear{In: in, Out: out, Weight: key.Normal(in*out, std)}
}

func (l *Linear) Forward(out, in []float32, n int) {
	torch.MatmulForward(out, in, l.Weight, nil, 1, n, l.In, l.Out)
}

func (l *Linear) InFeatures() int     { return l.In }
func (l *Linear) OutFeatures() int    { return l.Out }
func (l *Linear) Kind() Kind          { return KindLinear }
func (l *Linear) ParameterCount() int { return len(l.Weight) }

// SplitLoraLinear adds a scaled low-rank update to a frozen Linear:
// out = Wrapped(x) + Scale * B(A(x)).
type SplitLoraLinear struct {
	// Wrapped is shared with the model the adapter was built from.
	Wrapped *Linear
	Rank    int
	Scale   float32
	A       []float32 // (Rank, In)
	B       []float32 // (Out, Rank)
}

// newSplitLoraLinear wraps base with A drawn from normal(0, 1/sqrt(In)) and B zeroed,
// so the adapter starts as a no-op.
func newSplitLoraLinear(base *Linear, rank int, scale float32, key prng.Key) *SplitLoraLinear {
	return &SplitLoraLinear{
		Wrapped: base,
		Rank:    rank,
		Scale:   scale,
		A:       key.Normal(rank*base.In, float32(1/math.Sqrt(float64(base.In)))),
		B:       make([]float32, base.Out*rank),
	}
}

func (l *SplitLoraLinear) Forward(out, in []float32, n int) {
	l.Wrapped.Forward(out, in, n)
	low := make([]float32, n*l.Rank)
	torch.MatmulForward(low, in, l.A, nil, 1, n, l.Wrapped.In, l.Rank)
	torch.MatmulAccumulate(out, low, l.B, n, l.Rank, l.Wrapped.Out, l.Scale)
}

func (l *SplitLoraLinear) InFeatures() int  { return l.Wrapped.In }
func (l *SplitLoraLinear) OutFeatures() int { return l.Wrapped.Out }
func (l *SplitLoraLinear) Kind() Kind       { return KindLora }

func (l *SplitLoraLinear) ParameterCount() int {
	return l.Wrapped.ParameterCount() + l.TrainableCount()
}

// TrainableCount counts the adapter scalars.
func (l *SplitLoraLinear) TrainableCount() int {
	return len(l.A) + len(l.B)
}

// Merge returns a new Linear with weight W + Scale * B·A.
func (l *SplitLoraLinear) Merge() *Linear {
	w := l.Wrapped
	merged := &Linear{In: w.In, Out: w.Out, Weight: append([]float32(nil), w.Weight...)}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, l.Scale,
		blas32.General{Rows: w.Out, Cols: l.Rank, Stride: l.Rank, Data: l.B},
		blas32.General{Rows: l.Rank, Cols: w.In, Stride: w.In, Data: l.A},
		1,
		blas32.General{Rows: w.Out, Cols: w.In, Stride: w.In, Data: merged.Weight},
	)
	return merged
}

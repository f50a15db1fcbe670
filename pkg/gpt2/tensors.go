package gpt2

// tensor is a wrapper around a slice of float32 values and a list of dimensions.
type tensor struct {
	data []float32
	dims []int
}

// newTensor carves a tensor with the given dimensions off the front of data and
// returns it with the number of elements consumed.
func newTensor(data []float32, dims ...int) (tensor, int) {
	s := 1
	for _, d := range dims {
		s *= d
	}
	if s > len(data) {
		panic("gpt2: dimensions larger than supplied data")
	}
	return tensor{data: data[:s], dims: dims}, s
}

// carve lays out tensors back to back in one allocation.
func carve(dst []*tensor, shapes [][]int) []float32 {
	total := 0
	for _, dims := range shapes {
		n := 1
		for _, d := range dims {
			n *= d
		}
		total += n
	}
	memory := make([]float32, total)
	rest := memory
	for i, dims := range shapes {
		var n int
		*dst[i], n = newTensor(rest, dims...)
		rest = rest[n:]
	}
	return memory
}

// ParameterTensors are the parameters of the model. The same layout holds gradients.
type ParameterTensors struct {
	Memory        []float32
	WordTokEmbed  tensor // (V, C) token embedding, tied to the output projection
	WordPosEmbed  tensor // (maxT, C) position embedding
	LayerNorm1W   tensor // (L, C)
	LayerNorm1B   tensor // (L, C)
	QueryKeyValW  tensor // (L, 3*C, C)
	QueryKeyValB  tensor // (L, 3*C)
	AttProjW      tensor // (L, C, C)
	AttProjB      tensor // (L, C)
	Layer2NormW   tensor // (L, C)
	Layer2NormB   tensor // (L, C)
	FeedFwdW      tensor // (L, M, C)
	FeedFwdB      tensor // (L, M)
	FeedFwdProjW  tensor // (L, C, M)
	FeedFwdProjB  tensor // (L, C)
	LayerFinNormW tensor // (C)
	LayerFinNormB tensor // (C)
}

// Init allocates zeroed parameters for vocabulary V, width C, maximum sequence length
// maxT, L layers and feed-forward width M.
func (p *ParameterTensors) Init(V, C, maxT, L, M int) {
	p.Memory = carve(
		[]*tensor{
			&p.WordTokEmbed, &p.WordPosEmbed,
			&p.LayerNorm1W, &p.LayerNorm1B, &p.QueryKeyValW, &p.QueryKeyValB,
			&p.AttProjW, &p.AttProjB, &p.Layer2NormW, &p.Layer2NormB,
			&p.FeedFwdW, &p.FeedFwdB, &p.FeedFwdProjW, &p.FeedFwdProjB,
			&p.LayerFinNormW, &p.LayerFinNormB,
		},
		[][]int{
			{V, C}, {maxT, C},
			{L, C}, {L, C}, {L, 3 * C, C}, {L, 3 * C},
			{L, C, C}, {L, C}, {L, C}, {L, C},
			{L, M, C}, {L, M}, {L, C, M}, {L, C},
			{C}, {C},
		},
	)
}

// Len returns the number of scalars.
func (p *ParameterTensors) Len() int {
	return len(p.Memory)
}

// layerParams are the per-block slices of a ParameterTensors.
type layerParams struct {
	ln1w, ln1b, qkvw, qkvb []float32
	attprojw, attprojb     []float32
	ln2w, ln2b, fcw, fcb   []float32
	fcprojw, fcprojb       []float32
}

func slab(t tensor, l, n int) []float32 {
	return t.data[l*n : (l+1)*n]
}

func (p *ParameterTensors) layer(l, C, M int) layerParams {
	return layerParams{
		ln1w:     slab(p.LayerNorm1W, l, C),
		ln1b:     slab(p.LayerNorm1B, l, C),
		qkvw:     slab(p.QueryKeyValW, l, 3*C*C),
		qkvb:     slab(p.QueryKeyValB, l, 3*C),
		attprojw: slab(p.AttProjW, l, C*C),
		attprojb: slab(p.AttProjB, l, C),
		ln2w:     slab(p.Layer2NormW, l, C),
		ln2b:     slab(p.Layer2NormB, l, C),
		fcw:      slab(p.FeedFwdW, l, M*C),
		fcb:      slab(p.FeedFwdB, l, M),
		fcprojw:  slab(p.FeedFwdProjW, l, C*M),
		fcprojb:  slab(p.FeedFwdProjB, l, C),
	}
}

// blockActivations are the intermediate values of one transformer block. The same
// layout doubles as the gradient scratch space of a block.
type blockActivations struct {
	Memory    []float32
	Ln1       tensor // (B, T, C) block input after layer norm 1
	Ln1Mean   tensor // (B, T)
	Ln1Rstd   tensor // (B, T)
	QKV       tensor // (B, T, 3*C) packed query, key, value
	Atty      tensor // (B, T, C) attention output before projection
	PreAtt    tensor // (B, NH, T, T) unnormalized scores
	Att       tensor // (B, NH, T, T) attention weights
	AttProj   tensor // (B, T, C) projected attention, after dropout
	Residual2 tensor // (B, T, C) input + attention branch
	Ln2       tensor // (B, T, C)
	Ln2Mean   tensor // (B, T)
	Ln2Rstd   tensor // (B, T)
	FCH       tensor // (B, T, M) feed-forward pre-activation
	FCHGelu   tensor // (B, T, M)
	FCProj    tensor // (B, T, C) feed-forward output, after dropout
}

func (a *blockActivations) Init(B, T, C, NH, M int) {
	a.Memory = carve(
		[]*tensor{
			&a.Ln1, &a.Ln1Mean, &a.Ln1Rstd, &a.QKV, &a.Atty, &a.PreAtt, &a.Att,
			&a.AttProj, &a.Residual2, &a.Ln2, &a.Ln2Mean, &a.Ln2Rstd,
			&a.FCH, &a.FCHGelu, &a.FCProj,
		},
		[][]int{
			{B, T, C}, {B, T}, {B, T}, {B, T, 3 * C}, {B, T, C}, {B, NH, T, T}, {B, NH, T, T},
			{B, T, C}, {B, T, C}, {B, T, C}, {B, T}, {B, T},
			{B, T, M}, {B, T, M}, {B, T, C},
		},
	)
}

func (a *blockActivations) zero() {
	clear(a.Memory)
}

// activationTensors hold everything one pass over a batch needs.
//
// Residual3 keeps the output of every block. With gradient checkpointing these are the
// only per-layer values retained, and Blocks holds a single reusable entry.
type activationTensors struct {
	Encoded   tensor // (B, T, C)
	Residual3 tensor // (L, B, T, C)
	LnF       tensor // (B, T, C)
	LnFMean   tensor // (B, T)
	LnFRstd   tensor // (B, T)
	Logits    tensor // (B, T, V)
	Blocks    []blockActivations
}

func (a *activationTensors) Init(B, T, C, L, NH, M, V, blocks int) {
	carve(
		[]*tensor{&a.Encoded, &a.Residual3, &a.LnF, &a.LnFMean, &a.LnFRstd, &a.Logits},
		[][]int{{B, T, C}, {L, B, T, C}, {B, T, C}, {B, T}, {B, T}, {B, T, V}},
	)
	a.Blocks = make([]blockActivations, blocks)
	for i := range a.Blocks {
		a.Blocks[i].Init(B, T, C, NH, M)
	}
}

package data

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/conneroisu/splitgen/pkg/lm"
	"github.com/conneroisu/splitgen/pkg/named"
)

const Int32ByteLen = 4

// TokenSeqDataset cuts a token stream into non-overlapping windows of seqLen tokens,
// each a causal language modeling example.
type TokenSeqDataset struct {
	seqLen int
	curPos int
	data   []int32
}

// NewTokenSeqDataset returns a dataset over tokens. At least one full window is required.
func NewTokenSeqDataset(tokens []int32, seqLen int) (*TokenSeqDataset, error) {
	if seqLen <= 0 {
		return nil, fmt.Errorf("sequence length must be positive, got %d", seqLen)
	}
	if len(tokens) < seqLen {
		return nil, fmt.Errorf("%d tokens are too few for sequence length %d", len(tokens), seqLen)
	}
	return &TokenSeqDataset{seqLen: seqLen, data: tokens}, nil
}

// OpenTokenSeqDataset reads a file of little-endian int32 tokens.
func OpenTokenSeqDataset(filename string, seqLen int) (*TokenSeqDataset, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	if len(raw)%Int32ByteLen != 0 {
		return nil, fmt.Errorf("%s: size %d is not a multiple of %d", filename, len(raw), Int32ByteLen)
	}
	tokens := make([]int32, len(raw)/Int32ByteLen)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, tokens); err != nil {
		return nil, err
	}
	return NewTokenSeqDataset(tokens, seqLen)
}

// Pos is the position axis of every example.
func (d *TokenSeqDataset) Pos() named.Axis {
	return named.Axis{Name: "position", Size: d.seqLen}
}

// Len returns the number of windows.
func (d *TokenSeqDataset) Len() int {
	return len(d.data) / d.seqLen
}

// Tokens returns the underlying token stream.
func (d *TokenSeqDataset) Tokens() []int32 {
	return d.data
}

// Get returns window i.
func (d *TokenSeqDataset) Get(i int) (lm.Example, error) {
	if i < 0 || i >= d.Len() {
		return lm.Example{}, fmt.Errorf("window %d out of range [0, %d)", i, d.Len())
	}
	window := append([]int32(nil), d.data[i*d.seqLen:(i+1)*d.seqLen]...)
	tokens, err := named.New(window, d.Pos())
	if err != nil {
		return lm.Example{}, err
	}
	return lm.CausalExample(tokens, d.Pos(), nil)
}

// Reset moves back to the first window.
func (d *TokenSeqDataset) Reset() {
	d.curPos = 0
}

// NextBatch stacks the next batch.Size windows, wrapping to the start when the
// stream runs out.
func (d *TokenSeqDataset) NextBatch(batch named.Axis) (lm.Example, error) {
	examples := make([]lm.Example, batch.Size)
	for i := range examples {
		if d.curPos >= d.Len() {
			d.Reset()
		}
		ex, err := d.Get(d.curPos)
		if err != nil {
			return lm.Example{}, err
		}
		examples[i] = ex
		d.curPos++
	}
	return lm.StackExamples(batch, examples)
}

// Package text turns raw documents into token encodings in batches.
package text

// Offset is the byte range [Start, End) of the input that produced a token.
type Offset struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Encoding is the tokenization of one string. Its fields run in parallel.
type Encoding struct {
	InputIDs      []int32  `json:"input_ids"`
	Offsets       []Offset `json:"offsets"`
	AttentionMask []int32  `json:"attention_mask"`
}

// Len returns the number of tokens.
func (e Encoding) Len() int {
	return len(e.InputIDs)
}

// Append adds the tokens of o, whose offsets are relative to shift, to e.
func (e *Encoding) Append(o Encoding, shift int) {
	e.InputIDs = append(e.InputIDs, o.InputIDs...)
	for _, off := range o.Offsets {
		e.Offsets = append(e.Offsets, Offset{Start: off.Start + shift, End: off.End + shift})
	}
	e.AttentionMask = append(e.AttentionMask, o.AttentionMask...)
}

// Tokenizer encodes a single string.
type Tokenizer interface {
	Encode(s string) (Encoding, error)
}

// SafeLengthLimiter is implemented by tokenizers that misbehave on inputs longer than
// MaxSafeLength bytes. Zero means there is no limit.
type SafeLengthLimiter interface {
	MaxSafeLength() int
}

// Fingerprinter is implemented by tokenizers that can identify their behavior with a
// hash, so encodings they produced can be cached and reused.
type Fingerprinter interface {
	Fingerprint() uint64
}

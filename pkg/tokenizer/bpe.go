package tokenizer

import (
	"cmp"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/conneroisu/splitgen/pkg/text"
)

// GPT2Pretokenizer splits text into the pieces GPT-2 merges within.
const GPT2Pretokenizer = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// ErrUnknownToken is returned when a byte sequence has no id in the vocabulary.
var ErrUnknownToken = errors.New("token not in vocabulary")

// BytePairEncoding is a byte-level BPE tokenizer. It is safe for concurrent use.
type BytePairEncoding struct {
	vocab         *Vocabulary
	pretokenizer  *regexp2.Regexp
	maxSafeLength int
}

var (
	_ text.Tokenizer         = (*BytePairEncoding)(nil)
	_ text.SafeLengthLimiter = (*BytePairEncoding)(nil)
	_ text.Fingerprinter     = (*BytePairEncoding)(nil)
)

// NewBytePairEncoding returns a tokenizer over vocab. An empty pretokenizer selects
// GPT2Pretokenizer.
func NewBytePairEncoding(vocab *Vocabulary, pretokenizer string) (*BytePairEncoding, error) {
	if pretokenizer == "" {
		pretokenizer = GPT2Pretokenizer
	}
	re, err := regexp2.Compile(pretokenizer, regexp2.RE2)
	if err != nil {
		return nil, fmt.Errorf("compiling pretokenizer: %w", err)
	}
	return &BytePairEncoding{vocab: vocab, pretokenizer: re}, nil
}

// Vocabulary returns the underlying vocabulary.
func (bpe *BytePairEncoding) Vocabulary() *Vocabulary {
	return bpe.vocab
}

// VocabSize returns the number of ids.
func (bpe *BytePairEncoding) VocabSize() int {
	return len(bpe.vocab.Values)
}

// MaxSafeLength is the longest input in bytes the tokenizer handles, or 0 for no limit.
func (bpe *BytePairEncoding) MaxSafeLength() int {
	return bpe.maxSafeLength
}

// WithMaxSafeLength returns a copy of bpe that reports n as its safe length.
func (bpe *BytePairEncoding) WithMaxSafeLength(n int) *BytePairEncoding {
	c := *bpe
	c.maxSafeLength = n
	return &c
}

// Fingerprint hashes the pretokenizer and the vocabulary, its merges and special
// tokens. Tokenizers with equal fingerprints encode every input the same way.
func (bpe *BytePairEncoding) Fingerprint() uint64 {
	h := xxhash.New()
	for _, section := range [][]string{{bpe.pretokenizer.String()}, bpe.vocab.Values, bpe.vocab.Merges, bpe.vocab.Special} {
		_, _ = fmt.Fprintf(h, "%d;", len(section))
		for _, s := range section {
			_, _ = h.WriteString(s)
			_, _ = h.Write([]byte{0})
		}
	}
	return h.Sum64()
}

// TokenID returns the id of a raw token, special or not.
func (bpe *BytePairEncoding) TokenID(s string) (int32, bool) {
	if _, n := bpe.vocab.specials().Match(s); n == len(s) && n > 0 {
		id := bpe.vocab.Encode(s)
		return id, id >= 0
	}
	id := bpe.vocab.Encode(byteLevel(s))
	return id, id >= 0
}

// Encode tokenizes s. Every token carries the byte range of s it came from.
func (bpe *BytePairEncoding) Encode(s string) (text.Encoding, error) {
	var enc text.Encoding
	special := bpe.vocab.specials()
	start := 0
	for i := 0; i < len(s); {
		id, n := special.Match(s[i:])
		if n == 0 {
			i++
			continue
		}
		if err := bpe.encodeOrdinary(&enc, s[start:i], start); err != nil {
			return text.Encoding{}, err
		}
		appendToken(&enc, id, i, i+n)
		i += n
		start = i
	}
	if err := bpe.encodeOrdinary(&enc, s[start:], start); err != nil {
		return text.Encoding{}, err
	}
	return enc, nil
}

func appendToken(enc *text.Encoding, id int32, start, end int) {
	enc.InputIDs = append(enc.InputIDs, id)
	enc.Offsets = append(enc.Offsets, text.Offset{Start: start, End: end})
	enc.AttentionMask = append(enc.AttentionMask, 1)
}

// encodeOrdinary pretokenizes s, which holds no special tokens and starts at byte
// base of the input, and encodes each piece.
func (bpe *BytePairEncoding) encodeOrdinary(enc *text.Encoding, s string, base int) error {
	if s == "" {
		return nil
	}
	runes := make([]rune, 0, len(s))
	byteAt := make([]int, 0, len(s)+1)
	for i := 0; i < len(s); {
		r, w := utf8.DecodeRuneInString(s[i:])
		runes = append(runes, r)
		byteAt = append(byteAt, i)
		i += w
	}
	byteAt = append(byteAt, len(s))

	offset := 0
	m, err := bpe.pretokenizer.FindRunesMatch(runes)
	for ; m != nil && err == nil; m, err = bpe.pretokenizer.FindNextMatch(m) {
		if m.Index > offset {
			if err := bpe.encodePiece(enc, s[byteAt[offset]:byteAt[m.Index]], base+byteAt[offset]); err != nil {
				return err
			}
		}
		end := m.Index + m.Length
		if err := bpe.encodePiece(enc, s[byteAt[m.Index]:byteAt[end]], base+byteAt[m.Index]); err != nil {
			return err
		}
		offset = end
	}
	if err != nil {
		return fmt.Errorf("pretokenizing: %w", err)
	}
	if offset < len(runes) {
		return bpe.encodePiece(enc, s[byteAt[offset]:], base+byteAt[offset])
	}
	return nil
}

// part is a run of bytes of a piece, linked to its live neighbours.
type part struct {
	value      string
	start, end int
	prev, next int
}

// pair is a candidate merge of two adjacent parts.
type pair struct {
	a, b  int
	rank  int
	value string
}

// encodePiece applies the merges to one pretokenized piece starting at byte base.
func (bpe *BytePairEncoding) encodePiece(enc *text.Encoding, piece string, base int) error {
	if piece == "" {
		return nil
	}
	if id := bpe.vocab.Encode(byteLevel(piece)); id >= 0 {
		appendToken(enc, id, base, base+len(piece))
		return nil
	}

	parts := make([]part, len(piece))
	for i := range parts {
		parts[i] = part{value: string(byteToRune[piece[i]]), start: i, end: i + 1, prev: i - 1, next: i + 1}
	}
	pairwise := func(a, b int) *pair {
		if a < 0 || b >= len(parts) {
			return nil
		}
		rank := bpe.vocab.Merge(parts[a].value, parts[b].value)
		if rank < 0 {
			return nil
		}
		return &pair{a: a, b: b, rank: rank, value: parts[a].value + parts[b].value}
	}

	pairs := heap.NewWith(func(i, j *pair) int {
		if c := cmp.Compare(i.rank, j.rank); c != 0 {
			return c
		}
		return cmp.Compare(i.a, j.a)
	})
	for i := 0; i < len(parts)-1; i++ {
		if p := pairwise(i, i+1); p != nil {
			pairs.Push(p)
		}
	}

	for !pairs.Empty() {
		p, _ := pairs.Pop()
		left, right := parts[p.a], parts[p.b]
		if left.value == "" || right.value == "" || left.next != p.b || left.value+right.value != p.value {
			continue
		}
		if bpe.vocab.Encode(p.value) < 0 {
			continue
		}
		parts[p.a].value = p.value
		parts[p.a].end = right.end
		parts[p.a].next = right.next
		parts[p.b].value = ""
		if right.next < len(parts) {
			parts[right.next].prev = p.a
		}
		if q := pairwise(parts[p.a].prev, p.a); q != nil {
			pairs.Push(q)
		}
		if q := pairwise(p.a, parts[p.a].next); q != nil {
			pairs.Push(q)
		}
	}

	for i := 0; i < len(parts); i = parts[i].next {
		id := bpe.vocab.Encode(parts[i].value)
		if id < 0 {
			return fmt.Errorf("%w: %q", ErrUnknownToken, piece[parts[i].start:parts[i].end])
		}
		appendToken(enc, id, base+parts[i].start, base+parts[i].end)
	}
	return nil
}

// Decode turns ids back into text.
func (bpe *BytePairEncoding) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || int(id) >= len(bpe.vocab.Values) {
			return "", fmt.Errorf("%w: id %d", ErrUnknownToken, id)
		}
		if bpe.vocab.IsSpecial(id) {
			sb.WriteString(bpe.vocab.Decode(id))
			continue
		}
		for _, r := range bpe.vocab.Decode(id) {
			b, ok := runeToByte[r]
			if !ok {
				log.Debug("decoding rune outside the byte alphabet", "id", id, "rune", r)
				sb.WriteRune(r)
				continue
			}
			sb.WriteByte(b)
		}
	}
	return sb.String(), nil
}

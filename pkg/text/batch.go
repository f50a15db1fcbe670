package text

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"unicode"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkaroundLen is the input length, in bytes, a tokenizer must handle safely
// for documents to be encoded in one piece.
const DefaultWorkaroundLen = 100000

// BatchTokenizer encodes batches of documents with a wrapped Tokenizer.
//
// When the wrapped tokenizer reports a safe length below the workaround length,
// documents longer than that are split at whitespace into chunks, encoded chunk by
// chunk and merged back into one encoding. For whitespace separated text the result
// is identical to encoding the document whole.
type BatchTokenizer struct {
	tokenizer       Tokenizer
	workaroundLen   int
	needsWorkaround bool
	chunkLen        int
	bos, eos        *int32
	workers         int
}

// Option configures a BatchTokenizer.
type Option func(*BatchTokenizer)

// WithWorkaroundLen sets the safe length a tokenizer must reach to skip chunking.
func WithWorkaroundLen(n int) Option {
	return func(bt *BatchTokenizer) { bt.workaroundLen = n }
}

// WithEnforceEOS appends id to every encoding that does not already end with it.
func WithEnforceEOS(id int32) Option {
	return func(bt *BatchTokenizer) { bt.eos = &id }
}

// WithEnforceBOS prepends id to every encoding that does not already start with it.
func WithEnforceBOS(id int32) Option {
	return func(bt *BatchTokenizer) { bt.bos = &id }
}

// WithWorkers bounds the number of documents encoded at once.
func WithWorkers(n int) Option {
	return func(bt *BatchTokenizer) { bt.workers = n }
}

// NewBatchTokenizer wraps tok.
func NewBatchTokenizer(tok Tokenizer, opts ...Option) *BatchTokenizer {
	bt := &BatchTokenizer{
		tokenizer:     tok,
		workaroundLen: DefaultWorkaroundLen,
		workers:       runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(bt)
	}
	if limiter, ok := tok.(SafeLengthLimiter); ok {
		if limit := limiter.MaxSafeLength(); limit > 0 && limit < bt.workaroundLen {
			bt.needsWorkaround = true
			bt.chunkLen = limit
		}
	}
	if bt.workers < 1 {
		bt.workers = 1
	}
	log.Debug("batch tokenizer", "workaround", bt.needsWorkaround, "chunk", bt.chunkLength(), "workers", bt.workers)
	return bt
}

// ErrNoFingerprint is returned by Fingerprint when the wrapped tokenizer is not a
// Fingerprinter.
var ErrNoFingerprint = errors.New("tokenizer has no fingerprint")

// Fingerprint hashes the wrapped tokenizer's fingerprint with the options that change
// the output: the enforced bos and eos ids and the chunk length when chunking.
func (bt *BatchTokenizer) Fingerprint() (uint64, error) {
	f, ok := bt.tokenizer.(Fingerprinter)
	if !ok {
		return 0, fmt.Errorf("%w: %T", ErrNoFingerprint, bt.tokenizer)
	}
	id := func(p *int32) int64 {
		if p == nil {
			return -1
		}
		return int64(*p)
	}
	chunk := 0
	if bt.needsWorkaround {
		chunk = bt.chunkLength()
	}
	h := xxhash.New()
	_, _ = fmt.Fprintf(h, "%016x;bos=%d;eos=%d;chunk=%d", f.Fingerprint(), id(bt.bos), id(bt.eos), chunk)
	return h.Sum64(), nil
}

// NeedsLongSequenceWorkaround reports whether long documents are chunked.
func (bt *BatchTokenizer) NeedsLongSequenceWorkaround() bool {
	return bt.needsWorkaround
}

func (bt *BatchTokenizer) chunkLength() int {
	if bt.chunkLen > 0 {
		return min(bt.chunkLen, bt.workaroundLen)
	}
	return bt.workaroundLen
}

// Encode tokenizes docs concurrently. The i-th encoding belongs to docs[i].
func (bt *BatchTokenizer) Encode(ctx context.Context, docs []string) ([]Encoding, error) {
	out := make([]Encoding, len(docs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bt.workers)
	for i, doc := range docs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			enc, err := bt.encodeOne(doc)
			if err != nil {
				return fmt.Errorf("document %d: %w", i, err)
			}
			out[i] = enc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (bt *BatchTokenizer) encodeOne(doc string) (Encoding, error) {
	var (
		enc Encoding
		err error
	)
	if bt.needsWorkaround && len(doc) > bt.chunkLength() {
		enc, err = bt.encodeChunked(doc)
	} else {
		enc, err = bt.tokenizer.Encode(doc)
	}
	if err != nil {
		return Encoding{}, err
	}
	if bt.bos != nil && (enc.Len() == 0 || enc.InputIDs[0] != *bt.bos) {
		var withBOS Encoding
		withBOS.Append(Encoding{InputIDs: []int32{*bt.bos}, Offsets: []Offset{{}}, AttentionMask: []int32{1}}, 0)
		withBOS.Append(enc, 0)
		enc = withBOS
	}
	if bt.eos != nil && (enc.Len() == 0 || enc.InputIDs[enc.Len()-1] != *bt.eos) {
		enc.Append(Encoding{InputIDs: []int32{*bt.eos}, Offsets: []Offset{{}}, AttentionMask: []int32{1}}, len(doc))
	}
	return enc, nil
}

func (bt *BatchTokenizer) encodeChunked(doc string) (Encoding, error) {
	chunks, exact := splitChunks(doc, bt.chunkLength())
	if !exact {
		log.Warn("no whitespace to split a long document at; encoding may differ from unsplit text",
			"length", len(doc), "chunk", bt.chunkLength())
	}
	var enc Encoding
	for _, c := range chunks {
		part, err := bt.tokenizer.Encode(doc[c.Start:c.End])
		if err != nil {
			return Encoding{}, fmt.Errorf("chunk [%d, %d): %w", c.Start, c.End, err)
		}
		enc.Append(part, c.Start)
	}
	return enc, nil
}

// splitChunks cuts s into consecutive ranges of at most limit bytes.
//
// Cuts go right before the last whitespace rune of a whitespace run that is followed
// by a non-whitespace rune, which is always a pretokenization boundary. Without such a
// place in a window the cut falls on the last rune boundary and exact is false.
func splitChunks(s string, limit int) (chunks []Offset, exact bool) {
	exact = true
	start := 0
	for len(s)-start > limit {
		end := start + limit
		cut := lastBoundary(s, start, end)
		if cut <= start {
			exact = false
			cut = end
			for cut > start && !utf8.RuneStart(s[cut]) {
				cut--
			}
			if cut == start {
				_, w := utf8.DecodeRuneInString(s[start:])
				cut = start + w
			}
		}
		chunks = append(chunks, Offset{Start: start, End: cut})
		start = cut
	}
	if start < len(s) || len(chunks) == 0 {
		chunks = append(chunks, Offset{Start: start, End: len(s)})
	}
	return chunks, exact
}

// lastBoundary returns the largest b in (start, end] where a whitespace rune followed
// by a non-whitespace rune begins, or -1.
func lastBoundary(s string, start, end int) int {
	for b := end; b > start; b-- {
		if !utf8.RuneStart(s[b]) {
			continue
		}
		r, w := utf8.DecodeRuneInString(s[b:])
		if !unicode.IsSpace(r) || b+w >= len(s) {
			continue
		}
		if next, _ := utf8.DecodeRuneInString(s[b+w:]); !unicode.IsSpace(next) {
			return b
		}
	}
	return -1
}

// Package tokenizer implements GPT-2 style byte-level byte pair encoding that keeps
// track of the input bytes behind every token.
package tokenizer

import (
	"slices"
	"strings"
	"sync"
)

// byteToRune maps every byte to the printable rune byte-level vocabularies store it
// as; runeToByte is its inverse.
var byteToRune, runeToByte = func() ([256]rune, map[rune]byte) {
	var forward [256]rune
	inverse := make(map[rune]byte, 256)
	next := rune(256)
	for b := 0; b < 256; b++ {
		printable := (b >= '!' && b <= '~') || (b >= 0xa1 && b <= 0xac) || (b >= 0xae && b <= 0xff)
		r := rune(b)
		if !printable {
			r = next
			next++
		}
		forward[b] = r
		inverse[r] = byte(b)
	}
	return forward, inverse
}()

// byteLevel returns the byte-level form of raw bytes.
func byteLevel(raw string) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		sb.WriteRune(byteToRune[raw[i]])
	}
	return sb.String()
}

// Vocabulary is the token table and merge list of a byte-level BPE tokenizer.
type Vocabulary struct {
	// Values maps ids to tokens in byte-level form.
	Values []string
	// Merges are "left right" pairs in priority order.
	Merges []string
	// Special tokens are matched verbatim in the raw text before pretokenization.
	Special []string

	valuesOnce sync.Once
	values     map[string]int32

	mergeOnce sync.Once
	merge     map[string]int

	specialOnce sync.Once
	special     *trie
}

// NewByteLevelVocabulary builds a vocabulary holding all 256 byte tokens, one token
// per merge and then the special tokens, in that id order.
func NewByteLevelVocabulary(merges []string, special ...string) *Vocabulary {
	values := make([]string, 0, 256+len(merges)+len(special))
	for b := 0; b < 256; b++ {
		values = append(values, string(byteToRune[b]))
	}
	for _, m := range merges {
		values = append(values, strings.Replace(m, " ", "", 1))
	}
	values = append(values, special...)
	return &Vocabulary{Values: values, Merges: merges, Special: special}
}

// Encode returns the id of a byte-level token, or -1.
func (v *Vocabulary) Encode(s string) int32 {
	v.valuesOnce.Do(func() {
		v.values = make(map[string]int32, len(v.Values))
		for i, value := range v.Values {
			if _, ok := v.values[value]; !ok {
				v.values[value] = int32(i)
			}
		}
	})
	if id, ok := v.values[s]; ok {
		return id
	}
	return -1
}

// Decode returns the byte-level token of id.
func (v *Vocabulary) Decode(id int32) string {
	return v.Values[id]
}

// Merge returns the rank of merging left and right, or -1.
func (v *Vocabulary) Merge(left, right string) int {
	v.mergeOnce.Do(func() {
		v.merge = make(map[string]int, len(v.Merges))
		for i, m := range v.Merges {
			if _, ok := v.merge[m]; !ok {
				v.merge[m] = i
			}
		}
	})
	if rank, ok := v.merge[left+" "+right]; ok {
		return rank
	}
	return -1
}

// specials returns the trie of special tokens present in the vocabulary.
func (v *Vocabulary) specials() *trie {
	v.specialOnce.Do(func() {
		v.special = newTrie()
		for _, s := range v.Special {
			if id := v.Encode(s); id >= 0 && s != "" {
				_ = v.special.Insert([]byte(s), id)
			}
		}
	})
	return v.special
}

// IsSpecial reports whether id is a special token.
func (v *Vocabulary) IsSpecial(id int32) bool {
	if id < 0 || int(id) >= len(v.Values) {
		return false
	}
	return slices.Contains(v.Special, v.Values[id])
}

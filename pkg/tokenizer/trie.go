package tokenizer

import "fmt"

// trie is a byte trie over the special tokens.
type trie struct {
	children map[byte]*trie
	data     int32
	end      bool
}

// newTrie creates an empty trie.
func newTrie() *trie {
	return &trie{children: map[byte]*trie{}}
}

// Insert inserts a word into the trie.
func (t *trie) Insert(word []byte, data int32) error {
	if len(word) == 0 {
		return fmt.Errorf("zero length word not supported")
	}
	cur := t
	for _, b := range word {
		if cur.children[b] == nil {
			cur.children[b] = newTrie()
		}
		cur = cur.children[b]
	}
	cur.end = true
	cur.data = data
	return nil
}

// Match returns the data of the longest word that prefixes input and its length, or
// a length of zero when no word does.
func (t *trie) Match(input string) (int32, int) {
	cur := t
	var data int32
	n := 0
	for i := 0; i < len(input); i++ {
		cur = cur.children[input[i]]
		if cur == nil {
			break
		}
		if cur.end {
			data, n = cur.data, i+1
		}
	}
	return data, n
}

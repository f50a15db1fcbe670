package tokenizer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
)

// EndOfText is the GPT-2 document separator.
const EndOfText = "<|endoftext|>"

// llamaSafeLength is the input length in bytes up to which LLaMA tokenizers stay fast.
const llamaSafeLength = 10000

// slowTokenizerClasses maps tokenizer classes that slow down on long inputs to the
// length they handle safely.
var slowTokenizerClasses = map[string]int{
	"LlamaTokenizer":         llamaSafeLength,
	"LlamaTokenizerFast":     llamaSafeLength,
	"CodeLlamaTokenizer":     llamaSafeLength,
	"CodeLlamaTokenizerFast": llamaSafeLength,
}

// tokenizerConfig is the subset of tokenizer_config.json that is read.
//
// model_max_length is not read: it bounds the model context, not the tokenizer.
type tokenizerConfig struct {
	TokenizerClass string          `json:"tokenizer_class"`
	MaxSafeLength  int             `json:"max_safe_length"`
	BOSToken       json.RawMessage `json:"bos_token"`
	EOSToken       json.RawMessage `json:"eos_token"`
	UNKToken       json.RawMessage `json:"unk_token"`
}

// safeLength is the explicit max_safe_length, else the limit of a known slow
// tokenizer class, else 0.
func (c tokenizerConfig) safeLength() int {
	if c.MaxSafeLength > 0 {
		return c.MaxSafeLength
	}
	return slowTokenizerClasses[c.TokenizerClass]
}

// tokenContent accepts both "token" and {"content": "token"}.
func tokenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Content
	}
	return ""
}

// LoadGPT2 reads vocab.json and merges.txt from dir, plus tokenizer_config.json when
// present.
//
// The special tokens are EndOfText and the configured bos, eos and unk tokens that
// exist in the vocabulary. The safe length comes from max_safe_length, or from the
// tokenizer_class for classes known to slow down on long inputs.
func LoadGPT2(dir string) (*BytePairEncoding, error) {
	data, err := os.ReadFile(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, fmt.Errorf("reading vocabulary: %w", err)
	}
	var ids map[string]int32
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parsing vocab.json: %w", err)
	}
	size := 0
	for _, id := range ids {
		if id < 0 {
			return nil, fmt.Errorf("vocab.json: negative id %d", id)
		}
		size = max(size, int(id)+1)
	}
	values := make([]string, size)
	for token, id := range ids {
		values[id] = token
	}

	merges, err := readMerges(filepath.Join(dir, "merges.txt"))
	if err != nil {
		return nil, err
	}

	vocab := &Vocabulary{Values: values, Merges: merges}
	var cfg tokenizerConfig
	switch data, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json")); {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading tokenizer config: %w", err)
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing tokenizer_config.json: %w", err)
		}
	}
	for _, s := range []string{EndOfText, tokenContent(cfg.BOSToken), tokenContent(cfg.EOSToken), tokenContent(cfg.UNKToken)} {
		if _, ok := ids[s]; ok && s != "" && !slices.Contains(vocab.Special, s) {
			vocab.Special = append(vocab.Special, s)
		}
	}

	bpe, err := NewBytePairEncoding(vocab, "")
	if err != nil {
		return nil, err
	}
	bpe.maxSafeLength = cfg.safeLength()
	log.Debug("loaded tokenizer", "dir", dir, "class", cfg.TokenizerClass, "vocab", len(values), "merges", len(merges), "special", vocab.Special, "safe_length", bpe.maxSafeLength)
	return bpe, nil
}

func readMerges(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading merges: %w", err)
	}
	defer f.Close()
	var merges []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		if strings.Count(line, " ") != 1 {
			return nil, fmt.Errorf("merges.txt: malformed line %q", line)
		}
		merges = append(merges, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading merges: %w", err)
	}
	return merges, nil
}

// Save writes v to dir as vocab.json, merges.txt and tokenizer_config.json, the
// layout LoadGPT2 reads. A positive maxSafeLength is stored as max_safe_length.
func (v *Vocabulary) Save(dir string, maxSafeLength int) error {
	ids := make(map[string]int32, len(v.Values))
	for i, value := range v.Values {
		if _, ok := ids[value]; !ok {
			ids[value] = int32(i)
		}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "vocab.json"), data, 0o644); err != nil {
		return fmt.Errorf("writing vocabulary: %w", err)
	}
	merges := "#version: 0.2\n" + strings.Join(v.Merges, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "merges.txt"), []byte(merges), 0o644); err != nil {
		return fmt.Errorf("writing merges: %w", err)
	}
	cfg := map[string]any{"tokenizer_class": "GPT2Tokenizer"}
	if maxSafeLength > 0 {
		cfg["max_safe_length"] = maxSafeLength
	}
	if len(v.Special) > 0 {
		cfg["eos_token"] = v.Special[0]
	}
	data, err = json.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "tokenizer_config.json"), data, 0o644)
}

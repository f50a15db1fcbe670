// Package data builds tokenized language modeling datasets from local document files
// and caches them on disk.
package data

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/conneroisu/splitgen/pkg/text"
	"github.com/conneroisu/splitgen/pkg/tokenizer"
)

// ErrNoDocuments is returned when a split's urls match no files.
var ErrNoDocuments = errors.New("no documents")

// LMDatasetConfig describes where the train and validation documents live.
type LMDatasetConfig struct {
	// TrainURLs and ValidationURLs are file paths or globs. ".jsonl" files hold one
	// JSON object per line; any other file is a single document.
	TrainURLs      []string `yaml:"train_urls"`
	ValidationURLs []string `yaml:"validation_urls"`
	CacheDir       string   `yaml:"cache_dir"`
	// Tokenizer is a directory LoadGPT2 can read.
	Tokenizer string `yaml:"tokenizer"`
	// TextKey names the document field of jsonl records; it defaults to "text".
	TextKey string `yaml:"text_key"`
}

// LoadTokenizer loads the configured tokenizer.
func (c LMDatasetConfig) LoadTokenizer() (*tokenizer.BytePairEncoding, error) {
	if c.Tokenizer == "" {
		return nil, errors.New("no tokenizer configured")
	}
	return tokenizer.LoadGPT2(c.Tokenizer)
}

func (c LMDatasetConfig) textKey() string {
	if c.TextKey == "" {
		return "text"
	}
	return c.TextKey
}

// TrainSet returns the training windows of seqLen tokens.
func (c LMDatasetConfig) TrainSet(ctx context.Context, seqLen int, bt *text.BatchTokenizer) (*TokenSeqDataset, error) {
	return c.tokenSet(ctx, "train", c.TrainURLs, seqLen, bt)
}

// ValidationSet returns the validation windows of seqLen tokens, or nil without an
// error when no validation urls are configured.
func (c LMDatasetConfig) ValidationSet(ctx context.Context, seqLen int, bt *text.BatchTokenizer) (*TokenSeqDataset, error) {
	if len(c.ValidationURLs) == 0 {
		log.Debug("no validation set configured")
		return nil, nil
	}
	return c.tokenSet(ctx, "validation", c.ValidationURLs, seqLen, bt)
}

func (c LMDatasetConfig) tokenSet(ctx context.Context, split string, urls []string, seqLen int, bt *text.BatchTokenizer) (*TokenSeqDataset, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%s: %w: no urls configured", split, ErrNoDocuments)
	}
	path, err := c.buildOrLoadCache(ctx, split, urls, bt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", split, err)
	}
	ds, err := OpenTokenSeqDataset(path, seqLen)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", split, err)
	}
	return ds, nil
}

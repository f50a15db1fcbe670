package data

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/splitgen/internal/testcorpus"
	"github.com/conneroisu/splitgen/pkg/named"
	"github.com/conneroisu/splitgen/pkg/text"
	"github.com/conneroisu/splitgen/pkg/tokenizer"
)

func TestDontBlowUpWithoutValidationSet(t *testing.T) {
	cfg := LMDatasetConfig{
		TrainURLs:      []string{"kaa"},
		ValidationURLs: []string{},
		CacheDir:       t.TempDir(),
	}
	for _, seqLen := range []int{1, 10, 4096} {
		ds, err := cfg.ValidationSet(context.Background(), seqLen, nil)
		assert.NoError(t, err)
		assert.Nil(t, ds)
	}
}

func batchTokenizer(t *testing.T) (*tokenizer.BytePairEncoding, *text.BatchTokenizer) {
	t.Helper()
	return mergesBatchTokenizer(t, testcorpus.Merges)
}

func mergesBatchTokenizer(t *testing.T, merges []string) (*tokenizer.BytePairEncoding, *text.BatchTokenizer) {
	t.Helper()
	bpe, err := tokenizer.NewBytePairEncoding(tokenizer.NewByteLevelVocabulary(merges, tokenizer.EndOfText), "")
	require.NoError(t, err)
	eos, ok := bpe.TokenID(tokenizer.EndOfText)
	require.True(t, ok)
	return bpe, text.NewBatchTokenizer(bpe, text.WithEnforceEOS(eos))
}

func encodeAll(t *testing.T, bpe *tokenizer.BytePairEncoding, docs []string) []int32 {
	t.Helper()
	eos, _ := bpe.TokenID(tokenizer.EndOfText)
	var out []int32
	for _, doc := range docs {
		enc, err := bpe.Encode(doc)
		require.NoError(t, err)
		out = append(append(out, enc.InputIDs...), eos)
	}
	return out
}

func fingerprint(t *testing.T, bt *text.BatchTokenizer) uint64 {
	t.Helper()
	f, err := bt.Fingerprint()
	require.NoError(t, err)
	return f
}

func writeCorpus(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for i, doc := range testcorpus.Documents[:2] {
		require.NoError(t, os.WriteFile(filepath.Join(dir, []string{"a.txt", "b.txt"}[i]), []byte(doc), 0o644))
	}
	f, err := os.Create(filepath.Join(dir, "c.jsonl"))
	require.NoError(t, err)
	enc := json.NewEncoder(f)
	for _, doc := range testcorpus.Documents[2:] {
		require.NoError(t, enc.Encode(map[string]any{"text": doc, "id": 1}))
	}
	require.NoError(t, f.Close())
	return dir
}

func TestTrainSetBuildsAndReusesCache(t *testing.T) {
	ctx := context.Background()
	corpus := writeCorpus(t)
	bpe, bt := batchTokenizer(t)
	cfg := LMDatasetConfig{
		TrainURLs: []string{filepath.Join(corpus, "*.txt"), filepath.Join(corpus, "c.jsonl")},
		CacheDir:  t.TempDir(),
	}

	ds, err := cfg.TrainSet(ctx, 8, bt)
	require.NoError(t, err)

	want := encodeAll(t, bpe, testcorpus.Documents)
	assert.Equal(t, want, ds.Tokens())
	assert.Equal(t, len(want)/8, ds.Len())
	assert.FileExists(t, cfg.cachePath("train", cfg.TrainURLs, fingerprint(t, bt)))

	// the cache no longer needs the documents
	require.NoError(t, os.RemoveAll(corpus))
	_, same := batchTokenizer(t)
	again, err := cfg.TrainSet(ctx, 8, same)
	require.NoError(t, err)
	assert.Equal(t, ds.Tokens(), again.Tokens())

	_, err = cfg.TrainSet(ctx, 8, nil)
	assert.Error(t, err)
}

func TestCacheIsKeyedByTokenizer(t *testing.T) {
	ctx := context.Background()
	corpus := writeCorpus(t)
	cfg := LMDatasetConfig{
		TrainURLs: []string{filepath.Join(corpus, "*.txt"), filepath.Join(corpus, "c.jsonl")},
		CacheDir:  t.TempDir(),
	}
	full, fullBT := batchTokenizer(t)
	fewer, fewerBT := mergesBatchTokenizer(t, testcorpus.Merges[:len(testcorpus.Merges)/2])
	require.NotEqual(t, encodeAll(t, full, testcorpus.Documents), encodeAll(t, fewer, testcorpus.Documents))

	first, err := cfg.TrainSet(ctx, 4, fullBT)
	require.NoError(t, err)
	assert.Equal(t, encodeAll(t, full, testcorpus.Documents), first.Tokens())

	second, err := cfg.TrainSet(ctx, 4, fewerBT)
	require.NoError(t, err)
	assert.Equal(t, encodeAll(t, fewer, testcorpus.Documents), second.Tokens())
	assert.NotEqual(t, cfg.cachePath("train", cfg.TrainURLs, fingerprint(t, fullBT)), cfg.cachePath("train", cfg.TrainURLs, fingerprint(t, fewerBT)))

	// dropping the enforced eos changes the tokens too
	noEOS, err := cfg.TrainSet(ctx, 4, text.NewBatchTokenizer(full))
	require.NoError(t, err)
	assert.Less(t, len(noEOS.Tokens()), len(first.Tokens()))

	entries, err := os.ReadDir(cfg.CacheDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestValidationSetUsesItsOwnCache(t *testing.T) {
	corpus := writeCorpus(t)
	_, bt := batchTokenizer(t)
	cfg := LMDatasetConfig{
		TrainURLs:      []string{filepath.Join(corpus, "a.txt")},
		ValidationURLs: []string{filepath.Join(corpus, "b.txt")},
		CacheDir:       t.TempDir(),
	}
	train, err := cfg.TrainSet(context.Background(), 4, bt)
	require.NoError(t, err)
	val, err := cfg.ValidationSet(context.Background(), 4, bt)
	require.NoError(t, err)
	require.NotNil(t, val)
	assert.NotEqual(t, train.Tokens(), val.Tokens())
	assert.NotEqual(t, cfg.cachePath("train", cfg.TrainURLs, fingerprint(t, bt)), cfg.cachePath("validation", cfg.ValidationURLs, fingerprint(t, bt)))
}

func TestTrainSetErrors(t *testing.T) {
	_, bt := batchTokenizer(t)
	cfg := LMDatasetConfig{CacheDir: t.TempDir()}
	_, err := cfg.TrainSet(context.Background(), 4, bt)
	assert.ErrorIs(t, err, ErrNoDocuments)

	cfg.TrainURLs = []string{filepath.Join(t.TempDir(), "*.txt")}
	_, err = cfg.TrainSet(context.Background(), 4, bt)
	assert.ErrorIs(t, err, ErrNoDocuments)

	cfg.TrainURLs = []string{filepath.Join(t.TempDir(), "missing.txt")}
	_, err = cfg.TrainSet(context.Background(), 4, bt)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadDocumentsTextKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"content\": \"one\"}\n\n{\"content\": \"two\"}\n"), 0o644))
	var docs []string
	err := readDocuments(path, "content", func(doc string) error {
		docs = append(docs, doc)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, docs)

	err = readDocuments(path, "text", func(string) error { return nil })
	assert.ErrorContains(t, err, `no string field "text"`)
}

func TestTokenSeqDatasetNextBatchWraps(t *testing.T) {
	tokens := []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	ds, err := NewTokenSeqDataset(tokens, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())

	batch := named.Axis{Name: "batch", Size: 3}
	ex, err := ds.NextBatch(batch)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 7, 0, 1, 2, 3}, ex.Tokens.Data)
	assert.Equal(t, []float32{1, 1, 1, 0, 1, 1, 1, 0, 1, 1, 1, 0}, ex.LossMask.Data)
	assert.Equal(t, []named.Axis{batch, ds.Pos()}, ex.Tokens.Axes)

	ex, err = ds.NextBatch(batch)
	require.NoError(t, err)
	assert.Equal(t, []int32{4, 5, 6, 7, 0, 1, 2, 3, 4, 5, 6, 7}, ex.Tokens.Data)
}

func TestOpenTokenSeqDatasetValidatesSize(t *testing.T) {
	dir := t.TempDir()
	odd := filepath.Join(dir, "odd.bin")
	require.NoError(t, os.WriteFile(odd, []byte{1, 2, 3}, 0o644))
	_, err := OpenTokenSeqDataset(odd, 1)
	assert.Error(t, err)

	short := filepath.Join(dir, "short.bin")
	require.NoError(t, os.WriteFile(short, []byte{1, 0, 0, 0}, 0o644))
	_, err = OpenTokenSeqDataset(short, 2)
	assert.Error(t, err)
	ds, err := OpenTokenSeqDataset(short, 1)
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, ds.Tokens())
}

package data

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"

	"github.com/conneroisu/splitgen/pkg/text"
)

// docsPerBatch is how many documents are handed to the batch tokenizer at once.
const docsPerBatch = 64

// cachePath returns where the tokens of split are cached. The name hashes the urls,
// the text key and the tokenizer fingerprint, so changing any of them builds a new
// cache.
func (c LMDatasetConfig) cachePath(split string, urls []string, tokenizer uint64) string {
	h := xxhash.New()
	for _, u := range urls {
		_, _ = h.WriteString(u)
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.WriteString(c.textKey())
	_, _ = fmt.Fprintf(h, "\x00%016x", tokenizer)
	return filepath.Join(c.CacheDir, fmt.Sprintf("%s-%016x.bin", split, h.Sum64()))
}

// buildOrLoadCache returns the path of the token cache of split, tokenizing the
// documents behind urls with bt first if no cache built by an equivalent tokenizer
// exists.
func (c LMDatasetConfig) buildOrLoadCache(ctx context.Context, split string, urls []string, bt *text.BatchTokenizer) (string, error) {
	if bt == nil {
		return "", errors.New("no tokenizer")
	}
	fingerprint, err := bt.Fingerprint()
	if err != nil {
		return "", err
	}
	path := c.cachePath(split, urls, fingerprint)
	if _, err := os.Stat(path); err == nil {
		log.Debug("reusing token cache", "split", split, "path", path)
		return path, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	files, err := expandURLs(urls)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(c.CacheDir, split+"-*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	var numDocs, numTokens int
	flush := func(docs []string) error {
		encs, err := bt.Encode(ctx, docs)
		if err != nil {
			return err
		}
		for _, enc := range encs {
			if err := binary.Write(w, binary.LittleEndian, enc.InputIDs); err != nil {
				return err
			}
			numTokens += enc.Len()
		}
		numDocs += len(docs)
		return nil
	}
	batch := make([]string, 0, docsPerBatch)
	for _, file := range files {
		err := readDocuments(file, c.textKey(), func(doc string) error {
			batch = append(batch, doc)
			if len(batch) < docsPerBatch {
				return nil
			}
			err := flush(batch)
			batch = batch[:0]
			return err
		})
		if err != nil {
			tmp.Close()
			return "", fmt.Errorf("%s: %w", file, err)
		}
	}
	if len(batch) > 0 {
		if err := flush(batch); err != nil {
			tmp.Close()
			return "", err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	log.Info("built token cache", "split", split, "documents", numDocs, "tokens", numTokens, "path", path)
	return path, nil
}

// expandURLs resolves globs. A url without glob characters must name an existing file.
func expandURLs(urls []string) ([]string, error) {
	var files []string
	for _, u := range urls {
		if !strings.ContainsAny(u, "*?[") {
			if _, err := os.Stat(u); err != nil {
				return nil, err
			}
			files = append(files, u)
			continue
		}
		matches, err := filepath.Glob(u)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", u, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%w: %q matches no files", ErrNoDocuments, u)
		}
		files = append(files, matches...)
	}
	return files, nil
}

// readDocuments calls fn with every document in file.
func readDocuments(file, textKey string, fn func(string) error) error {
	if !strings.HasSuffix(file, ".jsonl") {
		raw, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		return fn(string(raw))
	}
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 64<<20)
	for line := 1; scanner.Scan(); line++ {
		if len(strings.TrimSpace(scanner.Text())) == 0 {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		doc, ok := record[textKey].(string)
		if !ok {
			return fmt.Errorf("line %d: no string field %q", line, textKey)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return scanner.Err()
}

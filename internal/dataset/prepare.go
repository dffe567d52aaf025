package dataset

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"ml-workbench/internal/storage"
)

type PrepareOptions struct {
	URL string
	// TestURL is an optional separate test file; when set the source is not split.
	TestURL string

	Parse        ParseOptions
	TestFraction float64
	Seed         uint64

	Bucket string
	Prefix string

	// WorkDir holds downloaded files; a temporary directory is used when empty.
	WorkDir string
}

// Prepare fetches, parses, splits and exports a dataset in one call.
func Prepare(ctx context.Context, fetcher *Fetcher, store storage.ObjectStore, opts PrepareOptions) (ExportResult, error) {
	workDir := opts.WorkDir
	if workDir == "" {
		tmp, err := os.MkdirTemp("", "dataset-")
		if err != nil {
			return ExportResult{}, fmt.Errorf("error creating work dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		workDir = tmp
	}

	train, err := fetchAndParse(ctx, fetcher, opts.URL, workDir, opts.Parse)
	if err != nil {
		return ExportResult{}, err
	}

	var test []Sample
	if opts.TestURL != "" {
		test, err = fetchAndParse(ctx, fetcher, opts.TestURL, workDir, opts.Parse)
		if err != nil {
			return ExportResult{}, err
		}
	} else {
		train, test, err = Split(train, opts.TestFraction, opts.Seed)
		if err != nil {
			return ExportResult{}, err
		}
	}

	slog.Info("dataset parsed", "train_count", len(train), "test_count", len(test), "labels", len(Labels(train)))

	if err := store.CreateBucket(ctx, opts.Bucket); err != nil {
		return ExportResult{}, fmt.Errorf("error creating bucket: %w", err)
	}

	return Export(ctx, store, opts.Bucket, opts.Prefix, train, test)
}

func fetchAndParse(ctx context.Context, fetcher *Fetcher, url, workDir string, opts ParseOptions) ([]Sample, error) {
	dest := filepath.Join(workDir, path.Base(url))
	if err := fetcher.Fetch(ctx, url, dest); err != nil {
		return nil, err
	}
	return ParseFile(dest, opts)
}

// ParseFile parses a local dataset file, decompressing it first if it ends in .gz.
func ParseFile(filename string, opts ParseOptions) ([]Sample, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("error opening dataset %s: %w", filename, err)
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(filename, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("error decompressing dataset %s: %w", filename, err)
		}
		defer gz.Close()
		r = gz
	}

	samples, err := Parse(r, opts)
	if err != nil {
		return nil, fmt.Errorf("error parsing dataset %s: %w", filename, err)
	}
	return samples, nil
}

package dataset

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"
)

type Fetcher struct {
	client *resty.Client
	quiet  bool
}

func NewFetcher(quiet bool) *Fetcher {
	return &Fetcher{client: resty.New(), quiet: quiet}
}

// Fetch downloads url into dest, showing a byte progress bar unless quiet.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string) error {
	res, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return fmt.Errorf("error fetching dataset from %s: %w", url, err)
	}
	body := res.RawBody()
	defer body.Close()

	if !res.IsSuccess() {
		return fmt.Errorf("error fetching dataset from %s: received status %d", url, res.StatusCode())
	}

	if err := os.MkdirAll(filepath.Dir(dest), os.ModePerm); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", dest, err)
	}

	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("error creating file %s: %w", dest, err)
	}
	defer file.Close()

	size := res.RawResponse.ContentLength
	var bar *progressbar.ProgressBar
	if f.quiet {
		bar = progressbar.NewOptions64(size, progressbar.OptionSetWriter(io.Discard))
	} else {
		bar = progressbar.DefaultBytes(size, "downloading "+filepath.Base(dest))
	}

	n, err := io.Copy(io.MultiWriter(file, bar), body)
	if err != nil {
		return fmt.Errorf("error downloading dataset from %s: %w", url, err)
	}
	_ = bar.Finish()

	slog.Info("dataset downloaded", "url", url, "dest", dest, "bytes", n)

	return nil
}

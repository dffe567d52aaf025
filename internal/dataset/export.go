package dataset

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"ml-workbench/internal/storage"

	"golang.org/x/sync/errgroup"
)

const (
	TrainChannel = "train"
	TestChannel  = "test"
)

type ExportResult struct {
	TrainURI   string
	TestURI    string
	TrainCount int
	TestCount  int
}

// Channels maps the training channel names to their s3 prefixes.
func (r ExportResult) Channels() map[string]string {
	channels := map[string]string{TrainChannel: r.TrainURI}
	if r.TestURI != "" {
		channels[TestChannel] = r.TestURI
	}
	return channels
}

// Export writes train/train.csv and test/test.csv under prefix and uploads both
// concurrently. The returned URIs are the channel prefixes, not the files.
func Export(ctx context.Context, store storage.ObjectStore, bucket, prefix string, train, test []Sample) (ExportResult, error) {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return exportSplit(ctx, store, bucket, prefix, TrainChannel, train)
	})
	g.Go(func() error {
		return exportSplit(ctx, store, bucket, prefix, TestChannel, test)
	})

	if err := g.Wait(); err != nil {
		return ExportResult{}, err
	}

	result := ExportResult{
		TrainURI:   storage.URI(bucket, path.Join(prefix, TrainChannel)),
		TestURI:    storage.URI(bucket, path.Join(prefix, TestChannel)),
		TrainCount: len(train),
		TestCount:  len(test),
	}

	slog.Info("dataset exported", "train_uri", result.TrainURI, "train_count", result.TrainCount, "test_uri", result.TestURI, "test_count", result.TestCount)

	return result, nil
}

func exportSplit(ctx context.Context, store storage.ObjectStore, bucket, prefix, channel string, samples []Sample) error {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, samples); err != nil {
		return fmt.Errorf("error encoding %s split: %w", channel, err)
	}

	key := path.Join(prefix, channel, channel+".csv")
	if err := store.PutObject(ctx, bucket, key, &buf); err != nil {
		return fmt.Errorf("error uploading %s split: %w", channel, err)
	}
	return nil
}

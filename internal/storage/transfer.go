package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// downloadDir mirrors every object under prefix into dest, keyed by the path
// relative to prefix. An existing dest is replaced only when overwrite is set.
func downloadDir(ctx context.Context, store ObjectStore, bucket, prefix, dest string, overwrite bool) error {
	if _, err := os.Stat(dest); err == nil {
		if !overwrite {
			return fmt.Errorf("destination %s already exists and overwrite is false", dest)
		}
		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("failed to remove existing destination %s: %w", dest, err)
		}
	}
	if err := os.MkdirAll(dest, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dest, err)
	}

	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	objects, err := store.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return fmt.Errorf("error listing %s: %w", URI(bucket, prefix), err)
	}

	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Name, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue // folder placeholder
		}
		if err := store.DownloadObject(ctx, bucket, obj.Name, filepath.Join(dest, filepath.FromSlash(rel))); err != nil {
			return fmt.Errorf("error downloading %s to %s: %w", URI(bucket, prefix), dest, err)
		}
	}
	return nil
}

// uploadDir puts every regular file under src at prefix/<relative path>.
func uploadDir(ctx context.Context, store ObjectStore, bucket, prefix, src string) error {
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}

		file, err := os.Open(p)
		if err != nil {
			return err
		}
		defer file.Close()

		return store.PutObject(ctx, bucket, path.Join(prefix, filepath.ToSlash(rel)), file)
	})
	if err != nil {
		return fmt.Errorf("error uploading %s to %s: %w", src, URI(bucket, prefix), err)
	}
	return nil
}

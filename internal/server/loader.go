package server

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"ml-workbench/internal/inference"
	"ml-workbench/internal/storage"
	"ml-workbench/plugin/shared"
)

const (
	BuiltinProgram = "bayes"
	sourceArchive  = "sourcedir.tar.gz"
)

// LoadTransformer selects the request handler named by cfg.Program. An empty
// program or "bayes" serves the built-in pipeline from the model dir; any other
// program is a plugin executable in the submit directory. The returned func
// releases the plugin process.
func LoadTransformer(ctx context.Context, cfg Config, store storage.ObjectStore) (shared.Transformer, func(), error) {
	if cfg.Program == "" || cfg.Program == BuiltinProgram {
		pipeline, err := inference.ModelFn(cfg.ModelDir)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("loaded built-in pipeline", "model_dir", cfg.ModelDir)
		return pipelineTransformer{pipeline: pipeline}, func() {}, nil
	}

	codeDir := cfg.SubmitDirectory
	if strings.HasPrefix(codeDir, "s3://") {
		if store == nil {
			return nil, nil, fmt.Errorf("submit directory %s requires an object store", codeDir)
		}
		if err := downloadSubmitDirectory(ctx, store, codeDir, cfg.CodeDir); err != nil {
			return nil, nil, err
		}
		codeDir = cfg.CodeDir
	}

	executable := filepath.Join(codeDir, cfg.Program)
	if _, err := os.Stat(executable); err != nil {
		return nil, nil, fmt.Errorf("program %s not found in %s: %w", cfg.Program, codeDir, err)
	}

	client, err := shared.Load(executable)
	if err != nil {
		return nil, nil, fmt.Errorf("error starting pipeline plugin %s: %w", executable, err)
	}
	slog.Info("loaded pipeline plugin", "program", executable)

	return client, client.Close, nil
}

func downloadSubmitDirectory(ctx context.Context, store storage.ObjectStore, uri, dest string) error {
	bucket, key, err := storage.ParseURI(uri)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(key, ".tar.gz") {
		key = path.Join(key, sourceArchive)
	}

	archive, err := store.GetObject(ctx, bucket, key)
	if err != nil {
		return fmt.Errorf("error downloading submit directory: %w", err)
	}
	defer archive.Close()

	if err := extractTarGz(archive, dest); err != nil {
		return fmt.Errorf("error extracting %s: %w", key, err)
	}

	slog.Info("extracted submit directory", "uri", uri, "dest", dest)
	return nil
}

func extractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(root, filepath.FromSlash(hdr.Name))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return fmt.Errorf("archive entry %s escapes the destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.ModePerm); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), os.ModePerm); err != nil {
				return err
			}
			file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&os.ModePerm)
			if err != nil {
				return err
			}
			if _, err := io.Copy(file, tr); err != nil {
				file.Close()
				return err
			}
			if err := file.Close(); err != nil {
				return err
			}
		default:
			slog.Warn("skipping unsupported archive entry", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}
}

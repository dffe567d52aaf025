package server

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ml-workbench/internal/core/bayes"
	"ml-workbench/internal/dataset"
	"ml-workbench/internal/inference"
	"ml-workbench/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saveTestModel(t *testing.T) string {
	t.Helper()
	model, err := bayes.Train([]dataset.Sample{
		{Text: "rain and clouds today", Label: 0},
		{Text: "sunny and warm weather", Label: 1},
	}, bayes.DefaultTrainOptions(), bayes.TokenizerConfig{Lowercase: true})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, model.Save(dir))
	return dir
}

func doRequest(t *testing.T, handler http.Handler, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestPingReadiness(t *testing.T) {
	srv := NewServer(Config{Workers: 2, MaxPayloadMB: 6})
	router := srv.Routes()

	assert.Equal(t, http.StatusServiceUnavailable, doRequest(t, router, http.MethodGet, "/ping", "", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(t, router, http.MethodPost, "/invocations", "application/json", `{"inputs":"x"}`).Code)

	transformer, release, err := LoadTransformer(context.Background(), Config{ModelDir: saveTestModel(t)}, nil)
	require.NoError(t, err)
	defer release()
	srv.SetTransformer(transformer)

	assert.Equal(t, http.StatusOK, doRequest(t, router, http.MethodGet, "/ping", "", "").Code)
}

func TestInvocations(t *testing.T) {
	srv := NewServer(Config{Workers: 2, MaxPayloadMB: 1})
	transformer, release, err := LoadTransformer(context.Background(), Config{Program: BuiltinProgram, ModelDir: saveTestModel(t)}, nil)
	require.NoError(t, err)
	defer release()
	srv.SetTransformer(transformer)
	router := srv.Routes()

	rec := doRequest(t, router, http.MethodPost, "/invocations", "application/json", `{"inputs": ["sunny weather", "rain"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var preds [][]inference.Prediction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &preds))
	require.Len(t, preds, 2)
	assert.Equal(t, "1", preds[0][0].Label)
	assert.Equal(t, "0", preds[1][0].Label)

	rec = doRequest(t, router, http.MethodPost, "/invocations", "text/csv", "sunny weather")
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Contains(t, rec.Body.String(), inference.ErrNotImplemented.Error())

	rec = doRequest(t, router, http.MethodPost, "/invocations", "application/json", `{"inputs": 3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/invocations", "application/json", `{"inputs": "`+strings.Repeat("a", 2*1024*1024)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

type failingTransformer struct{}

func (failingTransformer) Transform(body []byte, contentType, accept string) ([]byte, error) {
	return nil, errors.New("plugin crashed")
}

func TestInvocations_InternalError(t *testing.T) {
	srv := NewServer(Config{Workers: 1})
	srv.SetTransformer(failingTransformer{})

	rec := doRequest(t, srv.Routes(), http.MethodPost, "/invocations", "application/json", `{"inputs":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestExecutionParameters(t *testing.T) {
	srv := NewServer(Config{Workers: 3, MaxPayloadMB: 6})

	rec := doRequest(t, srv.Routes(), http.MethodGet, "/execution-parameters", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var params ExecutionParameters
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &params))
	assert.Equal(t, ExecutionParameters{MaxConcurrentTransforms: 3, BatchStrategy: "MULTI_RECORD", MaxPayloadInMB: 6}, params)
}

func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0755, Size: int64(len(content)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestDownloadSubmitDirectory(t *testing.T) {
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	archive := makeTarGz(t, map[string]string{"serve.sh": "#!/bin/sh\n", "lib/util.txt": "util"})
	require.NoError(t, store.PutObject(context.Background(), "code", "jobs/run-1/source/sourcedir.tar.gz", bytes.NewReader(archive)))

	dest := t.TempDir()
	require.NoError(t, downloadSubmitDirectory(context.Background(), store, "s3://code/jobs/run-1/source", dest))

	data, err := os.ReadFile(filepath.Join(dest, "lib", "util.txt"))
	require.NoError(t, err)
	assert.Equal(t, "util", string(data))

	info, err := os.Stat(filepath.Join(dest, "serve.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0100)

	dest = t.TempDir()
	require.NoError(t, downloadSubmitDirectory(context.Background(), store, "s3://code/jobs/run-1/source/sourcedir.tar.gz", dest))
	_, err = os.Stat(filepath.Join(dest, "serve.sh"))
	assert.NoError(t, err)
}

func TestExtractTarGz_PathTraversal(t *testing.T) {
	archive := makeTarGz(t, map[string]string{"../evil.txt": "x"})
	err := extractTarGz(bytes.NewReader(archive), t.TempDir())
	assert.ErrorContains(t, err, "escapes the destination")
}

func TestLoadTransformer_MissingProgram(t *testing.T) {
	_, _, err := LoadTransformer(context.Background(), Config{Program: "pipeline-plugin", SubmitDirectory: t.TempDir()}, nil)
	assert.ErrorContains(t, err, "not found")

	_, _, err = LoadTransformer(context.Background(), Config{Program: "pipeline-plugin", SubmitDirectory: "s3://code/source"}, nil)
	assert.ErrorContains(t, err, "requires an object store")

	_, _, err = LoadTransformer(context.Background(), Config{ModelDir: t.TempDir()}, nil)
	assert.Error(t, err)
}

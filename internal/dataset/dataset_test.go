package dataset

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"ml-workbench/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeSamples(n int) []Sample {
	samples := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		samples = append(samples, Sample{Text: "sample text, number " + strconv.Itoa(i), Label: i % 4})
	}
	return samples
}

func TestWriteCSV(t *testing.T) {
	samples := makeSamples(25)
	samples = append(samples, Sample{Text: "quoted \"text\"\nwith newline", Label: 3})

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, samples))

	records, err := csv.NewReader(bytes.NewReader(buf.Bytes())).ReadAll()
	require.NoError(t, err)

	require.Equal(t, []string{"text", "category"}, records[0])
	require.Len(t, records[1:], len(samples))
	for i, record := range records[1:] {
		assert.Equal(t, samples[i].Text, record[0])
		assert.Equal(t, strconv.Itoa(samples[i].Label), record[1])
	}

	read, err := ReadCSV(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, samples, read)
}

func TestParseCSV(t *testing.T) {
	data := "label,title,description\n1,Stocks rally,Markets up\n3,Team wins,Final score\n"

	samples, err := Parse(strings.NewReader(data), ParseOptions{
		Format:      FormatCSV,
		TextFields:  []string{"title", "description"},
		LabelField:  "label",
		LabelOffset: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []Sample{
		{Text: "Stocks rally Markets up", Label: 0},
		{Text: "Team wins Final score", Label: 2},
	}, samples)
}

func TestParseCSV_Headerless(t *testing.T) {
	data := "\"2\",\"Big match\",\"Details here\"\n\"4\",\"New phone\",\"Specs\"\n"

	samples, err := Parse(strings.NewReader(data), ParseOptions{
		Format:      FormatCSV,
		Header:      []string{"class", "title", "description"},
		TextFields:  []string{"title", "description"},
		LabelField:  "class",
		LabelOffset: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []Sample{
		{Text: "Big match Details here", Label: 1},
		{Text: "New phone Specs", Label: 3},
	}, samples)
}

func TestParseCSV_ByteOrderMark(t *testing.T) {
	data := "\xEF\xBB\xBFlabel,text\n1,Stocks rally\n0,Team wins\n"
	opts := ParseOptions{Format: FormatCSV, TextFields: []string{"text"}, LabelField: "label"}

	samples, err := Parse(strings.NewReader(data), opts)
	require.NoError(t, err)
	assert.Equal(t, []Sample{{Text: "Stocks rally", Label: 1}, {Text: "Team wins", Label: 0}}, samples)

	jsonl := "\xEF\xBB\xBF{\"text\": \"Team wins\", \"label\": 2}\n"
	samples, err = Parse(strings.NewReader(jsonl), ParseOptions{Format: FormatJSONL, TextFields: []string{"text"}, LabelField: "label"})
	require.NoError(t, err)
	assert.Equal(t, []Sample{{Text: "Team wins", Label: 2}}, samples)

	empty, err := Parse(strings.NewReader(""), opts)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestParseCSV_Errors(t *testing.T) {
	opts := ParseOptions{Format: FormatCSV, TextFields: []string{"text"}, LabelField: "label"}

	_, err := Parse(strings.NewReader("text,label\nok,1\nbad,x\n"), opts)
	assert.ErrorContains(t, err, "row 3")
	assert.ErrorContains(t, err, "must be an integer")

	_, err = Parse(strings.NewReader("text,label\n ,1\n"), opts)
	assert.ErrorContains(t, err, "row 2: empty text")

	_, err = Parse(strings.NewReader("body,label\nhello,1\n"), opts)
	assert.ErrorContains(t, err, "csv header has no column 'text'")
	assert.NotContains(t, err.Error(), "row")

	_, err = Parse(strings.NewReader("text,label\nhello,1\n"), ParseOptions{Format: "xml", TextFields: []string{"text"}, LabelField: "label"})
	assert.ErrorContains(t, err, "unsupported dataset format")

	_, err = Parse(strings.NewReader("text,label\nhello,1\n"), ParseOptions{Format: FormatCSV, LabelField: "label"})
	assert.Error(t, err)
}

func TestParseJSONL(t *testing.T) {
	data := `{"text": "good movie", "label": 1}

{"text": "bad movie", "label": "0"}
`
	samples, err := Parse(strings.NewReader(data), ParseOptions{
		Format:     FormatJSONL,
		TextFields: []string{"text"},
		LabelField: "label",
	})
	require.NoError(t, err)
	assert.Equal(t, []Sample{{Text: "good movie", Label: 1}, {Text: "bad movie", Label: 0}}, samples)

	_, err = Parse(strings.NewReader(`{"text": "x", "label": 1}`+"\n"+`{"text": 5, "label": 1}`), ParseOptions{
		Format:     FormatJSONL,
		TextFields: []string{"text"},
		LabelField: "label",
	})
	assert.ErrorContains(t, err, "row 2")

	_, err = Parse(strings.NewReader(`{"text": "x", "label": 1.5}`), ParseOptions{
		Format:     FormatJSONL,
		TextFields: []string{"text"},
		LabelField: "label",
	})
	assert.ErrorContains(t, err, "row 1")
}

func TestSplit(t *testing.T) {
	samples := makeSamples(100)

	train, test, err := Split(samples, 0.2, 42)
	require.NoError(t, err)
	assert.Len(t, train, 80)
	assert.Len(t, test, 20)
	assert.ElementsMatch(t, samples, append(append([]Sample{}, train...), test...))
	assert.Equal(t, makeSamples(100), samples, "input should not be modified")

	train2, test2, err := Split(samples, 0.2, 42)
	require.NoError(t, err)
	assert.Equal(t, train, train2)
	assert.Equal(t, test, test2)

	train, test, err = Split(samples, 0, 1)
	require.NoError(t, err)
	assert.Len(t, train, 100)
	assert.Empty(t, test)

	_, _, err = Split(samples, 1, 1)
	assert.Error(t, err)
	_, _, err = Split(samples, -0.1, 1)
	assert.Error(t, err)
}

func TestExport(t *testing.T) {
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	train, test := makeSamples(30), makeSamples(7)

	result, err := Export(context.Background(), store, "datasets", "ag-news", train, test)
	require.NoError(t, err)
	assert.Equal(t, "s3://datasets/ag-news/train", result.TrainURI)
	assert.Equal(t, "s3://datasets/ag-news/test", result.TestURI)
	assert.Equal(t, 30, result.TrainCount)
	assert.Equal(t, 7, result.TestCount)
	assert.Equal(t, map[string]string{"train": result.TrainURI, "test": result.TestURI}, result.Channels())

	for key, expected := range map[string][]Sample{"ag-news/train/train.csv": train, "ag-news/test/test.csv": test} {
		obj, err := store.GetObject(context.Background(), "datasets", key)
		require.NoError(t, err)
		read, err := ReadCSV(obj)
		require.NoError(t, err)
		require.NoError(t, obj.Close())
		assert.Equal(t, expected, read)
	}
}

func TestPrepare(t *testing.T) {
	source := "class,title,description\n"
	for i := 0; i < 40; i++ {
		source += strconv.Itoa(i%4+1) + ",title " + strconv.Itoa(i) + ",description\n"
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/train.csv" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(source))
	}))
	defer server.Close()

	storeDir := t.TempDir()
	store, err := storage.NewLocalObjectStore(storeDir)
	require.NoError(t, err)

	opts := PrepareOptions{
		URL: server.URL + "/train.csv",
		Parse: ParseOptions{
			Format:      FormatCSV,
			TextFields:  []string{"title", "description"},
			LabelField:  "class",
			LabelOffset: 1,
		},
		TestFraction: 0.25,
		Seed:         7,
		Bucket:       "datasets",
		Prefix:       "news",
	}

	result, err := Prepare(context.Background(), NewFetcher(true), store, opts)
	require.NoError(t, err)
	assert.Equal(t, 30, result.TrainCount)
	assert.Equal(t, 10, result.TestCount)

	_, err = os.Stat(filepath.Join(storeDir, "datasets", "news", "train", "train.csv"))
	assert.NoError(t, err)

	opts.URL = server.URL + "/missing.csv"
	_, err = Prepare(context.Background(), NewFetcher(true), store, opts)
	assert.ErrorContains(t, err, "404")
}

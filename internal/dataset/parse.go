package dataset

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
)

const (
	FormatCSV   = "csv"
	FormatJSONL = "jsonl"
)

type ParseOptions struct {
	Format string

	// TextFields are joined with a single space to form the sample text.
	TextFields []string
	LabelField string

	// LabelOffset is subtracted from every parsed label, e.g. 1 for sources labelled 1..N.
	LabelOffset int

	// Header names the columns of a csv source that has no header row.
	Header []string
}

func (opts ParseOptions) validate() error {
	if len(opts.TextFields) == 0 {
		return errors.New("at least one text field must be specified")
	}
	if opts.LabelField == "" {
		return errors.New("label field must be specified")
	}
	return nil
}

func Parse(r io.Reader, opts ParseOptions) ([]Sample, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	r, err := skipBOM(r)
	if err != nil {
		return nil, fmt.Errorf("error reading dataset: %w", err)
	}

	switch opts.Format {
	case FormatCSV:
		return parseCSV(r, opts)
	case FormatJSONL:
		return parseJSONL(r, opts)
	default:
		return nil, fmt.Errorf("unsupported dataset format '%s'", opts.Format)
	}
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// skipBOM drops a leading UTF-8 byte order mark.
func skipBOM(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	prefix, err := br.Peek(len(utf8BOM))
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, err
	}
	if bytes.Equal(prefix, utf8BOM) {
		if _, err := br.Discard(len(utf8BOM)); err != nil {
			return nil, err
		}
	}
	return br, nil
}

// checkColumns validates the csv header once; every record shares its keys.
func checkColumns(record map[string]string, opts ParseOptions) error {
	for _, field := range append(append([]string{}, opts.TextFields...), opts.LabelField) {
		if _, ok := record[field]; !ok {
			return fmt.Errorf("csv header has no column '%s'", field)
		}
	}
	return nil
}

func parseCSV(r io.Reader, opts ParseOptions) ([]Sample, error) {
	if len(opts.Header) > 0 {
		var header strings.Builder
		w := csv.NewWriter(&header)
		if err := w.Write(opts.Header); err != nil {
			return nil, fmt.Errorf("error writing csv header: %w", err)
		}
		w.Flush()
		r = io.MultiReader(strings.NewReader(header.String()), r)
	}

	records, err := gocsv.CSVToMaps(r)
	if err != nil {
		return nil, fmt.Errorf("error parsing csv: %w", err)
	}

	if len(records) > 0 {
		if err := checkColumns(records[0], opts); err != nil {
			return nil, err
		}
	}

	samples := make([]Sample, 0, len(records))
	for i, record := range records {
		row := i + 1
		if len(opts.Header) == 0 {
			row++ // header line
		}

		texts := make([]string, 0, len(opts.TextFields))
		for _, field := range opts.TextFields {
			texts = append(texts, record[field])
		}

		sample, err := newSample(texts, record[opts.LabelField], opts.LabelOffset)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		samples = append(samples, sample)
	}

	return samples, nil
}

const maxLineSize = 16 * 1024 * 1024

func parseJSONL(r io.Reader, opts ParseOptions) ([]Sample, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var samples []Sample
	row := 0
	for scanner.Scan() {
		row++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, fmt.Errorf("row %d: invalid json: %w", row, err)
		}

		texts := make([]string, 0, len(opts.TextFields))
		for _, field := range opts.TextFields {
			value, ok := record[field].(string)
			if !ok {
				return nil, fmt.Errorf("row %d: missing or non-string field '%s'", row, field)
			}
			texts = append(texts, value)
		}

		var labelValue string
		switch label := record[opts.LabelField].(type) {
		case float64:
			labelValue = strconv.FormatFloat(label, 'f', -1, 64)
		case string:
			labelValue = label
		default:
			return nil, fmt.Errorf("row %d: missing or invalid field '%s'", row, opts.LabelField)
		}

		sample, err := newSample(texts, labelValue, opts.LabelOffset)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		samples = append(samples, sample)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading jsonl: %w", err)
	}

	return samples, nil
}

func newSample(texts []string, labelValue string, labelOffset int) (Sample, error) {
	text := strings.TrimSpace(strings.Join(texts, " "))
	if text == "" {
		return Sample{}, errors.New("empty text")
	}

	label, err := strconv.Atoi(strings.TrimSpace(labelValue))
	if err != nil {
		return Sample{}, fmt.Errorf("invalid label '%s': must be an integer", labelValue)
	}

	return Sample{Text: text, Label: label - labelOffset}, nil
}

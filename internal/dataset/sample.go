package dataset

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"
)

// Sample is one labelled text example.
type Sample struct {
	Text  string
	Label int
}

type csvRow struct {
	Text     string `csv:"text"`
	Category int    `csv:"category"`
}

// WriteCSV writes the samples with a text,category header, one row per sample.
func WriteCSV(w io.Writer, samples []Sample) error {
	rows := make([]*csvRow, 0, len(samples))
	for _, sample := range samples {
		rows = append(rows, &csvRow{Text: sample.Text, Category: sample.Label})
	}

	if err := gocsv.Marshal(rows, w); err != nil {
		return fmt.Errorf("error writing csv: %w", err)
	}
	return nil
}

// ReadCSV reads samples written by WriteCSV.
func ReadCSV(r io.Reader) ([]Sample, error) {
	var rows []*csvRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("error reading csv: %w", err)
	}

	samples := make([]Sample, 0, len(rows))
	for _, row := range rows {
		samples = append(samples, Sample{Text: row.Text, Label: row.Category})
	}
	return samples, nil
}

// Labels returns the number of samples per label.
func Labels(samples []Sample) map[int]int {
	counts := make(map[int]int)
	for _, sample := range samples {
		counts[sample.Label]++
	}
	return counts
}

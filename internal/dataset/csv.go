package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
)

func parseCSV(path string, _ Options) ([]Record, error) {
	return parseDelimited(path, ',')
}

func parseTSV(path string, _ Options) ([]Record, error) {
	return parseDelimited(path, '\t')
}

func parseDelimited(path string, comma rune) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.Comma = comma
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("missing header row")
		}
		return nil, fmt.Errorf("error reading header row: %w", err)
	}

	var records []Record
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading row %d: %w", len(records)+2, err)
		}
		records = append(records, zipRow(header, row))
	}
	return records, nil
}

// zipRow pairs a header with a row; short rows are padded with empty values.
func zipRow(header, row []string) Record {
	r := make(Record, len(header))
	for i, name := range header {
		if i < len(row) {
			r[name] = row[i]
		} else {
			r[name] = ""
		}
	}
	return r
}

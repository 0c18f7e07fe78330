package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

const maxLineSize = 64 * 1024 * 1024

func parseJSONL(path string, _ Options) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxLineSize)

	var records []Record
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(text, &r); err != nil {
			return nil, fmt.Errorf("invalid json on line %d: %w", line, err)
		}
		if r == nil {
			return nil, fmt.Errorf("line %d is not an object", line)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading lines: %w", err)
	}
	return records, nil
}

// parseJSON accepts either a top-level array of objects or a single object.
func parseJSON(path string, _ Options) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty json file")
	}

	switch data[0] {
	case '[':
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("invalid json array: %w", err)
		}
		for i, r := range records {
			if r == nil {
				return nil, fmt.Errorf("item %d is not an object", i)
			}
		}
		return records, nil
	case '{':
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("invalid json object: %w", err)
		}
		return []Record{r}, nil
	default:
		return nil, fmt.Errorf("json must contain an array or an object")
	}
}

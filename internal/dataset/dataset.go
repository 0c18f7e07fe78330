package dataset

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Record is a single row of a dataset, keyed by field name.
type Record map[string]any

func (r Record) Clone() Record {
	return maps.Clone(r)
}

// String returns the field value as text. Missing and null values are empty.
func (r Record) String(field string) string {
	return stringify(r[field])
}

// Dataset is an ordered, immutable sequence of records.
type Dataset struct {
	columns []string
	records []Record
}

func New(records []Record) *Dataset {
	seen := make(map[string]struct{})
	var columns []string
	for _, r := range records {
		keys := make([]string, 0, len(r))
		for k := range r {
			if _, ok := seen[k]; !ok {
				keys = append(keys, k)
			}
		}
		slices.Sort(keys)
		for _, k := range keys {
			seen[k] = struct{}{}
			columns = append(columns, k)
		}
	}
	return &Dataset{columns: columns, records: records}
}

func (d *Dataset) Len() int {
	return len(d.records)
}

func (d *Dataset) Columns() []string {
	return slices.Clone(d.columns)
}

func (d *Dataset) HasColumn(name string) bool {
	return slices.Contains(d.columns, name)
}

func (d *Dataset) Record(i int) Record {
	return d.records[i].Clone()
}

func (d *Dataset) Records() []Record {
	out := make([]Record, len(d.records))
	for i, r := range d.records {
		out[i] = r.Clone()
	}
	return out
}

// Column returns the values of a field as text, one per record.
func (d *Dataset) Column(name string) ([]string, error) {
	if !d.HasColumn(name) {
		return nil, fmt.Errorf("dataset has no column %q (columns: %s)", name, strings.Join(d.columns, ", "))
	}
	out := make([]string, len(d.records))
	for i, r := range d.records {
		out[i] = r.String(name)
	}
	return out, nil
}

// Slice returns the records in [start, end) as a new dataset sharing the same columns.
func (d *Dataset) Slice(start, end int) *Dataset {
	end = min(end, len(d.records))
	if start > end {
		start = end
	}
	return &Dataset{columns: d.columns, records: d.records[start:end]}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

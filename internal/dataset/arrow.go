package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
)

const diskStateFile = "state.json"

func parseParquet(path string, _ Options) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	mem := memory.NewGoAllocator()
	table, err := pqarrow.ReadTable(context.Background(), file, parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, fmt.Errorf("error reading parquet table: %w", err)
	}
	defer table.Release()

	return tableRecords(table), nil
}

// parseFeather reads Feather v2 files, which use the Arrow IPC file format.
func parseFeather(path string, _ Options) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := ipc.NewFileReader(file, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("error opening feather file: %w", err)
	}
	defer reader.Close()

	var records []Record
	for i := 0; i < reader.NumRecords(); i++ {
		batch, err := reader.Record(i)
		if err != nil {
			return nil, fmt.Errorf("error reading record batch %d: %w", i, err)
		}
		records = appendBatchRows(records, batch)
	}
	return records, nil
}

type diskState struct {
	DataFiles []struct {
		Filename string `json:"filename"`
	} `json:"_data_files"`
}

// loadFromDisk reads a directory produced by save_to_disk: a state file listing
// Arrow IPC stream shards. The schema stored with the shards is trusted as is.
func loadFromDisk(dir string) ([]Record, error) {
	var shards []string

	statePath := filepath.Join(dir, diskStateFile)
	data, err := os.ReadFile(statePath)
	switch {
	case err == nil:
		var state diskState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, &LoadError{Path: statePath, Err: fmt.Errorf("invalid state file: %w", err)}
		}
		for _, f := range state.DataFiles {
			shards = append(shards, filepath.Join(dir, f.Filename))
		}
	case os.IsNotExist(err):
		matches, err := filepath.Glob(filepath.Join(dir, "*.arrow"))
		if err != nil {
			return nil, &LoadError{Path: dir, Err: err}
		}
		shards = matches
	default:
		return nil, &LoadError{Path: statePath, Err: err}
	}

	if len(shards) == 0 {
		return nil, loadErrorf(dir, "serialized dataset has no data files")
	}

	var records []Record
	for _, shard := range shards {
		rows, err := readArrowStream(shard)
		if err != nil {
			return nil, &LoadError{Path: shard, Err: err}
		}
		records = append(records, rows...)
	}
	return records, nil
}

func readArrowStream(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := ipc.NewReader(file, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("error opening arrow stream: %w", err)
	}
	defer reader.Release()

	var records []Record
	for reader.Next() {
		records = appendBatchRows(records, reader.Record())
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("error reading arrow stream: %w", err)
	}
	return records, nil
}

func tableRecords(table arrow.Table) []Record {
	if table.NumRows() == 0 {
		return nil
	}

	reader := array.NewTableReader(table, table.NumRows())
	defer reader.Release()

	var records []Record
	for reader.Next() {
		records = appendBatchRows(records, reader.Record())
	}
	return records
}

func appendBatchRows(records []Record, batch arrow.Record) []Record {
	numCols := int(batch.NumCols())
	for row := 0; row < int(batch.NumRows()); row++ {
		r := make(Record, numCols)
		for c := 0; c < numCols; c++ {
			col := batch.Column(c)
			if col.IsNull(row) {
				r[batch.ColumnName(c)] = nil
			} else {
				r[batch.ColumnName(c)] = col.GetOneForMarshal(row)
			}
		}
		records = append(records, r)
	}
	return records
}

package dataset

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/geniusrise/geniusrise-text/internal/core/utils"
)

const (
	// DatasetInfoFile marks a directory written by a dataset library's save-to-disk.
	DatasetInfoFile = "dataset_info.json"

	DefaultQuery = "SELECT document FROM dataset_table"
)

type Options struct {
	// Query run against SQLite (.db) files. Defaults to DefaultQuery.
	Query string

	// Transform is applied to every record before it is added to the dataset.
	Transform *Pipeline

	// RequiredFields must be present in every loaded record.
	RequiredFields []string

	// Workers bounds how many files are parsed at once. Defaults to the number of CPUs.
	Workers int
}

type formatParser func(path string, opts Options) ([]Record, error)

var parsers = map[string]formatParser{
	".jsonl":   parseJSONL,
	".csv":     parseCSV,
	".tsv":     parseTSV,
	".parquet": parseParquet,
	".feather": parseFeather,
	".json":    parseJSON,
	".xml":     parseXML,
	".yaml":    parseYAML,
	".yml":     parseYAML,
	".xlsx":    parseXLSX,
	".db":      parseSQLite,
	".txt":     parseText,
	".pdf":     parsePDF,
}

func SupportedExtensions() []string {
	exts := make([]string, 0, len(parsers))
	for ext := range parsers {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return exts
}

// Load reads every supported file in dir into a single dataset. Files are
// visited in name order and their records concatenated.
func Load(dir string, opts Options) (*Dataset, error) {
	if opts.Query == "" {
		opts.Query = DefaultQuery
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, &LoadError{Path: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, loadErrorf(dir, "not a directory")
	}

	var records []Record
	if _, err := os.Stat(filepath.Join(dir, DatasetInfoFile)); err == nil {
		slog.Info("loading serialized dataset", "dir", dir)
		records, err = loadFromDisk(dir)
		if err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, &LoadError{Path: dir, Err: err}
	} else {
		records, err = loadFiles(dir, opts)
		if err != nil {
			return nil, err
		}
	}

	if opts.Transform != nil {
		for i, r := range records {
			mapped, err := opts.Transform.Apply(r)
			if err != nil {
				return nil, loadErrorf(dir, "record %d: %w", i, err)
			}
			records[i] = mapped
		}
	}

	for i, r := range records {
		for _, field := range opts.RequiredFields {
			if _, ok := r[field]; !ok {
				return nil, loadErrorf(dir, "record %d is missing required field %q", i, field)
			}
		}
	}

	slog.Info("loaded dataset", "dir", dir, "records", len(records))
	return New(records), nil
}

type datasetFile struct {
	path  string
	parse formatParser
}

func loadFiles(dir string, opts Options) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &LoadError{Path: dir, Err: err}
	}
	// os.ReadDir returns entries sorted by filename.

	var files []datasetFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}

		path := filepath.Join(dir, name)
		parse, ok := parsers[strings.ToLower(filepath.Ext(name))]
		if !ok {
			return nil, loadErrorf(path, "unsupported file extension %q", filepath.Ext(name))
		}
		files = append(files, datasetFile{path: path, parse: parse})
	}

	if len(files) == 0 {
		return nil, loadErrorf(dir, "directory contains no dataset files")
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	parsed, err := utils.RunInPool(func(f datasetFile) ([]Record, error) {
		records, err := f.parse(f.path, opts)
		if err != nil {
			slog.Error("error parsing dataset file", "path", f.path, "error", err)
			var lerr *LoadError
			if errors.As(err, &lerr) {
				return nil, err
			}
			return nil, &LoadError{Path: f.path, Err: err}
		}
		return records, nil
	}, files, workers)
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, fileRecords := range parsed {
		records = append(records, fileRecords...)
	}
	return records, nil
}

func parseText(path string, _ Options) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading text file: %w", err)
	}
	return []Record{{"text": string(data)}}, nil
}

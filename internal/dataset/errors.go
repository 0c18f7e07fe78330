package dataset

import (
	"errors"
	"fmt"
)

var ErrLoad = errors.New("dataset load error")

// LoadError reports a dataset file or directory that could not be loaded.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("error loading dataset from %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() []error {
	return []error{ErrLoad, e.Err}
}

func loadErrorf(path, format string, args ...any) error {
	return &LoadError{Path: path, Err: fmt.Errorf(format, args...)}
}

//go:build windows

package core

import (
	"errors"
)

var ErrOnnxNotSupportedOnWindows = errors.New("ONNX models are not supported on Windows")

func LoadOnnxModel(libraryPath string, spec ModelSpec) (Model, error) {
	return nil, ErrOnnxNotSupportedOnWindows
}

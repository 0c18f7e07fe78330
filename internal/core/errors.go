package core

import (
	"errors"

	"github.com/geniusrise/geniusrise-text/internal/dataset"
)

var (
	ErrLoad            = dataset.ErrLoad
	ErrModelResolution = errors.New("model resolution error")
	ErrTraining        = errors.New("training error")
	ErrUpload          = errors.New("upload error")
	ErrIO              = errors.New("io error")
)

package api

import (
	"encoding/json"
	"time"
)

type SubmitRunResponse struct {
	RunId string
}

type RunStage struct {
	Stage     string
	Timestamp time.Time
}

type Run struct {
	Id     string
	Kind   string
	Task   string
	Status string
	Stage  string

	Success   *bool  `json:"Success,omitempty"`
	Exception string `json:"Exception,omitempty"`

	Metrics     map[string]float64 `json:"Metrics,omitempty"`
	OutputFiles []string           `json:"OutputFiles,omitempty"`
	Config      json.RawMessage    `json:"Config,omitempty"`

	CreationTime   time.Time
	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`

	Stages []RunStage `json:"Stages,omitempty"`
}

type ListRunsParams struct {
	Kind   string `schema:"kind"`
	Task   string `schema:"task"`
	Status string `schema:"status"`
	Limit  int    `schema:"limit"`
	Offset int    `schema:"offset"`
}

type ErrorResponse struct {
	Error string
}

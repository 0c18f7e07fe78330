package core

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/geniusrise/geniusrise-text/internal/dataset"
	"github.com/google/uuid"
)

type Stage string

const (
	StageInit      Stage = "INIT"
	StageLoadModel Stage = "LOAD_MODEL"
	StageLoadData  Stage = "LOAD_DATA"
	StageTrain     Stage = "TRAIN"
	StageEval      Stage = "EVAL"
	StageUpload    Stage = "UPLOAD"
	StageInfer     Stage = "INFER"
	StageDone      Stage = "DONE"
	StageFailed    Stage = "FAILED"
)

// RunState is the final outcome of a run.
type RunState struct {
	Success   bool   `json:"success"`
	Exception string `json:"exception,omitempty"`
}

// StateStore records the progress and outcome of runs, keyed by run id.
type StateStore interface {
	SetStage(ctx context.Context, runId string, stage Stage) error
	SetState(ctx context.Context, runId string, state RunState) error
	SaveMetrics(ctx context.Context, runId string, metrics map[string]float64) error
	SaveOutputFiles(ctx context.Context, runId string, files []string) error
}

// Stager maps run input and output locations to local directories. Remote
// locations are downloaded before a run and uploaded after it.
type Stager interface {
	StageInput(ctx context.Context, location string) (string, error)
	OutputDir(location string) (string, error)
	PublishOutput(ctx context.Context, dir, location string) error
}

// LocalStager treats every location as a local directory.
type LocalStager struct{}

func (LocalStager) StageInput(_ context.Context, location string) (string, error) {
	return location, nil
}

func (LocalStager) OutputDir(location string) (string, error) {
	return location, nil
}

func (LocalStager) PublishOutput(context.Context, string, string) error {
	return nil
}

// RunContext is everything a stage needs. Stages never modify it; the with
// methods return an updated copy.
type RunContext struct {
	RunId     string
	Config    RunConfig
	Task      Task
	Input     string
	Output    string
	Transform *dataset.Pipeline
	Handles   *Handles
}

func NewRunContext(cfg RunConfig) (*RunContext, error) {
	if cfg.RunId == "" {
		cfg.RunId = uuid.NewString()
	}
	cfg, err := cfg.WithDefaults()
	if err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}
	task, err := LookupTask(cfg.Task)
	if err != nil {
		return nil, err
	}

	var transform *dataset.Pipeline
	if cfg.Transform != "" {
		if transform, err = dataset.ParsePipeline(cfg.Transform); err != nil {
			return nil, fmt.Errorf("invalid transform: %w", err)
		}
	}

	return &RunContext{
		RunId:     cfg.RunId,
		Config:    cfg,
		Task:      task,
		Input:     cfg.Input,
		Output:    cfg.Output,
		Transform: transform,
	}, nil
}

func (rc *RunContext) withDirs(input, output string) *RunContext {
	next := *rc
	next.Input, next.Output = input, output
	return &next
}

func (rc *RunContext) withHandles(h *Handles) *RunContext {
	next := *rc
	next.Handles = h
	return &next
}

func (rc *RunContext) loadOptions(fields []string) dataset.Options {
	return dataset.Options{Query: rc.Config.Query, Transform: rc.Transform, RequiredFields: fields}
}

type MemoryRun struct {
	Stages      []Stage
	State       *RunState
	Metrics     map[string]float64
	OutputFiles []string
	UpdatedAt   time.Time
}

// MemoryStateStore keeps run state in memory, for tests and local runs.
type MemoryStateStore struct {
	mu   sync.Mutex
	runs map[string]*MemoryRun
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{runs: map[string]*MemoryRun{}}
}

func (s *MemoryStateStore) update(runId string, fn func(*MemoryRun)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runId]
	if !ok {
		run = &MemoryRun{}
		s.runs[runId] = run
	}
	fn(run)
	run.UpdatedAt = time.Now()
}

func (s *MemoryStateStore) SetStage(_ context.Context, runId string, stage Stage) error {
	s.update(runId, func(r *MemoryRun) { r.Stages = append(r.Stages, stage) })
	return nil
}

func (s *MemoryStateStore) SetState(_ context.Context, runId string, state RunState) error {
	s.update(runId, func(r *MemoryRun) { r.State = &state })
	return nil
}

func (s *MemoryStateStore) SaveMetrics(_ context.Context, runId string, metrics map[string]float64) error {
	s.update(runId, func(r *MemoryRun) { r.Metrics = maps.Clone(metrics) })
	return nil
}

func (s *MemoryStateStore) SaveOutputFiles(_ context.Context, runId string, files []string) error {
	s.update(runId, func(r *MemoryRun) { r.OutputFiles = append([]string{}, files...) })
	return nil
}

// Run returns a copy of the recorded run.
func (s *MemoryStateStore) Run(runId string) (MemoryRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runId]
	if !ok {
		return MemoryRun{}, false
	}
	out := *run
	out.Stages = append([]Stage{}, run.Stages...)
	return out, true
}

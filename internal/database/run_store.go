package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/geniusrise/geniusrise-text/internal/core"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrRunNotFound = errors.New("run not found")

// RunStore persists run progress in the runs and run_stages tables.
type RunStore struct {
	db *gorm.DB
}

var _ core.StateStore = (*RunStore)(nil)

func NewRunStore(db *gorm.DB) *RunStore {
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run *Run) error {
	if run.Status == "" {
		run.Status = JobQueued
	}
	if run.CreationTime.IsZero() {
		run.CreationTime = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		slog.Error("error creating run", "run_id", run.Id, "error", err)
		return fmt.Errorf("error creating run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, runId string) (*Run, error) {
	var run Run
	err := s.db.WithContext(ctx).
		Preload("Stages", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		First(&run, "id = ?", runId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("run %s: %w", runId, ErrRunNotFound)
		}
		return nil, fmt.Errorf("error loading run %s: %w", runId, err)
	}
	return &run, nil
}

type RunFilter struct {
	Kind   string
	Task   string
	Status string
	Limit  int
	Offset int
}

func (s *RunStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := s.db.WithContext(ctx).Order("creation_time DESC")
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.Task != "" {
		query = query.Where("task = ?", filter.Task)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var runs []Run
	if err := query.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("error listing runs: %w", err)
	}
	return runs, nil
}

// ensureRun creates a placeholder row for runs that were started without CreateRun.
func ensureRun(txn *gorm.DB, runId string) error {
	return txn.Clauses(clause.OnConflict{DoNothing: true}).Create(&Run{
		Id:           runId,
		Kind:         "local",
		Status:       JobRunning,
		CreationTime: time.Now().UTC(),
	}).Error
}

func (s *RunStore) SetStage(ctx context.Context, runId string, stage core.Stage) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := ensureRun(txn, runId); err != nil {
			return err
		}

		var seq int64
		if err := txn.Model(&RunStage{}).Where("run_id = ?", runId).Count(&seq).Error; err != nil {
			return err
		}
		if err := txn.Create(&RunStage{RunId: runId, Seq: int(seq), Stage: string(stage), Timestamp: now}).Error; err != nil {
			return err
		}

		updates := map[string]any{"stage": string(stage)}
		switch stage {
		case core.StageInit:
			updates["status"] = JobRunning
			updates["start_time"] = now
		case core.StageDone:
			updates["status"] = JobCompleted
			updates["completion_time"] = now
		case core.StageFailed:
			updates["status"] = JobFailed
			updates["completion_time"] = now
		default:
			updates["status"] = JobRunning
		}
		return txn.Model(&Run{Id: runId}).Updates(updates).Error
	})
	if err != nil {
		slog.Error("error updating run stage", "run_id", runId, "stage", stage, "error", err)
		return fmt.Errorf("error updating stage of run %s: %w", runId, err)
	}
	return nil
}

func (s *RunStore) SetState(ctx context.Context, runId string, state core.RunState) error {
	status := JobCompleted
	if !state.Success {
		status = JobFailed
	}
	updates := map[string]any{
		"success":         sql.NullBool{Bool: state.Success, Valid: true},
		"exception":       sql.NullString{String: state.Exception, Valid: state.Exception != ""},
		"status":          status,
		"completion_time": time.Now().UTC(),
	}
	return s.update(ctx, runId, "state", updates)
}

func (s *RunStore) SaveMetrics(ctx context.Context, runId string, metrics map[string]float64) error {
	data, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("error encoding metrics: %w", err)
	}
	return s.update(ctx, runId, "metrics", map[string]any{"metrics": datatypes.JSON(data)})
}

func (s *RunStore) SaveOutputFiles(ctx context.Context, runId string, files []string) error {
	if files == nil {
		files = []string{}
	}
	data, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("error encoding output files: %w", err)
	}
	return s.update(ctx, runId, "output files", map[string]any{"output_files": datatypes.JSON(data)})
}

func (s *RunStore) update(ctx context.Context, runId, what string, updates map[string]any) error {
	err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := ensureRun(txn, runId); err != nil {
			return err
		}
		return txn.Model(&Run{Id: runId}).Updates(updates).Error
	})
	if err != nil {
		slog.Error("error updating run", "run_id", runId, "field", what, "error", err)
		return fmt.Errorf("error saving %s of run %s: %w", what, runId, err)
	}
	return nil
}

// State decodes the stored outcome, nil while the run is still in progress.
func (r *Run) State() *core.RunState {
	if !r.Success.Valid {
		return nil
	}
	return &core.RunState{Success: r.Success.Bool, Exception: r.Exception.String}
}

func (r *Run) MetricValues() (map[string]float64, error) {
	if len(r.Metrics) == 0 {
		return nil, nil
	}
	var metrics map[string]float64
	if err := json.Unmarshal(r.Metrics, &metrics); err != nil {
		return nil, fmt.Errorf("invalid metrics for run %s: %w", r.Id, err)
	}
	return metrics, nil
}

func (r *Run) Files() ([]string, error) {
	if len(r.OutputFiles) == 0 {
		return nil, nil
	}
	var files []string
	if err := json.Unmarshal(r.OutputFiles, &files); err != nil {
		return nil, fmt.Errorf("invalid output files for run %s: %w", r.Id, err)
	}
	return files, nil
}

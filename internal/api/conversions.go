package api

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/geniusrise/geniusrise-text/internal/database"
	"github.com/geniusrise/geniusrise-text/pkg/api"
)

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func convertRun(r database.Run) (api.Run, error) {
	run := api.Run{
		Id:             r.Id,
		Kind:           r.Kind,
		Task:           r.Task,
		Status:         r.Status,
		Stage:          r.Stage,
		CreationTime:   r.CreationTime,
		StartTime:      nullTime(r.StartTime),
		CompletionTime: nullTime(r.CompletionTime),
	}
	if state := r.State(); state != nil {
		run.Success = &state.Success
		run.Exception = state.Exception
	}
	if len(r.Config) > 0 {
		run.Config = json.RawMessage(r.Config)
	}

	var err error
	if run.Metrics, err = r.MetricValues(); err != nil {
		return api.Run{}, err
	}
	if run.OutputFiles, err = r.Files(); err != nil {
		return api.Run{}, err
	}

	for _, s := range r.Stages {
		run.Stages = append(run.Stages, api.RunStage{Stage: s.Stage, Timestamp: s.Timestamp})
	}
	return run, nil
}

func convertRuns(rs []database.Run) ([]api.Run, error) {
	runs := make([]api.Run, 0, len(rs))
	for _, r := range rs {
		run, err := convertRun(r)
		if err != nil {
			return nil, err
		}
		// listings omit the full config
		run.Config = nil
		runs = append(runs, run)
	}
	return runs, nil
}

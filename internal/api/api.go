package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/geniusrise/geniusrise-text/internal/core"
	"github.com/geniusrise/geniusrise-text/internal/database"
	"github.com/geniusrise/geniusrise-text/internal/messaging"
	"github.com/geniusrise/geniusrise-text/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const maxListLimit = 500

type BackendService struct {
	runs      *database.RunStore
	publisher messaging.Publisher
}

func NewBackendService(runs *database.RunStore, publisher messaging.Publisher) *BackendService {
	return &BackendService{runs: runs, publisher: publisher}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(http.ResponseWriter, *http.Request) (any, error) { return nil, nil }))
	r.Post("/finetune", RestHandler(s.SubmitFinetune))
	r.Post("/bulk", RestHandler(s.SubmitBulk))
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListRuns))
		r.Get("/{run_id}", RestHandler(s.GetRun))
	})
}

// parseRunConfig validates the submitted config and assigns a run id if missing.
func parseRunConfig(w http.ResponseWriter, r *http.Request, kind string) (core.RunConfig, error) {
	cfg, err := ParseRequest[core.RunConfig](w, r)
	if err != nil {
		return cfg, err
	}

	if cfg.RunId == "" {
		cfg.RunId = uuid.New().String()
	} else if err := validateName(cfg.RunId); err != nil {
		return cfg, err
	}

	normalized, err := cfg.WithDefaults()
	if err != nil {
		return cfg, CodedErrorf(http.StatusUnprocessableEntity, "invalid run config: %v", err)
	}
	if len(cfg.Training.Command) > 0 {
		return cfg, CodedErrorf(http.StatusUnprocessableEntity, "training commands can only be configured on the worker")
	}
	if kind == database.RunFinetune {
		if err := normalized.ValidateFineTune(); err != nil {
			return cfg, CodedErrorf(http.StatusUnprocessableEntity, "invalid run config: %v", err)
		}
	}

	return cfg, nil
}

func (s *BackendService) submit(ctx context.Context, cfg core.RunConfig, kind string) (any, error) {
	if _, err := s.runs.GetRun(ctx, cfg.RunId); err == nil {
		return nil, CodedErrorf(http.StatusConflict, "run '%s' already exists", cfg.RunId)
	} else if !errors.Is(err, database.ErrRunNotFound) {
		return nil, CodedError(http.StatusInternalServerError, err)
	}

	config, err := json.Marshal(cfg)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error encoding run config: %w", err)
	}
	// the stored config is served by GetRun, so it must not carry the hub token
	stored, err := json.Marshal(cfg.Redacted())
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error encoding run config: %w", err)
	}

	run := &database.Run{
		Id:     cfg.RunId,
		Kind:   kind,
		Task:   string(cfg.Task),
		Status: database.JobQueued,
		Config: datatypes.JSON(stored),
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create run entry")
	}

	payload := messaging.RunTaskPayload{RunId: cfg.RunId, Config: config}
	switch kind {
	case database.RunFinetune:
		err = s.publisher.PublishFinetuneTask(ctx, messaging.FinetuneTaskPayload{RunTaskPayload: payload})
	default:
		err = s.publisher.PublishBulkTask(ctx, messaging.BulkTaskPayload{RunTaskPayload: payload})
	}
	if err != nil {
		slog.Error("error publishing run task", "run_id", cfg.RunId, "kind", kind, "error", err)
		state := core.RunState{Success: false, Exception: fmt.Sprintf("failed to queue task: %v", err)}
		if serr := s.runs.SetState(context.WithoutCancel(ctx), cfg.RunId, state); serr != nil {
			slog.Error("error marking run failed", "run_id", cfg.RunId, "error", serr)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue %s task", kind)
	}

	slog.Info("submitted run", "run_id", cfg.RunId, "kind", kind, "task", cfg.Task)
	return api.SubmitRunResponse{RunId: cfg.RunId}, nil
}

func (s *BackendService) SubmitFinetune(w http.ResponseWriter, r *http.Request) (any, error) {
	cfg, err := parseRunConfig(w, r, database.RunFinetune)
	if err != nil {
		return nil, err
	}
	return s.submit(r.Context(), cfg, database.RunFinetune)
}

func (s *BackendService) SubmitBulk(w http.ResponseWriter, r *http.Request) (any, error) {
	cfg, err := parseRunConfig(w, r, database.RunBulk)
	if err != nil {
		return nil, err
	}
	return s.submit(r.Context(), cfg, database.RunBulk)
}

func (s *BackendService) ListRuns(_ http.ResponseWriter, r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListRunsParams](r)
	if err != nil {
		return nil, err
	}
	if params.Limit < 0 || params.Offset < 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "limit and offset must be non-negative")
	}
	if params.Limit == 0 || params.Limit > maxListLimit {
		params.Limit = maxListLimit
	}

	runs, err := s.runs.ListRuns(r.Context(), database.RunFilter{
		Kind:   params.Kind,
		Task:   params.Task,
		Status: params.Status,
		Limit:  params.Limit,
		Offset: params.Offset,
	})
	if err != nil {
		return nil, CodedError(http.StatusInternalServerError, err)
	}

	out, err := convertRuns(runs)
	if err != nil {
		return nil, CodedError(http.StatusInternalServerError, err)
	}
	return out, nil
}

func (s *BackendService) GetRun(_ http.ResponseWriter, r *http.Request) (any, error) {
	runId := chi.URLParam(r, "run_id")
	if err := validateName(runId); err != nil {
		return nil, err
	}

	run, err := s.runs.GetRun(r.Context(), runId)
	if err != nil {
		if errors.Is(err, database.ErrRunNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "run '%s' not found", runId)
		}
		return nil, CodedError(http.StatusInternalServerError, err)
	}

	out, err := convertRun(*run)
	if err != nil {
		return nil, CodedError(http.StatusInternalServerError, err)
	}
	return out, nil
}

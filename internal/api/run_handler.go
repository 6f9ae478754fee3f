package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fieldnote/analysis-engine/internal/api/shared"
	"github.com/fieldnote/analysis-engine/internal/domain"
	"github.com/fieldnote/analysis-engine/internal/service"
)

// CreateRunRequest represents the request body for creating an analysis run.
type CreateRunRequest struct {
	Scope         string             `json:"scope"           validate:"required,min=1"`
	ModelTag      string             `json:"model_tag"`
	RatePerSecond float64            `json:"rate_per_second" validate:"gte=0"`
	ItemLimit     int                `json:"item_limit"      validate:"gte=0"`
	Items         []ContentItemInput `json:"items"           validate:"required,min=1,dive"`
}

// ContentItemInput is one unit of content submitted for analysis.
type ContentItemInput struct {
	ID      string `json:"id"      validate:"required,uuid"`
	Content string `json:"content" validate:"required,min=1"`
}

// RunResponse represents the response data for a run.
type RunResponse struct {
	ID            string             `json:"id"`
	Scope         string             `json:"scope"`
	Status        string             `json:"status"`
	ModelTag      string             `json:"model_tag"`
	RatePerSecond float64            `json:"rate_per_second"`
	Counters      domain.RunCounters `json:"counters"`
	HeartbeatAge  float64            `json:"heartbeat_age_seconds,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// ResultResponse represents the response data for an analysis result.
type ResultResponse struct {
	ContentItemID string    `json:"content_item_id"`
	Sentiment     string    `json:"sentiment"`
	Impact        string    `json:"impact"`
	ModelTag      string    `json:"model_tag"`
	Fallback      bool      `json:"fallback"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RunHandler handles run-related HTTP requests.
type RunHandler struct {
	runService service.RunService
	validator  *validator.Validate
	logger     *slog.Logger
}

// NewRunHandler creates a new RunHandler.
func NewRunHandler(runService service.RunService, logger *slog.Logger) *RunHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunHandler{
		runService: runService,
		validator:  validator.New(),
		logger:     logger.With("component", "run_handler"),
	}
}

// CreateRun handles POST /api/runs requests. Processing is asynchronous, so
// success is 202 Accepted with the pending run.
func (h *RunHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	items := make([]service.ContentItem, 0, len(req.Items))
	for _, item := range req.Items {
		id, err := uuid.Parse(item.ID)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid content item ID: "+item.ID)
			return
		}
		items = append(items, service.ContentItem{ID: id, Content: item.Content})
	}

	params := domain.RunParams{
		ModelTag:      req.ModelTag,
		RatePerSecond: req.RatePerSecond,
		ItemLimit:     req.ItemLimit,
	}

	run, err := h.runService.CreateRun(r.Context(), req.Scope, params, items)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, runToResponse(run, 0))
}

// ListRuns handles GET /api/runs requests, returning active runs.
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runService.ListActiveRuns(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	responses := make([]RunResponse, 0, len(runs))
	now := time.Now().UTC()
	for _, run := range runs {
		responses = append(responses, runToResponse(run, run.HeartbeatAge(now).Seconds()))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, responses)
}

// GetRun handles GET /api/runs/{id} requests.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseRunID(w, r)
	if !ok {
		return
	}

	report, err := h.runService.GetRunStatus(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, runToResponse(report.Run, report.HeartbeatAge.Seconds()))
}

// CancelRun handles POST /api/runs/{id}/cancel requests.
func (h *RunHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseRunID(w, r)
	if !ok {
		return
	}

	if err := h.runService.CancelRun(r.Context(), id); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetResult handles GET /api/results/{content_item_id} requests.
func (h *RunHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	contentItemID, err := uuid.Parse(chi.URLParam(r, "content_item_id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid content item ID")
		return
	}

	result, err := h.runService.GetResult(r.Context(), contentItemID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, ResultResponse{
		ContentItemID: result.ContentItemID.String(),
		Sentiment:     string(result.Sentiment),
		Impact:        string(result.Impact),
		ModelTag:      result.ModelTag,
		Fallback:      result.Fallback,
		UpdatedAt:     result.UpdatedAt,
	})
}

// GetDeferredStats handles GET /api/stats/deferred requests.
func (h *RunHandler) GetDeferredStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.runService.DeferredStats(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// parseRunID pulls and validates the run ID path parameter, writing the
// error response itself on failure.
func (h *RunHandler) parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid run ID")
		return uuid.Nil, false
	}
	return id, true
}

// runToResponse converts a domain.Run to a RunResponse.
func runToResponse(run *domain.Run, heartbeatAgeSeconds float64) RunResponse {
	return RunResponse{
		ID:            run.ID.String(),
		Scope:         run.Scope,
		Status:        string(run.Status),
		ModelTag:      run.Params.ModelTag,
		RatePerSecond: run.Params.RatePerSecond,
		Counters:      run.Counters,
		HeartbeatAge:  heartbeatAgeSeconds,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
	}
}

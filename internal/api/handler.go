package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/delivery"
	"github.com/lalithlochan/bulletin/internal/job"
	"github.com/lalithlochan/bulletin/internal/recipients"
	"github.com/lalithlochan/bulletin/internal/tracking"
)

// maxBodyBytes bounds request bodies; bulletins with attachments are large.
const maxBodyBytes = 32 << 20

type RecipientValidator interface {
	Validate(ctx context.Context, text string) (*recipients.Result, error)
}

// JobService defines the job lifecycle operations the API exposes
type JobService interface {
	CreateJob(ctx context.Context, subject string) (*job.SendJob, error)
	StartSend(ctx context.Context, jobID uuid.UUID, req delivery.StartRequest) (*job.SendJob, error)
	GetSendStatus(ctx context.Context, jobID uuid.UUID) (*delivery.StatusView, error)
	ResumeRetry(ctx context.Context, jobID uuid.UUID) error
}

type ChunkProcessor interface {
	ProcessChunk(ctx context.Context, jobID uuid.UUID, req delivery.ChunkRequest) (*delivery.ChunkOutcome, error)
}

// ChunkEnqueuer hands a chunk to the task queue instead of processing it
// in the request.
type ChunkEnqueuer interface {
	EnqueueChunk(ctx context.Context, jobID uuid.UUID, chunkIndex, totalChunks int, recipients []string) (string, error)
}

type AnalyticsReporter interface {
	GetAnalytics(ctx context.Context, jobID uuid.UUID) (*tracking.Report, error)
}

// ValidateRequest carries free-text recipient input, one address per line.
type ValidateRequest struct {
	Text string `json:"text"`
}

type CreateJobRequest struct {
	Subject string `json:"subject"`
}

type ChunkRequest struct {
	ChunkIndex  int      `json:"chunk_index"`
	TotalChunks int      `json:"total_chunks"`
	Recipients  []string `json:"recipients"`
}

// ChunkAccepted is returned when a chunk was queued rather than processed.
type ChunkAccepted struct {
	JobID      string `json:"job_id"`
	ChunkIndex int    `json:"chunk_index"`
	MessageID  string `json:"message_id"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	validator  RecipientValidator
	jobs       JobService
	chunks     ChunkProcessor
	analytics  AnalyticsReporter
	chunkQueue ChunkEnqueuer
}

func NewHandler(logger *zap.Logger, validator RecipientValidator, jobs JobService, chunks ChunkProcessor, analytics AnalyticsReporter) *Handler {
	return &Handler{
		logger:    logger,
		validator: validator,
		jobs:      jobs,
		chunks:    chunks,
		analytics: analytics,
	}
}

// NewHandlerWithQueue creates a handler that accepts ?async=true chunk
// submissions through queue.
func NewHandlerWithQueue(logger *zap.Logger, validator RecipientValidator, jobs JobService, chunks ChunkProcessor, analytics AnalyticsReporter, queue ChunkEnqueuer) *Handler {
	h := NewHandler(logger, validator, jobs, chunks, analytics)
	h.chunkQueue = queue
	return h
}

// Register mounts the operator routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/recipients/validate", h.ValidateRecipients)
	r.Post("/jobs", h.CreateJob)
	r.Post("/jobs/{id}/send", h.StartSend)
	r.Post("/jobs/{id}/chunks", h.ProcessChunk)
	r.Get("/jobs/{id}/status", h.GetSendStatus)
	r.Post("/jobs/{id}/retry", h.ResumeRetry)
	r.Get("/jobs/{id}/analytics", h.GetAnalytics)
}

// ValidateRecipients handles POST /v1/recipients/validate. The body is either
// JSON {"text": "..."} or the raw text itself.
func (h *Handler) ValidateRecipients(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	text, err := h.recipientText(w, r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed request body", err.Error())
		return
	}

	result, err := h.validator.Validate(ctx, text)
	if err != nil {
		h.logger.Error("failed to validate recipients", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to validate recipients", "")
		return
	}

	h.logger.Info("recipients validated",
		zap.Int("valid", result.Valid),
		zap.Int("invalid", result.Invalid),
		zap.Int("new", result.New),
	)
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) recipientText(w http.ResponseWriter, r *http.Request) (string, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return string(body), nil
	}
	var req ValidateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", err
	}
	return req.Text, nil
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if !h.decode(w, r, &req) {
		return
	}

	j, err := h.jobs.CreateJob(r.Context(), req.Subject)
	if err != nil {
		h.writeServiceError(w, err, "Failed to create job")
		return
	}
	h.writeJSON(w, http.StatusCreated, j)
}

// StartSend handles POST /v1/jobs/{id}/send
func (h *Handler) StartSend(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}
	var req delivery.StartRequest
	if !h.decode(w, r, &req) {
		return
	}

	j, err := h.jobs.StartSend(r.Context(), jobID, req)
	if err != nil {
		h.writeServiceError(w, err, "Failed to start send")
		return
	}
	h.writeJSON(w, http.StatusOK, j)
}

// ProcessChunk handles POST /v1/jobs/{id}/chunks[?async=true]
func (h *Handler) ProcessChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}
	var req ChunkRequest
	if !h.decode(w, r, &req) {
		return
	}

	if r.URL.Query().Get("async") == "true" {
		h.enqueueChunk(w, r, jobID, req)
		return
	}

	out, err := h.chunks.ProcessChunk(ctx, jobID, delivery.ChunkRequest{
		ChunkIndex:  req.ChunkIndex,
		TotalChunks: req.TotalChunks,
		Recipients:  req.Recipients,
	})
	if err != nil {
		h.writeServiceError(w, err, "Failed to process chunk")
		return
	}
	if out.Replayed {
		w.Header().Set("X-Chunk-Replayed", "true")
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) enqueueChunk(w http.ResponseWriter, r *http.Request, jobID uuid.UUID, req ChunkRequest) {
	if h.chunkQueue == nil {
		h.writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "Asynchronous chunks are not enabled", "")
		return
	}
	if req.TotalChunks < 1 || req.ChunkIndex < 0 || req.ChunkIndex >= req.TotalChunks {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid chunk", "chunk_index must be within [0, total_chunks)")
		return
	}

	messageID, err := h.chunkQueue.EnqueueChunk(r.Context(), jobID, req.ChunkIndex, req.TotalChunks, req.Recipients)
	if err != nil {
		h.logger.Error("failed to enqueue chunk",
			zap.Error(err),
			zap.String("job_id", jobID.String()),
			zap.Int("chunk_index", req.ChunkIndex),
		)
		h.writeError(w, http.StatusInternalServerError, "queue_error", "Failed to enqueue chunk", "")
		return
	}
	h.writeJSON(w, http.StatusAccepted, ChunkAccepted{
		JobID:      jobID.String(),
		ChunkIndex: req.ChunkIndex,
		MessageID:  messageID,
	})
}

// GetSendStatus handles GET /v1/jobs/{id}/status
func (h *Handler) GetSendStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	view, err := h.jobs.GetSendStatus(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get send status")
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// ResumeRetry handles POST /v1/jobs/{id}/retry
func (h *Handler) ResumeRetry(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	if err := h.jobs.ResumeRetry(r.Context(), jobID); err != nil {
		h.writeServiceError(w, err, "Failed to resume retry")
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID.String(),
		"status": "retry_triggered",
	})
}

// GetAnalytics handles GET /v1/jobs/{id}/analytics
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	report, err := h.analytics.GetAnalytics(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get analytics")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid job ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return true
}

// writeServiceError maps engine sentinels to problem responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, delivery.ErrInvalidRequest),
		errors.Is(err, job.ErrInvalidSettings),
		errors.Is(err, job.ErrTotalChunksMismatch),
		errors.Is(err, job.ErrChunkIndexOutOfRange),
		errors.Is(err, job.ErrRecipientOverflow):
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, err.Error())
	case errors.Is(err, delivery.ErrJobNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
	case errors.Is(err, tracking.ErrAnalyticsNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Analytics not found", "")
	case delivery.IsConflict(err):
		h.writeError(w, http.StatusConflict, "in_flight", title, err.Error())
	case errors.Is(err, delivery.ErrNotAccepting),
		errors.Is(err, job.ErrIllegalTransition):
		h.writeError(w, http.StatusConflict, "invalid_state", title, err.Error())
	default:
		h.logger.Error(title, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

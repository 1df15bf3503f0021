package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/delivery"
	"github.com/lalithlochan/bulletin/internal/job"
	"github.com/lalithlochan/bulletin/internal/recipients"
	"github.com/lalithlochan/bulletin/internal/tracking"
)

var ErrDatabaseError = errors.New("database error")

func nopLogger() *zap.Logger { return zap.NewNop() }

// MockValidator records the text it was asked to validate
type MockValidator struct {
	text   string
	result *recipients.Result
	err    error
}

func (m *MockValidator) Validate(_ context.Context, text string) (*recipients.Result, error) {
	m.text = text
	return m.result, m.err
}

// MockJobs is a fake job service keyed by job id
type MockJobs struct {
	jobs       map[uuid.UUID]*job.SendJob
	startErr   error
	resumeErr  error
	resumed    []uuid.UUID
	lastStart  delivery.StartRequest
	createFail bool
}

func NewMockJobs() *MockJobs {
	return &MockJobs{jobs: make(map[uuid.UUID]*job.SendJob)}
}

func (m *MockJobs) CreateJob(_ context.Context, subject string) (*job.SendJob, error) {
	if m.createFail {
		return nil, ErrDatabaseError
	}
	if strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("%w: subject is required", delivery.ErrInvalidRequest)
	}
	j := &job.SendJob{ID: uuid.New(), Subject: subject, Status: job.StatusDraft}
	m.jobs[j.ID] = j
	return j, nil
}

func (m *MockJobs) StartSend(_ context.Context, jobID uuid.UUID, req delivery.StartRequest) (*job.SendJob, error) {
	m.lastStart = req
	if m.startErr != nil {
		return nil, m.startErr
	}
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, delivery.ErrJobNotFound
	}
	j.Status = job.StatusSending
	j.RecipientCount = req.RecipientCount
	return j, nil
}

func (m *MockJobs) GetSendStatus(_ context.Context, jobID uuid.UUID) (*delivery.StatusView, error) {
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, delivery.ErrJobNotFound
	}
	return &delivery.StatusView{JobID: j.ID, Status: j.Status, RecipientCount: j.RecipientCount}, nil
}

func (m *MockJobs) ResumeRetry(_ context.Context, jobID uuid.UUID) error {
	if m.resumeErr != nil {
		return m.resumeErr
	}
	m.resumed = append(m.resumed, jobID)
	return nil
}

type MockChunks struct {
	outcome *delivery.ChunkOutcome
	err     error
	calls   []delivery.ChunkRequest
}

func (m *MockChunks) ProcessChunk(_ context.Context, _ uuid.UUID, req delivery.ChunkRequest) (*delivery.ChunkOutcome, error) {
	m.calls = append(m.calls, req)
	return m.outcome, m.err
}

type MockQueue struct {
	enqueued int
	err      error
}

func (m *MockQueue) EnqueueChunk(context.Context, uuid.UUID, int, int, []string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.enqueued++
	return "msg-1", nil
}

type MockAnalytics struct {
	report *tracking.Report
	err    error
}

func (m *MockAnalytics) GetAnalytics(context.Context, uuid.UUID) (*tracking.Report, error) {
	return m.report, m.err
}

type testDeps struct {
	validator *MockValidator
	jobs      *MockJobs
	chunks    *MockChunks
	analytics *MockAnalytics
	queue     *MockQueue
}

func newTestRouter(deps testDeps) http.Handler {
	if deps.validator == nil {
		deps.validator = &MockValidator{result: &recipients.Result{}}
	}
	if deps.jobs == nil {
		deps.jobs = NewMockJobs()
	}
	if deps.chunks == nil {
		deps.chunks = &MockChunks{}
	}
	if deps.analytics == nil {
		deps.analytics = &MockAnalytics{err: tracking.ErrAnalyticsNotFound}
	}

	var h *Handler
	if deps.queue != nil {
		h = NewHandlerWithQueue(nopLogger(), deps.validator, deps.jobs, deps.chunks, deps.analytics, deps.queue)
	} else {
		h = NewHandler(nopLogger(), deps.validator, deps.jobs, deps.chunks, deps.analytics)
	}
	r := chi.NewRouter()
	r.Route("/v1", h.Register)
	return r
}

func doRequest(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %s", ct)
	}
	var problem ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode problem: %v", err)
	}
	return problem
}

func TestValidateRecipients(t *testing.T) {
	t.Run("json body", func(t *testing.T) {
		v := &MockValidator{result: &recipients.Result{Valid: 2, Invalid: 1, New: 1}}
		router := newTestRouter(testDeps{validator: v})

		rec := doRequest(t, router, "POST", "/v1/recipients/validate", ValidateRequest{Text: "a@x.com\nbad-email"})

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if v.text != "a@x.com\nbad-email" {
			t.Errorf("validator got %q", v.text)
		}
		var result recipients.Result
		json.NewDecoder(rec.Body).Decode(&result)
		if result.Valid != 2 || result.Invalid != 1 {
			t.Errorf("unexpected result %+v", result)
		}
	})

	t.Run("plain text body", func(t *testing.T) {
		v := &MockValidator{result: &recipients.Result{}}
		router := newTestRouter(testDeps{validator: v})

		req := httptest.NewRequest("POST", "/v1/recipients/validate", strings.NewReader("a@x.com\nb@y.com"))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if v.text != "a@x.com\nb@y.com" {
			t.Errorf("validator got %q", v.text)
		}
	})

	t.Run("store failure", func(t *testing.T) {
		router := newTestRouter(testDeps{validator: &MockValidator{err: ErrDatabaseError}})

		rec := doRequest(t, router, "POST", "/v1/recipients/validate", ValidateRequest{Text: "a@x.com"})
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
	})
}

func TestCreateJob(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		createFail bool
		expected   int
	}{
		{"created", CreateJobRequest{Subject: "October bulletin"}, false, http.StatusCreated},
		{"blank subject", CreateJobRequest{Subject: "  "}, false, http.StatusBadRequest},
		{"store failure", CreateJobRequest{Subject: "x"}, true, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := NewMockJobs()
			jobs.createFail = tt.createFail
			router := newTestRouter(testDeps{jobs: jobs})

			rec := doRequest(t, router, "POST", "/v1/jobs", tt.body)
			if rec.Code != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, rec.Code)
			}
		})
	}
}

func TestCreateJob_MalformedJSON(t *testing.T) {
	router := newTestRouter(testDeps{})

	req := httptest.NewRequest("POST", "/v1/jobs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if problem := decodeProblem(t, rec); problem.Type != "invalid_request" {
		t.Errorf("type = %s", problem.Type)
	}
}

func TestStartSend(t *testing.T) {
	jobs := NewMockJobs()
	draft, _ := jobs.CreateJob(context.Background(), "Hello")
	router := newTestRouter(testDeps{jobs: jobs})

	rec := doRequest(t, router, "POST", "/v1/jobs/"+draft.ID.String()+"/send", delivery.StartRequest{
		HTML:           "<p>hi</p>",
		RecipientCount: 30,
		Settings:       job.Settings{RetryChunkSizes: []int{10, 5, 1}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if jobs.lastStart.RecipientCount != 30 || len(jobs.lastStart.Settings.RetryChunkSizes) != 3 {
		t.Errorf("request not forwarded: %+v", jobs.lastStart)
	}
}

func TestStartSend_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
		errType  string
	}{
		{"invalid settings", fmt.Errorf("%w: %w", delivery.ErrInvalidRequest, job.ErrInvalidSettings), http.StatusBadRequest, "invalid_request"},
		{"illegal transition", fmt.Errorf("%w: sent -> sending", job.ErrIllegalTransition), http.StatusConflict, "invalid_state"},
		{"version conflict", delivery.ErrVersionConflict, http.StatusConflict, "in_flight"},
		{"not found", delivery.ErrJobNotFound, http.StatusNotFound, "not_found"},
		{"persistence", ErrDatabaseError, http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := NewMockJobs()
			jobs.startErr = tt.err
			router := newTestRouter(testDeps{jobs: jobs})

			rec := doRequest(t, router, "POST", "/v1/jobs/"+uuid.NewString()+"/send", delivery.StartRequest{HTML: "<p/>"})
			if rec.Code != tt.expected {
				t.Fatalf("expected %d, got %d", tt.expected, rec.Code)
			}
			if problem := decodeProblem(t, rec); problem.Type != tt.errType || problem.Status != tt.expected {
				t.Errorf("unexpected problem %+v", problem)
			}
		})
	}
}

func TestInvalidJobID(t *testing.T) {
	router := newTestRouter(testDeps{})

	paths := []struct{ method, path string }{
		{"POST", "/v1/jobs/not-a-uuid/send"},
		{"POST", "/v1/jobs/not-a-uuid/chunks"},
		{"GET", "/v1/jobs/not-a-uuid/status"},
		{"POST", "/v1/jobs/not-a-uuid/retry"},
		{"GET", "/v1/jobs/not-a-uuid/analytics"},
	}
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			rec := doRequest(t, router, p.method, p.path, map[string]any{})
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestProcessChunk(t *testing.T) {
	chunks := &MockChunks{outcome: &delivery.ChunkOutcome{
		Result:          job.ChunkResult{ChunkIndex: 1, SentCount: 2},
		Status:          job.StatusSending,
		TotalSent:       2,
		CompletedChunks: 1,
		TotalChunks:     3,
	}}
	router := newTestRouter(testDeps{chunks: chunks})

	rec := doRequest(t, router, "POST", "/v1/jobs/"+uuid.NewString()+"/chunks", ChunkRequest{
		ChunkIndex:  1,
		TotalChunks: 3,
		Recipients:  []string{"a@x.com", "b@y.com"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(chunks.calls) != 1 || chunks.calls[0].ChunkIndex != 1 || len(chunks.calls[0].Recipients) != 2 {
		t.Errorf("unexpected chunk calls %+v", chunks.calls)
	}
	if rec.Header().Get("X-Chunk-Replayed") != "" {
		t.Error("fresh chunk should not be marked replayed")
	}
}

func TestProcessChunk_Replayed(t *testing.T) {
	chunks := &MockChunks{outcome: &delivery.ChunkOutcome{Status: job.StatusSending, Replayed: true}}
	router := newTestRouter(testDeps{chunks: chunks})

	rec := doRequest(t, router, "POST", "/v1/jobs/"+uuid.NewString()+"/chunks", ChunkRequest{TotalChunks: 1})
	if rec.Header().Get("X-Chunk-Replayed") != "true" {
		t.Error("expected replay header")
	}
}

func TestProcessChunk_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"mismatch", job.ErrTotalChunksMismatch, http.StatusBadRequest},
		{"out of range", job.ErrChunkIndexOutOfRange, http.StatusBadRequest},
		{"overflow", job.ErrRecipientOverflow, http.StatusBadRequest},
		{"in flight", delivery.ErrChunkInFlight, http.StatusConflict},
		{"not accepting", delivery.ErrNotAccepting, http.StatusConflict},
		{"not found", delivery.ErrJobNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(testDeps{chunks: &MockChunks{err: tt.err}})

			rec := doRequest(t, router, "POST", "/v1/jobs/"+uuid.NewString()+"/chunks", ChunkRequest{TotalChunks: 3})
			if rec.Code != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, rec.Code)
			}
		})
	}
}

func TestProcessChunk_Async(t *testing.T) {
	t.Run("queued", func(t *testing.T) {
		queue, chunks := &MockQueue{}, &MockChunks{}
		router := newTestRouter(testDeps{queue: queue, chunks: chunks})

		rec := doRequest(t, router, "POST", "/v1/jobs/"+uuid.NewString()+"/chunks?async=true", ChunkRequest{
			ChunkIndex:  0,
			TotalChunks: 2,
			Recipients:  []string{"a@x.com"},
		})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", rec.Code)
		}
		if queue.enqueued != 1 || len(chunks.calls) != 0 {
			t.Errorf("expected enqueue only, enqueued=%d processed=%d", queue.enqueued, len(chunks.calls))
		}
		var accepted ChunkAccepted
		json.NewDecoder(rec.Body).Decode(&accepted)
		if accepted.MessageID != "msg-1" {
			t.Errorf("message id = %s", accepted.MessageID)
		}
	})

	t.Run("invalid index", func(t *testing.T) {
		queue := &MockQueue{}
		router := newTestRouter(testDeps{queue: queue})

		rec := doRequest(t, router, "POST", "/v1/jobs/"+uuid.NewString()+"/chunks?async=true", ChunkRequest{ChunkIndex: 2, TotalChunks: 2})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
		if queue.enqueued != 0 {
			t.Error("invalid chunk should not be enqueued")
		}
	})

	t.Run("no queue", func(t *testing.T) {
		router := newTestRouter(testDeps{})

		rec := doRequest(t, router, "POST", "/v1/jobs/"+uuid.NewString()+"/chunks?async=true", ChunkRequest{TotalChunks: 1})
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rec.Code)
		}
	})

	t.Run("enqueue failure", func(t *testing.T) {
		router := newTestRouter(testDeps{queue: &MockQueue{err: errors.New("throttled")}})

		rec := doRequest(t, router, "POST", "/v1/jobs/"+uuid.NewString()+"/chunks?async=true", ChunkRequest{TotalChunks: 1})
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
	})
}

func TestGetSendStatus(t *testing.T) {
	jobs := NewMockJobs()
	j, _ := jobs.CreateJob(context.Background(), "Hello")
	router := newTestRouter(testDeps{jobs: jobs})

	rec := doRequest(t, router, "GET", "/v1/jobs/"+j.ID.String()+"/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view delivery.StatusView
	json.NewDecoder(rec.Body).Decode(&view)
	if view.JobID != j.ID || view.Status != job.StatusDraft {
		t.Errorf("unexpected view %+v", view)
	}

	rec = doRequest(t, router, "GET", "/v1/jobs/"+uuid.NewString()+"/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestResumeRetry(t *testing.T) {
	jobs := NewMockJobs()
	router := newTestRouter(testDeps{jobs: jobs})
	id := uuid.New()

	rec := doRequest(t, router, "POST", "/v1/jobs/"+id.String()+"/retry", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(jobs.resumed) != 1 || jobs.resumed[0] != id {
		t.Errorf("unexpected resumed %v", jobs.resumed)
	}

	jobs.resumeErr = delivery.ErrNotAccepting
	rec = doRequest(t, router, "POST", "/v1/jobs/"+id.String()+"/retry", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestGetAnalytics(t *testing.T) {
	jobID := uuid.New()
	report := &tracking.Report{JobID: jobID, TotalRecipients: 10, TotalOpens: 3, UniqueOpens: 2, OpenRate: 20}
	router := newTestRouter(testDeps{analytics: &MockAnalytics{report: report}})

	rec := doRequest(t, router, "GET", "/v1/jobs/"+jobID.String()+"/analytics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got tracking.Report
	json.NewDecoder(rec.Body).Decode(&got)
	if got.UniqueOpens != 2 || got.TotalOpens != 3 {
		t.Errorf("unexpected report %+v", got)
	}

	router = newTestRouter(testDeps{})
	rec = doRequest(t, router, "GET", "/v1/jobs/"+jobID.String()+"/analytics", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

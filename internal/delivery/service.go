package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/job"
)

// Provisioner creates the job's analytics record and returns html with
// tracked links and the open pixel embedded.
type Provisioner interface {
	Provision(ctx context.Context, jobID uuid.UUID, recipientCount int, html string) (string, error)
}

// StartRequest moves a draft job into sending.
type StartRequest struct {
	HTML           string           `json:"html"`
	Subject        string           `json:"subject,omitempty"`
	FromAddress    string           `json:"from_address,omitempty"`
	ReplyTo        string           `json:"reply_to,omitempty"`
	Attachments    []job.Attachment `json:"attachments,omitempty"`
	RecipientCount int              `json:"recipient_count"`
	TotalChunks    int              `json:"total_chunks,omitempty"`
	Settings       job.Settings     `json:"settings"`
}

// Defaults are applied to fields a StartRequest leaves empty.
type Defaults struct {
	FromAddress string
	ReplyTo     string
	Settings    job.Settings
}

// Service exposes the job lifecycle operations.
type Service struct {
	store       JobStore
	provisioner Provisioner
	trigger     RetryTrigger
	defaults    Defaults
	logger      *zap.Logger
	now         func() time.Time
}

// NewService creates a job service. provisioner and trigger may be nil.
func NewService(store JobStore, provisioner Provisioner, trigger RetryTrigger, defaults Defaults, logger *zap.Logger) *Service {
	return &Service{
		store:       store,
		provisioner: provisioner,
		trigger:     trigger,
		defaults:    defaults,
		logger:      logger,
		now:         time.Now,
	}
}

// CreateJob stores a new draft job.
func (s *Service) CreateJob(ctx context.Context, subject string) (*job.SendJob, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidRequest)
	}
	now := s.now()
	j := &job.SendJob{
		ID:        uuid.New(),
		Status:    job.StatusDraft,
		Subject:   subject,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

// StartSend validates req, instruments the HTML for tracking and moves the
// job from draft to sending.
func (s *Service) StartSend(ctx context.Context, jobID uuid.UUID, req StartRequest) (*job.SendJob, error) {
	if strings.TrimSpace(req.HTML) == "" {
		return nil, fmt.Errorf("%w: html is required", ErrInvalidRequest)
	}
	if req.RecipientCount < 1 {
		return nil, fmt.Errorf("%w: recipient_count must be >= 1", ErrInvalidRequest)
	}
	if req.TotalChunks < 0 {
		return nil, fmt.Errorf("%w: total_chunks must be >= 0", ErrInvalidRequest)
	}
	settings := req.Settings.WithDefaults(s.defaults.Settings)
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	from := firstNonEmpty(req.FromAddress, s.defaults.FromAddress)
	if from == "" {
		return nil, fmt.Errorf("%w: from_address is required", ErrInvalidRequest)
	}
	for i, a := range req.Attachments {
		if a.Filename == "" {
			return nil, fmt.Errorf("%w: attachment %d missing filename", ErrInvalidRequest, i)
		}
	}

	current, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := job.Transition(current.Status, job.StatusSending); err != nil {
		return nil, err
	}
	if firstNonEmpty(req.Subject, current.Subject) == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidRequest)
	}

	html := req.HTML
	if s.provisioner != nil {
		html, err = s.provisioner.Provision(ctx, jobID, req.RecipientCount, req.HTML)
		if err != nil {
			return nil, fmt.Errorf("provision tracking: %w", err)
		}
	}

	j, err := mutate(ctx, s.store, jobID, func(j *job.SendJob) error {
		if err := j.MoveTo(job.StatusSending); err != nil {
			return err
		}
		j.Subject = firstNonEmpty(req.Subject, j.Subject)
		j.HTML = html
		j.FromAddress = from
		j.ReplyTo = firstNonEmpty(req.ReplyTo, s.defaults.ReplyTo)
		j.Attachments = req.Attachments
		j.Settings = settings
		j.RecipientCount = req.RecipientCount
		j.Progress = job.Progress{TotalChunks: req.TotalChunks}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("send started",
		zap.String("job_id", jobID.String()),
		zap.Int("recipient_count", j.RecipientCount),
		zap.Int("total_chunks", req.TotalChunks),
		zap.Int("concurrency", settings.Concurrency),
	)
	return j, nil
}

// StatusView is the queryable progress of a job.
type StatusView struct {
	JobID                uuid.UUID              `json:"job_id"`
	Status               job.Status             `json:"status"`
	RecipientCount       int                    `json:"recipient_count"`
	CompletionPercentage float64                `json:"completion_percentage"`
	TotalSent            int                    `json:"total_sent"`
	TotalFailed          int                    `json:"total_failed"`
	CompletedChunks      int                    `json:"completed_chunks"`
	TotalChunks          int                    `json:"total_chunks"`
	ChunkResults         []*job.ChunkResult     `json:"chunk_results"`
	LastChunkCompletedAt *time.Time             `json:"last_chunk_completed_at,omitempty"`
	RetryInProgress      bool                   `json:"retry_in_progress"`
	RetryStartedAt       *time.Time             `json:"retry_started_at,omitempty"`
	RetryCompletedAt     *time.Time             `json:"retry_completed_at,omitempty"`
	FailedEmails         []string               `json:"failed_emails"`
	RetryChunkSizes      []int                  `json:"retry_chunk_sizes,omitempty"`
	CurrentRetryStage    int                    `json:"current_retry_stage"`
	Recovered            int                    `json:"recovered"`
	RetryStages          []job.StageResult      `json:"retry_stages,omitempty"`
	PermanentFailures    []job.RecipientOutcome `json:"permanent_failures,omitempty"`
	SentAt               *time.Time             `json:"sent_at,omitempty"`
	Version              int                    `json:"version"`
}

// GetSendStatus reports the job's current progress.
func (s *Service) GetSendStatus(ctx context.Context, jobID uuid.UUID) (*StatusView, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	p := &j.Progress
	failed := p.FailedEmails
	if failed == nil {
		failed = []string{}
	}
	return &StatusView{
		JobID:                j.ID,
		Status:               j.Status,
		RecipientCount:       j.RecipientCount,
		CompletionPercentage: p.CompletionPercentage(j.RecipientCount),
		TotalSent:            p.TotalSent,
		TotalFailed:          p.TotalFailed,
		CompletedChunks:      p.CompletedChunks,
		TotalChunks:          p.TotalChunks,
		ChunkResults:         p.ChunkResults,
		LastChunkCompletedAt: p.LastChunkCompletedAt,
		RetryInProgress:      p.RetryInProgress,
		RetryStartedAt:       p.RetryStartedAt,
		RetryCompletedAt:     p.RetryCompletedAt,
		FailedEmails:         failed,
		RetryChunkSizes:      p.RetryChunkSizes,
		CurrentRetryStage:    p.CurrentRetryStage,
		Recovered:            p.Recovered,
		RetryStages:          p.RetryStages,
		PermanentFailures:    p.PermanentFailures,
		SentAt:               j.SentAt,
		Version:              j.Version,
	}, nil
}

// ResumeRetry re-triggers escalation for a job parked in retrying.
func (s *Service) ResumeRetry(ctx context.Context, jobID uuid.UUID) error {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != job.StatusRetrying {
		return fmt.Errorf("%w: job %s is %s", ErrNotAccepting, jobID, j.Status)
	}
	if s.trigger == nil {
		return fmt.Errorf("%w: no retry trigger configured", ErrNotAccepting)
	}
	return s.trigger.TriggerRetry(ctx, jobID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

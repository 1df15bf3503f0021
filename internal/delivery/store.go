// Package delivery drives a send job from draft to a terminal status: it
// dispatches caller-partitioned chunks, merges their results by index into the
// durable progress record, and escalates residual failures through shrinking
// retry stages.
package delivery

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/job"
	"github.com/lalithlochan/bulletin/internal/mailer"
	"github.com/lalithlochan/bulletin/internal/metrics"
)

var (
	ErrJobNotFound     = job.ErrNotFound
	ErrVersionConflict = job.ErrVersionConflict

	// ErrChunkInFlight is returned when the same chunk index is already being
	// dispatched by another invocation.
	ErrChunkInFlight = errors.New("chunk is already being processed")
	// ErrStageInFlight is returned when another invocation holds the lease for
	// the current retry stage.
	ErrStageInFlight = errors.New("retry stage is already being processed")
	// ErrNotAccepting is returned when the job's status does not allow the
	// requested operation.
	ErrNotAccepting = errors.New("job is not accepting this operation")
	// ErrInvalidRequest wraps caller input that fails validation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrTransportUnavailable is returned when a retry batch was refused in
	// full by an open circuit breaker. Nothing from the batch is recorded.
	ErrTransportUnavailable = errors.New("transport unavailable")
)

// JobStore persists send jobs. UpdateJob must reject a stale Version with
// ErrVersionConflict.
type JobStore interface {
	CreateJob(ctx context.Context, j *job.SendJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*job.SendJob, error)
	UpdateJob(ctx context.Context, j *job.SendJob) error
}

// ReplayCache remembers dispatched chunk results. Acquire returns the cached
// bytes when present; acquired is false with nil bytes while another
// invocation holds the key.
type ReplayCache interface {
	Acquire(ctx context.Context, key string) (cached []byte, acquired bool, err error)
	Complete(ctx context.Context, key string, result []byte) error
	Release(ctx context.Context, key string) error
}

// Locker hands out expiring single-holder leases.
type Locker interface {
	Lease(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlease(ctx context.Context, key, token string) error
}

// Sender delivers one message with per-message retry.
type Sender interface {
	Send(ctx context.Context, msg *mailer.Message, s job.Settings) mailer.Result
}

// RecipientLedger records successful deliveries against hashed recipients.
type RecipientLedger interface {
	MarkSent(ctx context.Context, emails []string, at time.Time) error
}

// RetryTrigger schedules the escalation of a job that entered retrying.
type RetryTrigger interface {
	TriggerRetry(ctx context.Context, jobID uuid.UUID) error
}

// Event is published when a job reaches a terminal status.
type Event struct {
	JobID             uuid.UUID `json:"job_id"`
	Status            string    `json:"status"`
	RecipientCount    int       `json:"recipient_count"`
	TotalSent         int       `json:"total_sent"`
	TotalFailed       int       `json:"total_failed"`
	Recovered         int       `json:"recovered"`
	PermanentFailures int       `json:"permanent_failures"`
	FinishedAt        time.Time `json:"finished_at"`
}

// EventPublisher fans job lifecycle events out to subscribers.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, ev Event) error
}

const maxMutateAttempts = 8

// errSkipWrite tells mutate the loaded job needs no update.
var errSkipWrite = errors.New("skip write")

// mutate is the read-modify-write loop over one job. fn is applied to a
// freshly loaded copy on every attempt, so it must be deterministic with
// respect to the job it receives.
func mutate(ctx context.Context, store JobStore, id uuid.UUID, fn func(*job.SendJob) error) (*job.SendJob, error) {
	for attempt := 1; ; attempt++ {
		j, err := store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(j); err != nil {
			if errors.Is(err, errSkipWrite) {
				return j, nil
			}
			return nil, err
		}

		err = store.UpdateJob(ctx, j)
		if err == nil {
			return j, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= maxMutateAttempts {
			return nil, err
		}
		metrics.RecordVersionConflict()

		delay := time.Duration(attempt)*5*time.Millisecond + rand.N(5*time.Millisecond)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func finishedEvent(j *job.SendJob, at time.Time) Event {
	return Event{
		JobID:             j.ID,
		Status:            j.Status.String(),
		RecipientCount:    j.RecipientCount,
		TotalSent:         j.Progress.TotalSent,
		TotalFailed:       j.Progress.TotalFailed,
		Recovered:         j.Progress.Recovered,
		PermanentFailures: len(j.Progress.PermanentFailures),
		FinishedAt:        at,
	}
}

// announce records and publishes a terminal status. Failures are logged only;
// the job itself is already durable.
func announce(ctx context.Context, events EventPublisher, logger *zap.Logger, j *job.SendJob, at time.Time) {
	metrics.RecordJobFinished(j.Status.String())
	logger.Info("send job finished",
		zap.String("job_id", j.ID.String()),
		zap.String("status", j.Status.String()),
		zap.Int("total_sent", j.Progress.TotalSent),
		zap.Int("total_failed", j.Progress.TotalFailed),
		zap.Int("permanent_failures", len(j.Progress.PermanentFailures)),
	)
	if events == nil {
		return
	}
	if err := events.PublishJobEvent(ctx, finishedEvent(j, at)); err != nil {
		logger.Error("failed to publish job event",
			zap.Error(err),
			zap.String("job_id", j.ID.String()),
		)
	}
}

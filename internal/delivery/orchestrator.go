package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/job"
	"github.com/lalithlochan/bulletin/internal/metrics"
)

// ChunkRequest is one caller-partitioned batch of a job.
type ChunkRequest struct {
	ChunkIndex  int      `json:"chunk_index"`
	TotalChunks int      `json:"total_chunks"`
	Recipients  []string `json:"recipients"`
}

// ChunkOutcome is returned to the caller after a chunk has been merged.
type ChunkOutcome struct {
	Result          job.ChunkResult `json:"result"`
	Status          job.Status      `json:"status"`
	TotalSent       int             `json:"total_sent"`
	TotalFailed     int             `json:"total_failed"`
	CompletedChunks int             `json:"completed_chunks"`
	TotalChunks     int             `json:"total_chunks"`
	// Replayed is true when no mail was sent because the chunk's result was
	// already known.
	Replayed bool `json:"replayed"`
}

// Orchestrator dispatches chunks and merges their results into the job.
type Orchestrator struct {
	store   JobStore
	cache   ReplayCache
	ledger  RecipientLedger
	trigger RetryTrigger
	events  EventPublisher
	send    *dispatcher
	logger  *zap.Logger
	now     func() time.Time
}

// OrchestratorOption configures optional collaborators.
type OrchestratorOption func(*Orchestrator)

// WithReplayCache guards chunk dispatch against concurrent and repeated
// invocations.
func WithReplayCache(c ReplayCache) OrchestratorOption {
	return func(o *Orchestrator) { o.cache = c }
}

// WithRecipientLedger updates lastSent for delivered addresses.
func WithRecipientLedger(l RecipientLedger) OrchestratorOption {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithRetryTrigger schedules escalation when a job enters retrying.
func WithRetryTrigger(t RetryTrigger) OrchestratorOption {
	return func(o *Orchestrator) { o.trigger = t }
}

// WithEvents publishes terminal status events.
func WithEvents(p EventPublisher) OrchestratorOption {
	return func(o *Orchestrator) { o.events = p }
}

// WithOrchestratorClock overrides time.Now.
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an orchestrator over store and sender.
func NewOrchestrator(store JobStore, sender Sender, logger *zap.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:  store,
		send:   &dispatcher{sender: sender, logger: logger},
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func chunkCacheKey(jobID uuid.UUID, index int) string {
	return fmt.Sprintf("%s:%d", jobID, index)
}

// ProcessChunk sends req.Recipients and merges the resulting ChunkResult at
// req.ChunkIndex. A chunk whose slot is already recorded, or whose result is
// held by the replay cache, is merged again without sending.
func (o *Orchestrator) ProcessChunk(ctx context.Context, jobID uuid.UUID, req ChunkRequest) (*ChunkOutcome, error) {
	j, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if slot := j.Progress.Slot(req.ChunkIndex); slot != nil && j.Progress.TotalChunks == req.TotalChunks {
		return outcomeFor(j, *slot, true), nil
	}
	if j.Status != job.StatusSending {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotAccepting, jobID, j.Status)
	}
	if err := j.Progress.CheckChunk(req.ChunkIndex, req.TotalChunks, len(req.Recipients), j.RecipientCount); err != nil {
		return nil, err
	}

	logger := o.logger.With(
		zap.String("job_id", jobID.String()),
		zap.Int("chunk_index", req.ChunkIndex),
	)

	result, replayed, err := o.resolve(ctx, j, req, logger)
	if err != nil {
		return nil, err
	}
	return o.merge(ctx, jobID, req.TotalChunks, result, replayed, logger)
}

// resolve produces the chunk result, either from the replay cache or by
// dispatching the recipients.
func (o *Orchestrator) resolve(ctx context.Context, j *job.SendJob, req ChunkRequest, logger *zap.Logger) (job.ChunkResult, bool, error) {
	key := chunkCacheKey(j.ID, req.ChunkIndex)

	if o.cache != nil {
		cached, acquired, err := o.cache.Acquire(ctx, key)
		switch {
		case err != nil:
			logger.Warn("replay cache unavailable, dispatching unguarded", zap.Error(err))
		case cached != nil:
			var r job.ChunkResult
			if err := json.Unmarshal(cached, &r); err != nil {
				return job.ChunkResult{}, false, fmt.Errorf("decode cached chunk result: %w", err)
			}
			logger.Info("replaying cached chunk result")
			return r, true, nil
		case !acquired:
			return job.ChunkResult{}, false, fmt.Errorf("%w: chunk %d of job %s", ErrChunkInFlight, req.ChunkIndex, j.ID)
		default:
			// a caller gone before anything was sent must not leave the
			// chunk marked in flight until the marker expires
			if err := ctx.Err(); err != nil {
				if rerr := o.cache.Release(context.WithoutCancel(ctx), key); rerr != nil {
					logger.Warn("failed to release chunk marker", zap.Error(rerr))
				}
				return job.ChunkResult{}, false, fmt.Errorf("chunk %d not dispatched: %w", req.ChunkIndex, err)
			}
		}
	}

	start := o.now()
	outcomes, _ := o.send.dispatch(ctx, j, req.Recipients)
	result := job.NewChunkResult(req.ChunkIndex, outcomes, o.now())
	metrics.RecordChunkDuration(o.now().Sub(start))

	logger.Info("chunk dispatched",
		zap.Int("sent", result.SentCount),
		zap.Int("failed", result.FailedCount),
	)

	if o.cache != nil {
		payload, err := json.Marshal(result)
		if err == nil {
			err = o.cache.Complete(ctx, key, payload)
		}
		if err != nil {
			logger.Warn("failed to cache chunk result", zap.Error(err))
		}
	}
	return result, false, nil
}

// merge writes result into its slot and applies the completion transition.
func (o *Orchestrator) merge(ctx context.Context, jobID uuid.UUID, totalChunks int, result job.ChunkResult, replayed bool, logger *zap.Logger) (*ChunkOutcome, error) {
	var finished, retrying, merged bool
	now := o.now()

	j, err := mutate(ctx, o.store, jobID, func(j *job.SendJob) error {
		finished, retrying, merged = false, false, false
		if j.Status != job.StatusSending {
			if j.Progress.Slot(result.ChunkIndex) != nil {
				return errSkipWrite
			}
			return fmt.Errorf("%w: job %s is %s", ErrNotAccepting, jobID, j.Status)
		}
		if err := j.Progress.Merge(result, totalChunks, j.RecipientCount); err != nil {
			return err
		}
		merged = true

		if !j.Progress.Complete() {
			return nil
		}
		if j.Progress.TotalFailed == 0 {
			if err := j.MoveTo(job.StatusSent); err != nil {
				return err
			}
			j.SentAt = &now
			finished = true
			return nil
		}
		if err := j.MoveTo(job.StatusRetrying); err != nil {
			return err
		}
		j.Progress.BeginRetry(j.Settings.RetryChunkSizes, now)
		retrying = true
		return nil
	})
	if err != nil {
		logger.Error("failed to merge chunk result", zap.Error(err))
		return nil, fmt.Errorf("merge chunk %d: %w", result.ChunkIndex, err)
	}

	if merged {
		metrics.RecordChunkMerged()
		logger.Info("chunk merged",
			zap.Int("completed_chunks", j.Progress.CompletedChunks),
			zap.Int("total_chunks", j.Progress.TotalChunks),
			zap.String("status", j.Status.String()),
		)
	}

	if (finished || retrying) && j.Progress.TotalSent+j.Progress.TotalFailed < j.RecipientCount {
		// every slot is filled but the chunks carried fewer addresses than
		// the job declared; the status view reports the gap as unsent
		logger.Warn("job completed short of its recipient count",
			zap.Int("recipient_count", j.RecipientCount),
			zap.Int("accounted", j.Progress.TotalSent+j.Progress.TotalFailed),
		)
	}

	if merged && !replayed && o.ledger != nil {
		if err := o.ledger.MarkSent(ctx, succeeded(result.Results), now); err != nil {
			logger.Warn("failed to update recipient last sent", zap.Error(err))
		}
	}

	if finished {
		announce(ctx, o.events, o.logger, j, now)
	}
	if retrying {
		logger.Info("job entered retry escalation",
			zap.Int("failed", len(j.Progress.FailedEmails)),
			zap.Ints("schedule", j.Progress.RetryChunkSizes),
		)
		if o.trigger != nil {
			if err := o.trigger.TriggerRetry(ctx, jobID); err != nil {
				// the job stays in retrying and can be resumed explicitly
				logger.Error("failed to trigger retry", zap.Error(err))
			}
		}
	}

	return outcomeFor(j, result, replayed || !merged), nil
}

func outcomeFor(j *job.SendJob, r job.ChunkResult, replayed bool) *ChunkOutcome {
	return &ChunkOutcome{
		Result:          r,
		Status:          j.Status,
		TotalSent:       j.Progress.TotalSent,
		TotalFailed:     j.Progress.TotalFailed,
		CompletedChunks: j.Progress.CompletedChunks,
		TotalChunks:     j.Progress.TotalChunks,
		Replayed:        replayed,
	}
}

// IsConflict reports errors a caller may resolve by retrying later.
func IsConflict(err error) bool {
	return errors.Is(err, ErrChunkInFlight) ||
		errors.Is(err, ErrStageInFlight) ||
		errors.Is(err, ErrVersionConflict)
}

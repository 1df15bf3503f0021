// Package worker executes queued chunk and retry-stage tasks against the
// delivery engine.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/delivery"
	"github.com/lalithlochan/bulletin/internal/job"
	"github.com/lalithlochan/bulletin/internal/metrics"
	"github.com/lalithlochan/bulletin/internal/sqs"
)

// Queue is the task source.
type Queue interface {
	Receive(ctx context.Context, max int32) ([]sqs.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

type ChunkProcessor interface {
	ProcessChunk(ctx context.Context, jobID uuid.UUID, req delivery.ChunkRequest) (*delivery.ChunkOutcome, error)
}

type StageRunner interface {
	RunStage(ctx context.Context, jobID uuid.UUID) (bool, error)
}

type Worker struct {
	queue   Queue
	chunks  ChunkProcessor
	stages  StageRunner
	trigger delivery.RetryTrigger
	config  Config
	logger  *zap.Logger
}

type Config struct {
	BatchSize    int32
	Concurrency  int
	MaxReceives  int
	ConflictWait time.Duration
	ErrorBackoff time.Duration
}

// New creates a worker. trigger enqueues the next retry stage after one
// finishes without reaching a terminal status.
func New(queue Queue, chunks ChunkProcessor, stages StageRunner, trigger delivery.RetryTrigger, cfg Config, logger *zap.Logger) *Worker {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 5
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = int(cfg.BatchSize)
	}
	if cfg.MaxReceives == 0 {
		cfg.MaxReceives = 5
	}
	if cfg.ConflictWait == 0 {
		cfg.ConflictWait = 30 * time.Second
	}
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}

	return &Worker{
		queue:   queue,
		chunks:  chunks,
		stages:  stages,
		trigger: trigger,
		config:  cfg,
		logger:  logger,
	}
}

// Start polls until ctx is cancelled. Receive long-polls, so there is no
// ticker between batches.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker started",
		zap.Int32("batch_size", w.config.BatchSize),
		zap.Int("concurrency", w.config.Concurrency),
	)
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return
		}

		tasks, err := w.queue.Receive(ctx, w.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("failed to receive tasks", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(w.config.ErrorBackoff):
			}
			continue
		}
		w.processBatch(ctx, tasks)
	}
}

func (w *Worker) processBatch(ctx context.Context, tasks []sqs.Received) {
	if len(tasks) == 0 {
		return
	}
	metrics.SetSQSMessagesInFlight(len(tasks))
	defer metrics.SetSQSMessagesInFlight(0)

	sem := make(chan struct{}, w.config.Concurrency)
	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.processTask(ctx, t)
		}()
	}
	wg.Wait()
}

// outcome of one task execution: ack deletes the message, retry leaves it to
// reappear after the visibility timeout, postpone makes it visible again
// after ConflictWait.
type outcome int

const (
	ack outcome = iota
	retry
	postpone
)

func (w *Worker) processTask(ctx context.Context, r sqs.Received) {
	logger := w.logger.With(
		zap.String("job_id", r.Task.JobID.String()),
		zap.String("kind", r.Task.Kind),
		zap.Int("receive_count", r.ReceiveCount),
	)

	if r.ReceiveCount > w.config.MaxReceives {
		logger.Error("task exceeded max receives, dropping")
		w.delete(ctx, r, logger)
		return
	}

	var result outcome
	switch r.Task.Kind {
	case sqs.KindChunk:
		result = w.runChunk(ctx, r.Task, logger)
	case sqs.KindRetryStage:
		result = w.runStage(ctx, r.Task, logger)
	default:
		logger.Error("unknown task kind")
		result = ack
	}

	switch result {
	case ack:
		w.delete(ctx, r, logger)
	case postpone:
		if err := w.queue.ChangeVisibility(ctx, r.ReceiptHandle, int32(w.config.ConflictWait.Seconds())); err != nil {
			logger.Warn("failed to postpone task", zap.Error(err))
		}
	}
}

func (w *Worker) runChunk(ctx context.Context, t sqs.Task, logger *zap.Logger) outcome {
	out, err := w.chunks.ProcessChunk(ctx, t.JobID, delivery.ChunkRequest{
		ChunkIndex:  t.ChunkIndex,
		TotalChunks: t.TotalChunks,
		Recipients:  t.Recipients,
	})
	if err != nil {
		return w.classify(err, logger.With(zap.Int("chunk_index", t.ChunkIndex)))
	}
	logger.Info("chunk task processed",
		zap.Int("chunk_index", t.ChunkIndex),
		zap.String("status", out.Status.String()),
		zap.Bool("replayed", out.Replayed),
	)
	return ack
}

func (w *Worker) runStage(ctx context.Context, t sqs.Task, logger *zap.Logger) outcome {
	done, err := w.stages.RunStage(ctx, t.JobID)
	if err != nil {
		if errors.Is(err, delivery.ErrStageInFlight) {
			// the holder enqueues the next stage itself
			logger.Info("retry stage held elsewhere")
			return ack
		}
		return w.classify(err, logger)
	}
	if done {
		return ack
	}
	if err := w.trigger.TriggerRetry(ctx, t.JobID); err != nil {
		// the stage's progress is durable; redelivery resumes from it
		logger.Error("failed to enqueue next retry stage", zap.Error(err))
		return retry
	}
	return ack
}

// classify decides whether a failed task can succeed on redelivery.
func (w *Worker) classify(err error, logger *zap.Logger) outcome {
	switch {
	case delivery.IsConflict(err):
		logger.Info("task conflicts with an in-flight invocation, postponing", zap.Error(err))
		return postpone
	case errors.Is(err, delivery.ErrTransportUnavailable):
		logger.Warn("transport unavailable, postponing", zap.Error(err))
		return postpone
	case errors.Is(err, delivery.ErrJobNotFound),
		errors.Is(err, delivery.ErrNotAccepting),
		errors.Is(err, job.ErrTotalChunksMismatch),
		errors.Is(err, job.ErrChunkIndexOutOfRange),
		errors.Is(err, job.ErrRecipientOverflow),
		errors.Is(err, job.ErrIllegalTransition):
		logger.Warn("task rejected, dropping", zap.Error(err))
		return ack
	default:
		logger.Error("task failed, will be redelivered", zap.Error(err))
		return retry
	}
}

func (w *Worker) delete(ctx context.Context, r sqs.Received, logger *zap.Logger) {
	if err := w.queue.Delete(context.WithoutCancel(ctx), r.ReceiptHandle); err != nil {
		logger.Warn("failed to delete task", zap.Error(err))
	}
}

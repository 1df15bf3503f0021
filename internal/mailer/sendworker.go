package mailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/job"
	"github.com/lalithlochan/bulletin/internal/metrics"
	"github.com/lalithlochan/bulletin/internal/observ"
)

const defaultBaseBackoff = 1 * time.Second

// ErrAttemptTimeout is returned when one delivery attempt exceeds its wall-clock budget.
var ErrAttemptTimeout = errors.New("send attempt timed out")

// SendWorker delivers one message with bounded retries. Only transient
// failures are retried; anything else fails on the first attempt.
type SendWorker struct {
	transport   Transport
	logger      *zap.Logger
	baseBackoff time.Duration
}

// Option configures a SendWorker.
type Option func(*SendWorker)

// WithBaseBackoff sets the first retry delay. Later delays double from it.
func WithBaseBackoff(d time.Duration) Option {
	return func(w *SendWorker) { w.baseBackoff = d }
}

func NewSendWorker(transport Transport, logger *zap.Logger, opts ...Option) *SendWorker {
	w := &SendWorker{
		transport:   transport,
		logger:      logger,
		baseBackoff: defaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Send delivers msg, retrying transient failures up to s.MaxAttempts times
// with exponential backoff capped at s.MaxBackoff.
func (w *SendWorker) Send(ctx context.Context, msg *Message, s job.Settings) Result {
	if err := msg.Validate(); err != nil {
		return Result{Err: err}
	}

	maxAttempts := s.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := w.backoff(attempt-1, s.MaxBackoff())
			w.logger.Debug("retrying send",
				observ.Email(msg.To),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			if err := sleep(ctx, delay); err != nil {
				return Result{Err: lastErr, Transient: true, Attempts: attempt - 1}
			}
		}

		id, err := w.attempt(ctx, msg, s.AttemptTimeout())
		if err == nil {
			metrics.RecordSendAttempt("ok")
			return Result{Success: true, MessageID: id, Attempts: attempt}
		}

		lastErr = err
		transient := IsTransient(err)
		metrics.RecordSendAttempt(attemptLabel(err, transient))

		if !transient {
			w.logger.Warn("send failed permanently",
				observ.Email(msg.To),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return Result{Err: err, Attempts: attempt}
		}
		if ctx.Err() != nil {
			return Result{Err: err, Transient: true, Attempts: attempt}
		}
	}

	w.logger.Warn("send failed after retries",
		observ.Email(msg.To),
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)
	return Result{Err: lastErr, Transient: true, Attempts: maxAttempts}
}

// attempt runs one Deliver call under a wall-clock timeout. A transport that
// ignores its context still cannot hold the worker past the deadline.
func (w *SendWorker) attempt(ctx context.Context, msg *Message, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		return w.transport.Deliver(ctx, msg)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type delivered struct {
		id  string
		err error
	}
	done := make(chan delivered, 1)
	go func() {
		id, err := w.transport.Deliver(attemptCtx, msg)
		done <- delivered{id: id, err: err}
	}()

	select {
	case d := <-done:
		return d.id, d.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w after %s: %w", ErrAttemptTimeout, timeout, context.DeadlineExceeded)
	}
}

// backoff returns min(base * 2^(n-1), cap) for the n-th retry.
func (w *SendWorker) backoff(n int, ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	delay := w.baseBackoff
	for i := 1; i < n && delay < ceiling; i++ {
		delay *= 2
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func attemptLabel(err error, transient bool) string {
	switch {
	case errors.Is(err, ErrAttemptTimeout):
		return "timeout"
	case transient:
		return "transient"
	default:
		return "permanent"
	}
}

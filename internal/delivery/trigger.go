package delivery

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InlineTrigger runs escalation in a detached goroutine of this process. It
// is used when no task queue is configured.
type InlineTrigger struct {
	controller *RetryController
	logger     *zap.Logger
	wg         sync.WaitGroup
}

func NewInlineTrigger(controller *RetryController, logger *zap.Logger) *InlineTrigger {
	return &InlineTrigger{controller: controller, logger: logger}
}

// TriggerRetry starts Run for jobID. The run outlives the caller's context
// but keeps its values.
func (t *InlineTrigger) TriggerRetry(ctx context.Context, jobID uuid.UUID) error {
	ctx = context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.controller.Run(ctx, jobID); err != nil {
			if errors.Is(err, ErrStageInFlight) {
				t.logger.Info("retry already running elsewhere", zap.String("job_id", jobID.String()))
				return
			}
			t.logger.Error("retry escalation failed",
				zap.Error(err),
				zap.String("job_id", jobID.String()),
			)
		}
	}()
	return nil
}

// Wait blocks until every triggered run has returned.
func (t *InlineTrigger) Wait() {
	t.wg.Wait()
}

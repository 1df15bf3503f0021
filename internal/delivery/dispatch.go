package delivery

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/bulletin/internal/circuitbreaker"
	"github.com/lalithlochan/bulletin/internal/job"
	"github.com/lalithlochan/bulletin/internal/mailer"
	"github.com/lalithlochan/bulletin/internal/metrics"
	"github.com/lalithlochan/bulletin/internal/recipients"
)

const invalidRecipientError = "invalid recipient address"

// dispatcher sends one job's message to a list of addresses with bounded
// concurrency and a fixed gap between send starts.
type dispatcher struct {
	sender Sender
	logger *zap.Logger
}

// dispatch returns one outcome per input address, in input order. Addresses
// that do not normalize are reported as failed without a send. rejected
// counts sends refused by an open circuit breaker.
func (d *dispatcher) dispatch(ctx context.Context, j *job.SendJob, addresses []string) (outcomes []job.RecipientOutcome, rejected int) {
	outcomes = make([]job.RecipientOutcome, len(addresses))
	if len(addresses) == 0 {
		return outcomes, 0
	}

	limit := j.Settings.Concurrency
	if limit < 1 {
		limit = 1
	}
	if limit > len(addresses) {
		limit = len(addresses)
	}

	var g errgroup.Group
	g.SetLimit(limit)
	var refused atomic.Int64

	pacing := j.Settings.Pacing()
	for i, raw := range addresses {
		email, ok := recipients.Normalize(raw)
		if !ok {
			outcomes[i] = job.RecipientOutcome{Email: raw, Error: invalidRecipientError}
			metrics.RecordRecipientSend("invalid")
			continue
		}

		if i > 0 && pacing > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(pacing):
			}
		}

		msg := &mailer.Message{
			To:          email,
			From:        j.FromAddress,
			ReplyTo:     j.ReplyTo,
			Subject:     j.Subject,
			HTML:        j.HTML,
			Attachments: j.Attachments,
		}
		g.Go(func() error {
			res := d.sender.Send(ctx, msg, j.Settings)
			outcomes[i] = res.Outcome(email)
			if errors.Is(res.Err, circuitbreaker.ErrCircuitOpen) {
				refused.Add(1)
			}
			if res.Success {
				metrics.RecordRecipientSend("sent")
			} else {
				metrics.RecordRecipientSend("failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes, int(refused.Load())
}

func succeeded(outcomes []job.RecipientOutcome) []string {
	var emails []string
	for _, o := range outcomes {
		if o.Success {
			emails = append(emails, o.Email)
		}
	}
	return emails
}

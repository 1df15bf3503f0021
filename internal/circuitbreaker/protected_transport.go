package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/mailer"
	"github.com/lalithlochan/bulletin/internal/observ"
)

// ProtectedTransport decorates a mailer.Transport with a CircuitBreaker.
// Only transient failures count against the breaker: a rejected address says
// nothing about the health of the transport.
type ProtectedTransport struct {
	transport mailer.Transport
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

func NewProtectedTransport(transport mailer.Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		transport: transport,
		breaker:   breaker,
		logger:    logger,
	}
}

func (p *ProtectedTransport) Deliver(ctx context.Context, msg *mailer.Message) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Debug("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			observ.Email(msg.To),
		)
		return "", mailer.MarkTransient(fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.Name()))
	}

	id, err := p.transport.Deliver(ctx, msg)
	if err != nil {
		if mailer.IsTransient(err) && !errors.Is(err, context.Canceled) {
			p.breaker.RecordFailure()
		} else {
			p.breaker.RecordSuccess()
		}
		return "", err
	}

	p.breaker.RecordSuccess()
	return id, nil
}

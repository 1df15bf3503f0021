package mailer

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/observ"
)

// LogTransport logs messages instead of sending them (for development)
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Deliver(ctx context.Context, msg *Message) (string, error) {
	id := "log-" + uuid.NewString()
	t.logger.Info("logging message (development mode)",
		observ.Email(msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("html_bytes", len(msg.HTML)),
		zap.Int("attachments", len(msg.Attachments)),
		zap.String("message_id", id),
	)
	return id, nil
}

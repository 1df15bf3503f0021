package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/observ"
)

// SESAPI is the subset of the SES client used by SESTransport.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
	SendRawEmail(ctx context.Context, params *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
}

// SESTransport sends HTML mail through Amazon SES. Messages with attachments
// go out as raw MIME.
type SESTransport struct {
	client SESAPI
	logger *zap.Logger
}

type SESConfig struct {
	Region   string
	Endpoint string
}

func NewSESTransport(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	client := ses.NewFromConfig(awsCfg, func(o *ses.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSESTransportWithClient(client, logger), nil
}

func NewSESTransportWithClient(client SESAPI, logger *zap.Logger) *SESTransport {
	return &SESTransport{client: client, logger: logger}
}

func (t *SESTransport) Deliver(ctx context.Context, msg *Message) (string, error) {
	if len(msg.Attachments) > 0 {
		return t.deliverRaw(ctx, msg)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data:    aws.String(msg.HTML),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	result, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}
	if result.MessageId == nil {
		return "", errors.New("ses send returned no message id")
	}

	t.logger.Debug("email sent via SES",
		observ.Email(msg.To),
		zap.String("message_id", *result.MessageId),
	)
	return *result.MessageId, nil
}

func (t *SESTransport) deliverRaw(ctx context.Context, msg *Message) (string, error) {
	raw, err := BuildMIME(msg)
	if err != nil {
		return "", fmt.Errorf("build mime: %w", err)
	}

	result, err := t.client.SendRawEmail(ctx, &ses.SendRawEmailInput{
		Source:       aws.String(msg.From),
		Destinations: []string{msg.To},
		RawMessage:   &types.RawMessage{Data: raw},
	})
	if err != nil {
		return "", fmt.Errorf("ses raw send failed: %w", err)
	}
	if result.MessageId == nil {
		return "", errors.New("ses raw send returned no message id")
	}

	t.logger.Debug("raw email sent via SES",
		observ.Email(msg.To),
		zap.String("message_id", *result.MessageId),
		zap.Int("attachments", len(msg.Attachments)),
	)
	return *result.MessageId, nil
}

// Package sns publishes send job lifecycle events to an SNS topic.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/delivery"
)

// EventJobFinished is the event_type attribute of terminal status events.
const EventJobFinished = "job.finished"

// API is the subset of the SNS client used here.
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher handles SNS topic publishing.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// Message is the JSON envelope published to the topic.
type Message struct {
	EventType string         `json:"event_type"`
	Job       delivery.Event `json:"job"`
}

// NewPublisher creates a publisher for topicARN. A non-empty endpoint
// overrides the service endpoint (LocalStack).
func NewPublisher(ctx context.Context, topicARN, region, endpoint string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewPublisherWithClient(client, topicARN, logger), nil
}

func NewPublisherWithClient(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
		logger:   logger,
	}
}

// PublishJobEvent sends ev with status attributes subscribers can filter on.
func (p *Publisher) PublishJobEvent(ctx context.Context, ev delivery.Event) error {
	payload, err := json.Marshal(Message{EventType: EventJobFinished, Job: ev})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(EventJobFinished),
			},
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.Status),
			},
			"permanent_failures": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(ev.PermanentFailures)),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("job event published",
		zap.String("job_id", ev.JobID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// Package sqs carries independently invoked units of work (chunk dispatches
// and retry stages) over an SQS queue.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the service endpoint (LocalStack) when set.
	Endpoint string
}

// Task kinds.
const (
	KindChunk      = "chunk"
	KindRetryStage = "retry_stage"
)

// Task is the payload sent to SQS.
type Task struct {
	Kind        string    `json:"kind"`
	JobID       uuid.UUID `json:"job_id"`
	ChunkIndex  int       `json:"chunk_index,omitempty"`
	TotalChunks int       `json:"total_chunks,omitempty"`
	Recipients  []string  `json:"recipients,omitempty"`
	EnqueuedAt  int64     `json:"enqueued_at"`
}

// Validate rejects tasks a worker could not execute.
func (t *Task) Validate() error {
	if t.JobID == uuid.Nil {
		return errors.New("task missing job id")
	}
	switch t.Kind {
	case KindChunk:
		if t.TotalChunks < 1 {
			return errors.New("chunk task missing total chunks")
		}
	case KindRetryStage:
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
	return nil
}

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// NewClient builds an SQS client for cfg.Region.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Producer sends tasks to SQS.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
	now      func() time.Time
}

// NewProducer creates a producer over client.
func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized",
		zap.String("queue_url", queueURL),
	)
	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
		now:      time.Now,
	}
}

// Enqueue sends one task. Returns the message ID for tracking.
func (p *Producer) Enqueue(ctx context.Context, task Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	task.EnqueuedAt = p.now().UnixNano()

	body, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {DataType: aws.String("String"), StringValue: aws.String(task.Kind)},
		},
	})
	if err != nil {
		p.logger.Error("failed to send task to sqs",
			zap.Error(err),
			zap.String("job_id", task.JobID.String()),
			zap.String("kind", task.Kind),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}
	return aws.ToString(result.MessageId), nil
}

// EnqueueChunk schedules one chunk dispatch.
func (p *Producer) EnqueueChunk(ctx context.Context, jobID uuid.UUID, chunkIndex, totalChunks int, recipients []string) (string, error) {
	return p.Enqueue(ctx, Task{
		Kind:        KindChunk,
		JobID:       jobID,
		ChunkIndex:  chunkIndex,
		TotalChunks: totalChunks,
		Recipients:  recipients,
	})
}

// TriggerRetry schedules the job's next retry stage.
func (p *Producer) TriggerRetry(ctx context.Context, jobID uuid.UUID) error {
	_, err := p.Enqueue(ctx, Task{Kind: KindRetryStage, JobID: jobID})
	return err
}

// Consumer reads tasks from SQS.
type Consumer struct {
	client            API
	queueURL          string
	visibilityTimeout int32
	logger            *zap.Logger
}

// NewConsumer creates a consumer over client.
func NewConsumer(client API, queueURL string, logger *zap.Logger) *Consumer {
	logger.Info("sqs consumer initialized",
		zap.String("queue_url", queueURL),
	)
	return &Consumer{
		client:            client,
		queueURL:          queueURL,
		visibilityTimeout: 300,
		logger:            logger,
	}
}

// Received is a task together with its receipt handle.
type Received struct {
	Task          Task
	ReceiptHandle string
	ReceiveCount  int
}

// Receive retrieves up to max tasks with long polling. Messages that cannot
// be decoded are deleted so they do not block the queue.
func (c *Consumer) Receive(ctx context.Context, max int32) ([]Received, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: max,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   c.visibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	out := make([]Received, 0, len(result.Messages))
	for _, m := range result.Messages {
		var task Task
		err := json.Unmarshal([]byte(aws.ToString(m.Body)), &task)
		if err == nil {
			err = task.Validate()
		}
		if err != nil {
			c.logger.Error("discarding invalid task", zap.Error(err))
			if derr := c.Delete(ctx, aws.ToString(m.ReceiptHandle)); derr != nil {
				c.logger.Warn("failed to delete invalid task", zap.Error(derr))
			}
			continue
		}
		out = append(out, Received{
			Task:          task,
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			ReceiveCount:  receiveCount(m.Attributes),
		})
	}
	return out, nil
}

// Delete removes a message from SQS after successful processing.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ChangeVisibility sets when a message becomes visible again.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}

func receiveCount(attrs map[string]string) int {
	n, _ := strconv.Atoi(attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	return n
}

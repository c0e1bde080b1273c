package deliveryqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/rs/zerolog"
	"github.com/sessionly/sessionly-go/broadcast"
	"github.com/sessionly/sessionly-go/notificationdao"
	sessionlycli "github.com/sessionly/sessionly-go/sessionly-cli"
)

const (
	defaultMaxAttempts = 5

	FailureReasonAttribute = "failure_reason"
	SourceMessageAttribute = "source_message_id"
	ReceiveCountAttribute  = "receive_count"
)

// ErrNoDeadLetterQueue is returned for exhausted jobs when no dead-letter
// queue is configured; the record stays on the queue for its redrive policy.
var ErrNoDeadLetterQueue = errors.New("no dead-letter queue configured")

// Deliverer pushes a persisted notification to its recipient.
type Deliverer interface {
	Deliver(ctx context.Context, n notificationdao.Notification) broadcast.Report
}

type Recorder interface {
	Event(ctx context.Context, name sessionlycli.MetricName, dimensions ...map[sessionlycli.DimensionName]string)
}

// Consumer processes delivery jobs from SQS.
type Consumer struct {
	Deliverer          Deliverer
	SQS                sqsiface.SQSAPI
	DeadLetterQueueURL string
	MaxAttempts        int // receives before a job is dead-lettered (default 5)
	Logger             zerolog.Logger
	Metrics            Recorder
}

// HandleSQSEvent delivers each record independently and reports the ones to
// retry as batch item failures. It only returns an error when it cannot
// report at all.
func (c *Consumer) HandleSQSEvent(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range event.Records {
		if err := c.processRecord(ctx, record); err != nil {
			c.Logger.Warn().Err(err).
				Str("message_id", record.MessageId).
				Msg("delivery failed, will retry")
			c.event(ctx, sessionlycli.DeliveryRetriedMetric)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}
	return resp, nil
}

func (c *Consumer) processRecord(ctx context.Context, record events.SQSMessage) error {
	attempts := receiveCount(record)

	job, err := decodeJob(record.Body)
	if err != nil {
		return c.deadLetter(ctx, record, attempts, err)
	}

	logger := c.Logger.With().
		Str("message_id", record.MessageId).
		Str("notification_id", job.Notification.ID).
		Int("attempt", attempts).
		Logger()

	report := c.Deliverer.Deliver(ctx, job.Notification)
	if report.Err == nil {
		logger.Debug().
			Int("delivered", report.Count(broadcast.StatusDelivered)).
			Int("gone", report.Count(broadcast.StatusGone)).
			Int("failed", report.Count(broadcast.StatusFailed)).
			Msg("notification delivered")
		return nil
	}

	if attempts >= c.maxAttempts() {
		return c.deadLetter(ctx, record, attempts, report.Err)
	}
	return fmt.Errorf("delivering notification %v: %w", job.Notification.ID, report.Err)
}

// deadLetter moves record to the dead-letter queue. A nil return acknowledges
// the original message; if the dead-letter send fails the record is retried.
func (c *Consumer) deadLetter(ctx context.Context, record events.SQSMessage, attempts int, reason error) error {
	logger := c.Logger.With().
		Str("message_id", record.MessageId).
		Int("attempt", attempts).
		Logger()

	if c.DeadLetterQueueURL == "" {
		logger.Error().Err(reason).Msg("cannot dead-letter job")
		return fmt.Errorf("message %v: %w: %v", record.MessageId, ErrNoDeadLetterQueue, reason)
	}

	_, err := c.SQS.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.DeadLetterQueueURL),
		MessageBody: aws.String(record.Body),
		MessageAttributes: map[string]*sqs.MessageAttributeValue{
			FailureReasonAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason.Error()),
			},
			SourceMessageAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.MessageId),
			},
			ReceiveCountAttribute: {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(attempts)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("dead-lettering message %v: %w", record.MessageId, err)
	}

	logger.Error().Err(reason).Msg("job dead-lettered")
	c.event(ctx, sessionlycli.DeliveryDeadLetterMetric)
	return nil
}

func (c *Consumer) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return c.MaxAttempts
}

func (c *Consumer) event(ctx context.Context, name sessionlycli.MetricName) {
	if c.Metrics != nil {
		c.Metrics.Event(ctx, name, sessionlycli.Operation("delivery"))
	}
}

func receiveCount(record events.SQSMessage) int {
	n, err := strconv.Atoi(record.Attributes["ApproximateReceiveCount"])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

package deliveryqueue

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
)

const pollWaitSeconds = 20

// Poll feeds the consumer from queueURL until ctx is done. It stands in for
// the Lambda SQS trigger when running in console mode: records the consumer
// accepts are deleted, failed ones become visible again after the queue's
// visibility timeout.
func (c *Consumer) Poll(ctx context.Context, queueURL string) error {
	for {
		out, err := c.SQS.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: aws.Int64(10),
			WaitTimeSeconds:     aws.Int64(pollWaitSeconds),
			AttributeNames:      []*string{aws.String(sqs.MessageSystemAttributeNameApproximateReceiveCount)},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving from %v: %w", queueURL, err)
		}
		if len(out.Messages) == 0 {
			continue
		}

		event := toEvent(queueURL, out.Messages)
		resp, err := c.HandleSQSEvent(ctx, event)
		if err != nil {
			return err
		}

		failed := map[string]bool{}
		for _, f := range resp.BatchItemFailures {
			failed[f.ItemIdentifier] = true
		}
		for _, msg := range out.Messages {
			if failed[aws.StringValue(msg.MessageId)] {
				continue
			}
			if _, err := c.SQS.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(queueURL),
				ReceiptHandle: msg.ReceiptHandle,
			}); err != nil {
				c.Logger.Warn().Err(err).Str("message_id", aws.StringValue(msg.MessageId)).Msg("failed to delete message")
			}
		}
	}
}

func toEvent(queueURL string, messages []*sqs.Message) events.SQSEvent {
	var event events.SQSEvent
	for _, msg := range messages {
		attributes := map[string]string{}
		for k, v := range msg.Attributes {
			attributes[k] = aws.StringValue(v)
		}
		event.Records = append(event.Records, events.SQSMessage{
			MessageId:      aws.StringValue(msg.MessageId),
			ReceiptHandle:  aws.StringValue(msg.ReceiptHandle),
			Body:           aws.StringValue(msg.Body),
			Attributes:     attributes,
			EventSourceARN: queueURL,
		})
	}
	return event
}

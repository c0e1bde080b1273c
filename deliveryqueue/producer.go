package deliveryqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/sessionly/sessionly-go/notificationdao"
)

// Producer enqueues delivery jobs.
type Producer struct {
	client   sqsiface.SQSAPI
	queueURL string
	now      func() time.Time
}

func NewProducer(client sqsiface.SQSAPI, queueURL string) *Producer {
	return &Producer{
		client:   client,
		queueURL: queueURL,
		now:      time.Now,
	}
}

// ResolveQueueURL looks up the url of a queue by name.
func ResolveQueueURL(ctx context.Context, client sqsiface.SQSAPI, name string) (string, error) {
	out, err := client.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("resolving queue url for %v: %w", name, err)
	}
	return aws.StringValue(out.QueueUrl), nil
}

// Enqueue sends n to the delivery queue.
func (p *Producer) Enqueue(ctx context.Context, n notificationdao.Notification) error {
	body, err := json.Marshal(Job{Notification: n, EnqueuedAt: p.now().Unix()})
	if err != nil {
		return fmt.Errorf("marshalling delivery job: %w", err)
	}

	_, err = p.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]*sqs.MessageAttributeValue{
			"notification_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(n.Type)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("enqueueing notification %v: %w", n.ID, err)
	}
	return nil
}

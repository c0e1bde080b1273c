package deliveryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/rs/zerolog"
	"github.com/sessionly/sessionly-go/broadcast"
	"github.com/sessionly/sessionly-go/notificationdao"
	sessionlycli "github.com/sessionly/sessionly-go/sessionly-cli"
	"github.com/tj/assert"
)

type fakeSQS struct {
	sqsiface.SQSAPI
	mu   sync.Mutex
	err  error
	sent []*sqs.SendMessageInput
}

func (f *fakeSQS) SendMessageWithContext(_ aws.Context, input *sqs.SendMessageInput, _ ...request.Option) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, input)
	return &sqs.SendMessageOutput{MessageId: aws.String("m")}, nil
}

func (f *fakeSQS) GetQueueUrlWithContext(_ aws.Context, input *sqs.GetQueueUrlInput, _ ...request.Option) (*sqs.GetQueueUrlOutput, error) {
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.local/" + aws.StringValue(input.QueueName))}, nil
}

// deliverer fails for recipients listed in broken.
type deliverer struct {
	broken    map[string]bool
	delivered []string
}

func (d *deliverer) Deliver(_ context.Context, n notificationdao.Notification) broadcast.Report {
	if d.broken[n.RecipientUserID] {
		return broadcast.Report{Target: "user:" + n.RecipientUserID, Err: errors.New("registry unavailable")}
	}
	d.delivered = append(d.delivered, n.ID)
	return broadcast.Report{Target: "user:" + n.RecipientUserID}
}

type counter map[sessionlycli.MetricName]int

func (c counter) Event(_ context.Context, name sessionlycli.MetricName, _ ...map[sessionlycli.DimensionName]string) {
	c[name]++
}

func notification(recipient string) notificationdao.Notification {
	return notificationdao.NewNotification(recipient, notificationdao.TypeMessage, "hi", time.Now())
}

func message(t *testing.T, id string, n notificationdao.Notification, receiveCount string) events.SQSMessage {
	body, err := json.Marshal(Job{Notification: n})
	assert.NoError(t, err)
	return events.SQSMessage{
		MessageId:  id,
		Body:       string(body),
		Attributes: map[string]string{"ApproximateReceiveCount": receiveCount},
	}
}

func TestProducer(t *testing.T) {
	ctx := context.Background()

	t.Run("enqueue", func(t *testing.T) {
		client := &fakeSQS{}
		n := notification("bob")

		assert.NoError(t, NewProducer(client, "https://sqs.local/q").Enqueue(ctx, n))
		assert.Len(t, client.sent, 1)
		assert.Equal(t, "https://sqs.local/q", aws.StringValue(client.sent[0].QueueUrl))

		job, err := decodeJob(aws.StringValue(client.sent[0].MessageBody))
		assert.NoError(t, err)
		assert.Equal(t, n, job.Notification)
		assert.Equal(t, "message", aws.StringValue(client.sent[0].MessageAttributes["notification_type"].StringValue))
	})

	t.Run("send failure", func(t *testing.T) {
		client := &fakeSQS{err: errors.New("throttled")}
		assert.Error(t, NewProducer(client, "q").Enqueue(ctx, notification("bob")))
	})

	t.Run("resolve url", func(t *testing.T) {
		url, err := ResolveQueueURL(ctx, &fakeSQS{}, QueueName("dev"))
		assert.NoError(t, err)
		assert.Equal(t, "https://sqs.local/dev-sessionly--notification-delivery", url)
	})
}

func TestConsumer(t *testing.T) {
	ctx := context.Background()

	setup := func() (*Consumer, *deliverer, *fakeSQS, counter) {
		d := &deliverer{broken: map[string]bool{"broken": true}}
		client := &fakeSQS{}
		metrics := counter{}
		return &Consumer{
			Deliverer:          d,
			SQS:                client,
			DeadLetterQueueURL: "https://sqs.local/dlq",
			MaxAttempts:        3,
			Logger:             zerolog.Nop(),
			Metrics:            metrics,
		}, d, client, metrics
	}

	t.Run("partial batch failure", func(t *testing.T) {
		c, d, client, metrics := setup()
		ok1, ok2 := notification("bob"), notification("carol")

		resp, err := c.HandleSQSEvent(ctx, events.SQSEvent{Records: []events.SQSMessage{
			message(t, "1", ok1, "1"),
			message(t, "2", notification("broken"), "1"),
			message(t, "3", ok2, "1"),
		}})
		assert.NoError(t, err)
		assert.Equal(t, []events.SQSBatchItemFailure{{ItemIdentifier: "2"}}, resp.BatchItemFailures)
		assert.Equal(t, []string{ok1.ID, ok2.ID}, d.delivered)
		assert.Len(t, client.sent, 0)
		assert.Equal(t, 1, metrics[sessionlycli.DeliveryRetriedMetric])
	})

	t.Run("exhausted retries go to the dead-letter queue", func(t *testing.T) {
		c, _, client, metrics := setup()

		resp, err := c.HandleSQSEvent(ctx, events.SQSEvent{Records: []events.SQSMessage{
			message(t, "7", notification("broken"), "3"),
		}})
		assert.NoError(t, err)
		assert.Len(t, resp.BatchItemFailures, 0)
		assert.Len(t, client.sent, 1)

		sent := client.sent[0]
		assert.Equal(t, "https://sqs.local/dlq", aws.StringValue(sent.QueueUrl))
		assert.Equal(t, "registry unavailable", aws.StringValue(sent.MessageAttributes[FailureReasonAttribute].StringValue))
		assert.Equal(t, "7", aws.StringValue(sent.MessageAttributes[SourceMessageAttribute].StringValue))
		assert.Equal(t, "3", aws.StringValue(sent.MessageAttributes[ReceiveCountAttribute].StringValue))
		assert.Equal(t, 1, metrics[sessionlycli.DeliveryDeadLetterMetric])
	})

	t.Run("undecodable body is dead-lettered immediately", func(t *testing.T) {
		c, _, client, _ := setup()

		resp, err := c.HandleSQSEvent(ctx, events.SQSEvent{Records: []events.SQSMessage{
			{MessageId: "x", Body: "not json"},
			{MessageId: "y", Body: `{"notification":{}}`},
		}})
		assert.NoError(t, err)
		assert.Len(t, resp.BatchItemFailures, 0)
		assert.Len(t, client.sent, 2)
		assert.Equal(t, "not json", aws.StringValue(client.sent[0].MessageBody))
	})

	t.Run("dead-letter failure retries the record", func(t *testing.T) {
		c, _, client, _ := setup()
		client.err = errors.New("dlq unavailable")

		resp, err := c.HandleSQSEvent(ctx, events.SQSEvent{Records: []events.SQSMessage{
			message(t, "9", notification("broken"), "5"),
		}})
		assert.NoError(t, err)
		assert.Equal(t, []events.SQSBatchItemFailure{{ItemIdentifier: "9"}}, resp.BatchItemFailures)
	})

	t.Run("exhausted job stays queued without a dead-letter queue", func(t *testing.T) {
		c, _, client, metrics := setup()
		c.DeadLetterQueueURL = ""

		resp, err := c.HandleSQSEvent(ctx, events.SQSEvent{Records: []events.SQSMessage{
			message(t, "z", notification("broken"), "3"),
			{MessageId: "u", Body: "not json"},
		}})
		assert.NoError(t, err)
		assert.Equal(t, []events.SQSBatchItemFailure{{ItemIdentifier: "z"}, {ItemIdentifier: "u"}}, resp.BatchItemFailures)
		assert.Len(t, client.sent, 0)
		assert.Equal(t, 0, metrics[sessionlycli.DeliveryDeadLetterMetric])

		err = c.processRecord(ctx, message(t, "z", notification("broken"), "3"))
		assert.True(t, errors.Is(err, ErrNoDeadLetterQueue))
	})

	t.Run("default max attempts", func(t *testing.T) {
		c, _, client, _ := setup()
		c.MaxAttempts = 0

		resp, _ := c.HandleSQSEvent(ctx, events.SQSEvent{Records: []events.SQSMessage{
			message(t, "a", notification("broken"), "4"),
			message(t, "b", notification("broken"), "5"),
		}})
		assert.Equal(t, []events.SQSBatchItemFailure{{ItemIdentifier: "a"}}, resp.BatchItemFailures)
		assert.Len(t, client.sent, 1)
	})
}

type pollingSQS struct {
	fakeSQS
	batches  [][]*sqs.Message
	deleted  []string
	cancel   context.CancelFunc
	received int
}

func (p *pollingSQS) ReceiveMessageWithContext(ctx aws.Context, _ *sqs.ReceiveMessageInput, _ ...request.Option) (*sqs.ReceiveMessageOutput, error) {
	if p.received >= len(p.batches) {
		p.cancel()
		return nil, ctx.Err()
	}
	batch := p.batches[p.received]
	p.received++
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (p *pollingSQS) DeleteMessageWithContext(_ aws.Context, input *sqs.DeleteMessageInput, _ ...request.Option) (*sqs.DeleteMessageOutput, error) {
	p.deleted = append(p.deleted, aws.StringValue(input.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestPoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sqsMessage := func(id string, n notificationdao.Notification) *sqs.Message {
		body, err := json.Marshal(Job{Notification: n})
		assert.NoError(t, err)
		return &sqs.Message{
			MessageId:     aws.String(id),
			ReceiptHandle: aws.String("rh-" + id),
			Body:          aws.String(string(body)),
			Attributes:    map[string]*string{"ApproximateReceiveCount": aws.String("1")},
		}
	}

	client := &pollingSQS{cancel: cancel}
	client.batches = [][]*sqs.Message{
		{sqsMessage("1", notification("bob")), sqsMessage("2", notification("broken"))},
		{},
	}
	d := &deliverer{broken: map[string]bool{"broken": true}}
	c := &Consumer{Deliverer: d, SQS: client, Logger: zerolog.Nop()}

	assert.NoError(t, c.Poll(ctx, "https://sqs.local/q"))
	assert.Equal(t, []string{"rh-1"}, client.deleted)
	assert.Len(t, d.delivered, 1)
}

func TestOnInsert(t *testing.T) {
	ctx := context.Background()
	d := &deliverer{broken: map[string]bool{"broken": true}}
	metrics := counter{}
	c := &Consumer{Deliverer: d, Logger: zerolog.Nop(), Metrics: metrics}

	image := func(n notificationdao.Notification) map[string]*dynamodb.AttributeValue {
		item, err := dynamodbattribute.MarshalMap(n)
		assert.NoError(t, err)
		return item
	}

	n := notification("bob")
	assert.NoError(t, c.OnInsert(ctx, image(n)))
	assert.Equal(t, []string{n.ID}, d.delivered)

	assert.Error(t, c.OnInsert(ctx, image(notification("broken"))))
	assert.Equal(t, 1, metrics[sessionlycli.DeliveryRetriedMetric])

	bad := map[string]*dynamodb.AttributeValue{"ttl": {S: aws.String("soon")}}
	assert.NoError(t, c.OnInsert(ctx, bad))
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/sessionly/sessionly-go/broadcast"
	"github.com/sessionly/sessionly-go/connectiondao"
	"github.com/sessionly/sessionly-go/deliveryqueue"
	"github.com/sessionly/sessionly-go/notificationdao"
	"github.com/sessionly/sessionly-go/notifier"
	sessionlycli "github.com/sessionly/sessionly-go/sessionly-cli"
	sessionlyddb "github.com/sessionly/sessionly-go/sessionly-ddb"
	"github.com/urfave/cli/v2"
)

var opts struct {
	Source             string
	ConnectionsTable   string
	NotificationsTable string
	QueueURL           string
	DeadLetterQueueURL string
	MaxAttempts        int
	Concurrency        int
}

var service = sessionlycli.NewService("notification-worker")

func main() {
	app := sessionlycli.App(
		service,
		action,
		append(
			append(sessionlycli.CommonFlags, sessionlyddb.DDBFlags...),
			sessionlycli.StringFlag("source", "where delivery jobs come from: sqs or stream", &opts.Source, "sqs"),
			sessionlycli.StringFlag("connections-table", "override the connections table name", &opts.ConnectionsTable),
			sessionlycli.StringFlag("notifications-table", "override the notifications table name, read in stream mode", &opts.NotificationsTable),
			sessionlycli.StringFlag("queue-url", "delivery queue to poll in console mode", &opts.QueueURL),
			sessionlycli.StringFlag("dead-letter-queue-url", "queue receiving jobs that exhausted their retries", &opts.DeadLetterQueueURL),
			sessionlycli.IntFlag("max-attempts", "receives before a job is dead-lettered", &opts.MaxAttempts, 5),
			sessionlycli.IntFlag("fanout-concurrency", "max concurrent pushes per fanout", &opts.Concurrency, 50),
		)...,
	)
	err := app.Run(os.Args)
	if err != nil {
		log.Fatalln(err)
	}
}

func action(_ *cli.Context) error {
	logger := sessionlycli.Logger(service)
	sess := sessionlyddb.Session()

	api, err := sessionlyddb.DynamoDBAPI(sess)
	if err != nil {
		return err
	}
	table := opts.ConnectionsTable
	if table == "" {
		table = connectiondao.TableName(sessionlycli.CommonOpts.Env)
	}

	pusher, err := broadcast.NewManagementPusher(sess, 16)
	if err != nil {
		return err
	}

	var metrics sessionlycli.Metrics
	if !sessionlycli.CommonOpts.Console {
		metrics = sessionlycli.NewMetrics(service, cloudwatch.New(sess))
	}

	engine := &broadcast.Engine{
		Registry:    connectiondao.New(api, table),
		Pusher:      pusher,
		Logger:      logger.With().Str("component", "broadcast").Logger(),
		Metrics:     metrics,
		Concurrency: opts.Concurrency,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqsClient := sqs.New(sess)
	env := sessionlycli.CommonOpts.Env
	if opts.Source != "sqs" && opts.Source != "stream" {
		return fmt.Errorf("unknown source %q, want sqs or stream", opts.Source)
	}
	if opts.Source == "sqs" && opts.DeadLetterQueueURL == "" {
		url, err := deliveryqueue.ResolveQueueURL(ctx, sqsClient, deliveryqueue.DeadLetterQueueName(env))
		if err != nil {
			return fmt.Errorf("unable to resolve dead-letter queue: %w", err)
		}
		opts.DeadLetterQueueURL = url
	}

	consumer := &deliveryqueue.Consumer{
		Deliverer:          &notifier.Service{Broadcast: engine, Logger: logger},
		SQS:                sqsClient,
		DeadLetterQueueURL: opts.DeadLetterQueueURL,
		MaxAttempts:        opts.MaxAttempts,
		Logger:             logger,
		Metrics:            metrics,
	}

	if opts.Source == "stream" {
		notificationsTable := opts.NotificationsTable
		if notificationsTable == "" {
			notificationsTable = notificationdao.TableName(env)
		}
		stream := &sessionlyddb.StreamHandler{Logger: logger, OnInsert: consumer.OnInsert}
		return stream.Start(sess, notificationsTable)
	}

	if sessionlycli.CommonOpts.Console {
		queueURL := opts.QueueURL
		if queueURL == "" {
			if queueURL, err = deliveryqueue.ResolveQueueURL(ctx, sqsClient, deliveryqueue.QueueName(env)); err != nil {
				return err
			}
		}
		logger.Info().Str("queue", queueURL).Msg("polling delivery queue")
		return consumer.Poll(ctx, queueURL)
	}

	lambda.Start(consumer.HandleSQSEvent)
	return nil
}

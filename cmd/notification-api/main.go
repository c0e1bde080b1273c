package main

import (
	"log"
	"os"

	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/sessionly/sessionly-go/broadcast"
	"github.com/sessionly/sessionly-go/connectiondao"
	"github.com/sessionly/sessionly-go/deliveryqueue"
	"github.com/sessionly/sessionly-go/notificationdao"
	"github.com/sessionly/sessionly-go/notifier"
	"github.com/sessionly/sessionly-go/notifyapi"
	sessionlycli "github.com/sessionly/sessionly-go/sessionly-cli"
	sessionlyddb "github.com/sessionly/sessionly-go/sessionly-ddb"
	sessionlyrest "github.com/sessionly/sessionly-go/sessionly-rest"
	"github.com/urfave/cli/v2"
)

var opts struct {
	ConnectionsTable   string
	NotificationsTable string
	QueueURL           string
	StreamDelivery     bool
}

var service = sessionlycli.NewService("notification-api")

func main() {
	app := sessionlycli.App(
		service,
		action,
		append(
			append(sessionlycli.CommonFlags, sessionlyddb.DDBFlags...),
			sessionlycli.PortFlag(3002),
			sessionlycli.StringFlag("connections-table", "override the connections table name", &opts.ConnectionsTable),
			sessionlycli.StringFlag("notifications-table", "override the notifications table name", &opts.NotificationsTable),
			sessionlycli.StringFlag("queue-url", "notification delivery queue; deliver inline when empty", &opts.QueueURL),
			sessionlycli.BoolFlag("stream-delivery", "leave notification delivery to the notifications table stream", &opts.StreamDelivery),
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
	connectionsTable := opts.ConnectionsTable
	if connectionsTable == "" {
		connectionsTable = connectiondao.TableName(sessionlycli.CommonOpts.Env)
	}
	notificationsTable := opts.NotificationsTable
	if notificationsTable == "" {
		notificationsTable = notificationdao.TableName(sessionlycli.CommonOpts.Env)
	}
	store := notificationdao.New(api, notificationsTable)

	pusher, err := broadcast.NewManagementPusher(sess, 16)
	if err != nil {
		return err
	}
	notes := &notifier.Service{
		Store: store,
		Broadcast: &broadcast.Engine{
			Registry: connectiondao.New(api, connectionsTable),
			Pusher:   pusher,
			Logger:   logger.With().Str("component", "broadcast").Logger(),
		},
		Logger: logger,

		StreamDelivery: opts.StreamDelivery,
	}
	if opts.QueueURL != "" {
		notes.Queue = deliveryqueue.NewProducer(sqs.New(sess), opts.QueueURL)
	}

	routes := sessionlyrest.Middlewares(logger, chi.NewRouter())
	(&notifyapi.API{Store: store, Notifier: notes}).Routes(routes)

	return sessionlyrest.Webserver(logger, routes)
}

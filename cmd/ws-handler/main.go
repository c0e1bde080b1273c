package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/sessionly/sessionly-go/broadcast"
	"github.com/sessionly/sessionly-go/connectiondao"
	"github.com/sessionly/sessionly-go/deliveryqueue"
	"github.com/sessionly/sessionly-go/notificationdao"
	"github.com/sessionly/sessionly-go/notifier"
	"github.com/sessionly/sessionly-go/presence"
	sessionlycli "github.com/sessionly/sessionly-go/sessionly-cli"
	sessionlyddb "github.com/sessionly/sessionly-go/sessionly-ddb"
	sessionlysecret "github.com/sessionly/sessionly-go/sessionly-secret"
	sessionlyws "github.com/sessionly/sessionly-go/sessionly-ws"
	"github.com/sessionly/sessionly-go/videosignal"
	"github.com/urfave/cli/v2"
)

var opts struct {
	LocalStore         bool
	ConnectionsTable   string
	NotificationsTable string
	QueueURL           string
	StreamDelivery     bool
	ProfileURL         string
	ProfileAPIKey      string
	ProfileAPISecret   string
	ProfileTimeout     time.Duration
	PresenceWait       time.Duration
	ConnTTL            time.Duration
	StrictValidation   bool
	Concurrency        int
}

var service = sessionlycli.NewService("ws-handler")

func main() {
	app := sessionlycli.App(
		service,
		action,
		append(
			append(sessionlycli.CommonFlags, sessionlyddb.DDBFlags...),
			sessionlycli.PortFlag(3001),
			sessionlycli.BoolFlag("local-store", "keep connections and notifications in memory", &opts.LocalStore),
			sessionlycli.StringFlag("connections-table", "override the connections table name", &opts.ConnectionsTable),
			sessionlycli.StringFlag("notifications-table", "override the notifications table name", &opts.NotificationsTable),
			sessionlycli.StringFlag("queue-url", "notification delivery queue; deliver inline when empty", &opts.QueueURL),
			sessionlycli.BoolFlag("stream-delivery", "leave notification delivery to the notifications table stream", &opts.StreamDelivery),
			sessionlycli.StringFlag("profile-url", "base url of the user-profile service; presence is disabled when empty", &opts.ProfileURL),
			sessionlycli.StringFlag("profile-api-key", "api key for the user-profile service", &opts.ProfileAPIKey),
			sessionlycli.StringFlag("profile-api-secret", "secrets manager secret holding the profile api key", &opts.ProfileAPISecret),
			sessionlycli.DurationFlag("profile-timeout", "timeout for presence updates", &opts.ProfileTimeout, 5*time.Second),
			sessionlycli.DurationFlag("presence-wait", "how long a frame waits for its presence update", &opts.PresenceWait, 2*time.Second),
			sessionlycli.DurationFlag("conn-ttl", "safety-net expiry of connection records", &opts.ConnTTL, 2*time.Hour),
			sessionlycli.BoolFlag("strict-validation", "reply with an error frame to malformed frames", &opts.StrictValidation),
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

	connections, notifications, err := stores(sess)
	if err != nil {
		return err
	}

	var metrics sessionlycli.Metrics
	if !sessionlycli.CommonOpts.Console {
		metrics = sessionlycli.NewMetrics(service, cloudwatch.New(sess))
	}

	var (
		hub    *sessionlyws.LocalHub
		pusher broadcast.Pusher
	)
	if sessionlycli.CommonOpts.Console {
		hub = sessionlyws.NewLocalHub()
		pusher = hub
	} else {
		mgmt, err := broadcast.NewManagementPusher(sess, 16)
		if err != nil {
			return err
		}
		pusher = mgmt
	}

	engine := &broadcast.Engine{
		Registry:    connections,
		Pusher:      pusher,
		Logger:      logger.With().Str("component", "broadcast").Logger(),
		Metrics:     metrics,
		Concurrency: opts.Concurrency,
	}
	notes := &notifier.Service{
		Store:     notifications,
		Broadcast: engine,
		Logger:    logger.With().Str("component", "notifier").Logger(),

		StreamDelivery: opts.StreamDelivery,
	}
	if opts.QueueURL != "" {
		notes.Queue = deliveryqueue.NewProducer(sqs.New(sess), opts.QueueURL)
	}

	apiKey, err := profileAPIKey(sess)
	if err != nil {
		return err
	}

	router := &sessionlyws.Router{
		Connections: connections,
		Broadcast:   engine,
		Notifier:    notes,
		Video: &videosignal.Relay{
			Broadcast: engine,
			Notifier:  notes,
			Logger:    logger.With().Str("component", "video").Logger(),
		},
		Presence: presence.New(opts.ProfileURL, apiKey, logger.With().Str("component", "presence").Logger(),
			presence.WithTimeout(opts.ProfileTimeout),
			presence.WithMetrics(metrics),
		),
		Logger:           logger,
		StrictValidation: opts.StrictValidation,
		ConnTTL:          opts.ConnTTL,
	}
	handler := &sessionlyws.Handler{Router: router, Logger: logger}

	if sessionlycli.CommonOpts.Console {
		hub.Handler = handler
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		logger.Info().Int("port", sessionlycli.CommonOpts.Port).Msg("starting websocket server")
		return http.ListenAndServe(fmt.Sprintf(":%v", sessionlycli.CommonOpts.Port), mux)
	}

	// A frozen Lambda would otherwise strand presence updates.
	router.PresenceWait = opts.PresenceWait
	handler.Metrics = metrics
	lambda.Start(handler.HandleEvent)
	return nil
}

func stores(sess *session.Session) (connectiondao.Store, notificationdao.Store, error) {
	if opts.LocalStore {
		return connectiondao.NewMemory(), notificationdao.NewMemory(), nil
	}

	api, err := sessionlyddb.DynamoDBAPI(sess)
	if err != nil {
		return nil, nil, err
	}

	connectionsTable := opts.ConnectionsTable
	if connectionsTable == "" {
		connectionsTable = connectiondao.TableName(sessionlycli.CommonOpts.Env)
	}
	notificationsTable := opts.NotificationsTable
	if notificationsTable == "" {
		notificationsTable = notificationdao.TableName(sessionlycli.CommonOpts.Env)
	}
	return connectiondao.New(api, connectionsTable), notificationdao.New(api, notificationsTable), nil
}

func profileAPIKey(sess *session.Session) (string, error) {
	if opts.ProfileAPIKey != "" || opts.ProfileAPISecret == "" {
		return opts.ProfileAPIKey, nil
	}
	return sessionlysecret.LoadProfileAPIKey(sess, opts.ProfileAPISecret)
}

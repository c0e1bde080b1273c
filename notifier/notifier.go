// Package notifier implements write-then-push for notifications: the record
// is persisted first, and only then handed to the delivery queue or pushed
// directly to the recipient's live connections.
package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sessionly/sessionly-go/broadcast"
	"github.com/sessionly/sessionly-go/notificationdao"
)

const PayloadType = "notification"

// Payload is the frame pushed to every connection of the recipient.
type Payload struct {
	Type         string                       `json:"type"`
	Notification notificationdao.Notification `json:"notification"`
}

func NewPayload(n notificationdao.Notification) Payload {
	return Payload{Type: PayloadType, Notification: n}
}

// Input is what a producer supplies; id, timestamps and read state are
// assigned by Notify.
type Input struct {
	RecipientUserID string
	SenderID        string
	Type            notificationdao.Type
	Content         string
	RelatedID       string
}

// Fanout is the subset of the broadcast engine used to deliver notifications.
type Fanout interface {
	ToUser(ctx context.Context, userID, exclude string, payload interface{}) broadcast.Report
}

// Enqueuer hands a persisted notification to the durable delivery queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, n notificationdao.Notification) error
}

type Service struct {
	Store     notificationdao.Store
	Broadcast Fanout
	Queue     Enqueuer // optional; nil delivers inline
	Logger    zerolog.Logger

	// StreamDelivery leaves delivery to a consumer of the notifications
	// table stream; Notify only persists.
	StreamDelivery bool

	Now       func() time.Time
}

// Notify persists a new notification and then attempts delivery. Only a
// persistence failure is returned; delivery problems are logged.
func (s *Service) Notify(ctx context.Context, in Input) (notificationdao.Notification, error) {
	n := notificationdao.NewNotification(in.RecipientUserID, in.Type, in.Content, s.now())
	n.SenderID = in.SenderID
	n.RelatedID = in.RelatedID

	if err := n.Validate(); err != nil {
		return notificationdao.Notification{}, err
	}
	if err := s.Store.Create(ctx, n); err != nil {
		return notificationdao.Notification{}, fmt.Errorf("creating notification for %v: %w", n.RecipientUserID, err)
	}

	logger := s.Logger.With().
		Str("notification_id", n.ID).
		Str("recipient", n.RecipientUserID).
		Str("type", string(n.Type)).
		Logger()

	if s.StreamDelivery {
		logger.Debug().Msg("notification stored, delivery follows the table stream")
		return n, nil
	}

	if s.Queue != nil {
		err := s.Queue.Enqueue(ctx, n)
		if err == nil {
			logger.Debug().Msg("notification enqueued")
			return n, nil
		}
		logger.Warn().Err(err).Msg("failed to enqueue notification, delivering inline")
	}

	s.Deliver(ctx, n)
	return n, nil
}

// Deliver pushes n to the recipient's live connections. The report's Err is
// set only when the connections could not be resolved.
func (s *Service) Deliver(ctx context.Context, n notificationdao.Notification) broadcast.Report {
	report := s.Broadcast.ToUser(ctx, n.RecipientUserID, "", NewPayload(n))
	s.Logger.Debug().
		Str("notification_id", n.ID).
		Int("delivered", report.Count(broadcast.StatusDelivered)).
		Msg("notification pushed")
	return report
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

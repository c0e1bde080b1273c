package sessionlyws

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sessionly/sessionly-go/broadcast"
	"github.com/sessionly/sessionly-go/connectiondao"
	"github.com/sessionly/sessionly-go/notificationdao"
	"github.com/sessionly/sessionly-go/notifier"
	"github.com/sessionly/sessionly-go/presence"
	"github.com/sessionly/sessionly-go/videosignal"
)

const defaultConnTTL = 2 * time.Hour

type Broadcaster interface {
	ToConversation(ctx context.Context, conversationID, exclude string, payload interface{}) broadcast.Report
	ToUser(ctx context.Context, userID, exclude string, payload interface{}) broadcast.Report
	Send(ctx context.Context, conn connectiondao.Connection, payload interface{}) error
}

type Notifier interface {
	Notify(ctx context.Context, in notifier.Input) (notificationdao.Notification, error)
}

type Signaler interface {
	Send(ctx context.Context, kind videosignal.Kind, in videosignal.Input) (videosignal.Signal, broadcast.Report, error)
}

type Presence interface {
	Touch(ctx context.Context, userID string) <-chan presence.Result
}

// Router dispatches inbound frames from established connections.
type Router struct {
	Connections connectiondao.Store
	Broadcast   Broadcaster
	Notifier    Notifier
	Video       Signaler
	Presence    Presence // optional
	Logger      zerolog.Logger

	// StrictValidation echoes validation errors to the sender instead of
	// silently skipping malformed frames.
	StrictValidation bool

	// PresenceWait bounds how long Dispatch waits for the presence update
	// it started. Zero leaves the update running in the background.
	PresenceWait time.Duration

	ConnTTL time.Duration // TTL for connection records (default 2 hours)
	Now     func() time.Time
}

// Dispatch handles one frame sent by conn. A non-nil error means a write the
// action depends on failed; the sender has already been sent a generic error.
func (r *Router) Dispatch(ctx context.Context, conn connectiondao.Connection, body []byte) error {
	logger := r.Logger.With().Str("connection_id", conn.ConnectionID).Logger()

	frame, err := ParseFrame(body)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid frame")
		r.reply(ctx, logger, conn, ErrorMessage(errInvalidFormat))
		return nil
	}
	logger = logger.With().Str("action", frame.Action).Logger()

	if frame.UserID != "" && r.Presence != nil {
		pending := r.Presence.Touch(ctx, frame.UserID)
		defer r.awaitPresence(logger, pending)
	}

	action := frame.Variant()
	if err := action.Validate(); err != nil {
		event := logger.Warn().Err(err)
		var invalid *ValidationError
		if errors.As(err, &invalid) {
			event = event.Strs("missing", invalid.Missing).Strs("invalid", invalid.Invalid)
		}
		event.Msg("skipping malformed frame")
		if r.StrictValidation {
			r.reply(ctx, logger, conn, ErrorMessage(err.Error()))
		}
		return nil
	}

	switch a := action.(type) {
	case JoinFrame:
		err = r.join(ctx, logger, conn, a)
	case TypingFrame:
		r.Broadcast.ToConversation(ctx, a.ConversationID, conn.ConnectionID, TypingMessage(a.ConversationID, a.UserID))
	case SendMessageFrame:
		r.Broadcast.ToConversation(ctx, a.ConversationID, conn.ConnectionID,
			NewMessage(a.ConversationID, a.Message, a.SenderID, r.now().UnixMilli()))
	case NotificationFrame:
		err = r.notify(ctx, logger, conn, a)
	case VideoFrame:
		err = r.video(ctx, logger, conn, a)
	case PingFrame:
		if a.Heartbeat {
			r.reply(ctx, logger, conn, HeartbeatAckMessage(r.now().UnixMilli()))
		} else {
			r.reply(ctx, logger, conn, PongMessage())
		}
	case UnknownFrame:
		logger.Warn().Msg("unknown action")
		r.reply(ctx, logger, conn, UnknownActionMessage(a.Action))
	}

	if err != nil {
		logger.Error().Err(err).Msg("action failed")
		r.reply(ctx, logger, conn, ErrorMessage(errInternal))
		return err
	}
	return nil
}

func (r *Router) join(ctx context.Context, logger zerolog.Logger, conn connectiondao.Connection, a JoinFrame) error {
	updated, err := connectiondao.Join(ctx, r.Connections, r.newConnection(conn), a.ConversationID, a.UserID)
	if err != nil {
		return err
	}
	logger.Debug().
		Str("conversation_id", updated.ConversationID).
		Str("owner", updated.OwnerUserID).
		Msg("joined conversation")
	r.reply(ctx, logger, conn, JoinedMessage(a.ConversationID))
	return nil
}

func (r *Router) notify(ctx context.Context, logger zerolog.Logger, conn connectiondao.Connection, a NotificationFrame) error {
	n, err := r.Notifier.Notify(ctx, notifier.Input{
		RecipientUserID: a.TargetUserID,
		SenderID:        a.SenderID,
		Type:            a.Type,
		Content:         a.Content,
		RelatedID:       a.RelatedID,
	})
	if err != nil {
		return err
	}
	r.reply(ctx, logger, conn, NotificationSentMessage(n))
	return nil
}

func (r *Router) video(ctx context.Context, logger zerolog.Logger, conn connectiondao.Connection, a VideoFrame) error {
	_, _, err := r.Video.Send(ctx, a.Kind, videosignal.Input{
		SessionID:     a.SessionID,
		SenderID:      a.UserID,
		SenderName:    a.SenderName,
		TargetUserID:  a.TargetUserID,
		AppointmentID: a.AppointmentID,
		ConnectionID:  conn.ConnectionID,
	})
	if err != nil {
		return err
	}
	if a.Kind == videosignal.KindInvite {
		r.reply(ctx, logger, conn, VideoInviteSentMessage(a.SessionID, a.TargetUserID))
	}
	return nil
}

func (r *Router) reply(ctx context.Context, logger zerolog.Logger, conn connectiondao.Connection, msg Outbound) {
	if err := r.Broadcast.Send(ctx, conn, msg); err != nil {
		logger.Warn().Err(err).Str("type", msg.Type).Msg("failed to reply to sender")
	}
}

func (r *Router) awaitPresence(logger zerolog.Logger, pending <-chan presence.Result) {
	if r.PresenceWait <= 0 {
		return
	}
	timer := time.NewTimer(r.PresenceWait)
	defer timer.Stop()
	select {
	case <-pending:
	case <-timer.C:
		logger.Debug().Dur("wait", r.PresenceWait).Msg("presence update still pending")
	}
}

// newConnection builds a fresh registry row for conn.
func (r *Router) newConnection(conn connectiondao.Connection) connectiondao.Connection {
	ttl := r.ConnTTL
	if ttl == 0 {
		ttl = defaultConnTTL
	}
	now := r.now()
	conn.ConnectedAt = now.Unix()
	conn.TTL = now.Add(ttl).Unix()
	return conn
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

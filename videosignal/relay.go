// Package videosignal relays ephemeral call-signaling envelopes to a target
// user's live connections. Signals are never stored; only invites leave a
// durable notification behind.
package videosignal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sessionly/sessionly-go/broadcast"
	"github.com/sessionly/sessionly-go/notificationdao"
	"github.com/sessionly/sessionly-go/notifier"
)

const PayloadType = "videoCallSignal"

var ErrInvalid = errors.New("invalid video signal")

type Kind string

const (
	KindInvite  Kind = "invite"
	KindAccept  Kind = "accept"
	KindDecline Kind = "decline"
	KindEnd     Kind = "end"
	KindJoin    Kind = "join"
)

func (k Kind) Valid() bool {
	switch k {
	case KindInvite, KindAccept, KindDecline, KindEnd, KindJoin:
		return true
	}
	return false
}

// Signal is the envelope pushed to the target. Timestamp is unix millis.
type Signal struct {
	Type          Kind   `json:"type"`
	SessionID     string `json:"sessionId"`
	SenderID      string `json:"senderId"`
	SenderName    string `json:"senderName,omitempty"`
	TargetUserID  string `json:"targetUserId"`
	AppointmentID string `json:"appointmentId,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

type Payload struct {
	Type   string `json:"type"`
	Signal Signal `json:"signal"`
}

// Input carries the caller's side of a signal. ConnectionID, when set, is
// excluded from the fanout so a user calling themselves does not ring the
// originating tab.
type Input struct {
	SessionID     string
	SenderID      string
	SenderName    string
	TargetUserID  string
	AppointmentID string
	ConnectionID  string
}

type Fanout interface {
	ToUser(ctx context.Context, userID, exclude string, payload interface{}) broadcast.Report
}

type Notifier interface {
	Notify(ctx context.Context, in notifier.Input) (notificationdao.Notification, error)
}

type Relay struct {
	Broadcast Fanout
	Notifier  Notifier
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Send pushes a kind signal to the target user. Invites also persist a
// video_call_invite notification; only that persistence can fail Send.
func (r *Relay) Send(ctx context.Context, kind Kind, in Input) (Signal, broadcast.Report, error) {
	if err := validate(kind, in); err != nil {
		return Signal{}, broadcast.Report{}, err
	}

	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	signal := Signal{
		Type:          kind,
		SessionID:     in.SessionID,
		SenderID:      in.SenderID,
		SenderName:    in.SenderName,
		TargetUserID:  in.TargetUserID,
		AppointmentID: in.AppointmentID,
		Timestamp:     now.UnixMilli(),
	}

	report := r.Broadcast.ToUser(ctx, in.TargetUserID, in.ConnectionID, Payload{Type: PayloadType, Signal: signal})
	r.Logger.Debug().
		Str("kind", string(kind)).
		Str("session_id", in.SessionID).
		Str("target", in.TargetUserID).
		Int("delivered", report.Count(broadcast.StatusDelivered)).
		Msg("video signal relayed")

	if kind != KindInvite {
		return signal, report, nil
	}

	_, err := r.Notifier.Notify(ctx, notifier.Input{
		RecipientUserID: in.TargetUserID,
		SenderID:        in.SenderID,
		Type:            notificationdao.TypeVideoCallInvite,
		Content:         InviteContent(in.SenderName),
		RelatedID:       in.SessionID,
	})
	if err != nil {
		return signal, report, fmt.Errorf("persisting invite for session %v: %w", in.SessionID, err)
	}
	return signal, report, nil
}

// InviteContent is the notification text shown for a call invite.
func InviteContent(senderName string) string {
	if senderName == "" {
		senderName = "Someone"
	}
	return senderName + " is inviting you to a video call"
}

func validate(kind Kind, in Input) error {
	switch {
	case !kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
	case in.TargetUserID == "":
		return fmt.Errorf("%w: missing target user", ErrInvalid)
	case in.SessionID == "":
		return fmt.Errorf("%w: missing session", ErrInvalid)
	case in.SenderID == "":
		return fmt.Errorf("%w: missing sender", ErrInvalid)
	}
	return nil
}

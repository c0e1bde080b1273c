package sessionlyws

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sessionly/sessionly-go/notificationdao"
	"github.com/sessionly/sessionly-go/videosignal"
)

// Inbound actions.
const (
	ActionJoin         = "join"
	ActionTyping       = "typing"
	ActionSendMessage  = "sendMessage"
	ActionNotification = "notification"
	ActionVideoInvite  = "videoInvite"
	ActionVideoAccept  = "videoAccept"
	ActionVideoDecline = "videoDecline"
	ActionVideoEnd     = "videoEnd"
	ActionVideoJoin    = "videoJoin"
	ActionPing         = "ping"
	ActionHeartbeat    = "heartbeat"
)

// Outbound frame types.
const (
	MsgJoined           = "joined"
	MsgTyping           = "typing"
	MsgNewMessage       = "newMessage"
	MsgNotificationSent = "notificationSent"
	MsgVideoInviteSent  = "videoInviteSent"
	MsgPong             = "pong"
	MsgHeartbeatAck     = "heartbeatAck"
	MsgError            = "error"
)

const (
	errInvalidFormat = "Invalid message format"
	errInternal      = "Internal server error"
)

var videoKinds = map[string]videosignal.Kind{
	ActionVideoInvite:  videosignal.KindInvite,
	ActionVideoAccept:  videosignal.KindAccept,
	ActionVideoDecline: videosignal.KindDecline,
	ActionVideoEnd:     videosignal.KindEnd,
	ActionVideoJoin:    videosignal.KindJoin,
}

// Frame is the inbound envelope. Which fields matter depends on Action; see
// Variant for the typed form.
type Frame struct {
	Action         string          `json:"action"`
	ConversationID string          `json:"conversationId,omitempty"`
	Message        json.RawMessage `json:"message,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	TargetUserID   string          `json:"targetUserId,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	SenderName     string          `json:"senderName,omitempty"`
	AppointmentID  string          `json:"appointmentId,omitempty"`
	Type           string          `json:"type,omitempty"`
	Content        string          `json:"content,omitempty"`
	SenderID       string          `json:"senderId,omitempty"`
	RelatedID      string          `json:"relatedId,omitempty"`
}

// ParseFrame decodes an inbound frame.
func ParseFrame(body []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(body, &frame); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if frame.Action == "" {
		return nil, fmt.Errorf("missing action")
	}
	return &frame, nil
}

// Action is one typed inbound frame.
type Action interface {
	Validate() error
}

type JoinFrame struct {
	ConversationID string
	UserID         string
}

type TypingFrame struct {
	ConversationID string
	UserID         string
}

type SendMessageFrame struct {
	ConversationID string
	Message        json.RawMessage
	SenderID       string
}

type NotificationFrame struct {
	TargetUserID string
	Type         notificationdao.Type
	Content      string
	SenderID     string
	RelatedID    string
}

type VideoFrame struct {
	Kind          videosignal.Kind
	TargetUserID  string
	SessionID     string
	UserID        string
	SenderName    string
	AppointmentID string
}

// PingFrame covers both ping and heartbeat.
type PingFrame struct {
	Heartbeat bool
	UserID    string
}

type UnknownFrame struct {
	Action string
}

// Variant returns the typed frame for f.Action.
func (f *Frame) Variant() Action {
	switch f.Action {
	case ActionJoin:
		return JoinFrame{ConversationID: f.ConversationID, UserID: f.UserID}
	case ActionTyping:
		return TypingFrame{ConversationID: f.ConversationID, UserID: f.UserID}
	case ActionSendMessage:
		return SendMessageFrame{ConversationID: f.ConversationID, Message: f.Message, SenderID: f.sender()}
	case ActionNotification:
		return NotificationFrame{
			TargetUserID: f.TargetUserID,
			Type:         notificationdao.Type(f.Type),
			Content:      f.Content,
			SenderID:     f.sender(),
			RelatedID:    f.RelatedID,
		}
	case ActionPing, ActionHeartbeat:
		return PingFrame{Heartbeat: f.Action == ActionHeartbeat, UserID: f.UserID}
	}
	if kind, ok := videoKinds[f.Action]; ok {
		return VideoFrame{
			Kind:          kind,
			TargetUserID:  f.TargetUserID,
			SessionID:     f.SessionID,
			UserID:        f.UserID,
			SenderName:    f.SenderName,
			AppointmentID: f.AppointmentID,
		}
	}
	return UnknownFrame{Action: f.Action}
}

func videoAction(kind videosignal.Kind) string {
	for action, k := range videoKinds {
		if k == kind {
			return action
		}
	}
	return "video"
}

func (f *Frame) sender() string {
	if f.SenderID != "" {
		return f.SenderID
	}
	return f.UserID
}

// ValidationError lists what is wrong with a frame.
type ValidationError struct {
	Action  string
	Missing []string
	Invalid []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	return fmt.Sprintf("invalid %v frame: %v", e.Action, strings.Join(parts, "; "))
}

type checker struct {
	err ValidationError
}

func (c *checker) require(field, value string) {
	if value == "" {
		c.err.Missing = append(c.err.Missing, field)
	}
}

func (c *checker) result() error {
	if len(c.err.Missing) == 0 && len(c.err.Invalid) == 0 {
		return nil
	}
	err := c.err
	return &err
}

func (f JoinFrame) Validate() error {
	c := checker{err: ValidationError{Action: ActionJoin}}
	c.require("conversationId", f.ConversationID)
	return c.result()
}

func (f TypingFrame) Validate() error {
	c := checker{err: ValidationError{Action: ActionTyping}}
	c.require("conversationId", f.ConversationID)
	c.require("userId", f.UserID)
	return c.result()
}

func (f SendMessageFrame) Validate() error {
	c := checker{err: ValidationError{Action: ActionSendMessage}}
	c.require("conversationId", f.ConversationID)
	if len(f.Message) == 0 || string(f.Message) == "null" {
		c.err.Missing = append(c.err.Missing, "message")
	}
	return c.result()
}

func (f NotificationFrame) Validate() error {
	c := checker{err: ValidationError{Action: ActionNotification}}
	c.require("targetUserId", f.TargetUserID)
	c.require("type", string(f.Type))
	c.require("content", f.Content)
	if f.Type != "" && !f.Type.Valid() {
		c.err.Invalid = append(c.err.Invalid, fmt.Sprintf("type %q", f.Type))
	}
	return c.result()
}

func (f VideoFrame) Validate() error {
	c := checker{err: ValidationError{Action: videoAction(f.Kind)}}
	c.require("targetUserId", f.TargetUserID)
	c.require("sessionId", f.SessionID)
	c.require("userId", f.UserID)
	return c.result()
}

func (PingFrame) Validate() error { return nil }

func (UnknownFrame) Validate() error { return nil }

// Outbound is every frame sent to a client. Only the fields relevant to Type
// are set.
type Outbound struct {
	Type           string                        `json:"type"`
	ConversationID string                        `json:"conversationId,omitempty"`
	UserID         string                        `json:"userId,omitempty"`
	SenderID       string                        `json:"senderId,omitempty"`
	Message        json.RawMessage               `json:"message,omitempty"`
	Notification   *notificationdao.Notification `json:"notification,omitempty"`
	SessionID      string                        `json:"sessionId,omitempty"`
	TargetUserID   string                        `json:"targetUserId,omitempty"`
	Timestamp      int64                         `json:"timestamp,omitempty"`
	Error          string                        `json:"error,omitempty"`
}

func JoinedMessage(conversationID string) Outbound {
	return Outbound{Type: MsgJoined, ConversationID: conversationID}
}

func TypingMessage(conversationID, userID string) Outbound {
	return Outbound{Type: MsgTyping, ConversationID: conversationID, UserID: userID}
}

func NewMessage(conversationID string, message json.RawMessage, senderID string, timestamp int64) Outbound {
	return Outbound{
		Type:           MsgNewMessage,
		ConversationID: conversationID,
		Message:        message,
		SenderID:       senderID,
		Timestamp:      timestamp,
	}
}

func NotificationSentMessage(n notificationdao.Notification) Outbound {
	return Outbound{Type: MsgNotificationSent, Notification: &n}
}

func VideoInviteSentMessage(sessionID, targetUserID string) Outbound {
	return Outbound{Type: MsgVideoInviteSent, SessionID: sessionID, TargetUserID: targetUserID}
}

func PongMessage() Outbound {
	return Outbound{Type: MsgPong}
}

func HeartbeatAckMessage(timestamp int64) Outbound {
	return Outbound{Type: MsgHeartbeatAck, Timestamp: timestamp}
}

func ErrorMessage(msg string) Outbound {
	return Outbound{Type: MsgError, Error: msg}
}

func UnknownActionMessage(action string) Outbound {
	return ErrorMessage("Unknown action: " + action)
}

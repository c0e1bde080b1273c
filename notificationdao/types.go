package notificationdao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Retention is how long a notification is kept before DynamoDB TTL removes it.
const Retention = 30 * 24 * time.Hour

// TimeLayout is fixed-width so created_at sorts lexicographically in the GSI.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

var (
	ErrNotFound = errors.New("notification not found")
	ErrInvalid  = errors.New("invalid notification")
)

type Type string

const (
	TypeMessage         Type = "message"
	TypeVideoCallInvite Type = "video_call_invite"
	TypeAppointment     Type = "appointment"
	TypePayment         Type = "payment"
	TypeAdmin           Type = "admin"
	TypeSystem          Type = "system"
)

func (t Type) Valid() bool {
	switch t {
	case TypeMessage, TypeVideoCallInvite, TypeAppointment, TypePayment, TypeAdmin, TypeSystem:
		return true
	}
	return false
}

// Notification is a durable, user-addressed record. IsRead is the legacy
// string mirror of Unread and is always written alongside it.
type Notification struct {
	ID              string `dynamodbav:"pk" ddb:"hash" json:"id"`
	RecipientUserID string `dynamodbav:"recipient_user_id" ddb:"gsi_hash:RecipientIndex" json:"recipientUserId"`
	CreatedAt       string `dynamodbav:"created_at" ddb:"gsi_range:RecipientIndex" json:"createdAt"`
	SenderID        string `dynamodbav:"sender_id,omitempty" json:"senderId,omitempty"`
	Type            Type   `dynamodbav:"type" json:"type"`
	Content         string `dynamodbav:"content" json:"content"`
	RelatedID       string `dynamodbav:"related_id,omitempty" json:"relatedId,omitempty"`
	Unread          bool   `dynamodbav:"unread" json:"unread"`
	IsRead          string `dynamodbav:"is_read" json:"isRead"`
	TTL             int64  `dynamodbav:"ttl" json:"ttl"`
}

// NewNotification builds an unread notification with a fresh id, stamped at
// now and expiring after Retention.
func NewNotification(recipientUserID string, typ Type, content string, now time.Time) Notification {
	n := Notification{
		ID:              uuid.NewString(),
		RecipientUserID: recipientUserID,
		CreatedAt:       FormatTime(now),
		Type:            typ,
		Content:         content,
		TTL:             now.Add(Retention).Unix(),
	}
	n.setRead(false)
	return n
}

// FormatTime renders t in the fixed-width layout used for created_at.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Expired reports whether the retention TTL has passed. DynamoDB removes
// expired items lazily, so listings filter them out explicitly.
func (n Notification) Expired(now time.Time) bool {
	return n.TTL > 0 && n.TTL <= now.Unix()
}

func (n Notification) CreatedTime() (time.Time, error) {
	return time.Parse(TimeLayout, n.CreatedAt)
}

// Validate checks the invariants every stored notification satisfies.
func (n Notification) Validate() error {
	switch {
	case n.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalid)
	case n.RecipientUserID == "":
		return fmt.Errorf("%w: missing recipient", ErrInvalid)
	case !n.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, n.Type)
	}
	created, err := n.CreatedTime()
	if err != nil {
		return fmt.Errorf("%w: bad createdAt %q", ErrInvalid, n.CreatedAt)
	}
	if n.TTL <= created.Unix() {
		return fmt.Errorf("%w: ttl %v not after createdAt %v", ErrInvalid, n.TTL, n.CreatedAt)
	}
	return nil
}

func (n *Notification) setRead(read bool) {
	n.Unread = !read
	n.IsRead = isReadString(read)
}

func isReadString(read bool) string {
	if read {
		return "true"
	}
	return "false"
}

// ListFilter narrows ListByUser. Zero values mean "no constraint".
type ListFilter struct {
	UnreadOnly bool
	Type       Type
	Since      time.Time
	Limit      int
}

func (f ListFilter) match(n Notification) bool {
	if f.UnreadOnly && !n.Unread {
		return false
	}
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && n.CreatedAt <= FormatTime(f.Since) {
		return false
	}
	return true
}

// Store is the notification persistence contract.
type Store interface {
	Create(ctx context.Context, n Notification) error
	Get(ctx context.Context, id string) (*Notification, error)
	SetReadState(ctx context.Context, id string, read bool) (*Notification, error)
	ListByUser(ctx context.Context, userID string, filter ListFilter) ([]Notification, error)
}

var (
	_ Store = (*DAO)(nil)
	_ Store = (*Memory)(nil)
)

// MarkRead flips a notification to read.
func MarkRead(ctx context.Context, store Store, id string) (*Notification, error) {
	return store.SetReadState(ctx, id, true)
}

package connectiondao

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no row exists for the connection id.
var ErrNotFound = errors.New("connection not found")

// Connection represents a WebSocket connection stored in DynamoDB.
// OwnerUserID and ConversationID stay empty until the client identifies itself
// or joins a conversation; the GSIs on them are sparse.
type Connection struct {
	ConnectionID   string `dynamodbav:"pk" ddb:"hash"`
	OwnerUserID    string `dynamodbav:"owner_user_id,omitempty" ddb:"gsi_hash:UserIndex"`
	ConversationID string `dynamodbav:"conversation_id,omitempty" ddb:"gsi_hash:ConversationIndex"`
	Endpoint       string `dynamodbav:"endpoint"`
	ConnectedAt    int64  `dynamodbav:"connected_at"`
	TTL            int64  `dynamodbav:"ttl"`
}

// Expired reports whether the safety-net TTL has passed. DynamoDB removes
// expired items lazily, so queries filter them out explicitly.
func (c Connection) Expired(now time.Time) bool {
	return c.TTL > 0 && c.TTL <= now.Unix()
}

// Store is the registry contract shared by the DynamoDB DAO and the in-memory
// store used in console mode and tests.
type Store interface {
	Put(ctx context.Context, conn Connection) error
	Get(ctx context.Context, connectionID string) (*Connection, error)
	Delete(ctx context.Context, connectionID string) error
	QueryByConversation(ctx context.Context, conversationID string) ([]Connection, error)
	QueryByUser(ctx context.Context, userID string) ([]Connection, error)
}

var (
	_ Store = (*DAO)(nil)
	_ Store = (*Memory)(nil)
)

// Join records conversationID as the connection's visible conversation,
// replacing any earlier one. userID identifies the owner if it is not yet
// known. The row's TTL is renewed from base, since a join proves the
// connection is alive. When the row is missing (expired or never stored) base
// is used to recreate it.
func Join(ctx context.Context, store Store, base Connection, conversationID, userID string) (Connection, error) {
	conn, err := store.Get(ctx, base.ConnectionID)
	switch {
	case errors.Is(err, ErrNotFound):
		conn = &base
	case err != nil:
		return Connection{}, err
	}

	conn.ConversationID = conversationID
	if base.TTL > conn.TTL {
		conn.TTL = base.TTL
	}
	if conn.OwnerUserID == "" {
		conn.OwnerUserID = userID
	}
	if err := store.Put(ctx, *conn); err != nil {
		return Connection{}, err
	}
	return *conn, nil
}

func live(conns []Connection, now time.Time) []Connection {
	out := conns[:0]
	for _, c := range conns {
		if !c.Expired(now) {
			out = append(out, c)
		}
	}
	return out
}

package connectiondao

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/savaki/ddb"
)

// DAO provides access to the WebSocket connections table.
type DAO struct {
	table     *ddb.Table
	api       dynamodbiface.DynamoDBAPI
	tableName string
}

// New creates a new connections DAO.
func New(api dynamodbiface.DynamoDBAPI, tableName string) *DAO {
	return &DAO{
		table:     ddb.New(api).MustTable(tableName, Connection{}),
		api:       api,
		tableName: tableName,
	}
}

// Put stores a connection record, replacing any existing row with the same id.
func (d *DAO) Put(ctx context.Context, conn Connection) error {
	if err := d.table.Put(conn).RunWithContext(ctx); err != nil {
		return fmt.Errorf("failed to put connection %v: %w", conn.ConnectionID, err)
	}
	return nil
}

// Get retrieves a connection record by ID.
func (d *DAO) Get(ctx context.Context, connectionID string) (*Connection, error) {
	var conn Connection
	if err := d.table.Get(connectionID).ScanWithContext(ctx, &conn); err != nil {
		if ddb.IsItemNotFoundError(err) {
			return nil, fmt.Errorf("connection %v: %w", connectionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get connection %v: %w", connectionID, err)
	}
	return &conn, nil
}

// Delete removes a connection record by ID. Deleting a missing id is not an error.
func (d *DAO) Delete(ctx context.Context, connectionID string) error {
	if err := d.table.Delete(connectionID).RunWithContext(ctx); err != nil {
		return fmt.Errorf("failed to delete connection %v: %w", connectionID, err)
	}
	return nil
}

// QueryByConversation returns the live connections whose visible conversation
// is conversationID, using the ConversationIndex GSI.
func (d *DAO) QueryByConversation(ctx context.Context, conversationID string) ([]Connection, error) {
	if conversationID == "" {
		return nil, nil
	}
	var conns []Connection
	err := d.table.Query("#ConversationID = ?", conversationID).
		IndexName("ConversationIndex").
		FindAllWithContext(ctx, &conns)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections by conversation %v: %w", conversationID, err)
	}
	return live(conns, time.Now()), nil
}

// QueryByUser returns the live connections owned by userID, using the UserIndex GSI.
func (d *DAO) QueryByUser(ctx context.Context, userID string) ([]Connection, error) {
	if userID == "" {
		return nil, nil
	}
	var conns []Connection
	err := d.table.Query("#OwnerUserID = ?", userID).
		IndexName("UserIndex").
		FindAllWithContext(ctx, &conns)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections by user %v: %w", userID, err)
	}
	return live(conns, time.Now()), nil
}

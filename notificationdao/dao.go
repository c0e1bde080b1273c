package notificationdao

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/savaki/ddb"
)

const recipientIndex = "RecipientIndex"

// DAO provides access to the notifications table.
type DAO struct {
	table     *ddb.Table
	api       dynamodbiface.DynamoDBAPI
	tableName string
}

// New creates a new notifications DAO.
func New(api dynamodbiface.DynamoDBAPI, tableName string) *DAO {
	return &DAO{
		table:     ddb.New(api).MustTable(tableName, Notification{}),
		api:       api,
		tableName: tableName,
	}
}

// Create persists a new notification.
func (d *DAO) Create(ctx context.Context, n Notification) error {
	n.setRead(!n.Unread)
	if err := n.Validate(); err != nil {
		return err
	}
	if err := d.table.Put(n).RunWithContext(ctx); err != nil {
		return fmt.Errorf("failed to create notification %v: %w", n.ID, err)
	}
	return nil
}

// Get retrieves a notification by ID.
func (d *DAO) Get(ctx context.Context, id string) (*Notification, error) {
	var n Notification
	if err := d.table.Get(id).ScanWithContext(ctx, &n); err != nil {
		if ddb.IsItemNotFoundError(err) {
			return nil, fmt.Errorf("notification %v: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get notification %v: %w", id, err)
	}
	return &n, nil
}

// SetReadState updates unread and its legacy is_read mirror in one write.
func (d *DAO) SetReadState(ctx context.Context, id string, read bool) (*Notification, error) {
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			"pk": {S: aws.String(id)},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
		UpdateExpression:    aws.String("SET unread = :unread, is_read = :is_read"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":unread":  {BOOL: aws.Bool(!read)},
			":is_read": {S: aws.String(isReadString(read))},
		},
		ReturnValues: aws.String(dynamodb.ReturnValueAllNew),
	}

	output, err := d.api.UpdateItemWithContext(ctx, input)
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			return nil, fmt.Errorf("notification %v: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to update read state of notification %v: %w", id, err)
	}

	var n Notification
	if err := dynamodbattribute.UnmarshalMap(output.Attributes, &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification %v: %w", id, err)
	}
	return &n, nil
}

// ListByUser returns the recipient's notifications, newest first, using the
// RecipientIndex GSI. Expired rows DynamoDB has not removed yet are filtered
// server side; the other filters are applied client side so that Limit counts
// matching items rather than items evaluated.
func (d *DAO) ListByUser(ctx context.Context, userID string, filter ListFilter) ([]Notification, error) {
	now := time.Now()
	input := &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		IndexName:              aws.String(recipientIndex),
		KeyConditionExpression: aws.String("recipient_user_id = :recipient"),
		FilterExpression:       aws.String("#ttl > :now"),
		ExpressionAttributeNames: map[string]*string{
			"#ttl": aws.String("ttl"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":recipient": {S: aws.String(userID)},
			":now":       {N: aws.String(strconv.FormatInt(now.Unix(), 10))},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if !filter.Since.IsZero() {
		input.KeyConditionExpression = aws.String("recipient_user_id = :recipient AND created_at > :since")
		input.ExpressionAttributeValues[":since"] = &dynamodb.AttributeValue{S: aws.String(FormatTime(filter.Since))}
	}

	var (
		out       []Notification
		decodeErr error
	)
	err := d.api.QueryPagesWithContext(ctx, input, func(page *dynamodb.QueryOutput, lastPage bool) bool {
		var items []Notification
		if err := dynamodbattribute.UnmarshalListOfMaps(page.Items, &items); err != nil {
			decodeErr = err
			return false
		}
		for _, n := range items {
			if n.Expired(now) || !filter.match(n) {
				continue
			}
			out = append(out, n)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications for user %v: %w", userID, err)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to unmarshal notifications for user %v: %w", userID, decodeErr)
	}
	return out, nil
}

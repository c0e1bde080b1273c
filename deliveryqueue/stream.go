package deliveryqueue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/sessionly/sessionly-go/notificationdao"
	sessionlycli "github.com/sessionly/sessionly-go/sessionly-cli"
	sessionlyddb "github.com/sessionly/sessionly-go/sessionly-ddb"
)

// OnInsert delivers a notification read from the notifications table stream.
// Returning an error makes the stream retry the batch; retry limits and the
// failure destination belong to the event source mapping.
func (c *Consumer) OnInsert(ctx context.Context, newValue map[string]*dynamodb.AttributeValue) error {
	var n notificationdao.Notification
	if err := sessionlyddb.ParseItem(newValue, &n); err != nil {
		c.Logger.Error().Err(err).Msg("skipping undecodable notification image")
		return nil
	}

	report := c.Deliverer.Deliver(ctx, n)
	if report.Err != nil {
		c.event(ctx, sessionlycli.DeliveryRetriedMetric)
		return fmt.Errorf("delivering notification %v: %w", n.ID, report.Err)
	}
	return nil
}

package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go/service/apigatewaymanagementapi/apigatewaymanagementapiiface"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sessionly/sessionly-go/connectiondao"
)

// ManagementPusher posts to connections through the API Gateway Management API.
type ManagementPusher struct {
	clients   *lru.Cache[string, apigatewaymanagementapiiface.ApiGatewayManagementApiAPI]
	newClient func(endpoint string) apigatewaymanagementapiiface.ApiGatewayManagementApiAPI
}

// NewManagementPusher caches up to size management clients, one per endpoint.
func NewManagementPusher(sess *session.Session, size int) (*ManagementPusher, error) {
	return newManagementPusher(size, func(endpoint string) apigatewaymanagementapiiface.ApiGatewayManagementApiAPI {
		return apigatewaymanagementapi.New(sess, aws.NewConfig().WithEndpoint(endpoint))
	})
}

func newManagementPusher(size int, newClient func(string) apigatewaymanagementapiiface.ApiGatewayManagementApiAPI) (*ManagementPusher, error) {
	if size <= 0 {
		size = 16
	}
	clients, err := lru.New[string, apigatewaymanagementapiiface.ApiGatewayManagementApiAPI](size)
	if err != nil {
		return nil, fmt.Errorf("creating management client cache: %w", err)
	}
	return &ManagementPusher{clients: clients, newClient: newClient}, nil
}

func (p *ManagementPusher) Post(ctx context.Context, conn connectiondao.Connection, data []byte) error {
	if conn.Endpoint == "" {
		return fmt.Errorf("posting to connection %v: no endpoint recorded", conn.ConnectionID)
	}

	_, err := p.client(conn.Endpoint).PostToConnectionWithContext(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(conn.ConnectionID),
		Data:         data,
	})
	if err != nil {
		if isGoneException(err) {
			return fmt.Errorf("posting to connection %v: %w", conn.ConnectionID, ErrGone)
		}
		return fmt.Errorf("posting to connection %v: %w", conn.ConnectionID, err)
	}
	return nil
}

func (p *ManagementPusher) client(endpoint string) apigatewaymanagementapiiface.ApiGatewayManagementApiAPI {
	if client, ok := p.clients.Get(endpoint); ok {
		return client
	}
	client := p.newClient(endpoint)
	p.clients.Add(endpoint, client)
	return client
}

// isGoneException checks if the error is a GoneException (HTTP 410),
// indicating the WebSocket connection no longer exists.
func isGoneException(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == apigatewaymanagementapi.ErrCodeGoneException {
		return true
	}
	var rerr awserr.RequestFailure
	if errors.As(err, &rerr) && rerr.StatusCode() == 410 {
		return true
	}
	return strings.Contains(err.Error(), "GoneException")
}

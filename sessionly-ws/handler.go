// Package sessionlyws serves the realtime WebSocket API: connection
// lifecycle events, inbound action frames and the replies to them.
package sessionlyws

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
	"github.com/sessionly/sessionly-go/connectiondao"
	sessionlycli "github.com/sessionly/sessionly-go/sessionly-cli"
)

const (
	RouteConnect    = "$connect"
	RouteDisconnect = "$disconnect"
	RouteDefault    = "$default"
)

// Timer records how long each event took.
type Timer interface {
	Timing(ctx context.Context, name sessionlycli.MetricName, start time.Time, dimensions ...map[sessionlycli.DimensionName]string)
}

// Handler handles API Gateway WebSocket events.
type Handler struct {
	Router  *Router
	Logger  zerolog.Logger
	Metrics Timer
}

// HandleEvent routes an API Gateway WebSocket event. Any route other than the
// lifecycle routes carries a frame.
func (h *Handler) HandleEvent(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (resp events.APIGatewayProxyResponse, err error) {
	logger := h.Logger.With().
		Str("connection_id", req.RequestContext.ConnectionID).
		Str("route", req.RequestContext.RouteKey).
		Logger()
	ctx = logger.WithContext(ctx)

	if h.Metrics != nil {
		defer h.Metrics.Timing(ctx, sessionlycli.ResponseTimeMetric, time.Now(), sessionlycli.Operation(req.RequestContext.RouteKey))
	}

	defer func() {
		if v := recover(); v != nil {
			logger.Error().
				Interface("panic", v).
				Str("stack", string(debug.Stack())).
				Msg("recovered from panic")
			resp, err = events.APIGatewayProxyResponse{StatusCode: 500, Body: errInternal}, nil
		}
	}()

	conn := connectiondao.Connection{
		ConnectionID: req.RequestContext.ConnectionID,
		Endpoint:     fmt.Sprintf("https://%s/%s", req.RequestContext.DomainName, req.RequestContext.Stage),
	}

	switch req.RequestContext.RouteKey {
	case RouteConnect:
		conn.OwnerUserID = req.QueryStringParameters["userId"]
		if err := h.Connect(ctx, conn); err != nil {
			logger.Error().Err(err).Msg("failed to store connection")
			return events.APIGatewayProxyResponse{StatusCode: 500}, nil
		}
		return events.APIGatewayProxyResponse{StatusCode: 200}, nil

	case RouteDisconnect:
		h.Disconnect(ctx, conn.ConnectionID)
		return events.APIGatewayProxyResponse{StatusCode: 200}, nil

	default:
		if err := h.Router.Dispatch(ctx, conn, []byte(req.Body)); err != nil {
			return events.APIGatewayProxyResponse{StatusCode: 500, Body: errInternal}, nil
		}
		return events.APIGatewayProxyResponse{StatusCode: 200}, nil
	}
}

// Connect registers a new connection. OwnerUserID may be empty until the
// client identifies itself.
func (h *Handler) Connect(ctx context.Context, conn connectiondao.Connection) error {
	conn = h.Router.newConnection(conn)
	if err := h.Router.Connections.Put(ctx, conn); err != nil {
		return err
	}
	h.Logger.Info().
		Str("connection_id", conn.ConnectionID).
		Str("owner", conn.OwnerUserID).
		Msg("connection established")
	return nil
}

// Disconnect removes the connection. Failures are logged only; the TTL
// eventually removes the row anyway.
func (h *Handler) Disconnect(ctx context.Context, connectionID string) {
	if err := h.Router.Connections.Delete(ctx, connectionID); err != nil {
		h.Logger.Error().Err(err).Str("connection_id", connectionID).Msg("failed to delete connection")
		return
	}
	h.Logger.Info().Str("connection_id", connectionID).Msg("connection closed")
}

package sessionlyws

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sessionly/sessionly-go/broadcast"
	"github.com/sessionly/sessionly-go/connectiondao"
)

// LocalHub is an in-process transport for console mode. It accepts
// WebSocket connections directly and implements broadcast.Pusher over them.
type LocalHub struct {
	Handler  *Handler
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*localConn
}

type localConn struct {
	mu sync.Mutex // gorilla connections allow one concurrent writer
	ws *websocket.Conn
}

var _ broadcast.Pusher = (*LocalHub)(nil)

func NewLocalHub() *LocalHub {
	return &LocalHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: map[string]*localConn{},
	}
}

// Post writes data to a locally attached connection.
func (h *LocalHub) Post(_ context.Context, conn connectiondao.Connection, data []byte) error {
	h.mu.RLock()
	c, ok := h.conns[conn.ConnectionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %v", broadcast.ErrGone, conn.ConnectionID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", broadcast.ErrGone, err)
	}
	return nil
}

// ServeHTTP upgrades the request and pumps frames into the router until the
// client goes away. The owner is taken from the userId query parameter.
func (h *LocalHub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.Handler.Logger.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	defer ws.Close()

	ctx := req.Context()
	conn := connectiondao.Connection{
		ConnectionID: uuid.NewString(),
		OwnerUserID:  req.URL.Query().Get("userId"),
		Endpoint:     "local",
	}

	h.mu.Lock()
	h.conns[conn.ConnectionID] = &localConn{ws: ws}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn.ConnectionID)
		h.mu.Unlock()
		h.Handler.Disconnect(context.WithoutCancel(ctx), conn.ConnectionID)
	}()

	if err := h.Handler.Connect(ctx, conn); err != nil {
		h.Handler.Logger.Error().Err(err).Msg("failed to store connection")
		return
	}

	for {
		_, body, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = h.Handler.Router.Dispatch(ctx, conn, body)
	}
}

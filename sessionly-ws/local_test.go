package sessionlyws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sessionly/sessionly-go/broadcast"
	"github.com/sessionly/sessionly-go/connectiondao"
	"github.com/sessionly/sessionly-go/notificationdao"
	"github.com/sessionly/sessionly-go/notifier"
	"github.com/sessionly/sessionly-go/videosignal"
	"github.com/tj/assert"
)

func TestLocalHub(t *testing.T) {
	ctx := context.Background()
	connections := connectiondao.NewMemory()
	hub := NewLocalHub()
	engine := &broadcast.Engine{Registry: connections, Pusher: hub, Logger: zerolog.Nop()}
	service := &notifier.Service{Store: notificationdao.NewMemory(), Broadcast: engine, Logger: zerolog.Nop()}
	hub.Handler = &Handler{
		Router: &Router{
			Connections: connections,
			Broadcast:   engine,
			Notifier:    service,
			Video:       &videosignal.Relay{Broadcast: engine, Notifier: service, Logger: zerolog.Nop()},
			Logger:      zerolog.Nop(),
		},
		Logger: zerolog.Nop(),
	}

	srv := httptest.NewServer(hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	dial := func(t *testing.T, userID string) *websocket.Conn {
		ws, _, err := websocket.DefaultDialer.Dial(url+"?userId="+userID, nil)
		assert.NoError(t, err)
		return ws
	}
	read := func(t *testing.T, ws *websocket.Conn) Outbound {
		assert.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg Outbound
		assert.NoError(t, ws.ReadJSON(&msg))
		return msg
	}

	t.Run("round trip", func(t *testing.T) {
		alice := dial(t, "alice")
		defer alice.Close()
		bob := dial(t, "bob")
		defer bob.Close()

		assert.NoError(t, alice.WriteJSON(Frame{Action: ActionJoin, ConversationID: "X"}))
		assert.Equal(t, JoinedMessage("X"), read(t, alice))
		assert.NoError(t, bob.WriteJSON(Frame{Action: ActionJoin, ConversationID: "X"}))
		assert.Equal(t, JoinedMessage("X"), read(t, bob))

		assert.NoError(t, alice.WriteJSON(Frame{Action: ActionTyping, ConversationID: "X", UserID: "alice"}))
		assert.Equal(t, TypingMessage("X", "alice"), read(t, bob))

		assert.NoError(t, bob.WriteJSON(Frame{Action: ActionNotification, TargetUserID: "alice", Type: "message", Content: "hi"}))
		got := read(t, alice)
		assert.Equal(t, "notification", got.Type)
		assert.Equal(t, "notificationSent", read(t, bob).Type)
	})

	t.Run("closed connections are removed", func(t *testing.T) {
		carol := dial(t, "carol")
		assert.NoError(t, carol.WriteJSON(Frame{Action: ActionPing}))
		assert.Equal(t, PongMessage(), read(t, carol))
		assert.NoError(t, carol.Close())

		deadline := time.Now().Add(5 * time.Second)
		for {
			conns, err := connections.QueryByUser(ctx, "carol")
			assert.NoError(t, err)
			if len(conns) == 0 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("closed connection still registered")
			}
			time.Sleep(10 * time.Millisecond)
		}
	})

	t.Run("unknown local connection is gone", func(t *testing.T) {
		err := hub.Post(ctx, connectiondao.Connection{ConnectionID: "nope"}, []byte("{}"))
		assert.True(t, errors.Is(err, broadcast.ErrGone))
	})
}

package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sessionly/sessionly-go/connectiondao"
	sessionlycli "github.com/sessionly/sessionly-go/sessionly-cli"
	"github.com/tj/assert"
)

type fakePusher struct {
	mu     sync.Mutex
	posts  map[string][][]byte
	gone   map[string]bool
	failed map[string]bool
}

func newFakePusher() *fakePusher {
	return &fakePusher{
		posts:  map[string][][]byte{},
		gone:   map[string]bool{},
		failed: map[string]bool{},
	}
}

func (f *fakePusher) Post(_ context.Context, conn connectiondao.Connection, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.gone[conn.ConnectionID]:
		return ErrGone
	case f.failed[conn.ConnectionID]:
		return errors.New("throttled")
	}
	f.posts[conn.ConnectionID] = append(f.posts[conn.ConnectionID], data)
	return nil
}

func (f *fakePusher) received(id string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts[id]
}

type gauges struct {
	mu     sync.Mutex
	values map[sessionlycli.MetricName]float64
}

func (g *gauges) Gauge(_ context.Context, name sessionlycli.MetricName, value float64, _ ...map[sessionlycli.DimensionName]string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.values == nil {
		g.values = map[sessionlycli.MetricName]float64{}
	}
	g.values[name] += value
}

type brokenRegistry struct{ connectiondao.Store }

func (brokenRegistry) QueryByUser(context.Context, string) ([]connectiondao.Connection, error) {
	return nil, errors.New("throughput exceeded")
}

func setup(t *testing.T, conns ...connectiondao.Connection) (*Engine, *connectiondao.Memory, *fakePusher) {
	registry := connectiondao.NewMemory()
	for _, c := range conns {
		if c.TTL == 0 {
			c.TTL = time.Now().Add(time.Hour).Unix()
		}
		assert.Nil(t, registry.Put(context.Background(), c))
	}
	pusher := newFakePusher()
	engine := &Engine{
		Registry: registry,
		Pusher:   pusher,
		Logger:   zerolog.Nop(),
	}
	return engine, registry, pusher
}

func TestEngine(t *testing.T) {
	ctx := context.Background()

	t.Run("conversation fanout excludes the sender", func(t *testing.T) {
		engine, _, pusher := setup(t,
			connectiondao.Connection{ConnectionID: "a", ConversationID: "x"},
			connectiondao.Connection{ConnectionID: "b", ConversationID: "x"},
			connectiondao.Connection{ConnectionID: "c", ConversationID: "y"},
		)

		report := engine.ToConversation(ctx, "x", "a", map[string]string{"type": "typing"})
		assert.Nil(t, report.Err)
		assert.Equal(t, []string{"b"}, report.Delivered())
		assert.Len(t, pusher.received("a"), 0)
		assert.Len(t, pusher.received("c"), 0)

		var got map[string]string
		assert.Nil(t, json.Unmarshal(pusher.received("b")[0], &got))
		assert.Equal(t, "typing", got["type"])
	})

	t.Run("user fanout reaches every connection", func(t *testing.T) {
		engine, _, pusher := setup(t,
			connectiondao.Connection{ConnectionID: "p1", OwnerUserID: "u"},
			connectiondao.Connection{ConnectionID: "p2", OwnerUserID: "u"},
		)

		report := engine.ToUser(ctx, "u", "", map[string]string{"type": "notification"})
		assert.ElementsMatch(t, []string{"p1", "p2"}, report.Delivered())
		assert.Len(t, pusher.received("p1"), 1)
		assert.Len(t, pusher.received("p2"), 1)
	})

	t.Run("gone connections are pruned and never selected again", func(t *testing.T) {
		engine, registry, pusher := setup(t,
			connectiondao.Connection{ConnectionID: "live", ConversationID: "x"},
			connectiondao.Connection{ConnectionID: "stale", ConversationID: "x"},
		)
		pusher.gone["stale"] = true

		report := engine.ToConversation(ctx, "x", "", "hi")
		assert.Nil(t, report.Err)
		assert.Equal(t, 1, report.Count(StatusDelivered))
		assert.Equal(t, 1, report.Count(StatusGone))

		_, err := registry.Get(ctx, "stale")
		assert.True(t, errors.Is(err, connectiondao.ErrNotFound))

		pusher.gone["stale"] = false
		report = engine.ToConversation(ctx, "x", "", "again")
		assert.Equal(t, []string{"live"}, report.Delivered())
		assert.Len(t, pusher.received("stale"), 0)
	})

	t.Run("one failure does not abort the batch", func(t *testing.T) {
		engine, registry, pusher := setup(t,
			connectiondao.Connection{ConnectionID: "ok1", OwnerUserID: "u"},
			connectiondao.Connection{ConnectionID: "bad", OwnerUserID: "u"},
			connectiondao.Connection{ConnectionID: "ok2", OwnerUserID: "u"},
		)
		pusher.failed["bad"] = true
		metrics := &gauges{}
		engine.Metrics = metrics

		report := engine.ToUser(ctx, "u", "", "hi")
		assert.Nil(t, report.Err)
		assert.Equal(t, 2, report.Count(StatusDelivered))
		assert.Equal(t, 1, report.Count(StatusFailed))

		// transient failures keep the row
		_, err := registry.Get(ctx, "bad")
		assert.Nil(t, err)

		assert.EqualValues(t, 2, metrics.values[sessionlycli.FanoutDeliveredMetric])
		assert.EqualValues(t, 1, metrics.values[sessionlycli.FanoutFailedMetric])
	})

	t.Run("no targets is not an error", func(t *testing.T) {
		engine, _, _ := setup(t)
		report := engine.ToUser(ctx, "nobody", "", "hi")
		assert.Nil(t, report.Err)
		assert.Len(t, report.Outcomes, 0)
	})

	t.Run("registry failure is reported", func(t *testing.T) {
		engine, registry, _ := setup(t)
		engine.Registry = brokenRegistry{Store: registry}
		report := engine.ToUser(ctx, "u", "", "hi")
		assert.NotNil(t, report.Err)
	})

	t.Run("send to a gone sender prunes it", func(t *testing.T) {
		engine, registry, pusher := setup(t, connectiondao.Connection{ConnectionID: "me"})
		pusher.gone["me"] = true

		err := engine.Send(ctx, connectiondao.Connection{ConnectionID: "me"}, "pong")
		assert.True(t, errors.Is(err, ErrGone))
		assert.Equal(t, 0, registry.Len())
	})

	t.Run("concurrency limit still settles all", func(t *testing.T) {
		var conns []connectiondao.Connection
		for _, id := range []string{"1", "2", "3", "4", "5", "6", "7"} {
			conns = append(conns, connectiondao.Connection{ConnectionID: id, ConversationID: "big"})
		}
		engine, _, _ := setup(t, conns...)
		engine.Concurrency = 2

		report := engine.ToConversation(ctx, "big", "", "hi")
		assert.Len(t, report.Delivered(), 7)
	})
}

// Package broadcast pushes payloads to resolved sets of WebSocket connections.
//
// Delivery is best effort: every target is attempted concurrently and
// independently, connections reported gone are pruned from the registry, and
// the per-target outcomes are returned as data rather than as errors.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sessionly/sessionly-go/connectiondao"
	sessionlycli "github.com/sessionly/sessionly-go/sessionly-cli"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 50

// ErrGone is returned by a Pusher when the connection no longer exists.
var ErrGone = errors.New("connection gone")

// Pusher delivers raw bytes to a single connection.
type Pusher interface {
	Post(ctx context.Context, conn connectiondao.Connection, data []byte) error
}

// Registry is the subset of the connection registry the engine needs.
type Registry interface {
	QueryByConversation(ctx context.Context, conversationID string) ([]connectiondao.Connection, error)
	QueryByUser(ctx context.Context, userID string) ([]connectiondao.Connection, error)
	Delete(ctx context.Context, connectionID string) error
}

// Recorder receives aggregate fanout counts.
type Recorder interface {
	Gauge(ctx context.Context, name sessionlycli.MetricName, value float64, dimensions ...map[sessionlycli.DimensionName]string)
}

type Status string

const (
	StatusDelivered Status = "delivered"
	StatusGone      Status = "gone"
	StatusFailed    Status = "failed"
)

// Outcome is the result of pushing to one connection.
type Outcome struct {
	ConnectionID string
	Status       Status
	Err          error
}

// Report collects the outcomes of one fanout. Err is set only when the target
// set could not be resolved; push failures never set it.
type Report struct {
	Target   string
	Outcomes []Outcome
	Err      error
}

func (r Report) Count(status Status) int {
	var n int
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Delivered returns the ids of connections that accepted the payload.
func (r Report) Delivered() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.Status == StatusDelivered {
			ids = append(ids, o.ConnectionID)
		}
	}
	return ids
}

// Engine resolves targets from the registry and pushes to each of them.
type Engine struct {
	Registry    Registry
	Pusher      Pusher
	Logger      zerolog.Logger
	Metrics     Recorder
	Concurrency int // max concurrent pushes per fanout (default 50)
}

// ToConversation pushes payload to every connection currently viewing
// conversationID, except the connection with id exclude.
func (e *Engine) ToConversation(ctx context.Context, conversationID, exclude string, payload interface{}) Report {
	target := "conversation:" + conversationID
	conns, err := e.Registry.QueryByConversation(ctx, conversationID)
	if err != nil {
		e.Logger.Error().Err(err).Str("target", target).Msg("failed to resolve fanout targets")
		return Report{Target: target, Err: err}
	}
	return e.fanout(ctx, target, conns, exclude, payload)
}

// ToUser pushes payload to every connection owned by userID, except the
// connection with id exclude.
func (e *Engine) ToUser(ctx context.Context, userID, exclude string, payload interface{}) Report {
	target := "user:" + userID
	conns, err := e.Registry.QueryByUser(ctx, userID)
	if err != nil {
		e.Logger.Error().Err(err).Str("target", target).Msg("failed to resolve fanout targets")
		return Report{Target: target, Err: err}
	}
	return e.fanout(ctx, target, conns, exclude, payload)
}

// Send pushes payload to a single connection, typically a reply to the sender.
// A gone connection is pruned and reported as ErrGone.
func (e *Engine) Send(ctx context.Context, conn connectiondao.Connection, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling payload: %w", err)
	}
	outcome := e.push(ctx, conn, data)
	return outcome.Err
}

func (e *Engine) fanout(ctx context.Context, target string, conns []connectiondao.Connection, exclude string, payload interface{}) Report {
	report := Report{Target: target}

	data, err := json.Marshal(payload)
	if err != nil {
		report.Err = fmt.Errorf("marshalling payload: %w", err)
		return report
	}

	var targets []connectiondao.Connection
	for _, conn := range conns {
		if conn.ConnectionID == exclude {
			continue
		}
		targets = append(targets, conn)
	}
	if len(targets) == 0 {
		e.Logger.Debug().Str("target", target).Msg("no live connections")
		return report
	}

	concurrency := e.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	begin := time.Now()
	report.Outcomes = make([]Outcome, len(targets))

	// Pushes never return an error to the group so one failure cannot cancel the rest.
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, conn := range targets {
		i, conn := i, conn
		g.Go(func() error {
			report.Outcomes[i] = e.push(ctx, conn, data)
			return nil
		})
	}
	_ = g.Wait()

	e.record(ctx, report, time.Since(begin))
	return report
}

func (e *Engine) push(ctx context.Context, conn connectiondao.Connection, data []byte) Outcome {
	err := e.Pusher.Post(ctx, conn, data)
	switch {
	case err == nil:
		return Outcome{ConnectionID: conn.ConnectionID, Status: StatusDelivered}

	case errors.Is(err, ErrGone):
		e.Logger.Info().
			Str("connection_id", conn.ConnectionID).
			Msg("connection gone, cleaning up")
		if delErr := e.Registry.Delete(ctx, conn.ConnectionID); delErr != nil {
			e.Logger.Error().Err(delErr).Str("connection_id", conn.ConnectionID).Msg("failed to delete gone connection")
		}
		return Outcome{ConnectionID: conn.ConnectionID, Status: StatusGone, Err: err}

	default:
		e.Logger.Warn().Err(err).
			Str("connection_id", conn.ConnectionID).
			Msg("failed to post to connection")
		return Outcome{ConnectionID: conn.ConnectionID, Status: StatusFailed, Err: err}
	}
}

func (e *Engine) record(ctx context.Context, report Report, elapsed time.Duration) {
	delivered := report.Count(StatusDelivered)
	gone := report.Count(StatusGone)
	failed := report.Count(StatusFailed)

	e.Logger.Debug().
		Str("target", report.Target).
		Int("delivered", delivered).
		Int("gone", gone).
		Int("failed", failed).
		Dur("elapsed", elapsed).
		Msg("fanout settled")

	if e.Metrics == nil {
		return
	}
	op := sessionlycli.Operation("fanout")
	e.Metrics.Gauge(ctx, sessionlycli.FanoutDeliveredMetric, float64(delivered), op)
	if gone > 0 {
		e.Metrics.Gauge(ctx, sessionlycli.FanoutGoneMetric, float64(gone), op)
	}
	if failed > 0 {
		e.Metrics.Gauge(ctx, sessionlycli.FanoutFailedMetric, float64(failed), op)
	}
}

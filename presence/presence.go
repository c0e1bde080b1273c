// Package presence stamps "last seen" timestamps on the external user-profile
// service. Updates are opportunistic: failures are reported as a Result and
// logged, never returned to the action that triggered them.
package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	sessionlycli "github.com/sessionly/sessionly-go/sessionly-cli"
	"github.com/sony/gobreaker"
)

const (
	updatePath     = "/update-online-status"
	apiKeyHeader   = "x-api-key"
	defaultTimeout = 5 * time.Second
)

// ErrUnavailable wraps every failure to reach the profile service.
var ErrUnavailable = errors.New("profile service unavailable")

// Recorder receives a count for every failed update.
type Recorder interface {
	Event(ctx context.Context, name sessionlycli.MetricName, dimensions ...map[sessionlycli.DimensionName]string)
}

// Result describes one presence update attempt.
type Result struct {
	UserID     string
	Skipped    bool
	StatusCode int
	Elapsed    time.Duration
	Err        error
}

func (r Result) OK() bool {
	return r.Err == nil
}

type updateRequest struct {
	UserID     string    `json:"userId"`
	LastOnline time.Time `json:"lastOnline"`
}

type Updater struct {
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	logger  zerolog.Logger
	metrics Recorder
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

type Option func(*Updater)

func WithHTTPClient(client *http.Client) Option {
	return func(u *Updater) { u.client = client }
}

// WithTimeout bounds each call, including the asynchronous ones started by Touch.
func WithTimeout(d time.Duration) Option {
	return func(u *Updater) { u.timeout = d }
}

func WithMetrics(metrics Recorder) Option {
	return func(u *Updater) { u.metrics = metrics }
}

func WithClock(now func() time.Time) Option {
	return func(u *Updater) { u.now = now }
}

// WithBreakerSettings replaces the default circuit breaker policy.
func WithBreakerSettings(settings gobreaker.Settings) Option {
	return func(u *Updater) { u.breaker = gobreaker.NewCircuitBreaker(settings) }
}

// New builds an Updater. An empty baseURL disables presence updates.
func New(baseURL, apiKey string, logger zerolog.Logger, opts ...Option) *Updater {
	u := &Updater{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  http.DefaultClient,
		timeout: defaultTimeout,
		logger:  logger,
		now:     time.Now,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "profile-service",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Enabled reports whether updates are sent at all.
func (u *Updater) Enabled() bool {
	return u != nil && u.baseURL != ""
}

// Touch starts an update in the background. The update outlives ctx's
// cancellation but not the updater's timeout.
func (u *Updater) Touch(ctx context.Context, userID string) <-chan Result {
	ch := make(chan Result, 1)
	if !u.Enabled() || userID == "" {
		ch <- Result{UserID: userID, Skipped: true}
		return ch
	}

	ctx = context.WithoutCancel(ctx)
	go func() {
		ch <- u.Update(ctx, userID)
	}()
	return ch
}

// Update stamps userID as seen now and reports how that went.
func (u *Updater) Update(ctx context.Context, userID string) Result {
	if !u.Enabled() || userID == "" {
		return Result{UserID: userID, Skipped: true}
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	begin := time.Now()
	status, err := u.post(ctx, userID)
	result := Result{
		UserID:     userID,
		StatusCode: status,
		Elapsed:    time.Since(begin),
	}
	if err != nil {
		result.Err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		u.logger.Warn().Err(result.Err).
			Str("user_id", userID).
			Int("status", status).
			Dur("elapsed", result.Elapsed).
			Msg("presence update failed")
		if u.metrics != nil {
			u.metrics.Event(ctx, sessionlycli.PresenceFailedMetric, sessionlycli.Operation("presence"))
		}
		return result
	}

	u.logger.Trace().Str("user_id", userID).Dur("elapsed", result.Elapsed).Msg("presence updated")
	return result
}

func (u *Updater) post(ctx context.Context, userID string) (int, error) {
	body, err := json.Marshal(updateRequest{UserID: userID, LastOnline: u.now().UTC()})
	if err != nil {
		return 0, err
	}

	status, err := u.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+updatePath, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		if u.apiKey != "" {
			req.Header.Set(apiKeyHeader, u.apiKey)
		}

		resp, err := u.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return resp.StatusCode, fmt.Errorf("unexpected status %v", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})

	code, _ := status.(int)
	return code, err
}

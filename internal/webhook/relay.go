// Package webhook forwards inbound messages to an external HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/timeout"
	"github.com/google/uuid"

	"github.com/wahub/wahub/internal/adapter"
	"github.com/wahub/wahub/internal/session"
)

// DeliveryHeader carries a unique id per POST so receivers can deduplicate.
const DeliveryHeader = "X-Wahub-Delivery"

// Delivery outcomes reported to the Recorder.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
)

// Payload is the JSON body of every delivery.
type Payload struct {
	Event     string                  `json:"event"`
	SessionID string                  `json:"sessionId"`
	Message   *adapter.InboundMessage `json:"message"`
}

// Recorder counts delivery outcomes.
type Recorder interface {
	WebhookDelivered(outcome string)
}

type Options struct {
	URL             string
	Timeout         time.Duration
	BreakerFailures int
	BreakerDelay    time.Duration
	Client          *http.Client
	// Publisher receives a log event per delivery attempt.
	Publisher session.Publisher
	Recorder  Recorder
	Logger    *slog.Logger
}

// Relay posts each inbound message once, in the background. There is no
// retry; a circuit breaker drops notifications while the endpoint keeps
// failing.
type Relay struct {
	url      string
	client   *http.Client
	executor failsafe.Executor[*http.Response]
	pub      session.Publisher
	recorder Recorder
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func New(opts Options) *Relay {
	r := &Relay{
		url:      opts.URL,
		client:   opts.Client,
		pub:      opts.Publisher,
		recorder: opts.Recorder,
		logger:   opts.Logger,
	}
	if r.client == nil {
		r.client = &http.Client{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BreakerFailures <= 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerDelay <= 0 {
		opts.BreakerDelay = 30 * time.Second
	}

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			return err != nil || (resp != nil && resp.StatusCode >= http.StatusInternalServerError)
		}).
		WithFailureThreshold(uint(opts.BreakerFailures)).
		WithDelay(opts.BreakerDelay).
		OnOpen(func(circuitbreaker.StateChangedEvent) {
			r.logger.Warn("webhook circuit opened", slog.String("url", r.url))
		}).
		OnClose(func(circuitbreaker.StateChangedEvent) {
			r.logger.Info("webhook circuit closed", slog.String("url", r.url))
		}).
		Build()
	r.executor = failsafe.With[*http.Response](breaker, timeout.New[*http.Response](opts.Timeout))

	return r
}

// Enabled reports whether a destination is configured.
func (r *Relay) Enabled() bool {
	return r != nil && r.url != ""
}

// Notify implements session.Relay. It returns immediately.
func (r *Relay) Notify(sessionID string, msg *adapter.InboundMessage) {
	if !r.Enabled() || msg == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.deliver(sessionID, msg)
	}()
}

// Wait blocks until every in-flight delivery finished.
func (r *Relay) Wait() {
	r.wg.Wait()
}

func (r *Relay) deliver(sessionID string, msg *adapter.InboundMessage) {
	body, err := json.Marshal(Payload{Event: "message", SessionID: sessionID, Message: msg})
	if err != nil {
		r.report(sessionID, OutcomeFailed, fmt.Sprintf("Webhook failed: %v", err))
		return
	}
	deliveryID := uuid.NewString()

	resp, err := r.executor.WithContext(context.Background()).GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		req, err := http.NewRequestWithContext(exec.Context(), http.MethodPost, r.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(DeliveryHeader, deliveryID)
		return r.client.Do(req)
	})
	if resp != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		r.report(sessionID, OutcomeDropped, "Webhook failed: endpoint unavailable, delivery dropped")
	case err != nil:
		r.report(sessionID, OutcomeFailed, fmt.Sprintf("Webhook failed: %v", err))
	case resp.StatusCode >= http.StatusBadRequest:
		r.report(sessionID, OutcomeFailed, fmt.Sprintf("Webhook failed: Request failed with status code %d", resp.StatusCode))
	default:
		r.report(sessionID, OutcomeSent, "Webhook sent to "+r.url)
	}
}

func (r *Relay) report(sessionID, outcome, message string) {
	if r.recorder != nil {
		r.recorder.WebhookDelivered(outcome)
	}
	level := slog.LevelInfo
	if outcome != OutcomeSent {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, message,
		slog.String("session_id", sessionID), slog.String("outcome", outcome))
	if r.pub != nil {
		r.pub.Publish(session.NewLogEvent(sessionID, message))
	}
}

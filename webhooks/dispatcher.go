// Package webhooks builds, signs and delivers merchant notifications.
package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vitwit/autopay/clock"
	"github.com/vitwit/autopay/logger"
	"github.com/vitwit/autopay/metrics"
	"github.com/vitwit/autopay/retry"
	"github.com/vitwit/autopay/storage"
	"github.com/vitwit/autopay/types"
)

var tracer = otel.Tracer("github.com/vitwit/autopay/webhooks")

// ErrNoEndpoint marks webhooks whose merchant has no URL or secret on file.
var ErrNoEndpoint = errors.New("merchant has no webhook endpoint")

// Store is the slice of storage the dispatcher uses.
type Store interface {
	ListDueWebhooks(ctx context.Context, now time.Time, limit int) ([]types.Webhook, error)
	GetMerchant(ctx context.Context, address string) (*types.Merchant, error)
	MarkWebhookSent(ctx context.Context, id string, attempts int, at time.Time) error
	MarkWebhookFailed(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error
	RescheduleWebhook(ctx context.Context, id string, attempts int, next time.Time, lastErr string, at time.Time) error
}

var _ Store = (*storage.Store)(nil)

// Config bounds delivery.
type Config struct {
	BatchSize   int
	MaxAttempts int
	Timeout     time.Duration
	Backoff     retry.Ladder
	UserAgent   string
}

const (
	defaultBatchSize   = 50
	defaultMaxAttempts = 5
	defaultTimeout     = 10 * time.Second
	defaultUserAgent   = "autopay-webhooks/1"
	// bytes of a failed response kept in last_error
	errorBodyLimit = 512
)

// Summary counts what a cycle did.
type Summary struct {
	Sent        int
	Rescheduled int
	Failed      int
}

// Dispatcher delivers due webhooks with at-least-once semantics.
type Dispatcher struct {
	store   Store
	client  *http.Client
	cfg     Config
	clock   clock.Clock
	log     logger.Logger
	metrics metrics.Recorder
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithClock(c clock.Clock) Option { return func(d *Dispatcher) { d.clock = c } }

func WithLogger(l logger.Logger) Option { return func(d *Dispatcher) { d.log = logger.OrNoop(l) } }

func WithMetrics(r metrics.Recorder) Option { return func(d *Dispatcher) { d.metrics = metrics.OrNoop(r) } }

// WithHTTPClient replaces the default client. The per-request timeout still
// applies through the request context.
func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.client = c } }

// NewDispatcher builds a dispatcher over store.
func NewDispatcher(store Store, cfg Config, opts ...Option) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = retry.WebhookLadder
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	d := &Dispatcher{
		store:   store,
		client:  &http.Client{},
		cfg:     cfg,
		clock:   clock.Real(),
		log:     logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunOnce delivers one batch of due webhooks, oldest first. Only a failure
// to list the batch is returned; per-webhook problems are recorded on the
// webhook itself.
func (d *Dispatcher) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	due, err := d.store.ListDueWebhooks(ctx, d.clock.Now(), d.cfg.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("list due webhooks: %w", err)
	}
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		switch d.process(ctx, &due[i]) {
		case types.WebhookSent:
			sum.Sent++
		case types.WebhookFailed:
			sum.Failed++
		default:
			sum.Rescheduled++
		}
	}
	return sum, nil
}

// process attempts one delivery and records the result. It returns the
// webhook's resulting status.
func (d *Dispatcher) process(ctx context.Context, w *types.Webhook) types.WebhookStatus {
	log := d.log.With(map[string]any{
		"webhook_id": w.ID, "policy_id": w.PolicyID, "chain_id": w.ChainID, "event": string(w.EventType),
	})
	attempts := w.AttemptCount + 1
	chainTag := strconv.FormatInt(w.ChainID, 10)

	m, err := d.store.GetMerchant(ctx, w.MerchantAddress)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Error("look up merchant", map[string]any{"error": err})
		return types.WebhookPending
	}
	if !m.CanReceiveWebhooks() {
		now := d.clock.Now()
		if err := d.store.MarkWebhookFailed(ctx, w.ID, w.AttemptCount, ErrNoEndpoint.Error(), now); err != nil {
			log.Error("mark webhook failed", map[string]any{"error": err})
			return types.WebhookPending
		}
		log.Warn("dropping webhook without endpoint", map[string]any{"merchant": w.MerchantAddress})
		d.metrics.IncCounter(metrics.WebhookDeliveries, map[string]string{"chain": chainTag, "outcome": "no_endpoint"})
		return types.WebhookFailed
	}

	started := d.clock.Now()
	deliverErr := d.Deliver(ctx, m, w)
	d.metrics.ObserveLatency(metrics.WebhookDelivery, d.clock.Now().Sub(started), map[string]string{"chain": chainTag})
	now := d.clock.Now()

	var (
		status  types.WebhookStatus
		outcome string
	)
	switch {
	case deliverErr == nil:
		status, outcome = types.WebhookSent, "sent"
		err = d.store.MarkWebhookSent(ctx, w.ID, attempts, now)
	case attempts >= d.cfg.MaxAttempts:
		status, outcome = types.WebhookFailed, "failed"
		err = d.store.MarkWebhookFailed(ctx, w.ID, attempts, deliverErr.Error(), now)
	default:
		status, outcome = types.WebhookPending, "retry"
		next := now.Add(d.cfg.Backoff.Delay(attempts))
		err = d.store.RescheduleWebhook(ctx, w.ID, attempts, next, deliverErr.Error(), now)
	}
	if err != nil {
		log.Error("record webhook delivery", map[string]any{"error": err, "outcome": outcome})
		return types.WebhookPending
	}
	d.metrics.IncCounter(metrics.WebhookDeliveries, map[string]string{"chain": chainTag, "outcome": outcome})
	if deliverErr != nil {
		log.Warn("webhook delivery failed", map[string]any{
			"error": deliverErr, "attempts": attempts, "outcome": outcome,
		})
	}
	return status
}

// Deliver POSTs the webhook's payload to the merchant once. Any 2xx is
// success.
func (d *Dispatcher) Deliver(ctx context.Context, m *types.Merchant, w *types.Webhook) (err error) {
	if !m.CanReceiveWebhooks() {
		return ErrNoEndpoint
	}
	ctx, span := tracer.Start(ctx, "webhooks.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("webhook.id", w.ID),
			attribute.String("webhook.event", string(w.EventType)),
			attribute.Int64("chain.id", w.ChainID),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.WebhookURL, bytes.NewReader(w.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set(HeaderSignature, Sign(m.WebhookSecret, w.Payload))
	req.Header.Set(HeaderTimestamp, d.clock.Now().UTC().Format(time.RFC3339))
	req.Header.Set(HeaderEvent, string(w.EventType))
	req.Header.Set(HeaderDelivery, w.ID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return &types.AutopayError{
		Code:    types.ErrDeliveryFailed,
		Message: fmt.Sprintf("merchant responded %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)),
		Data:    map[string]any{"status": resp.StatusCode},
	}
}

// Task adapts RunOnce to a scheduler task.
func (d *Dispatcher) Task() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := d.RunOnce(ctx)
		return err
	}
}

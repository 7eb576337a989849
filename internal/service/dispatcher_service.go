package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"netpanel/internal/core/domain"
	"netpanel/internal/core/ports"
	"netpanel/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outbound wire contract: every delivery is an HTTP POST carrying
// these headers plus a JSON envelope {"event", "timestamp", "data"}.
// Receivers verify by recomputing HMAC-SHA256 over the canonical JSON
// of "data" with the shared secret and comparing in constant time.
const (
	HeaderEvent     = "X-Netpanel-Event"
	HeaderSignature = "X-Netpanel-Signature"
	HeaderDelivery  = "X-Netpanel-Delivery"
)

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Clock abstracts the inter-retry delay so tests can inject a fake.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration)
}

type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// DispatcherConfig holds delivery policy knobs. Zero values fall back
// to the documented defaults.
type DispatcherConfig struct {
	AttemptTimeout time.Duration // per-attempt HTTP timeout
	MaxAttempts    int           // attempt cap when retries are enabled
	BackoffBase    time.Duration // first retry delay, doubles per attempt
	BackoffMax     time.Duration // backoff ceiling
	QueueSize      int           // pending task queue depth
	Workers        int           // concurrent delivery workers
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	return c
}

// deliveryTask is one scheduled delivery: a webhook snapshot plus the
// event, pinned at publish time. In-flight tasks do not observe later
// registry updates.
type deliveryTask struct {
	webhook       domain.Webhook
	secret        []byte
	correlationID uuid.UUID
	eventName     string
	canonical     []byte // canonical JSON of the event payload (signed bytes)
	body          []byte // full envelope sent on the wire
}

// dispatcherService implements ports.DispatcherService: it resolves
// subscribers, schedules delivery tasks onto a bounded queue, and runs
// the per-task delivery state machine on a fixed worker pool.
type dispatcherService struct {
	registry ports.RegistryService
	webhooks ports.WebhookRepository
	attempts ports.DeliveryAttemptRepository
	sigSvc   ports.SignatureService
	throttle ports.DeliveryThrottle // nil = unlimited
	client   HTTPClient
	clock    Clock
	cfg      DispatcherConfig
	log      zerolog.Logger

	queue     chan deliveryTask
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewDispatcherService creates the dispatcher and starts its worker
// pool. Callers own the lifecycle and must Close it on shutdown.
func NewDispatcherService(
	registry ports.RegistryService,
	webhooks ports.WebhookRepository,
	attempts ports.DeliveryAttemptRepository,
	sigSvc ports.SignatureService,
	throttle ports.DeliveryThrottle,
	client HTTPClient,
	clock Clock,
	cfg DispatcherConfig,
	log zerolog.Logger,
) ports.DispatcherService {
	if clock == nil {
		clock = realClock{}
	}
	cfg = cfg.withDefaults()

	s := &dispatcherService{
		registry: registry,
		webhooks: webhooks,
		attempts: attempts,
		sigSvc:   sigSvc,
		throttle: throttle,
		client:   client,
		clock:    clock,
		cfg:      cfg,
		log:      log,
		queue:    make(chan deliveryTask, cfg.QueueSize),
		done:     make(chan struct{}),
	}

	s.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go s.worker()
	}
	return s
}

// Publish resolves subscribers and schedules one delivery task per
// match, returning the assigned correlation ids. It only runs long
// enough to canonicalize the payload and enqueue; all network I/O
// happens on the worker pool. The only error paths are an
// unserializable payload and a registry read failure; delivery
// outcomes never surface here. When the queue is full the producer
// blocks until space frees up or its context is cancelled.
func (s *dispatcherService) Publish(ctx context.Context, eventName string, payload map[string]any) ([]uuid.UUID, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}

	matched, err := s.registry.Match(ctx, eventName)
	if err != nil {
		return nil, err
	}

	body, err := buildEnvelope(eventName, canonical)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(matched))
	for _, m := range matched {
		if s.throttle != nil {
			allowed, err := s.throttle.Allow(ctx, "webhook:"+m.Webhook.ID.String())
			if err != nil {
				// Fail open: a throttle outage must not stop deliveries.
				s.log.Warn().Err(err).
					Str("webhook_id", m.Webhook.ID.String()).
					Msg("dispatch: throttle check failed, allowing")
			} else if !allowed {
				s.log.Warn().
					Str("webhook_id", m.Webhook.ID.String()).
					Str("event", eventName).
					Msg("dispatch: webhook over delivery budget, skipping")
				continue
			}
		}

		task := deliveryTask{
			webhook:       m.Webhook,
			secret:        m.Secret,
			correlationID: uuid.New(),
			eventName:     eventName,
			canonical:     canonical,
			body:          body,
		}
		if !s.enqueue(ctx, task) {
			break
		}
		ids = append(ids, task.correlationID)
	}
	return ids, nil
}

// PublishTest schedules a synthetic webhook.test delivery to a single
// webhook, bypassing subscription matching.
func (s *dispatcherService) PublishTest(ctx context.Context, webhookID uuid.UUID) (uuid.UUID, error) {
	m, err := s.registry.Resolve(ctx, webhookID)
	if err != nil {
		return uuid.Nil, err
	}

	payload := map[string]any{
		"webhook_id": webhookID.String(),
		"message":    "test delivery from netpanel",
	}
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return uuid.Nil, err
	}
	body, err := buildEnvelope(domain.EventTest, canonical)
	if err != nil {
		return uuid.Nil, err
	}

	task := deliveryTask{
		webhook:       m.Webhook,
		secret:        m.Secret,
		correlationID: uuid.New(),
		eventName:     domain.EventTest,
		canonical:     canonical,
		body:          body,
	}
	if !s.enqueue(ctx, task) {
		return uuid.Nil, apperror.InternalError(fmt.Errorf("dispatcher closed"))
	}
	return task.correlationID, nil
}

// Close stops intake and waits for queued and in-flight deliveries to
// drain.
func (s *dispatcherService) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *dispatcherService) enqueue(ctx context.Context, task deliveryTask) bool {
	select {
	case <-s.done:
		s.log.Warn().Str("event", task.eventName).Msg("dispatch: dispatcher closed, task dropped")
		return false
	case <-ctx.Done():
		s.log.Warn().Str("event", task.eventName).Msg("dispatch: publish cancelled before enqueue")
		return false
	case s.queue <- task:
		return true
	}
}

func (s *dispatcherService) worker() {
	defer s.wg.Done()
	for {
		select {
		case task := <-s.queue:
			s.deliver(task)
		case <-s.done:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case task := <-s.queue:
					s.deliver(task)
				default:
					return
				}
			}
		}
	}
}

// deliver runs one delivery task through its state machine:
// PENDING -> SENDING -> SUCCEEDED | RETRY_SCHEDULED | FAILED, with
// RETRY_SCHEDULED looping back to SENDING until success or the attempt
// cap. Every attempt is appended to the log under the task's
// correlation id; the webhook's health fields are written exactly once
// per delivery outcome. Failures are recorded, never raised: a
// misbehaving receiver cannot affect the product action that published
// the event.
func (s *dispatcherService) deliver(task deliveryTask) {
	// Detached from the publisher's context: delivery outlives the
	// triggering request.
	ctx := context.Background()

	maxAttempts := 1
	if task.webhook.RetryEnabled {
		maxAttempts = s.cfg.MaxAttempts
	}

	signature := s.sigSvc.Sign(task.secret, task.canonical)
	state := domain.DeliveryStatusPending
	var lastErr string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		state = domain.DeliveryStatusSending
		httpStatus, latency, sendErr := s.send(ctx, task, signature)

		record := &domain.DeliveryAttempt{
			ID:            uuid.New(),
			WebhookID:     task.webhook.ID,
			CorrelationID: task.correlationID,
			EventName:     task.eventName,
			Attempt:       attempt,
			HTTPStatus:    httpStatus,
			LatencyMS:     latency.Milliseconds(),
			Success:       sendErr == nil,
			CreatedAt:     time.Now().UTC(),
		}
		if sendErr != nil {
			lastErr = sendErr.Error()
			record.Error = &lastErr
		}
		if err := s.attempts.Append(ctx, record); err != nil {
			s.log.Error().Err(err).
				Str("correlation_id", task.correlationID.String()).
				Int("attempt", attempt).
				Msg("delivery: failed to append attempt record")
		}

		if sendErr == nil {
			state = domain.DeliveryStatusSucceeded
			if err := s.webhooks.RecordSuccess(ctx, task.webhook.ID, time.Now().UTC()); err != nil {
				s.log.Error().Err(err).
					Str("webhook_id", task.webhook.ID.String()).
					Msg("delivery: failed to record success")
			}
			s.log.Info().
				Str("webhook_id", task.webhook.ID.String()).
				Str("correlation_id", task.correlationID.String()).
				Str("event", task.eventName).
				Int("attempt", attempt).
				Str("state", string(state)).
				Msg("delivery: succeeded")
			return
		}

		if attempt < maxAttempts {
			state = domain.DeliveryStatusRetryScheduled
			delay := backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffMax, attempt)
			s.log.Warn().
				Str("webhook_id", task.webhook.ID.String()).
				Str("correlation_id", task.correlationID.String()).
				Int("attempt", attempt).
				Dur("retry_in", delay).
				Str("state", string(state)).
				Str("error", lastErr).
				Msg("delivery: attempt failed, retry scheduled")
			s.clock.Sleep(ctx, delay)
		}
	}

	state = domain.DeliveryStatusFailed
	if err := s.webhooks.RecordFailure(ctx, task.webhook.ID, time.Now().UTC(), lastErr); err != nil {
		s.log.Error().Err(err).
			Str("webhook_id", task.webhook.ID.String()).
			Msg("delivery: failed to record failure")
	}
	s.log.Error().
		Str("webhook_id", task.webhook.ID.String()).
		Str("correlation_id", task.correlationID.String()).
		Str("event", task.eventName).
		Int("attempts", maxAttempts).
		Str("state", string(state)).
		Str("error", lastErr).
		Msg("delivery: attempts exhausted")
}

// send performs one HTTP attempt. A nil error means a 2xx response;
// any other status or transport failure reports an error. The returned
// status is nil when no response was received at all.
func (s *dispatcherService) send(ctx context.Context, task deliveryTask, signature string) (*int, time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, task.webhook.URL, bytes.NewReader(task.body))
	if err != nil {
		return nil, 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, task.eventName)
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderDelivery, task.correlationID.String())

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return nil, latency, err
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // keep-alive drain
	resp.Body.Close()

	status := resp.StatusCode
	if status < 200 || status >= 300 {
		return &status, latency, fmt.Errorf("HTTP %d", status)
	}
	return &status, latency, nil
}

// buildEnvelope wraps the canonical payload in the wire envelope.
func buildEnvelope(eventName string, canonical []byte) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"event":     eventName,
		"timestamp": time.Now().Unix(),
		"data":      json.RawMessage(canonical),
	})
	if err != nil {
		return nil, apperror.ErrPayloadEncoding(err)
	}
	return body, nil
}

// backoffDelay doubles the base delay per completed attempt, capped.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d <= 0 || d > max {
		return max
	}
	return d
}

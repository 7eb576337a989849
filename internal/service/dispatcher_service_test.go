package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"netpanel/internal/core/domain"
	"netpanel/internal/core/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockHTTPClient implements HTTPClient for testing.
type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.doFunc(req)
}

func newTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func okResponse() (*http.Response, error) {
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

func statusResponse(code int) (*http.Response, error) {
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

// stubRegistry returns canned match results; only the dispatch-facing
// methods matter here.
type stubRegistry struct {
	matches    []ports.MatchedWebhook
	resolved   *ports.MatchedWebhook
	resolveErr error
}

func (s *stubRegistry) Create(context.Context, ports.CreateWebhookRequest) (*domain.Webhook, string, error) {
	return nil, "", nil
}
func (s *stubRegistry) Get(context.Context, uuid.UUID) (*domain.Webhook, error) { return nil, nil }
func (s *stubRegistry) List(context.Context, ports.WebhookListParams) ([]domain.Webhook, int64, error) {
	return nil, 0, nil
}
func (s *stubRegistry) Update(context.Context, uuid.UUID, ports.UpdateWebhookRequest) (*domain.Webhook, error) {
	return nil, nil
}
func (s *stubRegistry) Toggle(context.Context, uuid.UUID) (*domain.Webhook, error) { return nil, nil }
func (s *stubRegistry) Delete(context.Context, uuid.UUID) error                    { return nil }
func (s *stubRegistry) Match(_ context.Context, eventName string) ([]ports.MatchedWebhook, error) {
	var out []ports.MatchedWebhook
	for _, m := range s.matches {
		if m.Webhook.Matches(eventName) {
			out = append(out, m)
		}
	}
	return out, nil
}
func (s *stubRegistry) Resolve(context.Context, uuid.UUID) (*ports.MatchedWebhook, error) {
	return s.resolved, s.resolveErr
}

// fakeWebhookStore captures health updates.
type fakeWebhookStore struct {
	mu        sync.Mutex
	successes map[uuid.UUID]int
	failures  map[uuid.UUID]int
	lastError string
}

func newFakeWebhookStore() *fakeWebhookStore {
	return &fakeWebhookStore{
		successes: make(map[uuid.UUID]int),
		failures:  make(map[uuid.UUID]int),
	}
}

func (f *fakeWebhookStore) Create(context.Context, *domain.Webhook) error { return nil }
func (f *fakeWebhookStore) GetByID(context.Context, uuid.UUID) (*domain.Webhook, error) {
	return nil, nil
}
func (f *fakeWebhookStore) List(context.Context, ports.WebhookListParams) ([]domain.Webhook, int64, error) {
	return nil, 0, nil
}
func (f *fakeWebhookStore) Update(context.Context, *domain.Webhook) error { return nil }
func (f *fakeWebhookStore) Delete(context.Context, uuid.UUID) error       { return nil }
func (f *fakeWebhookStore) ListEnabled(context.Context) ([]domain.Webhook, error) {
	return nil, nil
}
func (f *fakeWebhookStore) RecordSuccess(_ context.Context, id uuid.UUID, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes[id]++
	return nil
}
func (f *fakeWebhookStore) RecordFailure(_ context.Context, id uuid.UUID, _ time.Time, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id]++
	f.lastError = message
	return nil
}

func (f *fakeWebhookStore) counts(id uuid.UUID) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.successes[id], f.failures[id]
}

// fakeAttemptLog is an in-memory append-only attempt log.
type fakeAttemptLog struct {
	mu      sync.Mutex
	records []domain.DeliveryAttempt
}

func (f *fakeAttemptLog) Append(_ context.Context, a *domain.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, *a)
	return nil
}
func (f *fakeAttemptLog) ListByWebhook(_ context.Context, webhookID uuid.UUID, _ ports.AttemptQuery) ([]domain.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, r := range f.records {
		if r.WebhookID == webhookID {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f *fakeAttemptLog) ListByCorrelation(_ context.Context, correlationID uuid.UUID) ([]domain.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, r := range f.records {
		if r.CorrelationID == correlationID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeAttemptLog) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeAttemptLog) all() []domain.DeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.DeliveryAttempt(nil), f.records...)
}

// fakeClock makes retry backoff instant while recording the requested
// delays.
type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (f *fakeClock) Sleep(_ context.Context, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
}

func (f *fakeClock) slept() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func matchedWebhook(events []string, retry bool) ports.MatchedWebhook {
	return ports.MatchedWebhook{
		Webhook: domain.Webhook{
			ID:           uuid.New(),
			URL:          "https://receiver.example.com/hook",
			Name:         "receiver",
			Events:       events,
			Enabled:      true,
			RetryEnabled: retry,
		},
		Secret: []byte("shared-secret"),
	}
}

type dispatcherFixture struct {
	registry *stubRegistry
	store    *fakeWebhookStore
	log      *fakeAttemptLog
	clock    *fakeClock
	svc      ports.DispatcherService
}

func newDispatcherFixture(t *testing.T, client HTTPClient, cfg DispatcherConfig, matches ...ports.MatchedWebhook) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		registry: &stubRegistry{matches: matches},
		store:    newFakeWebhookStore(),
		log:      &fakeAttemptLog{},
		clock:    &fakeClock{},
	}
	f.svc = NewDispatcherService(
		f.registry, f.store, f.log,
		NewHMACSignatureService(),
		nil, // no throttle
		client, f.clock, cfg, newTestLogger(),
	)
	t.Cleanup(f.svc.Close)
	return f
}

func TestDispatcher_Publish_DeliversSignedRequest(t *testing.T) {
	var (
		mu       sync.Mutex
		captured *http.Request
		body     []byte
	)
	delivered := make(chan struct{}, 1)
	client := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		captured = req
		body, _ = io.ReadAll(req.Body)
		mu.Unlock()
		delivered <- struct{}{}
		return okResponse()
	}}

	m := matchedWebhook([]string{"user.created"}, true)
	f := newDispatcherFixture(t, client, DispatcherConfig{Workers: 2}, m)

	payload := map[string]any{"username": "alice", "quota_mb": 500}
	ids, err := f.svc.Publish(context.Background(), "user.created", payload)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, captured)
	assert.Equal(t, http.MethodPost, captured.Method)
	assert.Equal(t, "application/json", captured.Header.Get("Content-Type"))
	assert.Equal(t, "user.created", captured.Header.Get(HeaderEvent))
	assert.Equal(t, ids[0].String(), captured.Header.Get(HeaderDelivery))

	// Envelope carries event, timestamp and data.
	var envelope struct {
		Event     string         `json:"event"`
		Timestamp int64          `json:"timestamp"`
		Data      map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	assert.Equal(t, "user.created", envelope.Event)
	assert.NotZero(t, envelope.Timestamp)
	assert.Equal(t, "alice", envelope.Data["username"])

	// Receiver verification recipe: HMAC over the canonical data.
	canonical, err := CanonicalJSON(payload)
	require.NoError(t, err)
	sig := captured.Header.Get(HeaderSignature)
	assert.True(t, NewHMACSignatureService().Verify(m.Secret, canonical, sig))

	require.Eventually(t, func() bool { return f.log.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.svc.Close() // drain so the health write has landed
	succ, fail := f.store.counts(m.Webhook.ID)
	assert.Equal(t, 1, succ)
	assert.Equal(t, 0, fail)
}

func TestDispatcher_Publish_NoMatches(t *testing.T) {
	client := &mockHTTPClient{doFunc: func(*http.Request) (*http.Response, error) {
		t.Error("should not be called")
		return okResponse()
	}}
	f := newDispatcherFixture(t, client, DispatcherConfig{Workers: 1},
		matchedWebhook([]string{"user.created"}, true))

	ids, err := f.svc.Publish(context.Background(), "user.deleted", map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Zero(t, f.log.len())
}

func TestDispatcher_Publish_WildcardSubscription(t *testing.T) {
	delivered := make(chan struct{}, 2)
	client := &mockHTTPClient{doFunc: func(*http.Request) (*http.Response, error) {
		delivered <- struct{}{}
		return okResponse()
	}}
	f := newDispatcherFixture(t, client, DispatcherConfig{Workers: 2},
		matchedWebhook(nil, true)) // empty set = all events

	for _, event := range []string{"user.created", "backup.restored"} {
		ids, err := f.svc.Publish(context.Background(), event, map[string]any{"k": "v"})
		require.NoError(t, err)
		assert.Len(t, ids, 1, event)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatal("delivery timed out")
		}
	}
}

func TestDispatcher_Publish_UnserializablePayload(t *testing.T) {
	client := &mockHTTPClient{doFunc: func(*http.Request) (*http.Response, error) {
		return okResponse()
	}}
	f := newDispatcherFixture(t, client, DispatcherConfig{Workers: 1})

	_, err := f.svc.Publish(context.Background(), "user.created", map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestDispatcher_RetryUntilCap(t *testing.T) {
	client := &mockHTTPClient{doFunc: func(*http.Request) (*http.Response, error) {
		return statusResponse(503)
	}}
	m := matchedWebhook([]string{"service.crashed"}, true)
	f := newDispatcherFixture(t, client, DispatcherConfig{
		Workers:     1,
		MaxAttempts: 5,
		BackoffBase: 2 * time.Second,
		BackoffMax:  time.Minute,
	}, m)

	ids, err := f.svc.Publish(context.Background(), "service.crashed", map[string]any{"svc": "wg0"})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	require.Eventually(t, func() bool { return f.log.len() == 5 }, 2*time.Second, 10*time.Millisecond)
	f.svc.Close()

	records := f.log.all()
	require.Len(t, records, 5, "exactly the attempt cap, no more")
	for i, r := range records {
		assert.Equal(t, i+1, r.Attempt, "attempt numbers strictly increasing")
		assert.Equal(t, ids[0], r.CorrelationID)
		assert.False(t, r.Success)
		require.NotNil(t, r.HTTPStatus)
		assert.Equal(t, 503, *r.HTTPStatus)
	}

	// One failed delivery increments the counter once, not per attempt.
	succ, fail := f.store.counts(m.Webhook.ID)
	assert.Equal(t, 0, succ)
	assert.Equal(t, 1, fail)
	assert.Equal(t, "HTTP 503", f.store.lastError)

	// Exponential backoff between attempts: 2s, 4s, 8s, 16s.
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, f.clock.slept())
}

func TestDispatcher_RetryDisabled_SingleAttempt(t *testing.T) {
	client := &mockHTTPClient{doFunc: func(*http.Request) (*http.Response, error) {
		return statusResponse(500)
	}}
	m := matchedWebhook([]string{"cert.renewed"}, false)
	f := newDispatcherFixture(t, client, DispatcherConfig{Workers: 1, MaxAttempts: 5}, m)

	_, err := f.svc.Publish(context.Background(), "cert.renewed", map[string]any{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, fail := f.store.counts(m.Webhook.ID)
		return fail == 1
	}, 2*time.Second, 10*time.Millisecond)
	f.svc.Close()

	assert.Equal(t, 1, f.log.len(), "retry disabled means exactly one attempt")
	assert.Empty(t, f.clock.slept())
}

func TestDispatcher_SuccessOnThirdAttempt_StopsRetrying(t *testing.T) {
	var calls int64
	var mu sync.Mutex
	client := &mockHTTPClient{doFunc: func(*http.Request) (*http.Response, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return statusResponse(502)
		}
		return okResponse()
	}}
	m := matchedWebhook([]string{"backup.completed"}, true)
	f := newDispatcherFixture(t, client, DispatcherConfig{Workers: 1, MaxAttempts: 5}, m)

	ids, err := f.svc.Publish(context.Background(), "backup.completed", map[string]any{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		succ, _ := f.store.counts(m.Webhook.ID)
		return succ == 1
	}, 2*time.Second, 10*time.Millisecond)
	f.svc.Close()

	records := f.log.all()
	require.Len(t, records, 3, "no attempts after the first success")
	assert.False(t, records[0].Success)
	assert.False(t, records[1].Success)
	assert.True(t, records[2].Success)
	assert.Equal(t, ids[0], records[2].CorrelationID)

	_, fail := f.store.counts(m.Webhook.ID)
	assert.Equal(t, 0, fail)
}

func TestDispatcher_TransportError_NoHTTPStatus(t *testing.T) {
	client := &mockHTTPClient{doFunc: func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	m := matchedWebhook(nil, false)
	f := newDispatcherFixture(t, client, DispatcherConfig{Workers: 1}, m)

	_, err := f.svc.Publish(context.Background(), "service.started", map[string]any{})
	require.NoError(t, err, "transport failures never propagate to the publisher")

	require.Eventually(t, func() bool { return f.log.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	records := f.log.all()
	assert.Nil(t, records[0].HTTPStatus)
	assert.False(t, records[0].Success)
	require.NotNil(t, records[0].Error)
	assert.Contains(t, *records[0].Error, "refused")
}

func TestDispatcher_Publish_ReturnsBeforeDelivery(t *testing.T) {
	release := make(chan struct{})
	client := &mockHTTPClient{doFunc: func(*http.Request) (*http.Response, error) {
		<-release // simulate a slow receiver
		return okResponse()
	}}
	f := newDispatcherFixture(t, client, DispatcherConfig{Workers: 1},
		matchedWebhook(nil, false))

	ids, err := f.svc.Publish(context.Background(), "service.started", map[string]any{})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// Publish returned while the attempt is still in flight.
	assert.Zero(t, f.log.len(), "no attempt record may exist before the async task completes")

	close(release)
	require.Eventually(t, func() bool { return f.log.len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_PublishTest_SendsSyntheticEvent(t *testing.T) {
	var mu sync.Mutex
	var captured *http.Request
	delivered := make(chan struct{}, 1)
	client := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		captured = req
		mu.Unlock()
		delivered <- struct{}{}
		return okResponse()
	}}

	m := matchedWebhook([]string{"user.created"}, false) // not subscribed to webhook.test
	f := newDispatcherFixture(t, client, DispatcherConfig{Workers: 1})
	f.registry.resolved = &m

	id, err := f.svc.PublishTest(context.Background(), m.Webhook.ID)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("test delivery timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.EventTest, captured.Header.Get(HeaderEvent))
}

func TestDispatcher_PublishTest_ResolveError(t *testing.T) {
	client := &mockHTTPClient{doFunc: func(*http.Request) (*http.Response, error) {
		t.Error("should not be called")
		return okResponse()
	}}
	f := newDispatcherFixture(t, client, DispatcherConfig{Workers: 1})
	f.registry.resolveErr = errors.New("webhook not found")

	_, err := f.svc.PublishTest(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestBackoffDelay(t *testing.T) {
	base, max := 2*time.Second, time.Minute

	assert.Equal(t, 2*time.Second, backoffDelay(base, max, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(base, max, 2))
	assert.Equal(t, 32*time.Second, backoffDelay(base, max, 5))
	assert.Equal(t, time.Minute, backoffDelay(base, max, 6), "capped at max")
	assert.Equal(t, time.Minute, backoffDelay(base, max, 63), "shift overflow falls back to max")
}

package integration

import (
	"context"
	"sort"
	"sync"
	"time"

	"netpanel/internal/core/domain"
	"netpanel/internal/core/ports"

	"github.com/google/uuid"
)

// --- In-Memory Webhook Repo ---

type inMemoryWebhookRepo struct {
	mu       sync.RWMutex
	webhooks map[uuid.UUID]*domain.Webhook
}

func newInMemoryWebhookRepo() *inMemoryWebhookRepo {
	return &inMemoryWebhookRepo{webhooks: make(map[uuid.UUID]*domain.Webhook)}
}

func (r *inMemoryWebhookRepo) Create(ctx context.Context, w *domain.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *w
	r.webhooks[w.ID] = &cp
	return nil
}

func (r *inMemoryWebhookRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.webhooks[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (r *inMemoryWebhookRepo) List(ctx context.Context, params ports.WebhookListParams) ([]domain.Webhook, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]domain.Webhook, 0, len(r.webhooks))
	for _, w := range r.webhooks {
		all = append(all, *w)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := int64(len(all))
	start := (params.Page - 1) * params.PageSize
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + params.PageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (r *inMemoryWebhookRepo) Update(ctx context.Context, w *domain.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.webhooks[w.ID]; !ok {
		return nil
	}
	cp := *w
	r.webhooks[w.ID] = &cp
	return nil
}

func (r *inMemoryWebhookRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.webhooks, id)
	return nil
}

func (r *inMemoryWebhookRepo) ListEnabled(ctx context.Context) ([]domain.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Webhook
	for _, w := range r.webhooks {
		if w.Enabled {
			out = append(out, *w)
		}
	}
	return out, nil
}

// RecordSuccess mirrors the SQL adapter: a missing webhook (deleted
// while a delivery was in flight) is a silent no-op.
func (r *inMemoryWebhookRepo) RecordSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.webhooks[id]
	if !ok {
		return nil
	}
	t := at
	w.LastTriggeredAt = &t
	w.LastSuccessAt = &t
	w.ConsecutiveFailures = 0
	return nil
}

func (r *inMemoryWebhookRepo) RecordFailure(ctx context.Context, id uuid.UUID, at time.Time, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.webhooks[id]
	if !ok {
		return nil
	}
	t := at
	msg := message
	w.LastTriggeredAt = &t
	w.LastError = &msg
	w.LastErrorAt = &t
	w.ConsecutiveFailures++
	return nil
}

// --- In-Memory Delivery Attempt Repo ---

type inMemoryAttemptRepo struct {
	mu       sync.RWMutex
	attempts []domain.DeliveryAttempt
}

func newInMemoryAttemptRepo() *inMemoryAttemptRepo {
	return &inMemoryAttemptRepo{}
}

func (r *inMemoryAttemptRepo) Append(ctx context.Context, a *domain.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, *a)
	return nil
}

func (r *inMemoryAttemptRepo) ListByWebhook(ctx context.Context, webhookID uuid.UUID, query ports.AttemptQuery) ([]domain.DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.DeliveryAttempt
	for _, a := range r.attempts {
		if a.WebhookID != webhookID {
			continue
		}
		if !query.Since.IsZero() && a.CreatedAt.Before(query.Since) {
			continue
		}
		out = append(out, a)
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[len(out)-query.Limit:]
	}
	return out, nil
}

func (r *inMemoryAttemptRepo) ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]domain.DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.DeliveryAttempt
	for _, a := range r.attempts {
		if a.CorrelationID == correlationID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

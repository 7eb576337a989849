package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/url"
	"time"

	"netpanel/internal/core/domain"
	"netpanel/internal/core/ports"
	"netpanel/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// registryService implements ports.RegistryService.
type registryService struct {
	repo   ports.WebhookRepository
	encSvc ports.EncryptionService
	log    zerolog.Logger
}

// NewRegistryService creates the webhook registry.
func NewRegistryService(repo ports.WebhookRepository, encSvc ports.EncryptionService, log zerolog.Logger) ports.RegistryService {
	return &registryService{
		repo:   repo,
		encSvc: encSvc,
		log:    log,
	}
}

// Create validates and registers a new webhook. The plaintext secret is
// returned exactly once; afterwards only the encrypted form is stored.
func (s *registryService) Create(ctx context.Context, req ports.CreateWebhookRequest) (*domain.Webhook, string, error) {
	if req.Name == "" {
		return nil, "", apperror.ErrMissingField("name")
	}
	if err := validateWebhookURL(req.URL); err != nil {
		return nil, "", err
	}
	if err := validateEventNames(req.Events); err != nil {
		return nil, "", err
	}

	secret := req.Secret
	if secret == "" {
		generated, err := generateSecret()
		if err != nil {
			return nil, "", apperror.InternalError(err)
		}
		secret = generated
	}

	secretEnc, err := s.encSvc.Encrypt(secret)
	if err != nil {
		return nil, "", apperror.ErrEncryptionFailure(err)
	}

	now := time.Now().UTC()
	webhook := &domain.Webhook{
		ID:           uuid.New(),
		URL:          req.URL,
		Name:         req.Name,
		Description:  req.Description,
		Events:       append([]string(nil), req.Events...),
		Enabled:      true,
		RetryEnabled: req.RetryEnabled,
		SecretEnc:    secretEnc,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.Create(ctx, webhook); err != nil {
		return nil, "", apperror.ErrStoreError(err)
	}

	s.log.Info().
		Str("webhook_id", webhook.ID.String()).
		Str("url", webhook.URL).
		Strs("events", webhook.Events).
		Msg("webhook registered")

	return webhook.Redacted(), secret, nil
}

func (s *registryService) Get(ctx context.Context, id uuid.UUID) (*domain.Webhook, error) {
	webhook, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrStoreError(err)
	}
	if webhook == nil {
		return nil, apperror.ErrWebhookNotFound()
	}
	return webhook.Redacted(), nil
}

func (s *registryService) List(ctx context.Context, params ports.WebhookListParams) ([]domain.Webhook, int64, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 || params.PageSize > 100 {
		params.PageSize = 20
	}

	webhooks, total, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, 0, apperror.ErrStoreError(err)
	}

	redacted := make([]domain.Webhook, len(webhooks))
	for i := range webhooks {
		redacted[i] = *webhooks[i].Redacted()
	}
	return redacted, total, nil
}

// Update applies a partial update: only non-nil fields change. URL and
// events re-validate. The repository persists the whole record in one
// atomic write, so concurrent match snapshots never mix old and new
// field values.
func (s *registryService) Update(ctx context.Context, id uuid.UUID, req ports.UpdateWebhookRequest) (*domain.Webhook, error) {
	webhook, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrStoreError(err)
	}
	if webhook == nil {
		return nil, apperror.ErrWebhookNotFound()
	}

	if req.URL != nil {
		if err := validateWebhookURL(*req.URL); err != nil {
			return nil, err
		}
		webhook.URL = *req.URL
	}
	if req.Name != nil {
		if *req.Name == "" {
			return nil, apperror.ErrMissingField("name")
		}
		webhook.Name = *req.Name
	}
	if req.Description != nil {
		webhook.Description = *req.Description
	}
	if req.Events != nil {
		if err := validateEventNames(*req.Events); err != nil {
			return nil, err
		}
		webhook.Events = append([]string(nil), (*req.Events)...)
	}
	if req.Enabled != nil {
		webhook.Enabled = *req.Enabled
	}
	if req.RetryEnabled != nil {
		webhook.RetryEnabled = *req.RetryEnabled
	}
	webhook.UpdatedAt = time.Now().UTC()

	if err := s.repo.Update(ctx, webhook); err != nil {
		return nil, apperror.ErrStoreError(err)
	}
	return webhook.Redacted(), nil
}

// Toggle flips the enabled flag and returns the updated webhook.
func (s *registryService) Toggle(ctx context.Context, id uuid.UUID) (*domain.Webhook, error) {
	webhook, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrStoreError(err)
	}
	if webhook == nil {
		return nil, apperror.ErrWebhookNotFound()
	}

	webhook.Enabled = !webhook.Enabled
	webhook.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, webhook); err != nil {
		return nil, apperror.ErrStoreError(err)
	}

	s.log.Info().
		Str("webhook_id", id.String()).
		Bool("enabled", webhook.Enabled).
		Msg("webhook toggled")

	return webhook.Redacted(), nil
}

func (s *registryService) Delete(ctx context.Context, id uuid.UUID) error {
	webhook, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return apperror.ErrStoreError(err)
	}
	if webhook == nil {
		return apperror.ErrWebhookNotFound()
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return apperror.ErrStoreError(err)
	}

	// Attempt log rows are retained for audit; in-flight deliveries
	// keep appending to them and their health updates become no-ops.
	s.log.Info().Str("webhook_id", id.String()).Msg("webhook deleted")
	return nil
}

// Match returns delivery-ready snapshots of the enabled webhooks
// subscribed to eventName. A webhook whose stored secret cannot be
// decrypted is skipped rather than failing the whole dispatch.
func (s *registryService) Match(ctx context.Context, eventName string) ([]ports.MatchedWebhook, error) {
	enabled, err := s.repo.ListEnabled(ctx)
	if err != nil {
		return nil, apperror.ErrStoreError(err)
	}

	var matched []ports.MatchedWebhook
	for i := range enabled {
		w := enabled[i]
		if !w.Matches(eventName) {
			continue
		}
		secret, err := s.encSvc.Decrypt(w.SecretEnc)
		if err != nil {
			s.log.Error().Err(err).
				Str("webhook_id", w.ID.String()).
				Msg("match: cannot decrypt webhook secret, skipping")
			continue
		}
		matched = append(matched, ports.MatchedWebhook{
			Webhook: w,
			Secret:  []byte(secret),
		})
	}
	return matched, nil
}

// Resolve returns a single delivery-ready snapshot for the synthetic
// test trigger. Subscription filters do not apply; the enabled flag
// still does.
func (s *registryService) Resolve(ctx context.Context, id uuid.UUID) (*ports.MatchedWebhook, error) {
	webhook, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrStoreError(err)
	}
	if webhook == nil {
		return nil, apperror.ErrWebhookNotFound()
	}
	if !webhook.Enabled {
		return nil, apperror.ErrWebhookDisabled()
	}
	secret, err := s.encSvc.Decrypt(webhook.SecretEnc)
	if err != nil {
		return nil, apperror.ErrEncryptionFailure(err)
	}
	return &ports.MatchedWebhook{Webhook: *webhook, Secret: []byte(secret)}, nil
}

// generateSecret produces a 32-byte random signing key, hex-encoded.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return apperror.ErrMissingField("url")
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return apperror.ErrInvalidWebhookURL(raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperror.ErrInvalidWebhookURL(raw)
	}
	return nil
}

func validateEventNames(events []string) error {
	for _, e := range events {
		if !domain.ValidEventName(e) {
			return apperror.ErrInvalidEventName(e)
		}
	}
	return nil
}

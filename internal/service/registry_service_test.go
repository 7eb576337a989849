package service

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"netpanel/internal/core/domain"
	"netpanel/internal/core/ports"
	"netpanel/internal/core/ports/mocks"
	"netpanel/pkg/apperror"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newRegistryFixture(t *testing.T) (ports.RegistryService, *mocks.MockWebhookRepository, *mocks.MockEncryptionService) {
	t.Helper()
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockWebhookRepository(ctrl)
	encSvc := mocks.NewMockEncryptionService(ctrl)
	return NewRegistryService(repo, encSvc, newTestLogger()), repo, encSvc
}

func assertAppCode(t *testing.T, err error, code string) {
	t.Helper()
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, code, appErr.Code)
}

func storedWebhook(enabled bool, events ...string) *domain.Webhook {
	return &domain.Webhook{
		ID:        uuid.New(),
		URL:       "https://receiver.example.com/hook",
		Name:      "receiver",
		Events:    events,
		Enabled:   enabled,
		SecretEnc: "encrypted-secret",
	}
}

func TestRegistry_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("generates a secret and stores it encrypted", func(t *testing.T) {
		svc, repo, encSvc := newRegistryFixture(t)

		var plaintext string
		encSvc.EXPECT().Encrypt(gomock.Any()).DoAndReturn(func(s string) (string, error) {
			plaintext = s
			return "ciphertext", nil
		})

		var stored *domain.Webhook
		repo.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, w *domain.Webhook) error {
			stored = w
			return nil
		})

		webhook, secret, err := svc.Create(ctx, ports.CreateWebhookRequest{
			Name:   "monitoring",
			URL:    "https://hooks.example.com/netpanel",
			Events: []string{"user.created", "user.deleted"},
		})
		require.NoError(t, err)

		// 32 random bytes, hex-encoded, shown to the caller exactly once.
		assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), secret)
		assert.Equal(t, plaintext, secret)

		require.NotNil(t, stored)
		assert.Equal(t, "ciphertext", stored.SecretEnc)
		assert.True(t, stored.Enabled, "new webhooks start enabled")
		assert.NotEqual(t, uuid.Nil, stored.ID)

		assert.Empty(t, webhook.SecretEnc, "returned record is redacted")
		assert.Equal(t, []string{"user.created", "user.deleted"}, webhook.Events)
	})

	t.Run("keeps a caller-provided secret", func(t *testing.T) {
		svc, repo, encSvc := newRegistryFixture(t)
		encSvc.EXPECT().Encrypt("my-shared-secret").Return("ciphertext", nil)
		repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)

		_, secret, err := svc.Create(ctx, ports.CreateWebhookRequest{
			Name:   "monitoring",
			URL:    "https://hooks.example.com/netpanel",
			Secret: "my-shared-secret",
		})
		require.NoError(t, err)
		assert.Equal(t, "my-shared-secret", secret)
	})

	t.Run("rejects missing name", func(t *testing.T) {
		svc, _, _ := newRegistryFixture(t)
		_, _, err := svc.Create(ctx, ports.CreateWebhookRequest{URL: "https://x.example.com"})
		assertAppCode(t, err, "WH_002")
	})

	t.Run("rejects non-http url", func(t *testing.T) {
		svc, _, _ := newRegistryFixture(t)
		_, _, err := svc.Create(ctx, ports.CreateWebhookRequest{Name: "x", URL: "ftp://files.example.com"})
		assertAppCode(t, err, "WH_001")
	})

	t.Run("rejects relative url", func(t *testing.T) {
		svc, _, _ := newRegistryFixture(t)
		_, _, err := svc.Create(ctx, ports.CreateWebhookRequest{Name: "x", URL: "/hooks/netpanel"})
		assertAppCode(t, err, "WH_001")
	})

	t.Run("rejects malformed event names", func(t *testing.T) {
		svc, _, _ := newRegistryFixture(t)
		_, _, err := svc.Create(ctx, ports.CreateWebhookRequest{
			Name:   "x",
			URL:    "https://x.example.com",
			Events: []string{"UserCreated"},
		})
		assertAppCode(t, err, "WH_003")
	})

	t.Run("accepts the wildcard subscription", func(t *testing.T) {
		svc, repo, encSvc := newRegistryFixture(t)
		encSvc.EXPECT().Encrypt(gomock.Any()).Return("ciphertext", nil)
		repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)

		_, _, err := svc.Create(ctx, ports.CreateWebhookRequest{
			Name:   "x",
			URL:    "https://x.example.com",
			Events: []string{domain.EventWildcard},
		})
		assert.NoError(t, err)
	})
}

func TestRegistry_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("redacts the stored secret", func(t *testing.T) {
		svc, repo, _ := newRegistryFixture(t)
		stored := storedWebhook(true, "user.created")
		repo.EXPECT().GetByID(gomock.Any(), stored.ID).Return(stored, nil)

		got, err := svc.Get(ctx, stored.ID)
		require.NoError(t, err)
		assert.Equal(t, stored.ID, got.ID)
		assert.Empty(t, got.SecretEnc)
	})

	t.Run("not found", func(t *testing.T) {
		svc, repo, _ := newRegistryFixture(t)
		repo.EXPECT().GetByID(gomock.Any(), gomock.Any()).Return(nil, nil)

		_, err := svc.Get(ctx, uuid.New())
		assertAppCode(t, err, "WH_004")
	})

	t.Run("store failure", func(t *testing.T) {
		svc, repo, _ := newRegistryFixture(t)
		repo.EXPECT().GetByID(gomock.Any(), gomock.Any()).Return(nil, errors.New("conn reset"))

		_, err := svc.Get(ctx, uuid.New())
		assertAppCode(t, err, "SYS_001")
	})
}

func TestRegistry_List_ClampsPagination(t *testing.T) {
	svc, repo, _ := newRegistryFixture(t)
	repo.EXPECT().
		List(gomock.Any(), ports.WebhookListParams{Page: 1, PageSize: 20}).
		Return([]domain.Webhook{*storedWebhook(true)}, int64(1), nil)

	webhooks, total, err := svc.List(context.Background(), ports.WebhookListParams{Page: 0, PageSize: 500})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, webhooks, 1)
	assert.Empty(t, webhooks[0].SecretEnc)
}

func TestRegistry_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("changes only the provided fields", func(t *testing.T) {
		svc, repo, _ := newRegistryFixture(t)
		stored := storedWebhook(true, "user.created")
		repo.EXPECT().GetByID(gomock.Any(), stored.ID).Return(stored, nil)

		var updated *domain.Webhook
		repo.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, w *domain.Webhook) error {
			updated = w
			return nil
		})

		newURL := "https://other.example.com/hook"
		got, err := svc.Update(ctx, stored.ID, ports.UpdateWebhookRequest{URL: &newURL})
		require.NoError(t, err)

		assert.Equal(t, newURL, got.URL)
		assert.Equal(t, "receiver", got.Name, "untouched fields keep their values")
		assert.Equal(t, []string{"user.created"}, got.Events)
		require.NotNil(t, updated)
		assert.Equal(t, "encrypted-secret", updated.SecretEnc, "secret survives updates")
	})

	t.Run("rejects invalid replacement url before writing", func(t *testing.T) {
		svc, repo, _ := newRegistryFixture(t)
		stored := storedWebhook(true)
		repo.EXPECT().GetByID(gomock.Any(), stored.ID).Return(stored, nil)

		bad := "not a url"
		_, err := svc.Update(ctx, stored.ID, ports.UpdateWebhookRequest{URL: &bad})
		assertAppCode(t, err, "WH_001")
	})

	t.Run("not found", func(t *testing.T) {
		svc, repo, _ := newRegistryFixture(t)
		repo.EXPECT().GetByID(gomock.Any(), gomock.Any()).Return(nil, nil)

		_, err := svc.Update(ctx, uuid.New(), ports.UpdateWebhookRequest{})
		assertAppCode(t, err, "WH_004")
	})
}

func TestRegistry_Toggle(t *testing.T) {
	svc, repo, _ := newRegistryFixture(t)
	stored := storedWebhook(true)
	repo.EXPECT().GetByID(gomock.Any(), stored.ID).Return(stored, nil)
	repo.EXPECT().Update(gomock.Any(), gomock.Any()).Return(nil)

	got, err := svc.Toggle(context.Background(), stored.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestRegistry_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes an existing webhook", func(t *testing.T) {
		svc, repo, _ := newRegistryFixture(t)
		stored := storedWebhook(true)
		repo.EXPECT().GetByID(gomock.Any(), stored.ID).Return(stored, nil)
		repo.EXPECT().Delete(gomock.Any(), stored.ID).Return(nil)

		assert.NoError(t, svc.Delete(ctx, stored.ID))
	})

	t.Run("not found", func(t *testing.T) {
		svc, repo, _ := newRegistryFixture(t)
		repo.EXPECT().GetByID(gomock.Any(), gomock.Any()).Return(nil, nil)

		err := svc.Delete(ctx, uuid.New())
		assertAppCode(t, err, "WH_004")
	})
}

func TestRegistry_Match(t *testing.T) {
	ctx := context.Background()

	t.Run("returns subscribed webhooks with decrypted secrets", func(t *testing.T) {
		svc, repo, encSvc := newRegistryFixture(t)

		subscribed := storedWebhook(true, "user.created")
		wildcard := storedWebhook(true)
		other := storedWebhook(true, "backup.completed")
		repo.EXPECT().ListEnabled(gomock.Any()).Return([]domain.Webhook{*subscribed, *wildcard, *other}, nil)
		encSvc.EXPECT().Decrypt("encrypted-secret").Return("plain", nil).Times(2)

		matched, err := svc.Match(ctx, "user.created")
		require.NoError(t, err)
		require.Len(t, matched, 2)
		assert.Equal(t, subscribed.ID, matched[0].Webhook.ID)
		assert.Equal(t, wildcard.ID, matched[1].Webhook.ID)
		assert.Equal(t, []byte("plain"), matched[0].Secret)
	})

	t.Run("skips webhooks whose secret cannot be decrypted", func(t *testing.T) {
		svc, repo, encSvc := newRegistryFixture(t)

		broken := storedWebhook(true, "user.created")
		broken.SecretEnc = "corrupted"
		healthy := storedWebhook(true, "user.created")
		repo.EXPECT().ListEnabled(gomock.Any()).Return([]domain.Webhook{*broken, *healthy}, nil)
		encSvc.EXPECT().Decrypt("corrupted").Return("", errors.New("cipher: message authentication failed"))
		encSvc.EXPECT().Decrypt("encrypted-secret").Return("plain", nil)

		matched, err := svc.Match(ctx, "user.created")
		require.NoError(t, err)
		require.Len(t, matched, 1)
		assert.Equal(t, healthy.ID, matched[0].Webhook.ID)
	})

	t.Run("no subscribers", func(t *testing.T) {
		svc, repo, _ := newRegistryFixture(t)
		repo.EXPECT().ListEnabled(gomock.Any()).Return(nil, nil)

		matched, err := svc.Match(ctx, "user.created")
		require.NoError(t, err)
		assert.Empty(t, matched)
	})
}

func TestRegistry_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves an enabled webhook", func(t *testing.T) {
		svc, repo, encSvc := newRegistryFixture(t)
		stored := storedWebhook(true, "user.created")
		repo.EXPECT().GetByID(gomock.Any(), stored.ID).Return(stored, nil)
		encSvc.EXPECT().Decrypt("encrypted-secret").Return("plain", nil)

		m, err := svc.Resolve(ctx, stored.ID)
		require.NoError(t, err)
		assert.Equal(t, stored.ID, m.Webhook.ID)
		assert.Equal(t, []byte("plain"), m.Secret)
	})

	t.Run("disabled webhook is a conflict", func(t *testing.T) {
		svc, repo, _ := newRegistryFixture(t)
		stored := storedWebhook(false)
		repo.EXPECT().GetByID(gomock.Any(), stored.ID).Return(stored, nil)

		_, err := svc.Resolve(ctx, stored.ID)
		assertAppCode(t, err, "WH_006")
	})

	t.Run("not found", func(t *testing.T) {
		svc, repo, _ := newRegistryFixture(t)
		repo.EXPECT().GetByID(gomock.Any(), gomock.Any()).Return(nil, nil)

		_, err := svc.Resolve(ctx, uuid.New())
		assertAppCode(t, err, "WH_004")
	})
}

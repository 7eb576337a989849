package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventWildcard subscribes a webhook to every event.
const EventWildcard = "*"

// Webhook is a registered delivery target for product events.
type Webhook struct {
	ID          uuid.UUID `json:"id"`
	URL         string    `json:"url"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	// Events holds the subscribed event names. Empty, or containing
	// EventWildcard, means the webhook receives all events.
	Events       []string `json:"events"`
	Enabled      bool     `json:"enabled"`
	RetryEnabled bool     `json:"retry_enabled"`
	// SecretEnc is the AES-256-GCM encrypted signing secret (hex).
	SecretEnc string `json:"-"`

	// Rolling health, updated after each delivery outcome.
	LastTriggeredAt     *time.Time `json:"last_triggered_at"`
	LastSuccessAt       *time.Time `json:"last_success_at"`
	LastError           *string    `json:"last_error"`
	LastErrorAt         *time.Time `json:"last_error_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Matches reports whether an event with the given name should be
// delivered to this webhook. Disabled webhooks never match.
func (w *Webhook) Matches(eventName string) bool {
	if !w.Enabled {
		return false
	}
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == EventWildcard || e == eventName {
			return true
		}
	}
	return false
}

// Redacted returns a copy safe for external exposure: the encrypted
// secret is stripped.
func (w *Webhook) Redacted() *Webhook {
	cp := *w
	cp.SecretEnc = ""
	cp.Events = append([]string(nil), w.Events...)
	return &cp
}

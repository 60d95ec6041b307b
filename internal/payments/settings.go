package payments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Settings holds the gateway credentials and webhook secret. Persistence and
// encryption at rest belong to the host; this core only reads them and owns
// generation of the webhook verification key.
type Settings struct {
	Environment  string `json:"environment"` // demo | live
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	SourceCode   string `json:"source_code"`
	WebhookKey   string `json:"webhook_key"`
}

// Validate checks that the settings required for order creation are present.
func (s *Settings) Validate() error {
	switch {
	case s.ClientID == "":
		return &ConfigurationError{Missing: "client_id"}
	case s.ClientSecret == "":
		return &ConfigurationError{Missing: "client_secret"}
	case s.SourceCode == "":
		return &ConfigurationError{Missing: "source_code"}
	}
	return nil
}

// SettingsStore reads and updates gateway settings. SaveWebhookKey persists a
// key only when none is stored yet; the first writer wins.
type SettingsStore interface {
	GetSettings(ctx context.Context) (*Settings, error)
	SaveWebhookKey(ctx context.Context, key string) error
}

// EnsureWebhookKey returns the persisted webhook verification key, generating
// and storing a new high-entropy one on first use. The gateway calls the
// webhook endpoint with GET to confirm endpoint ownership before enabling
// delivery; subsequent calls must return the same key.
func EnsureWebhookKey(ctx context.Context, store SettingsStore) (string, error) {
	settings, err := store.GetSettings(ctx)
	if err != nil {
		return "", fmt.Errorf("loading settings: %w", err)
	}
	if settings.WebhookKey != "" {
		return settings.WebhookKey, nil
	}

	key, err := generateWebhookKey()
	if err != nil {
		return "", err
	}
	if err := store.SaveWebhookKey(ctx, key); err != nil {
		return "", fmt.Errorf("persisting webhook key: %w", err)
	}

	// SaveWebhookKey only writes when no key is stored yet. A concurrent
	// caller may have persisted its key first; the stored value wins for
	// everyone, so read it back.
	settings, err = store.GetSettings(ctx)
	if err != nil {
		return "", fmt.Errorf("reloading settings: %w", err)
	}
	if settings.WebhookKey != "" {
		return settings.WebhookKey, nil
	}

	return key, nil
}

func generateWebhookKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating webhook key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/italolelis/resilient_updater/internal/update"
)

// ErrNoWebhook is returned when the notifier has no webhook URL.
var ErrNoWebhook = errors.New("webhook URL is not set")

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

// WebhookNotifier posts messages as {"content": "..."}, the payload accepted by Discord and
// Slack-compatible incoming webhooks.
type WebhookNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (n *WebhookNotifier) Notify(ctx context.Context, content string) error {
	if n.WebhookURL == "" {
		return ErrNoWebhook
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// MessageFor renders the notification for ev. Only terminal and fallback events are sent.
func MessageFor(product string, ev update.Event) (string, bool) {
	switch ev.Type {
	case update.EventDownloaded:
		msg := fmt.Sprintf("%s %s downloaded and ready to install", product, ev.Version)
		if ev.FallbackUsed {
			msg += " (via the compressed release archive)"
		}

		return msg, true
	case update.EventFallbackEntered:
		return fmt.Sprintf("%s %s: %s", product, ev.Version, ev.Message), true
	case update.EventError:
		if ev.Version == "" {
			return fmt.Sprintf("%s update failed: %s", product, ev.Message), true
		}

		return fmt.Sprintf("%s %s update failed: %s", product, ev.Version, ev.Message), true
	default:
		return "", false
	}
}

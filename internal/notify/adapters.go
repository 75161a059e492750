package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"autopilot/internal/logx"
	"autopilot/internal/model"
)

// WebhookAdapter POSTs the notification payload as JSON to a configured
// URL. Grounded on the outbound-webhook shape used by GitLab/Slack-style
// integrations: a flat JSON body, a short client timeout, non-2xx is a
// send failure.
type WebhookAdapter struct {
	url    string
	client *http.Client
	logger *logx.Logger
}

// NewWebhookAdapter constructs a webhook adapter posting to url.
func NewWebhookAdapter(url string) *WebhookAdapter {
	return &WebhookAdapter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logx.NewLogger("notify.webhook"),
	}
}

func (a *WebhookAdapter) Name() string { return "webhook" }

func (a *WebhookAdapter) Init(_ context.Context) error {
	if a.url == "" {
		return fmt.Errorf("webhook adapter: no URL configured")
	}
	return nil
}

func (a *WebhookAdapter) Send(ctx context.Context, n model.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (a *WebhookAdapter) Close(_ context.Context) error { return nil }

// ConsoleAdapter prints notifications to the structured logger. Used as
// the always-available fallback channel and in tests.
type ConsoleAdapter struct {
	logger *logx.Logger
}

// NewConsoleAdapter constructs a console/log adapter.
func NewConsoleAdapter() *ConsoleAdapter {
	return &ConsoleAdapter{logger: logx.NewLogger("notify.console")}
}

func (a *ConsoleAdapter) Name() string { return "console" }

func (a *ConsoleAdapter) Init(_ context.Context) error { return nil }

func (a *ConsoleAdapter) Send(_ context.Context, n model.Notification) error {
	a.logger.Info("[%s/%s] %s — %s", n.Type, n.Severity, n.Title, n.Body)
	return nil
}

func (a *ConsoleAdapter) Close(_ context.Context) error { return nil }

// BuildAdapters resolves the configured channel names into Adapter
// instances. Unknown channel names are skipped with a warning rather than
// failing startup — partial channel misconfiguration should degrade, not
// block the run.
func BuildAdapters(channels []string, webhookURL string) []Adapter {
	logger := logx.NewLogger("notify")
	var out []Adapter
	for _, c := range channels {
		switch c {
		case "console", "stdout", "log":
			out = append(out, NewConsoleAdapter())
		case "webhook":
			if webhookURL == "" {
				logger.Warn("webhook channel requested but no --webhook-url configured, skipping")
				continue
			}
			out = append(out, NewWebhookAdapter(webhookURL))
		default:
			logger.Warn("unknown notification channel %q, skipping", c)
		}
	}
	if len(out) == 0 {
		// Always have somewhere for notifications to go.
		out = append(out, NewConsoleAdapter())
	}
	return out
}

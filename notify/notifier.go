// notify/notifier.go
package notify

import (
	"time"

	"atra_engine/logs"

	"github.com/go-resty/resty/v2"
)

// Notifier delivers operator alerts for events that need a human: placement
// failures, risk halts, emergency stops. Delivery is best-effort and must
// never block or fail a trading operation.
type Notifier interface {
	Alert(title, message string)
}

// WebhookNotifier posts alerts to a configured webhook URL. Failures are
// logged and swallowed.
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	client := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(1)
	return &WebhookNotifier{client: client, url: url}
}

func (n *WebhookNotifier) Alert(title, message string) {
	go func() {
		resp, err := n.client.R().
			SetHeader("Content-Type", "application/json").
			SetBody(map[string]string{
				"title":   title,
				"message": message,
			}).
			Post(n.url)
		if err != nil {
			logs.Warnf("[Notify] webhook delivery failed: %v", err)
			return
		}
		if resp.IsError() {
			logs.Warnf("[Notify] webhook returned %d: %s", resp.StatusCode(), resp.String())
		}
	}()
}

// LogNotifier writes alerts to the application log. Used when no webhook is
// configured and as the simulation default.
type LogNotifier struct{}

func (LogNotifier) Alert(title, message string) {
	logs.Warnf("[Alert] %s: %s", title, message)
}

// FromConfig picks the notifier implementation for the given settings.
func FromConfig(enabled bool, webhookURL string) Notifier {
	if enabled && webhookURL != "" {
		return NewWebhookNotifier(webhookURL)
	}
	return LogNotifier{}
}

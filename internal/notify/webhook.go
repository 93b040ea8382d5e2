package notify

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fleetradar/internal/config"
	"fleetradar/internal/domain"
)

const defaultHookTimeout = 5 * time.Second

// WebhookNotifier POSTs each notification to the endpoints listed in the
// config. Delivery runs in the background and failures are logged and
// dropped; the engine never waits on a hook.
type WebhookNotifier struct {
	hooks  []config.WebhookConfig
	client *http.Client
	log    *slog.Logger
}

func NewWebhookNotifier(hooks []config.WebhookConfig, log *slog.Logger) *WebhookNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookNotifier{
		hooks:  hooks,
		client: &http.Client{Timeout: defaultHookTimeout},
		log:    log,
	}
}

type hookEnvelope struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func (n *WebhookNotifier) dispatch(event string, data any) {
	body, err := json.Marshal(hookEnvelope{Event: event, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		n.log.Warn("webhook payload marshal failed", "event", "webhook.deliver.error", "error", err)
		return
	}
	for _, hook := range n.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !matchEvent(hook.Events, event) {
			continue
		}
		go n.post(hook, event, body)
	}
}

func (n *WebhookNotifier) post(hook config.WebhookConfig, event string, body []byte) {
	client := n.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequest(http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		n.log.Warn("webhook request build failed", "event", "webhook.deliver.error", "url", hook.URL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fleetradar-Event", event)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Fleetradar-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		n.log.Warn("webhook delivery failed", "event", "webhook.deliver.error", "url", hook.URL, "error", err)
		return
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		n.log.Warn("webhook delivery rejected", "event", "webhook.deliver.error", "url", hook.URL,
			"status", res.StatusCode, "body", strings.TrimSpace(string(snippet)))
	}
}

func matchEvent(filter []string, event string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, e := range filter {
		if strings.TrimSpace(e) == event {
			return true
		}
	}
	return false
}

func (n *WebhookNotifier) ProcessUpdated(p domain.Process) {
	n.dispatch(EventProcessUpdate, p)
}

func (n *WebhookNotifier) AlertRaised(a Alert) {
	n.dispatch(EventAlert, a)
}

func (n *WebhookNotifier) PredictionGenerated(e PredictionEvent) {
	n.dispatch(EventInsight, e)
}

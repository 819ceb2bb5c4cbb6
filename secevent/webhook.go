package secevent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/c360/sensorgate/errors"
)

// WebhookChannel posts Slack-compatible attachment payloads to a configured
// webhook URL.
type WebhookChannel struct {
	name       string
	webhookURL string
	client     *http.Client
}

// NewWebhookChannel creates a webhook alert channel.
func NewWebhookChannel(name, webhookURL string) *WebhookChannel {
	return &WebhookChannel{
		name:       name,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Name identifies the channel in logs and metrics.
func (c *WebhookChannel) Name() string {
	return c.name
}

func severityColor(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return "#ff0000"
	case SeverityWarning:
		return "#ffcc00"
	default:
		return "#36a64f"
	}
}

type webhookField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type webhookAttachment struct {
	Color  string         `json:"color"`
	Title  string         `json:"title"`
	Text   string         `json:"text"`
	Fields []webhookField `json:"fields"`
}

type webhookPayload struct {
	Attachments []webhookAttachment `json:"attachments"`
}

// Notify posts the alert. A non-2xx response counts as a failed send.
func (c *WebhookChannel) Notify(ctx context.Context, title, description string, severity Severity, extra map[string]any) error {
	fields := []webhookField{
		{Title: "Severity", Value: string(severity), Short: true},
	}
	for k, v := range extra {
		fields = append(fields, webhookField{Title: k, Value: fmt.Sprintf("%v", v), Short: true})
	}

	payload := webhookPayload{
		Attachments: []webhookAttachment{{
			Color:  severityColor(severity),
			Title:  title,
			Text:   description,
			Fields: fields,
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.WrapInvalid(err, "WebhookChannel", "Notify", "encode payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return errors.WrapInvalid(err, "WebhookChannel", "Notify", "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "WebhookChannel", "Notify", "post webhook")
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return errors.WrapTransient(
			fmt.Errorf("webhook response status %d", res.StatusCode),
			"WebhookChannel", "Notify", "post webhook")
	}
	return nil
}

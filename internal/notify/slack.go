package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/meridianfs/riskwatch/pkg/models"
)

// SlackChannel posts alerts to a Slack incoming webhook as colored
// attachments.
type SlackChannel struct {
	WebhookURL string
	Timeout    time.Duration
	client     *http.Client
	logger     *zap.Logger
}

// NewSlackChannel creates a Slack channel for the given webhook URL.
func NewSlackChannel(webhookURL string, logger *zap.Logger) *SlackChannel {
	timeout := 10 * time.Second
	return &SlackChannel{
		WebhookURL: webhookURL,
		Timeout:    timeout,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func severityColor(severity models.Severity) string {
	switch severity {
	case models.SeverityLow:
		return "#36a64f"
	case models.SeverityMedium:
		return "#ff9900"
	case models.SeverityHigh:
		return "#ff6600"
	case models.SeverityCritical:
		return "#ff0000"
	default:
		return "#808080"
	}
}

// Send posts one alert to the webhook.
func (sc *SlackChannel) Send(ctx context.Context, alert *models.Alert) error {
	title := fmt.Sprintf("🚨 %s - %s", alert.AlertType, alert.Severity)
	if alert.Escalation {
		title = fmt.Sprintf("⬆️ ESCALATION: %s - %s", alert.AlertType, alert.Severity)
	}
	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color": severityColor(alert.Severity),
				"title": title,
				"text":  alert.Message,
				"fields": []map[string]interface{}{
					{
						"title": "Entity",
						"value": fmt.Sprintf("%s: %s", alert.EntityType, alert.EntityID),
						"short": true,
					},
					{
						"title": "Threshold",
						"value": "$" + alert.ThresholdValue.StringFixed(2),
						"short": true,
					},
					{
						"title": "Current Value",
						"value": "$" + alert.CurrentValue.StringFixed(2),
						"short": true,
					},
				},
				"footer": "Risk Alert System",
				"ts":     alert.Timestamp.Unix(),
			},
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal slack payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.WebhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return errors.Wrap(err, "failed to create slack request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send slack webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Type returns the channel type.
func (sc *SlackChannel) Type() string {
	return "slack"
}

// Enabled reports whether the channel has a webhook configured.
func (sc *SlackChannel) Enabled() bool {
	return sc.WebhookURL != ""
}

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

// WebhookChannel POSTs alerts as JSON to an arbitrary HTTP endpoint.
type WebhookChannel struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

// NewWebhookChannel creates a webhook channel. A zero timeout defaults to
// 30 seconds.
func NewWebhookChannel(url string, headers map[string]string, timeout time.Duration, logger *zap.Logger) *WebhookChannel {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WebhookChannel{
		URL:     url,
		Headers: headers,
		Timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Send delivers one alert as a JSON document.
func (wc *WebhookChannel) Send(ctx context.Context, alert *models.Alert) error {
	jsonData, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, "failed to marshal alert payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.URL, bytes.NewBuffer(jsonData))
	if err != nil {
		return errors.Wrap(err, "failed to create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range wc.Headers {
		req.Header.Set(key, value)
	}

	resp, err := wc.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send webhook request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Type returns the channel type.
func (wc *WebhookChannel) Type() string {
	return "webhook"
}

// Enabled reports whether the channel has an endpoint configured.
func (wc *WebhookChannel) Enabled() bool {
	return wc.URL != ""
}

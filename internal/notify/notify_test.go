package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianfs/riskwatch/internal/config"
	"github.com/meridianfs/riskwatch/pkg/models"
)

func sampleAlert() *models.Alert {
	return &models.Alert{
		Timestamp:      time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		AlertType:      models.AlertHighClientExposure,
		Severity:       models.SeverityCritical,
		EntityType:     models.EntityClient,
		EntityID:       "CLIENT_001",
		Message:        "Client CLIENT_001 exposure $1200000.00 crossed into CRITICAL (threshold $1000000.00)",
		ThresholdValue: decimal.NewFromInt(1_000_000),
		CurrentValue:   decimal.NewFromInt(1_200_000),
		TransactionID:  42,
	}
}

type fakeChannel struct {
	mu       sync.Mutex
	name     string
	disabled bool
	failN    int
	attempts int
	sent     []*models.Alert
}

func (f *fakeChannel) Send(_ context.Context, alert *models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failN {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, alert)
	return nil
}

func (f *fakeChannel) Type() string  { return f.name }
func (f *fakeChannel) Enabled() bool { return !f.disabled }

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestManager(channels ...Channel) *Manager {
	m := NewManager(zap.NewNop(), config.NotifyConfig{MaxRetries: 2, RetryBackoff: time.Millisecond})
	for _, ch := range channels {
		m.AddChannel(ch)
	}
	return m
}

func TestManagerDeliversToAllEnabledChannels(t *testing.T) {
	good := &fakeChannel{name: "good"}
	bad := &fakeChannel{name: "bad", failN: 100}
	off := &fakeChannel{name: "off", disabled: true}
	m := newTestManager(good, bad, off)

	m.deliver(context.Background(), sampleAlert())

	// the failing channel never blocks the healthy one
	assert.Equal(t, 1, good.sentCount())
	assert.Equal(t, 0, bad.sentCount())
	assert.Equal(t, 0, off.attempts)
	// initial attempt plus two retries
	assert.Equal(t, 3, bad.attempts)
}

func TestManagerRetriesUntilSuccess(t *testing.T) {
	flaky := &fakeChannel{name: "flaky", failN: 2}
	m := newTestManager(flaky)

	m.deliver(context.Background(), sampleAlert())

	assert.Equal(t, 3, flaky.attempts)
	assert.Equal(t, 1, flaky.sentCount())
}

func TestManagerRunDrainsQueue(t *testing.T) {
	ch := &fakeChannel{name: "sink"}
	m := newTestManager(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	for i := 0; i < 5; i++ {
		m.Notify(context.Background(), sampleAlert())
	}
	assert.Eventually(t, func() bool { return ch.sentCount() == 5 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop after cancel")
	}
}

func TestManagerChannelTypes(t *testing.T) {
	m := newTestManager(&fakeChannel{name: "a"}, &fakeChannel{name: "b", disabled: true})
	assert.Equal(t, []string{"log", "a"}, m.ChannelTypes())
}

func TestSlackChannelPayload(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL, zap.NewNop())
	require.NoError(t, ch.Send(context.Background(), sampleAlert()))

	attachments := payload["attachments"].([]interface{})
	require.Len(t, attachments, 1)
	att := attachments[0].(map[string]interface{})
	assert.Equal(t, "#ff0000", att["color"])
	assert.Equal(t, "Risk Alert System", att["footer"])
	assert.Contains(t, att["title"], "HIGH_CLIENT_EXPOSURE")
	fields := att["fields"].([]interface{})
	require.Len(t, fields, 3)
	entity := fields[0].(map[string]interface{})
	assert.Equal(t, "CLIENT: CLIENT_001", entity["value"])
}

func TestSlackChannelEscalationTitle(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	alert := sampleAlert()
	alert.Escalation = true
	ch := NewSlackChannel(srv.URL, zap.NewNop())
	require.NoError(t, ch.Send(context.Background(), alert))

	att := payload["attachments"].([]interface{})[0].(map[string]interface{})
	assert.Contains(t, att["title"], "ESCALATION")
}

func TestWebhookChannelRoundTrip(t *testing.T) {
	var got models.Alert
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, map[string]string{"Authorization": "Bearer token"}, 0, zap.NewNop())
	alert := sampleAlert()
	require.NoError(t, ch.Send(context.Background(), alert))

	assert.Equal(t, "Bearer token", auth)
	assert.Equal(t, alert.AlertType, got.AlertType)
	assert.Equal(t, alert.EntityID, got.EntityID)
	assert.True(t, alert.CurrentValue.Equal(got.CurrentValue))
}

func TestWebhookChannelRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, nil, 0, zap.NewNop())
	err := ch.Send(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestSeverityColors(t *testing.T) {
	assert.Equal(t, "#36a64f", severityColor(models.SeverityLow))
	assert.Equal(t, "#ff9900", severityColor(models.SeverityMedium))
	assert.Equal(t, "#ff6600", severityColor(models.SeverityHigh))
	assert.Equal(t, "#ff0000", severityColor(models.SeverityCritical))
	assert.Equal(t, "#808080", severityColor(models.Severity("UNKNOWN")))
}

func TestEmailBody(t *testing.T) {
	body := formatAlertBody(sampleAlert())
	assert.Contains(t, body, "RISK ALERT - CRITICAL")
	assert.Contains(t, body, "Entity: CLIENT - CLIENT_001")
	assert.Contains(t, body, "Threshold: $1000000.00")
	assert.Contains(t, body, "Current Value: $1200000.00")
}

func TestEmailChannelEnabled(t *testing.T) {
	off := NewEmailChannel(config.EmailConfig{}, zap.NewNop())
	assert.False(t, off.Enabled())

	on := NewEmailChannel(config.EmailConfig{
		Host: "smtp.example.com",
		Port: 587,
		From: "alerts@brokerage.com",
		To:   []string{"risk-team@brokerage.com"},
	}, zap.NewNop())
	assert.True(t, on.Enabled())
}

func TestNewManagerBuildsConfiguredChannels(t *testing.T) {
	m := NewManager(zap.NewNop(), config.NotifyConfig{
		SlackWebhookURL: "https://hooks.slack.com/services/x",
		WebhookURL:      "https://example.com/hook",
		MaxRetries:      3,
		RetryBackoff:    time.Second,
	})
	assert.ElementsMatch(t, []string{"log", "slack", "webhook"}, m.ChannelTypes())
}

func TestLogChannelAlwaysEnabled(t *testing.T) {
	ch := NewLogChannel(zap.NewNop())
	assert.True(t, ch.Enabled())
	assert.Equal(t, "log", ch.Type())
	require.NoError(t, ch.Send(context.Background(), sampleAlert()))
}

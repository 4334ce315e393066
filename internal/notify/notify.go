// Package notify delivers emitted alerts to the configured channels: Slack,
// generic webhook, email, Kafka, and always the process log. Delivery is
// best-effort with bounded retries per channel; the persisted alert row stays
// the source of truth.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfs/riskwatch/internal/config"
	"github.com/meridianfs/riskwatch/pkg/metrics"
	"github.com/meridianfs/riskwatch/pkg/models"
)

// Channel is one alert delivery target.
type Channel interface {
	Send(ctx context.Context, alert *models.Alert) error
	Type() string
	Enabled() bool
}

// Manager fans emitted alerts out to every enabled channel. Alerts are
// queued and delivered by background workers, so the caller never blocks on
// a slow endpoint. A failing channel never stops delivery to the others.
type Manager struct {
	logger       *zap.Logger
	channels     []Channel
	maxRetries   int
	retryBackoff time.Duration
	queue        chan *models.Alert
	workers      int
}

// NewManager builds a manager from the notification configuration.
func NewManager(logger *zap.Logger, cfg config.NotifyConfig) *Manager {
	m := &Manager{
		logger:       logger,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		queue:        make(chan *models.Alert, 256),
		workers:      2,
	}
	m.AddChannel(NewLogChannel(logger))
	if cfg.SlackWebhookURL != "" {
		m.AddChannel(NewSlackChannel(cfg.SlackWebhookURL, logger))
	}
	if cfg.WebhookURL != "" {
		m.AddChannel(NewWebhookChannel(cfg.WebhookURL, nil, 0, logger))
	}
	if cfg.Email.Host != "" && cfg.Email.From != "" {
		m.AddChannel(NewEmailChannel(cfg.Email, logger))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		m.AddChannel(NewKafkaChannel(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger))
	}
	return m
}

// AddChannel registers an additional delivery target.
func (m *Manager) AddChannel(ch Channel) {
	m.channels = append(m.channels, ch)
}

// ChannelTypes returns the types of all enabled channels.
func (m *Manager) ChannelTypes() []string {
	var types []string
	for _, ch := range m.channels {
		if ch.Enabled() {
			types = append(types, ch.Type())
		}
	}
	return types
}

// Run consumes the queue until the context is cancelled, then drains what
// is already queued.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.worker(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (m *Manager) worker(ctx context.Context) {
	for {
		select {
		case alert := <-m.queue:
			// deliver on a detached timeout so cancellation still flushes
			sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			m.deliver(sendCtx, alert)
			cancel()
		case <-ctx.Done():
			for {
				select {
				case alert := <-m.queue:
					sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					m.deliver(sendCtx, alert)
					cancel()
				default:
					return
				}
			}
		}
	}
}

// Notify queues an alert for delivery. When the queue is full the alert is
// dropped and counted; the persisted row still exists.
func (m *Manager) Notify(_ context.Context, alert *models.Alert) {
	if len(m.channels) == 0 {
		return
	}
	select {
	case m.queue <- alert:
	default:
		metrics.NotificationFailures.WithLabelValues("queue").Inc()
		m.logger.Warn("notification queue full, dropping alert",
			zap.String("alert_id", alert.ID.String()))
	}
}

func (m *Manager) deliver(ctx context.Context, alert *models.Alert) {
	for _, ch := range m.channels {
		if !ch.Enabled() {
			continue
		}
		if err := m.sendWithRetry(ctx, ch, alert); err != nil {
			metrics.NotificationFailures.WithLabelValues(ch.Type()).Inc()
			m.logger.Error("alert delivery failed",
				zap.String("channel", ch.Type()),
				zap.String("alert_id", alert.ID.String()),
				zap.Error(err))
			continue
		}
		m.logger.Debug("alert delivered",
			zap.String("channel", ch.Type()),
			zap.String("alert_id", alert.ID.String()))
	}
}

func (m *Manager) sendWithRetry(ctx context.Context, ch Channel, alert *models.Alert) error {
	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if err := ch.Send(ctx, alert); err != nil {
			lastErr = err
			if attempt < m.maxRetries {
				m.logger.Warn("alert delivery retrying",
					zap.String("channel", ch.Type()),
					zap.Int("attempt", attempt+1),
					zap.Error(err))
				select {
				case <-time.After(time.Duration(attempt+1) * m.retryBackoff):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}
		return nil
	}
	return lastErr
}

package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/meridianfs/riskwatch/pkg/models"
)

// LogChannel writes alerts to the process log. It is always enabled, so
// every alert is visible even when no external channel is configured.
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

// Send logs one alert.
func (lc *LogChannel) Send(_ context.Context, alert *models.Alert) error {
	lc.logger.Info("alert notification",
		zap.String("severity", string(alert.Severity)),
		zap.String("type", string(alert.AlertType)),
		zap.String("entity_type", string(alert.EntityType)),
		zap.String("entity_id", alert.EntityID),
		zap.String("message", alert.Message))
	return nil
}

// Type returns the channel type.
func (lc *LogChannel) Type() string {
	return "log"
}

// Enabled always reports true.
func (lc *LogChannel) Enabled() bool {
	return true
}

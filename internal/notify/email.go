package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/meridianfs/riskwatch/internal/config"
	"github.com/meridianfs/riskwatch/pkg/models"
)

// EmailChannel sends alerts as plain-text mail over SMTP. STARTTLS is
// negotiated when the server offers it.
type EmailChannel struct {
	cfg    config.EmailConfig
	logger *zap.Logger
}

// NewEmailChannel creates an email channel from the SMTP configuration.
func NewEmailChannel(cfg config.EmailConfig, logger *zap.Logger) *EmailChannel {
	return &EmailChannel{cfg: cfg, logger: logger}
}

// Send delivers one alert to the configured recipients.
func (ec *EmailChannel) Send(ctx context.Context, alert *models.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := fmt.Sprintf("🚨 Risk Alert: %s - %s", alert.AlertType, alert.Severity)
	body := formatAlertBody(alert)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", ec.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(ec.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", ec.cfg.Host, ec.cfg.Port)
	var auth smtp.Auth
	if ec.cfg.Username != "" {
		auth = smtp.PlainAuth("", ec.cfg.Username, ec.cfg.Password, ec.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, ec.cfg.From, ec.cfg.To, []byte(msg.String())); err != nil {
		return errors.Wrap(err, "failed to send alert email")
	}
	return nil
}

func formatAlertBody(alert *models.Alert) string {
	return strings.TrimSpace(fmt.Sprintf(`
🚨 RISK ALERT - %s

Type: %s
Entity: %s - %s
Time: %s

%s

Threshold: $%s
Current Value: $%s
`,
		alert.Severity,
		alert.AlertType,
		alert.EntityType, alert.EntityID,
		alert.Timestamp.Format("2006-01-02 15:04:05"),
		alert.Message,
		alert.ThresholdValue.StringFixed(2),
		alert.CurrentValue.StringFixed(2)))
}

// Type returns the channel type.
func (ec *EmailChannel) Type() string {
	return "email"
}

// Enabled reports whether SMTP delivery is configured.
func (ec *EmailChannel) Enabled() bool {
	return ec.cfg.Host != "" && ec.cfg.From != "" && len(ec.cfg.To) > 0
}

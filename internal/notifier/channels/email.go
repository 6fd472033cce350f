package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/airaware/ingest/internal/errs"
	"github.com/airaware/ingest/internal/model"
)

// EmailConfig holds SMTP connection details for the Email channel.
type EmailConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	StartTLS  bool
	FromAddr  string
}

// Email sends alert notifications over SMTP via go-mail.
type Email struct {
	cfg EmailConfig
}

// NewEmail creates an Email channel sender from cfg.
func NewEmail(cfg EmailConfig) *Email {
	return &Email{cfg: cfg}
}

func (e *Email) Name() string { return "email" }

// Send dials the configured SMTP server and delivers alert to recipient, a
// single address or a comma-joined list (§4.E: one message per recipient
// list for email).
func (e *Email) Send(ctx context.Context, alert model.Alert, recipient string) error {
	msg := mail.NewMsg()
	if err := msg.From(e.cfg.FromAddr); err != nil {
		return errs.Wrap(errs.Permanent, "email: invalid from address", err)
	}
	if err := msg.To(strings.Split(recipient, ",")...); err != nil {
		return errs.Wrap(errs.Permanent, "email: invalid recipient address", err)
	}
	msg.Subject(fmt.Sprintf("[%s] %s alert on sensor %s", alert.Severity, alert.Type, alert.SensorID))
	msg.SetBodyString(mail.TypeTextPlain, formatBody(alert))

	policy := mail.TLSOpportunistic
	if e.cfg.StartTLS {
		policy = mail.TLSMandatory
	}

	client, err := mail.NewClient(e.cfg.Host,
		mail.WithPort(e.cfg.Port),
		mail.WithTLSPolicy(policy),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(e.cfg.Username),
		mail.WithPassword(e.cfg.Password),
	)
	if err != nil {
		return errs.Wrap(errs.Permanent, "email: build SMTP client", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return errs.Wrap(errs.Transient, "email: send", err)
	}
	return nil
}

func formatBody(alert model.Alert) string {
	return fmt.Sprintf(
		"%s\n\nSensor: %s\nSeverity: %s\nOccurrences: %d\nFirst triggered: %s\nLast seen: %s\n",
		alert.Message, alert.SensorID, alert.Severity, alert.OccurrenceCount,
		alert.TriggeredAt.Format("2006-01-02T15:04:05Z07:00"),
		alert.LastSeen.Format("2006-01-02T15:04:05Z07:00"),
	)
}

package channels

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/airaware/ingest/internal/errs"
	"github.com/airaware/ingest/internal/model"
)

// Slack posts alert notifications to a single incoming webhook. Recipient
// is ignored; the webhook URL fixes the destination channel (§4.E: chat
// channels have one synthetic recipient).
type Slack struct {
	webhookURL string
}

// NewSlack creates a Slack channel sender posting to webhookURL.
func NewSlack(webhookURL string) *Slack {
	return &Slack{webhookURL: webhookURL}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, alert model.Alert, _ string) error {
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("*[%s]* %s on `%s`: %s (occurrence #%d)",
			alert.Severity, alert.Type, alert.SensorID, alert.Message, alert.OccurrenceCount),
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return errs.Wrap(errs.Transient, "slack: post webhook", err)
	}
	return nil
}

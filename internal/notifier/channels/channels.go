// Package channels implements the per-channel senders the notifier
// dispatches jobs to: email, SMS, Slack, Discord, and Web Push. Each sender
// implements Channel and classifies its own failures through internal/errs
// so the notifier's retry loop can tell a transient failure (retry) from a
// permanent one (count as failed, do not retry).
package channels

import (
	"context"

	"github.com/airaware/ingest/internal/model"
)

// Channel delivers one alert notification to one recipient.
type Channel interface {
	// Name identifies the channel, matching the Job.Channel values the
	// queue stores ("email", "sms", "slack", "discord", "push").
	Name() string
	// Send delivers alert to recipient. Implementations return an
	// *errs.Error: errs.Transient for retryable failures, errs.Permanent
	// for failures the notifier should not retry.
	Send(ctx context.Context, alert model.Alert, recipient string) error
}

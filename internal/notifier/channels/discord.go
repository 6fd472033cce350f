package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/airaware/ingest/internal/errs"
	"github.com/airaware/ingest/internal/model"
)

// Discord posts alert notifications to a single incoming webhook using a
// plain HTTP client; Discord has no first-party Go SDK in the dependency
// set, so this follows the webhook's documented JSON contract directly.
type Discord struct {
	webhookURL string
	httpClient *http.Client
}

// NewDiscord creates a Discord channel sender posting to webhookURL.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{webhookURL: webhookURL, httpClient: &http.Client{}}
}

func (d *Discord) Name() string { return "discord" }

type discordPayload struct {
	Content string `json:"content"`
}

func (d *Discord) Send(ctx context.Context, alert model.Alert, _ string) error {
	body, err := json.Marshal(discordPayload{
		Content: fmt.Sprintf("**[%s]** %s on `%s`: %s (occurrence #%d)",
			alert.Severity, alert.Type, alert.SensorID, alert.Message, alert.OccurrenceCount),
	})
	if err != nil {
		return errs.Wrap(errs.Permanent, "discord: encode payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.Permanent, "discord: build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.Transient, "discord: post webhook", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errs.New(errs.Transient, fmt.Sprintf("discord: webhook returned %d", resp.StatusCode))
	default:
		return errs.New(errs.Permanent, fmt.Sprintf("discord: webhook returned %d", resp.StatusCode))
	}
}

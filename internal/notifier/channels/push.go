package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/airaware/ingest/internal/errs"
	"github.com/airaware/ingest/internal/model"
)

// PushRecipient identifies one Web Push subscription. The notifier encodes
// this as the Job.Recipient string (JSON) so the push channel is
// self-contained and does not need a storage lookup at send time.
type PushRecipient struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// EncodeRecipient serializes sub into the string form Push.Send expects.
func EncodeRecipient(sub model.PushSubscription) (string, error) {
	b, err := json.Marshal(PushRecipient{Endpoint: sub.Endpoint, P256dh: sub.P256dh, Auth: sub.Auth})
	if err != nil {
		return "", fmt.Errorf("channels: encode push recipient: %w", err)
	}
	return string(b), nil
}

// DecodeRecipientEndpoint extracts the subscription endpoint from a
// recipient string produced by EncodeRecipient, so callers outside this
// package (the notifier's push-attempt accounting) don't need to know the
// wire shape.
func DecodeRecipientEndpoint(recipient string) (string, error) {
	var r PushRecipient
	if err := json.Unmarshal([]byte(recipient), &r); err != nil {
		return "", fmt.Errorf("channels: decode push recipient: %w", err)
	}
	return r.Endpoint, nil
}

// Push sends alert notifications over the Web Push protocol.
type Push struct {
	vapidPublicKey  string
	vapidPrivateKey string
	subscriber      string // VAPID subject, e.g. "mailto:ops@example.com"
}

// NewPush creates a Push channel sender using the given VAPID key pair.
func NewPush(vapidPublicKey, vapidPrivateKey, subscriber string) *Push {
	return &Push{vapidPublicKey: vapidPublicKey, vapidPrivateKey: vapidPrivateKey, subscriber: subscriber}
}

func (p *Push) Name() string { return "push" }

// Send delivers alert to the subscription encoded in recipient (see
// EncodeRecipient). A 404 or 410 response means the endpoint is gone and is
// treated as permanent so the notifier can deactivate the subscription.
func (p *Push) Send(ctx context.Context, alert model.Alert, recipient string) error {
	var r PushRecipient
	if err := json.Unmarshal([]byte(recipient), &r); err != nil {
		return errs.Wrap(errs.Permanent, "push: decode recipient", err)
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return errs.Wrap(errs.Permanent, "push: encode payload", err)
	}

	sub := &webpush.Subscription{
		Endpoint: r.Endpoint,
		Keys:     webpush.Keys{P256dh: r.P256dh, Auth: r.Auth},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, &webpush.Options{
		Subscriber:      p.subscriber,
		VAPIDPublicKey:  p.vapidPublicKey,
		VAPIDPrivateKey: p.vapidPrivateKey,
		TTL:             30,
	})
	if err != nil {
		return errs.Wrap(errs.Transient, "push: send", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return errs.New(errs.Permanent, fmt.Sprintf("push: subscription gone (%d)", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errs.New(errs.Transient, fmt.Sprintf("push: endpoint returned %d", resp.StatusCode))
	default:
		return errs.New(errs.Permanent, fmt.Sprintf("push: endpoint returned %d", resp.StatusCode))
	}
}

package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/airaware/ingest/internal/errs"
	"github.com/airaware/ingest/internal/model"
)

// SMS sends alert notifications as text messages via Twilio. One job is
// dispatched per phone number (§4.E), unlike email's joined-recipient-list
// convention.
type SMS struct {
	client *twilio.RestClient
	from   string
}

// NewSMS creates an SMS channel sender authenticated with the given Twilio
// account SID and auth token, sending from the given number.
func NewSMS(accountSID, authToken, from string) *SMS {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &SMS{client: client, from: from}
}

func (s *SMS) Name() string { return "sms" }

// Send delivers alert as a text message to recipient, a single E.164 phone
// number. Twilio's rejection of a malformed number (error code 21211) is
// treated as non-retryable.
func (s *SMS) Send(ctx context.Context, alert model.Alert, recipient string) error {
	params := &openapi.CreateMessageParams{}
	params.SetTo(recipient)
	params.SetFrom(s.from)
	params.SetBody(fmt.Sprintf("[%s] %s on %s: %s", alert.Severity, alert.Type, alert.SensorID, alert.Message))

	_, err := s.client.Api.CreateMessage(params)
	if err != nil {
		if isInvalidNumber(err) {
			return errs.Wrap(errs.Permanent, "sms: invalid recipient number", err)
		}
		return errs.Wrap(errs.Transient, "sms: send", err)
	}
	return nil
}

// isInvalidNumber reports whether err indicates Twilio rejected the
// recipient number outright rather than a transient delivery failure.
func isInvalidNumber(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "21211") || strings.Contains(msg, "not a valid phone number")
}

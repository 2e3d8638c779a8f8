package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const twilioBaseURL = "https://api.twilio.com/2010-04-01"

// Notifier delivers out-of-band messages to the human collaborator.
type Notifier interface {
	Send(ctx context.Context, body string) error
}

// TwilioNotifier sends SMS through the Twilio REST API. Delivery is
// fire-and-forget: the approval reply arrives through the callback server,
// not through this client.
type TwilioNotifier struct {
	client     *resty.Client
	accountSID string
	fromPhone  string
	toPhone    string
}

// NewTwilioNotifier creates an SMS notifier.
func NewTwilioNotifier(accountSID, authToken, fromPhone, toPhone string) *TwilioNotifier {
	client := resty.New().
		SetBaseURL(twilioBaseURL).
		SetTimeout(10 * time.Second).
		SetBasicAuth(accountSID, authToken)

	return &TwilioNotifier{
		client:     client,
		accountSID: accountSID,
		fromPhone:  fromPhone,
		toPhone:    toPhone,
	}
}

// Send posts one SMS message.
func (n *TwilioNotifier) Send(ctx context.Context, body string) error {
	if n.accountSID == "" {
		return errors.New("twilio account SID is empty")
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"From": n.fromPhone,
			"To":   n.toPhone,
			"Body": body,
		}).
		Post(fmt.Sprintf("/Accounts/%s/Messages.json", n.accountSID))
	if err != nil {
		return errors.Wrap(err, "send SMS")
	}
	if resp.IsError() {
		return errors.Errorf("twilio returned status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Package delivery: Twilio-backed delivery sink.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioOpts holds configuration options for the Twilio delivery sink.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// TwilioOption defines a configuration option for the Twilio delivery sink.
type TwilioOption func(*TwilioOpts)

// WithTwilioAccountSID sets the Twilio account SID.
func WithTwilioAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithTwilioAuthToken sets the Twilio auth token.
func WithTwilioAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithTwilioFrom sets the sending WhatsApp number, e.g. "whatsapp:+14155238886".
func WithTwilioFrom(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// TwilioSink sends messages through the Twilio WhatsApp API.
type TwilioSink struct {
	client *twilio.RestClient
	from   string
}

// Compile-time check that TwilioSink implements Sink.
var _ Sink = (*TwilioSink)(nil)

// NewTwilioSink creates a Twilio-backed delivery sink. Credentials fall back
// to the TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, and TWILIO_FROM_NUMBER
// environment variables when not provided via options.
func NewTwilioSink(opts ...TwilioOption) (*TwilioSink, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio sink config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioSink{client: client, from: cfg.From}, nil
}

// Send delivers a WhatsApp message via the Twilio REST API. HTTP 4xx
// responses (other than 429) are permanent failures; everything else is
// transient and retryable.
func (s *TwilioSink) Send(ctx context.Context, recipient string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + recipient)
	params.SetFrom(s.from)
	params.SetBody(body)

	_, err := s.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioSink.Send failed", "to", recipient, "error", err)
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) &&
			restErr.Status >= http.StatusBadRequest && restErr.Status < http.StatusInternalServerError &&
			restErr.Status != http.StatusTooManyRequests {
			return Permanentf("twilio rejected message to %s: %w", recipient, err)
		}
		return fmt.Errorf("failed to send message to %s: %w", recipient, err)
	}

	slog.Debug("TwilioSink.Send succeeded", "to", recipient)
	return nil
}

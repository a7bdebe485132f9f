// Package delivery: WhatsApp-backed delivery sink.
package delivery

import (
	"context"
	"fmt"
	"strings"
)

// WhatsAppSender is the outbound surface of the WhatsApp client consumed by
// the sink (narrowed for testing).
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// WhatsAppSink adapts the whatsmeow-based client to the Sink contract,
// classifying send failures for the run scheduler.
type WhatsAppSink struct {
	client WhatsAppSender
}

// Compile-time check that WhatsAppSink implements Sink.
var _ Sink = (*WhatsAppSink)(nil)

// NewWhatsAppSink wraps a WhatsApp client as a delivery sink.
func NewWhatsAppSink(client WhatsAppSender) *WhatsAppSink {
	return &WhatsAppSink{client: client}
}

// Send delivers a message via WhatsApp. Malformed recipients are permanent
// failures; anything the server or network reports is treated as transient,
// since whatsmeow surfaces both outages and throttling as opaque errors.
func (s *WhatsAppSink) Send(ctx context.Context, recipient string, body string) error {
	trimmed := strings.TrimPrefix(strings.TrimSpace(recipient), "+")
	if trimmed == "" || strings.ContainsAny(trimmed, " @:") {
		return Permanentf("invalid recipient %q", recipient)
	}
	if err := s.client.SendMessage(ctx, recipient, body); err != nil {
		return fmt.Errorf("whatsapp send failed: %w", err)
	}
	return nil
}

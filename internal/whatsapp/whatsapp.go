// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in
// FunnelPipe.
//
// It provides outbound message sending for the delivery sink and surfaces
// inbound text messages on a channel, which is the engine's inbound event
// source for trigger matching.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/funnelpipe/funnelpipe/internal/models"
	"github.com/funnelpipe/funnelpipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Constants for WhatsApp client configuration
const (
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// DefaultInboundBufferSize defines the buffer size for the inbound message channel
	DefaultInboundBufferSize = 100
	// DefaultInboundTimeout bounds non-blocking writes to the inbound channel
	DefaultInboundTimeout = 1 * time.Second
)

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow session database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow session database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput instructs the client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode instructs the client to use a numeric login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client wraps the Whatsmeow client for modular use.
type Client struct {
	waClient *whatsmeow.Client
	inbound  chan models.InboundMessage
}

// NewClient creates a new WhatsApp client, applying any provided options.
// When no session exists, it runs the QR (or numeric code) login flow.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		return nil, fmt.Errorf("whatsapp session database DSN not set")
	}

	// Auto-detect database driver based on DSN
	dbDriver := "sqlite3"
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else if !strings.Contains(dbDSN, "_foreign_keys") && !strings.Contains(dbDSN, "foreign_keys") {
		// whatsmeow strongly recommends foreign keys for SQLite sessions
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp session store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get device from session store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp session store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)
	client := &Client{
		waClient: waClient,
		inbound:  make(chan models.InboundMessage, DefaultInboundBufferSize),
	}
	waClient.AddEventHandler(client.handleEvent)

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return client, nil
}

// SendMessage sends a WhatsApp message to the specified recipient.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	slog.Debug("Sending WhatsApp message", "to", to, "body_length", len(body))
	jid := types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}

	_, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return nil
}

// Messages returns the channel of inbound text messages. Non-text messages
// are dropped; the engine only trigger-matches text.
func (c *Client) Messages() <-chan models.InboundMessage {
	return c.inbound
}

// Disconnect closes the WhatsApp connection and the inbound channel.
func (c *Client) Disconnect() {
	c.waClient.Disconnect()
	close(c.inbound)
	slog.Info("WhatsApp client disconnected")
}

// handleEvent forwards inbound text messages onto the inbound channel.
func (c *Client) handleEvent(evt interface{}) {
	msg, ok := evt.(*events.Message)
	if !ok || msg.Message == nil {
		return
	}

	var text string
	if msg.Message.Conversation != nil {
		text = *msg.Message.Conversation
	} else if msg.Message.ExtendedTextMessage != nil && msg.Message.ExtendedTextMessage.Text != nil {
		text = *msg.Message.ExtendedTextMessage.Text
	} else {
		slog.Debug("WhatsApp ignoring non-text message", "from", msg.Info.Sender.String())
		return
	}

	from := msg.Info.Sender.User
	if !strings.HasPrefix(from, "+") {
		from = "+" + from
	}

	inbound := models.InboundMessage{
		From: from,
		Body: text,
		Time: msg.Info.Timestamp.Unix(),
	}

	select {
	case c.inbound <- inbound:
		slog.Debug("WhatsApp inbound message forwarded", "from", inbound.From, "body_length", len(inbound.Body))
	case <-time.After(DefaultInboundTimeout):
		slog.Warn("WhatsApp inbound channel blocked, dropping message", "from", inbound.From, "timeout", DefaultInboundTimeout)
	}
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/funnelpipe/funnelpipe/internal/api"
	"github.com/funnelpipe/funnelpipe/internal/delivery"
	"github.com/funnelpipe/funnelpipe/internal/engine"
	"github.com/funnelpipe/funnelpipe/internal/models"
	"github.com/funnelpipe/funnelpipe/internal/store"
	"github.com/funnelpipe/funnelpipe/internal/util"
	"github.com/funnelpipe/funnelpipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FunnelPipe state data
	DefaultStateDir = "/var/lib/funnelpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "funnelpipe.db"
	// DefaultSessionDBFileName is the default SQLite filename for the WhatsApp session
	DefaultSessionDBFileName = "whatsapp-session.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping FunnelPipe with configured modules")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr, "sink", *flags.sink,
		"poll_interval", *flags.pollInterval, "max_retries", *flags.maxRetries)

	if err := run(flags); err != nil {
		slog.Error("FunnelPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FunnelPipe exited successfully")
}

// run wires every module together and blocks until shutdown.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	events := engine.NewStoreEventSink(st)

	// Delivery sink and inbound source
	var sink delivery.Sink
	var inbound <-chan models.InboundMessage
	switch *flags.sink {
	case "twilio":
		twilioSink, err := delivery.NewTwilioSink(
			delivery.WithTwilioAccountSID(*flags.twilioSID),
			delivery.WithTwilioAuthToken(*flags.twilioToken),
			delivery.WithTwilioFrom(*flags.twilioFrom),
		)
		if err != nil {
			return err
		}
		sink = twilioSink
		slog.Info("Using Twilio delivery sink; no inbound message source configured")
	default:
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(*flags.sessionDSN)}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		waClient, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return err
		}
		defer waClient.Disconnect()
		sink = delivery.NewWhatsAppSink(waClient)
		inbound = waClient.Messages()
	}

	scheduler := engine.NewScheduler(st, st, sink, events,
		engine.WithPollInterval(*flags.pollInterval),
		engine.WithMaxRetries(*flags.maxRetries),
	)
	if err := scheduler.Recover(ctx); err != nil {
		return err
	}
	go scheduler.Run(ctx)

	eng := engine.NewEngine(engine.NewMatcher(st), scheduler, events)
	if inbound != nil {
		go eng.Run(ctx, inbound)
	}

	retention := engine.NewRetention(st, st,
		engine.WithRetentionMaxAge(*flags.retentionMaxAge))
	if err := retention.Start(*flags.retentionCron); err != nil {
		return err
	}
	defer retention.Stop()

	server := api.NewServer(st, sink, scheduler, api.WithAddr(*flags.apiAddr))
	return server.Run(ctx)
}

// Config holds environment configuration
type Config struct {
	DatabaseURL     string
	SessionDSN      string
	StateDir        string
	APIAddr         string
	Sink            string
	TwilioSID       string
	TwilioToken     string
	TwilioFrom      string
	RetentionCron   string
	DebugLogEnabled bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput        *string
	numeric         *bool
	stateDir        *string
	dbDSN           *string
	sessionDSN      *string
	apiAddr         *string
	sink            *string
	twilioSID       *string
	twilioToken     *string
	twilioFrom      *string
	pollInterval    *time.Duration
	maxRetries      *int
	retentionCron   *string
	retentionMaxAge *time.Duration
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("FUNNELPIPE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SessionDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:      os.Getenv("FUNNELPIPE_STATE_DIR"),
		APIAddr:       os.Getenv("API_ADDR"),
		Sink:          os.Getenv("DELIVERY_SINK"),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
		RetentionCron: os.Getenv("RETENTION_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FUNNELPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.SessionDSN == "" {
		config.SessionDSN = "file:" + filepath.Join(config.StateDir, DefaultSessionDBFileName) + "?_foreign_keys=on"
		slog.Debug("No WhatsApp session DSN provided, defaulting to SQLite", "sqlite_path", config.SessionDSN)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.Sink == "" {
		config.Sink = "whatsapp"
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.SessionDSN != "",
		"FUNNELPIPE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"DELIVERY_SINK", config.Sink,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"RETENTION_SCHEDULE", config.RetentionCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:        flag.String("qr-output", "", "path to write login QR code"),
		numeric:         flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:        flag.String("state-dir", config.StateDir, "state directory for FunnelPipe data (overrides $FUNNELPIPE_STATE_DIR)"),
		dbDSN:           flag.String("db-dsn", config.DatabaseURL, "database DSN for the funnel and run store (overrides $DATABASE_URL)"),
		sessionDSN:      flag.String("session-dsn", config.SessionDSN, "database DSN for the WhatsApp session (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:         flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		sink:            flag.String("sink", config.Sink, "delivery sink: whatsapp or twilio (overrides $DELIVERY_SINK)"),
		twilioSID:       flag.String("twilio-account-sid", config.TwilioSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:     flag.String("twilio-auth-token", config.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:      flag.String("twilio-from", config.TwilioFrom, "Twilio sender number (overrides $TWILIO_FROM_NUMBER)"),
		pollInterval:    flag.Duration("poll-interval", engine.DefaultPollInterval, "how often the scheduler sweeps for due runs"),
		maxRetries:      flag.Int("max-retries", engine.DefaultMaxRetries, "transient delivery failures retried per step"),
		retentionCron:   flag.String("retention-cron", config.RetentionCron, "cron schedule for pruning old runs and events (overrides $RETENTION_SCHEDULE)"),
		retentionMaxAge: flag.Duration("retention-max-age", engine.DefaultRetentionMaxAge, "how long terminal runs and events are kept"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"sink", *flags.sink,
		"pollInterval", *flags.pollInterval,
		"maxRetries", *flags.maxRetries)

	// Re-derive the default DSNs when only the state directory was overridden
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
			slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
		}
		if strings.Contains(*flags.sessionDSN, filepath.Join(config.StateDir, DefaultSessionDBFileName)) {
			*flags.sessionDSN = "file:" + filepath.Join(*flags.stateDir, DefaultSessionDBFileName) + "?_foreign_keys=on"
			slog.Debug("Updated sessionDSN based on state directory", "new_state_dir", *flags.stateDir)
		}
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	stateDir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
		return err
	}
	return nil
}

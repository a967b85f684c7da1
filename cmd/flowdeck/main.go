package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/flowdeck/flowdeck/internal/api"
	"github.com/flowdeck/flowdeck/internal/engine"
	"github.com/flowdeck/flowdeck/internal/faq"
	"github.com/flowdeck/flowdeck/internal/lockfile"
	"github.com/flowdeck/flowdeck/internal/messaging"
	"github.com/flowdeck/flowdeck/internal/models"
	"github.com/flowdeck/flowdeck/internal/recovery"
	"github.com/flowdeck/flowdeck/internal/scheduler"
	"github.com/flowdeck/flowdeck/internal/store"
	"github.com/flowdeck/flowdeck/internal/util"
	"github.com/flowdeck/flowdeck/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for flowdeck state data
	DefaultStateDir = "/var/lib/flowdeck"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "flowdeck.db"
	// DefaultWhatsmeowDBFileName is the default whatsmeow SQLite database filename
	DefaultWhatsmeowDBFileName = "whatsmeow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	if err := run(flags); err != nil {
		slog.Error("flowdeck failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("flowdeck exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	OpenAIKey   string
	APIAddr     string
	Channel     string
	DefaultLang string
	FAQPath     string
	Debug       bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput    *string
	numeric     *bool
	stateDir    *string
	dbDSN       *string
	openaiKey   *string
	apiAddr     *string
	channel     *string
	defaultLang *string
	faqPath     *string
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("FLOWDECK_DEBUG", false) {
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
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("FLOWDECK_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		Channel:     os.Getenv("FLOWDECK_CHANNEL"),
		DefaultLang: os.Getenv("FLOWDECK_DEFAULT_LANGUAGE"),
		FAQPath:     os.Getenv("FLOWDECK_FAQ_PATH"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FLOWDECK_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"FLOWDECK_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"FLOWDECK_CHANNEL", config.Channel)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:    flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:     flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for flowdeck data (overrides $FLOWDECK_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for knowledge base scoring (overrides $OPENAI_API_KEY)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channel:     flag.String("channel", config.Channel, "messaging channel: whatsapp, twilio or none (overrides $FLOWDECK_CHANNEL)"),
		defaultLang: flag.String("default-language", config.DefaultLang, "template fallback language (overrides $FLOWDECK_DEFAULT_LANGUAGE)"),
		faqPath:     flag.String("faq-path", config.FAQPath, "path to knowledge base JSON file (overrides $FLOWDECK_FAQ_PATH)"),
	}

	flag.Parse()

	// Keep the default SQLite file inside an overridden state directory
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}

	return flags
}

// buildStore selects a backend from the DSN.
func buildStore(flags Flags) (store.Store, error) {
	if *flags.dbDSN == "" {
		slog.Info("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Info("Using PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Info("Using SQLite store", "path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildSearcher loads the knowledge base and picks a scoring backend.
func buildSearcher(flags Flags) (faq.Searcher, error) {
	var entries []faq.Entry
	if *flags.faqPath != "" {
		data, err := os.ReadFile(*flags.faqPath)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, err
		}
		slog.Info("Knowledge base loaded", "entries", len(entries), "path", *flags.faqPath)
	}

	if *flags.openaiKey != "" {
		return faq.NewOpenAISearcher(entries, faq.WithAPIKey(*flags.openaiKey))
	}
	slog.Info("No OpenAI API key configured, using static keyword searcher")
	return faq.NewStaticSearcher(entries), nil
}

// buildSender selects the messaging transport.
func buildSender(flags Flags) (messaging.Sender, *messaging.TwilioService, error) {
	switch *flags.channel {
	case "twilio":
		svc, err := messaging.NewTwilioService()
		if err != nil {
			return nil, nil, err
		}
		return svc, svc, nil
	case "none", "":
		slog.Info("No messaging channel configured; events arrive via the API only")
		return nil, nil, nil
	default:
		var waOpts []whatsapp.Option
		waOpts = append(waOpts, whatsapp.WithDBDSN(filepath.Join(*flags.stateDir, DefaultWhatsmeowDBFileName)))
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil
	}
}

// run wires all modules together and blocks until shutdown.
func run(flags Flags) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	searcher, err := buildSearcher(flags)
	if err != nil {
		return err
	}

	sender, twilioSvc, err := buildSender(flags)
	if err != nil {
		return err
	}

	sched := scheduler.New(st)

	var engineOpts []engine.Option
	engineOpts = append(engineOpts, engine.WithSearcher(searcher), engine.WithScheduler(sched))
	if *flags.defaultLang != "" {
		engineOpts = append(engineOpts, engine.WithDefaultLanguage(*flags.defaultLang))
	}

	var dispatcher *messaging.Dispatcher
	if sender != nil {
		dispatcher = messaging.NewDispatcher(sender)
		engineOpts = append(engineOpts, engine.WithDeliverer(dispatcher))
	}

	eng := engine.New(st, engineOpts...)
	sched.SetFireFunc(eng.FireTask)
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	recovered, err := recovery.RecoverScheduledTasks(ctx, st, sched)
	if err != nil {
		return err
	}
	slog.Info("Startup recovery complete", "rearmed_tasks", recovered)

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if twilioSvc != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(twilioSvc))
	}
	server := api.NewServer(st, eng, dispatcher, apiOpts...)
	server.Start()

	if sender != nil {
		if err := sender.Start(ctx); err != nil {
			return err
		}
		defer sender.Stop()
		go consumeEvents(ctx, sender, eng, dispatcher)
	}

	slog.Info("flowdeck running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig.String())

	cancel()
	return server.Shutdown(context.Background())
}

// consumeEvents feeds transport-inbound events through the engine and
// delivers the resulting batches.
func consumeEvents(ctx context.Context, sender messaging.Sender, eng *engine.Engine, dispatcher *messaging.Dispatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sender.Events():
			if !ok {
				return
			}
			batch, err := eng.ProcessEvent(ctx, event)
			if errors.Is(err, models.ErrNoFlowMatched) {
				slog.Debug("Inbound event matched no flow", "userID", event.UserID)
				continue
			}
			if err != nil {
				slog.Error("Failed to process inbound event", "error", err, "userID", event.UserID)
				continue
			}
			if len(batch) == 0 || dispatcher == nil {
				continue
			}
			if err := dispatcher.Deliver(ctx, batch); err != nil {
				slog.Error("Failed to deliver outbound batch", "error", err, "userID", event.UserID)
			}
		}
	}
}

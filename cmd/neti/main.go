package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/intynet/neti/internal/api"
	"github.com/intynet/neti/internal/extract"
	"github.com/intynet/neti/internal/flow"
	"github.com/intynet/neti/internal/genai"
	"github.com/intynet/neti/internal/identity"
	"github.com/intynet/neti/internal/intent"
	"github.com/intynet/neti/internal/lockfile"
	"github.com/intynet/neti/internal/messaging"
	"github.com/intynet/neti/internal/models"
	"github.com/intynet/neti/internal/relay"
	"github.com/intynet/neti/internal/scheduler"
	"github.com/intynet/neti/internal/store"
	"github.com/intynet/neti/internal/ticketing"
	"github.com/intynet/neti/internal/twiliowhatsapp"
	"github.com/intynet/neti/internal/util"
	"github.com/intynet/neti/internal/whatsapp"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Neti state data
	DefaultStateDir = "/var/lib/neti"
	// DefaultWhatsAppDBFileName is the default whatsmeow SQLite database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultDedupPruneSchedule is how often old inbound message ids are dropped
	DefaultDedupPruneSchedule = "@every 1h"
)

func main() {
	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		os.Exit(2)
	}

	initializeLogger(*flags.logLevel, config.LogFormat)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping Neti", "environment", config.Environment, "state_dir", *flags.stateDir)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("Neti failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("Neti exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	APIAddr     string
	Environment string
	LogLevel    string
	LogFormat   string

	SessionStoreDSN string
	SessionTTL      time.Duration
	PurgeSchedule   string

	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string

	TicketingURL  string
	TicketingKey  string
	MockCustomers string

	RelayAppID          string
	RelaySecretKey      string
	RelaySendURL        string
	RelayBaseURL        string
	RelayEscalatedTag   string
	RelayEscalatedTagID string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioWebhookURL string

	WhatsAppEnabled bool
	WhatsAppDBDSN   string

	BufferDelay           time.Duration
	FormFields            []string
	HistoryLimit          int
	MaxValidationAttempts int
}

// Flags holds command line flag values
type Flags struct {
	qrOutput   *string
	numeric    *bool
	stateDir   *string
	storeDSN   *string
	whatsAppDB *string
	whatsApp   *bool
	openaiKey  *string
	apiAddr    *string
	logLevel   *string
}

// initializeLogger sets up structured logging. format "json" selects the JSON handler.
func initializeLogger(level, format string) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:    os.Getenv("NETI_STATE_DIR"),
		APIAddr:     os.Getenv("API_ADDR"),
		Environment: os.Getenv("ENVIRONMENT"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		LogFormat:   os.Getenv("LOG_FORMAT"),

		SessionStoreDSN: os.Getenv("SESSION_STORE_DSN"),
		SessionTTL:      util.ParseDurationEnv("SESSION_TTL", flow.DefaultSessionTTL),
		PurgeSchedule:   os.Getenv("SESSION_PURGE_SCHEDULE"),

		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),

		TicketingURL:  os.Getenv("TICKETING_API_URL"),
		TicketingKey:  os.Getenv("TICKETING_API_KEY"),
		MockCustomers: os.Getenv("MOCK_CUSTOMERS"),

		RelayAppID:          os.Getenv("RELAY_APP_ID"),
		RelaySecretKey:      os.Getenv("RELAY_SECRET_KEY"),
		RelaySendURL:        os.Getenv("RELAY_SEND_URL"),
		RelayBaseURL:        os.Getenv("RELAY_BASE_URL"),
		RelayEscalatedTag:   os.Getenv("RELAY_ESCALATED_TAG"),
		RelayEscalatedTagID: os.Getenv("RELAY_ESCALATED_TAG_ID"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),

		WhatsAppEnabled: util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		WhatsAppDBDSN:   os.Getenv("WHATSAPP_DB_DSN"),

		BufferDelay:           util.ParseDurationEnv("MESSAGE_BUFFER_DELAY", messaging.DefaultBufferDelay),
		FormFields:            util.ParseListEnv("FORM_FIELDS"),
		HistoryLimit:          util.ParseIntEnv("HISTORY_LIMIT", models.DefaultHistoryLimit),
		MaxValidationAttempts: util.ParseIntEnv("MAX_VALIDATION_ATTEMPTS", flow.DefaultMaxValidationAttempts),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No NETI_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.PurgeSchedule == "" {
		config.PurgeSchedule = scheduler.DefaultPurgeSchedule
	}
	if config.Environment == "" {
		config.Environment = "development"
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"NETI_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"SESSION_STORE", store.DetectDSNType(config.SessionStoreDSN),
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TICKETING_API_URL_SET", config.TicketingURL != "",
		"RELAY_SEND_URL_SET", config.RelaySendURL != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"WHATSAPP_ENABLED", config.WhatsAppEnabled)

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses args into fs with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		qrOutput:   fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:    fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:   fs.String("state-dir", config.StateDir, "state directory for Neti data (overrides $NETI_STATE_DIR)"),
		storeDSN:   fs.String("store-dsn", config.SessionStoreDSN, "session store DSN; empty keeps sessions in memory (overrides $SESSION_STORE_DSN)"),
		whatsAppDB: fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		whatsApp:   fs.Bool("whatsapp", config.WhatsAppEnabled, "connect a WhatsApp device directly (overrides $WHATSAPP_ENABLED)"),
		openaiKey:  fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:    fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		logLevel:   fs.String("log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// The default device store follows a state directory given on the command line.
	if *flags.whatsAppDB == defaultWhatsAppDSN(config.StateDir) && *flags.stateDir != config.StateDir {
		*flags.whatsAppDB = defaultWhatsAppDSN(*flags.stateDir)
		slog.Debug("Updated WhatsApp DSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"storeDSN_set", *flags.storeDSN != "",
		"whatsApp", *flags.whatsApp,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr)

	return flags, nil
}

// ensureDirectoriesExist creates the state directory and the parent
// directories of file-based databases.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if store.DetectDSNType(*flags.storeDSN) == store.DSNTypeSQLite {
		dirs = append(dirs, filepath.Dir(sqlitePath(*flags.storeDSN)))
	}
	if *flags.whatsApp && store.DetectDSNType(*flags.whatsAppDB) == store.DSNTypeSQLite {
		dirs = append(dirs, filepath.Dir(sqlitePath(*flags.whatsAppDB)))
	}
	for _, dir := range dirs {
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// sqlitePath strips the file: scheme and query parameters from a SQLite DSN.
func sqlitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config, flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if config.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.OpenAIModel))
	}
	if config.OpenAIBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(config.OpenAIBaseURL))
	}
	return genaiOpts
}

// buildTicketingOptions constructs ticketing client options
func buildTicketingOptions(config Config) []ticketing.Option {
	return []ticketing.Option{
		ticketing.WithBaseURL(config.TicketingURL),
		ticketing.WithAPIKey(config.TicketingKey),
	}
}

// buildRelayOptions constructs relay client options
func buildRelayOptions(config Config) []relay.Option {
	relayOpts := []relay.Option{
		relay.WithSendURL(config.RelaySendURL),
		relay.WithCredentials(config.RelayAppID, config.RelaySecretKey),
	}
	if config.RelayBaseURL != "" {
		relayOpts = append(relayOpts, relay.WithBaseURL(config.RelayBaseURL))
	}
	if config.RelayEscalatedTag != "" {
		relayOpts = append(relayOpts, relay.WithEscalatedTag(config.RelayEscalatedTag, config.RelayEscalatedTagID))
	}
	return relayOpts
}

// buildTwilioOptions constructs Twilio client options
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	return []twiliowhatsapp.Option{
		twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
		twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
		twiliowhatsapp.WithFromWhats(config.TwilioFromNumber),
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsAppDB != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsAppDB))
	}
	return waOpts
}

// buildMachineOptions constructs state machine options
func buildMachineOptions(config Config) []flow.MachineOption {
	opts := []flow.MachineOption{
		flow.WithHistoryLimit(config.HistoryLimit),
		flow.WithMaxValidationAttempts(config.MaxValidationAttempts),
	}
	if len(config.FormFields) > 0 {
		fields := make([]models.FieldName, 0, len(config.FormFields))
		for _, f := range config.FormFields {
			fields = append(fields, models.FieldName(strings.ToLower(f)))
		}
		opts = append(opts, flow.WithFormFields(fields))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	apiOpts := []api.Option{api.WithEnvironment(config.Environment)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

// buildConversation wires the language model, identity backends and ticket
// submitter into the conversation service.
func buildConversation(config Config, flags Flags, st store.SessionStore) (*flow.Conversation, error) {
	var deps flow.Deps

	if *flags.openaiKey != "" {
		llm, err := genai.NewClient(buildGenAIOptions(config, flags)...)
		if err != nil {
			return nil, fmt.Errorf("create language model client: %w", err)
		}
		deps.LLM = llm
		deps.Classifier = intent.NewClassifier(llm)
		deps.Extractor = extract.New(llm)
		slog.Info("Language model enabled", "model", llm.Model())
	} else {
		slog.Warn("OPENAI_API_KEY not set, replies use fixed texts and keyword rules only")
	}

	var client *ticketing.Client
	if config.TicketingURL != "" {
		c, err := ticketing.NewClient(buildTicketingOptions(config)...)
		if err != nil {
			return nil, fmt.Errorf("create ticketing client: %w", err)
		}
		client = c
		deps.Validator = identity.NewValidator([]identity.Backend{
			identity.NewDirectory(identity.BackendTicketing, client.SearchCustomers),
			identity.NewDirectory(identity.BackendIntynet, client.SearchIntynetCustomers),
		}, identity.WithSyncer(client, identity.BackendIntynet))
	} else {
		customers := ticketing.ParseMockCustomers(config.MockCustomers)
		dir := ticketing.NewMockDirectory(customers...)
		deps.Validator = identity.NewValidator([]identity.Backend{
			identity.NewDirectory(identity.BackendTicketing, dir.SearchCustomers),
		})
		slog.Warn("TICKETING_API_URL not set, using mock customer directory", "customers", len(customers))
	}
	deps.Submitter = ticketing.NewSubmitter(client, ticketing.DefaultTimeout)

	machine, err := flow.NewMachine(deps, buildMachineOptions(config)...)
	if err != nil {
		return nil, fmt.Errorf("create state machine: %w", err)
	}
	return flow.NewConversation(st, machine, flow.WithSessionTTL(config.SessionTTL)), nil
}

// run wires every component and blocks until ctx is cancelled or one of
// them fails.
func run(ctx context.Context, config Config, flags Flags) error {
	st, err := store.Open(*flags.storeDSN)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer st.Close()
	storeKind := store.DetectDSNType(*flags.storeDSN)
	slog.Info("Session store ready", "type", storeKind)

	conv, err := buildConversation(config, flags, st)
	if err != nil {
		return err
	}

	var routerOpts []messaging.RouterOption
	routerOpts = append(routerOpts, messaging.WithBufferDelay(config.BufferDelay))
	pp, durable := st.(store.PersistenceProvider)
	var dedup store.DedupRepo
	if durable {
		dedup = pp.DedupRepo()
		routerOpts = append(routerOpts, messaging.WithOutbox(pp.OutboxRepo()))
	} else {
		// Redis remembers message ids with its own expiry but has no outbox.
		dedup, _ = st.(store.DedupRepo)
	}
	if dedup != nil {
		routerOpts = append(routerOpts, messaging.WithDedup(dedup))
	}
	router := messaging.NewRouter(conv, routerOpts...)

	apiOpts := buildAPIOptions(config, flags)
	apiOpts = append(apiOpts,
		api.WithStore(st, storeKind),
		api.WithBuffer(router, config.BufferDelay))

	var services []messaging.Service

	if config.RelaySendURL != "" {
		client, err := relay.NewClient(buildRelayOptions(config)...)
		if err != nil {
			return fmt.Errorf("create relay client: %w", err)
		}
		svc := messaging.NewRelayService(client)
		services = append(services, svc)
		apiOpts = append(apiOpts, api.WithRelayWebhook(svc.WebhookHandler))
	}

	if config.TwilioAccountSID != "" {
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(config)...)
		if err != nil {
			return fmt.Errorf("create twilio client: %w", err)
		}
		var twOpts []messaging.TwilioOption
		if config.TwilioWebhookURL != "" {
			twOpts = append(twOpts, messaging.WithSignatureValidation(config.TwilioAuthToken, config.TwilioWebhookURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set, webhook signatures are not checked")
		}
		svc := messaging.NewTwilioService(client, twOpts...)
		services = append(services, svc)
		apiOpts = append(apiOpts, api.WithTwilioWebhook(svc.TwilioWebhookHandler))
	}

	if *flags.whatsApp {
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return fmt.Errorf("create whatsapp client: %w", err)
		}
		defer client.Disconnect()
		services = append(services, messaging.NewWhatsAppService(client))
	}

	if len(services) == 0 {
		slog.Warn("No messaging channel configured, only /test/message will reach the bot")
	}

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start %s channel: %w", svc.Channel(), err)
		}
		router.Register(svc)
	}

	sched := scheduler.NewScheduler()
	if purger, ok := st.(store.Purger); ok {
		if err := sched.AddJob("purge-sessions", config.PurgeSchedule, purgeJob(purger)); err != nil {
			return err
		}
	}
	if pruner, ok := dedup.(store.DedupPruner); ok {
		if err := sched.AddJob("prune-dedup", DefaultDedupPruneSchedule, pruneDedupJob(pruner, store.DefaultDedupRetention)); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	router.Start(gctx)
	g.Go(func() error {
		<-gctx.Done()
		for _, svc := range services {
			if err := svc.Stop(); err != nil {
				slog.Warn("Failed to stop channel", "channel", svc.Channel(), "error", err)
			}
		}
		router.Wait()
		return nil
	})

	if durable {
		sender := store.NewOutboxSender(pp.OutboxRepo(), router.SendOutbox, store.DefaultOutboxPollInterval)
		if err := sender.RecoverStaleMessages(ctx); err != nil {
			slog.Warn("Failed to requeue stale outbox replies", "error", err)
		}
		g.Go(func() error {
			sender.Run(gctx)
			return nil
		})
	}

	if sched.Len() > 0 {
		g.Go(func() error {
			sched.Run(gctx)
			return nil
		})
	}

	server := api.NewServer(conv, apiOpts...)
	g.Go(func() error {
		return server.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// purgeJob sweeps expired sessions out of stores that do not expire them natively.
func purgeJob(p store.Purger) scheduler.Job {
	return func(ctx context.Context) error {
		n, err := p.PurgeExpiredSessions(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("purge expired sessions: %w", err)
		}
		if n > 0 {
			slog.Info("Purged expired sessions", "count", n)
		}
		return nil
	}
}

// pruneDedupJob forgets inbound message ids older than retention.
func pruneDedupJob(p store.DedupPruner, retention time.Duration) scheduler.Job {
	return func(ctx context.Context) error {
		n, err := p.PruneInbound(ctx, time.Now().Add(-retention))
		if err != nil {
			return fmt.Errorf("prune inbound dedup: %w", err)
		}
		slog.Debug("Pruned inbound dedup records", "count", n)
		return nil
	}
}

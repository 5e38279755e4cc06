package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/api"
	"github.com/BTreeMap/FunnelPipe/internal/cache"
	"github.com/BTreeMap/FunnelPipe/internal/catalog"
	"github.com/BTreeMap/FunnelPipe/internal/content"
	"github.com/BTreeMap/FunnelPipe/internal/followup"
	"github.com/BTreeMap/FunnelPipe/internal/funnel"
	"github.com/BTreeMap/FunnelPipe/internal/lockfile"
	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/recovery"
	"github.com/BTreeMap/FunnelPipe/internal/scheduler"
	"github.com/BTreeMap/FunnelPipe/internal/stats"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FunnelPipe/internal/util"
	"github.com/BTreeMap/FunnelPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FunnelPipe state data
	DefaultStateDir = "/var/lib/funnelpipe"
	// DefaultAppDBFileName is the default SQLite database filename for funnel state
	DefaultAppDBFileName = "funnelpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultMessagingBackend delivers nothing and only logs
	DefaultMessagingBackend = "log"
	// recoveryTimeout bounds startup recovery, which may fire overdue follow-ups
	recoveryTimeout = 10 * time.Minute
)

func main() {
	initializeLogger()
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config, flag.CommandLine, os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags); err != nil {
		slog.Error("FunnelPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FunnelPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	CatalogPath      string
	APIAddr          string
	MessagingBackend string
	AssetBaseURL     string
	RedisAddr        string
	SentCacheTTL     time.Duration
	FollowUpOffsets  []time.Duration
	MaxAttempts      int
	SweepSchedule    string
	WelcomeProb      float64
	InfoProb         float64
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	waDSN         *string
	catalogPath   *string
	apiAddr       *string
	backend       *string
	assetBaseURL  *string
	qrOutput      *string
	numeric       *bool
	redisAddr     *string
	sentCacheTTL  *time.Duration
	offsets       *string
	maxAttempts   *int
	sweepSchedule *string
	welcomeProb   *float64
	infoProb      *float64
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		StateDir:         os.Getenv("FUNNELPIPE_STATE_DIR"),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		CatalogPath:      os.Getenv("CATALOG_PATH"),
		APIAddr:          os.Getenv("API_ADDR"),
		MessagingBackend: os.Getenv("MESSAGING_BACKEND"),
		AssetBaseURL:     os.Getenv("ASSET_BASE_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		SentCacheTTL:     util.ParseDurationEnv("SENT_CACHE_TTL", cache.DefaultTTL),
		FollowUpOffsets:  util.ParseDurationListEnv("FOLLOWUP_OFFSETS", followup.DefaultOffsets),
		MaxAttempts:      util.ParseIntEnv("FOLLOWUP_MAX_ATTEMPTS", followup.DefaultMaxAttempts),
		SweepSchedule:    os.Getenv("SWEEP_SCHEDULE"),
		WelcomeProb:      util.ParseFloatEnv("WELCOME_CONTENT_PROBABILITY", content.DefaultWelcomeProbability),
		InfoProb:         util.ParseFloatEnv("INFO_CONTENT_PROBABILITY", content.DefaultInfoProbability),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FUNNELPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.MessagingBackend == "" {
		config.MessagingBackend = DefaultMessagingBackend
	}
	if config.SweepSchedule == "" {
		config.SweepSchedule = followup.DefaultSweepSchedule
	}

	slog.Debug("environment variables loaded",
		"FUNNELPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"CATALOG_PATH", config.CatalogPath,
		"API_ADDR", config.APIAddr,
		"MESSAGING_BACKEND", config.MessagingBackend,
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"FOLLOWUP_OFFSETS", config.FollowUpOffsets,
		"SWEEP_SCHEDULE", config.SweepSchedule)

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, fs *flag.FlagSet, args []string) Flags {
	flags := Flags{
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for FunnelPipe data and lock file (overrides $FUNNELPIPE_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", config.ApplicationDBDSN, "funnel database DSN, SQLite path or Postgres URL (overrides $DATABASE_DSN or $DATABASE_URL)"),
		waDSN:         fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		catalogPath:   fs.String("catalog", config.CatalogPath, "offering catalog YAML; empty uses the embedded catalog (overrides $CATALOG_PATH)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		backend:       fs.String("messaging", config.MessagingBackend, "messaging backend: twilio, whatsapp or log (overrides $MESSAGING_BACKEND)"),
		assetBaseURL:  fs.String("asset-base-url", config.AssetBaseURL, "base URL for content asset media (overrides $ASSET_BASE_URL)"),
		qrOutput:      fs.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		redisAddr:     fs.String("redis-addr", config.RedisAddr, "Redis address for the sent-handle cache; empty disables it (overrides $REDIS_ADDR)"),
		sentCacheTTL:  fs.Duration("sent-cache-ttl", config.SentCacheTTL, "sent-handle cache TTL (overrides $SENT_CACHE_TTL)"),
		offsets:       fs.String("followup-offsets", formatDurations(config.FollowUpOffsets), "comma-separated follow-up delays after selection (overrides $FOLLOWUP_OFFSETS)"),
		maxAttempts:   fs.Int("followup-max-attempts", config.MaxAttempts, "failed sends before a follow-up is abandoned (overrides $FOLLOWUP_MAX_ATTEMPTS)"),
		sweepSchedule: fs.String("sweep-schedule", config.SweepSchedule, "cron schedule for the follow-up sweep (overrides $SWEEP_SCHEDULE)"),
		welcomeProb:   fs.Float64("welcome-probability", config.WelcomeProb, "probability of showing welcome content (overrides $WELCOME_CONTENT_PROBABILITY)"),
		infoProb:      fs.Float64("info-probability", config.InfoProb, "probability of showing info content (overrides $INFO_CONTENT_PROBABILITY)"),
	}

	if err := fs.Parse(args); err != nil {
		slog.Error("failed to parse flags", "error", err)
	}

	// a default SQLite DSN follows an overridden state directory
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
			slog.Debug("Updated dbDSN based on state directory", "state_dir", *flags.stateDir)
		}
		if *flags.waDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.waDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"messaging", *flags.backend,
		"offsets", *flags.offsets,
		"sweepSchedule", *flags.sweepSchedule)

	return flags
}

func formatDurations(ds []time.Duration) string {
	s := ""
	for i, d := range ds {
		if i > 0 {
			s += ","
		}
		s += d.String()
	}
	return s
}

// ensureDirectoriesExist creates the parent directories of file-based DSNs.
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{*flags.dbDSN, *flags.waDSN} {
		path := sqlitePath(dsn)
		if path == "" || path == ":memory:" {
			continue
		}
		dir := filepath.Dir(path)
		slog.Debug("Creating state directory for file-based database", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
			return err
		}
	}
	return nil
}

// sqlitePath extracts the file path from a SQLite DSN, or "" for Postgres.
func sqlitePath(dsn string) string {
	if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	path, _, _ = strings.Cut(path, "?")
	return path
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	dsn := *flags.dbDSN
	if dsn == "" {
		return nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
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
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	return waOpts
}

// buildFollowUpOptions constructs follow-up scheduler options
func buildFollowUpOptions(flags Flags, sent cache.SentCache) ([]followup.Option, error) {
	offsets, err := util.ParseDurationList(*flags.offsets)
	if err != nil {
		return nil, fmt.Errorf("invalid follow-up offsets: %w", err)
	}
	return []followup.Option{
		followup.WithOffsets(offsets...),
		followup.WithMaxAttempts(*flags.maxAttempts),
		followup.WithSentCache(sent),
	}, nil
}

// buildMessagingService picks the transport named by the messaging flag.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	switch *flags.backend {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		return messaging.NewTwilioService(client, *flags.assetBaseURL), nil
	case "whatsapp":
		client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client, *flags.assetBaseURL), nil
	case "log", "":
		slog.Warn("Messaging backend is log-only; follow-ups will not be delivered")
		return messaging.NewLogService(*flags.assetBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown messaging backend %q", *flags.backend)
	}
}

// buildSentCache dials Redis when an address is configured. The returned
// func closes the connection.
func buildSentCache(ctx context.Context, flags Flags) (cache.SentCache, func(), error) {
	if *flags.redisAddr == "" {
		slog.Debug("No Redis address set, sent-handle cache disabled")
		return cache.Nop{}, func() {}, nil
	}
	rc, err := cache.Dial(ctx, *flags.redisAddr, *flags.sentCacheTTL)
	if err != nil {
		return nil, nil, err
	}
	return rc, func() {
		if err := rc.Close(); err != nil {
			slog.Warn("Failed to close sent cache", "error", err)
		}
	}, nil
}

// drainReceipts logs delivery receipts until the channel closes or ctx ends.
func drainReceipts(ctx context.Context, receipts <-chan models.Receipt) int {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n
		case r, ok := <-receipts:
			if !ok {
				return n
			}
			n++
			slog.Debug("Delivery receipt", "to", r.To, "handle", r.Handle, "status", r.Status)
		}
	}
}

// run wires every component, recovers follow-ups, serves until ctx ends,
// and shuts down in reverse order.
func run(ctx context.Context, flags Flags) error {
	if err := ensureDirectoriesExist(flags); err != nil {
		return err
	}
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	cat, err := catalog.Load(*flags.catalogPath)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	probs := content.DefaultProbabilities()
	probs.Welcome = *flags.welcomeProb
	probs.Info = *flags.infoProb
	selector := content.NewSelector(cat, content.WithProbabilities(probs))

	msgService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer msgService.Stop()
	go drainReceipts(ctx, msgService.Receipts())

	sent, closeCache, err := buildSentCache(ctx, flags)
	if err != nil {
		return fmt.Errorf("failed to connect sent cache: %w", err)
	}
	defer closeCache()

	fuOpts, err := buildFollowUpOptions(flags, sent)
	if err != nil {
		return err
	}
	followUps, err := followup.NewScheduler(st, msgService, selector, fuOpts...)
	if err != nil {
		return err
	}
	defer followUps.Stop()

	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable("service-stats", recovery.ServiceStatsSeeder(st, cat.Tags()))
	rm.RegisterRecoverable("follow-ups", recovery.WithTimeout(followUps, recoveryTimeout))
	if err := rm.RecoverAll(ctx); err != nil {
		return err
	}

	cron := scheduler.NewScheduler()
	defer cron.Stop()
	if err := followUps.StartSweeping(cron, *flags.sweepSchedule); err != nil {
		return err
	}

	engine := funnel.NewEngine(st, followUps, selector, cat)
	server := api.NewServer(engine, st, followUps, stats.NewReporter(st, cat), api.WithAddr(*flags.apiAddr))
	if err := server.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("Shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), api.DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
	}
	return nil
}

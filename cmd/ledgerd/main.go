package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/philomenia/tokenledger/internal/events"
	"github.com/philomenia/tokenledger/internal/httpapi"
	"github.com/philomenia/tokenledger/internal/llm"
	"github.com/philomenia/tokenledger/internal/payments"
	"github.com/philomenia/tokenledger/internal/store/gormstore"
	"github.com/philomenia/tokenledger/internal/store/redisstore"
	"github.com/philomenia/tokenledger/pkg/estimate"
	"github.com/philomenia/tokenledger/pkg/ledger"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagWebhookSecret     = "webhook-secret"
	flagOpenAIAPIKey      = "openai-api-key"
	flagOpenAIURL         = "openai-url"
	flagOpenAIModel       = "openai-model"
	flagStripeAPIKey      = "stripe-api-key"
	flagCreditsPerCent    = "credits-per-cent"
	flagNATSURL           = "nats-url"
	flagAnonymousCredits  = "anonymous-allotment"
	flagMemberCredits     = "member-allotment"
	flagMaxReservationAge = "max-reservation-age"
	flagSweepInterval     = "sweep-interval"
	flagCookieSecure      = "cookie-secure"

	defaultDatabaseURL    = "sqlite:///tmp/tokenledger.db"
	defaultListenAddr     = ":9090"
	defaultAnonymous      = 100
	defaultMember         = 1000
	defaultReservationAge = 5 * time.Minute
	defaultSweepInterval  = time.Minute
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	AllowedOrigins    string
	JWTSigningKey     string
	JWTIssuer         string
	WebhookSecret     string
	OpenAIAPIKey      string
	OpenAIURL         string
	OpenAIModel       string
	StripeAPIKey      string
	CreditsPerCent    int64
	NATSURL           string
	AnonymousCredits  int64
	MemberCredits     int64
	MaxReservationAge time.Duration
	SweepInterval     time.Duration
	CookieSecure      bool
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "ledgerd",
		Short:         "Token credit ledger HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "sqlite path, postgres:// or redis:// connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "HMAC key verifying member tokens")
	cmd.Flags().String(flagJWTIssuer, "", "expected token issuer")
	cmd.Flags().String(flagWebhookSecret, "", "shared secret for the signup webhook")
	cmd.Flags().String(flagOpenAIAPIKey, "", "completion provider api key")
	cmd.Flags().String(flagOpenAIURL, "", "completion provider endpoint")
	cmd.Flags().String(flagOpenAIModel, "", "completion model name")
	cmd.Flags().String(flagStripeAPIKey, "", "stripe secret key; empty disables purchases")
	cmd.Flags().Int64(flagCreditsPerCent, payments.DefaultCreditsPerCent, "credits granted per captured cent")
	cmd.Flags().String(flagNATSURL, "", "NATS url for operation events; empty disables publishing")
	cmd.Flags().Int64(flagAnonymousCredits, defaultAnonymous, "credits seeded for anonymous accounts")
	cmd.Flags().Int64(flagMemberCredits, defaultMember, "credits seeded for member accounts")
	cmd.Flags().Duration(flagMaxReservationAge, defaultReservationAge, "age after which active reservations are released")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "how often the expiry sweep runs")
	cmd.Flags().Bool(flagCookieSecure, false, "always set the Secure attribute on session cookies")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	// Missing .env files are fine; environment variables still apply.
	_ = godotenv.Load()

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:       "DATABASE_URL",
		flagListenAddr:        "LISTEN_ADDR",
		flagAllowedOrigins:    "ALLOWED_ORIGINS",
		flagJWTSigningKey:     "JWT_SIGNING_KEY",
		flagJWTIssuer:         "JWT_ISSUER",
		flagWebhookSecret:     "WEBHOOK_SECRET",
		flagOpenAIAPIKey:      "OPENAI_API_KEY",
		flagOpenAIURL:         "OPENAI_URL",
		flagOpenAIModel:       "OPENAI_MODEL",
		flagStripeAPIKey:      "STRIPE_API_KEY",
		flagCreditsPerCent:    "CREDITS_PER_CENT",
		flagNATSURL:           "NATS_URL",
		flagAnonymousCredits:  "ANONYMOUS_ALLOTMENT",
		flagMemberCredits:     "MEMBER_ALLOTMENT",
		flagMaxReservationAge: "MAX_RESERVATION_AGE",
		flagSweepInterval:     "SWEEP_INTERVAL",
		flagCookieSecure:      "COOKIE_SECURE",
	}
	for flag, env := range bindings {
		key := strings.ReplaceAll(flag, "-", "_")
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.AllowedOrigins = viper.GetString("allowed_origins")
	cfg.JWTSigningKey = viper.GetString("jwt_signing_key")
	cfg.JWTIssuer = viper.GetString("jwt_issuer")
	cfg.WebhookSecret = viper.GetString("webhook_secret")
	cfg.OpenAIAPIKey = viper.GetString("openai_api_key")
	cfg.OpenAIURL = viper.GetString("openai_url")
	cfg.OpenAIModel = viper.GetString("openai_model")
	cfg.StripeAPIKey = viper.GetString("stripe_api_key")
	cfg.CreditsPerCent = viper.GetInt64("credits_per_cent")
	cfg.NATSURL = viper.GetString("nats_url")
	cfg.AnonymousCredits = viper.GetInt64("anonymous_allotment")
	cfg.MemberCredits = viper.GetInt64("member_allotment")
	cfg.MaxReservationAge = viper.GetDuration("max_reservation_age")
	cfg.SweepInterval = viper.GetDuration("sweep_interval")
	cfg.CookieSecure = viper.GetBool("cookie_secure")

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if cfg.OpenAIAPIKey == "" {
		return fmt.Errorf("openai api key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	anonymous, err := ledger.NewCredits(cfg.AnonymousCredits)
	if err != nil {
		return fmt.Errorf("anonymous allotment: %w", err)
	}
	member, err := ledger.NewCredits(cfg.MemberCredits)
	if err != nil {
		return fmt.Errorf("member allotment: %w", err)
	}

	operationLogger, loggerCleanup, err := buildOperationLogger(logger, cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("operation logger: %w", err)
	}
	defer loggerCleanup()

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(store, clock, ledger.Config{
		AnonymousAllotment: anonymous,
		MemberAllotment:    member,
		MaxReservationAge:  cfg.MaxReservationAge,
	}, ledger.WithOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	completer, err := llm.NewClient(llm.Config{
		CompletionURL: cfg.OpenAIURL,
		APIKey:        cfg.OpenAIAPIKey,
		Model:         cfg.OpenAIModel,
	})
	if err != nil {
		return fmt.Errorf("llm client init: %w", err)
	}

	var verifier httpapi.PaymentVerifier
	if cfg.StripeAPIKey != "" {
		processor, err := payments.NewProcessor(cfg.StripeAPIKey, cfg.CreditsPerCent)
		if err != nil {
			return fmt.Errorf("payments init: %w", err)
		}
		verifier = processor
	}

	apiConfig := httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
		WebhookSecret:  cfg.WebhookSecret,
		CookieSecure:   cfg.CookieSecure,
	}
	handler, err := httpapi.NewHandler(apiConfig, logger, ledgerService, estimate.CharEstimator{}, completer, verifier, store)
	if err != nil {
		return fmt.Errorf("handler init: %w", err)
	}
	server, err := httpapi.NewServer(apiConfig, logger, handler)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	sweeper := ledger.NewSweeper(ledgerService, cfg.SweepInterval, func(sweepErr error) {
		logger.Warn("reservation sweep failed", zap.Error(sweepErr))
	})
	go sweeper.Run(ctx)

	return server.Run(ctx)
}

// openStore resolves the connection string to one of the supported backends.
func openStore(ctx context.Context, dsn string) (ledger.Store, func() error, error) {
	if strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://") {
		options, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(options)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return redisstore.New(client), client.Close, nil
	}

	gormDB, cleanup, err := openDatabase(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	store := gormstore.New(gormDB)
	if err := store.Migrate(); err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	return store, cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "tokenledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func buildOperationLogger(logger *zap.Logger, natsURL string) (ledger.OperationLogger, func(), error) {
	zapLogger := events.NewZapLogger(logger)
	if natsURL == "" {
		return zapLogger, func() {}, nil
	}
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	publisher := events.NewNATSLogger(conn, func(publishErr error) {
		logger.Warn("operation event publish failed", zap.Error(publishErr))
	})
	return events.Fanout{zapLogger, publisher}, conn.Close, nil
}

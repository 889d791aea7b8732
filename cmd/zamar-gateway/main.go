package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zamar-app/gateway/pkg/server"
	"github.com/zamar-app/gateway/pkg/zamar"
	zlog "github.com/zamar-app/gateway/pkg/zamar/logger/zerolog"
)

const (
	flagEnvFile          = "env-file"
	flagListenAddr       = "listen-addr"
	flagBackendURL       = "backend-url"
	flagWebURL           = "web-url"
	flagAdminEmail       = "admin-email"
	flagAdminRoles       = "admin-roles"
	flagStripeSecretKey  = "stripe-secret-key"
	flagStripeWebhook    = "stripe-webhook-secret"
	flagLangGraphURL     = "langgraph-url"
	flagLangGraphAPIKey  = "langgraph-api-key"
	flagAllowedOrigins   = "allowed-origins"
	flagTrustedProxies   = "trusted-proxies"
	flagLocale           = "locale"
	flagLogLevel         = "log-level"
	flagLogPretty        = "log-pretty"
	flagLedger           = "ledger"
	flagRedisAddr        = "redis-addr"
	flagPostgresDSN      = "postgres-dsn"
	flagFirestoreProject = "firestore-project"
	flagMetricsNamespace = "metrics-namespace"
	flagShutdownTimeout  = "shutdown-timeout"
	envPrefix            = "ZAMAR"
)

var boundFlags = []string{
	flagListenAddr, flagBackendURL, flagWebURL, flagAdminEmail, flagAdminRoles,
	flagStripeSecretKey, flagStripeWebhook, flagLangGraphURL, flagLangGraphAPIKey,
	flagAllowedOrigins, flagTrustedProxies, flagLocale, flagLogLevel, flagLogPretty, flagLedger,
	flagRedisAddr, flagPostgresDSN, flagFirestoreProject, flagMetricsNamespace,
	flagShutdownTimeout,
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "zamar-gateway: %v\n", err)
		os.Exit(1)
	}
}

// settings is the resolved command configuration.
type settings struct {
	server           server.Config
	logLevel         string
	logPretty        bool
	ledger           string
	redisAddr        string
	postgresDSN      string
	firestoreProject string
}

func newRootCommand() *cobra.Command {
	var s settings
	cmd := &cobra.Command{
		Use:           "zamar-gateway",
		Short:         "API gateway for the Zamar web app: admin proxy, billing and Stripe webhooks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd, &s)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, s)
		},
	}

	f := cmd.Flags()
	f.String(flagEnvFile, ".env", "dotenv file loaded before reading ZAMAR_* variables (missing file is ignored)")
	f.String(flagListenAddr, ":8080", "HTTP listen address")
	f.String(flagBackendURL, "", "Zamar backend base URL (required)")
	f.String(flagWebURL, "", "public web app URL used for checkout redirects (required)")
	f.String(flagAdminEmail, "", "admin email address, compared exactly")
	f.String(flagAdminRoles, "", "comma-separated role claims granted admin access (default \"admin\" unless --admin-email is set; an explicit empty value disables role matching)")
	f.String(flagStripeSecretKey, "", "Stripe secret API key (required)")
	f.String(flagStripeWebhook, "", "Stripe webhook signing secret, also sent to the backend on credit grants")
	f.String(flagLangGraphURL, "", "LangGraph agent base URL")
	f.String(flagLangGraphAPIKey, "", "LangGraph agent API key")
	f.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	f.String(flagTrustedProxies, "", "comma-separated IPs or CIDRs of reverse proxies whose X-Forwarded-For is trusted")
	f.String(flagLocale, "he", "default language of user-facing messages (he or en)")
	f.String(flagLogLevel, "info", "log level (debug, info, warn, error)")
	f.Bool(flagLogPretty, false, "human-readable console logs")
	f.String(flagLedger, "none", "webhook event ledger: none, memory, redis, postgres or firestore")
	f.String(flagRedisAddr, "localhost:6379", "Redis address for the redis ledger")
	f.String(flagPostgresDSN, "", "PostgreSQL connection string for the postgres ledger")
	f.String(flagFirestoreProject, "", "Google Cloud project for the firestore ledger")
	f.String(flagMetricsNamespace, "zamar", "Prometheus metrics namespace")
	f.Duration(flagShutdownTimeout, 10*time.Second, "graceful shutdown timeout")

	return cmd
}

func loadConfig(cmd *cobra.Command, s *settings) error {
	envFile, _ := cmd.Flags().GetString(flagEnvFile)
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, name := range boundFlags {
		if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}

	s.server = server.Config{
		ListenAddr:          strings.TrimSpace(v.GetString(flagListenAddr)),
		BackendURL:          strings.TrimSpace(v.GetString(flagBackendURL)),
		WebURL:              strings.TrimSpace(v.GetString(flagWebURL)),
		AdminEmail:          strings.TrimSpace(v.GetString(flagAdminEmail)),
		AdminRoles:          adminRoles(v),
		StripeSecretKey:     strings.TrimSpace(v.GetString(flagStripeSecretKey)),
		StripeWebhookSecret: strings.TrimSpace(v.GetString(flagStripeWebhook)),
		LangGraphURL:        strings.TrimSpace(v.GetString(flagLangGraphURL)),
		LangGraphAPIKey:     strings.TrimSpace(v.GetString(flagLangGraphAPIKey)),
		AllowedOrigins:      server.ParseList(v.GetString(flagAllowedOrigins)),
		TrustedProxies:      server.ParseList(v.GetString(flagTrustedProxies)),
		Locale:              strings.TrimSpace(v.GetString(flagLocale)),
		MetricsNamespace:    strings.TrimSpace(v.GetString(flagMetricsNamespace)),
		ShutdownTimeout:     v.GetDuration(flagShutdownTimeout),
	}
	s.logLevel = v.GetString(flagLogLevel)
	s.logPretty = v.GetBool(flagLogPretty)
	s.ledger = strings.ToLower(strings.TrimSpace(v.GetString(flagLedger)))
	s.redisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	s.postgresDSN = strings.TrimSpace(v.GetString(flagPostgresDSN))
	s.firestoreProject = strings.TrimSpace(v.GetString(flagFirestoreProject))

	if !knownLedger(s.ledger) {
		return fmt.Errorf("unknown %s %q", flagLedger, s.ledger)
	}
	return s.server.Validate()
}

// adminRoles keeps "not given" (nil) apart from "given empty" (empty slice).
func adminRoles(v *viper.Viper) []string {
	if !v.IsSet(flagAdminRoles) {
		return nil
	}
	roles := server.ParseList(v.GetString(flagAdminRoles))
	if roles == nil {
		roles = []string{}
	}
	return roles
}

func run(ctx context.Context, s settings) error {
	zl, err := newLogger(s.logLevel, s.logPretty)
	if err != nil {
		return err
	}
	logger := zlog.NewLogger(zl)
	s.server.Logger = logger

	ledger, closeLedger, err := openLedger(ctx, s)
	if err != nil {
		return fmt.Errorf("open %s ledger: %w", s.ledger, err)
	}
	defer closeLedger()
	if ledger != nil {
		s.server.Ledger = ledger
		logger.Info("webhook ledger enabled", zamar.F("backend", s.ledger))
	}

	return server.Run(ctx, s.server)
}

func newLogger(level string, pretty bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid %s %q: %w", flagLogLevel, level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	if pretty {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		return zerolog.New(output).Level(lvl).With().Timestamp().Logger(), nil
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Str("service", "zamar-gateway").Logger(), nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	gormlogger "gorm.io/gorm/logger"

	"github.com/admp-io/relay/internal/agent"
	"github.com/admp-io/relay/internal/api"
	"github.com/admp-io/relay/internal/auth"
	"github.com/admp-io/relay/internal/config"
	"github.com/admp-io/relay/internal/db"
	"github.com/admp-io/relay/internal/group"
	"github.com/admp-io/relay/internal/hub"
	"github.com/admp-io/relay/internal/lifecycle"
	"github.com/admp-io/relay/internal/loops"
	"github.com/admp-io/relay/internal/signing"
	"github.com/admp-io/relay/internal/store"
	"github.com/admp-io/relay/internal/webhook"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// shutdownGrace bounds how long in-flight requests may run after SIGTERM.
const shutdownGrace = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	// .env is a convenience for local development; a missing file is fine.
	_ = godotenv.Load()
	cfg := config.FromEnv()

	root := &cobra.Command{
		Use:   "relay",
		Short: "ADMP relay — store-and-forward messaging between agents",
		Long: `The ADMP relay accepts signed message envelopes on behalf of registered
agents, holds them durably, and hands them out through lease-based inbox
pulls, WebSocket push and signed webhooks.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(&cfg))
	root.AddCommand(newKeygenCmd())

	// Flags override the environment; config.FromEnv already applied it.
	root.PersistentFlags().IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	root.PersistentFlags().StringVar(&cfg.StorageBackend, "storage", cfg.StorageBackend, "Storage backend (memory, sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.DSN, "dsn", cfg.DSN, "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.SecretKey, "secret-key", cfg.SecretKey, "32-byte key for encrypting secrets at rest (required for durable backends)")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.StorageBackend == "memory" {
				return fmt.Errorf("the memory backend has no migrations")
			}
			logger, err := buildLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			// db.New applies pending migrations on open.
			database, err := db.New(db.Config{
				Driver:   cfg.StorageBackend,
				DSN:      cfg.DSN,
				Logger:   logger,
				LogLevel: gormlogger.Warn,
			})
			if err != nil {
				return err
			}
			sqlDB, err := database.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	}
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 keypair for an agent",
		Long: `Generates an Ed25519 keypair and prints both halves base64-encoded.
The public key goes into the registration request; the private key stays
with the agent and never reaches the relay.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := signing.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("keygen: %w", err)
			}
			fmt.Printf("public_key:  %s\n", signing.EncodeBase64(pub))
			fmt.Printf("private_key: %s\n", signing.EncodeBase64(priv))
			return nil
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("starting relay",
		zap.String("version", version),
		zap.Int("port", cfg.Port),
		zap.String("storage", cfg.StorageBackend),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	pushHub := hub.New()
	dispatcher := webhook.NewDispatcher(st, logger)
	engine := lifecycle.NewEngine(st, &cfg, logger, dispatcher, hub.NewNotifier(pushHub))
	registry := agent.NewRegistry(st, &cfg, logger)
	groups := group.NewEngine(st, engine, logger)
	authenticator := auth.NewAuthenticator(st, &cfg, logger)

	runner, err := loops.New(st, &cfg, dispatcher, pushHub, logger)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		Registry: registry,
		Engine:   engine,
		Groups:   groups,
		Hub:      pushHub,
		Auth:     authenticator,
		Store:    st,
		Config:   cfg,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := runner.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pushHub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", zap.Error(err))
		}
		return runner.Stop()
	})

	return g.Wait()
}

// openStore selects the store backend and, for durable backends, opens the
// database and initializes encryption at rest.
func openStore(cfg config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.StorageBackend {
	case "memory":
		return store.NewMemory(), nil

	case "sqlite", "postgres":
		if err := db.InitEncryption([]byte(cfg.SecretKey)); err != nil {
			return nil, err
		}
		gormLevel := gormlogger.Warn
		if cfg.LogLevel == "debug" {
			gormLevel = gormlogger.Info
		}
		database, err := db.New(db.Config{
			Driver:   cfg.StorageBackend,
			DSN:      cfg.DSN,
			Logger:   logger,
			LogLevel: gormLevel,
		})
		if err != nil {
			return nil, err
		}
		return store.NewGorm(database, cfg.StorageBackend), nil

	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.StorageBackend)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

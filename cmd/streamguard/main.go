package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/developingchet/streamguard/internal/config"
	"github.com/developingchet/streamguard/internal/logger"
	"github.com/developingchet/streamguard/internal/server"
	"github.com/developingchet/streamguard/internal/session"
	"github.com/developingchet/streamguard/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "streamguard",
		Short:         "Session risk gate for the streaming site",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		healthcheckCmd(),
		versionCmd(),
		journalCmd(),
		simulateCmd(),
	)
	return root
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Str("store", cfg.StoreBackend).Msg("streamguard starting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var journal storage.Journal
	if cfg.JournalEnabled {
		journal, err = storage.NewBboltJournal(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()
	}

	server.BinaryVersion = Version
	srv, err := server.New(cfg, server.Deps{Store: store, Journal: journal}, log)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	return srv.Run(ctx)
}

// openStore builds the configured session store. A Redis store is pinged
// once so a bad address fails at startup rather than on the first request.
func openStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	if cfg.StoreBackend != "redis" {
		return session.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store, err := session.NewRedisStore(session.RedisConfig{
		Client:    client,
		KeyPrefix: cfg.RedisKeyPrefix,
		Retention: cfg.SessionRetention,
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
	}
	return store, nil
}

// healthcheckCmd exits 0 if the health listener answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				return fmt.Errorf("healthcheck failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthcheck returned %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "streamguard %s\n", Version)
		},
	}
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	out := logger.NewRedactWriter(os.Stderr)
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = out
		return zerolog.New(cw).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/relayinbox/internal/cliutil"
	"github.com/agentworkforce/relayinbox/internal/httpapi"
	"github.com/agentworkforce/relayinbox/internal/messagelog"
)

const envPrefix = "RELAYINBOX"

type serveConfig struct {
	Addr              string
	Profile           string
	LogDSN            string
	DataDir           string
	ProductionDSN     string
	HeartbeatInterval time.Duration
	RateLimitMax      int
	RateLimitWindow   time.Duration
	MaxBodyBytes      int64
	LogLevel          string
	LogFormat         string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "relayinbox",
		Short:         "Serve the operator message log over HTTP and websocket",
		SilenceUsage:  true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return cliutil.BindConfig(v, cmd, envPrefix)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadServeConfig(v)
			logger := cliutil.NewLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, logger)
		},
	}
	flags := cmd.Flags()
	flags.String("config", "", "optional config file (yaml, json or toml)")
	flags.String("addr", ":8080", "listen address")
	flags.String("profile", "", "storage profile: memory, durable-local or production")
	flags.String("log-dsn", "", "message log DSN; overrides the profile default")
	flags.String("data-dir", ".relayinbox", "data directory for the durable-local profile")
	flags.String("production-dsn", "", "postgres DSN for the production profile")
	flags.Duration("heartbeat-interval", 10*time.Second, "events socket heartbeat interval")
	flags.Int("rate-limit-max", 0, "requests per operator per window; 0 disables limiting")
	flags.Duration("rate-limit-window", time.Minute, "rate limit window")
	flags.Int64("max-body-bytes", 1<<20, "maximum request body size")
	flags.String("log-level", "info", "log level: trace, debug, info, warn, error")
	flags.String("log-format", "json", "log format: json or console")
	return cmd
}

func loadServeConfig(v *viper.Viper) serveConfig {
	return serveConfig{
		Addr:              strings.TrimSpace(v.GetString("addr")),
		Profile:           strings.ToLower(strings.TrimSpace(v.GetString("profile"))),
		LogDSN:            strings.TrimSpace(v.GetString("log-dsn")),
		DataDir:           strings.TrimSpace(v.GetString("data-dir")),
		ProductionDSN:     strings.TrimSpace(v.GetString("production-dsn")),
		HeartbeatInterval: v.GetDuration("heartbeat-interval"),
		RateLimitMax:      v.GetInt("rate-limit-max"),
		RateLimitWindow:   v.GetDuration("rate-limit-window"),
		MaxBodyBytes:      v.GetInt64("max-body-bytes"),
		LogLevel:          v.GetString("log-level"),
		LogFormat:         v.GetString("log-format"),
	}
}

// resolveLogDSN picks the message log: an explicit DSN wins, then the
// profile default. No profile and no DSN means an in-memory log.
func resolveLogDSN(cfg serveConfig) (string, error) {
	if cfg.LogDSN != "" {
		return cfg.LogDSN, nil
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = ".relayinbox"
	}
	switch cfg.Profile {
	case "", "custom", "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return filepath.Join(dataDir, "messages.jsonl"), nil
	case "production", "prod":
		if cfg.ProductionDSN == "" {
			return "", fmt.Errorf("production-dsn is required when profile=%s", cfg.Profile)
		}
		return cfg.ProductionDSN, nil
	default:
		return "", fmt.Errorf("unsupported profile: %s", cfg.Profile)
	}
}

func runServer(ctx context.Context, cfg serveConfig, logger zerolog.Logger) error {
	dsn, err := resolveLogDSN(cfg)
	if err != nil {
		return err
	}
	messageLog, err := messagelog.BuildLogFromDSN(dsn)
	if err != nil {
		return fmt.Errorf("failed to open message log: %w", err)
	}
	defer func() {
		if err := messageLog.Close(); err != nil {
			logger.Warn().Err(err).Msg("message log close failed")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	handler := httpapi.NewServerWithConfig(messageLog, httpapi.ServerConfig{
		RateLimitMax:      cfg.RateLimitMax,
		RateLimitWindow:   cfg.RateLimitWindow,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Registry:          registry,
		Logger:            cliutil.Printf(logger, zerolog.WarnLevel),
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()
	logger.Info().
		Str("addr", cfg.Addr).
		Str("profile", cfg.Profile).
		Str("log_backend", backendName(dsn)).
		Msg("relayinbox listening")

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	logger.Info().Msg("relayinbox shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// backendName reports the DSN scheme without credentials.
func backendName(dsn string) string {
	if i := strings.Index(dsn, "://"); i > 0 {
		return dsn[:i]
	}
	return "file"
}

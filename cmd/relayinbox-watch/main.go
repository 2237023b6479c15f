package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/relayinbox/internal/cliutil"
	"github.com/agentworkforce/relayinbox/internal/inboxsync"
)

const envPrefix = "RELAYINBOX"

type watchConfig struct {
	BaseURL          string
	OperatorID       string
	Select           string
	IndexInterval    time.Duration
	ThreadInterval   time.Duration
	PollJitter       float64
	PollTimeout      time.Duration
	HeartbeatTimeout time.Duration
	NoPush           bool
	Once             bool
	MetricsAddr      string
	LogLevel         string
	LogFormat        string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "relayinbox-watch",
		Short:        "Follow one operator's inbox and log every change",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return cliutil.BindConfig(v, cmd, envPrefix)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadWatchConfig(v)
			if err != nil {
				return err
			}
			logger := cliutil.NewLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cfg, logger)
		},
	}
	flags := cmd.PersistentFlags()
	flags.String("config", "", "optional config file (yaml, json or toml)")
	flags.String("base-url", "http://127.0.0.1:8080", "relayinbox base URL")
	flags.String("operator", "", "operator ID")
	flags.String("log-level", "info", "log level: trace, debug, info, warn, error")
	flags.String("log-format", "console", "log format: json or console")

	local := cmd.Flags()
	local.String("select", "", "conversation key to follow")
	local.Duration("index-interval", inboxsync.DefaultIndexPollInterval, "conversation list poll interval")
	local.Duration("thread-interval", inboxsync.DefaultThreadPollInterval, "selected thread poll interval")
	local.Float64("poll-jitter", 0.2, "poll interval jitter ratio (0.0-1.0)")
	local.Duration("poll-timeout", inboxsync.DefaultPollTimeout, "per-fetch timeout")
	local.Duration("heartbeat-timeout", inboxsync.DefaultHeartbeatTimeout, "push heartbeat timeout")
	local.Bool("no-push", false, "poll only; do not open the events socket")
	local.Bool("once", false, "fetch once, print the view and exit")
	local.String("metrics-addr", "", "serve sync metrics on this address")

	cmd.AddCommand(newSendCommand(v))
	return cmd
}

func loadWatchConfig(v *viper.Viper) (watchConfig, error) {
	cfg := watchConfig{
		BaseURL:          strings.TrimSpace(v.GetString("base-url")),
		OperatorID:       strings.TrimSpace(v.GetString("operator")),
		Select:           strings.TrimSpace(v.GetString("select")),
		IndexInterval:    v.GetDuration("index-interval"),
		ThreadInterval:   v.GetDuration("thread-interval"),
		PollJitter:       v.GetFloat64("poll-jitter"),
		PollTimeout:      v.GetDuration("poll-timeout"),
		HeartbeatTimeout: v.GetDuration("heartbeat-timeout"),
		NoPush:           v.GetBool("no-push"),
		Once:             v.GetBool("once"),
		MetricsAddr:      strings.TrimSpace(v.GetString("metrics-addr")),
		LogLevel:         v.GetString("log-level"),
		LogFormat:        v.GetString("log-format"),
	}
	if cfg.OperatorID == "" {
		return cfg, fmt.Errorf("operator is required (--operator or RELAYINBOX_OPERATOR)")
	}
	return cfg, nil
}

func runWatch(ctx context.Context, cfg watchConfig, logger zerolog.Logger) error {
	client := inboxsync.NewHTTPClient(cfg.BaseURL, &http.Client{Timeout: cfg.PollTimeout + 5*time.Second})
	opts := inboxsync.Options{
		OperatorID:         cfg.OperatorID,
		IndexPollInterval:  cfg.IndexInterval,
		ThreadPollInterval: cfg.ThreadInterval,
		PollJitter:         cfg.PollJitter,
		PollTimeout:        cfg.PollTimeout,
		HeartbeatTimeout:   cfg.HeartbeatTimeout,
		Logger:             cliutil.Printf(logger, zerolog.WarnLevel),
	}
	if !cfg.NoPush && !cfg.Once {
		opts.Subscriber = inboxsync.NewWebsocketSubscriber(cfg.BaseURL)
	}
	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		opts.Metrics = inboxsync.NewMetrics(registry)
		stopMetrics := serveMetrics(cfg.MetricsAddr, registry, logger)
		defer stopMetrics()
	}

	inbox, err := inboxsync.NewInbox(client, opts)
	if err != nil {
		return err
	}
	defer func() { _ = inbox.Close() }()

	if err := inbox.Open(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial conversation fetch failed")
	}
	if cfg.Select != "" {
		if err := inbox.Select(ctx, cfg.Select); err != nil {
			logger.Warn().Err(err).Str("conversation", cfg.Select).Msg("initial thread fetch failed")
		}
	}
	logView(logger, inbox)
	if cfg.Once {
		return nil
	}

	var lastState string
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("watch stopping")
			return nil
		case <-inbox.Updates():
			status := inbox.Status()
			if state := stateSummary(status); state != lastState {
				lastState = state
				logger.Info().
					Str("index", string(status.Index.State)).
					Str("thread", string(status.Thread.State)).
					Bool("degraded", status.Degraded).
					Msg("session state")
			}
			logView(logger, inbox)
		}
	}
}

func stateSummary(status inboxsync.Status) string {
	return string(status.Index.State) + "/" + string(status.Thread.State)
}

func logView(logger zerolog.Logger, inbox *inboxsync.Inbox) {
	conversations := inbox.Conversations()
	event := logger.Info().Int("conversations", len(conversations))
	if len(conversations) > 0 {
		newest := conversations[0]
		event = event.
			Str("newest", newest.ConversationKey).
			Str("newest_body", preview(newest.LastMessageBody)).
			Time("newest_at", newest.LastMessageAt)
	}
	if key := inbox.Selected(); key != "" {
		thread := inbox.Thread(key)
		event = event.Str("selected", key).Int("thread_len", len(thread))
		if len(thread) > 0 {
			last := thread[len(thread)-1]
			event = event.
				Str("last_direction", string(last.Direction)).
				Str("last_body", preview(last.Body))
		}
	}
	event.Msg("inbox view")
}

func preview(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	runes := []rune(body)
	if len(runes) > 80 {
		return string(runes[:77]) + "..."
	}
	return body
}

func serveMetrics(addr string, registry *prometheus.Registry, logger zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

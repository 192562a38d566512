package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/jholhewres/wadesk/pkg/wadesk/bus"
	"github.com/jholhewres/wadesk/pkg/wadesk/channels/whatsapp"
	"github.com/jholhewres/wadesk/pkg/wadesk/config"
	"github.com/jholhewres/wadesk/pkg/wadesk/conversation"
	"github.com/jholhewres/wadesk/pkg/wadesk/persist"
	"github.com/jholhewres/wadesk/pkg/wadesk/relay"
	"github.com/jholhewres/wadesk/pkg/wadesk/webui"
)

// newServeCmd creates the `wadesk serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay daemon and dashboard",
		Long: `Start wadesk as a daemon: connects to WhatsApp, relays inbound
messages through the AI assistant and serves the operator dashboard.

Examples:
  wadesk serve
  wadesk serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := buildLogger(cfg, verbose)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WhatsApp.SessionDir, 0o700); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	// ── Runtime settings + pause registry ──
	pause := relay.NewPauseRegistry()
	settings := relay.NewSettingsManager(filepath.Join(cfg.DataDir, "settings.json"), pause, logger)
	if err := settings.Load(); err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	settings.ResolveAPIKey()

	// ── Conversation store, restored from the last snapshot ──
	store := conversation.New()
	store.SetPausedFunc(pause.IsPaused)

	convPath := filepath.Join(cfg.DataDir, "conversations.json")
	var snapshot map[string]conversation.Conversation
	if ok, err := persist.Load(convPath, &snapshot); err != nil {
		logger.Warn("conversation snapshot unreadable, starting empty", "error", err)
	} else if ok {
		store.Restore(snapshot)
		logger.Info("conversations restored", "count", store.Count())
	}

	// ── Event bus + debounced persistence ──
	b := bus.New(logger)
	store.SetNotifier(b)

	gateway := persist.New(convPath, func() (any, error) {
		return store.Snapshot(), nil
	}, persist.DefaultDebounce, logger)
	store.SetSaver(gateway)

	// ── AI responder ──
	llm := relay.NewLLMClient(logger)
	responder := relay.NewResponder(llm, settings, relay.ResponderOptions{
		ContextWindow:     cfg.Relay.ContextWindow,
		RequestTimeout:    cfg.Relay.RequestTimeout,
		DisableReplyDelay: cfg.Relay.DisableReplyDelay,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── WhatsApp transport, bridged onto the bus for the dashboard ──
	wa := whatsapp.New(cfg.WhatsApp, logger)
	wa.AddStatusObserver(func(evt whatsapp.StatusEvent) {
		b.Publish("status", evt)
	})
	go func() {
		qrEvents, unsubscribe := wa.SubscribeQR()
		defer unsubscribe()
		for evt := range qrEvents {
			b.Publish("qr", evt)
		}
	}()

	if err := wa.Connect(ctx); err != nil {
		logger.Error("WhatsApp connection failed, pair via the dashboard", "error", err)
	}

	// ── Relay engine ──
	engine := relay.NewEngine(store, pause, responder, wa, b, settings, logger)
	go engine.Run(ctx)

	// ── Dashboard ──
	webServer := webui.New(webui.Config{
		Address:   cfg.Server.Address,
		AuthToken: cfg.Server.AuthToken,
	}, store, engine, settings, wa, b, logger)
	if err := webServer.Start(); err != nil {
		return fmt.Errorf("starting dashboard: %w", err)
	}

	// ── Periodic checkpoint so a hard kill loses at most one interval ──
	var checkpoints *cron.Cron
	if cfg.CheckpointInterval != "" {
		checkpoints = cron.New()
		_, err := checkpoints.AddFunc(cfg.CheckpointInterval, func() {
			if err := gateway.Flush(); err != nil {
				logger.Error("checkpoint flush failed", "error", err)
			}
		})
		if err != nil {
			logger.Warn("invalid checkpoint interval, checkpoints disabled",
				"interval", cfg.CheckpointInterval, "error", err)
		} else {
			checkpoints.Start()
		}
	}

	logger.Info("wadesk running, press Ctrl+C to stop",
		"dashboard", cfg.Server.Address,
		"model", settings.Settings().ModelName,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")
	cancel()

	done := make(chan struct{})
	go func() {
		if checkpoints != nil {
			checkpoints.Stop()
		}
		webServer.Stop()
		if err := wa.Disconnect(); err != nil {
			logger.Warn("disconnect error", "error", err)
		}
		if err := gateway.Flush(); err != nil {
			logger.Error("final snapshot flush failed", "error", err)
		}
		gateway.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// resolveConfig loads the config from the --config flag, a discovered
// config file, or falls back to defaults.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	if found := config.FindConfigFile(); found != "" {
		cfg, err := config.LoadFromFile(found)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, nil
	}

	slog.Info("no config file found, using defaults (run `wadesk setup` to create one)")
	return config.Default(), nil
}

// buildLogger builds the slog logger from logging config.
func buildLogger(cfg *config.Config, verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

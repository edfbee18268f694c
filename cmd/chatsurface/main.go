package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"chatsurface/internal/bus"
	"chatsurface/internal/config"
	"chatsurface/internal/domain"
	"chatsurface/internal/filter"
	"chatsurface/internal/gateway"
	"chatsurface/internal/indexing"
	"chatsurface/internal/settings"
	"chatsurface/internal/store"
	"chatsurface/internal/upload"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "chatsurface",
		Short: "chatsurface: attachment-aware chat input surface",
		Long:  "chatsurface serves a chat-input surface with document upload, inline images, and indexing-gated message release.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.chatsurface/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the input surface gateway",
		Long:  "Starts the HTTP gateway serving the chat-input surface. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

// remoteSource caches backend settings for the upload and indexing wiring.
type remoteSource struct {
	client *settings.Client
	ttl    time.Duration

	mu      sync.Mutex
	val     settings.Remote
	fetched time.Time
}

func (r *remoteSource) get() settings.Remote {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.fetched) < r.ttl {
		return r.val
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	remote, err := r.client.Fetch(ctx)
	if err != nil {
		logger.Warn("settings refresh failed, keeping last known", "err", err)
	} else {
		r.val = remote
	}
	r.fetched = time.Now()
	return r.val
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)

	var uploadStore *store.SQLiteStore
	if cfg.Storage.Enabled {
		uploadStore, err = store.NewSQLiteStore(cfg.Storage.DBPath, logger)
		if err != nil {
			return fmt.Errorf("upload store: %w", err)
		}
		defer uploadStore.Close()
	}

	policy, err := filter.Load(cfg.Filters.PolicyPath, logger)
	if err != nil {
		return fmt.Errorf("filter policy: %w", err)
	}

	settingsClient := settings.NewClient(settings.ClientConfig{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.Timeout(),
		Logger:  logger,
	})
	remote := &remoteSource{client: settingsClient, ttl: time.Minute}

	uploader := upload.NewChannel(upload.ChannelConfig{
		Endpoint:  cfg.Backend.UploadURL(),
		SizeLimit: func() int64 { return remote.get().SizeLimitBytes() },
		Timeout:   cfg.Backend.Timeout(),
		Logger:    logger,
	})

	poller := indexing.NewPoller(indexing.PollerConfig{
		Indexer: indexing.NewClient(indexing.ClientConfig{
			BaseURL: cfg.Backend.BaseURL,
			APIKey:  cfg.Backend.APIKey,
			Timeout: cfg.Backend.Timeout(),
			Logger:  logger,
		}),
		Interval: func() time.Duration {
			if d := remote.get().PollInterval(); d > 0 {
				return d
			}
			return cfg.Indexing.PollInterval()
		},
		Logger: logger,
	})

	// Drain released messages toward the messaging layer. The conversation
	// backend consumes this stream; here the handoff point logs the release.
	go func() {
		for msg := range messageBus.Subscribe() {
			logger.Info("message released",
				"session", msg.SessionID,
				"conversation", msg.ConversationID,
				"multipart", msg.Content.Multipart(),
			)
		}
	}()

	gw := gateway.New(gateway.Config{
		Host:            cfg.Surface.Host,
		Port:            cfg.Surface.Port,
		Version:         version,
		Logger:          logger,
		AppConfig:       cfg,
		ConfigPath:      cfgPath,
		Bus:             messageBus,
		Uploader:        uploader,
		Waiter:          poller,
		Records:         uploadRecorder(uploadStore),
		History:         uploadHistory(uploadStore),
		Settings:        settingsClient,
		Filter:          policy,
		ClearOnSend:     cfg.Surface.ClearOnSend,
		MaxImageWidth:   cfg.Surface.MaxImageWidth,
		MaxImageHeight:  cfg.Surface.MaxImageHeight,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start(ctx) }()

	logger.Info("surface started. Press Ctrl+C to stop.")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.Stop()
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// uploadRecorder avoids handing the gateway a typed nil interface when
// storage is disabled.
func uploadRecorder(s *store.SQLiteStore) domain.UploadRecorder {
	if s == nil {
		return nil
	}
	return s
}

func uploadHistory(s *store.SQLiteStore) gateway.UploadHistory {
	if s == nil {
		return nil
	}
	return s
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend connectivity and config status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			client := settings.NewClient(settings.ClientConfig{
				BaseURL: cfg.Backend.BaseURL,
				Timeout: cfg.Backend.Timeout(),
				Logger:  logger,
			})
			remote, err := client.Fetch(ctx)
			if err != nil {
				logger.Warn("backend unreachable", "base_url", cfg.Backend.BaseURL, "err", err)
				return nil
			}
			logger.Info("backend healthy",
				"base_url", cfg.Backend.BaseURL,
				"upload_max_filesize_mb", remote.UploadMaxFilesizeMB,
				"oyd_enabled", remote.OYDEnabled,
			)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. surface.port)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. surface.clearOnSend false)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

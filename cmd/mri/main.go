package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DeepanB2005/MRI/internal/browser"
	"github.com/DeepanB2005/MRI/internal/bus"
	"github.com/DeepanB2005/MRI/internal/channel"
	"github.com/DeepanB2005/MRI/internal/config"
	"github.com/DeepanB2005/MRI/internal/domain"
	"github.com/DeepanB2005/MRI/internal/metrics"
	"github.com/DeepanB2005/MRI/internal/predictor"
	"github.com/DeepanB2005/MRI/internal/relay"
	"github.com/DeepanB2005/MRI/internal/responder"
	"github.com/DeepanB2005/MRI/internal/storage"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "mri",
		Short: "MRI diagnosis assistant gateway",
		Long:  "Chat gateway for an MRI diagnosis assistant: web UI, Telegram, and CLI front ends over an image classifier and Gemini.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.mri/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadOrDefaults() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		return config.Defaults()
	}
	return cfg
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

// buildResponder constructs the configured responder, falling back through
// browser mode to the echo stub.
func buildResponder(cfg *config.Config) (domain.Responder, error) {
	name := cfg.General.DefaultResponder
	rc := cfg.Responders[name]

	fc := responder.FactoryConfig{
		GeminiAPIKey:  rc.APIKey,
		GeminiAPIBase: rc.APIBase,
		GeminiModel:   rc.Model,
		PromptsPath:   cfg.General.PromptsPath,
		Logger:        logger,
	}
	if rc.Mode == "browser" || name == "gemini-web" {
		fc.Bridge = browser.NewBridge(browser.BridgeConfig{
			ProfileDir: rc.ProfileDir,
			Headless:   true,
			Logger:     logger,
		})
	}

	if name == "" {
		return responder.NewDefault(fc)
	}
	return responder.New(name, fc)
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start interactive chat (CLI)",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadOrDefaults()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(cfg.Session.BusBuffer, logger)
	defer messageBus.Close()

	snapshots, err := storage.NewSQLiteStore(cfg.Session.DBPath, logger)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer snapshots.Close()

	resp, err := buildResponder(cfg)
	if err != nil {
		return fmt.Errorf("responder: %w", err)
	}
	logger.Info("responder selected", "name", resp.Name())

	r := relay.New(relay.Config{
		Bus:       messageBus,
		Snapshots: snapshots,
		Responder: resp,
		Logger:    logger,
	})
	go r.Run(ctx)

	cliCh := channel.NewCLI(channel.CLIChannelConfig{
		Logger:    logger,
		StepDelay: time.Duration(cfg.Channels.CLI.TypewriterMS) * time.Millisecond,
	})
	return cliCh.Start(ctx, messageBus)
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start gateway (Web + WebSocket + Telegram + relay)",
		Long:  "Starts all enabled channels and the session relay. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(cfg.Session.BusBuffer, logger)

	snapshots, err := storage.NewSQLiteStore(cfg.Session.DBPath, logger)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer snapshots.Close()

	resp, err := buildResponder(cfg)
	if err != nil {
		return fmt.Errorf("responder: %w", err)
	}
	if err := resp.Healthy(ctx); err != nil {
		logger.Warn("responder unhealthy at startup", "responder", resp.Name(), "err", err)
	} else {
		logger.Info("responder healthy", "responder", resp.Name())
	}

	r := relay.New(relay.Config{
		Bus:       messageBus,
		Snapshots: snapshots,
		Responder: resp,
		Logger:    logger,
	})
	go r.Run(ctx)

	// Expired snapshots are purged once at startup.
	retention := time.Duration(cfg.Session.RetentionDays) * 24 * time.Hour
	if n, err := snapshots.Purge(ctx, retention); err != nil {
		logger.Warn("snapshot purge failed", "err", err)
	} else if n > 0 {
		logger.Info("expired snapshots purged", "count", n)
	}

	predictClient := predictor.NewClient(predictor.ClientConfig{
		BaseURL: cfg.Inference.URL,
		Timeout: time.Duration(cfg.Inference.TimeoutSeconds) * time.Second,
		Logger:  logger,
	})

	var transcriber channel.Transcriber
	var synthesizer channel.Synthesizer
	if cfg.Speech.Enabled {
		transcriber = responder.NewWhisper(responder.WhisperConfig{
			APIKey:  cfg.Speech.APIKey,
			APIBase: cfg.Speech.APIBase,
			Model:   cfg.Speech.TranscribeModel,
			Logger:  logger,
		})
		synthesizer = responder.NewTTS(responder.TTSConfig{
			APIKey:  cfg.Speech.APIKey,
			APIBase: cfg.Speech.APIBase,
			Model:   cfg.Speech.SpeechModel,
			Voice:   cfg.Speech.Voice,
			Logger:  logger,
		})
	}

	// Report generation and the health probe ride on the Gemini responder
	// when it is the one configured.
	var reporter domain.ReportGenerator
	geminiConfigured := func() bool { return false }
	if g, ok := resp.(*responder.Gemini); ok {
		reporter = g
		geminiConfigured = g.Configured
	}

	var telegramCh *channel.Telegram
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		telegramCh = channel.NewTelegram(channel.TelegramChannelConfig{
			Token:       cfg.Channels.Telegram.Token,
			AllowFrom:   cfg.Channels.Telegram.AllowFrom,
			ParseMode:   cfg.Channels.Telegram.ParseMode,
			Transcriber: transcriber,
			Sessions:    r,
			Logger:      logger,
		})
		go func() {
			if err := telegramCh.Start(ctx, messageBus); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		logger.Info("telegram channel enabled")
	}

	var webCh *channel.Web
	if cfg.Channels.Web.Enabled {
		webCfg := channel.WebChannelConfig{
			Host:             cfg.Channels.Web.Host,
			Port:             cfg.Channels.Web.Port,
			Logger:           logger,
			Version:          version,
			Sessions:         r,
			Predictor:        predictClient,
			Reporter:         reporter,
			Transcriber:      transcriber,
			Synthesizer:      synthesizer,
			GeminiConfigured: geminiConfigured,
			AuthEnabled:      cfg.Channels.Web.Auth.Enabled,
			AuthUser:         cfg.Channels.Web.Auth.Username,
			AuthPassHash:     cfg.Channels.Web.Auth.PasswordHash,
		}
		if cfg.Metrics.Enabled {
			webCfg.MetricsHandler = metrics.Collector.Handler()
		}
		webCh = channel.NewWeb(webCfg)
		go func() {
			if err := webCh.Start(ctx, messageBus); err != nil {
				logger.Error("web channel error", "err", err)
			}
		}()
	}

	var wsCh *channel.WebSocketChannel
	if cfg.Channels.WebSocket.Enabled {
		wsCh = channel.NewWebSocketChannel(channel.WSConfig{
			Host:   cfg.Channels.WebSocket.Host,
			Port:   cfg.Channels.WebSocket.Port,
			Logger: logger,
		})
		go func() {
			if err := wsCh.Start(ctx, messageBus); err != nil {
				logger.Error("websocket channel error", "err", err)
			}
		}()
	}

	logger.Info("gateway started. Press Ctrl+C to stop.")
	<-ctx.Done()
	logger.Info("shutting down gateway...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if telegramCh != nil {
			telegramCh.Stop()
		}
		if webCh != nil {
			webCh.Stop()
		}
		if wsCh != nil {
			wsCh.Stop()
		}
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

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open browser to log in to Gemini for browser mode",
		Long:  "Opens a visible Chrome window for you to log in. Cookies are saved for later headless use.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadOrDefaults()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rc := cfg.Responders["gemini-web"]
			profileDir := rc.ProfileDir
			if profileDir == "" {
				profileDir = filepath.Join(config.DefaultConfigDir(), "chrome-profiles", "gemini")
			}
			bridge := browser.NewBridge(browser.BridgeConfig{
				ProfileDir: profileDir,
				Headless:   false,
				Logger:     logger,
			})
			gw := responder.NewGeminiWeb(responder.GeminiWebConfig{Bridge: bridge, Logger: logger})
			return gw.Login(ctx)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
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

			resp, err := buildResponder(cfg)
			if err != nil {
				logger.Info("responder", "built", false, "err", err)
			} else if herr := resp.Healthy(ctx); herr != nil {
				logger.Info("responder", "name", resp.Name(), "healthy", false, "err", herr)
			} else {
				logger.Info("responder", "name", resp.Name(), "healthy", true)
			}

			inference := predictor.NewClient(predictor.ClientConfig{
				BaseURL: cfg.Inference.URL,
				Logger:  logger,
			})
			if err := inference.Healthy(ctx); err != nil {
				logger.Info("inference", "url", cfg.Inference.URL, "healthy", false, "err", err)
			} else {
				logger.Info("inference", "url", cfg.Inference.URL, "healthy", true)
			}
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
		Short: "Get a config value (e.g. general.defaultResponder)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
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
		Short: "Set a config value (e.g. channels.web.port 9090)",
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
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("validation: %w", err)
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
			cfg, err := config.Load(resolveConfigPath())
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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"signalrelay/internal/bus"
	"signalrelay/internal/channel"
	"signalrelay/internal/config"
	"signalrelay/internal/logging"
	"signalrelay/internal/metrics"
	"signalrelay/internal/relay"
	"signalrelay/internal/state"
	"signalrelay/internal/webhook"

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
		Use:   "signalrelay",
		Short: "Relay trading signals from Telegram to a webhook",
		Long: "Signal Relay watches Telegram chats for trading signals, cleans and\n" +
			"classifies them, and forwards them to a webhook. Anything it cannot\n" +
			"classify waits for a human decision.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.signalrelay/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(forwardCmd())
	root.AddCommand(pendingCmd())
	root.AddCommand(testCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("signalrelay " + version)
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			stateDir := config.ExpandPath(cfg.General.StateDir)
			if err := os.MkdirAll(stateDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "state", stateDir)
			fmt.Println("Set telegram.token and webhook.url before running, or run 'signalrelay wizard'.")
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

// loadOrDefaults is for commands that should still work before 'init' ran.
func loadOrDefaults() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		return config.Defaults()
	}
	return cfg
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay (engine + Telegram + ingest)",
		Long:  "Starts the relay engine and all enabled channels. Press Ctrl+C to stop.",
		RunE:  runRelay,
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logging.New(cfg.General)

	if cfg.Webhook.URL == config.PlaceholderWebhookURL {
		logger.Warn("webhook url is still the placeholder, deliveries will fail", "url", cfg.Webhook.URL)
	}

	stateDir := config.ExpandPath(cfg.General.StateDir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}

	// Graceful shutdown on signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)

	flag, err := state.NewFlagStore(stateDir, logger)
	if err != nil {
		return fmt.Errorf("flag store: %w", err)
	}
	approvals, err := state.NewApprovalStore(stateDir, logger)
	if err != nil {
		return fmt.Errorf("approval store: %w", err)
	}

	rules, err := relay.LoadRuleset(cfg.Pipeline.RulesFile, logger)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	collector := metrics.New()

	client := webhook.NewClient(webhook.Options{
		URL:             cfg.Webhook.URL,
		HealthURL:       cfg.Webhook.HealthURL,
		SignatureHeader: cfg.Webhook.SignatureHeader,
		SharedSecret:    cfg.Webhook.SharedSecret,
		BearerToken:     cfg.Webhook.BearerToken,
		Timeout:         time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
	}, logger)

	engine, err := relay.NewEngine(relay.EngineConfig{
		Rules:        rules,
		Bus:          messageBus,
		Webhook:      client,
		Flag:         flag,
		Approvals:    approvals,
		Metrics:      metrics.NewRelaySet(collector),
		Logger:       logger,
		Destinations: cfg.DestinationList(),
		ApprovalChat: cfg.ApprovalDestination(),
		PayloadOpts: webhook.PayloadOptions{
			Mode:        cfg.Webhook.Mode,
			Key:         cfg.Webhook.PayloadKey,
			IncludeMeta: cfg.Webhook.IncludeMeta,
		},
		IncludeScriptLine: cfg.Pipeline.IncludeScriptLine,
		StatusPrecedence:  cfg.Pipeline.StatusPrecedence,
	})
	if err != nil {
		return fmt.Errorf("relay engine: %w", err)
	}

	go engine.Run(ctx)

	var telegramCh *channel.Telegram
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		telegramCh = channel.NewTelegram(channel.TelegramOptions{
			Token:            cfg.Telegram.Token,
			SourceChats:      cfg.Telegram.SourceChatIDs(),
			SourceTopics:     topicFilters(cfg.Telegram.Topics()),
			AdminIDs:         cfg.Telegram.AdminIDList(),
			ApproverIDs:      cfg.Telegram.ApproverIDList(),
			RequireForwarded: cfg.Telegram.RequireForwarded,
			PollTimeout:      cfg.Telegram.PollTimeoutSeconds,
			Logger:           logger,
		})
		go func() {
			if err := telegramCh.Start(ctx, messageBus); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		logger.Info("telegram channel enabled")
	} else {
		logger.Info("telegram channel disabled")
	}

	if cfg.Metrics.Enabled && !cfg.Ingest.Enabled {
		logger.Warn("metrics endpoint rides the ingest server, enable ingest to expose it")
	}

	if cfg.Ingest.Enabled {
		var metricsHandler http.Handler
		metricsPath := ""
		if cfg.Metrics.Enabled {
			metricsHandler = collector.Handler()
			metricsPath = cfg.Metrics.Endpoint
		}
		ingestCh := channel.NewIngest(channel.IngestOptions{
			Host:        cfg.Ingest.Host,
			Port:        cfg.Ingest.Port,
			Token:       cfg.Ingest.Token,
			MetricsPath: metricsPath,
			Metrics:     metricsHandler,
			PendingFn:   approvals.Len,
			Logger:      logger,
		})
		go func() {
			if err := ingestCh.Start(ctx, messageBus); err != nil {
				logger.Error("ingest channel error", "err", err)
			}
		}()
	}

	logger.Info("relay started. Press Ctrl+C to stop.", "version", version)

	// Block until shutdown signal
	<-ctx.Done()
	logger.Info("shutting down relay...")

	// Graceful shutdown with timeout
	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if telegramCh != nil {
			telegramCh.Stop()
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

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show relay state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			stateDir := config.ExpandPath(cfg.General.StateDir)
			flag, err := state.NewFlagStore(stateDir, logger)
			if err != nil {
				return err
			}
			approvals, err := state.NewApprovalStore(stateDir, logger)
			if err != nil {
				return err
			}

			logger.Info("forwarding", "enabled", flag.Enabled())
			logger.Info("approvals", "pending", approvals.Len())
			logger.Info("webhook",
				"mode", cfg.Webhook.Mode,
				"configured", cfg.Webhook.URL != "" && cfg.Webhook.URL != config.PlaceholderWebhookURL,
			)
			logger.Info("telegram",
				"enabled", cfg.Telegram.Enabled && cfg.Telegram.Token != "",
				"sourceChats", len(cfg.Telegram.SourceChatIDs()),
				"destinations", len(cfg.DestinationList()),
			)
			logger.Info("ingest", "enabled", cfg.Ingest.Enabled)
			return nil
		},
	}
}

func topicFilters(refs []config.TopicRef) []channel.TopicFilter {
	out := make([]channel.TopicFilter, 0, len(refs))
	for _, r := range refs {
		out = append(out, channel.TopicFilter{ChatID: r.ChatID, ThreadID: r.ThreadID})
	}
	return out
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. webhook.url)",
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
		Short: "Set a config value (e.g. pipeline.includeScriptLine false)",
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
				return fmt.Errorf("rejected: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all config values with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				data, _ := json.MarshalIndent(sanitized, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			paths := config.ListPaths(sanitized)
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, paths[k])
			}
			return nil
		},
	}
	listCmd.Flags().Bool("json", false, "print as JSON")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func forwardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Toggle or show auto-forwarding",
		Long:  "The flag lives in the state directory, so a running relay picks the change up on its next message.",
	}

	openFlag := func() (*state.FlagStore, error) {
		cfg := loadOrDefaults()
		stateDir := config.ExpandPath(cfg.General.StateDir)
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return nil, err
		}
		return state.NewFlagStore(stateDir, logger)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "on",
		Short: "Enable auto-forwarding",
		RunE: func(cmd *cobra.Command, args []string) error {
			flag, err := openFlag()
			if err != nil {
				return err
			}
			if err := flag.Set(true); err != nil {
				return err
			}
			fmt.Println("Forwarding enabled.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "off",
		Short: "Disable auto-forwarding",
		RunE: func(cmd *cobra.Command, args []string) error {
			flag, err := openFlag()
			if err != nil {
				return err
			}
			if err := flag.Set(false); err != nil {
				return err
			}
			fmt.Println("Forwarding disabled.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the forwarding flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			flag, err := openFlag()
			if err != nil {
				return err
			}
			if flag.Enabled() {
				fmt.Println("Forwarding is ON")
			} else {
				fmt.Println("Forwarding is OFF")
			}
			return nil
		},
	})

	return cmd
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List approvals waiting for a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadOrDefaults()
			stateDir := config.ExpandPath(cfg.General.StateDir)
			approvals, err := state.NewApprovalStore(stateDir, logger)
			if err != nil {
				return err
			}

			recs := approvals.Pending()
			if len(recs) == 0 {
				fmt.Println("No pending approvals.")
				return nil
			}
			for _, rec := range recs {
				age := time.Since(rec.CreatedAt).Round(time.Second)
				fmt.Printf("%-24s %s ago\n", rec.Key, age)
				fmt.Printf("    %s\n", firstLine(rec.Text))
			}
			fmt.Printf("\n%d pending\n", len(recs))
			return nil
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func testCmd() *cobra.Command {
	var send bool

	cmd := &cobra.Command{
		Use:   "test [text]",
		Short: "Run a message through the pipeline without the bot",
		Long: "Sanitizes, parses, classifies, and formats the given text (or a built-in\n" +
			"sample signal), printing each stage. With --send the payload is posted to\n" +
			"the configured webhook.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadOrDefaults()

			rules, err := relay.LoadRuleset(cfg.Pipeline.RulesFile, logger)
			if err != nil {
				return fmt.Errorf("load rules: %w", err)
			}
			payloadOpts := webhook.PayloadOptions{
				Mode:        cfg.Webhook.Mode,
				Key:         cfg.Webhook.PayloadKey,
				IncludeMeta: cfg.Webhook.IncludeMeta,
			}
			pipeline, err := relay.NewPipeline(relay.PipelineConfig{
				Rules:             rules,
				IncludeScriptLine: cfg.Pipeline.IncludeScriptLine,
				StatusPrecedence:  cfg.Pipeline.StatusPrecedence,
				PayloadOpts:       payloadOpts,
			})
			if err != nil {
				return err
			}

			text := relay.SampleSignal
			if len(args) > 0 {
				text = strings.Join(args, " ")
			}

			res, err := pipeline.Process(text, "")
			if err != nil {
				return err
			}

			fmt.Printf("Verdict: %s\n", res.Verdict)
			if res.Cleaned == "" {
				fmt.Println("Message is empty after sanitizing; the relay would ignore it.")
				return nil
			}
			fmt.Println("\n--- formatted ---")
			fmt.Println(res.Formatted)
			fmt.Println("--- payload ---")
			fmt.Printf("Content-Type: %s\n%s\n", res.Payload.ContentType, res.Payload.Body)

			if !send {
				return nil
			}
			client := webhook.NewClient(webhook.Options{
				URL:             cfg.Webhook.URL,
				HealthURL:       cfg.Webhook.HealthURL,
				SignatureHeader: cfg.Webhook.SignatureHeader,
				SharedSecret:    cfg.Webhook.SharedSecret,
				BearerToken:     cfg.Webhook.BearerToken,
				Timeout:         time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
			}, logger)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := client.Post(ctx, res.Payload); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			fmt.Println("Delivered to webhook.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&send, "send", false, "post the payload to the configured webhook")
	return cmd
}

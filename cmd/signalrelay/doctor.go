package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"signalrelay/internal/config"
	"signalrelay/internal/relay"
	"signalrelay/internal/state"
	"signalrelay/internal/webhook"

	"github.com/spf13/cobra"
)

// Telegram bot tokens look like "123456789:AAE...".
var botTokenRe = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{30,}$`)

func doctorCmd() *cobra.Command {
	var ping bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your relay installation",
		Long: `Verifies that the configuration, state directory, rules, and webhook
are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("Signal Relay Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				failed++
				fmt.Printf("\nRun 'signalrelay init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
			} else {
				printPass("Config validation", "valid")
				passed++
			}

			if cfg == nil {
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}

			// 3. Telegram channel
			if !cfg.Telegram.Enabled {
				printWarn("Telegram", "disabled; no chats are watched")
				warned++
			} else if !botTokenRe.MatchString(cfg.Telegram.Token) {
				printWarn("Telegram", "token does not look like a bot token")
				warned++
			} else {
				printPass("Telegram", "token configured")
				passed++
			}
			if cfg.Telegram.Enabled && len(cfg.Telegram.SourceChatIDs()) == 0 {
				printWarn("Source chats", "none configured; every chat the bot sees is relayed")
				warned++
			}

			// 4. Webhook target
			if cfg.Webhook.URL == config.PlaceholderWebhookURL {
				printFail("Webhook URL", "still the placeholder from 'init'")
				failed++
			} else {
				printPass("Webhook URL", cfg.Webhook.URL)
				passed++
			}

			if ping && cfg.Webhook.URL != config.PlaceholderWebhookURL {
				client := webhook.NewClient(webhook.Options{
					URL:         cfg.Webhook.URL,
					HealthURL:   cfg.Webhook.HealthURL,
					BearerToken: cfg.Webhook.BearerToken,
					Timeout:     time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
				}, logger)
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				err := client.Health(ctx)
				cancel()
				if err != nil {
					printWarn("Webhook reachability", err.Error())
					warned++
				} else {
					printPass("Webhook reachability", "endpoint responded")
					passed++
				}
			}

			// 5. Destinations
			if n := len(cfg.DestinationList()); n == 0 {
				printWarn("Destinations", "none configured; forwards go to the webhook only")
				warned++
			} else {
				printPass("Destinations", fmt.Sprintf("%d chat(s)", n))
				passed++
			}

			// 6. State directory writable
			stateDir := config.ExpandPath(cfg.General.StateDir)
			if err := checkStateDir(stateDir); err != nil {
				printFail("State directory", err.Error())
				failed++
			} else {
				printPass("State directory", stateDir)
				passed++

				// 7. State files load
				if err := checkStateFiles(stateDir); err != nil {
					printFail("State files", err.Error())
					failed++
				} else {
					printPass("State files", "readable")
					passed++
				}
			}

			// 8. Rule table
			rules, err := relay.LoadRuleset(cfg.Pipeline.RulesFile, logger)
			if err != nil {
				printFail("Rules", err.Error())
				failed++
			} else {
				detail := fmt.Sprintf("built-in defaults (%d banned, %d labels)", len(rules.Banned), len(rules.Labels))
				if cfg.Pipeline.RulesFile != "" {
					detail = fmt.Sprintf("%s (%d banned, %d labels)", cfg.Pipeline.RulesFile, len(rules.Banned), len(rules.Labels))
				}
				printPass("Rules", detail)
				passed++
			}

			// 9. Ingest port
			if cfg.Ingest.Enabled {
				if err := checkPort(cfg.Ingest.Host, cfg.Ingest.Port); err != nil {
					printWarn("Ingest port", fmt.Sprintf("%s:%d may be in use: %v", cfg.Ingest.Host, cfg.Ingest.Port, err))
					warned++
				} else {
					printPass("Ingest port", fmt.Sprintf("%s:%d available", cfg.Ingest.Host, cfg.Ingest.Port))
					passed++
				}
			}

			// 10. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running the relay.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nThe relay should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! The relay is ready to run.\n")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&ping, "ping", false, "also probe the webhook endpoint")
	return cmd
}

func checkStateDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create: %w", err)
	}
	probe := filepath.Join(dir, ".doctor")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	os.Remove(probe)
	return nil
}

func checkStateFiles(dir string) error {
	flag, err := state.NewFlagStore(dir, logger)
	if err != nil {
		return fmt.Errorf("forwarding flag: %w", err)
	}
	_ = flag.Enabled()
	approvals, err := state.NewApprovalStore(dir, logger)
	if err != nil {
		return fmt.Errorf("approvals: %w", err)
	}
	_ = approvals.Len()
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

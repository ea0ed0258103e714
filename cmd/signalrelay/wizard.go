package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"signalrelay/internal/config"

	"github.com/spf13/cobra"
)

var payloadModes = []struct {
	ID   string
	Desc string
}{
	{"json", `JSON body, {"text": "..."}`},
	{"form", "URL-encoded form body"},
	{"text", "raw text body"},
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: bot token → chats → webhook → save config",
		Long:  "Guides you through the Telegram bot token, watched and destination chats, and the webhook endpoint. Writes config to the path used by --config or default.",
		RunE:  runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" && def != "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Bot token
	fmt.Println("\n--- Step 1: Telegram bot ---")
	fmt.Fprint(os.Stdout, "Bot token (from @BotFather; ${TELEGRAM_BOT_TOKEN} reads the env var)")
	tok, err := prompt(cfg.Telegram.Token)
	if err != nil {
		return err
	}
	if tok != "" {
		cfg.Telegram.Token = tok
		cfg.Telegram.Enabled = true
	}

	// Step 2: Watched chats
	fmt.Println("\n--- Step 2: Watched chats ---")
	fmt.Fprint(os.Stdout, "Source chat ids, comma separated (empty = every chat the bot is in)")
	chats, err := prompt(strings.Join(cfg.Telegram.SourceChats, ","))
	if err != nil {
		return err
	}
	cfg.Telegram.SourceChats = splitList(chats)

	fwdDef := "n"
	if cfg.Telegram.RequireForwarded {
		fwdDef = "y"
	}
	fmt.Fprint(os.Stdout, "Only react to forwarded messages? (y/n)")
	fwd, err := prompt(fwdDef)
	if err != nil {
		return err
	}
	cfg.Telegram.RequireForwarded = strings.EqualFold(fwd, "y") || strings.EqualFold(fwd, "yes")

	// Step 3: Destinations
	fmt.Println("\n--- Step 3: Destinations ---")
	cur := make([]string, 0, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		cur = append(cur, d.ChatID)
	}
	fmt.Fprint(os.Stdout, "Destination chat ids, comma separated (forwards are mirrored there)")
	dests, err := prompt(strings.Join(cur, ","))
	if err != nil {
		return err
	}
	cfg.Destinations = cfg.Destinations[:0]
	for _, id := range splitList(dests) {
		cfg.Destinations = append(cfg.Destinations, config.DestinationSpec{ChatID: id})
	}

	fmt.Fprint(os.Stdout, "Approval chat id (empty = first destination)")
	appr, err := prompt(cfg.Approval.ChatID)
	if err != nil {
		return err
	}
	cfg.Approval.ChatID = appr

	// Step 4: Webhook
	fmt.Println("\n--- Step 4: Webhook ---")
	fmt.Fprint(os.Stdout, "Webhook URL (classified signals are POSTed there)")
	url, err := prompt(cfg.Webhook.URL)
	if err != nil {
		return err
	}
	cfg.Webhook.URL = url
	if url == config.PlaceholderWebhookURL {
		fmt.Println("  Note: still the placeholder; deliveries will fail until you change it.")
	}

	for i, m := range payloadModes {
		fmt.Fprintf(os.Stdout, "  %d) %s: %s\n", i+1, m.ID, m.Desc)
	}
	fmt.Fprint(os.Stdout, "Choose payload mode (1-"+fmt.Sprint(len(payloadModes))+")")
	defNum := "1"
	for i, m := range payloadModes {
		if m.ID == cfg.Webhook.Mode {
			defNum = fmt.Sprint(i + 1)
			break
		}
	}
	choice, err := prompt(defNum)
	if err != nil {
		return err
	}
	var idx int
	if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(payloadModes) {
		idx = 1
	}
	cfg.Webhook.Mode = payloadModes[idx-1].ID
	fmt.Fprintf(os.Stdout, "  Using payload mode: %s\n", cfg.Webhook.Mode)

	// Save
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: run 'signalrelay doctor' to verify, then 'signalrelay run'.")
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

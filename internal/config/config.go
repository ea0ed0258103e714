package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"signalrelay/internal/domain"
)

// Config is the root configuration for the signal relay.
type Config struct {
	General      GeneralConfig     `json:"general"`
	Telegram     TelegramConfig    `json:"telegram"`
	Webhook      WebhookConfig     `json:"webhook"`
	Destinations []DestinationSpec `json:"destinations"`
	Approval     ApprovalConfig    `json:"approval"`
	Pipeline     PipelineConfig    `json:"pipeline"`
	Ingest       IngestConfig      `json:"ingest"`
	Metrics      MetricsConfig     `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel      string `json:"logLevel"`
	LogFile       string `json:"logFile,omitempty"` // optional rotating log file
	LogMaxSizeMB  int    `json:"logMaxSizeMb,omitempty"`
	LogMaxBackups int    `json:"logMaxBackups,omitempty"`
	LogMaxAgeDays int    `json:"logMaxAgeDays,omitempty"`
	StateDir      string `json:"stateDir"`
}

type TelegramConfig struct {
	Enabled            bool           `json:"enabled"`
	Token              string         `json:"token"`
	SourceChats        FlexStringList `json:"sourceChats"`           // chats watched for signals; empty = all
	SourceTopics       FlexStringList `json:"sourceTopics,omitempty"` // "chatId:threadId" pairs; empty = all threads
	RequireForwarded   bool           `json:"requireForwarded"`
	AdminIDs           FlexStringList `json:"adminIds,omitempty"`
	ApproverIDs        FlexStringList `json:"approverIds,omitempty"` // empty = any admin may approve
	PollTimeoutSeconds int            `json:"pollTimeoutSeconds"`
}

type WebhookConfig struct {
	URL             string `json:"url"`
	Mode            string `json:"mode"` // json | form | text
	PayloadKey      string `json:"payloadKey"`
	IncludeMeta     bool   `json:"includeMeta"`
	SharedSecret    string `json:"sharedSecret,omitempty"`
	SignatureHeader string `json:"signatureHeader"`
	BearerToken     string `json:"bearerToken,omitempty"`
	AllowInsecure   bool   `json:"allowInsecure"`
	HealthURL       string `json:"healthUrl,omitempty"` // defaults to url
	TimeoutSeconds  int    `json:"timeoutSeconds"`
}

// DestinationSpec is a fan-out target as written in the config file.
// Chat ids are strings so env expansion and positive channel ids both work.
type DestinationSpec struct {
	ChatID   string `json:"chatId"`
	ThreadID int    `json:"threadId,omitempty"`
}

type ApprovalConfig struct {
	ChatID   string `json:"chatId,omitempty"` // defaults to the first destination
	ThreadID int    `json:"threadId,omitempty"`
}

type PipelineConfig struct {
	IncludeScriptLine bool   `json:"includeScriptLine"`
	StatusPrecedence  string `json:"statusPrecedence"` // status-first | trade-first
	RulesFile         string `json:"rulesFile,omitempty"`
}

type IngestConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Token   string `json:"token,omitempty"` // Bearer token for POST /ingest
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// PlaceholderWebhookURL is the default url written by `init`; the relay
// warns while it is still in place.
const PlaceholderWebhookURL = "https://example.invalid/webhook"

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.signalrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".signalrelay"
	}
	return filepath.Join(home, ".signalrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	// A .env next to the config file (or in the working directory) supplies
	// values for ${VAR} expansion without exporting them globally.
	// Already-set environment variables win.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.StateDir = ExpandPath(cfg.General.StateDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Pipeline.RulesFile = ExpandPath(cfg.Pipeline.RulesFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// The file carries the bot token and webhook secret.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.StateDir == "" {
		errs = append(errs, "general.stateDir must not be empty")
	}

	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" || strings.Contains(cfg.Telegram.Token, "${") {
			errs = append(errs, "telegram.token is required when telegram is enabled (set BOT_TOKEN or edit the config)")
		}
	}
	if cfg.Telegram.PollTimeoutSeconds < 1 || cfg.Telegram.PollTimeoutSeconds > 120 {
		errs = append(errs, "telegram.pollTimeoutSeconds must be between 1 and 120")
	}
	for _, raw := range cfg.Telegram.SourceChats {
		if _, err := ParseChatID(raw); err != nil {
			errs = append(errs, fmt.Sprintf("telegram.sourceChats: %v", err))
		}
	}
	for _, raw := range cfg.Telegram.SourceTopics {
		if _, err := ParseTopicRef(raw); err != nil {
			errs = append(errs, fmt.Sprintf("telegram.sourceTopics: %v", err))
		}
	}

	switch cfg.Webhook.Mode {
	case "json", "form", "text":
		// valid
	default:
		errs = append(errs, "webhook.mode must be one of: json, form, text")
	}
	if cfg.Webhook.PayloadKey == "" {
		errs = append(errs, "webhook.payloadKey must not be empty")
	}
	if cfg.Webhook.URL == "" {
		errs = append(errs, "webhook.url must not be empty")
	} else if err := checkWebhookURL(cfg.Webhook.URL, cfg.Webhook.AllowInsecure); err != nil {
		errs = append(errs, fmt.Sprintf("webhook.url: %v", err))
	}
	if cfg.Webhook.HealthURL != "" {
		if err := checkWebhookURL(cfg.Webhook.HealthURL, cfg.Webhook.AllowInsecure); err != nil {
			errs = append(errs, fmt.Sprintf("webhook.healthUrl: %v", err))
		}
	}
	if cfg.Webhook.SharedSecret != "" && cfg.Webhook.SignatureHeader == "" {
		errs = append(errs, "webhook.signatureHeader must not be empty when a shared secret is set")
	}
	if cfg.Webhook.TimeoutSeconds < 1 || cfg.Webhook.TimeoutSeconds > 120 {
		errs = append(errs, "webhook.timeoutSeconds must be between 1 and 120")
	}

	if len(cfg.Destinations) > 3 {
		errs = append(errs, "destinations: at most 3 fan-out targets are supported")
	}
	for i, d := range cfg.Destinations {
		if _, err := ParseChatID(d.ChatID); err != nil {
			errs = append(errs, fmt.Sprintf("destinations[%d].chatId: %v", i, err))
		}
	}
	if cfg.Approval.ChatID != "" {
		if _, err := ParseChatID(cfg.Approval.ChatID); err != nil {
			errs = append(errs, fmt.Sprintf("approval.chatId: %v", err))
		}
	}

	switch cfg.Pipeline.StatusPrecedence {
	case "", "status-first", "trade-first":
		// valid
	default:
		errs = append(errs, "pipeline.statusPrecedence must be one of: status-first, trade-first")
	}

	if cfg.Ingest.Port < 0 || cfg.Ingest.Port > 65535 {
		errs = append(errs, "ingest.port must be between 0 and 65535")
	}
	if cfg.Ingest.Enabled && cfg.Ingest.Token == "" {
		errs = append(errs, "ingest.token is required when the ingest endpoint is enabled")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func checkWebhookURL(raw string, allowInsecure bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if allowInsecure {
			return nil
		}
		return fmt.Errorf("plain http is refused unless webhook.allowInsecure is set")
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// ParseChatID parses a Telegram chat id. Positive ids are treated as bare
// channel ids and get the Bot API -100 prefix; negative ids pass through.
func ParseChatID(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty chat id")
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chat id %q is not numeric", raw)
	}
	if id > 0 {
		id, err = strconv.ParseInt("-100"+strconv.FormatInt(id, 10), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("chat id %q out of range", raw)
		}
	}
	return id, nil
}

// TopicRef identifies one topic thread inside a chat.
type TopicRef struct {
	ChatID   int64
	ThreadID int
}

// ParseTopicRef parses a "chatId:threadId" pair.
func ParseTopicRef(raw string) (TopicRef, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
	if len(parts) != 2 {
		return TopicRef{}, fmt.Errorf("topic %q must be chatId:threadId", raw)
	}
	chat, err := ParseChatID(parts[0])
	if err != nil {
		return TopicRef{}, err
	}
	thread, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || thread < 0 {
		return TopicRef{}, fmt.Errorf("topic %q has an invalid thread id", raw)
	}
	return TopicRef{ChatID: chat, ThreadID: thread}, nil
}

// SourceChatIDs returns the parsed source chat allow-list.
// Call after Validate; unparseable entries are skipped.
func (t TelegramConfig) SourceChatIDs() []int64 {
	return parseIDList(t.SourceChats)
}

// Topics returns the parsed topic allow-list.
func (t TelegramConfig) Topics() []TopicRef {
	out := make([]TopicRef, 0, len(t.SourceTopics))
	for _, raw := range t.SourceTopics {
		ref, err := ParseTopicRef(raw)
		if err != nil {
			continue
		}
		out = append(out, ref)
	}
	return out
}

// AdminIDList returns the numeric admin user ids.
func (t TelegramConfig) AdminIDList() []int64 {
	return parseUserIDList(t.AdminIDs)
}

// ApproverIDList returns the numeric approver user ids.
// Empty means any admin may approve.
func (t TelegramConfig) ApproverIDList() []int64 {
	return parseUserIDList(t.ApproverIDs)
}

// DestinationList returns the parsed fan-out targets, skipping invalid ones.
func (c *Config) DestinationList() []domain.Destination {
	out := make([]domain.Destination, 0, len(c.Destinations))
	for _, d := range c.Destinations {
		id, err := ParseChatID(d.ChatID)
		if err != nil {
			continue
		}
		out = append(out, domain.Destination{ChatID: id, ThreadID: d.ThreadID})
	}
	return out
}

// ApprovalDestination returns the approval chat, or a zero Destination when unset.
func (c *Config) ApprovalDestination() domain.Destination {
	if c.Approval.ChatID == "" {
		return domain.Destination{}
	}
	id, err := ParseChatID(c.Approval.ChatID)
	if err != nil {
		return domain.Destination{}
	}
	return domain.Destination{ChatID: id, ThreadID: c.Approval.ThreadID}
}

func parseIDList(list FlexStringList) []int64 {
	out := make([]int64, 0, len(list))
	for _, raw := range list {
		id, err := ParseChatID(raw)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// parseUserIDList parses user ids, which never get the -100 chat prefix.
func parseUserIDList(list FlexStringList) []int64 {
	out := make([]int64, 0, len(list))
	for _, raw := range list {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

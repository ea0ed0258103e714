package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:      "info",
			LogMaxSizeMB:  10,
			LogMaxBackups: 3,
			LogMaxAgeDays: 28,
			StateDir:      "~/.signalrelay/state",
		},
		Telegram: TelegramConfig{
			Enabled:            false,
			RequireForwarded:   false,
			PollTimeoutSeconds: 30,
		},
		Webhook: WebhookConfig{
			URL:             PlaceholderWebhookURL,
			Mode:            "json",
			PayloadKey:      "text",
			IncludeMeta:     false,
			SignatureHeader: "X-Webhook-Signature",
			AllowInsecure:   false,
			TimeoutSeconds:  10,
		},
		Approval: ApprovalConfig{},
		Pipeline: PipelineConfig{
			IncludeScriptLine: true,
			StatusPrecedence:  "status-first",
		},
		Ingest: IngestConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8090,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}

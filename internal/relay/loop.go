package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"signalrelay/internal/domain"
	"signalrelay/internal/metrics"
	"signalrelay/internal/state"
	"signalrelay/internal/webhook"
)

const defaultChannelName = "telegram"

// Pipeline is the pure transformation chain: sanitize, parse, classify,
// format, build payload. No state, no network; safe to run offline.
type Pipeline struct {
	sanitizer   *Sanitizer
	parser      *TradeParser
	classifier  *Classifier
	formatter   *Formatter
	payloadOpts webhook.PayloadOptions
}

// ProcessResult is the outcome of one pipeline pass.
type ProcessResult struct {
	Cleaned   string
	Trade     domain.TradeInfo
	Verdict   Verdict
	Formatted string
	Payload   *webhook.Payload
}

// PipelineConfig tunes the pure pipeline.
type PipelineConfig struct {
	Rules             *Ruleset
	IncludeScriptLine bool
	StatusPrecedence  string
	PayloadOpts       webhook.PayloadOptions
}

func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Rules == nil {
		cfg.Rules = DefaultRuleset()
	}
	sanitizer, err := NewSanitizer(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("sanitizer rules: %w", err)
	}
	parser, err := NewTradeParser(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("parser rules: %w", err)
	}
	return &Pipeline{
		sanitizer:   sanitizer,
		parser:      parser,
		classifier:  NewClassifier(cfg.Rules, cfg.StatusPrecedence),
		formatter:   NewFormatter(cfg.IncludeScriptLine),
		payloadOpts: cfg.PayloadOpts,
	}, nil
}

// Process runs one text through the chain. An empty Cleaned field means the
// message was nothing but noise; the other fields are zero then.
func (p *Pipeline) Process(text, meta string) (ProcessResult, error) {
	res := ProcessResult{Cleaned: p.sanitizer.Clean(text)}
	if res.Cleaned == "" {
		return res, nil
	}
	res.Trade = p.parser.Parse(res.Cleaned)
	res.Verdict = p.classifier.Classify(res.Cleaned, res.Trade)
	res.Formatted = p.formatter.Format(res.Cleaned, res.Trade, res.Verdict)
	payload, err := webhook.BuildPayload(res.Formatted, meta, p.payloadOpts)
	if err != nil {
		return res, fmt.Errorf("build payload: %w", err)
	}
	res.Payload = payload
	return res, nil
}

// Engine is the relay core: one goroutine consuming the ordered event
// stream, handling each event to completion before the next.
type Engine struct {
	pipeline     *Pipeline
	dispatcher   *Dispatcher
	flag         *state.FlagStore
	approvals    *state.ApprovalStore
	bus          domain.MessageBus
	relayMetrics *metrics.RelaySet
	logger       *slog.Logger

	channelName  string
	approvalDest domain.Destination
	stats        Stats
}

// EngineConfig holds the engine's dependencies and tuning.
type EngineConfig struct {
	Rules     *Ruleset
	Bus       domain.MessageBus
	Webhook   *webhook.Client
	Flag      *state.FlagStore
	Approvals *state.ApprovalStore
	Metrics   *metrics.RelaySet
	Logger    *slog.Logger

	ChannelName       string // outbound channel name, default "telegram"
	Destinations      []domain.Destination
	ApprovalChat      domain.Destination
	PayloadOpts       webhook.PayloadOptions
	IncludeScriptLine bool
	StatusPrecedence  string
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewRelaySet(metrics.New())
	}
	if cfg.ChannelName == "" {
		cfg.ChannelName = defaultChannelName
	}
	if cfg.ApprovalChat.Zero() && len(cfg.Destinations) > 0 {
		cfg.ApprovalChat = cfg.Destinations[0]
	}

	pipeline, err := NewPipeline(PipelineConfig{
		Rules:             cfg.Rules,
		IncludeScriptLine: cfg.IncludeScriptLine,
		StatusPrecedence:  cfg.StatusPrecedence,
		PayloadOpts:       cfg.PayloadOpts,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		pipeline:     pipeline,
		dispatcher:   NewDispatcher(cfg.Webhook, cfg.Bus, cfg.ChannelName, cfg.Destinations, cfg.Metrics, cfg.Logger),
		flag:         cfg.Flag,
		approvals:    cfg.Approvals,
		bus:          cfg.Bus,
		relayMetrics: cfg.Metrics,
		logger:       cfg.Logger,
		channelName:  cfg.ChannelName,
		approvalDest: cfg.ApprovalChat,
		stats:        Stats{StartedAt: time.Now()},
	}
	if e.approvals != nil {
		e.relayMetrics.PendingApprovals.Set(int64(e.approvals.Len()))
	}
	return e, nil
}

// Run consumes events until the context ends or the bus closes.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("relay engine started",
		"destinations", len(e.dispatcher.destinations),
		"approvalChat", e.approvalDest.ChatID,
	)

	events := e.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("relay engine stopping")
			return
		case ev, ok := <-events:
			if !ok {
				e.logger.Info("event stream closed, relay engine stopping")
				return
			}
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev domain.Event) {
	switch ev.Kind {
	case domain.EventMessage:
		if ev.Message != nil {
			e.handleMessage(ctx, *ev.Message)
		}
	case domain.EventDecision:
		if ev.Decision != nil {
			e.handleDecision(ctx, *ev.Decision)
		}
	case domain.EventCommand:
		if ev.Command != nil {
			e.handleCommand(ctx, *ev.Command)
		}
	}
}

// ForwardingEnabled reads the persisted flag. Never cached: a CLI toggle in
// another process takes effect on the next message.
func (e *Engine) ForwardingEnabled() bool { return e.flag.Enabled() }

func (e *Engine) SetForwarding(enabled bool) error { return e.flag.Set(enabled) }

// Stats returns a snapshot of the engine counters. Only meaningful from the
// engine goroutine or after Run has returned.
func (e *Engine) Stats() Stats { return e.stats }

// ProcessText runs the pure pipeline over one text with no delivery and no
// state changes.
func (e *Engine) ProcessText(text string) (ProcessResult, error) {
	return e.pipeline.Process(text, "")
}

func (e *Engine) handleMessage(ctx context.Context, msg domain.RawMessage) {
	e.stats.Received++
	e.relayMetrics.Received.Inc()

	if !e.ForwardingEnabled() {
		e.logger.Info("forwarding disabled, ignoring message", "chat", msg.ChatID, "message", msg.MessageID)
		e.ignore()
		return
	}

	meta := ""
	if msg.ForwardedFrom != "" {
		meta = "forwarded_from: " + msg.ForwardedFrom
	}

	res, err := e.pipeline.Process(msg.Text, meta)
	if err != nil {
		e.logger.Error("pipeline failed", "chat", msg.ChatID, "message", msg.MessageID, "error", err)
		e.ignore()
		return
	}
	if res.Cleaned == "" {
		e.logger.Info("message empty after cleaning, ignoring", "chat", msg.ChatID, "message", msg.MessageID)
		e.ignore()
		return
	}

	e.logger.Info("message classified",
		"chat", msg.ChatID,
		"message", msg.MessageID,
		"verdict", string(res.Verdict),
		"script", res.Trade.Script,
	)

	switch res.Verdict {
	case VerdictStatus, VerdictTrade:
		if err := e.deliver(ctx, res.Payload, res.Formatted); err != nil {
			e.logger.Warn("auto-forward failed, falling back to approval",
				"chat", msg.ChatID, "message", msg.MessageID, "error", err)
			e.requestApproval(msg, res, meta)
			return
		}
		e.stats.Forwarded++
		e.relayMetrics.Forwarded.Inc()
	default:
		e.requestApproval(msg, res, meta)
	}
}

// deliver wraps the dispatcher so every failed webhook call lands in the
// engine counters exactly once.
func (e *Engine) deliver(ctx context.Context, p *webhook.Payload, formatted string) error {
	if err := e.dispatcher.Deliver(ctx, p, formatted); err != nil {
		e.stats.WebhookErrors++
		return err
	}
	return nil
}

func (e *Engine) ignore() {
	e.stats.Ignored++
	e.relayMetrics.Ignored.Inc()
}

func (e *Engine) requestApproval(msg domain.RawMessage, res ProcessResult, meta string) {
	key := DeriveKey(msg.ChatID, msg.MessageID, res.Formatted)

	if e.approvals.WasResolved(key) {
		e.logger.Info("key already resolved, ignoring duplicate message", "key", key)
		e.ignore()
		return
	}
	if _, exists := e.approvals.Get(key); exists {
		e.logger.Info("approval already pending", "key", key)
		return
	}

	rec := state.PendingApproval{
		Key:           key,
		Text:          res.Formatted,
		Cleaned:       res.Cleaned,
		Meta:          meta,
		Trade:         res.Trade,
		SourceChat:    msg.ChatID,
		SourceMessage: msg.MessageID,
	}
	if err := e.approvals.Put(rec); err != nil {
		e.logger.Error("cannot persist pending approval", "key", key, "error", err)
		return
	}

	dest := e.approvalDest
	if dest.Zero() && msg.ChatID != 0 {
		// No approval chat configured: ask where the message came from.
		dest = domain.Destination{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	}
	if dest.Zero() {
		e.logger.Warn("no approval chat available, pending record waits in store", "key", key)
	} else {
		e.bus.SendOutbound(domain.OutboundMessage{
			Channel:     e.channelName,
			ChatID:      dest.ChatID,
			ThreadID:    dest.ThreadID,
			Content:     BuildApprovalPreview(res.Formatted),
			Format:      "HTML",
			ApprovalKey: key,
		})
	}

	e.stats.ApprovalsRequested++
	e.relayMetrics.ApprovalsRequested.Inc()
	e.relayMetrics.PendingApprovals.Set(int64(e.approvals.Len()))
	e.logger.Info("approval requested", "key", key, "chat", dest.ChatID)
}

func (e *Engine) handleDecision(ctx context.Context, dec domain.Decision) {
	e.logger.Info("decision received", "action", string(dec.Action), "key", dec.Key, "from", dec.From)

	if e.approvals.WasResolved(dec.Key) {
		e.answer(dec, alreadyProcessed, false)
		e.stripKeyboard(dec)
		return
	}

	rec, found := e.approvals.Get(dec.Key)
	if !found {
		e.handleUnknownDecision(ctx, dec)
		return
	}

	switch dec.Action {
	case domain.DecisionAllow:
		payload, err := webhook.BuildPayload(rec.Text, rec.Meta, e.pipeline.payloadOpts)
		if err != nil {
			e.logger.Error("payload build failed", "key", dec.Key, "error", err)
			e.answer(dec, "Webhook failed. Check logs.", true)
			return
		}
		if err := e.deliver(ctx, payload, rec.Text); err != nil {
			// The record stays so the buttons keep working for a retry.
			var se *webhook.StatusError
			if errors.As(err, &se) {
				e.answer(dec, "Webhook rejected payload.", true)
				e.editMessage(dec, fmt.Sprintf("⚠️ Webhook error %d: %s", se.Code, truncateRunes(se.Body, 200)), "", true)
			} else {
				e.answer(dec, "Webhook failed. Check logs.", true)
			}
			return
		}
		e.resolve(dec.Key, "approved")
		e.stats.Forwarded++
		e.relayMetrics.Forwarded.Inc()
		e.stats.ApprovalsApproved++
		e.relayMetrics.ApprovalsApproved.Inc()
		e.answer(dec, "Forwarded to webhook.", false)
		e.editMessage(dec, buildForwardedConfirmation(rec.Text), "HTML", false)

	case domain.DecisionDeny:
		e.resolve(dec.Key, "denied")
		e.stats.ApprovalsDenied++
		e.relayMetrics.ApprovalsDenied.Inc()
		e.answer(dec, "Forward denied.", false)
		e.editMessage(dec, confirmDenied, "", false)

	default:
		e.logger.Warn("unknown decision action", "action", string(dec.Action), "key", dec.Key)
		e.answer(dec, "", false)
	}
}

// handleUnknownDecision covers keys with no pending record: reconstruct the
// text from the approval message when possible, otherwise acknowledge as a
// no-op. Never re-delivers a key the tombstones know about; that is checked
// before this runs.
func (e *Engine) handleUnknownDecision(ctx context.Context, dec domain.Decision) {
	formatted := ReconstructFromPreview(dec.MessageText)
	if formatted == "" {
		e.logger.Info("no pending record and nothing to reconstruct", "key", dec.Key)
		e.answer(dec, alreadyProcessed, false)
		e.stripKeyboard(dec)
		return
	}

	e.logger.Info("pending record missing, reconstructed from approval message", "key", dec.Key)

	if dec.Action == domain.DecisionDeny {
		e.resolve(dec.Key, "denied")
		e.stats.ApprovalsDenied++
		e.relayMetrics.ApprovalsDenied.Inc()
		e.answer(dec, "Forward denied.", false)
		e.editMessage(dec, confirmDenied, "", false)
		return
	}

	payload, err := webhook.BuildPayload(formatted, "", e.pipeline.payloadOpts)
	if err != nil {
		e.logger.Error("payload build failed", "key", dec.Key, "error", err)
		e.answer(dec, "Webhook failed. Check logs.", true)
		return
	}
	if err := e.deliver(ctx, payload, formatted); err != nil {
		// Leave the message untouched so the preview stays reconstructable.
		var se *webhook.StatusError
		if errors.As(err, &se) {
			e.answer(dec, "Webhook rejected payload.", true)
		} else {
			e.answer(dec, "Webhook failed. Check logs.", true)
		}
		return
	}
	e.resolve(dec.Key, "approved")
	e.stats.Forwarded++
	e.relayMetrics.Forwarded.Inc()
	e.stats.ApprovalsApproved++
	e.relayMetrics.ApprovalsApproved.Inc()
	e.answer(dec, "Forwarded to webhook.", false)
	e.editMessage(dec, buildForwardedConfirmation(formatted), "HTML", false)
}

func (e *Engine) handleCommand(ctx context.Context, cmd domain.Command) {
	cc := &ChatCommand{Name: cmd.Name, Raw: "/" + cmd.Name}
	if cmd.Args != "" {
		cc.Args = strings.Fields(cmd.Args)
		cc.Raw += " " + cmd.Args
	}

	result := e.HandleCommand(ctx, cc)
	if !result.Handled || result.Response == "" || cmd.ChatID == 0 {
		return
	}
	e.bus.SendOutbound(domain.OutboundMessage{
		Channel:  e.channelName,
		ChatID:   cmd.ChatID,
		ThreadID: cmd.ThreadID,
		Content:  result.Response,
	})
}

func (e *Engine) resolve(key, outcome string) {
	if err := e.approvals.Resolve(key, outcome); err != nil {
		e.logger.Error("cannot persist resolution", "key", key, "outcome", outcome, "error", err)
	}
	e.relayMetrics.PendingApprovals.Set(int64(e.approvals.Len()))
}

func (e *Engine) answer(dec domain.Decision, text string, alert bool) {
	if dec.CallbackID == "" {
		return
	}
	e.bus.SendOutbound(domain.OutboundMessage{
		Channel:       e.channelName,
		CallbackID:    dec.CallbackID,
		Content:       text,
		CallbackAlert: alert,
	})
}

func (e *Engine) editMessage(dec domain.Decision, text, format string, keepButtons bool) {
	if dec.ChatID == 0 || dec.MessageID == 0 {
		return
	}
	out := domain.OutboundMessage{
		Channel:       e.channelName,
		ChatID:        dec.ChatID,
		Content:       text,
		Format:        format,
		EditMessageID: dec.MessageID,
	}
	if keepButtons {
		out.ApprovalKey = dec.Key
	}
	e.bus.SendOutbound(out)
}

func (e *Engine) stripKeyboard(dec domain.Decision) {
	if dec.ChatID == 0 || dec.MessageID == 0 {
		return
	}
	e.bus.SendOutbound(domain.OutboundMessage{
		Channel:       e.channelName,
		ChatID:        dec.ChatID,
		EditMessageID: dec.MessageID,
		ClearKeyboard: true,
	})
}

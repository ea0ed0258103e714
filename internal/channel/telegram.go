package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"signalrelay/internal/domain"
	"signalrelay/internal/relay"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramPollBackoff    = 3 * time.Second
)

// Telegram watches the configured source chats for signals and carries the
// approval conversation. The bundled update types stop at Bot API 5.5, so
// polling goes through MakeRequest with our own structs to reach topic
// threads and forward metadata.
type Telegram struct {
	token            string
	sourceChats      map[int64]struct{}         // empty = watch all chats
	sourceTopics     map[int64]map[int]struct{} // chat -> allowed thread ids
	admins           map[int64]struct{}         // empty = allow all
	approvers        map[int64]struct{}         // empty = admins decide
	requireForwarded bool
	pollTimeout      int

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramOptions struct {
	Token            string
	SourceChats      []int64
	SourceTopics     []TopicFilter
	AdminIDs         []int64
	ApproverIDs      []int64
	RequireForwarded bool
	PollTimeout      int // getUpdates long-poll seconds
	Logger           *slog.Logger
}

// TopicFilter narrows one source chat to a single topic thread.
type TopicFilter struct {
	ChatID   int64
	ThreadID int
}

func NewTelegram(opts TelegramOptions) *Telegram {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	t := &Telegram{
		token:            opts.Token,
		sourceChats:      make(map[int64]struct{}, len(opts.SourceChats)),
		sourceTopics:     make(map[int64]map[int]struct{}),
		admins:           make(map[int64]struct{}, len(opts.AdminIDs)),
		approvers:        make(map[int64]struct{}, len(opts.ApproverIDs)),
		requireForwarded: opts.RequireForwarded,
		pollTimeout:      opts.PollTimeout,
		logger:           opts.Logger,
	}
	for _, id := range opts.SourceChats {
		t.sourceChats[id] = struct{}{}
	}
	for _, topic := range opts.SourceTopics {
		threads, ok := t.sourceTopics[topic.ChatID]
		if !ok {
			threads = make(map[int]struct{})
			t.sourceTopics[topic.ChatID] = threads
		}
		threads[topic.ThreadID] = struct{}{}
	}
	for _, id := range opts.AdminIDs {
		t.admins[id] = struct{}{}
	}
	for _, id := range opts.ApproverIDs {
		t.approvers[id] = struct{}{}
	}
	return t
}

func (t *Telegram) Name() string { return "telegram" }

// Wire types for the raw Bot API. Only the fields the relay reads.
type tgUpdate struct {
	UpdateID    int64       `json:"update_id"`
	Message     *tgMessage  `json:"message"`
	ChannelPost *tgMessage  `json:"channel_post"`
	Callback    *tgCallback `json:"callback_query"`
}

type tgMessage struct {
	MessageID int     `json:"message_id"`
	From      *tgUser `json:"from"`
	Chat      tgChat  `json:"chat"`
	Date      int64   `json:"date"`
	ThreadID  int     `json:"message_thread_id"`
	Text      string  `json:"text"`
	Caption   string  `json:"caption"`

	ForwardFrom       *tgUser `json:"forward_from"`
	ForwardFromChat   *tgChat `json:"forward_from_chat"`
	ForwardSenderName string  `json:"forward_sender_name"`
	ForwardDate       int64   `json:"forward_date"`
}

type tgUser struct {
	ID       int64  `json:"id"`
	UserName string `json:"username"`
}

type tgChat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	UserName string `json:"username"`
}

type tgCallback struct {
	ID      string     `json:"id"`
	From    tgUser     `json:"from"`
	Message *tgMessage `json:"message"`
	Data    string     `json:"data"`
}

// Start connects to Telegram and polls for updates until the context ends.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	bus.OnOutbound("telegram", t.handleOutbound)

	updates := make(chan []tgUpdate)
	go t.pollLoop(ctx, updates)

	t.logger.Info("telegram polling started",
		"sourceChats", len(t.sourceChats),
		"requireForwarded", t.requireForwarded,
	)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			return nil
		case batch, ok := <-updates:
			if !ok {
				return nil
			}
			for i := range batch {
				t.handleUpdate(&batch[i])
			}
		}
	}
}

// Stop is a no-op; the poll loop stops with Start's context.
func (t *Telegram) Stop() error { return nil }

// pollLoop fetches update batches and hands them to Start. It owns the
// getUpdates offset; the final in-flight poll finishes after cancellation.
func (t *Telegram) pollLoop(ctx context.Context, out chan<- []tgUpdate) {
	defer close(out)

	var offset int64
	for ctx.Err() == nil {
		params := tgbotapi.Params{}
		params.AddNonZero("timeout", t.pollTimeout)
		params.AddNonZero64("offset", offset)
		_ = params.AddInterface("allowed_updates", []string{"message", "channel_post", "callback_query"})

		resp, err := t.bot.MakeRequest("getUpdates", params)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("telegram poll failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(telegramPollBackoff):
			}
			continue
		}

		var batch []tgUpdate
		if err := json.Unmarshal(resp.Result, &batch); err != nil {
			t.logger.Error("cannot decode telegram updates", "error", err)
			continue
		}
		for _, u := range batch {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
		}
		if len(batch) == 0 {
			continue
		}

		select {
		case out <- batch:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Telegram) handleUpdate(u *tgUpdate) {
	switch {
	case u.Callback != nil:
		t.handleCallback(u.Callback)
	case u.Message != nil:
		t.handleMessage(u.Message)
	case u.ChannelPost != nil:
		t.handleMessage(u.ChannelPost)
	}
}

func (t *Telegram) handleMessage(m *tgMessage) {
	text := m.Text
	if text == "" {
		text = m.Caption
	}

	var sender int64
	if m.From != nil {
		sender = m.From.ID
	}

	if strings.HasPrefix(strings.TrimSpace(text), "/") {
		t.handleCommandMessage(m, text, sender)
		return
	}

	if !t.watchesChat(m.Chat.ID) {
		t.logger.Debug("message from unwatched chat", "chat", m.Chat.ID)
		return
	}
	if !t.watchesTopic(m.Chat.ID, m.ThreadID) {
		t.logger.Debug("message from unwatched topic", "chat", m.Chat.ID, "thread", m.ThreadID)
		return
	}

	forwarded := m.ForwardDate != 0 || m.ForwardFrom != nil ||
		m.ForwardFromChat != nil || m.ForwardSenderName != ""
	if t.requireForwarded && !forwarded {
		t.logger.Debug("skipping non-forwarded message", "chat", m.Chat.ID, "message", m.MessageID)
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	t.logger.Info("telegram message received",
		"chat", m.Chat.ID,
		"message", m.MessageID,
		"forwarded", forwarded,
		"textLen", len(text),
	)

	t.bus.Publish(domain.Event{Kind: domain.EventMessage, Message: &domain.RawMessage{
		Source:        "telegram",
		ChatID:        m.Chat.ID,
		ThreadID:      m.ThreadID,
		MessageID:     m.MessageID,
		SenderID:      sender,
		Text:          text,
		Forwarded:     forwarded,
		ForwardedFrom: forwardOrigin(m),
		Received:      time.Unix(m.Date, 0),
	}})
}

// handleCommandMessage routes slash commands from admins; anyone else's
// commands are dropped so they never enter the signal pipeline.
func (t *Telegram) handleCommandMessage(m *tgMessage, text string, sender int64) {
	if !t.isAdmin(sender) {
		t.logger.Warn("command from non-admin ignored", "user", sender, "chat", m.Chat.ID)
		return
	}
	cmd := relay.ParseCommand(text)
	if cmd == nil {
		return
	}
	t.bus.Publish(domain.Event{Kind: domain.EventCommand, Command: &domain.Command{
		Name:     cmd.Name,
		Args:     strings.Join(cmd.Args, " "),
		ChatID:   m.Chat.ID,
		ThreadID: m.ThreadID,
		From:     sender,
	}})
}

func (t *Telegram) handleCallback(cq *tgCallback) {
	if !t.mayApprove(cq.From.ID) {
		t.logger.Warn("approval attempt by unauthorized user", "user", cq.From.ID)
		t.answerCallback(cq.ID, "You are not allowed to approve forwards.", true)
		return
	}

	action, key, ok := strings.Cut(cq.Data, "|")
	if !ok || key == "" {
		t.answerCallback(cq.ID, "", false)
		return
	}

	var act domain.DecisionAction
	switch action {
	case "allow":
		act = domain.DecisionAllow
	case "deny":
		act = domain.DecisionDeny
	default:
		t.answerCallback(cq.ID, "", false)
		return
	}

	dec := &domain.Decision{
		Action:     act,
		Key:        key,
		CallbackID: cq.ID,
		From:       cq.From.ID,
	}
	if cq.Message != nil {
		dec.ChatID = cq.Message.Chat.ID
		dec.MessageID = cq.Message.MessageID
		dec.MessageText = cq.Message.Text
	}
	t.bus.Publish(domain.Event{Kind: domain.EventDecision, Decision: dec})
}

func (t *Telegram) watchesChat(chatID int64) bool {
	if len(t.sourceChats) == 0 {
		return true
	}
	_, ok := t.sourceChats[chatID]
	return ok
}

func (t *Telegram) watchesTopic(chatID int64, threadID int) bool {
	threads, ok := t.sourceTopics[chatID]
	if !ok {
		return true // no topic filter for this chat
	}
	_, ok = threads[threadID]
	return ok
}

func (t *Telegram) isAdmin(userID int64) bool {
	if len(t.admins) == 0 {
		return true // empty list = allow all
	}
	_, ok := t.admins[userID]
	return ok
}

// mayApprove checks the approver list, falling back to the admin list when
// no separate approvers are configured.
func (t *Telegram) mayApprove(userID int64) bool {
	if len(t.approvers) > 0 {
		_, ok := t.approvers[userID]
		return ok
	}
	return t.isAdmin(userID)
}

func forwardOrigin(m *tgMessage) string {
	switch {
	case m.ForwardFromChat != nil:
		if m.ForwardFromChat.Title != "" {
			return m.ForwardFromChat.Title
		}
		return m.ForwardFromChat.UserName
	case m.ForwardSenderName != "":
		return m.ForwardSenderName
	case m.ForwardFrom != nil:
		if m.ForwardFrom.UserName != "" {
			return m.ForwardFrom.UserName
		}
		return strconv.FormatInt(m.ForwardFrom.ID, 10)
	}
	return ""
}

// --- outbound ---

func (t *Telegram) handleOutbound(msg domain.OutboundMessage) {
	switch {
	case msg.CallbackID != "":
		t.answerCallback(msg.CallbackID, msg.Content, msg.CallbackAlert)
	case msg.ClearKeyboard && msg.EditMessageID != 0:
		t.clearKeyboard(msg.ChatID, msg.EditMessageID)
	case msg.EditMessageID != 0:
		t.editMessage(msg)
	case msg.ChatID != 0:
		t.sendMessage(msg)
	}
}

func (t *Telegram) sendMessage(msg domain.OutboundMessage) {
	text := msg.Content
	for len(text) > 0 {
		chunk := text
		if len(chunk) > telegramMaxMsgLen {
			cutAt := strings.LastIndex(chunk[:telegramMaxMsgLen], "\n")
			if cutAt < telegramMaxMsgLen/2 {
				cutAt = telegramMaxMsgLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}

		// The approval keyboard belongs on the final chunk, next to the
		// full preview.
		t.sendChunk(msg, chunk, text == "" && msg.ApprovalKey != "")
	}
}

// sendChunk sends one message with retry and rate limit handling. An HTML
// parse error falls back to plain text; 429 waits the server's retry hint.
func (t *Telegram) sendChunk(msg domain.OutboundMessage, text string, withKeyboard bool) {
	parseMode := msg.Format

	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		params := tgbotapi.Params{}
		params.AddNonZero64("chat_id", msg.ChatID)
		params["text"] = text
		params.AddNonZero("message_thread_id", msg.ThreadID)
		params.AddNonEmpty("parse_mode", parseMode)
		if withKeyboard {
			if err := params.AddInterface("reply_markup", approvalKeyboard(msg.ApprovalKey)); err != nil {
				t.logger.Error("cannot encode keyboard", "error", err)
				return
			}
		}

		_, err := t.bot.MakeRequest("sendMessage", params)
		if err == nil {
			return
		}

		if wait, limited := rateLimit(err, attempt); limited {
			t.logger.Warn("telegram rate limited, backing off", "wait", wait, "attempt", attempt+1)
			time.Sleep(wait)
			continue
		}

		// Parse errors never heal on retry; resend the same text plain.
		if parseMode != "" && strings.Contains(err.Error(), "can't parse entities") {
			t.logger.Warn("telegram rejected formatting, retrying as plain text", "error", err)
			parseMode = ""
			continue
		}

		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send failed, retrying", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		t.logger.Error("telegram send failed after retries", "chat", msg.ChatID, "error", err)
	}
}

func (t *Telegram) editMessage(msg domain.OutboundMessage) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", msg.ChatID)
	params.AddNonZero("message_id", msg.EditMessageID)
	params["text"] = msg.Content
	params.AddNonEmpty("parse_mode", msg.Format)
	if msg.ApprovalKey != "" {
		if err := params.AddInterface("reply_markup", approvalKeyboard(msg.ApprovalKey)); err != nil {
			t.logger.Error("cannot encode keyboard", "error", err)
			return
		}
	}

	if _, err := t.bot.MakeRequest("editMessageText", params); err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return
		}
		t.logger.Warn("telegram edit failed", "chat", msg.ChatID, "message", msg.EditMessageID, "error", err)
	}
}

func (t *Telegram) clearKeyboard(chatID int64, messageID int) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", messageID)
	empty := tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}}
	if err := params.AddInterface("reply_markup", empty); err != nil {
		return
	}

	if _, err := t.bot.MakeRequest("editMessageReplyMarkup", params); err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return
		}
		t.logger.Warn("telegram keyboard strip failed", "chat", chatID, "message", messageID, "error", err)
	}
}

func (t *Telegram) answerCallback(callbackID, text string, alert bool) {
	params := tgbotapi.Params{}
	params["callback_query_id"] = callbackID
	params.AddNonEmpty("text", text)
	params.AddBool("show_alert", alert)

	if _, err := t.bot.MakeRequest("answerCallbackQuery", params); err != nil {
		t.logger.Warn("telegram callback answer failed", "error", err)
	}
}

func approvalKeyboard(key string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Allow Forward ✅", "allow|"+key),
			tgbotapi.NewInlineKeyboardButtonData("Deny 🚫", "deny|"+key),
		),
	)
}

// rateLimit extracts the server's retry hint from a 429 error.
func rateLimit(err error, attempt int) (time.Duration, bool) {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 429 {
		wait := time.Duration(attempt+1) * 3 * time.Second
		if apiErr.RetryAfter > 0 {
			wait = time.Duration(apiErr.RetryAfter) * time.Second
		}
		return wait, true
	}
	if strings.Contains(err.Error(), "Too Many Requests") {
		return time.Duration(attempt+1) * 3 * time.Second, true
	}
	return 0, false
}

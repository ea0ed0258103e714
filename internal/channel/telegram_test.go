package channel

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"signalrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingBus captures published events; outbound goes nowhere.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) Subscribe() <-chan domain.Event { return nil }
func (b *recordingBus) SendOutbound(domain.OutboundMessage) {}
func (b *recordingBus) OnOutbound(string, func(domain.OutboundMessage)) {}
func (b *recordingBus) Close() {}

func (b *recordingBus) published() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Event, len(b.events))
	copy(out, b.events)
	return out
}

type apiCall struct {
	method string
	values url.Values
}

// stubAPI plays the Bot API: every call is recorded, and queued error
// bodies let tests script failures per method.
type stubAPI struct {
	mu        sync.Mutex
	calls     []apiCall
	responses map[string][]string
}

func (s *stubAPI) queue(method, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[method] = append(s.responses[method], body)
}

func (s *stubAPI) recorded() []apiCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]apiCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func newStubBot(t *testing.T) (*tgbotapi.BotAPI, *stubAPI) {
	t.Helper()
	stub := &stubAPI{responses: make(map[string][]string)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		method := path.Base(r.URL.Path)
		if method == "getMe" {
			io.WriteString(w, `{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"relay","username":"relay_bot"}}`)
			return
		}

		stub.mu.Lock()
		values := make(url.Values, len(r.Form))
		for k, v := range r.Form {
			values[k] = v
		}
		stub.calls = append(stub.calls, apiCall{method: method, values: values})
		body := ""
		if q := stub.responses[method]; len(q) > 0 {
			body, stub.responses[method] = q[0], q[1:]
		}
		stub.mu.Unlock()

		if body == "" {
			body = `{"ok":true,"result":true}`
		}
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint("test-token", srv.URL+"/bot%s/%s")
	if err != nil {
		t.Fatalf("stub bot init: %v", err)
	}
	return bot, stub
}

func newTestTelegram(t *testing.T, opts TelegramOptions) (*Telegram, *stubAPI, *recordingBus) {
	t.Helper()
	opts.Token = "test-token"
	opts.Logger = testLogger()
	tg := NewTelegram(opts)
	bot, stub := newStubBot(t)
	tg.bot = bot
	rb := &recordingBus{}
	tg.bus = rb
	return tg, stub, rb
}

// --- inbound ---

func TestHandleMessage_PublishesRawMessage(t *testing.T) {
	tg, _, rb := newTestTelegram(t, TelegramOptions{
		SourceChats:      []int64{-100500},
		RequireForwarded: true,
	})

	tg.handleMessage(&tgMessage{
		MessageID:       7,
		From:            &tgUser{ID: 3},
		Chat:            tgChat{ID: -100500},
		Date:            1700000000,
		ThreadID:        9,
		Text:            "BUY GOLD",
		ForwardFromChat: &tgChat{ID: 1, Title: "Gold Signals"},
		ForwardDate:     1699999999,
	})

	events := rb.published()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	msg := events[0].Message
	if events[0].Kind != domain.EventMessage || msg == nil {
		t.Fatalf("expected message event, got %+v", events[0])
	}
	if msg.ChatID != -100500 || msg.MessageID != 7 || msg.ThreadID != 9 {
		t.Fatalf("unexpected coordinates: %+v", msg)
	}
	if msg.Text != "BUY GOLD" || !msg.Forwarded || msg.ForwardedFrom != "Gold Signals" {
		t.Fatalf("unexpected content: %+v", msg)
	}
}

func TestHandleMessage_CaptionFallback(t *testing.T) {
	tg, _, rb := newTestTelegram(t, TelegramOptions{})
	tg.handleMessage(&tgMessage{MessageID: 1, Chat: tgChat{ID: 5}, Caption: "chart attached"})

	events := rb.published()
	if len(events) != 1 || events[0].Message.Text != "chart attached" {
		t.Fatalf("expected caption as text, got %+v", events)
	}
}

func TestHandleMessage_UnwatchedChatDropped(t *testing.T) {
	tg, _, rb := newTestTelegram(t, TelegramOptions{SourceChats: []int64{-100500}})
	tg.handleMessage(&tgMessage{MessageID: 1, Chat: tgChat{ID: -100999}, Text: "BUY"})
	if len(rb.published()) != 0 {
		t.Fatal("message from unwatched chat must be dropped")
	}
}

func TestHandleMessage_TopicFilter(t *testing.T) {
	tg, _, rb := newTestTelegram(t, TelegramOptions{
		SourceTopics: []TopicFilter{{ChatID: -100500, ThreadID: 9}},
	})

	tg.handleMessage(&tgMessage{MessageID: 1, Chat: tgChat{ID: -100500}, ThreadID: 8, Text: "BUY"})
	if len(rb.published()) != 0 {
		t.Fatal("wrong topic must be dropped")
	}

	tg.handleMessage(&tgMessage{MessageID: 2, Chat: tgChat{ID: -100500}, ThreadID: 9, Text: "BUY"})
	if len(rb.published()) != 1 {
		t.Fatal("allowed topic must pass")
	}

	// Chats without a topic filter accept every thread.
	tg.handleMessage(&tgMessage{MessageID: 3, Chat: tgChat{ID: -100600}, ThreadID: 4, Text: "BUY"})
	if len(rb.published()) != 2 {
		t.Fatal("chat without topic filter must pass")
	}
}

func TestHandleMessage_RequireForwarded(t *testing.T) {
	tg, _, rb := newTestTelegram(t, TelegramOptions{RequireForwarded: true})

	tg.handleMessage(&tgMessage{MessageID: 1, Chat: tgChat{ID: 5}, Text: "typed by hand"})
	if len(rb.published()) != 0 {
		t.Fatal("non-forwarded message must be dropped")
	}

	tg.handleMessage(&tgMessage{MessageID: 2, Chat: tgChat{ID: 5}, Text: "fwd", ForwardSenderName: "Hidden User"})
	events := rb.published()
	if len(events) != 1 || events[0].Message.ForwardedFrom != "Hidden User" {
		t.Fatalf("forwarded message must pass, got %+v", events)
	}
}

func TestHandleMessage_AdminCommand(t *testing.T) {
	tg, _, rb := newTestTelegram(t, TelegramOptions{AdminIDs: []int64{3}})

	tg.handleMessage(&tgMessage{
		MessageID: 1,
		From:      &tgUser{ID: 3},
		Chat:      tgChat{ID: 5},
		ThreadID:  2,
		Text:      "/forward_off now",
	})

	events := rb.published()
	if len(events) != 1 || events[0].Kind != domain.EventCommand {
		t.Fatalf("expected command event, got %+v", events)
	}
	cmd := events[0].Command
	if cmd.Name != "forward_off" || cmd.Args != "now" || cmd.ChatID != 5 || cmd.ThreadID != 2 {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestHandleMessage_NonAdminCommandDropped(t *testing.T) {
	tg, _, rb := newTestTelegram(t, TelegramOptions{AdminIDs: []int64{3}})
	tg.handleMessage(&tgMessage{MessageID: 1, From: &tgUser{ID: 8}, Chat: tgChat{ID: 5}, Text: "/stats"})
	if len(rb.published()) != 0 {
		t.Fatal("commands from non-admins must be dropped")
	}
}

func TestHandleCallback_PublishesDecision(t *testing.T) {
	tg, _, rb := newTestTelegram(t, TelegramOptions{AdminIDs: []int64{3}})

	tg.handleCallback(&tgCallback{
		ID:   "cb9",
		From: tgUser{ID: 3},
		Data: "allow|1:20",
		Message: &tgMessage{
			MessageID: 44,
			Chat:      tgChat{ID: 500},
			Text:      "Ready to forward this message?\n\npreview",
		},
	})

	events := rb.published()
	if len(events) != 1 || events[0].Kind != domain.EventDecision {
		t.Fatalf("expected decision event, got %+v", events)
	}
	dec := events[0].Decision
	if dec.Action != domain.DecisionAllow || dec.Key != "1:20" || dec.CallbackID != "cb9" {
		t.Fatalf("unexpected decision: %+v", dec)
	}
	if dec.ChatID != 500 || dec.MessageID != 44 || !strings.Contains(dec.MessageText, "preview") {
		t.Fatalf("decision must carry the approval message: %+v", dec)
	}
}

func TestHandleCallback_DenyAction(t *testing.T) {
	tg, _, rb := newTestTelegram(t, TelegramOptions{})
	tg.handleCallback(&tgCallback{ID: "cb1", From: tgUser{ID: 1}, Data: "deny|k"})

	events := rb.published()
	if len(events) != 1 || events[0].Decision.Action != domain.DecisionDeny {
		t.Fatalf("expected deny decision, got %+v", events)
	}
}

func TestHandleCallback_UnauthorizedAnsweredOnly(t *testing.T) {
	tg, stub, rb := newTestTelegram(t, TelegramOptions{ApproverIDs: []int64{9}})

	tg.handleCallback(&tgCallback{ID: "cb2", From: tgUser{ID: 8}, Data: "allow|k"})

	if len(rb.published()) != 0 {
		t.Fatal("unauthorized callback must not publish a decision")
	}
	calls := stub.recorded()
	if len(calls) != 1 || calls[0].method != "answerCallbackQuery" {
		t.Fatalf("expected a callback answer, got %+v", calls)
	}
	if got := calls[0].values.Get("text"); !strings.Contains(got, "not allowed") {
		t.Fatalf("unexpected answer text: %q", got)
	}
	if calls[0].values.Get("show_alert") != "true" {
		t.Fatal("unauthorized answer should alert")
	}
}

func TestHandleCallback_MalformedDataAcknowledged(t *testing.T) {
	tg, stub, rb := newTestTelegram(t, TelegramOptions{})
	tg.handleCallback(&tgCallback{ID: "cb3", From: tgUser{ID: 1}, Data: "garbage"})

	if len(rb.published()) != 0 {
		t.Fatal("malformed callback must not publish")
	}
	calls := stub.recorded()
	if len(calls) != 1 || calls[0].method != "answerCallbackQuery" {
		t.Fatalf("expected a bare acknowledgement, got %+v", calls)
	}
}

func TestForwardOrigin(t *testing.T) {
	cases := []struct {
		msg  tgMessage
		want string
	}{
		{tgMessage{ForwardFromChat: &tgChat{Title: "Gold Signals"}}, "Gold Signals"},
		{tgMessage{ForwardFromChat: &tgChat{UserName: "goldsignals"}}, "goldsignals"},
		{tgMessage{ForwardSenderName: "Hidden User"}, "Hidden User"},
		{tgMessage{ForwardFrom: &tgUser{ID: 77, UserName: "trader"}}, "trader"},
		{tgMessage{ForwardFrom: &tgUser{ID: 77}}, "77"},
		{tgMessage{}, ""},
	}
	for _, c := range cases {
		if got := forwardOrigin(&c.msg); got != c.want {
			t.Fatalf("forwardOrigin(%+v): expected %q, got %q", c.msg, c.want, got)
		}
	}
}

// --- outbound ---

func TestOutbound_SendWithThreadAndFormat(t *testing.T) {
	tg, stub, _ := newTestTelegram(t, TelegramOptions{})

	tg.handleOutbound(domain.OutboundMessage{
		Channel:  "telegram",
		ChatID:   900,
		ThreadID: 7,
		Content:  "hello",
		Format:   "HTML",
	})

	calls := stub.recorded()
	if len(calls) != 1 || calls[0].method != "sendMessage" {
		t.Fatalf("expected one sendMessage, got %+v", calls)
	}
	v := calls[0].values
	if v.Get("chat_id") != "900" || v.Get("message_thread_id") != "7" {
		t.Fatalf("unexpected coordinates: %v", v)
	}
	if v.Get("text") != "hello" || v.Get("parse_mode") != "HTML" {
		t.Fatalf("unexpected payload: %v", v)
	}
}

func TestOutbound_ChunksLongText(t *testing.T) {
	tg, stub, _ := newTestTelegram(t, TelegramOptions{})

	line := strings.Repeat("x", 99) + "\n"
	content := strings.TrimSuffix(strings.Repeat(line, 90), "\n") // 8999 chars
	tg.handleOutbound(domain.OutboundMessage{ChatID: 1, Content: content})

	calls := stub.recorded()
	if len(calls) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(calls))
	}
	var rebuilt strings.Builder
	for _, c := range calls {
		chunk := c.values.Get("text")
		if len(chunk) > telegramMaxMsgLen {
			t.Fatalf("chunk exceeds limit: %d", len(chunk))
		}
		rebuilt.WriteString(chunk)
	}
	if rebuilt.String() != content {
		t.Fatal("chunks must reassemble to the original text")
	}
}

func TestOutbound_ApprovalKeyboard(t *testing.T) {
	tg, stub, _ := newTestTelegram(t, TelegramOptions{})

	tg.handleOutbound(domain.OutboundMessage{ChatID: 500, Content: "preview", ApprovalKey: "1:20"})

	calls := stub.recorded()
	markup := calls[0].values.Get("reply_markup")
	if !strings.Contains(markup, "allow|1:20") || !strings.Contains(markup, "deny|1:20") {
		t.Fatalf("keyboard missing decision buttons: %s", markup)
	}
}

func TestOutbound_AnswerCallback(t *testing.T) {
	tg, stub, _ := newTestTelegram(t, TelegramOptions{})

	tg.handleOutbound(domain.OutboundMessage{CallbackID: "cb5", Content: "done", CallbackAlert: true})

	calls := stub.recorded()
	if len(calls) != 1 || calls[0].method != "answerCallbackQuery" {
		t.Fatalf("expected answerCallbackQuery, got %+v", calls)
	}
	v := calls[0].values
	if v.Get("callback_query_id") != "cb5" || v.Get("text") != "done" || v.Get("show_alert") != "true" {
		t.Fatalf("unexpected answer: %v", v)
	}
}

func TestOutbound_EditKeepsKeyboard(t *testing.T) {
	tg, stub, _ := newTestTelegram(t, TelegramOptions{})

	tg.handleOutbound(domain.OutboundMessage{
		ChatID:        500,
		Content:       "⚠️ Webhook error 403",
		EditMessageID: 44,
		ApprovalKey:   "1:20",
	})

	calls := stub.recorded()
	if len(calls) != 1 || calls[0].method != "editMessageText" {
		t.Fatalf("expected editMessageText, got %+v", calls)
	}
	v := calls[0].values
	if v.Get("message_id") != "44" || !strings.Contains(v.Get("reply_markup"), "allow|1:20") {
		t.Fatalf("unexpected edit: %v", v)
	}
}

func TestOutbound_ClearKeyboard(t *testing.T) {
	tg, stub, _ := newTestTelegram(t, TelegramOptions{})

	tg.handleOutbound(domain.OutboundMessage{ChatID: 500, EditMessageID: 44, ClearKeyboard: true})

	calls := stub.recorded()
	if len(calls) != 1 || calls[0].method != "editMessageReplyMarkup" {
		t.Fatalf("expected editMessageReplyMarkup, got %+v", calls)
	}
	if markup := calls[0].values.Get("reply_markup"); strings.Contains(markup, "callback_data") {
		t.Fatalf("keyboard should be empty, got %s", markup)
	}
}

func TestSendChunk_FallsBackToPlainText(t *testing.T) {
	tg, stub, _ := newTestTelegram(t, TelegramOptions{})
	stub.queue("sendMessage", `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities: unexpected end tag"}`)

	tg.handleOutbound(domain.OutboundMessage{ChatID: 1, Content: "<pre>x", Format: "HTML"})

	calls := stub.recorded()
	if len(calls) != 2 {
		t.Fatalf("expected retry after parse error, got %d calls", len(calls))
	}
	if calls[0].values.Get("parse_mode") != "HTML" {
		t.Fatal("first attempt should carry the parse mode")
	}
	if calls[1].values.Get("parse_mode") != "" {
		t.Fatal("retry must drop the parse mode")
	}
}

func TestSendChunk_RetriesRateLimit(t *testing.T) {
	tg, stub, _ := newTestTelegram(t, TelegramOptions{})
	stub.queue("sendMessage", `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 1","parameters":{"retry_after":1}}`)

	tg.handleOutbound(domain.OutboundMessage{ChatID: 1, Content: "hi"})

	calls := stub.recorded()
	if len(calls) != 2 {
		t.Fatalf("expected retry after rate limit, got %d calls", len(calls))
	}
}

package channel

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"signalrelay/internal/domain"
)

func newTestIngest(token string) (*Ingest, *recordingBus) {
	rb := &recordingBus{}
	return &Ingest{
		token:   token,
		limiter: newRateLimiter(0, 0),
		bus:     rb,
		logger:  testLogger(),
	}, rb
}

func TestIngestHandler_MethodNotAllowed(t *testing.T) {
	in, _ := newTestIngest("")
	req := httptest.NewRequest("GET", "/ingest", nil)
	rr := httptest.NewRecorder()

	in.handleIngest(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestIngestHandler_MissingToken(t *testing.T) {
	in, rb := newTestIngest("hunter2")
	req := httptest.NewRequest("POST", "/ingest", bytes.NewBufferString("BUY GOLD"))
	rr := httptest.NewRecorder()

	in.handleIngest(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
	if len(rb.published()) != 0 {
		t.Error("unauthorized request must not publish")
	}
}

func TestIngestHandler_InvalidToken(t *testing.T) {
	in, _ := newTestIngest("hunter2")
	req := httptest.NewRequest("POST", "/ingest", bytes.NewBufferString("BUY GOLD"))
	req.Header.Set("Authorization", "Bearer wrong")
	rr := httptest.NewRecorder()

	in.handleIngest(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rr.Code)
	}
}

func TestIngestHandler_JSONBody(t *testing.T) {
	in, rb := newTestIngest("hunter2")
	body := `{"text":"BUY XAUUSD\nEnter Price: 1950","source":"Gold Signals"}`
	req := httptest.NewRequest("POST", "/ingest", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer hunter2")
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	in.handleIngest(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	events := rb.published()
	if len(events) != 1 || events[0].Kind != domain.EventMessage {
		t.Fatalf("expected 1 message event, got %+v", events)
	}
	msg := events[0].Message
	if msg.Source != "ingest" || msg.ForwardedFrom != "Gold Signals" {
		t.Fatalf("unexpected provenance: %+v", msg)
	}
	if !strings.Contains(msg.Text, "Enter Price: 1950") {
		t.Fatalf("unexpected text: %q", msg.Text)
	}
	if msg.ChatID != 0 || msg.MessageID != 0 {
		t.Fatalf("ingest messages carry no chat coordinates: %+v", msg)
	}
}

func TestIngestHandler_RawBody(t *testing.T) {
	in, rb := newTestIngest("")
	req := httptest.NewRequest("POST", "/ingest", bytes.NewBufferString("HIT TP1 from BTCUSD signal"))
	req.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()

	in.handleIngest(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	events := rb.published()
	if len(events) != 1 || events[0].Message.Text != "HIT TP1 from BTCUSD signal" {
		t.Fatalf("raw body should pass through verbatim, got %+v", events)
	}
}

func TestIngestHandler_InvalidJSON(t *testing.T) {
	in, _ := newTestIngest("")
	req := httptest.NewRequest("POST", "/ingest", bytes.NewBufferString("not json"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	in.handleIngest(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestIngestHandler_EmptyText(t *testing.T) {
	in, _ := newTestIngest("")
	req := httptest.NewRequest("POST", "/ingest", bytes.NewBufferString(`{"text":"  "}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	in.handleIngest(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestIngestHandler_RateLimited(t *testing.T) {
	in, rb := newTestIngest("")
	in.limiter = newRateLimiter(2, 0.001) // burst of 2, no meaningful refill

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/ingest", bytes.NewBufferString("BUY GOLD"))
		rr := httptest.NewRecorder()
		in.handleIngest(rr, req)
		codes = append(codes, rr.Code)
	}

	if codes[0] != http.StatusAccepted || codes[1] != http.StatusAccepted {
		t.Fatalf("burst requests should pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the bucket is drained, got %v", codes)
	}
	if len(rb.published()) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(rb.published()))
	}
}

func TestIngestHealth(t *testing.T) {
	in, _ := newTestIngest("")
	in.pending = func() int { return 3 }
	req := httptest.NewRequest("GET", "/healthz", nil)
	rr := httptest.NewRecorder()

	in.handleHealth(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"status":"ok"`) || !strings.Contains(body, `"pendingApprovals":3`) {
		t.Fatalf("unexpected health body: %s", body)
	}
}

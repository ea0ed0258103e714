package relay

import (
	"context"
	"net/http"
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		name string
		args int
	}{
		{"/help", "help", 0},
		{"  /forward_on@MyBot now  ", "forward_on", 1},
		{"/STATS", "stats", 0},
		{"/test extra args here", "test", 3},
	}
	for _, c := range cases {
		cmd := ParseCommand(c.in)
		if cmd == nil {
			t.Fatalf("ParseCommand(%q) returned nil", c.in)
		}
		if cmd.Name != c.name {
			t.Fatalf("ParseCommand(%q): expected name %q, got %q", c.in, c.name, cmd.Name)
		}
		if len(cmd.Args) != c.args {
			t.Fatalf("ParseCommand(%q): expected %d args, got %v", c.in, c.args, cmd.Args)
		}
	}
}

func TestParseCommand_NotACommand(t *testing.T) {
	for _, in := range []string{"hello", "", "/", "/@bot", "no /slash here"} {
		if cmd := ParseCommand(in); cmd != nil {
			t.Fatalf("ParseCommand(%q): expected nil, got %+v", in, cmd)
		}
	}
}

func TestHandleCommand_Start(t *testing.T) {
	f := newEngineFixture(t, http.StatusOK, nil)
	res := f.engine.HandleCommand(context.Background(), &ChatCommand{Name: "start"})
	if !res.Handled || !strings.Contains(res.Response, "running") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestHandleCommand_HelpListsCommands(t *testing.T) {
	f := newEngineFixture(t, http.StatusOK, nil)
	res := f.engine.HandleCommand(context.Background(), &ChatCommand{Name: "help"})
	for _, want := range []string{"/stats", "/forward_on", "/forward_off", "/test", "/health"} {
		if !strings.Contains(res.Response, want) {
			t.Fatalf("help text missing %q:\n%s", want, res.Response)
		}
	}
}

func TestHandleCommand_ForwardToggle(t *testing.T) {
	f := newEngineFixture(t, http.StatusOK, nil)
	ctx := context.Background()

	res := f.engine.HandleCommand(ctx, &ChatCommand{Name: "forward_off"})
	if res.Response != "Forwarding disabled 🚫" {
		t.Fatalf("unexpected response: %q", res.Response)
	}
	if f.flag.Enabled() {
		t.Fatal("flag should be off")
	}

	res = f.engine.HandleCommand(ctx, &ChatCommand{Name: "forward_status"})
	if res.Response != "Forwarding is OFF" {
		t.Fatalf("unexpected response: %q", res.Response)
	}

	res = f.engine.HandleCommand(ctx, &ChatCommand{Name: "forward_on"})
	if res.Response != "Forwarding enabled ✅" {
		t.Fatalf("unexpected response: %q", res.Response)
	}
	if !f.flag.Enabled() {
		t.Fatal("flag should be on")
	}
}

func TestHandleCommand_Stats(t *testing.T) {
	f := newEngineFixture(t, http.StatusOK, nil)
	res := f.engine.HandleCommand(context.Background(), &ChatCommand{Name: "stats"})
	for _, want := range []string{"Received: 0", "Pending approvals: 0", "Uptime:"} {
		if !strings.Contains(res.Response, want) {
			t.Fatalf("stats text missing %q:\n%s", want, res.Response)
		}
	}
}

func TestHandleCommand_Unknown(t *testing.T) {
	f := newEngineFixture(t, http.StatusOK, nil)
	if res := f.engine.HandleCommand(context.Background(), &ChatCommand{Name: "bogus"}); res.Handled {
		t.Fatalf("unknown command must not be handled: %+v", res)
	}
}

func TestHandleCommand_TestDeliversSample(t *testing.T) {
	f := newEngineFixture(t, http.StatusOK, nil)
	res := f.engine.HandleCommand(context.Background(), &ChatCommand{Name: "test"})
	if res.Response != "Test signal delivered ✅" {
		t.Fatalf("unexpected response: %q", res.Response)
	}
	if f.hits.Load() != 1 {
		t.Fatalf("expected 1 webhook call, got %d", f.hits.Load())
	}
	body := f.body(0)
	for _, want := range []string{"script         : BTCUSD", "Take Profit 2  : 120", "Stoploss       : 90"} {
		if !strings.Contains(body, want) {
			t.Fatalf("sample body missing %q:\n%s", want, body)
		}
	}
}

func TestHandleCommand_TestReportsFailure(t *testing.T) {
	f := newEngineFixture(t, http.StatusNotFound, nil)
	res := f.engine.HandleCommand(context.Background(), &ChatCommand{Name: "test"})
	if !strings.HasPrefix(res.Response, "Test delivery failed:") {
		t.Fatalf("unexpected response: %q", res.Response)
	}
}

func TestHandleCommand_Health(t *testing.T) {
	f := newEngineFixture(t, http.StatusOK, nil)
	res := f.engine.HandleCommand(context.Background(), &ChatCommand{Name: "health"})
	if res.Response != "Webhook reachable ✅" {
		t.Fatalf("unexpected response: %q", res.Response)
	}
}

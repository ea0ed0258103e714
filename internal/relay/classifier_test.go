package relay

import (
	"testing"

	"signalrelay/internal/domain"
)

func classify(t *testing.T, precedence, text string) Verdict {
	t.Helper()
	p := newTestParser(t)
	c := NewClassifier(DefaultRuleset(), precedence)
	return c.Classify(text, p.Parse(text))
}

func TestClassify_StatusPrefix(t *testing.T) {
	if v := classify(t, "", "POSITION STATUS : running"); v != VerdictStatus {
		t.Fatalf("expected status, got %s", v)
	}
}

func TestClassify_StatusHintLowercase(t *testing.T) {
	if v := classify(t, "", "we just hit tp on gold"); v != VerdictStatus {
		t.Fatalf("expected status, got %s", v)
	}
}

func TestClassify_StatusTagWithoutCoreFields(t *testing.T) {
	if v := classify(t, "", "expired"); v != VerdictStatus {
		t.Fatalf("expected status, got %s", v)
	}
}

func TestClassify_FullTradeSignal(t *testing.T) {
	text := "script : BTCUSD\nPosition : BUY\nEnter Price : 100\nStoploss : 90"
	if v := classify(t, "", text); v != VerdictTrade {
		t.Fatalf("expected trade, got %s", v)
	}
}

func TestClassify_LabelKeywordsWithoutValues(t *testing.T) {
	// Both keywords present but nothing parseable: still a trade shape.
	text := "Position update coming. Enter Price to be announced."
	if v := classify(t, "", text); v != VerdictTrade {
		t.Fatalf("expected trade, got %s", v)
	}
}

func TestClassify_ChatterNeedsApproval(t *testing.T) {
	if v := classify(t, "", "good morning traders"); v != VerdictApproval {
		t.Fatalf("expected approval, got %s", v)
	}
}

func TestClassify_StatusBeatsTradeByDefault(t *testing.T) {
	// Satisfies both checks: TP prefix plus a parseable direction and entry.
	text := "TP 2 hit\nPosition: BUY\nEnter Price: 100"
	if v := classify(t, "", text); v != VerdictStatus {
		t.Fatalf("expected status under default precedence, got %s", v)
	}
}

func TestClassify_TradeFirstPrecedence(t *testing.T) {
	text := "TP 2 hit\nPosition: BUY\nEnter Price: 100"
	if v := classify(t, TradeFirst, text); v != VerdictTrade {
		t.Fatalf("expected trade under trade-first precedence, got %s", v)
	}
}

func TestClassify_StatusEvenWithCoreFields(t *testing.T) {
	// The fallback symbol scan picks up stray words, but the HIT TP prefix
	// still routes the message to verbatim forwarding.
	text := "HIT TP1 from BTCUSD signal"
	p := newTestParser(t)
	trade := p.Parse(text)
	if !trade.HasCore() {
		t.Fatalf("precondition: expected stray core fields, got %+v", trade)
	}
	c := NewClassifier(DefaultRuleset(), "")
	if v := c.Classify(text, trade); v != VerdictStatus {
		t.Fatalf("expected status, got %s", v)
	}
}

func TestClassify_EmptyText(t *testing.T) {
	c := NewClassifier(DefaultRuleset(), "")
	if v := c.Classify("", domain.TradeInfo{}); v != VerdictApproval {
		t.Fatalf("expected approval for empty text, got %s", v)
	}
}

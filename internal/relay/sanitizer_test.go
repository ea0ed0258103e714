package relay

import "testing"

func newTestSanitizer(t *testing.T) *Sanitizer {
	t.Helper()
	s, err := NewSanitizer(DefaultRuleset())
	if err != nil {
		t.Fatalf("NewSanitizer: %v", err)
	}
	return s
}

func TestClean_StripsPromoLine(t *testing.T) {
	s := newTestSanitizer(t)
	got := s.Clean("BUY GOLD NOW\nAny inquiries DM @goldpro\nEnter Price: 100")
	want := "BUY GOLD NOW\nEnter Price: 100"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestClean_PromoOnlyMessageBecomesEmpty(t *testing.T) {
	s := newTestSanitizer(t)
	if got := s.Clean("DM @vipsignals"); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestClean_CaseInsensitive(t *testing.T) {
	s := newTestSanitizer(t)
	if got := s.Clean("any INQUIRIES dm @Pro"); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestClean_ContactHandleRemoved(t *testing.T) {
	s := newTestSanitizer(t)
	got := s.Clean("contact @admin for access")
	if got != "for access" {
		t.Fatalf("expected %q, got %q", "for access", got)
	}
}

func TestClean_CollapsesWhitespace(t *testing.T) {
	s := newTestSanitizer(t)
	got := s.Clean("a  b\t\tc\n\n\n\nd  ")
	want := "a b c\nd"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestClean_Idempotent(t *testing.T) {
	s := newTestSanitizer(t)
	once := s.Clean("  BUY   GOLD\n\n\nAny inquiries DM @x\nEnter Price: 100  ")
	twice := s.Clean(once)
	if once != twice {
		t.Fatalf("cleaning is not idempotent:\n  once:  %q\n  twice: %q", once, twice)
	}
}

func TestClean_PlainTextUntouched(t *testing.T) {
	s := newTestSanitizer(t)
	in := "script : BTCUSD\nPosition : BUY"
	if got := s.Clean(in); got != in {
		t.Fatalf("expected %q, got %q", in, got)
	}
}

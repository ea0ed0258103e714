package relay

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadRuleset_EmptyPathReturnsDefaults(t *testing.T) {
	rs, err := LoadRuleset("", discardLogger())
	if err != nil {
		t.Fatalf("LoadRuleset: %v", err)
	}
	def := DefaultRuleset()
	if len(rs.Banned) != len(def.Banned) {
		t.Fatalf("expected %d banned patterns, got %d", len(def.Banned), len(rs.Banned))
	}
	if len(rs.Labels) != len(def.Labels) {
		t.Fatalf("expected %d label rules, got %d", len(def.Labels), len(rs.Labels))
	}
}

func TestLoadRuleset_OverridesOnlyGivenSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	data := "banned:\n  - 'join\\s+@\\w+'\nstatusHints:\n  - \"target reached\"\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write rules file: %v", err)
	}

	rs, err := LoadRuleset(path, discardLogger())
	if err != nil {
		t.Fatalf("LoadRuleset: %v", err)
	}
	if len(rs.Banned) != 1 {
		t.Fatalf("expected 1 banned pattern, got %d", len(rs.Banned))
	}
	if len(rs.StatusHints) != 1 || rs.StatusHints[0] != "target reached" {
		t.Fatalf("expected overridden hints, got %v", rs.StatusHints)
	}
	if len(rs.Labels) != len(DefaultRuleset().Labels) {
		t.Fatalf("labels should keep defaults, got %d rules", len(rs.Labels))
	}
}

func TestLoadRuleset_MissingFile(t *testing.T) {
	_, err := LoadRuleset(filepath.Join(t.TempDir(), "nope.yaml"), discardLogger())
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRuleset_BadPatternRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("banned:\n  - '('\n"), 0o644); err != nil {
		t.Fatalf("write rules file: %v", err)
	}
	if _, err := LoadRuleset(path, discardLogger()); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestRulesetCheck_RequiresCaptureGroup(t *testing.T) {
	rs := DefaultRuleset()
	rs.Labels = append(rs.Labels, LabelRule{Field: "broken", Pattern: `ABC`})
	if err := rs.Check(); err == nil {
		t.Fatal("expected error for pattern without capture group")
	}
}

func TestRulesetCheck_DefaultsAreValid(t *testing.T) {
	if err := DefaultRuleset().Check(); err != nil {
		t.Fatalf("default ruleset should compile: %v", err)
	}
}

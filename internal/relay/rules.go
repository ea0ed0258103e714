package relay

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule table fields the parser knows how to fill.
const (
	FieldScript     = "script"
	FieldPosition   = "position"
	FieldEnter      = "enter"
	FieldTakeProfit = "takeprofit"
	FieldStopLoss   = "stoploss"
	FieldStatus     = "status"
	FieldStatusTag  = "statustag"
)

// LabelRule binds one extraction pattern to a trade field. Patterns carry
// exactly one capture group holding the value. Script and position rules
// run against an uppercased copy of the text; the rest see the original.
type LabelRule struct {
	Field   string `yaml:"field"`
	Pattern string `yaml:"pattern"`
	All     bool   `yaml:"all,omitempty"` // collect every match, not just the first
}

// Ruleset is the ordered rule table the sanitizer, parser, and classifier
// are built from. A YAML file can override individual sections; omitted
// sections keep the built-in defaults.
type Ruleset struct {
	Banned         []string    `yaml:"banned"`
	Labels         []LabelRule `yaml:"labels"`
	SymbolStoplist []string    `yaml:"symbolStoplist"`
	StatusPrefixes []string    `yaml:"statusPrefixes"`
	StatusHints    []string    `yaml:"statusHints"`
}

// DefaultRuleset returns the built-in rule table.
func DefaultRuleset() *Ruleset {
	return &Ruleset{
		Banned: []string{
			`\bany\s+inquiries\s+dm\s+@\w+`,
			`\bdm\s+@\w+`,
			`\bcontact\s+@\w+`,
			`\bfor\s+inquiries\s+dm\s+@\w+`,
			`\bany\s+inquiries\b`,
		},
		Labels: []LabelRule{
			{Field: FieldScript, Pattern: `SCRIPT\s*[:\-]?\s*([A-Z]{2,6}\d{0,4}(?:/[A-Z]{2,6}\d{0,4})?)`},
			{Field: FieldPosition, Pattern: `\b(BUY|SELL|LONG|SHORT)\b`},
			{Field: FieldEnter, Pattern: `(?i)ENTER\s*PRICE\s*[:\-]?\s*([0-9.,]+)`},
			{Field: FieldTakeProfit, Pattern: `(?i)(?:TAKE\s*PROFIT\s*\d*|TP\s*\d*)\s*[:\-]?\s*([0-9.,]+)`, All: true},
			{Field: FieldStopLoss, Pattern: `(?i)(?:STOP\s*LOSS|STOPLOSS|SL)\s*[:\-]?\s*([0-9.,]+)`},
			{Field: FieldStatus, Pattern: `(?is)(TAKE\s*PROFIT\s*\d+\s+FROM\s+[A-Z ]+\s+SIGNAL.*|HIT\s+(?:TP|SL).*)`},
			{Field: FieldStatusTag, Pattern: `(?i)\b(HIT\s*TP\d*|HIT\s*SL|POSITION\s*STATUS|CLOSED|EXPIRED)\b`},
		},
		SymbolStoplist: []string{
			"SCRIPT", "POSITION", "ENTER", "PRICE", "TAKE", "PROFIT",
			"STOP", "LOSS", "STOPLOSS", "SL", "TP", "BUY", "SELL",
			"LONG", "SHORT", "STATUS", "FROM", "SIGNAL", "AT", "IN",
		},
		StatusPrefixes: []string{
			"POSITION STATUS",
			"TAKE PROFIT",
			"HIT TP",
			"HIT SL",
			"TP ",
			"SL ",
		},
		StatusHints: []string{
			"position status",
			"hit tp",
			"hit sl",
			"from long signal",
			"from short signal",
		},
	}
}

// LoadRuleset reads a YAML override file on top of the defaults. An empty
// path returns the defaults unchanged.
func LoadRuleset(path string, logger *slog.Logger) (*Ruleset, error) {
	rs := DefaultRuleset()
	if path == "" {
		return rs, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var override Ruleset
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}

	if len(override.Banned) > 0 {
		rs.Banned = override.Banned
	}
	if len(override.Labels) > 0 {
		rs.Labels = override.Labels
	}
	if len(override.SymbolStoplist) > 0 {
		rs.SymbolStoplist = override.SymbolStoplist
	}
	if len(override.StatusPrefixes) > 0 {
		rs.StatusPrefixes = override.StatusPrefixes
	}
	if len(override.StatusHints) > 0 {
		rs.StatusHints = override.StatusHints
	}

	if err := rs.Check(); err != nil {
		return nil, err
	}

	logger.Info("loaded rule overrides", "path", path,
		"banned", len(rs.Banned), "labels", len(rs.Labels))
	return rs, nil
}

// Check compiles every pattern in the table so bad rules fail at startup,
// not at message time.
func (r *Ruleset) Check() error {
	for _, p := range r.Banned {
		if _, err := regexp.Compile(`(?i)` + p); err != nil {
			return fmt.Errorf("banned pattern %q: %w", p, err)
		}
	}
	for _, lr := range r.Labels {
		re, err := regexp.Compile(lr.Pattern)
		if err != nil {
			return fmt.Errorf("label rule %s: %w", lr.Field, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("label rule %s: pattern %q has no capture group", lr.Field, lr.Pattern)
		}
	}
	return nil
}

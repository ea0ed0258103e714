package relay

import (
	"strings"

	"signalrelay/internal/domain"
)

// Verdict is the classifier's routing decision for one message.
type Verdict string

const (
	VerdictStatus   Verdict = "status"   // status update, forwarded verbatim
	VerdictTrade    Verdict = "trade"    // full trade signal, auto-forwarded
	VerdictApproval Verdict = "approval" // needs a human decision
)

// Precedence when a message satisfies both the status and the trade check.
const (
	StatusFirst = "status-first"
	TradeFirst  = "trade-first"
)

// Classifier decides between auto-forward and approval. Deterministic and
// pure: the same text and parse always yield the same verdict.
type Classifier struct {
	prefixes   []string
	hints      []string
	precedence string
}

func NewClassifier(rs *Ruleset, precedence string) *Classifier {
	c := &Classifier{precedence: precedence}
	for _, p := range rs.StatusPrefixes {
		c.prefixes = append(c.prefixes, strings.ToUpper(p))
	}
	for _, h := range rs.StatusHints {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			c.hints = append(c.hints, h)
		}
	}
	return c
}

func (c *Classifier) Classify(cleaned string, trade domain.TradeInfo) Verdict {
	status := c.isStatus(cleaned, trade)
	full := isFullTrade(cleaned, trade)

	if c.precedence == TradeFirst {
		if full {
			return VerdictTrade
		}
		if status {
			return VerdictStatus
		}
	} else {
		if status {
			return VerdictStatus
		}
		if full {
			return VerdictTrade
		}
	}
	return VerdictApproval
}

func (c *Classifier) isStatus(cleaned string, trade domain.TradeInfo) bool {
	upper := strings.ToUpper(strings.TrimSpace(cleaned))
	if upper == "" {
		return false
	}
	for _, p := range c.prefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	lower := strings.ToLower(cleaned)
	for _, h := range c.hints {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return trade.HasStatus() && !trade.HasCore()
}

// A full trade needs a direction and an entry: either parsed, or both label
// keywords visible in the text.
func isFullTrade(cleaned string, trade domain.TradeInfo) bool {
	if trade.Position != "" && trade.Enter != "" {
		return true
	}
	lower := strings.ToLower(cleaned)
	return strings.Contains(lower, "position") && strings.Contains(lower, "enter price")
}

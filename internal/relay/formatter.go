package relay

import (
	"fmt"
	"strings"
	"unicode"

	"signalrelay/internal/domain"
)

const snippetLimit = 900

// Formatter renders one canonical outbound text blob per message.
type Formatter struct {
	includeScriptLine bool
}

func NewFormatter(includeScriptLine bool) *Formatter {
	return &Formatter{includeScriptLine: includeScriptLine}
}

// Format builds the outbound text. Status verdicts pass the cleaned text
// through untouched; trade fields render as a fixed-label block; when
// nothing was extracted the cleaned text itself goes out as a snippet.
func (f *Formatter) Format(cleaned string, trade domain.TradeInfo, verdict Verdict) string {
	if verdict == VerdictStatus {
		return strings.TrimSpace(cleaned)
	}

	var lines []string

	if trade.HasCore() {
		if f.includeScriptLine {
			appendField(&lines, "script", trade.Script, true)
		}
		position := trade.Position
		switch position {
		case "BUY":
			position = "BUY ⬆️"
		case "SELL":
			position = "SELL ⬇️"
		}
		appendField(&lines, "Position", position, false)
		appendField(&lines, "Enter Price", trade.Enter, false)
		for i, tp := range trade.TakeProfits {
			if i == maxInferredTakeProfits {
				break
			}
			appendField(&lines, fmt.Sprintf("Take Profit %d", i+1), tp, false)
		}
		appendField(&lines, "Stoploss", trade.StopLoss, false)
	}

	if trade.HasStatus() {
		if len(lines) > 0 {
			lines = append(lines, "")
		}
		var status []string
		if trade.PositionStatus != "" {
			status = append(status, titleCase(trade.PositionStatus))
		}
		if trade.StatusBlock != "" {
			status = append(status, trade.StatusBlock)
		}
		lines = append(lines, "Position Status :", strings.Join(status, "\n"))
	}

	if len(lines) == 0 {
		return snippet(cleaned)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func appendField(lines *[]string, label, value string, includeIfMissing bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		if !includeIfMissing {
			return
		}
		value = "N/A"
	}
	*lines = append(*lines, fmt.Sprintf("%-15s: %s", label, value))
}

func snippet(cleaned string) string {
	s := strings.TrimSpace(cleaned)
	if r := []rune(s); len(r) > snippetLimit {
		return string(r[:snippetLimit]) + "..."
	}
	return s
}

// titleCase starts every letter run uppercase and continues lowercase, so
// "HIT TP1" renders as "Hit Tp1".
func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		switch {
		case !unicode.IsLetter(r):
			b.WriteRune(r)
			prevLetter = false
		case prevLetter:
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(unicode.ToUpper(r))
			prevLetter = true
		}
	}
	return b.String()
}

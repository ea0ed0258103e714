package relay

import (
	"fmt"
	"regexp"
	"strings"

	"signalrelay/internal/domain"
)

var (
	priceRe  = regexp.MustCompile(`\b\d{1,6}(?:[.,]\d{1,6})?\b`)
	symbolRe = regexp.MustCompile(`\b([A-Z]{2,6}\d{0,4}(?:/[A-Z]{2,6}\d{0,4})?)\b`)
)

const maxInferredTakeProfits = 4

type fieldRule struct {
	re  *regexp.Regexp
	all bool
}

// TradeParser extracts structured trade fields from cleaned text using the
// rule table. Parsing is total: text with no recognizable fields yields an
// empty TradeInfo, never an error.
type TradeParser struct {
	rules    map[string][]fieldRule
	stoplist map[string]struct{}
}

func NewTradeParser(rs *Ruleset) (*TradeParser, error) {
	p := &TradeParser{
		rules:    make(map[string][]fieldRule),
		stoplist: make(map[string]struct{}, len(rs.SymbolStoplist)),
	}
	for _, lr := range rs.Labels {
		re, err := regexp.Compile(lr.Pattern)
		if err != nil {
			return nil, fmt.Errorf("label rule %s: %w", lr.Field, err)
		}
		p.rules[lr.Field] = append(p.rules[lr.Field], fieldRule{re: re, all: lr.All})
	}
	for _, w := range rs.SymbolStoplist {
		p.stoplist[strings.ToUpper(w)] = struct{}{}
	}
	return p, nil
}

// Parse runs the rule table over one cleaned message.
func (p *TradeParser) Parse(text string) domain.TradeInfo {
	var trade domain.TradeInfo
	upper := strings.ToUpper(text)

	if script := p.first(FieldScript, upper); script != "" {
		trade.Script = strings.ReplaceAll(script, "/", "")
	} else {
		// No explicit label: take the first symbol-shaped token that is
		// not a trading keyword.
		for _, m := range symbolRe.FindAllStringSubmatch(upper, -1) {
			candidate := strings.ReplaceAll(m[1], "/", "")
			if len(candidate) < 3 {
				continue
			}
			if _, stop := p.stoplist[candidate]; stop {
				continue
			}
			trade.Script = candidate
			break
		}
	}

	switch p.first(FieldPosition, upper) {
	case "BUY", "LONG":
		trade.Position = "BUY"
	case "SELL", "SHORT":
		trade.Position = "SELL"
	}

	var prices []string
	for _, m := range priceRe.FindAllString(text, -1) {
		prices = append(prices, normPrice(m))
	}

	if enter := p.first(FieldEnter, text); enter != "" {
		trade.Enter = normPrice(enter)
	}
	for _, tp := range p.all(FieldTakeProfit, text) {
		trade.TakeProfits = append(trade.TakeProfits, normPrice(tp))
	}
	if sl := p.first(FieldStopLoss, text); sl != "" {
		trade.StopLoss = normPrice(sl)
	}

	// Positional fallbacks: first number is the entry, last the stop.
	if trade.Enter == "" && len(prices) > 0 {
		trade.Enter = prices[0]
	}
	if trade.StopLoss == "" && len(prices) >= 2 {
		trade.StopLoss = prices[len(prices)-1]
	}
	if len(trade.TakeProfits) == 0 {
		trade.TakeProfits = inferTakeProfits(prices, trade.Enter, trade.StopLoss)
	}

	if block := p.first(FieldStatus, text); block != "" {
		trade.StatusBlock = strings.TrimSpace(block)
	}
	if tag := p.first(FieldStatusTag, text); tag != "" {
		trade.PositionStatus = strings.ToUpper(tag)
	}

	return trade
}

// first returns the capture of the first matching rule for the field.
func (p *TradeParser) first(field, text string) string {
	for _, r := range p.rules[field] {
		if m := r.re.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

// all returns every capture of the first rule for the field that matches
// anything. Rules without the all flag contribute a single value.
func (p *TradeParser) all(field, text string) []string {
	for _, r := range p.rules[field] {
		ms := r.re.FindAllStringSubmatch(text, -1)
		if len(ms) == 0 {
			continue
		}
		if !r.all {
			return []string{ms[0][1]}
		}
		out := make([]string, 0, len(ms))
		for _, m := range ms {
			out = append(out, m[1])
		}
		return out
	}
	return nil
}

// inferTakeProfits is the fallback when nothing was labelled: the scanned
// numbers, deduplicated in order, minus the entry and stop values, capped.
func inferTakeProfits(prices []string, enter, stop string) []string {
	var targets []string
	seen := make(map[string]struct{}, len(prices))
	for _, price := range prices {
		if _, dup := seen[price]; dup {
			continue
		}
		seen[price] = struct{}{}
		if price == enter || price == stop {
			continue
		}
		targets = append(targets, price)
	}
	if len(targets) > maxInferredTakeProfits {
		targets = targets[:maxInferredTakeProfits]
	}
	return targets
}

func normPrice(v string) string { return strings.ReplaceAll(v, ",", ".") }

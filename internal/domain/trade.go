package domain

// TradeInfo holds whatever the parser could extract from one message.
// Prices stay strings exactly as they appeared (comma normalized to dot);
// they are never converted to floats.
type TradeInfo struct {
	Script         string   `json:"script,omitempty"`
	Position       string   `json:"position,omitempty"` // BUY | SELL | ""
	Enter          string   `json:"enter,omitempty"`
	TakeProfits    []string `json:"takeProfits,omitempty"`
	StopLoss       string   `json:"stopLoss,omitempty"`
	StatusBlock    string   `json:"statusBlock,omitempty"`    // verbatim status tail
	PositionStatus string   `json:"positionStatus,omitempty"` // normalized tag, uppercase
}

func (t TradeInfo) Empty() bool {
	return t.Script == "" && t.Position == "" && t.Enter == "" &&
		len(t.TakeProfits) == 0 && t.StopLoss == "" &&
		t.StatusBlock == "" && t.PositionStatus == ""
}

// HasCore reports whether any trade-defining field was extracted,
// as opposed to status-only metadata.
func (t TradeInfo) HasCore() bool {
	return t.Script != "" || t.Position != "" || t.Enter != "" || len(t.TakeProfits) > 0
}

func (t TradeInfo) HasStatus() bool {
	return t.StatusBlock != "" || t.PositionStatus != ""
}

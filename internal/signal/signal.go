package signal

import "strings"

// Action is the trade direction of a signal.
type Action string

const (
	ActionBuy  Action = "Buy"
	ActionSell Action = "Sell"
)

// ParseAction normalises a case-insensitive action token.
func ParseAction(s string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return ActionBuy, true
	case "sell":
		return ActionSell, true
	default:
		return "", false
	}
}

// Signal is one trade alert extracted from a chat message.
type Signal struct {
	SourceMessageID string   `json:"source_message_id"`
	Instrument      string   `json:"instrument"`
	Action          Action   `json:"action"`
	EntryRange      string   `json:"entry_range"`
	TakeProfits     []string `json:"take_profits,omitempty"`
	StopLoss        string   `json:"stop_loss,omitempty"` // empty when absent
	Volume          float64  `json:"volume,omitempty"`    // 0 means platform default
}

// HasStopLoss reports whether a stop-loss line was present.
func (s Signal) HasStopLoss() bool {
	return s.StopLoss != ""
}

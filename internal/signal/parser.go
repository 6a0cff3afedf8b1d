// Package signal turns raw chat alerts into structured trading signals.
package signal

import (
	"regexp"
	"strings"
)

// Marker glyphs used by the signal channel.
const (
	HeaderMarker     = "🌟"
	TakeProfitMarker = "🔛"
	StopLossMarker   = "❎"
)

var (
	headerPattern = regexp.MustCompile(`(?i)^` + HeaderMarker +
		`\s*(?P<instrument>[A-Z]+)\s+(?P<action>Sell|Buy)\s*-\s*(?P<entry>\d+\.?\d*\s*-\s*\d+\.?\d*)`)
	takeProfitPattern = regexp.MustCompile(`(?i)^` + TakeProfitMarker + `\s*TP\s*=?\s*(\d+\.?\d*)`)
	stopLossPattern   = regexp.MustCompile(`(?i)^` + StopLossMarker + `\s*(?:STOP\s*LOSS|SL)\s*(\d+\.?\d*)`)
	hyphenPattern     = regexp.MustCompile(`\s*-\s*`)
)

// Parse extracts a Signal from message text. It returns false when the text
// carries no header line, i.e. it is not a trade alert.
//
// Lines are scanned top to bottom. Only the first header line counts; every
// take-profit line is kept in document order; the last stop-loss line wins.
func Parse(text, messageID string) (Signal, bool) {
	var (
		sig         Signal
		headerFound bool
	)

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !headerFound {
			if m := headerPattern.FindStringSubmatch(line); m != nil {
				action, _ := ParseAction(m[headerPattern.SubexpIndex("action")])
				sig.Instrument = strings.ToUpper(m[headerPattern.SubexpIndex("instrument")])
				sig.Action = action
				sig.EntryRange = hyphenPattern.ReplaceAllString(m[headerPattern.SubexpIndex("entry")], "-")
				headerFound = true
				continue
			}
		}

		if m := takeProfitPattern.FindStringSubmatch(line); m != nil {
			sig.TakeProfits = append(sig.TakeProfits, m[1])
			continue
		}

		if m := stopLossPattern.FindStringSubmatch(line); m != nil {
			sig.StopLoss = m[1]
		}
	}

	if !headerFound {
		return Signal{}, false
	}
	sig.SourceMessageID = messageID
	return sig, true
}

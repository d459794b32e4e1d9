package models

import "time"

// Timeframe cadences. A bot's evaluation interval is its timeframe length:
// a "1H" bot is re-evaluated once per hour.
var timeframeIntervals = map[string]time.Duration{
	"1M":  1 * time.Minute,
	"5M":  5 * time.Minute,
	"15M": 15 * time.Minute,
	"30M": 30 * time.Minute,
	"1H":  1 * time.Hour,
	"4H":  4 * time.Hour,
	"1D":  24 * time.Hour,
}

// DefaultInterval is used when a bot carries an unknown timeframe string.
const DefaultInterval = 1 * time.Hour

// IntervalFor returns the evaluation interval for a timeframe. Unknown
// timeframes fall back to DefaultInterval; ok reports whether the
// timeframe was recognized.
func IntervalFor(timeframe string) (time.Duration, bool) {
	if d, ok := timeframeIntervals[timeframe]; ok {
		return d, true
	}
	return DefaultInterval, false
}

// KnownTimeframes lists the supported timeframe identifiers.
func KnownTimeframes() []string {
	return []string{"1M", "5M", "15M", "30M", "1H", "4H", "1D"}
}

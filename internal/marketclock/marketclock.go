// Package marketclock answers "is the market open right now", grounded on
// the original source's TradingLogic.is_market_open/is_trading_time time
// checks, narrowed to the single pre-market/open/close window spec.md
// §6.3 defines.
package marketclock

import "time"

// Pre-market opens at 08:30, trading opens at 09:00, the session closes at
// 15:30, all local exchange time.
var (
	PreMarket = 8*time.Hour + 30*time.Minute
	Open      = 9 * time.Hour
	Close     = 15*time.Hour + 30*time.Minute
)

// sinceMidnight returns t's time-of-day offset from local midnight.
func sinceMidnight(t time.Time) time.Duration {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return t.Sub(midnight)
}

// IsOpen reports whether t falls within the continuous trading session
// [09:00, 15:30]; manual orders and sell-ladder placement gate on this.
func IsOpen(t time.Time) bool {
	tod := sinceMidnight(t)
	return tod >= Open && tod <= Close
}

// IsPreMarketOrOpen reports whether t falls within [08:30, 15:30], the
// wider window the original system treats as "market open" for its own
// coarser checks.
func IsPreMarketOrOpen(t time.Time) bool {
	tod := sinceMidnight(t)
	return tod >= PreMarket && tod <= Close
}

// Package ta holds the pure technical-analysis functions the signal engine
// is built on: SMA, envelope bands, and tick-size rounding. Adapted from
// the teacher's strategy.SMA, narrowed to exactly what the envelope
// strategy needs — no EMA/RSI/MACD/BollingerBands/ATR/VWAP/Stochastic,
// since nothing here consumes them.
package ta

import (
	"github.com/shopspring/decimal"
)

// SMA returns the mean of the first k elements of closes, where closes is
// ordered most-recent-first (index 0 is today's close). It reports false
// if fewer than k closes are available.
func SMA(closes []int64, k int) (decimal.Decimal, bool) {
	if k <= 0 || len(closes) < k {
		return decimal.Zero, false
	}

	sum := decimal.Zero
	for i := 0; i < k; i++ {
		sum = sum.Add(decimal.NewFromInt(closes[i]))
	}
	return sum.Div(decimal.NewFromInt(int64(k))), true
}

// Envelope returns the (upper, lower) band around ma at the given percent,
// i.e. ma*(1+pct/100) and ma*(1-pct/100).
func Envelope(ma decimal.Decimal, pct int) (upper, lower decimal.Decimal) {
	ratio := decimal.NewFromInt(int64(pct)).Div(decimal.NewFromInt(100))
	upper = ma.Mul(decimal.NewFromInt(1).Add(ratio))
	lower = ma.Mul(decimal.NewFromInt(1).Sub(ratio))
	return upper, lower
}

// TickSize returns the minimum price increment for the given price band,
// per the Korean equity tick ladder: <1k->1, <5k->5, <10k->10, <50k->50,
// <100k->100, <500k->500, else 1000.
func TickSize(price int64) int64 {
	switch {
	case price < 1_000:
		return 1
	case price < 5_000:
		return 5
	case price < 10_000:
		return 10
	case price < 50_000:
		return 50
	case price < 100_000:
		return 100
	case price < 500_000:
		return 500
	default:
		return 1000
	}
}

// FloorToTick rounds price down to the nearest multiple of its own
// price-banded tick size.
func FloorToTick(price int64) int64 {
	return FloorWithTick(price, TickSize(price))
}

// CeilToTick rounds price up to the nearest multiple of its own
// price-banded tick size.
func CeilToTick(price int64) int64 {
	return CeilWithTick(price, TickSize(price))
}

// FloorWithTick rounds price down to the nearest multiple of an explicitly
// given tick. The signal engine's buy/sell ladders resolve their tick size
// once from a reference price (the envelope MA for buys, avgPrice for
// sells) and apply it uniformly across every rung — re-deriving the tick
// from each rung's own (already-discounted) price would pick a smaller
// tick for deeper rungs and produce prices that don't match the ladder the
// original system places.
func FloorWithTick(price, tick int64) int64 {
	if tick <= 0 {
		tick = 1
	}
	return (price / tick) * tick
}

// CeilWithTick rounds price up to the nearest multiple of an explicitly
// given tick.
func CeilWithTick(price, tick int64) int64 {
	if tick <= 0 {
		tick = 1
	}
	if price%tick == 0 {
		return price
	}
	return ((price / tick) + 1) * tick
}

// FloorToTickDecimal floors a decimal price (e.g. MA*(1-buyPct/100)) to the
// tick ladder after truncating to an integer KRW amount.
func FloorToTickDecimal(price decimal.Decimal) int64 {
	return FloorToTick(price.IntPart())
}

// CeilToTickDecimal ceils a decimal price to the tick ladder after
// truncating to an integer KRW amount — the fractional won is dropped
// first, then the ceiling-to-tick check applies to the truncated integer
// (a truncated value already on a tick boundary is NOT pushed to the next
// one), matching the original source's _ceil_to_tick.
func CeilToTickDecimal(price decimal.Decimal) int64 {
	return CeilToTick(price.IntPart())
}

// FloorDecimalWithTick truncates price to an integer KRW amount and floors
// it to an explicitly given tick.
func FloorDecimalWithTick(price decimal.Decimal, tick int64) int64 {
	return FloorWithTick(price.IntPart(), tick)
}

// CeilDecimalWithTick truncates price to an integer KRW amount and ceils it
// to an explicitly given tick.
func CeilDecimalWithTick(price decimal.Decimal, tick int64) int64 {
	return CeilWithTick(price.IntPart(), tick)
}

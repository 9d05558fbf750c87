// Package signal implements the envelope strategy's decision math: given a
// last tick, candle-derived moving average, and current position, it
// produces buy/sell-ladder/stop-loss intents, per spec.md §4.7. Grounded on
// the teacher's SignalGenerator struct shape (config-held generator,
// dedup-by-last-signal semantics) with the EMA/RSI/orderbook-imbalance math
// replaced by envelope/ladder/stop-loss math.
package signal

import (
	"github.com/kiwoom-envelope/engine/internal/config"
	"github.com/kiwoom-envelope/engine/internal/position"
	"github.com/kiwoom-envelope/engine/internal/ta"
	"github.com/kiwoom-envelope/engine/pkg/utils"
	"github.com/shopspring/decimal"
)

// Target names used across the sell ladder and stop-loss, matching the
// original system's Korean labels exactly since they are persisted keys in
// soldTargets.
const (
	TargetProfit1  = "익절1"
	TargetProfit2  = "익절2"
	TargetProfit3  = "익절3"
	TargetMA       = "MA"
	TargetStopLoss = "스탑로스"
)

// IntentKind distinguishes the three kinds of order intents the engine
// emits.
type IntentKind string

const (
	IntentBuy      IntentKind = "buy"
	IntentSell     IntentKind = "sell"
	IntentStopLoss IntentKind = "stop_loss"
)

// Priority orders intents for dispatch: stop-loss first, then sell-ladder
// placement, then new-entry buys, per spec.md §4.7's tie-break rule.
const (
	PriorityStopLoss = iota
	PrioritySellLadder
	PriorityBuy
)

// Intent is one order the engine wants placed.
type Intent struct {
	Instrument string
	Kind       IntentKind
	Side       string // "buy" or "sell"
	LimitPrice int64
	Quantity   int64
	TargetName string
	BuyCount   int
	Priority   int
	// CancelFirst signals the caller must cancel all outstanding orders for
	// this instrument before placing this intent (stop-loss only).
	CancelFirst bool
}

// Engine is stateless; every method is a pure function of its arguments,
// matching spec.md §4.6/§4.7's "pure functions" framing for the strategy
// math layer.
type Engine struct{}

// New creates a signal Engine.
func New() *Engine {
	return &Engine{}
}

// EvaluateBuy checks first-time-entry preconditions and, if the envelope
// trigger fires, returns the full 3-stage (or fewer, per MaxBuyCount)
// pyramided buy ladder. All stages share one tick size resolved once from
// the envelope MA, per spec.md S1.
func (e *Engine) EvaluateBuy(
	instrument string,
	lastPrice int64,
	ma decimal.Decimal,
	pos position.Position,
	holderCount int,
	cfg config.BuyConfig,
) ([]Intent, bool) {
	if pos.Quantity != 0 || pos.SellOccurred || pos.StoplossTriggered {
		return nil, false
	}
	if holderCount >= cfg.MaxHoldingStocks {
		return nil, false
	}

	_, triggerLower := ta.Envelope(ma, cfg.EnvelopePercent)
	if decimal.NewFromInt(lastPrice).GreaterThan(triggerLower) {
		return nil, false
	}

	tick := ta.TickSize(ma.IntPart())
	_, buyLower := ta.Envelope(ma, cfg.EnvelopeBuyPercent)

	stages := cfg.MaxBuyCount
	if stages <= 0 {
		stages = 1
	}

	intents := make([]Intent, 0, stages)
	prevLimit := buyLower
	for i := 0; i < stages; i++ {
		limitPrice := ta.FloorDecimalWithTick(prevLimit, tick) + tick
		if limitPrice <= 0 {
			break
		}
		qty := cfg.BuyAmountPerStock / limitPrice
		if qty <= 0 {
			break
		}
		intents = append(intents, Intent{
			Instrument: instrument,
			Kind:       IntentBuy,
			Side:       "buy",
			LimitPrice: limitPrice,
			Quantity:   qty,
			BuyCount:   i + 1,
			Priority:   PriorityBuy,
		})

		dropRatio := decimal.NewFromInt(int64(cfg.AdditionalBuyDropPercent)).Div(decimal.NewFromInt(100))
		prevLimit = utils.MaxDecimal(decimal.NewFromInt(limitPrice).Mul(decimal.NewFromInt(1).Sub(dropRatio)), decimal.Zero)
	}

	return intents, len(intents) > 0
}

// sellRung describes one fixed rung of the profit ladder before ratios are
// resolved from config.
type sellRung struct {
	target  string
	percent float64
	ratio   int
}

// ComputeSellLadder returns the fixed-rung sell ladder against avgPrice,
// skipping any target already present in soldTargets and capping total
// committed quantity at initialQty. The MA rung prices at ceilToTick(MA)
// and claims the remainder. All rungs share one tick resolved once from
// avgPrice, per spec.md S2.
func (e *Engine) ComputeSellLadder(
	instrument string,
	avgPrice int64,
	initialQty int64,
	ma decimal.Decimal,
	soldTargets map[string]bool,
	cfg config.SellConfig,
) []Intent {
	if initialQty <= 0 || avgPrice <= 0 {
		return nil
	}

	tick := ta.TickSize(avgPrice)
	rungs := profitRungs(cfg)

	intents := make([]Intent, 0, len(rungs)+1)
	var committed int64

	for _, r := range rungs {
		if soldTargets[r.target] {
			qty := int64(float64(initialQty) * float64(r.ratio) / 100.0)
			committed += qty
			continue
		}
		qty := int64(float64(initialQty) * float64(r.ratio) / 100.0)
		if committed+qty > initialQty {
			qty = initialQty - committed
		}
		if qty <= 0 {
			continue
		}
		price := decimal.NewFromInt(avgPrice).Mul(decimal.NewFromFloat(1 + r.ratioAsPercent()))
		limitPrice := ta.CeilDecimalWithTick(price, tick)
		intents = append(intents, Intent{
			Instrument: instrument,
			Kind:       IntentSell,
			Side:       "sell",
			LimitPrice: limitPrice,
			Quantity:   qty,
			TargetName: r.target,
			Priority:   PrioritySellLadder,
		})
		committed += qty
	}

	if !soldTargets[TargetMA] {
		remainder := initialQty - committed
		if remainder > 0 {
			maTick := ta.TickSize(ma.IntPart())
			limitPrice := ta.CeilDecimalWithTick(ma, maTick)
			intents = append(intents, Intent{
				Instrument: instrument,
				Kind:       IntentSell,
				Side:       "sell",
				LimitPrice: limitPrice,
				Quantity:   remainder,
				TargetName: TargetMA,
				Priority:   PrioritySellLadder,
			})
		}
	}

	return intents
}

func (r sellRung) ratioAsPercent() float64 {
	return r.percent / 100.0
}

func profitRungs(cfg config.SellConfig) []sellRung {
	names := []string{TargetProfit1, TargetProfit2, TargetProfit3}
	rungs := make([]sellRung, 0, len(names))
	for i, name := range names {
		if i >= len(cfg.ProfitTargets) {
			break
		}
		ratio := 0
		if i < len(cfg.ProfitSellRatios) {
			ratio = cfg.ProfitSellRatios[i]
		}
		rungs = append(rungs, sellRung{target: name, percent: cfg.ProfitTargets[i], ratio: ratio})
	}
	return rungs
}

// EvaluateStopLoss checks the stop-loss precondition (a sell has already
// occurred, stop-loss not already active, price at or below avgPrice) and,
// if triggered, returns the single 100%-quantity limit intent at
// floorToTick(lastPrice), flagged to cancel all outstanding orders first.
func (e *Engine) EvaluateStopLoss(instrument string, lastPrice, avgPrice, quantity int64, soldTargets map[string]bool) (Intent, bool) {
	if quantity <= 0 || len(soldTargets) == 0 || soldTargets[TargetStopLoss] {
		return Intent{}, false
	}
	if lastPrice > avgPrice {
		return Intent{}, false
	}

	limitPrice := ta.FloorToTick(lastPrice)
	return Intent{
		Instrument:  instrument,
		Kind:        IntentStopLoss,
		Side:        "sell",
		LimitPrice:  limitPrice,
		Quantity:    quantity,
		TargetName:  TargetStopLoss,
		Priority:    PriorityStopLoss,
		CancelFirst: true,
	}, true
}

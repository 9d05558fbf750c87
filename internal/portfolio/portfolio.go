// Package portfolio reports per-instrument position summaries — profit
// rate/amount, evaluation amount, the additional-buy trigger price, and the
// current envelope lower band — for every position the engine holds.
// Adapted from the teacher's internal/portfolio.PortfolioManager, with its
// ExchangeMultiplexer multi-exchange aggregation dropped (this engine trades
// a single Korean-equity account) in favor of reading straight from
// position.Store and candlecache.Cache. Field selection is grounded on
// original_source/kiwoomSecurities/technical_analysis.py's
// get_position_summary.
package portfolio

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/kiwoom-envelope/engine/internal/broker"
	"github.com/kiwoom-envelope/engine/internal/candlecache"
	"github.com/kiwoom-envelope/engine/internal/config"
	"github.com/kiwoom-envelope/engine/internal/position"
	"github.com/kiwoom-envelope/engine/pkg/utils"
	"github.com/kiwoom-envelope/engine/internal/ta"
)

// PositionSummary is a read-only snapshot of one instrument's position,
// mirroring get_position_summary's fields.
type PositionSummary struct {
	Instrument      string
	Phase           position.Phase
	Quantity        int64
	AvgPrice        int64
	LastPrice       int64
	ProfitRate      decimal.Decimal
	ProfitAmount    int64
	EvalAmount      int64
	TriggerPrice    int64
	EnvelopeLower   decimal.Decimal
	BuyCount        int
	SoldTargets     map[string]bool
	StoplossPrice   int64
}

// Reporter computes PositionSummary values on demand from the engine's live
// state; it holds no state of its own.
type Reporter struct {
	positions *position.Store
	candles   *candlecache.Cache
	store     *config.Store
}

// New creates a Reporter reading from the given collaborators.
func New(positions *position.Store, candles *candlecache.Cache, store *config.Store) *Reporter {
	return &Reporter{positions: positions, candles: candles, store: store}
}

// Summary returns the current summary for inst, or nil if no position is
// open (PhaseEmpty carries nothing worth reporting).
func (r *Reporter) Summary(ctx context.Context, inst broker.InstrumentKey) (*PositionSummary, error) {
	pos, err := r.positions.Get(string(inst))
	if err != nil {
		return nil, err
	}
	if pos.Phase() == position.PhaseEmpty {
		return nil, nil
	}

	doc, err := r.store.Snapshot()
	if err != nil {
		return nil, err
	}

	candles, err := r.candles.GetCandles(ctx, inst)
	if err != nil {
		return nil, err
	}

	var lastPrice int64
	if len(candles) > 0 {
		lastPrice = candles[0].Close
	}

	closes := make([]int64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	var envelopeLower decimal.Decimal
	var triggerPrice int64
	if ma, ok := ta.SMA(closes, doc.Buy.EnvelopePeriod); ok {
		_, lower := ta.Envelope(ma, doc.Buy.EnvelopeBuyPercent)
		envelopeLower = lower
		triggerPrice = ta.FloorToTickDecimal(lower)
	}

	summary := &PositionSummary{
		Instrument:    string(inst),
		Phase:         pos.Phase(),
		Quantity:      pos.Quantity,
		AvgPrice:      pos.AvgPrice,
		LastPrice:     lastPrice,
		EvalAmount:    lastPrice * pos.Quantity,
		TriggerPrice:  triggerPrice,
		EnvelopeLower: envelopeLower,
		BuyCount:      pos.BuyCount,
		SoldTargets:   pos.SoldTargets,
		StoplossPrice: pos.StoplossPrice,
	}
	if pos.AvgPrice > 0 {
		summary.ProfitAmount = (lastPrice - pos.AvgPrice) * pos.Quantity
		summary.ProfitRate = utils.RoundDecimal(decimal.NewFromInt(lastPrice-pos.AvgPrice).
			Div(decimal.NewFromInt(pos.AvgPrice)).
			Mul(decimal.NewFromInt(100)), 2)
	}
	return summary, nil
}

// AllSummaries returns a summary for every non-empty position, in no
// particular order.
func (r *Reporter) AllSummaries(ctx context.Context) ([]PositionSummary, error) {
	all, err := r.positions.Iterate()
	if err != nil {
		return nil, err
	}
	summaries := make([]PositionSummary, 0, len(all))
	for inst := range all {
		summary, err := r.Summary(ctx, broker.InstrumentKey(inst))
		if err != nil || summary == nil {
			continue
		}
		summaries = append(summaries, *summary)
	}
	return summaries, nil
}

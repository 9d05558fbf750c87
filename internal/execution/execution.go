// Package execution reconciles broker order/balance events against the
// ledger and position store, per spec.md §4.10. Adapted from the
// teacher's ExecutionAgent.HandleSignal branch-then-delegate dispatch
// shape: HandleOrderEvent/HandleBalanceEvent replace HandleSignal's
// entry/exit-signal switch, since this handler reacts to broker
// confirmations rather than strategy signals.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kiwoom-envelope/engine/internal/broker"
	"github.com/kiwoom-envelope/engine/internal/candlecache"
	"github.com/kiwoom-envelope/engine/internal/config"
	"github.com/kiwoom-envelope/engine/internal/engineerr"
	"github.com/kiwoom-envelope/engine/internal/ledger"
	"github.com/kiwoom-envelope/engine/internal/logger"
	"github.com/kiwoom-envelope/engine/internal/marketclock"
	"github.com/kiwoom-envelope/engine/internal/position"
	"github.com/kiwoom-envelope/engine/internal/requestqueue"
	"github.com/kiwoom-envelope/engine/internal/signal"
	"github.com/kiwoom-envelope/engine/internal/ta"
)

// lastExecuted tracks the running volume-weighted average of buy fills for
// an instrument, for audit/logging only — the position's authoritative
// avgPrice comes from the broker's balance event, per spec.md §4.10.
type lastExecuted struct {
	price int64
	qty   int64
}

// Handler consumes broker order and balance events and reconciles the
// ledger and position store, placing (or cancelling and replacing) the
// sell ladder when a buy settles or a manual sell reduces a holding.
type Handler struct {
	adapter    broker.Adapter
	orderQueue *requestqueue.Queue
	ledger     *ledger.Ledger
	positions  *position.Store
	candles    *candlecache.Cache
	store      *config.Store
	signal     *signal.Engine
	account    string
	log        *logger.Logger

	// Clock is consulted for the market-hours gate on sell-ladder
	// placement; it defaults to time.Now and is overridable in tests.
	Clock func() time.Time

	mu       sync.Mutex
	lastEx   map[broker.InstrumentKey]lastExecuted
	autoSell map[broker.InstrumentKey]bool
}

// New creates an execution Handler wired against the given collaborators.
func New(
	adapter broker.Adapter,
	orderQueue *requestqueue.Queue,
	led *ledger.Ledger,
	positions *position.Store,
	candles *candlecache.Cache,
	store *config.Store,
	account string,
) *Handler {
	return &Handler{
		adapter:    adapter,
		orderQueue: orderQueue,
		ledger:     led,
		positions:  positions,
		candles:    candles,
		store:      store,
		signal:     signal.New(),
		account:    account,
		log:        logger.Component("execution"),
		Clock:      time.Now,
		lastEx:     make(map[broker.InstrumentKey]lastExecuted),
		autoSell:   make(map[broker.InstrumentKey]bool),
	}
}

// HandleOrderEvent processes one chejan-style order-status event: on a fill
// (full or partial), it records the execution, updates the running average
// fill price, locates the matching ledger entry by (side, price) to learn
// its buyCount/targetName, and removes it from the ledger.
func (h *Handler) HandleOrderEvent(ev broker.OrderEvent) error {
	if ev.Status != broker.OrderStatusFilled && ev.Status != broker.OrderStatusPartiallyFilled {
		return nil
	}
	if ev.ExecQty <= 0 {
		return nil
	}

	if ev.Side == broker.SideBuy {
		h.updateRunningAverage(ev.Instrument, ev.ExecPrice, ev.ExecQty)
	}

	price := ev.ExecPrice
	entries, err := h.ledger.ForInstrument(string(ev.Instrument))
	if err != nil {
		return err
	}
	var buyCount int
	var targetName string
	for _, e := range entries {
		if e.Side == string(ev.Side) && e.LimitPrice == price {
			buyCount = e.BuyCount
			targetName = e.TargetName
			break
		}
	}

	if err := h.ledger.RemoveMatching(string(ev.Instrument), string(ev.Side), &price, nil); err != nil {
		return err
	}

	if err := h.recordExecution(ev, targetName); err != nil {
		return err
	}

	if ev.Side == broker.SideSell {
		if targetName != "" {
			if _, err := h.positions.ApplySellFill(string(ev.Instrument), targetName); err != nil {
				return err
			}
			h.markAutoSell(ev.Instrument)
		} else {
			h.log.Info("manual sell fill detected, no matching ladder rung",
				"instrument", string(ev.Instrument), "price", ev.ExecPrice)
		}
	}

	h.log.WithFields(map[string]any{
		"instrument": string(ev.Instrument),
		"side":       string(ev.Side),
		"qty":        ev.ExecQty,
		"price":      ev.ExecPrice,
		"buy_count":  buyCount,
		"target":     targetName,
	}).Order(map[string]any{"event": "fill"})

	return nil
}

// markAutoSell records that the most recent sell fill for inst matched a
// known ladder rung, for the following balance event to consume via
// popAutoSell.
func (h *Handler) markAutoSell(inst broker.InstrumentKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.autoSell[inst] = true
}

// popAutoSell reports and clears whether inst's last sell fill was
// classified as automatic, defaulting to false (manual) if HandleOrderEvent
// never ran or found no matching rung.
func (h *Handler) popAutoSell(inst broker.InstrumentKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	automatic := h.autoSell[inst]
	delete(h.autoSell, inst)
	return automatic
}

func (h *Handler) updateRunningAverage(inst broker.InstrumentKey, price, qty int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur := h.lastEx[inst]
	totalQty := cur.qty + qty
	if totalQty <= 0 {
		return
	}
	weighted := cur.price*cur.qty + price*qty
	h.lastEx[inst] = lastExecuted{price: weighted / totalQty, qty: totalQty}
}

func (h *Handler) recordExecution(ev broker.OrderEvent, targetName string) error {
	now := time.Now()
	key := fmt.Sprintf("%s|%s", now.Format("20060102"), ev.Instrument)
	return h.store.Mutate(func(doc *config.TradingDocument) error {
		doc.ExecutionHistory[key] = append(doc.ExecutionHistory[key], config.ExecutionRecord{
			Side:     string(ev.Side),
			Quantity: ev.ExecQty,
			Price:    ev.ExecPrice,
			Time:     now,
			OrderNo:  ev.OrderNo,
		})
		return nil
	})
}

// HandleBalanceEvent processes an authoritative balance update: on a
// quantity increase it applies the buy-settled transition and, if the
// position is open and the market is trading, (re)places the sell ladder.
// On a quantity decrease it first classifies the sell via popAutoSell,
// consuming the flag HandleOrderEvent set when the fill matched a known
// ladder rung: an automatic ladder fill keeps the remaining rungs as-is
// (HandleOrderEvent already recorded the target into soldTargets), while a
// manual sell — matching no ladder entry — marks sellOccurred directly and
// cancels/recomputes the ladder against the new remaining quantity. The
// sellOccurred marking happens before ApplyBalanceEvent's quantity update so
// a full exit still observes the position as Open/StopLossActive when the
// flag is set, landing on PhaseClosed rather than PhaseEmpty.
func (h *Handler) HandleBalanceEvent(ctx context.Context, ev broker.BalanceEvent) error {
	before, err := h.positions.Get(string(ev.Instrument))
	if err != nil {
		return err
	}

	isSell := ev.Quantity < before.Quantity
	automatic := false
	if isSell {
		automatic = h.popAutoSell(ev.Instrument)
		if !automatic {
			if _, err := h.positions.ApplySellFill(string(ev.Instrument), ""); err != nil {
				return err
			}
		}
	}

	after, err := h.positions.ApplyBalanceEvent(string(ev.Instrument), ev.Quantity, ev.AvgPrice)
	if err != nil {
		if engineerr.Is(err, engineerr.KindInvariantViolation) {
			h.log.WithError(err).Error("froze instrument after illegal balance transition",
				"instrument", string(ev.Instrument))
		}
		return err
	}

	switch {
	case ev.Quantity > before.Quantity:
		return h.onBuySettled(ctx, ev.Instrument, after)
	case isSell && ev.Quantity > 0 && !automatic:
		return h.onManualSellSettled(ctx, ev.Instrument, after)
	default:
		return nil
	}
}

func (h *Handler) onBuySettled(ctx context.Context, inst broker.InstrumentKey, pos position.Position) error {
	if !marketclock.IsOpen(h.Clock()) {
		return nil
	}
	return h.replaceSellLadder(ctx, inst, pos)
}

func (h *Handler) onManualSellSettled(ctx context.Context, inst broker.InstrumentKey, pos position.Position) error {
	if _, err := h.adapter.CancelSellsForInstrument(ctx, h.account, inst); err != nil {
		return err
	}
	if err := h.ledger.ClearFor(string(inst), "sell"); err != nil {
		return err
	}
	if !marketclock.IsOpen(h.Clock()) {
		return nil
	}
	return h.replaceSellLadder(ctx, inst, pos)
}

// RestoreSellLadder (re)places the sell ladder for inst's current position,
// used by the coordinator's session-open restoration and startup sync per
// spec.md §4.11 — unlike onBuySettled/onManualSellSettled it is not gated
// on market hours, since the caller has already established the market is
// open before invoking it.
func (h *Handler) RestoreSellLadder(ctx context.Context, inst broker.InstrumentKey) error {
	pos, err := h.positions.Get(string(inst))
	if err != nil {
		return err
	}
	if pos.Phase() != position.PhaseOpen && pos.Phase() != position.PhaseStopLossActive {
		return nil
	}
	return h.replaceSellLadder(ctx, inst, pos)
}

// EnsureStopLossOrder places a limit sell for inst's persisted stop-loss
// price if the ledger does not already carry a matching entry, restoring a
// stop-loss order the broker may have dropped (e.g. end-of-day
// cancellation), per spec.md §4.11's ensureAllStoplossOrders.
func (h *Handler) EnsureStopLossOrder(ctx context.Context, inst broker.InstrumentKey) error {
	pos, err := h.positions.Get(string(inst))
	if err != nil {
		return err
	}
	if pos.Phase() != position.PhaseStopLossActive || pos.Quantity <= 0 {
		return nil
	}

	entries, err := h.ledger.ForInstrument(string(inst))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Side == "sell" && e.TargetName == signal.TargetStopLoss {
			return nil
		}
	}

	limitPrice := ta.FloorToTick(pos.StoplossPrice)
	return h.placeSell(ctx, inst, signal.Intent{
		LimitPrice: limitPrice,
		Quantity:   pos.Quantity,
		TargetName: signal.TargetStopLoss,
	}, true)
}

// replaceSellLadder recomputes the sell ladder against pos.Quantity (the
// current remaining quantity — not pos.OriginalInitialQuantity, which is
// retained only for audit) and places each un-sold rung as a limit order,
// saving it to the ledger on successful placement.
func (h *Handler) replaceSellLadder(ctx context.Context, inst broker.InstrumentKey, pos position.Position) error {
	if pos.Quantity <= 0 {
		return nil
	}

	doc, err := h.store.Snapshot()
	if err != nil {
		return err
	}

	candles, err := h.candles.GetCandles(ctx, inst)
	if err != nil {
		return err
	}
	closes := make([]int64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	ma, ok := ta.SMA(closes, doc.Buy.EnvelopePeriod)
	if !ok {
		return engineerr.New(engineerr.KindCacheMiss, "replaceSellLadder", string(inst), nil)
	}

	intents := h.signal.ComputeSellLadder(string(inst), pos.AvgPrice, pos.Quantity, ma, pos.SoldTargets, doc.Sell)

	for _, intent := range intents {
		if err := h.placeSell(ctx, inst, intent, false); err != nil {
			h.log.WithError(err).Error("sell ladder placement failed",
				"instrument", string(inst), "target", intent.TargetName)
			continue
		}
	}
	return nil
}

func (h *Handler) placeSell(ctx context.Context, inst broker.InstrumentKey, intent signal.Intent, persist bool) error {
	type placeResult struct {
		code int
		err  error
	}
	resCh := make(chan placeResult, 1)

	h.orderQueue.Enqueue(func(opCtx context.Context) (any, error) {
		code, err := h.adapter.SendOrder(opCtx, broker.OrderRequest{
			Action:     broker.ActionSell,
			Account:    h.account,
			Instrument: inst,
			Quantity:   intent.Quantity,
			Price:      intent.LimitPrice,
			PriceKind:  broker.PriceKindLimit,
		})
		return code, err
	}, func(result any, err error) {
		code, _ := result.(int)
		resCh <- placeResult{code: code, err: err}
	})

	var res placeResult
	select {
	case res = <-resCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.err != nil {
		return res.err
	}
	if res.code != 0 {
		return engineerr.WithCode(engineerr.KindOrderRejected, "placeSell", string(inst), res.code, nil)
	}

	return h.ledger.Save(string(inst), ledger.PendingOrder{
		Side:       "sell",
		Quantity:   intent.Quantity,
		LimitPrice: intent.LimitPrice,
		TargetName: intent.TargetName,
		Persist:    persist,
	})
}

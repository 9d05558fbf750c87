// Package coordinator binds the engine's components into the decision
// loop and owns its lifecycle, per spec.md §4.11. Grounded on the
// teacher's cmd/bot/main.go initializeBot/setupCallbacks/runHeadless
// lifecycle (context + signal.Notify shutdown, periodic status logging)
// and strategy/scalping.go's Start/Stop done-channel pattern.
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kiwoom-envelope/engine/internal/broker"
	"github.com/kiwoom-envelope/engine/internal/candlecache"
	"github.com/kiwoom-envelope/engine/internal/config"
	"github.com/kiwoom-envelope/engine/internal/debounce"
	"github.com/kiwoom-envelope/engine/internal/engineerr"
	"github.com/kiwoom-envelope/engine/internal/execution"
	"github.com/kiwoom-envelope/engine/internal/ledger"
	"github.com/kiwoom-envelope/engine/internal/logger"
	"github.com/kiwoom-envelope/engine/internal/marketclock"
	"github.com/kiwoom-envelope/engine/internal/position"
	"github.com/kiwoom-envelope/engine/internal/ratelimit"
	"github.com/kiwoom-envelope/engine/internal/requestqueue"
	"github.com/kiwoom-envelope/engine/internal/risk"
	"github.com/kiwoom-envelope/engine/internal/signal"
	"github.com/kiwoom-envelope/engine/internal/subscription"
	"github.com/kiwoom-envelope/engine/internal/ta"
	"github.com/kiwoom-envelope/engine/internal/telemetry"
)

const (
	drainInterval       = 100 * time.Millisecond
	minSubmissionGap    = 350 * time.Millisecond
	pollingInterval     = 30 * time.Second
	pollingTopN         = 5
	marketWatchInterval = 60 * time.Second
	intentQueueCapacity = 256
)

// Coordinator wires RateLimiter, RequestQueue, CandleCache, Debouncer,
// SubscriptionAllocator, SignalEngine, OrderLedger, PositionStore, and
// ExecutionHandler into the realtime decision loop described by spec.md
// §4.11/§5.
type Coordinator struct {
	adapter     broker.Adapter
	queryQueue  *requestqueue.Queue
	orderQueue  *requestqueue.Queue
	rateLimiter *ratelimit.SlidingWindow
	candles     *candlecache.Cache
	debouncer   *debounce.Debouncer
	subs        *subscription.Allocator
	signal      *signal.Engine
	ledger      *ledger.Ledger
	positions   *position.Store
	exec        *execution.Handler
	risk        *risk.Guard
	metrics     *telemetry.Metrics
	store       *config.Store
	account     string
	log         *logger.Logger

	Clock func() time.Time

	ticks   *tickQueue
	intents chan signal.Intent

	mu      sync.Mutex
	running bool
	stopping bool
	watchlist []broker.InstrumentKey
	dones []chan struct{}
}

// New creates a Coordinator wiring the given collaborators.
func New(
	adapter broker.Adapter,
	queryQueue, orderQueue *requestqueue.Queue,
	rateLimiter *ratelimit.SlidingWindow,
	candles *candlecache.Cache,
	debouncer *debounce.Debouncer,
	subs *subscription.Allocator,
	led *ledger.Ledger,
	positions *position.Store,
	exec *execution.Handler,
	guard *risk.Guard,
	metrics *telemetry.Metrics,
	store *config.Store,
	account string,
) *Coordinator {
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	return &Coordinator{
		adapter:     adapter,
		queryQueue:  queryQueue,
		orderQueue:  orderQueue,
		rateLimiter: rateLimiter,
		candles:     candles,
		debouncer:   debouncer,
		subs:        subs,
		signal:      signal.New(),
		ledger:      led,
		positions:   positions,
		exec:        exec,
		risk:        guard,
		metrics:     metrics,
		store:       store,
		account:     account,
		log:         logger.Component("coordinator"),
		Clock:       time.Now,
		ticks:       newTickQueue(),
		intents:     make(chan signal.Intent, intentQueueCapacity),
	}
}

// SetWatchlist replaces the instrument universe the coordinator trades and
// polls, and immediately reconciles realtime subscriptions against it.
func (c *Coordinator) SetWatchlist(instruments []broker.InstrumentKey) {
	c.mu.Lock()
	c.watchlist = instruments
	c.mu.Unlock()
	c.candles.SetWatchlist(instruments)
	c.reconcileSubscriptions(context.Background())
}

// reconcileSubscriptions diffs the current watchlist+holders against the
// allocator's slot membership and applies the register/unregister calls,
// returning the instruments left over for polling.
func (c *Coordinator) reconcileSubscriptions(ctx context.Context) []broker.InstrumentKey {
	c.mu.Lock()
	watchlist := c.watchlist
	c.mu.Unlock()
	if len(watchlist) == 0 {
		return nil
	}

	diffs, polling := c.subs.Reconcile(watchlist, c.holderList())
	for _, d := range diffs {
		if len(d.Unregister) > 0 {
			for _, inst := range d.Unregister {
				if err := c.adapter.UnsubscribeRealtime(d.Slot, inst); err != nil {
					c.log.WithError(err).Error("unsubscribe failed", "slot", d.Slot, "instrument", string(inst))
				}
			}
		}
		if len(d.Register) > 0 {
			if err := c.adapter.SubscribeRealtime(d.Slot, d.Register, nil, broker.SubscribeAppend); err != nil {
				c.log.WithError(err).Error("subscribe failed", "slot", d.Slot)
			}
		}
	}
	return polling
}

// Start runs the startup state sync (spec.md §4.11 step 1) and, if it
// succeeds, launches the background loops (ingestion, signal worker,
// drain, polling, market-open watcher).
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.stopping = false
	c.mu.Unlock()

	if err := c.startupSync(ctx); err != nil {
		c.log.WithError(err).Error("startup sync failed")
	}

	c.candles.Start(ctx)
	c.orderQueue.Start(ctx)
	c.queryQueue.Start(ctx)

	loops := []func(context.Context, <-chan struct{}){
		c.runIngestion,
		c.runSignalWorker,
		c.runDrainLoop,
		c.runPollingTimer,
		c.runMarketOpenWatcher,
	}
	c.mu.Lock()
	c.dones = make([]chan struct{}, len(loops))
	for i := range c.dones {
		c.dones[i] = make(chan struct{})
	}
	dones := c.dones
	c.mu.Unlock()

	for i, loop := range loops {
		go loop(ctx, dones[i])
	}
	return nil
}

// Stop sets the stopping flag (checked by every timer loop), stops both
// subscription slots, and halts the request queues and candle scheduler.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.stopping = true
	dones := c.dones
	c.mu.Unlock()

	for _, d := range dones {
		close(d)
	}

	for slot := 0; slot < subscription.SlotCount; slot++ {
		_ = c.adapter.UnsubscribeRealtime(slot, broker.InstrumentKey(""))
	}
	c.orderQueue.Stop()
	c.queryQueue.Stop()
	c.candles.Stop()
}

func (c *Coordinator) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// startupSync performs spec.md §4.11 step 1: refresh positions from the
// broker's authoritative balance, heuristically rebuild soldTargets from
// today's executions, housekeep the ledger, and — if the market is open —
// restore stop-loss orders, sell ladders, and any pending orders the
// ledger still records but the broker no longer shows as open.
func (c *Coordinator) startupSync(ctx context.Context) error {
	c.checkDayRollover()

	balance, err := c.adapter.GetBalance(ctx, c.account)
	if err != nil {
		return err
	}

	doc, err := c.store.Snapshot()
	if err != nil {
		return err
	}

	openPositions := make(map[string]bool, len(balance.Holdings))
	for _, h := range balance.Holdings {
		openPositions[string(h.Instrument)] = true
		if _, err := c.positions.ApplyBalanceEvent(string(h.Instrument), h.Quantity, h.AvgPrice); err != nil {
			c.log.WithError(err).Error("startup sync: reconcile holding failed", "instrument", string(h.Instrument))
		}
	}

	executions, err := c.adapter.TodayExecutions(ctx, c.account)
	if err != nil {
		return err
	}
	for _, ex := range executions {
		if ex.Side != broker.SideSell {
			continue
		}
		pos, err := c.positions.Get(string(ex.Instrument))
		if err != nil || pos.Phase() != position.PhaseOpen {
			continue
		}
		target := matchTargetName(pos.AvgPrice, ex.Price, doc.Sell)
		if pos.SoldTargets[target] {
			continue
		}
		if _, err := c.positions.ApplySellFill(string(ex.Instrument), target); err != nil {
			c.log.WithError(err).Error("startup sync: soldTargets rebuild failed", "instrument", string(ex.Instrument))
		}
	}

	if err := c.ledger.HousekeepStale(openPositions); err != nil {
		return err
	}

	if err := c.store.PruneExecutionHistory(c.Clock()); err != nil {
		c.log.WithError(err).Error("startup sync: execution history prune failed")
	}

	if !marketclock.IsOpen(c.Clock()) {
		return nil
	}

	for inst := range openPositions {
		key := broker.InstrumentKey(inst)
		if err := c.exec.EnsureStopLossOrder(ctx, key); err != nil {
			c.log.WithError(err).Error("startup sync: ensure stop-loss failed", "instrument", inst)
		}
		if err := c.exec.RestoreSellLadder(ctx, key); err != nil {
			c.log.WithError(err).Error("startup sync: restore sell ladder failed", "instrument", inst)
		}
	}

	return c.replayLedger(ctx)
}

// replayLedger resubmits any ledger entry not reflected among the
// broker's open orders — the broker-side order was likely cancelled (or
// never made it through a prior crash) while our durable record survived.
func (c *Coordinator) replayLedger(ctx context.Context) error {
	open, err := c.adapter.OpenOrders(ctx, c.account)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(open))
	for _, o := range open {
		live[liveOrderKey(string(o.Instrument), string(o.Side), o.Price)] = true
	}

	all, err := c.ledger.All()
	if err != nil {
		return err
	}
	for inst, orders := range all {
		for _, po := range orders {
			if live[liveOrderKey(inst, po.Side, po.LimitPrice)] {
				continue
			}
			if err := c.resubmit(ctx, broker.InstrumentKey(inst), po); err != nil {
				c.log.WithError(err).Error("replay ledger: resubmit failed", "instrument", inst, "target", po.TargetName)
			}
		}
	}
	return nil
}

func liveOrderKey(inst, side string, price int64) string {
	return inst + "|" + side + "|" + itoa(price)
}

func (c *Coordinator) resubmit(ctx context.Context, inst broker.InstrumentKey, po ledger.PendingOrder) error {
	action := broker.ActionBuy
	if po.Side == "sell" {
		action = broker.ActionSell
	}
	return c.submitOrder(ctx, inst, action, po.Quantity, po.LimitPrice)
}

// matchTargetName finds which fixed sell-ladder rung a historical
// execution price most plausibly belongs to, for heuristically rebuilding
// soldTargets on startup. Falls back to the MA rung when no profit target
// is within one tick of the execution price.
func matchTargetName(avgPrice, execPrice int64, cfg config.SellConfig) string {
	names := []string{signal.TargetProfit1, signal.TargetProfit2, signal.TargetProfit3}
	tick := ta.TickSize(avgPrice)
	for i, pct := range cfg.ProfitTargets {
		if i >= len(names) {
			break
		}
		rungPrice := int64(float64(avgPrice) * (1 + pct/100.0))
		if abs64(rungPrice-execPrice) <= tick {
			return names[i]
		}
	}
	return signal.TargetMA
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// runIngestion consumes adapter events: realtime prices are debounced and
// pushed to the tick queue; order and balance events are handed straight
// to the ExecutionHandler, since they must be processed on the main
// context per spec.md §5.
func (c *Coordinator) runIngestion(ctx context.Context, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev, ok := <-c.adapter.Events():
			if !ok {
				return
			}
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, ev broker.Event) {
	switch ev.Kind {
	case broker.EventRealtimePrice:
		if ev.RealtimePrice == nil {
			return
		}
		r := ev.RealtimePrice
		if c.debouncer.Admit(string(r.Instrument), r.Price, r.Volume) {
			c.ticks.push(*r)
		}
	case broker.EventOrder:
		if ev.Order == nil {
			return
		}
		if err := c.exec.HandleOrderEvent(*ev.Order); err != nil {
			c.log.WithError(err).Error("order event handling failed", "instrument", string(ev.Order.Instrument))
		}
	case broker.EventBalance:
		if ev.Balance == nil {
			return
		}
		if err := c.exec.HandleBalanceEvent(ctx, *ev.Balance); err != nil {
			c.log.WithError(err).Error("balance event handling failed", "instrument", string(ev.Balance.Instrument))
		}
	}
}

// runSignalWorker pulls ticks, consults cached candles, and evaluates the
// buy/stop-loss decision path, pushing the resulting intents (priority-
// ordered) to the intent queue.
func (c *Coordinator) runSignalWorker(ctx context.Context, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		default:
		}
		if c.isStopping() {
			return
		}
		tick, ok := c.ticks.pop(ctx, 500*time.Millisecond)
		if !ok {
			continue
		}
		c.evaluate(ctx, tick.Instrument, tick.Price)
	}
}

// evaluate runs the buy/stop-loss decision path for one instrument at the
// given last price, used by both the tick-driven signal worker and the
// polling timer for un-subscribed watchlist instruments.
func (c *Coordinator) evaluate(ctx context.Context, inst broker.InstrumentKey, price int64) {
	doc, err := c.store.Snapshot()
	if err != nil {
		c.log.WithError(err).Debug("evaluate: snapshot failed", "instrument", string(inst))
		return
	}
	candles, err := c.candles.GetCandles(ctx, inst)
	if err != nil {
		c.log.WithError(err).Debug("evaluate: candle fetch failed", "instrument", string(inst))
		return
	}
	closes := make([]int64, len(candles))
	for i, cndl := range candles {
		closes[i] = cndl.Close
	}
	ma, ok := ta.SMA(closes, doc.Buy.EnvelopePeriod)
	if !ok {
		return
	}

	pos, err := c.positions.Get(string(inst))
	if err != nil {
		return
	}

	var intents []signal.Intent
	switch pos.Phase() {
	case position.PhaseEmpty:
		holderCount, err := c.openPositionCount()
		if err != nil {
			return
		}
		if ok, reason := c.risk.CanOpenNewPosition(holderCount); !ok {
			c.log.Debug("buy evaluation skipped by risk guard", "instrument", string(inst), "reason", reason)
			return
		}
		if buyIntents, fired := c.signal.EvaluateBuy(string(inst), price, ma, pos, holderCount, doc.Buy); fired {
			intents = append(intents, buyIntents...)
		}
	case position.PhaseOpen:
		if intent, fired := c.signal.EvaluateStopLoss(string(inst), price, pos.AvgPrice, pos.Quantity, pos.SoldTargets); fired {
			intents = append(intents, intent)
		}
	}

	sort.SliceStable(intents, func(i, j int) bool { return intents[i].Priority < intents[j].Priority })
	for _, in := range intents {
		c.metrics.RecordSignal(string(in.Kind))
		select {
		case c.intents <- in:
		default:
			c.log.Error("intent queue full, dropping intent", "instrument", string(inst), "target", in.TargetName)
		}
	}
}

func (c *Coordinator) openPositionCount() (int, error) {
	all, err := c.positions.Iterate()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range all {
		if p.Phase() == position.PhaseOpen || p.Phase() == position.PhaseStopLossActive {
			n++
		}
	}
	c.metrics.SetOpenPositions(n)
	return n, nil
}

// runDrainLoop dispatches at most one intent per 100ms tick, enforcing
// minSubmissionGap between order submissions; dispatch itself also waits on
// rateLimiter.
func (c *Coordinator) runDrainLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	var lastSubmit time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if c.isStopping() {
				return
			}
			if time.Since(lastSubmit) < minSubmissionGap {
				continue
			}
			cooldown := c.risk.InCooldown()
			c.metrics.SetCooldownActive(cooldown)
			if cooldown {
				continue
			}
			select {
			case in := <-c.intents:
				if err := c.dispatch(ctx, in); err != nil {
					c.log.WithError(err).Error("intent dispatch failed", "instrument", in.Instrument, "target", in.TargetName)
				}
				lastSubmit = time.Now()
			default:
			}
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, in signal.Intent) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	inst := broker.InstrumentKey(in.Instrument)
	switch in.Kind {
	case signal.IntentBuy:
		if err := c.submitOrder(ctx, inst, broker.ActionBuy, in.Quantity, in.LimitPrice); err != nil {
			return err
		}
		c.metrics.RecordOrder(in.Instrument, "buy", string(in.Kind))
		return c.ledger.Save(in.Instrument, ledger.PendingOrder{
			Side:       "buy",
			Quantity:   in.Quantity,
			LimitPrice: in.LimitPrice,
			BuyCount:   in.BuyCount,
		})

	case signal.IntentStopLoss:
		if _, err := c.positions.TriggerStopLoss(in.Instrument, in.LimitPrice); err != nil {
			return err
		}
		if _, err := c.adapter.CancelAllForInstrument(ctx, c.account, inst); err != nil {
			c.log.WithError(err).Error("stop-loss cancel-first failed", "instrument", in.Instrument)
		}
		// Clear every stale buy/sell ledger entry for this instrument before
		// saving the stop-loss order, so the ledger ends up with exactly one
		// sell entry for a stoplossTriggered position, per spec.md §8.
		if err := c.ledger.ClearFor(in.Instrument, ""); err != nil {
			c.log.WithError(err).Error("stop-loss ledger clear failed", "instrument", in.Instrument)
		}
		if err := c.submitOrder(ctx, inst, broker.ActionSell, in.Quantity, in.LimitPrice); err != nil {
			return err
		}
		c.metrics.RecordOrder(in.Instrument, "sell", string(in.Kind))
		return c.ledger.Save(in.Instrument, ledger.PendingOrder{
			Side:       "sell",
			Quantity:   in.Quantity,
			LimitPrice: in.LimitPrice,
			TargetName: in.TargetName,
			Persist:    true,
		})
	}
	return nil
}

func (c *Coordinator) submitOrder(ctx context.Context, inst broker.InstrumentKey, action broker.OrderAction, qty, price int64) error {
	type result struct {
		code int
		err  error
	}
	resCh := make(chan result, 1)
	start := c.Clock()

	c.orderQueue.Enqueue(func(opCtx context.Context) (any, error) {
		code, err := c.adapter.SendOrder(opCtx, broker.OrderRequest{
			Action:     action,
			Account:    c.account,
			Instrument: inst,
			Quantity:   qty,
			Price:      price,
			PriceKind:  broker.PriceKindLimit,
		})
		return code, err
	}, func(r any, err error) {
		code, _ := r.(int)
		resCh <- result{code: code, err: err}
	})

	var res result
	select {
	case res = <-resCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.metrics.ObserveAPILatency("send-order", c.Clock().Sub(start))
	if res.err != nil {
		c.risk.RecordOrderFailure()
		c.metrics.RecordOrderError(string(inst))
		return res.err
	}
	if res.code != 0 {
		c.risk.RecordOrderFailure()
		c.metrics.RecordOrderError(string(inst))
		return engineerr.WithCode(engineerr.KindOrderRejected, "submitOrder", string(inst), res.code, nil)
	}
	c.risk.RecordOrderSuccess()
	return nil
}

// runPollingTimer walks the top pollingTopN un-subscribed watchlist
// instruments every 30s and runs the same decision path using cached
// candles and the last known stock info, since these instruments carry no
// realtime feed.
func (c *Coordinator) runPollingTimer(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if c.isStopping() {
				return
			}
			c.pollNextBatch(ctx)
		}
	}
}

func (c *Coordinator) pollNextBatch(ctx context.Context) {
	polling := c.reconcileSubscriptions(ctx)
	if len(polling) == 0 {
		return
	}
	batch := polling
	if len(batch) > pollingTopN {
		batch = batch[:pollingTopN]
	}
	for _, inst := range batch {
		info, err := c.adapter.GetStockInfo(ctx, inst)
		if err != nil {
			c.log.WithError(err).Debug("poll: stock info fetch failed", "instrument", string(inst))
			continue
		}
		c.evaluate(ctx, inst, info.Price)
	}
}

func (c *Coordinator) holderList() []broker.InstrumentKey {
	all, err := c.positions.Iterate()
	if err != nil {
		return nil
	}
	holders := make([]broker.InstrumentKey, 0, len(all))
	for inst, p := range all {
		if p.Phase() == position.PhaseOpen || p.Phase() == position.PhaseStopLossActive {
			holders = append(holders, broker.InstrumentKey(inst))
		}
	}
	return holders
}

// runMarketOpenWatcher checks every 60s whether restoration needs to run:
// once when the market transitions open and restoration hasn't happened
// yet this session, and again if the broker later reports zero open
// orders while the ledger is non-empty (assumed broker-side cancellation).
func (c *Coordinator) runMarketOpenWatcher(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(marketWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if c.isStopping() {
				return
			}
			c.checkDayRollover()
			c.checkMarketOpenRestoration(ctx)
		}
	}
}

// checkDayRollover compares the session's last-recorded trading date against
// today and, on a mismatch, rolls every Closed position back to Empty
// (clearing sellOccurred so same-day re-entry blocking no longer applies,
// per spec.md §3/§4.11) and resets the restoration/sync flags for the new
// session. Called once from startupSync and again on every
// runMarketOpenWatcher tick so a long-running process still rolls over at
// midnight without a restart.
func (c *Coordinator) checkDayRollover() {
	doc, err := c.store.Snapshot()
	if err != nil {
		return
	}

	today := c.Clock().Format("20060102")
	if doc.Session.LastTradingDate == today {
		return
	}

	all, err := c.positions.Iterate()
	if err != nil {
		c.log.WithError(err).Error("day rollover: failed to list positions")
	}
	for inst, pos := range all {
		if pos.Phase() != position.PhaseClosed {
			continue
		}
		if _, err := c.positions.RolloverNewDay(inst); err != nil {
			c.log.WithError(err).Error("day rollover: failed to roll over closed position", "instrument", inst)
		}
	}

	if err := c.store.Mutate(func(d *config.TradingDocument) error {
		d.Session.LastTradingDate = today
		d.Session.OrdersRestored = false
		d.Session.StateSynced = false
		return nil
	}); err != nil {
		c.log.WithError(err).Error("day rollover: failed to persist new session date")
		return
	}

	c.log.Info("new trading day", "date", today, "previous", doc.Session.LastTradingDate)
}

func (c *Coordinator) checkMarketOpenRestoration(ctx context.Context) {
	if !marketclock.IsOpen(c.Clock()) {
		return
	}

	doc, err := c.store.Snapshot()
	if err != nil {
		return
	}

	needsRestore := !doc.Session.OrdersRestored
	if doc.Session.OrdersRestored {
		open, err := c.adapter.OpenOrders(ctx, c.account)
		if err == nil && len(open) == 0 {
			all, err := c.ledger.All()
			if err == nil && len(all) > 0 {
				needsRestore = true
			}
		}
	}
	if !needsRestore {
		return
	}

	if err := c.replayLedger(ctx); err != nil {
		c.log.WithError(err).Error("market-open watcher: ledger replay failed")
		return
	}
	_ = c.store.Mutate(func(d *config.TradingDocument) error {
		d.Session.OrdersRestored = true
		return nil
	})
}

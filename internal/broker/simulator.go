package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiwoom-envelope/engine/internal/engineerr"
)

// Simulator is a scriptable, in-memory Adapter used by tests and
// standalone runs. Generalized from the teacher's exchanges.MockExchange
// fixture style (preset balances/positions/orders, settable errors) into
// the Korean-brokerage vocabulary: holdings instead of leveraged
// positions, order numbers instead of client order IDs, chejan-style
// order/balance events instead of a plain order-status return value.
type Simulator struct {
	mu sync.Mutex

	accounts []string

	stockInfo map[InstrumentKey]*StockInfo
	candles   map[InstrumentKey][]Candle

	deposit  map[string]*DepositDetail
	holdings map[string]map[InstrumentKey]*Holding

	openOrders map[string]*simOrder // keyed by order number
	executions map[string][]ExecutionRecord

	subscriptions map[int]map[InstrumentKey]bool

	connectErr error
	nextOrder  func() string // overridable for deterministic tests

	events chan Event
}

type simOrder struct {
	OrderNo    string
	Account    string
	Instrument InstrumentKey
	Side       Side
	Quantity   int64
	Price      int64
	Unfilled   int64
}

// NewSimulator creates an empty simulator; use the Seed* helpers to
// populate fixtures before exercising an Adapter consumer against it.
func NewSimulator() *Simulator {
	return &Simulator{
		stockInfo:     make(map[InstrumentKey]*StockInfo),
		candles:       make(map[InstrumentKey][]Candle),
		deposit:       make(map[string]*DepositDetail),
		holdings:      make(map[string]map[InstrumentKey]*Holding),
		openOrders:    make(map[string]*simOrder),
		executions:    make(map[string][]ExecutionRecord),
		subscriptions: make(map[int]map[InstrumentKey]bool),
		nextOrder:     func() string { return uuid.NewString() },
		events:        make(chan Event, 1024),
	}
}

// --- fixture setup, not part of Adapter ---

func (s *Simulator) SeedAccount(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := false
	for _, a := range s.accounts {
		if a == account {
			known = true
			break
		}
	}
	if !known {
		s.accounts = append(s.accounts, account)
	}
	if s.holdings[account] == nil {
		s.holdings[account] = make(map[InstrumentKey]*Holding)
	}
	if s.deposit[account] == nil {
		s.deposit[account] = &DepositDetail{}
	}
}

func (s *Simulator) SeedStockInfo(info StockInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := info
	s.stockInfo[info.Instrument] = &cp
}

// SeedCandles stores candles most-recent-first, as the adapter contract requires.
func (s *Simulator) SeedCandles(inst InstrumentKey, candles []Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[inst] = candles
}

func (s *Simulator) SeedDeposit(account string, d DepositDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := d
	s.deposit[account] = &cp
}

func (s *Simulator) SeedHolding(account string, h Holding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holdings[account] == nil {
		s.holdings[account] = make(map[InstrumentKey]*Holding)
	}
	cp := h
	s.holdings[account][h.Instrument] = &cp
}

// SetConnectError makes the next Connect call fail, for error-path tests.
func (s *Simulator) SetConnectError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

// SetOrderNumberGenerator overrides order-number generation for
// deterministic assertions in tests.
func (s *Simulator) SetOrderNumberGenerator(fn func() string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOrder = fn
}

// --- event drivers, not part of Adapter ---

// PushRealtimePrice enqueues a tick event, simulating the adapter's main-
// context callback.
func (s *Simulator) PushRealtimePrice(inst InstrumentKey, price, volume int64) {
	s.events <- Event{
		Kind: EventRealtimePrice,
		RealtimePrice: &RealtimePriceEvent{
			Instrument: inst,
			Price:      price,
			Volume:     volume,
		},
	}
}

// Fill simulates a (partial or complete) fill of orderNo, updating
// holdings/balance and emitting the order event followed by the
// authoritative balance event, matching spec.md §4.10's expectation that
// ExecutionHandler treats the balance event as authoritative quantity.
func (s *Simulator) Fill(account, orderNo string, qty int64) error {
	s.mu.Lock()

	order, ok := s.openOrders[orderNo]
	if !ok {
		s.mu.Unlock()
		return engineerr.New(engineerr.KindOrderRejected, "Fill", orderNo, nil)
	}
	if qty > order.Unfilled {
		qty = order.Unfilled
	}
	order.Unfilled -= qty

	status := OrderStatusPartiallyFilled
	if order.Unfilled == 0 {
		status = OrderStatusFilled
		delete(s.openOrders, orderNo)
	}

	h := s.holdings[account][order.Instrument]
	if h == nil {
		h = &Holding{Instrument: order.Instrument}
		s.holdings[account][order.Instrument] = h
	}

	switch order.Side {
	case SideBuy:
		totalCost := h.AvgPrice*h.Quantity + order.Price*qty
		h.Quantity += qty
		if h.Quantity > 0 {
			h.AvgPrice = totalCost / h.Quantity
		}
	case SideSell:
		h.Quantity -= qty
		if h.Quantity <= 0 {
			h.Quantity = 0
			h.AvgPrice = 0
		}
	}

	key := time.Now().UTC().Format("20060102") + "|" + string(order.Instrument)
	s.executions[key] = append(s.executions[key], ExecutionRecord{
		Instrument: order.Instrument,
		Side:       order.Side,
		Quantity:   qty,
		Price:      order.Price,
		Amount:     order.Price * qty,
		Time:       time.Now(),
		OrderNo:    orderNo,
	})

	instrument, side, execQty, execPrice := order.Instrument, order.Side, qty, order.Price
	resultingQty, resultingAvg := h.Quantity, h.AvgPrice
	s.mu.Unlock()

	s.events <- Event{
		Kind: EventOrder,
		Order: &OrderEvent{
			Instrument: instrument,
			OrderNo:    orderNo,
			Status:     status,
			Side:       side,
			ExecQty:    execQty,
			ExecPrice:  execPrice,
		},
	}
	s.events <- Event{
		Kind: EventBalance,
		Balance: &BalanceEvent{
			Instrument: instrument,
			Quantity:   resultingQty,
			AvgPrice:   resultingAvg,
		},
	}
	return nil
}

// --- Adapter implementation ---

func (s *Simulator) Connect(ctx context.Context) (ServerKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return "", engineerr.New(engineerr.KindNotConnected, "Connect", "", s.connectErr)
	}
	return ServerKindPaper, nil
}

func (s *Simulator) Accounts(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.accounts) == 0 {
		return nil, engineerr.New(engineerr.KindNoAccount, "Accounts", "", nil)
	}
	out := make([]string, len(s.accounts))
	copy(out, s.accounts)
	return out, nil
}

func (s *Simulator) SubscribeRealtime(slotID int, instruments []InstrumentKey, fields []string, mode SubscribeMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriptions[slotID] == nil || mode == SubscribeReplace {
		s.subscriptions[slotID] = make(map[InstrumentKey]bool)
	}
	for _, inst := range instruments {
		s.subscriptions[slotID][inst] = true
	}
	return nil
}

func (s *Simulator) UnsubscribeRealtime(slotID int, instrument InstrumentKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if instrument == "" {
		delete(s.subscriptions, slotID)
		return nil
	}
	if set, ok := s.subscriptions[slotID]; ok {
		delete(set, instrument)
	}
	return nil
}

func (s *Simulator) GetStockInfo(ctx context.Context, inst InstrumentKey) (*StockInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.stockInfo[inst]
	if !ok {
		return nil, engineerr.New(engineerr.KindCacheMiss, "GetStockInfo", string(inst), nil)
	}
	cp := *info
	return &cp, nil
}

func (s *Simulator) GetDailyCandles(ctx context.Context, inst InstrumentKey, count int) ([]Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, ok := s.candles[inst]
	if !ok {
		return nil, engineerr.New(engineerr.KindCacheMiss, "GetDailyCandles", string(inst), nil)
	}
	if count > len(all) {
		count = len(all)
	}
	out := make([]Candle, count)
	copy(out, all[:count])
	return out, nil
}

func (s *Simulator) GetBalance(ctx context.Context, account string) (*BalanceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	holdingsByInst, ok := s.holdings[account]
	if !ok {
		return nil, engineerr.New(engineerr.KindNoAccount, "GetBalance", account, nil)
	}

	snap := &BalanceSnapshot{}
	if d := s.deposit[account]; d != nil {
		snap.Deposit = d.Deposit
	}
	for _, h := range holdingsByInst {
		if h.Quantity == 0 {
			continue
		}
		info := s.stockInfo[h.Instrument]
		current := h.AvgPrice
		if info != nil {
			current = info.Price
		}
		eval := current * h.Quantity
		purchase := h.AvgPrice * h.Quantity
		profit := eval - purchase
		var rate float64
		if purchase != 0 {
			rate = float64(profit) / float64(purchase) * 100
		}
		snap.TotalPurchase += purchase
		snap.TotalEval += eval
		snap.TotalProfit += profit
		snap.Holdings = append(snap.Holdings, Holding{
			Instrument:    h.Instrument,
			Name:          h.Name,
			Quantity:      h.Quantity,
			AvgPrice:      h.AvgPrice,
			CurrentPrice:  current,
			EvalAmount:    eval,
			Profit:        profit,
			ProfitRatePct: rate,
		})
	}
	if snap.TotalPurchase != 0 {
		snap.ProfitRatePct = float64(snap.TotalProfit) / float64(snap.TotalPurchase) * 100
	}
	return snap, nil
}

func (s *Simulator) GetDepositDetail(ctx context.Context, account string) (*DepositDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deposit[account]
	if !ok {
		return nil, engineerr.New(engineerr.KindNoAccount, "GetDepositDetail", account, nil)
	}
	cp := *d
	return &cp, nil
}

func (s *Simulator) SendOrder(ctx context.Context, req OrderRequest) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Action {
	case ActionCancelBuy, ActionCancelSell:
		if req.OriginalOrderNo == "" {
			return -1, engineerr.New(engineerr.KindOrderRejected, "SendOrder", string(req.Instrument), nil)
		}
		delete(s.openOrders, req.OriginalOrderNo)
		return 0, nil
	}

	if _, ok := s.holdings[req.Account]; !ok {
		return -1, engineerr.New(engineerr.KindNoAccount, "SendOrder", req.Account, nil)
	}

	side := SideBuy
	if req.Action == ActionSell {
		side = SideSell
	}

	orderNo := s.nextOrder()
	s.openOrders[orderNo] = &simOrder{
		OrderNo:    orderNo,
		Account:    req.Account,
		Instrument: req.Instrument,
		Side:       side,
		Quantity:   req.Quantity,
		Price:      req.Price,
		Unfilled:   req.Quantity,
	}
	return 0, nil
}

func (s *Simulator) OpenOrders(ctx context.Context, account string) ([]OpenOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OpenOrder
	for _, o := range s.openOrders {
		if o.Account != account {
			continue
		}
		out = append(out, OpenOrder{
			OrderNo:     o.OrderNo,
			Instrument:  o.Instrument,
			Side:        o.Side,
			Quantity:    o.Quantity,
			Price:       o.Price,
			UnfilledQty: o.Unfilled,
		})
	}
	return out, nil
}

func (s *Simulator) TodayExecutions(ctx context.Context, account string) ([]ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	today := time.Now().UTC().Format("20060102")
	var out []ExecutionRecord
	for key, records := range s.executions {
		if len(key) >= 8 && key[:8] == today {
			out = append(out, records...)
		}
	}
	return out, nil
}

func (s *Simulator) CancelAllForInstrument(ctx context.Context, account string, inst InstrumentKey) (int, error) {
	return s.cancelWhere(account, inst, func(Side) bool { return true })
}

func (s *Simulator) CancelBuysForInstrument(ctx context.Context, account string, inst InstrumentKey) (int, error) {
	return s.cancelWhere(account, inst, func(side Side) bool { return side == SideBuy })
}

func (s *Simulator) CancelSellsForInstrument(ctx context.Context, account string, inst InstrumentKey) (int, error) {
	return s.cancelWhere(account, inst, func(side Side) bool { return side == SideSell })
}

func (s *Simulator) CancelBuysExceptHoldings(ctx context.Context, account string, held []InstrumentKey) (int, error) {
	holding := make(map[InstrumentKey]bool, len(held))
	for _, inst := range held {
		holding[inst] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for orderNo, o := range s.openOrders {
		if o.Account == account && o.Side == SideBuy && !holding[o.Instrument] {
			delete(s.openOrders, orderNo)
			count++
		}
	}
	return count, nil
}

func (s *Simulator) cancelWhere(account string, inst InstrumentKey, match func(Side) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for orderNo, o := range s.openOrders {
		if o.Account == account && o.Instrument == inst && match(o.Side) {
			delete(s.openOrders, orderNo)
			count++
		}
	}
	return count, nil
}

func (s *Simulator) Events() <-chan Event {
	return s.events
}

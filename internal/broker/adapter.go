package broker

import "context"

// Adapter is the abstract brokerage binding the engine is built against —
// generalized from the teacher's exchanges.Exchange interface (connection
// lifecycle + market data + trading + account + metadata groups) into the
// operation set spec.md §6.1 names. A concrete Kiwoom-wire implementation
// is out of scope (spec.md §1); Simulator backs tests and standalone runs.
type Adapter interface {
	Connect(ctx context.Context) (ServerKind, error)
	Accounts(ctx context.Context) ([]string, error)

	SubscribeRealtime(slotID int, instruments []InstrumentKey, fields []string, mode SubscribeMode) error
	UnsubscribeRealtime(slotID int, instrument InstrumentKey) error // InstrumentKey("") means "ALL"

	GetStockInfo(ctx context.Context, inst InstrumentKey) (*StockInfo, error)
	GetDailyCandles(ctx context.Context, inst InstrumentKey, count int) ([]Candle, error)
	GetBalance(ctx context.Context, account string) (*BalanceSnapshot, error)
	GetDepositDetail(ctx context.Context, account string) (*DepositDetail, error)

	SendOrder(ctx context.Context, req OrderRequest) (statusCode int, err error)
	OpenOrders(ctx context.Context, account string) ([]OpenOrder, error)
	TodayExecutions(ctx context.Context, account string) ([]ExecutionRecord, error)

	CancelAllForInstrument(ctx context.Context, account string, inst InstrumentKey) (int, error)
	CancelBuysForInstrument(ctx context.Context, account string, inst InstrumentKey) (int, error)
	CancelSellsForInstrument(ctx context.Context, account string, inst InstrumentKey) (int, error)
	CancelBuysExceptHoldings(ctx context.Context, account string, held []InstrumentKey) (int, error)

	// Events delivers tagged variants on the main context, per spec.md §9.
	Events() <-chan Event
}

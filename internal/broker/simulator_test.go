package broker

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newSeededSimulator() *Simulator {
	sim := NewSimulator()
	sim.SeedAccount("8012-3456")
	sim.SeedStockInfo(StockInfo{Instrument: "005930", Name: "Samsung Electronics", Price: 8100})
	sim.SeedCandles("005930", []Candle{
		{Date: "20260801", Close: 10500},
		{Date: "20260731", Close: 10000},
		{Date: "20260730", Close: 9500},
	})
	sim.SeedDeposit("8012-3456", DepositDetail{Deposit: 5_000_000, Available: 5_000_000, OrderAvailable: 5_000_000})
	return sim
}

func TestCanonicalize_StripsLeadingPrefix(t *testing.T) {
	require.Equal(t, InstrumentKey("005930"), Canonicalize("A005930"))
	require.Equal(t, InstrumentKey("005930"), Canonicalize("005930"))
}

func TestSimulator_ConnectAndAccounts(t *testing.T) {
	sim := newSeededSimulator()
	ctx := context.Background()

	kind, err := sim.Connect(ctx)
	require.NoError(t, err)
	require.Equal(t, ServerKindPaper, kind)

	accounts, err := sim.Accounts(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"8012-3456"}, accounts)
}

func TestSimulator_ConnectError(t *testing.T) {
	sim := newSeededSimulator()
	sim.SetConnectError(context.DeadlineExceeded)

	_, err := sim.Connect(context.Background())
	require.Error(t, err)
}

func TestSimulator_GetStockInfoAndCandles(t *testing.T) {
	sim := newSeededSimulator()
	ctx := context.Background()

	info, err := sim.GetStockInfo(ctx, "005930")
	require.NoError(t, err)
	require.Equal(t, int64(8100), info.Price)

	_, err = sim.GetStockInfo(ctx, "000000")
	require.Error(t, err)

	candles, err := sim.GetDailyCandles(ctx, "005930", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	require.Equal(t, int64(10500), candles[0].Close)
}

func TestSimulator_SendOrderAndFillUpdatesBalance(t *testing.T) {
	sim := newSeededSimulator()
	ctx := context.Background()
	sim.SetOrderNumberGenerator(func() string { return "ORD-1" })

	code, err := sim.SendOrder(ctx, OrderRequest{
		Action:     ActionBuy,
		Account:    "8012-3456",
		Instrument: "005930",
		Quantity:   124,
		Price:      8050,
		PriceKind:  PriceKindLimit,
	})
	require.NoError(t, err)
	require.Zero(t, code)

	open, err := sim.OpenOrders(ctx, "8012-3456")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "ORD-1", open[0].OrderNo)

	require.NoError(t, sim.Fill("8012-3456", "ORD-1", 124))

	orderEvt := <-sim.Events()
	require.Equal(t, EventOrder, orderEvt.Kind)
	require.Equal(t, OrderStatusFilled, orderEvt.Order.Status)

	balEvt := <-sim.Events()
	require.Equal(t, EventBalance, balEvt.Kind)
	require.Equal(t, int64(124), balEvt.Balance.Quantity)
	require.Equal(t, int64(8050), balEvt.Balance.AvgPrice)

	open, err = sim.OpenOrders(ctx, "8012-3456")
	require.NoError(t, err)
	require.Empty(t, open)

	snap, err := sim.GetBalance(ctx, "8012-3456")
	require.NoError(t, err)
	require.Len(t, snap.Holdings, 1)
	require.Equal(t, int64(124), snap.Holdings[0].Quantity)
}

func TestSimulator_CancelHelpersFilterBySide(t *testing.T) {
	sim := newSeededSimulator()
	ctx := context.Background()
	var seq int
	sim.SetOrderNumberGenerator(func() string {
		seq++
		return "ORD-" + string(rune('0'+seq))
	})

	_, _ = sim.SendOrder(ctx, OrderRequest{Action: ActionBuy, Account: "8012-3456", Instrument: "005930", Quantity: 10, Price: 8000})
	_, _ = sim.SendOrder(ctx, OrderRequest{Action: ActionSell, Account: "8012-3456", Instrument: "005930", Quantity: 10, Price: 8500})

	n, err := sim.CancelBuysForInstrument(ctx, "8012-3456", "005930")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	open, err := sim.OpenOrders(ctx, "8012-3456")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, SideSell, open[0].Side)
}

func TestSimulator_CancelBuysExceptHoldings(t *testing.T) {
	sim := newSeededSimulator()
	sim.SeedAccount("8012-3456") // idempotent re-seed for this test's isolation
	ctx := context.Background()
	var seq int
	sim.SetOrderNumberGenerator(func() string {
		seq++
		return "ORD-" + string(rune('0'+seq))
	})

	_, _ = sim.SendOrder(ctx, OrderRequest{Action: ActionBuy, Account: "8012-3456", Instrument: "005930", Quantity: 10, Price: 8000})
	_, _ = sim.SendOrder(ctx, OrderRequest{Action: ActionBuy, Account: "8012-3456", Instrument: "000660", Quantity: 10, Price: 8000})

	n, err := sim.CancelBuysExceptHoldings(ctx, "8012-3456", []InstrumentKey{"005930"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	open, err := sim.OpenOrders(ctx, "8012-3456")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, InstrumentKey("005930"), open[0].Instrument)
}

func TestSimulator_PushRealtimePriceDeliversEvent(t *testing.T) {
	sim := newSeededSimulator()
	sim.PushRealtimePrice("005930", 8100, 1000)

	evt := <-sim.Events()
	require.Equal(t, EventRealtimePrice, evt.Kind)
	require.Equal(t, int64(8100), evt.RealtimePrice.Price)
}

func TestFeedServer_BroadcastsToConnectedClients(t *testing.T) {
	sim := newSeededSimulator()
	feed := NewFeedServer(sim)

	server := httptest.NewServer(feed)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return feed.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	feed.Broadcast("005930", 8100, 1000)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "005930")
}

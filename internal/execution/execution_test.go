package execution

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiwoom-envelope/engine/internal/broker"
	"github.com/kiwoom-envelope/engine/internal/candlecache"
	"github.com/kiwoom-envelope/engine/internal/config"
	"github.com/kiwoom-envelope/engine/internal/ledger"
	"github.com/kiwoom-envelope/engine/internal/position"
	"github.com/kiwoom-envelope/engine/internal/requestqueue"
	"github.com/stretchr/testify/require"
)

const testInstrument = broker.InstrumentKey("005930")

func marketOpenClock() time.Time {
	return time.Date(2026, 3, 2, 10, 0, 0, 0, time.Local)
}

func newTestHandler(t *testing.T) (*Handler, *broker.Simulator, *position.Store, *ledger.Ledger, *requestqueue.Queue) {
	t.Helper()

	sim := broker.NewSimulator()
	sim.SeedAccount("test-account")

	closes := make([]broker.Candle, 20)
	for i := range closes {
		closes[i] = broker.Candle{Close: 10000}
	}
	sim.SeedCandles(testInstrument, closes)

	cs := config.NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, cs.Load())

	queryQueue := requestqueue.New("query", 10*time.Millisecond)
	orderQueue := requestqueue.New("order", 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	queryQueue.Start(ctx)
	orderQueue.Start(ctx)
	t.Cleanup(queryQueue.Stop)
	t.Cleanup(orderQueue.Stop)

	cache := candlecache.New(sim, queryQueue)
	positions := position.New(cs)
	led := ledger.New(cs)

	h := New(sim, orderQueue, led, positions, cache, cs, "test-account")
	h.Clock = marketOpenClock

	return h, sim, positions, led, orderQueue
}

func TestHandler_OnBuySettled_PlacesFullSellLadder(t *testing.T) {
	h, _, _, led, _ := newTestHandler(t)
	ctx := context.Background()

	err := h.HandleBalanceEvent(ctx, broker.BalanceEvent{
		Instrument: testInstrument,
		Quantity:   124,
		AvgPrice:   8050,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		orders, _ := led.ForInstrument(string(testInstrument))
		return len(orders) == 4
	}, time.Second, 5*time.Millisecond)

	orders, err := led.ForInstrument(string(testInstrument))
	require.NoError(t, err)

	byTarget := map[string]ledger.PendingOrder{}
	for _, o := range orders {
		byTarget[o.TargetName] = o
	}

	require.Equal(t, int64(8290), byTarget["익절1"].LimitPrice)
	require.Equal(t, int64(37), byTarget["익절1"].Quantity)
	require.Equal(t, int64(10000), byTarget["MA"].LimitPrice)
	require.Equal(t, int64(13), byTarget["MA"].Quantity)
}

func TestHandler_OnBuySettled_DeferredOutsideMarketHours(t *testing.T) {
	h, _, _, led, _ := newTestHandler(t)
	h.Clock = func() time.Time { return time.Date(2026, 3, 2, 20, 0, 0, 0, time.Local) }
	ctx := context.Background()

	err := h.HandleBalanceEvent(ctx, broker.BalanceEvent{
		Instrument: testInstrument,
		Quantity:   124,
		AvgPrice:   8050,
	})
	require.NoError(t, err)

	orders, err := led.ForInstrument(string(testInstrument))
	require.NoError(t, err)
	require.Empty(t, orders, "sell ladder placement must defer outside market hours")
}

func TestHandler_OnManualSellSettled_RecomputesLadderAgainstRemainder(t *testing.T) {
	h, _, positions, led, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandleBalanceEvent(ctx, broker.BalanceEvent{
		Instrument: testInstrument,
		Quantity:   124,
		AvgPrice:   8050,
	}))
	require.Eventually(t, func() bool {
		orders, _ := led.ForInstrument(string(testInstrument))
		return len(orders) == 4
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.HandleBalanceEvent(ctx, broker.BalanceEvent{
		Instrument: testInstrument,
		Quantity:   74,
		AvgPrice:   8050,
	}))

	require.Eventually(t, func() bool {
		orders, _ := led.ForInstrument(string(testInstrument))
		return len(orders) == 4
	}, time.Second, 5*time.Millisecond)

	orders, err := led.ForInstrument(string(testInstrument))
	require.NoError(t, err)
	byTarget := map[string]ledger.PendingOrder{}
	for _, o := range orders {
		byTarget[o.TargetName] = o
	}
	require.Equal(t, int64(22), byTarget["익절1"].Quantity)
	require.Equal(t, int64(8), byTarget["MA"].Quantity)

	pos, err := positions.Get(string(testInstrument))
	require.NoError(t, err)
	require.Equal(t, int64(74), pos.Quantity)
}

func TestHandler_AutomaticLadderFill_KeepsRemainingRungsAndRecordsTarget(t *testing.T) {
	h, _, positions, led, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandleBalanceEvent(ctx, broker.BalanceEvent{
		Instrument: testInstrument,
		Quantity:   124,
		AvgPrice:   8050,
	}))
	require.Eventually(t, func() bool {
		orders, _ := led.ForInstrument(string(testInstrument))
		return len(orders) == 4
	}, time.Second, 5*time.Millisecond)

	orders, err := led.ForInstrument(string(testInstrument))
	require.NoError(t, err)
	var profit1 ledger.PendingOrder
	for _, o := range orders {
		if o.TargetName == "익절1" {
			profit1 = o
		}
	}
	require.NotZero(t, profit1.LimitPrice)

	require.NoError(t, h.HandleOrderEvent(broker.OrderEvent{
		Instrument: testInstrument,
		Status:     broker.OrderStatusFilled,
		Side:       broker.SideSell,
		ExecQty:    profit1.Quantity,
		ExecPrice:  profit1.LimitPrice,
	}))

	pos, err := positions.Get(string(testInstrument))
	require.NoError(t, err)
	require.True(t, pos.SellOccurred)
	require.True(t, pos.SoldTargets["익절1"])

	require.NoError(t, h.HandleBalanceEvent(ctx, broker.BalanceEvent{
		Instrument: testInstrument,
		Quantity:   124 - profit1.Quantity,
		AvgPrice:   8050,
	}))

	remaining, err := led.ForInstrument(string(testInstrument))
	require.NoError(t, err)
	require.Len(t, remaining, 3, "an automatic ladder fill must not cancel/recompute the remaining rungs")
	for _, o := range remaining {
		require.NotEqual(t, "익절1", o.TargetName)
	}
}

func TestHandler_ManualSellFill_MarksSellOccurredWithoutTarget(t *testing.T) {
	h, _, positions, _, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandleBalanceEvent(ctx, broker.BalanceEvent{
		Instrument: testInstrument,
		Quantity:   124,
		AvgPrice:   8050,
	}))

	// A manual sell at a price matching no ladder rung: no HandleOrderEvent
	// match, so no target is known, but sellOccurred must still be set and
	// observed before the position could otherwise close into PhaseEmpty.
	require.NoError(t, h.HandleBalanceEvent(ctx, broker.BalanceEvent{
		Instrument: testInstrument,
		Quantity:   0,
		AvgPrice:   0,
	}))

	pos, err := positions.Get(string(testInstrument))
	require.NoError(t, err)
	require.Equal(t, position.PhaseClosed, pos.Phase())
	require.True(t, pos.SellOccurred)
}

func TestHandler_HandleOrderEvent_IgnoresUnfilledStatuses(t *testing.T) {
	h, _, _, _, _ := newTestHandler(t)
	err := h.HandleOrderEvent(broker.OrderEvent{
		Instrument: testInstrument,
		Status:     broker.OrderStatusAccepted,
		Side:       broker.SideBuy,
		ExecQty:    0,
	})
	require.NoError(t, err)
}

func TestHandler_HandleOrderEvent_RemovesMatchingLedgerEntryOnFill(t *testing.T) {
	h, _, _, led, _ := newTestHandler(t)

	require.NoError(t, led.Save(string(testInstrument), ledger.PendingOrder{
		Side:       "buy",
		Quantity:   124,
		LimitPrice: 8050,
		BuyCount:   1,
	}))

	err := h.HandleOrderEvent(broker.OrderEvent{
		Instrument: testInstrument,
		Status:     broker.OrderStatusFilled,
		Side:       broker.SideBuy,
		ExecQty:    124,
		ExecPrice:  8050,
	})
	require.NoError(t, err)

	orders, err := led.ForInstrument(string(testInstrument))
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestHandler_RestoreSellLadder_PlacesLadderForOpenPosition(t *testing.T) {
	h, _, positions, led, _ := newTestHandler(t)
	ctx := context.Background()

	_, err := positions.ApplyBalanceEvent(string(testInstrument), 124, 8050)
	require.NoError(t, err)

	require.NoError(t, h.RestoreSellLadder(ctx, testInstrument))
	require.Eventually(t, func() bool {
		orders, _ := led.ForInstrument(string(testInstrument))
		return len(orders) == 4
	}, time.Second, 5*time.Millisecond)
}

func TestHandler_RestoreSellLadder_NoopForEmptyPosition(t *testing.T) {
	h, _, _, led, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.RestoreSellLadder(ctx, testInstrument))
	orders, err := led.ForInstrument(string(testInstrument))
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestHandler_EnsureStopLossOrder_PlacesWhenMissingFromLedger(t *testing.T) {
	h, _, positions, led, _ := newTestHandler(t)
	ctx := context.Background()

	_, err := positions.ApplyBalanceEvent(string(testInstrument), 124, 8050)
	require.NoError(t, err)
	_, err = positions.ApplySellFill(string(testInstrument), "익절1")
	require.NoError(t, err)
	_, err = positions.TriggerStopLoss(string(testInstrument), 7900)
	require.NoError(t, err)

	require.NoError(t, h.EnsureStopLossOrder(ctx, testInstrument))
	require.Eventually(t, func() bool {
		orders, _ := led.ForInstrument(string(testInstrument))
		return len(orders) == 1
	}, time.Second, 5*time.Millisecond)

	orders, err := led.ForInstrument(string(testInstrument))
	require.NoError(t, err)
	require.Equal(t, int64(7900), orders[0].LimitPrice)
	require.Equal(t, int64(124), orders[0].Quantity)
	require.True(t, orders[0].Persist)
}

func TestHandler_EnsureStopLossOrder_SkipsWhenAlreadyInLedger(t *testing.T) {
	h, _, positions, led, _ := newTestHandler(t)
	ctx := context.Background()

	_, err := positions.ApplyBalanceEvent(string(testInstrument), 124, 8050)
	require.NoError(t, err)
	_, err = positions.ApplySellFill(string(testInstrument), "익절1")
	require.NoError(t, err)
	_, err = positions.TriggerStopLoss(string(testInstrument), 7900)
	require.NoError(t, err)

	require.NoError(t, led.Save(string(testInstrument), ledger.PendingOrder{
		Side:       "sell",
		Quantity:   124,
		LimitPrice: 7900,
		TargetName: "스탑로스",
		Persist:    true,
	}))

	require.NoError(t, h.EnsureStopLossOrder(ctx, testInstrument))
	orders, err := led.ForInstrument(string(testInstrument))
	require.NoError(t, err)
	require.Len(t, orders, 1)
}

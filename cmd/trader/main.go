// Package main is the trading engine's headless entry point. Grounded on
// the teacher's cmd/bot/main.go: godotenv loading, a cancellable context
// torn down by os/signal, the initializeBot-style wiring pass, and
// runHeadless/logAggregatedStatus's periodic status-ticker loop — with the
// TUI branch and concrete-exchange construction dropped (see DESIGN.md).
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiwoom-envelope/engine/internal/broker"
	"github.com/kiwoom-envelope/engine/internal/candlecache"
	"github.com/kiwoom-envelope/engine/internal/config"
	"github.com/kiwoom-envelope/engine/internal/coordinator"
	"github.com/kiwoom-envelope/engine/internal/debounce"
	"github.com/kiwoom-envelope/engine/internal/execution"
	"github.com/kiwoom-envelope/engine/internal/ledger"
	"github.com/kiwoom-envelope/engine/internal/logger"
	"github.com/kiwoom-envelope/engine/internal/portfolio"
	"github.com/kiwoom-envelope/engine/internal/position"
	"github.com/kiwoom-envelope/engine/internal/ratelimit"
	"github.com/kiwoom-envelope/engine/internal/requestqueue"
	"github.com/kiwoom-envelope/engine/internal/risk"
	"github.com/kiwoom-envelope/engine/internal/subscription"
	"github.com/kiwoom-envelope/engine/internal/telemetry"
)

const (
	queryMinGap    = 250 * time.Millisecond
	orderMinGap    = 300 * time.Millisecond
	rateLimitCount = 5
	rateLimitEvery = time.Second
	debounceDelay  = 200 * time.Millisecond
	statusInterval = 10 * time.Second
)

var demoWatchlist = []broker.InstrumentKey{"005930", "000660", "035420"}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	appCfg, err := config.LoadAppConfig()
	if err != nil {
		return err
	}

	logger.SetDefault(logger.New(&logger.Config{
		Level:  parseLevel(appCfg.LogLevel),
		Format: logFormat(appCfg.Environment),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	co, reporter, metricsSrv, err := initializeEngine(appCfg)
	if err != nil {
		return err
	}

	if err := co.Start(ctx); err != nil {
		return err
	}
	defer co.Stop()

	if err := metricsSrv.Start(); err != nil {
		return err
	}
	metricsSrv.SetReady(true)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	return runHeadless(ctx, reporter)
}

// initializeEngine wires RateLimiter, RequestQueue (x2), CandleCache,
// Debouncer, SubscriptionAllocator, Ledger, PositionStore,
// ExecutionHandler, Guard, and Metrics into a TradingCoordinator, mirroring
// the teacher's initializeBot wiring pass with exchange construction
// replaced by a single broker.Simulator (the real Kiwoom binding is out of
// scope per spec.md §1).
func initializeEngine(appCfg *config.AppConfig) (*coordinator.Coordinator, *portfolio.Reporter, *telemetry.Server, error) {
	cs := config.NewStore(appCfg.StatePath)
	if err := cs.Load(); err != nil {
		return nil, nil, nil, err
	}
	if err := cs.Mutate(func(doc *config.TradingDocument) error {
		if len(doc.Watchlist) == 0 {
			for _, inst := range demoWatchlist {
				doc.Watchlist = append(doc.Watchlist, string(inst))
			}
		}
		return nil
	}); err != nil {
		return nil, nil, nil, err
	}

	if !appCfg.SimulatedMarket {
		logger.Warn("simulated_market=false but no real brokerage binding is wired; running the simulator anyway")
	}

	sim := broker.NewSimulator()
	account := appCfg.AccountID
	if account == "" {
		account = "demo-account"
	}
	seedSimulator(sim, account)

	if _, err := sim.Connect(context.Background()); err != nil {
		return nil, nil, nil, err
	}

	queryQueue := requestqueue.New("query", queryMinGap)
	orderQueue := requestqueue.New("order", orderMinGap)

	rateLimiter := ratelimit.NewSlidingWindow(rateLimitCount, rateLimitEvery)
	candles := candlecache.New(sim, queryQueue)
	deb := debounce.New(debounceDelay)
	subs := subscription.New()
	led := ledger.New(cs)
	positions := position.New(cs)
	exec := execution.New(sim, orderQueue, led, positions, candles, cs, account)
	guard := risk.New(risk.DefaultConfig())
	metrics := telemetry.NewMetrics()
	reporter := portfolio.New(positions, candles, cs)

	co := coordinator.New(sim, queryQueue, orderQueue, rateLimiter, candles, deb, subs, led, positions, exec, guard, metrics, cs, account)
	co.SetWatchlist(demoWatchlist)

	if addr := os.Getenv("ENGINE_FEED_ADDR"); addr != "" {
		feed := broker.NewFeedServer(sim)
		go relayRealtimeToFeed(sim, feed)
		go serveFeed(addr, feed)
	}

	metricsSrv := telemetry.NewServer(appCfg.MetricsAddr, metrics)
	return co, reporter, metricsSrv, nil
}

func seedSimulator(sim *broker.Simulator, account string) {
	sim.SeedAccount(account)
	for _, inst := range demoWatchlist {
		closes := make([]broker.Candle, 20)
		for i := range closes {
			closes[i] = broker.Candle{Close: 50000}
		}
		sim.SeedCandles(inst, closes)
		sim.SeedStockInfo(broker.StockInfo{Instrument: inst, Price: 50000})
	}
	sim.SeedDeposit(account, broker.DepositDetail{})
}

// relayRealtimeToFeed drains the simulator's realtime-price events onto the
// development websocket feed, the reverse direction of the teacher's
// coinbase websocket client (which reads frames rather than broadcasting
// them).
func relayRealtimeToFeed(sim *broker.Simulator, feed *broker.FeedServer) {
	for ev := range sim.Events() {
		if ev.Kind == broker.EventRealtimePrice && ev.RealtimePrice != nil {
			feed.Broadcast(ev.RealtimePrice.Instrument, ev.RealtimePrice.Price, ev.RealtimePrice.Volume)
		}
	}
}

func serveFeed(addr string, feed *broker.FeedServer) {
	mux := http.NewServeMux()
	mux.Handle("/feed", feed)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.WithError(err).Warn("realtime feed server stopped")
	}
}

// runHeadless logs engine status every statusInterval until ctx is
// cancelled, mirroring the teacher's runHeadless/logAggregatedStatus.
func runHeadless(ctx context.Context, reporter *portfolio.Reporter) error {
	logger.Info("envelope trading engine started (headless)")

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			logStatus(ctx, reporter)
		}
	}
}

func logStatus(ctx context.Context, reporter *portfolio.Reporter) {
	summaries, err := reporter.AllSummaries(ctx)
	if err != nil {
		logger.WithError(err).Warn("status: failed to read position summaries")
		return
	}
	logger.Info("status", "open_positions", len(summaries))
	for _, s := range summaries {
		logger.Info("position",
			"instrument", s.Instrument,
			"phase", string(s.Phase),
			"quantity", s.Quantity,
			"avg_price", s.AvgPrice,
			"last_price", s.LastPrice,
			"profit_amount", s.ProfitAmount,
			"trigger_price", s.TriggerPrice,
		)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func logFormat(environment string) string {
	if environment == "development" {
		return "text"
	}
	return "json"
}

// Package config provides the two layers of configuration this engine
// needs: a process-level AppConfig loaded once at startup via viper and
// godotenv, and a runtime-mutable TradingDocument persisted as JSON and
// deep-merged with defaults on every load.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppConfig aggregates process-level configuration for the engine runtime.
type AppConfig struct {
	Environment     string // "development" or "production"; selects logger format
	LogLevel        string
	MetricsAddr     string
	StatePath       string // path to the persisted TradingDocument JSON file
	AccountID       string
	SimulatedMarket bool // when true, broker.Simulator is used instead of a real adapter
}

// DefaultAppConfig returns the baseline process configuration.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Environment:     "development",
		LogLevel:        "info",
		MetricsAddr:     ":9100",
		StatePath:       "trading_state.json",
		AccountID:       "",
		SimulatedMarket: true,
	}
}

// LoadAppConfig loads process configuration from an optional .env file,
// environment variables (prefix ENGINE_), and an optional config.yaml in
// the working directory, in that precedence order (env overrides file).
func LoadAppConfig() (*AppConfig, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultAppConfig()
	v.SetDefault("environment", def.Environment)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("metrics_addr", def.MetricsAddr)
	v.SetDefault("state_path", def.StatePath)
	v.SetDefault("account_id", def.AccountID)
	v.SetDefault("simulated_market", def.SimulatedMarket)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading config.yaml: %w", err)
		}
	}

	cfg := &AppConfig{
		Environment:     v.GetString("environment"),
		LogLevel:        v.GetString("log_level"),
		MetricsAddr:     v.GetString("metrics_addr"),
		StatePath:       v.GetString("state_path"),
		AccountID:       v.GetString("account_id"),
		SimulatedMarket: v.GetBool("simulated_market"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *AppConfig) validate() error {
	if !c.SimulatedMarket && c.AccountID == "" {
		return fmt.Errorf("config: ENGINE_ACCOUNT_ID is required when simulated_market is false")
	}
	switch c.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("config: invalid environment %q", c.Environment)
	}
	return nil
}

// BuyConfig mirrors the persisted "buy" document section.
type BuyConfig struct {
	EnvelopePeriod           int `json:"envelope_period"`
	EnvelopePercent          int `json:"envelope_percent"`
	EnvelopeBuyPercent       int `json:"envelope_buy_percent"`
	MaxBuyCount              int `json:"max_buy_count"`
	AdditionalBuyDropPercent int `json:"additional_buy_drop_percent"`
	BuyAmountPerStock        int64 `json:"buy_amount_per_stock"`
	MaxHoldingStocks         int `json:"max_holding_stocks"`
}

// SellConfig mirrors the persisted "sell" document section.
type SellConfig struct {
	ProfitTargets         []float64 `json:"profit_targets"`
	ProfitSellRatios      []int     `json:"profit_sell_ratios"`
	MA20SellRatio         int       `json:"ma20_sell_ratio"`
	StoplossUseMarketOrder bool     `json:"stoploss_use_market_order"` // reserved, unused: see DESIGN.md
}

// ErrorHandlingConfig mirrors the persisted "error_handling" document section.
type ErrorHandlingConfig struct {
	OrderRetryCount       int `json:"order_retry_count"`
	OrderRetryIntervalMs  int `json:"order_retry_interval_ms"`
	ReconnectIntervalSec  int `json:"reconnect_interval_sec"`
}

// SessionState mirrors the persisted "session" document section.
type SessionState struct {
	LastTradingDate string `json:"last_trading_date"`
	AutoEnabled     bool   `json:"auto_enabled"`
	OrdersRestored  bool   `json:"orders_restored"`
	StateSynced     bool   `json:"state_synced"`
}

// PendingOrderRecord is the persisted shape of an OrderLedger entry.
type PendingOrderRecord struct {
	Side        string `json:"side"` // "buy" or "sell"
	Quantity    int64  `json:"quantity"`
	LimitPrice  int64  `json:"limit_price"`
	BuyCount    int    `json:"buy_count,omitempty"`
	TargetName  string `json:"target_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Persist     bool   `json:"persist"`
}

// PositionRecord is the persisted shape of a Position.
type PositionRecord struct {
	Quantity                int64           `json:"quantity"`
	AvgPrice                int64           `json:"avg_price"`
	InitialQuantity         int64           `json:"initial_quantity"`
	OriginalInitialQuantity int64           `json:"original_initial_quantity"`
	BuyCount                int             `json:"buy_count"`
	FirstBuyPrice           int64           `json:"first_buy_price"`
	SoldTargets             map[string]bool `json:"sold_targets"`
	SellOccurred            bool            `json:"sell_occurred"`
	StoplossTriggered       bool            `json:"stoploss_triggered"`
	StoplossPrice           int64           `json:"stoploss_price"`
	LastUpdate              time.Time       `json:"last_update"`
}

// ExecutionRecord is the persisted shape of a fill audit entry.
type ExecutionRecord struct {
	Side     string    `json:"side"`
	Quantity int64     `json:"quantity"`
	Price    int64     `json:"price"`
	Time     time.Time `json:"time"`
	OrderNo  string    `json:"order_no"`
}

// ReentryState is carried for JSON round-trip fidelity only; spec.md's I2
// invariant blocks same-day re-entry unconditionally, so nothing in this
// module reads allow_reentry/max_reentry_per_day to make a decision. See
// DESIGN.md for the rationale.
type ReentryState struct {
	AllowReentry     bool           `json:"allow_reentry"`
	MaxReentryPerDay int            `json:"max_reentry_per_day"`
	Counts           map[string]int `json:"counts"`
}

// TradingDocument is the full persisted JSON document.
type TradingDocument struct {
	// Kiwoom carries the brokerage connection section verbatim as raw JSON;
	// nothing in this module reads it.
	Kiwoom            json.RawMessage                  `json:"kiwoom,omitempty"`
	Buy               BuyConfig                        `json:"buy"`
	Sell              SellConfig                        `json:"sell"`
	Watchlist         []string                          `json:"watchlist"`
	MaxWatchlistCount int                                `json:"max_watchlist_count"`
	Positions         map[string]PositionRecord         `json:"positions"`
	PendingOrders     map[string][]PendingOrderRecord   `json:"pending_orders"`
	Session           SessionState                       `json:"session"`
	ErrorHandling     ErrorHandlingConfig                `json:"error_handling"`
	ExecutionHistory  map[string][]ExecutionRecord       `json:"execution_history"` // key: "date|instrument"
	ReentryHistory    ReentryState                        `json:"reentry_history"`
}

// DefaultTradingDocument returns the document defaults from spec.md §6.2.
func DefaultTradingDocument() *TradingDocument {
	return &TradingDocument{
		Buy: BuyConfig{
			EnvelopePeriod:           20,
			EnvelopePercent:          19,
			EnvelopeBuyPercent:       20,
			MaxBuyCount:              3,
			AdditionalBuyDropPercent: 10,
			BuyAmountPerStock:        1_000_000,
			MaxHoldingStocks:         3,
		},
		Sell: SellConfig{
			ProfitTargets:          []float64{2.95, 4.95, 6.95},
			ProfitSellRatios:       []int{30, 30, 30},
			MA20SellRatio:          10,
			StoplossUseMarketOrder: false,
		},
		Watchlist:         []string{},
		MaxWatchlistCount: 200,
		Positions:         map[string]PositionRecord{},
		PendingOrders:     map[string][]PendingOrderRecord{},
		Session: SessionState{
			AutoEnabled: true,
		},
		ErrorHandling: ErrorHandlingConfig{
			OrderRetryCount:      3,
			OrderRetryIntervalMs: 1000,
			ReconnectIntervalSec: 10,
		},
		ExecutionHistory: map[string][]ExecutionRecord{},
		ReentryHistory: ReentryState{
			AllowReentry:     false,
			MaxReentryPerDay: 0,
			Counts:           map[string]int{},
		},
	}
}

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	cfg, err := LoadAppConfig()
	require.NoError(t, err)
	require.Equal(t, "development", cfg.Environment)
	require.True(t, cfg.SimulatedMarket)
	require.Equal(t, "trading_state.json", cfg.StatePath)
}

func TestLoadAppConfig_RequiresAccountWhenNotSimulated(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	t.Setenv("ENGINE_SIMULATED_MARKET", "false")
	t.Setenv("ENGINE_ACCOUNT_ID", "")

	_, err = LoadAppConfig()
	require.Error(t, err)
}

func TestLoadAppConfig_EnvOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	t.Setenv("ENGINE_ENVIRONMENT", "production")
	t.Setenv("ENGINE_METRICS_ADDR", ":9999")

	cfg, err := LoadAppConfig()
	require.NoError(t, err)
	require.Equal(t, "production", cfg.Environment)
	require.Equal(t, ":9999", cfg.MetricsAddr)
}

func TestStore_LoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trading_state.json")
	s := NewStore(path)
	require.NoError(t, s.Load())

	snap, err := s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, 20, snap.Buy.EnvelopePeriod)
	require.Equal(t, 3, snap.Buy.MaxHoldingStocks)
	require.Equal(t, []float64{2.95, 4.95, 6.95}, snap.Sell.ProfitTargets)
}

func TestStore_PersistLoadPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trading_state.json")
	s := NewStore(path)
	require.NoError(t, s.Load())

	require.NoError(t, s.Mutate(func(doc *TradingDocument) error {
		doc.Watchlist = append(doc.Watchlist, "005930")
		doc.Positions["005930"] = PositionRecord{
			Quantity: 124,
			AvgPrice: 8050,
			SoldTargets: map[string]bool{
				"익절1": true,
			},
			LastUpdate: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		}
		return nil
	}))

	first, err := os.ReadFile(path)
	require.NoError(t, err)

	reloaded := NewStore(path)
	require.NoError(t, reloaded.Load())
	require.NoError(t, reloaded.Mutate(func(doc *TradingDocument) error { return nil }))

	second, err := os.ReadFile(path)
	require.NoError(t, err)

	var firstDoc, secondDoc map[string]any
	require.NoError(t, json.Unmarshal(first, &firstDoc))
	require.NoError(t, json.Unmarshal(second, &secondDoc))
	require.Equal(t, firstDoc, secondDoc, "persist->load->persist must be byte-equal modulo key order")
}

func TestStore_MutateErrorDoesNotPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trading_state.json")
	s := NewStore(path)
	require.NoError(t, s.Load())

	boom := require.Error
	err := s.Mutate(func(doc *TradingDocument) error {
		doc.Buy.MaxBuyCount = 99
		return os.ErrInvalid
	})
	boom(t, err)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, 3, snap.Buy.MaxBuyCount, "failed mutation must not be applied")
}

func TestStore_PruneExecutionHistoryDropsOldRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trading_state.json")
	s := NewStore(path)
	require.NoError(t, s.Load())

	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Mutate(func(doc *TradingDocument) error {
		doc.ExecutionHistory["20260720|005930"] = []ExecutionRecord{
			{Side: "buy", Quantity: 10, Price: 8000, Time: now.AddDate(0, 0, -10), OrderNo: "1"},
		}
		doc.ExecutionHistory["20260731|005930"] = []ExecutionRecord{
			{Side: "buy", Quantity: 10, Price: 8000, Time: now.AddDate(0, 0, -1), OrderNo: "2"},
		}
		return nil
	}))

	require.NoError(t, s.PruneExecutionHistory(now))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	require.NotContains(t, snap.ExecutionHistory, "20260720|005930")
	require.Contains(t, snap.ExecutionHistory, "20260731|005930")
}

func TestStore_DeepMergePreservesPersistedValuesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trading_state.json")
	raw := []byte(`{"buy":{"envelope_period":30,"max_buy_count":5}}`)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	s := NewStore(path)
	require.NoError(t, s.Load())

	snap, err := s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, 30, snap.Buy.EnvelopePeriod, "persisted override must survive the merge")
	require.Equal(t, 5, snap.Buy.MaxBuyCount, "persisted override must survive the merge")
	require.Equal(t, 1_000_000, int(snap.Buy.BuyAmountPerStock), "unset keys fall back to defaults")
}

package stress

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/config"
	"github.com/eaforge/stress-backend/internal/gates"
	"github.com/eaforge/stress-backend/internal/simulator"
	"github.com/eaforge/stress-backend/pkg/types"
)

var testAnchor = time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

func stressConfig() *config.Config {
	cfg := config.Default()
	cfg.Stress.RollingDays = []int{30}
	cfg.Stress.CalendarMonthsAgo = []int{1}
	cfg.Stress.Models = []string{"ohlc", "tick"}
	cfg.Stress.TickLatencies = []int{50, 200}
	cfg.Stress.OverlaySpreads = []float64{1}
	cfg.Stress.OverlaySlippages = []float64{1}
	cfg.Stress.Sides = 2
	return cfg
}

func testDates() config.DateRange {
	return config.DateRange{Start: "2022.01.01", End: "2026.01.15", Split: "2025.01.15"}
}

func newTestEngine(t *testing.T, cfg *config.Config, sim simulator.Simulator) *Engine {
	t.Helper()
	return NewEngine(zap.NewNop(), cfg, sim, gates.NewEngine(zap.NewNop(), cfg))
}

// flatTrades builds identical one-lot winners: net profit each, a 2-pip
// move, closing a day apart, so the pip value estimate lands on exactly
// profit/2 per lot.
func flatTrades(count int, net float64) []types.Trade {
	trades := make([]types.Trade, 0, count)
	for i := 0; i < count; i++ {
		open := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC).AddDate(0, 0, i)
		trades = append(trades, types.Trade{
			Ticket:      i + 1,
			Symbol:      "EURUSD",
			Side:        types.TradeSideBuy,
			Volume:      1.0,
			OpenTime:    open,
			CloseTime:   open.Add(2 * time.Hour),
			OpenPrice:   1.1000,
			ClosePrice:  1.1002,
			GrossProfit: net,
			NetProfit:   net,
		})
	}
	return trades
}

func TestBuildSuiteEnumeratesWindowsModelsAndLatencies(t *testing.T) {
	cfg := stressConfig()
	suite := BuildSuite(cfg, testDates(), testAnchor)

	ids := make([]string, 0, len(suite))
	for _, sc := range suite {
		ids = append(ids, sc.ID)
	}
	assert.Equal(t, []string{
		"ohlc_last_30d",
		"tick_last_30d",
		"tick_last_30d_latency_50ms",
		"tick_last_30d_latency_200ms",
		"ohlc_month_2025_12",
		"tick_month_2025_12",
		"tick_month_2025_12_latency_50ms",
		"tick_month_2025_12_latency_200ms",
	}, ids)

	rolling := suite[0]
	assert.Equal(t, "OHLC (1m) - Last 30 days", rolling.Label)
	assert.Equal(t, "last_30d", rolling.PeriodID)
	assert.Equal(t, types.VariantBase, rolling.Variant)
	assert.Equal(t, "2025.12.16", rolling.Window.From)
	assert.Equal(t, "2026.01.15", rolling.Window.To)
	assert.Equal(t, types.ModelOHLC, rolling.Settings.Model)
	assert.Equal(t, cfg.Backtest.LatencyMS, rolling.Settings.LatencyMS)
	assert.Equal(t, []string{"window", "ohlc"}, rolling.Tags)

	latency := suite[2]
	assert.Equal(t, "Tick + latency 50ms - Last 30 days", latency.Label)
	assert.Equal(t, types.ModelTick, latency.Settings.Model)
	assert.Equal(t, 50, latency.Settings.LatencyMS)
	assert.Equal(t, []string{"window", "tick", "latency"}, latency.Tags)

	month := suite[4]
	assert.Equal(t, "OHLC (1m) - Dec 2025", month.Label)
	assert.Equal(t, "month_2025_12", month.PeriodID)
	assert.Equal(t, "2025.12.01", month.Window.From)
	assert.Equal(t, "2025.12.31", month.Window.To)
}

func TestBuildSuiteSkipsUnknownModels(t *testing.T) {
	cfg := stressConfig()
	cfg.Stress.Models = []string{"ohlc", "volume"}
	cfg.Stress.CalendarMonthsAgo = nil
	cfg.Stress.TickLatencies = nil

	suite := BuildSuite(cfg, testDates(), testAnchor)
	require.Len(t, suite, 1)
	assert.Equal(t, "ohlc_last_30d", suite[0].ID)
}

func TestBuildSuiteAnchorFallsBackToNow(t *testing.T) {
	cfg := stressConfig()
	cfg.Stress.Models = []string{"ohlc"}
	cfg.Stress.CalendarMonthsAgo = nil
	cfg.Stress.TickLatencies = nil

	suite := BuildSuite(cfg, config.DateRange{}, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC))
	require.Len(t, suite, 1)
	assert.Equal(t, "2026.02.08", suite[0].Window.From)
	assert.Equal(t, "2026.03.10", suite[0].Window.To)
}

func TestPipSize(t *testing.T) {
	assert.InDelta(t, 0.0001, PipSize("EURUSD", nil), 1e-12)
	assert.InDelta(t, 0.01, PipSize("USDJPY", nil), 1e-12)
	assert.InDelta(t, 0.01, PipSize("gbpjpy.pro", nil), 1e-12, "suffix strips to the canonical pair")
	assert.InDelta(t, 0.01, PipSize("XAU", []float64{1912.55, 1913.1}), 1e-12)
	assert.InDelta(t, 0.0001, PipSize("IDX", []float64{1.23456}), 1e-12)
	assert.InDelta(t, 0.0001, PipSize("ABC", nil), 1e-12)
}

func TestEstimatePipValuePerLot(t *testing.T) {
	trades := []types.Trade{
		{Volume: 1, OpenPrice: 1.1000, ClosePrice: 1.1050, GrossProfit: 500},
		{Volume: 0.5, OpenPrice: 1.2000, ClosePrice: 1.1980, GrossProfit: -100},
		{Volume: 0.2, OpenPrice: 1.1030, ClosePrice: 1.1000, NetProfit: -60},
		{Volume: 1, OpenPrice: 1.1000, ClosePrice: 1.1000, GrossProfit: 50},
		{Volume: 0, OpenPrice: 1.1000, ClosePrice: 1.1100, GrossProfit: 50},
	}
	pv, ok := EstimatePipValuePerLot(trades, "EURUSD")
	require.True(t, ok)
	assert.InDelta(t, 10.0, pv, 1e-9, "zero-move and zero-volume trades contribute nothing")

	_, ok = EstimatePipValuePerLot(nil, "EURUSD")
	assert.False(t, ok)
}

func TestApplyCostOverlayRecomputesEquityMetrics(t *testing.T) {
	trades := flatTrades(50, 20)
	out := ApplyCostOverlay(trades, 3000, 10,
		types.OverlaySettings{SpreadPips: 1, SlippagePips: 1, Sides: 2})

	assert.InDelta(t, 3.0, out.Cost.ExtraPipsPerTrade, 1e-12, "spread once, slippage per side")
	assert.InDelta(t, 10.0, out.Cost.PipValuePerLot, 1e-12)
	assert.InDelta(t, 1500.0, out.Cost.TotalCost, 1e-9)

	assert.Equal(t, 50, out.Metrics.TotalTrades)
	assert.InDelta(t, -500.0, out.Metrics.Profit, 1e-9)
	assert.InDelta(t, -10.0, out.Metrics.ExpectedPayoff, 1e-9)
	assert.Zero(t, out.Metrics.WinRate)
	assert.InDelta(t, 0.0, out.Metrics.ProfitFactor, 1e-12)
	assert.InDelta(t, 500.0/3000.0*100, out.Metrics.MaxDrawdownPct, 1e-9)
}

func TestApplyCostOverlayOrdersByCloseTime(t *testing.T) {
	trades := []types.Trade{
		{CloseTime: time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), NetProfit: -100, Volume: 0.1},
		{CloseTime: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), NetProfit: 50, Volume: 0.1},
	}
	out := ApplyCostOverlay(trades, 1000, 10, types.OverlaySettings{})

	assert.Zero(t, out.Cost.TotalCost)
	assert.InDelta(t, 100.0/1050.0*100, out.Metrics.MaxDrawdownPct, 1e-9,
		"drawdown measured against the peak after the earlier win")
}

func TestApplyCostOverlayClampsNegativeSides(t *testing.T) {
	out := ApplyCostOverlay(flatTrades(1, 20), 3000, 10,
		types.OverlaySettings{SpreadPips: 2, SlippagePips: 5, Sides: -3})
	assert.InDelta(t, 2.0, out.Cost.ExtraPipsPerTrade, 1e-12, "negative sides disable slippage")
}

func TestFindTickDirPrefersRicherBase(t *testing.T) {
	dataPath := t.TempDir()
	thin := filepath.Join(dataPath, "bases", "Broker-A", "ticks", "EURUSD")
	rich := filepath.Join(dataPath, "bases", "Broker-B", "ticks", "EURUSD")
	require.NoError(t, os.MkdirAll(thin, 0o755))
	require.NoError(t, os.MkdirAll(rich, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(thin, "202512.tkc"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(rich, "202511.tkc"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(rich, "202512.tkc"), []byte("x"), 0o644))

	dir, server, ok := FindTickDir(dataPath, "eurusd+")
	require.True(t, ok, "symbol canonicalizes before the directory lookup")
	assert.Equal(t, "Broker-B", server)
	assert.Equal(t, rich, dir)

	_, _, ok = FindTickDir(dataPath, "GBPUSD")
	assert.False(t, ok)
}

func TestCheckTickCoverageFlagsMissingMonths(t *testing.T) {
	dataPath := t.TempDir()
	tickDir := filepath.Join(dataPath, "bases", "Broker-Demo", "ticks", "EURUSD")
	require.NoError(t, os.MkdirAll(tickDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tickDir, "202511.tkc"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tickDir, "ticks.dat"), []byte("x"), 0o644))

	cov := CheckTickCoverage(dataPath, "EURUSD", "2025.10.05", "2025.12.20", testAnchor)
	assert.False(t, cov.OK)
	assert.Equal(t, []string{"202510", "202511", "202512"}, cov.MonthsNeeded)
	assert.Equal(t, []string{"202511"}, cov.MonthsPresent)
	assert.Equal(t, []string{"202510", "202512"}, cov.MonthsMissing,
		"the live cache never stands in for past months")
	assert.Equal(t, "Broker-Demo", cov.Server)
}

func TestCheckTickCoverageAcceptsLiveCacheForCurrentMonth(t *testing.T) {
	dataPath := t.TempDir()
	tickDir := filepath.Join(dataPath, "bases", "Broker-Demo", "ticks", "EURUSD")
	require.NoError(t, os.MkdirAll(tickDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tickDir, "202512.tkc"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tickDir, "ticks.dat"), []byte("x"), 0o644))

	cov := CheckTickCoverage(dataPath, "EURUSD", "2025.12.16", "2026.01.15", testAnchor)
	assert.True(t, cov.OK)
	assert.Equal(t, []string{"202512", "202601"}, cov.MonthsNeeded)
	assert.Equal(t, []string{"202512"}, cov.MonthsPresent)
	assert.Empty(t, cov.MonthsMissing)
	assert.Equal(t, "ticks.dat used for current month", cov.Note)
}

func TestCheckTickCoverageWithoutData(t *testing.T) {
	cov := CheckTickCoverage(t.TempDir(), "EURUSD", "2025.11.01", "2025.12.01", testAnchor)
	assert.False(t, cov.OK)
	assert.Equal(t, "tick directory not found", cov.Note)

	cov = CheckTickCoverage(t.TempDir(), "EURUSD", "not-a-date", "2025.12.01", testAnchor)
	assert.False(t, cov.OK)
	assert.Equal(t, "invalid window dates", cov.Note)
}

func TestRunChargesCostOverlayAgainstBaseTrades(t *testing.T) {
	cfg := stressConfig()
	cfg.Stress.Models = []string{"ohlc"}
	cfg.Stress.CalendarMonthsAgo = nil
	cfg.Stress.TickLatencies = nil

	fixtures := simulator.DefaultFixtures()
	fixtures.BacktestByName = map[string]types.BacktestResult{
		"ohlc_last_30d": {
			Success: true,
			TradeMetrics: types.TradeMetrics{
				Profit: 1000, ProfitFactor: 99, TotalTrades: 50, WinRate: 100,
			},
			Trades:      flatTrades(50, 20),
			EquityCurve: []float64{3000},
		},
	}
	sim := simulator.NewMemSim(nil, fixtures)
	eng := newTestEngine(t, cfg, sim)

	in := RunInput{
		BinaryPath: "experts/MyEA.ex5",
		EAName:     "MyEA",
		Symbol:     "EURUSD",
		Timeframe:  types.TimeframeH1,
		Dates:      testDates(),
		Now:        testAnchor,
	}
	rep, err := eng.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "2026.01.15", rep.AnchorDate)
	require.Len(t, rep.Scenarios, 2, "one base row plus one overlay combination")

	base := rep.Scenarios[0]
	assert.Equal(t, "ohlc_last_30d", base.Scenario.ID)
	assert.True(t, base.Success)
	require.NotNil(t, base.Metrics)
	assert.Equal(t, 50, base.Metrics.TotalTrades)
	assert.True(t, base.Gates["minimum_trades"].Passed)
	assert.True(t, base.Gates["profit_factor"].Passed)
	assert.Greater(t, base.Score, 0.0)

	overlay := rep.Scenarios[1]
	assert.Equal(t, "ohlc_last_30d_overlay_sp1_sl1", overlay.Scenario.ID)
	assert.Equal(t, types.VariantOverlay, overlay.Scenario.Variant)
	assert.Equal(t, "ohlc_last_30d", overlay.Scenario.BaseScenarioID)
	assert.Equal(t, "OHLC (1m) - Last 30 days + costs (spread 1p, slip 1p x2)", overlay.Scenario.Label)
	assert.Contains(t, overlay.Scenario.Tags, "overlay")
	assert.True(t, overlay.Success)

	require.NotNil(t, overlay.OverlayCost)
	assert.InDelta(t, 3.0, overlay.OverlayCost.ExtraPipsPerTrade, 1e-12)
	assert.InDelta(t, 10.0, overlay.OverlayCost.PipValuePerLot, 1e-9)
	assert.InDelta(t, 1500.0, overlay.OverlayCost.TotalCost, 1e-6)

	require.NotNil(t, overlay.Metrics)
	assert.InDelta(t, -500.0, overlay.Metrics.Profit, 1e-6)
	assert.Equal(t, 50, overlay.Metrics.TotalTrades)
	assert.InDelta(t, 500.0/3000.0*100, overlay.Metrics.MaxDrawdownPct, 1e-6)
	assert.False(t, overlay.Gates["profit_factor"].Passed, "costs wiped out the edge")

	again, err := eng.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, rep.Scenarios, again.Scenarios, "replays are deterministic")
}

func TestRunBaselineSeedsOverlaysWithoutScenarioRow(t *testing.T) {
	cfg := stressConfig()
	cfg.Stress.RollingDays = nil
	cfg.Stress.CalendarMonthsAgo = nil

	sim := simulator.NewMemSim(nil, simulator.DefaultFixtures())
	eng := newTestEngine(t, cfg, sim)

	rep, err := eng.Run(context.Background(), RunInput{
		EAName:    "MyEA",
		Symbol:    "EURUSD",
		Timeframe: types.TimeframeH1,
		Dates:     testDates(),
		Now:       testAnchor,
		Baseline: &Baseline{
			PassNum:        7,
			Metrics:        types.TradeMetrics{Profit: 1000, ProfitFactor: 2.0, TotalTrades: 50},
			Trades:         flatTrades(50, 20),
			InitialBalance: 3000,
		},
	})
	require.NoError(t, err)

	require.NotNil(t, rep.Baseline)
	assert.Equal(t, "baseline_full", rep.Baseline.Scenario.ID)
	assert.Equal(t, "Baseline (best pass) - full period", rep.Baseline.Scenario.Label)
	assert.Equal(t, []string{"baseline", "ohlc"}, rep.Baseline.Scenario.Tags)
	assert.Equal(t, "2022.01.01", rep.Baseline.Scenario.Window.From)

	require.Len(t, rep.Scenarios, 1, "the baseline never appears as a scenario row")
	overlay := rep.Scenarios[0]
	assert.Equal(t, "baseline_full_overlay_sp1_sl1", overlay.Scenario.ID)
	assert.Equal(t, "baseline_full", overlay.Scenario.BaseScenarioID)
	assert.Equal(t, 0, sim.CallCount("backtest"), "overlays never re-run the simulator")
}

func TestRunEmitsOverlayErrorRowWhenPipValueUnknown(t *testing.T) {
	cfg := stressConfig()
	cfg.Stress.RollingDays = nil
	cfg.Stress.CalendarMonthsAgo = nil

	flat := flatTrades(10, 20)
	for i := range flat {
		flat[i].ClosePrice = flat[i].OpenPrice
	}

	sim := simulator.NewMemSim(nil, simulator.DefaultFixtures())
	eng := newTestEngine(t, cfg, sim)

	rep, err := eng.Run(context.Background(), RunInput{
		EAName:    "MyEA",
		Symbol:    "EURUSD",
		Timeframe: types.TimeframeH1,
		Dates:     testDates(),
		Now:       testAnchor,
		Baseline: &Baseline{
			Metrics:        types.TradeMetrics{Profit: 200, TotalTrades: 10},
			Trades:         flat,
			InitialBalance: 3000,
		},
	})
	require.NoError(t, err)
	require.Len(t, rep.Scenarios, 1, "one failed row replaces the whole combination grid")

	row := rep.Scenarios[0]
	assert.Equal(t, "baseline_full_overlay_error", row.Scenario.ID)
	assert.False(t, row.Success)
	assert.Contains(t, row.Error, "pip value")
	assert.Contains(t, row.Scenario.Label, "overlay unavailable")
	assert.Contains(t, row.Scenario.Tags, "overlay")
}

func TestRunLatencyVariantsNeverSeedOverlays(t *testing.T) {
	cfg := stressConfig()
	cfg.Stress.Models = []string{"tick"}
	cfg.Stress.CalendarMonthsAgo = nil
	cfg.Stress.TickLatencies = []int{50}
	cfg.Stress.ValidateTicks = false

	sim := simulator.NewMemSim(nil, simulator.DefaultFixtures())
	eng := newTestEngine(t, cfg, sim)

	rep, err := eng.Run(context.Background(), RunInput{
		EAName:    "MyEA",
		Symbol:    "EURUSD",
		Timeframe: types.TimeframeH1,
		Dates:     testDates(),
		Now:       testAnchor,
	})
	require.NoError(t, err)
	require.Len(t, rep.Scenarios, 3, "two base rows, one overlay from the non-latency base")

	var overlays []types.ScenarioResult
	for _, r := range rep.Scenarios {
		if r.Scenario.Variant == types.VariantOverlay {
			overlays = append(overlays, r)
		}
	}
	require.Len(t, overlays, 1)
	assert.Equal(t, "tick_last_30d", overlays[0].Scenario.BaseScenarioID)
}

func TestRunRecordsTickCoverage(t *testing.T) {
	cfg := stressConfig()
	cfg.Stress.Models = []string{"tick"}
	cfg.Stress.CalendarMonthsAgo = nil
	cfg.Stress.TickLatencies = nil
	cfg.Stress.IncludeOverlays = false

	dataPath := t.TempDir()
	tickDir := filepath.Join(dataPath, "bases", "Broker-Demo", "ticks", "EURUSD")
	require.NoError(t, os.MkdirAll(tickDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tickDir, "202512.tkc"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tickDir, "ticks.dat"), []byte("x"), 0o644))

	sim := simulator.NewMemSim(nil, simulator.DefaultFixtures())
	eng := newTestEngine(t, cfg, sim)

	rep, err := eng.Run(context.Background(), RunInput{
		EAName:    "MyEA",
		Symbol:    "EURUSD",
		Timeframe: types.TimeframeH1,
		Dates:     testDates(),
		DataPath:  dataPath,
		Now:       testAnchor,
	})
	require.NoError(t, err)
	require.Len(t, rep.Scenarios, 1)

	cov := rep.Scenarios[0].TickFiles
	require.NotNil(t, cov)
	assert.True(t, cov.OK)
	assert.Equal(t, []string{"202512", "202601"}, cov.MonthsNeeded)
	assert.Equal(t, "ticks.dat used for current month", cov.Note)
	assert.Equal(t, "Broker-Demo", cov.Server)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	cfg := stressConfig()
	sim := simulator.NewMemSim(nil, simulator.DefaultFixtures())
	eng := newTestEngine(t, cfg, sim)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Run(ctx, RunInput{
		EAName:    "MyEA",
		Symbol:    "EURUSD",
		Timeframe: types.TimeframeH1,
		Dates:     testDates(),
		Now:       testAnchor,
	})
	require.ErrorIs(t, err, context.Canceled)
}

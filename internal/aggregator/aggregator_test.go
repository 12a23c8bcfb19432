package aggregator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/config"
	"github.com/eaforge/stress-backend/internal/gates"
	"github.com/eaforge/stress-backend/internal/store"
	"github.com/eaforge/stress-backend/pkg/types"
)

var testClock = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(zap.NewNop(), filepath.Join(t.TempDir(), "runs"))
	require.NoError(t, err)
	return st
}

func newTestAggregator(t *testing.T, st *store.Store, opts *Options) *Aggregator {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return testClock }
	}
	return New(zap.NewNop(), config.Default(), st, opts)
}

func seedWorkflow(t *testing.T, st *store.Store, id, eaName string, status types.Status, created time.Time) *types.WorkflowState {
	t.Helper()
	w := types.NewWorkflowState(id, eaName, "/tmp/"+eaName+".mq5", "EURUSD", types.TimeframeH1)
	w.Status = status
	w.CreatedAt = created
	require.NoError(t, st.Save(w))
	return w
}

// seedBacktests stores a verification side-car whose scores were
// computed with the same engine the aggregator rescoring uses.
func seedBacktests(t *testing.T, st *store.Store, id string, bts []types.PassBacktest) []types.PassBacktest {
	t.Helper()
	engine := gates.NewEngine(zap.NewNop(), config.Default())
	for i := range bts {
		in := gates.ScoreInputFromMetrics(bts[i].Metrics)
		if bts[i].BackMetrics != nil {
			in.BackProfit = &bts[i].BackMetrics.Profit
		}
		if bts[i].ForwardMetrics != nil {
			in.ForwardProfit = &bts[i].ForwardMetrics.Profit
		}
		bts[i].Score = engine.PassScore(in)
	}
	_, err := st.SaveResults(id, store.ResultsBacktests, bts)
	require.NoError(t, err)
	return bts
}

func verifiedPass(passNum int, profit, back, fwd float64) types.PassBacktest {
	bm := types.TradeMetrics{Profit: back, ProfitFactor: 1.8, MaxDrawdownPct: 10, TotalTrades: 90}
	fm := types.TradeMetrics{Profit: fwd, ProfitFactor: 1.5, MaxDrawdownPct: 9, TotalTrades: 50}
	return types.PassBacktest{
		PassNum: passNum,
		Success: true,
		Params: map[string]any{
			"Pass":     float64(passNum),
			"Result":   profit,
			"MaPeriod": 20.0,
			"StopLoss": 150.0,
		},
		Metrics: types.TradeMetrics{
			Profit:         profit,
			ProfitFactor:   1.9,
			MaxDrawdownPct: 12,
			TotalTrades:    140,
			Sharpe:         1.3,
			WinRate:        55,
		},
		BackMetrics:    &bm,
		ForwardMetrics: &fm,
	}
}

func sweepRecord(pass int, profit float64) types.PassRecord {
	return types.PassRecord{
		Result:         profit,
		Profit:         profit,
		ProfitFactor:   1.6,
		MaxDrawdownPct: 10,
		TotalTrades:    130,
		Sharpe:         1.1,
		WinRate:        52,
		Params: map[string]any{
			"Pass":           float64(pass),
			"Result":         profit,
			"Forward Result": 120.0,
			"Back Result":    140.0,
			"MaPeriod":       float64(10 + pass),
		},
	}
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestLeaderboardRanksAcrossWorkflows(t *testing.T) {
	st := newTestStore(t)
	agg := newTestAggregator(t, st, nil)

	seedWorkflow(t, st, "run_alpha_20260825_100000", "Alpha_EA", types.StatusCompleted, testClock.Add(-2*time.Hour))
	seedBacktests(t, st, "run_alpha_20260825_100000", []types.PassBacktest{
		verifiedPass(3, 9000, 6000, 2500),
		verifiedPass(7, 4000, 2800, 900),
	})

	seedWorkflow(t, st, "run_beta_20260825_110000", "Beta_EA", types.StatusCompleted, testClock.Add(-time.Hour))
	seedBacktests(t, st, "run_beta_20260825_110000", []types.PassBacktest{
		verifiedPass(12, 6500, 4100, 1700),
	})

	// Excluded from the ranking regardless of stored results.
	seedWorkflow(t, st, "run_gamma_20260825_113000", "Gamma_EA", types.StatusFailed, testClock.Add(-30*time.Minute))
	seedBacktests(t, st, "run_gamma_20260825_113000", []types.PassBacktest{
		verifiedPass(1, 99999, 50000, 40000),
	})
	seedWorkflow(t, st, "run_delta_20260825_114500", "Delta_EA", types.StatusAwaitingParams, testClock.Add(-15*time.Minute))

	path, err := agg.Leaderboard()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(st.Root(), "leaderboard", "index.html"), path)

	var data LeaderboardData
	readJSON(t, filepath.Join(st.Root(), "leaderboard", "data.json"), &data)

	require.Equal(t, 3, data.TotalPasses)
	assert.Equal(t, 2, data.WorkflowsProcessed)
	assert.True(t, data.UpdatedAt.Equal(testClock))

	for i, row := range data.Passes {
		assert.Equal(t, i+1, row.Rank)
		if i > 0 {
			assert.LessOrEqual(t, row.Score, data.Passes[i-1].Score)
		}
		assert.NotEqual(t, "Gamma_EA", row.EAName)
		assert.NotEqual(t, "Delta_EA", row.EAName)
		assert.True(t, row.Backtested)
		assert.Equal(t, "consistent", row.SegmentStatus)
		assert.Equal(t, "../dashboards/"+row.WorkflowID+"/index.html", row.DashboardLink)
	}

	// Bookkeeping columns never leak into the details view.
	top := data.Passes[0]
	assert.Contains(t, top.Parameters, "MaPeriod")
	assert.NotContains(t, top.Parameters, "Pass")
	assert.NotContains(t, top.Parameters, "Result")

	html, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(html), "EA Leaderboard")
	assert.Contains(t, string(html), "Alpha_EA")
}

func TestLeaderboardScoreMatchesStoredScore(t *testing.T) {
	st := newTestStore(t)
	agg := newTestAggregator(t, st, nil)

	seedWorkflow(t, st, "run_alpha_20260825_100000", "Alpha_EA", types.StatusCompleted, testClock)
	stored := seedBacktests(t, st, "run_alpha_20260825_100000", []types.PassBacktest{
		verifiedPass(3, 9000, 6000, 2500),
		verifiedPass(7, 4000, 2800, -300),
	})

	_, err := agg.Leaderboard()
	require.NoError(t, err)

	var data LeaderboardData
	readJSON(t, filepath.Join(st.Root(), "leaderboard", "data.json"), &data)
	require.Len(t, data.Passes, 2)

	byPass := make(map[int]float64, len(stored))
	for _, bt := range stored {
		byPass[bt.PassNum] = bt.Score
	}
	for _, row := range data.Passes {
		assert.InDelta(t, byPass[row.PassNum], row.Score, 1e-9,
			"rescored composite must match the persisted one for pass %d", row.PassNum)
	}
}

func TestLeaderboardFallsBackToOptimization(t *testing.T) {
	st := newTestStore(t)
	agg := newTestAggregator(t, st, nil)

	w := seedWorkflow(t, st, "run_alpha_20260825_100000", "Alpha_EA", types.StatusCompleted, testClock)
	w.Steps.Set(types.StepValidateTrades, types.StageOK(map[string]any{"total_trades": 120}))
	require.NoError(t, st.Save(w))

	records := make([]types.PassRecord, 0, 25)
	for i := 0; i < 25; i++ {
		records = append(records, sweepRecord(i, 500+float64(i)*10))
	}
	_, err := st.SaveResults(w.WorkflowID, store.ResultsOptimization, records)
	require.NoError(t, err)

	_, err = agg.Leaderboard()
	require.NoError(t, err)

	var data LeaderboardData
	readJSON(t, filepath.Join(st.Root(), "leaderboard", "data.json"), &data)

	require.Equal(t, 20, data.TotalPasses, "sweep fallback contributes at most the top 20")
	assert.Equal(t, 1, data.WorkflowsProcessed)
	for _, row := range data.Passes {
		assert.False(t, row.Backtested)
		assert.Equal(t, 120.0, row.ForwardResult)
		assert.Equal(t, 140.0, row.BackResult)
		assert.True(t, row.IsConsistent)
		assert.Positive(t, row.Score)
		assert.Contains(t, row.Parameters, "MaPeriod")
		assert.NotContains(t, row.Parameters, "Forward Result")
	}
}

func TestLeaderboardPerWorkflowCap(t *testing.T) {
	st := newTestStore(t)
	agg := newTestAggregator(t, st, &Options{PassesPerWorkflow: 2})

	seedWorkflow(t, st, "run_alpha_20260825_100000", "Alpha_EA", types.StatusCompleted, testClock)
	seedBacktests(t, st, "run_alpha_20260825_100000", []types.PassBacktest{
		verifiedPass(1, 1000, 700, 200),
		verifiedPass(2, 9000, 6000, 2500),
		verifiedPass(3, 5000, 3300, 1400),
		verifiedPass(4, 2000, 1400, 500),
		verifiedPass(5, 7500, 5000, 2100),
	})

	_, err := agg.Leaderboard()
	require.NoError(t, err)

	var data LeaderboardData
	readJSON(t, filepath.Join(st.Root(), "leaderboard", "data.json"), &data)

	require.Equal(t, 2, data.TotalPasses)
	profits := []float64{data.Passes[0].Profit, data.Passes[1].Profit}
	assert.Contains(t, profits, 9000.0)
	assert.Contains(t, profits, 7500.0)
}

func TestLeaderboardEmptyStore(t *testing.T) {
	st := newTestStore(t)
	agg := newTestAggregator(t, st, nil)

	path, err := agg.Leaderboard()
	require.NoError(t, err)
	assert.FileExists(t, path)

	var data LeaderboardData
	readJSON(t, filepath.Join(st.Root(), "leaderboard", "data.json"), &data)
	assert.Zero(t, data.TotalPasses)
	assert.Zero(t, data.WorkflowsProcessed)
	assert.Empty(t, data.Passes)
}

func TestScanSkipsUnreadableFiles(t *testing.T) {
	st := newTestStore(t)
	agg := newTestAggregator(t, st, nil)

	seedWorkflow(t, st, "run_alpha_20260825_100000", "Alpha_EA", types.StatusCompleted, testClock)
	seedBacktests(t, st, "run_alpha_20260825_100000", []types.PassBacktest{verifiedPass(3, 9000, 6000, 2500)})
	require.NoError(t, os.WriteFile(filepath.Join(st.Root(), "workflow_zzz_corrupt.json"), []byte("{not json"), 0o644))

	_, err := agg.Leaderboard()
	require.NoError(t, err)

	var data LeaderboardData
	readJSON(t, filepath.Join(st.Root(), "leaderboard", "data.json"), &data)
	assert.Equal(t, 1, data.TotalPasses)
	assert.Equal(t, "Alpha_EA", data.Passes[0].EAName)
}

func stressReportFixture() *types.StressReport {
	metrics := func(profit float64) *types.TradeMetrics {
		return &types.TradeMetrics{Profit: profit, ProfitFactor: 1.6, MaxDrawdownPct: 14, TotalTrades: 120}
	}
	baseline := &types.ScenarioResult{
		Scenario: types.Scenario{
			ID:      "baseline_full",
			Label:   "Baseline (best pass) - full period",
			Variant: types.VariantBase,
			Window:  types.ScenarioWindow{ID: "full", Label: "Full period", From: "2021.08.25", To: "2026.08.25"},
			Settings: types.ScenarioSettings{
				From: "2021.08.25", To: "2026.08.25", Model: 1, LatencyMS: 50,
			},
			Tags: []string{"baseline", "ohlc"},
		},
		Success: true,
		Metrics: metrics(4200),
		Score:   7.5,
	}
	crisis := types.ScenarioResult{
		Scenario: types.Scenario{
			ID:      "covid_crash_ohlc",
			Label:   "COVID crash",
			Variant: types.VariantBase,
			Window:  types.ScenarioWindow{ID: "covid", Label: "COVID crash", From: "2020.02.01", To: "2020.05.01"},
			Settings: types.ScenarioSettings{
				From: "2020.02.01", To: "2020.05.01", Model: 1, LatencyMS: 80,
			},
			Tags: []string{"crisis"},
		},
		Success: true,
		Metrics: metrics(-600),
		Score:   2.0,
	}
	overlay := types.ScenarioResult{
		Scenario: types.Scenario{
			ID:      "covid_crash_costs",
			Label:   "COVID crash + costs",
			Variant: types.VariantOverlay,
			Window:  crisis.Scenario.Window,
			Settings: types.ScenarioSettings{
				From: "2020.02.01", To: "2020.05.01", Model: 1, LatencyMS: 80,
			},
			Overlay:        &types.OverlaySettings{SpreadPips: 1.5, SlippagePips: 0.5, Sides: 2},
			BaseScenarioID: "covid_crash_ohlc",
		},
		Success: false,
		Error:   "tick data missing for 2020.03",
		TickFiles: &types.TickCoverage{
			OK:            false,
			MonthsMissing: []string{"2020.03"},
		},
	}
	return &types.StressReport{
		GeneratedAt: testClock,
		Baseline:    baseline,
		Scenarios:   []types.ScenarioResult{crisis, overlay},
	}
}

func windowReportFixture() *types.WindowReport {
	return &types.WindowReport{
		GeneratedAt: testClock,
		Windows: []types.Window{
			{
				ID: "last_12m", Label: "Last 12 months", Kind: types.WindowRolling,
				From: "2025.08.25", To: "2026.08.25",
				Metrics: types.TradeMetrics{Profit: 900, ProfitFactor: 1.4, MaxDrawdownPct: 9, TotalTrades: 40},
			},
			{
				ID: "y2024", Label: "2024", Kind: types.WindowYear,
				From: "2024.01.01", To: "2024.12.31",
				Metrics: types.TradeMetrics{Profit: 1300, ProfitFactor: 1.7, MaxDrawdownPct: 11, TotalTrades: 55},
			},
		},
	}
}

func TestBoardsListsEveryStatus(t *testing.T) {
	st := newTestStore(t)
	agg := newTestAggregator(t, st, nil)

	done := seedWorkflow(t, st, "run_alpha_20260825_100000", "Alpha_EA", types.StatusCompleted, testClock.Add(-2*time.Hour))
	done.Metrics = map[string]float64{
		"composite_score": 8.4, "profit": 5200, "profit_factor": 1.8,
		"max_drawdown_pct": 11, "total_trades": 150, "sharpe": 1.2,
	}
	done.Gates = map[string]types.GateResult{
		"profit_factor": {Name: "profit_factor", Passed: true},
		"max_drawdown":  {Name: "max_drawdown", Passed: true},
	}
	done.StressReport = stressReportFixture()
	done.WindowReport = windowReportFixture()
	require.NoError(t, st.Save(done))

	seedWorkflow(t, st, "run_beta_20260825_110000", "Beta_EA", types.StatusFailed, testClock.Add(-time.Hour))
	seedWorkflow(t, st, "run_gamma_20260825_113000", "Gamma_EA", types.StatusAwaitingStats, testClock.Add(-30*time.Minute))

	path, err := agg.Boards()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(st.Root(), "boards", "index.html"), path)

	var data BoardsData
	readJSON(t, filepath.Join(st.Root(), "boards", "data.json"), &data)

	require.Len(t, data.Workflows, 3, "boards keep every run visible, failed and paused included")
	assert.Equal(t, "Gamma_EA", data.Workflows[0].EAName)
	assert.Equal(t, "Beta_EA", data.Workflows[1].EAName)
	assert.Equal(t, "Alpha_EA", data.Workflows[2].EAName)

	alpha := data.Workflows[2]
	assert.Equal(t, types.StatusCompleted, alpha.Status)
	assert.Equal(t, 8.4, alpha.Score)
	assert.Equal(t, 5200.0, alpha.Profit)
	assert.Equal(t, 150, alpha.TotalTrades)
	require.NotNil(t, alpha.GoLiveReady)
	assert.True(t, *alpha.GoLiveReady)

	beta := data.Workflows[1]
	assert.Equal(t, types.StatusFailed, beta.Status)
	assert.Nil(t, beta.GoLiveReady)

	// Baseline + crisis + overlay + two forward windows.
	require.Len(t, data.Scenarios, 5)
	assert.Equal(t, "baseline_full", data.Scenarios[0].ScenarioID)

	var overlayRow, forwardRow *ScenarioRow
	for i := range data.Scenarios {
		switch data.Scenarios[i].ScenarioID {
		case "covid_crash_costs":
			overlayRow = &data.Scenarios[i]
		case "forward::last_12m":
			forwardRow = &data.Scenarios[i]
		}
	}
	require.NotNil(t, overlayRow)
	assert.False(t, overlayRow.Success)
	assert.Equal(t, "overlay", overlayRow.Variant)
	require.NotNil(t, overlayRow.Overlay)
	assert.Equal(t, 1.5, overlayRow.Overlay.SpreadPips)
	require.NotNil(t, overlayRow.TickFilesOK)
	assert.False(t, *overlayRow.TickFilesOK)
	assert.Equal(t, []string{"2020.03"}, overlayRow.MonthsMissing)
	assert.Equal(t, []string{"tick data missing for 2020.03"}, overlayRow.Errors)

	require.NotNil(t, forwardRow)
	assert.Equal(t, "forward_window", forwardRow.Variant)
	assert.Equal(t, "Forward Window: Last 12 months", forwardRow.ScenarioLabel)
	assert.Equal(t, []string{"forward", "rolling"}, forwardRow.Tags)
	assert.True(t, forwardRow.Success)
	assert.Equal(t, 900.0, forwardRow.Profit)

	assert.Equal(t, 3, data.Counts.Workflows)
	assert.Equal(t, 5, data.Counts.Scenarios)
	assert.Equal(t, 3, data.Counts.UniqueEAs)
	assert.Equal(t, 1, data.Counts.UniqueSymbols)

	html, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(html), "EA Stress Boards")
	assert.Contains(t, string(html), "COVID crash")
}

func TestDashboardWritesWorkflowView(t *testing.T) {
	st := newTestStore(t)
	cfg := config.Default()
	agg := newTestAggregator(t, st, nil)

	w := seedWorkflow(t, st, "run_alpha_20260825_100000", "Alpha_EA", types.StatusCompleted, testClock)
	w.Steps.Set(types.StepLoadEA, types.StageOK(nil))
	w.Steps.Set(types.StepCompile, types.StageOK(nil))
	w.Steps.Set(types.StepValidateTrades, types.StageOK(map[string]any{"total_trades": 120}))
	w.Metrics = map[string]float64{"composite_score": 8.2, "profit": 5200, "profit_factor": 1.8}
	w.Gates = map[string]types.GateResult{
		"profit_factor": {Name: "profit_factor", Passed: true, Message: "PASS profit_factor: 1.80 >= 1.50"},
	}
	w.Analysis = map[string]any{"source": "quant_desk"}
	w.StressReport = stressReportFixture()
	w.WindowReport = windowReportFixture()
	w.MultiPairRuns = []types.MultiPairRun{{Symbol: "GBPUSD", WorkflowID: "run_child", Status: types.StatusCompleted, Score: 6.1}}
	w.FixAttempts = 1
	require.NoError(t, st.Save(w))
	seedBacktests(t, st, w.WorkflowID, []types.PassBacktest{
		verifiedPass(3, 9000, 6000, 2500),
		verifiedPass(7, 4000, 2800, 900),
	})

	path, err := agg.Dashboard(w)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(st.Root(), "dashboards", w.WorkflowID, "index.html"), path)

	var data DashboardData
	readJSON(t, filepath.Join(st.Root(), "dashboards", w.WorkflowID, "data.json"), &data)

	assert.Equal(t, w.WorkflowID, data.WorkflowID)
	assert.Equal(t, 8.2, data.Score)
	assert.Equal(t, cfg.BacktestDates(w.CreatedAt), data.Dates)
	assert.Equal(t, cfg.Gates.MinTrades, data.Thresholds.MinTrades)
	require.NotNil(t, data.GoLiveReady)
	assert.True(t, *data.GoLiveReady)
	assert.Equal(t, 1, data.FixAttempts)
	assert.Equal(t, "quant_desk", data.Analysis["source"])

	// Steps keep execution order.
	require.Len(t, data.Steps, 3)
	assert.Equal(t, types.StepLoadEA, data.Steps[0].Name)
	assert.Equal(t, types.StepValidateTrades, data.Steps[2].Name)

	require.Len(t, data.Passes, 2)
	assert.Equal(t, 3, data.Passes[0].PassNum, "passes sorted by composite, best first")
	require.NotNil(t, data.SelectedPass)
	assert.Equal(t, 3, *data.SelectedPass)
	require.Len(t, data.Scatter, 2)
	assert.Equal(t, 6000.0, data.Scatter[0].Back)
	assert.Equal(t, 2500.0, data.Scatter[0].Forward)

	require.NotNil(t, data.Stress)
	assert.Len(t, data.Stress.Scenarios, 2)
	require.NotNil(t, data.Windows)
	assert.Len(t, data.Windows.Windows, 2)
	require.Len(t, data.MultiPair, 1)
	assert.Equal(t, "GBPUSD", data.MultiPair[0].Symbol)

	html, err := os.ReadFile(path)
	require.NoError(t, err)
	page := string(html)
	assert.Contains(t, page, "Alpha_EA")
	assert.Contains(t, page, "Stress scenarios")
	assert.Contains(t, page, "Forward windows")
	assert.Contains(t, page, "Multi-pair runs")
	assert.False(t, strings.Contains(page, "<no value>"), "template must not reference missing fields")
}

func TestDashboardNilWorkflow(t *testing.T) {
	st := newTestStore(t)
	agg := newTestAggregator(t, st, nil)

	_, err := agg.Dashboard(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil workflow")
}

func TestSegmentStatus(t *testing.T) {
	cases := []struct {
		back, forward float64
		want          string
	}{
		{100, 50, "consistent"},
		{-100, 50, "forward_only"},
		{100, -50, "back_only"},
		{-100, -50, "mixed"},
		{0, 0, "mixed"},
		{0, 50, "mixed"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, segmentStatus(tc.back, tc.forward), "back=%v forward=%v", tc.back, tc.forward)
	}
}

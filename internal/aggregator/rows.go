package aggregator

import (
	"time"

	"github.com/eaforge/stress-backend/internal/config"
	"github.com/eaforge/stress-backend/internal/gates"
	"github.com/eaforge/stress-backend/internal/passes"
	"github.com/eaforge/stress-backend/internal/store"
	"github.com/eaforge/stress-backend/pkg/types"
)

// PassRow is one leaderboard entry: a single pass with its metrics and
// the rescored composite. Backtested rows come from the verification
// stage; the rest are scored sweep results.
type PassRow struct {
	Rank           int             `json:"rank,omitempty"`
	EAName         string          `json:"ea_name"`
	Symbol         string          `json:"symbol"`
	Timeframe      types.Timeframe `json:"timeframe"`
	PassNum        int             `json:"pass_num"`
	WorkflowID     string          `json:"workflow_id"`
	DashboardLink  string          `json:"dashboard_link"`
	CreatedAt      time.Time       `json:"created_at"`
	Score          float64         `json:"score"`
	Profit         float64         `json:"profit"`
	ProfitFactor   float64         `json:"profit_factor"`
	MaxDrawdownPct float64         `json:"max_drawdown_pct"`
	Sharpe         float64         `json:"sharpe"`
	TotalTrades    int             `json:"total_trades"`
	ForwardResult  float64         `json:"forward_result"`
	BackResult     float64         `json:"back_result"`
	IsConsistent   bool            `json:"is_consistent"`
	SegmentStatus  string          `json:"status"`
	Backtested     bool            `json:"backtested"`
	Parameters     map[string]any  `json:"parameters,omitempty"`
}

// LeaderboardData is the data.json document behind the leaderboard.
type LeaderboardData struct {
	Passes             []PassRow `json:"passes"`
	TotalPasses        int       `json:"total_passes"`
	WorkflowsProcessed int       `json:"workflows_processed"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Top returns the first n ranked passes for the compact HTML table.
func (d LeaderboardData) Top(n int) []PassRow {
	if len(d.Passes) <= n {
		return d.Passes
	}
	return d.Passes[:n]
}

// WorkflowRow is one boards entry. The store summary carries identity
// and step counts; the metric columns come from the merged workflow
// metrics.
type WorkflowRow struct {
	store.Summary
	Profit         float64 `json:"profit"`
	ProfitFactor   float64 `json:"profit_factor"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	Sharpe         float64 `json:"sharpe"`
	TotalTrades    int     `json:"total_trades"`
	GoLiveReady    *bool   `json:"go_live_ready"`
	DashboardLink  string  `json:"dashboard_link"`
}

// ScenarioRow is one boards entry for a stress scenario or a forward
// window, normalized so both kinds share one table.
type ScenarioRow struct {
	WorkflowID     string                 `json:"workflow_id"`
	EAName         string                 `json:"ea_name"`
	Symbol         string                 `json:"symbol"`
	Timeframe      types.Timeframe        `json:"timeframe"`
	CreatedAt      time.Time              `json:"created_at"`
	DashboardLink  string                 `json:"dashboard_link"`
	ScenarioID     string                 `json:"scenario_id"`
	ScenarioLabel  string                 `json:"scenario_label"`
	Success        bool                   `json:"success"`
	Variant        string                 `json:"variant"`
	Tags           []string               `json:"tags,omitempty"`
	WindowID       string                 `json:"window_id"`
	WindowLabel    string                 `json:"window_label"`
	FromDate       string                 `json:"from_date"`
	ToDate         string                 `json:"to_date"`
	Model          int                    `json:"model"`
	LatencyMS      int                    `json:"latency_ms,omitempty"`
	SpreadPoints   int                    `json:"spread_points,omitempty"`
	Overlay        *types.OverlaySettings `json:"overlay,omitempty"`
	Profit         float64                `json:"profit"`
	ProfitFactor   float64                `json:"profit_factor"`
	MaxDrawdownPct float64                `json:"max_drawdown_pct"`
	TotalTrades    int                    `json:"total_trades"`
	Score          float64                `json:"score,omitempty"`
	TickFilesOK    *bool                  `json:"tick_files_ok,omitempty"`
	MonthsMissing  []string               `json:"tick_months_missing,omitempty"`
	Errors         []string               `json:"errors,omitempty"`
}

// BoardCounts summarizes the boards index.
type BoardCounts struct {
	Workflows     int `json:"workflows"`
	Scenarios     int `json:"scenarios"`
	UniqueEAs     int `json:"unique_eas"`
	UniqueSymbols int `json:"unique_symbols"`
}

// BoardsData is the data.json document behind the boards index.
type BoardsData struct {
	Workflows []WorkflowRow `json:"workflows"`
	Scenarios []ScenarioRow `json:"scenarios"`
	UpdatedAt time.Time     `json:"updated_at"`
	Counts    BoardCounts   `json:"counts"`
}

// StepStatus is the dashboard's condensed step record.
type StepStatus struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ScatterPoint plots one pass as back-segment result against
// forward-segment result.
type ScatterPoint struct {
	Back    float64 `json:"x"`
	Forward float64 `json:"y"`
}

// ThresholdBlock echoes the configured gate floors so the dashboard is
// self-describing.
type ThresholdBlock struct {
	MinTrades          int     `json:"min_trades"`
	MinProfitFactor    float64 `json:"min_profit_factor"`
	MaxDrawdownPct     float64 `json:"max_drawdown_pct"`
	MinMCConfidence    float64 `json:"min_mc_confidence"`
	MaxRuinProbability float64 `json:"max_ruin_probability"`
}

// DashboardData is the data.json document behind one workflow
// dashboard.
type DashboardData struct {
	WorkflowID   string                      `json:"workflow_id"`
	EAName       string                      `json:"ea_name"`
	Symbol       string                      `json:"symbol"`
	Timeframe    types.Timeframe             `json:"timeframe"`
	Status       types.Status                `json:"status"`
	CurrentStep  string                      `json:"current_step,omitempty"`
	CreatedAt    time.Time                   `json:"created_at"`
	UpdatedAt    time.Time                   `json:"updated_at"`
	Dates        config.DateRange            `json:"backtest_dates"`
	Score        float64                     `json:"composite_score"`
	GoLiveReady  *bool                       `json:"go_live_ready,omitempty"`
	Thresholds   ThresholdBlock              `json:"thresholds"`
	Metrics      map[string]float64          `json:"metrics,omitempty"`
	Gates        map[string]types.GateResult `json:"gates,omitempty"`
	Steps        []StepStatus                `json:"steps"`
	Scatter      []ScatterPoint              `json:"scatter,omitempty"`
	Passes       []PassRow                   `json:"passes"`
	SelectedPass *int                        `json:"selected_pass,omitempty"`
	Analysis     map[string]any              `json:"analysis,omitempty"`
	Stress       *types.StressReport         `json:"stress_scenarios,omitempty"`
	Windows      *types.WindowReport         `json:"forward_windows,omitempty"`
	MultiPair    []types.MultiPairRun        `json:"multi_pair_runs,omitempty"`
	Errors       []string                    `json:"errors,omitempty"`
	FixAttempts  int                         `json:"fix_attempts"`
	GeneratedAt  time.Time                   `json:"generated_at"`
}

// passRows extracts up to limit ranked passes for one workflow,
// preferring verification backtests over the raw sweep.
func (a *Aggregator) passRows(w *types.WorkflowState, limit int) []PassRow {
	rows := a.backtestRows(w)
	if len(rows) == 0 {
		rows = a.optimizationRows(w)
	}
	sortRows(rows)
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

func (a *Aggregator) backtestRows(w *types.WorkflowState) []PassRow {
	var bts []types.PassBacktest
	if err := a.store.LoadResults(w.WorkflowID, store.ResultsBacktests, &bts); err != nil || len(bts) == 0 {
		return nil
	}
	rows := make([]PassRow, 0, len(bts))
	for _, bt := range bts {
		if bt.Error != "" && bt.Metrics.TotalTrades == 0 {
			continue
		}
		row := baseRow(w)
		row.PassNum = bt.PassNum
		row.Backtested = true
		row.Profit = bt.Metrics.Profit
		row.ProfitFactor = bt.Metrics.ProfitFactor
		row.MaxDrawdownPct = bt.Metrics.MaxDrawdownPct
		row.Sharpe = bt.Metrics.Sharpe
		row.TotalTrades = bt.Metrics.TotalTrades
		row.BackResult = bt.OptResult
		if bt.BackMetrics != nil {
			row.BackResult = bt.BackMetrics.Profit
		}
		row.ForwardResult = bt.OptForward
		if bt.ForwardMetrics != nil {
			row.ForwardResult = bt.ForwardMetrics.Profit
		}
		row.Score = a.rescoreBacktest(bt)
		row.IsConsistent = row.BackResult > 0 && row.ForwardResult > 0
		row.SegmentStatus = segmentStatus(row.BackResult, row.ForwardResult)
		row.Parameters = displayParams(bt.Params)
		rows = append(rows, row)
	}
	return rows
}

func (a *Aggregator) optimizationRows(w *types.WorkflowState) []PassRow {
	var records []types.PassRecord
	if err := a.store.LoadResults(w.WorkflowID, store.ResultsOptimization, &records); err != nil || len(records) == 0 {
		return nil
	}
	validationTrades := 0
	if res, ok := w.Steps.Get(types.StepValidateTrades); ok {
		validationTrades = intFromData(res.Data, "total_trades")
	}

	analyzer := passes.NewAnalyzer(a.logger, a.scorer)
	summary := analyzer.Summarize(records, validationTrades)
	analysis := analyzer.Analyze(records, passes.Thresholds{MinTrades: summary.ThresholdUsed})

	top := analysis.Valid
	if len(top) > passes.DefaultTopN {
		top = top[:passes.DefaultTopN]
	}
	rows := make([]PassRow, 0, len(top))
	for _, p := range top {
		row := baseRow(w)
		row.PassNum = p.PassNum()
		row.Profit = p.Profit
		row.ProfitFactor = p.ProfitFactor
		row.MaxDrawdownPct = p.MaxDrawdownPct
		row.Sharpe = p.Sharpe
		row.TotalTrades = p.TotalTrades
		row.Score = p.Score
		row.ForwardResult = p.ForwardProfit
		row.BackResult = p.BackProfit
		row.IsConsistent = p.IsConsistent
		row.SegmentStatus = segmentStatus(p.BackProfit, p.ForwardProfit)
		row.Parameters = displayParams(p.Params)
		rows = append(rows, row)
	}
	return rows
}

// rescoreBacktest reruns the shared composite over a verification
// record. The result must agree with the score the backtest stage
// persisted.
func (a *Aggregator) rescoreBacktest(bt types.PassBacktest) float64 {
	in := gates.ScoreInputFromMetrics(bt.Metrics)
	if bt.BackMetrics != nil {
		in.BackProfit = &bt.BackMetrics.Profit
	}
	if bt.ForwardMetrics != nil {
		in.ForwardProfit = &bt.ForwardMetrics.Profit
	}
	return a.scorer.PassScore(in)
}

func (a *Aggregator) workflowRow(w *types.WorkflowState) WorkflowRow {
	row := WorkflowRow{
		Summary:        store.Summarize(w, a.store.Path(w.WorkflowID)),
		Profit:         w.Metrics["profit"],
		ProfitFactor:   w.Metrics["profit_factor"],
		MaxDrawdownPct: w.Metrics["max_drawdown_pct"],
		Sharpe:         w.Metrics["sharpe"],
		TotalTrades:    int(w.Metrics["total_trades"]),
		DashboardLink:  dashboardLink(w.WorkflowID),
	}
	if len(w.Gates) > 0 {
		ready := gates.GoLiveReady(w.Gates)
		row.GoLiveReady = &ready
	}
	return row
}

// scenarioRows flattens the stress suite and the forward windows into
// the shared board shape. Forward windows get a forward:: id prefix and
// the forward_window variant so the UI can split them out.
func scenarioRows(w *types.WorkflowState) []ScenarioRow {
	var rows []ScenarioRow
	base := ScenarioRow{
		WorkflowID:    w.WorkflowID,
		EAName:        w.EAName,
		Symbol:        w.Symbol,
		Timeframe:     w.Timeframe,
		CreatedAt:     w.CreatedAt,
		DashboardLink: dashboardLink(w.WorkflowID),
	}
	if sr := w.StressReport; sr != nil {
		results := sr.Scenarios
		if sr.Baseline != nil {
			results = append([]types.ScenarioResult{*sr.Baseline}, results...)
		}
		for _, res := range results {
			row := base
			sc := res.Scenario
			row.ScenarioID = sc.ID
			row.ScenarioLabel = sc.Label
			if row.ScenarioLabel == "" {
				row.ScenarioLabel = sc.ID
			}
			row.Success = res.Success
			row.Variant = string(sc.Variant)
			row.Tags = sc.Tags
			row.WindowID = sc.Window.ID
			row.WindowLabel = sc.Window.Label
			row.FromDate = sc.Settings.From
			row.ToDate = sc.Settings.To
			row.Model = sc.Settings.Model
			row.LatencyMS = sc.Settings.LatencyMS
			row.SpreadPoints = sc.Settings.SpreadPoints
			row.Overlay = sc.Overlay
			if res.Metrics != nil {
				row.Profit = res.Metrics.Profit
				row.ProfitFactor = res.Metrics.ProfitFactor
				row.MaxDrawdownPct = res.Metrics.MaxDrawdownPct
				row.TotalTrades = res.Metrics.TotalTrades
			}
			row.Score = res.Score
			if res.TickFiles != nil {
				ok := res.TickFiles.OK
				row.TickFilesOK = &ok
				row.MonthsMissing = res.TickFiles.MonthsMissing
			}
			if res.Error != "" {
				row.Errors = []string{res.Error}
			}
			rows = append(rows, row)
		}
	}
	if wr := w.WindowReport; wr != nil {
		for _, win := range wr.Windows {
			row := base
			row.ScenarioID = "forward::" + win.ID
			row.ScenarioLabel = "Forward Window: " + win.Label
			row.Success = win.Metrics.TotalTrades > 0
			row.Variant = "forward_window"
			row.Tags = []string{"forward", string(win.Kind)}
			row.WindowID = win.ID
			row.WindowLabel = win.Label
			row.FromDate = win.From
			row.ToDate = win.To
			row.Profit = win.Metrics.Profit
			row.ProfitFactor = win.Metrics.ProfitFactor
			row.MaxDrawdownPct = win.Metrics.MaxDrawdownPct
			row.TotalTrades = win.Metrics.TotalTrades
			rows = append(rows, row)
		}
	}
	return rows
}

func (a *Aggregator) dashboardData(w *types.WorkflowState) DashboardData {
	rows := a.passRows(w, dashboardPassCap)
	doc := DashboardData{
		WorkflowID:  w.WorkflowID,
		EAName:      w.EAName,
		Symbol:      w.Symbol,
		Timeframe:   w.Timeframe,
		Status:      w.Status,
		CurrentStep: w.CurrentStep,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
		Dates:       a.cfg.BacktestDates(w.CreatedAt),
		Score:       w.Metrics["composite_score"],
		Thresholds: ThresholdBlock{
			MinTrades:          a.cfg.Gates.MinTrades,
			MinProfitFactor:    a.cfg.Gates.MinProfitFactor,
			MaxDrawdownPct:     a.cfg.Gates.MaxDrawdownPct,
			MinMCConfidence:    a.cfg.MonteCarlo.ConfidenceMin,
			MaxRuinProbability: a.cfg.MonteCarlo.RuinMax,
		},
		Metrics:     w.Metrics,
		Gates:       w.Gates,
		Passes:      rows,
		Analysis:    w.Analysis,
		Stress:      w.StressReport,
		Windows:     w.WindowReport,
		MultiPair:   w.MultiPairRuns,
		Errors:      w.Errors,
		FixAttempts: w.FixAttempts,
		GeneratedAt: a.now().UTC(),
	}
	w.Steps.Each(func(name string, r types.StageResult) bool {
		st := StepStatus{Name: name, Success: r.Success}
		if len(r.Errors) > 0 {
			st.Error = r.Errors[0]
		}
		doc.Steps = append(doc.Steps, st)
		return true
	})
	for _, p := range rows {
		doc.Scatter = append(doc.Scatter, ScatterPoint{Back: p.BackResult, Forward: p.ForwardResult})
	}
	if len(rows) > 0 {
		selected := rows[0].PassNum
		doc.SelectedPass = &selected
	}
	if len(w.Gates) > 0 {
		ready := gates.GoLiveReady(w.Gates)
		doc.GoLiveReady = &ready
	}
	return doc
}

func baseRow(w *types.WorkflowState) PassRow {
	return PassRow{
		EAName:        w.EAName,
		Symbol:        w.Symbol,
		Timeframe:     w.Timeframe,
		WorkflowID:    w.WorkflowID,
		DashboardLink: dashboardLink(w.WorkflowID),
		CreatedAt:     w.CreatedAt,
	}
}

// dashboardLink is relative so rendered pages work straight off the
// filesystem.
func dashboardLink(workflowID string) string {
	return "../dashboards/" + workflowID + "/index.html"
}

// segmentStatus classifies a pass by the sign of its segment results.
// Both positive is consistent, one positive against one negative is a
// one-sided pass, anything else is mixed.
func segmentStatus(back, forward float64) string {
	switch {
	case back > 0 && forward > 0:
		return "consistent"
	case forward > 0 && back < 0:
		return "forward_only"
	case back > 0 && forward < 0:
		return "back_only"
	default:
		return "mixed"
	}
}

// displayParams strips the tester bookkeeping columns so the details
// view shows only real EA inputs.
func displayParams(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch k {
		case types.ParamKeyPass, types.ParamKeyResult, types.ParamKeyCustom,
			types.ParamKeyForwardResult, types.ParamKeyBackResult:
			continue
		}
		out[k] = v
	}
	return out
}

func intFromData(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

package stress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/config"
	"github.com/eaforge/stress-backend/internal/gates"
	"github.com/eaforge/stress-backend/internal/report"
	"github.com/eaforge/stress-backend/internal/simulator"
	"github.com/eaforge/stress-backend/pkg/types"
	"github.com/eaforge/stress-backend/pkg/utils"
)

// Engine replays the best pass through the stress suite and derives
// cost overlays from the resulting trade lists.
type Engine struct {
	logger *zap.Logger
	cfg    *config.Config
	sim    simulator.Simulator
	gates  *gates.Engine
	parser *report.Parser
}

// NewEngine creates a stress engine over the shared simulator and gate
// engine.
func NewEngine(logger *zap.Logger, cfg *config.Config, sim simulator.Simulator, gateEngine *gates.Engine) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger: logger.Named("stress"),
		cfg:    cfg,
		sim:    sim,
		gates:  gateEngine,
		parser: report.NewParser(logger),
	}
}

// Baseline is the verified best pass the suite measures against. Its
// trades (or statement report) seed a zero-cost overlay base without
// appearing as a scenario row of its own.
type Baseline struct {
	PassNum        int
	Metrics        types.TradeMetrics
	ReportPath     string
	Trades         []types.Trade
	InitialBalance float64
}

// RunInput carries everything one suite replay needs.
type RunInput struct {
	BinaryPath string
	EAName     string
	Symbol     string
	Timeframe  types.Timeframe
	Params     map[string]any
	Dates      config.DateRange
	Baseline   *Baseline
	// DataPath is the terminal data directory searched for tick files.
	// Empty disables coverage checks.
	DataPath string
	// Now pins the suite anchor fallback and current-month handling.
	// Zero means wall clock.
	Now time.Time
}

// overlayBase is a scenario result eligible for cost overlays together
// with the trades that produced it.
type overlayBase struct {
	row            types.ScenarioResult
	trades         []types.Trade
	initialBalance float64
}

// Run executes the scenario suite. Individual scenario failures are
// recorded as failed rows rather than failing the suite; only context
// cancellation aborts it.
func (e *Engine) Run(ctx context.Context, in RunInput) (*types.StressReport, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	anchorDate := in.Dates.End
	if _, err := utils.ParseDate(anchorDate); err != nil {
		anchorDate = utils.FormatDate(now)
	}

	suite := BuildSuite(e.cfg, in.Dates, now)
	e.logger.Info("stress suite built",
		zap.String("symbol", in.Symbol),
		zap.String("anchor", anchorDate),
		zap.Int("scenarios", len(suite)))

	var (
		rows        []types.ScenarioResult
		bases       []overlayBase
		baselineRow *types.ScenarioResult
	)

	if in.Baseline != nil && (in.Baseline.ReportPath != "" || len(in.Baseline.Trades) > 0) {
		metrics := in.Baseline.Metrics
		baselineRow = &types.ScenarioResult{
			Scenario:   baselineScenario(e.cfg, in.Dates),
			Success:    true,
			Metrics:    &metrics,
			ReportPath: in.Baseline.ReportPath,
		}
		bases = append(bases, overlayBase{
			row:            *baselineRow,
			trades:         in.Baseline.Trades,
			initialBalance: in.Baseline.InitialBalance,
		})
		e.logger.Debug("baseline joins the overlay bases",
			zap.Int("pass", in.Baseline.PassNum),
			zap.String("report", in.Baseline.ReportPath))
	}

	for i, sc := range suite {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.logger.Info("stress scenario",
			zap.Int("index", i+1),
			zap.Int("total", len(suite)),
			zap.String("id", sc.ID),
			zap.String("from", sc.Settings.From),
			zap.String("to", sc.Settings.To))

		opts := simulator.NewBacktestOptions(in.Symbol, in.Timeframe)
		opts.Params = in.Params
		opts.FromDate = sc.Settings.From
		opts.ToDate = sc.Settings.To
		opts.Model = sc.Settings.Model
		opts.LatencyMS = sc.Settings.LatencyMS
		opts.ReportName = utils.ReportName(in.EAName, "S12", sc.ID)
		opts.Timeout = e.cfg.BacktestTimeout()

		bt, err := e.sim.Backtest(ctx, in.BinaryPath, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			e.logger.Warn("stress scenario errored", zap.String("id", sc.ID), zap.Error(err))
			rows = append(rows, types.ScenarioResult{Scenario: sc, Error: err.Error()})
			continue
		}

		metrics := bt.TradeMetrics
		row := types.ScenarioResult{
			Scenario:   sc,
			Success:    bt.Success,
			Metrics:    &metrics,
			ReportPath: bt.ReportPath,
		}
		if len(bt.Errors) > 0 {
			row.Error = strings.Join(bt.Errors, "; ")
		}
		if sc.Settings.Model == types.ModelTick && e.cfg.Stress.ValidateTicks && in.DataPath != "" {
			cov := CheckTickCoverage(in.DataPath, in.Symbol, sc.Settings.From, sc.Settings.To, now)
			row.TickFiles = &cov
		}
		rows = append(rows, row)

		e.logger.Info("stress scenario done",
			zap.String("id", sc.ID),
			zap.Bool("success", row.Success),
			zap.Float64("profit", metrics.Profit),
			zap.Float64("profit_factor", metrics.ProfitFactor),
			zap.Int("trades", metrics.TotalTrades))

		// Latency variants answer an execution question, not a cost
		// question, so they never seed overlays.
		if row.Success && !containsString(sc.Tags, "latency") &&
			(len(bt.Trades) > 0 || row.ReportPath != "") {
			balance := e.cfg.Backtest.Deposit
			if len(bt.EquityCurve) > 0 {
				balance = bt.EquityCurve[0]
			}
			bases = append(bases, overlayBase{row: row, trades: bt.Trades, initialBalance: balance})
		}
	}

	if e.cfg.Stress.IncludeOverlays {
		rows = append(rows, e.buildOverlays(bases, in.Symbol)...)
	}

	e.attachGates(rows)

	e.logger.Info("stress suite done",
		zap.Int("rows", len(rows)),
		zap.Int("overlay_bases", len(bases)))

	return &types.StressReport{
		GeneratedAt: time.Now().UTC(),
		AnchorDate:  anchorDate,
		Baseline:    baselineRow,
		Scenarios:   rows,
	}, nil
}

// buildOverlays derives one row per eligible base and configured
// spread/slippage combination. A base whose trades cannot be recovered
// yields a single failed row instead of one per combination.
func (e *Engine) buildOverlays(bases []overlayBase, symbol string) []types.ScenarioResult {
	sides := e.cfg.Stress.Sides
	if sides < 0 {
		sides = 0
	}

	var rows []types.ScenarioResult
	for i := range bases {
		base := &bases[i]
		trades, balance, pipValue, err := e.prepareOverlayBase(base, symbol)
		if err != nil {
			e.logger.Warn("overlay base unavailable",
				zap.String("base", base.row.Scenario.ID),
				zap.Error(err))
			rows = append(rows, overlayErrorRow(&base.row, err))
			continue
		}

		for _, spread := range e.cfg.Stress.OverlaySpreads {
			for _, slip := range e.cfg.Stress.OverlaySlippages {
				if spread == 0 && slip == 0 {
					continue
				}
				overlay := types.OverlaySettings{SpreadPips: spread, SlippagePips: slip, Sides: sides}
				outcome := ApplyCostOverlay(trades, balance, pipValue, overlay)
				rows = append(rows, overlayRow(&base.row, outcome, overlay))
			}
		}
	}
	return rows
}

// prepareOverlayBase resolves the base's trades, preferring in-memory
// results and falling back to statement extraction, then estimates the
// pip value the overlay charges with.
func (e *Engine) prepareOverlayBase(base *overlayBase, symbol string) ([]types.Trade, float64, float64, error) {
	trades := base.trades
	balance := base.initialBalance
	if len(trades) == 0 {
		if base.row.ReportPath == "" {
			return nil, 0, 0, errors.New("no trades or report available for overlay")
		}
		res, err := e.parser.ExtractTrades(base.row.ReportPath)
		if err != nil {
			return nil, 0, 0, err
		}
		trades = res.Trades
		if balance == 0 {
			balance = res.InitialBalance
		}
	}
	if balance == 0 {
		balance = e.cfg.Backtest.Deposit
	}

	pipValue, ok := EstimatePipValuePerLot(trades, symbol)
	if !ok {
		return nil, 0, 0, errors.New("could not estimate pip value for overlay costs")
	}
	return trades, balance, pipValue, nil
}

// attachGates applies the metric gates and composite score to every row
// that has measured metrics.
func (e *Engine) attachGates(rows []types.ScenarioResult) {
	for i := range rows {
		if rows[i].Metrics == nil {
			continue
		}
		m := *rows[i].Metrics
		checks := e.gates.CheckBacktest(m)
		gm := make(map[string]types.GateResult, len(checks))
		for _, g := range checks {
			gm[g.Name] = g
		}
		rows[i].Gates = gm
		rows[i].Score = e.gates.CompositeScore(gates.ScoreInputFromMetrics(m))
	}
}

func baselineScenario(cfg *config.Config, dates config.DateRange) types.Scenario {
	return types.Scenario{
		ID:       "baseline_full",
		Label:    "Baseline (best pass) - full period",
		PeriodID: "full",
		Variant:  types.VariantBase,
		Window: types.ScenarioWindow{
			ID:    "full",
			Label: "Full period",
			From:  dates.Start,
			To:    dates.End,
		},
		Settings: types.ScenarioSettings{
			From:      dates.Start,
			To:        dates.End,
			Model:     cfg.Backtest.Model,
			LatencyMS: cfg.Backtest.LatencyMS,
		},
		Tags: []string{"baseline", "ohlc"},
	}
}

func overlayErrorRow(base *types.ScenarioResult, err error) types.ScenarioResult {
	row := types.ScenarioResult{
		Scenario: types.Scenario{
			ID:             utils.SanitizeToken(base.Scenario.ID+"_overlay_error", 60),
			Label:          base.Scenario.Label + " + costs (overlay unavailable)",
			PeriodID:       base.Scenario.PeriodID,
			Variant:        types.VariantOverlay,
			Window:         base.Scenario.Window,
			Settings:       base.Scenario.Settings,
			Tags:           withTag(base.Scenario.Tags, "overlay"),
			BaseScenarioID: base.Scenario.ID,
		},
		TickFiles:  base.TickFiles,
		ReportPath: base.ReportPath,
		Error:      err.Error(),
	}
	if base.Metrics != nil {
		m := *base.Metrics
		row.Metrics = &m
	}
	return row
}

func overlayRow(base *types.ScenarioResult, outcome OverlayOutcome, o types.OverlaySettings) types.ScenarioResult {
	spread := utils.FormatParamValue(o.SpreadPips)
	slip := utils.FormatParamValue(o.SlippagePips)
	metrics := outcome.Metrics
	cost := outcome.Cost
	return types.ScenarioResult{
		Scenario: types.Scenario{
			ID: utils.SanitizeToken(
				fmt.Sprintf("%s_overlay_sp%s_sl%s", base.Scenario.ID, spread, slip), 60),
			Label: fmt.Sprintf("%s + costs (spread %sp, slip %sp x%d)",
				base.Scenario.Label, spread, slip, o.Sides),
			PeriodID:       base.Scenario.PeriodID,
			Variant:        types.VariantOverlay,
			Window:         base.Scenario.Window,
			Settings:       base.Scenario.Settings,
			Tags:           withTag(base.Scenario.Tags, "overlay"),
			Overlay:        &o,
			BaseScenarioID: base.Scenario.ID,
		},
		Success:     true,
		Metrics:     &metrics,
		OverlayCost: &cost,
		TickFiles:   base.TickFiles,
		ReportPath:  base.ReportPath,
	}
}

func withTag(tags []string, tag string) []string {
	out := make([]string, 0, len(tags)+1)
	out = append(out, tags...)
	if !containsString(out, tag) {
		out = append(out, tag)
	}
	return out
}

package stages

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/gates"
	"github.com/eaforge/stress-backend/internal/montecarlo"
	"github.com/eaforge/stress-backend/internal/report"
	"github.com/eaforge/stress-backend/internal/simulator"
	"github.com/eaforge/stress-backend/internal/store"
	"github.com/eaforge/stress-backend/pkg/types"
	"github.com/eaforge/stress-backend/pkg/utils"
)

// backtestTop verifies every selected pass with a full single run under
// realistic safety limits, scores each one, and picks the best by
// composite score then profit. The winner's trade list is saved as a
// side-car for the downstream robustness stages.
type backtestTop struct{}

func (backtestTop) Name() string { return types.StepBacktestTop }
func (backtestTop) Dependencies() []string {
	return []string{types.StepCompile, types.StepParseResults, types.StepSelectPasses}
}

func (backtestTop) Execute(ctx context.Context, sc *Context) (types.StageResult, error) {
	exe := exePathFrom(sc)
	if exe == "" {
		return types.StageFail(depFailure(types.StepCompile)), nil
	}
	selection := selectionFrom(sc)
	if len(selection) == 0 {
		return types.StageFail(depFailure(types.StepSelectPasses)), nil
	}

	deposit := sc.Config.Backtest.Deposit
	results := make([]types.PassBacktest, 0, len(selection))
	var (
		best       *types.PassBacktest
		bestTrades []types.Trade
		successful int
	)

	for i, sel := range selection {
		sc.progress(types.StepBacktestTop,
			float64(i)/float64(len(selection))*100,
			fmt.Sprintf("backtesting pass %d (%d/%d)", sel.Pass, i+1, len(selection)))

		run := inputParams(sel.Params)
		run[SafetySpreadParam] = SafetyBacktestPips
		run[SafetySlippageParam] = SafetyBacktestPips

		opts := simulator.NewBacktestOptions(sc.State.Symbol, sc.State.Timeframe)
		opts.Params = run
		opts.FromDate = sc.Dates.Start
		opts.ToDate = sc.Dates.End
		opts.ReportName = utils.ReportName(fmt.Sprintf("S9_bt_pass%d", sel.Pass),
			sc.State.Symbol, string(sc.State.Timeframe), wfid8(sc))
		opts.Timeout = sc.Config.BacktestTimeout()
		opts.Progress = heartbeat(sc, types.StepBacktestTop)

		res, err := sc.Sim.Backtest(ctx, exe, opts)
		if err != nil {
			if ctx.Err() != nil {
				return types.StageResult{}, err
			}
			results = append(results, types.PassBacktest{
				PassNum: sel.Pass,
				Params:  sel.Params,
				Error:   err.Error(),
			})
			continue
		}
		if !res.Success {
			msg := "backtest produced no report"
			if len(res.Errors) > 0 {
				msg = res.Errors[0]
			}
			results = append(results, types.PassBacktest{
				PassNum: sel.Pass,
				Params:  sel.Params,
				Error:   msg,
			})
			continue
		}

		row := scorePass(sc, sel, res, deposit)
		if row.Success {
			successful++
		}
		results = append(results, row)

		// Best is chosen over every executed pass, not just the
		// gate-passing ones, so a near-miss run still gets scrutiny.
		if best == nil || betterPass(row, *best) {
			r := row
			best = &r
			bestTrades = res.Trades
		}
	}

	if _, err := sc.Store.SaveResults(sc.State.WorkflowID, store.ResultsBacktests, results); err != nil {
		return types.StageResult{}, err
	}
	if best != nil && len(bestTrades) > 0 {
		side := BestTrades{PassNum: best.PassNum, InitialBalance: deposit, Trades: bestTrades}
		if _, err := sc.Store.SaveResults(sc.State.WorkflowID, store.ResultsBestTrades, side); err != nil {
			return types.StageResult{}, err
		}
	}

	gate := gates.SuccessfulPasses(successful)
	data := map[string]any{
		"successful_count": successful,
		"total_count":      len(selection),
		"selection_metric": "score",
		"results_name":     store.ResultsBacktests,
		"initial_balance":  deposit,
	}
	if best != nil {
		data[KeyBestResult] = *best
		metrics := best.Metrics.ToMap()
		metrics["composite_score"] = best.Score
		if best.BackMetrics != nil {
			metrics["back_result"] = best.BackMetrics.Profit
		}
		if best.ForwardMetrics != nil {
			metrics["forward_result"] = best.ForwardMetrics.Profit
		}
		data[KeyMetrics] = metrics
		// The winner's metric gates become the workflow verdicts the
		// go-live check reads.
		data[KeyGateResults] = sc.Gates.CheckBacktest(best.Metrics)
	}
	sc.Logger.Info("verification backtests finished",
		zap.Int("successful", successful),
		zap.Int("total", len(selection)))
	if !gate.Passed {
		msg := fmt.Sprintf("No passes passed all gates (%d/%d)", successful, len(selection))
		return failGate(gate, msg, data), nil
	}
	return types.StageOK(data).WithGate(gate), nil
}

// scorePass turns one verification run into a scored record with
// segment metrics, risk ratios and the per-pass gate verdict.
func scorePass(sc *Context, sel passSelection, res types.BacktestResult, deposit float64) types.PassBacktest {
	m := res.TradeMetrics
	row := types.PassBacktest{
		PassNum:    sel.Pass,
		Params:     sel.Params,
		Metrics:    m,
		ReportPath: res.ReportPath,
	}
	if v, ok := types.ParamFloat(sel.Params, types.ParamKeyResult); ok {
		row.OptResult = v
	}
	if v, ok := types.ParamFloat(sel.Params, types.ParamKeyForwardResult); ok {
		row.OptForward = v
	}

	if len(res.Trades) > 0 {
		if split, err := utils.ParseDate(sc.Dates.Split); err == nil {
			backTrades, fwdTrades := report.SplitTradesByDate(res.Trades, split)
			if len(backTrades) > 0 {
				bm := segmentMetrics(backTrades, deposit)
				row.BackMetrics = &bm
			}
			if len(fwdTrades) > 0 {
				carried := deposit
				for _, t := range backTrades {
					carried += t.NetProfit
				}
				fm := segmentMetrics(fwdTrades, carried)
				row.ForwardMetrics = &fm
			}
		}
		if risk, err := montecarlo.ComputeRiskMetrics(report.TradeProfits(res.Trades), deposit, montecarlo.DefaultRiskFreeRate); err == nil {
			var extended map[string]float64
			if recode(risk, &extended) == nil {
				row.Extended = extended
			}
		}
	}

	in := gates.ScoreInputFromMetrics(m)
	if row.BackMetrics != nil {
		in.BackProfit = &row.BackMetrics.Profit
	}
	if row.ForwardMetrics != nil {
		in.ForwardProfit = &row.ForwardMetrics.Profit
	}
	row.Score = sc.Gates.PassScore(in)

	row.Success = true
	for _, g := range sc.Gates.CheckBacktest(m) {
		if !g.Passed {
			row.Success = false
			break
		}
	}
	return row
}

// betterPass orders by composite score, profit breaking ties.
func betterPass(a, b types.PassBacktest) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Metrics.Profit > b.Metrics.Profit
}

// inputParams strips the tester bookkeeping columns, leaving only the
// EA inputs fit for a [TesterInputs] section.
func inputParams(params map[string]any) map[string]any {
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

// segmentMetrics recomputes the canonical metrics over a trade subset,
// drawdown taken against the balance carried into the segment.
func segmentMetrics(trades []types.Trade, startBalance float64) types.TradeMetrics {
	var (
		profit      float64
		grossProfit float64
		grossLoss   float64
		wins        int
	)
	profits := make([]float64, len(trades))
	for i, t := range trades {
		profits[i] = t.NetProfit
		profit += t.NetProfit
		switch {
		case t.NetProfit > 0:
			wins++
			grossProfit += t.NetProfit
		case t.NetProfit < 0:
			grossLoss += t.NetProfit
		}
	}
	m := types.TradeMetrics{
		Profit:         profit,
		ProfitFactor:   utils.ProfitFactor(grossProfit, grossLoss),
		MaxDrawdownPct: utils.MaxDrawdownPct(startBalance, profits),
		TotalTrades:    len(trades),
		GrossProfit:    grossProfit,
		GrossLoss:      grossLoss,
	}
	if len(trades) > 0 {
		m.WinRate = float64(wins) / float64(len(trades)) * 100
		m.ExpectedPayoff = profit / float64(len(trades))
	}
	return m
}

// monteCarlo resamples the winning pass's trade sequence and gates on
// outcome confidence and ruin probability.
type monteCarlo struct{}

func (monteCarlo) Name() string           { return types.StepMonteCarlo }
func (monteCarlo) Dependencies() []string { return []string{types.StepBacktestTop} }

func (monteCarlo) Execute(_ context.Context, sc *Context) (types.StageResult, error) {
	best, ok := bestResultFrom(sc)
	if !ok {
		return types.StageFail(depFailure(types.StepBacktestTop)), nil
	}

	profits, balance := tradesForSimulation(sc, best)
	if len(profits) == 0 {
		return types.StageFail("No trades available for Monte Carlo simulation"), nil
	}

	engine := montecarlo.NewEngine(sc.Logger, montecarlo.Config{
		Iterations:       sc.Config.MonteCarlo.Iterations,
		RuinThreshold:    sc.Config.MonteCarlo.RuinThreshold,
		ConfidenceLevels: sc.Config.MonteCarlo.ConfidenceLevels,
		Workers:          sc.Config.MonteCarlo.Workers,
		Seed:             seedFor(sc.State.WorkflowID),
	})
	sc.progress(types.StepMonteCarlo, -1, fmt.Sprintf("resampling %d trades", len(profits)))
	mc, err := engine.Run(profits, balance)
	if err != nil {
		return types.StageFail(fmt.Sprintf("Monte Carlo simulation: %v", err)), nil
	}

	gateResults := sc.Gates.CheckMonteCarlo(mc)
	primary := gateResults[0]
	var errs []string
	for _, g := range gateResults {
		if g.Passed {
			continue
		}
		if len(errs) == 0 {
			primary = g
		}
		switch g.Name {
		case gates.GateMCConfidence:
			errs = append(errs, fmt.Sprintf("MC confidence %.1f%% < %.1f%% minimum", g.Value, g.Threshold))
		case gates.GateMCRuin:
			errs = append(errs, fmt.Sprintf("MC ruin probability %.1f%% > %.1f%% maximum", g.Value, g.Threshold))
		default:
			errs = append(errs, g.Message)
		}
	}

	var data map[string]any
	if err := recode(mc, &data); err != nil {
		return types.StageResult{}, fmt.Errorf("encode simulation result: %w", err)
	}
	data["pass_num"] = best.PassNum
	data["trade_count"] = len(profits)
	data[KeyGateResults] = gateResults
	data[KeyMetrics] = map[string]float64{
		"mc_confidence":       mc.ConfidencePct,
		"mc_ruin_probability": mc.RuinProbabilityPct,
	}
	sc.Logger.Info("simulation gated",
		zap.Float64("confidence_pct", mc.ConfidencePct),
		zap.Float64("ruin_pct", mc.RuinProbabilityPct),
		zap.Int("trades", len(profits)))
	if len(errs) > 0 {
		r := failGate(primary, errs[0], data)
		r.Errors = errs
		return r, nil
	}
	return types.StageOK(data).WithGate(primary), nil
}

// tradesForSimulation finds the most faithful profit sequence for the
// winning pass: the saved trade list, then the statement deal table,
// then a reconstruction from summary statistics.
func tradesForSimulation(sc *Context, best types.PassBacktest) ([]float64, float64) {
	balance, ok := dataFloat(stepData(sc, types.StepBacktestTop), "initial_balance")
	if !ok || balance <= 0 {
		balance = sc.Config.Backtest.Deposit
	}

	if side, ok := loadBestTrades(sc); ok {
		if side.InitialBalance > 0 {
			balance = side.InitialBalance
		}
		return report.TradeProfits(side.Trades), balance
	}

	if best.ReportPath != "" {
		if extraction, err := newParser(sc).ExtractTrades(best.ReportPath); err == nil && len(extraction.Trades) > 0 {
			if extraction.InitialBalance > 0 {
				balance = extraction.InitialBalance
			}
			return report.TradeProfits(extraction.Trades), balance
		}
	}

	sc.Logger.Warn("no trade list for best pass, reconstructing from summary",
		zap.Int("pass", best.PassNum),
		zap.Int("trades", best.Metrics.TotalTrades))
	return montecarlo.TradesFromSummary(best.Metrics), balance
}

package stages

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/config"
	"github.com/eaforge/stress-backend/internal/gates"
	"github.com/eaforge/stress-backend/internal/simulator"
	"github.com/eaforge/stress-backend/pkg/types"
	"github.com/eaforge/stress-backend/pkg/utils"
)

// analyzeParams is the external analysis step: wide validation values
// and optimization ranges for the extracted inputs arrive through a
// resume call, never from inside the process. The executor pauses the
// workflow here.
type analyzeParams struct{}

func (analyzeParams) Name() string           { return types.StepAnalyzeParams }
func (analyzeParams) Dependencies() []string { return []string{types.StepExtractParams} }

func (analyzeParams) PauseStatus() types.Status { return types.StatusAwaitingParams }

// AutoEnabled is always false: there is no built-in range heuristic.
func (analyzeParams) AutoEnabled(*config.Config) bool { return false }

func (analyzeParams) Execute(context.Context, *Context) (types.StageResult, error) {
	return types.StageFail("Automated parameter analysis is disabled; resume the workflow with analyzed parameters"), nil
}

// validateTrades runs one backtest with the wide parameter set and
// loosened safety limits to prove the EA trades at all before the
// expensive sweep.
type validateTrades struct{}

func (validateTrades) Name() string { return types.StepValidateTrades }
func (validateTrades) Dependencies() []string {
	return []string{types.StepCompile, types.StepAnalyzeParams}
}

func (validateTrades) Execute(ctx context.Context, sc *Context) (types.StageResult, error) {
	exe := exePathFrom(sc)
	if exe == "" {
		return types.StageFail(depFailure(types.StepCompile)), nil
	}
	wide := wideParamsFrom(sc)
	if len(wide) == 0 {
		return types.StageFail(depFailure(types.StepAnalyzeParams)), nil
	}

	// Loose limits: a spread guard must never mask a logic problem
	// during the trade-count check.
	run := make(map[string]any, len(wide)+2)
	for k, v := range wide {
		run[k] = v
	}
	run[SafetySpreadParam] = SafetyValidationPips
	run[SafetySlippageParam] = SafetyValidationPips

	reportName := utils.ReportName("S5_validate", sc.State.Symbol, string(sc.State.Timeframe), wfid8(sc))
	opts := simulator.NewBacktestOptions(sc.State.Symbol, sc.State.Timeframe)
	opts.Params = run
	opts.FromDate = sc.Dates.Start
	opts.ToDate = sc.Dates.End
	opts.ReportName = reportName
	opts.Timeout = sc.Config.BacktestTimeout()
	opts.Progress = heartbeat(sc, types.StepValidateTrades)

	res, err := sc.Sim.Backtest(ctx, exe, opts)
	if err != nil {
		return types.StageResult{}, err
	}
	if !res.Success {
		errs := res.Errors
		if len(errs) == 0 {
			errs = []string{"validation backtest produced no report"}
		}
		return types.StageFail(errs...), nil
	}

	m := res.TradeMetrics
	gate := gates.MinimumTrades(m.TotalTrades, sc.Gates.MinTrades())
	data := map[string]any{
		"report_path":      res.ReportPath,
		"total_trades":     m.TotalTrades,
		"profit":           m.Profit,
		"profit_factor":    m.ProfitFactor,
		"max_drawdown_pct": m.MaxDrawdownPct,
		KeyMetrics:         m.ToMap(),
	}
	// History coverage is an environment verdict, not an EA verdict; a
	// short history marks the gate but never diverts to the fix step.
	if pct, ok := historyCoverage(res, sc); ok {
		cov := gates.HistoryCoverage(pct, sc.Gates.MinHistoryCoverage())
		data["history_coverage_pct"] = utils.Round1(pct)
		data[KeyGateResults] = []types.GateResult{cov}
	}
	sc.Logger.Info("trade validation finished",
		zap.Int("trades", m.TotalTrades),
		zap.Int("minimum", sc.Gates.MinTrades()),
		zap.Float64("profit", m.Profit))
	if !gate.Passed {
		msg := fmt.Sprintf("Only %d trades, minimum is %d", m.TotalTrades, sc.Gates.MinTrades())
		return failGate(gate, msg, data), nil
	}
	return types.StageOK(data).WithGate(gate), nil
}

// historyCoverage resolves the share of expected price history behind a
// run: the statement's History Quality when present, else the bar count
// against the window's expected bars. Reports carrying neither skip the
// gate.
func historyCoverage(res types.BacktestResult, sc *Context) (float64, bool) {
	if res.HistoryQuality > 0 {
		return res.HistoryQuality, true
	}
	if res.Bars <= 0 {
		return 0, false
	}
	from, err := utils.ParseDate(sc.Dates.Start)
	if err != nil {
		return 0, false
	}
	to, err := utils.ParseDate(sc.Dates.End)
	if err != nil {
		return 0, false
	}
	want := gates.ExpectedBars(sc.State.Timeframe, from, to)
	if want <= 0 {
		return 0, false
	}
	pct := float64(res.Bars) / float64(want) * 100
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

// fixEA is the repair step entered when trade validation fails. It never
// succeeds: it either pauses the workflow for an external fix or, with
// the attempt budget spent, lets it fail. The executor applies the
// counters and status carried in the data payload.
type fixEA struct{}

func (fixEA) Name() string           { return types.StepFixEA }
func (fixEA) Dependencies() []string { return nil }

func (fixEA) Execute(_ context.Context, sc *Context) (types.StageResult, error) {
	prev, ok := sc.State.StepResult(types.StepValidateTrades)
	if !ok {
		return types.StageFail(fmt.Sprintf("Step %s has not run", types.StepValidateTrades)), nil
	}

	trades := dataInt(prev.Data, "total_trades")
	minTrades := sc.Gates.MinTrades()
	gate := gates.MinimumTrades(trades, minTrades)
	diagnosis := sc.Gates.Diagnose([]types.GateResult{gate}, metricsFromData(prev.Data))

	maxAttempts := sc.State.MaxFixAttempts
	if maxAttempts <= 0 {
		maxAttempts = sc.Config.Pipeline.MaxFixAttempts
	}
	attempt := sc.State.FixAttempts + 1

	data := map[string]any{
		KeyFixAttempts:      attempt,
		"max_fix_attempts":  maxAttempts,
		"validation_trades": trades,
		"ea_path":           sourcePath(sc),
		"diagnosis":         diagnosis,
	}
	if attempt > maxAttempts {
		data[KeyFixAttempts] = sc.State.FixAttempts
		data[KeyAwaitingFix] = false
		msg := fmt.Sprintf("Max fix attempts (%d) exhausted; workflow failed", maxAttempts)
		return failGate(gate, msg, data), nil
	}

	data[KeyAwaitingFix] = true
	sc.Logger.Warn("EA needs repair",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", maxAttempts),
		zap.Int("trades", trades))
	msg := fmt.Sprintf("Attempt %d/%d: EA needs fix (%d trades < %d minimum); workflow paused for repair",
		attempt, maxAttempts, trades, minTrades)
	return failGate(gate, msg, data), nil
}

package stages

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/gates"
	"github.com/eaforge/stress-backend/internal/stress"
	"github.com/eaforge/stress-backend/internal/windows"
	"github.com/eaforge/stress-backend/pkg/types"
	"github.com/eaforge/stress-backend/pkg/utils"
)

// generateReports computes the final composite score and go-live
// verdict and regenerates the rendered outputs. It runs even after an
// earlier step failed and never fails the workflow itself; a broken
// dashboard is an inconvenience, not a result.
type generateReports struct{}

func (generateReports) Name() string           { return types.StepGenerateReports }
func (generateReports) Dependencies() []string { return nil }

func (generateReports) Execute(_ context.Context, sc *Context) (types.StageResult, error) {
	in := gates.ScoreInputFromMetrics(types.MetricsFromMap(sc.State.Metrics))
	if v, ok := sc.State.Metrics["back_result"]; ok {
		back := v
		in.BackProfit = &back
	}
	if v, ok := sc.State.Metrics["forward_result"]; ok {
		fwd := v
		in.ForwardProfit = &fwd
	}
	score := sc.Gates.PassScore(in)
	goLive := gates.GoLiveReady(sc.State.Gates)

	data := map[string]any{
		"composite_score": score,
		"go_live_ready":   goLive,
		KeyMetrics:        map[string]float64{"composite_score": score},
	}

	if !goLive {
		failing := make([]types.GateResult, 0, len(sc.State.Gates))
		for _, g := range sc.State.Gates {
			if !g.Passed {
				failing = append(failing, g)
			}
		}
		sort.Slice(failing, func(i, j int) bool { return failing[i].Name < failing[j].Name })
		if diagnoses := sc.Gates.Diagnose(failing, types.MetricsFromMap(sc.State.Metrics)); len(diagnoses) > 0 {
			data["diagnoses"] = diagnoses
		}
	}

	if sc.Reports != nil {
		if path, err := sc.Reports.Dashboard(sc.State); err != nil {
			sc.Logger.Warn("dashboard generation failed", zap.Error(err))
		} else {
			data["dashboard_path"] = path
		}
		if path, err := sc.Reports.Leaderboard(); err != nil {
			sc.Logger.Warn("leaderboard generation failed", zap.Error(err))
		} else {
			data["leaderboard_path"] = path
		}
		if path, err := sc.Reports.Boards(); err != nil {
			sc.Logger.Warn("boards generation failed", zap.Error(err))
		} else {
			data["boards_path"] = path
		}
	}

	sc.Logger.Info("reports generated",
		zap.Float64("composite_score", score),
		zap.Bool("go_live_ready", goLive))
	return types.StageOK(data), nil
}

// stressScenarios replays the winning pass through the deterministic
// scenario suite. Without a step-9 winner there is nothing to stress, so
// the stage skips rather than fails; a missing binary is a real fault.
type stressScenarios struct{}

func (stressScenarios) Name() string           { return types.StepStressScenarios }
func (stressScenarios) Dependencies() []string { return nil }

func (stressScenarios) Execute(ctx context.Context, sc *Context) (types.StageResult, error) {
	if stepData(sc, types.StepBacktestTop) == nil {
		return skipStage(fmt.Sprintf("No best-pass results from step %s", types.StepBacktestTop)), nil
	}
	best, ok := bestResultFrom(sc)
	if !ok {
		return skipStage(fmt.Sprintf("No best pass selected in step %s", types.StepBacktestTop)), nil
	}
	exe := exePathFrom(sc)
	if exe == "" {
		return types.StageFail(fmt.Sprintf("No compiled EA from step %s", types.StepCompile)), nil
	}

	baseline := &stress.Baseline{
		PassNum:    best.PassNum,
		Metrics:    best.Metrics,
		ReportPath: best.ReportPath,
	}
	if side, ok := loadBestTrades(sc); ok {
		baseline.Trades = side.Trades
		baseline.InitialBalance = side.InitialBalance
	}

	engine := stress.NewEngine(sc.Logger, sc.Config, sc.Sim, sc.Gates)
	rep, err := engine.Run(ctx, stress.RunInput{
		BinaryPath: exe,
		EAName:     sc.State.EAName,
		Symbol:     sc.State.Symbol,
		Timeframe:  sc.State.Timeframe,
		Params:     inputParams(best.Params),
		Dates:      sc.Dates,
		Baseline:   baseline,
		DataPath:   sc.DataPath,
		Now:        sc.Now,
	})
	if err != nil {
		return types.StageResult{}, err
	}
	sc.State.StressReport = rep

	passed := 0
	for _, s := range rep.Scenarios {
		if s.Success {
			passed++
		}
	}
	sc.Logger.Info("stress suite finished",
		zap.Int("scenarios", len(rep.Scenarios)),
		zap.Int("passed", passed))
	return types.StageOK(map[string]any{
		KeySkipped:       false,
		"pass_num":       best.PassNum,
		"scenario_count": len(rep.Scenarios),
		"passed_count":   passed,
	}), nil
}

// forwardWindows slices the winning pass's trades into date windows.
// Skips mirror the stress stage: no winner or no trade history means
// nothing to slice.
type forwardWindows struct{}

func (forwardWindows) Name() string           { return types.StepForwardWindows }
func (forwardWindows) Dependencies() []string { return nil }

func (forwardWindows) Execute(_ context.Context, sc *Context) (types.StageResult, error) {
	data := stepData(sc, types.StepBacktestTop)
	if data == nil {
		return skipStage(fmt.Sprintf("No best-pass results from step %s", types.StepBacktestTop)), nil
	}
	best, ok := bestResultFrom(sc)
	if !ok {
		return skipStage(fmt.Sprintf("No best pass selected in step %s", types.StepBacktestTop)), nil
	}

	balance, ok := dataFloat(data, "initial_balance")
	if !ok || balance <= 0 {
		balance = sc.Config.Backtest.Deposit
	}
	var trades []types.Trade
	reportPath := best.ReportPath
	if side, ok := loadBestTrades(sc); ok {
		trades = side.Trades
		if side.InitialBalance > 0 {
			balance = side.InitialBalance
		}
	} else {
		if reportPath == "" {
			return skipStage("No report path for best pass"), nil
		}
		extraction, err := newParser(sc).ExtractTrades(reportPath)
		if err != nil || len(extraction.Trades) == 0 {
			return skipStage("No trades extracted from report"), nil
		}
		trades = extraction.Trades
		if extraction.InitialBalance > 0 {
			balance = extraction.InitialBalance
		}
	}

	rep := windows.NewSlicer(sc.Logger, sc.Config).Slice(trades, balance, sc.Dates)
	sc.State.WindowReport = rep

	return types.StageOK(map[string]any{
		KeySkipped:     false,
		"pass_num":     best.PassNum,
		"report_path":  reportPath,
		"window_count": len(rep.Windows),
		"trade_count":  len(trades),
	}), nil
}

// multiPair publishes the symbol list and the parent's parameter set for
// the child runs. The executor owns spawning; keeping process control
// out of the stage keeps re-entry trivial.
type multiPair struct{}

func (multiPair) Name() string           { return types.StepMultiPair }
func (multiPair) Dependencies() []string { return nil }

func (multiPair) Execute(_ context.Context, sc *Context) (types.StageResult, error) {
	symbols := utils.UniqueUpper(sc.Config.MultiPair.Symbols, sc.State.Symbol)
	if len(symbols) == 0 {
		return skipStage("No additional symbols configured"), nil
	}

	wide := wideParamsFrom(sc)
	ranges := rangesFrom(sc)
	if len(wide) == 0 || len(ranges) == 0 {
		return skipStage("No stored parameters available for multi-pair runs"), nil
	}

	sc.Logger.Info("multi-pair runs prepared", zap.Strings("symbols", symbols))
	return types.StageOK(map[string]any{
		KeySkipped:     false,
		"symbol_count": len(symbols),
		KeySymbols:     symbols,
		KeyParentParams: map[string]any{
			KeyWideParams: wide,
			KeyRanges:     ranges,
		},
		KeyRuns: []types.MultiPairRun{},
	}), nil
}

// skipStage marks a post stage as successfully skipped.
func skipStage(reason string) types.StageResult {
	return types.StageOK(map[string]any{KeySkipped: true, "reason": reason})
}
